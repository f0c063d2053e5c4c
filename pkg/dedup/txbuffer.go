package dedup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/riversql/riversql/packages/ingest-go/pkg/envelope"
	"github.com/riversql/riversql/packages/ingest-go/pkg/sourcets"
)

// DefaultMaxBufferedPerTxn caps how many events one transaction may buffer
// before the buffer refuses further growth and degrades instead.
const DefaultMaxBufferedPerTxn = 100000

// pendingTxn accumulates one upstream transaction's admitted events until its
// declared event count for our collection has been observed.
type pendingTxn struct {
	events []*envelope.DebeziumEvent
	// expected is the declared event count, or -1 while unknown.
	expected int64
}

func (p *pendingTxn) complete() bool {
	return p.expected >= 0 && int64(len(p.events)) >= p.expected
}

// TxBuffer preserves atomic-commit semantics for sources that publish
// Debezium transaction metadata: a transaction's rows are held back until the
// metadata topic declares the transaction's event count for this collection
// and that many rows have arrived, then released together.
//
// Buffering is bounded per transaction. The upstream is not trusted to always
// deliver the closing count record; an overflowing or force-flushed
// incomplete transaction flushes best-effort and marks the buffer degraded.
type TxBuffer struct {
	meta    envelope.TxMetadata
	pending map[string]*pendingTxn
	// order preserves first-seen order of transaction ids for deterministic
	// FlushAll.
	order       []string
	maxBuffered int
	degraded    bool
}

// NewTxBuffer creates a buffer for the given transaction metadata
// configuration.
func NewTxBuffer(meta envelope.TxMetadata) *TxBuffer {
	return &TxBuffer{
		meta:        meta,
		pending:     make(map[string]*pendingTxn),
		maxBuffered: DefaultMaxBufferedPerTxn,
	}
}

// Add buffers an admitted event under its transaction id. It returns the
// transaction's events when the declared count is now met, nil otherwise.
func (b *TxBuffer) Add(txid string, ev *envelope.DebeziumEvent) []*envelope.DebeziumEvent {
	txn, ok := b.pending[txid]
	if !ok {
		txn = &pendingTxn{expected: -1}
		b.pending[txid] = txn
		b.order = append(b.order, txid)
	}
	txn.events = append(txn.events, ev)

	if txn.complete() {
		return b.release(txid)
	}
	if len(txn.events) > b.maxBuffered {
		// Overflow: the closing count never arrived. Flush best-effort.
		b.degraded = true
		return b.release(txid)
	}
	return nil
}

// txMetaRecord is the JSON shape of a Debezium transaction metadata record.
type txMetaRecord struct {
	Status          string `json:"status"`
	ID              string `json:"id"`
	EventCount      *int64 `json:"event_count"`
	DataCollections []struct {
		DataCollection string `json:"data_collection"`
		EventCount     int64  `json:"event_count"`
	} `json:"data_collections"`
}

// ApplyMeta feeds one transaction metadata record. BEGIN records open a
// transaction; END records declare per-collection counts. The transaction's
// events are returned once its count for our collection is met; a declared
// count of zero releases immediately with no events.
func (b *TxBuffer) ApplyMeta(payload []byte) ([]*envelope.DebeziumEvent, error) {
	var rec txMetaRecord
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("malformed transaction metadata: %w", err)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("transaction metadata without id")
	}

	switch rec.Status {
	case "BEGIN":
		if _, ok := b.pending[rec.ID]; !ok {
			b.pending[rec.ID] = &pendingTxn{expected: -1}
			b.order = append(b.order, rec.ID)
		}
		return nil, nil

	case "END":
		expected := int64(0)
		for _, dc := range rec.DataCollections {
			if dc.DataCollection == b.meta.DataCollectionName {
				expected = dc.EventCount
				break
			}
		}
		txn, ok := b.pending[rec.ID]
		if !ok {
			txn = &pendingTxn{expected: -1}
			b.pending[rec.ID] = txn
			b.order = append(b.order, rec.ID)
		}
		txn.expected = expected
		if txn.complete() {
			return b.release(rec.ID), nil
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown transaction status %q", rec.Status)
	}
}

// release removes a transaction and returns its events in total order.
func (b *TxBuffer) release(txid string) []*envelope.DebeziumEvent {
	txn, ok := b.pending[txid]
	if !ok {
		return nil
	}
	delete(b.pending, txid)
	for i, id := range b.order {
		if id == txid {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}

	// Restore the transaction's declared total order when the connector
	// provides it; arrival order otherwise.
	sort.SliceStable(txn.events, func(i, j int) bool {
		ti, iok := totalOrder(txn.events[i])
		tj, jok := totalOrder(txn.events[j])
		if iok && jok {
			return ti < tj
		}
		return false
	})
	return txn.events
}

// FlushAll releases every buffered transaction in first-seen order. Any
// incomplete transaction marks the buffer degraded.
func (b *TxBuffer) FlushAll() []*envelope.DebeziumEvent {
	var events []*envelope.DebeziumEvent
	order := append([]string(nil), b.order...)
	for _, txid := range order {
		if txn, ok := b.pending[txid]; ok && !txn.complete() {
			b.degraded = true
		}
		events = append(events, b.release(txid)...)
	}
	return events
}

// PendingCount returns the number of buffered transactions.
func (b *TxBuffer) PendingCount() int {
	return len(b.pending)
}

// BufferedEvents returns the total number of events held across all pending
// transactions.
func (b *TxBuffer) BufferedEvents() int {
	n := 0
	for _, txn := range b.pending {
		n += len(txn.events)
	}
	return n
}

// Degraded reports whether an incomplete transaction was ever flushed.
func (b *TxBuffer) Degraded() bool {
	return b.degraded
}

// MarkDegraded records a degradation observed before a restart.
func (b *TxBuffer) MarkDegraded() {
	b.degraded = true
}

// BufferedEvent is the serializable form of one buffered change event. The
// positional record is not carried; admission already happened, so a restored
// event only needs the slots its release path reads.
type BufferedEvent struct {
	Before      envelope.Row `json:"before,omitempty"`
	After       envelope.Row `json:"after,omitempty"`
	Source      envelope.Row `json:"source,omitempty"`
	Transaction envelope.Row `json:"transaction,omitempty"`
	Op          string       `json:"op,omitempty"`
	TsMS        *int64       `json:"ts_ms,omitempty"`
	Position    string       `json:"position"`
}

// TxnSnapshot is the serializable form of one pending transaction.
type TxnSnapshot struct {
	ID       string          `json:"id"`
	Expected int64           `json:"expected"`
	Events   []BufferedEvent `json:"events,omitempty"`
}

// Snapshot captures every pending transaction in first-seen order. Buffered
// events have already advanced the admission state, so a checkpoint that
// omitted them would lose their rows: after recovery the redelivered originals
// are rejected as duplicates and the END record would release nothing.
func (b *TxBuffer) Snapshot() []TxnSnapshot {
	var snaps []TxnSnapshot
	for _, txid := range b.order {
		txn, ok := b.pending[txid]
		if !ok {
			continue
		}
		snap := TxnSnapshot{ID: txid, Expected: txn.expected}
		for _, ev := range txn.events {
			snap.Events = append(snap.Events, BufferedEvent{
				Before:      ev.Before,
				After:       ev.After,
				Source:      ev.Source,
				Transaction: ev.Transaction,
				Op:          ev.Op,
				TsMS:        ev.TsMS,
				Position:    ev.Position.String(),
			})
		}
		snaps = append(snaps, snap)
	}
	return snaps
}

// Restore rebuilds the pending transactions from a snapshot. The buffer must
// be empty.
func (b *TxBuffer) Restore(snaps []TxnSnapshot) error {
	for _, snap := range snaps {
		if _, ok := b.pending[snap.ID]; ok {
			return fmt.Errorf("duplicate transaction %q in snapshot", snap.ID)
		}
		txn := &pendingTxn{expected: snap.Expected}
		for _, bev := range snap.Events {
			pos, err := sourcets.Parse(bev.Position)
			if err != nil {
				return fmt.Errorf("transaction %q: %w", snap.ID, err)
			}
			txn.events = append(txn.events, &envelope.DebeziumEvent{
				Before:      bev.Before,
				After:       bev.After,
				Source:      bev.Source,
				Transaction: bev.Transaction,
				Op:          bev.Op,
				TsMS:        bev.TsMS,
				Position:    pos,
			})
		}
		b.pending[snap.ID] = txn
		b.order = append(b.order, snap.ID)
	}
	return nil
}

// totalOrder reads the event's declared position in its transaction.
func totalOrder(ev *envelope.DebeziumEvent) (int64, bool) {
	if ev.Transaction == nil {
		return 0, false
	}
	raw, ok := ev.Transaction["total_order"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	case float64:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}
