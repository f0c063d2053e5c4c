package dedup

import (
	"errors"
	"fmt"

	"github.com/riversql/riversql/packages/ingest-go/pkg/envelope"
)

// Errors returned by the engine.
var (
	// ErrNoProducerTime is returned when FullInRange mode receives an event
	// without a producer timestamp.
	ErrNoProducerTime = errors.New("event has no producer timestamp")
)

// Consistency describes whether the engine still upholds atomic-commit
// semantics for its source.
type Consistency int

const (
	// Consistent means every flushed transaction was complete.
	Consistent Consistency = iota
	// Degraded means at least one incomplete transaction was force-flushed.
	Degraded
)

// String returns a string representation of the consistency level.
func (c Consistency) String() string {
	if c == Degraded {
		return "degraded"
	}
	return "consistent"
}

// State is the per-source runtime state of the engine. It is created on the
// first event for a source and checkpointed across restarts so redelivery
// after a restart is deduplicated exactly as on first receipt.
//
// The whole struct serializes to JSON for checkpointing. Seen grows without
// bound in Full mode; FullInRange keeps it bounded to one reconciliation
// window.
type State struct {
	// LastKey is the highest admitted ordering key (Ordered mode).
	LastKey *OrderKey `json:"last_key,omitempty"`

	// Seen is the canonical form of every admitted key (Full/FullInRange).
	Seen map[string]struct{} `json:"-"`

	// SnapshotSeen counts rows admitted during the snapshot phase.
	SnapshotSeen int64 `json:"snapshot_seen,omitempty"`

	// SnapshotExpected is the declared snapshot row count, or -1 when the
	// source never declared one.
	SnapshotExpected int64 `json:"snapshot_expected,omitempty"`

	// SnapshotComplete is set once the snapshot's closing marker was seen or
	// the expected count was met.
	SnapshotComplete bool `json:"snapshot_complete,omitempty"`
}

// NewState creates empty state.
func NewState() *State {
	return &State{Seen: make(map[string]struct{}), SnapshotExpected: -1}
}

// Engine decides, per decoded change event, whether the event should be
// forwarded. One engine belongs to exactly one source; concurrent partitions
// of that source serialize access (single-writer discipline).
type Engine struct {
	mode  envelope.DebeziumMode
	state *State
	txns  *TxBuffer
}

// NewEngine creates an engine for the given mode. Mode configuration errors
// are fatal for the source and surface here, at creation.
func NewEngine(mode envelope.DebeziumMode) (*Engine, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{mode: mode, state: NewState()}
	if mode.Projection != nil && mode.Projection.TxMetadata != nil {
		e.txns = NewTxBuffer(*mode.Projection.TxMetadata)
	}
	return e, nil
}

// Mode returns the engine's configured mode.
func (e *Engine) Mode() envelope.DebeziumMode {
	return e.mode
}

// Admit returns whether the decoded change should be forwarded, per the
// engine's mode. A record whose source struct is absent or malformed yields a
// per-row error; the caller carries it at the row's position.
func (e *Engine) Admit(ev *envelope.DebeziumEvent) (bool, error) {
	switch e.mode.Kind {
	case envelope.ModeNone:
		return true, nil
	case envelope.ModeOrdered:
		return e.admitOrdered(ev)
	case envelope.ModeFull:
		return e.admitFull(ev)
	case envelope.ModeFullInRange:
		return e.admitFullInRange(ev)
	default:
		// Unreachable for validated modes.
		return false, fmt.Errorf("unknown dedup mode %d", e.mode.Kind)
	}
}

// admitOrdered admits iff the key strictly exceeds the last-admitted key.
// Connectors with a guaranteed total order only ever redeliver a suffix after
// reconnect, so strict monotonicity suffices and keeps memory O(1).
func (e *Engine) admitOrdered(ev *envelope.DebeziumEvent) (bool, error) {
	key, err := ExtractKey(e.mode.Projection, ev)
	if err != nil {
		return false, err
	}
	if e.state.LastKey != nil && key.Compare(*e.state.LastKey) <= 0 {
		return false, nil
	}
	e.state.LastKey = &key
	return true, nil
}

// admitFull admits iff the key was never seen. Used when a snapshot phase can
// interleave with streaming and keys are not ordered across the two.
func (e *Engine) admitFull(ev *envelope.DebeziumEvent) (bool, error) {
	key, err := ExtractKey(e.mode.Projection, ev)
	if err != nil {
		return false, err
	}
	canon := key.String()
	if _, dup := e.state.Seen[canon]; dup {
		return false, nil
	}
	e.state.Seen[canon] = struct{}{}
	e.trackSnapshot(ev)
	return true, nil
}

// admitFullInRange is admitFull restricted to the configured producer-time
// window, bounding the seen set to one reconciliation window.
func (e *Engine) admitFullInRange(ev *envelope.DebeziumEvent) (bool, error) {
	t, ok := ev.ProducerTime()
	if !ok {
		return false, ErrNoProducerTime
	}

	// Track duplicates for the padded window so replays straddling the window
	// start are still caught.
	dup := false
	if !t.Before(e.mode.PadStart) && t.Before(e.mode.End) {
		key, err := ExtractKey(e.mode.Projection, ev)
		if err != nil {
			return false, err
		}
		canon := key.String()
		if _, seen := e.state.Seen[canon]; seen {
			dup = true
		} else {
			e.state.Seen[canon] = struct{}{}
		}
	}

	// Events before the window are already covered by the fixed point being
	// replaced.
	if t.Before(e.mode.Start) {
		return false, nil
	}
	// Once the window has closed the set is neither consulted nor grown.
	if !t.Before(e.mode.End) {
		return true, nil
	}
	if dup {
		return false, nil
	}
	e.trackSnapshot(ev)
	return true, nil
}

// trackSnapshot maintains the expected-vs-seen snapshot row accounting.
func (e *Engine) trackSnapshot(ev *envelope.DebeziumEvent) {
	if ev.Source == nil {
		return
	}
	inSnapshot, last := SnapshotPhase(ev.Source)
	if !inSnapshot {
		return
	}
	e.state.SnapshotSeen++
	if last {
		e.state.SnapshotComplete = true
	}
	if e.state.SnapshotExpected >= 0 && e.state.SnapshotSeen >= e.state.SnapshotExpected {
		e.state.SnapshotComplete = true
	}
}

// SetSnapshotExpected declares the snapshot row count, when the upstream
// publishes one, so completeness can be detected by count as well as by the
// closing marker.
func (e *Engine) SetSnapshotExpected(n int64) {
	e.state.SnapshotExpected = n
	if n >= 0 && e.state.SnapshotSeen >= n {
		e.state.SnapshotComplete = true
	}
}

// SnapshotComplete reports whether a complete, consistent snapshot has been
// observed.
func (e *Engine) SnapshotComplete() bool {
	return e.state.SnapshotComplete
}

// Process runs admission and, for sources with transaction metadata,
// transaction buffering. It returns the events ready to forward: none while a
// transaction is incomplete, the whole transaction once its declared event
// count has been observed, or the event itself for sources without
// transaction metadata.
func (e *Engine) Process(ev *envelope.DebeziumEvent) ([]*envelope.DebeziumEvent, error) {
	admitted, err := e.Admit(ev)
	if err != nil {
		return nil, err
	}
	if !admitted {
		return nil, nil
	}

	if e.txns == nil {
		return []*envelope.DebeziumEvent{ev}, nil
	}

	txid := transactionID(ev)
	if txid == "" {
		// Admitted event outside any transaction passes straight through.
		return []*envelope.DebeziumEvent{ev}, nil
	}
	return e.txns.Add(txid, ev), nil
}

// ProcessTransactionMeta feeds one record from the source's transaction
// metadata topic. END records declare per-collection event counts; a
// transaction whose count is now met is returned for atomic forwarding.
func (e *Engine) ProcessTransactionMeta(payload []byte) ([]*envelope.DebeziumEvent, error) {
	if e.txns == nil {
		return nil, fmt.Errorf("source has no transaction metadata configured")
	}
	return e.txns.ApplyMeta(payload)
}

// ForceFlush flushes every buffered transaction best-effort, marking the
// engine degraded when any of them was incomplete. Callers invoke this on
// source drop, never implicitly.
func (e *Engine) ForceFlush() []*envelope.DebeziumEvent {
	if e.txns == nil {
		return nil
	}
	return e.txns.FlushAll()
}

// BufferedEvents returns the number of events held back by transaction
// buffering, zero for sources without transaction metadata.
func (e *Engine) BufferedEvents() int {
	if e.txns == nil {
		return 0
	}
	return e.txns.BufferedEvents()
}

// Consistency reports whether atomic-commit semantics still hold.
func (e *Engine) Consistency() Consistency {
	if e.txns != nil && e.txns.Degraded() {
		return Degraded
	}
	return Consistent
}

// transactionID reads the transaction id from a change event, or "" when the
// event carries none.
func transactionID(ev *envelope.DebeziumEvent) string {
	if ev.Transaction == nil {
		return ""
	}
	raw, ok := ev.Transaction["id"]
	if !ok {
		return ""
	}
	if s, ok := raw.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", raw)
}

// StateSnapshot is the serializable form of the engine's state, written into
// checkpoints alongside upsert state and timestamp watermarks.
type StateSnapshot struct {
	LastKey          *OrderKey     `json:"last_key,omitempty"`
	Seen             []string      `json:"seen,omitempty"`
	SnapshotSeen     int64         `json:"snapshot_seen,omitempty"`
	SnapshotExpected int64         `json:"snapshot_expected"`
	SnapshotComplete bool          `json:"snapshot_complete,omitempty"`
	Degraded         bool          `json:"degraded,omitempty"`
	Pending          []TxnSnapshot `json:"pending,omitempty"`
}

// Checkpoint captures the engine's state, including transactions still
// buffered. A buffered event has already advanced the admission state, so it
// must travel with that state: a restored engine rejects the redelivered
// original as a duplicate and releases the buffered copy when the
// transaction's END arrives.
func (e *Engine) Checkpoint() *StateSnapshot {
	snap := &StateSnapshot{
		SnapshotSeen:     e.state.SnapshotSeen,
		SnapshotExpected: e.state.SnapshotExpected,
		SnapshotComplete: e.state.SnapshotComplete,
	}
	if e.state.LastKey != nil {
		k := *e.state.LastKey
		snap.LastKey = &k
	}
	if len(e.state.Seen) > 0 {
		snap.Seen = make([]string, 0, len(e.state.Seen))
		for canon := range e.state.Seen {
			snap.Seen = append(snap.Seen, canon)
		}
	}
	if e.txns != nil {
		snap.Degraded = e.txns.Degraded()
		snap.Pending = e.txns.Snapshot()
	}
	return snap
}

// RestoreEngine rebuilds an engine from a checkpointed snapshot.
func RestoreEngine(mode envelope.DebeziumMode, snap *StateSnapshot) (*Engine, error) {
	e, err := NewEngine(mode)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return e, nil
	}
	if snap.LastKey != nil {
		k := *snap.LastKey
		e.state.LastKey = &k
	}
	for _, canon := range snap.Seen {
		e.state.Seen[canon] = struct{}{}
	}
	e.state.SnapshotSeen = snap.SnapshotSeen
	e.state.SnapshotExpected = snap.SnapshotExpected
	e.state.SnapshotComplete = snap.SnapshotComplete
	if len(snap.Pending) > 0 {
		if e.txns == nil {
			return nil, fmt.Errorf("snapshot carries %d pending transactions but mode has no transaction metadata", len(snap.Pending))
		}
		if err := e.txns.Restore(snap.Pending); err != nil {
			return nil, err
		}
	}
	if e.txns != nil && snap.Degraded {
		e.txns.MarkDegraded()
	}
	return e, nil
}
