// Decoder turns raw connector payloads into row deltas according to the
// source's envelope. Malformed payloads become per-row error values so the
// stream keeps its row count and ordering; only configuration problems are
// fatal, and those are caught by NewDecoder before the source starts.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/riversql/riversql/packages/ingest-go/pkg/sourcets"
)

// Row is a decoded row as column name → value. nil values are SQL NULL.
type Row map[string]any

// DeltaKind is the direction of a row delta.
type DeltaKind int

const (
	// DeltaInsert adds a row.
	DeltaInsert DeltaKind = iota
	// DeltaRetract removes a previously inserted row.
	DeltaRetract
)

// String returns a string representation of the delta kind.
func (k DeltaKind) String() string {
	switch k {
	case DeltaInsert:
		return "insert"
	case DeltaRetract:
		return "retract"
	default:
		return "unknown"
	}
}

// RowDelta is one row-level change produced by decoding.
type RowDelta struct {
	// Kind is the direction of the change.
	Kind DeltaKind
	// Row is the affected row.
	Row Row
	// Position is the source position the delta was decoded from.
	Position sourcets.SourceTimestamp
}

// KeyValue is the (key, value-or-tombstone) pair extracted from an upsert
// message. A nil Value is a tombstone.
type KeyValue struct {
	Key   []byte
	Value Row
}

// DebeziumEvent is a decoded Debezium change event. Record is the positional
// record the dedup projection indices refer into; Before/After/Source/
// Transaction alias its slots.
type DebeziumEvent struct {
	// Record holds the positional slots laid out per the source's configured
	// indices.
	Record []any

	// Before is the row image before the change, nil when absent.
	Before Row
	// After is the row image after the change, nil when absent.
	After Row
	// Source is the flavor-specific progress struct.
	Source Row
	// Transaction is the transaction struct, nil when the connector does not
	// emit one.
	Transaction Row

	// Op is the connector's operation code ("c", "u", "d", "r").
	Op string

	// TsMS is the producer-supplied time in UTC milliseconds, nil when absent.
	TsMS *int64

	// Position is the source position the event was decoded from.
	Position sourcets.SourceTimestamp
}

// ProducerTime returns the producer-supplied time, or false when absent.
func (ev *DebeziumEvent) ProducerTime() (time.Time, bool) {
	if ev.TsMS == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*ev.TsMS).UTC(), true
}

// Deltas derives the row deltas implied by the before/after slots:
// before-only is a delete, after-only is an insert, both is an update
// expressed as retract-and-insert.
func (ev *DebeziumEvent) Deltas() []RowDelta {
	var deltas []RowDelta
	if ev.Before != nil {
		deltas = append(deltas, RowDelta{Kind: DeltaRetract, Row: ev.Before, Position: ev.Position})
	}
	if ev.After != nil {
		deltas = append(deltas, RowDelta{Kind: DeltaInsert, Row: ev.After, Position: ev.Position})
	}
	return deltas
}

// Decoded is the result of decoding one raw event. Exactly one of the
// following holds:
//   - Err is set: the payload was malformed; the event occupies its position
//     in the stream but produces no deltas.
//   - Deltas is set (KindNone): append-only inserts.
//   - Upsert is set (KindUpsert): a key/value pair for the upsert keeper.
//   - Debezium is set (KindDebezium): a change event for the dedup engine.
type Decoded struct {
	Deltas   []RowDelta
	Upsert   *KeyValue
	Debezium *DebeziumEvent
	Err      *DecodeError
}

// DecodeError is a per-row decode failure. It is carried as an error value at
// the row's position in the stream and does not abort the source.
type DecodeError struct {
	// Position is where in the stream the failure occurred.
	Position sourcets.SourceTimestamp
	// Reason describes the failure.
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at %s: %s", e.Position, e.Reason)
}

// Decoder interprets raw payloads for one source.
type Decoder struct {
	env SourceEnvelope
}

// NewDecoder creates a decoder for the given envelope. Configuration errors
// are returned here and are fatal for the source.
func NewDecoder(env SourceEnvelope) (*Decoder, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &Decoder{env: env}, nil
}

// Envelope returns the decoder's envelope configuration.
func (d *Decoder) Envelope() SourceEnvelope {
	return d.env
}

// Decode interprets one raw event per the source's envelope.
func (d *Decoder) Decode(ev *sourcets.RawEvent) Decoded {
	pos := ev.Timestamp()

	if err := ev.Validate(); err != nil {
		return Decoded{Err: &DecodeError{Position: pos, Reason: err.Error()}}
	}

	switch d.env.Kind {
	case KindNone:
		return d.decodeAppend(ev, pos)
	case KindUpsert:
		return d.decodeUpsert(ev, pos)
	case KindDebezium:
		return d.decodeDebezium(ev, pos)
	case KindCdcV2:
		return Decoded{Err: &DecodeError{Position: pos, Reason: "cdcv2 envelope is not supported by this build"}}
	case KindDifferentialRow:
		return Decoded{Err: &DecodeError{Position: pos, Reason: "differential_row envelope is not supported by this build"}}
	default:
		// Unreachable for validated envelopes.
		return Decoded{Err: &DecodeError{Position: pos, Reason: fmt.Sprintf("unknown envelope kind %d", d.env.Kind)}}
	}
}

// decodeAppend handles the append-only envelope: every message is an insert.
func (d *Decoder) decodeAppend(ev *sourcets.RawEvent, pos sourcets.SourceTimestamp) Decoded {
	row, err := parseRow(ev.Payload)
	if err != nil {
		return Decoded{Err: &DecodeError{Position: pos, Reason: err.Error()}}
	}

	switch d.env.KeyEnvelope {
	case KeyNone:
		// Key discarded.
	case KeyFlattened:
		keyRow, err := parseRow(ev.Key)
		if err != nil {
			return Decoded{Err: &DecodeError{Position: pos, Reason: fmt.Sprintf("key: %s", err)}}
		}
		for col, v := range keyRow {
			if _, exists := row[col]; !exists {
				row[col] = v
			}
		}
	case KeyNamed:
		row[d.env.KeyName] = string(ev.Key)
	}

	return Decoded{Deltas: []RowDelta{{Kind: DeltaInsert, Row: row, Position: pos}}}
}

// decodeUpsert handles both upsert styles, producing the key/value pair the
// upsert keeper turns into a delta.
func (d *Decoder) decodeUpsert(ev *sourcets.RawEvent, pos sourcets.SourceTimestamp) Decoded {
	style := d.env.Upsert

	switch style.Kind {
	case UpsertDefault:
		if len(ev.Key) == 0 {
			return Decoded{Err: &DecodeError{Position: pos, Reason: "upsert message without key"}}
		}
		if len(ev.Payload) == 0 {
			// Tombstone: deletes the row for this key.
			return Decoded{Upsert: &KeyValue{Key: append([]byte(nil), ev.Key...)}}
		}
		row, err := parseRow(ev.Payload)
		if err != nil {
			return Decoded{Err: &DecodeError{Position: pos, Reason: err.Error()}}
		}
		if style.KeyEnvelope == KeyNamed {
			row[style.KeyName] = string(ev.Key)
		}
		return Decoded{Upsert: &KeyValue{Key: append([]byte(nil), ev.Key...), Value: row}}

	case UpsertDebezium:
		payload, err := parseDebeziumPayload(ev.Payload)
		if err != nil {
			return Decoded{Err: &DecodeError{Position: pos, Reason: err.Error()}}
		}
		// Key derived from the after record; when after is absent the change
		// is a deletion keyed by the before record.
		keySource := payload.After
		if keySource == nil {
			keySource = payload.Before
		}
		if keySource == nil {
			return Decoded{Err: &DecodeError{Position: pos, Reason: "debezium upsert event with neither before nor after"}}
		}
		key, err := encodeKeyColumns(keySource, style.KeyColumns)
		if err != nil {
			return Decoded{Err: &DecodeError{Position: pos, Reason: err.Error()}}
		}
		var value Row
		if payload.After != nil {
			value = Row(payload.After)
		}
		return Decoded{Upsert: &KeyValue{Key: key, Value: value}}

	default:
		return Decoded{Err: &DecodeError{Position: pos, Reason: fmt.Sprintf("unknown upsert style %d", style.Kind)}}
	}
}

// decodeDebezium splits the payload into before/after record slots and builds
// the positional record the dedup projection indices refer into.
func (d *Decoder) decodeDebezium(ev *sourcets.RawEvent, pos sourcets.SourceTimestamp) Decoded {
	payload, err := parseDebeziumPayload(ev.Payload)
	if err != nil {
		return Decoded{Err: &DecodeError{Position: pos, Reason: err.Error()}}
	}
	if payload.Before == nil && payload.After == nil {
		return Decoded{Err: &DecodeError{Position: pos, Reason: "debezium event with neither before nor after"}}
	}

	event := &DebeziumEvent{
		Op:       payload.Op,
		TsMS:     payload.TsMS,
		Position: pos,
	}
	if payload.Before != nil {
		event.Before = Row(payload.Before)
	}
	if payload.After != nil {
		event.After = Row(payload.After)
	}
	if payload.Source != nil {
		event.Source = Row(payload.Source)
	}
	if payload.Transaction != nil {
		event.Transaction = Row(payload.Transaction)
	}

	// Lay out the positional record per the configured slot indices.
	width := d.env.BeforeIdx + 1
	if d.env.AfterIdx >= width {
		width = d.env.AfterIdx + 1
	}
	var proj *DebeziumDedupProjection
	if d.env.Mode != nil {
		proj = d.env.Mode.Projection
	}
	if proj != nil {
		if proj.SourceIdx >= width {
			width = proj.SourceIdx + 1
		}
		if proj.TransactionIdx >= width {
			width = proj.TransactionIdx + 1
		}
	}

	record := make([]any, width)
	setSlot(record, d.env.BeforeIdx, event.Before)
	setSlot(record, d.env.AfterIdx, event.After)
	if proj != nil {
		setSlot(record, proj.SourceIdx, event.Source)
		if proj.TransactionIdx >= 0 {
			setSlot(record, proj.TransactionIdx, event.Transaction)
		}
	}
	event.Record = record

	return Decoded{Debezium: event, Deltas: event.Deltas()}
}

// setSlot assigns a record slot, skipping nil maps so absent components stay nil.
func setSlot(record []any, idx int, v Row) {
	if v == nil {
		return
	}
	record[idx] = v
}

// debeziumPayload is the JSON shape of a Debezium change event value. Schemas
// may be inlined ({"schema": ..., "payload": ...}) or stripped.
type debeziumPayload struct {
	Before      map[string]any `json:"before"`
	After       map[string]any `json:"after"`
	Source      map[string]any `json:"source"`
	Op          string         `json:"op"`
	TsMS        *int64         `json:"ts_ms"`
	Transaction map[string]any `json:"transaction"`
}

// parseDebeziumPayload decodes a change event, unwrapping the schema envelope
// when present.
func parseDebeziumPayload(data []byte) (*debeziumPayload, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty debezium payload")
	}

	var outer struct {
		Schema  json.RawMessage `json:"schema"`
		Payload json.RawMessage `json:"payload"`
	}
	body := data
	if err := json.Unmarshal(data, &outer); err == nil && len(outer.Payload) > 0 {
		body = outer.Payload
	}

	var payload debeziumPayload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("malformed debezium payload: %w", err)
	}
	return &payload, nil
}

// parseRow decodes a JSON object into a Row. Empty input yields an empty row.
func parseRow(data []byte) (Row, error) {
	if len(data) == 0 {
		return Row{}, nil
	}
	var row Row
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("malformed record: %w", err)
	}
	if row == nil {
		return Row{}, nil
	}
	return row, nil
}

// encodeKeyColumns builds the deterministic byte encoding of a key: the JSON
// array of the key column values in declared-index order.
func encodeKeyColumns(record map[string]any, columns []string) ([]byte, error) {
	values := make([]any, len(columns))
	for i, col := range columns {
		v, ok := record[col]
		if !ok {
			return nil, fmt.Errorf("key column %q missing from record", col)
		}
		values[i] = v
	}
	key, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key: %w", err)
	}
	return key, nil
}
