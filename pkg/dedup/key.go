// Package dedup filters duplicate and replayed CDC events. Upstream systems
// redeliver across reconnects and snapshots; this package projects each
// change event onto a flavor-specific ordering key and decides admission per
// the source's configured mode.
package dedup

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pglogrepl"

	"github.com/riversql/riversql/packages/ingest-go/pkg/envelope"
)

// OrderKey is the flavor-specific position of a change event in the source
// database's change order. Keys of one source always share a flavor; keys are
// totally ordered within that flavor.
type OrderKey struct {
	// Flavor identifies which fields are populated.
	Flavor envelope.SourceFlavor `json:"flavor"`

	// MySQL: binlog file number, byte position, row within the event.
	File uint64 `json:"file,omitempty"`
	Pos  uint64 `json:"pos,omitempty"`
	Row  uint32 `json:"row,omitempty"`

	// Postgres: WAL position, with an optional sequence tiebreak.
	LSN      pglogrepl.LSN `json:"lsn,omitempty"`
	Sequence *uint64       `json:"sequence,omitempty"`

	// SQL Server: 10-byte change LSN plus the event's serial number within
	// its change row.
	ChangeLSN     [10]byte `json:"change_lsn,omitempty"`
	EventSerialNo uint64   `json:"event_serial_no,omitempty"`
}

// Compare compares two keys of the same flavor.
// Returns:
//
//	-1 if k < other
//	 0 if k == other
//	 1 if k > other
func (k OrderKey) Compare(other OrderKey) int {
	switch k.Flavor {
	case envelope.FlavorMySQL:
		if c := compareUint64(k.File, other.File); c != 0 {
			return c
		}
		if c := compareUint64(k.Pos, other.Pos); c != 0 {
			return c
		}
		return compareUint64(uint64(k.Row), uint64(other.Row))

	case envelope.FlavorPostgres:
		// LSN is the primary key; the sequence only breaks ties when both
		// sides carry one.
		if c := compareUint64(uint64(k.LSN), uint64(other.LSN)); c != 0 {
			return c
		}
		if k.Sequence != nil && other.Sequence != nil {
			return compareUint64(*k.Sequence, *other.Sequence)
		}
		return 0

	case envelope.FlavorSQLServer:
		for i := 0; i < len(k.ChangeLSN); i++ {
			if k.ChangeLSN[i] < other.ChangeLSN[i] {
				return -1
			}
			if k.ChangeLSN[i] > other.ChangeLSN[i] {
				return 1
			}
		}
		return compareUint64(k.EventSerialNo, other.EventSerialNo)

	default:
		return 0
	}
}

// String returns the canonical representation used for set membership.
func (k OrderKey) String() string {
	switch k.Flavor {
	case envelope.FlavorMySQL:
		return fmt.Sprintf("mysql:%d:%d:%d", k.File, k.Pos, k.Row)
	case envelope.FlavorPostgres:
		if k.Sequence != nil {
			return fmt.Sprintf("postgres:%d:%d", *k.Sequence, uint64(k.LSN))
		}
		return fmt.Sprintf("postgres:-:%d", uint64(k.LSN))
	case envelope.FlavorSQLServer:
		return fmt.Sprintf("sqlserver:%x:%d", k.ChangeLSN, k.EventSerialNo)
	default:
		return fmt.Sprintf("unknown(%d)", k.Flavor)
	}
}

func compareUint64(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// ExtractKey reads the flavor-specific ordering key from a change event's
// source struct. A missing or malformed source struct is a per-row error; the
// projection shape itself was validated at source creation.
func ExtractKey(proj *envelope.DebeziumDedupProjection, ev *envelope.DebeziumEvent) (OrderKey, error) {
	source := ev.Source
	if source == nil && proj.SourceIdx < len(ev.Record) {
		if m, ok := ev.Record[proj.SourceIdx].(envelope.Row); ok {
			source = m
		}
	}
	if source == nil {
		return OrderKey{}, fmt.Errorf("change event has no source struct")
	}

	switch proj.SourceProjection.Flavor {
	case envelope.FlavorMySQL:
		return extractMySQLKey(source)
	case envelope.FlavorPostgres:
		return extractPostgresKey(source, proj.SourceProjection.HasSequence)
	case envelope.FlavorSQLServer:
		return extractSQLServerKey(source)
	default:
		return OrderKey{}, fmt.Errorf("unknown source flavor %d", proj.SourceProjection.Flavor)
	}
}

// extractMySQLKey reads (file, pos, row). The binlog file may arrive as a
// filename ("mysql-bin.000042"), a bare number, or a numeric string.
func extractMySQLKey(source envelope.Row) (OrderKey, error) {
	file, err := fieldFileNumber(source, "file")
	if err != nil {
		return OrderKey{}, err
	}
	pos, err := fieldUint64(source, "pos")
	if err != nil {
		return OrderKey{}, err
	}
	row, err := fieldUint64(source, "row")
	if err != nil {
		return OrderKey{}, err
	}
	return OrderKey{Flavor: envelope.FlavorMySQL, File: file, Pos: pos, Row: uint32(row)}, nil
}

// extractPostgresKey reads (sequence?, lsn). The LSN may arrive as the
// numeric WAL position or the textual "X/Y" form.
func extractPostgresKey(source envelope.Row, hasSequence bool) (OrderKey, error) {
	lsn, err := fieldLSN(source, "lsn")
	if err != nil {
		return OrderKey{}, err
	}
	key := OrderKey{Flavor: envelope.FlavorPostgres, LSN: lsn}
	if hasSequence {
		seq, err := fieldUint64(source, "sequence")
		if err != nil {
			return OrderKey{}, err
		}
		key.Sequence = &seq
	}
	return key, nil
}

// extractSQLServerKey reads (change_lsn, event_serial_no). The change LSN is
// the 10-byte hex triplet "00000025:00000448:0003".
func extractSQLServerKey(source envelope.Row) (OrderKey, error) {
	raw, ok := source["change_lsn"]
	if !ok {
		return OrderKey{}, fmt.Errorf("source struct missing change_lsn")
	}
	s, ok := raw.(string)
	if !ok {
		return OrderKey{}, fmt.Errorf("change_lsn must be a string, got %T", raw)
	}
	changeLSN, err := parseSQLServerLSN(s)
	if err != nil {
		return OrderKey{}, err
	}
	serial, err := fieldUint64(source, "event_serial_no")
	if err != nil {
		return OrderKey{}, err
	}
	return OrderKey{Flavor: envelope.FlavorSQLServer, ChangeLSN: changeLSN, EventSerialNo: serial}, nil
}

// parseSQLServerLSN parses the "AAAAAAAA:BBBBBBBB:CCCC" hex triplet into its
// 10-byte big-endian form.
func parseSQLServerLSN(s string) ([10]byte, error) {
	var lsn [10]byte
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return lsn, fmt.Errorf("invalid change_lsn %q (expected three hex segments)", s)
	}
	widths := []int{4, 4, 2}
	offset := 0
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 16, widths[i]*8)
		if err != nil {
			return lsn, fmt.Errorf("invalid change_lsn segment %q: %w", part, err)
		}
		for b := widths[i] - 1; b >= 0; b-- {
			lsn[offset+b] = byte(v)
			v >>= 8
		}
		offset += widths[i]
	}
	return lsn, nil
}

// fieldFileNumber reads a binlog file identifier, accepting a filename with a
// numeric suffix or a plain number.
func fieldFileNumber(source envelope.Row, field string) (uint64, error) {
	raw, ok := source[field]
	if !ok {
		return 0, fmt.Errorf("source struct missing %s", field)
	}
	switch v := raw.(type) {
	case string:
		// "mysql-bin.000042" → 42; bare "42" also parses.
		suffix := v
		if i := strings.LastIndex(v, "."); i >= 0 {
			suffix = v[i+1:]
		}
		n, err := strconv.ParseUint(suffix, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid binlog file %q: no numeric suffix", v)
		}
		return n, nil
	default:
		return numberToUint64(raw, field)
	}
}

// fieldLSN reads a Postgres LSN, accepting numeric or textual form.
func fieldLSN(source envelope.Row, field string) (pglogrepl.LSN, error) {
	raw, ok := source[field]
	if !ok {
		return 0, fmt.Errorf("source struct missing %s", field)
	}
	if s, ok := raw.(string); ok {
		if strings.Contains(s, "/") {
			lsn, err := pglogrepl.ParseLSN(s)
			if err != nil {
				return 0, fmt.Errorf("invalid lsn %q: %w", s, err)
			}
			return lsn, nil
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid lsn %q: %w", s, err)
		}
		return pglogrepl.LSN(n), nil
	}
	n, err := numberToUint64(raw, field)
	if err != nil {
		return 0, err
	}
	return pglogrepl.LSN(n), nil
}

// fieldUint64 reads a non-negative integer field.
func fieldUint64(source envelope.Row, field string) (uint64, error) {
	raw, ok := source[field]
	if !ok {
		return 0, fmt.Errorf("source struct missing %s", field)
	}
	return numberToUint64(raw, field)
}

// numberToUint64 converts the JSON number representations a decoder may
// produce into a uint64.
func numberToUint64(raw any, field string) (uint64, error) {
	switch v := raw.(type) {
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", field, v.String(), err)
		}
		return n, nil
	case float64:
		if v < 0 {
			return 0, fmt.Errorf("invalid %s: negative value %v", field, v)
		}
		return uint64(v), nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("invalid %s: negative value %v", field, v)
		}
		return uint64(v), nil
	case uint64:
		return v, nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("invalid %s: negative value %v", field, v)
		}
		return uint64(v), nil
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", field, v, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("invalid %s: unsupported type %T", field, raw)
	}
}

// SnapshotPhase reads the snapshot flag from a change event's source struct.
// Debezium emits "true", "false", "last", and occasionally a boolean.
func SnapshotPhase(source envelope.Row) (inSnapshot, last bool) {
	raw, ok := source["snapshot"]
	if !ok {
		return false, false
	}
	switch v := raw.(type) {
	case bool:
		return v, false
	case string:
		switch v {
		case "true", "first":
			return true, false
		case "last":
			return true, true
		default:
			return false, false
		}
	default:
		return false, false
	}
}
