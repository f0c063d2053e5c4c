// Package envelope defines how a source's raw payload bytes map to row-level
// changes. A SourceEnvelope is fixed when the source is created and never
// changes for the source's lifetime; every consumption site switches
// exhaustively over its variants so that a new envelope kind cannot be
// silently misinterpreted.
package envelope

import (
	"fmt"
	"time"
)

// Kind discriminates the envelope variants.
type Kind int

const (
	// KindNone is the append-only envelope: every message becomes an insert.
	KindNone Kind = iota
	// KindUpsert keys each message and replaces (or deletes) the row for that key.
	KindUpsert
	// KindDebezium interprets the payload as a Debezium change event with
	// before/after record slots.
	KindDebezium
	// KindCdcV2 is the explicit differential CDC protocol. It is representable
	// in configuration and on the wire but has no decode path in this build.
	KindCdcV2
	// KindDifferentialRow carries pre-formed (row, diff) pairs. Like CdcV2 it
	// is configuration-only in this build.
	KindDifferentialRow
)

// String returns a string representation of the envelope kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindUpsert:
		return "upsert"
	case KindDebezium:
		return "debezium"
	case KindCdcV2:
		return "cdcv2"
	case KindDifferentialRow:
		return "differential_row"
	default:
		return "unknown"
	}
}

// KeyEnvelope controls how the message key of an append-only source is
// surfaced in the decoded row.
type KeyEnvelope int

const (
	// KeyNone discards the message key.
	KeyNone KeyEnvelope = iota
	// KeyFlattened merges the key columns into the value record.
	KeyFlattened
	// KeyNamed surfaces the key as a single named column.
	KeyNamed
)

// String returns a string representation of the key envelope.
func (k KeyEnvelope) String() string {
	switch k {
	case KeyNone:
		return "none"
	case KeyFlattened:
		return "flattened"
	case KeyNamed:
		return "named"
	default:
		return "unknown"
	}
}

// UpsertStyleKind discriminates the upsert key derivation variants.
type UpsertStyleKind int

const (
	// UpsertDefault keys rows directly by the message key.
	UpsertDefault UpsertStyleKind = iota
	// UpsertDebezium derives the key from the "after" record of a Debezium
	// value; absence of "after" is a deletion.
	UpsertDebezium
)

// UpsertStyle describes how an upsert source derives its key.
type UpsertStyle struct {
	// Kind selects the variant.
	Kind UpsertStyleKind

	// KeyEnvelope applies to UpsertDefault: how the key appears in output rows.
	KeyEnvelope KeyEnvelope

	// KeyName is the output column name when KeyEnvelope is KeyNamed.
	KeyName string

	// AfterIdx applies to UpsertDebezium: the record slot holding the "after"
	// value.
	AfterIdx int

	// KeyColumns applies to UpsertDebezium: the columns of the after record
	// that form the key, in declared order. The order fixes the deterministic
	// key encoding.
	KeyColumns []string
}

// SourceFlavor identifies the upstream database-flavor of a Debezium source.
// Exactly one flavor is active per source and never changes after creation.
type SourceFlavor int

const (
	// FlavorMySQL orders by (file, pos, row).
	FlavorMySQL SourceFlavor = iota
	// FlavorPostgres orders by (lsn, sequence?) with lsn as the primary key.
	FlavorPostgres
	// FlavorSQLServer orders by (change_lsn, event_serial_no).
	FlavorSQLServer
)

// String returns a string representation of the source flavor.
func (f SourceFlavor) String() string {
	switch f {
	case FlavorMySQL:
		return "mysql"
	case FlavorPostgres:
		return "postgres"
	case FlavorSQLServer:
		return "sqlserver"
	default:
		return "unknown"
	}
}

// SourceProjection describes where the flavor-specific progress fields live
// inside a change event's source struct.
type SourceProjection struct {
	// Flavor selects the active variant.
	Flavor SourceFlavor

	// HasSequence applies to FlavorPostgres: whether the connector emits the
	// sequence tiebreak field alongside the LSN.
	HasSequence bool
}

// TxMetadata points at the transaction-metadata columns of a source that
// publishes a separate transaction topic. When present, the dedup engine
// buffers a transaction's rows until the declared per-collection event count
// has been observed, then flushes them atomically.
type TxMetadata struct {
	// StatusIdx is the record slot holding the BEGIN/END status.
	StatusIdx int
	// IDIdx is the record slot holding the transaction id.
	IDIdx int
	// EventCountIdx is the record slot holding the total event count.
	EventCountIdx int
	// DataCollectionsIdx is the record slot holding per-collection counts.
	DataCollectionsIdx int
	// DataCollectionName is the collection this source reads; only counts for
	// this collection gate admission.
	DataCollectionName string
}

// DebeziumDedupProjection describes where, inside a decoded record, the dedup
// engine finds the flavor-specific progress marker and its companions.
type DebeziumDedupProjection struct {
	// SourceIdx is the record slot holding the progress struct.
	SourceIdx int
	// SnapshotIdx is the field within the source struct flagging snapshot vs.
	// streaming phase.
	SnapshotIdx int
	// SourceProjection selects the flavor-specific ordering fields.
	SourceProjection SourceProjection
	// TransactionIdx is the record slot holding the transaction struct, or -1
	// when the connector does not emit one.
	TransactionIdx int
	// TotalOrderIdx is the field within the transaction struct holding the
	// event's position in the transaction's total order, or -1 when absent.
	TotalOrderIdx int
	// TxMetadata is set when the source has a transaction-metadata topic.
	TxMetadata *TxMetadata
}

// Validate checks the projection's shape. Projection errors are fatal for the
// source; they are detected here, at creation, never per-row.
func (p *DebeziumDedupProjection) Validate() error {
	if p.SourceIdx < 0 {
		return &ConfigError{Field: "source_idx", Message: "must be >= 0"}
	}
	if p.SnapshotIdx < 0 {
		return &ConfigError{Field: "snapshot_idx", Message: "must be >= 0"}
	}
	if p.TransactionIdx < -1 {
		return &ConfigError{Field: "transaction_idx", Message: "must be >= 0, or -1 when absent"}
	}
	if p.TotalOrderIdx < -1 {
		return &ConfigError{Field: "total_order_idx", Message: "must be >= 0, or -1 when absent"}
	}
	if p.TotalOrderIdx >= 0 && p.TransactionIdx < 0 {
		return &ConfigError{Field: "total_order_idx", Message: "requires transaction_idx"}
	}
	switch p.SourceProjection.Flavor {
	case FlavorMySQL, FlavorPostgres, FlavorSQLServer:
	default:
		return &ConfigError{Field: "source_projection", Message: fmt.Sprintf("unknown flavor %d", p.SourceProjection.Flavor)}
	}
	if p.TxMetadata != nil {
		if p.TxMetadata.DataCollectionName == "" {
			return &ConfigError{Field: "tx_metadata.data_collection_name", Message: "must not be empty"}
		}
	}
	return nil
}

// DebeziumModeKind discriminates the dedup mode variants.
type DebeziumModeKind int

const (
	// ModeNone performs no dedup; every decoded event passes through.
	ModeNone DebeziumModeKind = iota
	// ModeOrdered dedups by strict monotonic increase of the ordering key.
	ModeOrdered
	// ModeFull dedups by exact-match membership in an unbounded seen set.
	ModeFull
	// ModeFullInRange is ModeFull restricted to a finite producer-time window.
	ModeFullInRange
)

// String returns a string representation of the mode kind.
func (k DebeziumModeKind) String() string {
	switch k {
	case ModeNone:
		return "none"
	case ModeOrdered:
		return "ordered"
	case ModeFull:
		return "full"
	case ModeFullInRange:
		return "full_in_range"
	default:
		return "unknown"
	}
}

// DebeziumMode configures the dedup engine for one source.
type DebeziumMode struct {
	// Kind selects the variant.
	Kind DebeziumModeKind

	// Projection is required for every kind except ModeNone.
	Projection *DebeziumDedupProjection

	// PadStart, Start, End apply to ModeFullInRange. Producer times compare
	// as UTC instants (Debezium's source.ts_ms). The dedup set is consulted
	// for events in [PadStart, End); events before Start are stale and
	// dropped; events at or after End pass through without touching the set.
	PadStart time.Time
	Start    time.Time
	End      time.Time
}

// Validate checks the mode configuration. Like projection errors, mode errors
// are fatal for the source and detected at creation.
func (m *DebeziumMode) Validate() error {
	switch m.Kind {
	case ModeNone:
		return nil
	case ModeOrdered, ModeFull, ModeFullInRange:
		if m.Projection == nil {
			return &ConfigError{Field: "projection", Message: fmt.Sprintf("required for mode %s", m.Kind)}
		}
		if err := m.Projection.Validate(); err != nil {
			return err
		}
	default:
		return &ConfigError{Field: "mode", Message: fmt.Sprintf("unknown mode kind %d", m.Kind)}
	}
	if m.Kind == ModeFullInRange {
		if m.PadStart.After(m.Start) {
			return &ConfigError{Field: "pad_start", Message: "must be <= start"}
		}
		if !m.Start.Before(m.End) {
			return &ConfigError{Field: "start", Message: "must be < end"}
		}
	}
	return nil
}

// SourceEnvelope is the tagged variant describing how payload bytes map to
// row changes. Set once at source creation; immutable afterwards.
type SourceEnvelope struct {
	// Kind selects the variant.
	Kind Kind

	// KeyEnvelope applies to KindNone.
	KeyEnvelope KeyEnvelope

	// KeyName is the output column name for KeyNamed.
	KeyName string

	// Upsert applies to KindUpsert.
	Upsert *UpsertStyle

	// BeforeIdx and AfterIdx apply to KindDebezium: the record slots holding
	// the before and after images.
	BeforeIdx int
	AfterIdx  int

	// Mode applies to KindDebezium.
	Mode *DebeziumMode
}

// Validate checks the envelope configuration. A source whose envelope fails
// validation never starts consuming.
func (e *SourceEnvelope) Validate() error {
	switch e.Kind {
	case KindNone:
		if e.KeyEnvelope == KeyNamed && e.KeyName == "" {
			return &ConfigError{Field: "key_name", Message: "required for named key envelope"}
		}
		return nil

	case KindUpsert:
		if e.Upsert == nil {
			return &ConfigError{Field: "upsert", Message: "style required for upsert envelope"}
		}
		switch e.Upsert.Kind {
		case UpsertDefault:
			if e.Upsert.KeyEnvelope == KeyNamed && e.Upsert.KeyName == "" {
				return &ConfigError{Field: "upsert.key_name", Message: "required for named key envelope"}
			}
		case UpsertDebezium:
			if e.Upsert.AfterIdx < 0 {
				return &ConfigError{Field: "upsert.after_idx", Message: "must be >= 0"}
			}
			if len(e.Upsert.KeyColumns) == 0 {
				return &ConfigError{Field: "upsert.key_columns", Message: "must not be empty"}
			}
		default:
			return &ConfigError{Field: "upsert.style", Message: fmt.Sprintf("unknown style %d", e.Upsert.Kind)}
		}
		return nil

	case KindDebezium:
		if e.BeforeIdx < 0 || e.AfterIdx < 0 {
			return &ConfigError{Field: "before_idx/after_idx", Message: "must be >= 0"}
		}
		if e.BeforeIdx == e.AfterIdx {
			return &ConfigError{Field: "before_idx/after_idx", Message: "must differ"}
		}
		if e.Mode == nil {
			return &ConfigError{Field: "mode", Message: "required for debezium envelope"}
		}
		return e.Mode.Validate()

	case KindCdcV2, KindDifferentialRow:
		// Valid configuration; decode is rejected per row in this build.
		return nil

	default:
		return &ConfigError{Field: "kind", Message: fmt.Sprintf("unknown envelope kind %d", e.Kind)}
	}
}

// ConfigError is a fatal source-configuration error. Sources with config
// errors never start consuming.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("envelope config error: %s: %s", e.Field, e.Message)
}
