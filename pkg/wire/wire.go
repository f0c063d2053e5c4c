// Package wire provides the persisted representation of source configuration
// and per-message timestamps. Field numbers are stable across versions; a tag
// this build does not know decodes as ErrUnsupportedVariant rather than
// silently defaulting, because a misread envelope or dedup mode would
// mis-deduplicate the stream.
package wire

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/riversql/riversql/packages/ingest-go/pkg/assign"
	"github.com/riversql/riversql/packages/ingest-go/pkg/envelope"
	"github.com/riversql/riversql/packages/ingest-go/pkg/sourcets"
)

// ErrUnsupportedVariant is returned when an encoded value carries a variant
// tag this build does not understand.
var ErrUnsupportedVariant = errors.New("unsupported wire variant")

// ErrMalformed is returned when an encoded value cannot be parsed at all.
var ErrMalformed = errors.New("malformed wire value")

// Field numbers. These are the stable wire contract; never renumber.
const (
	// SourceTimestamp
	fieldTSPartitionKafka = 1
	fieldTSPartitionNone  = 2
	fieldTSOffset         = 3

	// AssignedTimestamp
	fieldAssignedTS = 1

	// SourceEnvelope (oneof kind)
	fieldEnvNone            = 1
	fieldEnvDebezium        = 2
	fieldEnvUpsert          = 3
	fieldEnvCdcV2           = 4
	fieldEnvDifferentialRow = 5

	// None envelope
	fieldNoneKeyEnvelope = 1
	fieldNoneKeyName     = 2

	// Debezium envelope
	fieldDbzBeforeIdx = 1
	fieldDbzAfterIdx  = 2
	fieldDbzMode      = 3

	// Upsert envelope (oneof style)
	fieldUpsertDefault  = 1
	fieldUpsertDebezium = 2

	// Upsert default style
	fieldUpsertDefKeyEnvelope = 1
	fieldUpsertDefKeyName     = 2

	// Upsert debezium style
	fieldUpsertDbzAfterIdx  = 1
	fieldUpsertDbzKeyColumn = 2

	// DebeziumMode (oneof kind)
	fieldModeNone        = 1
	fieldModeOrdered     = 2
	fieldModeFull        = 3
	fieldModeFullInRange = 4

	// FullInRange payload
	fieldRangeProjection = 1
	fieldRangePadStart   = 2
	fieldRangeStart      = 3
	fieldRangeEnd        = 4

	// DebeziumDedupProjection
	fieldProjSourceIdx        = 1
	fieldProjSnapshotIdx      = 2
	fieldProjSourceProjection = 3
	fieldProjTransactionIdx   = 4
	fieldProjTotalOrderIdx    = 5
	fieldProjTxMetadata       = 6

	// SourceProjection (oneof flavor)
	fieldFlavorMySQL     = 1
	fieldFlavorPostgres  = 2
	fieldFlavorSQLServer = 3

	// Postgres flavor payload
	fieldPostgresHasSequence = 1

	// TxMetadata
	fieldTxStatusIdx          = 1
	fieldTxIDIdx              = 2
	fieldTxEventCountIdx      = 3
	fieldTxDataCollectionsIdx = 4
	fieldTxDataCollectionName = 5
)

// MarshalSourceTimestamp encodes a SourceTimestamp.
func MarshalSourceTimestamp(ts sourcets.SourceTimestamp) []byte {
	var b []byte
	if p, ok := ts.Partition.Kafka(); ok {
		b = protowire.AppendTag(b, fieldTSPartitionKafka, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(p)))
	} else {
		b = protowire.AppendTag(b, fieldTSPartitionNone, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = protowire.AppendTag(b, fieldTSOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(ts.Offset))
	return b
}

// UnmarshalSourceTimestamp decodes a SourceTimestamp.
func UnmarshalSourceTimestamp(b []byte) (sourcets.SourceTimestamp, error) {
	var ts sourcets.SourceTimestamp
	partitionSet := false
	for len(b) > 0 {
		num, _, v, rest, err := consumeVarintField(b)
		if err != nil {
			return ts, err
		}
		b = rest
		switch num {
		case fieldTSPartitionKafka:
			ts.Partition = sourcets.KafkaPartition(int32(protowire.DecodeZigZag(v)))
			partitionSet = true
		case fieldTSPartitionNone:
			ts.Partition = sourcets.NonePartition()
			partitionSet = true
		case fieldTSOffset:
			ts.Offset = protowire.DecodeZigZag(v)
		default:
			return ts, fmt.Errorf("%w: source timestamp field %d", ErrUnsupportedVariant, num)
		}
	}
	if !partitionSet {
		return ts, fmt.Errorf("%w: source timestamp without partition", ErrMalformed)
	}
	return ts, nil
}

// MarshalAssignedTimestamp encodes an AssignedTimestamp.
func MarshalAssignedTimestamp(ts assign.AssignedTimestamp) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldAssignedTS, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ts))
	return b
}

// UnmarshalAssignedTimestamp decodes an AssignedTimestamp.
func UnmarshalAssignedTimestamp(b []byte) (assign.AssignedTimestamp, error) {
	var ts assign.AssignedTimestamp
	for len(b) > 0 {
		num, _, v, rest, err := consumeVarintField(b)
		if err != nil {
			return ts, err
		}
		b = rest
		switch num {
		case fieldAssignedTS:
			ts = assign.AssignedTimestamp(v)
		default:
			return ts, fmt.Errorf("%w: assigned timestamp field %d", ErrUnsupportedVariant, num)
		}
	}
	return ts, nil
}

// MarshalSourceEnvelope encodes a SourceEnvelope with its nested mode and
// projection.
func MarshalSourceEnvelope(env *envelope.SourceEnvelope) ([]byte, error) {
	var b []byte
	switch env.Kind {
	case envelope.KindNone:
		var sub []byte
		sub = appendVarintField(sub, fieldNoneKeyEnvelope, uint64(env.KeyEnvelope))
		if env.KeyName != "" {
			sub = appendStringField(sub, fieldNoneKeyName, env.KeyName)
		}
		b = appendBytesField(b, fieldEnvNone, sub)

	case envelope.KindDebezium:
		if env.Mode == nil {
			return nil, fmt.Errorf("%w: debezium envelope without mode", ErrMalformed)
		}
		mode, err := MarshalDebeziumMode(env.Mode)
		if err != nil {
			return nil, err
		}
		var sub []byte
		sub = appendZigZagField(sub, fieldDbzBeforeIdx, int64(env.BeforeIdx))
		sub = appendZigZagField(sub, fieldDbzAfterIdx, int64(env.AfterIdx))
		sub = appendBytesField(sub, fieldDbzMode, mode)
		b = appendBytesField(b, fieldEnvDebezium, sub)

	case envelope.KindUpsert:
		if env.Upsert == nil {
			return nil, fmt.Errorf("%w: upsert envelope without style", ErrMalformed)
		}
		sub, err := marshalUpsertStyle(env.Upsert)
		if err != nil {
			return nil, err
		}
		b = appendBytesField(b, fieldEnvUpsert, sub)

	case envelope.KindCdcV2:
		b = appendBytesField(b, fieldEnvCdcV2, nil)

	case envelope.KindDifferentialRow:
		b = appendBytesField(b, fieldEnvDifferentialRow, nil)

	default:
		return nil, fmt.Errorf("%w: envelope kind %d", ErrUnsupportedVariant, env.Kind)
	}
	return b, nil
}

// UnmarshalSourceEnvelope decodes a SourceEnvelope.
func UnmarshalSourceEnvelope(b []byte) (*envelope.SourceEnvelope, error) {
	env := &envelope.SourceEnvelope{}
	seen := false
	for len(b) > 0 {
		num, sub, rest, err := consumeBytesField(b)
		if err != nil {
			return nil, err
		}
		b = rest
		seen = true
		switch num {
		case fieldEnvNone:
			env.Kind = envelope.KindNone
			for len(sub) > 0 {
				fnum, _, v, frest, ferr := consumeVarintOrBytesField(sub)
				if ferr != nil {
					return nil, ferr
				}
				sub = frest
				switch fnum {
				case fieldNoneKeyEnvelope:
					env.KeyEnvelope = envelope.KeyEnvelope(v.varint)
				case fieldNoneKeyName:
					env.KeyName = string(v.bytes)
				default:
					return nil, fmt.Errorf("%w: none envelope field %d", ErrUnsupportedVariant, fnum)
				}
			}

		case fieldEnvDebezium:
			env.Kind = envelope.KindDebezium
			for len(sub) > 0 {
				fnum, _, v, frest, ferr := consumeVarintOrBytesField(sub)
				if ferr != nil {
					return nil, ferr
				}
				sub = frest
				switch fnum {
				case fieldDbzBeforeIdx:
					env.BeforeIdx = int(protowire.DecodeZigZag(v.varint))
				case fieldDbzAfterIdx:
					env.AfterIdx = int(protowire.DecodeZigZag(v.varint))
				case fieldDbzMode:
					mode, err := UnmarshalDebeziumMode(v.bytes)
					if err != nil {
						return nil, err
					}
					env.Mode = mode
				default:
					return nil, fmt.Errorf("%w: debezium envelope field %d", ErrUnsupportedVariant, fnum)
				}
			}

		case fieldEnvUpsert:
			env.Kind = envelope.KindUpsert
			style, err := unmarshalUpsertStyle(sub)
			if err != nil {
				return nil, err
			}
			env.Upsert = style

		case fieldEnvCdcV2:
			env.Kind = envelope.KindCdcV2

		case fieldEnvDifferentialRow:
			env.Kind = envelope.KindDifferentialRow

		default:
			return nil, fmt.Errorf("%w: envelope kind tag %d", ErrUnsupportedVariant, num)
		}
	}
	if !seen {
		return nil, fmt.Errorf("%w: empty envelope", ErrMalformed)
	}
	return env, nil
}

// marshalUpsertStyle encodes the upsert style oneof.
func marshalUpsertStyle(style *envelope.UpsertStyle) ([]byte, error) {
	var b []byte
	switch style.Kind {
	case envelope.UpsertDefault:
		var sub []byte
		sub = appendVarintField(sub, fieldUpsertDefKeyEnvelope, uint64(style.KeyEnvelope))
		if style.KeyName != "" {
			sub = appendStringField(sub, fieldUpsertDefKeyName, style.KeyName)
		}
		b = appendBytesField(b, fieldUpsertDefault, sub)
	case envelope.UpsertDebezium:
		var sub []byte
		sub = appendZigZagField(sub, fieldUpsertDbzAfterIdx, int64(style.AfterIdx))
		for _, col := range style.KeyColumns {
			sub = appendStringField(sub, fieldUpsertDbzKeyColumn, col)
		}
		b = appendBytesField(b, fieldUpsertDebezium, sub)
	default:
		return nil, fmt.Errorf("%w: upsert style %d", ErrUnsupportedVariant, style.Kind)
	}
	return b, nil
}

// unmarshalUpsertStyle decodes the upsert style oneof.
func unmarshalUpsertStyle(b []byte) (*envelope.UpsertStyle, error) {
	style := &envelope.UpsertStyle{}
	seen := false
	for len(b) > 0 {
		num, sub, rest, err := consumeBytesField(b)
		if err != nil {
			return nil, err
		}
		b = rest
		seen = true
		switch num {
		case fieldUpsertDefault:
			style.Kind = envelope.UpsertDefault
			for len(sub) > 0 {
				fnum, _, v, frest, ferr := consumeVarintOrBytesField(sub)
				if ferr != nil {
					return nil, ferr
				}
				sub = frest
				switch fnum {
				case fieldUpsertDefKeyEnvelope:
					style.KeyEnvelope = envelope.KeyEnvelope(v.varint)
				case fieldUpsertDefKeyName:
					style.KeyName = string(v.bytes)
				default:
					return nil, fmt.Errorf("%w: upsert default field %d", ErrUnsupportedVariant, fnum)
				}
			}
		case fieldUpsertDebezium:
			style.Kind = envelope.UpsertDebezium
			for len(sub) > 0 {
				fnum, _, v, frest, ferr := consumeVarintOrBytesField(sub)
				if ferr != nil {
					return nil, ferr
				}
				sub = frest
				switch fnum {
				case fieldUpsertDbzAfterIdx:
					style.AfterIdx = int(protowire.DecodeZigZag(v.varint))
				case fieldUpsertDbzKeyColumn:
					style.KeyColumns = append(style.KeyColumns, string(v.bytes))
				default:
					return nil, fmt.Errorf("%w: upsert debezium field %d", ErrUnsupportedVariant, fnum)
				}
			}
		default:
			return nil, fmt.Errorf("%w: upsert style tag %d", ErrUnsupportedVariant, num)
		}
	}
	if !seen {
		return nil, fmt.Errorf("%w: empty upsert style", ErrMalformed)
	}
	return style, nil
}

// MarshalDebeziumMode encodes a DebeziumMode.
func MarshalDebeziumMode(mode *envelope.DebeziumMode) ([]byte, error) {
	var b []byte
	switch mode.Kind {
	case envelope.ModeNone:
		b = appendBytesField(b, fieldModeNone, nil)
	case envelope.ModeOrdered, envelope.ModeFull:
		proj, err := marshalProjection(mode.Projection)
		if err != nil {
			return nil, err
		}
		field := fieldModeOrdered
		if mode.Kind == envelope.ModeFull {
			field = fieldModeFull
		}
		b = appendBytesField(b, protowire.Number(field), proj)
	case envelope.ModeFullInRange:
		proj, err := marshalProjection(mode.Projection)
		if err != nil {
			return nil, err
		}
		var sub []byte
		sub = appendBytesField(sub, fieldRangeProjection, proj)
		sub = appendZigZagField(sub, fieldRangePadStart, mode.PadStart.UnixMilli())
		sub = appendZigZagField(sub, fieldRangeStart, mode.Start.UnixMilli())
		sub = appendZigZagField(sub, fieldRangeEnd, mode.End.UnixMilli())
		b = appendBytesField(b, fieldModeFullInRange, sub)
	default:
		return nil, fmt.Errorf("%w: dedup mode %d", ErrUnsupportedVariant, mode.Kind)
	}
	return b, nil
}

// UnmarshalDebeziumMode decodes a DebeziumMode.
func UnmarshalDebeziumMode(b []byte) (*envelope.DebeziumMode, error) {
	mode := &envelope.DebeziumMode{}
	seen := false
	for len(b) > 0 {
		num, sub, rest, err := consumeBytesField(b)
		if err != nil {
			return nil, err
		}
		b = rest
		seen = true
		switch num {
		case fieldModeNone:
			mode.Kind = envelope.ModeNone
		case fieldModeOrdered, fieldModeFull:
			if num == fieldModeOrdered {
				mode.Kind = envelope.ModeOrdered
			} else {
				mode.Kind = envelope.ModeFull
			}
			proj, err := unmarshalProjection(sub)
			if err != nil {
				return nil, err
			}
			mode.Projection = proj
		case fieldModeFullInRange:
			mode.Kind = envelope.ModeFullInRange
			for len(sub) > 0 {
				fnum, _, v, frest, ferr := consumeVarintOrBytesField(sub)
				if ferr != nil {
					return nil, ferr
				}
				sub = frest
				switch fnum {
				case fieldRangeProjection:
					proj, err := unmarshalProjection(v.bytes)
					if err != nil {
						return nil, err
					}
					mode.Projection = proj
				case fieldRangePadStart:
					mode.PadStart = time.UnixMilli(protowire.DecodeZigZag(v.varint)).UTC()
				case fieldRangeStart:
					mode.Start = time.UnixMilli(protowire.DecodeZigZag(v.varint)).UTC()
				case fieldRangeEnd:
					mode.End = time.UnixMilli(protowire.DecodeZigZag(v.varint)).UTC()
				default:
					return nil, fmt.Errorf("%w: full_in_range field %d", ErrUnsupportedVariant, fnum)
				}
			}
		default:
			return nil, fmt.Errorf("%w: dedup mode tag %d", ErrUnsupportedVariant, num)
		}
	}
	if !seen {
		return nil, fmt.Errorf("%w: empty dedup mode", ErrMalformed)
	}
	return mode, nil
}

// marshalProjection encodes a DebeziumDedupProjection.
func marshalProjection(proj *envelope.DebeziumDedupProjection) ([]byte, error) {
	if proj == nil {
		return nil, fmt.Errorf("%w: dedup mode without projection", ErrMalformed)
	}
	var b []byte
	b = appendZigZagField(b, fieldProjSourceIdx, int64(proj.SourceIdx))
	b = appendZigZagField(b, fieldProjSnapshotIdx, int64(proj.SnapshotIdx))

	var flavor []byte
	switch proj.SourceProjection.Flavor {
	case envelope.FlavorMySQL:
		flavor = appendBytesField(flavor, fieldFlavorMySQL, nil)
	case envelope.FlavorPostgres:
		var sub []byte
		if proj.SourceProjection.HasSequence {
			sub = appendVarintField(sub, fieldPostgresHasSequence, 1)
		}
		flavor = appendBytesField(flavor, fieldFlavorPostgres, sub)
	case envelope.FlavorSQLServer:
		flavor = appendBytesField(flavor, fieldFlavorSQLServer, nil)
	default:
		return nil, fmt.Errorf("%w: source flavor %d", ErrUnsupportedVariant, proj.SourceProjection.Flavor)
	}
	b = appendBytesField(b, fieldProjSourceProjection, flavor)

	b = appendZigZagField(b, fieldProjTransactionIdx, int64(proj.TransactionIdx))
	b = appendZigZagField(b, fieldProjTotalOrderIdx, int64(proj.TotalOrderIdx))

	if proj.TxMetadata != nil {
		var sub []byte
		sub = appendZigZagField(sub, fieldTxStatusIdx, int64(proj.TxMetadata.StatusIdx))
		sub = appendZigZagField(sub, fieldTxIDIdx, int64(proj.TxMetadata.IDIdx))
		sub = appendZigZagField(sub, fieldTxEventCountIdx, int64(proj.TxMetadata.EventCountIdx))
		sub = appendZigZagField(sub, fieldTxDataCollectionsIdx, int64(proj.TxMetadata.DataCollectionsIdx))
		sub = appendStringField(sub, fieldTxDataCollectionName, proj.TxMetadata.DataCollectionName)
		b = appendBytesField(b, fieldProjTxMetadata, sub)
	}
	return b, nil
}

// unmarshalProjection decodes a DebeziumDedupProjection.
func unmarshalProjection(b []byte) (*envelope.DebeziumDedupProjection, error) {
	proj := &envelope.DebeziumDedupProjection{TransactionIdx: -1, TotalOrderIdx: -1}
	for len(b) > 0 {
		fnum, _, v, rest, err := consumeVarintOrBytesField(b)
		if err != nil {
			return nil, err
		}
		b = rest
		switch fnum {
		case fieldProjSourceIdx:
			proj.SourceIdx = int(protowire.DecodeZigZag(v.varint))
		case fieldProjSnapshotIdx:
			proj.SnapshotIdx = int(protowire.DecodeZigZag(v.varint))
		case fieldProjSourceProjection:
			sp, err := unmarshalSourceProjection(v.bytes)
			if err != nil {
				return nil, err
			}
			proj.SourceProjection = sp
		case fieldProjTransactionIdx:
			proj.TransactionIdx = int(protowire.DecodeZigZag(v.varint))
		case fieldProjTotalOrderIdx:
			proj.TotalOrderIdx = int(protowire.DecodeZigZag(v.varint))
		case fieldProjTxMetadata:
			meta := &envelope.TxMetadata{}
			sub := v.bytes
			for len(sub) > 0 {
				mnum, _, mv, mrest, merr := consumeVarintOrBytesField(sub)
				if merr != nil {
					return nil, merr
				}
				sub = mrest
				switch mnum {
				case fieldTxStatusIdx:
					meta.StatusIdx = int(protowire.DecodeZigZag(mv.varint))
				case fieldTxIDIdx:
					meta.IDIdx = int(protowire.DecodeZigZag(mv.varint))
				case fieldTxEventCountIdx:
					meta.EventCountIdx = int(protowire.DecodeZigZag(mv.varint))
				case fieldTxDataCollectionsIdx:
					meta.DataCollectionsIdx = int(protowire.DecodeZigZag(mv.varint))
				case fieldTxDataCollectionName:
					meta.DataCollectionName = string(mv.bytes)
				default:
					return nil, fmt.Errorf("%w: tx metadata field %d", ErrUnsupportedVariant, mnum)
				}
			}
			proj.TxMetadata = meta
		default:
			return nil, fmt.Errorf("%w: projection field %d", ErrUnsupportedVariant, fnum)
		}
	}
	return proj, nil
}

// unmarshalSourceProjection decodes the flavor oneof.
func unmarshalSourceProjection(b []byte) (envelope.SourceProjection, error) {
	var sp envelope.SourceProjection
	seen := false
	for len(b) > 0 {
		num, sub, rest, err := consumeBytesField(b)
		if err != nil {
			return sp, err
		}
		b = rest
		seen = true
		switch num {
		case fieldFlavorMySQL:
			sp.Flavor = envelope.FlavorMySQL
		case fieldFlavorPostgres:
			sp.Flavor = envelope.FlavorPostgres
			for len(sub) > 0 {
				fnum, _, v, frest, ferr := consumeVarintOrBytesField(sub)
				if ferr != nil {
					return sp, ferr
				}
				sub = frest
				switch fnum {
				case fieldPostgresHasSequence:
					sp.HasSequence = v.varint != 0
				default:
					return sp, fmt.Errorf("%w: postgres projection field %d", ErrUnsupportedVariant, fnum)
				}
			}
		case fieldFlavorSQLServer:
			sp.Flavor = envelope.FlavorSQLServer
		default:
			return sp, fmt.Errorf("%w: source projection tag %d", ErrUnsupportedVariant, num)
		}
	}
	if !seen {
		return sp, fmt.Errorf("%w: empty source projection", ErrMalformed)
	}
	return sp, nil
}

// Low-level helpers over protowire.

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendZigZagField(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// consumeVarintField consumes one field that must be varint-typed.
func consumeVarintField(b []byte) (protowire.Number, protowire.Type, uint64, []byte, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return 0, 0, 0, nil, fmt.Errorf("%w: bad tag", ErrMalformed)
	}
	b = b[n:]
	if typ != protowire.VarintType {
		return 0, 0, 0, nil, fmt.Errorf("%w: field %d: expected varint, got wire type %d", ErrMalformed, num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, 0, nil, fmt.Errorf("%w: field %d: bad varint", ErrMalformed, num)
	}
	return num, typ, v, b[n:], nil
}

// consumeBytesField consumes one field that must be bytes-typed.
func consumeBytesField(b []byte) (protowire.Number, []byte, []byte, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return 0, nil, nil, fmt.Errorf("%w: bad tag", ErrMalformed)
	}
	b = b[n:]
	if typ != protowire.BytesType {
		return 0, nil, nil, fmt.Errorf("%w: field %d: expected bytes, got wire type %d", ErrMalformed, num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, nil, nil, fmt.Errorf("%w: field %d: bad length", ErrMalformed, num)
	}
	return num, v, b[n:], nil
}

// fieldValue holds the payload of a field that may be varint- or bytes-typed.
type fieldValue struct {
	varint uint64
	bytes  []byte
}

// consumeVarintOrBytesField consumes one field of either wire type.
func consumeVarintOrBytesField(b []byte) (protowire.Number, protowire.Type, fieldValue, []byte, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return 0, 0, fieldValue{}, nil, fmt.Errorf("%w: bad tag", ErrMalformed)
	}
	b = b[n:]
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, 0, fieldValue{}, nil, fmt.Errorf("%w: field %d: bad varint", ErrMalformed, num)
		}
		return num, typ, fieldValue{varint: v}, b[n:], nil
	case protowire.BytesType:
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, 0, fieldValue{}, nil, fmt.Errorf("%w: field %d: bad length", ErrMalformed, num)
		}
		return num, typ, fieldValue{bytes: v}, b[n:], nil
	default:
		return 0, 0, fieldValue{}, nil, fmt.Errorf("%w: field %d: wire type %d", ErrMalformed, num, typ)
	}
}
