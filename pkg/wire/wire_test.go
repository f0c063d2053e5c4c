// Package wire tests
package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/riversql/riversql/packages/ingest-go/pkg/assign"
	"github.com/riversql/riversql/packages/ingest-go/pkg/envelope"
	"github.com/riversql/riversql/packages/ingest-go/pkg/sourcets"
)

func TestSourceTimestampRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ts   sourcets.SourceTimestamp
	}{
		{"none partition", sourcets.Start(sourcets.NonePartition())},
		{"kafka partition", sourcets.MustNew(sourcets.KafkaPartition(3), 42)},
		{"high offset", sourcets.MustNew(sourcets.KafkaPartition(0), 1<<40)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UnmarshalSourceTimestamp(MarshalSourceTimestamp(tt.ts))
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.ts))
		})
	}
}

func TestSourceTimestampUnknownField(t *testing.T) {
	b := MarshalSourceTimestamp(sourcets.MustNew(sourcets.KafkaPartition(1), 5))
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)

	_, err := UnmarshalSourceTimestamp(b)
	assert.ErrorIs(t, err, ErrUnsupportedVariant)
}

func TestSourceTimestampWithoutPartition(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(7))

	_, err := UnmarshalSourceTimestamp(b)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestAssignedTimestampRoundTrip(t *testing.T) {
	for _, ts := range []assign.AssignedTimestamp{0, 1000, 1 << 50} {
		got, err := UnmarshalAssignedTimestamp(MarshalAssignedTimestamp(ts))
		require.NoError(t, err)
		assert.Equal(t, ts, got)
	}
}

func TestSourceEnvelopeRoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		env  *envelope.SourceEnvelope
	}{
		{
			name: "none",
			env:  &envelope.SourceEnvelope{Kind: envelope.KindNone, KeyEnvelope: envelope.KeyNamed, KeyName: "key"},
		},
		{
			name: "upsert default",
			env: &envelope.SourceEnvelope{
				Kind:   envelope.KindUpsert,
				Upsert: &envelope.UpsertStyle{Kind: envelope.UpsertDefault, KeyEnvelope: envelope.KeyFlattened},
			},
		},
		{
			name: "upsert debezium",
			env: &envelope.SourceEnvelope{
				Kind:   envelope.KindUpsert,
				Upsert: &envelope.UpsertStyle{Kind: envelope.UpsertDebezium, AfterIdx: 1, KeyColumns: []string{"id", "region"}},
			},
		},
		{
			name: "debezium ordered mysql",
			env: &envelope.SourceEnvelope{
				Kind: envelope.KindDebezium, BeforeIdx: 0, AfterIdx: 1,
				Mode: &envelope.DebeziumMode{
					Kind: envelope.ModeOrdered,
					Projection: &envelope.DebeziumDedupProjection{
						SourceIdx: 2, SnapshotIdx: 3,
						SourceProjection: envelope.SourceProjection{Flavor: envelope.FlavorMySQL},
						TransactionIdx:   -1, TotalOrderIdx: -1,
					},
				},
			},
		},
		{
			name: "debezium full postgres with tx metadata",
			env: &envelope.SourceEnvelope{
				Kind: envelope.KindDebezium, BeforeIdx: 0, AfterIdx: 1,
				Mode: &envelope.DebeziumMode{
					Kind: envelope.ModeFull,
					Projection: &envelope.DebeziumDedupProjection{
						SourceIdx: 2, SnapshotIdx: 3,
						SourceProjection: envelope.SourceProjection{Flavor: envelope.FlavorPostgres, HasSequence: true},
						TransactionIdx:   4, TotalOrderIdx: 5,
						TxMetadata: &envelope.TxMetadata{
							StatusIdx: 0, IDIdx: 1, EventCountIdx: 2, DataCollectionsIdx: 3,
							DataCollectionName: "public.users",
						},
					},
				},
			},
		},
		{
			name: "debezium full in range sqlserver",
			env: &envelope.SourceEnvelope{
				Kind: envelope.KindDebezium, BeforeIdx: 0, AfterIdx: 1,
				Mode: &envelope.DebeziumMode{
					Kind: envelope.ModeFullInRange,
					Projection: &envelope.DebeziumDedupProjection{
						SourceIdx: 2, SnapshotIdx: 3,
						SourceProjection: envelope.SourceProjection{Flavor: envelope.FlavorSQLServer},
						TransactionIdx:   -1, TotalOrderIdx: -1,
					},
					PadStart: start.Add(-time.Hour),
					Start:    start,
					End:      start.Add(24 * time.Hour),
				},
			},
		},
		{
			name: "cdcv2",
			env:  &envelope.SourceEnvelope{Kind: envelope.KindCdcV2},
		},
		{
			name: "differential row",
			env:  &envelope.SourceEnvelope{Kind: envelope.KindDifferentialRow},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := MarshalSourceEnvelope(tt.env)
			require.NoError(t, err)

			got, err := UnmarshalSourceEnvelope(b)
			require.NoError(t, err)
			assert.Equal(t, tt.env, got)
		})
	}
}

func TestUnmarshalSourceEnvelopeErrors(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		_, err := UnmarshalSourceEnvelope(nil)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("unknown kind tag", func(t *testing.T) {
		var b []byte
		b = protowire.AppendTag(b, 42, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)

		_, err := UnmarshalSourceEnvelope(b)
		assert.ErrorIs(t, err, ErrUnsupportedVariant)
	})

	t.Run("unknown field inside known kind", func(t *testing.T) {
		// Graft an unknown field into the none-envelope submessage.
		var sub []byte
		sub = protowire.AppendTag(sub, 9, protowire.VarintType)
		sub = protowire.AppendVarint(sub, 1)
		var grafted []byte
		grafted = protowire.AppendTag(grafted, 1, protowire.BytesType)
		grafted = protowire.AppendBytes(grafted, sub)

		_, err := UnmarshalSourceEnvelope(grafted)
		assert.ErrorIs(t, err, ErrUnsupportedVariant)
	})

	t.Run("truncated input", func(t *testing.T) {
		env := &envelope.SourceEnvelope{Kind: envelope.KindNone}
		b, err := MarshalSourceEnvelope(env)
		require.NoError(t, err)

		_, err = UnmarshalSourceEnvelope(b[:len(b)-1])
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestUnmarshalDebeziumModeErrors(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, err := UnmarshalDebeziumMode(nil)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("unknown mode tag", func(t *testing.T) {
		var b []byte
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)

		_, err := UnmarshalDebeziumMode(b)
		assert.ErrorIs(t, err, ErrUnsupportedVariant)
	})
}

func TestFullInRangeTimesSurviveRoundTrip(t *testing.T) {
	// Producer times compare as UTC instants at millisecond precision.
	mode := &envelope.DebeziumMode{
		Kind: envelope.ModeFullInRange,
		Projection: &envelope.DebeziumDedupProjection{
			SourceIdx: 2, SnapshotIdx: 3,
			SourceProjection: envelope.SourceProjection{Flavor: envelope.FlavorPostgres},
			TransactionIdx:   -1, TotalOrderIdx: -1,
		},
		PadStart: time.UnixMilli(1709251200000).UTC(),
		Start:    time.UnixMilli(1709254800000).UTC(),
		End:      time.UnixMilli(1709341200000).UTC(),
	}

	b, err := MarshalDebeziumMode(mode)
	require.NoError(t, err)
	got, err := UnmarshalDebeziumMode(b)
	require.NoError(t, err)

	assert.True(t, got.PadStart.Equal(mode.PadStart))
	assert.True(t, got.Start.Equal(mode.Start))
	assert.True(t, got.End.Equal(mode.End))
}
