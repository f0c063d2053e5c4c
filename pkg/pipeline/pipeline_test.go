// Package pipeline tests
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riversql/riversql/packages/ingest-go/pkg/assign"
	"github.com/riversql/riversql/packages/ingest-go/pkg/checkpoint"
	"github.com/riversql/riversql/packages/ingest-go/pkg/checkpoint/memory"
	"github.com/riversql/riversql/packages/ingest-go/pkg/dedup"
	"github.com/riversql/riversql/packages/ingest-go/pkg/envelope"
	"github.com/riversql/riversql/packages/ingest-go/pkg/metrics"
	"github.com/riversql/riversql/packages/ingest-go/pkg/sourcets"
)

func debeziumConfig() SourceConfig {
	return SourceConfig{
		Envelope: envelope.SourceEnvelope{
			Kind: envelope.KindDebezium, BeforeIdx: 0, AfterIdx: 1,
			Mode: &envelope.DebeziumMode{
				Kind: envelope.ModeOrdered,
				Projection: &envelope.DebeziumDedupProjection{
					SourceIdx: 2, SnapshotIdx: 3,
					SourceProjection: envelope.SourceProjection{Flavor: envelope.FlavorPostgres, HasSequence: true},
					TransactionIdx:   -1, TotalOrderIdx: -1,
				},
			},
		},
		TimestampFrequency: 1000,
	}
}

func txConfig() SourceConfig {
	cfg := debeziumConfig()
	cfg.Envelope.Mode.Projection.TransactionIdx = 4
	cfg.Envelope.Mode.Projection.TotalOrderIdx = 5
	cfg.Envelope.Mode.Projection.TxMetadata = &envelope.TxMetadata{
		StatusIdx: 0, IDIdx: 1, EventCountIdx: 2, DataCollectionsIdx: 3,
		DataCollectionName: "public.users",
	}
	return cfg
}

func upsertConfig() SourceConfig {
	return SourceConfig{
		Envelope: envelope.SourceEnvelope{
			Kind:   envelope.KindUpsert,
			Upsert: &envelope.UpsertStyle{Kind: envelope.UpsertDefault},
		},
		TimestampFrequency: 1000,
	}
}

func pgChange(offset int64, lsn uint64, seq int, id int) *sourcets.RawEvent {
	return &sourcets.RawEvent{
		Partition: sourcets.KafkaPartition(0),
		Offset:    offset,
		Payload: []byte(fmt.Sprintf(`{
			"after": {"id": %d},
			"source": {"lsn": %d, "sequence": %d},
			"op": "c",
			"ts_ms": 1700000000000
		}`, id, lsn, seq)),
	}
}

func upsertEvent(offset int64, key, payload string) *sourcets.RawEvent {
	return &sourcets.RawEvent{
		Partition: sourcets.KafkaPartition(0),
		Offset:    offset,
		Key:       []byte(key),
		Payload:   []byte(payload),
	}
}

func TestNewSourceValidatesFatally(t *testing.T) {
	t.Run("bad envelope", func(t *testing.T) {
		cfg := debeziumConfig()
		cfg.Envelope.Mode = nil
		_, err := NewSource(cfg)
		assert.Error(t, err)
	})

	t.Run("generated id", func(t *testing.T) {
		src, err := NewSource(debeziumConfig())
		require.NoError(t, err)
		assert.NotEmpty(t, src.ID())
	})

	t.Run("explicit id", func(t *testing.T) {
		cfg := debeziumConfig()
		cfg.ID = "src-1"
		src, err := NewSource(cfg)
		require.NoError(t, err)
		assert.Equal(t, "src-1", src.ID())
	})
}

func TestProcessBatchDebezium(t *testing.T) {
	ctx := context.Background()
	src, err := NewSource(debeziumConfig())
	require.NoError(t, err)

	deltas, err := src.ProcessBatch(ctx, []*sourcets.RawEvent{
		pgChange(1, 100, 0, 1),
		pgChange(2, 100, 0, 1), // redelivery, dropped
		pgChange(3, 200, 0, 2),
	})
	require.NoError(t, err)

	require.Len(t, deltas, 2)
	assert.Equal(t, envelope.DeltaInsert, deltas[0].Delta.Kind)
	assert.Equal(t, envelope.DeltaInsert, deltas[1].Delta.Kind)
	// Timestamps never decrease along the stream.
	assert.LessOrEqual(t, deltas[0].Timestamp, deltas[1].Timestamp)
}

func TestProcessBatchCarriesPerRowErrors(t *testing.T) {
	ctx := context.Background()
	src, err := NewSource(debeziumConfig())
	require.NoError(t, err)

	bad := &sourcets.RawEvent{
		Partition: sourcets.KafkaPartition(0),
		Offset:    2,
		Payload:   []byte(`{not json`),
	}
	deltas, err := src.ProcessBatch(ctx, []*sourcets.RawEvent{
		pgChange(1, 100, 0, 1),
		bad,
		pgChange(3, 200, 0, 2),
	})
	require.NoError(t, err, "per-row errors do not abort the source")

	require.Len(t, deltas, 3)
	assert.Nil(t, deltas[0].Err)
	require.NotNil(t, deltas[1].Err)
	assert.Equal(t, "0_2", deltas[1].Err.Position.String())
	assert.Nil(t, deltas[2].Err)
}

func TestProcessBatchUpsert(t *testing.T) {
	ctx := context.Background()
	src, err := NewSource(upsertConfig())
	require.NoError(t, err)

	deltas, err := src.ProcessBatch(ctx, []*sourcets.RawEvent{
		upsertEvent(1, "k1", `{"v": "1"}`),
		upsertEvent(2, "k1", `{"v": "2"}`),
		upsertEvent(3, "k1", ""), // tombstone
	})
	require.NoError(t, err)

	// insert, retract+insert, retract.
	require.Len(t, deltas, 4)
	assert.Equal(t, envelope.DeltaInsert, deltas[0].Delta.Kind)
	assert.Equal(t, envelope.DeltaRetract, deltas[1].Delta.Kind)
	assert.Equal(t, envelope.DeltaInsert, deltas[2].Delta.Kind)
	assert.Equal(t, envelope.DeltaRetract, deltas[3].Delta.Kind)
	assert.Equal(t, "2", deltas[3].Delta.Row["v"])
}

func TestProcessBatchCancelledContext(t *testing.T) {
	src, err := NewSource(debeziumConfig())
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = src.ProcessBatch(cancelled, []*sourcets.RawEvent{pgChange(1, 100, 0, 1)})
	require.Error(t, err)

	// The discarded batch left no state behind: the same events process fresh.
	deltas, err := src.ProcessBatch(context.Background(), []*sourcets.RawEvent{pgChange(1, 100, 0, 1)})
	require.NoError(t, err)
	assert.Len(t, deltas, 1)
}

func TestLocalSourceTimestamps(t *testing.T) {
	cfg := upsertConfig()
	cfg.Local = true
	src, err := NewSource(cfg)
	require.NoError(t, err)

	deltas, err := src.ProcessBatch(context.Background(), []*sourcets.RawEvent{
		upsertEvent(1, "k1", `{"v": "1"}`),
		upsertEvent(2, "k2", `{"v": "2"}`),
	})
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Less(t, deltas[0].Timestamp, deltas[1].Timestamp)
}

func TestCheckpointRestoreReplaysCleanly(t *testing.T) {
	ctx := context.Background()
	cfg := debeziumConfig()
	cfg.ID = "src-1"
	src, err := NewSource(cfg)
	require.NoError(t, err)

	_, err = src.ProcessBatch(ctx, []*sourcets.RawEvent{
		pgChange(1, 100, 0, 1),
		pgChange(2, 200, 0, 2),
	})
	require.NoError(t, err)

	cp := src.Checkpoint()
	assert.Equal(t, "src-1", cp.SourceID)
	assert.Equal(t, int64(2), cp.Offsets["0"])
	require.NotNil(t, cp.Dedup)
	require.NotNil(t, cp.Assigner)

	restored, err := RestoreSource(debeziumConfig(), cp)
	require.NoError(t, err)
	assert.Equal(t, "src-1", restored.ID())
	assert.Equal(t, src.Watermark(), restored.Watermark())

	// Offsets at or below the checkpoint are skipped outright; a replayed
	// change beyond them is caught by dedup state.
	deltas, err := restored.ProcessBatch(ctx, []*sourcets.RawEvent{
		pgChange(1, 100, 0, 1),
		pgChange(2, 200, 0, 2),
		pgChange(3, 200, 0, 2), // new offset, stale change
		pgChange(4, 300, 0, 3),
	})
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, envelope.DeltaInsert, deltas[0].Delta.Kind)
}

func TestRestoreSourceRejectsSkew(t *testing.T) {
	ctx := context.Background()
	cfg := debeziumConfig()
	cfg.ID = "src-1"
	src, err := NewSource(cfg)
	require.NoError(t, err)

	_, err = src.ProcessBatch(ctx, []*sourcets.RawEvent{pgChange(1, 100, 0, 1)})
	require.NoError(t, err)
	cp := src.Checkpoint()

	t.Run("offsets disagree", func(t *testing.T) {
		cfg := debeziumConfig()
		cfg.StartOffsets = map[string]int64{"0": 99}
		_, err := RestoreSource(cfg, cp)
		assert.ErrorIs(t, err, ErrCheckpointSkew)
	})

	t.Run("dedup state without dedup engine", func(t *testing.T) {
		_, err := RestoreSource(upsertConfig(), cp)
		assert.ErrorIs(t, err, ErrCheckpointSkew)
	})

	t.Run("matching offsets restore", func(t *testing.T) {
		cfg := debeziumConfig()
		cfg.StartOffsets = map[string]int64{"0": 1}
		restored, err := RestoreSource(cfg, cp)
		require.NoError(t, err)
		assert.Equal(t, "src-1", restored.ID())
	})
}

func TestResumeSource(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Close()

	t.Run("fresh when no checkpoint exists", func(t *testing.T) {
		cfg := debeziumConfig()
		cfg.ID = "src-fresh"
		src, err := ResumeSource(ctx, cfg, store)
		require.NoError(t, err)
		assert.Equal(t, "src-fresh", src.ID())
	})

	t.Run("resumes from saved checkpoint", func(t *testing.T) {
		cfg := debeziumConfig()
		cfg.ID = "src-2"
		src, err := NewSource(cfg)
		require.NoError(t, err)

		_, err = src.ProcessBatch(ctx, []*sourcets.RawEvent{pgChange(1, 100, 0, 1)})
		require.NoError(t, err)
		require.NoError(t, src.SaveCheckpoint(ctx, store))

		resumed, err := ResumeSource(ctx, cfg, store)
		require.NoError(t, err)

		// Redelivery of the checkpointed offset produces nothing.
		deltas, err := resumed.ProcessBatch(ctx, []*sourcets.RawEvent{pgChange(1, 100, 0, 1)})
		require.NoError(t, err)
		assert.Empty(t, deltas)
	})
}

func inTxn(offset int64, lsn uint64, order int) *sourcets.RawEvent {
	return &sourcets.RawEvent{
		Partition: sourcets.KafkaPartition(0),
		Offset:    offset,
		Payload: []byte(fmt.Sprintf(`{
			"after": {"id": %d},
			"source": {"lsn": %d, "sequence": 0},
			"op": "c",
			"ts_ms": 1700000000000,
			"transaction": {"id": "tx-1", "total_order": %d}
		}`, order, lsn, order)),
	}
}

func endTx(count int) []byte {
	return []byte(fmt.Sprintf(`{
		"status": "END", "id": "tx-1",
		"data_collections": [{"data_collection": "public.users", "event_count": %d}]
	}`, count))
}

func TestTransactionBoundariesThroughPipeline(t *testing.T) {
	ctx := context.Background()
	src, err := NewSource(txConfig())
	require.NoError(t, err)

	deltas, err := src.ProcessBatch(ctx, []*sourcets.RawEvent{
		inTxn(1, 100, 1),
		inTxn(2, 200, 2),
	})
	require.NoError(t, err)
	assert.Empty(t, deltas, "held until the transaction closes")

	released, err := src.ProcessTransactionMeta([]byte(`{
		"status": "END", "id": "tx-1",
		"data_collections": [{"data_collection": "public.users", "event_count": 2}]
	}`))
	require.NoError(t, err)
	assert.Len(t, released, 2)
	assert.Equal(t, dedup.Consistent, src.Consistency())
}

func TestCheckpointMidTransaction(t *testing.T) {
	ctx := context.Background()
	cfg := txConfig()
	cfg.ID = "src-tx"
	src, err := NewSource(cfg)
	require.NoError(t, err)

	deltas, err := src.ProcessBatch(ctx, []*sourcets.RawEvent{inTxn(1, 100, 1)})
	require.NoError(t, err)
	require.Empty(t, deltas, "held until the transaction closes")

	// Crash between a routine checkpoint and the transaction's END record.
	cp := src.Checkpoint()
	restored, err := RestoreSource(txConfig(), cp)
	require.NoError(t, err)

	// The redelivered row is already reflected in the restored state.
	deltas, err = restored.ProcessBatch(ctx, []*sourcets.RawEvent{inTxn(1, 100, 1)})
	require.NoError(t, err)
	assert.Empty(t, deltas)

	// The END still releases the buffered row; it never went missing.
	released, err := restored.ProcessTransactionMeta(endTx(1))
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, envelope.DeltaInsert, released[0].Delta.Kind)
	assert.Equal(t, dedup.Consistent, restored.Consistency())
}

// cancelAfterCtx reports cancellation after a fixed number of Err checks, so a
// batch can be interrupted partway through.
type cancelAfterCtx struct {
	context.Context
	calls int
	allow int
}

func (c *cancelAfterCtx) Err() error {
	c.calls++
	if c.calls > c.allow {
		return context.Canceled
	}
	return nil
}

func TestCancelledBatchKeepsBufferedTransactions(t *testing.T) {
	ctx := context.Background()
	src, err := NewSource(txConfig())
	require.NoError(t, err)

	deltas, err := src.ProcessBatch(ctx, []*sourcets.RawEvent{inTxn(1, 100, 1)})
	require.NoError(t, err)
	require.Empty(t, deltas)

	// The next batch is cancelled after its first event: the rollback must
	// keep the transaction buffered by the previous batch.
	interrupted := &cancelAfterCtx{Context: ctx, allow: 2}
	_, err = src.ProcessBatch(interrupted, []*sourcets.RawEvent{
		pgChange(2, 500, 0, 9),
		pgChange(3, 600, 0, 10),
	})
	require.Error(t, err)

	released, err := src.ProcessTransactionMeta(endTx(1))
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, dedup.Consistent, src.Consistency())

	// The rolled-back batch also replays in full.
	deltas, err = src.ProcessBatch(ctx, []*sourcets.RawEvent{
		pgChange(2, 500, 0, 9),
		pgChange(3, 600, 0, 10),
	})
	require.NoError(t, err)
	assert.Len(t, deltas, 2)
}

func pgChangeAt(offset int64, lsn uint64, id int, tsMS int64) *sourcets.RawEvent {
	return &sourcets.RawEvent{
		Partition: sourcets.KafkaPartition(0),
		Offset:    offset,
		Payload: []byte(fmt.Sprintf(`{
			"after": {"id": %d},
			"source": {"lsn": %d, "sequence": 0},
			"op": "c",
			"ts_ms": %d
		}`, id, lsn, tsMS)),
	}
}

func TestDropReasonsByWindow(t *testing.T) {
	ctx := context.Background()
	cfg := debeziumConfig()
	cfg.Envelope.Mode.Kind = envelope.ModeFullInRange
	cfg.Envelope.Mode.PadStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg.Envelope.Mode.Start = cfg.Envelope.Mode.PadStart
	cfg.Envelope.Mode.End = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	src, err := NewSource(cfg)
	require.NoError(t, err)

	inWindow := cfg.Envelope.Mode.Start.Add(time.Hour).UnixMilli()
	beforeWindow := cfg.Envelope.Mode.Start.Add(-time.Hour).UnixMilli()

	staleBefore := testutil.ToFloat64(metrics.EventsDropped.WithLabelValues(metrics.ReasonStale))
	dupBefore := testutil.ToFloat64(metrics.EventsDropped.WithLabelValues(metrics.ReasonDuplicate))

	deltas, err := src.ProcessBatch(ctx, []*sourcets.RawEvent{
		pgChangeAt(1, 100, 1, inWindow),
		pgChangeAt(2, 100, 1, inWindow), // in-window replay
		pgChangeAt(3, 50, 2, beforeWindow),
	})
	require.NoError(t, err)
	assert.Len(t, deltas, 1)

	assert.Equal(t, dupBefore+1, testutil.ToFloat64(metrics.EventsDropped.WithLabelValues(metrics.ReasonDuplicate)))
	assert.Equal(t, staleBefore+1, testutil.ToFloat64(metrics.EventsDropped.WithLabelValues(metrics.ReasonStale)))
}

func TestDropReportsUnassignableEvents(t *testing.T) {
	cp := &checkpoint.Checkpoint{
		SourceID: "src-bad",
		Offsets:  map[string]int64{},
		Dedup: &dedup.StateSnapshot{
			SnapshotExpected: -1,
			Pending: []dedup.TxnSnapshot{{
				ID:       "tx-1",
				Expected: -1,
				Events: []dedup.BufferedEvent{{
					After:    envelope.Row{"id": json.Number("1")},
					Position: "0_0",
				}},
			}},
		},
	}
	src, err := RestoreSource(txConfig(), cp)
	require.NoError(t, err)

	var logged bytes.Buffer
	log.SetOutput(&logged)
	defer log.SetOutput(os.Stderr)

	deltas := src.Drop()
	assert.Empty(t, deltas)
	assert.Contains(t, logged.String(), "0_0")
	assert.Equal(t, dedup.Degraded, src.Consistency())
}

func TestDropFlushesIncompleteTransactions(t *testing.T) {
	ctx := context.Background()
	src, err := NewSource(txConfig())
	require.NoError(t, err)

	_, err = src.ProcessBatch(ctx, []*sourcets.RawEvent{
		{
			Partition: sourcets.KafkaPartition(0),
			Offset:    1,
			Payload: []byte(`{
				"after": {"id": 1},
				"source": {"lsn": 100, "sequence": 0},
				"op": "c",
				"transaction": {"id": "tx-open", "total_order": 1}
			}`),
		},
	})
	require.NoError(t, err)

	deltas := src.Drop()
	assert.Len(t, deltas, 1)
	assert.Equal(t, dedup.Degraded, src.Consistency())
}

func TestWatermarkSafety(t *testing.T) {
	ctx := context.Background()
	cfg := debeziumConfig()
	cfg.Partitions = []sourcets.PartitionID{
		sourcets.KafkaPartition(0),
		sourcets.KafkaPartition(1),
	}
	src, err := NewSource(cfg)
	require.NoError(t, err)

	// Only partition 0 produces: the watermark stays put however far it runs.
	for i := int64(1); i <= 5; i++ {
		_, err := src.ProcessBatch(ctx, []*sourcets.RawEvent{pgChange(i, uint64(100*i), 0, int(i))})
		require.NoError(t, err)
	}
	assert.Equal(t, assign.AssignedTimestamp(0), src.Watermark())

	// Partition 1 catches up: the first bucket closes.
	ev := pgChange(1, 1000, 0, 99)
	ev.Partition = sourcets.KafkaPartition(1)
	_, err = src.ProcessBatch(ctx, []*sourcets.RawEvent{ev})
	require.NoError(t, err)
	assert.Equal(t, assign.AssignedTimestamp(1000), src.Watermark())
}
