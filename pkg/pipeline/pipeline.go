// Package pipeline assembles the ingestion core for one source: envelope
// decoding, CDC deduplication, upsert state, and timestamp assignment. A
// Source turns batches of raw connector events into timestamped row deltas
// that downstream dataflow operators can treat as exactly-once and causally
// ordered.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riversql/riversql/packages/ingest-go/pkg/assign"
	"github.com/riversql/riversql/packages/ingest-go/pkg/checkpoint"
	"github.com/riversql/riversql/packages/ingest-go/pkg/dedup"
	"github.com/riversql/riversql/packages/ingest-go/pkg/envelope"
	"github.com/riversql/riversql/packages/ingest-go/pkg/metrics"
	"github.com/riversql/riversql/packages/ingest-go/pkg/sourcets"
	"github.com/riversql/riversql/packages/ingest-go/pkg/upsert"
)

var (
	// ErrCheckpointSkew is returned when a checkpoint's offsets and the
	// requested resume offsets disagree. Partial recovery is never attempted;
	// the source requires a full re-snapshot.
	ErrCheckpointSkew = errors.New("checkpoint inconsistent with resume offsets")
)

// DefaultTimestampFrequency is the bucket width used when a source does not
// configure one.
const DefaultTimestampFrequency = 1000

// SourceConfig is the static, per-source configuration fixed at creation time.
type SourceConfig struct {
	// ID is the stable source identifier. Generated when empty.
	ID string

	// Envelope describes how payload bytes map to row changes.
	Envelope envelope.SourceEnvelope

	// TimestampFrequency is the assigned-timestamp bucket width.
	// Defaults to DefaultTimestampFrequency.
	TimestampFrequency uint64

	// Local marks Local/Log sources, which bypass multi-partition timestamp
	// reconciliation.
	Local bool

	// Partitions lists the partitions known at creation, so timestamp bucket
	// advancement waits for all of them from the start.
	Partitions []sourcets.PartitionID

	// StartOffsets resumes partitions at specific offsets after a restart,
	// keyed by the partition's canonical string form. Events at or below a
	// start offset are already reflected in recovered state and are skipped.
	StartOffsets map[string]int64
}

// TimestampedDelta is one element of the source's output stream: a row delta
// (or a per-row error value holding its position in the stream) plus its
// assigned timestamp.
type TimestampedDelta struct {
	// Delta is the row change; meaningless when Err is set.
	Delta envelope.RowDelta

	// Err carries a per-row decode or projection failure at the row's
	// position. The stream continues with remaining rows.
	Err *envelope.DecodeError

	// Timestamp is monotonically non-decreasing per source.
	Timestamp assign.AssignedTimestamp
}

// Source is the ingestion pipeline for one logical source. Concurrent
// partition workers of the source serialize on the internal lock: dedup and
// upsert correctness requires a single consistent view across partitions.
type Source struct {
	id  string
	cfg SourceConfig

	mu       sync.Mutex
	decoder  *envelope.Decoder
	engine   *dedup.Engine
	keeper   *upsert.Keeper
	assigner *assign.Assigner

	// offsets tracks the highest processed offset per partition; these become
	// the checkpoint's resume positions.
	offsets map[string]int64

	// startOffsets are the resume positions this source was created with.
	startOffsets map[string]int64
}

// NewSource creates a source from its configuration. Configuration errors
// (invalid envelope, mode without projection, bad window bounds) are fatal:
// the source never starts consuming.
func NewSource(cfg SourceConfig) (*Source, error) {
	decoder, err := envelope.NewDecoder(cfg.Envelope)
	if err != nil {
		return nil, err
	}

	s := &Source{
		id:           cfg.ID,
		cfg:          cfg,
		decoder:      decoder,
		offsets:      make(map[string]int64),
		startOffsets: make(map[string]int64),
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}

	if cfg.Envelope.Kind == envelope.KindDebezium {
		engine, err := dedup.NewEngine(*cfg.Envelope.Mode)
		if err != nil {
			return nil, err
		}
		s.engine = engine
	}
	if cfg.Envelope.Kind == envelope.KindUpsert {
		s.keeper = upsert.NewKeeper()
	}

	if cfg.Local {
		s.assigner = assign.NewLocalAssigner()
	} else {
		freq := cfg.TimestampFrequency
		if freq == 0 {
			freq = DefaultTimestampFrequency
		}
		assigner, err := assign.NewAssigner(freq)
		if err != nil {
			return nil, err
		}
		s.assigner = assigner
	}

	for _, p := range cfg.Partitions {
		s.assigner.AddPartition(p)
	}
	for part, off := range cfg.StartOffsets {
		s.startOffsets[part] = off
		s.offsets[part] = off
	}
	return s, nil
}

// ID returns the source's stable identifier.
func (s *Source) ID() string {
	return s.id
}

// ProcessBatch runs one connector-delivered batch through the pipeline and
// returns its timestamped deltas. The batch is atomic: its deltas are only
// made visible once every row has been decoded and admitted. On cancellation
// mid-batch all state mutations are rolled back, so the connector can
// redeliver the batch and observe identical decisions.
func (s *Source) ProcessBatch(ctx context.Context, events []*sourcets.RawEvent) ([]TimestampedDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage rollback state so a cancelled batch discards cleanly.
	engineSnap := s.checkpointEngineLocked()
	keeperSnap := s.checkpointKeeperLocked()
	assignSnap := s.assigner.Checkpoint()
	offsetsSnap := make(map[string]int64, len(s.offsets))
	for k, v := range s.offsets {
		offsetsSnap[k] = v
	}

	var out []TimestampedDelta
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			s.rollbackLocked(engineSnap, keeperSnap, assignSnap, offsetsSnap)
			return nil, err
		}
		deltas, err := s.processEventLocked(ev)
		if err != nil {
			s.rollbackLocked(engineSnap, keeperSnap, assignSnap, offsetsSnap)
			return nil, err
		}
		out = append(out, deltas...)
	}
	return out, nil
}

// processEventLocked runs one raw event through decode, dedup, upsert, and
// timestamp assignment.
func (s *Source) processEventLocked(ev *sourcets.RawEvent) ([]TimestampedDelta, error) {
	part := ev.Partition.String()

	// Events at or below the resume offset were already reflected in the
	// state this source was restored from.
	if start, ok := s.startOffsets[part]; ok && ev.Offset <= start {
		return nil, nil
	}

	ts, err := s.assigner.Assign(ev.Partition, ev.Offset)
	if err != nil {
		return nil, err
	}
	if ev.Offset > s.offsets[part] {
		s.offsets[part] = ev.Offset
	}

	decoded := s.decoder.Decode(ev)
	if decoded.Err != nil {
		metrics.DecodeErrors.Inc()
		return []TimestampedDelta{{Err: decoded.Err, Timestamp: ts}}, nil
	}
	metrics.RowsDecoded.Inc()

	switch {
	case decoded.Debezium != nil:
		return s.emitDebeziumLocked(decoded.Debezium, ts)

	case decoded.Upsert != nil:
		deltas := s.keeper.Apply(decoded.Upsert.Key, decoded.Upsert.Value, ev.Timestamp())
		return stamp(deltas, ts), nil

	default:
		return stamp(decoded.Deltas, ts), nil
	}
}

// emitDebeziumLocked runs a change event through the dedup engine and emits
// the deltas of whatever the engine releases (nothing, the event itself, or a
// completed transaction).
func (s *Source) emitDebeziumLocked(ev *envelope.DebeziumEvent, ts assign.AssignedTimestamp) ([]TimestampedDelta, error) {
	buffered := s.engine.BufferedEvents()
	flushed, err := s.engine.Process(ev)
	if err != nil {
		// Per-row projection failure: carried at the row's position.
		metrics.DecodeErrors.Inc()
		return []TimestampedDelta{{
			Err:       &envelope.DecodeError{Position: ev.Position, Reason: err.Error()},
			Timestamp: ts,
		}}, nil
	}
	if len(flushed) == 0 {
		if s.engine.BufferedEvents() > buffered {
			// Buffered, not dropped; released by the transaction's END.
			return nil, nil
		}
		if mode := s.engine.Mode(); mode.Kind != envelope.ModeNone {
			reason := metrics.ReasonDuplicate
			if mode.Kind == envelope.ModeFullInRange {
				if t, ok := ev.ProducerTime(); ok && t.Before(mode.Start) {
					reason = metrics.ReasonStale
				}
			}
			metrics.EventsDropped.WithLabelValues(reason).Inc()
		}
		return nil, nil
	}

	var out []TimestampedDelta
	for _, released := range flushed {
		metrics.EventsAdmitted.Inc()
		out = append(out, stamp(released.Deltas(), ts)...)
	}
	return out, nil
}

// ProcessTransactionMeta feeds one record from the source's transaction
// metadata topic. A transaction completed by the record is emitted atomically
// at the source's current timestamp.
func (s *Source) ProcessTransactionMeta(payload []byte) ([]TimestampedDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		return nil, fmt.Errorf("source %s has no dedup engine", s.id)
	}
	flushed, err := s.engine.ProcessTransactionMeta(payload)
	if err != nil {
		return nil, err
	}

	var out []TimestampedDelta
	for _, released := range flushed {
		metrics.EventsAdmitted.Inc()
		ts, err := s.assigner.Assign(released.Position.Partition, released.Position.Offset)
		if err != nil {
			return nil, err
		}
		out = append(out, stamp(released.Deltas(), ts)...)
	}
	return out, nil
}

// Drop flushes buffered transactions best-effort and returns their deltas.
// Flushing an incomplete transaction degrades the source's consistency,
// observable via Consistency().
func (s *Source) Drop() []TimestampedDelta {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		return nil
	}
	var out []TimestampedDelta
	for _, released := range s.engine.ForceFlush() {
		ts, err := s.assigner.Assign(released.Position.Partition, released.Position.Offset)
		if err != nil {
			log.Printf("drop flush: skipping event at %s: %v", released.Position, err)
			continue
		}
		out = append(out, stamp(released.Deltas(), ts)...)
	}
	return out
}

// Consistency reports whether atomic-commit semantics still hold for this
// source.
func (s *Source) Consistency() dedup.Consistency {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return dedup.Consistent
	}
	return s.engine.Consistency()
}

// Watermark returns the highest fully closed timestamp bucket.
func (s *Source) Watermark() assign.AssignedTimestamp {
	return s.assigner.Watermark()
}

// Checkpoint captures the synchronized snapshot of the source's dedup state,
// upsert state, assigned-timestamp watermarks, and resume offsets.
func (s *Source) Checkpoint() *checkpoint.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := &checkpoint.Checkpoint{
		SourceID:  s.id,
		Offsets:   make(map[string]int64, len(s.offsets)),
		Assigner:  s.assigner.Checkpoint(),
		CreatedAt: time.Now().UTC(),
	}
	for k, v := range s.offsets {
		cp.Offsets[k] = v
	}
	if s.engine != nil {
		cp.Dedup = s.engine.Checkpoint()
	}
	if s.keeper != nil {
		cp.Upsert = s.keeper.Checkpoint()
	}
	return cp
}

// SaveCheckpoint writes the source's checkpoint to the store.
func (s *Source) SaveCheckpoint(ctx context.Context, store checkpoint.Store) error {
	if err := store.Save(ctx, s.Checkpoint()); err != nil {
		return err
	}
	metrics.CheckpointSaves.Inc()
	return nil
}

// RestoreSource rebuilds a source from a checkpoint. The checkpoint's offsets
// become the resume positions; if the configuration also names start offsets
// they must agree with the checkpoint, otherwise the recovery is inconsistent
// (messages would be skipped or state double-applied) and the source must be
// re-snapshotted from scratch.
func RestoreSource(cfg SourceConfig, cp *checkpoint.Checkpoint) (*Source, error) {
	for part, off := range cfg.StartOffsets {
		if cpOff, ok := cp.Offsets[part]; ok && cpOff != off {
			return nil, fmt.Errorf("%w: partition %s checkpointed at %d, resume requested at %d",
				ErrCheckpointSkew, part, cpOff, off)
		}
	}

	cfg.ID = cp.SourceID
	cfg.StartOffsets = cp.Offsets
	s, err := NewSource(cfg)
	if err != nil {
		return nil, err
	}

	if cp.Dedup != nil {
		if s.engine == nil {
			return nil, fmt.Errorf("%w: checkpoint carries dedup state but source has no dedup engine", ErrCheckpointSkew)
		}
		engine, err := dedup.RestoreEngine(*cfg.Envelope.Mode, cp.Dedup)
		if err != nil {
			return nil, err
		}
		s.engine = engine
	}
	if len(cp.Upsert) > 0 {
		if s.keeper == nil {
			return nil, fmt.Errorf("%w: checkpoint carries upsert state but source has no upsert envelope", ErrCheckpointSkew)
		}
		keeper, err := upsert.RestoreKeeper(cp.Upsert)
		if err != nil {
			return nil, err
		}
		s.keeper = keeper
	}
	if cp.Assigner != nil {
		assigner, err := assign.RestoreAssigner(cp.Assigner)
		if err != nil {
			return nil, err
		}
		s.assigner = assigner
	}
	return s, nil
}

// ResumeSource loads the source's checkpoint from the store and restores from
// it, or creates a fresh source when none exists.
func ResumeSource(ctx context.Context, cfg SourceConfig, store checkpoint.Store) (*Source, error) {
	if cfg.ID == "" {
		return NewSource(cfg)
	}
	cp, err := store.Load(ctx, cfg.ID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return NewSource(cfg)
	}
	if err != nil {
		return nil, err
	}
	return RestoreSource(cfg, cp)
}

// stamp attaches one timestamp to a run of deltas.
func stamp(deltas []envelope.RowDelta, ts assign.AssignedTimestamp) []TimestampedDelta {
	if len(deltas) == 0 {
		return nil
	}
	out := make([]TimestampedDelta, len(deltas))
	for i, d := range deltas {
		out[i] = TimestampedDelta{Delta: d, Timestamp: ts}
	}
	return out
}

// checkpointEngineLocked snapshots the dedup engine, or nil.
func (s *Source) checkpointEngineLocked() *dedup.StateSnapshot {
	if s.engine == nil {
		return nil
	}
	return s.engine.Checkpoint()
}

// checkpointKeeperLocked snapshots the upsert keeper, or nil.
func (s *Source) checkpointKeeperLocked() upsert.Snapshot {
	if s.keeper == nil {
		return nil
	}
	return s.keeper.Checkpoint()
}

// rollbackLocked restores the staged pre-batch state after a cancelled batch.
func (s *Source) rollbackLocked(engineSnap *dedup.StateSnapshot, keeperSnap upsert.Snapshot, assignSnap *assign.Snapshot, offsets map[string]int64) {
	if s.engine != nil {
		if engine, err := dedup.RestoreEngine(*s.cfg.Envelope.Mode, engineSnap); err == nil {
			s.engine = engine
		}
	}
	if s.keeper != nil {
		if keeper, err := upsert.RestoreKeeper(keeperSnap); err == nil {
			s.keeper = keeper
		}
	}
	if assigner, err := assign.RestoreAssigner(assignSnap); err == nil {
		s.assigner = assigner
	}
	s.offsets = offsets
}
