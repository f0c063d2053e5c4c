// Package kafka adapts a Kafka topic to the raw event stream the ingestion
// pipeline consumes. Broker offsets are 0-indexed; the pipeline's offsets are
// 1-indexed, so every message's offset is shifted by one on the way in.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/riversql/riversql/packages/ingest-go/pkg/sourcets"
)

const (
	defaultMinBytes     = 1
	defaultMaxBytes     = 10 << 20
	defaultBatchLinger  = 50 * time.Millisecond
	defaultMaxBatchSize = 512
)

// Config describes the topic one Reader consumes.
type Config struct {
	Brokers []string
	Topic   string

	// GroupID enables broker-managed offsets. Leave empty when resuming from
	// explicit checkpointed offsets via NewPartitionReader.
	GroupID string

	// MaxBatchSize caps the number of messages Fetch returns at once.
	MaxBatchSize int

	// BatchLinger is how long Fetch waits for followers once the first
	// message of a batch has arrived.
	BatchLinger time.Duration
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka: no brokers configured")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka: no topic configured")
	}
	return nil
}

// Reader consumes one topic (or one partition of it) and yields RawEvents.
type Reader struct {
	cfg    Config
	reader *kafkago.Reader
}

// NewReader creates a group-managed reader over every partition of the topic.
func NewReader(cfg Config) (*Reader, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: defaultMinBytes,
		MaxBytes: defaultMaxBytes,
	})
	return &Reader{cfg: cfg, reader: r}, nil
}

// NewPartitionReader creates a reader pinned to one partition, resuming after
// the given 1-indexed offset. Offset 0 starts at the beginning of the
// partition.
func NewPartitionReader(cfg Config, partition int32, after int64) (*Reader, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if after < 0 {
		return nil, fmt.Errorf("kafka: invalid resume offset %d", after)
	}
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:   cfg.Brokers,
		Topic:     cfg.Topic,
		Partition: int(partition),
		MinBytes:  defaultMinBytes,
		MaxBytes:  defaultMaxBytes,
	})
	// The last processed 1-indexed offset equals the next broker offset.
	if err := r.SetOffset(after); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("kafka: seek partition %d to %d: %w", partition, after, err)
	}
	return &Reader{cfg: cfg, reader: r}, nil
}

// Fetch blocks until at least one message arrives, then drains whatever else
// shows up within the linger window, up to the batch cap.
func (r *Reader) Fetch(ctx context.Context) ([]*sourcets.RawEvent, error) {
	msg, err := r.reader.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}
	out := []*sourcets.RawEvent{toRawEvent(msg)}

	maxBatch := r.cfg.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatchSize
	}
	linger := r.cfg.BatchLinger
	if linger <= 0 {
		linger = defaultBatchLinger
	}

	drainCtx, cancel := context.WithTimeout(ctx, linger)
	defer cancel()
	for len(out) < maxBatch {
		msg, err := r.reader.ReadMessage(drainCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			return nil, err
		}
		out = append(out, toRawEvent(msg))
	}
	return out, nil
}

// Close releases the underlying reader.
func (r *Reader) Close() error {
	return r.reader.Close()
}

func toRawEvent(msg kafkago.Message) *sourcets.RawEvent {
	ev := &sourcets.RawEvent{
		Partition: sourcets.KafkaPartition(int32(msg.Partition)),
		Offset:    msg.Offset + 1,
		Payload:   msg.Value,
		Key:       msg.Key,
	}
	if !msg.Time.IsZero() {
		t := msg.Time.UTC()
		ev.UpstreamTime = &t
	}
	return ev
}
