// Package main provides the entry point for the ingest service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/riversql/riversql/packages/ingest-go/pkg/assign"
	"github.com/riversql/riversql/packages/ingest-go/pkg/checkpoint"
	"github.com/riversql/riversql/packages/ingest-go/pkg/checkpoint/memory"
	"github.com/riversql/riversql/packages/ingest-go/pkg/checkpoint/postgres"
	"github.com/riversql/riversql/packages/ingest-go/pkg/checkpoint/sqlite"
	"github.com/riversql/riversql/packages/ingest-go/pkg/config"
	"github.com/riversql/riversql/packages/ingest-go/pkg/connector/kafka"
	"github.com/riversql/riversql/packages/ingest-go/pkg/envelope"
	"github.com/riversql/riversql/packages/ingest-go/pkg/metrics"
	"github.com/riversql/riversql/packages/ingest-go/pkg/pipeline"
)

var rootCmd = &cobra.Command{
	Use:          "ingestd",
	Short:        "Ingest change events from Kafka into timestamped row deltas",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// run executes the main service logic and returns any error.
// This is separated from main() to facilitate testing.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	env, err := cfg.SourceEnvelope()
	if err != nil {
		return fmt.Errorf("invalid envelope config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics.Init(strconv.Itoa(cfg.MetricsPort))

	store, err := openCheckpointStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer store.Close()

	src, err := pipeline.ResumeSource(ctx, pipeline.SourceConfig{
		ID:                 cfg.SourceID,
		Envelope:           env,
		TimestampFrequency: cfg.TimestampFrequency,
	}, store)
	if err != nil {
		return fmt.Errorf("failed to resume source: %w", err)
	}

	reader, err := kafka.NewReader(kafka.Config{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
	if err != nil {
		return err
	}
	defer reader.Close()

	sink := json.NewEncoder(os.Stdout)

	if cfg.TxTopic != "" {
		txReader, err := kafka.NewReader(kafka.Config{
			Brokers: cfg.Brokers,
			Topic:   cfg.TxTopic,
			GroupID: cfg.GroupID + "-tx",
		})
		if err != nil {
			return err
		}
		defer txReader.Close()
		go consumeTransactionMeta(ctx, txReader, src, sink)
	}

	log.Printf("ingest service starting source=%s topic=%s group=%s", src.ID(), cfg.Topic, cfg.GroupID)

	lastCheckpoint := time.Now()
	for {
		events, err := reader.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			return fmt.Errorf("fetch error: %w", err)
		}

		deltas, err := src.ProcessBatch(ctx, events)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			return fmt.Errorf("process error: %w", err)
		}
		emit(sink, deltas)

		if time.Since(lastCheckpoint) >= cfg.CheckpointInterval {
			if err := src.SaveCheckpoint(ctx, store); err != nil {
				return fmt.Errorf("checkpoint error: %w", err)
			}
			lastCheckpoint = time.Now()
		}
	}

	log.Println("Shutting down...")

	// Flush buffered transactions best-effort and persist the final state.
	emit(sink, src.Drop())
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := src.SaveCheckpoint(shutdownCtx, store); err != nil {
		log.Printf("Final checkpoint error: %v", err)
	}

	log.Printf("Service stopped consistency=%s watermark=%s", src.Consistency(), src.Watermark())
	return nil
}

// openCheckpointStore builds the configured checkpoint backend.
func openCheckpointStore(ctx context.Context, cfg *config.Config) (checkpoint.Store, error) {
	switch cfg.CheckpointBackend {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.Open(cfg.CheckpointPath)
	case "postgres":
		return postgres.Open(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.CheckpointBackend)
	}
}

// consumeTransactionMeta feeds the transaction metadata topic into the source.
func consumeTransactionMeta(ctx context.Context, reader *kafka.Reader, src *pipeline.Source, sink *json.Encoder) {
	for {
		events, err := reader.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("tx metadata fetch error: %v", err)
			return
		}
		for _, ev := range events {
			deltas, err := src.ProcessTransactionMeta(ev.Payload)
			if err != nil {
				log.Printf("tx metadata error at offset=%d: %v", ev.Offset, err)
				continue
			}
			emit(sink, deltas)
		}
	}
}

// outputDelta is the JSON line written to the sink for each row delta.
type outputDelta struct {
	Timestamp assign.AssignedTimestamp `json:"timestamp"`
	Kind      string                   `json:"kind"`
	Row       envelope.Row             `json:"row,omitempty"`
	Position  string                   `json:"position"`
	Error     string                   `json:"error,omitempty"`
}

// emit writes timestamped deltas as JSON lines. Per-row errors are emitted in
// stream order alongside the data.
func emit(sink *json.Encoder, deltas []pipeline.TimestampedDelta) {
	for _, d := range deltas {
		out := outputDelta{Timestamp: d.Timestamp}
		if d.Err != nil {
			out.Kind = "error"
			out.Position = d.Err.Position.String()
			out.Error = d.Err.Reason
		} else {
			out.Kind = d.Delta.Kind.String()
			out.Row = d.Delta.Row
			out.Position = d.Delta.Position.String()
		}
		if err := sink.Encode(out); err != nil {
			log.Printf("sink error: %v", err)
			return
		}
	}
}
