// Package config provides configuration loading from environment variables
// for the ingest service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/riversql/riversql/packages/ingest-go/pkg/envelope"
)

// Config holds all service configuration loaded from environment variables.
type Config struct {
	// Brokers is the list of Kafka bootstrap brokers (required).
	Brokers []string

	// Topic is the Kafka topic carrying the source's change events (required).
	Topic string

	// GroupID is the Kafka consumer group (default: "riversql-ingest").
	GroupID string

	// TxTopic is the transaction metadata topic (optional, empty means the
	// source does not buffer transactions).
	TxTopic string

	// SourceID is the stable source identifier used for checkpoints
	// (optional, generated when empty).
	SourceID string

	// Envelope is the payload envelope: "none", "upsert" or "debezium"
	// (default: "debezium").
	Envelope string

	// DedupMode is the Debezium dedup strategy: "none", "ordered", "full" or
	// "full_in_range" (default: "ordered").
	DedupMode string

	// SourceFlavor is the upstream connector flavor: "mysql", "postgres" or
	// "sqlserver" (default: "postgres").
	SourceFlavor string

	// DedupStart and DedupEnd bound the full_in_range tracking window
	// (RFC 3339). DedupPadStart optionally extends the window's tracking
	// start earlier than DedupStart.
	DedupPadStart time.Time
	DedupStart    time.Time
	DedupEnd      time.Time

	// TimestampFrequency is the assigned-timestamp bucket width (default: 1000).
	TimestampFrequency uint64

	// CheckpointBackend selects checkpoint storage: "memory", "sqlite" or
	// "postgres" (default: "sqlite").
	CheckpointBackend string

	// CheckpointPath is the SQLite database path (default: "./ingest_data/checkpoints.db").
	CheckpointPath string

	// DatabaseURL is the PostgreSQL connection string for the postgres
	// checkpoint backend (required only for that backend).
	DatabaseURL string

	// CheckpointInterval is how often checkpoints are written (default: 10s).
	CheckpointInterval time.Duration

	// MetricsPort is the Prometheus metrics port (default: 9090).
	MetricsPort int
}

// Default values for configuration.
const (
	DefaultGroupID              = "riversql-ingest"
	DefaultEnvelope             = "debezium"
	DefaultDedupMode            = "ordered"
	DefaultSourceFlavor         = "postgres"
	DefaultTimestampFrequency   = 1000
	DefaultCheckpointBackend    = "sqlite"
	DefaultCheckpointPath       = "./ingest_data/checkpoints.db"
	DefaultCheckpointIntervalMs = 10000
	DefaultMetricsPort          = 9090
)

// Environment variable names.
const (
	EnvBrokers            = "KAFKA_BROKERS"
	EnvTopic              = "KAFKA_TOPIC"
	EnvGroupID            = "KAFKA_GROUP_ID"
	EnvTxTopic            = "INGEST_TX_TOPIC"
	EnvSourceID           = "INGEST_SOURCE_ID"
	EnvEnvelope           = "INGEST_ENVELOPE"
	EnvDedupMode          = "INGEST_DEDUP_MODE"
	EnvSourceFlavor       = "INGEST_SOURCE_FLAVOR"
	EnvDedupPadStart      = "INGEST_DEDUP_PAD_START"
	EnvDedupStart         = "INGEST_DEDUP_START"
	EnvDedupEnd           = "INGEST_DEDUP_END"
	EnvTimestampFrequency = "INGEST_TS_FREQUENCY"
	EnvCheckpointBackend  = "INGEST_CHECKPOINT_BACKEND"
	EnvCheckpointPath     = "INGEST_CHECKPOINT_PATH"
	EnvDatabaseURL        = "DATABASE_URL"
	EnvCheckpointInterval = "INGEST_CHECKPOINT_INTERVAL"
	EnvMetricsPort        = "INGEST_METRICS_PORT"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error: %s: %s", e.Field, e.Message)
}

// Load reads configuration from environment variables with sensible defaults.
// It returns an error if validation fails.
func Load() (*Config, error) {
	cfg := &Config{
		Topic:              os.Getenv(EnvTopic),
		GroupID:            DefaultGroupID,
		TxTopic:            os.Getenv(EnvTxTopic),
		SourceID:           os.Getenv(EnvSourceID),
		Envelope:           DefaultEnvelope,
		DedupMode:          DefaultDedupMode,
		SourceFlavor:       DefaultSourceFlavor,
		TimestampFrequency: DefaultTimestampFrequency,
		CheckpointBackend:  DefaultCheckpointBackend,
		CheckpointPath:     DefaultCheckpointPath,
		DatabaseURL:        os.Getenv(EnvDatabaseURL),
		CheckpointInterval: time.Duration(DefaultCheckpointIntervalMs) * time.Millisecond,
		MetricsPort:        DefaultMetricsPort,
	}

	// Parse Brokers (comma-separated)
	if val := os.Getenv(EnvBrokers); val != "" {
		for _, b := range strings.Split(val, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Brokers = append(cfg.Brokers, b)
			}
		}
	}

	// Parse GroupID
	if val := os.Getenv(EnvGroupID); val != "" {
		cfg.GroupID = val
	}

	// Parse Envelope
	if val := os.Getenv(EnvEnvelope); val != "" {
		cfg.Envelope = val
	}

	// Parse DedupMode
	if val := os.Getenv(EnvDedupMode); val != "" {
		cfg.DedupMode = val
	}

	// Parse SourceFlavor
	if val := os.Getenv(EnvSourceFlavor); val != "" {
		cfg.SourceFlavor = val
	}

	// Parse dedup window bounds (RFC 3339)
	for _, f := range []struct {
		env  string
		dest *time.Time
	}{
		{EnvDedupPadStart, &cfg.DedupPadStart},
		{EnvDedupStart, &cfg.DedupStart},
		{EnvDedupEnd, &cfg.DedupEnd},
	} {
		if val := os.Getenv(f.env); val != "" {
			t, err := time.Parse(time.RFC3339, val)
			if err != nil {
				return nil, &ValidationError{Field: f.env, Message: "must be an RFC 3339 timestamp"}
			}
			*f.dest = t.UTC()
		}
	}

	// Parse TimestampFrequency
	if val := os.Getenv(EnvTimestampFrequency); val != "" {
		freq, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return nil, &ValidationError{Field: EnvTimestampFrequency, Message: "must be a valid unsigned integer"}
		}
		cfg.TimestampFrequency = freq
	}

	// Parse CheckpointBackend
	if val := os.Getenv(EnvCheckpointBackend); val != "" {
		cfg.CheckpointBackend = val
	}

	// Parse CheckpointPath
	if val := os.Getenv(EnvCheckpointPath); val != "" {
		cfg.CheckpointPath = val
	}

	// Parse CheckpointInterval (in milliseconds)
	if val := os.Getenv(EnvCheckpointInterval); val != "" {
		ms, err := strconv.Atoi(val)
		if err != nil {
			return nil, &ValidationError{Field: EnvCheckpointInterval, Message: "must be a valid integer"}
		}
		cfg.CheckpointInterval = time.Duration(ms) * time.Millisecond
	}

	// Parse MetricsPort
	if val := os.Getenv(EnvMetricsPort); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return nil, &ValidationError{Field: EnvMetricsPort, Message: "must be a valid integer"}
		}
		cfg.MetricsPort = port
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
// It returns every validation error encountered, joined.
func (c *Config) Validate() error {
	var errs []error

	// KAFKA_BROKERS is required
	if len(c.Brokers) == 0 {
		errs = append(errs, &ValidationError{Field: EnvBrokers, Message: "is required"})
	}

	// KAFKA_TOPIC is required
	if c.Topic == "" {
		errs = append(errs, &ValidationError{Field: EnvTopic, Message: "is required"})
	}

	switch c.Envelope {
	case "none", "upsert", "debezium":
	default:
		errs = append(errs, &ValidationError{Field: EnvEnvelope, Message: "must be one of none, upsert, debezium"})
	}

	switch c.DedupMode {
	case "none", "ordered", "full", "full_in_range":
	default:
		errs = append(errs, &ValidationError{Field: EnvDedupMode, Message: "must be one of none, ordered, full, full_in_range"})
	}

	switch c.SourceFlavor {
	case "mysql", "postgres", "sqlserver":
	default:
		errs = append(errs, &ValidationError{Field: EnvSourceFlavor, Message: "must be one of mysql, postgres, sqlserver"})
	}

	// full_in_range needs its window bounds
	if c.DedupMode == "full_in_range" {
		if c.DedupStart.IsZero() || c.DedupEnd.IsZero() {
			errs = append(errs, &ValidationError{Field: EnvDedupStart, Message: "start and end are required for full_in_range"})
		} else if !c.DedupStart.Before(c.DedupEnd) {
			errs = append(errs, &ValidationError{Field: EnvDedupEnd, Message: "must be after " + EnvDedupStart})
		}
		if !c.DedupPadStart.IsZero() && c.DedupPadStart.After(c.DedupStart) {
			errs = append(errs, &ValidationError{Field: EnvDedupPadStart, Message: "must not be after " + EnvDedupStart})
		}
	}

	// TimestampFrequency must be positive
	if c.TimestampFrequency == 0 {
		errs = append(errs, &ValidationError{Field: EnvTimestampFrequency, Message: "must be positive"})
	}

	switch c.CheckpointBackend {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, &ValidationError{Field: EnvCheckpointBackend, Message: "must be one of memory, sqlite, postgres"})
	}

	// SQLite backend needs a path
	if c.CheckpointBackend == "sqlite" && c.CheckpointPath == "" {
		errs = append(errs, &ValidationError{Field: EnvCheckpointPath, Message: "must not be empty"})
	}

	// Postgres backend needs a connection string
	if c.CheckpointBackend == "postgres" && c.DatabaseURL == "" {
		errs = append(errs, &ValidationError{Field: EnvDatabaseURL, Message: "is required for the postgres checkpoint backend"})
	}

	// CheckpointInterval must be positive
	if c.CheckpointInterval <= 0 {
		errs = append(errs, &ValidationError{Field: EnvCheckpointInterval, Message: "must be positive"})
	}

	// MetricsPort must be valid (1-65535)
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		errs = append(errs, &ValidationError{Field: EnvMetricsPort, Message: "must be between 1 and 65535"})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// SourceEnvelope builds the envelope configuration this service ingests with.
// The Debezium projection uses the connector's standard payload layout.
func (c *Config) SourceEnvelope() (envelope.SourceEnvelope, error) {
	env := envelope.SourceEnvelope{
		BeforeIdx: 0,
		AfterIdx:  1,
	}

	switch c.Envelope {
	case "none":
		env.Kind = envelope.KindNone
		return env, nil
	case "upsert":
		env.Kind = envelope.KindUpsert
		env.Upsert = &envelope.UpsertStyle{Kind: envelope.UpsertDefault}
		return env, nil
	case "debezium":
		env.Kind = envelope.KindDebezium
	default:
		return env, &ValidationError{Field: EnvEnvelope, Message: "unknown envelope " + c.Envelope}
	}

	var flavor envelope.SourceFlavor
	switch c.SourceFlavor {
	case "mysql":
		flavor = envelope.FlavorMySQL
	case "postgres":
		flavor = envelope.FlavorPostgres
	case "sqlserver":
		flavor = envelope.FlavorSQLServer
	}

	mode := &envelope.DebeziumMode{}
	switch c.DedupMode {
	case "none":
		mode.Kind = envelope.ModeNone
	case "ordered":
		mode.Kind = envelope.ModeOrdered
	case "full":
		mode.Kind = envelope.ModeFull
	case "full_in_range":
		mode.Kind = envelope.ModeFullInRange
		mode.PadStart = c.DedupPadStart
		mode.Start = c.DedupStart
		mode.End = c.DedupEnd
		if mode.PadStart.IsZero() {
			mode.PadStart = c.DedupStart
		}
	}

	proj := &envelope.DebeziumDedupProjection{
		SourceIdx:   2,
		SnapshotIdx: 3,
		SourceProjection: envelope.SourceProjection{
			Flavor:      flavor,
			HasSequence: flavor == envelope.FlavorPostgres,
		},
		TransactionIdx: -1,
		TotalOrderIdx:  -1,
	}
	if c.TxTopic != "" {
		proj.TransactionIdx = 4
		proj.TotalOrderIdx = 5
		proj.TxMetadata = &envelope.TxMetadata{
			StatusIdx:          0,
			IDIdx:              1,
			EventCountIdx:      2,
			DataCollectionsIdx: 3,
			DataCollectionName: c.Topic,
		}
	}
	mode.Projection = proj
	env.Mode = mode

	return env, nil
}
