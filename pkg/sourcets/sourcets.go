// Package sourcets provides the SourceTimestamp type that uniquely identifies a
// position in an upstream source's stream. The timestamp combines a partition
// identifier (numeric for partitioned brokers, None for partitionless sources)
// with a 1-indexed offset within that partition.
package sourcets

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PartitionKind discriminates the partition variants of a source.
type PartitionKind int

const (
	// PartitionNone is used for sources without partitions (object-storage
	// listings, push-subscription feeds, local logs).
	PartitionNone PartitionKind = iota
	// PartitionKafka is a numeric partition of a log-structured broker.
	PartitionKafka
)

// PartitionID identifies a partition of an upstream source.
// The zero value is the None partition.
type PartitionID struct {
	kind      PartitionKind
	partition int32
}

// NonePartition returns the partition ID for partitionless sources.
func NonePartition() PartitionID {
	return PartitionID{kind: PartitionNone}
}

// KafkaPartition returns the partition ID for a numeric broker partition.
func KafkaPartition(p int32) PartitionID {
	return PartitionID{kind: PartitionKafka, partition: p}
}

// Kind returns the partition variant.
func (p PartitionID) Kind() PartitionKind {
	return p.kind
}

// IsNone reports whether this is the None partition.
func (p PartitionID) IsNone() bool {
	return p.kind == PartitionNone
}

// Kafka returns the numeric partition and true when the variant is Kafka.
func (p PartitionID) Kafka() (int32, bool) {
	if p.kind != PartitionKafka {
		return 0, false
	}
	return p.partition, true
}

// Compare compares two PartitionIDs. None sorts before all Kafka partitions;
// Kafka partitions sort numerically.
// Returns:
//
//	-1 if p < other
//	 0 if p == other
//	 1 if p > other
func (p PartitionID) Compare(other PartitionID) int {
	if p.kind != other.kind {
		if p.kind == PartitionNone {
			return -1
		}
		return 1
	}
	if p.partition < other.partition {
		return -1
	}
	if p.partition > other.partition {
		return 1
	}
	return 0
}

// String returns the string representation of the PartitionID.
//
// Format:
//   - None → "none"
//   - Kafka → decimal partition number, e.g. "3"
func (p PartitionID) String() string {
	if p.kind == PartitionNone {
		return "none"
	}
	return strconv.FormatInt(int64(p.partition), 10)
}

// ParsePartition parses a string representation of a PartitionID.
func ParsePartition(s string) (PartitionID, error) {
	if s == "" {
		return PartitionID{}, fmt.Errorf("empty partition string")
	}
	if s == "none" {
		return NonePartition(), nil
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return PartitionID{}, fmt.Errorf("invalid partition %q: %w", s, err)
	}
	if n < 0 {
		return PartitionID{}, fmt.Errorf("invalid partition %q: must be >= 0", s)
	}
	return KafkaPartition(int32(n)), nil
}

// SourceTimestamp uniquely identifies a message inside one source.
// Offsets are 1-indexed and monotonically increasing within a partition;
// offset 0 means "before the first message" and is only valid as a resume
// position.
//
// Format: "{partition}_{offset}"
type SourceTimestamp struct {
	// Partition is the partition this offset belongs to.
	Partition PartitionID

	// Offset is the 1-indexed position within the partition.
	Offset int64
}

// Start is the resume position before the first message of a partition.
func Start(p PartitionID) SourceTimestamp {
	return SourceTimestamp{Partition: p, Offset: 0}
}

// New creates a new SourceTimestamp and validates the offset.
func New(p PartitionID, offset int64) (SourceTimestamp, error) {
	if offset < 0 {
		return SourceTimestamp{}, fmt.Errorf("invalid offset: %d (must be >= 0)", offset)
	}
	return SourceTimestamp{Partition: p, Offset: offset}, nil
}

// MustNew creates a new SourceTimestamp and panics if the offset is invalid.
// Use this only for known-good values in initialization.
func MustNew(p PartitionID, offset int64) SourceTimestamp {
	ts, err := New(p, offset)
	if err != nil {
		panic(err)
	}
	return ts
}

// Parse parses a string representation of a SourceTimestamp.
//
// Valid formats:
//   - "{partition}_{offset}" → e.g. "3_42"
//   - "none_{offset}" → partitionless source
func Parse(s string) (SourceTimestamp, error) {
	if s == "" {
		return SourceTimestamp{}, fmt.Errorf("empty source timestamp string")
	}

	parts := strings.Split(s, "_")
	if len(parts) != 2 {
		return SourceTimestamp{}, fmt.Errorf("invalid source timestamp format: %q (expected partition_offset)", s)
	}

	p, err := ParsePartition(parts[0])
	if err != nil {
		return SourceTimestamp{}, fmt.Errorf("invalid partition in %q: %w", s, err)
	}

	offset, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return SourceTimestamp{}, fmt.Errorf("invalid offset in %q: %w", s, err)
	}

	return New(p, offset)
}

// String returns the string representation of the SourceTimestamp.
func (t SourceTimestamp) String() string {
	return fmt.Sprintf("%s_%d", t.Partition, t.Offset)
}

// Compare compares two SourceTimestamps lexicographically by (partition, offset).
// Comparing offsets across partitions is only meaningful for equality of
// position tuples; ordering within one partition is what the pipeline relies on.
func (t SourceTimestamp) Compare(other SourceTimestamp) int {
	if c := t.Partition.Compare(other.Partition); c != 0 {
		return c
	}
	if t.Offset < other.Offset {
		return -1
	}
	if t.Offset > other.Offset {
		return 1
	}
	return 0
}

// Before returns true if t is strictly before other.
func (t SourceTimestamp) Before(other SourceTimestamp) bool {
	return t.Compare(other) < 0
}

// After returns true if t is strictly after other.
func (t SourceTimestamp) After(other SourceTimestamp) bool {
	return t.Compare(other) > 0
}

// Equal returns true if t equals other.
func (t SourceTimestamp) Equal(other SourceTimestamp) bool {
	return t.Compare(other) == 0
}

// RawEvent is one message as delivered by a connector. It is immutable once
// constructed; the pipeline stage processing it owns it until it is handed to
// the next stage.
type RawEvent struct {
	// Partition identifies the partition this event was read from.
	Partition PartitionID

	// Offset is the 1-indexed position of the event within its partition.
	Offset int64

	// Payload is the opaque message body.
	Payload []byte

	// Key is the opaque message key, when the upstream carries one.
	Key []byte

	// UpstreamTime is the producer-supplied timestamp, when present.
	UpstreamTime *time.Time
}

// Timestamp returns the event's position as a SourceTimestamp.
func (e *RawEvent) Timestamp() SourceTimestamp {
	return SourceTimestamp{Partition: e.Partition, Offset: e.Offset}
}

// Validate checks that the event carries a well-formed position.
// Connectors must deliver 1-indexed offsets.
func (e *RawEvent) Validate() error {
	if e.Offset < 1 {
		return fmt.Errorf("invalid raw event offset: %d (offsets are 1-indexed)", e.Offset)
	}
	return nil
}
