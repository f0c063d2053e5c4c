// Package assign maps accepted events to monotonically non-decreasing logical
// timestamps per source. Time advances in buckets of a configured frequency;
// a bucket only closes once every partition known to the source has produced
// a message at or beyond it, so a closed bucket is a watermark: no
// later-delivered message from any partition can be assigned a timestamp at
// or below it.
package assign

import (
	"fmt"
	"sync"

	"github.com/riversql/riversql/packages/ingest-go/pkg/sourcets"
)

// AssignedTimestamp is a logical, downstream-visible timestamp. It is
// monotonically non-decreasing per source and never reused for two logically
// distinct batches once advanced.
type AssignedTimestamp uint64

// String returns the decimal representation.
func (t AssignedTimestamp) String() string {
	return fmt.Sprintf("%d", uint64(t))
}

// Kind discriminates the assigner variants.
type Kind int

const (
	// KindPartitioned reconciles buckets across all known partitions.
	KindPartitioned Kind = iota
	// KindLocal bypasses multi-partition reconciliation and assigns a
	// process-local monotonically increasing timestamp directly. Used for
	// Local/Log sources.
	KindLocal
)

// partitionProgress tracks one partition's high offset and the bucket it has
// reached.
type partitionProgress struct {
	id         sourcets.PartitionID
	highOffset int64
	reached    AssignedTimestamp
}

// Assigner assigns timestamps for one source. Partitions of the source may be
// consumed concurrently; the assigner is the one piece of state they share,
// and it serializes internally.
type Assigner struct {
	mu sync.Mutex

	kind      Kind
	frequency uint64

	// bucket is the currently open bucket.
	bucket AssignedTimestamp
	// closed is the highest fully closed bucket (the watermark); 0 means no
	// bucket has closed yet.
	closed AssignedTimestamp

	parts map[string]*partitionProgress

	// counter backs KindLocal.
	counter uint64
}

// NewAssigner creates a partitioned assigner with the given timestamp
// frequency (the bucket width). Frequency must be positive.
func NewAssigner(frequency uint64) (*Assigner, error) {
	if frequency == 0 {
		return nil, fmt.Errorf("timestamp frequency must be positive")
	}
	return &Assigner{
		kind:      KindPartitioned,
		frequency: frequency,
		bucket:    AssignedTimestamp(frequency),
		parts:     make(map[string]*partitionProgress),
	}, nil
}

// NewLocalAssigner creates an assigner for Local/Log sources.
func NewLocalAssigner() *Assigner {
	return &Assigner{kind: KindLocal}
}

// AddPartition registers a partition the source is known to have, so bucket
// advancement waits for it even before its first message arrives.
func (a *Assigner) AddPartition(p sourcets.PartitionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addPartitionLocked(p)
}

func (a *Assigner) addPartitionLocked(p sourcets.PartitionID) *partitionProgress {
	canon := p.String()
	prog, ok := a.parts[canon]
	if !ok {
		prog = &partitionProgress{id: p}
		a.parts[canon] = prog
	}
	return prog
}

// Assign assigns the current bucket to a message at (partition, offset) and
// advances the bucket when every known partition has reached it. A partition
// that stalls stalls advancement for the whole source; that is a deliberate
// consistency tradeoff, not a bug.
func (a *Assigner) Assign(p sourcets.PartitionID, offset int64) (AssignedTimestamp, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.kind == KindLocal {
		a.counter++
		return AssignedTimestamp(a.counter), nil
	}

	if offset < 1 {
		return 0, fmt.Errorf("invalid offset %d for partition %s (offsets are 1-indexed)", offset, p)
	}

	prog := a.addPartitionLocked(p)
	if offset > prog.highOffset {
		prog.highOffset = offset
	}
	if prog.reached < a.bucket {
		prog.reached = a.bucket
	}

	ts := a.bucket
	a.maybeAdvanceLocked()
	return ts, nil
}

// maybeAdvanceLocked closes the current bucket when every known partition has
// reached it.
func (a *Assigner) maybeAdvanceLocked() {
	if len(a.parts) == 0 {
		return
	}
	for _, prog := range a.parts {
		if prog.reached < a.bucket {
			return
		}
	}
	a.closed = a.bucket
	a.bucket += AssignedTimestamp(a.frequency)
}

// Watermark returns the highest fully closed bucket. Downstream snapshot
// queries at or below the watermark will never see new data appear.
func (a *Assigner) Watermark() AssignedTimestamp {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.kind == KindLocal {
		return AssignedTimestamp(a.counter)
	}
	return a.closed
}

// HighOffset returns the highest offset seen for a partition.
func (a *Assigner) HighOffset(p sourcets.PartitionID) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prog, ok := a.parts[p.String()]
	if !ok {
		return 0, false
	}
	return prog.highOffset, true
}

// PartitionCount returns the number of known partitions.
func (a *Assigner) PartitionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.parts)
}

// PartitionSnapshot is the serializable progress of one partition.
type PartitionSnapshot struct {
	Partition  string `json:"partition"`
	HighOffset int64  `json:"high_offset"`
	Reached    uint64 `json:"reached"`
}

// Snapshot is the serializable form of the assigner's state.
type Snapshot struct {
	Kind       Kind                `json:"kind"`
	Frequency  uint64              `json:"frequency,omitempty"`
	Bucket     uint64              `json:"bucket,omitempty"`
	Closed     uint64              `json:"closed,omitempty"`
	Counter    uint64              `json:"counter,omitempty"`
	Partitions []PartitionSnapshot `json:"partitions,omitempty"`
}

// Checkpoint captures the assigner's state, including the watermark that the
// synchronized source checkpoint persists.
func (a *Assigner) Checkpoint() *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := &Snapshot{
		Kind:      a.kind,
		Frequency: a.frequency,
		Bucket:    uint64(a.bucket),
		Closed:    uint64(a.closed),
		Counter:   a.counter,
	}
	for _, prog := range a.parts {
		snap.Partitions = append(snap.Partitions, PartitionSnapshot{
			Partition:  prog.id.String(),
			HighOffset: prog.highOffset,
			Reached:    uint64(prog.reached),
		})
	}
	return snap
}

// RestoreAssigner rebuilds an assigner from a checkpointed snapshot.
func RestoreAssigner(snap *Snapshot) (*Assigner, error) {
	switch snap.Kind {
	case KindLocal:
		a := NewLocalAssigner()
		a.counter = snap.Counter
		return a, nil
	case KindPartitioned:
		a, err := NewAssigner(snap.Frequency)
		if err != nil {
			return nil, err
		}
		a.bucket = AssignedTimestamp(snap.Bucket)
		a.closed = AssignedTimestamp(snap.Closed)
		for _, ps := range snap.Partitions {
			p, err := sourcets.ParsePartition(ps.Partition)
			if err != nil {
				return nil, err
			}
			a.parts[ps.Partition] = &partitionProgress{
				id:         p,
				highOffset: ps.HighOffset,
				reached:    AssignedTimestamp(ps.Reached),
			}
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown assigner kind %d", snap.Kind)
	}
}
