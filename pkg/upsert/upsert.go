// Package upsert maintains latest-value-per-key state for sources with
// upsert or flattened semantics. Each message fully replaces (or deletes) the
// row identified by its key; the keeper turns that into the row deltas the
// rest of the pipeline understands.
package upsert

import (
	"encoding/base64"
	"sync"

	"github.com/riversql/riversql/packages/ingest-go/pkg/envelope"
	"github.com/riversql/riversql/packages/ingest-go/pkg/sourcets"
)

// Keeper holds the current value (or absence) per key for one upsert source.
// Its lifetime equals the source's lifetime, and it is mutated only through
// Apply. Concurrent partitions of the source serialize on the internal lock.
type Keeper struct {
	mu    sync.Mutex
	state map[string]envelope.Row
}

// NewKeeper creates an empty keeper.
func NewKeeper() *Keeper {
	return &Keeper{state: make(map[string]envelope.Row)}
}

// Apply replaces the stored state for key with the new value (nil = tombstone)
// and returns the deltas relative to the prior value:
//
//	no prior + value     → insert
//	prior + new value    → retract prior, insert new
//	prior + tombstone    → retract prior (delete)
//	no prior + tombstone → nothing (already absent)
func (k *Keeper) Apply(key []byte, value envelope.Row, pos sourcets.SourceTimestamp) []envelope.RowDelta {
	k.mu.Lock()
	defer k.mu.Unlock()

	canon := string(key)
	prior, had := k.state[canon]

	var deltas []envelope.RowDelta
	if had {
		deltas = append(deltas, envelope.RowDelta{Kind: envelope.DeltaRetract, Row: prior, Position: pos})
	}
	if value != nil {
		deltas = append(deltas, envelope.RowDelta{Kind: envelope.DeltaInsert, Row: value, Position: pos})
		k.state[canon] = value
	} else {
		delete(k.state, canon)
	}
	return deltas
}

// Get returns the current value for key, if present.
func (k *Keeper) Get(key []byte) (envelope.Row, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	row, ok := k.state[string(key)]
	return row, ok
}

// Len returns the number of live keys.
func (k *Keeper) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.state)
}

// Snapshot is the serializable form of the keeper's state. Keys are
// base64-encoded since message keys are arbitrary bytes.
type Snapshot map[string]envelope.Row

// Checkpoint captures the keeper's state.
func (k *Keeper) Checkpoint() Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()

	snap := make(Snapshot, len(k.state))
	for key, row := range k.state {
		snap[base64.StdEncoding.EncodeToString([]byte(key))] = row
	}
	return snap
}

// RestoreKeeper rebuilds a keeper from a checkpointed snapshot.
func RestoreKeeper(snap Snapshot) (*Keeper, error) {
	k := NewKeeper()
	for enc, row := range snap {
		key, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, err
		}
		k.state[string(key)] = row
	}
	return k, nil
}
