// Package sqlite tests
package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riversql/riversql/packages/ingest-go/pkg/assign"
	"github.com/riversql/riversql/packages/ingest-go/pkg/checkpoint"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testCheckpoint(sourceID string, offset int64) *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		SourceID: sourceID,
		Offsets:  map[string]int64{"0": offset},
		Assigner: &assign.Snapshot{Kind: assign.KindPartitioned, Frequency: 1000},
	}
}

func TestStoreSaveLoad(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.Save(ctx, testCheckpoint("src-1", 10)))

	got, err := s.Load(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, "src-1", got.SourceID)
	assert.Equal(t, int64(10), got.Offsets["0"])
}

func TestStoreSaveReplaces(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.Save(ctx, testCheckpoint("src-1", 10)))
	require.NoError(t, s.Save(ctx, testCheckpoint("src-1", 20)))

	got, err := s.Load(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.Offsets["0"])
}

func TestStoreLoadMissing(t *testing.T) {
	s := openStore(t)
	_, err := s.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.Save(ctx, testCheckpoint("src-1", 10)))
	require.NoError(t, s.Delete(ctx, "src-1"))

	_, err := s.Load(ctx, "src-1")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	assert.NoError(t, s.Delete(ctx, "src-1"))
}

func TestStoreList(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.Save(ctx, testCheckpoint("src-2", 2)))
	require.NoError(t, s.Save(ctx, testCheckpoint("src-1", 1)))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"src-1", "src-2"}, ids)
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, testCheckpoint("src-1", 7)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Offsets["0"])
}
