package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVectorStore(t *testing.T, dims int) *HNSWStore {
	t.Helper()
	s, err := NewHNSWStore(DefaultVectorConfig(dims))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHNSWAddAndSearch(t *testing.T) {
	s := newTestVectorStore(t, 4)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx,
		[]string{"a", "b", "c"},
		[][]float32{
			{1, 0, 0, 0},
			{0, 1, 0, 0},
			{0.9, 0.1, 0, 0},
		}))

	results, err := s.Search(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "c", results[1].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestHNSWReplaceExistingID(t *testing.T) {
	s := newTestVectorStore(t, 4)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []string{"x"}, [][]float32{{1, 0, 0, 0}}))
	require.NoError(t, s.Add(ctx, []string{"x"}, [][]float32{{0, 1, 0, 0}}))

	assert.Equal(t, 1, s.Count())
	assert.Equal(t, 1, s.Orphans(), "replacement orphans the old graph node")

	results, err := s.Search(ctx, []float32{0, 1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "x", results[0].ID)
}

func TestHNSWDeleteIsLazy(t *testing.T) {
	s := newTestVectorStore(t, 4)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx,
		[]string{"keep", "drop"},
		[][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}}))
	require.NoError(t, s.Delete(ctx, []string{"drop"}))

	assert.False(t, s.Contains("drop"))
	assert.Equal(t, 1, s.Count())

	results, err := s.Search(ctx, []float32{0, 1, 0, 0}, 2)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "drop", r.ID, "deleted ids never surface in results")
	}
}

func TestHNSWDimensionMismatch(t *testing.T) {
	s := newTestVectorStore(t, 4)
	ctx := context.Background()

	err := s.Add(ctx, []string{"a"}, [][]float32{{1, 0}})
	require.Error(t, err)
	assert.ErrorAs(t, err, &ErrDimensionMismatch{})

	_, err = s.Search(ctx, []float32{1, 0}, 1)
	require.Error(t, err)
}

func TestHNSWSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.hnsw")
	ctx := context.Background()

	s := newTestVectorStore(t, 4)
	require.NoError(t, s.Add(ctx,
		[]string{"a", "b"},
		[][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}}))
	require.NoError(t, s.Save(path))

	dims, err := SnapshotDimensions(path)
	require.NoError(t, err)
	assert.Equal(t, 4, dims)

	restored, err := NewHNSWStore(DefaultVectorConfig(4))
	require.NoError(t, err)
	t.Cleanup(func() { _ = restored.Close() })
	require.NoError(t, restored.Load(path))

	assert.Equal(t, 2, restored.Count())
	assert.True(t, restored.Contains("a"))

	results, err := restored.Search(ctx, []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestSnapshotDimensionsMissingFile(t *testing.T) {
	dims, err := SnapshotDimensions(filepath.Join(t.TempDir(), "nope.hnsw"))
	require.NoError(t, err)
	assert.Equal(t, 0, dims)
}

func TestHNSWEmptySearch(t *testing.T) {
	s := newTestVectorStore(t, 4)
	results, err := s.Search(context.Background(), []float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}
