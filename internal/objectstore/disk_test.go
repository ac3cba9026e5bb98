package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	key := ChunkKey("parent-1", 0, "mp3")
	require.NoError(t, s.Put(ctx, key, []byte("chunk bytes")))

	has, err := s.Has(ctx, key)
	require.NoError(t, err)
	assert.True(t, has)

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "chunk bytes", string(data))

	require.NoError(t, s.Delete(ctx, key))
	has, err = s.Has(ctx, key)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestDiskStore_GetMissingReturnsErrNotFound(t *testing.T) {
	s, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), ChunkKey("nope", 0, "mp3"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChunkKey_Layout(t *testing.T) {
	assert.Equal(t, "uploads/p1/chunk.3.wav", ChunkKey("p1", 3, "wav"))
	assert.Equal(t, "debug/p1/chunk.3.wav", DebugChunkKey("p1", 3, "wav"))
}
