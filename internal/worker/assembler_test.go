package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineChunksOrdersByIndex(t *testing.T) {
	scratch := t.TempDir()
	// Written out of order, as concurrent fetches complete
	require.NoError(t, os.WriteFile(filepath.Join(scratch, ChunkFileName(2)), []byte("CCC"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(scratch, ChunkFileName(0)), []byte("AAA"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(scratch, ChunkFileName(1)), []byte("BBB"), 0o644))

	out := filepath.Join(t.TempDir(), "out.mp3")
	require.NoError(t, CombineChunks(scratch, 3, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "AAABBBCCC", string(data))
}

func TestCombineChunksSkipsMissing(t *testing.T) {
	scratch := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(scratch, ChunkFileName(0)), []byte("AAA"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(scratch, ChunkFileName(2)), []byte("CCC"), 0o644))

	out := filepath.Join(t.TempDir(), "out.mp3")
	require.NoError(t, CombineChunks(scratch, 3, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "AAACCC", string(data))
}

func TestCombineChunksNoneFound(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.mp3")
	err := CombineChunks(t.TempDir(), 3, out)
	assert.ErrorIs(t, err, ErrNoAudioGenerated)

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "failed combine must not leave an output file")
}

func TestChunkFileName(t *testing.T) {
	assert.Equal(t, "0_chunk.mp3", ChunkFileName(0))
	assert.Equal(t, "17_chunk.mp3", ChunkFileName(17))
}
