package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_SingleChunkBelowTarget(t *testing.T) {
	data := []byte("hello world")
	chunks, err := Split(data, "audio.bin", DefaultOptions(1024))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(0), chunks[0].Start)
	assert.Equal(t, int64(len(data)), chunks[0].End)
}

func TestSplit_FixedOverlap(t *testing.T) {
	data := strings.Repeat("x", 1000)
	opts := Options{TargetChunkSize: 300, OverlapFraction: 0.05, OverlapCapBytes: 50 * 1024}
	chunks, err := Split([]byte(data), "audio.bin", opts)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for i := 1; i < len(chunks); i++ {
		assert.Less(t, chunks[i].Start, chunks[i-1].End, "chunk %d should overlap the previous chunk's tail", i)
	}
	assert.Equal(t, int64(len(data)), chunks[len(chunks)-1].End)
}

func TestSplit_OverlapClampedToHalfTarget(t *testing.T) {
	opts := Options{TargetChunkSize: 100, OverlapFraction: 0.9, OverlapCapBytes: 1000}
	assert.Equal(t, int64(50), opts.overlapBytes())
}

func TestSplit_EmptyInput(t *testing.T) {
	chunks, err := Split(nil, "audio.bin", DefaultOptions(1024))
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSplitWAV_AlignsOnBlockBoundary(t *testing.T) {
	wav := buildWAV(t, 2, 2, 1000) // stereo, 16-bit -> blockAlign 4
	chunks, ok := splitWAV(wav, Options{TargetChunkSize: 101, OverlapFraction: 0, OverlapCapBytes: 0})
	require.True(t, ok)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.True(t, c.IsPlayable)
	}
}

// buildWAV constructs a minimal canonical-header WAV buffer for tests.
func buildWAV(t *testing.T, channels, bytesPerSample uint16, numSamples int) []byte {
	t.Helper()
	blockAlign := channels * bytesPerSample
	dataSize := uint32(numSamples) * uint32(blockAlign)

	buf := make([]byte, 44+int(dataSize))
	copy(buf[0:4], "RIFF")
	putLE32(buf[4:8], 36+dataSize)
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	putLE32(buf[16:20], 16)
	putLE16(buf[20:22], 1) // PCM
	putLE16(buf[22:24], channels)
	putLE32(buf[24:28], 44100)
	putLE32(buf[28:32], 44100*uint32(blockAlign))
	putLE16(buf[32:34], blockAlign)
	putLE16(buf[34:36], bytesPerSample*8)
	copy(buf[36:40], "data")
	putLE32(buf[40:44], dataSize)
	return buf
}

func putLE16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
