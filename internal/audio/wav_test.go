package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const time1s = time.Second

func TestReadWAVDecodesPCM16Mono(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mono.wav")
	require.NoError(t, os.WriteFile(path, makePCM16WAV([]int16{0, 16384, -16384, 32767}, 16000, 1), 0o644))

	buf, err := ReadWAV(path)
	require.NoError(t, err)
	require.Equal(t, 16000, buf.SampleRate)
	require.Equal(t, 1, buf.Channels)
	require.Len(t, buf.Samples, 4)
	require.InDelta(t, 0.5, buf.Samples[1], 1e-6)
	require.InDelta(t, -0.5, buf.Samples[2], 1e-6)
}

func TestDecodeWAVDownmixesStereo(t *testing.T) {
	t.Parallel()

	// Two frames: (L=16384, R=0), (L=-16384, R=-16384).
	data := makePCM16WAV([]int16{16384, 0, -16384, -16384}, 8000, 2)

	buf, err := DecodeWAV(data)
	require.NoError(t, err)
	require.Equal(t, 1, buf.Channels)
	require.Len(t, buf.Samples, 2)
	require.InDelta(t, 0.25, buf.Samples[0], 1e-6)
	require.InDelta(t, -0.5, buf.Samples[1], 1e-6)
}

func TestDecodeWAVToleratesPlaceholderDataSize(t *testing.T) {
	t.Parallel()

	data := makePCM16WAV([]int16{1, 2, 3}, 16000, 1)
	binary.LittleEndian.PutUint32(data[40:44], 0xFFFFFFFF)

	buf, err := DecodeWAV(data)
	require.NoError(t, err)
	require.Len(t, buf.Samples, 3)
}

func TestDecodeWAVInvalidPayload(t *testing.T) {
	t.Parallel()

	_, err := DecodeWAV([]byte("hello"))
	require.ErrorIs(t, err, ErrInvalidWAV)

	_, err = DecodeWAV(append([]byte("RIFF\x00\x00\x00\x00WAVE"), make([]byte, 4)...))
	require.ErrorIs(t, err, ErrInvalidWAV)
}

func TestEncodeWAVRoundTripsWithinQuantization(t *testing.T) {
	t.Parallel()

	in := sineBuffer(16000, 250*time.Millisecond, 0.5)

	var out bytes.Buffer
	require.NoError(t, EncodeWAV(&out, in))

	decoded, err := DecodeWAV(out.Bytes())
	require.NoError(t, err)
	require.Equal(t, in.SampleRate, decoded.SampleRate)
	require.Len(t, decoded.Samples, len(in.Samples))
	for i := range in.Samples {
		require.InDelta(t, in.Samples[i], decoded.Samples[i], 1.0/32768.0)
	}
}

func TestEncodeWAVClipsOutOfRange(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, EncodeWAV(&out, Buffer{Samples: []float32{2, -2}, SampleRate: 16000, Channels: 1}))

	decoded, err := DecodeWAV(out.Bytes())
	require.NoError(t, err)
	require.InDelta(t, 32767.0/32768.0, decoded.Samples[0], 1e-6)
	require.InDelta(t, -1.0, decoded.Samples[1], 1e-6)
}

func TestBufferDurationAndSlice(t *testing.T) {
	t.Parallel()

	buf := sineBuffer(16000, 3*time.Second, 0.1)
	require.Equal(t, 3*time.Second, buf.Duration())

	mid := buf.Slice(time.Second, 2*time.Second)
	require.Equal(t, time.Second, mid.Duration())
	require.Equal(t, 16000, mid.SampleRate)

	tail := buf.Slice(2500*time.Millisecond, 10*time.Second)
	require.Equal(t, 500*time.Millisecond, tail.Duration())

	empty := buf.Slice(2*time.Second, time.Second)
	require.Zero(t, empty.Duration())
}

func sineBuffer(sampleRate int, d time.Duration, amplitude float64) Buffer {
	n := int(int64(d) * int64(sampleRate) / int64(time.Second))
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(amplitude * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
	}
	return Buffer{Samples: samples, SampleRate: sampleRate, Channels: 1}
}

func makePCM16WAV(samples []int16, sampleRate int, channels int) []byte {
	bytesPerSample := 2
	dataSize := len(samples) * bytesPerSample
	fmtChunkSize := 16
	riffSize := 4 + (8 + fmtChunkSize) + (8 + dataSize)

	out := make([]byte, 12+8+fmtChunkSize+8+dataSize)
	off := 0

	copy(out[off:], []byte("RIFF"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(riffSize))
	off += 4
	copy(out[off:], []byte("WAVE"))
	off += 4

	copy(out[off:], []byte("fmt "))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(fmtChunkSize))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], 1)
	off += 2
	binary.LittleEndian.PutUint16(out[off:], uint16(channels))
	off += 2
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate*channels*bytesPerSample))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], uint16(channels*bytesPerSample))
	off += 2
	binary.LittleEndian.PutUint16(out[off:], 16)
	off += 2

	copy(out[off:], []byte("data"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(dataSize))
	off += 4

	for _, s := range samples {
		binary.LittleEndian.PutUint16(out[off:], uint16(s))
		off += 2
	}

	return out
}
