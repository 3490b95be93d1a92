package audio

import "time"

// Buffer holds canonical mono PCM samples in the range [-1, 1].
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Duration is the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Slice returns the part of the buffer between start and end. Bounds are
// clamped to the buffer; the returned buffer shares the sample storage.
func (b Buffer) Slice(start, end time.Duration) Buffer {
	from := b.sampleIndex(start)
	to := b.sampleIndex(end)
	if to < from {
		to = from
	}
	return Buffer{Samples: b.Samples[from:to], SampleRate: b.SampleRate, Channels: b.Channels}
}

func (b Buffer) sampleIndex(at time.Duration) int {
	if at <= 0 || b.SampleRate <= 0 {
		return 0
	}
	idx := int(int64(at) * int64(b.SampleRate) / int64(time.Second))
	if idx > len(b.Samples) {
		return len(b.Samples)
	}
	return idx
}
