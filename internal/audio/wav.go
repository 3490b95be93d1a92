package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

const (
	formatPCM   = 1
	formatFloat = 3
)

type wavFormat struct {
	audioFormat   uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
}

// ReadWAV loads a WAV file into a mono Buffer. Multichannel input is
// downmixed by averaging.
func ReadWAV(path string) (Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Buffer{}, fmt.Errorf("open wav: %w", err)
	}
	return DecodeWAV(data)
}

// DecodeWAV parses an in-memory RIFF/WAVE payload.
func DecodeWAV(data []byte) (Buffer, error) {
	if len(data) < 12 {
		return Buffer{}, fmt.Errorf("%w: short header", ErrInvalidWAV)
	}
	if string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Buffer{}, ErrInvalidWAV
	}

	var (
		format  wavFormat
		payload []byte
		hasFmt  bool
		hasData bool
	)

	off := 12
	for off+8 <= len(data) {
		chunkID := string(data[off : off+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8

		end := off + chunkSize
		if end > len(data) || end < off {
			// ffmpeg writes a placeholder size when the output is not seekable.
			if chunkID != "data" {
				return Buffer{}, fmt.Errorf("%w: chunk %q overruns file", ErrInvalidWAV, chunkID)
			}
			end = len(data)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return Buffer{}, ErrInvalidWAV
			}
			buf := data[off:end]
			format = wavFormat{
				audioFormat:   binary.LittleEndian.Uint16(buf[0:2]),
				channels:      binary.LittleEndian.Uint16(buf[2:4]),
				sampleRate:    binary.LittleEndian.Uint32(buf[4:8]),
				bitsPerSample: binary.LittleEndian.Uint16(buf[14:16]),
			}
			if format.audioFormat == 0xFFFE && chunkSize >= 26 {
				// WAVE_FORMAT_EXTENSIBLE carries the real format in the sub-format GUID.
				format.audioFormat = binary.LittleEndian.Uint16(buf[24:26])
			}
			hasFmt = true
		case "data":
			payload = data[off:end]
			hasData = true
		}

		off = end
		if chunkSize%2 != 0 {
			off++
		}
	}

	if !hasFmt || !hasData {
		return Buffer{}, ErrInvalidWAV
	}
	if err := validateFormat(format); err != nil {
		return Buffer{}, err
	}

	samples, err := decodeSamples(payload, format)
	if err != nil {
		return Buffer{}, err
	}

	return Buffer{Samples: samples, SampleRate: int(format.sampleRate), Channels: 1}, nil
}

// EncodeWAV writes b as 16-bit PCM mono WAV.
func EncodeWAV(w io.Writer, b Buffer) error {
	if b.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive", ErrUnsupportedWAV)
	}

	const bytesPerSample = 2
	dataSize := len(b.Samples) * bytesPerSample
	fmtChunkSize := 16
	riffSize := 4 + (8 + fmtChunkSize) + (8 + dataSize)

	var header bytes.Buffer
	header.WriteString("RIFF")
	_ = binary.Write(&header, binary.LittleEndian, uint32(riffSize))
	header.WriteString("WAVE")
	header.WriteString("fmt ")
	_ = binary.Write(&header, binary.LittleEndian, uint32(fmtChunkSize))
	_ = binary.Write(&header, binary.LittleEndian, uint16(formatPCM))
	_ = binary.Write(&header, binary.LittleEndian, uint16(1))
	_ = binary.Write(&header, binary.LittleEndian, uint32(b.SampleRate))
	_ = binary.Write(&header, binary.LittleEndian, uint32(b.SampleRate*bytesPerSample))
	_ = binary.Write(&header, binary.LittleEndian, uint16(bytesPerSample))
	_ = binary.Write(&header, binary.LittleEndian, uint16(16))
	header.WriteString("data")
	_ = binary.Write(&header, binary.LittleEndian, uint32(dataSize))

	if _, err := w.Write(header.Bytes()); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}

	body := make([]byte, dataSize)
	for i, s := range b.Samples {
		binary.LittleEndian.PutUint16(body[i*bytesPerSample:], uint16(floatToPCM16(s)))
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}
	return nil
}

// WriteWAVFile encodes b into path.
func WriteWAVFile(path string, b Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	if err := EncodeWAV(f, b); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func floatToPCM16(s float32) int16 {
	v := math.Round(float64(s) * 32768.0)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func validateFormat(f wavFormat) error {
	if f.channels == 0 || f.sampleRate == 0 {
		return ErrInvalidWAV
	}

	switch f.audioFormat {
	case formatPCM:
		switch f.bitsPerSample {
		case 8, 16, 24, 32:
			return nil
		}
	case formatFloat:
		switch f.bitsPerSample {
		case 32, 64:
			return nil
		}
	}

	return ErrUnsupportedWAV
}

func decodeSamples(data []byte, f wavFormat) ([]float32, error) {
	bytesPerSample := int(f.bitsPerSample / 8)
	frameSize := bytesPerSample * int(f.channels)
	frames := len(data) / frameSize

	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		frame := data[i*frameSize : (i+1)*frameSize]
		var sum float64
		for ch := 0; ch < int(f.channels); ch++ {
			value, err := decodeSample(frame[ch*bytesPerSample:(ch+1)*bytesPerSample], f.audioFormat, f.bitsPerSample)
			if err != nil {
				return nil, err
			}
			sum += value
		}
		out[i] = float32(sum / float64(f.channels))
	}

	return out, nil
}

func decodeSample(sample []byte, audioFormat, bitsPerSample uint16) (float64, error) {
	if audioFormat == formatFloat {
		switch bitsPerSample {
		case 32:
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(sample))), nil
		case 64:
			return math.Float64frombits(binary.LittleEndian.Uint64(sample)), nil
		default:
			return 0, ErrUnsupportedWAV
		}
	}

	switch bitsPerSample {
	case 8:
		return (float64(sample[0]) - 128.0) / 128.0, nil
	case 16:
		return float64(int16(binary.LittleEndian.Uint16(sample))) / 32768.0, nil
	case 24:
		v := int32(sample[0]) | int32(sample[1])<<8 | int32(sample[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608.0, nil
	case 32:
		return float64(int32(binary.LittleEndian.Uint32(sample))) / 2147483648.0, nil
	default:
		return 0, ErrUnsupportedWAV
	}
}
