package whisper

import (
	"context"

	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/domain"
)

// Request is one recognition call over a single chunk of audio.
type Request struct {
	Audio audio.Buffer
	Model *Handle
	// Language is an ISO 639-1 code, or empty to let the model detect it.
	Language       string
	Translate      bool
	WordTimestamps bool
}

// Recognition holds segments with times relative to the start of Request.Audio.
type Recognition struct {
	Language string
	Segments []domain.Segment
}

type Recognizer interface {
	Recognize(ctx context.Context, req Request) (Recognition, error)
}
