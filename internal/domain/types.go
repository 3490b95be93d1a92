package domain

import "time"

// JobStatus tracks a transcription job through its lifetime.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Task selects between same-language transcription and translation to English.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// MediaReference points at the input media: a file on disk or an in-memory payload.
type MediaReference struct {
	Path string
	Data []byte
	// Name is the original file name, used only to keep an extension hint.
	Name string
}

// Job is one transcription request, owned by the dispatcher until its result
// is delivered or the request times out.
type Job struct {
	ID          string     `json:"id"`
	Model       string     `json:"model"`
	Language    string     `json:"language,omitempty"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Input MediaReference `json:"-"`
}

// Token is one recognised token with its model confidence.
type Token struct {
	Text       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Segment is a time-aligned piece of text. Times are relative to the start of
// the full audio buffer.
type Segment struct {
	Start  time.Duration
	End    time.Duration
	Text   string
	Tokens []Token
}

// Transcript is the ordered result of a job.
type Transcript struct {
	Segments []Segment
	Language string
	Duration time.Duration
	Model    string
	Task     Task
}

// Text joins all segment texts with single spaces.
func (t Transcript) Text() string {
	out := make([]byte, 0, 64*len(t.Segments))
	for i, seg := range t.Segments {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, seg.Text...)
	}
	return string(out)
}
