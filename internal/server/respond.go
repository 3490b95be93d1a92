package server

import (
	"net/http"
	"time"

	"github.com/fmueller/voxscribe/internal/domain"
	"github.com/fmueller/voxscribe/internal/render"
)

type wordJSON struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type segmentJSON struct {
	ID     int        `json:"id"`
	Start  float64    `json:"start"`
	End    float64    `json:"end"`
	Text   string     `json:"text"`
	Tokens []wordJSON `json:"tokens,omitempty"`
}

type transcriptionResponse struct {
	ID       string            `json:"id"`
	ClientID string            `json:"client_id,omitempty"`
	Model    string            `json:"model"`
	Task     domain.Task       `json:"task,omitempty"`
	Language string            `json:"language"`
	Duration float64           `json:"duration"`
	Text     string            `json:"text"`
	Segments []segmentJSON     `json:"segments"`
	URLs     map[string]string `json:"urls,omitempty"`
}

// mediaResponse keeps the field names of the media URL route.
type mediaResponse struct {
	ID               string        `json:"id,omitempty"`
	JobID            string        `json:"job_id"`
	Text             *string       `json:"text,omitempty"`
	SRT              *string       `json:"srt,omitempty"`
	Segments         []segmentJSON `json:"segments,omitempty"`
	DetectedLanguage string        `json:"detected_language"`
	TextURL          string        `json:"text_url,omitempty"`
	SRTURL           string        `json:"srt_url,omitempty"`
	SegmentsURL      string        `json:"segments_url,omitempty"`
}

func (d *Dispatcher) respond(w http.ResponseWriter, r *http.Request, jobID string, params jobParams, out outcome) {
	t := out.transcript

	if r.URL.Path == "/v1/media/transcribe" {
		writeJSON(w, http.StatusOK, newMediaResponse(jobID, params, out))
		return
	}

	switch params.Format {
	case render.FormatText, render.FormatSRT, render.FormatVTT:
		if !params.Cloud {
			body, err := render.String(params.Format, t)
			if err != nil {
				WriteError(w, domain.NewError(domain.KindInternal, "could not render transcript", err))
				return
			}
			w.Header().Set("Content-Type", params.Format.ContentType())
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(body))
			return
		}
	}

	verbose := params.Format == render.FormatVerboseJSON
	resp := transcriptionResponse{
		ID:       jobID,
		ClientID: params.ClientID,
		Model:    t.Model,
		Language: t.Language,
		Duration: seconds(t.Duration),
		Text:     t.Text(),
		Segments: newSegments(t.Segments, verbose),
		URLs:     out.links,
	}
	if verbose {
		resp.Task = t.Task
	}
	writeJSON(w, http.StatusOK, resp)
}

func newMediaResponse(jobID string, params jobParams, out outcome) mediaResponse {
	t := out.transcript
	resp := mediaResponse{
		ID:               params.ClientID,
		JobID:            jobID,
		DetectedLanguage: t.Language,
	}
	if params.Cloud {
		resp.TextURL = out.links["text"]
		resp.SRTURL = out.links["srt"]
		resp.SegmentsURL = out.links["segments"]
		return resp
	}
	if params.Include.Text {
		text := t.Text()
		resp.Text = &text
	}
	if params.Include.SRT {
		// SRT never fails for an in-memory writer.
		srt, _ := render.String(render.FormatSRT, t)
		resp.SRT = &srt
	}
	if params.Include.Segments {
		resp.Segments = newSegments(t.Segments, params.WordTimestamps)
	}
	return resp
}

func newSegments(segments []domain.Segment, withTokens bool) []segmentJSON {
	out := make([]segmentJSON, 0, len(segments))
	for i, seg := range segments {
		item := segmentJSON{ID: i, Start: seconds(seg.Start), End: seconds(seg.End), Text: seg.Text}
		if withTokens {
			for _, tok := range seg.Tokens {
				item.Tokens = append(item.Tokens, wordJSON{
					Text:       tok.Text,
					Start:      seconds(tok.Start),
					End:        seconds(tok.End),
					Confidence: tok.Confidence,
				})
			}
		}
		out = append(out, item)
	}
	return out
}

// seconds rounds to milliseconds so JSON floats stay short.
func seconds(d time.Duration) float64 {
	return float64(d.Milliseconds()) / 1000
}
