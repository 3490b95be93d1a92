package render

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fmueller/voxscribe/internal/domain"
)

// Format names an output rendering of a transcript.
type Format string

const (
	FormatJSON        Format = "json"
	FormatVerboseJSON Format = "verbose_json"
	FormatText        Format = "text"
	FormatSRT         Format = "srt"
	FormatVTT         Format = "vtt"
)

func (f Format) Valid() bool {
	switch f {
	case FormatJSON, FormatVerboseJSON, FormatText, FormatSRT, FormatVTT:
		return true
	default:
		return false
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatText:
		return "text/plain; charset=utf-8"
	case FormatSRT:
		return "application/x-subrip; charset=utf-8"
	case FormatVTT:
		return "text/vtt; charset=utf-8"
	default:
		return "application/json"
	}
}

// Text writes the transcript as plain text, one line per segment.
func Text(w io.Writer, t domain.Transcript) error {
	for _, seg := range t.Segments {
		if _, err := fmt.Fprintln(w, strings.TrimSpace(seg.Text)); err != nil {
			return err
		}
	}
	return nil
}

// SRT writes SubRip cues numbered from 1.
func SRT(w io.Writer, t domain.Transcript) error {
	for i, seg := range t.Segments {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintf(w, "%d\n%s --> %s\n%s\n",
			i+1,
			timestamp(seg.Start, ','),
			timestamp(seg.End, ','),
			cueText(seg.Text),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// VTT writes a WebVTT document.
func VTT(w io.Writer, t domain.Transcript) error {
	if _, err := io.WriteString(w, "WEBVTT\n"); err != nil {
		return err
	}
	for _, seg := range t.Segments {
		_, err := fmt.Fprintf(w, "\n%s --> %s\n%s\n",
			timestamp(seg.Start, '.'),
			timestamp(seg.End, '.'),
			cueText(seg.Text),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// String renders t in one of the text formats.
func String(format Format, t domain.Transcript) (string, error) {
	var b strings.Builder
	var err error
	switch format {
	case FormatText:
		err = Text(&b, t)
	case FormatSRT:
		err = SRT(&b, t)
	case FormatVTT:
		err = VTT(&b, t)
	default:
		return "", fmt.Errorf("format %q is not a text format", format)
	}
	return b.String(), err
}

func timestamp(d time.Duration, sep byte) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}

// cueText keeps a cue free of blank lines, which would end it early.
func cueText(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return strings.Join(kept, "\n")
}
