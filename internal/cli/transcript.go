package cli

import (
	"strings"

	"github.com/fmueller/voxscribe/internal/domain"
)

func isBlankTranscript(t domain.Transcript) bool {
	return strings.TrimSpace(t.Text()) == ""
}

func noSpeechHint() string {
	return "No speech detected. Check that the input contains audible speech and that the language hint is correct."
}
