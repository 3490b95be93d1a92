package cli

import (
	"testing"

	"github.com/fmueller/voxscribe/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestIsBlankTranscript(t *testing.T) {
	t.Parallel()

	require.True(t, isBlankTranscript(domain.Transcript{}))
	require.True(t, isBlankTranscript(domain.Transcript{Segments: []domain.Segment{{Text: "  \n\t "}}}))
	require.False(t, isBlankTranscript(domain.Transcript{Segments: []domain.Segment{{Text: "Hello world"}}}))
}

func TestSanitizeLanguage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "auto", sanitizeLanguage(""))
	require.Equal(t, "auto", sanitizeLanguage("   "))
	require.Equal(t, "en", sanitizeLanguage("en"))
	require.Equal(t, "en", sanitizeLanguage(" EN "))
	require.Equal(t, "de", sanitizeLanguage("De"))
}
