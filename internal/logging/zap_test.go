package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewHonoursVerbosity(t *testing.T) {
	t.Parallel()

	quiet, err := New(Options{Worker: -1})
	require.NoError(t, err)
	require.False(t, quiet.Core().Enabled(zapcore.DebugLevel))
	require.True(t, quiet.Core().Enabled(zapcore.InfoLevel))

	verbose, err := New(Options{Verbose: true, JSON: true, Worker: -1})
	require.NoError(t, err)
	require.True(t, verbose.Core().Enabled(zapcore.DebugLevel))
}

func TestNewAppliesName(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{JSON: true, Name: "worker", Worker: 2})
	require.NoError(t, err)
	require.NotNil(t, logger)
	require.Equal(t, "worker", logger.Name())
}
