package main

import (
	"errors"
	"testing"

	"github.com/fmueller/voxscribe/internal/cli"
	"github.com/stretchr/testify/require"
)

func TestIsUsageError(t *testing.T) {
	t.Parallel()

	require.True(t, isUsageError(errors.New("unknown command \"bad\" for \"voxscribe\"")))
	require.True(t, isUsageError(errors.New("unknown flag: --oops")))
	require.True(t, isUsageError(errors.New("accepts 1 arg(s), received 0")))
	require.True(t, isUsageError(errors.New(`invalid argument "x" for "--workers" flag: strconv.ParseInt: parsing "x": invalid syntax`)))
	require.False(t, isUsageError(errors.New("download model small: context deadline exceeded")))
	require.False(t, isUsageError(errors.New("invalid configuration: workers must be at least 1")))
	require.False(t, isUsageError(nil))
}

func TestHelpHintTarget(t *testing.T) {
	t.Parallel()

	root := cli.NewRootCmd()
	require.Equal(t, "voxscribe", helpHintTarget(nil, nil))
	require.Equal(t, "voxscribe", helpHintTarget(root, []string{"--badflag"}))
	require.Equal(t, "voxscribe", helpHintTarget(root, []string{"badcmd"}))
	require.Equal(t, "voxscribe transcribe", helpHintTarget(root, []string{"transcribe"}))
	require.Equal(t, "voxscribe serve", helpHintTarget(root, []string{"serve", "--workers", "x"}))
}
