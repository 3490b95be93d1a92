package platform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultModelDirForLinuxWithXDG(t *testing.T) {
	t.Parallel()

	dir, err := DefaultModelDirFor("linux", "/home/dev", "/tmp/xdg-data")
	require.NoError(t, err)
	require.Equal(t, "/tmp/xdg-data/voxscribe/models", dir)
}

func TestDefaultModelDirForLinuxWithoutXDG(t *testing.T) {
	t.Parallel()

	dir, err := DefaultModelDirFor("linux", "/home/dev", "")
	require.NoError(t, err)
	require.Equal(t, "/home/dev/.local/share/voxscribe/models", dir)
}

func TestDefaultModelDirForMacOS(t *testing.T) {
	t.Parallel()

	dir, err := DefaultModelDirFor("darwin", "/Users/dev", "")
	require.NoError(t, err)
	require.Equal(t, "/Users/dev/Library/Application Support/voxscribe/models", dir)
}

func TestDefaultModelDirForUnsupportedOS(t *testing.T) {
	t.Parallel()

	_, err := DefaultModelDirFor("windows", "/Users/dev", "")
	require.Error(t, err)
}

func TestResolveModelDirOverride(t *testing.T) {
	t.Parallel()

	dir, err := ResolveModelDir("/srv/models/")
	require.NoError(t, err)
	require.Equal(t, "/srv/models", dir)
}

func TestWorkDirDefaults(t *testing.T) {
	t.Parallel()

	require.Equal(t, "/scratch/voxscribe", DefaultWorkDirFor("/scratch"))
	require.Equal(t, "/data/work", ResolveWorkDir("/data/work/"))
}

func TestNormalizeArch(t *testing.T) {
	t.Parallel()

	require.Equal(t, "amd64", NormalizeArch("x86_64"))
	require.Equal(t, "arm64", NormalizeArch("aarch64"))
	require.Equal(t, "riscv64", NormalizeArch("riscv64"))
}
