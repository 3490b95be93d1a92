package version

import (
	"os/exec"
	"runtime"
	"strings"
)

var (
	Version = "0.3.0"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info is reported by the health endpoint and the version command.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

// Resolve returns the full version string, appending a git-derived suffix
// when the binary is run from inside a git repository whose HEAD is not on
// a release tag.
func Resolve() string {
	return resolveVersion(Version, runGit)
}

// Current returns build metadata. Unlike Resolve it never shells out, so it
// is safe on request paths.
func Current() Info {
	base := Version
	if base == "" {
		base = "0.0.0"
	}
	return Info{Version: base, Commit: Commit, Date: Date, GoVersion: runtime.Version()}
}

func resolveVersion(base string, git func(...string) (string, error)) string {
	if base == "" {
		base = "0.0.0"
	}

	suffix := computeGitSuffix(base, git)
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

func computeGitSuffix(base string, git func(...string) (string, error)) string {
	if _, err := git("rev-parse", "--git-dir"); err != nil {
		return ""
	}

	if _, err := git("describe", "--tags", "--exact-match"); err == nil {
		return ""
	}

	desc, err := git("describe", "--tags", "--dirty", "--always")
	if err != nil {
		return ""
	}

	return strings.TrimPrefix(desc, "v"+base+"-")
}

func runGit(args ...string) (string, error) {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
