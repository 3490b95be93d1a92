package whisper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const DefaultModel = "base"

type Model struct {
	ID       string
	FileName string
	URL      string
	SHA256   string
}

// CachedModel describes one model's presence in the cache directory.
type CachedModel struct {
	ID        string
	Path      string
	Present   bool
	SizeBytes int64
	Known     bool
}

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

var registry = map[string]Model{
	"tiny": {
		ID:       "tiny",
		FileName: "ggml-tiny.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.bin",
		SHA256:   "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21",
	},
	"base": {
		ID:       "base",
		FileName: "ggml-base.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.bin",
		SHA256:   "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe",
	},
	"small": {
		ID:       "small",
		FileName: "ggml-small.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.bin",
		SHA256:   "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b",
	},
	"medium": {
		ID:       "medium",
		FileName: "ggml-medium.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-medium.bin",
		SHA256:   "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208",
	},
	"large-v3": {
		ID:       "large-v3",
		FileName: "ggml-large-v3.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v3.bin",
		SHA256:   "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2",
	},
}

func ModelNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func LookupModel(id string) (Model, bool) {
	model, ok := registry[id]
	return model, ok
}

// ValidID reports whether id is safe to turn into a cache file name.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// FileName maps a model identifier to its file in the cache directory.
func FileName(id string) string {
	if model, ok := registry[id]; ok {
		return model.FileName
	}
	return "ggml-" + id + ".bin"
}

func ModelPath(dir, id string) string {
	return filepath.Join(dir, FileName(id))
}

// ListCached reports cache status for ids, or for the registry when ids is
// empty. Unregistered ggml-*.bin files present in dir are included too.
func ListCached(dir string, ids []string) ([]CachedModel, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("model directory must not be empty")
	}

	seen := map[string]bool{}
	if len(ids) == 0 {
		ids = ModelNames()
		entries, err := os.ReadDir(dir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read model directory: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasPrefix(name, "ggml-") || !strings.HasSuffix(name, ".bin") {
				continue
			}
			id := strings.TrimSuffix(strings.TrimPrefix(name, "ggml-"), ".bin")
			if _, known := registry[id]; !known && ValidID(id) {
				ids = append(ids, id)
			}
		}
	}

	out := make([]CachedModel, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		_, known := registry[id]
		entry := CachedModel{ID: id, Path: ModelPath(dir, id), Known: known}
		info, err := os.Stat(entry.Path)
		switch {
		case err == nil && !info.IsDir():
			entry.Present = true
			entry.SizeBytes = info.Size()
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("stat model %s: %w", id, err)
		}
		out = append(out, entry)
	}
	return out, nil
}
