package whisper

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fmueller/voxscribe/internal/domain"
	"github.com/fmueller/voxscribe/internal/download"
	"go.uber.org/zap"
)

// Handle is a loaded, verified model. It is immutable once returned by the
// cache and may be shared by any number of readers.
type Handle struct {
	ID        string
	Version   string
	Path      string
	Threads   int
	SizeBytes int64
	LoadedAt  time.Time
}

type CacheOptions struct {
	Dir string
	// MaxModels bounds the number of distinct models held by the process.
	MaxModels int
	Threads   int
	// Verify hashes registry models against their pinned SHA256 on load.
	Verify bool
	Logger *zap.Logger
}

// Cache hands out model handles, loading each model at most once.
type Cache struct {
	dir       string
	maxModels int
	threads   int
	verify    bool
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*cacheEntry
	loads   atomic.Int64
}

type cacheEntry struct {
	done   chan struct{}
	handle *Handle
	err    error
}

func NewCache(opts CacheOptions) *Cache {
	c := &Cache{
		dir:       opts.Dir,
		maxModels: opts.MaxModels,
		threads:   opts.Threads,
		verify:    opts.Verify,
		logger:    opts.Logger,
		now:       time.Now,
		entries:   map[string]*cacheEntry{},
	}
	if c.maxModels <= 0 {
		c.maxModels = 1
	}
	if c.threads <= 0 {
		c.threads = 1
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Get returns the handle for id, loading it on first use. Concurrent callers
// for the same id share one load and observe the same result. A failed load
// is forgotten so a later call can retry once the file is in place.
func (c *Cache) Get(id string) (*Handle, error) {
	if !ValidID(id) {
		return nil, domain.Errorf(domain.KindValidation, nil, "invalid model identifier %q", id)
	}

	c.mu.Lock()
	if entry, ok := c.entries[id]; ok {
		c.mu.Unlock()
		<-entry.done
		return entry.handle, entry.err
	}
	if len(c.entries) >= c.maxModels {
		c.mu.Unlock()
		return nil, domain.Errorf(domain.KindResourceExhausted, nil,
			"model %q cannot be loaded: %d models already resident", id, c.maxModels)
	}
	entry := &cacheEntry{done: make(chan struct{})}
	c.entries[id] = entry
	c.mu.Unlock()

	handle, err := c.load(id)

	c.mu.Lock()
	entry.handle, entry.err = handle, err
	if err != nil {
		delete(c.entries, id)
	}
	c.mu.Unlock()
	close(entry.done)

	return handle, err
}

// Preload loads every id, collecting all failures.
func (c *Cache) Preload(ids ...string) error {
	var errs []error
	for _, id := range ids {
		if _, err := c.Get(id); err != nil {
			errs = append(errs, fmt.Errorf("preload %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Loads reports how many loads have been attempted.
func (c *Cache) Loads() int64 {
	return c.loads.Load()
}

// Handles returns the resident models ordered by id.
func (c *Cache) Handles() []*Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Handle, 0, len(c.entries))
	for _, entry := range c.entries {
		select {
		case <-entry.done:
			if entry.handle != nil {
				out = append(out, entry.handle)
			}
		default:
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Cache) load(id string) (*Handle, error) {
	c.loads.Add(1)
	started := c.now()
	path := ModelPath(c.dir, id)

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.logger.Error("model missing from cache directory",
				zap.String("model", id),
				zap.String("path", path),
				zap.Bool("alert", true),
			)
			return nil, domain.Errorf(domain.KindModelNotCached, err, "model %q is not present in the model cache", id)
		}
		return nil, domain.Errorf(domain.KindInternal, err, "cannot stat model %q", id)
	}
	if info.IsDir() || info.Size() == 0 {
		c.logger.Error("model file unusable", zap.String("model", id), zap.String("path", path), zap.Bool("alert", true))
		return nil, domain.Errorf(domain.KindModelNotCached, nil, "model %q is present but unusable", id)
	}

	version := fmt.Sprintf("local-%x-%x", info.Size(), info.ModTime().Unix())
	if model, known := registry[id]; known {
		version = "sha256:" + model.SHA256[:12]
		if c.verify {
			if err := download.VerifyFileChecksum(path, model.SHA256); err != nil {
				c.logger.Error("model checksum verification failed", zap.String("model", id), zap.Error(err), zap.Bool("alert", true))
				return nil, domain.Errorf(domain.KindModelNotCached, err, "model %q failed checksum verification", id)
			}
		}
	}

	handle := &Handle{
		ID:        id,
		Version:   version,
		Path:      path,
		Threads:   c.threads,
		SizeBytes: info.Size(),
		LoadedAt:  c.now(),
	}
	c.logger.Info("model loaded",
		zap.String("model", id),
		zap.String("version", version),
		zap.Int64("bytes", handle.SizeBytes),
		zap.Duration("elapsed", handle.LoadedAt.Sub(started)),
	)
	return handle, nil
}
