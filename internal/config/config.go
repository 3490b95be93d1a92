package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/platform"
	"gopkg.in/yaml.v3"
)

// Config is read once at process start and treated as static afterwards.
type Config struct {
	Listen         string        `yaml:"listen"`
	Workers        int           `yaml:"workers"`
	Threads        int           `yaml:"threads"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// QueueTimeout bounds how long a request waits for an idle worker.
	QueueTimeout time.Duration `yaml:"queue_timeout"`
	APIKey       string        `yaml:"api_key"`

	Models ModelConfig   `yaml:"models"`
	Media  MediaConfig   `yaml:"media"`
	Engine EngineConfig  `yaml:"engine"`
	Tools  ToolConfig    `yaml:"tools"`
	S3     StorageConfig `yaml:"s3"`
}

type ModelConfig struct {
	Dir     string   `yaml:"dir"`
	Allowed []string `yaml:"allowed"`
	Default string   `yaml:"default"`
	// Max is the number of distinct models one worker may hold in memory.
	Max int `yaml:"max"`
	// Preload names the models each worker loads before accepting requests.
	Preload []string `yaml:"preload"`
	Verify  bool     `yaml:"verify"`
}

type MediaConfig struct {
	WorkDir        string        `yaml:"work_dir"`
	SampleRate     int           `yaml:"sample_rate"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	MaxDuration    time.Duration `yaml:"max_duration"`
	DecodeTimeout  time.Duration `yaml:"decode_timeout"`
}

type EngineConfig struct {
	ChunkWindow          time.Duration `yaml:"chunk_window"`
	ChunkOverlap         time.Duration `yaml:"chunk_overlap"`
	SilenceThresholdDBFS float64       `yaml:"silence_threshold_dbfs"`
}

type ToolConfig struct {
	FFmpeg  string `yaml:"ffmpeg"`
	FFprobe string `yaml:"ffprobe"`
	Whisper string `yaml:"whisper"`
}

type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
	PublicURL string `yaml:"public_url"`
}

// Enabled reports whether cloud delivery of results is configured.
func (s StorageConfig) Enabled() bool {
	return s.Bucket != ""
}

func Default() Config {
	workers := 2
	threads := runtime.NumCPU() / workers
	if threads < 1 {
		threads = 1
	}

	return Config{
		Listen:         ":8080",
		Workers:        workers,
		Threads:        threads,
		RequestTimeout: 10 * time.Minute,
		QueueTimeout:   2 * time.Minute,
		Models: ModelConfig{
			Allowed: []string{"tiny", "base", "small"},
			Default: "base",
			Max:     2,
		},
		Media: MediaConfig{
			WorkDir:        platform.ResolveWorkDir(""),
			SampleRate:     16000,
			MaxUploadBytes: 512 << 20,
			MaxDuration:    4 * time.Hour,
			DecodeTimeout:  10 * time.Minute,
		},
		Engine: EngineConfig{
			ChunkWindow:          30 * time.Second,
			ChunkOverlap:         5 * time.Second,
			SilenceThresholdDBFS: audio.DefaultSilenceThresholdDBFS,
		},
		Tools: ToolConfig{
			FFmpeg:  "ffmpeg",
			FFprobe: "ffprobe",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = strings.TrimSpace(os.Getenv("VOXSCRIBE_CONFIG"))
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if cfg.Models.Dir == "" {
		dir, err := platform.ResolveModelDir("")
		if err != nil {
			return Config{}, err
		}
		cfg.Models.Dir = dir
	}

	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
				*dst = strings.TrimSpace(v)
				return
			}
		}
	}
	integer := func(dst *int, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	integer64 := func(dst *int64, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(dst *time.Duration, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(dst *bool, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	list := func(dst *[]string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = splitList(v)
		}
	}

	if port, ok := lookup("PORT"); ok && strings.TrimSpace(port) != "" {
		c.Listen = ":" + strings.TrimSpace(port)
	}
	str(&c.Listen, "VOXSCRIBE_LISTEN")
	integer(&c.Workers, "VOXSCRIBE_WORKERS")
	integer(&c.Threads, "VOXSCRIBE_THREADS")
	duration(&c.RequestTimeout, "VOXSCRIBE_REQUEST_TIMEOUT")
	duration(&c.QueueTimeout, "VOXSCRIBE_QUEUE_TIMEOUT")
	str(&c.APIKey, "API_KEY")

	str(&c.Models.Dir, "VOXSCRIBE_MODEL_DIR", "WHISPER_CACHE_DIR")
	list(&c.Models.Allowed, "VOXSCRIBE_MODELS")
	str(&c.Models.Default, "VOXSCRIBE_DEFAULT_MODEL")
	integer(&c.Models.Max, "VOXSCRIBE_MAX_MODELS")
	list(&c.Models.Preload, "VOXSCRIBE_PRELOAD_MODELS")
	boolean(&c.Models.Verify, "VOXSCRIBE_VERIFY_MODELS")

	str(&c.Media.WorkDir, "VOXSCRIBE_WORK_DIR")
	integer(&c.Media.SampleRate, "VOXSCRIBE_SAMPLE_RATE")
	integer64(&c.Media.MaxUploadBytes, "VOXSCRIBE_MAX_UPLOAD_BYTES")
	duration(&c.Media.MaxDuration, "VOXSCRIBE_MAX_MEDIA_DURATION")
	duration(&c.Media.DecodeTimeout, "VOXSCRIBE_DECODE_TIMEOUT")

	duration(&c.Engine.ChunkWindow, "VOXSCRIBE_CHUNK_WINDOW")
	duration(&c.Engine.ChunkOverlap, "VOXSCRIBE_CHUNK_OVERLAP")
	if v, ok := lookup("VOXSCRIBE_SILENCE_THRESHOLD_DBFS"); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("VOXSCRIBE_SILENCE_THRESHOLD_DBFS: %w", err))
		} else {
			c.Engine.SilenceThresholdDBFS = f
		}
	}

	str(&c.Tools.FFmpeg, "VOXSCRIBE_FFMPEG_PATH")
	str(&c.Tools.FFprobe, "VOXSCRIBE_FFPROBE_PATH")
	str(&c.Tools.Whisper, "VOXSCRIBE_WHISPER_PATH")

	str(&c.S3.Endpoint, "S3_ENDPOINT_URL")
	str(&c.S3.Region, "S3_REGION")
	str(&c.S3.Bucket, "S3_BUCKET_NAME")
	str(&c.S3.AccessKey, "S3_ACCESS_KEY")
	str(&c.S3.SecretKey, "S3_SECRET_KEY")
	str(&c.S3.Prefix, "S3_PREFIX")
	str(&c.S3.PublicURL, "S3_PUBLIC_URL")

	return errors.Join(errs...)
}

// Validate checks the invariants the rest of the service relies on.
func (c Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.Threads < 1 {
		errs = append(errs, fmt.Errorf("threads must be at least 1, got %d", c.Threads))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if c.QueueTimeout <= 0 {
		errs = append(errs, errors.New("queue timeout must be positive"))
	}
	if c.Models.Dir == "" {
		errs = append(errs, errors.New("model directory must not be empty"))
	}
	if len(c.Models.Allowed) == 0 {
		errs = append(errs, errors.New("at least one model must be allowed"))
	}
	if !slices.Contains(c.Models.Allowed, c.Models.Default) {
		errs = append(errs, fmt.Errorf("default model %q is not in the allowed list %v", c.Models.Default, c.Models.Allowed))
	}
	for _, id := range c.Models.Preload {
		if !slices.Contains(c.Models.Allowed, id) {
			errs = append(errs, fmt.Errorf("preload model %q is not in the allowed list", id))
		}
	}
	if c.Models.Max < 1 {
		errs = append(errs, fmt.Errorf("max models must be at least 1, got %d", c.Models.Max))
	}
	if len(c.Models.Preload) > c.Models.Max {
		errs = append(errs, fmt.Errorf("cannot preload %d models with max models %d", len(c.Models.Preload), c.Models.Max))
	}
	if c.Media.SampleRate <= 0 {
		errs = append(errs, errors.New("sample rate must be positive"))
	}
	if c.Media.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max upload bytes must be positive"))
	}
	if c.Media.MaxDuration <= 0 || c.Media.DecodeTimeout <= 0 {
		errs = append(errs, errors.New("media duration and decode budgets must be positive"))
	}
	if c.Engine.ChunkWindow <= 0 {
		errs = append(errs, errors.New("chunk window must be positive"))
	}
	if c.Engine.ChunkOverlap < 0 || c.Engine.ChunkOverlap >= c.Engine.ChunkWindow {
		errs = append(errs, fmt.Errorf("chunk overlap %s must be in [0, %s)", c.Engine.ChunkOverlap, c.Engine.ChunkWindow))
	}
	if c.S3.Enabled() && (c.S3.AccessKey == "" || c.S3.SecretKey == "") {
		errs = append(errs, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_BUCKET_NAME is set"))
	}
	return errors.Join(errs...)
}

// WorkerEnv returns the environment a worker process needs so numeric
// kernels use exactly the configured thread budget.
func (c Config) WorkerEnv() []string {
	threads := strconv.Itoa(c.Threads)
	return []string{
		"OMP_NUM_THREADS=" + threads,
		"OPENBLAS_NUM_THREADS=" + threads,
		"MKL_NUM_THREADS=" + threads,
		"VOXSCRIBE_THREADS=" + threads,
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
