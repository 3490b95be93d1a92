package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/domain"
	"github.com/fmueller/voxscribe/internal/jobs"
	"github.com/fmueller/voxscribe/internal/media"
	"github.com/fmueller/voxscribe/internal/transcribe"
	"github.com/fmueller/voxscribe/internal/version"
	"github.com/fmueller/voxscribe/internal/whisper"
	"github.com/google/uuid"
	"github.com/gorilla/schema"
	"go.uber.org/zap"
)

type Normalizer interface {
	Normalize(ctx context.Context, ref domain.MediaReference, target media.Target) (audio.Buffer, error)
}

type ModelProvider interface {
	Get(id string) (*whisper.Handle, error)
	Handles() []*whisper.Handle
}

type Transcriber interface {
	Transcribe(ctx context.Context, buf audio.Buffer, model *whisper.Handle, opts transcribe.Options) (domain.Transcript, error)
}

// ResultStore receives artifacts for response_type=cloud.
type ResultStore interface {
	Put(ctx context.Context, path, contentType string, body []byte) (string, error)
}

type Options struct {
	Normalizer Normalizer
	Models     ModelProvider
	Engine     Transcriber
	// Store is optional; without it cloud delivery is rejected.
	Store ResultStore

	AllowedModels  []string
	DefaultModel   string
	SampleRate     int
	RequestTimeout time.Duration
	MaxUploadBytes int64
	WorkDir        string
	APIKey         string

	// Slot identifies this worker in health reports.
	Slot int
	// OnFatal runs once after a response for a fatal failure has been written.
	OnFatal func(error)

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Dispatcher is the HTTP front of a single worker. It runs one job at a time.
type Dispatcher struct {
	normalizer Normalizer
	models     ModelProvider
	engine     Transcriber
	store      ResultStore

	allowedModels  []string
	defaultModel   string
	sampleRate     int
	requestTimeout time.Duration
	maxUploadBytes int64
	workDir        string
	apiKey         string
	slot           int
	onFatal        func(error)
	fatalOnce      sync.Once

	httpClient *http.Client
	logger     *zap.Logger
	decoder    *schema.Decoder
	tracker    *jobs.Tracker
	newID      func() string
	started    time.Time
	inflight   sync.WaitGroup
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		normalizer:     opts.Normalizer,
		models:         opts.Models,
		engine:         opts.Engine,
		store:          opts.Store,
		allowedModels:  opts.AllowedModels,
		defaultModel:   opts.DefaultModel,
		sampleRate:     opts.SampleRate,
		requestTimeout: opts.RequestTimeout,
		maxUploadBytes: opts.MaxUploadBytes,
		workDir:        opts.WorkDir,
		apiKey:         opts.APIKey,
		slot:           opts.Slot,
		onFatal:        opts.OnFatal,
		httpClient:     opts.HTTPClient,
		logger:         opts.Logger,
		decoder:        newFormDecoder(),
		tracker:        jobs.NewTracker(),
		newID:          uuid.NewString,
		started:        time.Now(),
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.sampleRate <= 0 {
		d.sampleRate = 16000
	}
	if d.requestTimeout <= 0 {
		d.requestTimeout = 10 * time.Minute
	}
	if d.maxUploadBytes <= 0 {
		d.maxUploadBytes = 512 << 20
	}
	if d.workDir == "" {
		d.workDir = os.TempDir()
	}
	if d.defaultModel == "" {
		d.defaultModel = whisper.DefaultModel
	}
	if len(d.allowedModels) == 0 {
		d.allowedModels = []string{d.defaultModel}
	}
	if d.httpClient == nil {
		d.httpClient = &http.Client{Timeout: d.requestTimeout}
	}
	return d
}

func (d *Dispatcher) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", d.handleHealth)
	mux.Handle("POST /v1/transcriptions", d.authenticate(http.HandlerFunc(d.handleUpload)))
	mux.Handle("POST /v1/media/transcribe", d.authenticate(http.HandlerFunc(d.handleMediaURL)))
	return mux
}

// Wait blocks until every started pipeline has finished and cleaned up,
// including pipelines whose requests already timed out.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

func (d *Dispatcher) authenticate(next http.Handler) http.Handler {
	if d.apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(d.apiKey)) != 1 {
			WriteError(w, domain.Errorf(domain.KindUnauthorized, nil, "missing or invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type modelStatus struct {
	ID        string    `json:"id"`
	Version   string    `json:"version"`
	SizeBytes int64     `json:"size_bytes"`
	LoadedAt  time.Time `json:"loaded_at"`
}

type healthResponse struct {
	Status     string        `json:"status"`
	Worker     int           `json:"worker"`
	Version    string        `json:"version"`
	UptimeSecs float64       `json:"uptime_seconds"`
	CurrentJob *domain.Job   `json:"current_job,omitempty"`
	Models     []modelStatus `json:"models"`
	Jobs       jobs.Stats    `json:"jobs"`
}

func (d *Dispatcher) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:     "idle",
		Worker:     d.slot,
		Version:    version.Current().Version,
		UptimeSecs: time.Since(d.started).Seconds(),
		Models:     []modelStatus{},
		Jobs:       d.tracker.Stats(),
	}
	if d.tracker.Busy() {
		current := d.tracker.Current()
		resp.Status = "busy"
		resp.CurrentJob = &current
	}
	for _, h := range d.models.Handles() {
		resp.Models = append(resp.Models, modelStatus{ID: h.ID, Version: h.Version, SizeBytes: h.SizeBytes, LoadedAt: h.LoadedAt})
	}
	writeJSON(w, http.StatusOK, resp)
}
