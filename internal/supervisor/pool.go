package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fmueller/voxscribe/internal/domain"
	"github.com/fmueller/voxscribe/internal/server"
	"go.uber.org/zap"
)

const exitGrace = 2 * time.Second

type transportFailedKey struct{}

// Instance is one running worker.
type Instance interface {
	// Transport reaches the worker's HTTP listener.
	Transport() http.RoundTripper
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// Err reports why the worker exited. Valid after Done is closed.
	Err() error
	Stop(ctx context.Context) error
}

// Spawner starts a worker for slot and returns once it accepts requests.
type Spawner interface {
	Spawn(ctx context.Context, slot int) (Instance, error)
}

type Options struct {
	Size    int
	Spawner Spawner
	// QueueTimeout bounds how long a request waits for an idle worker.
	QueueTimeout time.Duration
	// RestartBackoff is the delay unit; the n-th consecutive failure waits n units.
	RestartBackoff time.Duration
	MaxBackoff     time.Duration
	// StableAfter is how long a worker must live for its failure count to reset.
	StableAfter time.Duration
	Logger      *zap.Logger
}

// Pool owns a fixed number of worker slots and forwards each request to an
// idle one. A slot serves at most one request at a time.
type Pool struct {
	size         int
	spawner      Spawner
	queueTimeout time.Duration
	backoff      time.Duration
	maxBackoff   time.Duration
	stableAfter  time.Duration
	logger       *zap.Logger

	slots []*slot
	// idle holds every slot that is alive and not serving, in release order.
	idle chan *slot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type slot struct {
	index int

	mu       sync.Mutex
	inst     Instance
	proxy    *httputil.ReverseProxy
	alive    bool
	busy     bool
	queued   bool
	restarts int
	started  time.Time
}

func New(opts Options) (*Pool, error) {
	if opts.Size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", opts.Size)
	}
	if opts.Spawner == nil {
		return nil, errors.New("spawner is required")
	}
	p := &Pool{
		size:         opts.Size,
		spawner:      opts.Spawner,
		queueTimeout: opts.QueueTimeout,
		backoff:      opts.RestartBackoff,
		maxBackoff:   opts.MaxBackoff,
		stableAfter:  opts.StableAfter,
		logger:       opts.Logger,
		idle:         make(chan *slot, opts.Size),
	}
	if p.queueTimeout <= 0 {
		p.queueTimeout = 2 * time.Minute
	}
	if p.backoff <= 0 {
		p.backoff = time.Second
	}
	if p.maxBackoff <= 0 {
		p.maxBackoff = 30 * time.Second
	}
	if p.stableAfter <= 0 {
		p.stableAfter = 30 * time.Second
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	for i := range p.size {
		p.slots = append(p.slots, &slot{index: i})
	}
	return p, nil
}

// Start spawns every worker and begins monitoring them. It fails if any
// initial worker cannot be started; workers already running are stopped.
func (p *Pool) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())

	type spawned struct {
		slot *slot
		inst Instance
		err  error
	}
	results := make(chan spawned, p.size)
	for _, s := range p.slots {
		go func() {
			inst, err := p.spawner.Spawn(ctx, s.index)
			results <- spawned{slot: s, inst: inst, err: err}
		}()
	}

	var errs []error
	var started []spawned
	for range p.slots {
		res := <-results
		if res.err != nil {
			errs = append(errs, fmt.Errorf("worker %d: %w", res.slot.index, res.err))
			continue
		}
		started = append(started, res)
	}
	if len(errs) > 0 {
		for _, res := range started {
			_ = res.inst.Stop(context.Background())
		}
		p.cancel()
		return errors.Join(errs...)
	}

	for _, res := range started {
		p.admit(res.slot, res.inst)
		p.wg.Add(1)
		go p.monitor(res.slot)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Stop stops every worker and waits for the monitors to exit.
func (p *Pool) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()

	var errs []error
	for _, s := range p.slots {
		s.mu.Lock()
		inst := s.inst
		s.mu.Unlock()
		if inst == nil {
			continue
		}
		if err := inst.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("worker %d: %w", s.index, err))
		}
	}
	p.wg.Wait()
	return errors.Join(errs...)
}

func (p *Pool) admit(s *slot, inst Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inst = inst
	s.proxy = p.newProxy(s.index, inst)
	s.alive = true
	s.started = time.Now()
	if !s.busy {
		p.enqueue(s)
	}
}

// enqueue puts s on the idle queue at most once. Callers hold s.mu.
func (p *Pool) enqueue(s *slot) {
	if !s.queued {
		s.queued = true
		p.idle <- s
	}
}

// monitor waits for the slot's worker to exit and replaces it.
func (p *Pool) monitor(s *slot) {
	defer p.wg.Done()

	failures := 0
	for {
		s.mu.Lock()
		inst, started := s.inst, s.started
		s.mu.Unlock()

		select {
		case <-p.ctx.Done():
			return
		case <-inst.Done():
		}

		s.mu.Lock()
		s.alive = false
		s.mu.Unlock()

		if p.ctx.Err() != nil {
			return
		}

		if time.Since(started) >= p.stableAfter {
			failures = 0
		}
		failures++
		p.logger.Warn("worker exited",
			zap.Int("worker", s.index),
			zap.Int("consecutive_failures", failures),
			zap.Error(inst.Err()),
		)

		for {
			delay := min(time.Duration(failures)*p.backoff, p.maxBackoff)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(delay):
			}

			next, err := p.spawner.Spawn(p.ctx, s.index)
			if err == nil {
				s.mu.Lock()
				s.restarts++
				s.mu.Unlock()
				p.admit(s, next)
				p.logger.Info("worker restarted", zap.Int("worker", s.index), zap.Duration("backoff", delay))
				break
			}
			if p.ctx.Err() != nil {
				return
			}
			failures++
			p.logger.Error("worker restart failed", zap.Int("worker", s.index), zap.Error(err))
		}
	}
}

func (p *Pool) acquire(ctx context.Context) (*slot, error) {
	timer := time.NewTimer(p.queueTimeout)
	defer timer.Stop()

	for {
		select {
		case s := <-p.idle:
			s.mu.Lock()
			s.queued = false
			if s.alive {
				// The monitor may not have observed an exit yet.
				select {
				case <-s.inst.Done():
					s.alive = false
				default:
				}
			}
			if !s.alive {
				// Worker died while queued; admit re-queues it after restart.
				s.mu.Unlock()
				continue
			}
			s.busy = true
			s.mu.Unlock()
			return s, nil
		case <-timer.C:
			return nil, domain.Errorf(domain.KindResourceExhausted, nil, "no worker became available within %s", p.queueTimeout)
		case <-ctx.Done():
			return nil, domain.Errorf(domain.KindTimeout, ctx.Err(), "request cancelled while waiting for a worker")
		}
	}
}

// release returns s to the idle queue unless its worker has exited. After a
// transport failure, or when the worker announced its exit, it is given
// exitGrace to die before it is trusted with another request.
func (p *Pool) release(s *slot, inst Instance, failed bool) {
	if failed {
		select {
		case <-inst.Done():
		case <-time.After(exitGrace):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	if s.inst == inst {
		select {
		case <-inst.Done():
			s.alive = false
		default:
		}
	}
	if s.alive {
		p.enqueue(s)
	}
}

func markFailed(ctx context.Context) {
	if failed, ok := ctx.Value(transportFailedKey{}).(*atomic.Bool); ok {
		failed.Store(true)
	}
}

func (p *Pool) newProxy(index int, inst Instance) *httputil.ReverseProxy {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("worker-%d", index)}
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.Out.Host = r.In.Host
		},
		Transport: inst.Transport(),
		ModifyResponse: func(resp *http.Response) error {
			if resp.Header.Get(server.WorkerExitingHeader) != "" {
				resp.Header.Del(server.WorkerExitingHeader)
				markFailed(resp.Request.Context())
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			markFailed(r.Context())
			if r.Context().Err() != nil {
				server.WriteError(w, domain.Errorf(domain.KindTimeout, err, "request cancelled before the worker answered"))
				return
			}
			p.logger.Warn("worker failed while serving a request",
				zap.Int("worker", index),
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			server.WriteError(w, domain.Errorf(domain.KindWorkerCrashed, err, "worker terminated while processing the request"))
		},
	}
}

// Handler forwards transcription requests to workers and answers /healthz
// for the pool itself.
func (p *Pool) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", p.handleHealth)
	mux.HandleFunc("/", p.forward)
	return mux
}

func (p *Pool) forward(w http.ResponseWriter, r *http.Request) {
	s, err := p.acquire(r.Context())
	if err != nil {
		server.WriteError(w, err)
		return
	}

	s.mu.Lock()
	inst, proxy := s.inst, s.proxy
	s.mu.Unlock()

	failed := new(atomic.Bool)
	proxy.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), transportFailedKey{}, failed)))
	p.release(s, inst, failed.Load())
}

// WorkerStatus describes one slot.
type WorkerStatus struct {
	Slot     int  `json:"slot"`
	Alive    bool `json:"alive"`
	Busy     bool `json:"busy"`
	Restarts int  `json:"restarts"`
}

func (p *Pool) Status() []WorkerStatus {
	out := make([]WorkerStatus, 0, len(p.slots))
	for _, s := range p.slots {
		s.mu.Lock()
		out = append(out, WorkerStatus{Slot: s.index, Alive: s.alive, Busy: s.busy, Restarts: s.restarts})
		s.mu.Unlock()
	}
	return out
}

func (p *Pool) handleHealth(w http.ResponseWriter, _ *http.Request) {
	workers := p.Status()
	status, code := "ok", http.StatusOK
	alive := 0
	for _, ws := range workers {
		if ws.Alive {
			alive++
		}
	}
	switch {
	case alive == 0:
		status, code = "unavailable", http.StatusServiceUnavailable
	case alive < len(workers):
		status = "degraded"
	}
	writeJSON(w, code, map[string]any{"status": status, "workers": workers})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
