package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ProcessSpawner runs each worker as a child process serving HTTP on a unix
// socket. The child is invoked as `<Executable> <Args...> worker --socket PATH
// --slot N`.
type ProcessSpawner struct {
	Executable string
	Args       []string
	// Env is appended to the parent environment.
	Env       []string
	SocketDir string
	// ReadyTimeout bounds the wait for the first healthy /healthz answer.
	ReadyTimeout time.Duration
	Output       io.Writer
	Logger       *zap.Logger
}

func (s *ProcessSpawner) Spawn(ctx context.Context, slot int) (Instance, error) {
	if s.Executable == "" {
		return nil, errors.New("worker executable is required")
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	readyTimeout := s.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = 2 * time.Minute
	}
	output := s.Output
	if output == nil {
		output = os.Stderr
	}

	socket := filepath.Join(s.SocketDir, fmt.Sprintf("worker-%d.sock", slot))
	if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	args := append(append([]string{}, s.Args...), "worker", "--socket", socket, "--slot", strconv.Itoa(slot))
	cmd := exec.Command(s.Executable, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = output
	cmd.Stderr = output
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	proc := &process{
		cmd:    cmd,
		socket: socket,
		done:   make(chan struct{}),
		transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
			MaxIdleConns: 1,
		},
	}
	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()

	logger.Debug("worker process started", zap.Int("worker", slot), zap.Int("pid", cmd.Process.Pid), zap.String("socket", socket))

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := proc.waitReady(readyCtx); err != nil {
		_ = proc.Stop(context.Background())
		return nil, err
	}
	logger.Info("worker ready", zap.Int("worker", slot), zap.Int("pid", cmd.Process.Pid))
	return proc, nil
}

type process struct {
	cmd       *exec.Cmd
	socket    string
	transport *http.Transport
	done      chan struct{}
	err       error
}

func (p *process) Transport() http.RoundTripper { return p.transport }
func (p *process) Done() <-chan struct{}        { return p.done }

func (p *process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stop asks the worker to terminate and kills it if ctx ends first.
func (p *process) Stop(ctx context.Context) error {
	defer p.transport.CloseIdleConnections()

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
		_ = os.Remove(p.socket)
		return nil
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		<-p.done
		_ = os.Remove(p.socket)
		return fmt.Errorf("worker did not stop in time: %w", ctx.Err())
	}
}

func (p *process) waitReady(ctx context.Context) error {
	client := &http.Client{Transport: p.transport, Timeout: 2 * time.Second}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://worker/healthz", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-p.done:
			if p.err == nil {
				return errors.New("worker exited before becoming ready")
			}
			return fmt.Errorf("worker exited before becoming ready: %w", p.err)
		case <-ctx.Done():
			return fmt.Errorf("worker not ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
