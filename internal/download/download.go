package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const userAgent = "voxscribe/1"

// errChecksumMismatch marks a transfer whose bytes do not match the pinned
// digest. It is retried: a truncated or corrupted body is the usual cause.
var errChecksumMismatch = errors.New("checksum mismatch")

// ModelOptions describes one model file to place in the cache directory.
type ModelOptions struct {
	URL   string
	Model string
	// Destination is the final cache path, e.g. <dir>/ggml-base.bin.
	Destination string
	// SHA256 is the registry's pinned digest. It is required.
	SHA256     string
	Retries    int
	NoProgress bool
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// InstallModel downloads a model into the cache directory. The body is
// written to a hidden temporary file next to Destination, verified against
// the pinned digest and renamed into place, so a worker scanning the cache
// sees either no file or the complete one.
func InstallModel(ctx context.Context, opts ModelOptions) error {
	if opts.URL == "" {
		return errors.New("model URL is required")
	}
	if opts.Destination == "" {
		return errors.New("destination path is required")
	}
	expected := strings.ToLower(strings.TrimSpace(opts.SHA256))
	if len(expected) != sha256.Size*2 {
		return fmt.Errorf("model %s has no pinned sha256 digest", label(opts))
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(opts.Destination), 0o755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if attempt > 1 {
			opts.Logger.Warn("retrying model download",
				zap.String("model", label(opts)),
				zap.Int("attempt", attempt),
				zap.Int("max", opts.Retries),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}
		}

		lastErr = installOnce(ctx, opts, expected)
		if lastErr == nil || !retryable(lastErr) || ctx.Err() != nil {
			break
		}
	}
	if lastErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return lastErr
}

// retryable is false for client errors the server will keep answering the
// same way.
func retryable(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		code := status.StatusCode
		return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
	}
	return true
}

func installOnce(ctx context.Context, opts ModelOptions, expected string) error {
	dir, base := filepath.Split(opts.Destination)
	tmp, err := os.CreateTemp(dir, "."+base+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	installed := false
	defer func() {
		_ = tmp.Close()
		if !installed {
			_ = os.Remove(tmpPath)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}

	hash := sha256.New()
	writer := io.MultiWriter(tmp, hash)
	var bar *progressbar.ProgressBar
	if shouldRenderProgress(opts.NoProgress, resp.ContentLength) {
		bar = progressbar.NewOptions64(
			resp.ContentLength,
			progressbar.OptionSetDescription("installing "+label(opts)),
			progressbar.OptionSetWidth(20),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
		writer = io.MultiWriter(tmp, hash, bar)
	}

	written, err := io.Copy(writer, resp.Body)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return fmt.Errorf("download body: %w", err)
	}

	if actual := hex.EncodeToString(hash.Sum(nil)); actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", errChecksumMismatch, expected, actual)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("set model permissions: %w", err)
	}
	if err := os.Rename(tmpPath, opts.Destination); err != nil {
		return fmt.Errorf("move model into cache: %w", err)
	}
	installed = true

	opts.Logger.Info("model installed",
		zap.String("model", label(opts)),
		zap.String("path", opts.Destination),
		zap.Int64("bytes", written),
	)
	return nil
}

// FileSHA256 hashes the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFileChecksum compares the file at path with a pinned digest.
func VerifyFileChecksum(path, expectedSHA256 string) error {
	expected := strings.ToLower(strings.TrimSpace(expectedSHA256))
	if expected == "" {
		return errors.New("no pinned checksum to verify against")
	}
	actual, err := FileSHA256(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", errChecksumMismatch, expected, actual)
	}
	return nil
}

func label(opts ModelOptions) string {
	if name := strings.TrimSpace(opts.Model); name != "" {
		return name
	}
	return filepath.Base(opts.Destination)
}

func shouldRenderProgress(noProgress bool, contentLength int64) bool {
	if noProgress || contentLength <= 0 {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
