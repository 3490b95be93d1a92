package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"
)

// ErrTooLarge is returned when a fetched body exceeds the configured cap.
var ErrTooLarge = errors.New("remote media exceeds size limit")

// StatusError reports a non-200 response from the media host.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
}

type FetchOptions struct {
	URL         string
	Destination string
	// MaxBytes caps the body size; zero means unlimited.
	MaxBytes   int64
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Fetch streams a remote media file to Destination. On any failure the
// partial file is removed.
func Fetch(ctx context.Context, opts FetchOptions) (int64, error) {
	parsed, err := url.Parse(opts.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return 0, fmt.Errorf("media URL must be an absolute http(s) URL: %q", opts.URL)
	}
	if opts.Destination == "" {
		return 0, errors.New("destination path is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{StatusCode: resp.StatusCode}
	}
	if opts.MaxBytes > 0 && resp.ContentLength > opts.MaxBytes {
		return 0, fmt.Errorf("%w: %d bytes announced, limit %d", ErrTooLarge, resp.ContentLength, opts.MaxBytes)
	}

	out, err := os.OpenFile(opts.Destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create destination: %w", err)
	}

	success := false
	defer func() {
		_ = out.Close()
		if !success {
			_ = os.Remove(opts.Destination)
		}
	}()

	var body io.Reader = resp.Body
	if opts.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, opts.MaxBytes+1)
	}
	n, err := io.Copy(out, body)
	if err != nil {
		return n, fmt.Errorf("fetch media body: %w", err)
	}
	if opts.MaxBytes > 0 && n > opts.MaxBytes {
		return n, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, opts.MaxBytes)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("close destination: %w", err)
	}

	opts.Logger.Debug("media fetched", zap.String("url", parsed.Redacted()), zap.Int64("bytes", n))
	success = true
	return n, nil
}
