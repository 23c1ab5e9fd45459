// Package fetch downloads the releasable aircraft archive.
package fetch

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
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

const (
	// DefaultURL is the FAA releasable aircraft database.
	DefaultURL = "https://registry.faa.gov/database/ReleasableAircraft.zip"

	// DefaultTimeout bounds a single attempt including the body transfer.
	DefaultTimeout = 5 * time.Minute

	// DefaultMaxAttempts is the attempt ceiling for transient failures.
	DefaultMaxAttempts = 3

	// DefaultInitialBackoff is the wait before the second attempt.
	DefaultInitialBackoff = 2 * time.Second

	// DefaultMaxBackoff caps the wait between attempts.
	DefaultMaxBackoff = 30 * time.Second

	// DefaultUserAgent mimics a browser; registry.faa.gov rejects the Go default.
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Config holds download settings. Zero values fall back to the defaults.
type Config struct {
	Timeout        time.Duration
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	UserAgent      string
}

// DefaultConfig returns the production download settings.
func DefaultConfig() Config {
	return Config{
		Timeout:        DefaultTimeout,
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		UserAgent:      DefaultUserAgent,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	return c
}

// Result describes a completed download.
type Result struct {
	Path        string
	ContentHash string // Hex SHA-256 of the archive bytes.
	ByteSize    int64
	Attempts    int
}

// Fetcher downloads an archive to disk with retry and integrity checks.
type Fetcher struct {
	client    *http.Client
	cfg       Config
	logger    zerolog.Logger
	onAttempt func(err error)
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client. Its Timeout is overridden by Config.Timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithAttemptHook registers a callback invoked after every attempt with its
// outcome (nil on success).
func WithAttemptHook(fn func(err error)) Option {
	return func(f *Fetcher) {
		f.onAttempt = fn
	}
}

// New creates a Fetcher.
func New(cfg Config, logger zerolog.Logger, opts ...Option) *Fetcher {
	cfg = cfg.withDefaults()
	f := &Fetcher{
		client: &http.Client{},
		cfg:    cfg,
		logger: logger.With().Str("component", "fetch").Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.client.Timeout = cfg.Timeout
	return f
}

// Fetch downloads sourceURL to destPath. The file at destPath is only
// replaced once a complete body has been written and hashed.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL, destPath string) (*Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.InitialBackoff
	b.MaxInterval = f.cfg.MaxBackoff

	attempt := 0
	operation := func() (*Result, error) {
		attempt++
		res, err := f.download(ctx, sourceURL, destPath)
		if f.onAttempt != nil {
			f.onAttempt(err)
		}
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}

		var fetchErr *Error
		if !errors.As(err, &fetchErr) || !fetchErr.Transient() {
			return nil, backoff.Permanent(err)
		}
		f.logger.Warn().Err(err).
			Int("attempt", attempt).
			Uint("max_attempts", f.cfg.MaxAttempts).
			Msg("Download attempt failed")
		return nil, err
	}

	maxElapsed := time.Duration(f.cfg.MaxAttempts) * (f.cfg.Timeout + f.cfg.MaxBackoff)
	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(f.cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		return nil, err
	}
	return res, nil
}

func (f *Fetcher) download(ctx context.Context, sourceURL, destPath string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classify(sourceURL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: KindServerError, URL: sourceURL, StatusCode: resp.StatusCode}
	}

	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	// The temp file lives next to the destination so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(dir, filepath.Base(destPath)+".*.part")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(tmp, hasher), resp.Body)
	closeErr := tmp.Close()

	if copyErr != nil {
		if errors.Is(copyErr, io.ErrUnexpectedEOF) && resp.ContentLength > 0 {
			return nil, &Error{
				Kind: KindSizeMismatch,
				URL:  sourceURL,
				Err:  fmt.Errorf("received %d of %d bytes: %w", n, resp.ContentLength, copyErr),
			}
		}
		return nil, classify(sourceURL, copyErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close temp file: %w", closeErr)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return nil, &Error{
			Kind: KindSizeMismatch,
			URL:  sourceURL,
			Err:  fmt.Errorf("received %d of %d bytes", n, resp.ContentLength),
		}
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return nil, fmt.Errorf("rename download: %w", err)
	}
	committed = true

	f.logger.Info().
		Str("path", destPath).
		Int64("bytes", n).
		Msg("Archive downloaded")

	return &Result{
		Path:        destPath,
		ContentHash: hex.EncodeToString(hasher.Sum(nil)),
		ByteSize:    n,
	}, nil
}
