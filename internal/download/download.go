// SPDX-License-Identifier: MIT

// Package download fetches remote videos onto local disk. Every fetch runs
// through the outbound policy, is capped in size and duration, and lands via
// an atomic rename so the pipeline never sees a half-written file.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/log"
	"github.com/ManuGH/videoagent/internal/platform/httpx"
	platformnet "github.com/ManuGH/videoagent/internal/platform/net"
	"github.com/ManuGH/videoagent/internal/version"
)

// ErrNoDriveFetcher is returned when a drive-origin job arrives but no drive
// hook was configured.
var ErrNoDriveFetcher = errors.New("no drive fetcher configured")

// DriveFetcher resolves a third-party drive handle (origin "drive") into a
// local file at dest. OAuth and provider specifics live behind the
// implementation.
type DriveFetcher interface {
	FetchDrive(ctx context.Context, handle, dest string) error
}

// Config tunes the downloader.
type Config struct {
	// Policy is the outbound allowlist. Unset schemes and ports inherit
	// the defaults (http/https on 80/443).
	Policy platformnet.Policy

	// Timeout bounds one whole fetch including the body.
	Timeout time.Duration

	// MaxBytes caps the downloaded size.
	MaxBytes int64

	// UserAgent is sent with every request.
	UserAgent string
}

func (c Config) withDefaults() Config {
	def := platformnet.DefaultPolicy()
	if len(c.Policy.Schemes) == 0 {
		c.Policy.Schemes = def.Schemes
	}
	if len(c.Policy.Ports) == 0 {
		c.Policy.Ports = def.Ports
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 8 << 30
	}
	if c.UserAgent == "" {
		c.UserAgent = "videoagent/" + version.Version
	}
	return c
}

// Downloader fetches HTTP(S) videos and delegates drive handles to the hook.
type Downloader struct {
	cfg    Config
	client *http.Client
	drive  DriveFetcher
	logger zerolog.Logger
}

// New builds a Downloader. drive may be nil when drive origins are unused.
func New(cfg Config, drive DriveFetcher) *Downloader {
	cfg = cfg.withDefaults()
	return &Downloader{
		cfg:    cfg,
		client: httpx.NewClient(cfg.Timeout),
		drive:  drive,
		logger: log.WithComponent("download"),
	}
}

// Fetch downloads rawURL to dest and returns the byte count. The write is
// atomic: dest either keeps its previous content or holds the complete
// download, never a prefix.
func (d *Downloader) Fetch(ctx context.Context, rawURL, dest string) (int64, error) {
	u, err := platformnet.ValidateURL(ctx, rawURL, d.cfg.Policy)
	if err != nil {
		if errors.Is(err, platformnet.ErrNotAllowed) {
			return 0, domain.NewValidationFailure("url_not_allowed", err.Error())
		}
		return 0, domain.NewValidationFailure("url_invalid", err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, domain.NewInternalFailure("download_request", "build download request", err)
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, d.classifyTransport(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, classifyStatus(resp.StatusCode)
	}
	if resp.ContentLength > d.cfg.MaxBytes {
		return 0, domain.NewValidationFailure("download_too_large",
			fmt.Sprintf("content length %d exceeds cap %d", resp.ContentLength, d.cfg.MaxBytes))
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return 0, domain.NewInternalFailure("download_mkdir", "create destination directory", err)
	}

	pending, err := renameio.NewPendingFile(dest)
	if err != nil {
		return 0, domain.NewInternalFailure("download_stage", "create pending file", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			d.logger.Debug().Err(err).Msg("cleanup pending download")
		}
	}()

	// Read one byte past the cap so exactly-at-cap bodies pass.
	written, err := io.Copy(pending, io.LimitReader(resp.Body, d.cfg.MaxBytes+1))
	if err != nil {
		return 0, d.classifyTransport(ctx, err)
	}
	if written > d.cfg.MaxBytes {
		return 0, domain.NewValidationFailure("download_too_large",
			fmt.Sprintf("body exceeds cap %d", d.cfg.MaxBytes))
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, domain.NewInternalFailure("download_commit", "atomically replace destination", err)
	}

	d.logger.Info().
		Str(log.FieldPath, dest).
		Int64("bytes", written).
		Dur(log.FieldDuration, time.Since(start)).
		Msg("video downloaded")
	return written, nil
}

// Drive resolves a drive handle through the configured hook under the same
// time budget as an HTTP fetch.
func (d *Downloader) Drive(ctx context.Context, handle, dest string) error {
	if d.drive == nil {
		return domain.NewPermanentFailure("drive_unsupported", "drive origins not configured", ErrNoDriveFetcher)
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	return d.drive.FetchDrive(ctx, handle, dest)
}

func (d *Downloader) classifyTransport(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return &domain.Failure{Kind: domain.FailureCancelled, Code: "download_cancelled", Message: "download cancelled", Err: err}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.NewTransientFailure("download_timeout", "download deadline exceeded", err)
	default:
		return domain.NewTransientFailure("download_interrupted", "origin transfer failed", err)
	}
}

func classifyStatus(status int) error {
	msg := fmt.Sprintf("origin returned %d", status)
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return domain.NewTransientFailure("download_5xx", msg, nil)
	default:
		return domain.NewPermanentFailure("download_4xx", msg, nil)
	}
}
