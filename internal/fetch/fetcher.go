// Package fetch downloads image payloads referenced by inbound events.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"ocrbot/internal/domain"
)

const (
	DefaultMaxBytes = 10 << 20
	defaultBackoff  = 500 * time.Millisecond
	callRetries     = 1
)

type Config struct {
	Source   domain.FileSource
	MaxBytes int
	Backoff  time.Duration // base delay before the retry
	Timeout  time.Duration // per attempt; 0 leaves only the caller's deadline
	Logger   *slog.Logger
}

// Fetcher resolves an ImageRef against the platform and downloads it under
// a byte limit.
type Fetcher struct {
	source   domain.FileSource
	maxBytes int
	backoff  time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func New(cfg Config) *Fetcher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	return &Fetcher{
		source:   cfg.Source,
		maxBytes: cfg.MaxBytes,
		backoff:  cfg.Backoff,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// MaxBytes returns the payload limit.
func (f *Fetcher) MaxBytes() int { return f.maxBytes }

// Fetch downloads the image behind ref. Oversized payloads fail with
// domain.ErrPayloadTooLarge as early as the metadata allows; transport
// failures fail with domain.ErrFetch.
func (f *Fetcher) Fetch(ctx context.Context, ref domain.ImageRef) (*domain.ImageBlob, error) {
	if ref.FileID == "" {
		return nil, fmt.Errorf("%w: empty file id", domain.ErrValidation)
	}
	if ref.SizeHint > f.maxBytes {
		return nil, f.tooLarge(ref.SizeHint)
	}

	file, err := withRetry(ctx, "resolve", callRetries, f.backoff, f.logger, func() (domain.RemoteFile, error) {
		actx, cancel := f.attempt(ctx)
		defer cancel()
		return f.source.ResolveFile(actx, ref.FileID)
	})
	if err != nil {
		return nil, fetchErr("resolve file", err)
	}
	if file.Size > f.maxBytes {
		return nil, f.tooLarge(file.Size)
	}

	data, err := withRetry(ctx, "download", callRetries, f.backoff, f.logger, func() ([]byte, error) {
		actx, cancel := f.attempt(ctx)
		defer cancel()
		return f.download(actx, file)
	})
	if err != nil {
		return nil, fetchErr("download file", err)
	}

	mime := ref.MimeHint
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	f.logger.Debug("image fetched", "file_id", ref.FileID, "bytes", len(data), "mime", mime)
	return &domain.ImageBlob{Bytes: data, MimeHint: mime}, nil
}

func (f *Fetcher) attempt(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.timeout)
}

func (f *Fetcher) download(ctx context.Context, file domain.RemoteFile) ([]byte, error) {
	body, err := f.source.DownloadFile(ctx, file)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, int64(f.maxBytes)+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > f.maxBytes {
		return nil, f.tooLarge(len(data))
	}
	return data, nil
}

func (f *Fetcher) tooLarge(size int) error {
	return fmt.Errorf("%w: %d bytes exceeds limit of %d", domain.ErrPayloadTooLarge, size, f.maxBytes)
}

func fetchErr(op string, err error) error {
	if errors.Is(err, domain.ErrPayloadTooLarge) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrFetch, op, err)
}
