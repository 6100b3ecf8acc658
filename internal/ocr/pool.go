package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"ocrbot/internal/domain"
	"ocrbot/internal/metrics"
)

const defaultQueueTimeout = 30 * time.Second

type PoolConfig struct {
	Engine       Engine
	Workers      int
	QueueTimeout time.Duration // max wait for a free worker
	MaxPixels    int
	Logger       *slog.Logger
}

// Pool runs at most Workers recognitions at a time. Callers beyond that
// wait for a slot up to the queue timeout.
type Pool struct {
	engine       Engine
	sem          *semaphore.Weighted
	workers      int
	queueTimeout time.Duration
	maxPixels    int
	prepare      func(domain.ImageBlob, int) (domain.ImageBlob, string, error)
	logger       *slog.Logger

	inFlight atomic.Int64
	peak     atomic.Int64
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = defaultQueueTimeout
	}
	return &Pool{
		engine:       cfg.Engine,
		sem:          semaphore.NewWeighted(int64(cfg.Workers)),
		workers:      cfg.Workers,
		queueTimeout: cfg.QueueTimeout,
		maxPixels:    cfg.MaxPixels,
		prepare:      Prepare,
		logger:       cfg.Logger,
	}
}

func (p *Pool) EngineName() string { return p.engine.Name() }
func (p *Pool) Workers() int       { return p.workers }

// Peak returns the highest number of concurrent recognitions observed.
func (p *Pool) Peak() int { return int(p.peak.Load()) }

// Recognize rejects unsupported images from the header alone, then decodes,
// re-encodes and runs the engine on a pool slot.
func (p *Pool) Recognize(ctx context.Context, blob domain.ImageBlob) (domain.OCRResult, error) {
	if _, err := Inspect(blob, p.maxPixels); err != nil {
		return domain.OCRResult{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.queueTimeout)
	err := p.sem.Acquire(waitCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return domain.OCRResult{}, ctx.Err()
		}
		return domain.OCRResult{}, fmt.Errorf("%w: no worker free after %s", domain.ErrEngineUnavailable, p.queueTimeout)
	}
	defer p.sem.Release(1)

	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	metrics.OCRInFlight.Inc()
	defer metrics.OCRInFlight.Dec()

	prepared, format, err := p.prepare(blob, p.maxPixels)
	if err != nil {
		return domain.OCRResult{}, err
	}

	start := time.Now()
	res, err := p.engine.Recognize(ctx, prepared)
	elapsed := time.Since(start)
	metrics.OCRLatency.Observe(elapsed.Seconds())

	if err != nil {
		if !errors.Is(err, domain.ErrUnsupportedImage) && !errors.Is(err, domain.ErrEngineUnavailable) &&
			!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
		}
		p.logger.Warn("ocr failed", "engine", p.engine.Name(), "format", format, "err", err, "duration", elapsed)
		return domain.OCRResult{}, err
	}
	p.logger.Debug("ocr done", "engine", p.engine.Name(), "format", format, "text_len", len(res.Text), "duration", elapsed)
	return res, nil
}
