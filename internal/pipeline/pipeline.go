// Package pipeline runs accepted image events through fetch, OCR, reply
// and send.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"ocrbot/internal/domain"
	"ocrbot/internal/metrics"
	"ocrbot/internal/reply"
)

const (
	defaultConcurrency = 16
	defaultTaskTimeout = 2 * time.Minute
	sendTimeout        = 30 * time.Second
)

// Fetcher downloads the image behind a reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref domain.ImageRef) (*domain.ImageBlob, error)
}

// Recognizer runs OCR with bounded concurrency.
type Recognizer interface {
	Recognize(ctx context.Context, blob domain.ImageBlob) (domain.OCRResult, error)
	EngineName() string
}

type Config struct {
	Queue       domain.EventQueue
	Fetcher     Fetcher
	OCR         Recognizer
	Composer    *reply.Composer
	Sender      domain.Sender
	Store       domain.DeliveryStore   // optional
	Events      domain.ResultPublisher // optional
	Concurrency int
	TaskTimeout time.Duration
	Logger      *slog.Logger
}

// Pipeline consumes the dispatch queue. Each event is an independent task;
// every accepted image gets exactly one reply.
type Pipeline struct {
	queue       domain.EventQueue
	fetcher     Fetcher
	ocr         Recognizer
	composer    *reply.Composer
	sender      domain.Sender
	store       domain.DeliveryStore
	events      domain.ResultPublisher
	concurrency int
	taskTimeout time.Duration
	logger      *slog.Logger
}

func New(cfg Config) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.Composer == nil {
		cfg.Composer = reply.NewComposer(reply.DefaultMaxLen)
	}
	return &Pipeline{
		queue:       cfg.Queue,
		fetcher:     cfg.Fetcher,
		ocr:         cfg.OCR,
		composer:    cfg.Composer,
		sender:      cfg.Sender,
		store:       cfg.Store,
		events:      cfg.Events,
		concurrency: cfg.Concurrency,
		taskTimeout: cfg.TaskTimeout,
		logger:      cfg.Logger,
	}
}

// Run processes queued events until the queue is closed, then waits for
// in-flight tasks. Tasks are not cancelled with ctx.
func (p *Pipeline) Run(ctx context.Context) {
	p.logger.Info("pipeline started", "concurrency", p.concurrency)

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for evt := range p.queue.Subscribe() {
		sem <- struct{}{}
		wg.Add(1)
		go func(e domain.InboundEvent) {
			defer wg.Done()
			defer func() { <-sem }()
			p.Process(ctx, e)
		}(evt)
	}

	p.logger.Info("queue closed, draining pipeline tasks")
	wg.Wait()
	p.logger.Info("pipeline stopped")
}

// Process handles one event synchronously. Events without an image are
// dropped and produce no reply; ok reports whether a reply was attempted.
// A panic anywhere in the task is recovered here; when it happens before
// the reply went out, the retry reply is sent instead.
func (p *Pipeline) Process(parent context.Context, evt domain.InboundEvent) (rec domain.ResultRecord, ok bool) {
	if !evt.HasImage() {
		p.logger.Debug("non-image event dropped", "update_id", evt.UpdateID)
		return domain.ResultRecord{}, false
	}

	start := time.Now()
	taskID := uuid.NewString()
	logger := p.logger.With("task_id", taskID, "update_id", evt.UpdateID, "chat_id", evt.ConversationID)
	base := context.WithoutCancel(parent)

	rec = domain.ResultRecord{
		TaskID:         taskID,
		UpdateID:       evt.UpdateID,
		ConversationID: evt.ConversationID,
	}
	replied := false
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		logger.Error("pipeline task panic", "panic", v, "stack", string(debug.Stack()))
		ok = true
		if replied {
			return
		}
		rec.Kind = domain.ReplyRetry
		rec.TextLen, rec.Truncated, rec.Confidence = 0, false, 0
		rec.Error = fmt.Sprintf("task panic: %v", v)
		rec.Delivered = p.sendRetry(base, evt.ConversationID, logger)
		rec.DurationMs = time.Since(start).Milliseconds()
		rec.CreatedAt = time.Now()
		metrics.RepliesTotal.WithLabelValues(string(rec.Kind)).Inc()
		if !rec.Delivered {
			metrics.SendFailures.Inc()
		}
		p.finish(base, rec, logger)
	}()
	rec.Engine = p.ocr.EngineName()

	ctx, cancel := context.WithTimeout(base, p.taskTimeout)
	res, imageBytes, err := p.extract(ctx, evt, logger)
	cancel()
	rec.ImageBytes = imageBytes
	if res != nil {
		rec.TextLen = len([]rune(res.Text))
		if res.HasConfidence {
			rec.Confidence = res.Confidence
		}
	}
	if err != nil {
		rec.Error = err.Error()
	}

	r := p.composer.Compose(evt.ConversationID, res, err)

	sendCtx, cancelSend := context.WithTimeout(base, sendTimeout)
	sendErr := p.sender.SendMessage(sendCtx, r.OutboundMessage)
	cancelSend()
	replied = true

	rec.Kind = r.Kind
	rec.Truncated = r.Truncated
	rec.Delivered = sendErr == nil
	rec.DurationMs = time.Since(start).Milliseconds()
	rec.CreatedAt = time.Now()

	metrics.RepliesTotal.WithLabelValues(string(r.Kind)).Inc()
	metrics.PipelineLatency.Observe(time.Since(start).Seconds())
	if sendErr != nil {
		metrics.SendFailures.Inc()
		logger.Error("reply not delivered", "kind", r.Kind, "err", sendErr)
	} else {
		logger.Info("reply sent", "kind", r.Kind, "text_len", rec.TextLen, "truncated", r.Truncated, "duration_ms", rec.DurationMs)
	}

	p.finish(base, rec, logger)
	return rec, true
}

// sendRetry sends the retry reply after a task panic and reports whether
// it was delivered.
func (p *Pipeline) sendRetry(base context.Context, conversationID string, logger *slog.Logger) (delivered bool) {
	defer func() {
		if v := recover(); v != nil {
			logger.Error("retry reply panic", "panic", v)
			delivered = false
		}
	}()
	ctx, cancel := context.WithTimeout(base, sendTimeout)
	defer cancel()
	msg := domain.OutboundMessage{ConversationID: conversationID, Body: reply.RetryMessage}
	if err := p.sender.SendMessage(ctx, msg); err != nil {
		logger.Error("reply not delivered", "kind", domain.ReplyRetry, "err", err)
		return false
	}
	return true
}

// extract fetches and recognizes the image. A panic in either step becomes
// an error so the task still replies.
func (p *Pipeline) extract(ctx context.Context, evt domain.InboundEvent, logger *slog.Logger) (res *domain.OCRResult, imageBytes int, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline task panic", "panic", r, "stack", string(debug.Stack()))
			res, err = nil, fmt.Errorf("task panic: %v", r)
		}
	}()

	blob, err := p.fetcher.Fetch(ctx, *evt.Image)
	if err != nil {
		logger.Warn("image fetch failed", "file_id", evt.Image.FileID, "err", err)
		return nil, 0, err
	}
	imageBytes = len(blob.Bytes)

	out, err := p.ocr.Recognize(ctx, *blob)
	if err != nil {
		logger.Warn("ocr failed", "image_bytes", imageBytes, "err", err)
		return nil, imageBytes, err
	}
	return &out, imageBytes, nil
}

// finish records the run. Failures and panics here never affect the reply.
func (p *Pipeline) finish(base context.Context, rec domain.ResultRecord, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(base, sendTimeout)
	defer cancel()
	if p.store != nil {
		guard(logger, "record result", func() error { return p.store.RecordResult(ctx, rec) })
	}
	if p.events != nil {
		guard(logger, "publish result event", func() error { return p.events.PublishResult(ctx, rec) })
	}
}

func guard(logger *slog.Logger, step string, fn func() error) {
	defer func() {
		if v := recover(); v != nil {
			logger.Error(step+" panic", "panic", v, "stack", string(debug.Stack()))
		}
	}()
	if err := fn(); err != nil {
		logger.Warn(step+" failed", "err", err)
	}
}
