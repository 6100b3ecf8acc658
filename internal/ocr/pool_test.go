package ocr

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ocrbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type slowEngine struct {
	delay   time.Duration
	text    string
	err     error
	calls   atomic.Int64
	current atomic.Int64
	max     atomic.Int64
}

func (e *slowEngine) Name() string { return "slow" }

func (e *slowEngine) Recognize(ctx context.Context, _ domain.ImageBlob) (domain.OCRResult, error) {
	e.calls.Add(1)
	n := e.current.Add(1)
	defer e.current.Add(-1)
	for {
		m := e.max.Load()
		if n <= m || e.max.CompareAndSwap(m, n) {
			break
		}
	}
	select {
	case <-time.After(e.delay):
	case <-ctx.Done():
		return domain.OCRResult{}, ctx.Err()
	}
	if e.err != nil {
		return domain.OCRResult{}, e.err
	}
	return domain.OCRResult{Text: e.text}, nil
}

func pngBlob(t *testing.T) domain.ImageBlob {
	return domain.ImageBlob{Bytes: encode(t, textImage("x", 10, 10), "png")}
}

func TestPool_BoundsConcurrency(t *testing.T) {
	eng := &slowEngine{delay: 20 * time.Millisecond, text: "ok"}
	pool := NewPool(PoolConfig{Engine: eng, Workers: 3, QueueTimeout: 5 * time.Second, Logger: testLogger()})
	blob := pngBlob(t)

	var preparing, maxPreparing atomic.Int64
	pool.prepare = func(b domain.ImageBlob, maxPixels int) (domain.ImageBlob, string, error) {
		n := preparing.Add(1)
		defer preparing.Add(-1)
		for {
			m := maxPreparing.Load()
			if n <= m || maxPreparing.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return Prepare(b, maxPixels)
	}

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := pool.Recognize(context.Background(), blob)
			if err == nil && res.Text != "ok" {
				err = errors.New("unexpected text " + res.Text)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("recognize: %v", err)
		}
	}
	if eng.calls.Load() != n {
		t.Errorf("expected %d engine calls, got %d", n, eng.calls.Load())
	}
	if eng.max.Load() > 3 || pool.Peak() > 3 {
		t.Errorf("concurrency exceeded pool size: engine=%d pool=%d", eng.max.Load(), pool.Peak())
	}
	if m := maxPreparing.Load(); m > 3 {
		t.Errorf("image preparation ran outside the pool: %d concurrent", m)
	}
	if pool.Peak() < 2 {
		t.Errorf("expected parallel work, peak=%d", pool.Peak())
	}
}

func TestPool_QueueTimeout(t *testing.T) {
	eng := &slowEngine{delay: 300 * time.Millisecond}
	pool := NewPool(PoolConfig{Engine: eng, Workers: 1, QueueTimeout: 20 * time.Millisecond, Logger: testLogger()})
	blob := pngBlob(t)

	started := make(chan struct{})
	go func() {
		close(started)
		pool.Recognize(context.Background(), blob)
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	_, err := pool.Recognize(context.Background(), blob)
	if !errors.Is(err, domain.ErrEngineUnavailable) {
		t.Errorf("expected ErrEngineUnavailable, got %v", err)
	}
}

func TestPool_UnsupportedImageSkipsEngine(t *testing.T) {
	eng := &slowEngine{}
	pool := NewPool(PoolConfig{Engine: eng, Workers: 1, Logger: testLogger()})

	_, err := pool.Recognize(context.Background(), domain.ImageBlob{Bytes: []byte("nope")})
	if !errors.Is(err, domain.ErrUnsupportedImage) {
		t.Fatalf("expected ErrUnsupportedImage, got %v", err)
	}
	if eng.calls.Load() != 0 {
		t.Error("engine must not see undecodable input")
	}
}

func TestPool_UnsupportedImageRejectedWhileBusy(t *testing.T) {
	eng := &slowEngine{delay: 300 * time.Millisecond}
	pool := NewPool(PoolConfig{Engine: eng, Workers: 1, QueueTimeout: 5 * time.Second, Logger: testLogger()})

	go pool.Recognize(context.Background(), pngBlob(t))
	deadline := time.Now().Add(time.Second)
	for pool.Peak() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	_, err := pool.Recognize(context.Background(), domain.ImageBlob{Bytes: []byte("nope")})
	if !errors.Is(err, domain.ErrUnsupportedImage) {
		t.Fatalf("expected ErrUnsupportedImage, got %v", err)
	}
	if waited := time.Since(start); waited > 200*time.Millisecond {
		t.Errorf("unsupported image waited %s for a worker", waited)
	}
}

func TestPool_EngineErrorIsUnavailable(t *testing.T) {
	eng := &slowEngine{err: errors.New("segfault-ish")}
	pool := NewPool(PoolConfig{Engine: eng, Workers: 1, Logger: testLogger()})

	_, err := pool.Recognize(context.Background(), pngBlob(t))
	if !errors.Is(err, domain.ErrEngineUnavailable) {
		t.Errorf("expected ErrEngineUnavailable, got %v", err)
	}
}

func TestPool_EmptyTextIsNotAnError(t *testing.T) {
	pool := NewPool(PoolConfig{Engine: &slowEngine{}, Workers: 1, Logger: testLogger()})
	res, err := pool.Recognize(context.Background(), pngBlob(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "" {
		t.Errorf("expected empty text, got %q", res.Text)
	}
}
