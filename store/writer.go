package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/encodeous/meshbridge/perf"
	"github.com/encodeous/meshbridge/state"
)

var ErrStopTimeout = errors.New("writer did not drain in time")

// Saver is the synchronous write primitive behind a Writer.
type Saver interface {
	Save(ctx context.Context, pkt state.DecodedPacket) (state.PersistedPacket, error)
}

type WriterStats struct {
	Queued  int    `json:"queued"`
	Saved   uint64 `json:"saved"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Writer persists packets on a single worker goroutine behind a bounded queue. Enqueue never
// blocks: when the queue is full the packet is dropped and counted.
type Writer struct {
	saver  Saver
	log    *slog.Logger
	window *FailureWindow

	mu     sync.RWMutex
	closed bool
	queue  chan state.DecodedPacket
	done   chan struct{}

	saved   atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func NewWriter(saver Saver, size int, window *FailureWindow, log *slog.Logger) *Writer {
	if size <= 0 {
		size = state.StoreQueueSize
	}
	return &Writer{
		saver:  saver,
		log:    log,
		window: window,
		queue:  make(chan state.DecodedPacket, size),
		done:   make(chan struct{}),
	}
}

// Start runs the worker until Stop. ctx bounds individual writes, not the worker lifetime, so
// queued packets are still drained on shutdown.
func (w *Writer) Start(ctx context.Context) {
	go w.work(context.WithoutCancel(ctx))
}

func (w *Writer) work(ctx context.Context) {
	defer close(w.done)
	for pkt := range w.queue {
		w.save(ctx, pkt)
	}
}

func (w *Writer) save(ctx context.Context, pkt state.DecodedPacket) {
	ctx, cancel := context.WithTimeout(ctx, state.StoreOpTimeout)
	defer cancel()
	start := time.Now()
	_, err := w.saver.Save(ctx, pkt)
	perf.StoreLatency.Add(float64(time.Since(start).Microseconds()))
	if err != nil {
		w.failed.Add(1)
		perf.StoreWrites.WithLabelValues("failed").Inc()
		w.log.Warn("failed to persist packet", "backend", pkt.Source, "from", pkt.From, "error", err)
		if w.window != nil {
			w.window.Failure(err)
		}
		return
	}
	w.saved.Add(1)
	perf.StoreWrites.WithLabelValues("saved").Inc()
	perf.StoreWritesPerSec.Add(1)
	if w.window != nil {
		w.window.Success()
	}
}

func (w *Writer) Enqueue(pkt state.DecodedPacket) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return
	}
	select {
	case w.queue <- pkt:
	default:
		w.dropped.Add(1)
		perf.StoreWrites.WithLabelValues("dropped").Inc()
	}
}

// Stop stops accepting packets and waits up to timeout for the queue to drain.
func (w *Writer) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Queued:  len(w.queue),
		Saved:   w.saved.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
	}
}

// Action is fired by a FailureWindow once sustained failure is detected.
type Action func(err error)

// FailureWindow counts consecutive failures inside a sliding window. When threshold of them fall
// within window the action fires, exactly once, until a success resets the counter.
type FailureWindow struct {
	threshold int
	window    time.Duration
	clk       clock.Clock
	action    Action

	mu       sync.Mutex
	failures []time.Time
	fired    bool
}

func NewFailureWindow(threshold int, window time.Duration, clk clock.Clock, action Action) *FailureWindow {
	if clk == nil {
		clk = clock.New()
	}
	return &FailureWindow{threshold: threshold, window: window, clk: clk, action: action}
}

// Failure records a failure and reports whether this one fired the action.
func (f *FailureWindow) Failure(err error) bool {
	now := f.clk.Now()
	f.mu.Lock()
	f.failures = append(f.failures, now)
	cut := 0
	for cut < len(f.failures) && now.Sub(f.failures[cut]) > f.window {
		cut++
	}
	f.failures = f.failures[cut:]
	fire := !f.fired && len(f.failures) >= f.threshold
	if fire {
		f.fired = true
	}
	f.mu.Unlock()
	if fire && f.action != nil {
		f.action(err)
	}
	return fire
}

func (f *FailureWindow) Success() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = f.failures[:0]
	f.fired = false
}

// Consecutive is the number of failures currently inside the window.
func (f *FailureWindow) Consecutive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failures)
}
