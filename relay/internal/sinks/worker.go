// Package sinks forwards station lifecycle and state changes to external
// systems. Observers are called on a station's read loop, so every sink hands
// work to its own background worker and drops it when the worker is behind.
package sinks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"station-relay/shared/logx"
	"station-relay/shared/metricsx"
)

const (
	defaultQueueSize  = 256
	defaultJobTimeout = 5 * time.Second
)

type job func(ctx context.Context) error

type worker struct {
	name    string
	log     logx.Logger
	timeout time.Duration

	jobs      chan job
	done      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.RWMutex
}

func newWorker(name string, log logx.Logger, size int, timeout time.Duration) *worker {
	if size <= 0 {
		size = defaultQueueSize
	}
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	w := &worker{
		name:    name,
		log:     log,
		timeout: timeout,
		jobs:    make(chan job, size),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.done)
	for j := range w.jobs {
		w.exec(j)
	}
}

func (w *worker) exec(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			metricsx.IncSinkFailure(w.name)
			w.log.Error(ctx, "sink_panic", "sink job panicked", slog.String("sink", w.name), slog.Any("error", rec))
		}
	}()
	if err := j(ctx); err != nil {
		metricsx.IncSinkFailure(w.name)
		w.log.Warn(ctx, "sink_failed", "sink job failed", append(logx.Err("ERR_SINK", err), slog.String("sink", w.name))...)
	}
}

// submit queues j without blocking. It reports false when the job was dropped.
func (w *worker) submit(j job) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	select {
	case <-w.closed:
		return false
	default:
	}
	select {
	case w.jobs <- j:
		return true
	default:
		metricsx.IncSinkFailure(w.name)
		w.log.Warn(context.Background(), "sink_dropped", "sink queue full, dropping event", slog.String("sink", w.name))
		return false
	}
}

// close stops accepting jobs and waits for queued ones until ctx ends.
func (w *worker) close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		close(w.closed)
		close(w.jobs)
		w.mu.Unlock()
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
