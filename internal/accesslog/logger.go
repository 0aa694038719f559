// Package accesslog records request outcomes off the response path. Entries
// are queued in memory and flushed to a Sink in batches; when the queue is
// full the oldest entry is dropped so writers never block.
package accesslog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
)

const (
	DefaultQueueSize     = 10000
	DefaultBatchSize     = 100
	DefaultFlushInterval = 500 * time.Millisecond
	DefaultWriteTimeout  = 5 * time.Second
)

type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// Logger is the asynchronous access log writer.
type Logger struct {
	sink Sink
	cfg  Config

	mu     sync.Mutex
	queue  []*domain.AccessLog
	closed bool

	notify  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	dropped atomic.Int64
	written atomic.Int64
	now     func() time.Time
}

// New starts a logger flushing to sink.
func New(sink Sink, cfg Config) *Logger {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > cfg.QueueSize {
		cfg.BatchSize = cfg.QueueSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	l := &Logger{
		sink:   sink,
		cfg:    cfg,
		queue:  make([]*domain.AccessLog, 0, cfg.BatchSize),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	go l.run()
	return l
}

// Record enqueues an entry. It never blocks and never fails; entries
// recorded after Close are dropped.
func (l *Logger) Record(entry *domain.AccessLog) {
	if entry == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.drop(1)
		return
	}
	dropped := 0
	if len(l.queue) >= l.cfg.QueueSize {
		dropped = len(l.queue) - l.cfg.QueueSize + 1
		l.queue[0] = nil
		l.queue = l.queue[dropped:]
	}
	l.queue = append(l.queue, entry)
	depth := len(l.queue)
	l.mu.Unlock()

	if dropped > 0 {
		l.drop(dropped)
	}
	metrics.SetAccessLogQueueDepth(depth)
	if depth >= l.cfg.BatchSize {
		select {
		case l.notify <- struct{}{}:
		default:
		}
	}
}

func (l *Logger) drop(n int) {
	l.dropped.Add(int64(n))
	for i := 0; i < n; i++ {
		metrics.RecordAccessLogDropped()
	}
}

// Dropped returns how many entries were discarded because the queue was full.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Written returns how many entries the sink accepted.
func (l *Logger) Written() int64 { return l.written.Load() }

// Pending returns the current queue depth.
func (l *Logger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close stops accepting entries, flushes what is queued and closes the
// sink. It gives up when ctx expires.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	close(l.stop)

	select {
	case <-l.done:
	case <-ctx.Done():
		logging.Op().Warn("timeout waiting for access log flush", "pending", l.Pending())
		return ctx.Err()
	}
	return l.sink.Close()
}

func (l *Logger) run() {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.notify:
			l.flush(false)
		case <-ticker.C:
			l.flush(true)
		case <-l.stop:
			l.flush(true)
			return
		}
	}
}

// flush writes full batches, or everything when all is set.
func (l *Logger) flush(all bool) {
	for {
		l.mu.Lock()
		n := len(l.queue)
		if n == 0 || (!all && n < l.cfg.BatchSize) {
			l.mu.Unlock()
			return
		}
		if n > l.cfg.BatchSize {
			n = l.cfg.BatchSize
		}
		batch := make([]*domain.AccessLog, n)
		copy(batch, l.queue[:n])
		l.queue = append(l.queue[:0], l.queue[n:]...)
		depth := len(l.queue)
		l.mu.Unlock()

		metrics.SetAccessLogQueueDepth(depth)
		l.write(batch)
	}
}

func (l *Logger) write(batch []*domain.AccessLog) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
	defer cancel()
	if err := l.sink.SaveBatch(ctx, batch); err != nil {
		metrics.RecordAccessLogFlush(len(batch), true)
		logging.Op().Warn("failed to persist access logs", "error", err, "count", len(batch))
		return
	}
	l.written.Add(int64(len(batch)))
	metrics.RecordAccessLogFlush(len(batch), false)
}
