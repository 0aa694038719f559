package accesslog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/store"
)

type mockSink struct {
	mu       sync.Mutex
	saved    []*domain.AccessLog
	batches  int
	batchErr error
	closed   bool

	entered chan struct{}
	release chan struct{}
}

func (m *mockSink) SaveBatch(_ context.Context, logs []*domain.AccessLog) error {
	if m.entered != nil {
		m.entered <- struct{}{}
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, logs...)
	m.batches++
	return m.batchErr
}

func (m *mockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSink) paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.saved))
	for _, l := range m.saved {
		out = append(out, l.Path)
	}
	return out
}

func entry(path string) *domain.AccessLog {
	return &domain.AccessLog{AppID: "shop", Method: "GET", Path: path, StatusCode: 200}
}

func TestLogger_FlushesOnClose(t *testing.T) {
	sink := &mockSink{}
	l := New(sink, Config{BatchSize: 10, FlushInterval: time.Hour})
	for i := 0; i < 25; i++ {
		l.Record(entry(fmt.Sprintf("/%d", i)))
	}
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got := sink.paths()
	if len(got) != 25 {
		t.Fatalf("expected 25 entries, got %d", len(got))
	}
	for i, p := range got {
		if p != fmt.Sprintf("/%d", i) {
			t.Fatalf("entry %d out of order: %s", i, p)
		}
	}
	if !sink.closed {
		t.Fatal("sink was not closed")
	}
	if l.Written() != 25 {
		t.Fatalf("Written = %d", l.Written())
	}
}

func TestLogger_AssignsIDAndTimestamp(t *testing.T) {
	sink := &mockSink{}
	l := New(sink, Config{FlushInterval: time.Hour})
	l.Record(entry("/a"))
	_ = l.Close(context.Background())
	if sink.saved[0].ID == "" || sink.saved[0].CreatedAt.IsZero() {
		t.Fatalf("id/timestamp not assigned: %+v", sink.saved[0])
	}
}

func TestLogger_FlushesOnInterval(t *testing.T) {
	sink := &mockSink{}
	l := New(sink, Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond})
	defer l.Close(context.Background())

	l.Record(entry("/tick"))
	deadline := time.Now().Add(2 * time.Second)
	for len(sink.paths()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("interval flush never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLogger_DropsOldestWhenFull(t *testing.T) {
	sink := &mockSink{entered: make(chan struct{}), release: make(chan struct{})}
	l := New(sink, Config{QueueSize: 2, BatchSize: 1, FlushInterval: time.Hour})

	l.Record(entry("/0"))
	<-sink.entered // the writer now holds /0 and is blocked

	start := time.Now()
	l.Record(entry("/1"))
	l.Record(entry("/2"))
	l.Record(entry("/3"))
	if time.Since(start) > time.Second {
		t.Fatal("Record blocked on a stalled sink")
	}
	if l.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", l.Dropped())
	}

	go func() {
		for range sink.entered {
		}
	}()
	close(sink.release)
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(sink.entered)

	if got := strings.Join(sink.paths(), ","); got != "/0,/2,/3" {
		t.Fatalf("saved %s, want /0,/2,/3", got)
	}
}

func TestLogger_SinkErrorDoesNotStopLogger(t *testing.T) {
	sink := &mockSink{batchErr: errors.New("db down")}
	l := New(sink, Config{BatchSize: 1, FlushInterval: time.Hour})
	l.Record(entry("/a"))
	l.Record(entry("/b"))
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(sink.paths()) != 2 {
		t.Fatalf("expected both batches attempted, got %v", sink.paths())
	}
	if l.Written() != 0 {
		t.Fatalf("failed batches counted as written: %d", l.Written())
	}
}

func TestLogger_RecordAfterCloseIsDropped(t *testing.T) {
	sink := &mockSink{}
	l := New(sink, Config{})
	_ = l.Close(context.Background())
	l.Record(entry("/late"))
	if l.Dropped() != 1 || len(sink.paths()) != 0 {
		t.Fatalf("late entry should be dropped: dropped=%d saved=%v", l.Dropped(), sink.paths())
	}
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLogger_ConcurrentRecord(t *testing.T) {
	sink := &mockSink{}
	l := New(sink, Config{QueueSize: 100000, BatchSize: 50, FlushInterval: 5 * time.Millisecond})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				l.Record(entry("/c"))
			}
		}()
	}
	wg.Wait()
	_ = l.Close(context.Background())
	if n := len(sink.paths()); n != 1600 {
		t.Fatalf("saved %d entries, want 1600", n)
	}
}

func TestStoreSink_WritesToRepository(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryStore()
	l := New(NewStoreSink(repo), Config{FlushInterval: time.Hour})
	route := "r1"
	e := entry("/x")
	e.RouteID = &route
	l.Record(e)
	l.Record(entry("/missing"))
	_ = l.Close(ctx)

	logs, err := repo.ListAccessLogs(ctx, domain.AccessLogQuery{AppID: "shop"})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 stored entries, got %d", len(logs))
	}
	var sawNilRoute bool
	for _, got := range logs {
		if got.Path == "/missing" && got.RouteID == nil {
			sawNilRoute = true
		}
	}
	if !sawNilRoute {
		t.Fatal("unmatched request should be stored with a nil route id")
	}
}

func TestMultiSink_FanOut(t *testing.T) {
	primary := &mockSink{}
	secondary := &mockSink{batchErr: errors.New("boom")}
	var buf strings.Builder
	slogSink := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	multi := NewMultiSink(primary, secondary, slogSink)

	err := multi.SaveBatch(context.Background(), []*domain.AccessLog{entry("/fan")})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected secondary error, got %v", err)
	}
	if len(primary.saved) != 1 || len(secondary.saved) != 1 {
		t.Fatal("every sink should receive the batch")
	}
	if !strings.Contains(buf.String(), `"path":"/fan"`) {
		t.Fatalf("slog sink output missing entry: %s", buf.String())
	}
	if err := multi.Close(); err != nil || !primary.closed || !secondary.closed {
		t.Fatal("Close should reach every sink")
	}
}
