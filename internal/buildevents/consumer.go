package buildevents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
)

const (
	DefaultStream = "orbit:build-events"
	DefaultGroup  = "orbit-gateway"
	defaultBlock  = 5 * time.Second
	defaultCount  = 16
	retryBackoff  = time.Second

	defaultRetryInterval = 30 * time.Second
	defaultMaxDeliveries = 5
)

// Handler processes one decoded build event. A returned error leaves the
// entry pending; it is retried every RetryInterval until MaxDeliveries
// attempts have failed, after which it is acknowledged and dropped.
type Handler func(ctx context.Context, ev domain.BuildEvent) error

// Config selects the stream and the consumer group position.
type Config struct {
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
	Count    int64

	// RetryInterval is the pause between passes over failed entries.
	RetryInterval time.Duration
	// MaxDeliveries bounds handler attempts per entry.
	MaxDeliveries int
}

// Consumer reads build events from a Redis Stream with XREADGROUP.
type Consumer struct {
	client  *redis.Client
	cfg     Config
	handler Handler

	// attempts counts failed deliveries per entry id. Owned by the
	// consume loop.
	attempts map[string]int

	mu      sync.Mutex
	healthy bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewConsumer validates cfg and fills in defaults.
func NewConsumer(client *redis.Client, cfg Config, handler Handler) (*Consumer, error) {
	if client == nil {
		return nil, errors.New("build events consumer requires a redis client")
	}
	if handler == nil {
		return nil, errors.New("build events consumer requires a handler")
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		return nil, errors.New("build events consumer requires a consumer name")
	}
	if cfg.Block <= 0 {
		cfg.Block = defaultBlock
	}
	if cfg.Count <= 0 {
		cfg.Count = defaultCount
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = defaultMaxDeliveries
	}
	return &Consumer{
		client:   client,
		cfg:      cfg,
		handler:  handler,
		attempts: make(map[string]int),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start creates the consumer group if needed and begins consuming in the
// background. Entries left pending by this consumer are replayed first.
func (c *Consumer) Start(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", c.cfg.Group, err)
	}

	c.mu.Lock()
	c.healthy = true
	c.started = true
	c.mu.Unlock()

	go c.consumeLoop(ctx)
	logging.Op().Info("build events consumer started",
		"stream", c.cfg.Stream, "group", c.cfg.Group, "consumer", c.cfg.Consumer)
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer close(c.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	// A replay pass walks this consumer's pending entries once, starting
	// after id "0" and advancing past each batch. Outside a pass the loop
	// reads new entries with ">".
	replaying := true
	cursor := "0"
	lastPass := time.Now()
	for ctx.Err() == nil {
		if !replaying && len(c.attempts) > 0 && time.Since(lastPass) >= c.cfg.RetryInterval {
			replaying, cursor = true, "0"
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.cfg.Stream, cursor},
			Count:    c.cfg.Count,
			Block:    c.cfg.Block,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return
			}
			c.setHealthy(false)
			logging.Op().Warn("build events read failed", "stream", c.cfg.Stream, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryBackoff):
			}
			continue
		}
		c.setHealthy(true)

		last := ""
		for _, s := range streams {
			for _, msg := range s.Messages {
				last = msg.ID
				c.dispatch(ctx, msg)
			}
		}
		if !replaying {
			continue
		}
		if last == "" {
			replaying, cursor = false, ">"
			lastPass = time.Now()
			continue
		}
		cursor = last
	}
}

// dispatch handles one entry. Malformed entries are acknowledged and dropped;
// entries whose handler fails stay pending until MaxDeliveries is reached.
func (c *Consumer) dispatch(ctx context.Context, msg redis.XMessage) {
	log := logging.Op().With("stream", c.cfg.Stream, "message_id", msg.ID)

	ev, err := Decode(msg.Values)
	if err != nil {
		log.Warn("discarding malformed build event", "error", err)
		metrics.RecordBuildEvent("unknown", "malformed")
		c.ack(ctx, msg.ID)
		return
	}
	if err := c.handler(ctx, ev); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.attempts[msg.ID]++
		n := c.attempts[msg.ID]
		if n < c.cfg.MaxDeliveries {
			log.Error("build event handling failed", "build_id", ev.BuildID, "attempt", n, "error", err)
			return
		}
		log.Error("dropping build event after repeated failures", "build_id", ev.BuildID, "attempts", n, "error", err)
		metrics.RecordBuildEvent(string(ev.Status), "dead_lettered")
		delete(c.attempts, msg.ID)
		c.ack(ctx, msg.ID)
		return
	}
	delete(c.attempts, msg.ID)
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		logging.Op().Warn("build event ack failed", "message_id", id, "error", err)
	}
}

func (c *Consumer) setHealthy(v bool) {
	c.mu.Lock()
	c.healthy = v
	c.mu.Unlock()
}

// Stop ends consumption and waits for the loop to exit.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
	c.setHealthy(false)
	logging.Op().Info("build events consumer stopped", "stream", c.cfg.Stream)
}

// IsHealthy reports whether the last read succeeded.
func (c *Consumer) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}
