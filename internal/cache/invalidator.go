package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
)

// InvalidationChannel is the Redis Pub/Sub channel carrying configuration
// change notices between the config collaborator and gateway replicas.
const InvalidationChannel = "orbit:invalidate"

// InvalidationKind tags what changed.
type InvalidationKind string

const (
	// InvalidateApp means the app record, its routes, ACLs or schemes changed.
	InvalidateApp InvalidationKind = "app"
	// InvalidateDeployment means only the active deployment pointer moved.
	InvalidateDeployment InvalidationKind = "deployment"
)

// Invalidation is a pushed change notice.
type Invalidation struct {
	Kind         InvalidationKind `json:"kind"`
	AppID        string           `json:"app_id"`
	Hosts        []string         `json:"hosts,omitempty"`
	DeploymentID string           `json:"deployment_id,omitempty"`
}

// Validate checks that the notice can be applied.
func (m Invalidation) Validate() error {
	switch m.Kind {
	case InvalidateApp:
	case InvalidateDeployment:
		if m.DeploymentID == "" {
			return fmt.Errorf("deployment invalidation for %s has no deployment id", m.AppID)
		}
	default:
		return fmt.Errorf("unknown invalidation kind %q", m.Kind)
	}
	if m.AppID == "" {
		return fmt.Errorf("invalidation has no app id")
	}
	return nil
}

// Handler applies an invalidation locally.
type Handler func(ctx context.Context, msg Invalidation)

// Bus publishes invalidations and fans them out to local handlers.
type Bus interface {
	Publish(ctx context.Context, msg Invalidation) error
	Subscribe(h Handler)
}

type handlers struct {
	mu   sync.RWMutex
	list []Handler
}

func (hs *handlers) add(h Handler) {
	hs.mu.Lock()
	hs.list = append(hs.list, h)
	hs.mu.Unlock()
}

func (hs *handlers) dispatch(ctx context.Context, msg Invalidation) {
	hs.mu.RLock()
	list := hs.list
	hs.mu.RUnlock()
	for _, h := range list {
		h(ctx, msg)
	}
	metrics.RecordInvalidation(string(msg.Kind))
}

// LocalBus delivers invalidations synchronously within one process.
type LocalBus struct {
	handlers handlers
}

// NewLocalBus creates an in-process bus.
func NewLocalBus() *LocalBus { return &LocalBus{} }

func (b *LocalBus) Subscribe(h Handler) { b.handlers.add(h) }

func (b *LocalBus) Publish(ctx context.Context, msg Invalidation) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	b.handlers.dispatch(ctx, msg)
	return nil
}

// Invalidator is a Bus over Redis Pub/Sub: every replica subscribed to the
// channel applies every published notice, including its own.
type Invalidator struct {
	client   *redis.Client
	channel  string
	handlers handlers

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewInvalidator creates a Redis-backed bus. An empty channel uses InvalidationChannel.
func NewInvalidator(client *redis.Client, channel string) *Invalidator {
	if channel == "" {
		channel = InvalidationChannel
	}
	return &Invalidator{client: client, channel: channel}
}

func (i *Invalidator) Subscribe(h Handler) { i.handlers.add(h) }

// Start listens for notices. It blocks until ctx is cancelled or Close is called.
func (i *Invalidator) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		cancel()
		return
	}
	i.cancel = cancel
	i.mu.Unlock()

	pubsub := i.client.Subscribe(subCtx, i.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var inv Invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				logging.Op().Warn("discarding malformed invalidation", "error", err)
				continue
			}
			if err := inv.Validate(); err != nil {
				logging.Op().Warn("discarding invalid invalidation", "error", err)
				continue
			}
			i.handlers.dispatch(subCtx, inv)
		}
	}
}

// Publish broadcasts a notice to every subscribed replica.
func (i *Invalidator) Publish(ctx context.Context, msg Invalidation) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return i.client.Publish(ctx, i.channel, payload).Err()
}

// Close stops the listener.
func (i *Invalidator) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	if i.cancel != nil {
		i.cancel()
	}
	return nil
}
