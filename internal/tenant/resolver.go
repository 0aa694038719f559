package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oriys/orbit/internal/cache"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
	"github.com/oriys/orbit/internal/routing"
	"github.com/oriys/orbit/internal/store"
)

// loadTimeout bounds a shared host load.
const loadTimeout = 10 * time.Second

// Options configures a Resolver.
type Options struct {
	// TTL bounds how long a resolved specification is served without
	// reloading. Zero keeps it until invalidated.
	TTL time.Duration
	// RecordTTL is the lifetime of app records in the shared cache.
	RecordTTL time.Duration
	// Routing configures each app's compiled route table.
	Routing routing.Options
}

type entry struct {
	spec    *AppSpecification
	expires time.Time // zero = no expiry
}

// Resolver maps hosts to AppSpecifications. Misses are coalesced per host;
// the shared cache, when set, is consulted before the store.
type Resolver struct {
	store store.AppReader
	cache cache.Cache
	opts  Options

	specs sync.Map // normalized host -> *entry
	group singleflight.Group
	// gen is bumped by every invalidation so loads that started before it
	// do not publish stale specifications.
	gen atomic.Uint64
	now func() time.Time
}

// NewResolver creates a resolver. c may be nil.
func NewResolver(s store.AppReader, c cache.Cache, opts Options) *Resolver {
	return &Resolver{store: s, cache: c, opts: opts, now: time.Now}
}

// Attach subscribes the resolver to pushed invalidations.
func (r *Resolver) Attach(bus cache.Bus) {
	bus.Subscribe(r.HandleInvalidation)
}

// Resolve returns the specification of the app bound to host.
func (r *Resolver) Resolve(ctx context.Context, host string) (*AppSpecification, error) {
	host = domain.NormalizeHost(host)
	if host == "" {
		return nil, ErrAppNotFound
	}

	if v, ok := r.specs.Load(host); ok {
		e := v.(*entry)
		if e.expires.IsZero() || r.now().Before(e.expires) {
			metrics.RecordCacheLookup("app_spec", true)
			return e.spec, nil
		}
	}
	metrics.RecordCacheLookup("app_spec", false)

	// The load is shared by every caller waiting on host, so it must not
	// end when the caller that started it goes away.
	ch := r.group.DoChan(host, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		gen := r.gen.Load()
		spec, err := r.load(loadCtx, host)
		if err != nil {
			return nil, err
		}
		if r.gen.Load() == gen {
			e := &entry{spec: spec}
			if r.opts.TTL > 0 {
				e.expires = r.now().Add(r.opts.TTL)
			}
			r.specs.Store(host, e)
		}
		return spec, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*AppSpecification), nil
	}
}

func (r *Resolver) load(ctx context.Context, host string) (*AppSpecification, error) {
	key := cache.AppRecordKey(host)
	if r.cache != nil {
		if data, err := r.cache.Get(ctx, key); err == nil {
			var rec record
			if err := json.Unmarshal(data, &rec); err == nil {
				return buildSpecification(&rec, r.opts.Routing)
			}
			logging.Op().Warn("discarding malformed app record", "host", host)
		} else if !errors.Is(err, cache.ErrNotFound) {
			logging.Op().Warn("app record cache read failed", "host", host, "error", err)
		}
	}

	rec, err := r.fetch(ctx, host)
	if err != nil {
		return nil, err
	}
	spec, err := buildSpecification(rec, r.opts.Routing)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if data, err := json.Marshal(rec); err == nil {
			if err := r.cache.Set(ctx, key, data, r.opts.RecordTTL); err != nil {
				logging.Op().Warn("app record cache write failed", "host", host, "error", err)
			}
		}
	}
	return spec, nil
}

func (r *Resolver) fetch(ctx context.Context, host string) (*record, error) {
	app, err := r.store.GetAppByHost(ctx, host)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAppNotFound, host)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve host %s: %w", host, err)
	}

	cfg, err := r.store.GetRoutingConfig(ctx, app.ID)
	if errors.Is(err, store.ErrNotFound) {
		cfg = &domain.RoutingConfig{SchemaVersion: "1"}
	} else if err != nil {
		return nil, fmt.Errorf("load routing for app %s: %w", app.ID, err)
	}

	schemes, err := r.store.ListAuthSchemes(ctx, app.ID)
	if err != nil {
		return nil, fmt.Errorf("load auth schemes for app %s: %w", app.ID, err)
	}
	return &record{App: app, Routing: cfg, AuthSchemes: schemes}, nil
}

// HandleInvalidation applies a pushed change notice. App notices evict the
// app's specifications; deployment notices swap the active pointer in place.
func (r *Resolver) HandleInvalidation(ctx context.Context, msg cache.Invalidation) {
	r.gen.Add(1)

	hosts := make(map[string]struct{}, len(msg.Hosts))
	for _, h := range msg.Hosts {
		hosts[domain.NormalizeHost(h)] = struct{}{}
	}
	r.specs.Range(func(k, v any) bool {
		if v.(*entry).spec.AppID() == msg.AppID {
			hosts[k.(string)] = struct{}{}
		}
		return true
	})

	for host := range hosts {
		switch msg.Kind {
		case cache.InvalidateDeployment:
			if v, ok := r.specs.Load(host); ok {
				v.(*entry).spec.SetActiveDeployment(msg.DeploymentID)
			}
		default:
			r.specs.Delete(host)
		}
		if r.cache != nil {
			if err := r.cache.Delete(ctx, cache.AppRecordKey(host)); err != nil {
				logging.Op().Warn("app record cache delete failed", "host", host, "error", err)
			}
		}
	}
	logging.Op().Debug("invalidation applied",
		"kind", msg.Kind, "app_id", msg.AppID, "hosts", len(hosts))
}

// Len returns the number of cached specifications.
func (r *Resolver) Len() int {
	n := 0
	r.specs.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
