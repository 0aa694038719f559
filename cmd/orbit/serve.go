package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/oriys/orbit/internal/accesslog"
	"github.com/oriys/orbit/internal/api"
	"github.com/oriys/orbit/internal/buildevents"
	"github.com/oriys/orbit/internal/cache"
	"github.com/oriys/orbit/internal/config"
	"github.com/oriys/orbit/internal/deployment"
	"github.com/oriys/orbit/internal/gateway"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metadata"
	"github.com/oriys/orbit/internal/metrics"
	"github.com/oriys/orbit/internal/observability"
	"github.com/oriys/orbit/internal/routing"
	"github.com/oriys/orbit/internal/sandbox"
	"github.com/oriys/orbit/internal/static"
	"github.com/oriys/orbit/internal/store"
	"github.com/oriys/orbit/internal/tenant"
)

var version = "dev"

func serveCmd() *cobra.Command {
	var (
		configFile string
		listenAddr string
		opsAddr    string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long:  "Run the tenant gateway and its operations server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				loaded, err := config.LoadFromFile(configFile)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)
			if cmd.Flags().Changed("listen") {
				cfg.Gateway.Addr = listenAddr
			}
			if cmd.Flags().Changed("ops-listen") {
				cfg.Gateway.OpsAddr = opsAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (YAML or JSON)")
	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "Gateway listen address")
	cmd.Flags().StringVar(&opsAddr, "ops-listen", ":9090", "Ops server listen address (empty to disable)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	if cfg.AccessLog.Console {
		logging.Default().SetConsole(os.Stdout)
	}
	if cfg.AccessLog.RequestLogFile != "" {
		if err := logging.Default().SetOutput(cfg.AccessLog.RequestLogFile); err != nil {
			return fmt.Errorf("open request log: %w", err)
		}
	}

	if err := observability.Init(ctx, observability.Config{
		Enabled:        cfg.Observability.Tracing.Enabled,
		Exporter:       cfg.Observability.Tracing.Exporter,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		SampleRate:     cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := observability.Shutdown(context.Background()); err != nil {
			logging.Op().Warn("tracing shutdown failed", "error", err)
		}
	}()
	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, nil)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	checks := []api.Check{{Name: cfg.Store.Backend, Ping: st.Ping}}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			if cfg.BuildEvents.Enabled {
				return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
			}
			logging.Op().Warn("redis unavailable, running single-node", "addr", cfg.Redis.Addr, "error", err)
			redisClient.Close()
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	// Shared app record cache and the invalidation bus.
	local := cache.NewInMemoryCache(time.Minute)
	var appCache cache.Cache = local
	var bus cache.Bus = cache.NewLocalBus()
	if redisClient != nil {
		remote := cache.NewRedisCache(redisClient, "orbit:")
		appCache = cache.NewTieredCache(local, remote, cfg.Cache.L1TTL.Std())
		inv := cache.NewInvalidator(redisClient, cfg.Cache.InvalidationChannel)
		go inv.Start(ctx)
		defer inv.Close()
		bus = inv
		checks = append(checks, api.Check{Name: "redis", Ping: remote.Ping})
	}
	defer appCache.Close()

	resolver := tenant.NewResolver(st, appCache, tenant.Options{
		TTL:       cfg.Cache.AppSpecTTL.Std(),
		RecordTTL: cfg.Cache.RecordTTL.Std(),
		Routing: routing.Options{
			CacheSize: cfg.Cache.RouteCacheSize,
			CacheTTL:  cfg.Cache.RouteCacheTTL.Std(),
		},
	})
	resolver.Attach(bus)

	publisher := deployment.NewPublisher(st, bus)
	if err := seedStore(ctx, cfg, st, publisher); err != nil {
		return err
	}

	meta, err := metadata.New(st, cfg.Cache.MetadataCacheSize)
	if err != nil {
		return err
	}

	sb, err := sandbox.New(sandbox.Config{
		Timeout:              cfg.Sandbox.Timeout.Std(),
		MaxFetchCalls:        cfg.Sandbox.MaxFetchCalls,
		MaxFetchBodyBytes:    cfg.Sandbox.MaxFetchBodyBytes,
		AllowPrivateNetworks: cfg.Sandbox.AllowPrivateNetworks,
		ProgramCacheSize:     cfg.Sandbox.ProgramCacheSize,
	})
	if err != nil {
		return err
	}
	defer sb.Close()

	origin, err := openOrigin(ctx, cfg.Static)
	if err != nil {
		return err
	}

	var sink accesslog.Sink = accesslog.NewStoreSink(st)
	if cfg.AccessLog.Console {
		sink = accesslog.NewMultiSink(sink, accesslog.NewSlogSink(logging.Op()))
	}
	access := accesslog.New(sink, accesslog.Config{
		QueueSize:     cfg.AccessLog.QueueSize,
		BatchSize:     cfg.AccessLog.BatchSize,
		FlushInterval: cfg.AccessLog.FlushInterval.Std(),
	})

	pipeline, err := gateway.New(gateway.Deps{
		Resolver: resolver,
		Metadata: meta,
		Invoker:  sb,
		Static:   static.NewResponder(origin),
		Access:   access,
	}, gateway.Options{
		TrustForwardedFor: cfg.Gateway.TrustForwardedFor,
		MaxBodyBytes:      cfg.Gateway.MaxBodyBytes,
		RequestTimeout:    cfg.Gateway.RequestTimeout.Std(),
		SchemaCacheSize:   cfg.Cache.SchemaCacheSize,
	})
	if err != nil {
		return err
	}

	var consumer *buildevents.Consumer
	if cfg.BuildEvents.Enabled {
		name := cfg.BuildEvents.Consumer
		if name == "" {
			name, _ = os.Hostname()
		}
		consumer, err = buildevents.NewConsumer(redisClient, buildevents.Config{
			Stream:   cfg.BuildEvents.Stream,
			Group:    cfg.BuildEvents.Group,
			Consumer: name,
		}, publisher.HandleBuildEvent)
		if err != nil {
			return err
		}
		if err := consumer.Start(ctx); err != nil {
			return err
		}
	}

	gatewayServer := &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           observability.HTTPMiddleware(pipeline),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Op().Info("orbit gateway started", "addr", cfg.Gateway.Addr, "store", cfg.Store.Backend, "static", cfg.Static.Backend)
		if err := gatewayServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var opsServer *http.Server
	if cfg.Gateway.OpsAddr != "" {
		opsServer = api.StartHTTPServer(cfg.Gateway.OpsAddr, api.ServerConfig{
			AccessLogs:  st,
			Deployments: st,
			Activator:   publisher,
			Checks:      checks,
			Metrics:     cfg.Observability.Metrics.Enabled,
		})
		logging.Op().Info("ops server started", "addr", cfg.Gateway.OpsAddr)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logging.Op().Info("shutdown signal received")
	case err := <-errCh:
		runErr = fmt.Errorf("gateway server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout.Std())
	defer cancel()
	if err := gatewayServer.Shutdown(shutdownCtx); err != nil {
		logging.Op().Warn("gateway shutdown failed", "error", err)
	}
	if opsServer != nil {
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logging.Op().Warn("ops server shutdown failed", "error", err)
		}
	}
	if consumer != nil {
		consumer.Stop()
	}
	if err := access.Close(shutdownCtx); err != nil {
		logging.Op().Warn("access log flush incomplete", "error", err, "dropped", access.Dropped())
	}
	logging.Default().Close()
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		pg, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return pg, nil
	}
}

// seedStore loads the seed file and publishes a first deployment for every
// seeded app so it can serve traffic immediately.
func seedStore(ctx context.Context, cfg *config.Config, st store.Store, pub *deployment.Publisher) error {
	if cfg.Store.SeedFile == "" {
		return nil
	}
	seed, err := store.LoadSeed(cfg.Store.SeedFile)
	if err != nil {
		return err
	}
	ids, err := seed.Apply(ctx, st)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := pub.Publish(ctx, id, "seed", ""); err != nil {
			return fmt.Errorf("publish seeded app %s: %w", id, err)
		}
	}
	logging.Op().Info("seed applied", "file", cfg.Store.SeedFile, "apps", len(ids))
	return nil
}

func openOrigin(ctx context.Context, cfg config.StaticConfig) (static.Origin, error) {
	if cfg.Backend == "s3" {
		o, err := static.NewS3Origin(ctx, static.S3Config{
			Bucket:       cfg.Bucket,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 origin: %w", err)
		}
		return o, nil
	}
	o, err := static.NewDirOrigin(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("open static dir: %w", err)
	}
	return o, nil
}
