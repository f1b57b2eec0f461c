package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/zoo/broker"
	"github.com/c360studio/zoo/config"
	"github.com/c360studio/zoo/dispatcher"
	"github.com/c360studio/zoo/download"
	"github.com/c360studio/zoo/enrichers"
	"github.com/c360studio/zoo/metrics"
	"github.com/c360studio/zoo/publisher"
)

// App wires every component together: broker connection, downloader,
// encoder, publisher, dispatcher, and the metrics HTTP server.
type App struct {
	cfgMu      sync.Mutex
	cfg        *config.Config
	configPath string
	loader     *config.Loader
	logger     *slog.Logger

	client     *broker.Client
	encoder    *enrichers.Encoder
	publisher  *publisher.Publisher
	dispatcher *dispatcher.Dispatcher
	metrics    *metrics.Metrics

	metricsServer *http.Server

	publisherCancel context.CancelFunc
	runErr          chan error
}

// NewApp builds an App from cfg. amqpURLOverride, if non-empty,
// replaces the broker URL the config would otherwise build.
// configPath, if non-empty, is watched for hot-reloadable changes
// once Start is called.
func NewApp(cfg *config.Config, configPath, amqpURLOverride, metricsAddr string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pools := buildPools(cfg)
	if err := pools.Validate(); err != nil {
		return nil, fmt.Errorf("enricher pools: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	downloader := download.New(cfg.Zoo.HTTPConnectTimeout, cfg.Zoo.HTTPRequestTimeout, cfg.Zoo.DownloadDirectory)
	encoder := enrichers.NewEncoder(pools, cfg.Zoo.TaskTimeout)

	amqpURL := amqpURLOverride
	if amqpURL == "" {
		amqpURL = cfg.Zoo.RabbitSettings.Host.URL()
	}
	client, err := broker.Connect(amqpURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}

	pub := publisher.New(client, cfg.Zoo.RabbitSettings.Exchange.Name, cfg.Zoo.RequeueKey, cfg.Zoo.MisbehaveKey, m, logger)

	disp, err := dispatcher.New(client, dispatcher.Config{
		Settings:            cfg.Zoo.RabbitSettings,
		Encoder:             encoder,
		Downloader:          downloader,
		Publisher:           pub,
		Metrics:             m,
		Prefetch:            cfg.Zoo.Prefetch,
		HTTPConnectTimeout:  cfg.Zoo.HTTPConnectTimeout,
		HTTPRequestTimeout:  cfg.Zoo.HTTPRequestTimeout,
		CoordinatorDeadline: cfg.Zoo.CoordinatorDeadline,
		Logger:              logger,
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))

	return &App{
		cfg:           cfg,
		configPath:    configPath,
		loader:        config.NewLoader(logger),
		logger:        logger,
		client:        client,
		encoder:       encoder,
		publisher:     pub,
		dispatcher:    disp,
		metrics:       m,
		metricsServer: &http.Server{Addr: metricsAddr, Handler: mux},
		runErr:        make(chan error, 2),
	}, nil
}

// buildPools flattens cfg's enricher settings into the shape Encoder
// consumes.
func buildPools(cfg *config.Config) enrichers.Pools {
	pools := make(enrichers.Pools, len(cfg.Zoo.Enrichers))
	for kind, enricher := range cfg.Zoo.Enrichers {
		pools[kind] = enricher.URI
	}
	return pools
}

// Start launches the publisher's drain loop, the metrics server, the
// dispatcher's consume loop, and — if a config path was given — the
// config file watcher, all in the background. It returns once they
// are running; their actual lifetime is tied to ctx.
func (a *App) Start(ctx context.Context) error {
	publisherCtx, cancel := context.WithCancel(ctx)
	a.publisherCancel = cancel
	go a.publisher.Run(publisherCtx)

	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()

	go func() {
		if err := a.dispatcher.Run(ctx); err != nil {
			a.logger.Error("dispatcher stopped", "error", err)
			a.runErr <- err
			return
		}
		a.runErr <- nil
	}()

	if a.configPath != "" {
		reloads, err := a.loader.Watch(ctx, a.configPath)
		if err != nil {
			return fmt.Errorf("watch config %s: %w", a.configPath, err)
		}
		go a.watchReloads(ctx, reloads)
	}

	return nil
}

// watchReloads applies each validated config that arrives on reloads
// between jobs. A reload that touches a setting RequiresRestart
// (broker host, exchange, work queue, or prefetch) is logged and
// skipped rather than applied live; enricher endpoint pools and the
// re-queue/misbehave routing keys are swapped in place.
func (a *App) watchReloads(ctx context.Context, reloads <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-reloads:
			if !ok {
				return
			}
			a.applyReload(next)
		}
	}
}

func (a *App) applyReload(next *config.Config) {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	if a.cfg.RequiresRestart(next) {
		a.logger.Warn("config change requires a restart, ignoring", "path", a.configPath)
		return
	}

	a.encoder.SetPools(buildPools(next))
	a.publisher.SetRoutingKeys(next.Zoo.RequeueKey, next.Zoo.MisbehaveKey)
	a.cfg = next
	a.logger.Info("applied config reload", "path", a.configPath)
}

// Shutdown tears down the broker connection, the publisher, and the
// metrics server. It is safe to call multiple times.
func (a *App) Shutdown() {
	if a.publisherCancel != nil {
		a.publisherCancel()
	}
	if a.metricsServer != nil {
		_ = a.metricsServer.Close()
	}
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			a.logger.Warn("close broker connection", "error", err)
		}
	}
}
