package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/zoo/config"
	"github.com/c360studio/zoo/enrichers"
	"github.com/c360studio/zoo/publisher"
)

type fakeTransport struct{}

func (fakeTransport) Publish(context.Context, string, string, []byte) error { return nil }

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	pools := buildPools(cfg)
	encoder := enrichers.NewEncoder(pools, cfg.Zoo.TaskTimeout)
	pub := publisher.New(fakeTransport{}, cfg.Zoo.RabbitSettings.Exchange.Name, cfg.Zoo.RequeueKey, cfg.Zoo.MisbehaveKey, nil, nil)
	return &App{
		cfg:       cfg,
		logger:    slog.Default(),
		encoder:   encoder,
		publisher: pub,
	}
}

func TestApplyReloadSwapsPoolsAndRoutingKeys(t *testing.T) {
	base := config.DefaultConfig()
	app := newTestApp(t, base)

	next := config.DefaultConfig()
	next.Zoo.RequeueKey = "zoo.requeue.v2"
	next.Zoo.MisbehaveKey = "zoo.misbehave.v2"

	app.applyReload(next)

	require.Equal(t, "zoo.requeue.v2", app.cfg.Zoo.RequeueKey)
}

func TestApplyReloadIgnoresRestartRequiringChange(t *testing.T) {
	base := config.DefaultConfig()
	app := newTestApp(t, base)

	next := config.DefaultConfig()
	next.Zoo.RabbitSettings.Host.Server = "other-broker"

	app.applyReload(next)

	require.Equal(t, base.Zoo.RabbitSettings.Host.Server, app.cfg.Zoo.RabbitSettings.Host.Server)
}
