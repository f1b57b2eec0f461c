// Package config loads and validates the dispatcher's configuration:
// the AMQP broker settings, the enricher endpoint pools, and the
// per-job timeouts, using the flat key names from the zoo.* namespace.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/c360studio/zoo/model"
)

// Config is the root configuration document, rooted under a single
// "zoo" yaml key so the flat dotted names (zoo.requeueKey,
// zoo.rabbit_settings..., zoo.enrichers.<kind>.uri) map directly onto
// nested struct fields.
type Config struct {
	Zoo Zoo `yaml:"zoo"`
}

// Zoo holds every setting the dispatcher needs to run.
type Zoo struct {
	RequeueKey          string                  `yaml:"requeueKey"`
	MisbehaveKey        string                  `yaml:"misbehaveKey"`
	RabbitSettings      RabbitSettings          `yaml:"rabbit_settings"`
	Enrichers           map[model.Kind]Enricher `yaml:"enrichers"`
	DownloadDirectory   string                  `yaml:"download_directory"`
	Prefetch            int                     `yaml:"prefetch"`
	TaskTimeout         time.Duration           `yaml:"task_timeout"`
	HTTPConnectTimeout  time.Duration           `yaml:"http_connect_timeout"`
	HTTPRequestTimeout  time.Duration           `yaml:"http_request_timeout"`
	CoordinatorDeadline time.Duration           `yaml:"coordinator_deadline"`
}

// RabbitSettings mirrors zoo.rabbit_settings.*.
type RabbitSettings struct {
	Host         HostSettings `yaml:"host"`
	Exchange     Exchange     `yaml:"exchange"`
	WorkQueue    Queue        `yaml:"workqueue"`
	ResultsQueue Queue        `yaml:"resultsqueue"`
}

// HostSettings mirrors zoo.rabbit_settings.host.*.
type HostSettings struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Vhost    string `yaml:"vhost"`
}

// URL builds the amqp091-go connection string for these host settings.
func (h HostSettings) URL() string {
	vhost := h.Vhost
	if vhost == "/" || vhost == "" {
		vhost = ""
	} else {
		vhost = "/" + url.PathEscape(vhost)
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		url.QueryEscape(h.Username), url.QueryEscape(h.Password), h.Server, h.Port, vhost)
}

// Exchange mirrors zoo.rabbit_settings.exchange.*.
type Exchange struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// Queue mirrors zoo.rabbit_settings.{workqueue,resultsqueue}.*.
type Queue struct {
	Name       string `yaml:"name"`
	RoutingKey string `yaml:"routing_key"`
	Durable    bool   `yaml:"durable"`
	Exclusive  bool   `yaml:"exclusive"`
	AutoDelete bool   `yaml:"autodelete"`
}

// Enricher mirrors zoo.enrichers.<kind>.uri: a pool of base URLs one
// is chosen from uniformly at random per work task.
type Enricher struct {
	URI []string `yaml:"uri"`
}

// DefaultConfig returns sensible defaults: a 60s task timeout, a 500ms
// connect timeout, a 60s HTTP request timeout, a 180s coordinator
// deadline, and a prefetch of 3.
func DefaultConfig() *Config {
	return &Config{
		Zoo: Zoo{
			RequeueKey:          "zoo.requeue",
			MisbehaveKey:        "zoo.misbehave",
			DownloadDirectory:   "/tmp",
			Prefetch:            3,
			TaskTimeout:         60 * time.Second,
			HTTPConnectTimeout:  500 * time.Millisecond,
			HTTPRequestTimeout:  60 * time.Second,
			CoordinatorDeadline: 180 * time.Second,
			RabbitSettings: RabbitSettings{
				Host: HostSettings{
					Server: "localhost",
					Port:   5672,
					Vhost:  "/",
				},
				Exchange: Exchange{
					Name:    "zoo",
					Type:    "direct",
					Durable: true,
				},
				WorkQueue: Queue{
					Name:       "zoo.work",
					RoutingKey: "zoo.work",
					Durable:    true,
				},
				ResultsQueue: Queue{
					Name:       "zoo.results",
					RoutingKey: "zoo.results",
					Durable:    true,
				},
			},
		},
	}
}

// Validate rejects configuration that would make the dispatcher unable
// to start or would leave every job unable to make progress.
func (c *Config) Validate() error {
	if c.Zoo.RabbitSettings.Host.Server == "" {
		return fmt.Errorf("rabbit_settings.host.server is required")
	}
	if c.Zoo.RabbitSettings.Host.Port <= 0 {
		return fmt.Errorf("rabbit_settings.host.port must be positive")
	}
	if c.Zoo.RabbitSettings.Exchange.Name == "" {
		return fmt.Errorf("rabbit_settings.exchange.name is required")
	}
	if c.Zoo.RabbitSettings.WorkQueue.Name == "" {
		return fmt.Errorf("rabbit_settings.workqueue.name is required")
	}
	if c.Zoo.RequeueKey == "" {
		return fmt.Errorf("requeueKey is required")
	}
	if c.Zoo.Prefetch <= 0 {
		return fmt.Errorf("prefetch must be positive")
	}
	if c.Zoo.DownloadDirectory == "" {
		return fmt.Errorf("download_directory is required")
	}
	if len(c.Zoo.Enrichers) == 0 {
		return fmt.Errorf("at least one enricher pool must be configured")
	}
	for kind, enricher := range c.Zoo.Enrichers {
		if len(enricher.URI) == 0 {
			return fmt.Errorf("enrichers.%s.uri must not be empty", kind)
		}
	}
	return nil
}

// RequiresRestart reports whether applying next over the receiver
// changes a setting the broker connection depends on, which a
// hot-reload cannot safely apply to a running dispatcher.
func (c *Config) RequiresRestart(next *Config) bool {
	return c.Zoo.RabbitSettings.Host != next.Zoo.RabbitSettings.Host ||
		c.Zoo.RabbitSettings.Exchange != next.Zoo.RabbitSettings.Exchange ||
		c.Zoo.RabbitSettings.WorkQueue != next.Zoo.RabbitSettings.WorkQueue ||
		c.Zoo.Prefetch != next.Zoo.Prefetch
}
