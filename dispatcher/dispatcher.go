// Package dispatcher owns the broker channel and the consume loop: it
// decodes deliveries into job descriptors, builds each job's work
// tasks, and spawns a coordinator to run the job to completion. It is
// the only component that ever touches a broker.Delivery directly;
// coordinators resolve their delivery by asking the Dispatcher through
// the coordinator.Sink interface it implements.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/c360studio/zoo/broker"
	"github.com/c360studio/zoo/config"
	"github.com/c360studio/zoo/coordinator"
	"github.com/c360studio/zoo/download"
	"github.com/c360studio/zoo/enrichers"
	"github.com/c360studio/zoo/metrics"
	"github.com/c360studio/zoo/model"
	"github.com/c360studio/zoo/publisher"
)

// Broker is the subset of *broker.Client the Dispatcher depends on, so
// tests can drive it without a live AMQP connection.
type Broker interface {
	Declare(settings config.RabbitSettings) error
	SetPrefetch(prefetch int) error
	Consume(queueName, consumerTag string) (<-chan broker.Delivery, error)
}

// Config bundles the Dispatcher's tunables.
type Config struct {
	Settings            config.RabbitSettings
	Encoder             *enrichers.Encoder
	Downloader          *download.Downloader
	Publisher           *publisher.Publisher
	Metrics             *metrics.Metrics
	Prefetch            int
	HTTPConnectTimeout  time.Duration
	HTTPRequestTimeout  time.Duration
	CoordinatorDeadline time.Duration
	ConsumerTag         string
	Logger              *slog.Logger
}

type inFlightJob struct {
	delivery broker.Delivery
	coord    *coordinator.Coordinator
}

// Dispatcher declares topology, consumes the work queue, and spawns a
// coordinator per delivery, bounding concurrency to its configured
// prefetch so at no point does it run more coordinators than the
// broker has unacked deliveries outstanding for.
type Dispatcher struct {
	logger *slog.Logger

	client      Broker
	settings    config.RabbitSettings
	encoder     *enrichers.Encoder
	downloader  *download.Downloader
	publisher   *publisher.Publisher
	metrics     *metrics.Metrics
	consumerTag string

	httpConnectTimeout  time.Duration
	httpRequestTimeout  time.Duration
	coordinatorDeadline time.Duration

	prefetch int
	sem      *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[uint64]inFlightJob
}

// New builds a Dispatcher over client. client does not need to be
// connected yet; Run declares topology and starts consuming.
func New(client Broker, cfg Config) (*Dispatcher, error) {
	if cfg.Prefetch <= 0 {
		return nil, fmt.Errorf("prefetch must be positive")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	consumerTag := cfg.ConsumerTag
	if consumerTag == "" {
		consumerTag = "zoo-dispatcher"
	}
	return &Dispatcher{
		logger:              logger,
		client:              client,
		settings:            cfg.Settings,
		encoder:             cfg.Encoder,
		downloader:          cfg.Downloader,
		publisher:           cfg.Publisher,
		metrics:             cfg.Metrics,
		consumerTag:         consumerTag,
		httpConnectTimeout:  cfg.HTTPConnectTimeout,
		httpRequestTimeout:  cfg.HTTPRequestTimeout,
		coordinatorDeadline: cfg.CoordinatorDeadline,
		prefetch:            cfg.Prefetch,
		sem:                 semaphore.NewWeighted(int64(cfg.Prefetch)),
		inFlight:            make(map[uint64]inFlightJob),
	}, nil
}

// Run declares topology, sets prefetch, and consumes until ctx is
// canceled or the delivery channel closes. It blocks until every
// in-flight coordinator it spawned has returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.client.Declare(d.settings); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}
	if err := d.client.SetPrefetch(d.prefetch); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := d.client.Consume(d.settings.WorkQueue.Name, d.consumerTag)
	if err != nil {
		return fmt.Errorf("consume %s: %w", d.settings.WorkQueue.Name, err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			if err := d.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			wg.Add(1)
			go func(delivery broker.Delivery) {
				defer wg.Done()
				d.handleDelivery(ctx, delivery)
			}(delivery)
		}
	}
}

// handleDelivery decodes delivery and, on success, runs a coordinator
// for it to completion. The semaphore slot acquired for this delivery
// is released once the job is resolved, whether by decode failure or
// by the coordinator asking this Dispatcher to Ack or Nack.
func (d *Dispatcher) handleDelivery(ctx context.Context, delivery broker.Delivery) {
	var descriptor model.JobDescriptor
	if err := json.Unmarshal(delivery.Body, &descriptor); err != nil {
		d.logger.Error("failed to decode job descriptor, dropping", "error", err, "delivery_tag", delivery.Tag)
		if d.metrics != nil {
			d.metrics.DecodeFailures.Inc()
		}
		if err := delivery.Nack(); err != nil {
			d.logger.Error("nack after decode failure", "error", err, "delivery_tag", delivery.Tag)
		}
		d.sem.Release(1)
		return
	}

	artifactID := uuid.NewString()
	tasks := d.encoder.Enumerate(delivery.Tag, artifactID, descriptor.Tasks)
	if d.metrics != nil {
		d.metrics.JobsDispatched.Inc()
	}

	job := coordinator.Job{
		DeliveryTag:  delivery.Tag,
		ArtifactID:   artifactID,
		Filename:     descriptor.Filename,
		PrimaryURI:   descriptor.PrimaryURI,
		SecondaryURI: descriptor.SecondaryURI,
		Attempts:     descriptor.Attempts,
		Tasks:        tasks,
	}

	coord := coordinator.New(job, coordinator.Config{
		Downloader:         d.downloader,
		Publisher:          d.publisher,
		Sink:               d,
		Metrics:            d.metrics,
		HTTPConnectTimeout: d.httpConnectTimeout,
		HTTPRequestTimeout: d.httpRequestTimeout,
		Deadline:           d.coordinatorDeadline,
		Logger:             d.logger,
	})

	d.mu.Lock()
	d.inFlight[delivery.Tag] = inFlightJob{delivery: delivery, coord: coord}
	d.mu.Unlock()

	coord.Run(ctx)
}

// RequestAck implements coordinator.Sink: it performs the broker-level
// Ack for the job's delivery, then confirms back to the coordinator
// that asked so it can unblock its own wait.
func (d *Dispatcher) RequestAck(deliveryTag uint64) {
	job, ok := d.resolve(deliveryTag)
	if !ok {
		return
	}
	if err := job.delivery.Ack(); err != nil {
		d.logger.Error("ack delivery failed", "error", err, "delivery_tag", deliveryTag)
	}
	job.coord.ConfirmAck()
}

// RequestNack implements coordinator.Sink, mirroring RequestAck for
// the Nack path.
func (d *Dispatcher) RequestNack(deliveryTag uint64) {
	job, ok := d.resolve(deliveryTag)
	if !ok {
		return
	}
	if err := job.delivery.Nack(); err != nil {
		d.logger.Error("nack delivery failed", "error", err, "delivery_tag", deliveryTag)
	}
	job.coord.ConfirmAck()
}

// resolve removes deliveryTag's bookkeeping and frees its prefetch
// slot, returning the job it found. A coordinator can only call
// RequestAck or RequestNack once per job, so this is also the one
// place the slot is released for a job that made it past decoding.
func (d *Dispatcher) resolve(deliveryTag uint64) (inFlightJob, bool) {
	d.mu.Lock()
	job, ok := d.inFlight[deliveryTag]
	if ok {
		delete(d.inFlight, deliveryTag)
	}
	d.mu.Unlock()
	if !ok {
		d.logger.Error("resolve requested for unknown delivery", "delivery_tag", deliveryTag)
		return inFlightJob{}, false
	}
	d.sem.Release(1)
	return job, true
}
