// Package coordinator owns one job end-to-end: it downloads the job's
// artifact, fans it out to work tasks, splits the outcomes into a
// result package and a re-queue package, publishes both, and resolves
// the originating broker delivery.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/c360studio/zoo/download"
	"github.com/c360studio/zoo/metrics"
	"github.com/c360studio/zoo/model"
	"github.com/c360studio/zoo/publisher"
	"github.com/c360studio/zoo/work"
)

// errEnricherFailed marks a work-task outcome as a breaker failure
// without being returned to any caller; the outcome itself always
// carries the real model.WorkResult regardless of this error.
var errEnricherFailed = errors.New("enricher reported failure")

// Sink is how a Coordinator asks its Dispatcher to resolve the
// originating delivery. The Dispatcher performs the actual broker
// Ack/Nack and then calls ConfirmAck on the coordinator that asked.
type Sink interface {
	RequestAck(deliveryTag uint64)
	RequestNack(deliveryTag uint64)
}

// Job carries everything a Coordinator needs to run exactly one
// delivery to completion.
type Job struct {
	DeliveryTag  uint64
	ArtifactID   string
	Filename     string
	PrimaryURI   string
	SecondaryURI string
	Attempts     int
	Tasks        []work.Task
}

// Coordinator is a per-job state machine. It is never shared across
// goroutines beyond its own Run call and the asynchronous ConfirmAck
// signal from its Dispatcher, so its Standoff needs no locking beyond
// what Run's own sequencing already gives it.
type Coordinator struct {
	job    Job
	logger *slog.Logger

	downloader *download.Downloader
	publisher  *publisher.Publisher
	sink       Sink
	metrics    *metrics.Metrics

	httpClient *http.Client
	deadline   time.Duration

	breakersMu sync.Mutex
	breakers   map[model.Kind]*gobreaker.CircuitBreaker

	standoff model.Standoff
	ackDone  chan struct{}
	done     chan struct{}
}

// Config bundles the tunables a Coordinator needs that don't vary
// per job.
type Config struct {
	Downloader         *download.Downloader
	Publisher          *publisher.Publisher
	Sink               Sink
	Metrics            *metrics.Metrics
	HTTPConnectTimeout time.Duration
	HTTPRequestTimeout time.Duration
	Deadline           time.Duration
	Logger             *slog.Logger
}

// New builds a Coordinator for job. Run must be called for it to do
// anything.
func New(job Job, cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		job:        job,
		logger:     logger.With("artifact_id", job.ArtifactID, "delivery_tag", job.DeliveryTag),
		downloader: cfg.Downloader,
		publisher:  cfg.Publisher,
		sink:       cfg.Sink,
		metrics:    cfg.Metrics,
		httpClient: download.NewHTTPClient(cfg.HTTPConnectTimeout, cfg.HTTPRequestTimeout),
		deadline:   cfg.Deadline,
		breakers:   make(map[model.Kind]*gobreaker.CircuitBreaker),
		ackDone:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Done closes once the coordinator has fully terminated.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// ConfirmAck delivers the ConsumerAckDone event: the Dispatcher has
// finished the broker-side Ack or Nack for this job's delivery tag.
func (c *Coordinator) ConfirmAck() {
	select {
	case c.ackDone <- struct{}{}:
	default:
	}
}

// Run drives the job from download through cleanup. It returns once
// the coordinator has reached NackState or Resolved, or ctx's
// deadline (bounded additionally by the coordinator's own 180s
// wall-clock deadline) has elapsed.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)
	defer c.httpClient.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	downloadStart := time.Now()
	result, err := c.downloader.Download(ctx, c.job.PrimaryURI, c.job.SecondaryURI, c.job.Filename)
	if c.metrics != nil {
		c.metrics.DownloadSeconds.Observe(time.Since(downloadStart).Seconds())
	}
	if err != nil {
		c.logger.Warn("download failed", "error", err)
		c.standoff.SetLocal()
		c.standoff.SetNack()
		c.sink.RequestNack(c.job.DeliveryTag)
		if c.metrics != nil {
			c.metrics.JobsNacked.Inc()
		}
		return
	}

	successes, failures := c.runFanOut(ctx, c.job.Tasks)
	c.standoff.SetLocal()

	c.publishSuccesses(ctx, result, successes)
	c.publishFailures(ctx, failures)

	if c.standoff.AckState() {
		c.sink.RequestAck(c.job.DeliveryTag)
		if c.metrics != nil {
			c.metrics.JobsAcked.Inc()
		}
	}

	c.waitConsumerAck(ctx)

	if err := os.Remove(result.Path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to remove temp artifact", "path", result.Path, "error", err)
	}
}

func (c *Coordinator) waitConsumerAck(ctx context.Context) {
	select {
	case <-c.ackDone:
		c.standoff.SetConsumer()
	case <-ctx.Done():
		c.logger.Warn("coordinator deadline exceeded waiting for consumer ack")
	}
}

func (c *Coordinator) publishSuccesses(ctx context.Context, result download.Result, successes []model.WorkResult) {
	if len(successes) == 0 {
		c.standoff.SetResult()
		return
	}
	pkg := model.ResultPackage{
		ArtifactID: c.job.ArtifactID,
		Successes:  successes,
		MD5:        result.MD5,
		SHA1:       result.SHA1,
		SHA256:     result.SHA256,
	}
	if err := <-c.publisher.PublishResult(ctx, pkg); err != nil {
		c.logger.Error("publish result failed", "error", err)
	}
	c.standoff.SetResult()
}

func (c *Coordinator) publishFailures(ctx context.Context, failures []model.WorkResult) {
	if len(failures) == 0 {
		c.standoff.SetRemainder()
		return
	}
	pkg := buildRequeue(c.job, failures)
	if err := <-c.publisher.PublishRequeue(ctx, pkg); err != nil {
		c.logger.Error("publish requeue failed", "error", err)
	}
	c.standoff.SetRemainder()
}

// buildRequeue merges failures back into a re-queue descriptor,
// keyed by kind. Collisions on the same kind append into that kind's
// argument list, so the merge is associative regardless of the order
// the failures completed in.
func buildRequeue(job Job, failures []model.WorkResult) model.RequeuePackage {
	tasks := make(map[model.Kind][]string)
	for _, f := range failures {
		tasks[f.Kind] = append(tasks[f.Kind], f.Arguments...)
	}
	return model.RequeuePackage{
		JobDescriptor: model.JobDescriptor{
			PrimaryURI:   job.PrimaryURI,
			SecondaryURI: job.SecondaryURI,
			Filename:     job.Filename,
			Tasks:        tasks,
			Attempts:     job.Attempts,
		},
		ArtifactID: job.ArtifactID,
	}
}

// runFanOut launches one goroutine per task, joins on all of them,
// and partitions their outcomes into successes and failures.
// UnsupportedWork tasks contribute to neither set.
func (c *Coordinator) runFanOut(ctx context.Context, tasks []work.Task) (successes, failures []model.WorkResult) {
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, t := range tasks {
		wg.Add(1)
		go func(t work.Task) {
			defer wg.Done()
			outcome := c.runTask(ctx, t)
			if !outcome.ran {
				return
			}
			if c.metrics != nil {
				c.metrics.ObserveTask(t.Kind(), outcome.result.Status)
			}
			mu.Lock()
			defer mu.Unlock()
			if outcome.result.Status {
				successes = append(successes, outcome.result)
			} else {
				failures = append(failures, outcome.result)
			}
		}(t)
	}
	wg.Wait()
	return successes, failures
}

type taskOutcome struct {
	result model.WorkResult
	ran    bool
}

// runTask executes t behind this coordinator's private circuit
// breaker for its kind, so a pool of dead enrichers stops being
// called instead of burning every task's timeout budget. Unsupported
// tasks bypass the breaker entirely: they never touch the network.
func (c *Coordinator) runTask(ctx context.Context, t work.Task) taskOutcome {
	if !model.HasWorkVariant(t.Kind()) {
		result, ran := t.Run(ctx, c.httpClient)
		return taskOutcome{result: result, ran: ran}
	}

	breaker := c.breakerFor(t.Kind())
	v, err := breaker.Execute(func() (interface{}, error) {
		result, ran := t.Run(ctx, c.httpClient)
		if !result.Status {
			return taskOutcome{result: result, ran: ran}, errEnricherFailed
		}
		return taskOutcome{result: result, ran: ran}, nil
	})
	if outcome, ok := v.(taskOutcome); ok {
		return outcome
	}
	c.logger.Warn("circuit open, enricher call skipped", "kind", t.Kind(), "error", err)
	if c.metrics != nil {
		c.metrics.BreakerOpens.WithLabelValues(string(t.Kind())).Inc()
	}
	return taskOutcome{result: model.NewFailure(t.Kind(), fmt.Sprintf("circuit open: %v", err), nil), ran: true}
}

func (c *Coordinator) breakerFor(kind model.Kind) *gobreaker.CircuitBreaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	if cb, ok := c.breakers[kind]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: string(kind)})
	c.breakers[kind] = cb
	return cb
}
