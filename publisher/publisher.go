// Package publisher serializes result and re-queue packages and
// publishes them under the appropriate routing key.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/c360studio/zoo/enrichers"
	"github.com/c360studio/zoo/metrics"
	"github.com/c360studio/zoo/model"
)

// Transport is the subset of broker.Client the Publisher needs.
// Accepting an interface rather than *broker.Client lets tests drive
// the Publisher against a fake without a live broker.
type Transport interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

type requestKind int

const (
	kindResult requestKind = iota
	kindRequeue
)

type request struct {
	kind    requestKind
	result  model.ResultPackage
	requeue model.RequeuePackage
	done    chan error
}

// Publisher is the one long-lived publish path every coordinator
// shares: a single request queue drained by Run, so no coordinator
// needs its own broker channel.
type Publisher struct {
	transport Transport
	exchange  string
	logger    *slog.Logger
	metrics   *metrics.Metrics
	requests  chan request

	keysMu       sync.RWMutex
	requeueKey   string
	misbehaveKey string
}

// New builds a Publisher. Run must be called once for it to drain
// requests. m may be nil, in which case publishes go unobserved.
func New(transport Transport, exchange, requeueKey, misbehaveKey string, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		transport:    transport,
		exchange:     exchange,
		requeueKey:   requeueKey,
		misbehaveKey: misbehaveKey,
		logger:       logger,
		metrics:      m,
		requests:     make(chan request),
	}
}

// SetRoutingKeys replaces the re-queue and misbehave routing keys in
// place, for a config hot-reload to apply between jobs without
// restarting the dispatcher.
func (p *Publisher) SetRoutingKeys(requeueKey, misbehaveKey string) {
	p.keysMu.Lock()
	defer p.keysMu.Unlock()
	p.requeueKey = requeueKey
	p.misbehaveKey = misbehaveKey
}

// Run drains the request queue until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.requests:
			req.done <- p.handle(ctx, req)
		}
	}
}

func (p *Publisher) handle(ctx context.Context, req request) error {
	switch req.kind {
	case kindResult:
		return p.publishResult(ctx, req.result)
	case kindRequeue:
		return p.publishRequeue(ctx, req.requeue)
	default:
		return fmt.Errorf("unknown publish request kind %d", req.kind)
	}
}

// publishResult publishes one message per Success in pkg, each under
// the routing key its kind maps to. Failures partway through still
// attempt every remaining success; all errors are aggregated rather
// than discarding all but the last.
func (p *Publisher) publishResult(ctx context.Context, pkg model.ResultPackage) error {
	var errs *multierror.Error
	for _, success := range pkg.Successes {
		body, err := json.Marshal(model.ResultMessageFor(pkg, success))
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("marshal result for %s: %w", success.Kind, err))
			continue
		}
		routingKey := enrichers.RoutingKey(success)
		if err := p.transport.Publish(ctx, p.exchange, routingKey, body); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("publish result for %s: %w", success.Kind, err))
			if p.metrics != nil {
				p.metrics.PublishFailures.WithLabelValues(routingKey).Inc()
			}
		}
	}
	return errs.ErrorOrNil()
}

// publishRequeue publishes pkg under the configured re-queue routing
// key, or the misbehave key if pkg is missing fields a later dispatch
// attempt needs.
func (p *Publisher) publishRequeue(ctx context.Context, pkg model.RequeuePackage) error {
	p.keysMu.RLock()
	routingKey, misbehaveKey := p.requeueKey, p.misbehaveKey
	p.keysMu.RUnlock()

	if pkg.Malformed() {
		routingKey = misbehaveKey
		p.logger.Warn("publishing malformed descriptor to misbehave key", "artifact_id", pkg.ArtifactID)
	}
	body, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("marshal requeue package: %w", err)
	}
	if err := p.transport.Publish(ctx, p.exchange, routingKey, body); err != nil {
		if p.metrics != nil {
			p.metrics.PublishFailures.WithLabelValues(routingKey).Inc()
		}
		return fmt.Errorf("publish requeue: %w", err)
	}
	return nil
}

// PublishResult enqueues pkg and returns a channel that receives the
// aggregate publish error (nil on full success) once every contained
// success has been attempted.
func (p *Publisher) PublishResult(ctx context.Context, pkg model.ResultPackage) <-chan error {
	done := make(chan error, 1)
	select {
	case p.requests <- request{kind: kindResult, result: pkg, done: done}:
	case <-ctx.Done():
		done <- ctx.Err()
	}
	return done
}

// PublishRequeue enqueues pkg and returns a channel that receives the
// publish error, if any.
func (p *Publisher) PublishRequeue(ctx context.Context, pkg model.RequeuePackage) <-chan error {
	done := make(chan error, 1)
	select {
	case p.requests <- request{kind: kindRequeue, requeue: pkg, done: done}:
	case <-ctx.Done():
		done <- ctx.Err()
	}
	return done
}
