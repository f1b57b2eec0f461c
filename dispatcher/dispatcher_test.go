package dispatcher_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/zoo/broker"
	"github.com/c360studio/zoo/config"
	"github.com/c360studio/zoo/dispatcher"
	"github.com/c360studio/zoo/download"
	"github.com/c360studio/zoo/enrichers"
	"github.com/c360studio/zoo/model"
	"github.com/c360studio/zoo/publisher"
)

type fakeBroker struct {
	deliveries chan broker.Delivery
}

func (f *fakeBroker) Declare(config.RabbitSettings) error { return nil }
func (f *fakeBroker) SetPrefetch(int) error               { return nil }
func (f *fakeBroker) Consume(string, string) (<-chan broker.Delivery, error) {
	return f.deliveries, nil
}

type fakeTransport struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeTransport) Publish(context.Context, string, string, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func newDispatcher(t *testing.T, prefetch int, deliveries chan broker.Delivery) (*dispatcher.Dispatcher, *fakeTransport) {
	t.Helper()
	dir := t.TempDir()
	transport := &fakeTransport{}
	pub := publisher.New(transport, "zoo", "zoo.requeue", "zoo.misbehave", nil, nil)
	go pub.Run(context.Background())

	d, err := dispatcher.New(&fakeBroker{deliveries: deliveries}, dispatcher.Config{
		Settings:            config.RabbitSettings{WorkQueue: config.Queue{Name: "zoo.work"}},
		Encoder:             enrichers.NewEncoder(enrichers.Pools{}, time.Second),
		Downloader:          download.New(50*time.Millisecond, time.Second, dir),
		Publisher:           pub,
		Prefetch:            prefetch,
		HTTPConnectTimeout:  50 * time.Millisecond,
		HTTPRequestTimeout:  time.Second,
		CoordinatorDeadline: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d, transport
}

func jobBody(t *testing.T, primaryURI string) []byte {
	t.Helper()
	body, err := json.Marshal(model.JobDescriptor{
		PrimaryURI: primaryURI,
		Filename:   "artifact.bin",
		Tasks:      map[model.Kind][]string{},
	})
	if err != nil {
		t.Fatalf("marshal job descriptor: %v", err)
	}
	return body
}

func TestDecodeFailureNacksForRedelivery(t *testing.T) {
	deliveries := make(chan broker.Delivery, 1)
	d, _ := newDispatcher(t, 1, deliveries)

	var acked, nacked atomic.Bool
	deliveries <- broker.NewDelivery(1, []byte("not json"),
		func(bool) error { acked.Store(true); return nil },
		func(bool, bool) error { nacked.Store(true); return nil },
	)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	if acked.Load() {
		t.Fatal("expected the malformed delivery to be nacked, not acked")
	}
	if !nacked.Load() {
		t.Fatal("expected the malformed delivery to be nacked so the broker redelivers it")
	}
}

func TestPrefetchBoundsConcurrentCoordinators(t *testing.T) {
	var inFlight, maxInFlight atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(150 * time.Millisecond)
		inFlight.Add(-1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("artifact"))
	}))
	defer server.Close()

	deliveries := make(chan broker.Delivery, 4)
	d, _ := newDispatcher(t, 2, deliveries)

	for i := uint64(1); i <= 4; i++ {
		deliveries <- broker.NewDelivery(i, jobBody(t, server.URL),
			func(bool) error { return nil },
			func(bool, bool) error { return nil },
		)
	}
	close(deliveries)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = d.Run(ctx)

	if maxInFlight.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent downloads, observed %d", maxInFlight.Load())
	}
}
