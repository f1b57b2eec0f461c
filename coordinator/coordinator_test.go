package coordinator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/zoo/coordinator"
	"github.com/c360studio/zoo/download"
	"github.com/c360studio/zoo/model"
	"github.com/c360studio/zoo/publisher"
	"github.com/c360studio/zoo/work"
)

type publishCall struct {
	routingKey string
	body       []byte
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []publishCall
}

func (f *fakeTransport) Publish(_ context.Context, _, routingKey string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, publishCall{routingKey, body})
	return nil
}

func (f *fakeTransport) callsFor(routingKey string) []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishCall
	for _, c := range f.calls {
		if c.routingKey == routingKey {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSink struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
	coord  *coordinator.Coordinator
}

func (f *fakeSink) RequestAck(tag uint64) {
	f.mu.Lock()
	f.acked = append(f.acked, tag)
	f.mu.Unlock()
	f.coord.ConfirmAck()
}

func (f *fakeSink) RequestNack(tag uint64) {
	f.mu.Lock()
	f.nacked = append(f.nacked, tag)
	f.mu.Unlock()
	f.coord.ConfirmAck()
}

func newPublisher(t *testing.T, transport publisher.Transport) *publisher.Publisher {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	p := publisher.New(transport, "zoo", "zoo.requeue", "zoo.misbehave", nil, nil)
	go p.Run(ctx)
	return p
}

func run(t *testing.T, job coordinator.Job, downloader *download.Downloader, pub *publisher.Publisher, deadline time.Duration) (*coordinator.Coordinator, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	coord := coordinator.New(job, coordinator.Config{
		Downloader:         downloader,
		Publisher:          pub,
		Sink:               sink,
		HTTPConnectTimeout: 500 * time.Millisecond,
		HTTPRequestTimeout: 2 * time.Second,
		Deadline:           deadline,
	})
	sink.coord = coord
	coord.Run(context.Background())
	return coord, sink
}

func TestHappyPath(t *testing.T) {
	artifact := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x00})
	}))
	defer artifact.Close()
	yara := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("clean"))
	}))
	defer yara.Close()

	dir := t.TempDir()
	downloader := download.New(500*time.Millisecond, 2*time.Second, dir)
	transport := &fakeTransport{}
	pub := newPublisher(t, transport)

	task := work.New(model.KindYara, 1, "artifact-1", yara.URL, nil, time.Second)
	job := coordinator.Job{
		DeliveryTag: 1,
		ArtifactID:  "artifact-1",
		Filename:    "x.exe",
		PrimaryURI:  artifact.URL,
		Tasks:       []work.Task{task},
	}

	_, sink := run(t, job, downloader, pub, 5*time.Second)

	require.Equal(t, []uint64{1}, sink.acked, "expected ack of tag 1, nacked=%v", sink.nacked)
	require.Empty(t, sink.nacked)
	calls := transport.callsFor("yara.result.static.zoo")
	require.Len(t, calls, 1)
	var msg model.ResultMessage
	require.NoError(t, json.Unmarshal(calls[0].body, &msg))
	require.Equal(t, "93b885adfe0da089cdf634904fd59f71", msg.MD5)
	require.Equal(t, "clean", msg.Data)
	if _, err := os.Stat(filepath.Join(dir, "x.exe")); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be removed, stat err=%v", err)
	}
}

func TestDownloadFails(t *testing.T) {
	artifact := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer artifact.Close()

	dir := t.TempDir()
	downloader := download.New(500*time.Millisecond, 2*time.Second, dir)
	transport := &fakeTransport{}
	pub := newPublisher(t, transport)

	job := coordinator.Job{
		DeliveryTag: 2,
		ArtifactID:  "artifact-2",
		Filename:    "x.exe",
		PrimaryURI:  artifact.URL,
	}

	_, sink := run(t, job, downloader, pub, 5*time.Second)

	if len(sink.nacked) != 1 || sink.nacked[0] != 2 {
		t.Fatalf("expected nack of tag 2, got acked=%v nacked=%v", sink.acked, sink.nacked)
	}
	if transport.count() != 0 {
		t.Fatalf("expected no publishes, got %d", transport.count())
	}
	if _, err := os.Stat(filepath.Join(dir, "x.exe")); !os.IsNotExist(err) {
		t.Fatalf("expected no temp file, stat err=%v", err)
	}
}

func TestPartialFailure(t *testing.T) {
	artifact := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x00})
	}))
	defer artifact.Close()
	yara := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("clean"))
	}))
	defer yara.Close()
	vtsample := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer vtsample.Close()

	dir := t.TempDir()
	downloader := download.New(500*time.Millisecond, 2*time.Second, dir)
	transport := &fakeTransport{}
	pub := newPublisher(t, transport)

	job := coordinator.Job{
		DeliveryTag: 3,
		ArtifactID:  "artifact-3",
		Filename:    "x.exe",
		PrimaryURI:  artifact.URL,
		Tasks: []work.Task{
			work.New(model.KindYara, 3, "artifact-3", yara.URL, nil, time.Second),
			work.New(model.KindVTSample, 3, "artifact-3", vtsample.URL, nil, time.Second),
		},
	}

	_, sink := run(t, job, downloader, pub, 5*time.Second)

	if len(sink.acked) != 1 {
		t.Fatalf("expected ack, got acked=%v nacked=%v", sink.acked, sink.nacked)
	}
	if len(transport.callsFor("yara.result.static.zoo")) != 1 {
		t.Fatal("expected yara result publish")
	}
	requeueCalls := transport.callsFor("zoo.requeue")
	if len(requeueCalls) != 1 {
		t.Fatalf("expected 1 requeue publish, got %d", len(requeueCalls))
	}
	var pkg model.RequeuePackage
	if err := json.Unmarshal(requeueCalls[0].body, &pkg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := pkg.Tasks[model.KindVTSample]; !ok {
		t.Fatalf("expected VTSAMPLE in requeue tasks, got %+v", pkg.Tasks)
	}
	if _, ok := pkg.Tasks[model.KindYara]; ok {
		t.Fatalf("did not expect YARA in requeue tasks, got %+v", pkg.Tasks)
	}
}

func TestUnknownKindProducesEmptyResultAndRequeue(t *testing.T) {
	artifact := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x00})
	}))
	defer artifact.Close()

	dir := t.TempDir()
	downloader := download.New(500*time.Millisecond, 2*time.Second, dir)
	transport := &fakeTransport{}
	pub := newPublisher(t, transport)

	job := coordinator.Job{
		DeliveryTag: 4,
		ArtifactID:  "artifact-4",
		Filename:    "x.exe",
		PrimaryURI:  artifact.URL,
		Tasks:       []work.Task{work.NewUnsupported(model.Kind("FOO"), 4, "artifact-4", nil)},
	}

	_, sink := run(t, job, downloader, pub, 5*time.Second)

	if len(sink.acked) != 1 {
		t.Fatalf("expected ack, got acked=%v nacked=%v", sink.acked, sink.nacked)
	}
	if transport.count() != 0 {
		t.Fatalf("expected no publishes for an unsupported-only job, got %d", transport.count())
	}
}

func TestCoordinatorDeadlineForcesCompletion(t *testing.T) {
	artifact := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x00})
	}))
	defer artifact.Close()
	hang := make(chan struct{})
	stuck := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-hang
	}))
	defer stuck.Close()
	defer close(hang)

	dir := t.TempDir()
	downloader := download.New(500*time.Millisecond, 2*time.Second, dir)
	transport := &fakeTransport{}
	pub := newPublisher(t, transport)

	job := coordinator.Job{
		DeliveryTag: 5,
		ArtifactID:  "artifact-5",
		Filename:    "x.exe",
		PrimaryURI:  artifact.URL,
		Tasks:       []work.Task{work.New(model.KindYara, 5, "artifact-5", stuck.URL, nil, 5*time.Second)},
	}

	start := time.Now()
	_, sink := run(t, job, downloader, pub, 100*time.Millisecond)
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Fatalf("coordinator did not force-evict promptly, took %s", elapsed)
	}
	if len(sink.acked) != 1 {
		t.Fatalf("expected the job to still resolve via ack, got acked=%v nacked=%v", sink.acked, sink.nacked)
	}
	if _, err := os.Stat(filepath.Join(dir, "x.exe")); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be removed after deadline, stat err=%v", err)
	}
}

func TestTwoConcurrentJobsDoNotInterfere(t *testing.T) {
	artifactA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x00})
	}))
	defer artifactA.Close()
	artifactB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x01})
	}))
	defer artifactB.Close()
	yara := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("clean"))
	}))
	defer yara.Close()

	dirA, dirB := t.TempDir(), t.TempDir()
	downloaderA := download.New(500*time.Millisecond, 2*time.Second, dirA)
	downloaderB := download.New(500*time.Millisecond, 2*time.Second, dirB)
	transport := &fakeTransport{}
	pub := newPublisher(t, transport)

	jobA := coordinator.Job{DeliveryTag: 10, ArtifactID: "a", Filename: "a.exe", PrimaryURI: artifactA.URL,
		Tasks: []work.Task{work.New(model.KindYara, 10, "a", yara.URL, nil, time.Second)}}
	jobB := coordinator.Job{DeliveryTag: 11, ArtifactID: "b", Filename: "b.exe", PrimaryURI: artifactB.URL,
		Tasks: []work.Task{work.New(model.KindYara, 11, "b", yara.URL, nil, time.Second)}}

	var wg sync.WaitGroup
	var sinkA, sinkB *fakeSink
	wg.Add(2)
	go func() { defer wg.Done(); _, sinkA = run(t, jobA, downloaderA, pub, 5*time.Second) }()
	go func() { defer wg.Done(); _, sinkB = run(t, jobB, downloaderB, pub, 5*time.Second) }()
	wg.Wait()

	if len(sinkA.acked) != 1 || sinkA.acked[0] != 10 {
		t.Fatalf("job A not acked correctly: %v", sinkA.acked)
	}
	if len(sinkB.acked) != 1 || sinkB.acked[0] != 11 {
		t.Fatalf("job B not acked correctly: %v", sinkB.acked)
	}
	if len(transport.callsFor("yara.result.static.zoo")) != 2 {
		t.Fatalf("expected 2 independent result publishes, got %d", len(transport.callsFor("yara.result.static.zoo")))
	}
}
