// Package enrichers maps task kinds onto concrete enricher endpoints
// and builds the work.Task fan-out for a job: the "Work encoding"
// component of the dispatcher.
package enrichers

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/c360studio/zoo/model"
	"github.com/c360studio/zoo/work"
)

// Pools maps a task kind to its configured list of base enricher URLs.
type Pools map[model.Kind][]string

// Encoder builds work.Task fan-outs from job descriptors. Its pools
// are swappable at runtime via SetPools so a config hot-reload can
// repoint enricher endpoints without restarting the dispatcher;
// endpoint selection uses math/rand/v2's global generator, which is
// safe for concurrent use without coordinators sharing a seed.
type Encoder struct {
	taskTimeout time.Duration

	mu    sync.RWMutex
	pools Pools
}

// NewEncoder builds an Encoder over the given endpoint pools.
func NewEncoder(pools Pools, taskTimeout time.Duration) *Encoder {
	return &Encoder{pools: pools, taskTimeout: taskTimeout}
}

// SetPools replaces the configured endpoint pools in place. Safe to
// call while Enumerate is running concurrently on other goroutines.
func (e *Encoder) SetPools(pools Pools) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pools = pools
}

// Enumerate builds one work.Task per entry in tasks. Kinds with a
// configured pool and a work.Task variant get a concrete task with a
// uniformly-random endpoint from their pool; everything else
// (unrecognized kinds, and recognized kinds with no work.Task variant
// such as HASHES and PEINFO) becomes UnsupportedWork.
func (e *Encoder) Enumerate(jobKey uint64, artifactID string, tasks map[model.Kind][]string) []work.Task {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]work.Task, 0, len(tasks))
	for kind, args := range tasks {
		if !model.HasWorkVariant(kind) {
			out = append(out, work.NewUnsupported(kind, jobKey, artifactID, args))
			continue
		}
		pool := e.pools[kind]
		if len(pool) == 0 {
			out = append(out, work.NewUnsupported(kind, jobKey, artifactID, args))
			continue
		}
		endpoint := pool[rand.IntN(len(pool))]
		out = append(out, work.New(kind, jobKey, artifactID, endpoint, args, e.taskTimeout))
	}
	return out
}

// RoutingKey maps a Success WorkResult to its publish routing key.
// Failures carry an empty routing key by construction; this is a
// direct accessor rather than a derivation, since work.Task already
// stamps the key onto Success at classification time.
func RoutingKey(r model.WorkResult) string {
	return r.RoutingKey
}

// Validate reports an error if any kind with a work.Task variant has
// no configured endpoint pool, which would leave that kind silently
// downgraded to UnsupportedWork at dispatch time.
func (p Pools) Validate() error {
	for _, kind := range []model.Kind{model.KindFileMetadata, model.KindYara, model.KindVTSample, model.KindAssemblyApp} {
		if len(p[kind]) == 0 {
			return fmt.Errorf("no endpoints configured for kind %s", kind)
		}
	}
	return nil
}
