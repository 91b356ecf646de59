/*
	Copyright the hostmux authors

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package hostmux

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// AdmissionPool bounds concurrent in-flight requests into one worker to its configured
// capacity. One pool exists per worker id, created with the worker's supervisor and
// torn down with it. The pool is the single serialization point for worker capacity;
// no other lock is held around the worker call itself.
//
// A suspended pool (worker down or restart pending) fails Acquire immediately and
// wakes any waiters promptly rather than letting them run out their timeout.
type AdmissionPool struct {
	workerId string
	capacity int64
	maxWait  time.Duration
	sem      *semaphore.Weighted

	mu        sync.Mutex
	open      bool
	closed    bool
	suspendCh chan struct{}

	metrics *Metrics
}

// Permit is a held admission slot. Release is safe to call multiple times and must be
// called on every exit path; ownership is by value, so a permit outliving its pool
// releases into a semaphore nothing else references.
type Permit struct {
	pool *AdmissionPool
	once sync.Once
}

// Release returns the permit to its pool.
func (permit *Permit) Release() {
	permit.once.Do(func() {
		permit.pool.sem.Release(1)
		if permit.pool.metrics != nil {
			permit.pool.metrics.AdmissionInFlight.WithLabelValues(permit.pool.workerId).Dec()
		}
	})
}

// NewAdmissionPool creates a pool for the given worker with the given capacity. The
// pool starts suspended; the supervisor resumes it once the worker reports ready.
func NewAdmissionPool(workerId string, capacity int, maxWait time.Duration, metrics *Metrics) *AdmissionPool {
	return &AdmissionPool{
		workerId:  workerId,
		capacity:  int64(capacity),
		maxWait:   maxWait,
		sem:       semaphore.NewWeighted(int64(capacity)),
		suspendCh: closedChan(),
		metrics:   metrics,
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Acquire blocks cooperatively until a permit is free, the per-request wait elapses,
// the caller's context is done, or the worker becomes unavailable — whichever comes
// first. The wait never parks an OS thread.
func (pool *AdmissionPool) Acquire(ctx context.Context) (*Permit, error) {
	pool.mu.Lock()
	if !pool.open {
		pool.mu.Unlock()
		return nil, errors.Wrapf(ErrUnavailable, "worker [%s] is not accepting requests", pool.workerId)
	}
	suspendCh := pool.suspendCh
	pool.mu.Unlock()

	acquireCtx, cancel := context.WithTimeout(ctx, pool.maxWait)
	defer cancel()

	// wake the semaphore wait promptly if the worker goes away mid-wait
	go func() {
		select {
		case <-suspendCh:
			cancel()
		case <-acquireCtx.Done():
		}
	}()

	if err := pool.sem.Acquire(acquireCtx, 1); err != nil {
		pool.mu.Lock()
		open := pool.open
		pool.mu.Unlock()

		if !open {
			return nil, errors.Wrapf(ErrUnavailable, "worker [%s] became unavailable while waiting", pool.workerId)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(ErrCapacity, "no permit for worker [%s] within %s", pool.workerId, pool.maxWait)
	}

	pool.mu.Lock()
	open := pool.open
	pool.mu.Unlock()
	if !open {
		pool.sem.Release(1)
		return nil, errors.Wrapf(ErrUnavailable, "worker [%s] became unavailable", pool.workerId)
	}

	if pool.metrics != nil {
		pool.metrics.AdmissionInFlight.WithLabelValues(pool.workerId).Inc()
	}

	return &Permit{pool: pool}, nil
}

// Suspend stops issuing permits and promptly fails current waiters. Idempotent.
func (pool *AdmissionPool) Suspend() {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if pool.open {
		pool.open = false
		close(pool.suspendCh)
	}
}

// Resume begins issuing permits again after a successful worker (re)start. A closed
// pool stays closed.
func (pool *AdmissionPool) Resume() {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if pool.closed || pool.open {
		return
	}
	pool.open = true
	pool.suspendCh = make(chan struct{})
}

// Close suspends the pool permanently. Outstanding permits stay valid until released.
func (pool *AdmissionPool) Close() {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	pool.closed = true
	if pool.open {
		pool.open = false
		close(pool.suspendCh)
	}
}

// Capacity returns the configured maximum number of concurrent permits.
func (pool *AdmissionPool) Capacity() int {
	return int(pool.capacity)
}
