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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_AdmissionPool(t *testing.T) {

	t.Run("a suspended pool fails acquire immediately", func(t *testing.T) {
		req := require.New(t)
		pool := NewAdmissionPool("w1", 2, time.Second, nil)

		started := time.Now()
		_, err := pool.Acquire(context.Background())

		req.Error(err)
		req.True(errors.Is(err, ErrUnavailable))
		req.Less(time.Since(started), time.Millisecond*100)
	})

	t.Run("a resumed pool issues permits up to capacity", func(t *testing.T) {
		req := require.New(t)
		pool := NewAdmissionPool("w1", 2, time.Millisecond*50, nil)
		pool.Resume()

		p1, err := pool.Acquire(context.Background())
		req.NoError(err)
		p2, err := pool.Acquire(context.Background())
		req.NoError(err)

		_, err = pool.Acquire(context.Background())
		req.Error(err)
		req.True(errors.Is(err, ErrCapacity))

		p1.Release()
		p2.Release()
	})

	t.Run("release makes the permit available again", func(t *testing.T) {
		req := require.New(t)
		pool := NewAdmissionPool("w1", 1, time.Millisecond*50, nil)
		pool.Resume()

		permit, err := pool.Acquire(context.Background())
		req.NoError(err)
		permit.Release()

		permit, err = pool.Acquire(context.Background())
		req.NoError(err)
		permit.Release()
	})

	t.Run("release is idempotent", func(t *testing.T) {
		req := require.New(t)
		pool := NewAdmissionPool("w1", 1, time.Millisecond*50, nil)
		pool.Resume()

		permit, err := pool.Acquire(context.Background())
		req.NoError(err)
		permit.Release()
		permit.Release()

		permit, err = pool.Acquire(context.Background())
		req.NoError(err)
		permit.Release()
	})

	t.Run("never more than capacity concurrent holders under contention", func(t *testing.T) {
		req := require.New(t)

		const capacity = 4
		const workers = 32

		pool := NewAdmissionPool("w1", capacity, time.Second*5, nil)
		pool.Resume()

		var inFlight int64
		var peak int64
		var wg sync.WaitGroup

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()

				permit, err := pool.Acquire(context.Background())
				if err != nil {
					return
				}
				defer permit.Release()

				current := atomic.AddInt64(&inFlight, 1)
				for {
					observed := atomic.LoadInt64(&peak)
					if current <= observed || atomic.CompareAndSwapInt64(&peak, observed, current) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt64(&inFlight, -1)
			}()
		}

		wg.Wait()
		req.LessOrEqual(atomic.LoadInt64(&peak), int64(capacity))
	})

	t.Run("suspend fails waiters promptly instead of running out their timeout", func(t *testing.T) {
		req := require.New(t)
		pool := NewAdmissionPool("w1", 1, time.Second*30, nil)
		pool.Resume()

		holder, err := pool.Acquire(context.Background())
		req.NoError(err)

		result := make(chan error, 1)
		go func() {
			_, err := pool.Acquire(context.Background())
			result <- err
		}()

		// let the waiter park on the semaphore
		time.Sleep(time.Millisecond * 50)
		pool.Suspend()

		select {
		case err := <-result:
			req.Error(err)
			req.True(errors.Is(err, ErrUnavailable))
		case <-time.After(time.Second * 2):
			req.Fail("waiter was not released by suspend")
		}

		holder.Release()
	})

	t.Run("a cancelled caller context is reported as such", func(t *testing.T) {
		req := require.New(t)
		pool := NewAdmissionPool("w1", 1, time.Second*30, nil)
		pool.Resume()

		holder, err := pool.Acquire(context.Background())
		req.NoError(err)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(time.Millisecond * 20)
			cancel()
		}()

		_, err = pool.Acquire(ctx)
		req.Error(err)
		req.True(errors.Is(err, context.Canceled))

		holder.Release()
	})

	t.Run("a closed pool never resumes", func(t *testing.T) {
		req := require.New(t)
		pool := NewAdmissionPool("w1", 1, time.Millisecond*50, nil)
		pool.Resume()
		pool.Close()
		pool.Resume()

		_, err := pool.Acquire(context.Background())
		req.Error(err)
		req.True(errors.Is(err, ErrUnavailable))
	})
}
