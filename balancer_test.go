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
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_RoundRobinBalancer(t *testing.T) {
	targets := []string{"127.0.0.1:9001", "127.0.0.1:9002", "127.0.0.1:9003"}

	t.Run("all healthy targets are visited exactly once per rotation", func(t *testing.T) {
		req := require.New(t)
		balancer := NewRoundRobinBalancer(targets)

		seen := map[Target]int{}
		for i := 0; i < len(targets); i++ {
			target, ok := balancer.NextTarget()
			req.True(ok)
			seen[target]++
		}

		req.Len(seen, len(targets))
		for _, count := range seen {
			req.Equal(1, count)
		}
	})

	t.Run("rotation order is stable across passes", func(t *testing.T) {
		req := require.New(t)
		balancer := NewRoundRobinBalancer(targets)

		var first []Target
		for i := 0; i < len(targets); i++ {
			target, ok := balancer.NextTarget()
			req.True(ok)
			first = append(first, target)
		}

		for i := 0; i < len(targets); i++ {
			target, ok := balancer.NextTarget()
			req.True(ok)
			req.Equal(first[i], target)
		}
	})

	t.Run("an unhealthy target is skipped", func(t *testing.T) {
		req := require.New(t)
		balancer := NewRoundRobinBalancer(targets)
		balancer.SetHealthy(Target(targets[1]), false)

		for i := 0; i < len(targets)*2; i++ {
			target, ok := balancer.NextTarget()
			req.True(ok)
			req.NotEqual(Target(targets[1]), target)
		}
	})

	t.Run("a healed target rejoins rotation at its original position", func(t *testing.T) {
		req := require.New(t)
		balancer := NewRoundRobinBalancer(targets)
		balancer.SetHealthy(Target(targets[1]), false)
		balancer.SetHealthy(Target(targets[1]), true)

		seen := map[Target]int{}
		for i := 0; i < len(targets); i++ {
			target, ok := balancer.NextTarget()
			req.True(ok)
			seen[target]++
		}
		req.Len(seen, len(targets))
	})

	t.Run("no healthy target yields not ok", func(t *testing.T) {
		req := require.New(t)
		balancer := NewRoundRobinBalancer(targets)
		for _, target := range targets {
			balancer.SetHealthy(Target(target), false)
		}

		_, ok := balancer.NextTarget()
		req.False(ok)
	})

	t.Run("unknown targets are never added by health updates", func(t *testing.T) {
		req := require.New(t)
		balancer := NewRoundRobinBalancer(targets)
		balancer.SetHealthy(Target("127.0.0.1:65000"), true)

		req.Len(balancer.Targets(), len(targets))
	})
}

func Test_BalancerRegistry(t *testing.T) {

	t.Run("creation is idempotent per backend id", func(t *testing.T) {
		req := require.New(t)
		registry := NewBalancerRegistry()

		first := registry.GetOrCreate("api", []string{"127.0.0.1:9001"})
		second := registry.GetOrCreate("api", []string{"127.0.0.1:9999"})

		req.Same(first.(*RoundRobinBalancer), second.(*RoundRobinBalancer))
	})

	t.Run("get returns nil for unknown backends", func(t *testing.T) {
		req := require.New(t)
		registry := NewBalancerRegistry()

		req.Nil(registry.Get("missing"))
	})
}
