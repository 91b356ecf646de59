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
	"net"
	"sync"
	"time"

	"github.com/michaelquigley/pfxlog"
)

const defaultHealthDialTimeout = time.Second * 2

// Target identifies one upstream host:port a proxy processor may forward to.
type Target string

// LoadBalancer selects one healthy upstream among several for the proxy processor.
// Implementations must keep rotation order deterministic across health flaps: targets
// are never removed, only toggled healthy/unhealthy.
type LoadBalancer interface {
	// NextTarget returns the next healthy target, scanning at most once around the
	// full list. ok is false when no target is healthy.
	NextTarget() (Target, bool)

	// CheckHealth probes every target and updates the health map.
	CheckHealth()
}

// RoundRobinBalancer is the baseline LoadBalancer: a rotation cursor over the
// configured target list plus a health map. Health probing is a TCP dial.
type RoundRobinBalancer struct {
	mu          sync.Mutex
	targets     []Target
	healthy     map[Target]bool
	cursor      int
	dialTimeout time.Duration
}

var _ LoadBalancer = (*RoundRobinBalancer)(nil)

// NewRoundRobinBalancer creates a balancer over the given targets, all initially
// healthy. Target order is preserved; rotation follows it.
func NewRoundRobinBalancer(targets []string) *RoundRobinBalancer {
	balancer := &RoundRobinBalancer{
		healthy:     map[Target]bool{},
		dialTimeout: defaultHealthDialTimeout,
	}
	for _, target := range targets {
		t := Target(target)
		balancer.targets = append(balancer.targets, t)
		balancer.healthy[t] = true
	}
	return balancer
}

// NextTarget advances the cursor and returns the next healthy target, skipping
// unhealthy ones. At most one full pass over the list is made.
func (balancer *RoundRobinBalancer) NextTarget() (Target, bool) {
	balancer.mu.Lock()
	defer balancer.mu.Unlock()

	for scanned := 0; scanned < len(balancer.targets); scanned++ {
		target := balancer.targets[balancer.cursor%len(balancer.targets)]
		balancer.cursor++

		if balancer.healthy[target] {
			return target, true
		}
	}

	return "", false
}

// CheckHealth dials every target and toggles its health flag. Targets are never
// removed, so rotation order stays stable across flaps.
func (balancer *RoundRobinBalancer) CheckHealth() {
	balancer.mu.Lock()
	targets := append([]Target{}, balancer.targets...)
	dialTimeout := balancer.dialTimeout
	balancer.mu.Unlock()

	for _, target := range targets {
		conn, err := net.DialTimeout("tcp", string(target), dialTimeout)
		if err == nil {
			_ = conn.Close()
		}
		balancer.SetHealthy(target, err == nil)
	}
}

// SetHealthy toggles one target's health flag. Unknown targets are ignored.
func (balancer *RoundRobinBalancer) SetHealthy(target Target, healthy bool) {
	balancer.mu.Lock()
	defer balancer.mu.Unlock()

	if _, known := balancer.healthy[target]; !known {
		return
	}

	if balancer.healthy[target] != healthy {
		pfxlog.Logger().Infof("upstream target [%s] marked healthy=%v", target, healthy)
	}
	balancer.healthy[target] = healthy
}

// Targets returns the configured target list in rotation order.
func (balancer *RoundRobinBalancer) Targets() []Target {
	balancer.mu.Lock()
	defer balancer.mu.Unlock()
	return append([]Target{}, balancer.targets...)
}

// BalancerRegistry holds the named load balancer instances for one configuration
// generation, keyed by logical backend id. Creation is idempotent per id. The registry
// is built once when the RunningState is composed and read-only afterwards.
type BalancerRegistry struct {
	mu        sync.Mutex
	balancers map[string]LoadBalancer
}

// NewBalancerRegistry creates an empty registry.
func NewBalancerRegistry() *BalancerRegistry {
	return &BalancerRegistry{
		balancers: map[string]LoadBalancer{},
	}
}

// GetOrCreate returns the balancer registered for the backend id, creating a
// round-robin balancer over the given targets on first use.
func (registry *BalancerRegistry) GetOrCreate(backendId string, targets []string) LoadBalancer {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if balancer, ok := registry.balancers[backendId]; ok {
		return balancer
	}

	balancer := NewRoundRobinBalancer(targets)
	registry.balancers[backendId] = balancer
	return balancer
}

// Get returns the balancer for the backend id or nil when none is registered.
func (registry *BalancerRegistry) Get(backendId string) LoadBalancer {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.balancers[backendId]
}
