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
	"sync"
	"sync/atomic"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

const balancerHealthInterval = time.Second * 10

// RunningState is the fully composed graph for one configuration generation: file
// cache, processor registry, worker supervisors, load balancers and dispatcher.
// Exactly one RunningState is current at a time; it is immutable once composed and
// replaced wholesale on configuration change.
type RunningState struct {
	Generation  uint64
	Config      *Config
	Cache       *FileCache
	Processors  *ProcessorRegistry
	Supervisors map[string]*WorkerSupervisor
	Balancers   *BalancerRegistry
	Dispatcher  *Dispatcher
	AccessLogs  *accessLogSet

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRunningState composes a generation from a validated configuration: balancers are
// created per backend, one supervisor is started per worker descriptor, and processor
// instances are built and validated. A worker that fails to launch is logged and left
// unavailable; it does not block the generation.
func NewRunningState(generation uint64, config *Config, allocator *PortAllocator, metrics *Metrics) (*RunningState, error) {
	if !config.Enabled() {
		return nil, errors.New("cannot compose running state from an unvalidated configuration")
	}

	logger := pfxlog.Logger()

	state := &RunningState{
		Generation:  generation,
		Config:      config,
		Cache:       NewFileCache(config.Options.CacheOptions),
		Processors:  NewProcessorRegistry(),
		Supervisors: map[string]*WorkerSupervisor{},
		Balancers:   NewBalancerRegistry(),
		AccessLogs:  newAccessLogSet(),
		stopCh:      make(chan struct{}),
	}

	for _, backend := range config.Backends {
		state.Balancers.GetOrCreate(backend.Id, backend.Targets)
	}

	for _, worker := range config.Workers {
		supervisor := NewWorkerSupervisor(worker, allocator, metrics)
		state.Supervisors[worker.Id] = supervisor

		if port, err := supervisor.Start(); err != nil {
			logger.Errorf("worker [%s] failed to start, marked unavailable: %v", worker.Id, err)
		} else {
			logger.Infof("worker [%s] started on port %d for generation %d", worker.Id, port, generation)
		}
	}

	for _, processorConfig := range config.Processors {
		var processor Processor

		switch processorConfig.Type {
		case ProcessorTypeStatic:
			processor = NewStaticProcessor(processorConfig, state.Cache)
		case ProcessorTypePHP:
			worker := config.WorkerById(processorConfig.WorkerId)
			supervisor := state.Supervisors[processorConfig.WorkerId]
			if worker == nil || supervisor == nil {
				logger.Errorf("processor [%s] references unknown worker [%s], not activated", processorConfig.Id, processorConfig.WorkerId)
				continue
			}
			processor = NewPHPProcessor(processorConfig, worker, supervisor)
		case ProcessorTypeProxy:
			balancer := state.Balancers.Get(processorConfig.BackendId)
			if balancer == nil {
				logger.Errorf("processor [%s] references unknown backend [%s], not activated", processorConfig.Id, processorConfig.BackendId)
				continue
			}
			processor = NewProxyProcessor(processorConfig, balancer)
		default:
			logger.Errorf("processor [%s] has unknown type [%s], not activated", processorConfig.Id, processorConfig.Type)
			continue
		}

		processor.Sanitize()

		if problems := processor.Validate(); len(problems) > 0 {
			for _, problem := range problems {
				logger.Errorf("processor [%s] invalid: %s", processorConfig.Id, problem)
			}
			continue
		}

		if err := state.Processors.Add(processor); err != nil {
			return nil, err
		}
	}

	state.Dispatcher = NewDispatcher(state.Processors, metrics)

	go state.probeBalancers()

	return state, nil
}

// probeBalancers runs periodic upstream health checks for the life of this
// generation.
func (state *RunningState) probeBalancers() {
	ticker := time.NewTicker(balancerHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-state.stopCh:
			return
		case <-ticker.C:
			for _, backend := range state.Config.Backends {
				if balancer := state.Balancers.Get(backend.Id); balancer != nil {
					balancer.CheckHealth()
				}
			}
		}
	}
}

// StopSignal is closed when this generation is being retired. In-flight work against
// the generation should wind down cooperatively.
func (state *RunningState) StopSignal() <-chan struct{} {
	return state.stopCh
}

// beginStop marks the generation as retiring. Idempotent.
func (state *RunningState) beginStop() {
	state.stopOnce.Do(func() {
		close(state.stopCh)
	})
}

// retire stops every supervisor of this generation and closes its access logs.
// Called only after the grace period so in-flight requests can finish against the
// outgoing workers.
func (state *RunningState) retire() {
	for _, supervisor := range state.Supervisors {
		supervisor.Stop()
	}
	state.AccessLogs.closeAll()
}

// SiteForRequest resolves the request host against the binding's site list: exact
// hostname match first, then the binding's default site, mirroring how the handler
// list itself falls back. Returns nil when nothing matches.
func (state *RunningState) SiteForRequest(binding *BindingConfig, host string) *SiteConfig {
	var defaultSite *SiteConfig

	for _, siteId := range binding.SiteIds {
		site := state.Config.SiteById(siteId)
		if site == nil || !site.Enabled {
			continue
		}
		if site.MatchesHost(host) {
			return site
		}
		if site.Default && defaultSite == nil {
			defaultSite = site
		}
	}

	return defaultSite
}

// Coordinator owns the current RunningState and swaps it atomically on configuration
// change. Readers load the pointer once per request and keep using their snapshot to
// completion; the single writer is serialized by the coordinator's mutex.
type Coordinator struct {
	signals   *SignalBus
	metrics   *Metrics
	allocator *PortAllocator

	mu         sync.Mutex
	generation uint64
	current    atomic.Pointer[RunningState]
}

// NewCoordinator creates a coordinator. The port allocator is shared across
// generations so an incoming generation cannot collide with outgoing workers.
func NewCoordinator(signals *SignalBus, metrics *Metrics) *Coordinator {
	return &Coordinator{
		signals:   signals,
		metrics:   metrics,
		allocator: NewPortAllocator(),
	}
}

// Current returns the snapshot requests should be served against. Never nil after the
// first successful Apply.
func (coordinator *Coordinator) Current() *RunningState {
	return coordinator.current.Load()
}

// Apply composes a new generation from the configuration and installs it: the new
// workers are started first, the outgoing generation is signalled to stop, in-flight
// requests get the configured grace delay, then the snapshot pointer is swapped. The
// outgoing generation's workers are stopped after a second grace period.
func (coordinator *Coordinator) Apply(config *Config) error {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()

	coordinator.generation++
	next, err := NewRunningState(coordinator.generation, config, coordinator.allocator, coordinator.metrics)
	if err != nil {
		return errors.Wrapf(err, "could not compose running state for generation %d", coordinator.generation)
	}

	previous := coordinator.current.Load()

	if previous != nil {
		coordinator.signals.Notify(EventStopServices)
		previous.beginStop()
		time.Sleep(config.Options.ReloadGrace)
	}

	coordinator.current.Store(next)
	pfxlog.Logger().Infof("generation %d installed", next.Generation)

	if previous != nil {
		grace := config.Options.ReloadGrace
		go func() {
			time.Sleep(grace)
			previous.retire()
			pfxlog.Logger().Infof("generation %d retired", previous.Generation)
		}()
	}

	return nil
}

// Shutdown retires the current generation, giving in-flight work the shutdown grace
// period before workers are stopped.
func (coordinator *Coordinator) Shutdown() {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()

	coordinator.signals.Notify(EventShutdown)

	current := coordinator.current.Load()
	if current == nil {
		return
	}

	current.beginStop()
	time.Sleep(current.Config.Options.ShutdownGrace)
	current.retire()
}
