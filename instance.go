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
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownDeadline = time.Second * 30

// Instance ties the pieces of one hostmux process together: the configuration
// provider, the signal bus, the generation coordinator, metrics and one Server per
// binding. Configuration changes swap generations in place; listening sockets are
// only re-created when the binding set itself changes.
type Instance struct {
	provider    *ConfigProvider
	signals     *SignalBus
	coordinator *Coordinator
	metrics     *Metrics
	registry    *prometheus.Registry

	mu          sync.Mutex
	servers     []*Server
	admin       []*http.Server
	bindingSig  string
	started     bool
	closeNotify chan struct{}
	closeOnce   sync.Once
}

// NewInstance creates an instance for a configuration file path. Nothing is loaded or
// started until Start.
func NewInstance(configPath string) *Instance {
	registry := prometheus.NewRegistry()

	instance := &Instance{
		provider:    NewConfigProvider(configPath),
		signals:     NewSignalBus(),
		registry:    registry,
		metrics:     NewMetrics(registry),
		closeNotify: make(chan struct{}),
	}
	instance.coordinator = NewCoordinator(instance.signals, instance.metrics)

	return instance
}

// Signals exposes the instance's signal bus, e.g. for tests or embedding.
func (instance *Instance) Signals() *SignalBus {
	return instance.signals
}

// Coordinator exposes the generation coordinator.
func (instance *Instance) Coordinator() *Coordinator {
	return instance.coordinator
}

// Start loads the configuration, installs the first generation, starts all binding
// servers and begins watching the configuration file for changes. Start returns once
// everything is launched; Run blocks instead.
func (instance *Instance) Start() error {
	instance.mu.Lock()
	defer instance.mu.Unlock()

	if instance.started {
		return errors.New("instance already started")
	}

	config, err := instance.provider.Load()
	if err != nil {
		return err
	}

	if err := instance.coordinator.Apply(config); err != nil {
		return err
	}

	instance.startServers(config)
	instance.bindingSig = bindingSignature(config)

	if err := instance.provider.Watch(instance.signals); err != nil {
		pfxlog.Logger().Warnf("configuration watching unavailable: %v", err)
	}

	go instance.reloadLoop()

	instance.started = true
	return nil
}

// Run starts the instance and blocks until Shutdown is called.
func (instance *Instance) Run() error {
	if err := instance.Start(); err != nil {
		return err
	}
	<-instance.closeNotify
	return nil
}

// startServers creates and launches one Server per binding. Admin bindings get the
// operational surface (metrics, health) instead of site dispatch. Caller holds mu.
func (instance *Instance) startServers(config *Config) {
	logger := pfxlog.Logger()

	for _, binding := range config.Bindings {
		if binding.Admin {
			adminServer := newAdminServer(binding, instance.registry, instance.coordinator)
			instance.admin = append(instance.admin, adminServer)
			go func(binding *BindingConfig, adminServer *http.Server) {
				logger.Infof("starting admin binding [%s] on %s", binding.Id, adminServer.Addr)
				if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Fatalf("admin binding [%s] failed: %v", binding.Id, err)
				}
			}(binding, adminServer)
			continue
		}

		server := NewServer(binding, instance.coordinator, config.Options.TimeoutOptions)
		instance.servers = append(instance.servers, server)
		go func(server *Server) {
			if err := server.Start(); err != nil {
				logger.Fatalf("binding [%s] failed: %v", server.Binding.Id, err)
			}
		}(server)
	}
}

// reloadLoop consumes EventConfigChanged until shutdown. A configuration that fails
// to load or validate is logged and discarded; the current generation keeps serving.
func (instance *Instance) reloadLoop() {
	logger := pfxlog.Logger()
	changes := instance.signals.Subscribe(EventConfigChanged)

	for {
		select {
		case <-instance.closeNotify:
			return
		case <-changes:
			// editors fire several events per save, let the file settle
			time.Sleep(time.Millisecond * 250)

			config, err := instance.provider.Load()
			if err != nil {
				logger.Errorf("configuration reload rejected, keeping current generation: %v", err)
				continue
			}
			if err := instance.apply(config); err != nil {
				logger.Errorf("configuration reload failed, keeping current generation: %v", err)
			}
		}
	}
}

// apply installs a freshly validated configuration. Binding changes require restarting
// the listening sockets; everything else is handled by the generation swap.
func (instance *Instance) apply(config *Config) error {
	instance.mu.Lock()
	defer instance.mu.Unlock()

	if err := instance.coordinator.Apply(config); err != nil {
		return err
	}

	newSig := bindingSignature(config)
	if newSig != instance.bindingSig {
		pfxlog.Logger().Infof("binding set changed, restarting listeners")
		instance.stopServers()
		instance.startServers(config)
		instance.bindingSig = newSig
	}

	return nil
}

// stopServers shuts down all listening sockets. Caller holds mu.
func (instance *Instance) stopServers() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	for _, server := range instance.servers {
		server.Shutdown(ctx)
	}
	for _, adminServer := range instance.admin {
		_ = adminServer.Shutdown(ctx)
	}
	instance.servers = nil
	instance.admin = nil
}

// Shutdown stops the instance: listeners first so no new requests arrive, then the
// current generation with its shutdown grace, then the configuration watcher.
func (instance *Instance) Shutdown() {
	instance.closeOnce.Do(func() {
		close(instance.closeNotify)

		instance.provider.Close()

		instance.mu.Lock()
		instance.stopServers()
		instance.mu.Unlock()

		instance.coordinator.Shutdown()
	})
}

// newAdminServer builds the operational http.Server for an admin binding: Prometheus
// metrics and a health endpoint reporting the current generation.
func newAdminServer(binding *BindingConfig, registry *prometheus.Registry, coordinator *Coordinator) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, request *http.Request) {
		state := coordinator.Current()
		if state == nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(rw, "ok generation=%d\n", state.Generation)
	})

	return &http.Server{
		Addr:    binding.InterfaceAddress,
		Handler: mux,
	}
}

// bindingSignature reduces a configuration's binding set to a comparable string so a
// reload can tell whether listeners must be re-created.
func bindingSignature(config *Config) string {
	parts := make([]string, 0, len(config.Bindings))
	for _, binding := range config.Bindings {
		parts = append(parts, fmt.Sprintf("%s|%s|%v|%v", binding.Id, binding.InterfaceAddress, binding.TLS, binding.Admin))
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}
