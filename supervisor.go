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
	"fmt"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const workerReadinessPollInterval = time.Millisecond * 100

// PortAllocator hands out local ports for worker processes, guaranteeing that no two
// currently-running workers share a port. Allocation is serialized under one mutex.
type PortAllocator struct {
	mu    sync.Mutex
	inUse map[int]string
}

// NewPortAllocator creates an empty allocator.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{
		inUse: map[int]string{},
	}
}

// Allocate reserves an unused local port for the given worker. The port is discovered
// by binding to an ephemeral port and immediately releasing it; the reservation in the
// allocator keeps other workers from racing for the same port.
func (allocator *PortAllocator) Allocate(workerId string) (int, error) {
	allocator.mu.Lock()
	defer allocator.mu.Unlock()

	for attempt := 0; attempt < 50; attempt++ {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, errors.Wrap(err, "could not probe for a free port")
		}
		port := listener.Addr().(*net.TCPAddr).Port
		_ = listener.Close()

		if _, taken := allocator.inUse[port]; !taken {
			allocator.inUse[port] = workerId
			return port, nil
		}
	}

	return 0, errors.New("could not find an unused port after 50 attempts")
}

// Release returns a port to the allocator. Releasing an unknown port is a no-op.
func (allocator *PortAllocator) Release(port int) {
	allocator.mu.Lock()
	defer allocator.mu.Unlock()
	delete(allocator.inUse, port)
}

// WorkerSupervisor owns the full lifecycle of one external worker process: launch on a
// dynamically assigned port, readiness wait, periodic health monitoring with restart,
// and graceful stop. Worker runtime state is mutated only by the supervisor; other
// components observe it through Port and IsAlive.
type WorkerSupervisor struct {
	config    *WorkerConfig
	allocator *PortAllocator
	pool      *AdmissionPool
	metrics   *Metrics
	logger    *logrus.Entry

	mu     sync.Mutex
	cmd    *exec.Cmd
	port   int
	ready  bool
	exited chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWorkerSupervisor creates a supervisor for the given descriptor. The admission
// pool starts suspended and is resumed when Start succeeds.
func NewWorkerSupervisor(config *WorkerConfig, allocator *PortAllocator, metrics *Metrics) *WorkerSupervisor {
	return &WorkerSupervisor{
		config:    config,
		allocator: allocator,
		pool:      NewAdmissionPool(config.Id, config.MaxChildren, config.AdmissionWait, metrics),
		metrics:   metrics,
		logger:    pfxlog.Logger().WithField("worker", config.Id),
		stopCh:    make(chan struct{}),
	}
}

// Pool returns the admission pool bounding concurrent requests into this worker.
func (supervisor *WorkerSupervisor) Pool() *AdmissionPool {
	return supervisor.pool
}

// Start launches the worker and begins health monitoring. It returns the assigned
// port once the worker accepts connections, or an error if the executable could not
// be spawned or did not become ready within the startup timeout.
func (supervisor *WorkerSupervisor) Start() (int, error) {
	select {
	case <-supervisor.stopCh:
		return 0, errors.Wrapf(ErrWorkerStopped, "worker [%s]", supervisor.config.Id)
	default:
	}

	port, err := supervisor.launch()
	if err != nil {
		return 0, err
	}

	go supervisor.monitor()

	return port, nil
}

// launch allocates a fresh port, spawns the executable bound to it and waits for
// readiness. Every invocation assigns a new port, including restarts. A launch that
// races Stop tears its own process down; nothing may outlive the supervisor.
func (supervisor *WorkerSupervisor) launch() (int, error) {
	select {
	case <-supervisor.stopCh:
		return 0, errors.Wrapf(ErrWorkerStopped, "worker [%s]", supervisor.config.Id)
	default:
	}

	port, err := supervisor.allocator.Allocate(supervisor.config.Id)
	if err != nil {
		return 0, errors.Wrapf(ErrWorkerLaunch, "worker [%s]: %v", supervisor.config.Id, err)
	}

	address := fmt.Sprintf("127.0.0.1:%d", port)
	args := append(append([]string{}, supervisor.config.Args...), "-b", address)

	cmd := exec.Command(supervisor.config.Executable, args...)
	logWriter := supervisor.logger.WriterLevel(logrus.DebugLevel)
	cmd.Stdout = logWriter
	cmd.Stderr = logWriter

	if err := cmd.Start(); err != nil {
		supervisor.allocator.Release(port)
		return 0, errors.Wrapf(ErrWorkerLaunch, "worker [%s] executable [%s]: %v", supervisor.config.Id, supervisor.config.Executable, err)
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		_ = logWriter.Close()
		close(exited)
	}()

	if err := supervisor.awaitReady(address, exited); err != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-exited
		supervisor.allocator.Release(port)
		return 0, err
	}

	supervisor.mu.Lock()
	supervisor.cmd = cmd
	supervisor.port = port
	supervisor.ready = true
	supervisor.exited = exited
	supervisor.mu.Unlock()

	// Stop may have run while we were waiting for readiness; it found no process to
	// terminate, so this one is ours to take down
	select {
	case <-supervisor.stopCh:
		supervisor.mu.Lock()
		supervisor.cmd = nil
		supervisor.port = 0
		supervisor.ready = false
		supervisor.exited = nil
		supervisor.mu.Unlock()

		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-exited:
		case <-time.After(supervisor.config.StopGrace):
			_ = cmd.Process.Kill()
			<-exited
		}
		supervisor.allocator.Release(port)
		return 0, errors.Wrapf(ErrWorkerStopped, "worker [%s] stopped during launch", supervisor.config.Id)
	default:
	}

	supervisor.pool.Resume()
	supervisor.logger.Infof("worker [%s] ready on %s (pid %d)", supervisor.config.Name, address, cmd.Process.Pid)

	return port, nil
}

// awaitReady polls the worker's port until it accepts a TCP connection, the process
// exits, or the startup timeout elapses.
func (supervisor *WorkerSupervisor) awaitReady(address string, exited chan struct{}) error {
	deadline := time.After(supervisor.config.StartupTimeout)

	for {
		conn, err := net.DialTimeout("tcp", address, workerReadinessPollInterval)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case <-exited:
			return errors.Wrapf(ErrWorkerLaunch, "worker [%s] exited during startup", supervisor.config.Id)
		case <-deadline:
			return errors.Wrapf(ErrWorkerTimeout, "worker [%s] not ready within %s", supervisor.config.Id, supervisor.config.StartupTimeout)
		case <-time.After(workerReadinessPollInterval):
		}
	}
}

// IsAlive reports whether the worker process is running and previously reported
// ready. Non-blocking.
func (supervisor *WorkerSupervisor) IsAlive() bool {
	supervisor.mu.Lock()
	ready := supervisor.ready
	exited := supervisor.exited
	supervisor.mu.Unlock()

	if !ready || exited == nil {
		return false
	}

	select {
	case <-exited:
		return false
	default:
		return true
	}
}

// Port returns the worker's currently assigned port. ok is false when the worker is
// not running.
func (supervisor *WorkerSupervisor) Port() (int, bool) {
	supervisor.mu.Lock()
	defer supervisor.mu.Unlock()

	if !supervisor.ready {
		return 0, false
	}
	return supervisor.port, true
}

// monitor polls liveness each health interval. On death it suspends admission and
// attempts a restart; a failed restart leaves the worker unavailable and is retried on
// the next interval. Repeated failure is logged, never fatal to the server.
func (supervisor *WorkerSupervisor) monitor() {
	ticker := time.NewTicker(supervisor.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-supervisor.stopCh:
			return
		case <-ticker.C:
			if supervisor.IsAlive() {
				continue
			}

			supervisor.pool.Suspend()
			supervisor.reap()

			supervisor.logger.Warnf("worker [%s] died, restarting", supervisor.config.Id)
			if supervisor.metrics != nil {
				supervisor.metrics.WorkerRestarts.WithLabelValues(supervisor.config.Id).Inc()
			}

			if _, err := supervisor.launch(); err != nil {
				supervisor.logger.Errorf("worker [%s] restart failed, marked unavailable: %v", supervisor.config.Id, err)
			}
		}
	}
}

// reap clears runtime state for a dead process and returns its port to the allocator.
func (supervisor *WorkerSupervisor) reap() {
	supervisor.mu.Lock()
	port := supervisor.port
	ready := supervisor.ready
	supervisor.cmd = nil
	supervisor.port = 0
	supervisor.ready = false
	supervisor.exited = nil
	supervisor.mu.Unlock()

	if ready {
		supervisor.allocator.Release(port)
	}
}

// Stop requests graceful termination and escalates to a kill after the configured
// grace period. Idempotent: calling Stop on an already-stopped supervisor is a no-op.
func (supervisor *WorkerSupervisor) Stop() {
	supervisor.stopOnce.Do(func() {
		close(supervisor.stopCh)
		supervisor.pool.Close()

		supervisor.mu.Lock()
		cmd := supervisor.cmd
		exited := supervisor.exited
		port := supervisor.port
		ready := supervisor.ready
		supervisor.cmd = nil
		supervisor.port = 0
		supervisor.ready = false
		supervisor.exited = nil
		supervisor.mu.Unlock()

		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)

			select {
			case <-exited:
			case <-time.After(supervisor.config.StopGrace):
				supervisor.logger.Warnf("worker [%s] did not exit within %s, killing", supervisor.config.Id, supervisor.config.StopGrace)
				_ = cmd.Process.Kill()
				<-exited
			}
		}

		if ready {
			supervisor.allocator.Release(port)
		}

		supervisor.logger.Infof("worker [%s] stopped", supervisor.config.Id)
	})
}
