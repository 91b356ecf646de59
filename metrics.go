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

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the instance-wide collectors. Created once per instance and shared
// across configuration generations so counters survive hot reloads.
type Metrics struct {
	WorkerRestarts    *prometheus.CounterVec
	AdmissionInFlight *prometheus.GaugeVec
	DispatchTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors with the given registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		WorkerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostmux",
			Name:      "worker_restarts_total",
			Help:      "Number of worker process restarts, by worker id.",
		}, []string{"worker"}),
		AdmissionInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hostmux",
			Name:      "admission_in_flight",
			Help:      "Requests currently holding an admission permit, by worker id.",
		}, []string{"worker"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostmux",
			Name:      "dispatch_total",
			Help:      "Dispatched requests by site, processor type and outcome.",
		}, []string{"site", "processor", "outcome"}),
	}

	registerer.MustRegister(metrics.WorkerRestarts, metrics.AdmissionInFlight, metrics.DispatchTotal)

	return metrics
}
