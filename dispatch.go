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
	"net/http"

	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

// Dispatcher walks a site's ordered handler list and invokes the first enabled
// processor whose pattern structurally matches the request path. A failing handler is
// non-fatal for the request: the dispatcher advances to the next matching handler and
// synthesizes the terminal response itself when all are exhausted. No handler is
// invoked twice for the same request.
type Dispatcher struct {
	registry *ProcessorRegistry
	metrics  *Metrics
}

// NewDispatcher creates a dispatcher over the generation's processor registry.
func NewDispatcher(registry *ProcessorRegistry, metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		metrics:  metrics,
	}
}

// Dispatch serves one request against the resolved site. Exactly one terminal
// response is always produced.
func (dispatcher *Dispatcher) Dispatch(rw http.ResponseWriter, request *http.Request, site *SiteConfig) {
	logger := pfxlog.Logger().WithField("site", site.Id).WithField("requestId", RequestIdFromContext(request.Context()))

	// site rewrites run before handler matching
	for _, rule := range site.Rewrites {
		rewritten, matched := rule.Apply(request.URL.Path)
		if !matched {
			continue
		}
		if rule.Redirect {
			http.Redirect(rw, request, rewritten, http.StatusMovedPermanently)
			return
		}
		if rewritten != request.URL.Path {
			logger.Debugf("rewrote [%s] to [%s]", request.URL.Path, rewritten)
			request.URL.Path = rewritten
			// keep the query string intact for gateways that forward the raw uri
			request.RequestURI = request.URL.RequestURI()
		}
		break
	}

	var lastErr error

	for _, ref := range site.Handlers {
		if !ref.Enabled || !ref.Matches(request.URL.Path) {
			continue
		}

		processor := dispatcher.registry.Get(ref.ProcessorId)
		if processor == nil {
			logger.Warnf("handler references unknown processor [%s], skipping", ref.ProcessorId)
			continue
		}

		err := processor.HandleRequest(rw, request, site)
		if err == nil {
			if dispatcher.metrics != nil {
				dispatcher.metrics.DispatchTotal.WithLabelValues(site.Id, processor.TypeName(), "ok").Inc()
			}
			return
		}

		if errors.Is(err, ErrNotHandled) {
			logger.Debugf("processor [%s] declined [%s]", processor.Id(), request.URL.Path)
		} else {
			logger.Warnf("processor [%s] failed for [%s], trying next handler: %v", processor.Id(), request.URL.Path, err)
			lastErr = err
		}
	}

	// no handler matched or all matching handlers declined/errored
	status := http.StatusNotFound
	outcome := "miss"
	if lastErr != nil {
		status = statusForError(lastErr)
		outcome = "error"
	}

	if dispatcher.metrics != nil {
		dispatcher.metrics.DispatchTotal.WithLabelValues(site.Id, "none", outcome).Inc()
	}

	rw.WriteHeader(status)
	_, _ = rw.Write([]byte(http.StatusText(status)))
}
