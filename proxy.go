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
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// ProxyProcessor forwards requests to an upstream selected by the backend's load
// balancer and streams the response back. A failed upstream is surfaced to the
// dispatcher, never retried against another target within the same request.
type ProxyProcessor struct {
	config   *ProcessorConfig
	balancer LoadBalancer
}

var _ Processor = (*ProxyProcessor)(nil)

// NewProxyProcessor creates a proxy processor over the given balancer.
func NewProxyProcessor(config *ProcessorConfig, balancer LoadBalancer) *ProxyProcessor {
	return &ProxyProcessor{
		config:   config,
		balancer: balancer,
	}
}

func (processor *ProxyProcessor) Id() string {
	return processor.config.Id
}

func (processor *ProxyProcessor) TypeName() string {
	return ProcessorTypeProxy
}

func (processor *ProxyProcessor) Sanitize() {
	processor.config.BackendId = strings.TrimSpace(processor.config.BackendId)
}

func (processor *ProxyProcessor) Validate() []string {
	var problems []string

	if processor.balancer == nil {
		problems = append(problems, "processor ["+processor.config.Id+"] has no load balancer for backend ["+processor.config.BackendId+"]")
	}

	return problems
}

func (processor *ProxyProcessor) HandleRequest(rw http.ResponseWriter, request *http.Request, site *SiteConfig) error {
	target, ok := processor.balancer.NextTarget()
	if !ok {
		return errors.Wrapf(ErrUnavailable, "backend [%s] has no healthy target", processor.config.BackendId)
	}

	upstream := &url.URL{Scheme: "http", Host: string(target)}

	var upstreamErr error
	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = upstream.Scheme
			req.URL.Host = upstream.Host
			req.Header.Set("X-Forwarded-Host", req.Host)
			if req.TLS != nil {
				req.Header.Set("X-Forwarded-Proto", "https")
			} else {
				req.Header.Set("X-Forwarded-Proto", "http")
			}
		},
		ErrorHandler: func(_ http.ResponseWriter, _ *http.Request, err error) {
			upstreamErr = err
		},
	}

	proxy.ServeHTTP(rw, request)

	if upstreamErr != nil {
		// a connect failure flips the target's health immediately, sparing the
		// periodic probe a round
		if rr, ok := processor.balancer.(*RoundRobinBalancer); ok {
			rr.SetHealthy(target, false)
		}

		if netErr, ok := upstreamErr.(net.Error); ok && netErr.Timeout() {
			return errors.Wrapf(ErrUpstreamTimeout, "upstream [%s]: %v", target, upstreamErr)
		}
		return errors.Wrapf(ErrUpstream, "upstream [%s]: %v", target, upstreamErr)
	}

	return nil
}
