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
	"errors"
	"net/http"
)

// Sentinel errors for the per-request failure kinds processors may return. Processors
// wrap these with context via pkg/errors; callers classify with errors.Is.
var (
	// ErrNotHandled indicates the processor declined the request without side effects
	// (e.g. no such file). The dispatcher advances to the next matching handler.
	ErrNotHandled = errors.New("request not handled")

	// ErrUnavailable indicates the backing resource is not running (worker has no
	// assigned port, balancer has no healthy target).
	ErrUnavailable = errors.New("backend unavailable")

	// ErrCapacity indicates an admission permit could not be acquired before the
	// per-request timeout elapsed.
	ErrCapacity = errors.New("capacity unavailable")

	// ErrUpstream indicates a connection or protocol failure talking to a worker or
	// proxy upstream.
	ErrUpstream = errors.New("upstream failure")

	// ErrUpstreamTimeout indicates the worker or proxy upstream did not answer within
	// the request timeout.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrPathEscape indicates a request path normalized outside the site web root.
	// Never served; mapped to a forbidden response.
	ErrPathEscape = errors.New("path escapes web root")
)

// Worker lifecycle errors returned by WorkerSupervisor.
var (
	ErrWorkerLaunch  = errors.New("worker launch failed")
	ErrWorkerTimeout = errors.New("worker readiness timeout")
	ErrWorkerStopped = errors.New("worker supervisor stopped")
)

// statusForError maps a processor failure to the HTTP status used when the dispatcher
// exhausts all matching handlers without a success.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, ErrPathEscape):
		return http.StatusForbidden
	default:
		return http.StatusNotFound
	}
}
