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
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func newUpstream(t *testing.T, name string) (*httptest.Server, string) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, request *http.Request) {
		rw.Header().Set("X-Upstream", name)
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte(name))
	}))
	t.Cleanup(server.Close)

	parsed, err := url.Parse(server.URL)
	require.NoError(t, err)
	return server, parsed.Host
}

// deadAddress returns a host:port nothing is listening on.
func deadAddress(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	require.NoError(t, listener.Close())
	return address
}

func Test_ProxyProcessor(t *testing.T) {
	site := &SiteConfig{Id: "main"}

	t.Run("forwards the request and streams the upstream response", func(t *testing.T) {
		req := require.New(t)
		_, host := newUpstream(t, "one")

		processor := NewProxyProcessor(
			&ProcessorConfig{Id: "api", Type: ProcessorTypeProxy, BackendId: "upstream"},
			NewRoundRobinBalancer([]string{host}))

		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/api/users", nil)

		req.NoError(processor.HandleRequest(recorder, request, site))
		req.Equal(http.StatusOK, recorder.Code)
		req.Equal("one", recorder.Body.String())
		req.Equal("one", recorder.Header().Get("X-Upstream"))
	})

	t.Run("the forwarded request carries x-forwarded headers", func(t *testing.T) {
		req := require.New(t)

		var forwardedHost, forwardedProto string
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, request *http.Request) {
			forwardedHost = request.Header.Get("X-Forwarded-Host")
			forwardedProto = request.Header.Get("X-Forwarded-Proto")
			rw.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(server.Close)
		parsed, err := url.Parse(server.URL)
		req.NoError(err)

		processor := NewProxyProcessor(
			&ProcessorConfig{Id: "api", Type: ProcessorTypeProxy, BackendId: "upstream"},
			NewRoundRobinBalancer([]string{parsed.Host}))

		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/api/users", nil)
		request.Host = "example.com"

		req.NoError(processor.HandleRequest(recorder, request, site))
		req.Equal("example.com", forwardedHost)
		req.Equal("http", forwardedProto)
	})

	t.Run("requests rotate across upstreams", func(t *testing.T) {
		req := require.New(t)
		_, hostOne := newUpstream(t, "one")
		_, hostTwo := newUpstream(t, "two")

		processor := NewProxyProcessor(
			&ProcessorConfig{Id: "api", Type: ProcessorTypeProxy, BackendId: "upstream"},
			NewRoundRobinBalancer([]string{hostOne, hostTwo}))

		seen := map[string]int{}
		for i := 0; i < 4; i++ {
			recorder := httptest.NewRecorder()
			request := httptest.NewRequest(http.MethodGet, "/api/users", nil)
			req.NoError(processor.HandleRequest(recorder, request, site))
			seen[recorder.Body.String()]++
		}

		req.Equal(2, seen["one"])
		req.Equal(2, seen["two"])
	})

	t.Run("no healthy target fails unavailable without writing", func(t *testing.T) {
		req := require.New(t)

		balancer := NewRoundRobinBalancer([]string{"127.0.0.1:9"})
		balancer.SetHealthy(Target("127.0.0.1:9"), false)

		processor := NewProxyProcessor(
			&ProcessorConfig{Id: "api", Type: ProcessorTypeProxy, BackendId: "upstream"},
			balancer)

		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/api/users", nil)

		err := processor.HandleRequest(recorder, request, site)
		req.Error(err)
		req.True(errors.Is(err, ErrUnavailable))
		req.Zero(recorder.Body.Len())
	})

	t.Run("a dead upstream fails and is marked unhealthy", func(t *testing.T) {
		req := require.New(t)

		dead := deadAddress(t)
		balancer := NewRoundRobinBalancer([]string{dead})
		processor := NewProxyProcessor(
			&ProcessorConfig{Id: "api", Type: ProcessorTypeProxy, BackendId: "upstream"},
			balancer)

		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/api/users", nil)

		err := processor.HandleRequest(recorder, request, site)
		req.Error(err)
		req.True(errors.Is(err, ErrUpstream))

		// the failed target is out of rotation until the next successful probe
		_, ok := balancer.NextTarget()
		req.False(ok)
	})

	t.Run("a failed request is not retried against another target", func(t *testing.T) {
		req := require.New(t)

		dead := deadAddress(t)
		_, live := newUpstream(t, "live")

		// rotation starts at the dead target
		balancer := NewRoundRobinBalancer([]string{dead, live})
		processor := NewProxyProcessor(
			&ProcessorConfig{Id: "api", Type: ProcessorTypeProxy, BackendId: "upstream"},
			balancer)

		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/api/users", nil)

		err := processor.HandleRequest(recorder, request, site)
		req.Error(err)
		req.Zero(recorder.Body.Len())

		// the next request goes to the surviving target
		recorder = httptest.NewRecorder()
		request = httptest.NewRequest(http.MethodGet, "/api/users", nil)
		req.NoError(processor.HandleRequest(recorder, request, site))
		req.Equal("live", recorder.Body.String())
	})
}
