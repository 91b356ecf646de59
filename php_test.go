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
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yookoala/gofast"
)

func newPHPFixture(t *testing.T) (*PHPProcessor, *WorkerSupervisor) {
	worker := helperWorkerConfig(t)
	worker.MaxChildren = 1

	supervisor := NewWorkerSupervisor(worker, NewPortAllocator(), nil)
	t.Cleanup(supervisor.Stop)

	config := &ProcessorConfig{Id: "php", Type: ProcessorTypePHP, WorkerId: worker.Id}
	return NewPHPProcessor(config, worker, supervisor), supervisor
}

func Test_PHPProcessor(t *testing.T) {

	t.Run("a worker without a port is unavailable and consumes no permit", func(t *testing.T) {
		req := require.New(t)

		processor, supervisor := newPHPFixture(t)

		// open the pool without launching the worker; the port check must fail
		// before admission is consulted
		supervisor.Pool().Resume()

		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/index.php", nil)

		err := processor.HandleRequest(recorder, request, &SiteConfig{Id: "main", Root: t.TempDir()})
		req.Error(err)
		req.True(errors.Is(err, ErrUnavailable))

		// a capacity-one pool still has its permit free
		permit, err := supervisor.Pool().Acquire(context.Background())
		req.NoError(err)
		permit.Release()
	})

	t.Run("a broken worker session maps to an upstream error and releases the permit", func(t *testing.T) {
		req := require.New(t)

		processor, supervisor := newPHPFixture(t)

		// the helper accepts and immediately closes connections, so the FastCGI
		// session cannot complete
		_, err := supervisor.Start()
		req.NoError(err)

		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/index.php", nil)

		err = processor.HandleRequest(recorder, request, &SiteConfig{Id: "main", Root: t.TempDir()})
		req.Error(err)
		req.True(errors.Is(err, ErrUpstream) || errors.Is(err, ErrUpstreamTimeout))

		// capacity one: the permit must have been returned on the error path
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		permit, err := supervisor.Pool().Acquire(ctx)
		req.NoError(err)
		permit.Release()
	})

	t.Run("spoof headers are injected as fastcgi params", func(t *testing.T) {
		req := require.New(t)

		var captured map[string]string
		inner := func(client gofast.Client, fcgiReq *gofast.Request) (*gofast.ResponsePipe, error) {
			captured = map[string]string{}
			for key, value := range fcgiReq.Params {
				captured[key] = value
			}
			return nil, nil
		}

		middleware := spoofHeaderParams(map[string]string{
			"X-Real-IP":         "10.0.0.1",
			"X-Forwarded-Proto": "https",
		})

		request := httptest.NewRequest(http.MethodGet, "/index.php", nil)
		_, err := middleware(inner)(nil, gofast.NewRequest(request))
		req.NoError(err)

		req.Equal("10.0.0.1", captured["HTTP_X_REAL_IP"])
		req.Equal("https", captured["HTTP_X_FORWARDED_PROTO"])
	})
}

func Test_SiteRouting(t *testing.T) {

	t.Run("static, php and proxy handlers route by pattern", func(t *testing.T) {
		req := require.New(t)

		root := t.TempDir()
		req.NoError(os.MkdirAll(filepath.Join(root, "assets"), 0755))
		req.NoError(os.WriteFile(filepath.Join(root, "assets", "app.css"), []byte("body {}"), 0644))

		cache := NewFileCache(CacheOptions{MaxCacheableSize: 1 << 20, CacheTTL: time.Second})
		static := NewStaticProcessor(&ProcessorConfig{Id: "files", Type: ProcessorTypeStatic}, cache)

		// php worker never started, so php requests surface as unavailable
		php, _ := newPHPFixture(t)

		_, upstreamHost := newUpstream(t, "api backend")
		proxy := NewProxyProcessor(
			&ProcessorConfig{Id: "api", Type: ProcessorTypeProxy, BackendId: "api"},
			NewRoundRobinBalancer([]string{upstreamHost}),
		)

		registry := NewProcessorRegistry()
		req.NoError(registry.Add(static))
		req.NoError(registry.Add(php))
		req.NoError(registry.Add(proxy))

		dispatcher := NewDispatcher(registry, nil)

		site := &SiteConfig{
			Id:   "main",
			Root: root,
			Handlers: []*HandlerRef{
				handlerRef("api", "/api/*"),
				handlerRef("php", "/*.php"),
				handlerRef("files", "/assets/*"),
			},
		}

		recorder := dispatch(dispatcher, site, "/assets/app.css")
		req.Equal(http.StatusOK, recorder.Code)
		req.Equal("body {}", recorder.Body.String())

		recorder = dispatch(dispatcher, site, "/api/users")
		req.Equal(http.StatusOK, recorder.Code)
		req.Equal("api backend", recorder.Body.String())

		recorder = dispatch(dispatcher, site, "/index.php")
		req.Equal(http.StatusServiceUnavailable, recorder.Code)

		recorder = dispatch(dispatcher, site, "/unknown")
		req.Equal(http.StatusNotFound, recorder.Code)
	})
}
