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
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/foundation/v2/debugz"
	transporttls "github.com/openziti/transport/v2/tls"
)

// Server runs one http.Server for one Binding. The request handler loads the current
// RunningState once per request, resolves the site by host header and hands off to
// the generation's dispatcher; a hot reload mid-flight never affects requests already
// dispatched against the prior generation.
type Server struct {
	Binding     *BindingConfig
	coordinator *Coordinator
	httpServer  *http.Server
	logWriter   *io.PipeWriter

	OnHandlerPanic func(writer http.ResponseWriter, request *http.Request, panicVal interface{})
}

// NewServer creates a Server for the binding, wiring the middleware stack around the
// dispatcher: request ids and compression outside, panic recovery inside. Access
// logging happens at dispatch, where the site is known.
func NewServer(binding *BindingConfig, coordinator *Coordinator, timeouts TimeoutOptions) *Server {
	logWriter := pfxlog.Logger().Writer()

	server := &Server{
		Binding:     binding,
		coordinator: coordinator,
		logWriter:   logWriter,
	}

	handler := server.wrapHandler(http.HandlerFunc(server.serveRequest))

	server.httpServer = &http.Server{
		Addr:         binding.InterfaceAddress,
		WriteTimeout: timeouts.WriteTimeout,
		ReadTimeout:  timeouts.ReadTimeout,
		IdleTimeout:  timeouts.IdleTimeout,
		Handler:      handler,
		ErrorLog:     log.New(logWriter, "", 0),
	}

	return server
}

func (server *Server) wrapHandler(handler http.Handler) http.Handler {
	//innermost/bottom -> outermost/top
	handler = server.wrapPanicRecovery(handler)
	handler = NewCompressionHandler(handler)
	handler = server.wrapRequestId(handler)
	return handler
}

// wrapRequestId assigns every request an id before anything else runs.
func (server *Server) wrapRequestId(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, request *http.Request) {
		ctx := context.WithValue(request.Context(), RequestIdContextKey, uuid.NewString())
		handler.ServeHTTP(rw, request.WithContext(ctx))
	})
}

// wrapPanicRecovery wraps a http.Handler with another http.Handler that provides recovery.
func (server *Server) wrapPanicRecovery(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		defer func() {
			if panicVal := recover(); panicVal != nil {
				if server.OnHandlerPanic != nil {
					server.OnHandlerPanic(writer, request, panicVal)
					return
				}
				pfxlog.Logger().Errorf("panic caught by server handler: %v\n%v", panicVal, debugz.GenerateLocalStack())
			}
		}()

		handler.ServeHTTP(writer, request)
	})
}

func (server *Server) serveRequest(rw http.ResponseWriter, request *http.Request) {
	state := server.coordinator.Current()
	if state == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	host := request.Host
	if splitHost, _, err := net.SplitHostPort(host); err == nil {
		host = splitHost
	}

	site := state.SiteForRequest(server.Binding, host)
	if site == nil {
		pfxlog.Logger().Debugf("no site for host [%s] on binding [%s]", host, server.Binding.Id)
		rw.WriteHeader(http.StatusNotFound)
		_, _ = rw.Write([]byte(http.StatusText(http.StatusNotFound)))
		return
	}

	ctx := context.WithValue(request.Context(), SiteContextKey, site)
	ctx = context.WithValue(ctx, BindingContextKey, server.Binding)
	request = request.WithContext(ctx)

	recorder := &statusRecorder{ResponseWriter: rw}
	started := time.Now()

	state.Dispatcher.Dispatch(recorder, request, site)

	writeAccessLine(state.AccessLogs, site, RequestIdFromContext(ctx), request.Method, request.URL.Path,
		recorder.status(), recorder.bytes, time.Since(started))
}

// tlsConfig builds the binding's TLS configuration. Sites carrying their own TLS
// material override the binding identity by SNI through GetConfigForClient.
func (server *Server) tlsConfig() *tls.Config {
	tlsConfig := server.Binding.Identity.ServerTLSConfig()
	tlsConfig.ClientAuth = tls.RequestClientCert
	tlsConfig.MinVersion = tls.VersionTLS12

	tlsConfig.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		state := server.coordinator.Current()
		if state == nil || hello.ServerName == "" {
			return nil, nil
		}
		site := state.SiteForRequest(server.Binding, strings.ToLower(hello.ServerName))
		if site == nil || site.Identity == nil {
			return nil, nil
		}
		siteConfig := site.Identity.ServerTLSConfig()
		siteConfig.MinVersion = tls.VersionTLS12
		return siteConfig, nil
	}

	return tlsConfig
}

// Start listens and serves until Shutdown. Failure to bind the listening socket is
// returned to the caller and is fatal to the instance.
func (server *Server) Start() error {
	logger := pfxlog.Logger()

	if server.Binding.TLS {
		logger.Infof("starting binding [%s] to listen and serve tls on %s", server.Binding.Id, server.httpServer.Addr)

		cfg := server.tlsConfig()
		// make sure to listen to the expected protocols
		cfg.NextProtos = append(cfg.NextProtos, "h2", "http/1.1", "")
		listener, err := transporttls.ListenTLS(server.httpServer.Addr, server.Binding.Id, cfg)
		if err != nil {
			return fmt.Errorf("error listening: %s", err)
		}
		err = server.httpServer.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error listening: %s", err)
		}
		return nil
	}

	logger.Infof("starting binding [%s] to listen and serve on %s", server.Binding.Id, server.httpServer.Addr)

	listener, err := net.Listen("tcp", server.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("error listening: %s", err)
	}
	err = server.httpServer.Serve(listener)
	if !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("error listening: %s", err)
	}
	return nil
}

// Shutdown stops the underlying http.Server.
func (server *Server) Shutdown(ctx context.Context) {
	_ = server.logWriter.Close()
	_ = server.httpServer.Shutdown(ctx)
}

// statusRecorder captures the terminal status and body size for access logging.
type statusRecorder struct {
	http.ResponseWriter
	wroteStatus int
	bytes       int64
}

func (recorder *statusRecorder) WriteHeader(status int) {
	if recorder.wroteStatus == 0 {
		recorder.wroteStatus = status
	}
	recorder.ResponseWriter.WriteHeader(status)
}

func (recorder *statusRecorder) Write(data []byte) (int, error) {
	if recorder.wroteStatus == 0 {
		recorder.wroteStatus = http.StatusOK
	}
	n, err := recorder.ResponseWriter.Write(data)
	recorder.bytes += int64(n)
	return n, err
}

func (recorder *statusRecorder) status() int {
	if recorder.wroteStatus == 0 {
		return http.StatusOK
	}
	return recorder.wroteStatus
}

func (recorder *statusRecorder) Flush() {
	if flusher, ok := recorder.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
