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
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"github.com/yookoala/gofast"
)

// PHPProcessor forwards requests to an external php-cgi worker over FastCGI. The
// worker is resolved by configured id; its assigned port changes across restarts, so
// the port is read from the supervisor on every request. Concurrency into the worker
// is bounded by the supervisor's admission pool.
type PHPProcessor struct {
	config     *ProcessorConfig
	worker     *WorkerConfig
	supervisor *WorkerSupervisor
}

var _ Processor = (*PHPProcessor)(nil)

// NewPHPProcessor creates a php processor bound to the given worker supervisor.
func NewPHPProcessor(config *ProcessorConfig, worker *WorkerConfig, supervisor *WorkerSupervisor) *PHPProcessor {
	return &PHPProcessor{
		config:     config,
		worker:     worker,
		supervisor: supervisor,
	}
}

func (processor *PHPProcessor) Id() string {
	return processor.config.Id
}

func (processor *PHPProcessor) TypeName() string {
	return ProcessorTypePHP
}

func (processor *PHPProcessor) Sanitize() {
	processor.config.WorkerId = strings.TrimSpace(processor.config.WorkerId)
}

func (processor *PHPProcessor) Validate() []string {
	var problems []string

	if processor.worker == nil {
		problems = append(problems, "processor ["+processor.config.Id+"] has no worker descriptor")
	}
	if processor.supervisor == nil {
		problems = append(problems, "processor ["+processor.config.Id+"] has no worker supervisor")
	}

	return problems
}

func (processor *PHPProcessor) HandleRequest(rw http.ResponseWriter, request *http.Request, site *SiteConfig) error {
	// fail fast without touching the admission pool when the worker is not running
	port, running := processor.supervisor.Port()
	if !running {
		return errors.Wrapf(ErrUnavailable, "worker [%s] has no assigned port", processor.worker.Id)
	}

	permit, err := processor.supervisor.Pool().Acquire(request.Context())
	if err != nil {
		return err
	}
	defer permit.Release()

	ctx, cancel := context.WithTimeout(request.Context(), processor.worker.RequestTimeout)
	defer cancel()
	request = request.WithContext(ctx)

	address := fmt.Sprintf("127.0.0.1:%d", port)
	connFactory := gofast.SimpleConnFactory("tcp", address)
	clientFactory := gofast.SimpleClientFactory(connFactory, 0)

	client, err := clientFactory()
	if err != nil {
		return errors.Wrapf(ErrUpstream, "could not connect to worker [%s] at %s: %v", processor.worker.Id, address, err)
	}
	defer func() { _ = client.Close() }()

	session := gofast.Chain(
		gofast.BasicParamsMap,
		gofast.MapHeader,
		gofast.MapRemoteHost,
		spoofHeaderParams(processor.worker.SpoofHeaders),
		gofast.NewPHPFS(site.Root),
	)(gofast.BasicSession)

	resp, err := session(client, gofast.NewRequest(request))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.Wrapf(ErrUpstreamTimeout, "worker [%s] did not answer within %s", processor.worker.Id, processor.worker.RequestTimeout)
		}
		return errors.Wrapf(ErrUpstream, "worker [%s] session failed: %v", processor.worker.Id, err)
	}
	defer resp.Close()

	stderr := new(bytes.Buffer)
	if err := resp.WriteTo(rw, stderr); err != nil {
		pfxlog.Logger().Warnf("error streaming response from worker [%s]: %v", processor.worker.Id, err)
	}
	if stderr.Len() > 0 {
		pfxlog.Logger().Warnf("worker [%s] stderr: %s", processor.worker.Id, stderr.String())
	}

	return nil
}

// spoofHeaderParams injects the worker descriptor's extra headers into the FastCGI
// parameter set as HTTP_* variables.
func spoofHeaderParams(headers map[string]string) gofast.Middleware {
	return func(inner gofast.SessionHandler) gofast.SessionHandler {
		return func(client gofast.Client, req *gofast.Request) (*gofast.ResponsePipe, error) {
			for name, value := range headers {
				key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
				req.Params[key] = value
			}
			return inner(client, req)
		}
	}
}
