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
	"net/http"

	"github.com/sirupsen/logrus"
)

// Processor is one configured request-handling strategy. Sanitize and Validate run at
// configuration-load time only; HandleRequest is the hot path.
//
// HandleRequest either writes a complete response and returns nil, or returns a
// non-nil error without having written to the ResponseWriter so the dispatcher can
// advance to the next matching handler.
type Processor interface {
	// Id returns the processor's configured identity.
	Id() string

	// TypeName returns the strategy name ("static", "php", "proxy").
	TypeName() string

	// Sanitize normalizes configured values in place before validation.
	Sanitize()

	// Validate returns human-readable configuration problems. An empty list means
	// the processor is valid and may activate.
	Validate() []string

	// HandleRequest serves the request in the context of the given site.
	HandleRequest(rw http.ResponseWriter, request *http.Request, site *SiteConfig) error
}

// ProcessorRegistry maps processor ids to instances for one configuration generation.
// It is populated while the RunningState is composed and read-only afterwards, so
// lookups take no lock.
type ProcessorRegistry struct {
	processors map[string]Processor
}

// NewProcessorRegistry creates an empty registry.
func NewProcessorRegistry() *ProcessorRegistry {
	return &ProcessorRegistry{
		processors: map[string]Processor{},
	}
}

// Add adds a processor to the registry. Errors if a previous processor with the same
// id is registered.
func (registry *ProcessorRegistry) Add(processor Processor) error {
	logrus.Debugf("adding processor [%s] of type [%s]", processor.Id(), processor.TypeName())
	if _, ok := registry.processors[processor.Id()]; ok {
		return fmt.Errorf("processor id [%s] already registered", processor.Id())
	}

	registry.processors[processor.Id()] = processor

	return nil
}

// Get retrieves a processor by id or nil if none is registered.
func (registry *ProcessorRegistry) Get(id string) Processor {
	return registry.processors[id]
}
