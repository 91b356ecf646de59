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

	"github.com/pkg/errors"
)

const (
	ProcessorTypeStatic = "static"
	ProcessorTypePHP    = "php"
	ProcessorTypeProxy  = "proxy"
)

// ProcessorConfig declares one concrete processor instance by id. The options map is
// interpreted by the processor strategy named in Type, not by the config layer.
type ProcessorConfig struct {
	Id        string
	Type      string
	WorkerId  string // php processors: which worker descriptor backs this processor
	BackendId string // proxy processors: which backend group to balance across
	Options   map[interface{}]interface{}
}

// Parse the configuration map for a ProcessorConfig.
func (processor *ProcessorConfig) Parse(configMap map[interface{}]interface{}) error {
	if idVal, ok := configMap["id"]; ok {
		if id, ok := idVal.(string); ok {
			processor.Id = id
		} else {
			return errors.New("id must be a string")
		}
	} else {
		return errors.New("id is required")
	}

	if typeVal, ok := configMap["type"]; ok {
		if processorType, ok := typeVal.(string); ok {
			processor.Type = processorType
		} else {
			return errors.New("type must be a string")
		}
	} else {
		return errors.New("type is required")
	}

	if workerVal, ok := configMap["worker"]; ok {
		if workerId, ok := workerVal.(string); ok {
			processor.WorkerId = workerId
		} else {
			return errors.New("worker must be a string")
		}
	}

	if backendVal, ok := configMap["backend"]; ok {
		if backendId, ok := backendVal.(string); ok {
			processor.BackendId = backendId
		} else {
			return errors.New("backend must be a string")
		}
	}

	if optionsVal, ok := configMap["options"]; ok {
		if optionsMap, ok := optionsVal.(map[interface{}]interface{}); ok {
			processor.Options = optionsMap //left to the strategy to interpret further
		} else {
			return errors.New("options if declared must be a map")
		}
	} //no else optional

	return nil
}

// Validate this configuration object.
func (processor *ProcessorConfig) Validate() error {
	if processor.Id == "" {
		return errors.New("id must be specified")
	}

	switch processor.Type {
	case ProcessorTypeStatic:
	case ProcessorTypePHP:
		if processor.WorkerId == "" {
			return errors.New("php processors require a worker reference")
		}
	case ProcessorTypeProxy:
		if processor.BackendId == "" {
			return errors.New("proxy processors require a backend reference")
		}
	default:
		return fmt.Errorf("unknown processor type [%s]", processor.Type)
	}

	return nil
}

// BackendConfig names an ordered list of upstream targets balanced by one logical
// load balancer. Target order is significant: rotation follows it.
type BackendConfig struct {
	Id      string
	Targets []string
}

// Parse the configuration map for a BackendConfig.
func (backend *BackendConfig) Parse(configMap map[interface{}]interface{}) error {
	if idVal, ok := configMap["id"]; ok {
		if id, ok := idVal.(string); ok {
			backend.Id = id
		} else {
			return errors.New("id must be a string")
		}
	} else {
		return errors.New("id is required")
	}

	if targetsVal, ok := configMap["targets"]; ok {
		if targetArr, ok := targetsVal.([]interface{}); ok {
			for i, targetVal := range targetArr {
				if target, ok := targetVal.(string); ok {
					backend.Targets = append(backend.Targets, target)
				} else {
					return fmt.Errorf("target at index [%d] must be a string", i)
				}
			}
		} else {
			return errors.New("targets must be an array")
		}
	} else {
		return errors.New("targets is required")
	}

	return nil
}

// Validate this configuration object.
func (backend *BackendConfig) Validate() error {
	if backend.Id == "" {
		return errors.New("id must not be empty")
	}

	if len(backend.Targets) == 0 {
		return errors.New("no targets specified, must specify at least one")
	}

	for i, target := range backend.Targets {
		if err := validateHostPort(target); err != nil {
			return fmt.Errorf("invalid target [%s] at index [%d]: %v", target, i, err)
		}
	}

	return nil
}
