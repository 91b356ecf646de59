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
	"os"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultWorkerRequestTimeout  = time.Second * 30
	DefaultWorkerStartupTimeout  = time.Second * 10
	DefaultWorkerStopGrace       = time.Second * 5
	DefaultWorkerHealthInterval  = time.Second * 5
	DefaultWorkerMaxChildren     = 8
	DefaultWorkerAdmissionWait   = time.Second * 10
)

// WorkerConfig describes one external php-cgi style worker process. Each descriptor
// drives exactly one WorkerSupervisor.
type WorkerConfig struct {
	Id             string
	Name           string
	Executable     string
	Args           []string
	RequestTimeout time.Duration
	StartupTimeout time.Duration
	StopGrace      time.Duration
	HealthInterval time.Duration
	AdmissionWait  time.Duration
	MaxChildren    int
	SpoofHeaders   map[string]string
}

// Parse the configuration map for a WorkerConfig.
func (worker *WorkerConfig) Parse(configMap map[interface{}]interface{}) error {
	worker.RequestTimeout = DefaultWorkerRequestTimeout
	worker.StartupTimeout = DefaultWorkerStartupTimeout
	worker.StopGrace = DefaultWorkerStopGrace
	worker.HealthInterval = DefaultWorkerHealthInterval
	worker.AdmissionWait = DefaultWorkerAdmissionWait
	worker.MaxChildren = DefaultWorkerMaxChildren

	if idVal, ok := configMap["id"]; ok {
		if id, ok := idVal.(string); ok {
			worker.Id = id
		} else {
			return errors.New("id must be a string")
		}
	} else {
		return errors.New("id is required")
	}

	if nameVal, ok := configMap["name"]; ok {
		if name, ok := nameVal.(string); ok {
			worker.Name = name
		} else {
			return errors.New("name must be a string")
		}
	}

	if worker.Name == "" {
		worker.Name = worker.Id
	}

	if executableVal, ok := configMap["executable"]; ok {
		if executable, ok := executableVal.(string); ok {
			worker.Executable = executable
		} else {
			return errors.New("executable must be a string")
		}
	} else {
		return errors.New("executable is required")
	}

	if argsVal, ok := configMap["args"]; ok {
		if argArr, ok := argsVal.([]interface{}); ok {
			for i, argVal := range argArr {
				if arg, ok := argVal.(string); ok {
					worker.Args = append(worker.Args, arg)
				} else {
					return fmt.Errorf("arg at index [%d] must be a string", i)
				}
			}
		} else {
			return errors.New("args must be an array")
		}
	}

	durations := map[string]*time.Duration{
		"requestTimeout": &worker.RequestTimeout,
		"startupTimeout": &worker.StartupTimeout,
		"stopGrace":      &worker.StopGrace,
		"healthInterval": &worker.HealthInterval,
		"admissionWait":  &worker.AdmissionWait,
	}

	for key, target := range durations {
		if durationVal, ok := configMap[key]; ok {
			if durationStr, ok := durationVal.(string); ok {
				if duration, err := time.ParseDuration(durationStr); err == nil {
					*target = duration
				} else {
					return fmt.Errorf("could not parse %s %s as a duration (e.g. 30s): %v", key, durationStr, err)
				}
			} else {
				return fmt.Errorf("could not use value for %s, not a string", key)
			}
		}
	}

	if maxChildrenVal, ok := configMap["maxChildren"]; ok {
		if maxChildren, ok := maxChildrenVal.(int); ok {
			worker.MaxChildren = maxChildren
		} else {
			return errors.New("could not use value for maxChildren, not an integer")
		}
	}

	if spoofVal, ok := configMap["spoofHeaders"]; ok {
		if spoofMap, ok := spoofVal.(map[interface{}]interface{}); ok {
			worker.SpoofHeaders = map[string]string{}
			for keyVal, valueVal := range spoofMap {
				key, keyOk := keyVal.(string)
				value, valueOk := valueVal.(string)
				if !keyOk || !valueOk {
					return errors.New("spoofHeaders keys and values must be strings")
				}
				worker.SpoofHeaders[key] = value
			}
		} else {
			return errors.New("spoofHeaders must be a map")
		}
	}

	return nil
}

// Validate all WorkerConfig values. The executable must exist at load time so that a
// misconfigured worker blocks at activation rather than failing per request.
func (worker *WorkerConfig) Validate() error {
	if worker.Id == "" {
		return errors.New("id must not be empty")
	}

	if worker.Executable == "" {
		return errors.New("executable must not be empty")
	}

	if _, err := os.Stat(worker.Executable); err != nil {
		return fmt.Errorf("executable [%s] is not accessible: %v", worker.Executable, err)
	}

	if worker.MaxChildren < 1 {
		return fmt.Errorf("value [%d] for maxChildren too low, must be positive", worker.MaxChildren)
	}

	if worker.RequestTimeout <= 0 {
		return fmt.Errorf("value [%s] for requestTimeout too low, must be positive", worker.RequestTimeout.String())
	}

	if worker.StartupTimeout <= 0 {
		return fmt.Errorf("value [%s] for startupTimeout too low, must be positive", worker.StartupTimeout.String())
	}

	if worker.HealthInterval <= 0 {
		return fmt.Errorf("value [%s] for healthInterval too low, must be positive", worker.HealthInterval.String())
	}

	return nil
}
