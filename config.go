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
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	DefaultHttpWriteTimeout = time.Second * 10
	DefaultHttpReadTimeout  = time.Second * 5
	DefaultHttpIdleTimeout  = time.Second * 5

	DefaultReloadGrace   = time.Second * 5
	DefaultShutdownGrace = time.Second * 15
)

// Config is the root configuration for one hostmux instance: bindings, sites,
// processors, worker descriptors and proxy backend groups. A Config is an immutable,
// validated snapshot; hot-reload produces a new Config rather than mutating this one.
type Config struct {
	SourceConfig map[interface{}]interface{}

	Bindings   []*BindingConfig
	Sites      []*SiteConfig
	Processors []*ProcessorConfig
	Workers    []*WorkerConfig
	Backends   []*BackendConfig
	Options    Options

	enabled bool
}

// Options is the shared server options for a Config.
type Options struct {
	TimeoutOptions
	CacheOptions
	ReloadGrace   time.Duration
	ShutdownGrace time.Duration
}

// Default provides defaults for all necessary values
func (options *Options) Default() {
	options.TimeoutOptions.Default()
	options.CacheOptions.Default()
	options.ReloadGrace = DefaultReloadGrace
	options.ShutdownGrace = DefaultShutdownGrace
}

// Parse parses a configuration map
func (options *Options) Parse(optionsMap map[interface{}]interface{}) error {
	if err := options.TimeoutOptions.Parse(optionsMap); err != nil {
		return fmt.Errorf("error parsing options: %v", err)
	}

	if err := options.CacheOptions.Parse(optionsMap); err != nil {
		return fmt.Errorf("error parsing options: %v", err)
	}

	if graceVal, ok := optionsMap["reloadGrace"]; ok {
		if graceStr, ok := graceVal.(string); ok {
			if grace, err := time.ParseDuration(graceStr); err == nil {
				options.ReloadGrace = grace
			} else {
				return fmt.Errorf("could not parse reloadGrace %s as a duration (e.g. 5s): %v", graceStr, err)
			}
		} else {
			return errors.New("could not use value for reloadGrace, not a string")
		}
	}

	if graceVal, ok := optionsMap["shutdownGrace"]; ok {
		if graceStr, ok := graceVal.(string); ok {
			if grace, err := time.ParseDuration(graceStr); err == nil {
				options.ShutdownGrace = grace
			} else {
				return fmt.Errorf("could not parse shutdownGrace %s as a duration (e.g. 15s): %v", graceStr, err)
			}
		} else {
			return errors.New("could not use value for shutdownGrace, not a string")
		}
	}

	return nil
}

// TimeoutOptions represents http timeout options
type TimeoutOptions struct {
	ReadTimeout  time.Duration
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
}

// Default defaults all HTTP timeout options
func (timeoutOptions *TimeoutOptions) Default() {
	timeoutOptions.WriteTimeout = DefaultHttpWriteTimeout
	timeoutOptions.ReadTimeout = DefaultHttpReadTimeout
	timeoutOptions.IdleTimeout = DefaultHttpIdleTimeout
}

// Parse parses a config map
func (timeoutOptions *TimeoutOptions) Parse(config map[interface{}]interface{}) error {
	durations := map[string]*time.Duration{
		"readTimeout":  &timeoutOptions.ReadTimeout,
		"idleTimeout":  &timeoutOptions.IdleTimeout,
		"writeTimeout": &timeoutOptions.WriteTimeout,
	}

	for key, target := range durations {
		if interfaceVal, ok := config[key]; ok {
			if durationStr, ok := interfaceVal.(string); ok {
				if duration, err := time.ParseDuration(durationStr); err == nil {
					*target = duration
				} else {
					return fmt.Errorf("could not parse %s %s as a duration (e.g. 1m): %v", key, durationStr, err)
				}
			} else {
				return fmt.Errorf("could not use value for %s, not a string", key)
			}
		}
	}

	return nil
}

// Validate validates all settings and return nil or an error
func (timeoutOptions *TimeoutOptions) Validate() error {
	if timeoutOptions.WriteTimeout <= 0 {
		return fmt.Errorf("value [%s] for writeTimeout too low, must be positive", timeoutOptions.WriteTimeout.String())
	}

	if timeoutOptions.ReadTimeout <= 0 {
		return fmt.Errorf("value [%s] for readTimeout too low, must be positive", timeoutOptions.ReadTimeout.String())
	}

	if timeoutOptions.IdleTimeout <= 0 {
		return fmt.Errorf("value [%s] for idleTimeout too low, must be positive", timeoutOptions.IdleTimeout.String())
	}

	return nil
}

// Parse parses a configuration map, looking for the bindings, sites, processors,
// workers and backends sections.
func (config *Config) Parse(configMap map[interface{}]interface{}) error {
	config.SourceConfig = configMap

	config.Options = Options{}
	config.Options.Default()

	if optionsVal, ok := configMap["options"]; ok {
		if optionsMap, ok := optionsVal.(map[interface{}]interface{}); ok {
			if err := config.Options.Parse(optionsMap); err != nil {
				return fmt.Errorf("error parsing options section: %v", err)
			}
		} //no else, options are optional
	}

	sections := []struct {
		name     string
		required bool
		parse    func(map[interface{}]interface{}) error
	}{
		{"bindings", true, func(m map[interface{}]interface{}) error {
			binding := &BindingConfig{}
			if err := binding.Parse(m); err != nil {
				return err
			}
			config.Bindings = append(config.Bindings, binding)
			return nil
		}},
		{"sites", true, func(m map[interface{}]interface{}) error {
			site := &SiteConfig{}
			if err := site.Parse(m); err != nil {
				return err
			}
			config.Sites = append(config.Sites, site)
			return nil
		}},
		{"processors", true, func(m map[interface{}]interface{}) error {
			processor := &ProcessorConfig{}
			if err := processor.Parse(m); err != nil {
				return err
			}
			config.Processors = append(config.Processors, processor)
			return nil
		}},
		{"workers", false, func(m map[interface{}]interface{}) error {
			worker := &WorkerConfig{}
			if err := worker.Parse(m); err != nil {
				return err
			}
			config.Workers = append(config.Workers, worker)
			return nil
		}},
		{"backends", false, func(m map[interface{}]interface{}) error {
			backend := &BackendConfig{}
			if err := backend.Parse(m); err != nil {
				return err
			}
			config.Backends = append(config.Backends, backend)
			return nil
		}},
	}

	for _, section := range sections {
		sectionVal, ok := configMap[section.name]
		if !ok {
			if section.required {
				return fmt.Errorf("%s section is required", section.name)
			}
			continue
		}

		sectionArr, ok := sectionVal.([]interface{})
		if !ok {
			return fmt.Errorf("%s section must be an array", section.name)
		}

		for i, entryVal := range sectionArr {
			entryMap, ok := entryVal.(map[interface{}]interface{})
			if !ok {
				return fmt.Errorf("error parsing %s configuration at index [%d]: not a map", section.name, i)
			}
			if err := section.parse(entryMap); err != nil {
				return fmt.Errorf("error parsing %s configuration at index [%d]: %v", section.name, i, err)
			}
		}
	}

	return nil
}

// Validate validates every configured entity and all cross references. An invalid
// site, processor or worker is disabled and logged rather than failing the whole
// configuration; only structural problems (duplicate ids, dangling references from
// entities that survive, no usable binding) are fatal.
func (config *Config) Validate() error {
	logger := pfxlog.Logger()

	if err := config.Options.TimeoutOptions.Validate(); err != nil {
		return fmt.Errorf("invalid timeout option: %v", err)
	}

	if len(config.Bindings) == 0 {
		return errors.New("no bindings specified, must specify at least one")
	}

	seenBindings := map[string]struct{}{}
	for i, binding := range config.Bindings {
		if _, ok := seenBindings[binding.Id]; ok {
			return fmt.Errorf("duplicate binding id [%s]", binding.Id)
		}
		seenBindings[binding.Id] = struct{}{}

		if err := binding.Validate(); err != nil {
			return fmt.Errorf("could not validate binding at bindings[%d]: %v", i, err)
		}
	}

	workers := map[string]*WorkerConfig{}
	for i, worker := range config.Workers {
		if _, ok := workers[worker.Id]; ok {
			return fmt.Errorf("duplicate worker id [%s]", worker.Id)
		}
		if err := worker.Validate(); err != nil {
			logger.Errorf("worker at workers[%d] is invalid and will not be activated: %v", i, err)
			continue
		}
		workers[worker.Id] = worker
	}

	backends := map[string]*BackendConfig{}
	for i, backend := range config.Backends {
		if _, ok := backends[backend.Id]; ok {
			return fmt.Errorf("duplicate backend id [%s]", backend.Id)
		}
		if err := backend.Validate(); err != nil {
			return fmt.Errorf("could not validate backend at backends[%d]: %v", i, err)
		}
		backends[backend.Id] = backend
	}

	processors := map[string]*ProcessorConfig{}
	for i, processor := range config.Processors {
		if _, ok := processors[processor.Id]; ok {
			return fmt.Errorf("duplicate processor id [%s]", processor.Id)
		}
		if err := processor.Validate(); err != nil {
			logger.Errorf("processor at processors[%d] is invalid and will not be activated: %v", i, err)
			continue
		}

		switch processor.Type {
		case ProcessorTypePHP:
			if _, ok := workers[processor.WorkerId]; !ok {
				logger.Errorf("processor [%s] references unknown or inactive worker [%s], disabling", processor.Id, processor.WorkerId)
				continue
			}
		case ProcessorTypeProxy:
			if _, ok := backends[processor.BackendId]; !ok {
				logger.Errorf("processor [%s] references unknown backend [%s], disabling", processor.Id, processor.BackendId)
				continue
			}
		}

		processors[processor.Id] = processor
	}

	sites := map[string]*SiteConfig{}
	for i, site := range config.Sites {
		if _, ok := sites[site.Id]; ok {
			return fmt.Errorf("duplicate site id [%s]", site.Id)
		}
		if err := site.Validate(); err != nil {
			logger.Errorf("site at sites[%d] is invalid and will not be activated: %v", i, err)
			continue
		}

		for _, ref := range site.Handlers {
			if _, ok := processors[ref.ProcessorId]; !ok {
				logger.Warnf("site [%s] handler references unknown or inactive processor [%s], handler disabled", site.Id, ref.ProcessorId)
				ref.Enabled = false
			}
		}

		sites[site.Id] = site
	}

	for _, binding := range config.Bindings {
		for _, siteId := range binding.SiteIds {
			if _, ok := sites[siteId]; !ok {
				return fmt.Errorf("binding [%s] references unknown or inactive site [%s]", binding.Id, siteId)
			}
		}
	}

	//enabled only after validation passes
	config.enabled = true

	return nil
}

// Enabled returns true/false on whether this configuration should be considered
// "enabled". Set to true after Validate passes.
func (config *Config) Enabled() bool {
	return config.enabled
}

// SiteById resolves a site id to its configuration, nil when unknown.
func (config *Config) SiteById(id string) *SiteConfig {
	for _, site := range config.Sites {
		if site.Id == id {
			return site
		}
	}
	return nil
}

// WorkerById resolves a worker id to its descriptor, nil when unknown.
func (config *Config) WorkerById(id string) *WorkerConfig {
	for _, worker := range config.Workers {
		if worker.Id == id {
			return worker
		}
	}
	return nil
}

// BackendById resolves a backend id to its configuration, nil when unknown.
func (config *Config) BackendById(id string) *BackendConfig {
	for _, backend := range config.Backends {
		if backend.Id == id {
			return backend
		}
	}
	return nil
}

// LoadConfig reads a YAML configuration file, parses and validates it.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read configuration file [%s]", path)
	}

	configMap := map[interface{}]interface{}{}
	if err := yaml.Unmarshal(raw, &configMap); err != nil {
		return nil, errors.Wrapf(err, "could not parse configuration file [%s]", path)
	}

	config := &Config{}
	if err := config.Parse(configMap); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// ConfigProvider watches a configuration file and raises EventConfigChanged on the
// supplied SignalBus whenever it is written. Consumers reload through LoadConfig; a
// reload that fails validation leaves the current generation untouched.
type ConfigProvider struct {
	Path string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewConfigProvider creates a provider for the given file path.
func NewConfigProvider(path string) *ConfigProvider {
	return &ConfigProvider{
		Path: path,
		done: make(chan struct{}),
	}
}

// Load reads and validates the current contents of the configuration file.
func (provider *ConfigProvider) Load() (*Config, error) {
	return LoadConfig(provider.Path)
}

// Watch begins watching the configuration file for changes. Editors often replace the
// file rather than writing in place, so the parent directory is watched and events
// filtered by name.
func (provider *ConfigProvider) Watch(signals *SignalBus) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "could not create configuration watcher")
	}
	provider.watcher = watcher

	dir := filepath.Dir(provider.Path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return errors.Wrapf(err, "could not watch configuration directory [%s]", dir)
	}

	go func() {
		logger := pfxlog.Logger()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(provider.Path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					logger.Infof("configuration file [%s] changed", provider.Path)
					signals.Notify(EventConfigChanged)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("configuration watcher error: %v", err)
			case <-provider.done:
				return
			}
		}
	}()

	return nil
}

// Close stops watching. Idempotent.
func (provider *ConfigProvider) Close() {
	select {
	case <-provider.done:
	default:
		close(provider.done)
	}
	if provider.watcher != nil {
		_ = provider.watcher.Close()
	}
}
