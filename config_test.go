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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

const testConfigYaml = `
options:
  readTimeout: 6s
  writeTimeout: 11s
  reloadGrace: 2s

bindings:
  - id: web
    interface: 0.0.0.0:8080
    address: example.com:8080
    sites:
      - main

sites:
  - id: main
    hostnames:
      - example.com
    root: /srv/www
    index:
      - index.php
      - index.html
    handlers:
      - processor: files
        pattern: "/assets/*"
      - processor: app
        pattern: "/*.php"
      - processor: api
        pattern: "/api/*"
      - processor: files
        pattern: "/*"
        enabled: false

processors:
  - id: files
    type: static
  - id: app
    type: php
    worker: php
  - id: api
    type: proxy
    backend: upstream

workers:
  - id: php
    executable: /bin/sh
    args:
      - -c
      - sleep 30
    maxChildren: 4
    requestTimeout: 20s

backends:
  - id: upstream
    targets:
      - 127.0.0.1:9001
      - 127.0.0.1:9002
`

func parseConfigYaml(t *testing.T, raw string) *Config {
	configMap := map[interface{}]interface{}{}
	require.NoError(t, yaml.Unmarshal([]byte(raw), &configMap))

	config := &Config{}
	require.NoError(t, config.Parse(configMap))
	return config
}

func Test_Config(t *testing.T) {

	t.Run("a complete configuration parses and validates", func(t *testing.T) {
		req := require.New(t)

		config := parseConfigYaml(t, testConfigYaml)
		req.NoError(config.Validate())
		req.True(config.Enabled())

		req.Len(config.Bindings, 1)
		req.Equal("web", config.Bindings[0].Id)
		req.Equal([]string{"main"}, config.Bindings[0].SiteIds)

		req.Len(config.Sites, 1)
		req.Len(config.Sites[0].Handlers, 4)
		req.False(config.Sites[0].Handlers[3].Enabled)

		req.Len(config.Processors, 3)
		req.Len(config.Workers, 1)
		req.Equal(4, config.Workers[0].MaxChildren)
		req.Equal(time.Second*20, config.Workers[0].RequestTimeout)

		req.Len(config.Backends, 1)
		req.Len(config.Backends[0].Targets, 2)
	})

	t.Run("options defaults survive a partial options section", func(t *testing.T) {
		req := require.New(t)

		config := parseConfigYaml(t, testConfigYaml)

		req.Equal(time.Second*6, config.Options.ReadTimeout)
		req.Equal(time.Second*11, config.Options.WriteTimeout)
		req.Equal(DefaultHttpIdleTimeout, config.Options.IdleTimeout)
		req.Equal(time.Second*2, config.Options.ReloadGrace)
		req.Equal(DefaultShutdownGrace, config.Options.ShutdownGrace)
		req.Equal(DefaultMaxCacheableSize, config.Options.MaxCacheableSize)
	})

	t.Run("a configuration is not enabled before validation", func(t *testing.T) {
		req := require.New(t)

		config := parseConfigYaml(t, testConfigYaml)
		req.False(config.Enabled())
	})

	t.Run("an invalid worker is disabled without failing the configuration", func(t *testing.T) {
		req := require.New(t)

		raw := testConfigYaml
		config := parseConfigYaml(t, raw)
		config.Workers[0].Executable = "/does/not/exist"

		req.NoError(config.Validate())
		req.True(config.Enabled())
	})

	t.Run("a processor referencing a disabled worker is itself disabled", func(t *testing.T) {
		req := require.New(t)

		config := parseConfigYaml(t, testConfigYaml)
		config.Workers[0].Executable = "/does/not/exist"

		req.NoError(config.Validate())

		// the handler that pointed at the php processor must have been disabled
		var phpHandler *HandlerRef
		for _, ref := range config.Sites[0].Handlers {
			if ref.ProcessorId == "app" {
				phpHandler = ref
			}
		}
		req.NotNil(phpHandler)
		req.False(phpHandler.Enabled)
	})

	t.Run("duplicate ids are structural and fatal", func(t *testing.T) {
		req := require.New(t)

		config := parseConfigYaml(t, testConfigYaml)
		config.Processors = append(config.Processors, &ProcessorConfig{Id: "files", Type: ProcessorTypeStatic})

		req.Error(config.Validate())
		req.False(config.Enabled())
	})

	t.Run("a binding referencing an unknown site is fatal", func(t *testing.T) {
		req := require.New(t)

		config := parseConfigYaml(t, testConfigYaml)
		config.Bindings[0].SiteIds = append(config.Bindings[0].SiteIds, "missing")

		req.Error(config.Validate())
	})

	t.Run("a configuration without bindings is fatal", func(t *testing.T) {
		req := require.New(t)

		configMap := map[interface{}]interface{}{}
		req.NoError(yaml.Unmarshal([]byte(testConfigYaml), &configMap))
		delete(configMap, "bindings")

		config := &Config{}
		req.Error(config.Parse(configMap))
	})

	t.Run("load reads, parses and validates a file", func(t *testing.T) {
		req := require.New(t)

		path := filepath.Join(t.TempDir(), "hostmux.yml")
		req.NoError(os.WriteFile(path, []byte(testConfigYaml), 0o644))

		config, err := LoadConfig(path)
		req.NoError(err)
		req.True(config.Enabled())
	})

	t.Run("load fails on an unreadable path", func(t *testing.T) {
		req := require.New(t)

		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
		req.Error(err)
	})
}
