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
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// StaticProcessor serves files from the site's web root through the shared FileCache.
// Paths are normalized before any filesystem access; anything that escapes the web
// root fails closed.
type StaticProcessor struct {
	config *ProcessorConfig
	cache  *FileCache

	rootOverride string
}

var _ Processor = (*StaticProcessor)(nil)

// NewStaticProcessor creates a static processor backed by the given cache.
func NewStaticProcessor(config *ProcessorConfig, cache *FileCache) *StaticProcessor {
	processor := &StaticProcessor{
		config: config,
		cache:  cache,
	}

	if config.Options != nil {
		if rootVal, ok := config.Options["root"]; ok {
			if root, ok := rootVal.(string); ok {
				processor.rootOverride = root
			}
		}
	}

	return processor
}

func (processor *StaticProcessor) Id() string {
	return processor.config.Id
}

func (processor *StaticProcessor) TypeName() string {
	return ProcessorTypeStatic
}

func (processor *StaticProcessor) Sanitize() {
	processor.rootOverride = strings.TrimSpace(processor.rootOverride)
	if processor.rootOverride != "" {
		processor.rootOverride = filepath.Clean(processor.rootOverride)
	}
}

func (processor *StaticProcessor) Validate() []string {
	var problems []string

	if processor.rootOverride != "" {
		if stat, err := os.Stat(processor.rootOverride); err != nil {
			problems = append(problems, "root override ["+processor.rootOverride+"] is not accessible: "+err.Error())
		} else if !stat.IsDir() {
			problems = append(problems, "root override ["+processor.rootOverride+"] is not a directory")
		}
	}

	return problems
}

// root picks the effective web root for a request: the processor-level override when
// configured, else the site web root.
func (processor *StaticProcessor) root(site *SiteConfig) string {
	if processor.rootOverride != "" {
		return processor.rootOverride
	}
	return site.Root
}

func (processor *StaticProcessor) HandleRequest(rw http.ResponseWriter, request *http.Request, site *SiteConfig) error {
	root := processor.root(site)
	if root == "" {
		return errors.Wrapf(ErrNotHandled, "site [%s] has no web root", site.Id)
	}

	resolved, err := NormalizePath(root, request.URL.Path)
	if err != nil {
		return err
	}

	info := processor.cache.Get(resolved)

	if info.Exists && info.IsDirectory {
		info = processor.resolveIndex(resolved, site)
	}

	if info == nil || !info.Exists || info.IsDirectory {
		return errors.Wrapf(ErrNotHandled, "no file for [%s] under [%s]", request.URL.Path, root)
	}

	processor.serve(rw, request, info)
	return nil
}

// resolveIndex tries the site's index file list inside a directory, in configured
// order. Returns nil when no index file exists.
func (processor *StaticProcessor) resolveIndex(dir string, site *SiteConfig) *FileInfo {
	for _, name := range site.Index {
		candidate, err := NormalizePath(dir, name)
		if err != nil {
			continue
		}
		if info := processor.cache.Get(candidate); info.Exists && !info.IsDirectory {
			return info
		}
	}
	return nil
}

func (processor *StaticProcessor) serve(rw http.ResponseWriter, request *http.Request, info *FileInfo) {
	contentType := mime.TypeByExtension(path.Ext(info.Path))
	if contentType != "" {
		rw.Header().Set("Content-Type", contentType)
	}
	rw.Header().Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))

	// precompressed sibling wins when the client accepts its encoding
	if len(info.Precompressed) > 0 {
		acceptEncoding := request.Header.Get("Accept-Encoding")
		for _, encoding := range []string{"br", "gzip"} {
			compressed, have := info.Precompressed[encoding]
			if have && strings.Contains(acceptEncoding, encoding) {
				rw.Header().Set("Content-Encoding", encoding)
				rw.Header().Add("Vary", "Accept-Encoding")
				rw.Header().Set("Content-Length", strconv.Itoa(len(compressed)))
				rw.WriteHeader(http.StatusOK)
				if request.Method != http.MethodHead {
					_, _ = rw.Write(compressed)
				}
				return
			}
		}
	}

	if info.Raw != nil {
		rw.Header().Set("Content-Length", strconv.FormatInt(int64(len(info.Raw)), 10))
		rw.WriteHeader(http.StatusOK)
		if request.Method != http.MethodHead {
			_, _ = rw.Write(info.Raw)
		}
		return
	}

	// too large to cache, stream from disk
	file, err := os.Open(info.Path)
	if err != nil {
		rw.WriteHeader(http.StatusNotFound)
		return
	}
	defer func() { _ = file.Close() }()

	http.ServeContent(rw, request, filepath.Base(info.Path), info.ModTime, file)
}
