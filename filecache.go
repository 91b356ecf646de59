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
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultMaxCacheableSize = int64(1 << 20) // 1 MiB
	DefaultCacheTTL         = time.Second * 10
)

// CacheOptions configures the file cache shared by static processors.
type CacheOptions struct {
	MaxCacheableSize int64
	CacheTTL         time.Duration
}

// Default provides defaults for all necessary values
func (options *CacheOptions) Default() {
	options.MaxCacheableSize = DefaultMaxCacheableSize
	options.CacheTTL = DefaultCacheTTL
}

// Parse parses a config map
func (options *CacheOptions) Parse(config map[interface{}]interface{}) error {
	if sizeVal, ok := config["maxCacheableSize"]; ok {
		if size, ok := sizeVal.(int); ok {
			options.MaxCacheableSize = int64(size)
		} else {
			return errors.New("could not use value for maxCacheableSize, not an integer")
		}
	}

	if ttlVal, ok := config["cacheTTL"]; ok {
		if ttlStr, ok := ttlVal.(string); ok {
			if ttl, err := time.ParseDuration(ttlStr); err == nil {
				options.CacheTTL = ttl
			} else {
				return fmt.Errorf("could not parse cacheTTL %s as a duration (e.g. 10s): %v", ttlStr, err)
			}
		} else {
			return errors.New("could not use value for cacheTTL, not a string")
		}
	}

	return nil
}

// FileInfo is the cache's answer for one normalized absolute path. Raw is nil for
// files above the cacheable size limit; callers stream those from Path instead.
// Precompressed maps a content encoding ("br", "gzip") to sibling-file bytes.
type FileInfo struct {
	Path          string
	Exists        bool
	IsDirectory   bool
	Length        int64
	ModTime       time.Time
	Raw           []byte
	Precompressed map[string][]byte
}

type cacheEntry struct {
	info      *FileInfo
	checkedAt time.Time
	modTime   time.Time
}

// FileCache caches file contents keyed by normalized absolute path with TTL-style
// re-validation against the file's modification time. One cache is shared by all
// static processors of a configuration generation.
type FileCache struct {
	maxSize int64
	ttl     time.Duration

	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// precompressed sibling extensions looked up next to the raw file
var precompressedExtensions = map[string]string{
	"br":   ".br",
	"gzip": ".gz",
}

// NewFileCache creates a cache with the given options.
func NewFileCache(options CacheOptions) *FileCache {
	return &FileCache{
		maxSize: options.MaxCacheableSize,
		ttl:     options.CacheTTL,
		entries: map[string]*cacheEntry{},
	}
}

// Get returns cached information for the given normalized absolute path, re-reading
// from disk when the entry is stale or the file changed.
func (cache *FileCache) Get(path string) *FileInfo {
	cache.mu.RLock()
	entry, ok := cache.entries[path]
	cache.mu.RUnlock()

	if ok && time.Since(entry.checkedAt) < cache.ttl {
		return entry.info
	}

	info := cache.load(path)

	cache.mu.Lock()
	cache.entries[path] = &cacheEntry{
		info:      info,
		checkedAt: time.Now(),
		modTime:   info.ModTime,
	}
	cache.mu.Unlock()

	return info
}

func (cache *FileCache) load(path string) *FileInfo {
	stat, err := os.Stat(path)
	if err != nil {
		return &FileInfo{Path: path}
	}

	info := &FileInfo{
		Path:        path,
		Exists:      true,
		IsDirectory: stat.IsDir(),
		Length:      stat.Size(),
		ModTime:     stat.ModTime(),
	}

	if info.IsDirectory {
		return info
	}

	if stat.Size() <= cache.maxSize {
		if raw, err := os.ReadFile(path); err == nil {
			info.Raw = raw
		}

		for encoding, extension := range precompressedExtensions {
			sibling := path + extension
			if siblingStat, err := os.Stat(sibling); err == nil && !siblingStat.IsDir() && siblingStat.Size() <= cache.maxSize {
				if compressed, err := os.ReadFile(sibling); err == nil {
					if info.Precompressed == nil {
						info.Precompressed = map[string][]byte{}
					}
					info.Precompressed[encoding] = compressed
				}
			}
		}
	}

	return info
}
