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
	"io"
	"os"
	"sync"
	"time"

	"github.com/michaelquigley/pfxlog"
)

// accessLogSet lazily opens per-site access log targets for one configuration
// generation. Files are closed when the generation retires. A target that cannot be
// opened is logged once and skipped thereafter; access logging never fails a request.
type accessLogSet struct {
	mu    sync.Mutex
	files map[string]io.WriteCloser
}

func newAccessLogSet() *accessLogSet {
	return &accessLogSet{
		files: map[string]io.WriteCloser{},
	}
}

func (set *accessLogSet) writer(path string) io.Writer {
	set.mu.Lock()
	defer set.mu.Unlock()

	if file, ok := set.files[path]; ok {
		if file == nil {
			return nil
		}
		return file
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		pfxlog.Logger().Errorf("could not open access log [%s], disabling: %v", path, err)
		set.files[path] = nil
		return nil
	}

	set.files[path] = file
	return file
}

func (set *accessLogSet) closeAll() {
	set.mu.Lock()
	defer set.mu.Unlock()

	for _, file := range set.files {
		if file != nil {
			_ = file.Close()
		}
	}
	set.files = map[string]io.WriteCloser{}
}

// writeAccessLine emits one access log line for a completed request, to the site's
// configured target when set and to the debug log always.
func writeAccessLine(set *accessLogSet, site *SiteConfig, requestId string, method string, path string, status int, bytes int64, duration time.Duration) {
	line := fmt.Sprintf("%s site=%s id=%s %s %s %d %d %s\n",
		time.Now().UTC().Format(time.RFC3339), site.Id, requestId, method, path, status, bytes, duration)

	if site.AccessLog != "" {
		if w := set.writer(site.AccessLog); w != nil {
			_, _ = w.Write([]byte(line))
		}
	}

	pfxlog.Logger().WithField("site", site.Id).WithField("requestId", requestId).
		Debugf("%s %s -> %d (%d bytes, %s)", method, path, status, bytes, duration)
}
