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
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// NormalizePath resolves a raw request path against a site web root, returning a
// canonical absolute filesystem path confined to the root. Any traversal attempt or
// escape fails closed with ErrPathEscape.
func NormalizePath(root string, requestPath string) (string, error) {
	if strings.ContainsRune(requestPath, 0) {
		return "", errors.Wrapf(ErrPathEscape, "request path contains NUL")
	}

	for _, segment := range strings.Split(requestPath, "/") {
		if segment == ".." {
			return "", errors.Wrapf(ErrPathEscape, "request path [%s] contains a traversal segment", requestPath)
		}
	}

	cleaned := path.Clean("/" + strings.ReplaceAll(requestPath, "\\", "/"))
	resolved := filepath.Join(root, filepath.FromSlash(cleaned))

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Wrapf(ErrPathEscape, "request path [%s] escapes web root [%s]", requestPath, root)
	}

	return resolved, nil
}
