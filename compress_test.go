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
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/require"
)

func Test_CompressionHandler(t *testing.T) {
	payload := "the quick brown fox jumps over the lazy dog, repeatedly and compressibly"

	plain := http.HandlerFunc(func(rw http.ResponseWriter, request *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte(payload))
	})

	t.Run("no accept-encoding passes through uncompressed", func(t *testing.T) {
		req := require.New(t)

		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/", nil)

		NewCompressionHandler(plain).ServeHTTP(recorder, request)

		req.Empty(recorder.Header().Get("Content-Encoding"))
		req.Equal(payload, recorder.Body.String())
	})

	t.Run("gzip is negotiated and decodes to the original payload", func(t *testing.T) {
		req := require.New(t)

		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		request.Header.Set("Accept-Encoding", "gzip")

		NewCompressionHandler(plain).ServeHTTP(recorder, request)

		req.Equal("gzip", recorder.Header().Get("Content-Encoding"))
		req.Contains(recorder.Header().Values("Vary"), "Accept-Encoding")

		reader, err := gzip.NewReader(recorder.Body)
		req.NoError(err)
		decoded, err := io.ReadAll(reader)
		req.NoError(err)
		req.Equal(payload, string(decoded))
	})

	t.Run("brotli wins over gzip when both are accepted", func(t *testing.T) {
		req := require.New(t)

		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		request.Header.Set("Accept-Encoding", "gzip, br")

		NewCompressionHandler(plain).ServeHTTP(recorder, request)

		req.Equal("br", recorder.Header().Get("Content-Encoding"))

		decoded, err := io.ReadAll(brotli.NewReader(recorder.Body))
		req.NoError(err)
		req.Equal(payload, string(decoded))
	})

	t.Run("an existing content-encoding passes through untouched", func(t *testing.T) {
		req := require.New(t)

		precompressed := http.HandlerFunc(func(rw http.ResponseWriter, request *http.Request) {
			rw.Header().Set("Content-Encoding", "br")
			rw.WriteHeader(http.StatusOK)
			_, _ = rw.Write([]byte("already-compressed-bytes"))
		})

		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		request.Header.Set("Accept-Encoding", "gzip")

		NewCompressionHandler(precompressed).ServeHTTP(recorder, request)

		req.Equal("br", recorder.Header().Get("Content-Encoding"))
		req.Equal("already-compressed-bytes", recorder.Body.String())
	})

	t.Run("a 304 is never compressed", func(t *testing.T) {
		req := require.New(t)

		notModified := http.HandlerFunc(func(rw http.ResponseWriter, request *http.Request) {
			rw.WriteHeader(http.StatusNotModified)
		})

		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		request.Header.Set("Accept-Encoding", "gzip")

		NewCompressionHandler(notModified).ServeHTTP(recorder, request)

		req.Equal(http.StatusNotModified, recorder.Code)
		req.Empty(recorder.Header().Get("Content-Encoding"))
	})
}
