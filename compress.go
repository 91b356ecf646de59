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
	"strings"

	"github.com/andybalholm/brotli"
)

// NewCompressionHandler wraps a handler with response compression negotiated from the
// Accept-Encoding header, preferring brotli over gzip. Responses that already carry a
// Content-Encoding (e.g. precompressed static files) pass through untouched.
// Compression declines silently on any failure; it never blocks response delivery.
func NewCompressionHandler(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, request *http.Request) {
		acceptEncoding := request.Header.Get("Accept-Encoding")

		var encoding string
		switch {
		case strings.Contains(acceptEncoding, "br"):
			encoding = "br"
		case strings.Contains(acceptEncoding, "gzip"):
			encoding = "gzip"
		default:
			handler.ServeHTTP(rw, request)
			return
		}

		cw := &compressingResponseWriter{
			ResponseWriter: rw,
			encoding:       encoding,
		}
		defer cw.close()

		handler.ServeHTTP(cw, request)
	})
}

// compressingResponseWriter defers choosing a compressor until the first write so the
// handler's own Content-Encoding decisions win.
type compressingResponseWriter struct {
	http.ResponseWriter
	encoding    string
	writer      io.WriteCloser
	wroteHeader bool
	passthrough bool
}

func (cw *compressingResponseWriter) WriteHeader(status int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true

	header := cw.Header()
	if header.Get("Content-Encoding") != "" || status == http.StatusNoContent || status == http.StatusNotModified {
		cw.passthrough = true
		cw.ResponseWriter.WriteHeader(status)
		return
	}

	header.Del("Content-Length")
	header.Set("Content-Encoding", cw.encoding)
	header.Add("Vary", "Accept-Encoding")

	switch cw.encoding {
	case "br":
		cw.writer = brotli.NewWriter(cw.ResponseWriter)
	case "gzip":
		cw.writer = gzip.NewWriter(cw.ResponseWriter)
	}

	cw.ResponseWriter.WriteHeader(status)
}

func (cw *compressingResponseWriter) Write(data []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if cw.passthrough || cw.writer == nil {
		return cw.ResponseWriter.Write(data)
	}
	return cw.writer.Write(data)
}

func (cw *compressingResponseWriter) Flush() {
	if flusher, ok := cw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (cw *compressingResponseWriter) close() {
	if cw.writer != nil {
		_ = cw.writer.Close()
	}
}
