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

import "context"

type ContextKey string

const (
	RequestIdContextKey = ContextKey("hostmux.RequestId.ContextKey")
	SiteContextKey      = ContextKey("hostmux.Site.ContextKey")
	BindingContextKey   = ContextKey("hostmux.Binding.ContextKey")
)

// RequestIdFromContext retrieves the request id assigned by the server middleware, or
// an empty string when none is present.
func RequestIdFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIdContextKey); val != nil {
		if requestId, ok := val.(string); ok {
			return requestId
		}
	}
	return ""
}

// SiteFromContext retrieves the site the request was matched to, useful for
// downstream handlers and access logging.
func SiteFromContext(ctx context.Context) *SiteConfig {
	if val := ctx.Value(SiteContextKey); val != nil {
		if site, ok := val.(*SiteConfig); ok {
			return site
		}
	}
	return nil
}

// BindingFromContext retrieves the binding the request arrived on.
func BindingFromContext(ctx context.Context) *BindingConfig {
	if val := ctx.Value(BindingContextKey); val != nil {
		if binding, ok := val.(*BindingConfig); ok {
			return binding
		}
	}
	return nil
}
