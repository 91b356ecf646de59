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
	"regexp"
	"strings"

	"github.com/openziti/identity"
	"github.com/pkg/errors"
)

// SiteConfig is a virtual host: a set of hostnames served under one or more bindings,
// a web root and an ordered list of handler references. Handler order is priority
// order and is preserved exactly as configured.
type SiteConfig struct {
	Id        string
	Hostnames []string
	Enabled   bool
	Default   bool
	Root      string
	Index     []string
	Handlers  []*HandlerRef
	Rewrites  []*RewriteRule
	AccessLog string

	Identity identity.Identity

	identityConfig *identity.Config
}

// HandlerRef pairs a configured processor id with a URL match pattern. Resolution to a
// concrete processor instance happens when the RunningState is composed.
type HandlerRef struct {
	ProcessorId string
	Pattern     string
	Enabled     bool

	matcher *regexp.Regexp
}

// Matches reports whether the request path structurally matches this handler's
// pattern. Only valid after Validate has compiled the pattern.
func (ref *HandlerRef) Matches(path string) bool {
	return ref.matcher != nil && ref.matcher.MatchString(path)
}

// RewriteRule rewrites a request path before handler matching. When Redirect is set
// the client is redirected instead of the path being rewritten internally.
type RewriteRule struct {
	Pattern  string
	Target   string
	Redirect bool

	matcher *regexp.Regexp
}

// Apply returns the rewritten path and whether the rule matched.
func (rule *RewriteRule) Apply(path string) (string, bool) {
	if rule.matcher == nil || !rule.matcher.MatchString(path) {
		return path, false
	}
	return rule.matcher.ReplaceAllString(path, rule.Target), true
}

// Parse parses a configuration map to set all relevant SiteConfig values.
func (site *SiteConfig) Parse(configMap map[interface{}]interface{}) error {
	site.Enabled = true

	if idVal, ok := configMap["id"]; ok {
		if id, ok := idVal.(string); ok {
			site.Id = id
		} else {
			return errors.New("id is required to be a string")
		}
	} else {
		return errors.New("id is required")
	}

	if hostnamesVal, ok := configMap["hostnames"]; ok {
		if hostnameArr, ok := hostnamesVal.([]interface{}); ok {
			for i, hostnameVal := range hostnameArr {
				if hostname, ok := hostnameVal.(string); ok {
					site.Hostnames = append(site.Hostnames, strings.ToLower(hostname))
				} else {
					return fmt.Errorf("hostname at index [%d] must be a string", i)
				}
			}
		} else {
			return errors.New("hostnames must be an array")
		}
	}

	if enabledVal, ok := configMap["enabled"]; ok {
		if enabled, ok := enabledVal.(bool); ok {
			site.Enabled = enabled
		} else {
			return errors.New("could not use value for enabled, not a boolean")
		}
	}

	if defaultVal, ok := configMap["default"]; ok {
		if isDefault, ok := defaultVal.(bool); ok {
			site.Default = isDefault
		} else {
			return errors.New("could not use value for default, not a boolean")
		}
	}

	if rootVal, ok := configMap["root"]; ok {
		if root, ok := rootVal.(string); ok {
			site.Root = root
		} else {
			return errors.New("could not use value for root, not a string")
		}
	}

	if indexVal, ok := configMap["index"]; ok {
		if indexArr, ok := indexVal.([]interface{}); ok {
			for i, nameVal := range indexArr {
				if name, ok := nameVal.(string); ok {
					site.Index = append(site.Index, name)
				} else {
					return fmt.Errorf("index file at index [%d] must be a string", i)
				}
			}
		} else {
			return errors.New("index must be an array")
		}
	}

	if handlersVal, ok := configMap["handlers"]; ok {
		if handlerArr, ok := handlersVal.([]interface{}); ok {
			for i, handlerVal := range handlerArr {
				if handlerMap, ok := handlerVal.(map[interface{}]interface{}); ok {
					ref := &HandlerRef{Enabled: true}
					if err := ref.Parse(handlerMap); err != nil {
						return fmt.Errorf("error parsing handler configuration at index [%d]: %v", i, err)
					}
					site.Handlers = append(site.Handlers, ref)
				} else {
					return fmt.Errorf("error parsing handler configuration at index [%d]: not a map", i)
				}
			}
		} else {
			return errors.New("handlers section must be an array")
		}
	} else {
		return errors.New("handlers section is required")
	}

	if rewritesVal, ok := configMap["rewrites"]; ok {
		if rewriteArr, ok := rewritesVal.([]interface{}); ok {
			for i, rewriteVal := range rewriteArr {
				if rewriteMap, ok := rewriteVal.(map[interface{}]interface{}); ok {
					rule := &RewriteRule{}
					if err := rule.Parse(rewriteMap); err != nil {
						return fmt.Errorf("error parsing rewrite configuration at index [%d]: %v", i, err)
					}
					site.Rewrites = append(site.Rewrites, rule)
				} else {
					return fmt.Errorf("error parsing rewrite configuration at index [%d]: not a map", i)
				}
			}
		} else {
			return errors.New("rewrites must be an array")
		}
	} //no else, optional

	if accessLogVal, ok := configMap["accessLog"]; ok {
		if accessLog, ok := accessLogVal.(string); ok {
			site.AccessLog = accessLog
		} else {
			return errors.New("could not use value for accessLog, not a string")
		}
	}

	if identityVal, ok := configMap["identity"]; ok {
		if identityMap, ok := identityVal.(map[interface{}]interface{}); ok {
			identityConfig, err := parseIdentityConfig(identityMap, "sites."+site.Id+".identity")
			if err != nil {
				return fmt.Errorf("error parsing identity section: %v", err)
			}
			site.identityConfig = identityConfig
		} else {
			return errors.New("identity section must be a map if defined")
		}
	} //no else, optional, defaults to the binding identity

	return nil
}

// Validate all SiteConfig values and compile handler and rewrite patterns.
func (site *SiteConfig) Validate() error {
	if site.Id == "" {
		return errors.New("id must not be empty")
	}

	if len(site.Hostnames) == 0 && !site.Default {
		return errors.New("no hostnames specified and site is not the default, it would never match")
	}

	if len(site.Handlers) == 0 {
		return errors.New("no handlers specified, must specify at least one")
	}

	for i, ref := range site.Handlers {
		if err := ref.Validate(); err != nil {
			return fmt.Errorf("invalid handler at index [%d]: %v", i, err)
		}
	}

	for i, rule := range site.Rewrites {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid rewrite at index [%d]: %v", i, err)
		}
	}

	if site.identityConfig != nil {
		id, err := identity.LoadIdentity(*site.identityConfig)
		if err != nil {
			return fmt.Errorf("could not load site identity: %v", err)
		}
		site.Identity = id
	}

	return nil
}

// MatchesHost reports whether the request host (without port) names this site.
func (site *SiteConfig) MatchesHost(host string) bool {
	host = strings.ToLower(host)
	for _, hostname := range site.Hostnames {
		if hostname == host {
			return true
		}
	}
	return false
}

// Parse the configuration map for a HandlerRef.
func (ref *HandlerRef) Parse(config map[interface{}]interface{}) error {
	if processorVal, ok := config["processor"]; ok {
		if processorId, ok := processorVal.(string); ok {
			ref.ProcessorId = processorId
		} else {
			return errors.New("processor must be a string")
		}
	} else {
		return errors.New("processor is required")
	}

	if patternVal, ok := config["pattern"]; ok {
		if pattern, ok := patternVal.(string); ok {
			ref.Pattern = pattern
		} else {
			return errors.New("pattern must be a string")
		}
	} else {
		return errors.New("pattern is required")
	}

	if enabledVal, ok := config["enabled"]; ok {
		if enabled, ok := enabledVal.(bool); ok {
			ref.Enabled = enabled
		} else {
			return errors.New("could not use value for enabled, not a boolean")
		}
	}

	return nil
}

// Validate compiles the URL match pattern. Patterns are literal paths with `*`
// wildcards, e.g. "/assets/*" or "/*.php".
func (ref *HandlerRef) Validate() error {
	if ref.ProcessorId == "" {
		return errors.New("processor must be specified")
	}

	if ref.Pattern == "" {
		return errors.New("pattern must be specified")
	}

	matcher, err := compileUrlPattern(ref.Pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern [%s]: %v", ref.Pattern, err)
	}
	ref.matcher = matcher

	return nil
}

// Parse the configuration map for a RewriteRule.
func (rule *RewriteRule) Parse(config map[interface{}]interface{}) error {
	if patternVal, ok := config["pattern"]; ok {
		if pattern, ok := patternVal.(string); ok {
			rule.Pattern = pattern
		} else {
			return errors.New("pattern must be a string")
		}
	} else {
		return errors.New("pattern is required")
	}

	if targetVal, ok := config["target"]; ok {
		if target, ok := targetVal.(string); ok {
			rule.Target = target
		} else {
			return errors.New("target must be a string")
		}
	} else {
		return errors.New("target is required")
	}

	if redirectVal, ok := config["redirect"]; ok {
		if redirect, ok := redirectVal.(bool); ok {
			rule.Redirect = redirect
		} else {
			return errors.New("could not use value for redirect, not a boolean")
		}
	}

	return nil
}

// Validate compiles the rewrite pattern. Rewrite patterns are full regular
// expressions, unlike handler patterns.
func (rule *RewriteRule) Validate() error {
	matcher, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return fmt.Errorf("invalid rewrite pattern [%s]: %v", rule.Pattern, err)
	}
	rule.matcher = matcher

	return nil
}

// compileUrlPattern translates a wildcard URL pattern into an anchored regular
// expression. `*` matches any run of characters including separators.
func compileUrlPattern(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, `.*`)
	return regexp.Compile("^" + quoted + "$")
}
