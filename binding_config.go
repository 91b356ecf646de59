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
	"net"
	"strconv"
	"strings"

	"github.com/openziti/identity"
	"github.com/pkg/errors"
)

// BindingConfig represents one interface:port address a http.Server should listen on
// and the sites aggregated under it. Bindings are immutable once loaded; many bindings
// may reference many sites.
type BindingConfig struct {
	Id               string
	InterfaceAddress string //<interface>:<port>
	Address          string //<ip/host>:<port> advertised to clients
	TLS              bool
	Admin            bool
	SiteIds          []string

	Identity identity.Identity

	identityConfig *identity.Config
}

// Parse the configuration map for a BindingConfig.
func (binding *BindingConfig) Parse(config map[interface{}]interface{}) error {
	if idVal, ok := config["id"]; ok {
		if id, ok := idVal.(string); ok {
			binding.Id = id
		} else {
			return errors.New("id must be a string")
		}
	} else {
		return errors.New("id is required")
	}

	if interfaceVal, ok := config["interface"]; ok {
		if address, ok := interfaceVal.(string); ok {
			binding.InterfaceAddress = address
		} else {
			return errors.New("could not use value for interface, not a string")
		}
	}

	if addressVal, ok := config["address"]; ok {
		if address, ok := addressVal.(string); ok {
			binding.Address = address
		} else {
			return errors.New("could not use value for address, not a string")
		}
	}

	if binding.Address == "" {
		binding.Address = binding.InterfaceAddress
	}

	if tlsVal, ok := config["tls"]; ok {
		if useTls, ok := tlsVal.(bool); ok {
			binding.TLS = useTls
		} else {
			return errors.New("could not use value for tls, not a boolean")
		}
	}

	if adminVal, ok := config["admin"]; ok {
		if admin, ok := adminVal.(bool); ok {
			binding.Admin = admin
		} else {
			return errors.New("could not use value for admin, not a boolean")
		}
	}

	if sitesVal, ok := config["sites"]; ok {
		if siteArr, ok := sitesVal.([]interface{}); ok {
			for i, siteVal := range siteArr {
				if siteId, ok := siteVal.(string); ok {
					binding.SiteIds = append(binding.SiteIds, siteId)
				} else {
					return fmt.Errorf("site reference at index [%d] must be a string", i)
				}
			}
		} else {
			return errors.New("sites must be an array of site ids")
		}
	}

	if identityVal, ok := config["identity"]; ok {
		if identityMap, ok := identityVal.(map[interface{}]interface{}); ok {
			identityConfig, err := parseIdentityConfig(identityMap, "bindings."+binding.Id+".identity")
			if err != nil {
				return fmt.Errorf("error parsing identity section: %v", err)
			}
			binding.identityConfig = identityConfig
		} else {
			return errors.New("identity section must be a map if defined")
		}
	} //no else, only required when tls is set

	return nil
}

// Validate this configuration object. TLS bindings must carry loadable identity
// material; the identity is loaded here so request handling never pays for it.
func (binding *BindingConfig) Validate() error {
	if binding.Id == "" {
		return errors.New("id must not be empty")
	}

	if err := validateHostPort(binding.InterfaceAddress); err != nil {
		return fmt.Errorf("invalid interface address [%s]: %v", binding.InterfaceAddress, err)
	}

	if err := validateHostPort(binding.Address); err != nil {
		return fmt.Errorf("invalid advertise address [%s]: %v", binding.Address, err)
	}

	if len(binding.SiteIds) == 0 && !binding.Admin {
		return errors.New("no sites specified, must specify at least one")
	}

	if binding.TLS {
		if binding.identityConfig == nil {
			return errors.New("tls bindings require an identity section")
		}

		id, err := identity.LoadIdentity(*binding.identityConfig)
		if err != nil {
			return fmt.Errorf("could not load identity: %v", err)
		}
		binding.Identity = id
	}

	return nil
}

func parseIdentityConfig(identityMap map[interface{}]interface{}, pathContext string) (*identity.Config, error) {
	idConfig, err := identity.NewConfigFromMap(identityMap)

	if err != nil {
		return nil, fmt.Errorf("error parsing identity: %v", err)
	}

	if err = idConfig.ValidateWithPathContext(pathContext); err != nil {
		return nil, fmt.Errorf("error parsing identity: %v", err)
	}

	return idConfig, nil
}

func validateHostPort(address string) error {
	address = strings.TrimSpace(address)

	if address == "" {
		return errors.New("must not be an empty string or unspecified")
	}

	host, port, err := net.SplitHostPort(address)

	if err != nil {
		return errors.Errorf("could not split host and port: %v", err)
	}

	if host == "" {
		return errors.New("host must be specified")
	}

	if port == "" {
		return errors.New("port must be specified")
	}

	if port, err := strconv.ParseInt(port, 10, 32); err != nil {
		return errors.New("invalid port, must be a integer")
	} else if port < 1 || port > 65535 {
		return errors.New("invalid port, must 1-65535")
	}

	return nil
}
