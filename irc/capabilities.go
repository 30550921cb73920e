package irc

import (
	"sort"
	"strings"
)

// Capability represents an IRC capability supported by the server
type Capability struct {
	Name        string // The name of the capability as sent to the client
	Description string // Description of what the capability does
	Value       string // Optional value for capabilities that have a value parameter
}

// String returns the capability as advertised in CAP LS, including its value
func (c *Capability) String() string {
	if c.Value != "" {
		return c.Name + "=" + c.Value
	}
	return c.Name
}

// ServerCapabilities defines all the capabilities supported by this server
var ServerCapabilities = map[string]*Capability{
	"multi-prefix": {
		Name:        "multi-prefix",
		Description: "Enables multiple prefix modes in NAMES replies (@+nick)",
	},
	"userhost-in-names": {
		Name:        "userhost-in-names",
		Description: "Includes full user@host in NAMES replies",
	},
	"echo-message": {
		Name:        "echo-message",
		Description: "Echoes a user's own messages back to them",
	},
	"invite-notify": {
		Name:        "invite-notify",
		Description: "Notifies channel members when someone is invited",
	},
	"cap-notify": {
		Name:        "cap-notify",
		Description: "Notifies about capability changes without reconnecting",
	},
}

// CapabilityList returns the advertised capabilities sorted by name and joined
// by spaces, ready for a CAP LS reply.
func CapabilityList() string {
	names := make([]string, 0, len(ServerCapabilities))
	for _, c := range ServerCapabilities {
		names = append(names, c.String())
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}

// IsSupportedCapability checks if the named capability is offered by the server
func IsSupportedCapability(name string) bool {
	_, ok := ServerCapabilities[strings.ToLower(name)]
	return ok
}

// CapSet is the set of capabilities enabled on one connection
type CapSet map[string]struct{}

// Has reports whether the capability is enabled
func (s CapSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the enabled capabilities sorted by name
func (s CapSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent copy of the set
func (s CapSet) Clone() CapSet {
	out := make(CapSet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}
