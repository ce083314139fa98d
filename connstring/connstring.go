// Package connstring parses the compact replica-set address form used by
// cluster configuration: "setName/host1:port,host2:port" for a replica set,
// or a bare "host:port[,host2:port]" list for standalone hosts.
package connstring

import (
	"errors"
	"fmt"
	"strings"
)

// ConnectionString is a parsed member list, optionally carrying the replica
// set name the members belong to.
type ConnectionString struct {
	setName string
	servers []string
}

var errNoServers = errors.New("connstring: no servers specified")

// Parse parses s. The set name is everything before the first '/', when
// present; servers are comma separated host:port pairs.
func Parse(s string) (ConnectionString, error) {
	var cs ConnectionString

	rest := s
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		cs.setName = s[:idx]
		rest = s[idx+1:]
		if cs.setName == "" {
			return ConnectionString{}, fmt.Errorf("connstring: empty set name in %q", s)
		}
	}

	for _, server := range strings.Split(rest, ",") {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		if strings.ContainsAny(server, "/ ") {
			return ConnectionString{}, fmt.Errorf("connstring: malformed server %q", server)
		}
		cs.servers = append(cs.servers, server)
	}

	if len(cs.servers) == 0 {
		return ConnectionString{}, errNoServers
	}

	return cs, nil
}

// MustParse is Parse for statically known strings; it panics on error.
func MustParse(s string) ConnectionString {
	cs, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return cs
}

// ForHosts builds a ConnectionString directly from a set name and server
// list.
func ForHosts(setName string, servers ...string) ConnectionString {
	return ConnectionString{setName: setName, servers: append([]string(nil), servers...)}
}

// SetName returns the replica set name, or "" for standalone hosts.
func (cs ConnectionString) SetName() string { return cs.setName }

// Servers returns the member addresses in declaration order.
func (cs ConnectionString) Servers() []string {
	return append([]string(nil), cs.servers...)
}

// Contains reports whether hostAndPort is a member.
func (cs ConnectionString) Contains(hostAndPort string) bool {
	for _, s := range cs.servers {
		if s == hostAndPort {
			return true
		}
	}
	return false
}

func (cs ConnectionString) String() string {
	if cs.setName == "" {
		return strings.Join(cs.servers, ",")
	}
	return cs.setName + "/" + strings.Join(cs.servers, ",")
}
