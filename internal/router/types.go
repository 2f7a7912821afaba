// Package router implements the location table and the
// (host-ip, port, path) -> virtual server + location selection algorithm
// described in spec.md §3 and §4.G.
package router

import (
	"sort"
	"strings"

	"github.com/savsgio/gotils/nocopy"

	"github.com/kztakada/webserv/internal/httpmsg"
)

// Endpoint is an (IP, port) pair a listening socket is bound to.
type Endpoint struct {
	IP   string
	Port int
}

// Redirect is a location's configured redirect target and status.
type Redirect struct {
	URL    string
	Status int
}

// Location is one routing rule scoped to a path pattern under a virtual
// server, matching spec.md §3's Location type exactly.
type Location struct {
	PathPattern       string
	BackwardSearch    bool // suffix-match instead of forward-match
	AllowedMethods    map[httpmsg.Method]bool
	RootDir           string
	IndexPages        []string
	AutoIndex         bool
	ClientMaxBodySize int64
	Redirect          *Redirect
	UploadStore       string // "" means no upload_store configured
	AllowOverwrite    bool
	CGIExtensions     map[string]string // ext (".py") -> executor path
	ErrorPages        map[int]string    // status -> path

	// declOrder records declaration order within the virtual server, used
	// to break ties among equally-specific suffix-match locations.
	declOrder int
}

// IsMethodAllowed reports whether method may be used against this location.
func (l *Location) IsMethodAllowed(m httpmsg.Method) bool {
	return l.AllowedMethods[m]
}

// AllowedMethodsList returns the allowed methods in a stable order,
// suitable for an Allow header.
func (l *Location) AllowedMethodsList() []string {
	order := []httpmsg.Method{httpmsg.MethodGet, httpmsg.MethodHead, httpmsg.MethodPost, httpmsg.MethodDelete}
	out := make([]string, 0, len(order))
	for _, m := range order {
		if l.AllowedMethods[m] {
			out = append(out, string(m))
		}
	}
	return out
}

// HasUploadStore reports whether this location accepts uploads.
func (l *Location) HasUploadStore() bool { return l.UploadStore != "" }

// HasRedirect reports whether this location is a redirect rule.
func (l *Location) HasRedirect() bool { return l.Redirect != nil }

// HasCGI reports whether this location has any configured CGI extension.
func (l *Location) HasCGI() bool { return len(l.CGIExtensions) > 0 }

// ErrorPagePath looks up a per-location error page for status.
func (l *Location) ErrorPagePath(status int) (string, bool) {
	p, ok := l.ErrorPages[status]
	return p, ok
}

// VirtualServer is attributes plus an ordered list of Location directives,
// matching spec.md §3.
type VirtualServer struct {
	Endpoints         []Endpoint
	ServerNames       []string
	Default           bool
	Locations         []*Location
	ErrorPages        map[int]string
	ClientMaxBodySize int64
}

// ErrorPagePath looks up a virtual-server-level error page for status.
func (v *VirtualServer) ErrorPagePath(status int) (string, bool) {
	p, ok := v.ErrorPages[status]
	return p, ok
}

// MatchesServerName reports whether host (already port-stripped by the
// caller) is one of this server's names, compared case-insensitively.
func (v *VirtualServer) MatchesServerName(host string) bool {
	for _, name := range v.ServerNames {
		if strings.EqualFold(name, host) {
			return true
		}
	}
	return false
}

// Table is the full, read-only-after-startup routing table: every
// virtual server, indexed by the endpoints it listens on. Never copy a
// Table by value once built; Router and every VirtualServer hold
// references into the same backing maps/slices.
type Table struct {
	noCopy nocopy.NoCopy // nolint:structcheck,unused

	byEndpoint map[Endpoint][]*VirtualServer
}

// NewTable builds a Table from a flat list of virtual servers, assigning
// declaration order to each server's locations for suffix-match
// tie-breaking. Forward-match locations are not pre-sorted here;
// sortedForwardLocations orders them by descending pattern length on
// every Route call.
func NewTable(servers []*VirtualServer) *Table {
	t := &Table{byEndpoint: make(map[Endpoint][]*VirtualServer)}
	for _, vs := range servers {
		for i, loc := range vs.Locations {
			loc.declOrder = i
		}
		for _, ep := range vs.Endpoints {
			t.byEndpoint[ep] = append(t.byEndpoint[ep], vs)
		}
	}
	return t
}

// ServersFor returns every virtual server bound to ep, in declaration
// order (the order NewTable received them in).
func (t *Table) ServersFor(ep Endpoint) []*VirtualServer {
	return t.byEndpoint[ep]
}

// SelectServer picks the virtual server serving host on ep: the one
// whose ServerNames contains host, or the endpoint's default, per
// spec.md §4.G step 2.
func (t *Table) SelectServer(ep Endpoint, host string) *VirtualServer {
	servers := t.byEndpoint[ep]
	var def *VirtualServer
	for _, vs := range servers {
		if vs.Default && def == nil {
			def = vs
		}
		if vs.MatchesServerName(host) {
			return vs
		}
	}
	if def != nil {
		return def
	}
	if len(servers) > 0 {
		return servers[0]
	}
	return nil
}

// sortedForwardLocations returns vs's forward-match locations ordered by
// descending pattern length, per spec.md §3's Location invariant.
func sortedForwardLocations(vs *VirtualServer) []*Location {
	out := make([]*Location, 0, len(vs.Locations))
	for _, l := range vs.Locations {
		if !l.BackwardSearch {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].PathPattern) > len(out[j].PathPattern)
	})
	return out
}
