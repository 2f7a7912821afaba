package router

import (
	"sort"
	"strings"

	"github.com/kztakada/webserv/internal/httpmsg"
)

// NextAction is the dispatch decision the Request Processor acts on.
type NextAction int

const (
	ServeStatic NextAction = iota
	RedirectAction
	StoreBody
	ExecuteCGI
)

// UploadContext carries the destination details for a STORE_BODY action.
type UploadContext struct {
	DestinationDir string
	AllowOverwrite bool
}

// LocationRouting is the Router's output: spec.md §4.G's
// LocationRouting{location ref, next-action enum, upload-context or none}.
type LocationRouting struct {
	Server   *VirtualServer
	Location *Location
	Action   NextAction

	Upload *UploadContext

	// ScriptPath/PathInfo are populated only when Action == ExecuteCGI:
	// the portion of path up to (and the portion after) the CGI
	// extension boundary, per spec.md §4.G's "CGI extension resolution."
	ScriptPath string
	PathInfo   string
	CGIExt     string
	CGIExec    string
}

// Router matches (host-ip, port, path) against the routing Table.
type Router struct {
	table *Table
}

// New returns a Router over table.
func New(table *Table) *Router {
	return &Router{table: table}
}

// Route implements spec.md §4.G's full selection algorithm.
func (r *Router) Route(ep Endpoint, hostHeader string, req *httpmsg.Request) (*LocationRouting, bool) {
	vs := r.table.SelectServer(ep, stripHostPort(hostHeader))
	if vs == nil {
		return nil, false
	}

	loc := selectLocation(vs, req.Path)
	if loc == nil {
		return nil, false
	}

	routing := &LocationRouting{Server: vs, Location: loc}

	if req.Method == httpmsg.MethodPost && req.ContentType.IsMultipartForm() && loc.HasUploadStore() {
		routing.Action = StoreBody
		routing.Upload = &UploadContext{DestinationDir: loc.UploadStore, AllowOverwrite: loc.AllowOverwrite}
		return routing, true
	}

	if loc.HasRedirect() {
		routing.Action = RedirectAction
		return routing, true
	}

	if loc.HasCGI() {
		if scriptPath, pathInfo, ext, exec, ok := resolveCGI(loc, req.Path); ok {
			routing.Action = ExecuteCGI
			routing.ScriptPath = scriptPath
			routing.PathInfo = pathInfo
			routing.CGIExt = ext
			routing.CGIExec = exec
			return routing, true
		}
	}

	routing.Action = ServeStatic
	return routing, true
}

// selectLocation implements spec.md §4.G step 3: longest forward-match
// prefix on a component boundary, falling back to suffix-match.
func selectLocation(vs *VirtualServer, path string) *Location {
	for _, loc := range sortedForwardLocations(vs) {
		if forwardMatches(path, loc.PathPattern) {
			return loc
		}
	}

	var backward []*Location
	for _, l := range vs.Locations {
		if l.BackwardSearch && backwardMatches(path, l.PathPattern) {
			backward = append(backward, l)
		}
	}
	if len(backward) == 0 {
		return nil
	}
	sort.SliceStable(backward, func(i, j int) bool {
		return backward[i].declOrder < backward[j].declOrder
	})
	return backward[0]
}

// forwardMatches reports whether pattern is a prefix of path on a
// component boundary: pattern must equal path, or be followed by '/'.
func forwardMatches(path, pattern string) bool {
	if pattern == "" {
		return true
	}
	if !strings.HasPrefix(path, pattern) {
		return false
	}
	if len(path) == len(pattern) {
		return true
	}
	return pattern[len(pattern)-1] == '/' || path[len(pattern)] == '/'
}

// backwardMatches reports whether pattern is a suffix of path's terminal
// component.
func backwardMatches(path, pattern string) bool {
	if pattern == "" {
		return true
	}
	return strings.HasSuffix(path, pattern)
}

// StripLocationPrefix returns the portion of path after a forward-match
// location's pattern (used to build the filesystem path for
// SERVE_STATIC), or the full path unchanged for a suffix-match location,
// per spec.md §4.H.
func StripLocationPrefix(loc *Location, path string) string {
	if loc.BackwardSearch {
		return path
	}
	if !strings.HasPrefix(path, loc.PathPattern) {
		return path
	}
	return path[len(loc.PathPattern):]
}

// resolveCGI implements the original's leftmost-extension-boundary scan
// (see SPEC_FULL.md §12), not a longest-match: the extension whose
// boundary occurs earliest in path wins, scanning configured extensions
// in a fixed (sorted) order for determinism.
func resolveCGI(loc *Location, path string) (scriptPath, pathInfo, ext, exec string, ok bool) {
	exts := make([]string, 0, len(loc.CGIExtensions))
	for e := range loc.CGIExtensions {
		exts = append(exts, e)
	}
	sort.Strings(exts)

	bestEnd := -1
	for _, e := range exts {
		pos := strings.Index(path, e)
		for pos >= 0 {
			end := pos + len(e)
			if end == len(path) || path[end] == '/' {
				if bestEnd == -1 || end < bestEnd {
					bestEnd = end
					ext = e
					exec = loc.CGIExtensions[e]
				}
				break
			}
			next := strings.Index(path[pos+1:], e)
			if next < 0 {
				pos = -1
			} else {
				pos = pos + 1 + next
			}
		}
	}
	if bestEnd == -1 {
		return "", "", "", "", false
	}
	return path[:bestEnd], path[bestEnd:], ext, exec, true
}

func stripHostPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i+1:], "]") {
		return host[:i]
	}
	return host
}
