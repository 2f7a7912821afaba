package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/kztakada/webserv/internal/httpmsg"
	"github.com/kztakada/webserv/internal/router"
)

// Compiled is the immutable result of compiling a RawConfig: the routing
// table plus everything cmd/webserv needs to bind listeners and wire
// HTTPConfig, without holding on to the raw YAML tree.
type Compiled struct {
	Router         *router.Router
	Endpoints      []router.Endpoint
	BodyStoreDir   string
	IdleTimeoutMS  int
	ReactorBackend string
	LogLevel       string
}

var defaultMethods = []string{"GET", "HEAD"}

var methodNames = map[string]httpmsg.Method{
	"GET":    httpmsg.MethodGet,
	"HEAD":   httpmsg.MethodHead,
	"POST":   httpmsg.MethodPost,
	"DELETE": httpmsg.MethodDelete,
}

// Build compiles a validated RawConfig into a Compiled configuration.
func Build(raw *RawConfig) (*Compiled, error) {
	epSet := make(map[router.Endpoint]bool)
	servers := make([]*router.VirtualServer, 0, len(raw.Servers))

	for si, rs := range raw.Servers {
		vs := &router.VirtualServer{
			ServerNames:       rs.ServerNames,
			Default:           rs.Default,
			ClientMaxBodySize: rs.ClientMaxBodySize,
			ErrorPages:        map[int]string{},
		}

		errorPages, err := parseStatusMap(rs.ErrorPages)
		if err != nil {
			return nil, fmt.Errorf("config: server %d: %w", si, err)
		}
		vs.ErrorPages = errorPages

		for _, epStr := range rs.Endpoints {
			ep, err := parseEndpoint(epStr)
			if err != nil {
				return nil, fmt.Errorf("config: server %d: %w", si, err)
			}
			vs.Endpoints = append(vs.Endpoints, ep)
			epSet[ep] = true
		}

		for li, rl := range rs.Locations {
			loc, err := buildLocation(rl)
			if err != nil {
				return nil, fmt.Errorf("config: server %d location %d: %w", si, li, err)
			}
			vs.Locations = append(vs.Locations, loc)
		}

		servers = append(servers, vs)
	}

	endpoints := make([]router.Endpoint, 0, len(epSet))
	for ep := range epSet {
		endpoints = append(endpoints, ep)
	}

	idle := raw.IdleTimeoutMS
	if idle <= 0 {
		idle = 60_000
	}
	bodyDir := raw.BodyStoreDir
	if bodyDir == "" {
		bodyDir = "/var/tmp/webserv"
	}

	return &Compiled{
		Router:         router.New(router.NewTable(servers)),
		Endpoints:      endpoints,
		BodyStoreDir:   bodyDir,
		IdleTimeoutMS:  idle,
		ReactorBackend: raw.ReactorBackend,
		LogLevel:       raw.LogLevel,
	}, nil
}

func parseEndpoint(s string) (router.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return router.Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return router.Endpoint{}, fmt.Errorf("invalid endpoint port %q: %w", s, err)
	}
	return router.Endpoint{IP: host, Port: port}, nil
}

func parseStatusMap(raw map[string]string) (map[int]string, error) {
	out := make(map[int]string, len(raw))
	for status, path := range raw {
		code, err := strconv.Atoi(status)
		if err != nil {
			return nil, fmt.Errorf("invalid status code %q in error_pages", status)
		}
		out[code] = path
	}
	return out, nil
}

func buildLocation(rl RawLocation) (*router.Location, error) {
	loc := &router.Location{
		PathPattern:       rl.Path,
		BackwardSearch:    rl.BackwardSearch,
		AllowedMethods:    map[httpmsg.Method]bool{},
		RootDir:           rl.Root,
		IndexPages:        rl.Index,
		AutoIndex:         rl.AutoIndex,
		ClientMaxBodySize: rl.ClientMaxBodySize,
		UploadStore:       rl.UploadStore,
		AllowOverwrite:    rl.AllowOverwrite,
		CGIExtensions:     rl.CGIExtensions,
	}

	methods := rl.Methods
	if len(methods) == 0 {
		methods = defaultMethods
	}
	for _, m := range methods {
		mm, ok := methodNames[strings.ToUpper(m)]
		if !ok {
			return nil, fmt.Errorf("unknown method %q", m)
		}
		loc.AllowedMethods[mm] = true
	}

	if rl.Redirect != nil {
		status := rl.Redirect.Status
		if status == 0 {
			status = 302
		}
		loc.Redirect = &router.Redirect{URL: rl.Redirect.URL, Status: status}
	}

	errorPages, err := parseStatusMap(rl.ErrorPages)
	if err != nil {
		return nil, err
	}
	loc.ErrorPages = errorPages

	return loc, nil
}
