// Package processor implements the Request Processor (spec.md §4.H): given
// a completed Router decision and a parsed Request, it resolves a static
// file, a directory index, a redirect, or a multipart upload into a
// Response. EXECUTE_CGI decisions are not executed here — they are handed
// back to the caller as a Handoff, since driving the CGI child requires the
// session controller's reactor registration (internal/cgi, internal/session).
package processor

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kztakada/webserv/internal/errorpage"
	"github.com/kztakada/webserv/internal/httpmsg"
	"github.com/kztakada/webserv/internal/mimetypes"
	"github.com/kztakada/webserv/internal/router"
)

// Handoff carries everything the caller needs to invoke the CGI
// orchestrator for an EXECUTE_CGI routing decision. ScriptPath is the
// request-target script path (SCRIPT_NAME, per spec.md §4.I); ScriptFSPath
// is that same script resolved against the location's root directory —
// the path actually fork/exec'd and chdir'd into, matching the original's
// joinPath_(conf_.root_dir, removePathPatternFromPath(path)).
type Handoff struct {
	Executor     string
	ScriptPath   string
	ScriptFSPath string
	PathInfo     string
	Routing      *router.LocationRouting
}

// Result is what Dispatch produces: exactly one of Response or CGI is set.
type Result struct {
	Response *httpmsg.Response
	CGI      *Handoff
}

// Processor dispatches routed requests to their concrete handling path.
type Processor struct {
	log *slog.Logger
}

// New returns a Processor that logs through log (component=processor is
// applied by the caller via logging.With, matching every other package's
// convention here).
func New(log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{log: log}
}

// Dispatch implements spec.md §4.H's action switch.
func (p *Processor) Dispatch(routing *router.LocationRouting, req *httpmsg.Request) (*Result, error) {
	switch routing.Action {
	case router.StoreBody:
		resp, err := p.finalizeMultipart(routing, req)
		if err != nil {
			return nil, err
		}
		return &Result{Response: resp}, nil
	case router.RedirectAction:
		return &Result{Response: p.redirect(routing.Location.Redirect)}, nil
	case router.ExecuteCGI:
		rel := router.StripLocationPrefix(routing.Location, routing.ScriptPath)
		fsPath := filepath.Join(routing.Location.RootDir, filepath.FromSlash(rel))
		return &Result{CGI: &Handoff{
			Executor:     routing.CGIExec,
			ScriptPath:   routing.ScriptPath,
			ScriptFSPath: fsPath,
			PathInfo:     routing.PathInfo,
			Routing:      routing,
		}}, nil
	default:
		resp, err := p.serveStatic(routing, req)
		if err != nil {
			return nil, err
		}
		return &Result{Response: resp}, nil
	}
}

func (p *Processor) redirect(r *router.Redirect) *httpmsg.Response {
	status := r.Status
	if status == 0 {
		status = 302
	}
	resp := httpmsg.NewResponse(httpmsg.NewStatus(status))
	resp.Header.Set("Location", r.URL)
	return resp
}

var staticMethods = map[httpmsg.Method]bool{
	httpmsg.MethodGet:    true,
	httpmsg.MethodHead:   true,
	httpmsg.MethodDelete: true,
}

func (p *Processor) serveStatic(routing *router.LocationRouting, req *httpmsg.Request) (*httpmsg.Response, error) {
	loc := routing.Location

	if !staticMethods[req.Method] || !loc.IsMethodAllowed(req.Method) {
		resp := p.errorResponse(routing, 405)
		resp.Header.Set("Allow", strings.Join(loc.AllowedMethodsList(), ", "))
		return resp, nil
	}

	rel := router.StripLocationPrefix(loc, req.Path)
	fsPath := filepath.Join(loc.RootDir, filepath.FromSlash(rel))

	info, err := os.Stat(fsPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return p.errorResponse(routing, 404), nil
		}
		return p.errorResponse(routing, 403), nil
	}

	if req.Method == httpmsg.MethodDelete {
		if info.IsDir() {
			return p.errorResponse(routing, 403), nil
		}
		if err := os.Remove(fsPath); err != nil {
			return p.errorResponse(routing, 403), nil
		}
		return httpmsg.NewResponse(httpmsg.NewStatus(204)), nil
	}

	if info.IsDir() {
		return p.serveDirectory(routing, req, fsPath)
	}

	return p.serveFile(req, fsPath, info)
}

func (p *Processor) serveFile(req *httpmsg.Request, fsPath string, info os.FileInfo) (*httpmsg.Response, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return nil, fmt.Errorf("processor: open %s: %w", fsPath, err)
	}

	resp := httpmsg.NewResponse(httpmsg.NewStatus(200))
	resp.Header.Set("Content-Type", mimetypes.ForPath(fsPath))
	resp.Body = httpmsg.BodySourceSpec{
		Kind:       httpmsg.BodyFile,
		File:       f,
		FileOffset: 0,
		FileLength: info.Size(),
	}
	resp.OmitBody = req.Method == httpmsg.MethodHead
	return resp, nil
}

func (p *Processor) serveDirectory(routing *router.LocationRouting, req *httpmsg.Request, dirPath string) (*httpmsg.Response, error) {
	loc := routing.Location
	for _, index := range loc.IndexPages {
		candidate := filepath.Join(dirPath, index)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return p.serveFile(req, candidate, info)
		}
	}

	if loc.AutoIndex {
		return p.renderAutoIndex(req, dirPath)
	}

	return p.errorResponse(routing, 403), nil
}

func (p *Processor) renderAutoIndex(req *httpmsg.Request, dirPath string) (*httpmsg.Response, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("processor: readdir %s: %w", dirPath, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	fmt.Fprintf(&b, "<html><head><title>Index of %s</title></head><body>\n", req.Path)
	fmt.Fprintf(&b, "<h1>Index of %s</h1><ul>\n", req.Path)
	if req.Path != "/" {
		b.WriteString(`<li><a href="../">../</a></li>` + "\n")
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		fmt.Fprintf(&b, "<li><a href=\"%s\">%s</a></li>\n", name, name)
	}
	b.WriteString("</ul></body></html>\n")

	resp := httpmsg.NewResponse(httpmsg.NewStatus(200))
	resp.Header.Set("Content-Type", "text/html")
	resp.Body = httpmsg.BodySourceSpec{Kind: httpmsg.BodyInMemory, Bytes: []byte(b.String())}
	resp.OmitBody = req.Method == httpmsg.MethodHead
	return resp, nil
}

// errorResponse implements spec.md §4.H's "choose the most specific error
// page: per-location map -> virtual-server map -> built-in template."
func (p *Processor) errorResponse(routing *router.LocationRouting, status int) *httpmsg.Response {
	st := httpmsg.NewStatus(status)

	path := ""
	if routing.Location != nil {
		if p, ok := routing.Location.ErrorPagePath(status); ok {
			path = p
		}
	}
	if path == "" && routing.Server != nil {
		if p, ok := routing.Server.ErrorPagePath(status); ok {
			path = p
		}
	}

	body, err := errorpage.Render(path, st.Code, st.Reason)
	if err != nil {
		p.log.Error("render error page", "status", status, "err", err)
		body = []byte(st.String())
	}

	resp := httpmsg.NewResponse(st)
	resp.Header.Set("Content-Type", "text/html")
	resp.Body = httpmsg.BodySourceSpec{Kind: httpmsg.BodyInMemory, Bytes: body}
	return resp
}

// ErrorResponse exposes errorResponse to callers outside this package (the
// session state machine building a response for a framing error, for
// instance, before a Location has even been selected).
func (p *Processor) ErrorResponse(routing *router.LocationRouting, status int) *httpmsg.Response {
	return p.errorResponse(routing, status)
}
