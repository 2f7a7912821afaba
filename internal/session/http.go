package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kztakada/webserv/internal/bodystore"
	"github.com/kztakada/webserv/internal/cgi"
	"github.com/kztakada/webserv/internal/httpmsg"
	"github.com/kztakada/webserv/internal/iobuf"
	"github.com/kztakada/webserv/internal/processor"
	"github.com/kztakada/webserv/internal/reactor"
	"github.com/kztakada/webserv/internal/router"
)

// httpState implements spec.md §4.J's HTTP Session state machine. There is
// no distinct terminal CLOSED state: CLOSING always means "nothing more
// to send, ready for the controller to close the descriptor."
type httpState int

const (
	stateReceiving httpState = iota
	stateAwaitingCGI
	stateSending
	stateClosing
)

// maxFileChunksPerWrite bounds how much of a file-backed response body a
// single OnEvent call streams before yielding back to the reactor, so one
// very large, very writable connection cannot starve the rest of the
// (single-threaded) event loop.
const maxFileChunksPerWrite = 16

const fileStreamChunkSize = 64 * 1024

// HTTPConfig is the shared, read-only wiring every HTTPSession on a given
// endpoint needs: the routing table, the dispatcher, and where to stage
// request bodies.
type HTTPConfig struct {
	Router        *router.Router
	Processor     *processor.Processor
	BodyStoreDir  string
	IdleTimeoutMS int
	Log           *slog.Logger
	AccessLog     *slog.Logger
}

// HTTPSession is one connection's state machine: spec.md §4.J binding the
// Request Parser (E), Body Store (F), Router (G), Request Processor (H),
// and CGI Orchestrator (I) together over one descriptor.
type HTTPSession struct {
	fd        int
	localIP   string
	localPort int
	remoteIP  string

	cfg HTTPConfig
	log *slog.Logger

	recv iobuf.RecvBuffer
	send *iobuf.SendBuffer

	parser           *httpmsg.Parser
	routing          *router.LocationRouting
	effectiveMaxBody int64

	fileBody   io.ReadCloser
	fileRemain int64

	cgiOrch    *cgi.Orchestrator
	cgiRouting *router.LocationRouting

	state         httpState
	closeDecision bool
	peerClosed    bool

	lastActive time.Time

	spawned []Session
	closed  bool

	reqStart  time.Time
	reqMethod string
	reqTarget string

	respStatus int
	respBytes  int64
}

// NewHTTPSession wraps an already-accepted, non-blocking connection fd.
func NewHTTPSession(fd int, localIP string, localPort int, remoteIP string, cfg HTTPConfig) *HTTPSession {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.IdleTimeoutMS <= 0 {
		cfg.IdleTimeoutMS = DefaultIdleTimeoutMS
	}
	h := &HTTPSession{
		fd:               fd,
		localIP:          localIP,
		localPort:        localPort,
		remoteIP:         remoteIP,
		cfg:              cfg,
		log:              cfg.Log,
		send:             iobuf.NewSendBuffer(0),
		state:            stateReceiving,
		lastActive:       time.Now(),
		effectiveMaxBody: httpmsg.DefaultLimits().MaxBodyBytes,
	}
	h.parser = h.newParser()
	return h
}

func (h *HTTPSession) newParser() *httpmsg.Parser {
	p := httpmsg.NewParser(httpmsg.DefaultLimits(), func() httpmsg.BodyStore {
		return bodystore.New(h.cfg.BodyStoreDir, h.effectiveMaxBody)
	})
	p.HeadersReady = h.onHeadersReady
	return p
}

// onHeadersReady implements spec.md §4.E's "effective body limit: for the
// matched location's client_max_body_size" by routing as soon as Host and
// Path are known, before the first body byte is staged.
func (h *HTTPSession) onHeadersReady(req *httpmsg.Request) {
	ep := router.Endpoint{IP: h.localIP, Port: h.localPort}
	host, _ := req.Header.Get("Host")
	routing, ok := h.cfg.Router.Route(ep, host, req)
	if !ok {
		h.routing = nil
		return
	}
	h.routing = routing
	limit := routing.Location.ClientMaxBodySize
	if limit <= 0 {
		limit = routing.Server.ClientMaxBodySize
	}
	if limit > 0 {
		h.effectiveMaxBody = limit
	}
}

func (h *HTTPSession) InitialWatchSpecs() []WatchSpec { return h.WatchSpecs() }

// WatchSpecs implements Rewatcher: the watched mask follows the state
// machine exactly (read while receiving or waiting on CGI to observe
// peer close, write while draining a response).
func (h *HTTPSession) WatchSpecs() []WatchSpec {
	switch h.state {
	case stateSending:
		return []WatchSpec{{Fd: h.fd, Write: true}}
	case stateClosing:
		return nil
	default:
		return []WatchSpec{{Fd: h.fd, Read: true}}
	}
}

func (h *HTTPSession) OnEvent(ev reactor.FdEvent) error {
	if ev.Mask.Has(reactor.Timeout) {
		h.log.Debug("connection idle timeout", "fd", h.fd)
		h.state = stateClosing
		return nil
	}
	switch h.state {
	case stateReceiving:
		return h.onReceive(ev)
	case stateAwaitingCGI:
		return h.onAwaitCGI(ev)
	case stateSending:
		return h.onSend(ev)
	default:
		return nil
	}
}

func (h *HTTPSession) onReceive(ev reactor.FdEvent) error {
	if !ev.Mask.Has(reactor.Read) {
		return nil
	}
	buf := make([]byte, iobuf.DefaultRecvSoftCap)
	for {
		n, err := unix.Read(h.fd, buf)
		if n > 0 {
			h.recv.Append(buf[:n])
			h.lastActive = time.Now()
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if err == unix.EINTR {
				continue
			}
			// Client socket I/O error: abandon per spec.md §7.4.
			h.state = stateClosing
			return nil
		}
		if n == 0 {
			h.peerClosed = true
			break
		}
	}
	return h.feedParser()
}

func (h *HTTPSession) feedParser() error {
	for !h.parser.Ready() && h.recv.Len() > 0 {
		n, err := h.parser.Feed(h.recv.Bytes())
		if n > 0 {
			h.recv.Consume(n)
		}
		if err != nil {
			return h.handleParseError(err)
		}
		if n == 0 {
			break
		}
	}
	if h.parser.Ready() {
		return h.process()
	}
	if h.peerClosed {
		// Partial request at EOF: spec.md §4.J's "On peer EOF with
		// partial request -> CLOSING", no response emitted.
		h.state = stateClosing
	}
	return nil
}

func (h *HTTPSession) handleParseError(err error) error {
	pe, ok := err.(*httpmsg.ParseError)
	if !ok {
		h.state = stateClosing
		return err
	}
	if pe.FatalFraming {
		h.closeDecision = true
	}
	h.beginSending(h.cfg.Processor.ErrorResponse(h.routingOrEmpty(), pe.Status))
	return nil
}

func (h *HTTPSession) routingOrEmpty() *router.LocationRouting {
	if h.routing != nil {
		return h.routing
	}
	return &router.LocationRouting{}
}

func (h *HTTPSession) process() error {
	req := h.parser.Request()
	h.reqStart = time.Now()
	h.reqMethod = string(req.Method)
	h.reqTarget = req.Target
	if !req.ShouldKeepAlive() {
		h.closeDecision = true
	}

	if h.routing == nil {
		h.beginSending(h.cfg.Processor.ErrorResponse(&router.LocationRouting{}, 404))
		return nil
	}

	result, err := h.cfg.Processor.Dispatch(h.routing, req)
	if err != nil {
		h.log.Error("dispatch request", "err", err)
		h.beginSending(h.cfg.Processor.ErrorResponse(h.routing, 500))
		return nil
	}
	if result.CGI != nil {
		return h.startCGI(req, result.CGI)
	}
	h.beginSending(result.Response)
	return nil
}

func (h *HTTPSession) startCGI(req *httpmsg.Request, handoff *processor.Handoff) error {
	var bodyReader io.Reader
	if req.BodyStore != nil {
		f, err := req.BodyStore.OpenForRead()
		if err != nil {
			h.log.Error("open body store for cgi", "err", err)
			h.beginSending(h.cfg.Processor.ErrorResponse(h.routing, 500))
			return nil
		}
		bodyReader = f
	}

	env := cgi.Environment(req, cgi.RequestContext{
		ScriptPath: handoff.ScriptPath,
		PathInfo:   handoff.PathInfo,
		ServerName: req.Host,
		ServerPort: strconv.Itoa(h.localPort),
		RemoteAddr: h.remoteIP,
	})

	orch, err := cgi.Start(handoff.Executor, handoff.ScriptFSPath, env, bodyReader, cgi.Deadline)
	if err != nil {
		h.log.Error("spawn cgi", "executor", handoff.Executor, "script", handoff.ScriptFSPath, "err", err)
		h.beginSending(h.cfg.Processor.ErrorResponse(h.routing, 502))
		return nil
	}

	h.cgiOrch = orch
	h.cgiRouting = h.routing
	h.state = stateAwaitingCGI
	h.spawned = append(h.spawned, newCGIStdinSession(orch), newCGIStdoutSession(orch))
	return nil
}

func (h *HTTPSession) onAwaitCGI(ev reactor.FdEvent) error {
	if ev.Mask.Has(reactor.Error) {
		h.abandonCGI()
		return nil
	}
	if ev.Mask.Has(reactor.Read) {
		buf := make([]byte, 4096)
		n, err := unix.Read(h.fd, buf)
		if n == 0 && err == nil {
			h.abandonCGI()
		}
	}
	return nil
}

func (h *HTTPSession) abandonCGI() {
	h.state = stateClosing
	if h.cgiOrch != nil {
		h.cgiOrch.Close()
		h.cgiOrch = nil
	}
}

// Poll implements the session.Poller hook: an HTTPSession waiting on CGI
// has nothing happening on its own descriptor, so the orchestrator's
// deadline/reap state machine is advanced and completion is observed here
// once per controller tick rather than from OnEvent.
func (h *HTTPSession) Poll() {
	if h.state == stateAwaitingCGI {
		h.lastActive = time.Now()
		if h.cgiOrch != nil {
			h.cgiOrch.Tick()
			if h.cgiOrch.Done() {
				h.finalizeCGI()
			}
		}
	}
}

func (h *HTTPSession) finalizeCGI() {
	resp, err := h.cgiOrch.Result()
	h.cgiOrch.Close()
	h.cgiOrch = nil
	routing := h.cgiRouting

	switch {
	case errors.Is(err, cgi.ErrDeadlineExceeded):
		h.beginSending(h.cfg.Processor.ErrorResponse(routing, 504))
	case errors.Is(err, cgi.ErrExecFailed):
		h.beginSending(h.cfg.Processor.ErrorResponse(routing, 502))
	case err != nil:
		h.log.Debug("cgi response", "err", err)
		h.beginSending(h.cfg.Processor.ErrorResponse(routing, 502))
	default:
		h.beginSending(resp)
	}
}

func (h *HTTPSession) beginSending(resp *httpmsg.Response) {
	h.applyStandardHeaders(resp)
	h.respStatus = resp.Status.Code
	h.respBytes = bodyLength(resp)
	h.send.Reset()
	_ = h.send.Append(renderHeaderBlock(resp))

	switch resp.Body.Kind {
	case httpmsg.BodyFile:
		if resp.OmitBody {
			_ = resp.Body.File.Close()
			h.fileBody = nil
			h.fileRemain = 0
		} else {
			if resp.Body.FileOffset > 0 {
				_, _ = resp.Body.File.Seek(resp.Body.FileOffset, io.SeekStart)
			}
			h.fileBody = resp.Body.File
			h.fileRemain = resp.Body.FileLength
		}
	default:
		h.fileBody = nil
		h.fileRemain = 0
		if !resp.OmitBody {
			_ = h.send.Append(resp.Body.Bytes)
		}
	}

	h.state = stateSending
}

func (h *HTTPSession) applyStandardHeaders(resp *httpmsg.Response) {
	resp.Header.Set("Date", time.Now().UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT"))
	resp.Header.Set("Server", "webserv")

	length := bodyLength(resp)
	if length >= 0 {
		resp.Header.Set("Content-Length", strconv.FormatInt(length, 10))
	}
	if h.closeDecision {
		resp.Header.Set("Connection", "close")
	} else {
		resp.Header.Set("Connection", "keep-alive")
	}
}

func bodyLength(resp *httpmsg.Response) int64 {
	if resp.OmitBody {
		if resp.Body.Kind == httpmsg.BodyFile {
			return resp.Body.FileLength
		}
		return int64(len(resp.Body.Bytes))
	}
	switch resp.Body.Kind {
	case httpmsg.BodyFile:
		return resp.Body.FileLength
	default:
		return int64(len(resp.Body.Bytes))
	}
}

func renderHeaderBlock(resp *httpmsg.Response) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", resp.Status.Code, resp.Status.Reason)
	for _, f := range resp.Header.Fields() {
		fmt.Fprintf(&b, "%s: %s\r\n", f.Name, f.Value)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func (h *HTTPSession) onSend(ev reactor.FdEvent) error {
	if !ev.Mask.Has(reactor.Write) {
		return nil
	}

	for chunks := 0; chunks < maxFileChunksPerWrite; {
		if h.send.Len() > 0 {
			n, err := unix.Write(h.fd, h.send.Bytes())
			if n > 0 {
				h.send.Drain(n)
				h.lastActive = time.Now()
			}
			if err != nil {
				if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
					return nil
				}
				if err == unix.EINTR {
					continue
				}
				h.state = stateClosing
				return nil
			}
			if h.send.Len() > 0 {
				return nil
			}
			continue
		}

		if h.fileRemain <= 0 {
			break
		}

		take := int64(fileStreamChunkSize)
		if h.fileRemain < take {
			take = h.fileRemain
		}
		buf := make([]byte, take)
		n, rerr := h.fileBody.Read(buf)
		if n > 0 {
			if err := h.send.Append(buf[:n]); err != nil {
				h.state = stateClosing
				return nil
			}
			h.fileRemain -= int64(n)
			chunks++
		}
		if rerr != nil && rerr != io.EOF {
			h.log.Error("read response file body", "err", rerr)
			h.state = stateClosing
			return nil
		}
		if rerr == io.EOF {
			h.fileRemain = 0
		}
	}
	h.finishSendIfDrained()
	return nil
}

func (h *HTTPSession) finishSendIfDrained() {
	if h.send.Len() > 0 || h.fileRemain > 0 {
		return
	}
	if h.fileBody != nil {
		_ = h.fileBody.Close()
		h.fileBody = nil
	}
	h.logAccess()
	if h.closeDecision {
		h.state = stateClosing
		return
	}
	h.resetForNextRequest()
}

// logAccess emits one access-log line per completed request (method,
// target, status, bytes, duration), per SPEC_FULL.md §10.2, at Info
// level on a dedicated logger separate from component diagnostics.
func (h *HTTPSession) logAccess() {
	if h.cfg.AccessLog == nil || h.reqMethod == "" {
		return
	}
	h.cfg.AccessLog.Info("request",
		"method", h.reqMethod,
		"target", h.reqTarget,
		"status", h.respStatus,
		"bytes", h.respBytes,
		"duration_ms", time.Since(h.reqStart).Milliseconds(),
	)
	h.reqMethod = ""
}

func (h *HTTPSession) resetForNextRequest() {
	h.routing = nil
	h.effectiveMaxBody = httpmsg.DefaultLimits().MaxBodyBytes
	h.parser = h.newParser()
	h.state = stateReceiving
	if err := h.feedParser(); err != nil {
		h.log.Debug("feed parser after request reset", "err", err)
	}
}

func (h *HTTPSession) IsComplete() bool { return h.state == stateClosing }
func (h *HTTPSession) IsTimedOut() bool { return false }

func (h *HTTPSession) LastActive() time.Time { return h.lastActive }
func (h *HTTPSession) TimeoutMS() int        { return h.cfg.IdleTimeoutMS }

func (h *HTTPSession) TakeSpawned() []Session {
	out := h.spawned
	h.spawned = nil
	return out
}

func (h *HTTPSession) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.cgiOrch != nil {
		h.cgiOrch.Close()
	}
	if h.fileBody != nil {
		_ = h.fileBody.Close()
	}
	return unix.Close(h.fd)
}
