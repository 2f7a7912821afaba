package httpmsg

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Limits bounds the parser per spec.md §4.E.
type Limits struct {
	MaxTargetLen   int   // 414 beyond this
	MaxHeaderBlock int   // 431 beyond this
	MaxBodyBytes   int64 // effective client_max_body_size; 413 beyond this
}

// DefaultLimits matches the numbers spec.md calls out explicitly.
func DefaultLimits() Limits {
	return Limits{
		MaxTargetLen:   8 * 1024,
		MaxHeaderBlock: 16 * 1024,
		MaxBodyBytes:   1 * 1024 * 1024,
	}
}

// ParseError is a client protocol error. Status is the response code to
// emit; FatalFraming is true when the error invalidates the byte stream
// itself (the connection-close decision must be set), false when it is a
// semantic error the connection can recover from (e.g. 405).
type ParseError struct {
	Status       int
	Message      string
	FatalFraming bool
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("httpmsg: %d %s", e.Status, e.Message)
}

func parseErr(status int, fatal bool, format string, args ...interface{}) *ParseError {
	return &ParseError{Status: status, Message: fmt.Sprintf(format, args...), FatalFraming: fatal}
}

type parserState int

const (
	stateRequestLine parserState = iota
	stateHeaders
	stateBody
	stateReady
)

type bodyMode int

const (
	bodyModeNone bodyMode = iota
	bodyModeFixed
	bodyModeChunkedSize
	bodyModeChunkedData
	bodyModeChunkedCRLF
	bodyModeChunkedTrailer
)

// BodyStore is the subset of *bodystore.Store the parser and the rest of
// the request pipeline need: append while parsing, then seal and read.
// It is created lazily by the caller-supplied factory on the first body
// byte, matching spec.md's "created lazily when the first body byte
// arrives." Declared here (rather than importing bodystore directly) to
// avoid a dependency cycle between httpmsg and bodystore's consumers;
// *bodystore.Store satisfies it.
type BodyStore interface {
	Append(b []byte) error
	Finish() error
	Sealed() bool
	Size() int64
	OpenForRead() (io.ReadSeekCloser, error)
	Discard() error
}

// Parser is the incremental HTTP/1.1 request state machine from
// spec.md §4.E: REQUEST_LINE -> HEADERS -> (NO_BODY|FIXED_BODY|CHUNKED_BODY)
// -> READY. Feed is called with newly-available bytes (already consumed
// from the connection's RecvBuffer by the caller); Parser reports how
// many bytes it consumed so the caller can advance the buffer, and
// whether a complete request is now ready.
type Parser struct {
	limits      Limits
	newBody     func() BodyStore
	req         *Request
	state       parserState
	headerBytes int
	bMode       bodyMode
	remaining   int64 // fixed-length bytes left, or current chunk bytes left
	store       BodyStore
	chunkHex    strings.Builder
	trailerBuf  strings.Builder
	// sawZeroChunk records whether the zero-size chunk has been seen; once
	// true, any bytes remaining in the caller's buffer belong to the next
	// request on a keep-alive connection (spec.md §8 boundary behavior).
	sawZeroChunk bool

	// pendingErr holds a non-fatal body error (413) discovered mid-body.
	// The parser keeps consuming and discarding bytes to stay in framing
	// sync with the declared length/chunk stream ("413 with
	// content-length consumed entirely" per spec.md §7) and surfaces the
	// error only once the body framing itself completes.
	pendingErr *ParseError

	// HeadersReady, if set, is invoked exactly once, synchronously, the
	// moment the header block finishes parsing and before any body byte
	// is consumed. Host and Path are already populated on Request() at
	// that point, letting the caller route the request and reconfigure
	// whatever the newBody factory closes over (location, staging dir,
	// effective client_max_body_size) before the lazily-created Body
	// Store sees its first Append, per spec.md §4.E's "effective body
	// limit: for the matched location's client_max_body_size."
	HeadersReady func(req *Request)
}

// NewParser returns a Parser ready to decode one request. newBody is
// invoked at most once, lazily, when the first body byte is seen.
func NewParser(limits Limits, newBody func() BodyStore) *Parser {
	return &Parser{limits: limits, newBody: newBody, state: stateRequestLine, req: &Request{Header: NewHeader()}}
}

// Ready reports whether a complete request has been parsed.
func (p *Parser) Ready() bool { return p.state == stateReady }

// Request returns the parsed request. Valid only once Ready reports true.
func (p *Parser) Request() *Request { return p.req }

// Feed consumes as much of buf as forms complete protocol elements
// (request line, header lines, body bytes) and returns the number of
// bytes consumed. It can be called repeatedly with a growing buffer
// until Ready() is true or an error is returned. Once Ready(), no
// further bytes should be fed to this Parser; start a new one for the
// next request on the same connection.
func (p *Parser) Feed(buf []byte) (consumed int, err error) {
	for {
		if p.state == stateReady {
			return consumed, nil
		}
		switch p.state {
		case stateRequestLine:
			n, done, perr := p.feedRequestLine(buf[consumed:])
			consumed += n
			if perr != nil {
				return consumed, perr
			}
			if !done {
				return consumed, nil
			}
		case stateHeaders:
			n, done, perr := p.feedHeaders(buf[consumed:])
			consumed += n
			if perr != nil {
				return consumed, perr
			}
			if !done {
				return consumed, nil
			}
		case stateBody:
			n, done, perr := p.feedBody(buf[consumed:])
			consumed += n
			if perr != nil {
				return consumed, perr
			}
			if !done {
				return consumed, nil
			}
			err := p.finishBody()
			p.state = stateReady
			if err != nil {
				return consumed, err
			}
			if p.pendingErr != nil {
				return consumed, p.pendingErr
			}
			return consumed, nil
		}
	}
}

func (p *Parser) feedRequestLine(buf []byte) (n int, done bool, err error) {
	idx := bytes.Index(buf, []byte("\r\n"))
	if idx < 0 {
		if len(buf) > p.limits.MaxTargetLen+64 {
			return len(buf), true, parseErr(414, true, "request line too long")
		}
		return 0, false, nil
	}
	line := string(buf[:idx])
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return idx + 2, true, parseErr(400, true, "malformed request line")
	}
	method, target, version := parts[0], parts[1], parts[2]

	switch Method(method) {
	case MethodGet, MethodHead, MethodPost, MethodDelete:
		p.req.Method = Method(method)
	default:
		return idx + 2, true, parseErr(501, true, "unknown method %q", method)
	}

	if len(target) > p.limits.MaxTargetLen {
		return idx + 2, true, parseErr(414, true, "request-target too long")
	}

	switch Version(version) {
	case Version10, Version11:
		p.req.Version = Version(version)
	default:
		return idx + 2, true, parseErr(505, true, "unsupported version %q", version)
	}

	p.req.Target = target
	if q := strings.IndexByte(target, '?'); q >= 0 {
		p.req.Path = target[:q]
		p.req.Query = target[q+1:]
	} else {
		p.req.Path = target
	}

	p.state = stateHeaders
	return idx + 2, true, nil
}

func (p *Parser) feedHeaders(buf []byte) (n int, done bool, err error) {
	for {
		idx := bytes.Index(buf[n:], []byte("\r\n"))
		if idx < 0 {
			p.headerBytes += 0 // size is checked against consumed-so-far below
			if p.headerBytes+len(buf)-n > p.limits.MaxHeaderBlock {
				return len(buf), true, parseErr(431, true, "header block too large")
			}
			return n, false, nil
		}
		line := buf[n : n+idx]
		n += idx + 2
		p.headerBytes += idx + 2
		if p.headerBytes > p.limits.MaxHeaderBlock {
			return n, true, parseErr(431, true, "header block too large")
		}

		if len(line) == 0 {
			// End of header block.
			if err := p.finalizeHeaders(); err != nil {
				return n, true, err
			}
			return n, true, nil
		}

		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return n, true, parseErr(400, true, "malformed header field %q", string(line))
		}
		name := string(line[:colon])
		value := strings.TrimSpace(string(line[colon+1:]))
		p.req.Header.Add(name, value)
	}
}

func (p *Parser) finalizeHeaders() error {
	req := p.req

	if cl := req.Header.Count("Content-Length"); cl > 1 {
		return parseErr(400, true, "duplicate Content-Length")
	}
	hasTE := req.Header.Has("Transfer-Encoding")
	hasCL := req.Header.Has("Content-Length")
	if hasTE && hasCL {
		return parseErr(400, true, "Content-Length and Transfer-Encoding both present")
	}

	if req.Version == Version11 && !req.Header.Has("Host") {
		return parseErr(400, true, "missing Host header")
	}
	if host, ok := req.Header.Get("Host"); ok {
		req.Host = stripPort(host)
	}

	if ct, ok := req.Header.Get("Content-Type"); ok {
		req.ContentType = parseContentType(ct)
	}

	if hasTE {
		te := strings.ToLower(strings.Join(req.Header.Values("Transfer-Encoding"), ","))
		for _, tok := range splitCSV(te) {
			req.TransferEnc = append(req.TransferEnc, tok)
		}
		if !containsFold(req.TransferEnc, "chunked") {
			return parseErr(400, true, "unsupported Transfer-Encoding %q", te)
		}
		p.bMode = bodyModeChunkedSize
		req.Framing = BodyChunked
	} else if hasCL {
		clStr, _ := req.Header.Get("Content-Length")
		cl, err := strconv.ParseInt(strings.TrimSpace(clStr), 10, 64)
		if err != nil || cl < 0 {
			return parseErr(400, true, "malformed Content-Length %q", clStr)
		}
		req.ContentLen = cl
		if cl > 0 {
			p.bMode = bodyModeFixed
			p.remaining = cl
			req.Framing = BodyFixedLength
		} else {
			p.bMode = bodyModeNone
			req.Framing = BodyNone
		}
	} else {
		p.bMode = bodyModeNone
		req.Framing = BodyNone
	}

	if cookie, ok := req.Header.Get("Cookie"); ok {
		req.Cookies = parseCookies(cookie)
	}

	p.state = stateBody
	if p.HeadersReady != nil {
		p.HeadersReady(req)
	}
	return nil
}

func (p *Parser) ensureStore() error {
	if p.store != nil {
		return nil
	}
	p.store = p.newBody()
	return nil
}

func (p *Parser) appendBody(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if p.pendingErr != nil {
		// Already over the limit: keep discarding so the framing stays
		// in sync, but stop writing to disk.
		return nil
	}
	if err := p.ensureStore(); err != nil {
		return err
	}
	if err := p.store.Append(b); err != nil {
		p.pendingErr = parseErr(413, false, "body exceeds client_max_body_size")
	}
	return nil
}

func (p *Parser) feedBody(buf []byte) (n int, done bool, err error) {
	switch p.bMode {
	case bodyModeNone:
		return 0, true, nil

	case bodyModeFixed:
		take := len(buf)
		if int64(take) > p.remaining {
			take = int(p.remaining)
		}
		if take > 0 {
			if err := p.appendBody(buf[:take]); err != nil {
				return take, true, err
			}
			p.remaining -= int64(take)
		}
		if p.remaining == 0 {
			return take, true, nil
		}
		return take, false, nil

	default:
		return p.feedChunked(buf)
	}
}

// feedChunked decodes "HEX CRLF data CRLF" chunks until the zero-size
// chunk, followed by optional trailers and a final CRLF, per spec.md
// §4.E. A chunk size of 0 terminates the body even if further bytes
// follow; those bytes are left unconsumed for the next request.
func (p *Parser) feedChunked(buf []byte) (n int, done bool, err error) {
	for n < len(buf) || p.bMode == bodyModeChunkedTrailer {
		switch p.bMode {
		case bodyModeChunkedSize:
			idx := bytes.IndexByte(buf[n:], '\n')
			if idx < 0 {
				p.chunkHex.Write(buf[n:])
				if p.chunkHex.Len() > 32 {
					return n, true, parseErr(400, true, "chunk size line too long")
				}
				return len(buf), false, nil
			}
			line := buf[n : n+idx]
			n += idx + 1
			sizeLine := p.chunkHex.String() + string(line)
			p.chunkHex.Reset()
			sizeLine = strings.TrimRight(sizeLine, "\r")
			if semi := strings.IndexByte(sizeLine, ';'); semi >= 0 {
				sizeLine = sizeLine[:semi]
			}
			sizeLine = strings.TrimSpace(sizeLine)
			size, convErr := strconv.ParseInt(sizeLine, 16, 64)
			if convErr != nil || size < 0 {
				return n, true, parseErr(400, true, "malformed chunk size %q", sizeLine)
			}
			p.remaining = size
			if size == 0 {
				p.sawZeroChunk = true
				p.bMode = bodyModeChunkedTrailer
				p.trailerBuf.Reset()
			} else {
				p.bMode = bodyModeChunkedData
			}

		case bodyModeChunkedData:
			take := len(buf) - n
			if int64(take) > p.remaining {
				take = int(p.remaining)
			}
			if take > 0 {
				if err := p.appendBody(buf[n : n+take]); err != nil {
					return n + take, true, err
				}
				p.remaining -= int64(take)
				n += take
			}
			if p.remaining == 0 {
				p.bMode = bodyModeChunkedCRLF
			} else {
				return n, false, nil
			}

		case bodyModeChunkedCRLF:
			need := 2
			have := len(buf) - n
			if have < need {
				return n, false, nil
			}
			if buf[n] != '\r' || buf[n+1] != '\n' {
				return n, true, parseErr(400, true, "malformed chunk terminator")
			}
			n += 2
			p.bMode = bodyModeChunkedSize

		case bodyModeChunkedTrailer:
			idx := bytes.Index(buf[n:], []byte("\r\n"))
			if idx < 0 {
				return n, false, nil
			}
			if idx == 0 {
				n += 2
				return n, true, nil
			}
			n += idx + 2
			// Trailer fields are decoded but not merged into the
			// request header map; spec.md does not ask for that.
		}
	}
	return n, false, nil
}

func (p *Parser) finishBody() error {
	if p.store == nil {
		return nil
	}
	if err := p.store.Finish(); err != nil {
		return err
	}
	if p.pendingErr != nil {
		return p.store.Discard()
	}
	p.req.BodyStore = p.store
	return nil
}

func parseContentType(raw string) ContentType {
	parts := strings.Split(raw, ";")
	ct := ContentType{Media: strings.TrimSpace(parts[0]), Params: map[string]string{}}
	for _, part := range parts[1:] {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		ct.Params[key] = val
	}
	return ct
}

func parseCookies(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		// Do not strip when the last colon sits inside a bracketed IPv6
		// literal with no port ("[::1]" is kept whole). An unbracketed
		// IPv6 literal loses its last group.
		if !strings.Contains(host[i+1:], "]") {
			return host[:i]
		}
	}
	return host
}

func containsFold(list []string, needle string) bool {
	for _, s := range list {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}
