package cgi

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/kztakada/webserv/internal/httpmsg"
)

// hopByHop lists the headers stripped from a CGI response per spec.md
// §4.I: "Remaining headers pass through except hop-by-hop headers
// (Connection, Transfer-Encoding, Upgrade)."
var hopByHop = map[string]bool{
	"connection":        true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// ErrMalformedHeader is returned by ParseResponse when the CGI output
// cannot be split into a header block and body, or a header line cannot
// be parsed.
var ErrMalformedHeader = fmt.Errorf("cgi: malformed CGI response header")

// ParseResponse implements spec.md §4.I's header parse contract: split at
// the first blank line, translate Status/Location specially, default to
// 200 OK, and pass remaining headers through minus hop-by-hop ones.
func ParseResponse(output []byte) (*httpmsg.Response, error) {
	headerBlock, body, ok := splitHeaderBlock(output)
	if !ok {
		return nil, ErrMalformedHeader
	}

	header := httpmsg.NewHeader()
	var statusLine string
	var location string

	for _, line := range bytes.Split(headerBlock, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			return nil, ErrMalformedHeader
		}
		name := strings.TrimSpace(string(line[:idx]))
		value := strings.TrimSpace(string(line[idx+1:]))
		lower := strings.ToLower(name)

		switch lower {
		case "status":
			statusLine = value
			continue
		case "location":
			location = value
		}
		if hopByHop[lower] {
			continue
		}
		header.Add(name, value)
	}

	status := resolveStatus(statusLine, location, len(body) > 0)
	if location != "" {
		header.Set("Location", location)
	}

	resp := &httpmsg.Response{Status: status, Header: header}
	resp.Body = httpmsg.BodySourceSpec{Kind: httpmsg.BodyInMemory, Bytes: body}
	return resp, nil
}

// splitHeaderBlock finds the first blank line (\r?\n\r?\n: \r\n\r\n, \n\n
// or a mix of the two) and splits output into the header block
// (exclusive of the blank line) and the body that follows it.
func splitHeaderBlock(output []byte) (header, body []byte, ok bool) {
	for i := 0; i < len(output); i++ {
		if output[i] != '\n' {
			continue
		}
		end := i + 1
		if end < len(output) && output[end] == '\r' {
			end++
		}
		if end < len(output) && output[end] == '\n' {
			start := i
			if start > 0 && output[start-1] == '\r' {
				start--
			}
			return output[:start], output[end+1:], true
		}
	}
	return nil, nil, false
}

// resolveStatus implements "If a Status: header is present, use it for the
// HTTP status line; otherwise default to 200 OK. A Location: header with a
// non-empty body and no Status: yields 302."
func resolveStatus(statusLine, location string, hasBody bool) httpmsg.Status {
	if statusLine != "" {
		fields := strings.Fields(statusLine)
		if len(fields) > 0 {
			if code, err := strconv.Atoi(fields[0]); err == nil {
				reason := strings.TrimSpace(strings.TrimPrefix(statusLine, fields[0]))
				if reason == "" {
					return httpmsg.NewStatus(code)
				}
				return httpmsg.Status{Code: code, Reason: reason}
			}
		}
	}
	if location != "" && hasBody {
		return httpmsg.NewStatus(302)
	}
	return httpmsg.NewStatus(200)
}
