package cgi

import (
	"strconv"
	"strings"

	"github.com/kztakada/webserv/internal/httpmsg"
)

// RequestContext carries the pieces of connection and routing state the
// CGI/1.1 environment needs that are not present on httpmsg.Request itself.
type RequestContext struct {
	ScriptPath string
	PathInfo   string
	ServerName string
	ServerPort string
	RemoteAddr string
}

// excludedFromHTTPPrefix lists the headers that get their own dedicated
// CGI variable instead of an HTTP_* entry, per spec.md §4.I.
var excludedFromHTTPPrefix = map[string]bool{
	"content-length": true,
	"content-type":   true,
}

// Environment builds the CGI/1.1 subset of environment variables spec.md
// §4.I specifies: the fixed set plus HTTP_* for every request header
// (dashes to underscores, upper-cased), excluding Content-Length and
// Content-Type which already have dedicated variables.
func Environment(req *httpmsg.Request, rc RequestContext) []string {
	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_PROTOCOL=HTTP/1.1",
		"REQUEST_METHOD=" + string(req.Method),
		"QUERY_STRING=" + req.Query,
		"PATH_INFO=" + rc.PathInfo,
		"SCRIPT_NAME=" + rc.ScriptPath,
		"SERVER_NAME=" + rc.ServerName,
		"SERVER_PORT=" + rc.ServerPort,
		"REMOTE_ADDR=" + rc.RemoteAddr,
	}

	if req.ContentType.Media != "" {
		env = append(env, "CONTENT_TYPE="+req.ContentType.Media+contentTypeParams(req.ContentType))
	}
	if req.Framing == httpmsg.BodyFixedLength {
		env = append(env, "CONTENT_LENGTH="+strconv.FormatInt(req.ContentLen, 10))
	} else if req.BodyStore != nil {
		env = append(env, "CONTENT_LENGTH="+strconv.FormatInt(req.BodyStore.Size(), 10))
	}

	for _, f := range req.Header.Fields() {
		key := strings.ToLower(f.Name)
		if excludedFromHTTPPrefix[key] {
			continue
		}
		name := "HTTP_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		env = append(env, name+"="+f.Value)
	}

	return env
}

func contentTypeParams(ct httpmsg.ContentType) string {
	if len(ct.Params) == 0 {
		return ""
	}
	var b strings.Builder
	for k, v := range ct.Params {
		b.WriteString("; ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(v)
	}
	return b.String()
}
