package cgi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kztakada/webserv/internal/httpmsg"
)

func TestEnvironmentIncludesFixedCGIVars(t *testing.T) {
	h := httpmsg.NewHeader()
	h.Add("Host", "example.com")
	h.Add("X-Custom-Header", "v1")
	h.Add("Content-Length", "5")
	h.Add("Content-Type", "text/plain")

	req := &httpmsg.Request{
		Method:      httpmsg.MethodGet,
		Query:       "a=1&b=2",
		Header:      h,
		ContentType: httpmsg.ContentType{Media: "text/plain"},
		Framing:     httpmsg.BodyFixedLength,
		ContentLen:  5,
	}

	env := Environment(req, RequestContext{
		ScriptPath: "/cgi-bin/a.py",
		PathInfo:   "/extra",
		ServerName: "example.com",
		ServerPort: "8080",
		RemoteAddr: "10.0.0.1",
	})

	assert.Contains(t, env, "GATEWAY_INTERFACE=CGI/1.1")
	assert.Contains(t, env, "SERVER_PROTOCOL=HTTP/1.1")
	assert.Contains(t, env, "REQUEST_METHOD=GET")
	assert.Contains(t, env, "QUERY_STRING=a=1&b=2")
	assert.Contains(t, env, "PATH_INFO=/extra")
	assert.Contains(t, env, "SCRIPT_NAME=/cgi-bin/a.py")
	assert.Contains(t, env, "SERVER_NAME=example.com")
	assert.Contains(t, env, "SERVER_PORT=8080")
	assert.Contains(t, env, "REMOTE_ADDR=10.0.0.1")
	assert.Contains(t, env, "CONTENT_LENGTH=5")
	assert.Contains(t, env, "HTTP_HOST=example.com")
	assert.Contains(t, env, "HTTP_X_CUSTOM_HEADER=v1")
}

func TestEnvironmentExcludesContentHeadersFromHTTPPrefix(t *testing.T) {
	h := httpmsg.NewHeader()
	h.Add("Content-Length", "5")
	h.Add("Content-Type", "text/plain")
	req := &httpmsg.Request{Method: httpmsg.MethodPost, Header: h}

	env := Environment(req, RequestContext{})
	for _, e := range env {
		assert.NotContains(t, e, "HTTP_CONTENT_LENGTH")
		assert.NotContains(t, e, "HTTP_CONTENT_TYPE")
	}
}

func TestParseResponseDefaultsTo200(t *testing.T) {
	out := []byte("Content-Type: text/plain\r\n\r\nhello")
	resp, err := ParseResponse(out)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status.Code)
	ct, _ := resp.Header.Get("Content-Type")
	assert.Equal(t, "text/plain", ct)
	assert.Equal(t, "hello", string(resp.Body.Bytes))
}

func TestParseResponseHonorsStatusHeader(t *testing.T) {
	out := []byte("Status: 404 Not Found\r\nContent-Type: text/plain\r\n\r\nmissing")
	resp, err := ParseResponse(out)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status.Code)
	assert.Equal(t, "Not Found", resp.Status.Reason)
}

func TestParseResponseLocationWithoutStatusYields302(t *testing.T) {
	out := []byte("Location: /elsewhere\r\n\r\nredirecting")
	resp, err := ParseResponse(out)
	require.NoError(t, err)
	assert.Equal(t, 302, resp.Status.Code)
	loc, _ := resp.Header.Get("Location")
	assert.Equal(t, "/elsewhere", loc)
}

func TestParseResponseStripsHopByHopHeaders(t *testing.T) {
	out := []byte("Content-Type: text/plain\r\nConnection: keep-alive\r\nTransfer-Encoding: chunked\r\n\r\nbody")
	resp, err := ParseResponse(out)
	require.NoError(t, err)
	assert.False(t, resp.Header.Has("Connection"))
	assert.False(t, resp.Header.Has("Transfer-Encoding"))
}

func TestParseResponseMissingBlankLineIsMalformed(t *testing.T) {
	out := []byte("Content-Type: text/plain\r\nno blank line here")
	_, err := ParseResponse(out)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestParseResponseLFOnlyHeaderBlock(t *testing.T) {
	out := []byte("Content-Type: text/plain\n\nhello")
	resp, err := ParseResponse(out)
	require.NoError(t, err)
	ct, _ := resp.Header.Get("Content-Type")
	assert.Equal(t, "text/plain", ct)
}
