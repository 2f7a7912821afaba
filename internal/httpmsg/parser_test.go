package httpmsg

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal in-memory BodyStore for parser tests.
type memStore struct {
	buf       []byte
	limit     int64
	sealed    bool
	discarded bool
}

func newMemStore(limit int64) *memStore { return &memStore{limit: limit} }

func (m *memStore) Append(b []byte) error {
	if m.limit > 0 && int64(len(m.buf)+len(b)) > m.limit {
		return assertErrLimit
	}
	m.buf = append(m.buf, b...)
	return nil
}
func (m *memStore) Finish() error      { m.sealed = true; return nil }
func (m *memStore) Sealed() bool       { return m.sealed }
func (m *memStore) Size() int64        { return int64(len(m.buf)) }
func (m *memStore) Discard() error     { m.discarded = true; return nil }
func (m *memStore) OpenForRead() (io.ReadSeekCloser, error) {
	return &memReadCloser{data: m.buf}, nil
}

type memReadCloser struct {
	data []byte
	pos  int
}

func (m *memReadCloser) Read(p []byte) (int, error) {
	if m.pos >= len(m.data) {
		return 0, io.EOF
	}
	n := copy(p, m.data[m.pos:])
	m.pos += n
	return n, nil
}
func (m *memReadCloser) Seek(offset int64, whence int) (int64, error) {
	m.pos = int(offset)
	return int64(m.pos), nil
}
func (m *memReadCloser) Close() error { return nil }

var assertErrLimit = &ParseError{Status: 413, Message: "limit"}

func parseAll(t *testing.T, data []byte, limits Limits) (*Parser, error) {
	t.Helper()
	var store *memStore
	p := NewParser(limits, func() BodyStore {
		store = newMemStore(limits.MaxBodyBytes)
		return store
	})
	total := 0
	for total < len(data) {
		n, err := p.Feed(data[total:])
		total += n
		if err != nil {
			return p, err
		}
		if p.Ready() {
			break
		}
		if n == 0 {
			t.Fatalf("parser stalled without consuming bytes or completing")
		}
	}
	return p, nil
}

func TestParseSimpleGet(t *testing.T) {
	req := "GET /index.html HTTP/1.1\r\nHost: example.com\r\nConnection: keep-alive\r\n\r\n"
	p, err := parseAll(t, []byte(req), DefaultLimits())
	require.NoError(t, err)
	require.True(t, p.Ready())
	r := p.Request()
	assert.Equal(t, MethodGet, r.Method)
	assert.Equal(t, "/index.html", r.Path)
	assert.Equal(t, Version11, r.Version)
	assert.Equal(t, "example.com", r.Host)
	assert.True(t, r.ShouldKeepAlive())
	assert.Equal(t, BodyNone, r.Framing)
}

func TestParseMissingHostOnHTTP11Is400(t *testing.T) {
	req := "GET / HTTP/1.1\r\nConnection: close\r\n\r\n"
	_, err := parseAll(t, []byte(req), DefaultLimits())
	require.Error(t, err)
	perr, ok := err.(*ParseError)
	require.True(t, ok)
	assert.Equal(t, 400, perr.Status)
	assert.True(t, perr.FatalFraming)
}

func TestParseUnknownMethodIs501(t *testing.T) {
	req := "PATCH / HTTP/1.1\r\nHost: h\r\n\r\n"
	_, err := parseAll(t, []byte(req), DefaultLimits())
	perr, ok := err.(*ParseError)
	require.True(t, ok)
	assert.Equal(t, 501, perr.Status)
}

func TestParseUnsupportedVersionIs505(t *testing.T) {
	req := "GET / HTTP/2.0\r\nHost: h\r\n\r\n"
	_, err := parseAll(t, []byte(req), DefaultLimits())
	perr, ok := err.(*ParseError)
	require.True(t, ok)
	assert.Equal(t, 505, perr.Status)
}

func TestParseTargetTooLongIs414(t *testing.T) {
	longPath := "/" + strings.Repeat("a", 9000)
	req := "GET " + longPath + " HTTP/1.1\r\nHost: h\r\n\r\n"
	_, err := parseAll(t, []byte(req), DefaultLimits())
	perr, ok := err.(*ParseError)
	require.True(t, ok)
	assert.Equal(t, 414, perr.Status)
}

func TestParseDuplicateContentLengthIs400(t *testing.T) {
	req := "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\nContent-Length: 5\r\n\r\nhello"
	_, err := parseAll(t, []byte(req), DefaultLimits())
	perr, ok := err.(*ParseError)
	require.True(t, ok)
	assert.Equal(t, 400, perr.Status)
}

func TestParseContentLengthAndTransferEncodingConflictIs400(t *testing.T) {
	req := "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\nhello"
	_, err := parseAll(t, []byte(req), DefaultLimits())
	perr, ok := err.(*ParseError)
	require.True(t, ok)
	assert.Equal(t, 400, perr.Status)
}

func TestParseFixedLengthBody(t *testing.T) {
	req := "POST /upload HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nhello"
	p, err := parseAll(t, []byte(req), DefaultLimits())
	require.NoError(t, err)
	r := p.Request()
	require.NotNil(t, r.BodyStore)
	require.True(t, r.BodyStore.Sealed())
	f, err := r.BodyStore.OpenForRead()
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestParseChunkedBody(t *testing.T) {
	req := "POST /upload HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	p, err := parseAll(t, []byte(req), DefaultLimits())
	require.NoError(t, err)
	r := p.Request()
	require.NotNil(t, r.BodyStore)
	f, err := r.BodyStore.OpenForRead()
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestChunkedZeroChunkLeavesTrailingBytesUnconsumed(t *testing.T) {
	body := "0\r\n\r\nGET /next HTTP/1.1\r\n"
	req := "POST /upload HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n" + body
	limits := DefaultLimits()
	var store *memStore
	p := NewParser(limits, func() BodyStore {
		store = newMemStore(limits.MaxBodyBytes)
		return store
	})
	n, err := p.Feed([]byte(req))
	require.NoError(t, err)
	require.True(t, p.Ready())
	leftover := req[n:]
	assert.Equal(t, "GET /next HTTP/1.1\r\n", leftover)
}

func TestBodyExceedingLimitIs413(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxBodyBytes = 4
	req := "POST /upload HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nhello"
	_, err := parseAll(t, []byte(req), limits)
	perr, ok := err.(*ParseError)
	require.True(t, ok)
	assert.Equal(t, 413, perr.Status)
	assert.False(t, perr.FatalFraming)
}

func TestIncrementalFeedAcrossMultipleCalls(t *testing.T) {
	req := "GET /a HTTP/1.1\r\nHost: h\r\n\r\n"
	limits := DefaultLimits()
	p := NewParser(limits, func() BodyStore { return newMemStore(limits.MaxBodyBytes) })

	// Make one more byte available per call, re-feeding the unconsumed
	// tail each time, to exercise resumable parsing.
	total := 0
	for i := 0; i < len(req); i++ {
		n, err := p.Feed([]byte(req[total : i+1]))
		require.NoError(t, err)
		total += n
		if p.Ready() {
			break
		}
	}
	require.True(t, p.Ready())
	assert.Equal(t, "/a", p.Request().Path)
}

func TestQueryStringSplit(t *testing.T) {
	req := "GET /search?q=go&lang=en HTTP/1.1\r\nHost: h\r\n\r\n"
	p, err := parseAll(t, []byte(req), DefaultLimits())
	require.NoError(t, err)
	r := p.Request()
	assert.Equal(t, "/search", r.Path)
	assert.Equal(t, "q=go&lang=en", r.Query)
}

func TestContentTypeParamsParsed(t *testing.T) {
	req := "POST /upload HTTP/1.1\r\nHost: h\r\nContent-Type: multipart/form-data; boundary=XYZ\r\nContent-Length: 0\r\n\r\n"
	p, err := parseAll(t, []byte(req), DefaultLimits())
	require.NoError(t, err)
	r := p.Request()
	assert.True(t, r.ContentType.IsMultipartForm())
	assert.Equal(t, "XYZ", r.ContentType.Param("boundary"))
}
