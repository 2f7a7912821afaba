package processor

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kztakada/webserv/internal/httpmsg"
	"github.com/kztakada/webserv/internal/router"
)

func methodSet(methods ...httpmsg.Method) map[httpmsg.Method]bool {
	out := make(map[httpmsg.Method]bool, len(methods))
	for _, m := range methods {
		out[m] = true
	}
	return out
}

func staticRouting(root string, methods ...httpmsg.Method) *router.LocationRouting {
	loc := &router.Location{PathPattern: "/", RootDir: root, AllowedMethods: methodSet(methods...)}
	vs := &router.VirtualServer{Default: true}
	return &router.LocationRouting{Server: vs, Location: loc, Action: router.ServeStatic}
}

func req(method httpmsg.Method, path string) *httpmsg.Request {
	return &httpmsg.Request{Method: method, Path: path, Header: httpmsg.NewHeader()}
}

func readAll(t *testing.T, resp *httpmsg.Response) []byte {
	t.Helper()
	switch resp.Body.Kind {
	case httpmsg.BodyInMemory:
		return resp.Body.Bytes
	case httpmsg.BodyFile:
		defer resp.Body.File.Close()
		data, err := io.ReadAll(resp.Body.File)
		require.NoError(t, err)
		return data
	}
	return nil
}

func TestServeStaticFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("hello world"), 0o644))

	p := New(nil)
	routing := staticRouting(dir, httpmsg.MethodGet, httpmsg.MethodHead)
	result, err := p.Dispatch(routing, req(httpmsg.MethodGet, "/file.txt"))
	require.NoError(t, err)
	require.NotNil(t, result.Response)
	assert.Equal(t, 200, result.Response.Status.Code)
	ct, _ := result.Response.Header.Get("Content-Type")
	assert.Equal(t, "text/plain", ct)
	assert.Equal(t, "hello world", string(readAll(t, result.Response)))
}

func TestServeStaticDirectoryIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>hi</h1>"), 0o644))

	p := New(nil)
	routing := staticRouting(dir, httpmsg.MethodGet)
	routing.Location.IndexPages = []string{"index.html"}
	result, err := p.Dispatch(routing, req(httpmsg.MethodGet, "/"))
	require.NoError(t, err)
	assert.Equal(t, 200, result.Response.Status.Code)
	assert.Equal(t, "<h1>hi</h1>", string(readAll(t, result.Response)))
}

func TestServeStaticAutoIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	p := New(nil)
	routing := staticRouting(dir, httpmsg.MethodGet)
	routing.Location.AutoIndex = true
	result, err := p.Dispatch(routing, req(httpmsg.MethodGet, "/"))
	require.NoError(t, err)
	assert.Equal(t, 200, result.Response.Status.Code)
	body := string(readAll(t, result.Response))
	assert.Contains(t, body, "a.txt")
	assert.Contains(t, body, "sub/")
}

func TestServeStaticDirectoryForbiddenWithoutAutoIndex(t *testing.T) {
	dir := t.TempDir()
	p := New(nil)
	routing := staticRouting(dir, httpmsg.MethodGet)
	result, err := p.Dispatch(routing, req(httpmsg.MethodGet, "/"))
	require.NoError(t, err)
	assert.Equal(t, 403, result.Response.Status.Code)
}

func TestServeStaticMethodNotAllowed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0o644))

	p := New(nil)
	routing := staticRouting(dir, httpmsg.MethodGet)
	result, err := p.Dispatch(routing, req(httpmsg.MethodPost, "/f.txt"))
	require.NoError(t, err)
	assert.Equal(t, 405, result.Response.Status.Code)
	allow, ok := result.Response.Header.Get("Allow")
	require.True(t, ok)
	assert.Equal(t, "GET", allow)
}

func TestServeStaticDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	p := New(nil)
	routing := staticRouting(dir, httpmsg.MethodGet, httpmsg.MethodDelete)
	result, err := p.Dispatch(routing, req(httpmsg.MethodDelete, "/f.txt"))
	require.NoError(t, err)
	assert.Equal(t, 204, result.Response.Status.Code)
	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeleteOnDirectoryIsForbidden(t *testing.T) {
	dir := t.TempDir()
	p := New(nil)
	routing := staticRouting(dir, httpmsg.MethodGet, httpmsg.MethodDelete)
	result, err := p.Dispatch(routing, req(httpmsg.MethodDelete, "/"))
	require.NoError(t, err)
	assert.Equal(t, 403, result.Response.Status.Code)
}

func TestRedirectAction(t *testing.T) {
	p := New(nil)
	loc := &router.Location{PathPattern: "/old", Redirect: &router.Redirect{URL: "/new", Status: 301}}
	routing := &router.LocationRouting{Location: loc, Action: router.RedirectAction}
	result, err := p.Dispatch(routing, req(httpmsg.MethodGet, "/old"))
	require.NoError(t, err)
	assert.Equal(t, 301, result.Response.Status.Code)
	loc2, ok := result.Response.Header.Get("Location")
	require.True(t, ok)
	assert.Equal(t, "/new", loc2)
}

func TestExecuteCGIReturnsHandoff(t *testing.T) {
	p := New(nil)
	loc := &router.Location{PathPattern: "/cgi-bin/", RootDir: "/var/www/cgi-bin"}
	routing := &router.LocationRouting{Location: loc, Action: router.ExecuteCGI, ScriptPath: "/cgi-bin/a.py", PathInfo: "/x", CGIExec: "/usr/bin/python3"}
	result, err := p.Dispatch(routing, req(httpmsg.MethodGet, "/cgi-bin/a.py/x"))
	require.NoError(t, err)
	require.Nil(t, result.Response)
	require.NotNil(t, result.CGI)
	assert.Equal(t, "/cgi-bin/a.py", result.CGI.ScriptPath)
	assert.Equal(t, "/var/www/cgi-bin/a.py", result.CGI.ScriptFSPath)
	assert.Equal(t, "/x", result.CGI.PathInfo)
}

type memStore struct {
	buf    []byte
	sealed bool
}

func newMemStore(data string) *memStore {
	return &memStore{buf: []byte(data), sealed: true}
}

func (m *memStore) Append(b []byte) error { m.buf = append(m.buf, b...); return nil }
func (m *memStore) Finish() error         { m.sealed = true; return nil }
func (m *memStore) Sealed() bool          { return m.sealed }
func (m *memStore) Size() int64           { return int64(len(m.buf)) }
func (m *memStore) Discard() error        { return nil }
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

func buildMultipartBody(boundary, filename, fileContent string) string {
	return "--" + boundary + "\r\n" +
		`Content-Disposition: form-data; name="file"; filename="` + filename + `"` + "\r\n" +
		"Content-Type: text/plain\r\n\r\n" +
		fileContent + "\r\n" +
		"--" + boundary + "\r\n" +
		`Content-Disposition: form-data; name="note"` + "\r\n\r\n" +
		"ignored\r\n" +
		"--" + boundary + "--\r\n"
}

func TestFinalizeMultipartPromotesFilePart(t *testing.T) {
	dir := t.TempDir()
	boundary := "XYZ"
	body := buildMultipartBody(boundary, "upload.txt", "file contents here")

	p := New(nil)
	r := req(httpmsg.MethodPost, "/upload/")
	r.ContentType = httpmsg.ContentType{Media: "multipart/form-data", Params: map[string]string{"boundary": boundary}}
	r.BodyStore = newMemStore(body)

	routing := &router.LocationRouting{
		Action: router.StoreBody,
		Upload: &router.UploadContext{DestinationDir: dir, AllowOverwrite: false},
	}

	result, err := p.Dispatch(routing, r)
	require.NoError(t, err)
	require.NotNil(t, result.Response)
	assert.Equal(t, 204, result.Response.Status.Code)

	data, err := os.ReadFile(filepath.Join(dir, "upload.txt"))
	require.NoError(t, err)
	assert.Equal(t, "file contents here", string(data))
}

func TestFinalizeMultipartMissingBoundaryIs400(t *testing.T) {
	dir := t.TempDir()
	p := New(nil)
	r := req(httpmsg.MethodPost, "/upload/")
	r.ContentType = httpmsg.ContentType{Media: "multipart/form-data"}
	r.BodyStore = newMemStore("")

	routing := &router.LocationRouting{
		Server: &router.VirtualServer{},
		Location: &router.Location{},
		Action:   router.StoreBody,
		Upload:   &router.UploadContext{DestinationDir: dir},
	}

	result, err := p.Dispatch(routing, r)
	require.NoError(t, err)
	assert.Equal(t, 400, result.Response.Status.Code)
}
