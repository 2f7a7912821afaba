package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kztakada/webserv/internal/httpmsg"
)

func methodSet(methods ...httpmsg.Method) map[httpmsg.Method]bool {
	out := make(map[httpmsg.Method]bool, len(methods))
	for _, m := range methods {
		out[m] = true
	}
	return out
}

func buildTestTable() *Table {
	ep := Endpoint{IP: "127.0.0.1", Port: 8080}

	main := &VirtualServer{
		Endpoints:   []Endpoint{ep},
		ServerNames: []string{"example.com"},
		Default:     true,
		Locations: []*Location{
			{PathPattern: "/", AllowedMethods: methodSet(httpmsg.MethodGet, httpmsg.MethodHead), RootDir: "/var/www"},
			{PathPattern: "/static/", AllowedMethods: methodSet(httpmsg.MethodGet, httpmsg.MethodHead), RootDir: "/var/www/static"},
			{PathPattern: "/upload/", AllowedMethods: methodSet(httpmsg.MethodPost), UploadStore: "/var/uploads"},
			{PathPattern: "/cgi-bin/", AllowedMethods: methodSet(httpmsg.MethodGet, httpmsg.MethodPost),
				RootDir: "/var/www/cgi-bin", CGIExtensions: map[string]string{".py": "/usr/bin/python3"}},
			{PathPattern: "/old", Redirect: &Redirect{URL: "/new", Status: 301}, AllowedMethods: methodSet(httpmsg.MethodGet),
				CGIExtensions: map[string]string{".py": "/usr/bin/python3"}},
			{PathPattern: ".php", BackwardSearch: true, AllowedMethods: methodSet(httpmsg.MethodGet),
				CGIExtensions: map[string]string{".php": "/usr/bin/php-cgi"}},
		},
	}

	other := &VirtualServer{
		Endpoints:   []Endpoint{ep},
		ServerNames: []string{"other.example.com"},
		Locations: []*Location{
			{PathPattern: "/", AllowedMethods: methodSet(httpmsg.MethodGet), RootDir: "/var/www/other"},
		},
	}

	return NewTable([]*VirtualServer{main, other})
}

func req(method httpmsg.Method, path string) *httpmsg.Request {
	h := httpmsg.NewHeader()
	return &httpmsg.Request{Method: method, Path: path, Header: h}
}

func TestSelectServerByHostHeader(t *testing.T) {
	table := buildTestTable()
	r := New(table)
	ep := Endpoint{IP: "127.0.0.1", Port: 8080}

	routing, ok := r.Route(ep, "other.example.com", req(httpmsg.MethodGet, "/"))
	require.True(t, ok)
	assert.Equal(t, "/var/www/other", routing.Location.RootDir)
}

func TestUnmatchedHostFallsToDefault(t *testing.T) {
	table := buildTestTable()
	r := New(table)
	ep := Endpoint{IP: "127.0.0.1", Port: 8080}

	routing, ok := r.Route(ep, "unknown.example.com", req(httpmsg.MethodGet, "/"))
	require.True(t, ok)
	assert.Equal(t, "/var/www", routing.Location.RootDir)
}

func TestLongestForwardMatchWins(t *testing.T) {
	table := buildTestTable()
	r := New(table)
	ep := Endpoint{IP: "127.0.0.1", Port: 8080}

	routing, ok := r.Route(ep, "example.com", req(httpmsg.MethodGet, "/static/img.png"))
	require.True(t, ok)
	assert.Equal(t, "/static/", routing.Location.PathPattern)
}

func TestSuffixMatchUsedWhenNoForwardMatches(t *testing.T) {
	table := buildTestTable()
	r := New(table)
	ep := Endpoint{IP: "127.0.0.1", Port: 8080}

	routing, ok := r.Route(ep, "example.com", req(httpmsg.MethodGet, "/blog/post.php"))
	require.True(t, ok)
	assert.Equal(t, ExecuteCGI, routing.Action)
	assert.Equal(t, "/blog/post.php", routing.ScriptPath)
}

func TestMultipartPostWithUploadStoreRoutesStoreBody(t *testing.T) {
	table := buildTestTable()
	r := New(table)
	ep := Endpoint{IP: "127.0.0.1", Port: 8080}

	request := req(httpmsg.MethodPost, "/upload/")
	request.ContentType = httpmsg.ContentType{Media: "multipart/form-data"}

	routing, ok := r.Route(ep, "example.com", request)
	require.True(t, ok)
	assert.Equal(t, StoreBody, routing.Action)
	assert.Equal(t, "/var/uploads", routing.Upload.DestinationDir)
}

func TestRedirectLocationTakesPrecedenceOverCGI(t *testing.T) {
	table := buildTestTable()
	r := New(table)
	ep := Endpoint{IP: "127.0.0.1", Port: 8080}

	routing, ok := r.Route(ep, "example.com", req(httpmsg.MethodGet, "/old/run.py"))
	require.True(t, ok)
	assert.Equal(t, RedirectAction, routing.Action)
	assert.Equal(t, "/new", routing.Location.Redirect.URL)
}

func TestCGIScriptAndPathInfoSplit(t *testing.T) {
	table := buildTestTable()
	r := New(table)
	ep := Endpoint{IP: "127.0.0.1", Port: 8080}

	routing, ok := r.Route(ep, "example.com", req(httpmsg.MethodGet, "/cgi-bin/echo.py/extra"))
	require.True(t, ok)
	assert.Equal(t, ExecuteCGI, routing.Action)
	assert.Equal(t, "/cgi-bin/echo.py", routing.ScriptPath)
	assert.Equal(t, "/extra", routing.PathInfo)
}

func TestDefaultPathServesStatic(t *testing.T) {
	table := buildTestTable()
	r := New(table)
	ep := Endpoint{IP: "127.0.0.1", Port: 8080}

	routing, ok := r.Route(ep, "example.com", req(httpmsg.MethodGet, "/about.html"))
	require.True(t, ok)
	assert.Equal(t, ServeStatic, routing.Action)
	assert.Equal(t, "/", routing.Location.PathPattern)
}

func TestStripLocationPrefixForwardMatch(t *testing.T) {
	loc := &Location{PathPattern: "/static/"}
	assert.Equal(t, "img.png", StripLocationPrefix(loc, "/static/img.png"))
}

func TestStripLocationPrefixBackwardMatchReturnsFullPath(t *testing.T) {
	loc := &Location{PathPattern: ".php", BackwardSearch: true}
	assert.Equal(t, "/blog/post.php", StripLocationPrefix(loc, "/blog/post.php"))
}

func TestNoMatchingLocationReturnsNotOK(t *testing.T) {
	table := NewTable([]*VirtualServer{{
		Endpoints: []Endpoint{{IP: "127.0.0.1", Port: 80}},
		Default:   true,
		Locations: []*Location{{PathPattern: "/only", AllowedMethods: methodSet(httpmsg.MethodGet)}},
	}})
	r := New(table)
	_, ok := r.Route(Endpoint{IP: "127.0.0.1", Port: 80}, "h", req(httpmsg.MethodGet, "/elsewhere"))
	assert.False(t, ok)
}
