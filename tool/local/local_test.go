package local

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderLists(t *testing.T) {
	p := NewProvider()
	defs, err := p.List(context.Background())
	require.NoError(t, err)

	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"port_scan", "http_request", "dns_lookup"}, names)
	for _, d := range defs {
		assert.Equal(t, ProviderName, d.Provider)
		assert.NotEmpty(t, d.Tags)
	}
}

func TestPortScanFindsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port, err := strconv.Atoi(strings.TrimPrefix(ln.Addr().String(), "127.0.0.1:"))
	require.NoError(t, err)

	p := NewProvider()
	result, err := p.Invoke(context.Background(), "port_scan", map[string]any{
		"target":     "127.0.0.1",
		"ports":      []any{float64(port)},
		"timeout_ms": float64(500),
	})
	require.NoError(t, err)

	scan := result.(*PortScanResult)
	require.Len(t, scan.OpenPorts, 1)
	assert.Equal(t, port, scan.OpenPorts[0].Port)
	assert.Equal(t, "open", scan.OpenPorts[0].Status)
	assert.Equal(t, 1, scan.PortsScanned)
}

func TestPortScanRequiresTarget(t *testing.T) {
	p := NewProvider()
	_, err := p.Invoke(context.Background(), "port_scan", map[string]any{})
	assert.Error(t, err)
}

func TestHTTPRequestTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "probemesh", r.Header.Get("X-Scanner"))
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := NewProvider()
	result, err := p.Invoke(context.Background(), "http_request", map[string]any{
		"url":          srv.URL,
		"method":       "post",
		"headers":      map[string]any{"X-Scanner": "probemesh"},
		"query_params": map[string]any{"page": float64(1)},
		"body":         `{"probe":true}`,
	})
	require.NoError(t, err)

	resp := result.(*HTTPResult)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, resp.Body)
	assert.Equal(t, "application/json", resp.ContentType)
	assert.False(t, resp.BodyTruncated)
}

func TestHTTPRequestBodyTruncation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("A", 100)))
	}))
	defer srv.Close()

	p := NewProvider(WithMaxBodyBytes(10))
	result, err := p.Invoke(context.Background(), "http_request", map[string]any{"url": srv.URL})
	require.NoError(t, err)

	resp := result.(*HTTPResult)
	assert.True(t, resp.BodyTruncated)
	assert.Len(t, resp.Body, 10)
}

func TestHTTPRequestNoRedirectFollow(t *testing.T) {
	var mux http.ServeMux
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	p := NewProvider()
	result, err := p.Invoke(context.Background(), "http_request", map[string]any{
		"url":              srv.URL + "/start",
		"follow_redirects": false,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, result.(*HTTPResult).StatusCode)
}

func TestDNSLookupLocalhost(t *testing.T) {
	p := NewProvider()
	result, err := p.Invoke(context.Background(), "dns_lookup", map[string]any{
		"domain": "localhost",
	})
	require.NoError(t, err)

	res := result.(*DNSResult)
	assert.Equal(t, "A", res.RecordType)
	assert.NotEmpty(t, res.Records)
}

func TestDNSLookupUnsupportedType(t *testing.T) {
	p := NewProvider()
	_, err := p.Invoke(context.Background(), "dns_lookup", map[string]any{
		"domain":      "localhost",
		"record_type": "SOA",
	})
	assert.ErrorContains(t, err, "unsupported record type")
}
