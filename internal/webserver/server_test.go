package webserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteops/internal/metrics"
)

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	s, err := New(opts, metrics.New(), zerolog.Nop())
	require.NoError(t, err)
	s.Now = func() time.Time { return time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC) }
	return s
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		protocol string
	}{
		{"plain", Options{Port: 8080}, "HTTP"},
		{"tls", Options{Port: 80, CertFile: "/c.crt", KeyFile: "/c.key"}, "HTTPS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.opts)
			rec := httptest.NewRecorder()
			s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, map[string]string{
				"status":    "healthy",
				"timestamp": "2024-01-15T10:30:00Z",
				"protocol":  tt.protocol,
			}, body)
		})
	}
}

func TestStaticFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>site</h1>"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "css"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "css", "app.css"), []byte("body{}"), 0644))
	s := newTestServer(t, Options{Root: root, Port: 8080})
	h := s.Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>site</h1>", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/css/app.css", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "body{}", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing.js", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.Metrics.HTTPRequests.WithLabelValues("GET", "/*", "404")))
}

func TestRedirect(t *testing.T) {
	tests := []struct {
		name      string
		httpsPort int
		host      string
		target    string
		want      string
	}{
		{"default port", 443, "site.example.com:80", "/docs/a?x=1", "https://site.example.com/docs/a?x=1"},
		{"no port in host", 443, "site.example.com", "/", "https://site.example.com/"},
		{"custom https port", 8443, "site.example.com:8888", "/health", "https://site.example.com:8443/health"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Options{Port: 8888, HTTPSPort: tt.httpsPort, CertFile: "/c", KeyFile: "/k"})
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			req.Host = tt.host
			rec := httptest.NewRecorder()
			s.RedirectRouter().ServeHTTP(rec, req)

			assert.Equal(t, http.StatusMovedPermanently, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get("Location"))
		})
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, Options{Port: 8080, RateLimit: 2})
	h := s.Router()

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "198.51.100.1:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	// Another client has its own budget.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "198.51.100.2:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := start
	rl := NewRateLimiter(2)
	rl.Now = func() time.Time { return clock }

	assert.True(t, rl.Allow("198.51.100.1"))
	assert.True(t, rl.Allow("198.51.100.2"))
	assert.True(t, rl.Allow("198.51.100.2"))
	assert.False(t, rl.Allow("198.51.100.2"))
	assert.Equal(t, 2, rl.Clients())

	clock = start.Add(5 * time.Minute)
	assert.True(t, rl.Allow("198.51.100.1"))
	assert.Equal(t, 2, rl.Clients())

	clock = start.Add(11 * time.Minute)
	assert.True(t, rl.Allow("198.51.100.3"))
	assert.Equal(t, 2, rl.Clients(), "idle client dropped, active one kept")

	// An evicted client starts again with a full bucket.
	assert.True(t, rl.Allow("198.51.100.2"))
	assert.True(t, rl.Allow("198.51.100.2"))
	assert.False(t, rl.Allow("198.51.100.2"))
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Root: filepath.Join(t.TempDir(), "missing")}, nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Options{Root: t.TempDir(), CertFile: "/c.crt"}, nil, zerolog.Nop())
	assert.ErrorContains(t, err, "both a certificate and a key")

	s, err := New(Options{Root: t.TempDir(), CertFile: "/c", KeyFile: "/k"}, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 443, s.Options.HTTPSPort)
}
