package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"siteops/internal/logging"
	"siteops/internal/metrics"
	"siteops/pkg/fileutil"
)

const (
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 30 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	RequestTimeout = 60 * time.Second

	// DefaultRateLimit is requests per minute per client.
	DefaultRateLimit = 600
)

// Options configures a Server.
type Options struct {
	// Root is the directory served as static content.
	Root string
	// Port is the plain HTTP listener. With TLS enabled it only redirects.
	Port int
	// HTTPSPort is the TLS listener, used when both CertFile and KeyFile
	// are set.
	HTTPSPort int
	CertFile  string
	KeyFile   string
	// RateLimit is requests per minute per client. Zero disables limiting.
	RateLimit int
}

// TLS reports whether the options enable the TLS listener.
func (o Options) TLS() bool {
	return o.CertFile != "" && o.KeyFile != ""
}

// Server is the remote application server.
type Server struct {
	Options Options
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	Now     func() time.Time
}

// New validates opts and returns a Server.
func New(opts Options, m *metrics.Metrics, logger zerolog.Logger) (*Server, error) {
	if !fileutil.DirExists(opts.Root) {
		return nil, fmt.Errorf("content root %s is not a directory", opts.Root)
	}
	if (opts.CertFile == "") != (opts.KeyFile == "") {
		return nil, errors.New("both a certificate and a key are required for TLS")
	}
	if opts.TLS() && opts.HTTPSPort == 0 {
		opts.HTTPSPort = 443
	}
	return &Server{
		Options: opts,
		Metrics: m,
		Logger:  logging.Component(logger, "webserver"),
	}, nil
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Protocol is the value reported by /health.
func (s *Server) Protocol() string {
	if s.Options.TLS() {
		return "HTTPS"
	}
	return "HTTP"
}

// Router serves /health and the static content.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(RequestLogger(s.Logger, s.Metrics))
	if s.Options.RateLimit > 0 {
		r.Use(RateLimit(NewRateLimiter(s.Options.RateLimit), s.Logger))
	}

	r.Get("/health", s.HandleHealth)
	r.Handle("/*", http.FileServer(http.Dir(s.Options.Root)))
	return r
}

// RedirectRouter answers every request with a 301 to the HTTPS origin.
func (s *Server) RedirectRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(s.Logger, s.Metrics))
	r.Handle("/*", http.HandlerFunc(s.HandleRedirect))
	return r
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Protocol  string `json:"protocol"`
}

// HandleHealth reports liveness.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: s.now().Format(time.RFC3339),
		Protocol:  s.Protocol(),
	})
}

// HandleRedirect sends the client to the same path over HTTPS on the
// request's host.
func (s *Server) HandleRedirect(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if s.Options.HTTPSPort != 0 && s.Options.HTTPSPort != 443 {
		host = net.JoinHostPort(host, fmt.Sprint(s.Options.HTTPSPort))
	}
	http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) httpServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}
}

// ListenAndServe runs until ctx is cancelled or the main listener fails.
// With TLS the redirect listener runs in the background and the TLS
// listener in the foreground; a failing redirect listener is logged and
// does not stop the TLS one.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var servers []*http.Server
	var main *http.Server
	serveMain := func() error { return main.ListenAndServe() }

	if s.Options.TLS() {
		redirect := s.httpServer(fmt.Sprintf(":%d", s.Options.Port), s.RedirectRouter())
		servers = append(servers, redirect)
		go func() {
			s.Logger.Info().Str("addr", redirect.Addr).Msg("HTTP redirect listener starting")
			if err := redirect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error().Err(err).Msg("HTTP redirect listener failed")
			}
		}()
		main = s.httpServer(fmt.Sprintf(":%d", s.Options.HTTPSPort), s.Router())
		serveMain = func() error { return main.ListenAndServeTLS(s.Options.CertFile, s.Options.KeyFile) }
	} else {
		main = s.httpServer(fmt.Sprintf(":%d", s.Options.Port), s.Router())
	}
	servers = append(servers, main)

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			srv.Shutdown(shutdownCtx)
		}
	}()

	s.Logger.Info().Str("addr", main.Addr).Str("protocol", s.Protocol()).Str("root", s.Options.Root).Msg("server starting")
	if err := serveMain(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}
