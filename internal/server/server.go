package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"bufio"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"camwatch/internal/observability/metrics"
	"camwatch/internal/statusapi"
	"camwatch/internal/stream"
)

// TLSConfig defines certificate files that enable TLS for the HTTP listener
// created by New. When both CertFile and KeyFile are provided the server
// starts with TLS; otherwise it falls back to plain HTTP on Config.Addr.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config aggregates the dependencies and settings required to construct a
// Server: the listen address, TLS material, rate limiting, CORS and
// security-header policy, structured logging and the shared metrics
// recorder (defaulting to metrics.Default when nil).
type Config struct {
	Addr      string
	WSPath    string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Server wraps the configured http.Server alongside observability and rate
// limiting derived from Config. It exposes lifecycle methods for starting
// and gracefully shutting down the listener created by New.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	ipResolver  *clientIPResolver
	tlsCertFile string
	tlsKeyFile  string
}

// New wires the HTTP router and middleware chain for camwatch's external
// surface (spec.md §6): the `/ws` camera ingest upgrade, the streaming and
// snapshot endpoints, the status & control API, and a Prometheus-style
// metrics endpoint. wsHandler performs the WebSocket upgrade and owns the
// per-connection read loop (cmd/server wires it to a fresh internal/ingest
// Admitter per connection); streamSrv and statusSrv are the already-built
// internal/stream and internal/statusapi servers.
func New(cfg Config, wsHandler http.HandlerFunc, streamSrv *stream.Server, statusSrv *statusapi.Server) (*Server, error) {
	if wsHandler == nil {
		return nil, errors.New("ws handler is required")
	}
	if streamSrv == nil {
		return nil, errors.New("stream server is required")
	}
	if statusSrv == nil {
		return nil, errors.New("status api server is required")
	}

	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	wsPath := cfg.WSPath
	if wsPath == "" {
		wsPath = "/ws"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, wsHandler)
	mux.HandleFunc("/esp32_video_feed", streamSrv.ServeVideoFeed)
	mux.HandleFunc("/esp32_frame", streamSrv.ServeFrame)
	mux.HandleFunc("/performance_stats", statusSrv.PerformanceStats)
	mux.HandleFunc("/health", statusSrv.Health)
	mux.HandleFunc("/system_info", statusSrv.SystemInfo)
	mux.HandleFunc("/reset_stats", statusSrv.ResetStats)
	mux.HandleFunc("/frame_rate_control", statusSrv.FrameRateControl)
	mux.HandleFunc("/image_enhancement", statusSrv.ImageEnhancement)
	mux.HandleFunc("/image_enhancement/mode", statusSrv.ImageEnhancementMode)
	mux.HandleFunc("/security_recording/", statusSrv.SecurityRecording)
	mux.Handle("/metrics", recorder.Handler())

	rl := newRateLimiter(cfg.RateLimit)
	ipResolver, err := newClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("configure client ip resolver: %w", err)
	}
	corsPolicy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors policy: %w", err)
	}

	// Built inside-out so the chain executes logging -> request ID ->
	// metrics -> rate limit -> CORS -> security headers -> mux, outermost
	// first, matching the teacher's logging-outermost middleware order.
	handlerChain := http.Handler(mux)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = corsMiddleware(corsPolicy, cfg.Logger, handlerChain)
	handlerChain = rateLimitMiddleware(rl, ipResolver, cfg.Logger, handlerChain)
	handlerChain = metricsMiddleware(recorder, handlerChain)
	handlerChain = requestIDMiddleware(cfg.Logger, handlerChain)
	handlerChain = loggingMiddleware(cfg.Logger, ipResolver, handlerChain)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: handlerChain,
		// The video feed and the producer's WebSocket upload are both
		// long-lived streaming connections; a fixed WriteTimeout/ReadTimeout
		// would sever them mid-stream, so only header reads are bounded.
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		metrics:     recorder,
		rateLimiter: rl,
		ipResolver:  ipResolver,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// HTTPServer exposes the configured *http.Server for callers that drive the
// listener lifecycle themselves (cmd/server uses internal/serverutil.Run).
func (s *Server) HTTPServer() *http.Server { return s.httpServer }

// TLSFiles returns the certificate and key paths configured for this
// server, or two empty strings if TLS is disabled.
func (s *Server) TLSFiles() (certFile, keyFile string) {
	return s.tlsCertFile, s.tlsKeyFile
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func loggingMiddleware(logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := newStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)
		duration := time.Since(start)
		ip, source := resolveClientIP(r, resolver)
		loggerWithRequestContext(r.Context(), logger).Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration_ms", duration.Milliseconds(),
			"remote_ip", ip,
			"ip_source", source)
	})
}

func metricsMiddleware(recorder *metrics.Recorder, next http.Handler) http.Handler {
	if recorder == nil {
		recorder = metrics.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := newStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(sr, r)
		recorder.ObserveRequest(r.Method, r.URL.Path, sr.status, time.Since(start))
	})
}

func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeJSONError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Flush() {
	if flusher, ok := sr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (sr *statusRecorder) ReadFrom(r io.Reader) (int64, error) {
	if readerFrom, ok := sr.ResponseWriter.(io.ReaderFrom); ok {
		return readerFrom.ReadFrom(r)
	}
	return io.Copy(sr.ResponseWriter, r)
}

const (
	ipSourceRemoteAddr    = "remote_addr"
	ipSourceXForwardedFor = "x_forwarded_for"
	ipSourceXRealIP       = "x_real_ip"
)

// clientIPResolver resolves the client IP recorded in request logs,
// optionally trusting forwarding headers from a set of
// known reverse proxies (spec.md carries no auth/session layer, so this
// exists purely for accurate operator-facing logs).
type clientIPResolver struct {
	trustForwarded bool
	trustedNets    []*net.IPNet
}

func newClientIPResolver(cfg RateLimitConfig) (*clientIPResolver, error) {
	resolver := &clientIPResolver{trustForwarded: cfg.TrustForwardedHeaders}
	for _, raw := range cfg.TrustedProxies {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		if _, network, err := net.ParseCIDR(trimmed); err == nil {
			resolver.trustedNets = append(resolver.trustedNets, network)
			continue
		}
		ip := net.ParseIP(trimmed)
		if ip == nil {
			return nil, fmt.Errorf("parse trusted proxy %q: invalid address", trimmed)
		}
		maskSize := 128
		if ip.To4() != nil {
			maskSize = 32
		}
		resolver.trustedNets = append(resolver.trustedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(maskSize, maskSize)})
	}
	return resolver, nil
}

func (r *clientIPResolver) ClientIPFromRequest(req *http.Request) (string, string) {
	if req == nil {
		return "", ipSourceRemoteAddr
	}
	if r != nil && r.shouldTrust(req.RemoteAddr) {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for _, part := range parts {
				trimmed := strings.TrimSpace(part)
				if trimmed != "" {
					return trimmed, ipSourceXForwardedFor
				}
			}
		}
		if xrip := strings.TrimSpace(req.Header.Get("X-Real-IP")); xrip != "" {
			return xrip, ipSourceXRealIP
		}
	}
	return clientIP(req.RemoteAddr), ipSourceRemoteAddr
}

func (r *clientIPResolver) shouldTrust(remoteAddr string) bool {
	if r == nil {
		return false
	}
	if r.trustForwarded {
		return true
	}
	if len(r.trustedNets) == 0 {
		return false
	}
	host := clientIP(remoteAddr)
	if host == "" {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, network := range r.trustedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func resolveClientIP(r *http.Request, resolver *clientIPResolver) (string, string) {
	if resolver == nil {
		return clientIP(r.RemoteAddr), ipSourceRemoteAddr
	}
	return resolver.ClientIPFromRequest(r)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
