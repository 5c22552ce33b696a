package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"camwatch/internal/controller"
	"camwatch/internal/enhancer"
	"camwatch/internal/framebuffer"
	"camwatch/internal/netmetrics"
	"camwatch/internal/observability/metrics"
	"camwatch/internal/ratecontrol"
	"camwatch/internal/ratelog"
	"camwatch/internal/recorder"
	"camwatch/internal/statusapi"
	"camwatch/internal/stream"
)

type noopProcessor struct{}

func (noopProcessor) CurrentFPS() float64 { return 0 }
func (noopProcessor) LastEnhancement() (enhancer.Result, bool) {
	return enhancer.Result{}, false
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDeps(t *testing.T) (http.HandlerFunc, *stream.Server, *statusapi.Server) {
	t.Helper()
	ctl := controller.New(controller.Config{})
	rc := ratecontrol.New(ratecontrol.Config{})
	nm := netmetrics.New(netmetrics.Config{})
	buf := framebuffer.New(framebuffer.Config{})
	met := metrics.New()
	log := ratelog.New(discardLogger())
	rec := recorder.New(recorder.Config{Root: t.TempDir()}, log, met)

	streamSrv := stream.New(buf, ctl, nm, rc, met, 5, func() float64 { return 0 })
	statusSrv := statusapi.New(ctl, rc, nm, buf, met, rec, noopProcessor{}, log)

	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
	})

	return wsHandler, streamSrv, statusSrv
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()
	wsHandler, streamSrv, statusSrv := newTestDeps(t)

	if _, err := New(Config{}, nil, streamSrv, statusSrv); err == nil {
		t.Fatal("expected error when ws handler is nil")
	}
	if _, err := New(Config{}, wsHandler, nil, statusSrv); err == nil {
		t.Fatal("expected error when stream server is nil")
	}
	if _, err := New(Config{}, wsHandler, streamSrv, nil); err == nil {
		t.Fatal("expected error when status api server is nil")
	}
}

func TestNewRegistersExternalSurface(t *testing.T) {
	wsHandler, streamSrv, statusSrv := newTestDeps(t)
	srv, err := New(Config{Addr: ":0"}, wsHandler, streamSrv, statusSrv)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/esp32_frame"},
		{http.MethodGet, "/performance_stats"},
		{http.MethodGet, "/health"},
		{http.MethodGet, "/system_info"},
		{http.MethodGet, "/reset_stats"},
		{http.MethodGet, "/frame_rate_control"},
		{http.MethodGet, "/image_enhancement"},
		{http.MethodGet, "/security_recording/status"},
		{http.MethodGet, "/metrics"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusNotFound {
			t.Fatalf("expected %s %s to be routed, got 404", tc.method, tc.path)
		}
	}
}

func TestGlobalRateLimitReturns429(t *testing.T) {
	wsHandler, streamSrv, statusSrv := newTestDeps(t)
	srv, err := New(Config{RateLimit: RateLimitConfig{GlobalRPS: 1, GlobalBurst: 1}}, wsHandler, streamSrv, statusSrv)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	first := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", second.Code)
	}
}

func TestClientIPResolverIgnoresForwardedByDefault(t *testing.T) {
	resolver, err := newClientIPResolver(RateLimitConfig{})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.10:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	ip, source := resolver.ClientIPFromRequest(req)
	if ip != "198.51.100.10" {
		t.Fatalf("expected remote addr, got %q", ip)
	}
	if source != ipSourceRemoteAddr {
		t.Fatalf("expected source %q, got %q", ipSourceRemoteAddr, source)
	}
}

func TestClientIPResolverTrustsForwardedWhenEnabled(t *testing.T) {
	resolver, err := newClientIPResolver(RateLimitConfig{TrustForwardedHeaders: true})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:1111"
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	ip, source := resolver.ClientIPFromRequest(req)
	if ip != "203.0.113.5" {
		t.Fatalf("expected first forwarded ip, got %q", ip)
	}
	if source != ipSourceXForwardedFor {
		t.Fatalf("expected source %q, got %q", ipSourceXForwardedFor, source)
	}
}

func TestClientIPResolverTrustedProxyCIDR(t *testing.T) {
	resolver, err := newClientIPResolver(RateLimitConfig{TrustedProxies: []string{"10.0.0.0/8"}})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Real-IP", "203.0.113.10")
	ip, source := resolver.ClientIPFromRequest(req)
	if ip != "203.0.113.10" {
		t.Fatalf("expected real ip header, got %q", ip)
	}
	if source != ipSourceXRealIP {
		t.Fatalf("expected source %q, got %q", ipSourceXRealIP, source)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.RemoteAddr = "198.51.100.20:4444"
	req2.Header.Set("X-Forwarded-For", "203.0.113.11")
	ip2, source2 := resolver.ClientIPFromRequest(req2)
	if ip2 != "198.51.100.20" {
		t.Fatalf("expected remote addr for untrusted proxy, got %q", ip2)
	}
	if source2 != ipSourceRemoteAddr {
		t.Fatalf("expected source %q, got %q", ipSourceRemoteAddr, source2)
	}
}
