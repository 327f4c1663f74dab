package proxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/kdhira/llmproxy/internal/config"
	"github.com/kdhira/llmproxy/internal/events"
	"github.com/kdhira/llmproxy/internal/logging"
	"github.com/kdhira/llmproxy/internal/sink"
)

// recordingSink captures every emitted event for assertions in place of the
// FileSink/Async combination used in production.
type recordingSink struct {
	mu        sync.Mutex
	requests  []events.HttpRequestEvent
	responses []events.HttpResponseEvent
}

func (r *recordingSink) OnHttpRequest(evt events.HttpRequestEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, evt)
}

func (r *recordingSink) OnHttpResponse(evt events.HttpResponseEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, evt)
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) snapshot() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests), len(r.responses)
}

func newTestServer(t *testing.T, evtSink sink.Sink) (*Server, string) {
	t.Helper()
	cfg := config.Config{
		Addr:         "127.0.0.1:0",
		CADir:        t.TempDir(),
		AllowHosts:   []string{"*"},
		ExcerptLimit: 4096,
	}
	logger := logging.New(false)
	srv, err := NewServer(cfg, logger, evtSink)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln := httptest.NewUnstartedServer(srv.handler)
	ln.Config = srv.httpServer
	ln.Start()
	t.Cleanup(ln.Close)
	return srv, ln.URL
}

func TestPlainHTTPForwardsAndEmitsEvents(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "1")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"text":"hi"}]}`))
	}))
	defer upstream.Close()

	rs := &recordingSink{}
	_, proxyAddr := newTestServer(t, rs)
	proxyURL, _ := url.Parse(proxyAddr)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}

	resp, err := client.Get(upstream.URL + "/v1/chat/completions")
	if err != nil {
		t.Fatalf("request via proxy failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	deadline := time.After(time.Second)
	for {
		if reqs, resps := rs.snapshot(); reqs >= 1 && resps >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for async sink events")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPlainHTTPBlockedHost(t *testing.T) {
	cfg := config.Config{
		Addr:         "127.0.0.1:0",
		CADir:        t.TempDir(),
		AllowHosts:   []string{"allowed.example.com"},
		ExcerptLimit: 0,
	}
	logger := logging.New(false)
	srv, err := NewServer(cfg, logger, sink.NullSink{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://blocked.example.com/path", nil)
	req.Host = "blocked.example.com"
	srv.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed host, got %d", rec.Code)
	}
}

func TestUpstreamFailureYieldsSyntheticBadGateway(t *testing.T) {
	rs := &recordingSink{}
	_, proxyAddr := newTestServer(t, rs)
	proxyURL, _ := url.Parse(proxyAddr)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}

	resp, err := client.Get("http://127.0.0.1:1/unreachable")
	if err != nil {
		t.Fatalf("request via proxy failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected synthetic 502, got %d", resp.StatusCode)
	}
}
