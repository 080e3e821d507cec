package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/XueKirby/mastodon-streaming/pkg/logging"
	"github.com/XueKirby/mastodon-streaming/pkg/monitoring"
)

func TestSetupServiceRouter(t *testing.T) {
	logger := logging.NewLogger()
	hc := monitoring.NewHealthChecker("server-test", "v1")
	mc := monitoring.NewMetricsCollector("server_test_router", "v1", "abc")
	r := SetupServiceRouter(logger, "server-test", hc, mc)
	r.GET("/ping", func(c *gin.Context) { c.String(200, "pong") })

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/ping", nil)
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("X-Request-Id"); got == "" {
		t.Fatalf("expected request id header to be set")
	}
}

func TestListenUnixSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "streaming.sock")
	cfg := DefaultConfig("server-test", "", socket)

	ln, err := listen(cfg)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	info, err := os.Stat(socket)
	if err != nil {
		t.Fatalf("socket missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o666 {
		t.Fatalf("socket mode = %o, want 666", perm)
	}
	ln.Close()

	// A stale socket file left behind by a previous run must not block
	// the next bind.
	if err := os.WriteFile(socket, nil, 0o600); err != nil {
		t.Fatalf("failed to plant stale socket: %v", err)
	}
	ln, err = listen(cfg)
	if err != nil {
		t.Fatalf("listen over stale socket failed: %v", err)
	}
	ln.Close()
}

func TestStartServesAndShutsDown(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "streaming.sock")
	logger := logging.NewLogger()
	hc := monitoring.NewHealthChecker("server-test", "v1")
	mc := monitoring.NewMetricsCollector("server_test_start", "v1", "abc")
	router := SetupServiceRouter(logger, "server-test", hc, mc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Start(ctx, DefaultConfig("server-test", "", socket), router, logger)
	}()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return net.Dial("unix", socket)
		},
	}}

	var resp *http.Response
	var err error
	for i := 0; i < 100; i++ {
		resp, err = client.Get("http://unix/health")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health returned %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
}
