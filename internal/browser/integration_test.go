//go:build integration

package browser

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

// startPageServer serves a tiny page with one image-like element and a
// script that throws once loaded.
func startPageServer(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><body><p id="msg">hello</p>
<script>setTimeout(function(){ throw new Error("late failure") }, 10)</script>
</body></html>`)
	})}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return l.Addr().(*net.TCPAddr).Port
}

func newIntegrationManager(t *testing.T) *Manager {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	m, err := NewManager(ctx, Options{
		CDPURL:   os.Getenv("CDP_URL"),
		ExecPath: os.Getenv("CHROME_BIN"),
		Headless: true,
		Host:     "127.0.0.1",
	}, testLogger())
	if err != nil {
		t.Skipf("chrome not available: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestIntegration_OpenEvaluateClose(t *testing.T) {
	m := newIntegrationManager(t)
	port := startPageServer(t)
	ctx := context.Background()

	s, err := m.Open(ctx, port, "/")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	text, err := s.EvalString(ctx, `document.querySelector('#msg').textContent`)
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	if text != "hello" {
		t.Errorf("expected hello, got %q", text)
	}

	n, err := s.EvalNumber(ctx, `1 + 2`)
	if err != nil || n != 3 {
		t.Errorf("expected 3, got %v (%v)", n, err)
	}

	err = s.Evaluate(ctx, `(() => { throw new Error("nope") })()`, nil)
	if !errors.Is(err, ErrEvaluation) {
		t.Errorf("expected ErrEvaluation for thrown exception, got %v", err)
	}

	img, err := s.Screenshot(ctx)
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if len(img) < 2 || img[0] != 0xFF || img[1] != 0xD8 {
		t.Error("expected JPEG data")
	}

	time.Sleep(200 * time.Millisecond)
	found := false
	for _, e := range s.PageErrors() {
		if strings.Contains(e, "late failure") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected uncaught exception to be recorded, got %v", s.PageErrors())
	}

	_ = s.Close()
	if m.OpenSessions() != 0 {
		t.Errorf("expected 0 open sessions, got %d", m.OpenSessions())
	}
}

func TestIntegration_OpenRefusedPort(t *testing.T) {
	m := newIntegrationManager(t)
	l, _ := net.Listen("tcp", "127.0.0.1:0")
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	_, err := m.Open(context.Background(), port, "/")
	if !errors.Is(err, ErrNavigation) {
		t.Fatalf("expected ErrNavigation, got %v", err)
	}
	if m.OpenSessions() != 0 {
		t.Errorf("failed open should not leak a session, got %d", m.OpenSessions())
	}
	if _, err := m.ListTargets(); err != nil {
		t.Errorf("ListTargets: %v", err)
	}
}
