package dashboard

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pinchtab/pinchcheck/internal/mode"
	"github.com/pinchtab/pinchcheck/internal/report"
)

func newTestServer(token string) *Server {
	return New(token, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sampleReport() *report.Report {
	r := report.New()
	r.Modes = append(r.Modes, report.ModeResult{
		Mode:   mode.Dev,
		Status: report.Passed,
		Cases:  []report.CaseResult{{Name: "should load the images", Status: report.Passed}},
	})
	return r
}

func TestHealth(t *testing.T) {
	s := newTestServer("")
	h := s.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" || body["published"] != false {
		t.Errorf("unexpected health %v", body)
	}

	s.Publish(sampleReport())
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	body = nil
	json.NewDecoder(w.Body).Decode(&body)
	if body["published"] != true || body["updated"] == nil {
		t.Errorf("expected published report, got %v", body)
	}
}

func TestReport(t *testing.T) {
	s := newTestServer("")
	h := s.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/report", nil))
	if w.Code != 404 {
		t.Fatalf("expected 404 before publish, got %d", w.Code)
	}

	rep := sampleReport()
	s.Publish(rep)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/report", nil))
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got report.Report
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RunID != rep.RunID || len(got.Modes) != 1 || got.Modes[0].Mode != mode.Dev {
		t.Errorf("unexpected report %+v", got)
	}
}

func TestAuth(t *testing.T) {
	h := newTestServer("secret").Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != 401 {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 401 {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("expected 200 with token, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer("secret").Handler()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("OPTIONS", "/report", nil))
	if w.Code != 204 {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS header")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestServer("").Handler()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/report", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestEvents(t *testing.T) {
	s := newTestServer("")
	s.Publish(sampleReport())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %s", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	lines.Buffer(make([]byte, 0, 64<<10), 1<<20)
	readData := func() string {
		for lines.Scan() {
			if data, ok := strings.CutPrefix(lines.Text(), "data: "); ok {
				return data
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return ""
	}

	if first := readData(); !strings.Contains(first, "should load the images") {
		t.Errorf("expected initial report, got %s", first)
	}

	next := sampleReport()
	next.Aborted = "interrupted"
	s.Publish(next)
	if second := readData(); !strings.Contains(second, "interrupted") {
		t.Errorf("expected updated report, got %s", second)
	}
}

func TestServe_StopsWithContext(t *testing.T) {
	s := newTestServer("")
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
