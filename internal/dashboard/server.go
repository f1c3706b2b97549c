// Package dashboard serves the report of the run in progress over HTTP.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pinchtab/pinchcheck/internal/report"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	token  string
	logger *slog.Logger

	mu      sync.RWMutex
	latest  []byte
	updated time.Time
	subs    map[chan []byte]struct{}
}

// New returns a server with nothing published yet. A non-empty token is
// required as a bearer token on every request.
func New(token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		token:  token,
		logger: logger,
		subs:   make(map[chan []byte]struct{}),
	}
}

// Publish replaces the served report and notifies event subscribers.
func (s *Server) Publish(rep *report.Report) {
	data, err := json.Marshal(rep)
	if err != nil {
		s.logger.Error("marshal report", "err", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = data
	s.updated = time.Now()
	for ch := range s.subs {
		// Slow subscribers skip intermediate reports; the last one wins.
		select {
		case ch <- data:
		default:
		}
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /report", s.handleReport)
	mux.HandleFunc("GET /events", s.handleEvents)
	return corsMiddleware(s.authMiddleware(mux))
}

// ListenAndServe serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}

func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.closeSubscribers()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("serving report", "addr", l.Addr().String())
	if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ── GET /health ────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	published := s.latest != nil
	updated := s.updated
	s.mu.RUnlock()

	resp := map[string]any{"status": "ok", "published": published}
	if published {
		resp["updated"] = updated.UTC().Format(time.RFC3339)
	}
	jsonResp(w, 200, resp)
}

// ── GET /report ────────────────────────────────────────────

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	data := s.latest
	s.mu.RUnlock()

	if data == nil {
		jsonErr(w, 404, errors.New("no report yet"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	_, _ = w.Write(data)
}

// ── GET /events ────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonErr(w, 500, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan []byte, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	initial := s.latest
	s.mu.Unlock()
	defer s.unsubscribe(ch)

	w.WriteHeader(200)
	if initial != nil {
		writeEvent(w, initial)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, open := <-ch:
			if !open {
				return
			}
			writeEvent(w, data)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, data []byte) {
	fmt.Fprintf(w, "event: report\ndata: %s\n\n", data)
}

func (s *Server) unsubscribe(ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}

func (s *Server) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}
