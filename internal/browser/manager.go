// Package browser opens Chrome tabs against an app instance and evaluates
// expressions in them over the DevTools protocol.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

var (
	ErrNavigation = errors.New("navigation failed")
	ErrEvaluation = errors.New("evaluation failed")
)

const (
	defaultNavigateTimeout = 30 * time.Second
	defaultEvalTimeout     = 10 * time.Second
)

type Options struct {
	// CDPURL attaches to a running Chrome instead of launching one.
	CDPURL          string
	ExecPath        string
	Headless        bool
	UserDataDir     string
	Host            string
	NavigateTimeout time.Duration
	EvalTimeout     time.Duration
}

// Manager owns the Chrome process (or remote connection) and tracks the
// sessions opened on it.
type Manager struct {
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	initialTarget string

	opts     Options
	sessions map[string]*Session
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewManager launches Chrome, or connects to opts.CDPURL, and waits until
// the first tab is attached.
func NewManager(ctx context.Context, opts Options, logger *slog.Logger) (*Manager, error) {
	m := newManager(opts, logger)

	if opts.CDPURL != "" {
		m.logger.Info("connecting to chrome", "cdp", opts.CDPURL)
		m.allocCtx, m.allocCancel = chromedp.NewRemoteAllocator(ctx, opts.CDPURL)
	} else {
		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("disable-popup-blocking", true),
			chromedp.Flag("no-first-run", true),
			chromedp.WindowSize(1280, 800),
		)
		if opts.ExecPath != "" {
			allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
		}
		if opts.UserDataDir != "" {
			markCleanExit(opts.UserDataDir, m.logger)
			allocOpts = append(allocOpts, chromedp.UserDataDir(opts.UserDataDir))
		}
		if !opts.Headless {
			allocOpts = append(allocOpts, chromedp.Flag("headless", false))
		}
		m.logger.Info("launching chrome", "headless", opts.Headless, "exec", opts.ExecPath)
		m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(ctx, allocOpts...)
	}

	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			m.logger.Debug("chromedp", "msg", fmt.Sprintf(format, args...))
		}),
	)
	if err := chromedp.Run(m.browserCtx); err != nil {
		m.browserCancel()
		m.allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	m.initialTarget = string(chromedp.FromContext(m.browserCtx).Target.TargetID)
	m.logger.Debug("initial tab", "id", m.initialTarget)
	return m, nil
}

func newManager(opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.NavigateTimeout <= 0 {
		opts.NavigateTimeout = defaultNavigateTimeout
	}
	if opts.EvalTimeout <= 0 {
		opts.EvalTimeout = defaultEvalTimeout
	}
	return &Manager{
		opts:     opts,
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// TargetURL builds http://host:port/path.
func TargetURL(host string, port int, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "http://" + host + ":" + strconv.Itoa(port) + path
}

// Open creates a tab and navigates it to path on the instance listening on
// port. On failure the tab is closed before returning.
func (m *Manager) Open(ctx context.Context, port int, path string) (*Session, error) {
	url := TargetURL(m.opts.Host, port, path)
	if m.browserCtx == nil {
		return nil, fmt.Errorf("%w: %s: no browser connection", ErrNavigation, url)
	}

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("%w: new tab: %v", ErrNavigation, err)
	}

	s := &Session{
		id:          string(chromedp.FromContext(tabCtx).Target.TargetID),
		url:         url,
		ctx:         tabCtx,
		cancel:      tabCancel,
		manager:     m,
		evalTimeout: m.opts.EvalTimeout,
		logger:      m.logger.With("session", url),
	}
	s.listenPageErrors()
	m.track(s)

	navCtx, done := s.runContext(ctx, m.opts.NavigateTimeout)
	defer done()
	if err := navigatePage(navCtx, url); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrNavigation, url, err)
	}
	s.logger.Debug("session opened", "id", s.id)
	return s, nil
}

func (m *Manager) track(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.id] = s
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// OpenSessions is the number of sessions opened and not yet closed.
func (m *Manager) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions describes the sessions still open, sorted by URL.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionInfo{ID: s.id, URL: s.url})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Close closes every remaining session, then the browser.
func (m *Manager) Close() {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		m.logger.Warn("closing leaked session", "url", s.url)
		_ = s.Close()
	}
	if m.browserCtx != nil {
		m.closeStrayTargets()
		m.browserCancel()
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}
}
