// Package suite runs named cases against an app in each deployment mode,
// owning the app process, browser sessions and per-mode config for the
// duration of a mode block.
package suite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/pinchtab/pinchcheck/internal/browser"
	"github.com/pinchtab/pinchcheck/internal/mode"
	"github.com/pinchtab/pinchcheck/internal/poll"
)

// PortAllocator hands out free loopback ports.
type PortAllocator interface {
	Allocate() (int, error)
	Release(port int)
}

// App is a started app instance.
type App interface {
	Stop() error
}

// Launcher builds and starts the app under test.
type Launcher interface {
	Build(ctx context.Context, appDir string) error
	Start(ctx context.Context, appDir string, port int, m mode.Mode) (App, error)
}

// Page is an open browser session.
type Page interface {
	browser.Evaluator
	EvalNumber(ctx context.Context, expression string) (float64, error)
	EvalString(ctx context.Context, expression string) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	PageErrors() []string
	URL() string
	Close() error
}

// SessionOpener opens pages on a running app and counts those still open.
type SessionOpener interface {
	Open(ctx context.Context, port int, path string) (Page, error)
	OpenSessions() int
}

// Case is one named check. Modes limits where it runs; empty means every mode.
type Case struct {
	Name  string
	Modes []mode.Mode
	Run   func(ctx context.Context, env *Env) error
}

// AppliesTo reports whether the case runs in m.
func (c Case) AppliesTo(m mode.Mode) bool {
	if len(c.Modes) == 0 {
		return true
	}
	for _, cm := range c.Modes {
		if cm == m {
			return true
		}
	}
	return false
}

// Env is what a case gets to work with. Pages opened through it are closed
// when the case returns, whatever its outcome.
type Env struct {
	Mode   mode.Mode
	Port   int
	Logger *slog.Logger

	pollOpts []poll.Option
	opener   SessionOpener
	pages    []Page
}

// Open opens a page at path on the app instance of this mode.
func (e *Env) Open(ctx context.Context, path string) (Page, error) {
	p, err := e.opener.Open(ctx, e.Port, path)
	if err != nil {
		return nil, err
	}
	e.pages = append(e.pages, p)
	return p, nil
}

// Check polls eval until it matches pattern using the suite's poll settings.
func (e *Env) Check(ctx context.Context, label string, eval poll.Evaluator, pattern *regexp.Regexp) error {
	opts := append([]poll.Option{poll.WithLabel(label), poll.WithLogger(e.Logger)}, e.pollOpts...)
	if err := poll.Check(ctx, eval, pattern, opts...); err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	return nil
}

// PollOptions returns the suite's poll settings for helpers that poll on
// their own.
func (e *Env) PollOptions() []poll.Option {
	return append([]poll.Option(nil), e.pollOpts...)
}

func (e *Env) lastPage() Page {
	if len(e.pages) == 0 {
		return nil
	}
	return e.pages[len(e.pages)-1]
}

func (e *Env) pageErrors() []string {
	var out []string
	for _, p := range e.pages {
		out = append(out, p.PageErrors()...)
	}
	return out
}

func (e *Env) closeAll() error {
	var errs []error
	for _, p := range e.pages {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p.URL(), err))
		}
	}
	e.pages = nil
	return errors.Join(errs...)
}
