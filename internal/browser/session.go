package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

const maxPageErrors = 50

// Session is one tab navigated to a path of an app instance. It must be
// closed on every path; Close is idempotent.
type Session struct {
	id          string
	url         string
	ctx         context.Context
	cancel      context.CancelFunc
	manager     *Manager
	evalTimeout time.Duration
	logger      *slog.Logger

	mu         sync.Mutex
	pageErrors []string

	closeOnce sync.Once
	closed    bool
}

// EvaluationError is a failed in-page evaluation: a thrown exception, a
// result that could not be decoded, or a dead tab.
type EvaluationError struct {
	Expression string
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate %q: %v", abbreviate(e.Expression, 80), e.Err)
}

func (e *EvaluationError) Unwrap() []error { return []error{ErrEvaluation, e.Err} }

func (s *Session) ID() string  { return s.id }
func (s *Session) URL() string { return s.url }

// runContext derives a chromedp context for one action. It is bounded by
// timeout and cancelled when the caller's ctx ends.
func (s *Session) runContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	rc, cancel := context.WithTimeout(s.ctx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return rc, func() {
		stop()
		cancel()
	}
}

// Evaluate runs expression in the page and decodes the result into out
// (nil discards it). Page exceptions come back as *EvaluationError.
func (s *Session) Evaluate(ctx context.Context, expression string, out any) error {
	if s.isClosed() {
		return &EvaluationError{Expression: expression, Err: errors.New("session closed")}
	}
	rc, done := s.runContext(ctx, s.evalTimeout)
	defer done()

	if err := chromedp.Run(rc, chromedp.Evaluate(expression, out)); err != nil {
		var exc *runtime.ExceptionDetails
		if errors.As(err, &exc) {
			return &EvaluationError{Expression: expression, Err: fmt.Errorf("page exception: %s", exceptionText(exc))}
		}
		return &EvaluationError{Expression: expression, Err: err}
	}
	return nil
}

// EvalNumber evaluates an expression expected to produce a number.
func (s *Session) EvalNumber(ctx context.Context, expression string) (float64, error) {
	var v float64
	err := s.Evaluate(ctx, expression, &v)
	return v, err
}

// EvalString evaluates an expression expected to produce a string.
func (s *Session) EvalString(ctx context.Context, expression string) (string, error) {
	var v string
	err := s.Evaluate(ctx, expression, &v)
	return v, err
}

// Screenshot captures the visible viewport as JPEG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	if s.isClosed() {
		return nil, errors.New("session closed")
	}
	rc, done := s.runContext(ctx, s.evalTimeout)
	defer done()
	return captureScreenshot(rc, screenshotQuality)
}

// PageErrors returns uncaught exceptions and console errors seen so far.
func (s *Session) PageErrors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pageErrors...)
}

func (s *Session) recordPageError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pageErrors) < maxPageErrors {
		s.pageErrors = append(s.pageErrors, msg)
	}
}

func (s *Session) listenPageErrors() {
	chromedp.ListenTarget(s.ctx, func(ev any) {
		switch ev := ev.(type) {
		case *runtime.EventExceptionThrown:
			msg := exceptionText(ev.ExceptionDetails)
			s.recordPageError(msg)
			s.logger.Debug("page exception", "err", msg)
		case *runtime.EventConsoleAPICalled:
			if ev.Type != runtime.APITypeError {
				return
			}
			args := make([]string, 0, len(ev.Args))
			for _, arg := range ev.Args {
				if len(arg.Value) > 0 {
					args = append(args, strings.Trim(string(arg.Value), `"`))
				} else if arg.Description != "" {
					args = append(args, arg.Description)
				}
			}
			msg := strings.Join(args, " ")
			s.recordPageError("console.error: " + msg)
			s.logger.Debug("console error", "msg", msg)
		}
	})
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the tab. It is safe after a partial Open and on repeat.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
		if s.manager != nil {
			s.manager.untrack(s.id)
		}
		if s.logger != nil {
			s.logger.Debug("session closed", "id", s.id)
		}
	})
	return nil
}

func exceptionText(d *runtime.ExceptionDetails) string {
	if d == nil {
		return ""
	}
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	return d.Text
}

func abbreviate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
