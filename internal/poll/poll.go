// Package poll turns asynchronous page state into a deterministic verdict by
// re-evaluating a value until it matches a pattern or a deadline passes.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultInterval = time.Second
)

var (
	// ErrTimeout is wrapped by every *TimeoutError.
	ErrTimeout = errors.New("condition not met before timeout")
	// ErrNotReady is returned by evaluators whose observed state is not final yet.
	ErrNotReady = errors.New("not ready")
)

// Evaluator produces the current value of the condition. An error counts as
// "not ready yet", the same as a value that does not match.
type Evaluator func(ctx context.Context) (string, error)

// TimeoutError carries what the last attempt saw.
type TimeoutError struct {
	Pattern   string
	LastValue string
	LastErr   error
	Attempts  int
	Elapsed   time.Duration
}

func (e *TimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("timed out after %s (%d attempts) waiting for /%s/: last error: %v",
			e.Elapsed.Round(time.Millisecond), e.Attempts, e.Pattern, e.LastErr)
	}
	return fmt.Sprintf("timed out after %s (%d attempts) waiting for /%s/: last value %q",
		e.Elapsed.Round(time.Millisecond), e.Attempts, e.Pattern, e.LastValue)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

type settings struct {
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	label    string
}

// Option tunes a single Check.
type Option func(*settings)

func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger logs each failed attempt at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithLabel names the condition in log lines.
func WithLabel(label string) Option {
	return func(s *settings) { s.label = label }
}

// Check calls eval every interval until its value matches pattern. It
// returns nil on the first match, or a *TimeoutError once timeout has
// elapsed or ctx reaches its deadline, whichever is earlier. Cancellation
// of ctx returns the context error. Each attempt is bounded so the whole
// call returns within timeout plus one interval.
func Check(ctx context.Context, eval Evaluator, pattern *regexp.Regexp, opts ...Option) error {
	s := settings{timeout: DefaultTimeout, interval: DefaultInterval}
	for _, o := range opts {
		o(&s)
	}

	start := time.Now()
	deadline := start.Add(s.timeout)
	hardStop := deadline.Add(s.interval)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var (
		lastValue string
		lastErr   error
		observed  bool
		attempts  int
	)
	timedOut := func() error {
		return &TimeoutError{
			Pattern:   pattern.String(),
			LastValue: lastValue,
			LastErr:   lastErr,
			Attempts:  attempts,
			Elapsed:   time.Since(start),
		}
	}
	stopped := func() error {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return timedOut()
		}
		return fmt.Errorf("poll /%s/: %w", pattern, ctx.Err())
	}

	for {
		attempts++
		attemptCtx, cancel := context.WithDeadline(ctx, hardStop)
		v, err := eval(attemptCtx)
		cut := attemptCtx.Err() != nil
		cancel()

		if err == nil && pattern.MatchString(v) {
			return nil
		}
		// An attempt cut off by the deadline keeps the previous reading.
		if !(cut && err != nil && observed) {
			if err != nil {
				lastErr = err
			} else {
				lastValue, lastErr = v, nil
			}
			observed = true
		}
		if ctx.Err() != nil {
			return stopped()
		}
		if s.logger != nil {
			s.logger.Debug("condition not ready", "check", s.label, "attempt", attempts, "value", v, "err", err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return timedOut()
		}

		timer := time.NewTimer(min(s.interval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return stopped()
		case <-timer.C:
		}
	}
}

var truePattern = regexp.MustCompile(`^true$`)

// Eventually polls a boolean condition.
func Eventually(ctx context.Context, cond func(ctx context.Context) (bool, error), opts ...Option) error {
	return Check(ctx, func(ctx context.Context) (string, error) {
		ok, err := cond(ctx)
		if err != nil {
			return "", err
		}
		if ok {
			return "true", nil
		}
		return "false", nil
	}, truePattern, opts...)
}
