package suite

import (
	"fmt"
	"log/slog"
)

type teardownStep struct {
	name string
	fn   func() error
}

// teardown runs cleanup steps in reverse order of registration. Every step
// runs even if an earlier one failed.
type teardown struct {
	steps []teardownStep
}

func (t *teardown) push(name string, fn func() error) {
	t.steps = append(t.steps, teardownStep{name: name, fn: fn})
}

func (t *teardown) run(logger *slog.Logger) []error {
	var errs []error
	for i := len(t.steps) - 1; i >= 0; i-- {
		s := t.steps[i]
		if err := s.fn(); err != nil {
			logger.Warn("teardown step failed", "step", s.name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		logger.Debug("teardown step done", "step", s.name)
	}
	t.steps = nil
	return errs
}
