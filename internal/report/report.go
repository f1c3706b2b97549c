// Package report holds suite results and persists them between runs.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pinchtab/pinchcheck/internal/mode"
)

// FileName is the report written under the state directory.
const FileName = "report.json"

type Status string

const (
	Passed  Status = "passed"
	Failed  Status = "failed"
	Skipped Status = "skipped"
)

// CaseResult is the outcome of one named case in one mode.
type CaseResult struct {
	Name       string   `json:"name"`
	Status     Status   `json:"status"`
	Error      string   `json:"error,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	DurationMs int64    `json:"durationMs"`
	Screenshot string   `json:"screenshot,omitempty"`
	PageErrors []string `json:"pageErrors,omitempty"`
}

// Transition is one state change of a mode run.
type Transition struct {
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// ModeResult is the outcome of one mode block. Error is set when the mode
// never reached a testable state.
type ModeResult struct {
	Mode           mode.Mode    `json:"mode"`
	Status         Status       `json:"status"`
	Error          string       `json:"error,omitempty"`
	Port           int          `json:"port,omitempty"`
	States         []Transition `json:"states"`
	TeardownErrors []string     `json:"teardownErrors,omitempty"`
	Cases          []CaseResult `json:"cases"`
	StartedAt      time.Time    `json:"startedAt"`
	FinishedAt     time.Time    `json:"finishedAt"`
}

// Enter records a state transition.
func (m *ModeResult) Enter(state string) {
	m.States = append(m.States, Transition{State: state, At: time.Now()})
}

// StateNames lists the recorded states in order.
func (m *ModeResult) StateNames() []string {
	out := make([]string, len(m.States))
	for i, t := range m.States {
		out[i] = t.State
	}
	return out
}

// Finish sets the final status from the mode error and case outcomes.
func (m *ModeResult) Finish(err error) {
	m.FinishedAt = time.Now()
	m.Status = Passed
	if err != nil {
		m.Error = err.Error()
		m.Status = Failed
		return
	}
	if len(m.TeardownErrors) > 0 {
		m.Status = Failed
	}
	for _, c := range m.Cases {
		if c.Status == Failed {
			m.Status = Failed
		}
	}
}

// Counts tallies case statuses.
func (m *ModeResult) Counts() (passed, failed, skipped int) {
	for _, c := range m.Cases {
		switch c.Status {
		case Passed:
			passed++
		case Failed:
			failed++
		case Skipped:
			skipped++
		}
	}
	return
}

type Report struct {
	RunID      string       `json:"runId"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt,omitempty"`
	Aborted    string       `json:"aborted,omitempty"`
	Modes      []ModeResult `json:"modes"`
}

func New() *Report {
	return &Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Modes:     []ModeResult{},
	}
}

// Failed reports whether any mode failed or the run was aborted.
func (r *Report) Failed() bool {
	if r.Aborted != "" {
		return true
	}
	for _, m := range r.Modes {
		if m.Status == Failed {
			return true
		}
	}
	return false
}

// Summary is a one-line tally across all modes.
func (r *Report) Summary() string {
	var p, f, s int
	for i := range r.Modes {
		mp, mf, ms := r.Modes[i].Counts()
		p, f, s = p+mp, f+mf, s+ms
	}
	failedModes := 0
	for _, m := range r.Modes {
		if m.Error != "" {
			failedModes++
		}
	}
	out := fmt.Sprintf("%d passed, %d failed, %d skipped across %d modes", p, f, s, len(r.Modes))
	if failedModes > 0 {
		out += fmt.Sprintf(" (%d modes did not start)", failedModes)
	}
	return out
}

// WriteText prints a human readable report.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s\n", r.RunID)
	for _, m := range r.Modes {
		fmt.Fprintf(&b, "\n%s mode: %s\n", m.Mode, m.Status)
		if m.Error != "" {
			fmt.Fprintf(&b, "  error: %s\n", m.Error)
		}
		for _, c := range m.Cases {
			fmt.Fprintf(&b, "  %-8s %s (%dms)\n", c.Status, c.Name, c.DurationMs)
			switch {
			case c.Error != "":
				fmt.Fprintf(&b, "           %s\n", c.Error)
			case c.Reason != "":
				fmt.Fprintf(&b, "           %s\n", c.Reason)
			}
			if c.Screenshot != "" {
				fmt.Fprintf(&b, "           screenshot: %s\n", c.Screenshot)
			}
		}
		for _, e := range m.TeardownErrors {
			fmt.Fprintf(&b, "  teardown: %s\n", e)
		}
	}
	if r.Aborted != "" {
		fmt.Fprintf(&b, "\naborted: %s\n", r.Aborted)
	}
	fmt.Fprintf(&b, "\n%s\n", r.Summary())
	_, err := io.WriteString(w, b.String())
	return err
}

// Save writes the report to dir/report.json.
func (r *Report) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	path := filepath.Join(dir, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// Load reads the report saved in dir.
func Load(dir string) (*Report, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report: %w", err)
	}
	return &r, nil
}
