package suite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/pinchtab/pinchcheck/internal/mode"
	"github.com/pinchtab/pinchcheck/internal/poll"
	"github.com/pinchtab/pinchcheck/internal/portalloc"
	"github.com/pinchtab/pinchcheck/internal/report"
)

// DefaultCaseTimeout bounds a single case, sessions and polls included.
const DefaultCaseTimeout = 30 * time.Second

// State is a step of a mode block.
type State string

const (
	Idle         State = "idle"
	Building     State = "building"
	Starting     State = "starting"
	Ready        State = "ready"
	RunningCases State = "running-cases"
	Stopping     State = "stopping"
)

// ErrAborted wraps the error that stopped a run before all modes ran.
var ErrAborted = errors.New("suite aborted")

type Config struct {
	AppDir string
	Modes  []mode.Mode
	// Run selects cases by name with glob patterns; empty selects all.
	Run          []string
	CaseTimeout  time.Duration
	ArtifactsDir string
	Poll         []poll.Option
}

// Runner drives every selected mode block in order.
type Runner struct {
	cfg      Config
	ports    PortAllocator
	launcher Launcher
	opener   SessionOpener
	cases    []Case
	logger   *slog.Logger
	observer func(*report.Report)
}

func NewRunner(cfg Config, ports PortAllocator, launcher Launcher, opener SessionOpener, cases []Case, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CaseTimeout <= 0 {
		cfg.CaseTimeout = DefaultCaseTimeout
	}
	if len(cfg.Modes) == 0 {
		cfg.Modes = append([]mode.Mode(nil), mode.All...)
	}
	return &Runner{
		cfg:      cfg,
		ports:    ports,
		launcher: launcher,
		opener:   opener,
		cases:    cases,
		logger:   logger,
	}
}

// OnUpdate registers fn to receive the report after every case and mode.
// fn runs on the runner's goroutine.
func (r *Runner) OnUpdate(fn func(*report.Report)) { r.observer = fn }

func (r *Runner) publish(rep *report.Report) {
	if r.observer != nil {
		r.observer(rep)
	}
}

// Selected reports whether a case name passes the Run filter.
func (r *Runner) Selected(name string) bool {
	return MatchName(r.cfg.Run, name)
}

// MatchName reports whether name matches any of the glob patterns. No
// patterns match everything.
func MatchName(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Run executes the mode blocks in order. Mode failures are recorded and
// the next mode still runs. Port exhaustion or cancellation stops the run
// and is returned wrapped in ErrAborted; the partial report is returned
// either way.
func (r *Runner) Run(ctx context.Context) (*report.Report, error) {
	rep := report.New()
	r.logger.Info("suite starting", "run", rep.RunID, "modes", len(r.cfg.Modes), "cases", len(r.cases))

	var runErr error
	for _, m := range r.cfg.Modes {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		rep.Modes = append(rep.Modes, report.ModeResult{Mode: m})
		res := &rep.Modes[len(rep.Modes)-1]

		fatal := r.runMode(ctx, m, res, func() { r.publish(rep) })
		r.publish(rep)
		if fatal != nil {
			runErr = fatal
			break
		}
	}

	rep.FinishedAt = time.Now()
	if runErr != nil {
		rep.Aborted = runErr.Error()
		r.logger.Error("suite aborted", "err", runErr)
		r.publish(rep)
		return rep, fmt.Errorf("%w: %w", ErrAborted, runErr)
	}
	r.logger.Info("suite finished", "summary", rep.Summary())
	r.publish(rep)
	return rep, nil
}

// runMode drives one mode block into res. The returned error is non-nil
// only when the whole suite must stop.
func (r *Runner) runMode(ctx context.Context, m mode.Mode, res *report.ModeResult, changed func()) (fatal error) {
	logger := r.logger.With("mode", m.String())
	spec, ok := modeSpecs()[m]
	res.StartedAt = time.Now()
	enter := func(s State) {
		res.Enter(string(s))
		logger.Info("mode state", "state", string(s))
	}

	var (
		td      teardown
		modeErr error
	)
	defer func() {
		enter(Stopping)
		for _, err := range td.run(logger) {
			res.TeardownErrors = append(res.TeardownErrors, err.Error())
		}
		enter(Idle)
		res.Finish(modeErr)
		if modeErr != nil {
			logger.Error("mode failed", "err", modeErr)
		} else {
			p, f, s := res.Counts()
			logger.Info("mode finished", "status", res.Status, "passed", p, "failed", f, "skipped", s)
		}
	}()

	enter(Idle)
	if !ok {
		modeErr = fmt.Errorf("unsupported mode %s", m)
		return nil
	}

	if spec.before != nil {
		restore, err := spec.before(r.cfg.AppDir)
		if restore != nil {
			td.push("restore config", restore)
		}
		if err != nil {
			modeErr = fmt.Errorf("config override: %w", err)
			return nil
		}
	}

	if spec.build {
		enter(Building)
		if err := r.launcher.Build(ctx, r.cfg.AppDir); err != nil {
			modeErr = err
			return nil
		}
	}

	port, err := r.ports.Allocate()
	if err != nil {
		modeErr = err
		if errors.Is(err, portalloc.ErrResourceExhaustion) {
			return err
		}
		return nil
	}
	res.Port = port
	td.push("release port", func() error {
		r.ports.Release(port)
		return nil
	})

	enter(Starting)
	app, err := r.launcher.Start(ctx, r.cfg.AppDir, port, m)
	if err != nil {
		modeErr = err
		return nil
	}
	td.push("stop app", app.Stop)

	enter(Ready)
	changed()

	enter(RunningCases)
	for _, c := range r.cases {
		if ctx.Err() != nil {
			res.Cases = append(res.Cases, report.CaseResult{Name: c.Name, Status: report.Skipped, Reason: "run cancelled"})
			continue
		}
		res.Cases = append(res.Cases, r.runCase(ctx, m, port, c, logger))
		changed()
	}
	return nil
}

func (r *Runner) runCase(ctx context.Context, m mode.Mode, port int, c Case, logger *slog.Logger) report.CaseResult {
	res := report.CaseResult{Name: c.Name}
	if !c.AppliesTo(m) {
		res.Status = report.Skipped
		res.Reason = "not applicable in " + m.String() + " mode"
		return res
	}
	if !r.Selected(c.Name) {
		res.Status = report.Skipped
		res.Reason = "not selected"
		return res
	}

	logger = logger.With("case", c.Name)
	env := &Env{
		Mode:     m,
		Port:     port,
		Logger:   logger,
		pollOpts: r.cfg.Poll,
		opener:   r.opener,
	}
	openBefore := r.opener.OpenSessions()
	start := time.Now()

	caseCtx, cancel := context.WithTimeout(ctx, r.cfg.CaseTimeout)
	err := runGuarded(caseCtx, c, env)
	cancel()
	res.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		res.Screenshot = r.captureFailure(ctx, env, m, c.Name, logger)
		res.PageErrors = env.pageErrors()
	}
	if cerr := env.closeAll(); cerr != nil {
		logger.Warn("closing case sessions", "err", cerr)
	}
	if leaked := r.opener.OpenSessions() - openBefore; leaked > 0 {
		err = errors.Join(err, fmt.Errorf("%d browser session(s) left open", leaked))
	}

	if err != nil {
		res.Status = report.Failed
		res.Error = err.Error()
		logger.Warn("case failed", "err", err, "duration_ms", res.DurationMs)
		return res
	}
	res.Status = report.Passed
	logger.Info("case passed", "duration_ms", res.DurationMs)
	return res
}

func runGuarded(ctx context.Context, c Case, env *Env) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return c.Run(ctx, env)
}

// captureFailure saves a screenshot of the last page the case opened.
// The case context may already be expired, so it gets its own budget.
func (r *Runner) captureFailure(ctx context.Context, env *Env, m mode.Mode, name string, logger *slog.Logger) string {
	page := env.lastPage()
	if page == nil || r.cfg.ArtifactsDir == "" {
		return ""
	}
	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	img, err := page.Screenshot(shotCtx)
	if err != nil {
		logger.Debug("failure screenshot", "err", err)
		return ""
	}
	dir := filepath.Join(r.cfg.ArtifactsDir, m.String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Debug("failure screenshot", "err", err)
		return ""
	}
	path := filepath.Join(dir, slug(name)+".jpg")
	if err := os.WriteFile(path, img, 0644); err != nil {
		logger.Debug("failure screenshot", "err", err)
		return ""
	}
	logger.Info("saved failure screenshot", "path", path)
	return path
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}
