// Package process builds, starts and stops the app under test.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pinchtab/pinchcheck/internal/mode"
)

var (
	ErrBuild            = errors.New("build failed")
	ErrStart            = errors.New("start failed")
	ErrReadinessTimeout = errors.New("app not ready")
)

const (
	defaultReadyTimeout = 60 * time.Second
	defaultBuildTimeout = 5 * time.Minute
	defaultTailBytes    = 16 << 10
	readyProbeInterval  = 250 * time.Millisecond
	stopTimeout         = 10 * time.Second
)

// Commands are argv templates. "{dir}" and "{port}" are substituted.
type Commands struct {
	Build []string `yaml:"build"`
	Dev   []string `yaml:"dev"`
	Start []string `yaml:"start"`
}

// DefaultCommands drive the Next.js CLI through npx.
func DefaultCommands() Commands {
	return Commands{
		Build: []string{"npx", "next", "build", "{dir}"},
		Dev:   []string{"npx", "next", "dev", "{dir}", "-p", "{port}"},
		Start: []string{"npx", "next", "start", "{dir}", "-p", "{port}"},
	}
}

type Config struct {
	Commands     Commands
	Env          []string
	Host         string
	ReadyTimeout time.Duration
	BuildTimeout time.Duration
	TailBytes    int
}

// Controller runs app processes. It holds no per-instance state.
type Controller struct {
	cfg    Config
	logger *slog.Logger
}

func NewController(cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = defaultBuildTimeout
	}
	if cfg.TailBytes <= 0 {
		cfg.TailBytes = defaultTailBytes
	}
	def := DefaultCommands()
	if len(cfg.Commands.Build) == 0 {
		cfg.Commands.Build = def.Build
	}
	if len(cfg.Commands.Dev) == 0 {
		cfg.Commands.Dev = def.Dev
	}
	if len(cfg.Commands.Start) == 0 {
		cfg.Commands.Start = def.Start
	}
	return &Controller{cfg: cfg, logger: logger}
}

// BuildResult references the artifact a build produced.
type BuildResult struct {
	AppDir   string
	Duration time.Duration
	Output   string
}

// Build compiles the app and waits for the build command to exit.
func (c *Controller) Build(ctx context.Context, appDir string) (*BuildResult, error) {
	appDir, err := filepath.Abs(appDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuild, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.BuildTimeout)
	defer cancel()

	argv := expand(c.cfg.Commands.Build, appDir, 0)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = appDir
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killGroup(cmd.Process) }

	log := c.logger.With("phase", "build", "dir", appDir)
	tail := newTailBuffer(c.cfg.TailBytes)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrBuild, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrBuild, err)
	}

	start := time.Now()
	log.Info("building app", "cmd", strings.Join(argv, " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuild, err)
	}
	drainErr := drainOutput(stdout, stderr, tail, log).Wait()
	waitErr := cmd.Wait()

	if waitErr != nil {
		if ctx.Err() != nil {
			waitErr = fmt.Errorf("%v (%w)", waitErr, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v\n%s", ErrBuild, waitErr, tail)
	}
	if drainErr != nil {
		log.Warn("build output", "err", drainErr)
	}

	res := &BuildResult{AppDir: appDir, Duration: time.Since(start), Output: tail.String()}
	log.Info("build finished", "duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

// Instance is one running app process.
type Instance struct {
	Port      int
	Mode      mode.Mode
	PID       int
	Build     *BuildResult
	StartedAt time.Time

	cmd     *exec.Cmd
	tail    *tailBuffer
	exited  chan struct{}
	waitErr error
	logger  *slog.Logger

	stopOnce sync.Once
	stopErr  error
}

// Start launches the app for m on port and blocks until it accepts TCP
// connections. Dev mode runs the on-demand compiler; the other modes serve
// a previous build.
func (c *Controller) Start(ctx context.Context, appDir string, port int, m mode.Mode) (*Instance, error) {
	appDir, err := filepath.Abs(appDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStart, err)
	}
	tmpl := c.cfg.Commands.Start
	if m == mode.Dev {
		tmpl = c.cfg.Commands.Dev
	}
	argv := expand(tmpl, appDir, port)

	// Not CommandContext: the instance outlives ctx and is torn down by Stop.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = appDir
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.Env = append(cmd.Env, "PORT="+strconv.Itoa(port))
	setProcessGroup(cmd)

	log := c.logger.With("mode", m.String(), "port", port)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrStart, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrStart, err)
	}

	log.Info("starting app", "cmd", strings.Join(argv, " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStart, err)
	}

	inst := &Instance{
		Port:      port,
		Mode:      m,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		tail:      newTailBuffer(c.cfg.TailBytes),
		exited:    make(chan struct{}),
		logger:    log,
	}
	g := drainOutput(stdout, stderr, inst.tail, log)
	go func() {
		_ = g.Wait()
		inst.waitErr = cmd.Wait()
		close(inst.exited)
	}()

	if err := c.waitReady(ctx, inst); err != nil {
		_ = inst.Stop()
		return nil, err
	}
	log.Info("app ready", "pid", inst.PID, "after", time.Since(inst.StartedAt).Round(time.Millisecond))
	return inst, nil
}

func (c *Controller) waitReady(ctx context.Context, inst *Instance) error {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(inst.Port))
	timeout := time.NewTimer(c.cfg.ReadyTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(readyProbeInterval)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-inst.exited:
			return fmt.Errorf("%w: process exited before accepting connections: %v\n%s", ErrStart, inst.waitErr, inst.tail)
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for %s: %w", ErrStart, addr, ctx.Err())
		case <-timeout.C:
			return fmt.Errorf("%w: %s not accepting connections after %s\n%s", ErrReadinessTimeout, addr, c.cfg.ReadyTimeout, inst.tail)
		case <-ticker.C:
		}
	}
}

// Stop kills the process group and reaps it. Only the first call does work;
// later calls return the same result. An already exited process is not an
// error.
func (i *Instance) Stop() error {
	i.stopOnce.Do(func() {
		select {
		case <-i.exited:
			i.logger.Debug("app already exited", "pid", i.PID, "err", i.waitErr)
			return
		default:
		}
		if err := killGroup(i.cmd.Process); err != nil {
			i.stopErr = fmt.Errorf("kill %d: %w", i.PID, err)
			return
		}
		select {
		case <-i.exited:
			i.logger.Info("app stopped", "pid", i.PID)
		case <-time.After(stopTimeout):
			i.stopErr = fmt.Errorf("process %d still running %s after kill", i.PID, stopTimeout)
		}
	})
	return i.stopErr
}

// Exited reports whether the process has been reaped.
func (i *Instance) Exited() bool {
	select {
	case <-i.exited:
		return true
	default:
		return false
	}
}

// Output returns the tail of the process output.
func (i *Instance) Output() string { return i.tail.String() }

func expand(tmpl []string, dir string, port int) []string {
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		a = strings.ReplaceAll(a, "{dir}", dir)
		a = strings.ReplaceAll(a, "{port}", strconv.Itoa(port))
		out[i] = a
	}
	return out
}
