// Package config assembles pinchcheck settings from defaults, an optional
// YAML file and the environment. Flags are applied by the CLI on top.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pinchtab/pinchcheck/internal/browser"
	"github.com/pinchtab/pinchcheck/internal/mode"
	"github.com/pinchtab/pinchcheck/internal/poll"
	"github.com/pinchtab/pinchcheck/internal/process"
	"github.com/pinchtab/pinchcheck/internal/suite"
)

// DefaultFile is read from the working directory when no file is given.
const DefaultFile = "pinchcheck.yaml"

type Timeouts struct {
	Ready    time.Duration `yaml:"ready"`
	Build    time.Duration `yaml:"build"`
	Case     time.Duration `yaml:"case"`
	Navigate time.Duration `yaml:"navigate"`
	Eval     time.Duration `yaml:"eval"`
}

type Poll struct {
	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`
}

type Browser struct {
	CDPURL      string `yaml:"cdpUrl"`
	ChromeBin   string `yaml:"chromeBin"`
	Headless    bool   `yaml:"headless"`
	UserDataDir string `yaml:"userDataDir"`
	Host        string `yaml:"host"`
}

type Config struct {
	AppDir       string           `yaml:"appDir"`
	Modes        string           `yaml:"modes"`
	Run          []string         `yaml:"run"`
	StateDir     string           `yaml:"stateDir"`
	ArtifactsDir string           `yaml:"artifactsDir"`
	Commands     process.Commands `yaml:"commands"`
	Env          []string         `yaml:"env"`
	PortAttempts int              `yaml:"portAttempts"`
	Timeouts     Timeouts         `yaml:"timeouts"`
	Poll         Poll             `yaml:"poll"`
	Browser      Browser          `yaml:"browser"`
	// Serve is the listen address of the live report endpoint; empty disables it.
	Serve string `yaml:"serve"`
	Token string `yaml:"token"`
}

func Default() Config {
	stateDir := filepath.Join(homeDir(), ".pinchcheck")
	return Config{
		AppDir:       ".",
		StateDir:     stateDir,
		ArtifactsDir: filepath.Join(stateDir, "artifacts"),
		Commands:     process.DefaultCommands(),
		PortAttempts: 20,
		Timeouts: Timeouts{
			Ready:    60 * time.Second,
			Build:    5 * time.Minute,
			Case:     suite.DefaultCaseTimeout,
			Navigate: 30 * time.Second,
			Eval:     10 * time.Second,
		},
		Poll: Poll{
			Timeout:  poll.DefaultTimeout,
			Interval: poll.DefaultInterval,
		},
		Browser: Browser{
			Headless: true,
			Host:     "localhost",
		},
	}
}

// Load returns defaults overlaid with the YAML file at path and then the
// environment. An empty path reads DefaultFile if it exists.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.AppDir = envOr("PINCHCHECK_APP_DIR", c.AppDir)
	c.Modes = envOr("PINCHCHECK_MODES", c.Modes)
	if v := os.Getenv("PINCHCHECK_RUN"); v != "" {
		c.Run = splitList(v)
	}
	c.StateDir = envOr("PINCHCHECK_STATE_DIR", c.StateDir)
	c.ArtifactsDir = envOr("PINCHCHECK_ARTIFACTS_DIR", c.ArtifactsDir)
	c.Serve = envOr("PINCHCHECK_SERVE", c.Serve)
	c.Token = envOr("PINCHCHECK_TOKEN", c.Token)
	c.Browser.CDPURL = envOr("CDP_URL", c.Browser.CDPURL)
	c.Browser.ChromeBin = envOr("CHROME_BIN", c.Browser.ChromeBin)
	c.Browser.UserDataDir = envOr("PINCHCHECK_PROFILE", c.Browser.UserDataDir)

	if v := os.Getenv("PINCHCHECK_HEADLESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PINCHCHECK_HEADLESS: %w", err)
		}
		c.Browser.Headless = b
	}
	if v := os.Getenv("PINCHCHECK_CASE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PINCHCHECK_CASE_TIMEOUT: %w", err)
		}
		c.Timeouts.Case = d
	}
	if v := os.Getenv("PINCHCHECK_READY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PINCHCHECK_READY_TIMEOUT: %w", err)
		}
		c.Timeouts.Ready = d
	}
	return nil
}

// Validate rejects settings the runner cannot work with.
func (c Config) Validate() error {
	var errs []error
	if c.AppDir == "" {
		errs = append(errs, errors.New("app dir is required"))
	} else if fi, err := os.Stat(c.AppDir); err != nil || !fi.IsDir() {
		errs = append(errs, fmt.Errorf("app dir %q is not a directory", c.AppDir))
	}
	if _, err := mode.ParseList(c.Modes); err != nil {
		errs = append(errs, err)
	}
	durations := map[string]time.Duration{
		"timeouts.ready":    c.Timeouts.Ready,
		"timeouts.build":    c.Timeouts.Build,
		"timeouts.case":     c.Timeouts.Case,
		"timeouts.navigate": c.Timeouts.Navigate,
		"timeouts.eval":     c.Timeouts.Eval,
		"poll.timeout":      c.Poll.Timeout,
		"poll.interval":     c.Poll.Interval,
	}
	for _, name := range slices.Sorted(maps.Keys(durations)) {
		if durations[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.PortAttempts <= 0 {
		errs = append(errs, errors.New("portAttempts must be positive"))
	}
	for name, argv := range map[string][]string{"build": c.Commands.Build, "dev": c.Commands.Dev, "start": c.Commands.Start} {
		if len(argv) == 0 {
			errs = append(errs, fmt.Errorf("commands.%s is empty", name))
		}
	}
	return errors.Join(errs...)
}

// ModeList is the parsed Modes setting.
func (c Config) ModeList() ([]mode.Mode, error) {
	return mode.ParseList(c.Modes)
}

func (c Config) ProcessConfig() process.Config {
	return process.Config{
		Commands:     c.Commands,
		Env:          c.Env,
		ReadyTimeout: c.Timeouts.Ready,
		BuildTimeout: c.Timeouts.Build,
	}
}

func (c Config) BrowserOptions() browser.Options {
	return browser.Options{
		CDPURL:          c.Browser.CDPURL,
		ExecPath:        c.Browser.ChromeBin,
		Headless:        c.Browser.Headless,
		UserDataDir:     c.Browser.UserDataDir,
		Host:            c.Browser.Host,
		NavigateTimeout: c.Timeouts.Navigate,
		EvalTimeout:     c.Timeouts.Eval,
	}
}

func (c Config) SuiteConfig() (suite.Config, error) {
	modes, err := c.ModeList()
	if err != nil {
		return suite.Config{}, err
	}
	return suite.Config{
		AppDir:       c.AppDir,
		Modes:        modes,
		Run:          c.Run,
		CaseTimeout:  c.Timeouts.Case,
		ArtifactsDir: c.ArtifactsDir,
		Poll: []poll.Option{
			poll.WithTimeout(c.Poll.Timeout),
			poll.WithInterval(c.Poll.Interval),
		},
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return h
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
