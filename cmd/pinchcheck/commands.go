package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/pinchtab/pinchcheck/internal/browser"
	"github.com/pinchtab/pinchcheck/internal/cases"
	"github.com/pinchtab/pinchcheck/internal/config"
	"github.com/pinchtab/pinchcheck/internal/dashboard"
	"github.com/pinchtab/pinchcheck/internal/portalloc"
	"github.com/pinchtab/pinchcheck/internal/process"
	"github.com/pinchtab/pinchcheck/internal/report"
	"github.com/pinchtab/pinchcheck/internal/suite"
)

// selectionFlags choose the app, modes and cases.
func selectionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "app-dir", Aliases: []string{"d"}, Usage: "Next.js app under test"},
		&cli.StringFlag{Name: "modes", Aliases: []string{"m"}, Usage: "Comma separated modes: dev, production, serverless"},
		&cli.StringSliceFlag{Name: "run", Aliases: []string{"r"}, Usage: "Only run cases whose name matches the glob (repeatable)"},
	}
}

// loadConfig reads file and environment settings and applies flags that were set.
func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return cfg, err
	}
	if cmd.IsSet("app-dir") {
		cfg.AppDir = cmd.String("app-dir")
	}
	if cmd.IsSet("modes") {
		cfg.Modes = cmd.String("modes")
	}
	if cmd.IsSet("run") {
		cfg.Run = cmd.StringSlice("run")
	}
	if cmd.IsSet("state-dir") {
		cfg.StateDir = cmd.String("state-dir")
	}
	if cmd.IsSet("artifacts-dir") {
		cfg.ArtifactsDir = cmd.String("artifacts-dir")
	}
	if cmd.IsSet("serve") {
		cfg.Serve = cmd.String("serve")
	}
	if cmd.IsSet("headless") {
		cfg.Browser.Headless = cmd.Bool("headless")
	}
	if cmd.IsSet("cdp-url") {
		cfg.Browser.CDPURL = cmd.String("cdp-url")
	}
	if cmd.IsSet("case-timeout") {
		cfg.Timeouts.Case = cmd.Duration("case-timeout")
	}
	return cfg, nil
}

func usageErr(err error) error {
	return cli.Exit(err.Error(), exitUsage)
}

// ── run ────────────────────────────────────────────────────

func newRunCommand() *cli.Command {
	flags := append(selectionFlags(),
		&cli.StringFlag{Name: "state-dir", Usage: "Where report.json is written"},
		&cli.StringFlag{Name: "artifacts-dir", Usage: "Where failure screenshots are written"},
		&cli.StringFlag{Name: "serve", Usage: "Serve the live report on this address, e.g. :18900"},
		&cli.BoolFlag{Name: "headless", Value: true, Usage: "Run Chrome headless"},
		&cli.StringFlag{Name: "cdp-url", Usage: "Attach to a running Chrome instead of launching one"},
		&cli.DurationFlag{Name: "case-timeout", Usage: "Time limit for a single case"},
	)
	return &cli.Command{
		Name:   "run",
		Usage:  "Build, start and check the app in each mode",
		Flags:  flags,
		Action: runAction,
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return usageErr(err)
	}
	if err := cfg.Validate(); err != nil {
		return usageErr(err)
	}
	sc, err := cfg.SuiteConfig()
	if err != nil {
		return usageErr(err)
	}
	logger := newLogger(cmd)

	mgr, err := browser.NewManager(ctx, cfg.BrowserOptions(), logger.With("component", "browser"))
	if err != nil {
		return cli.Exit(err.Error(), exitFailed)
	}
	defer mgr.Close()

	runner := suite.NewRunner(sc,
		portalloc.New().WithAttempts(cfg.PortAttempts),
		&suite.ProcessLauncher{Controller: process.NewController(cfg.ProcessConfig(), logger.With("component", "process"))},
		suite.BrowserOpener{Manager: mgr},
		cases.ImageComponent(),
		logger,
	)

	if cfg.Serve != "" {
		srv := dashboard.New(cfg.Token, logger.With("component", "dashboard"))
		runner.OnUpdate(srv.Publish)
		serveCtx, stopServe := context.WithCancel(ctx)
		defer stopServe()
		go func() {
			if err := srv.ListenAndServe(serveCtx, cfg.Serve); err != nil {
				logger.Error("report server", "err", err)
			}
		}()
	}

	rep, runErr := runner.Run(ctx)
	if path, err := rep.Save(cfg.StateDir); err != nil {
		logger.Warn("save report", "err", err)
	} else {
		logger.Info("report saved", "path", path)
	}
	if err := rep.WriteText(cmd.Root().Writer); err != nil {
		return err
	}

	if runErr != nil {
		return cli.Exit(runErr.Error(), exitFailed)
	}
	if rep.Failed() {
		return cli.Exit("", exitFailed)
	}
	return nil
}

// ── cases ──────────────────────────────────────────────────

func newCasesCommand() *cli.Command {
	return &cli.Command{
		Name:   "cases",
		Usage:  "List the cases each selected mode would run",
		Flags:  selectionFlags(),
		Action: casesAction,
	}
}

func casesAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return usageErr(err)
	}
	modes, err := cfg.ModeList()
	if err != nil {
		return usageErr(err)
	}

	var b strings.Builder
	for _, m := range modes {
		fmt.Fprintf(&b, "%s:\n", m)
		for _, c := range cases.ImageComponent() {
			state := "run "
			switch {
			case !c.AppliesTo(m):
				state = "skip"
			case !suite.MatchName(cfg.Run, c.Name):
				state = "skip"
			}
			fmt.Fprintf(&b, "  [%s] %s\n", state, c.Name)
		}
	}
	_, err = fmt.Fprint(cmd.Root().Writer, b.String())
	return err
}

// ── report ─────────────────────────────────────────────────

func newReportCommand() *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Print the report of the last run",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "state-dir", Usage: "Directory holding report.json"},
			&cli.BoolFlag{Name: "json", Usage: "Print the raw JSON report"},
		},
		Action: reportAction,
	}
}

func reportAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return usageErr(err)
	}
	if cmd.Bool("json") {
		data, err := os.ReadFile(filepath.Join(cfg.StateDir, report.FileName))
		if err != nil {
			return reportMissing(cfg.StateDir, err)
		}
		_, err = cmd.Root().Writer.Write(data)
		return err
	}

	rep, err := report.Load(cfg.StateDir)
	if err != nil {
		return reportMissing(cfg.StateDir, err)
	}
	if err := rep.WriteText(cmd.Root().Writer); err != nil {
		return err
	}
	if rep.Failed() {
		return cli.Exit("", exitFailed)
	}
	return nil
}

func reportMissing(dir string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return cli.Exit(fmt.Sprintf("no report in %s", dir), exitUsage)
	}
	return cli.Exit(err.Error(), exitUsage)
}
