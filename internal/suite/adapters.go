package suite

import (
	"context"

	"github.com/pinchtab/pinchcheck/internal/browser"
	"github.com/pinchtab/pinchcheck/internal/mode"
	"github.com/pinchtab/pinchcheck/internal/process"
)

// ProcessLauncher runs the app with a process.Controller. Instances started
// after a build reference that build.
type ProcessLauncher struct {
	Controller *process.Controller

	lastBuild *process.BuildResult
}

func (l *ProcessLauncher) Build(ctx context.Context, appDir string) error {
	res, err := l.Controller.Build(ctx, appDir)
	if err != nil {
		l.lastBuild = nil
		return err
	}
	l.lastBuild = res
	return nil
}

func (l *ProcessLauncher) Start(ctx context.Context, appDir string, port int, m mode.Mode) (App, error) {
	inst, err := l.Controller.Start(ctx, appDir, port, m)
	if err != nil {
		return nil, err
	}
	if m != mode.Dev {
		inst.Build = l.lastBuild
	}
	return inst, nil
}

// BrowserOpener opens pages with a browser.Manager.
type BrowserOpener struct {
	Manager *browser.Manager
}

func (o BrowserOpener) Open(ctx context.Context, port int, path string) (Page, error) {
	s, err := o.Manager.Open(ctx, port, path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (o BrowserOpener) OpenSessions() int { return o.Manager.OpenSessions() }
