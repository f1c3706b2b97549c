package cases

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinchtab/pinchcheck/internal/mode"
	"github.com/pinchtab/pinchcheck/internal/poll"
	"github.com/pinchtab/pinchcheck/internal/report"
	"github.com/pinchtab/pinchcheck/internal/suite"
)

// fakeApp stands in for the test app: the image pages decode after a few
// reads and the broken pages show an overlay.
type fakeApp struct {
	mu          sync.Mutex
	decodeAfter int
	brokenImage bool
	overlays    map[string]string
	open        int
}

func (a *fakeApp) Allocate() (int, error)                   { return 4321, nil }
func (a *fakeApp) Release(int)                              {}
func (a *fakeApp) Build(context.Context, string) error      { return nil }
func (a *fakeApp) Stop() error                              { return nil }
func (a *fakeApp) Start(context.Context, string, int, mode.Mode) (suite.App, error) {
	return a, nil
}

func (a *fakeApp) Open(_ context.Context, port int, path string) (suite.Page, error) {
	if port != 4321 {
		return nil, fmt.Errorf("unexpected port %d", port)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open++
	return &fakePage{app: a, path: path, reads: map[string]int{}}, nil
}

func (a *fakeApp) OpenSessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

type fakePage struct {
	app      *fakeApp
	path     string
	reads    map[string]int
	scrolled bool
	closed   bool
}

func (p *fakePage) width(id string) float64 {
	p.reads[id]++
	if p.app.brokenImage {
		return 0
	}
	if id == "unsized-image" && !p.scrolled {
		return 0
	}
	if p.reads[id] <= p.app.decodeAfter {
		return 0
	}
	return 1200
}

func (p *fakePage) Evaluate(_ context.Context, expression string, out any) error {
	p.app.mu.Lock()
	defer p.app.mu.Unlock()

	header, hasOverlay := p.app.overlays[p.path]
	switch {
	case strings.Contains(expression, "data-nextjs-dialog-header"):
		*out.(*string) = header
	case strings.Contains(expression, "nextjs-portal"):
		*out.(*bool) = hasOverlay
	case strings.Contains(expression, "scrollIntoView"):
		p.scrolled = true
	case strings.Contains(expression, `"basic-image"`) && (p.path == "/" || p.path == "/flex"):
		*out.(*float64) = p.width("basic-image")
	case strings.Contains(expression, `"unsized-image"`) && p.path == "/":
		*out.(*float64) = p.width("unsized-image")
	default:
		return errors.New("TypeError: Cannot read properties of null")
	}
	return nil
}

func (p *fakePage) EvalNumber(ctx context.Context, expression string) (float64, error) {
	var v float64
	err := p.Evaluate(ctx, expression, &v)
	return v, err
}

func (p *fakePage) EvalString(ctx context.Context, expression string) (string, error) {
	var v string
	err := p.Evaluate(ctx, expression, &v)
	return v, err
}

func (p *fakePage) Screenshot(context.Context) ([]byte, error) { return nil, errors.New("no screen") }
func (p *fakePage) PageErrors() []string                       { return nil }
func (p *fakePage) URL() string                                { return p.path }

func (p *fakePage) Close() error {
	p.app.mu.Lock()
	defer p.app.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.app.open--
	}
	return nil
}

func runCases(t *testing.T, app *fakeApp, modes ...mode.Mode) *report.Report {
	t.Helper()
	r := suite.NewRunner(suite.Config{
		AppDir: t.TempDir(),
		Modes:  modes,
		Poll:   []poll.Option{poll.WithTimeout(300 * time.Millisecond), poll.WithInterval(5 * time.Millisecond)},
	}, app, app, app, ImageComponent(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	return rep
}

func workingApp() *fakeApp {
	return &fakeApp{
		decodeAfter: 2,
		overlays: map[string]string{
			"/missing-src": "Error: " + MissingSrcHeader,
			"/invalid-src": "Error: " + InvalidSrcHeader,
		},
	}
}

func statuses(m report.ModeResult) map[string]report.Status {
	out := make(map[string]report.Status)
	for _, c := range m.Cases {
		out[c.Name] = c.Status
	}
	return out
}

func TestImageComponent_Names(t *testing.T) {
	var names []string
	for _, c := range ImageComponent() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{
		"should load the images",
		"should work when using flexbox",
		"should show missing src error",
		"should show invalid src error",
	}, names)
}

func TestImageComponent_AllModes(t *testing.T) {
	app := workingApp()
	rep := runCases(t, app, mode.All...)
	require.Len(t, rep.Modes, 3)

	dev := statuses(rep.Modes[0])
	for name, st := range dev {
		assert.Equal(t, report.Passed, st, "dev: %s", name)
	}
	for _, m := range rep.Modes[1:] {
		st := statuses(m)
		assert.Equal(t, report.Passed, st["should load the images"], m.Mode.String())
		assert.Equal(t, report.Passed, st["should work when using flexbox"], m.Mode.String())
		assert.Equal(t, report.Skipped, st["should show missing src error"], m.Mode.String())
		assert.Equal(t, report.Skipped, st["should show invalid src error"], m.Mode.String())
	}
	assert.Equal(t, 0, app.OpenSessions())
}

func TestImageComponent_ImageNeverDecodes(t *testing.T) {
	app := workingApp()
	app.brokenImage = true
	rep := runCases(t, app, mode.Production)

	var loads report.CaseResult
	for _, c := range rep.Modes[0].Cases {
		if c.Name == "should load the images" {
			loads = c
		}
	}
	assert.Equal(t, report.Failed, loads.Status)
	assert.Contains(t, loads.Error, "basic-image naturalWidth")
	assert.Contains(t, loads.Error, "observed 0")
	assert.Equal(t, 0, app.OpenSessions())
}

func TestImageComponent_WrongOverlayHeader(t *testing.T) {
	app := workingApp()
	app.overlays["/invalid-src"] = "Unhandled Runtime Error"
	rep := runCases(t, app, mode.Dev)

	st := statuses(rep.Modes[0])
	assert.Equal(t, report.Passed, st["should show missing src error"])
	assert.Equal(t, report.Failed, st["should show invalid src error"])
	assert.Equal(t, report.Passed, st["should load the images"], "siblings unaffected")
}

func TestImageComponent_NoOverlay(t *testing.T) {
	app := workingApp()
	delete(app.overlays, "/missing-src")
	rep := runCases(t, app, mode.Dev)

	for _, c := range rep.Modes[0].Cases {
		if c.Name == "should show missing src error" {
			assert.Equal(t, report.Failed, c.Status)
			assert.Contains(t, c.Error, "error overlay not shown")
		}
	}
}
