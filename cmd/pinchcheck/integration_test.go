//go:build integration

package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pinchtab/pinchcheck/internal/report"
)

// TestIntegration_ImageFixture drives the fixture app through every mode
// with a real Chrome. It needs node_modules installed in testdata/app.
func TestIntegration_ImageFixture(t *testing.T) {
	app, err := filepath.Abs(filepath.Join("testdata", "app"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(app, "node_modules", "next")); err != nil {
		t.Skip("fixture dependencies not installed; run npm install in testdata/app")
	}
	if _, err := exec.LookPath("npx"); err != nil {
		t.Skip("npx not on PATH")
	}

	state := t.TempDir()
	t.Chdir(t.TempDir())
	t.Setenv("PINCHCHECK_STATE_DIR", state)
	t.Setenv("PINCHCHECK_ARTIFACTS_DIR", filepath.Join(state, "artifacts"))

	out, err := runCLI(t, "run", "--app-dir", app)
	t.Logf("report:\n%s", out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	rep, err := report.Load(state)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rep.Modes) != 3 {
		t.Fatalf("expected 3 modes, got %d", len(rep.Modes))
	}
	for _, m := range rep.Modes {
		if m.Status != report.Passed {
			t.Errorf("%s: %s %s", m.Mode, m.Status, m.Error)
		}
	}
	if _, err := os.Stat(filepath.Join(app, "next.config.js")); !os.IsNotExist(err) {
		t.Error("serverless config override left behind")
	}
	if !strings.Contains(out, "should show invalid src error") {
		t.Error("expected dev-only cases in the report")
	}
}
