package report

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/pinchtab/pinchcheck/internal/mode"
)

func sampleReport() *Report {
	r := New()
	dev := ModeResult{Mode: mode.Dev, Port: 4100}
	dev.Enter("idle")
	dev.Enter("starting")
	dev.Cases = []CaseResult{
		{Name: "should load the images", Status: Passed, DurationMs: 1200},
		{Name: "should show missing src error", Status: Failed, Error: "overlay header \"\" does not contain", Screenshot: "/tmp/a.jpg"},
	}
	dev.Finish(nil)

	prod := ModeResult{Mode: mode.Production}
	prod.Cases = []CaseResult{{Name: "should show missing src error", Status: Skipped, Reason: "dev only"}}
	prod.Finish(errors.New("build failed: exit status 1"))

	r.Modes = append(r.Modes, prod, dev)
	return r
}

func TestNew_RunID(t *testing.T) {
	r := New()
	if _, err := uuid.Parse(r.RunID); err != nil {
		t.Errorf("expected uuid run id, got %q", r.RunID)
	}
	if r.Failed() {
		t.Error("empty report should not be failed")
	}
}

func TestModeResult_Finish(t *testing.T) {
	m := ModeResult{Cases: []CaseResult{{Status: Passed}, {Status: Skipped}}}
	m.Finish(nil)
	if m.Status != Passed {
		t.Errorf("expected passed, got %s", m.Status)
	}

	m.Cases = append(m.Cases, CaseResult{Status: Failed})
	m.Finish(nil)
	if m.Status != Failed {
		t.Errorf("expected failed after a failed case, got %s", m.Status)
	}

	m = ModeResult{TeardownErrors: []string{"remove next.config.js: permission denied"}}
	m.Finish(nil)
	if m.Status != Failed {
		t.Errorf("expected teardown error to fail the mode, got %s", m.Status)
	}

	m = ModeResult{}
	m.Finish(errors.New("readiness timeout"))
	if m.Status != Failed || m.Error != "readiness timeout" {
		t.Errorf("unexpected result %+v", m)
	}
}

func TestModeResult_StateNames(t *testing.T) {
	var m ModeResult
	m.Enter("idle")
	m.Enter("building")
	if got := strings.Join(m.StateNames(), ","); got != "idle,building" {
		t.Errorf("unexpected states %q", got)
	}
}

func TestSummary(t *testing.T) {
	r := sampleReport()
	got := r.Summary()
	want := "1 passed, 1 failed, 1 skipped across 2 modes (1 modes did not start)"
	if got != want {
		t.Errorf("Summary = %q, want %q", got, want)
	}
	if !r.Failed() {
		t.Error("expected report to be failed")
	}
}

func TestWriteText(t *testing.T) {
	var b strings.Builder
	if err := sampleReport().WriteText(&b); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := b.String()
	for _, want := range []string{"dev mode: failed", "production mode: failed", "error: build failed", "screenshot: /tmp/a.jpg", "dev only"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestSaveLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	r := sampleReport()

	path, err := r.Save(dir)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Base(path) != FileName {
		t.Errorf("unexpected path %s", path)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should be renamed away")
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.RunID != r.RunID {
		t.Errorf("expected run id %s, got %s", r.RunID, loaded.RunID)
	}
	if len(loaded.Modes[0].States) != 2 {
		t.Errorf("expected states to survive, got %+v", loaded.Modes[0].States)
	}
}

func TestLoad_KeepsRunOrder(t *testing.T) {
	dir := t.TempDir()
	r := New()
	r.Modes = []ModeResult{{Mode: mode.Serverless}, {Mode: mode.Dev}}
	if _, err := r.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Modes) != 2 || loaded.Modes[0].Mode != mode.Serverless || loaded.Modes[1].Mode != mode.Dev {
		t.Errorf("expected serverless then dev, got %+v", loaded.Modes)
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(t.TempDir())
	if !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestLoad_Corrupt(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0644)
	if _, err := Load(dir); err == nil {
		t.Error("expected parse error")
	}
}
