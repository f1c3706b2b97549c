package suite

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pinchtab/pinchcheck/internal/mode"
)

// ServerlessConfig is the next.config.js written for the serverless build.
const ServerlessConfig = `
module.exports = {
  target: 'serverless'
}
`

// ConfigOverride is a file that exists only for the duration of one mode
// block.
type ConfigOverride struct {
	Path    string
	Content []byte
}

// ServerlessOverride is the override the serverless mode writes into appDir.
func ServerlessOverride(appDir string) ConfigOverride {
	return ConfigOverride{
		Path:    filepath.Join(appDir, "next.config.js"),
		Content: []byte(ServerlessConfig),
	}
}

// Apply writes the override. The returned restore removes it again, or puts
// back the file it replaced. restore is non-nil even when Apply fails, so a
// half-written file is still cleaned up.
func (o ConfigOverride) Apply() (restore func() error, err error) {
	previous, readErr := os.ReadFile(o.Path)
	existed := readErr == nil
	if readErr != nil && !errors.Is(readErr, fs.ErrNotExist) {
		return func() error { return nil }, fmt.Errorf("read %s: %w", o.Path, readErr)
	}

	restore = func() error {
		if existed {
			if err := os.WriteFile(o.Path, previous, 0644); err != nil {
				return fmt.Errorf("restore %s: %w", o.Path, err)
			}
			return nil
		}
		if err := os.Remove(o.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", o.Path, err)
		}
		return nil
	}
	if err := os.WriteFile(o.Path, o.Content, 0644); err != nil {
		return restore, fmt.Errorf("write %s: %w", o.Path, err)
	}
	return restore, nil
}

// modeSpec is the mode-specific part of a mode block.
type modeSpec struct {
	build bool
	// before runs ahead of the build and returns its undo step.
	before func(appDir string) (func() error, error)
}

func modeSpecs() map[mode.Mode]modeSpec {
	return map[mode.Mode]modeSpec{
		mode.Dev:        {},
		mode.Production: {build: true},
		mode.Serverless: {
			build: true,
			before: func(appDir string) (func() error, error) {
				return ServerlessOverride(appDir).Apply()
			},
		},
	}
}
