package browser

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// markCleanExit patches a reused Chrome profile so a previous crashed run
// does not bring up the restore-session bar on the next launch.
func markCleanExit(profileDir string, logger *slog.Logger) {
	prefsPath := filepath.Join(profileDir, "Default", "Preferences")
	data, err := os.ReadFile(prefsPath)
	if err != nil {
		return
	}
	patched := strings.ReplaceAll(string(data), `"exit_type":"Crashed"`, `"exit_type":"Normal"`)
	patched = strings.ReplaceAll(patched, `"exited_cleanly":false`, `"exited_cleanly":true`)
	if patched == string(data) {
		return
	}
	if err := os.WriteFile(prefsPath, []byte(patched), 0644); err != nil {
		logger.Warn("patch chrome prefs", "path", prefsPath, "err", err)
	}
}
