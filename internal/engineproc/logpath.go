package engineproc

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/statabridge/server/internal/config"
)

// resolveRunFileLogPath computes where a run_file execution's transcript
// should additionally be written, per --log-file-location (spec §6). It
// mirrors the original implementation's get_log_file_path: dofile
// colocates the log next to the .do file, parent one directory up,
// workspace under the configured workspace root, extension under a logs/
// directory beside the running binary, and custom under an explicitly
// named directory. Every mode falls back to the do-file's own directory
// when its target is unavailable.
func resolveRunFileLogPath(cfg Config, doFilePath string) string {
	doDir := filepath.Dir(doFilePath)
	base := strings.TrimSuffix(filepath.Base(doFilePath), filepath.Ext(doFilePath))
	name := base + "_statabridge.log"
	fallback := filepath.Join(doDir, name)

	switch cfg.LogFileLocation {
	case config.LogLocationDofile:
		return fallback
	case config.LogLocationParent:
		parent := filepath.Dir(doDir)
		if parent == doDir || !dirExists(parent) {
			return fallback
		}
		return filepath.Join(parent, name)
	case config.LogLocationCustom:
		if cfg.CustomLogDir == "" || !dirExists(cfg.CustomLogDir) {
			return fallback
		}
		return filepath.Join(cfg.CustomLogDir, name)
	case config.LogLocationExtension:
		exe, err := os.Executable()
		if err != nil {
			return fallback
		}
		logsDir := filepath.Join(filepath.Dir(exe), "logs")
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			return fallback
		}
		return filepath.Join(logsDir, name)
	default: // config.LogLocationWorkspace
		if cfg.WorkspaceRoot == "" || !dirExists(cfg.WorkspaceRoot) {
			return fallback
		}
		return filepath.Join(cfg.WorkspaceRoot, name)
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
