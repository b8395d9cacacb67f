package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

// pipTimeout bounds the one-time dependency install per plugin.
const pipTimeout = 120 * time.Second

const (
	requirementsFile = "requirements.txt"
	venvDirName      = ".venv"
	depsSentinel     = ".deps_installed"
)

// ensureInterpreter returns the interpreter to run a python action
// with. Plugins without a requirements.txt use the ambient interpreter.
// Plugins with one get an isolated venv created on first use; a
// sentinel file marks a completed install so later runs skip pip.
func (e *Engine) ensureInterpreter(ctx context.Context, pluginDir string) (string, error) {
	if _, err := os.Stat(filepath.Join(pluginDir, requirementsFile)); os.IsNotExist(err) {
		return e.python, nil
	}

	venvDir := filepath.Join(pluginDir, venvDirName)
	venvPython := venvInterpreter(venvDir)
	if _, err := os.Stat(filepath.Join(venvDir, depsSentinel)); err == nil {
		return venvPython, nil
	}

	slog.Info("Installing plugin dependencies", "plugin", pluginDir)

	installCtx, cancel := context.WithTimeout(ctx, pipTimeout)
	defer cancel()

	if _, err := os.Stat(venvPython); os.IsNotExist(err) {
		cmd := exec.CommandContext(installCtx, e.python, "-m", "venv", venvDir)
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("failed to create plugin venv: %w: %s", err, out)
		}
	}

	cmd := exec.CommandContext(installCtx, venvPython, "-m", "pip", "install", "-r", filepath.Join(pluginDir, requirementsFile))
	cmd.Dir = pluginDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to install plugin dependencies: %w: %s", err, out)
	}

	if err := os.WriteFile(filepath.Join(venvDir, depsSentinel), []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return "", fmt.Errorf("failed to mark dependencies installed: %w", err)
	}
	return venvPython, nil
}

func venvInterpreter(venvDir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venvDir, "Scripts", "python.exe")
	}
	return filepath.Join(venvDir, "bin", "python")
}
