// Package executor runs plugin actions as sandboxed subprocesses with a
// line-JSON stdout protocol, streaming progress, and cooperative
// cancellation by execution id.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/genesis-bot/genesis/pkg/plugins"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the outcome of one action execution.
type Result struct {
	Status        string `json:"status"`
	Output        any    `json:"output,omitempty"`
	Error         string `json:"error,omitempty"`
	ExitCode      int    `json:"exit_code,omitempty"`
	PartialOutput string `json:"partial_output,omitempty"`
}

// ExecContext identifies who is running an action and under which
// chat, plus the id a caller can use to cancel it mid-flight.
type ExecContext struct {
	UserID      int64
	ChatID      string
	ExecutionID string
}

// ProgressFunc receives progress and match objects emitted by the
// child while it runs. Called from the execution goroutine.
type ProgressFunc func(update map[string]any)

// BuiltinFunc is an in-process action handler. Builtins bypass the
// subprocess sandbox: a panicking builtin takes the host down with it.
type BuiltinFunc func(ctx context.Context, args map[string]any, ec ExecContext) (any, error)

// Engine executes actions. One engine is shared by the orchestrator
// and the scheduler.
type Engine struct {
	dataDir    string // data/ root, for the ephemeral home
	botDataDir string // bot_data/ root, for system and user homes
	python     string // interpreter for python-type actions

	mu       sync.Mutex
	active   map[string]context.CancelFunc
	builtins map[string]BuiltinFunc
}

// NewEngine creates an engine rooted at the given data directories.
func NewEngine(dataDir, botDataDir string) *Engine {
	python := os.Getenv("GENESIS_PYTHON")
	if python == "" {
		python = "python3"
	}
	return &Engine{
		dataDir:    dataDir,
		botDataDir: botDataDir,
		python:     python,
		active:     make(map[string]context.CancelFunc),
		builtins:   make(map[string]BuiltinFunc),
	}
}

// RegisterBuiltin installs an in-process handler for a builtin-type
// action. The handler is looked up by action name.
func (e *Engine) RegisterBuiltin(actionName string, fn BuiltinFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.builtins[actionName] = fn
}

// Execute runs one action to completion and returns its result. The
// progress callback may be nil. Cancellation happens through ctx or
// through Cancel with the context's execution id.
func (e *Engine) Execute(ctx context.Context, ref plugins.ActionRef, args map[string]any, ec ExecContext, progress ProgressFunc) Result {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if ec.ExecutionID != "" {
		e.mu.Lock()
		e.active[ec.ExecutionID] = cancel
		e.mu.Unlock()
		defer func() {
			e.mu.Lock()
			delete(e.active, ec.ExecutionID)
			e.mu.Unlock()
		}()
	}

	env, err := e.buildEnv(ref, args, ec)
	if err != nil {
		return Result{Status: StatusError, Error: err.Error()}
	}

	var res Result
	switch ref.Action.Type {
	case plugins.TypeBuiltin:
		res = e.runBuiltin(runCtx, ref, args, ec)
	case plugins.TypeProcess:
		script := filepath.Join(ref.Plugin.Path, ref.Action.Script)
		res = runSubprocess(runCtx, script, nil, ref.Plugin.Path, env, args, progress)
	case plugins.TypePython:
		interp, err := e.ensureInterpreter(runCtx, ref.Plugin.Path)
		if err != nil {
			return Result{Status: StatusError, Error: err.Error()}
		}
		script := filepath.Join(ref.Plugin.Path, ref.Action.Script)
		res = runSubprocess(runCtx, interp, []string{script}, ref.Plugin.Path, env, args, progress)
	default:
		return Result{Status: StatusError, Error: fmt.Sprintf("unknown action type %q", ref.Action.Type)}
	}

	if res.Status == StatusSuccess {
		res.Output = unwrapOutput(res.Output)
	}
	return res
}

// Cancel kills the execution registered under id, if still active.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.Lock()
	cancel, ok := e.active[executionID]
	e.mu.Unlock()
	if ok {
		slog.Info("Cancelling action execution", "execution_id", executionID)
		cancel()
	}
	return ok
}

// buildEnv constructs the child's environment on top of the parent's:
// a per-scope home directory, the plugin's own path, and the args as
// JSON for children that prefer env over stdin.
func (e *Engine) buildEnv(ref plugins.ActionRef, args map[string]any, ec ExecContext) ([]string, error) {
	var home string
	switch {
	case ref.Plugin.Role == plugins.RoleSystem:
		home = filepath.Join(e.botDataDir, "_system")
	case ec.UserID != 0:
		home = filepath.Join(e.botDataDir, "users", strconv.FormatInt(ec.UserID, 10))
	default:
		home = filepath.Join(e.dataDir, "tmp")
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create action home %s: %w", home, err)
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode action args: %w", err)
	}

	env := append(os.Environ(),
		"GENESIS_HOME="+home,
		"GENESIS_PLUGIN_PATH="+ref.Plugin.Path,
		"ACTION_ARGS="+string(argsJSON),
	)
	return env, nil
}

func (e *Engine) runBuiltin(ctx context.Context, ref plugins.ActionRef, args map[string]any, ec ExecContext) Result {
	e.mu.Lock()
	fn, ok := e.builtins[ref.Action.Name]
	e.mu.Unlock()
	if !ok {
		return Result{Status: StatusError, Error: fmt.Sprintf("no builtin handler registered for %q", ref.Action.Name)}
	}
	out, err := fn(ctx, args, ec)
	if err != nil {
		return Result{Status: StatusError, Error: err.Error()}
	}
	return Result{Status: StatusSuccess, Output: out}
}

// unwrapOutput flattens a single-key {"output": "<string>"} object to
// its string so pre-request outputs are not double-wrapped when they
// reach the model.
func unwrapOutput(out any) any {
	m, ok := out.(map[string]any)
	if !ok || len(m) != 1 {
		return out
	}
	if s, ok := m["output"].(string); ok {
		return s
	}
	return out
}
