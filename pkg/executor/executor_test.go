package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesis-bot/genesis/pkg/plugins"
)

// scriptPlugin writes a process-type plugin backed by a shell script
// and returns a ref to its single action.
func scriptPlugin(t *testing.T, root, name, script string) plugins.ActionRef {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixtures require a POSIX shell")
	}
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\n"+script), 0o755))

	p := &plugins.Plugin{
		Manifest: plugins.Manifest{
			ID: name, Name: name, Version: "1.0.0",
			Actions: []plugins.ActionSpec{{Name: name, Script: "run.sh", Type: plugins.TypeProcess}},
		},
		Path: dir,
		Role: plugins.RoleSystem,
	}
	return plugins.ActionRef{Plugin: p, Action: &p.Actions[0]}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	root := t.TempDir()
	return NewEngine(filepath.Join(root, "data"), filepath.Join(root, "bot_data"))
}

func TestExecuteResultProtocol(t *testing.T) {
	root := t.TempDir()
	e := newTestEngine(t)

	t.Run("last JSON object wins", func(t *testing.T) {
		ref := scriptPlugin(t, root, "last_obj", `
echo '{"status":"progress","step":1}'
echo '{"partial":"ignored"}'
echo '{"answer":42}'
`)
		res := e.Execute(context.Background(), ref, nil, ExecContext{UserID: 1}, nil)
		require.Equal(t, StatusSuccess, res.Status)
		out, ok := res.Output.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(42), out["answer"])
	})

	t.Run("progress lines reach the callback", func(t *testing.T) {
		ref := scriptPlugin(t, root, "progress", `
echo '{"status":"progress","scanned":1}'
echo '{"status":"progress","scanned":2}'
echo '{"status":"success","output":"done"}'
`)
		var mu sync.Mutex
		var updates []map[string]any
		res := e.Execute(context.Background(), ref, nil, ExecContext{UserID: 1}, func(u map[string]any) {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		})
		require.Equal(t, StatusSuccess, res.Status)
		require.Len(t, updates, 2)
		assert.Equal(t, float64(2), updates[1]["scanned"])
	})

	t.Run("raw stdout fallback when nothing parses", func(t *testing.T) {
		ref := scriptPlugin(t, root, "raw", `
echo "plain line one"
echo "plain line two"
`)
		res := e.Execute(context.Background(), ref, nil, ExecContext{UserID: 1}, nil)
		require.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, "plain line one\nplain line two", res.Output)
	})

	t.Run("single-key output dict is unwrapped", func(t *testing.T) {
		ref := scriptPlugin(t, root, "unwrap", `echo '{"output":"bare string"}'`)
		res := e.Execute(context.Background(), ref, nil, ExecContext{UserID: 1}, nil)
		require.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, "bare string", res.Output)
	})
}

func TestExecuteFailure(t *testing.T) {
	root := t.TempDir()
	e := newTestEngine(t)

	ref := scriptPlugin(t, root, "boom", `
echo '{"status":"progress","step":1}'
echo "it broke" >&2
exit 3
`)
	res := e.Execute(context.Background(), ref, nil, ExecContext{UserID: 1}, nil)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "it broke", res.Error)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.PartialOutput, `"step":1`)
}

func TestExecuteEnvInjection(t *testing.T) {
	root := t.TempDir()
	e := newTestEngine(t)

	ref := scriptPlugin(t, root, "envcheck", `
printf '{"status":"success","home":"%s","plugin":"%s","args":%s}\n' "$GENESIS_HOME" "$GENESIS_PLUGIN_PATH" "$ACTION_ARGS"
`)
	res := e.Execute(context.Background(), ref, map[string]any{"q": "x"}, ExecContext{UserID: 5}, nil)
	require.Equal(t, StatusSuccess, res.Status)
	out := res.Output.(map[string]any)
	// System-scoped plugin resolves to the shared system home.
	assert.Contains(t, out["home"], filepath.Join("bot_data", "_system"))
	assert.Equal(t, ref.Plugin.Path, out["plugin"])
	args := out["args"].(map[string]any)
	assert.Equal(t, "x", args["q"])
	assert.DirExists(t, out["home"].(string))
}

func TestExecuteUserHome(t *testing.T) {
	root := t.TempDir()
	e := newTestEngine(t)

	ref := scriptPlugin(t, root, "userhome", `printf '{"status":"success","home":"%s"}\n' "$GENESIS_HOME"`)
	ref.Plugin.Role = plugins.RoleUser

	res := e.Execute(context.Background(), ref, nil, ExecContext{UserID: 42}, nil)
	require.Equal(t, StatusSuccess, res.Status)
	out := res.Output.(map[string]any)
	assert.Contains(t, out["home"], filepath.Join("bot_data", "users", "42"))
}

func TestExecuteCancellation(t *testing.T) {
	root := t.TempDir()
	e := newTestEngine(t)

	ref := scriptPlugin(t, root, "sleepy", `
echo '{"status":"progress","step":"starting"}'
sleep 30
echo '{"status":"success"}'
`)

	started := make(chan struct{})
	var once sync.Once
	done := make(chan Result, 1)
	go func() {
		done <- e.Execute(context.Background(), ref, nil, ExecContext{UserID: 1, ExecutionID: "exec-1"}, func(map[string]any) {
			once.Do(func() { close(started) })
		})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("plugin never started")
	}
	require.True(t, e.Cancel("exec-1"))

	select {
	case res := <-done:
		assert.Equal(t, StatusError, res.Status)
		assert.Equal(t, "cancelled", res.Error)
		assert.Contains(t, res.PartialOutput, "starting")
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not terminate the action")
	}

	assert.False(t, e.Cancel("exec-1"), "finished executions are deregistered")
}

func TestExecuteBuiltin(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterBuiltin("add", func(_ context.Context, args map[string]any, _ ExecContext) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	})
	e.RegisterBuiltin("fail", func(context.Context, map[string]any, ExecContext) (any, error) {
		return nil, errors.New("builtin exploded")
	})

	p := &plugins.Plugin{
		Manifest: plugins.Manifest{
			ID: "builtins", Name: "Builtins", Version: "1.0.0",
			Actions: []plugins.ActionSpec{
				{Name: "add", Type: plugins.TypeBuiltin},
				{Name: "fail", Type: plugins.TypeBuiltin},
				{Name: "unregistered", Type: plugins.TypeBuiltin},
			},
		},
		Role: plugins.RoleSystem,
	}

	res := e.Execute(context.Background(), plugins.ActionRef{Plugin: p, Action: &p.Actions[0]},
		map[string]any{"a": float64(2), "b": float64(3)}, ExecContext{UserID: 1}, nil)
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, float64(5), res.Output)

	res = e.Execute(context.Background(), plugins.ActionRef{Plugin: p, Action: &p.Actions[1]}, nil, ExecContext{UserID: 1}, nil)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "builtin exploded", res.Error)

	res = e.Execute(context.Background(), plugins.ActionRef{Plugin: p, Action: &p.Actions[2]}, nil, ExecContext{UserID: 1}, nil)
	assert.Equal(t, StatusError, res.Status)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2)

	var mu sync.Mutex
	running, peak := 0, 0
	work := func() Result {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return Result{Status: StatusSuccess}
	}

	var futures []*Future
	for i := 0; i < 6; i++ {
		futures = append(futures, p.Submit(work))
	}
	for _, f := range futures {
		assert.Equal(t, StatusSuccess, f.Result().Status)
		assert.True(t, f.Ready())
	}
	p.Shutdown()
	assert.LessOrEqual(t, peak, 2)
}
