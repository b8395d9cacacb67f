package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
)

// maxLineBytes bounds a single stdout line; plugins emitting larger
// payloads should chunk them across lines.
const maxLineBytes = 4 << 20

// runSubprocess spawns the child, feeds it the args JSON on stdin, and
// reads its line-JSON protocol from stdout:
//
//	{"status":"progress",...} — forwarded to progress, dropped otherwise
//	{"status":"match",...}    — forwarded to progress and accumulated
//	any other JSON object     — candidate result; the last one wins
//
// Lines that do not parse as JSON are kept as raw text; if no line
// parses, the concatenated stdout is the result.
func runSubprocess(ctx context.Context, bin string, argv []string, workDir string, env []string, args map[string]any, progress ProgressFunc) Result {
	cmd := exec.Command(bin, argv...)
	cmd.Dir = workDir
	cmd.Env = env
	setProcGroup(cmd)

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return Result{Status: StatusError, Error: "failed to encode action args: " + err.Error()}
	}
	cmd.Stdin = bytes.NewReader(argsJSON)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Status: StatusError, Error: "failed to open stdout pipe: " + err.Error()}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{Status: StatusError, Error: "failed to start action process: " + err.Error()}
	}

	// The whole process group dies on cancellation so grandchildren
	// cannot outlive the action.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			killProcGroup(cmd)
		case <-watchDone:
		}
	}()

	var (
		rawLines []string
		matches  []map[string]any
		lastObj  map[string]any
		gotObj   bool
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		rawLines = append(rawLines, line)

		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		switch obj["status"] {
		case "progress":
			if progress != nil {
				progress(obj)
			}
		case "match":
			if progress != nil {
				progress(obj)
			}
			matches = append(matches, obj)
		default:
			lastObj = obj
			gotObj = true
		}
	}

	waitErr := cmd.Wait()
	close(watchDone)

	partial := strings.Join(rawLines, "\n")

	if ctx.Err() != nil {
		return Result{Status: StatusError, Error: "cancelled", PartialOutput: partial}
	}

	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "Unknown Error"
		}
		res := Result{Status: StatusError, Error: msg, PartialOutput: partial}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res
	}

	var output any
	switch {
	case gotObj:
		output = lastObj
	case len(matches) > 0:
		output = map[string]any{"matches": matches}
	default:
		output = partial
	}
	return Result{Status: StatusSuccess, Output: output}
}
