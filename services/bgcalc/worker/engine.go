// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
)

// Engine runs the actual computation. It knows nothing about caching,
// markers or backends.
type Engine interface {
	Compute(ctx context.Context, taskName string, request json.RawMessage, progress Progress) (json.RawMessage, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, taskName string, request json.RawMessage, progress Progress) (json.RawMessage, error)

// Compute implements Engine.
func (f EngineFunc) Compute(ctx context.Context, taskName string, request json.RawMessage, progress Progress) (json.RawMessage, error) {
	return f(ctx, taskName, request, progress)
}

// EngineHandler binds engine to one task name.
func EngineHandler(engine Engine, taskName string) Handler {
	return func(ctx context.Context, args json.RawMessage, progress Progress) (json.RawMessage, error) {
		return engine.Compute(ctx, taskName, args, progress)
	}
}

// RegisterEngine registers engine under every name in taskNames.
func RegisterEngine(r *Registry, engine Engine, taskNames ...string) {
	for _, name := range taskNames {
		r.Register(name, EngineHandler(engine, name))
	}
}

// =============================================================================
// External Command Engine
// =============================================================================

// progressPrefix starts a progress line on the command's stderr.
const progressPrefix = "PROGRESS "

// userErrorPrefix marks a stderr line whose text is safe to show to users.
const userErrorPrefix = "USER_ERROR "

// maxStderrLine bounds one stderr line kept in memory.
const maxStderrLine = 1 << 20

// ExecEngine runs one external command per task name.
//
// # Description
//
// The request JSON is written to the command's stdin and the result JSON is
// read from stdout. Stderr lines of the form "PROGRESS <done> <total>" are
// forwarded to the progress sink, a "USER_ERROR <msg>" line turns a non-zero
// exit into a UserError, and all other lines are logged.
//
// # Fields
//
//   - Commands: Task name to argv. argv[0] is looked up in PATH.
//   - Env: Extra environment entries, KEY=VALUE.
type ExecEngine struct {
	Commands map[string][]string
	Env      []string
}

// Compute implements Engine.
func (e *ExecEngine) Compute(ctx context.Context, taskName string, request json.RawMessage, progress Progress) (json.RawMessage, error) {
	argv, ok := e.Commands[taskName]
	if !ok || len(argv) == 0 {
		return nil, fmt.Errorf("no command configured for task %q", taskName)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(request)
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	// stderr must be drained before Wait closes the pipe
	userMsg := scanStderr(stderr, taskName, progress)
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if waitErr != nil {
		if userMsg != "" {
			return nil, &datatypes.UserError{Msg: userMsg}
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("%s exited with code %d", argv[0], exitErr.ExitCode())
		}
		return nil, fmt.Errorf("run %s: %w", argv[0], waitErr)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if !json.Valid(out) {
		return nil, fmt.Errorf("%s produced invalid JSON output", argv[0])
	}
	return out, nil
}

// scanStderr consumes the command's stderr until EOF and returns the last
// user error message seen. After an overlong line the rest of the stream is
// discarded so the command never blocks on a full pipe.
func scanStderr(r io.Reader, taskName string, progress Progress) string {
	var userMsg string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxStderrLine)
	defer func() {
		if err := sc.Err(); err != nil {
			slog.Warn("Engine stderr no longer parsed", "task", taskName, "error", err)
		}
		_, _ = io.Copy(io.Discard, r)
	}()
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, progressPrefix):
			done, total, ok := parseProgress(strings.TrimPrefix(line, progressPrefix))
			if ok {
				progress.Report(done, total)
			}
		case strings.HasPrefix(line, userErrorPrefix):
			userMsg = strings.TrimSpace(strings.TrimPrefix(line, userErrorPrefix))
		case strings.TrimSpace(line) != "":
			slog.Debug("Engine stderr", "task", taskName, "line", line)
		}
	}
	return userMsg
}

func parseProgress(s string) (int64, int64, bool) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, 0, false
	}
	done, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	total, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return done, total, true
}
