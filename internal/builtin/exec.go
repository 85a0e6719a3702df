package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mschirtzinger/vaultd/internal/event"
	"github.com/mschirtzinger/vaultd/internal/handler"
	"github.com/mschirtzinger/vaultd/internal/note"
)

const execOutputTail = 2048

// Exec runs an external command per event, e.g. an OCR pipeline. Its
// arguments may reference {path}, {rel}, {op}, {task} and {vault}.
type Exec struct {
	command string
	args    []string
	dir     string
	env     []string
	deletes bool
}

// NewExec builds an exec handler. Options: command (required), args,
// dir, env ("KEY=value" list), on_delete (also run for deletions).
func NewExec(spec handler.Spec, env handler.Env) (handler.Handler, error) {
	opts := handler.Options(spec.Options)
	command, err := opts.RequiredString("command")
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(command); err != nil {
		return nil, fmt.Errorf("command %q: %w", command, err)
	}
	return &Exec{
		command: command,
		args:    opts.Strings("args"),
		dir:     opts.String("dir", env.VaultRoot),
		env:     opts.Strings("env"),
		deletes: opts.Bool("on_delete", false),
	}, nil
}

// Matches accepts scheduled events and changes to existing files.
func (h *Exec) Matches(ev event.Event, meta note.Metadata) bool {
	if ev.Kind == event.KindScheduled {
		return true
	}
	if ev.Op == event.OpDeleted {
		return h.deletes
	}
	return meta.Exists && !meta.IsDir
}

// Process runs the command. A non-zero exit fails the invocation.
func (h *Exec) Process(ctx context.Context, req *handler.Request) (map[string]string, error) {
	r := strings.NewReplacer(
		"{path}", req.Event.Path,
		"{rel}", req.Meta.Rel,
		"{op}", req.Event.Op.String(),
		"{task}", req.Event.TaskID,
		"{vault}", req.VaultRoot,
	)
	args := make([]string, len(h.args))
	for i, a := range h.args {
		args[i] = r.Replace(a)
	}

	// #nosec G204 - command and args come from the operator's config
	cmd := exec.CommandContext(ctx, h.command, args...)
	cmd.Dir = h.dir
	if len(h.env) > 0 {
		cmd.Env = append(cmd.Environ(), h.env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	meta := map[string]string{"stdout": tail(stdout.String(), execOutputTail)}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		meta["exit_code"] = "0"
		return meta, nil
	case errors.As(err, &exitErr):
		meta["exit_code"] = fmt.Sprint(exitErr.ExitCode())
		return meta, fmt.Errorf("%s exited with %d: %s", h.command, exitErr.ExitCode(), tail(stderr.String(), 512))
	default:
		return meta, fmt.Errorf("failed to run %s: %w", h.command, err)
	}
}
