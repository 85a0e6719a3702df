package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"golang.org/x/mod/semver"

	"github.com/mschirtzinger/vaultd/internal/event"
	"github.com/mschirtzinger/vaultd/internal/handler"
	"github.com/mschirtzinger/vaultd/internal/note"
)

// Wasm runs a WASI plugin per event. The module is compiled once; every
// invocation gets a fresh instance with the vault mounted read-only at
// /vault and the note's vault-relative path as its argument.
type Wasm struct {
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	root     string
	args     []string
}

// NewWasm builds a wasm handler. Options: module (path to a .wasm file,
// required), args (extra arguments), min_version (lowest daemon version
// the plugin supports, semver).
func NewWasm(spec handler.Spec, env handler.Env) (handler.Handler, error) {
	opts := handler.Options(spec.Options)
	path, err := opts.RequiredString("module")
	if err != nil {
		return nil, err
	}
	if err := checkMinVersion(opts.String("min_version", ""), env.Version); err != nil {
		return nil, err
	}

	// #nosec G304 - module path comes from the operator's config
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wasm module: %w", err)
	}

	ctx := context.Background()
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate wasi: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to compile %s: %w", path, err)
	}

	return &Wasm{
		name:     spec.Name,
		runtime:  rt,
		compiled: compiled,
		root:     env.VaultRoot,
		args:     opts.Strings("args"),
	}, nil
}

// checkMinVersion fails when the daemon is older than the plugin needs.
// Development builds without a semver version are always accepted.
func checkMinVersion(min, version string) error {
	if min == "" {
		return nil
	}
	min = canonical(min)
	if !semver.IsValid(min) {
		return fmt.Errorf("min_version %q is not a semantic version", min)
	}
	version = canonical(version)
	if !semver.IsValid(version) {
		return nil
	}
	if semver.Compare(version, min) < 0 {
		return fmt.Errorf("plugin requires vaultd %s, running %s", min, version)
	}
	return nil
}

func canonical(v string) string {
	if v != "" && v[0] != 'v' {
		v = "v" + v
	}
	return v
}

// Matches accepts existing files and scheduled events.
func (h *Wasm) Matches(ev event.Event, meta note.Metadata) bool {
	if ev.Kind == event.KindScheduled {
		return true
	}
	return ev.Op != event.OpDeleted && meta.Exists && !meta.IsDir
}

// Process instantiates the plugin and runs its _start. A non-zero exit
// code fails the invocation.
func (h *Wasm) Process(ctx context.Context, req *handler.Request) (map[string]string, error) {
	target := req.Meta.Rel
	if req.Event.Kind == event.KindScheduled {
		target = req.Event.TaskID
	}

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(append([]string{h.name, target}, h.args...)...).
		WithEnv("VAULTD_OP", req.Event.Op.String()).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(h.root, "/vault"))

	mod, err := h.runtime.InstantiateModule(ctx, h.compiled, cfg)
	if mod != nil {
		defer mod.Close(ctx)
	}

	meta := map[string]string{"stdout": tail(stdout.String(), execOutputTail)}
	if err == nil {
		meta["exit_code"] = "0"
		return meta, nil
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		meta["exit_code"] = fmt.Sprint(exitErr.ExitCode())
		if exitErr.ExitCode() == 0 {
			return meta, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return meta, fmt.Errorf("plugin interrupted: %w", ctxErr)
		}
		return meta, fmt.Errorf("plugin exited with %d: %s", exitErr.ExitCode(), tail(stderr.String(), 512))
	}
	return meta, fmt.Errorf("failed to run plugin: %w", err)
}

// Close releases the compiled module and runtime.
func (h *Wasm) Close() error {
	return h.runtime.Close(context.Background())
}
