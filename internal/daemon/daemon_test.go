package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/vaultd/internal/cache"
	"github.com/mschirtzinger/vaultd/internal/config"
	"github.com/mschirtzinger/vaultd/internal/event"
	"github.com/mschirtzinger/vaultd/internal/handler"
	"github.com/mschirtzinger/vaultd/internal/note"
)

// recorder is a handler kind that reports every request it gets.
type recorder struct {
	calls chan *handler.Request
	block <-chan struct{}
}

func (r *recorder) Matches(ev event.Event, meta note.Metadata) bool { return true }

func (r *recorder) Process(ctx context.Context, req *handler.Request) (map[string]string, error) {
	r.calls <- req
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, nil
}

func testFactory(rec *recorder) *handler.Factory {
	f := handler.NewFactory()
	f.Register("record", func(spec handler.Spec, env handler.Env) (handler.Handler, error) {
		return rec, nil
	})
	return f
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Vault = t.TempDir()
	cfg.StateDir = filepath.Join(cfg.Vault, ".vaultd")
	cfg.DebounceWindow = 20 * time.Millisecond
	cfg.CooldownSeconds = 0
	cfg.Cache.Backend = "memory"
	cfg.Scheduler.TickInterval = 10 * time.Millisecond
	cfg.ShutdownGracePeriod = time.Second
	cfg.Dashboard.Enabled = false
	cfg.Handlers = map[string]config.HandlerConfig{
		"notes": {Kind: "record", Include: []string{"*.md"}},
	}
	return &cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config, rec *recorder) *Daemon {
	t.Helper()
	d := New(cfg, Options{
		Factory: testFactory(rec),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() {
		if d.State() == StateRunning {
			_ = d.Stop(context.Background())
		}
	})
	return d
}

func waitCall(t *testing.T, rec *recorder) *handler.Request {
	t.Helper()
	select {
	case req := <-rec.calls:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not invoked")
		return nil
	}
}

func TestStartDispatchesFileEvents(t *testing.T) {
	rec := &recorder{calls: make(chan *handler.Request, 10)}
	cfg := testConfig(t)
	d := newTestDaemon(t, cfg, rec)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if d.State() != StateRunning || d.Status().State != "running" {
		t.Fatalf("state = %s / %s", d.State(), d.Status().State)
	}

	path := filepath.Join(cfg.Vault, "idea.md")
	if err := os.WriteFile(path, []byte("# idea\n"), 0644); err != nil {
		t.Fatal(err)
	}
	req := waitCall(t, rec)
	if req.Event.Path != path || req.Event.Kind != event.KindFile {
		t.Errorf("event = %+v", req.Event)
	}
	if req.Meta.Rel != "idea.md" {
		t.Errorf("meta rel = %q", req.Meta.Rel)
	}

	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if d.State() != StateStopped || d.Status().State != "stopped" {
		t.Errorf("state after Stop = %s / %s", d.State(), d.Status().State)
	}
	if snap := d.Status(); snap.Handlers["notes"].Successes != 1 {
		t.Errorf("notes stats = %+v", snap.Handlers["notes"])
	}
}

func TestScheduledTaskReachesHandler(t *testing.T) {
	rec := &recorder{calls: make(chan *handler.Request, 10)}
	cfg := testConfig(t)
	cfg.Tasks = []config.TaskConfig{{ID: "sweep", At: time.Now().Add(-time.Minute).Format(time.RFC3339)}}
	cfg.Handlers = map[string]config.HandlerConfig{
		"sweeper": {Kind: "record", Tasks: []string{"sweep"}},
	}
	d := newTestDaemon(t, cfg, rec)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	req := waitCall(t, rec)
	if req.Event.Kind != event.KindScheduled || req.Event.TaskID != "sweep" {
		t.Errorf("event = %+v", req.Event)
	}
}

func TestLifecycleErrors(t *testing.T) {
	rec := &recorder{calls: make(chan *handler.Request, 10)}
	d := newTestDaemon(t, testConfig(t), rec)
	ctx := context.Background()

	if err := d.Stop(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop before Start = %v, want ErrNotRunning", err)
	}
	if err := d.Reload(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Reload before Start = %v, want ErrNotRunning", err)
	}
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := d.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := d.Stop(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Stop = %v, want ErrNotRunning", err)
	}

	// A stopped daemon can start again.
	if err := d.Start(ctx); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop after restart failed: %v", err)
	}
}

func TestInvalidConfigIsFatal(t *testing.T) {
	rec := &recorder{calls: make(chan *handler.Request, 10)}
	cfg := testConfig(t)
	cfg.WorkerPoolSize = 0
	cfg.Handlers["bad"] = config.HandlerConfig{Kind: "fax"}
	d := newTestDaemon(t, cfg, rec)

	err := d.Start(context.Background())
	var cerr *config.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Start = %v, want *config.ConfigError", err)
	}
	if len(cerr.Problems) != 2 {
		t.Errorf("problems = %v, want 2", cerr.Problems)
	}
	if d.State() != StateStopped {
		t.Errorf("state = %s, want stopped", d.State())
	}
	if _, err := os.Stat(filepath.Join(cfg.StateDir, LockFile)); err == nil {
		t.Error("lock file created for invalid config")
	}
}

func TestSecondInstanceIsLocked(t *testing.T) {
	rec := &recorder{calls: make(chan *handler.Request, 10)}
	cfg := testConfig(t)
	first := newTestDaemon(t, cfg, rec)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	second := newTestDaemon(t, cfg, rec)
	if err := second.Start(context.Background()); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Start = %v, want ErrLocked", err)
	}
	if second.State() != StateStopped {
		t.Errorf("second state = %s", second.State())
	}
	if err := CheckLock(cfg.StateDir); !errors.Is(err, ErrLocked) {
		t.Errorf("CheckLock while running = %v, want ErrLocked", err)
	}

	if err := first.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := CheckLock(cfg.StateDir); err != nil {
		t.Errorf("CheckLock after Stop = %v", err)
	}
	if err := second.Start(context.Background()); err != nil {
		t.Errorf("Start after release = %v", err)
	}
}

func TestReload(t *testing.T) {
	rec := &recorder{calls: make(chan *handler.Request, 10)}
	cfg := testConfig(t)

	var mu sync.Mutex
	next := *cfg
	load := func() (*config.Config, error) {
		mu.Lock()
		defer mu.Unlock()
		c := next
		return &c, nil
	}
	d := New(cfg, Options{
		Load:    load,
		Factory: testFactory(rec),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop(ctx)

	// An invalid reload keeps the running handlers.
	mu.Lock()
	next.Handlers = map[string]config.HandlerConfig{"bad": {Kind: "fax"}}
	mu.Unlock()
	err := d.Reload(ctx)
	var cerr *config.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Reload = %v, want *config.ConfigError", err)
	}
	if d.State() != StateRunning {
		t.Errorf("state after rejected reload = %s", d.State())
	}
	if _, ok := d.Config().Handlers["notes"]; !ok {
		t.Error("running config replaced by invalid reload")
	}

	// A valid reload swaps handlers and tasks.
	mu.Lock()
	next.Tasks = []config.TaskConfig{{ID: "now", At: time.Now().Add(-time.Second).Format(time.RFC3339)}}
	next.Handlers = map[string]config.HandlerConfig{
		"notes":   {Kind: "record", Include: []string{"*.md"}},
		"nightly": {Kind: "record", Tasks: []string{"now"}},
	}
	mu.Unlock()
	if err := d.Reload(ctx); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := len(d.Config().Handlers); got != 2 {
		t.Errorf("handlers after reload = %d, want 2", got)
	}
	req := waitCall(t, rec)
	if req.Event.TaskID != "now" {
		t.Errorf("event after reload = %+v", req.Event)
	}
}

func TestStopAbandonsAfterGrace(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	rec := &recorder{calls: make(chan *handler.Request, 10), block: block}
	cfg := testConfig(t)
	cfg.ShutdownGracePeriod = 50 * time.Millisecond
	d := newTestDaemon(t, cfg, rec)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Vault, "slow.md"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	req := waitCall(t, rec)

	start := time.Now()
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %v, grace was 50ms", elapsed)
	}
	if got := d.Status().Abandoned; got != 1 {
		t.Errorf("abandoned = %d, want 1", got)
	}
	select {
	case <-req.Stopping:
	default:
		t.Error("handler was not told about the shutdown")
	}
}

func TestStatusNeverRunningAfterStop(t *testing.T) {
	rec := &recorder{calls: make(chan *handler.Request, 10)}
	d := newTestDaemon(t, testConfig(t), rec)
	ctx := context.Background()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				_ = d.Status()
				_ = d.State()
			}
		}
	}()

	for i := 0; i < 3; i++ {
		if err := d.Start(ctx); err != nil {
			t.Fatalf("Start %d failed: %v", i, err)
		}
		if err := d.Stop(ctx); err != nil {
			t.Fatalf("Stop %d failed: %v", i, err)
		}
		if s := d.Status(); s.Running() {
			t.Fatalf("status running after Stop returned")
		}
	}
	close(done)
	wg.Wait()
}

func TestDashboardServesHealth(t *testing.T) {
	rec := &recorder{calls: make(chan *handler.Request, 10)}
	cfg := testConfig(t)
	cfg.Dashboard.Enabled = true
	cfg.Dashboard.Addr = "127.0.0.1:0"
	d := newTestDaemon(t, cfg, rec)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	resp, err := http.Get("http://" + d.dash.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d, want 200", resp.StatusCode)
	}
}

func TestWatchIgnores(t *testing.T) {
	tests := []struct {
		name     string
		vault    string
		stateDir string
		want     []string
	}{
		{"inside", "/v", "/v/state", []string{"*.tmp", "state/**"}},
		{"nested", "/v", "/v/a/b", []string{"*.tmp", "a/b/**"}},
		{"outside", "/v", "/var/lib/vaultd", []string{"*.tmp"}},
		{"same", "/v", "/v", []string{"*.tmp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Vault: tt.vault, StateDir: tt.stateDir}
			cfg.Watcher.Ignore = []string{"*.tmp"}
			got := watchIgnores(cfg)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestStartSurvivesCorruptCacheFile(t *testing.T) {
	rec := &recorder{calls: make(chan *handler.Request, 10)}
	cfg := testConfig(t)
	cfg.Cache.Backend = cache.BackendFile
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		t.Fatal(err)
	}
	garbage := "not json\n{\"key\": truncated\n"
	if err := os.WriteFile(filepath.Join(cfg.StateDir, "cache.jsonl"), []byte(garbage), 0644); err != nil {
		t.Fatal(err)
	}
	d := newTestDaemon(t, cfg, rec)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start with corrupt cache failed: %v", err)
	}
	snap := d.Status()
	if !snap.Running() {
		t.Fatalf("state = %s, want running", snap.State)
	}
	if snap.Cache == nil || snap.Cache.CorruptRecords != 2 || snap.Cache.Entries != 0 {
		t.Errorf("cache stats = %+v, want 2 corrupt records and no entries", snap.Cache)
	}
}

func TestStartSurvivesUnreadableCacheStore(t *testing.T) {
	rec := &recorder{calls: make(chan *handler.Request, 10)}
	cfg := testConfig(t)
	cfg.Cache.Backend = cache.BackendFile
	// A directory where the cache file belongs cannot be read as records.
	if err := os.MkdirAll(filepath.Join(cfg.StateDir, "cache.jsonl"), 0755); err != nil {
		t.Fatal(err)
	}
	d := newTestDaemon(t, cfg, rec)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start with unreadable cache failed: %v", err)
	}
	snap := d.Status()
	if !snap.Running() {
		t.Fatalf("state = %s, want running", snap.State)
	}
	if snap.Cache == nil || !snap.Cache.LoadFailed {
		t.Errorf("cache stats = %+v, want LoadFailed", snap.Cache)
	}
}

func TestStartFallsBackToMemoryCache(t *testing.T) {
	rec := &recorder{calls: make(chan *handler.Request, 10)}
	cfg := testConfig(t)
	cfg.Cache.Backend = cache.BackendSQLite
	d := New(cfg, Options{
		Factory: testFactory(rec),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		OpenStore: func(backend, dir string, logger *slog.Logger) (cache.Store, error) {
			return nil, &cache.CorruptionError{Path: filepath.Join(dir, "cache.db"), Err: errors.New("rename failed")}
		},
	})
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start without a usable store failed: %v", err)
	}
	if !d.Status().Running() {
		t.Fatalf("state = %s, want running", d.State())
	}
	if err := d.cache.Set("k", []byte("v"), time.Hour); err != nil {
		t.Errorf("memory cache Set failed: %v", err)
	}
	if got, ok := d.cache.Get("k"); !ok || string(got) != "v" {
		t.Errorf("Get = %q, %v", got, ok)
	}
}

func TestBadHandlerOptionsAreConfigErrors(t *testing.T) {
	rec := &recorder{calls: make(chan *handler.Request, 10)}
	cfg := testConfig(t)
	cfg.Handlers = map[string]config.HandlerConfig{
		"fetch": {Kind: "picky"},
	}
	f := testFactory(rec)
	f.Register("picky", func(spec handler.Spec, env handler.Env) (handler.Handler, error) {
		_, err := handler.Options(spec.Options).RequiredString("endpoint")
		return nil, err
	})
	d := New(cfg, Options{Factory: f, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	err := d.Start(context.Background())
	var cerr *config.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Start = %v, want *config.ConfigError", err)
	}
	if len(cerr.Problems) != 1 {
		t.Errorf("problems = %v, want 1", cerr.Problems)
	}
	if d.State() != StateStopped {
		t.Errorf("state = %s, want stopped", d.State())
	}
	if err := CheckLock(cfg.StateDir); err != nil {
		t.Errorf("lock still held after failed start: %v", err)
	}
}
