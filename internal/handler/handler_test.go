package handler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mschirtzinger/vaultd/internal/event"
	"github.com/mschirtzinger/vaultd/internal/note"
)

// stubHandler counts predicate evaluations.
type stubHandler struct {
	match  bool
	panics bool
	evals  atomic.Int32
	closed bool
}

func (s *stubHandler) Matches(event.Event, note.Metadata) bool {
	s.evals.Add(1)
	if s.panics {
		panic("predicate exploded")
	}
	return s.match
}

func (s *stubHandler) Process(context.Context, *Request) (map[string]string, error) {
	return nil, nil
}

func (s *stubHandler) Close() error {
	s.closed = true
	return nil
}

func fileEvent(rel string, op event.Op) (event.Event, note.Metadata) {
	path := "/vault/" + rel
	return event.File(path, op, time.Now()), note.For("/vault", path)
}

func TestRegistry_MatchOrder(t *testing.T) {
	reg := NewRegistry(nil)
	for _, name := range []string{"ocr", "transcript", "tagger"} {
		if err := reg.Register(&Descriptor{Name: name, Enabled: true, Handler: &stubHandler{match: true}}); err != nil {
			t.Fatalf("Register(%s) failed: %v", name, err)
		}
	}

	ev, meta := fileEvent("notes/a.md", event.OpModified)
	var got []string
	for _, d := range reg.Match(ev, meta) {
		got = append(got, d.Name)
	}
	if diff := cmp.Diff([]string{"ocr", "transcript", "tagger"}, got); diff != "" {
		t.Errorf("Match() order mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_DisabledPredicateNeverEvaluated(t *testing.T) {
	disabled := &stubHandler{match: true}
	enabled := &stubHandler{match: true}

	reg := NewRegistry(nil)
	_ = reg.Register(&Descriptor{Name: "off", Enabled: false, Handler: disabled})
	_ = reg.Register(&Descriptor{Name: "on", Enabled: true, Handler: enabled})

	for i := 0; i < 50; i++ {
		ev, meta := fileEvent(fmt.Sprintf("n%d.md", i), event.OpCreated)
		reg.Match(ev, meta)
		reg.Match(event.Scheduled("scan", "", time.Now()), note.Metadata{})
	}

	if n := disabled.evals.Load(); n != 0 {
		t.Errorf("disabled predicate evaluated %d times, want 0", n)
	}
	if n := enabled.evals.Load(); n != 50 {
		t.Errorf("enabled predicate evaluated %d times, want 50", n)
	}
}

func TestRegistry_PanickingPredicateIsNoMatch(t *testing.T) {
	reg := NewRegistry(nil)
	_ = reg.Register(&Descriptor{Name: "bad", Enabled: true, Handler: &stubHandler{panics: true}})
	_ = reg.Register(&Descriptor{Name: "good", Enabled: true, Handler: &stubHandler{match: true}})

	ev, meta := fileEvent("a.md", event.OpModified)
	matched := reg.Match(ev, meta)
	if len(matched) != 1 || matched[0].Name != "good" {
		t.Fatalf("Match() = %v, want only good", matched)
	}
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry(nil)
	if err := reg.Register(&Descriptor{Name: "a", Enabled: true, Handler: &stubHandler{}}); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	tests := []struct {
		name string
		d    *Descriptor
		is   error
	}{
		{"duplicate", &Descriptor{Name: "a", Enabled: true, Handler: &stubHandler{}}, ErrDuplicateHandler},
		{"no name", &Descriptor{Enabled: true, Handler: &stubHandler{}}, nil},
		{"enabled without handler", &Descriptor{Name: "b", Enabled: true}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Register(tt.d)
			if err == nil {
				t.Fatal("Register() should fail")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("err = %v, want %v", err, tt.is)
			}
		})
	}

	if err := reg.Register(&Descriptor{Name: "disabled"}); err != nil {
		t.Errorf("disabled descriptor without handler should register: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "disabled"}, reg.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_Close(t *testing.T) {
	h := &stubHandler{}
	reg := NewRegistry(nil)
	_ = reg.Register(&Descriptor{Name: "a", Enabled: true, Handler: h})
	_ = reg.Register(&Descriptor{Name: "off"})
	if err := reg.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if !h.closed {
		t.Error("handler was not closed")
	}
}

func TestFilter_Allows(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		ev     event.Event
		rel    string
		want   bool
	}{
		{"empty filter allows files", Filter{}, event.File("/v/a.md", event.OpModified, time.Time{}), "a.md", true},
		{"empty filter rejects tasks", Filter{}, event.Scheduled("scan", "", time.Time{}), "", false},
		{"listed task", Filter{Tasks: []string{"scan"}}, event.Scheduled("scan", "", time.Time{}), "", true},
		{"other task", Filter{Tasks: []string{"scan"}}, event.Scheduled("other", "", time.Time{}), "", false},
		{"op filtered", Filter{Events: []event.Op{event.OpCreated}}, event.File("/v/a.md", event.OpDeleted, time.Time{}), "a.md", false},
		{"op allowed", Filter{Events: []event.Op{event.OpCreated, event.OpModified}}, event.File("/v/a.md", event.OpModified, time.Time{}), "a.md", true},
		{"include basename", Filter{Include: []string{"*.md"}}, event.File("/v/x/y/a.md", event.OpModified, time.Time{}), "x/y/a.md", true},
		{"include miss", Filter{Include: []string{"*.pdf"}}, event.File("/v/a.md", event.OpModified, time.Time{}), "a.md", false},
		{"exclude wins", Filter{Include: []string{"**/*.md"}, Exclude: []string{"templates/**"}}, event.File("/v/templates/t.md", event.OpModified, time.Time{}), "templates/t.md", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Allows(tt.ev, tt.rel); got != tt.want {
				t.Errorf("Allows() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFactory(t *testing.T) {
	f := NewFactory()
	built := 0
	f.Register("stub", func(spec Spec, env Env) (Handler, error) {
		built++
		return &stubHandler{match: true}, nil
	})
	f.Register("broken", func(Spec, Env) (Handler, error) {
		return nil, errors.New("missing endpoint")
	})

	reg, err := f.BuildRegistry([]Spec{
		{Name: "one", Kind: "stub", Enabled: true},
		{Name: "two", Kind: "stub", Enabled: false},
	}, Env{})
	if err != nil {
		t.Fatalf("BuildRegistry() failed: %v", err)
	}
	if built != 1 {
		t.Errorf("constructor ran %d times, want 1 (disabled skipped)", built)
	}
	if d, _ := reg.Get("two"); d == nil || d.Handler != nil {
		t.Errorf("disabled descriptor = %+v", d)
	}

	_, err = f.BuildRegistry([]Spec{
		{Name: "a", Kind: "nope", Enabled: true},
		{Name: "b", Kind: "broken", Enabled: true},
		{Name: "c", Kind: "stub", Enabled: true, Filter: Filter{Include: []string{"[x"}}},
	}, Env{})
	if err == nil {
		t.Fatal("BuildRegistry() should fail")
	}
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("err = %v, want ErrUnknownKind in chain", err)
	}

	if diff := cmp.Diff([]string{"broken", "stub"}, f.Kinds()); diff != "" {
		t.Errorf("Kinds() mismatch (-want +got):\n%s", diff)
	}
}

func TestFactory_RegisterTwicePanics(t *testing.T) {
	f := NewFactory()
	ctor := func(Spec, Env) (Handler, error) { return nil, nil }
	f.Register("x", ctor)

	defer func() {
		if recover() == nil {
			t.Error("second Register should panic")
		}
	}()
	f.Register("x", ctor)
}

func TestOptions(t *testing.T) {
	o := Options{
		"endpoint": "https://example.test/{id}",
		"rate":     "0.5",
		"retries":  3,
		"timeout":  "90s",
		"wait":     30,
		"args":     []any{"-l", "eng"},
		"verbose":  "true",
	}

	if got := o.String("endpoint", ""); got != "https://example.test/{id}" {
		t.Errorf("String() = %q", got)
	}
	if got := o.Float("rate", 1); got != 0.5 {
		t.Errorf("Float() = %v", got)
	}
	if got := o.Int("retries", 0); got != 3 {
		t.Errorf("Int() = %v", got)
	}
	if got := o.Duration("timeout", 0); got != 90*time.Second {
		t.Errorf("Duration(string) = %v", got)
	}
	if got := o.Duration("wait", 0); got != 30*time.Second {
		t.Errorf("Duration(int) = %v", got)
	}
	if diff := cmp.Diff([]string{"-l", "eng"}, o.Strings("args")); diff != "" {
		t.Errorf("Strings() mismatch (-want +got):\n%s", diff)
	}
	if !o.Bool("verbose", false) {
		t.Error("Bool() = false")
	}
	if _, err := o.RequiredString("missing"); err == nil {
		t.Error("RequiredString() should fail for a missing key")
	}
}

func TestPanicError(t *testing.T) {
	err := fmt.Errorf("invoke: %w", &PanicError{Value: "boom"})
	if !IsPanic(err) || !errors.Is(err, ErrHandlerFault) {
		t.Errorf("PanicError should match ErrPanic and ErrHandlerFault: %v", err)
	}
	if IsTimeout(err) {
		t.Error("PanicError should not match ErrTimeout")
	}
	if !errors.Is(Fault(errors.New("x")), ErrHandlerFault) {
		t.Error("Fault() should wrap ErrHandlerFault")
	}
}
