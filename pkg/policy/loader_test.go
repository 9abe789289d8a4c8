package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "team"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"member.rego":      memberModule,
		"team/extra.rego":  "package clusterforge.authz\n",
		"README.md":        "not a policy",
		"team/notes.rego~": "backup",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	modules, err := NewLoader(dir, zerolog.Nop()).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(modules) != 2 {
		t.Fatalf("Load() returned %d modules: %v", len(modules), modules)
	}
	if modules["member.rego"] != memberModule {
		t.Error("member.rego content mismatch")
	}
	if _, ok := modules[filepath.Join("team", "extra.rego")]; !ok {
		t.Error("nested module not loaded")
	}
}

func TestLoader_MissingDir(t *testing.T) {
	if _, err := NewLoader(filepath.Join(t.TempDir(), "absent"), zerolog.Nop()).Load(); err == nil {
		t.Error("expected error for a missing directory")
	}
}

func TestLoader_LoadInto(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "member.rego"), []byte(memberModule), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t)
	if err := NewLoader(dir, zerolog.Nop()).LoadInto(ctx, e); err != nil {
		t.Fatalf("LoadInto() error = %v", err)
	}
	if names := e.Modules(); len(names) != 1 {
		t.Errorf("Modules() = %v", names)
	}
}

func TestLoader_WatchReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	e := newTestEngine(t)
	l := NewLoader(dir, zerolog.Nop())
	defer l.Close()

	if err := l.Watch(ctx, e); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	in := Input{Rule: "IS_MEMBER", UserID: "u1", OrganizationID: "o1", Role: "member", OwnerOrganizationID: "o1"}
	path := filepath.Join(dir, "member.rego")
	if err := os.WriteFile(path, []byte(memberModule), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		ok, _ := e.Evaluate(ctx, in)
		return ok
	})

	// A broken edit keeps the last good rules
	if err := os.WriteFile(path, []byte("package clusterforge.authz\n\nallow if {"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(4 * reloadDelay)
	if ok, _ := e.Evaluate(ctx, in); !ok {
		t.Error("rules dropped after a broken edit")
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		ok, _ := e.Evaluate(ctx, in)
		return !ok
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
