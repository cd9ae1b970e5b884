package toolrun

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
)

// writeTool drops an executable script and registers it in the tenant's
// manifest.
func writeTenantTools(t *testing.T, root string, tenantID uuid.UUID, scripts map[string]string) {
	t.Helper()
	dir := filepath.Join(root, tenantID.String(), "tools")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	var entries []Entry
	for name, body := range scripts {
		file := name + ".sh"
		if err := os.WriteFile(filepath.Join(dir, file), []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
			t.Fatal(err)
		}
		entries = append(entries, Entry{
			Name:        name,
			Description: name,
			Script:      file,
			InputSchema: json.RawMessage(`{"type":"object"}`),
		})
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

func testRunner(t *testing.T, root string, cfg Config) *Runner {
	t.Helper()
	cfg.TenantsRoot = root
	r := NewRunner(cfg)
	t.Cleanup(r.Close)
	return r
}

func TestExecuteEchoesStdin(t *testing.T) {
	root := t.TempDir()
	tenantID := uuid.New()
	writeTenantTools(t, root, tenantID, map[string]string{"echo": "cat"})
	r := testRunner(t, root, Config{})

	out, err := r.Execute(context.Background(), tenantID, "echo", json.RawMessage(`{"q":"inventory"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != `{"q":"inventory"}` {
		t.Errorf("out = %q", out)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	root := t.TempDir()
	tenantID := uuid.New()
	writeTenantTools(t, root, tenantID, map[string]string{"echo": "cat"})
	r := testRunner(t, root, Config{})

	_, err := r.Execute(context.Background(), tenantID, "nope", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
}

func TestExecuteTimeoutKillsProcess(t *testing.T) {
	root := t.TempDir()
	tenantID := uuid.New()
	// The tool backgrounds a long sleep and records its pid, so the test can
	// verify the kill reaches the whole process group, not just the script.
	writeTenantTools(t, root, tenantID, map[string]string{
		"slow": "sleep 35 & echo $! > child.pid; wait",
	})
	r := testRunner(t, root, Config{Timeout: 200 * time.Millisecond})

	start := time.Now()
	_, err := r.Execute(context.Background(), tenantID, "slow", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}

	raw, err := os.ReadFile(filepath.Join(root, tenantID.String(), "child.pid"))
	if err != nil {
		t.Fatalf("child.pid: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatalf("child.pid: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for syscall.Kill(pid, 0) == nil {
		if time.Now().After(deadline) {
			t.Fatalf("background child %d survived the timeout kill", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestExecuteOutputCap(t *testing.T) {
	root := t.TempDir()
	tenantID := uuid.New()
	writeTenantTools(t, root, tenantID, map[string]string{
		// 1024 bytes exactly, then one byte over.
		"exact": `head -c 1024 /dev/zero | tr '\0' x`,
		"over":  `head -c 1025 /dev/zero | tr '\0' x`,
	})
	r := testRunner(t, root, Config{MaxOutput: 1024})

	out, err := r.Execute(context.Background(), tenantID, "exact", nil)
	if err != nil {
		t.Fatalf("exact: %v", err)
	}
	if len(out) != 1024 {
		t.Errorf("exact len = %d", len(out))
	}

	_, err = r.Execute(context.Background(), tenantID, "over", nil)
	if !errors.Is(err, ErrOutputTooLarge) {
		t.Fatalf("over: err = %v, want ErrOutputTooLarge", err)
	}
}

func TestExecuteExitError(t *testing.T) {
	root := t.TempDir()
	tenantID := uuid.New()
	writeTenantTools(t, root, tenantID, map[string]string{
		"fail": `echo "bad credentials" >&2; exit 7`,
	})
	r := testRunner(t, root, Config{})

	_, err := r.Execute(context.Background(), tenantID, "fail", nil)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want *ExitError", err)
	}
	if exitErr.Code != 7 {
		t.Errorf("code = %d, want 7", exitErr.Code)
	}
	if !strings.Contains(exitErr.StderrTail, "bad credentials") {
		t.Errorf("stderr tail = %q", exitErr.StderrTail)
	}
}

func TestExecuteConcurrencyCap(t *testing.T) {
	root := t.TempDir()
	tenantID := uuid.New()
	writeTenantTools(t, root, tenantID, map[string]string{"slow": "sleep 1"})
	r := testRunner(t, root, Config{MaxConcurrent: 1, Timeout: 5 * time.Second})

	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		r.Execute(context.Background(), tenantID, "slow", nil)
	}()
	<-started
	time.Sleep(200 * time.Millisecond) // let the first run take the slot

	_, err := r.Execute(context.Background(), tenantID, "slow", nil)
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("err = %v, want ErrOverloaded", err)
	}
	wg.Wait()
}

func TestExecuteCredentialEnv(t *testing.T) {
	root := t.TempDir()
	tenantID := uuid.New()
	writeTenantTools(t, root, tenantID, map[string]string{"env": `printf '%s' "$SHOP_API_KEY"`})
	r := testRunner(t, root, Config{Credentials: credSourceFunc(func(context.Context, uuid.UUID) ([]string, error) {
		return []string{"SHOP_API_KEY=sk-123"}, nil
	})})

	out, err := r.Execute(context.Background(), tenantID, "env", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "sk-123" {
		t.Errorf("out = %q", out)
	}
}

type credSourceFunc func(context.Context, uuid.UUID) ([]string, error)

func (f credSourceFunc) Env(ctx context.Context, id uuid.UUID) ([]string, error) {
	return f(ctx, id)
}

func TestExecuteTextErrorPrefix(t *testing.T) {
	root := t.TempDir()
	tenantID := uuid.New()
	writeTenantTools(t, root, tenantID, map[string]string{"fail": "exit 1"})
	r := testRunner(t, root, Config{})

	got := r.ExecuteText(context.Background(), tenantID, "fail", nil)
	if !strings.HasPrefix(got, "ERROR: ") {
		t.Errorf("got = %q, want ERROR prefix", got)
	}
	got = r.ExecuteText(context.Background(), tenantID, "missing", nil)
	if !strings.HasPrefix(got, "ERROR: ") {
		t.Errorf("got = %q, want ERROR prefix", got)
	}
}

func TestManifestSkipsInvalidEntries(t *testing.T) {
	root := t.TempDir()
	tenantID := uuid.New()
	dir := filepath.Join(root, tenantID.String(), "tools")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "good.sh"), []byte("#!/bin/sh\ncat\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := `[
	  {"name": "good", "script": "good.sh"},
	  {"name": "ghost", "script": "missing.sh"},
	  {"name": "", "script": "good.sh"},
	  {"name": "badschema", "script": "good.sh", "input_schema": "{notjson"}
	]`
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	r := testRunner(t, root, Config{})

	tools, err := r.Tools(tenantID)
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("tools = %v, want only good", tools)
	}
	if _, ok := tools["good"]; !ok {
		t.Error("good missing")
	}
}

func TestManifestMissingMeansNoTools(t *testing.T) {
	root := t.TempDir()
	r := testRunner(t, root, Config{})

	tools, err := r.Tools(uuid.New())
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(tools) != 0 {
		t.Errorf("tools = %v, want none", tools)
	}
}

func TestManifestWatchInvalidates(t *testing.T) {
	root := t.TempDir()
	tenantID := uuid.New()
	writeTenantTools(t, root, tenantID, map[string]string{"one": "cat"})
	r := testRunner(t, root, Config{ManifestTTL: time.Hour})

	if _, err := r.Tools(tenantID); err != nil {
		t.Fatalf("first load: %v", err)
	}

	writeTenantTools(t, root, tenantID, map[string]string{"one": "cat", "two": "cat"})

	// The watcher invalidates asynchronously; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		tools, err := r.Tools(tenantID)
		if err != nil {
			t.Fatalf("Tools: %v", err)
		}
		if _, ok := tools["two"]; ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("manifest change never observed")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
