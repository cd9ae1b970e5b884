package tenantfs

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEnsureSeedsEverything(t *testing.T) {
	root := t.TempDir()
	shared := t.TempDir()
	tool := []byte("#!/bin/sh\necho shared\n")
	if err := os.WriteFile(filepath.Join(shared, "weather.sh"), tool, 0o755); err != nil {
		t.Fatal(err)
	}

	b := New(root, shared)
	tenant := uuid.Must(uuid.NewV7())

	created, err := b.Ensure(tenant)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	for _, want := range []string{SettingsFile, PermissionsFile, HistoryFile, StateDir, TimelineDir,
		filepath.Join(SharedToolsDir, "weather.sh")} {
		if !slices.Contains(created, want) {
			t.Errorf("created list missing %q: %v", want, created)
		}
	}

	dir := b.Root(tenant)
	settings, err := os.ReadFile(filepath.Join(dir, SettingsFile))
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if !strings.Contains(string(settings), `"timezone"`) {
		t.Errorf("settings template not seeded: %s", settings)
	}
	for _, sub := range []string{StateDir, TimelineDir, SharedToolsDir, "life/goals", "life/journal"} {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err != nil || !fi.IsDir() {
			t.Errorf("directory %s missing", sub)
		}
	}
	linked, err := os.ReadFile(filepath.Join(dir, SharedToolsDir, "weather.sh"))
	if err != nil {
		t.Fatalf("shared tool: %v", err)
	}
	if string(linked) != string(tool) {
		t.Errorf("shared tool content = %q", linked)
	}
}

func TestEnsureNeverOverwrites(t *testing.T) {
	root := t.TempDir()
	tenant := uuid.Must(uuid.NewV7())
	dir := filepath.Join(root, tenant.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	custom := []byte(`{"language":"vi"}`)
	if err := os.WriteFile(filepath.Join(dir, SettingsFile), custom, 0o644); err != nil {
		t.Fatal(err)
	}

	b := New(root, "")
	created, err := b.Ensure(tenant)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if slices.Contains(created, SettingsFile) {
		t.Error("existing settings reported as created")
	}
	got, err := os.ReadFile(filepath.Join(dir, SettingsFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(custom) {
		t.Errorf("settings overwritten: %s", got)
	}
}

func TestEnsureCachedPerProcess(t *testing.T) {
	b := New(t.TempDir(), "")
	tenant := uuid.Must(uuid.NewV7())

	if _, err := b.Ensure(tenant); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	// Even after external deletion the cached tenant is not re-walked;
	// re-seeding happens on the next process start.
	if err := os.Remove(filepath.Join(b.Root(tenant), SettingsFile)); err != nil {
		t.Fatal(err)
	}
	created, err := b.Ensure(tenant)
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if created != nil {
		t.Errorf("cached Ensure created %v", created)
	}
}

func TestAppendTimeline(t *testing.T) {
	b := New(t.TempDir(), "")
	tenant := uuid.Must(uuid.NewV7())

	day1 := time.Date(2025, 3, 9, 14, 30, 0, 0, time.UTC)
	if err := b.AppendTimeline(tenant, day1, "inbound message handled"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := b.AppendTimeline(tenant, day1.Add(time.Hour), "scheduled task ran"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := b.AppendTimeline(tenant, day1.AddDate(0, 0, 1), "next day"); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(b.Root(tenant), TimelineDir, "2025-03-09.md"))
	if err != nil {
		t.Fatalf("read timeline: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(got)), "\n")
	if len(lines) != 2 {
		t.Fatalf("timeline has %d lines, want 2: %q", len(lines), got)
	}
	if lines[0] != "- 14:30 inbound message handled" {
		t.Errorf("line[0] = %q", lines[0])
	}
	if _, err := os.Stat(filepath.Join(b.Root(tenant), TimelineDir, "2025-03-10.md")); err != nil {
		t.Errorf("next-day file missing: %v", err)
	}
}
