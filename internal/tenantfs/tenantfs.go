// Package tenantfs seeds and maintains the per-tenant directory under
// tenants/<id>/. Creation is additive only: existing files are never
// overwritten, so concurrent bootstraps and agent writes cannot clobber
// tenant state.
package tenantfs

import (
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

//go:embed templates/*
var templateFS embed.FS

// Seeded file names inside a tenant directory.
const (
	SettingsFile    = "settings.json"
	PermissionsFile = "permissions.json"
	HistoryFile     = "HISTORY.md"

	ToolsDir       = "tools"
	SharedToolsDir = "tools/shared"
	StateDir       = "state"
	TimelineDir    = "timeline"
	LifeDir        = "life"
)

// templateFiles lists the templates to seed, in order.
var templateFiles = []string{
	SettingsFile,
	PermissionsFile,
	HistoryFile,
}

// lifeDirs is the life-folder skeleton. The agent fills these in over time.
var lifeDirs = []string{
	LifeDir,
	filepath.Join(LifeDir, "goals"),
	filepath.Join(LifeDir, "journal"),
	filepath.Join(LifeDir, "contacts"),
}

// Bootstrap ensures tenant directories exist. Completed tenants are cached
// per process so the hot path is one map lookup.
type Bootstrap struct {
	root   string // tenants/ parent directory
	shared string // global shared-tools directory, may be empty
	seen   sync.Map
}

func New(root, sharedTools string) *Bootstrap {
	return &Bootstrap{root: root, shared: sharedTools}
}

// Root returns the tenant's directory path, created or not.
func (b *Bootstrap) Root(tenantID uuid.UUID) string {
	return filepath.Join(b.root, tenantID.String())
}

// Ensure makes the tenant directory complete, seeding whatever is missing.
// Returns the relative paths it created this call.
func (b *Bootstrap) Ensure(tenantID uuid.UUID) ([]string, error) {
	if _, done := b.seen.Load(tenantID); done {
		return nil, nil
	}

	dir := b.Root(tenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tenant dir: %w", err)
	}

	var created []string

	for _, name := range templateFiles {
		ok, err := seedTemplate(dir, name)
		if err != nil {
			slog.Warn("tenantfs: failed to seed template", "tenant_id", tenantID, "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}

	for _, sub := range append([]string{ToolsDir, SharedToolsDir, StateDir, TimelineDir}, lifeDirs...) {
		path := filepath.Join(dir, sub)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return created, fmt.Errorf("create %s: %w", sub, err)
		}
		created = append(created, sub)
	}

	linked, err := b.linkSharedTools(dir)
	if err != nil {
		slog.Warn("tenantfs: shared tools incomplete", "tenant_id", tenantID, "error", err)
	}
	created = append(created, linked...)

	b.seen.Store(tenantID, struct{}{})
	if len(created) > 0 {
		slog.Info("tenantfs: bootstrapped", "tenant_id", tenantID, "created", len(created))
	}
	return created, nil
}

// linkSharedTools populates tools/shared with symlinks to the global tool
// directory, copying instead where symlinks are unsupported. Existing
// entries are left alone.
func (b *Bootstrap) linkSharedTools(tenantDir string) ([]string, error) {
	if b.shared == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(b.shared)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read shared tools: %w", err)
	}

	var created []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src, err := filepath.Abs(filepath.Join(b.shared, entry.Name()))
		if err != nil {
			return created, err
		}
		rel := filepath.Join(SharedToolsDir, entry.Name())
		dst := filepath.Join(tenantDir, rel)
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := os.Symlink(src, dst); err != nil {
			if os.IsExist(err) {
				continue
			}
			if copyErr := copyFile(src, dst); copyErr != nil {
				return created, fmt.Errorf("link %s: %w", entry.Name(), copyErr)
			}
		}
		created = append(created, rel)
	}
	return created, nil
}

// AppendTimeline adds one entry to the tenant's daily timeline file,
// creating it on first write of the day.
func (b *Bootstrap) AppendTimeline(tenantID uuid.UUID, at time.Time, entry string) error {
	at = at.UTC()
	dir := filepath.Join(b.Root(tenantID), TimelineDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create timeline dir: %w", err)
	}
	path := filepath.Join(dir, at.Format("2006-01-02")+".md")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open timeline: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "- %s %s\n", at.Format("15:04"), entry); err != nil {
		return fmt.Errorf("append timeline: %w", err)
	}
	return nil
}

// seedTemplate writes a template file into the tenant directory if it does
// not exist yet. Returns true when the file was created.
func seedTemplate(dir, name string) (bool, error) {
	dstPath := filepath.Join(dir, name)

	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dstPath)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o755)
}
