// Package toolrun executes per-tenant tools as sandboxed subprocesses with
// timeout, concurrency, and output-size envelopes.
package toolrun

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// Entry is one validated tool declaration from a tenant manifest.
type Entry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Script      string          `json:"script"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ErrUnknownTool means the name is not in the tenant's manifest.
var ErrUnknownTool = errors.New("toolrun: unknown tool")

type cachedManifest struct {
	entries  map[string]Entry
	loadedAt time.Time
}

// ManifestCache loads tenants/<id>/tools/manifest.json with a TTL cache.
// A filesystem watch on each loaded tools directory invalidates early, so
// edits land before the TTL runs out.
type ManifestCache struct {
	root string
	ttl  time.Duration

	mu      sync.Mutex
	cache   map[uuid.UUID]cachedManifest
	watched map[string]uuid.UUID

	watcher *fsnotify.Watcher
}

func NewManifestCache(root string, ttl time.Duration) *ManifestCache {
	c := &ManifestCache{
		root:    root,
		ttl:     ttl,
		cache:   make(map[uuid.UUID]cachedManifest),
		watched: make(map[string]uuid.UUID),
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("toolrun: manifest watcher unavailable, TTL-only invalidation", "error", err)
		return c
	}
	c.watcher = w
	go c.watchLoop()
	return c
}

func (c *ManifestCache) toolsDir(tenantID uuid.UUID) string {
	return filepath.Join(c.root, tenantID.String(), "tools")
}

// Load returns the tenant's validated tool set, from cache when fresh.
func (c *ManifestCache) Load(tenantID uuid.UUID) (map[string]Entry, error) {
	c.mu.Lock()
	if cached, ok := c.cache[tenantID]; ok && time.Since(cached.loadedAt) < c.ttl {
		c.mu.Unlock()
		return cached.entries, nil
	}
	c.mu.Unlock()

	dir := c.toolsDir(tenantID)
	entries, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[tenantID] = cachedManifest{entries: entries, loadedAt: time.Now()}
	c.mu.Unlock()
	c.watch(dir, tenantID)
	return entries, nil
}

// Lookup resolves one tool by name. The returned dir is where the script
// lives relative paths against.
func (c *ManifestCache) Lookup(tenantID uuid.UUID, name string) (Entry, string, error) {
	entries, err := c.Load(tenantID)
	if err != nil {
		return Entry{}, "", err
	}
	entry, ok := entries[name]
	if !ok {
		return Entry{}, "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return entry, c.toolsDir(tenantID), nil
}

// Invalidate drops the tenant's cached manifest.
func (c *ManifestCache) Invalidate(tenantID uuid.UUID) {
	c.mu.Lock()
	delete(c.cache, tenantID)
	c.mu.Unlock()
}

func (c *ManifestCache) watch(dir string, tenantID uuid.UUID) {
	if c.watcher == nil {
		return
	}
	c.mu.Lock()
	_, already := c.watched[dir]
	if !already {
		c.watched[dir] = tenantID
	}
	c.mu.Unlock()
	if already {
		return
	}
	if err := c.watcher.Add(dir); err != nil {
		slog.Debug("toolrun: watch failed", "dir", dir, "error", err)
	}
}

func (c *ManifestCache) watchLoop() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.mu.Lock()
			tenantID, known := c.watched[filepath.Dir(ev.Name)]
			if known {
				delete(c.cache, tenantID)
			}
			c.mu.Unlock()
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("toolrun: manifest watcher error", "error", err)
		}
	}
}

// Close stops the filesystem watcher.
func (c *ManifestCache) Close() {
	if c.watcher != nil {
		c.watcher.Close()
	}
}

// loadManifest reads and validates one manifest file. A missing file means
// no tools. Entries that fail validation are skipped, not fatal; one broken
// tool must not take down a tenant's whole toolbox.
func loadManifest(dir string) (map[string]Entry, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var declared []Entry
	if err := json.Unmarshal(raw, &declared); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	entries := make(map[string]Entry, len(declared))
	for _, e := range declared {
		if e.Name == "" || e.Script == "" {
			slog.Warn("toolrun: manifest entry missing name or script", "dir", dir)
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Script)); err != nil {
			slog.Warn("toolrun: tool script missing, skipping", "tool", e.Name, "script", e.Script)
			continue
		}
		if len(e.InputSchema) > 0 && !json.Valid(e.InputSchema) {
			slog.Warn("toolrun: tool schema malformed, skipping", "tool", e.Name)
			continue
		}
		if _, dup := entries[e.Name]; dup {
			slog.Warn("toolrun: duplicate tool name, keeping first", "tool", e.Name)
			continue
		}
		entries[e.Name] = e
	}
	return entries, nil
}
