package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodLauncher runs one shared Chromium and carves every handle out of its
// own incognito context, so sessions never share cookies or storage. The
// process is launched lazily on the first handle.
type RodLauncher struct {
	bin      string
	headless bool

	mu      sync.Mutex
	l       *launcher.Launcher
	browser *rod.Browser
}

// NewRodLauncher creates a launcher. bin may be empty to let rod locate or
// download a chromium build.
func NewRodLauncher(bin string, headless bool) *RodLauncher {
	return &RodLauncher{bin: bin, headless: headless}
}

func (r *RodLauncher) connectLocked() error {
	if r.browser != nil {
		return nil
	}
	l := launcher.New().Headless(r.headless)
	if r.bin != "" {
		l = l.Bin(r.bin)
	}
	u, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch chromium: %w", err)
	}
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("connect chromium: %w", err)
	}
	r.l, r.browser = l, b
	slog.Info("browser: chromium started")
	return nil
}

// NewHandle opens a fresh incognito context with one blank page. The rod
// object chain stays bound to the browser's base context; ctx only gates
// the spawn itself.
func (r *RodLauncher) NewHandle(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.connectLocked(); err != nil {
		return nil, err
	}
	inc, err := r.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	page, err := inc.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	return &rodHandle{inc: inc, page: page}, nil
}

// Close shuts the shared chromium down and removes its temp profile.
func (r *RodLauncher) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return
	}
	if err := r.browser.Close(); err != nil {
		slog.Debug("browser: chromium close failed", "error", err)
	}
	r.l.Cleanup()
	r.browser, r.l = nil, nil
	slog.Info("browser: chromium stopped")
}

type rodHandle struct {
	inc  *rod.Browser
	page *rod.Page
}

func (h *rodHandle) Probe() error {
	_, err := h.page.Timeout(5 * time.Second).Eval(`() => 1`)
	return err
}

// Page exposes the live page for tool-driven automation.
func (h *rodHandle) Page() *rod.Page { return h.page }

func (h *rodHandle) Close() error {
	err := h.page.Close()
	if derr := (proto.TargetDisposeBrowserContext{
		BrowserContextID: h.inc.BrowserContextID,
	}).Call(h.inc); derr != nil && err == nil {
		err = derr
	}
	return err
}
