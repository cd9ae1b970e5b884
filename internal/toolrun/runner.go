package toolrun

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/metrics"
	"github.com/tidewater-labs/concierge/internal/procgroup"
)

var (
	// ErrOverloaded means the per-instance subprocess cap is reached. The
	// caller fails immediately rather than queueing.
	ErrOverloaded = errors.New("toolrun: too many concurrent tool runs")
	// ErrOutputTooLarge means the tool exceeded the stdout cap and was
	// killed.
	ErrOutputTooLarge = errors.New("toolrun: output exceeds cap")
	// ErrTimeout means the tool ran past its wall clock and was killed.
	ErrTimeout = errors.New("toolrun: tool timed out")
	// ErrSpawnFailed means the subprocess never started.
	ErrSpawnFailed = errors.New("toolrun: spawn failed")
)

// ExitError reports a tool that ran but exited non-zero.
type ExitError struct {
	Code       int
	StderrTail string
}

func (e *ExitError) Error() string {
	if e.StderrTail == "" {
		return fmt.Sprintf("toolrun: tool exited with code %d", e.Code)
	}
	return fmt.Sprintf("toolrun: tool exited with code %d: %s", e.Code, e.StderrTail)
}

// CredentialSource supplies decrypted tenant secrets as environment pairs.
// Decryption happens at point of use; nothing here caches plaintext.
type CredentialSource interface {
	Env(ctx context.Context, tenantID uuid.UUID) ([]string, error)
}

// Config for the runner. Zero values take the defaults.
type Config struct {
	TenantsRoot   string
	Timeout       time.Duration // per run, default 30 s
	MaxOutput     int64         // stdout cap, default 1 MiB
	MaxConcurrent int           // per instance, default 10
	ManifestTTL   time.Duration // default 5 min
	Credentials   CredentialSource
}

// Runner executes tenant tools under the safety envelopes.
type Runner struct {
	manifests *ManifestCache
	creds     CredentialSource
	root      string
	timeout   time.Duration
	maxOutput int64
	slots     chan struct{}
}

func NewRunner(cfg Config) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 1 << 20
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.ManifestTTL <= 0 {
		cfg.ManifestTTL = 5 * time.Minute
	}
	return &Runner{
		manifests: NewManifestCache(cfg.TenantsRoot, cfg.ManifestTTL),
		creds:     cfg.Credentials,
		root:      cfg.TenantsRoot,
		timeout:   cfg.Timeout,
		maxOutput: cfg.MaxOutput,
		slots:     make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Tools lists the tenant's currently valid tools.
func (r *Runner) Tools(tenantID uuid.UUID) (map[string]Entry, error) {
	return r.manifests.Load(tenantID)
}

// Execute runs one named tool with request on stdin and returns its trimmed
// stdout.
func (r *Runner) Execute(ctx context.Context, tenantID uuid.UUID, name string, request json.RawMessage) (string, error) {
	entry, dir, err := r.manifests.Lookup(tenantID, name)
	if err != nil {
		metrics.RecordToolRun("rejected")
		return "", err
	}

	select {
	case r.slots <- struct{}{}:
	default:
		metrics.RecordToolRun("overloaded")
		return "", ErrOverloaded
	}
	defer func() { <-r.slots }()

	out, err := r.run(ctx, tenantID, entry, dir, request)
	switch {
	case err == nil:
		metrics.RecordToolRun("ok")
	case errors.Is(err, ErrTimeout):
		metrics.RecordToolRun("timeout")
	case errors.Is(err, ErrOutputTooLarge):
		metrics.RecordToolRun("output_too_large")
	default:
		metrics.RecordToolRun("error")
	}
	return out, err
}

func (r *Runner) run(ctx context.Context, tenantID uuid.UUID, entry Entry, dir string, request json.RawMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.Command(filepath.Join(dir, entry.Script))
	cmd.Dir = filepath.Join(r.root, tenantID.String())
	procgroup.Set(cmd)

	env := append(os.Environ(), "TENANT_ID="+tenantID.String())
	if r.creds != nil {
		credEnv, err := r.creds.Env(ctx, tenantID)
		if err != nil {
			return "", fmt.Errorf("tool credentials: %w", err)
		}
		env = append(env, credEnv...)
	}
	cmd.Env = env

	stdout := &cappedBuffer{
		limit: r.maxOutput,
		onExceed: func() {
			procgroup.Kill(cmd, syscall.SIGKILL)
		},
	}
	stderr := &tailBuffer{limit: 2048}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	go func() {
		if len(request) > 0 {
			if _, err := stdin.Write(request); err != nil {
				slog.Debug("toolrun: stdin write failed", "tool", entry.Name, "error", err)
			}
		}
		stdin.Close()
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		procgroup.Kill(cmd, syscall.SIGTERM)
		select {
		case waitErr = <-done:
		case <-time.After(time.Second):
			procgroup.Kill(cmd, syscall.SIGKILL)
			waitErr = <-done
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s after %s", ErrTimeout, entry.Name, r.timeout)
		}
		return "", fmt.Errorf("toolrun: %s aborted: %w", entry.Name, ctx.Err())
	}

	if stdout.exceeded() {
		return "", fmt.Errorf("%w: %s wrote more than %d bytes", ErrOutputTooLarge, entry.Name, r.maxOutput)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return "", &ExitError{Code: exitErr.ExitCode(), StderrTail: stderr.String()}
		}
		return "", fmt.Errorf("toolrun: %s: %w", entry.Name, waitErr)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// ExecuteText adapts Execute for the agent protocol: failures become the
// tool's textual result with an error prefix, so the agent can read and
// react instead of the prompt failing.
func (r *Runner) ExecuteText(ctx context.Context, tenantID uuid.UUID, name string, args json.RawMessage) string {
	out, err := r.Execute(ctx, tenantID, name, args)
	if err != nil {
		return "ERROR: " + err.Error()
	}
	return out
}

// Close releases the manifest watcher.
func (r *Runner) Close() {
	r.manifests.Close()
}

// cappedBuffer accumulates stdout up to limit, then fires onExceed once and
// rejects further writes.
type cappedBuffer struct {
	limit    int64
	onExceed func()

	buf  bytes.Buffer
	over atomic.Bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.over.Load() {
		return len(p), nil
	}
	if int64(b.buf.Len())+int64(len(p)) > b.limit {
		if b.over.CompareAndSwap(false, true) && b.onExceed != nil {
			b.onExceed()
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) exceeded() bool { return b.over.Load() }
func (b *cappedBuffer) String() string { return b.buf.String() }

// tailBuffer keeps the last limit bytes written. Stderr diagnostics only
// ever need the end.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return strings.TrimSpace(string(b.buf))
}
