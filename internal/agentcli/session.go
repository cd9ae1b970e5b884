package agentcli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/procgroup"
)

// outcome is a terminal response for one prompt id. Interim chunk records
// are folded into text before the outcome is emitted.
type outcome struct {
	id   string
	text string
	err  error
}

// Session is one live agent child process. The stdout loop and the stderr
// drainer are the only readers of the pipes; Inject callers wait on the
// outcome channel.
type Session struct {
	key   string
	cmd   *exec.Cmd
	stdin io.WriteCloser

	outcomes chan outcome
	exited   chan struct{}
	exitErr  error

	tools ToolHandler

	injectMu sync.Mutex // one in-flight prompt per session
	writeMu  sync.Mutex // stdin shared by injector and tool results

	cancelMu sync.Mutex
	inflight context.CancelFunc

	closeOnce sync.Once

	tailMu sync.Mutex
	tail   []string // last few stderr lines for exit diagnostics
}

// maxRecordBytes bounds one response line. Agent replies are large but not
// unbounded.
const maxRecordBytes = 8 << 20

func spawn(key string, argv []string, dir string, env []string, tools ToolHandler) (*Session, error) {
	if len(argv) == 0 {
		return nil, errors.New("agentcli: empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	procgroup.Set(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agentcli: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agentcli: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("agentcli: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agentcli: start %s: %w", argv[0], err)
	}

	s := &Session{
		key:      key,
		cmd:      cmd,
		stdin:    stdin,
		outcomes: make(chan outcome, 4),
		exited:   make(chan struct{}),
		tools:    tools,
	}
	go s.readLoop(stdout)
	go s.drainStderr(stderr)
	slog.Info("agentcli: session spawned", "key", key, "pid", cmd.Process.Pid)
	return s, nil
}

// readLoop consumes stdout until the child closes it, folding chunk records
// into the terminal outcome for each prompt id. It reaps the child when the
// pipe ends.
func (s *Session) readLoop(stdout io.Reader) {
	partial := map[string]*strings.Builder{}
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxRecordBytes)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := parseRecord(line)
		if err != nil {
			s.emit(outcome{err: fmt.Errorf("%w: %v", ErrCliProtocol, err)})
			continue
		}
		switch rec.Type {
		case recChunk:
			b := partial[rec.ID]
			if b == nil {
				b = &strings.Builder{}
				partial[rec.ID] = b
			}
			b.WriteString(rec.Text)
		case recResult:
			text := rec.Text
			if b := partial[rec.ID]; b != nil {
				delete(partial, rec.ID)
				if text == "" {
					text = b.String()
				}
			}
			s.emit(outcome{id: rec.ID, text: text})
		case recError:
			delete(partial, rec.ID)
			s.emit(outcome{id: rec.ID, err: fmt.Errorf("%w: %s", ErrCliProtocol, rec.Message)})
		case recTool:
			go s.handleTool(rec)
		case recLog:
			slog.Debug("agentcli: child log", "key", s.key, "text", rec.Text)
		default:
			slog.Debug("agentcli: unknown record type", "key", s.key, "type", rec.Type)
		}
	}
	if err := sc.Err(); err != nil {
		slog.Debug("agentcli: stdout closed", "key", s.key, "error", err)
	}

	s.exitErr = s.cmd.Wait()
	close(s.exited)
}

func (s *Session) drainStderr(stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 16*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		slog.Debug("agentcli: child stderr", "key", s.key, "line", line)
		s.tailMu.Lock()
		s.tail = append(s.tail, line)
		if len(s.tail) > 4 {
			s.tail = s.tail[len(s.tail)-4:]
		}
		s.tailMu.Unlock()
	}
}

// emit never blocks the read loop. An outcome with no waiting injector
// (late reply after a timeout) is dropped.
func (s *Session) emit(o outcome) {
	select {
	case s.outcomes <- o:
	default:
		slog.Warn("agentcli: dropping unawaited response", "key", s.key, "id", o.id)
	}
}

// Inject writes one prompt and blocks for its terminal outcome. Prompts are
// serialized per session; ctx bounds the wall-clock wait.
func (s *Session) Inject(ctx context.Context, text string) (string, error) {
	s.injectMu.Lock()
	defer s.injectMu.Unlock()

	select {
	case <-s.exited:
		return "", s.exitError()
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setInflight(cancel)
	defer s.setInflight(nil)

	id := uuid.NewString()
	if err := s.write(record{ID: id, Type: recPrompt, Text: text}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCliExited, err)
	}

	for {
		select {
		case o := <-s.outcomes:
			if o.id != "" && o.id != id {
				slog.Warn("agentcli: stale response id", "key", s.key, "got", o.id, "want", id)
				continue
			}
			return o.text, o.err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w after prompt %s", ErrCliTimeout, id)
			}
			return "", fmt.Errorf("agentcli: prompt aborted: %w", ctx.Err())
		case <-s.exited:
			return "", s.exitError()
		}
	}
}

func (s *Session) setInflight(cancel context.CancelFunc) {
	s.cancelMu.Lock()
	s.inflight = cancel
	s.cancelMu.Unlock()
}

// CancelInflight aborts the pending Inject, if any. Safe from any
// goroutine.
func (s *Session) CancelInflight() {
	s.cancelMu.Lock()
	cancel := s.inflight
	s.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) write(rec record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeRecord(s.stdin, rec)
}

// handleTool services one tool call emitted by the child mid-prompt. The
// result goes back on stdin as a tool_result record echoing the call id.
func (s *Session) handleTool(rec record) {
	var text string
	if s.tools == nil {
		text = "ERROR: no tool runtime attached"
	} else {
		text = s.tools(context.Background(), s.key, rec.Name, rec.Args)
	}
	if err := s.write(record{ID: rec.ID, Type: recToolResult, Text: text}); err != nil {
		slog.Warn("agentcli: tool result write failed", "key", s.key, "tool", rec.Name, "error", err)
	}
}

func (s *Session) exitError() error {
	s.tailMu.Lock()
	tail := strings.Join(s.tail, " | ")
	s.tailMu.Unlock()
	if tail != "" {
		return fmt.Errorf("%w (%v; stderr: %s)", ErrCliExited, s.exitErr, tail)
	}
	return fmt.Errorf("%w (%v)", ErrCliExited, s.exitErr)
}

// Pid reports the child's process id for diagnostics.
func (s *Session) Pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// close shuts the child down: stdin close first so a well-behaved agent
// exits on EOF, then SIGTERM after the grace window, then SIGKILL.
func (s *Session) close(grace time.Duration) {
	s.closeOnce.Do(func() {
		s.CancelInflight()
		s.stdin.Close()

		select {
		case <-s.exited:
			return
		case <-time.After(grace):
		}

		slog.Warn("agentcli: child ignored stdin close, sending SIGTERM", "key", s.key, "pid", s.Pid())
		procgroup.Kill(s.cmd, syscall.SIGTERM)
		select {
		case <-s.exited:
			return
		case <-time.After(time.Second):
		}

		slog.Warn("agentcli: child ignored SIGTERM, killing", "key", s.key, "pid", s.Pid())
		procgroup.Kill(s.cmd, syscall.SIGKILL)
		<-s.exited
	})
}
