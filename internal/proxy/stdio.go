package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/paygate/internal/mcp"
)

// Response lines from a chatty backend can get big.
const stdioMaxLine = 10 * 1024 * 1024

const (
	restartBaseDelay = time.Second
	restartMaxDelay  = 30 * time.Second
)

// Stdio runs the backend as a child process and speaks newline-delimited
// JSON-RPC over its stdin/stdout. Concurrent callers are multiplexed onto
// the single pipe by rewriting request ids; the original id is restored on
// the way back out.
type Stdio struct {
	command string
	args    []string
	logger  *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	running bool
	stopped bool
	delay   time.Duration

	nextID  atomic.Int64
	pmu     sync.Mutex
	pending map[int64]chan *mcp.Response
}

// NewStdio creates a stdio backend. Start must be called before Forward.
func NewStdio(command string, args []string, logger *slog.Logger) *Stdio {
	return &Stdio{
		command: command,
		args:    args,
		logger:  logger,
		delay:   restartBaseDelay,
		pending: make(map[int64]chan *mcp.Response),
	}
}

// Start spawns the child process and begins reading its stdout.
func (s *Stdio) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.stopped = false
	return s.spawnLocked(ctx)
}

func (s *Stdio) spawnLocked(ctx context.Context) error {
	cmd := exec.Command(s.command, s.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("proxy: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("proxy: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("proxy: start %s: %w", s.command, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.running = true
	s.logger.Info("backend process started", "command", s.command, "pid", cmd.Process.Pid)

	go s.readLoop(ctx, stdout, cmd)
	return nil
}

// readLoop consumes stdout until the process dies, then restarts it with
// backoff unless Stop was called. In-flight requests at the moment of death
// are failed, never silently retried: the tool may have executed.
func (s *Stdio) readLoop(ctx context.Context, stdout io.Reader, cmd *exec.Cmd) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), stdioMaxLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp mcp.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			s.logger.Warn("backend wrote unparseable line", "error", err)
			continue
		}
		s.deliver(&resp)
		s.mu.Lock()
		s.delay = restartBaseDelay // healthy output resets the backoff
		s.mu.Unlock()
	}

	err := cmd.Wait()
	s.failAllPending()

	s.mu.Lock()
	s.running = false
	if s.stopped {
		s.mu.Unlock()
		return
	}
	delay := s.delay
	s.delay = min(s.delay*2, restartMaxDelay)
	s.mu.Unlock()

	s.logger.Error("backend process exited, restarting", "error", err, "delay", delay.String())
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if err := s.spawnLocked(ctx); err != nil {
		s.logger.Error("backend restart failed", "error", err)
	}
}

func (s *Stdio) deliver(resp *mcp.Response) {
	id, err := strconv.ParseInt(string(resp.ID), 10, 64)
	if err != nil {
		s.logger.Warn("backend response with unexpected id", "id", string(resp.ID))
		return
	}
	s.pmu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.pmu.Unlock()
	if ok {
		ch <- resp
	}
}

func (s *Stdio) failAllPending() {
	s.pmu.Lock()
	pending := s.pending
	s.pending = make(map[int64]chan *mcp.Response)
	s.pmu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// Forward writes the request to the child and waits for the matching
// response. Notifications are written and return immediately.
func (s *Stdio) Forward(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	if req.IsNotification() {
		return nil, s.write(req)
	}

	internal := s.nextID.Add(1)
	wire := *req
	wire.ID = json.RawMessage(strconv.FormatInt(internal, 10))

	ch := make(chan *mcp.Response, 1)
	s.pmu.Lock()
	s.pending[internal] = ch
	s.pmu.Unlock()

	if err := s.write(&wire); err != nil {
		s.pmu.Lock()
		delete(s.pending, internal)
		s.pmu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		s.pmu.Lock()
		delete(s.pending, internal)
		s.pmu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("proxy: backend died with request in flight")
		}
		resp.ID = req.ID
		return resp, nil
	}
}

func (s *Stdio) write(req *mcp.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("proxy: marshal request: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrBackendDown
	}
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("proxy: write to backend: %w", err)
	}
	return nil
}

// Stop terminates the child process. In-flight requests fail.
func (s *Stdio) Stop() error {
	s.mu.Lock()
	s.stopped = true
	cmd := s.cmd
	running := s.running
	s.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return nil
	}
	s.logger.Info("stopping backend process", "pid", cmd.Process.Pid)
	return cmd.Process.Kill()
}

// Running reports whether the child process is alive.
func (s *Stdio) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
