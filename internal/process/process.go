// Package process implements the Process Manager (component C): dev-server
// launch, argv/env construction, readiness probing, and termination. It
// owns a portalloc.Allocator for the lifetime of every process it
// supervises. Grounded in the original prototype's process_manager.py for
// its toolchain-specific flag injection and environment variables, and in
// the teacher's os/exec + process-group conventions.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftline-dev/driftline/internal/logger"
	"github.com/driftline-dev/driftline/internal/portalloc"
	"github.com/driftline-dev/driftline/internal/workspace"
)

// RoutingMode selects which environment variables the dev server receives
// for its base path and HMR endpoint.
type RoutingMode int

const (
	SubdomainRouting RoutingMode = iota
	PathRouting
)

// Info describes a running dev-server process.
type Info struct {
	SessionID string
	Port      int
	PID       int
	StartedAt time.Time

	cmd *exec.Cmd
}

// Manager supervises one dev-server process per session.
type Manager struct {
	ports *portalloc.Allocator

	mu        sync.Mutex
	processes map[string]*Info
}

// New constructs a Manager whose port allocator spans [portStart, portEnd).
func New(portStart, portEnd int) *Manager {
	return &Manager{
		ports:     portalloc.New(portStart, portEnd),
		processes: make(map[string]*Info),
	}
}

// LaunchOptions carries everything Launch needs to start a dev server.
type LaunchOptions struct {
	SessionID     string
	WorkDir       string
	Argv          []string
	Framework     workspace.Framework
	Routing       RoutingMode
	PreviewDomain string
	BaseURL       string
}

// Launch allocates a port, injects toolchain-appropriate server flags,
// spawns the dev server in its own process group, and registers it against
// the session. On any failure after port allocation, the port is released
// before the error is returned.
func (m *Manager) Launch(ctx context.Context, opts LaunchOptions) (*Info, error) {
	port, err := m.ports.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate port: %w", err)
	}

	argv := injectServerFlags(opts.Argv, port)
	env := buildEnv(opts, port)

	log := logger.Process()
	log.Info().Str("session_id", opts.SessionID).Int("port", port).Strs("argv", argv).Msg("launching dev server")

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.WorkDir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.ports.Release(port)
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.ports.Release(port)
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		m.ports.Release(port)
		return nil, fmt.Errorf("start dev server: %w", err)
	}

	go streamOutput(log, opts.SessionID, "stdout", stdout)
	go streamOutput(log, opts.SessionID, "stderr", stderr)

	info := &Info{
		SessionID: opts.SessionID,
		Port:      port,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
	}

	m.mu.Lock()
	m.processes[opts.SessionID] = info
	m.mu.Unlock()

	return info, nil
}

// streamOutput copies a dev server's stdout/stderr into the structured log
// line by line, tagging each line with the session and stream it came from.
func streamOutput(log *zerolog.Logger, sessionID, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Debug().Str("session_id", sessionID).Str("stream", stream).Msg(scanner.Text())
	}
}

// injectServerFlags appends --port/--host flags unless the argv already
// specifies them, following per-toolchain conventions: npm-invoked scripts
// need a "--" separator before extra flags, yarn/pnpm take them directly,
// and react-scripts gets no flags at all because it reads PORT/HOST from
// the environment instead. No --base flag is ever injected: dev-server
// redirects on base paths conflict with the proxy's prefix stripping.
func injectServerFlags(argv []string, port int) []string {
	if containsAny(argv, "react-scripts") {
		return argv
	}
	if hasFlag(argv, "--port", "-p", "-P") && hasFlag(argv, "--host", "-H", "--hostname") {
		return argv
	}

	extra := []string{"--port", strconv.Itoa(port), "--host", "0.0.0.0"}

	switch {
	case len(argv) >= 2 && argv[0] == "npm" && (argv[1] == "run" || argv[1] == "start"):
		out := append([]string{}, argv...)
		out = append(out, "--")
		out = append(out, extra...)
		return out
	case len(argv) >= 1 && (argv[0] == "yarn" || argv[0] == "pnpm"):
		out := append([]string{}, argv...)
		out = append(out, extra...)
		return out
	default:
		out := append([]string{}, argv...)
		out = append(out, extra...)
		return out
	}
}

func hasFlag(argv []string, names ...string) bool {
	for _, a := range argv {
		for _, n := range names {
			if a == n || strings.HasPrefix(a, n+"=") {
				return true
			}
		}
	}
	return false
}

func containsAny(argv []string, substr string) bool {
	for _, a := range argv {
		if strings.Contains(a, substr) {
			return true
		}
	}
	return false
}

func buildEnv(opts LaunchOptions, port int) []string {
	env := os.Environ()
	env = append(env,
		fmt.Sprintf("PORT=%d", port),
		fmt.Sprintf("DEV_PORT=%d", port),
		fmt.Sprintf("VITE_PORT=%d", port),
		"HOST=0.0.0.0",
		"BROWSER=none",
		"CI=true",
		"NO_UPDATE_NOTIFIER=1",
		"NPM_CONFIG_UPDATE_NOTIFIER=false",
		"NODE_OPTIONS=--max-old-space-size=3072",
		"VITE_CJS_IGNORE_WARNING=true",
		"PATH="+binDir(opts.WorkDir)+":"+os.Getenv("PATH"),
	)

	if opts.Routing == SubdomainRouting {
		env = append(env,
			"VITE_HMR_PROTOCOL=wss",
			fmt.Sprintf("VITE_HMR_HOST=%s.%s", opts.SessionID, opts.PreviewDomain),
			"VITE_HMR_PORT=443",
			"VITE_HMR_CLIENT_PORT=443",
			"BASE_PATH=/",
			"PUBLIC_URL=/",
		)
	} else {
		basePath := fmt.Sprintf("/preview/%s/", opts.SessionID)
		env = append(env,
			"VITE_HMR_PROTOCOL=wss",
			"VITE_HMR_HOST=",
			"BASE_PATH="+basePath,
			"PUBLIC_URL="+basePath,
			"ASSET_PREFIX="+basePath,
		)
	}

	return env
}

func binDir(workDir string) string {
	return workDir + "/node_modules/.bin"
}

// WaitReady polls http://127.0.0.1:<port>/ with exponential backoff
// (starting at 500ms, capped at 5s) until a response with status < 500
// arrives, the process exits, or ctx is cancelled (the startup timeout).
func (m *Manager) WaitReady(ctx context.Context, info *Info) error {
	client := &http.Client{Timeout: 3 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d/", info.Port)

	backoff := 500 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		if exited, err := m.processExited(info); exited {
			return fmt.Errorf("dev server exited before becoming ready: %v", err)
		}

		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("readiness timeout: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * 1.5)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (m *Manager) processExited(info *Info) (bool, error) {
	if info.cmd.ProcessState != nil {
		return true, info.cmd.ProcessState
	}
	// A non-blocking liveness probe: sending signal 0 fails if the process
	// is gone without reaping it, which remains Wait's job.
	if err := info.cmd.Process.Signal(syscall.Signal(0)); err != nil {
		return true, err
	}
	return false, nil
}

// Stop sends SIGTERM to the process group, waits up to gracePeriod, then
// SIGKILLs. The port is always released. Stopping an unknown session id is
// a no-op.
func (m *Manager) Stop(sessionID string, gracePeriod time.Duration) {
	m.mu.Lock()
	info, ok := m.processes[sessionID]
	if ok {
		delete(m.processes, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	defer m.ports.Release(info.Port)

	pgid := info.cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = info.cmd.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(gracePeriod):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
	}
}

// StopAll terminates every tracked process concurrently, used during
// instance shutdown.
func (m *Manager) StopAll(gracePeriod time.Duration) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.processes))
	for id := range m.processes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Stop(id, gracePeriod)
		}(id)
	}
	wg.Wait()
}

// Get returns the tracked process info for a session, if any.
func (m *Manager) Get(sessionID string) (*Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.processes[sessionID]
	return info, ok
}

