package controller

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/kvtier/plugin/placement"
	"github.com/hrygo/kvtier/plugin/timeout"
)

// ProcessConfig describes how to launch the controller API server.
type ProcessConfig struct {
	// Python is the interpreter used to run the API server module.
	Python string
	// ConfigPath is exported as LMCACHE_CONFIG_FILE.
	ConfigPath string
	Host       string
	Port       int
	// LogPath receives the child's stdout and stderr (appended).
	LogPath string
	// DisableOffload, when non-empty, is exported as LMCACHE_DISABLE_OFFLOAD.
	DisableOffload string
	// Command overrides the full argv. Used to run a different launcher.
	Command []string
	// StartGrace is how long Start waits before reporting the process as up.
	StartGrace time.Duration
}

// DefaultProcessConfig returns the stock launch configuration.
func DefaultProcessConfig() *ProcessConfig {
	return &ProcessConfig{
		Python:     "python3",
		ConfigPath: "config.yaml",
		Host:       "127.0.0.1",
		Port:       9000,
		LogPath:    "controller.log",
		StartGrace: timeout.ProcessStartGrace,
	}
}

// Process owns at most one running controller child process. It is safe for
// concurrent use; callers hold their own handle rather than sharing a global.
type Process struct {
	config *ProcessConfig

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// NewProcess creates an idle handle.
func NewProcess(config *ProcessConfig) *Process {
	if config == nil {
		config = DefaultProcessConfig()
	}
	return &Process{config: config}
}

// Start launches the controller if it is not already running and returns its pid.
func (p *Process) Start(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.runningLocked() {
		return p.cmd.Process.Pid, nil
	}

	argv := p.config.Command
	if len(argv) == 0 {
		argv = []string{
			p.config.Python, "-m", "lmcache.v1.api_server",
			"--host", p.config.Host,
			"--port", strconv.Itoa(p.config.Port),
		}
	}

	logFile, err := os.OpenFile(p.config.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open controller log %s", p.config.LogPath)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), "LMCACHE_CONFIG_FILE="+p.config.ConfigPath)
	if p.config.DisableOffload != "" {
		cmd.Env = append(cmd.Env, placement.DisableOffloadEnv+"="+p.config.DisableOffload)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, errors.Wrapf(err, "failed to start %s", argv[0])
	}

	done := make(chan struct{})
	var waitErr error
	p.cmd, p.done = cmd, done
	go func() {
		waitErr = cmd.Wait()
		logFile.Close()
		close(done)
	}()

	slog.Info("controller process started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("config", p.config.ConfigPath),
		slog.String("log", p.config.LogPath),
	)

	select {
	case <-time.After(p.config.StartGrace):
		return cmd.Process.Pid, nil
	case <-done:
		return 0, errors.Errorf("controller exited during startup (%v), see %s", waitErr, p.config.LogPath)
	case <-ctx.Done():
		return cmd.Process.Pid, ctx.Err()
	}
}

// Stop terminates the controller, escalating to kill after wait.
func (p *Process) Stop(wait time.Duration) error {
	p.mu.Lock()
	if !p.runningLocked() {
		p.mu.Unlock()
		return nil
	}
	cmd, done := p.cmd, p.done
	p.mu.Unlock()

	if wait <= 0 {
		wait = timeout.ProcessStopTimeout
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		slog.Warn("failed to signal controller", slog.Int("pid", cmd.Process.Pid), slog.String("error", err.Error()))
	}
	select {
	case <-done:
	case <-time.After(wait):
		slog.Warn("controller did not exit in time, killing", slog.Int("pid", cmd.Process.Pid))
		if err := cmd.Process.Kill(); err != nil {
			return errors.Wrap(err, "failed to kill controller")
		}
		<-done
	}

	slog.Info("controller process stopped", slog.Int("pid", cmd.Process.Pid))
	return nil
}

// Running reports whether the child process is alive.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runningLocked()
}

// PID returns the pid of the running child, or 0.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.runningLocked() {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) runningLocked() bool {
	if p.cmd == nil || p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}
