package server

import (
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/hyperengineering/engrammar/internal/config"
	"github.com/hyperengineering/engrammar/pkg/client"
)

// Maintenance task names. Each maps to a subcommand of this binary.
const (
	taskExtract  = "extract"
	taskEvaluate = "evaluate"
)

// maintenance tracks background task subprocesses for single-flight: a task
// starts only when no prior handle for it is still alive. The accept loop
// is single-threaded, so no locking is needed.
type maintenance struct {
	cfg     *config.Config
	logger  *slog.Logger
	running map[string]chan struct{}
}

func newMaintenance(cfg *config.Config, logger *slog.Logger) *maintenance {
	return &maintenance{
		cfg:     cfg,
		logger:  logger.With("component", "maintenance"),
		running: make(map[string]chan struct{}),
	}
}

// trigger starts the extract and evaluate tasks that are not already
// running and reports the per-task outcome.
func (m *maintenance) trigger(evaluateLimit int) map[string]string {
	states := make(map[string]string, 2)

	states[taskExtract] = m.start(taskExtract, nil)

	var args []string
	if evaluateLimit > 0 {
		args = append(args, "--limit", strconv.Itoa(evaluateLimit))
	}
	states[taskEvaluate] = m.start(taskEvaluate, args)

	return states
}

// start spawns one detached subprocess running a subcommand of this binary.
// The internal-run flag keeps the child from re-entering the hook runtime.
func (m *maintenance) start(task string, args []string) string {
	if done, ok := m.running[task]; ok {
		select {
		case <-done:
			delete(m.running, task)
		default:
			return client.TaskAlreadyRunning
		}
	}

	exe, err := os.Executable()
	if err != nil {
		m.logger.Error("resolve executable failed", "task", task, "error", err)
		return "failed"
	}

	cmd := exec.Command(exe, append([]string{task}, args...)...)
	cmd.Env = append(os.Environ(), "ENGRAMMAR_INTERNAL=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if logFile, err := os.OpenFile(m.cfg.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		defer logFile.Close()
	}

	if err := cmd.Start(); err != nil {
		m.logger.Error("maintenance start failed", "task", task, "error", err)
		return "failed"
	}

	done := make(chan struct{})
	m.running[task] = done
	go func() {
		defer close(done)
		if err := cmd.Wait(); err != nil {
			m.logger.Warn("maintenance task exited with error", "task", task, "error", err)
		}
	}()

	m.logger.Info("maintenance task started", "task", task, "pid", cmd.Process.Pid)
	return client.TaskStarted
}
