// Package procutil wraps the process-level operations tailserve uses to
// supervise detached children: liveness checks, bounded termination,
// process-table lookups, and PID files.
package procutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrStopTimeout is returned when a signalled process is still alive after
// the termination deadline.
var ErrStopTimeout = errors.New("process did not exit in time")

// Alive reports whether pid refers to a running process. A permission error
// on the zero signal counts as alive: the process exists even though it is
// not ours to signal. "No such process" means dead; any other OS error is
// returned to the caller.
func Alive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}
	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, syscall.EPERM):
		return true, nil
	case errors.Is(err, syscall.ESRCH), errors.Is(err, os.ErrProcessDone):
		return false, nil
	default:
		return false, fmt.Errorf("signal pid %d: %w", pid, err)
	}
}

// Terminate sends SIGTERM to pid and polls at interval until the process is
// gone or timeout elapses. An already-dead process is a no-op. Exceeding the
// timeout returns an error wrapping [ErrStopTimeout].
func Terminate(pid int, interval, timeout time.Duration) error {
	alive, err := Alive(pid)
	if err != nil {
		return err
	}
	if !alive {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(interval)
		alive, err := Alive(pid)
		if err != nil {
			return err
		}
		if !alive {
			return nil
		}
	}
	return fmt.Errorf("%w: pid %d", ErrStopTimeout, pid)
}

// Kill force-kills pid, ignoring already-dead processes.
func Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	err = proc.Kill()
	if err == nil || errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return fmt.Errorf("kill pid %d: %w", pid, err)
}

// SpawnDetached starts name with args in its own session so it survives the
// caller's exit. Combined output is appended to logPath when non-empty.
// The child is reaped in the background for as long as the caller lives.
func SpawnDetached(name string, args []string, dir, logPath string) (int, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open log %s: %w", logPath, err)
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// FindPids scans the process table for processes whose command line contains
// every one of the given substrings, excluding the calling process.
func FindPids(substrings ...string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	self := os.Getpid()
	var pids []int
	for _, p := range procs {
		if int(p.Pid) == self {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		if containsAll(cmdline, substrings) {
			pids = append(pids, int(p.Pid))
		}
	}
	return pids, nil
}

func containsAll(s string, subs []string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

// WritePIDFile records pid at path.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// ReadPIDFile parses the PID recorded at path. Absent or unparsable files
// return an error; callers typically treat that as "not running".
func ReadPIDFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s: invalid content %q", path, strings.TrimSpace(string(raw)))
	}
	return pid, nil
}

// RemovePIDFile deletes the PID file; a missing file is not an error.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
