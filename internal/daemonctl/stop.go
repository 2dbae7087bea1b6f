package daemonctl

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"shmq/internal/config"
	"shmq/internal/ipc"
)

// StopResult describes how the daemon went away.
type StopResult struct {
	StopAcknowledged bool
	ForcedKill       bool
	PID              int
}

// RestartResult combines the stop and start halves of Restart.
type RestartResult struct {
	WasRunning bool
	Stop       StopResult
	Start      StartResult
}

// WaitForShutdown returns once the control socket stops answering.
func WaitForShutdown(socketPath string, timeout time.Duration) error {
	err := poll(timeout, func() (bool, error) {
		client, err := ipc.Dial(socketPath)
		if err != nil {
			return isDaemonUnavailable(err), err
		}
		_ = client.Close()
		return false, errors.New("daemon still running")
	})
	if err != nil {
		return fmt.Errorf("daemon did not stop: %w", err)
	}
	return nil
}

// StopAndTerminate asks the daemon to close its queue and exit. If the
// control socket still answers after gracePeriod the process is killed.
func StopAndTerminate(cfg *config.Config, gracePeriod time.Duration) (StopResult, error) {
	if cfg == nil {
		return StopResult{}, errors.New("configuration not available")
	}
	socketPath := cfg.SocketPath()
	client, err := ipc.Dial(socketPath)
	if err != nil {
		if isDaemonUnavailable(err) {
			return StopResult{}, ErrDaemonNotRunning
		}
		return StopResult{}, err
	}
	var result StopResult
	if status, err := client.Status(); err == nil {
		result.PID = status.PID
	}
	resp, err := client.Shutdown()
	_ = client.Close()
	if err != nil {
		return result, err
	}
	result.StopAcknowledged = resp.Stopped

	if WaitForShutdown(socketPath, gracePeriod) == nil {
		return result, nil
	}
	if alive, pid, err := ProcessInfo(socketPath); err == nil && !alive {
		return result, nil
	} else if pid > 0 {
		result.PID = pid
	}

	killed, err := ForceKillProcess(cfg.PIDPath(), cfg.LockPath(), result.PID)
	if err != nil {
		return result, fmt.Errorf("failed to stop daemon process: %w", err)
	}
	_ = os.Remove(socketPath)
	result.ForcedKill = true
	result.PID = killed
	return result, nil
}

// ForceKillProcess sends SIGKILL to the pid recorded in pidPath, or to
// fallbackPID when the file is missing, then removes the pid and lock files.
func ForceKillProcess(pidPath, lockPath string, fallbackPID int) (int, error) {
	pid, err := readPID(pidPath)
	if err != nil {
		return 0, err
	}
	if pid == 0 {
		pid = fallbackPID
	}
	switch {
	case pid <= 0:
		return 0, fmt.Errorf("unable to determine daemon pid (pid file: %s)", pidPath)
	case pid == os.Getpid():
		return 0, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return 0, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("remove pid file %q: %w", pidPath, err)
	}
	if lockPath != "" {
		_ = os.Remove(lockPath)
	}
	return pid, nil
}

// readPID returns 0 without error when the pid file is absent or empty.
func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read daemon pid file %q: %w", path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(text)
	if err != nil || pid <= 0 {
		return 0, nil
	}
	return pid, nil
}

// Restart stops any running daemon and then ensures one is started.
func Restart(cfg *config.Config, executablePath string, opts LaunchOptions, stopGracePeriod, startWaitTimeout time.Duration) (RestartResult, error) {
	stopped, err := StopAndTerminate(cfg, stopGracePeriod)
	wasRunning := err == nil
	if err != nil && !errors.Is(err, ErrDaemonNotRunning) {
		return RestartResult{}, err
	}
	started, err := EnsureStarted(cfg.SocketPath(), executablePath, opts, startWaitTimeout)
	if err != nil {
		return RestartResult{}, err
	}
	return RestartResult{WasRunning: wasRunning, Stop: stopped, Start: started}, nil
}
