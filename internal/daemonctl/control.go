package daemonctl

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"shmq/internal/ipc"
)

const pollInterval = 200 * time.Millisecond

// LaunchOptions controls how a background daemon is spawned.
type LaunchOptions struct {
	ConfigPath string
	Diagnostic bool
}

func (o LaunchOptions) args() []string {
	args := []string{"daemon"}
	if path := strings.TrimSpace(o.ConfigPath); path != "" {
		args = append(args, "--config", path)
	}
	if o.Diagnostic {
		args = append(args, "--diagnostic")
	}
	return args
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
	StartStateRequested      StartState = "start_requested"
)

// StartResult describes what EnsureStarted did and where clients connect.
type StartResult struct {
	State    StartState
	Launched bool
	Address  string
	Message  string
}

// ErrDaemonNotRunning is returned when the control socket does not answer.
var ErrDaemonNotRunning = errors.New("daemon not running")

// Launch spawns `<exe> daemon` in its own session and does not wait for it.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return errors.New("resolve executable: executable path is empty")
	}
	proc := exec.Command(executablePath, opts.args()...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForClient dials socketPath until it answers or timeout elapses.
func WaitForClient(socketPath string, timeout time.Duration) (*ipc.Client, error) {
	var client *ipc.Client
	err := poll(timeout, func() (bool, error) {
		c, err := ipc.Dial(socketPath)
		if err != nil {
			return false, err
		}
		client = c
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("daemon failed to start: %w", err)
	}
	return client, nil
}

// EnsureStarted makes sure a daemon answers on socketPath and its queue is
// bound, launching executablePath when nothing is listening.
func EnsureStarted(socketPath, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	launched := false
	client, err := ipc.Dial(socketPath)
	if err != nil {
		if err := Launch(executablePath, opts); err != nil {
			return StartResult{}, err
		}
		if client, err = WaitForClient(socketPath, waitTimeout); err != nil {
			return StartResult{}, err
		}
		launched = true
	}
	defer client.Close()

	if status, err := client.Status(); err == nil && status.Running {
		return runningResult(launched, status.Address, ""), nil
	}

	resp, err := client.Start()
	if err != nil {
		return StartResult{}, err
	}
	message := strings.TrimSpace(resp.Message)
	switch {
	case resp.Started:
		return StartResult{State: StartStateStarted, Launched: launched, Address: resp.Address, Message: message}, nil
	case strings.EqualFold(message, "daemon already running"):
		return runningResult(launched, resp.Address, message), nil
	case message == "":
		message = "Start request sent"
	}
	return StartResult{State: StartStateRequested, Launched: launched, Message: message}, nil
}

// runningResult reports a daemon found running; it counts as started when
// this call launched it.
func runningResult(launched bool, address, message string) StartResult {
	state := StartStateAlreadyRunning
	if launched {
		state = StartStateStarted
	}
	return StartResult{State: state, Launched: launched, Address: address, Message: message}
}

// ProcessInfo reports whether the control socket answers and the daemon's pid.
func ProcessInfo(socketPath string) (bool, int, error) {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		if isDaemonUnavailable(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	defer client.Close()
	status, err := client.Status()
	if err != nil {
		return true, 0, err
	}
	return true, status.PID, nil
}

// poll calls fn every pollInterval until it reports done or timeout
// elapses. The last error fn returned explains the timeout.
func poll(timeout time.Duration, fn func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		done, err := fn()
		if done {
			return nil
		}
		lastErr = err
		if !time.Now().Add(pollInterval).Before(deadline) {
			break
		}
		time.Sleep(pollInterval)
	}
	if lastErr == nil {
		lastErr = errors.New("timed out")
	}
	return lastErr
}

func isDaemonUnavailable(err error) bool {
	return errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
