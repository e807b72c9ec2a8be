package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ProcessRunner runs local commands for the bootstrap
type ProcessRunner interface {
	// Run executes a command to completion and returns its combined output.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// Start launches a detached command whose output goes to logPath.
	Start(name string, args []string, logPath string) (Process, error)
	LookPath(name string) (string, error)
}

// Process is a handle on a detached process
type Process interface {
	PID() int
	Alive() bool
	Stop() error
}

// ExitCode extracts the exit status carried by err, or -1
func ExitCode(err error) int {
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return -1
}

// OSRunner runs commands on the local machine
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (OSRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Start launches the command in its own process group so it survives the caller's terminal
func (OSRunner) Start(name string, args []string, logPath string) (Process, error) {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	cmd := exec.Command(name, args...)
	cmd.Stdout = f
	cmd.Stderr = f
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		f.Close()
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		f.Close()
		close(p.done)
	}()
	return p, nil
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *osProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	return syscall.Kill(p.cmd.Process.Pid, 0) == nil
}

// Stop sends SIGTERM to the process group and escalates to SIGKILL after a grace period
func (p *osProcess) Stop() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	pgid, err := syscall.Getpgid(p.cmd.Process.Pid)
	if err == nil {
		syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		p.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(5 * time.Second):
		if err == nil {
			syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			p.cmd.Process.Kill()
		}
		<-p.done
		return nil
	}
}
