// Package cgi implements the CGI Orchestrator (spec.md §4.I): environment
// construction, raw fork/exec of the configured executor over non-blocking
// pipes, deadline-enforced reaping, and CGI response header parsing.
package cgi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Deadline is the default global CGI deadline (spec.md §4.I).
const Deadline = 10 * time.Second

// KillGrace is how long the orchestrator waits after SIGTERM before
// escalating to SIGKILL.
const KillGrace = 1 * time.Second

// ErrStillRunning is returned by Reap when the child has not yet exited.
var ErrStillRunning = errors.New("cgi: process still running")

// Process is one spawned CGI child: its pid and the parent-side ends of
// its stdin/stdout pipes, both set non-blocking so the reactor-driven
// pump loop never stalls the whole event loop on a slow or stuck script.
type Process struct {
	Pid int

	// Stdin is the parent's write end of the child's stdin pipe.
	Stdin *os.File
	// Stdout is the parent's read end of the child's stdout pipe.
	Stdout *os.File

	StartedAt time.Time

	reaped bool
}

// Spawn implements spec.md §4.I's spawn contract: two pipes, non-blocking
// on the parent side, fork+exec the configured executor with the script
// path as argv[1], chdir'd to the script's directory.
func Spawn(executor, scriptPath string, env []string) (*Process, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("cgi: create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("cgi: create stdout pipe: %w", err)
	}

	if err := unix.SetNonblock(int(stdinW.Fd()), true); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("cgi: set stdin nonblocking: %w", err)
	}
	if err := unix.SetNonblock(int(stdoutR.Fd()), true); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("cgi: set stdout nonblocking: %w", err)
	}

	dir := filepath.Dir(scriptPath)
	attr := &unix.ProcAttr{
		Dir: dir,
		Env: env,
		Files: []uintptr{
			stdinR.Fd(),
			stdoutW.Fd(),
			uintptr(os.Stderr.Fd()),
		},
	}
	argv := []string{executor, scriptPath}

	pid, err := unix.ForkExec(executor, argv, attr)

	// The child's ends are duplicated into the new process; the parent no
	// longer needs them.
	stdinR.Close()
	stdoutW.Close()

	if err != nil {
		stdinW.Close()
		stdoutR.Close()
		return nil, fmt.Errorf("cgi: fork/exec %s: %w", executor, err)
	}

	return &Process{
		Pid:       pid,
		Stdin:     stdinW,
		Stdout:    stdoutR,
		StartedAt: time.Now(),
	}, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// Close closes both pipe ends still held by the parent. Safe to call more
// than once.
func (p *Process) Close() {
	if p.Stdin != nil {
		_ = p.Stdin.Close()
		p.Stdin = nil
	}
	if p.Stdout != nil {
		_ = p.Stdout.Close()
		p.Stdout = nil
	}
}

// Reap calls waitpid(WNOHANG), per spec.md §4.I's reaping contract. It
// returns ErrStillRunning if the child has not exited yet.
func (p *Process) Reap() (exitCode int, err error) {
	if p.reaped {
		return 0, nil
	}
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(p.Pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		return 0, fmt.Errorf("cgi: wait4: %w", err)
	}
	if wpid == 0 {
		return 0, ErrStillRunning
	}
	p.reaped = true
	if ws.Exited() {
		return ws.ExitStatus(), nil
	}
	return -1, nil
}

// Terminate sends SIGTERM to the child (deadline escalation, stage 1).
func (p *Process) Terminate() error {
	return unix.Kill(p.Pid, unix.SIGTERM)
}

// Kill sends SIGKILL to the child (deadline escalation, stage 2, after
// KillGrace has elapsed without the child exiting).
func (p *Process) Kill() error {
	return unix.Kill(p.Pid, unix.SIGKILL)
}
