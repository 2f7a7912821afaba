package cgi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kztakada/webserv/internal/httpmsg"
)

// ErrDeadlineExceeded is returned by Result when the global CGI deadline
// (spec.md §4.I, default 10s) elapsed before the child produced a
// complete, reaped response. Callers map this to 504.
var ErrDeadlineExceeded = errors.New("cgi: deadline exceeded")

// ErrExecFailed is returned by Result when the child exited with status
// 127, the convention spec.md §4.I assigns to an exec(2) failure inside
// the forked child. Callers map this to 502.
var ErrExecFailed = errors.New("cgi: exec failed in child")

const pumpChunkSize = 32 * 1024

// Orchestrator drives one CGI invocation end to end: it owns the spawned
// Process, pumps the request body to its stdin, accumulates its stdout,
// and enforces the deadline/reap lifecycle of spec.md §4.I. It does not
// touch the reactor itself; the caller (internal/session) registers
// PumpStdin/ReadStdout as the OnEvent bodies of two descriptor sessions
// and calls Tick from both on every wakeup; the waiting HTTP session also
// calls Tick once per controller tick, so the deadline and reaping advance
// when neither pipe is active.
type Orchestrator struct {
	proc *Process

	stdin     io.Reader
	stdinBuf  []byte // unwritten tail of the last chunk read from stdin
	stdinDone bool

	out        bytes.Buffer
	stdoutDone bool

	deadline    time.Time
	deadlineHit bool
	termSentAt  time.Time
	killed      bool

	reaped   bool
	exitCode int
}

// Start spawns the configured executor and returns an Orchestrator ready
// to be pumped. stdin may be nil for a request with no body (the
// orchestrator closes the child's stdin immediately).
func Start(executor, scriptPath string, env []string, stdin io.Reader, deadline time.Duration) (*Orchestrator, error) {
	proc, err := Spawn(executor, scriptPath, env)
	if err != nil {
		return nil, err
	}
	if stdin == nil {
		stdin = bytes.NewReader(nil)
	}
	if deadline <= 0 {
		deadline = Deadline
	}
	return &Orchestrator{
		proc:     proc,
		stdin:    stdin,
		deadline: time.Now().Add(deadline),
	}, nil
}

// StdinFD is the parent's write end of the child's stdin pipe.
func (o *Orchestrator) StdinFD() int { return int(o.proc.Stdin.Fd()) }

// StdoutFD is the parent's read end of the child's stdout pipe.
func (o *Orchestrator) StdoutFD() int { return int(o.proc.Stdout.Fd()) }

// PumpStdin writes one chunk of the request body to the child's stdin,
// called by the session layer when the stdin fd is WRITE-ready. It is a
// no-op once the body has been fully written and the fd closed.
func (o *Orchestrator) PumpStdin() error {
	if o.stdinDone {
		return nil
	}
	if len(o.stdinBuf) == 0 {
		buf := make([]byte, pumpChunkSize)
		n, err := o.stdin.Read(buf)
		if n > 0 {
			o.stdinBuf = buf[:n]
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("cgi: read request body: %w", err)
		}
		if n == 0 && err == io.EOF {
			return o.closeStdin()
		}
	}

	for len(o.stdinBuf) > 0 {
		n, err := unix.Write(o.StdinFD(), o.stdinBuf)
		if n > 0 {
			o.stdinBuf = o.stdinBuf[n:]
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("cgi: write child stdin: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) closeStdin() error {
	o.stdinDone = true
	if c, ok := o.stdin.(io.Closer); ok {
		_ = c.Close()
	}
	if o.proc.Stdin != nil {
		err := o.proc.Stdin.Close()
		o.proc.Stdin = nil
		return err
	}
	return nil
}

// StdinDone reports whether the request body has been fully written to
// the child and the parent's write end closed.
func (o *Orchestrator) StdinDone() bool { return o.stdinDone }

// StdoutDone reports whether the child's stdout has reached EOF.
func (o *Orchestrator) StdoutDone() bool { return o.stdoutDone }

// ReadStdout drains whatever the child has written so far into the
// internal output buffer, called by the session layer when the stdout
// fd is READ-ready.
func (o *Orchestrator) ReadStdout() error {
	if o.stdoutDone {
		return nil
	}
	buf := make([]byte, pumpChunkSize)
	for {
		n, err := unix.Read(o.StdoutFD(), buf)
		if n > 0 {
			o.out.Write(buf[:n])
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("cgi: read child stdout: %w", err)
		}
		if n == 0 {
			o.stdoutDone = true
			return nil
		}
	}
}

// Tick advances the deadline/signal-escalation/reap state machine. It is
// cheap and idempotent; the session layer calls it from every OnEvent on
// either pump session and from the waiting HTTP session's per-tick Poll,
// so the deadline is enforced whether or not a pipe descriptor triggered
// the wakeup.
func (o *Orchestrator) Tick() {
	if !o.deadlineHit && time.Now().After(o.deadline) {
		o.deadlineHit = true
		_ = o.proc.Terminate()
		o.termSentAt = time.Now()
	}
	if o.deadlineHit && !o.killed && time.Since(o.termSentAt) > KillGrace {
		_ = o.proc.Kill()
		o.killed = true
	}
	if !o.reaped {
		if code, err := o.proc.Reap(); err == nil {
			o.reaped = true
			o.exitCode = code
		} else if !errors.Is(err, ErrStillRunning) {
			o.reaped = true
		}
	}
}

// Done reports whether the invocation has run to completion: the child
// has been reaped and, barring a kill, has closed its stdout.
func (o *Orchestrator) Done() bool {
	return o.reaped && (o.stdoutDone || o.killed)
}

// Result produces the final HTTP response once Done reports true, or one
// of ErrDeadlineExceeded/ErrExecFailed/ErrMalformedHeader.
func (o *Orchestrator) Result() (*httpmsg.Response, error) {
	if o.deadlineHit {
		return nil, ErrDeadlineExceeded
	}
	if o.exitCode == 127 {
		return nil, ErrExecFailed
	}
	return ParseResponse(o.out.Bytes())
}

// Close releases the pipe descriptors still held by the parent. Safe to
// call more than once.
func (o *Orchestrator) Close() {
	o.proc.Close()
}
