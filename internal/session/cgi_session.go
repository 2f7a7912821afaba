package session

import (
	"time"

	"github.com/kztakada/webserv/internal/cgi"
	"github.com/kztakada/webserv/internal/reactor"
)

// cgiStdinSession and cgiStdoutSession are the two descriptor sessions an
// HTTPSession registers via Spawner when a request hands off to CGI
// (spec.md §4.I): one pumps the request body to the child's stdin, the
// other drains its stdout. Neither ever spawns further sessions or
// changes its own watch mask; the owning HTTPSession alone observes
// completion, via Orchestrator.Done() polled from its own Poll hook.

type cgiStdinSession struct {
	orch       *cgi.Orchestrator
	lastActive time.Time
}

func newCGIStdinSession(orch *cgi.Orchestrator) *cgiStdinSession {
	return &cgiStdinSession{orch: orch, lastActive: time.Now()}
}

func (c *cgiStdinSession) InitialWatchSpecs() []WatchSpec {
	return []WatchSpec{{Fd: c.orch.StdinFD(), Write: true}}
}

func (c *cgiStdinSession) OnEvent(ev reactor.FdEvent) error {
	c.orch.Tick()
	if c.orch.StdinDone() {
		return nil
	}
	if err := c.orch.PumpStdin(); err != nil {
		return err
	}
	c.lastActive = time.Now()
	return nil
}

func (c *cgiStdinSession) IsComplete() bool       { return c.orch.StdinDone() || c.orch.Done() }
func (c *cgiStdinSession) IsTimedOut() bool       { return false }
func (c *cgiStdinSession) LastActive() time.Time { return c.lastActive }
func (c *cgiStdinSession) TimeoutMS() int        { return 0 }
func (c *cgiStdinSession) Close() error          { return nil }

type cgiStdoutSession struct {
	orch       *cgi.Orchestrator
	lastActive time.Time
}

func newCGIStdoutSession(orch *cgi.Orchestrator) *cgiStdoutSession {
	return &cgiStdoutSession{orch: orch, lastActive: time.Now()}
}

func (c *cgiStdoutSession) InitialWatchSpecs() []WatchSpec {
	return []WatchSpec{{Fd: c.orch.StdoutFD(), Read: true}}
}

func (c *cgiStdoutSession) OnEvent(ev reactor.FdEvent) error {
	c.orch.Tick()
	if c.orch.StdoutDone() {
		return nil
	}
	if err := c.orch.ReadStdout(); err != nil {
		return err
	}
	c.lastActive = time.Now()
	return nil
}

func (c *cgiStdoutSession) IsComplete() bool       { return c.orch.StdoutDone() || c.orch.Done() }
func (c *cgiStdoutSession) IsTimedOut() bool       { return false }
func (c *cgiStdoutSession) LastActive() time.Time { return c.lastActive }
func (c *cgiStdoutSession) TimeoutMS() int        { return 0 }
func (c *cgiStdoutSession) Close() error          { return nil }
