package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/kztakada/webserv/internal/reactor"
)

// entry is what the Controller tracks per registered Session: the
// session itself plus the set of fds it last told the reactor to watch,
// so watch-mask reconciliation only calls reactor.Modify when something
// actually changed.
type entry struct {
	sess    Session
	watches map[int]reactor.EventMask
}

// Controller owns every registered Session and drives them from a single
// Reactor, implementing the dispatch/sweep/reconcile loop of spec.md
// §4.B-§4.D: "the only thing that ever calls Session methods."
type Controller struct {
	reactor *reactor.Reactor
	log     *slog.Logger

	bySession map[Session]*entry
	byFd      map[int]Session

	drainGrace time.Duration
}

// NewController wraps r. log defaults to slog.Default() when nil.
func NewController(r *reactor.Reactor, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		reactor:    r,
		log:        log,
		bySession:  make(map[Session]*entry),
		byFd:       make(map[int]Session),
		drainGrace: 5 * time.Second,
	}
}

// Add registers sess, materializing InitialWatchSpecs into the reactor.
func (c *Controller) Add(sess Session) error {
	watches := make(map[int]reactor.EventMask)
	for _, spec := range sess.InitialWatchSpecs() {
		mask := spec.mask()
		if err := c.reactor.Register(spec.Fd, mask, sess); err != nil {
			return err
		}
		watches[spec.Fd] = mask
		c.byFd[spec.Fd] = sess
	}
	c.bySession[sess] = &entry{sess: sess, watches: watches}
	return nil
}

// Tick runs one iteration of the loop: wait for events, dispatch them,
// let every Poller observe out-of-band completion, register spawned
// sessions, reconcile every Rewatcher's mask, then sweep out everything
// IsComplete reports true.
func (c *Controller) Tick(budget time.Duration) error {
	events, err := c.reactor.Wait(budget)
	if err != nil {
		return err
	}

	dispatched := make(map[Session]bool, len(events))
	for _, ev := range events {
		sess, ok := c.byFd[ev.Fd]
		if !ok {
			continue
		}
		dispatched[sess] = true
		if err := sess.OnEvent(ev); err != nil {
			c.log.Debug("session OnEvent error", "fd", ev.Fd, "err", err)
		}
	}

	// Poller sessions get a chance to observe out-of-band completion
	// (CGI orchestrator finishing) on every tick, not only when their own
	// fd was triggered.
	for sess := range c.bySession {
		if p, ok := sess.(Poller); ok {
			p.Poll()
		}
	}

	// Collect newly spawned sessions from everything dispatched this
	// tick, per spec.md §4.B's Spawner contract.
	var spawned []Session
	for sess := range dispatched {
		if sp, ok := sess.(Spawner); ok {
			spawned = append(spawned, sp.TakeSpawned()...)
		}
	}
	for _, sess := range spawned {
		if err := c.Add(sess); err != nil {
			c.log.Error("register spawned session", "err", err)
		}
	}

	// Reconcile watch masks across every registered session: a session
	// not dispatched this tick may still have had its desired mask
	// change as a side effect of another session's event (CGI completion
	// flipping an HTTPSession from AWAITING_CGI back to SENDING_RESPONSE).
	c.reconcileWatches()

	c.sweepComplete()
	return nil
}

func (c *Controller) reconcileWatches() {
	for sess, ent := range c.bySession {
		rw, ok := sess.(Rewatcher)
		if !ok {
			continue
		}
		desired := make(map[int]reactor.EventMask)
		for _, spec := range rw.WatchSpecs() {
			desired[spec.Fd] = spec.mask()
		}
		for fd, mask := range desired {
			if cur, tracked := ent.watches[fd]; !tracked {
				if err := c.reactor.Register(fd, mask, sess); err != nil {
					c.log.Error("reactor register on rewatch", "fd", fd, "err", err)
					continue
				}
				c.byFd[fd] = sess
			} else if cur != mask {
				if err := c.reactor.Modify(fd, mask); err != nil {
					c.log.Error("reactor modify", "fd", fd, "err", err)
					continue
				}
			}
		}
		for fd := range ent.watches {
			if _, stillWanted := desired[fd]; !stillWanted {
				_ = c.reactor.Unregister(fd)
				delete(c.byFd, fd)
			}
		}
		ent.watches = desired
	}
}

func (c *Controller) sweepComplete() {
	for sess, ent := range c.bySession {
		if !sess.IsComplete() {
			continue
		}
		for fd := range ent.watches {
			_ = c.reactor.Unregister(fd)
			delete(c.byFd, fd)
		}
		if err := sess.Close(); err != nil {
			c.log.Debug("session close", "err", err)
		}
		delete(c.bySession, sess)
	}
}

// waitBudget implements spec.md §5's reactor wait-budget rule: the
// smallest positive remaining timeout among registered sessions, clamped
// to MaxReactorWaitMS so a newly added session's deadline is never missed
// by more than that ceiling.
func (c *Controller) waitBudget() time.Duration {
	budget := time.Duration(MaxReactorWaitMS) * time.Millisecond
	now := time.Now()
	for sess := range c.bySession {
		ms := sess.TimeoutMS()
		if ms <= 0 {
			continue
		}
		deadline := sess.LastActive().Add(time.Duration(ms) * time.Millisecond)
		remaining := deadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if remaining < budget {
			budget = remaining
		}
	}
	return budget
}

// Run drives the loop until ctx is cancelled, then stops accepting new
// connections and keeps ticking until every remaining session drains or
// drainGrace elapses, per spec.md §5's graceful-shutdown sequence.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return c.drain()
		default:
		}
		if err := c.Tick(c.waitBudget()); err != nil {
			return err
		}
	}
}

func (c *Controller) drain() error {
	for sess, ent := range c.bySession {
		l, ok := sess.(*ListenerSession)
		if !ok {
			continue
		}
		_ = l.Close()
		for fd := range ent.watches {
			_ = c.reactor.Unregister(fd)
			delete(c.byFd, fd)
		}
		delete(c.bySession, sess)
	}

	deadline := time.Now().Add(c.drainGrace)
	for len(c.bySession) > 0 && time.Now().Before(deadline) {
		budget := time.Until(deadline)
		if budget > 250*time.Millisecond {
			budget = 250 * time.Millisecond
		}
		if err := c.Tick(budget); err != nil {
			return err
		}
	}
	return nil
}
