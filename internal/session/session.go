// Package session implements the Descriptor Session abstraction, the
// Listener Session, the HTTP Session state machine, and the Session
// Controller (spec.md §4.B, §4.C, §4.J, §4.K).
package session

import (
	"time"

	"github.com/kztakada/webserv/internal/reactor"
)

// WatchSpec is one descriptor a session wants the controller to register
// with the reactor on its behalf: spec.md §4.B's
// "(fd, want_read, want_write)".
type WatchSpec struct {
	Fd    int
	Read  bool
	Write bool
}

func (w WatchSpec) mask() reactor.EventMask {
	var m reactor.EventMask
	if w.Read {
		m |= reactor.Read
	}
	if w.Write {
		m |= reactor.Write
	}
	return m
}

// Session is the Descriptor Session abstraction of spec.md §4.B. All
// methods are called by the Controller on its own goroutine in response
// to a reactor tick; a Session must never block.
type Session interface {
	// InitialWatchSpecs is called once at registration.
	InitialWatchSpecs() []WatchSpec

	// OnEvent is invoked for every triggered descriptor belonging to this
	// session. It must update the session's own last-active timestamp
	// whenever it makes observable progress.
	OnEvent(ev reactor.FdEvent) error

	// IsComplete is sticky: once true, the controller deregisters and
	// destroys the session at the end of the current tick.
	IsComplete() bool

	// IsTimedOut may defer to a subtype policy; listener sessions report
	// false forever. The controller itself never calls this: timeouts
	// flow through the reactor's synthetic TIMEOUT event (LastActive/
	// TimeoutMS below) and arrive at OnEvent like any other readiness
	// event. It stays part of the interface because spec.md §4.B
	// specifies it as a Descriptor Session operation.
	IsTimedOut() bool

	// LastActive/TimeoutMS satisfy reactor.SessionRef so the reactor can
	// run its own idle scan without knowing about Session at all.
	LastActive() time.Time
	TimeoutMS() int

	// Close releases the descriptors this session owns. Called exactly
	// once by the controller, after sweeping it out of the registry.
	Close() error
}

// Spawner is implemented by sessions (HTTPSession) that may ask the
// controller to register additional sessions mid-flight, per spec.md
// §4.B's invariant: "may ask the controller to register additional
// descriptor-sessions (used by CGI), but must never destroy other
// sessions directly." Checked once per tick after dispatch.
type Spawner interface {
	TakeSpawned() []Session
}

// Rewatcher is implemented by sessions whose watched event mask changes
// over their lifetime (an HTTPSession toggles between RECEIVING_REQUEST's
// read-only watch and SENDING_RESPONSE's write-only watch, per spec.md
// §4.J). The controller consults this after every dispatch and calls
// reactor.Modify when the returned mask differs from what is currently
// registered.
type Rewatcher interface {
	WatchSpecs() []WatchSpec
}

// Poller is implemented by sessions that need a chance to observe
// out-of-band completion on every controller tick, not only when their
// own fd was triggered (an HTTPSession in AWAITING_CGI has nothing to
// read or write on its own descriptor while it waits for the CGI
// orchestrator to finish on its separate pipe sessions). The controller
// calls Poll once per tick for every registered session implementing this.
type Poller interface {
	Poll()
}

const (
	// DefaultIdleTimeoutMS is the HTTP session idle timeout (spec.md §4.J).
	DefaultIdleTimeoutMS = 60_000
	// MaxReactorWaitMS clamps the reactor wait budget (spec.md §5).
	MaxReactorWaitMS = 1_000
)
