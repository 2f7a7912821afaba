package session

import (
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kztakada/webserv/internal/reactor"
)

// ConnFactory builds the HTTPSession for one freshly-accepted connection.
// localIP/localPort come from the mandatory getsockname correction
// (spec.md §4.C); remoteAddr is best-effort (empty if getpeername fails,
// which the caller tolerates since it only feeds CGI's REMOTE_ADDR).
type ConnFactory func(connFd int, localIP string, localPort int, remoteAddr string) Session

// ListenerSession accepts new TCP connections on one bound, listening
// endpoint (spec.md §4.C). It never times out, and it reports complete
// only once Close has been called during shutdown drain; until then it
// lives for the lifetime of the server.
type ListenerSession struct {
	fd      int
	newConn ConnFactory
	log     *slog.Logger

	lastActive time.Time
	spawned    []Session
	closed     bool
}

// NewListenerSession wraps an already-bound, listening, non-blocking
// socket fd.
func NewListenerSession(fd int, newConn ConnFactory, log *slog.Logger) *ListenerSession {
	if log == nil {
		log = slog.Default()
	}
	return &ListenerSession{fd: fd, newConn: newConn, log: log, lastActive: time.Now()}
}

func (l *ListenerSession) InitialWatchSpecs() []WatchSpec {
	return []WatchSpec{{Fd: l.fd, Read: true}}
}

// OnEvent implements spec.md §4.C's accept loop: "Accepts in a tight loop
// until accept reports 'would block'." This also drains a burst of
// simultaneous connects correctly under an edge-triggered backend (kqueue,
// registered with EV_CLEAR; the epoll backend is level-triggered), which
// only notifies once per readiness edge (spec.md
// §12's "EAGAIN/EWOULDBLOCK accept-loop draining").
func (l *ListenerSession) OnEvent(ev reactor.FdEvent) error {
	if !ev.Mask.Has(reactor.Read) {
		return nil
	}
	for {
		connFd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			if err == unix.EINTR {
				continue
			}
			l.log.Error("accept", "err", err)
			return nil
		}

		l.lastActive = time.Now()

		localIP, localPort, err := localAddr(connFd)
		if err != nil {
			l.log.Error("getsockname on accepted connection", "err", err)
			unix.Close(connFd)
			continue
		}
		remoteIP, err := peerAddr(connFd)
		if err != nil {
			l.log.Debug("getpeername on accepted connection", "err", err)
		}

		l.spawned = append(l.spawned, l.newConn(connFd, localIP, localPort, remoteIP))
	}
}

func (l *ListenerSession) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return unix.Close(l.fd)
}

func (l *ListenerSession) IsComplete() bool       { return l.closed }
func (l *ListenerSession) IsTimedOut() bool       { return false }
func (l *ListenerSession) LastActive() time.Time { return l.lastActive }
func (l *ListenerSession) TimeoutMS() int        { return 0 }

func (l *ListenerSession) TakeSpawned() []Session {
	out := l.spawned
	l.spawned = nil
	return out
}
