//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend is the Linux-native backend: one epoll instance, edge-count
// scaling independent of the size of the watched set (unlike pollBackend,
// which rebuilds its full fd list on every Wait).
type epollBackend struct {
	epfd int
}

func newEpollBackend() (*epollBackend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollBackend{epfd: fd}, nil
}

func toEpollEvents(mask EventMask) uint32 {
	var events uint32
	if mask.Has(Read) {
		events |= unix.EPOLLIN
	}
	if mask.Has(Write) {
		events |= unix.EPOLLOUT
	}
	return events
}

func (b *epollBackend) Add(fd int, mask EventMask) error {
	ev := unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (b *epollBackend) Modify(fd int, mask EventMask) error {
	ev := unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (b *epollBackend) Remove(fd int) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) Wait(budget time.Duration) ([]rawEvent, error) {
	events := make([]unix.EpollEvent, 128)
	n, err := unix.EpollWait(b.epfd, events, int(pollTimeoutMS(budget)))
	if err != nil {
		return nil, err
	}
	out := make([]rawEvent, 0, n)
	for i := 0; i < n; i++ {
		e := events[i]
		var mask EventMask
		if e.Events&unix.EPOLLIN != 0 {
			mask |= Read
		}
		if e.Events&unix.EPOLLOUT != 0 {
			mask |= Write
		}
		if e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			mask |= Error | Read
		}
		if mask != 0 {
			out = append(out, rawEvent{Fd: int(e.Fd), Mask: mask})
		}
	}
	return out, nil
}

func (b *epollBackend) Close() error {
	return unix.Close(b.epfd)
}
