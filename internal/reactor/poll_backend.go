//go:build !windows

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// pollBackend is the portable backend: a single poll(2) call over the full
// watched set on every Wait. It is the fallback used on any platform (or by
// explicit configuration) where the epoll/kqueue fast paths aren't taken.
type pollBackend struct {
	masks map[int]EventMask
}

func newPollBackend() *pollBackend {
	return &pollBackend{masks: make(map[int]EventMask)}
}

func (b *pollBackend) Add(fd int, mask EventMask) error {
	b.masks[fd] = mask
	return nil
}

func (b *pollBackend) Modify(fd int, mask EventMask) error {
	if _, ok := b.masks[fd]; !ok {
		return fmt.Errorf("reactor: poll: fd %d not registered", fd)
	}
	b.masks[fd] = mask
	return nil
}

func (b *pollBackend) Remove(fd int) error {
	delete(b.masks, fd)
	return nil
}

func (b *pollBackend) Wait(budget time.Duration) ([]rawEvent, error) {
	if len(b.masks) == 0 {
		sleepForBudget(budget)
		return nil, nil
	}

	fds := make([]unix.PollFd, 0, len(b.masks))
	order := make([]int, 0, len(b.masks))
	for fd, mask := range b.masks {
		var events int16
		if mask.Has(Read) {
			events |= unix.POLLIN
		}
		if mask.Has(Write) {
			events |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
		order = append(order, fd)
	}

	n, err := unix.Poll(fds, int(pollTimeoutMS(budget)))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	events := make([]rawEvent, 0, n)
	for i, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		var mask EventMask
		if pfd.Revents&unix.POLLIN != 0 {
			mask |= Read
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			mask |= Write
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			mask |= Error | Read
		}
		if mask != 0 {
			events = append(events, rawEvent{Fd: order[i], Mask: mask})
		}
	}
	return events, nil
}

func (b *pollBackend) Close() error { return nil }

// pollTimeoutMS converts a Wait budget into poll(2)'s millisecond timeout
// convention: -1 blocks indefinitely, 0 returns immediately.
func pollTimeoutMS(budget time.Duration) int64 {
	if budget < 0 {
		return -1
	}
	ms := budget.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return ms
}

func sleepForBudget(budget time.Duration) {
	if budget <= 0 {
		return
	}
	time.Sleep(budget)
}
