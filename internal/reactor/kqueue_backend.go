//go:build darwin || freebsd || netbsd || openbsd

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueueBackend is the BSD/Darwin-native backend. kqueue tracks read and
// write interest as separate filters per fd. Add issues up to two EV_ADD
// changes in one Kevent call; Modify and Remove issue one Kevent call per
// filter deleted (Modify then re-adds the wanted filters).
type kqueueBackend struct {
	kq int
}

func newKqueueBackend() (*kqueueBackend, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueueBackend{kq: fd}, nil
}

func (b *kqueueBackend) apply(fd int, want EventMask, had EventMask) error {
	var changes []unix.Kevent_t
	addOrDelete := func(filter int16, wantFilter bool) {
		flags := uint16(unix.EV_DELETE)
		if wantFilter {
			flags = unix.EV_ADD | unix.EV_CLEAR
		}
		changes = append(changes, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: filter,
			Flags:  flags,
		})
	}

	if want.Has(Read) != had.Has(Read) {
		addOrDelete(unix.EVFILT_READ, want.Has(Read))
	}
	if want.Has(Write) != had.Has(Write) {
		addOrDelete(unix.EVFILT_WRITE, want.Has(Write))
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(b.kq, changes, nil, nil)
	return err
}

func (b *kqueueBackend) Add(fd int, mask EventMask) error {
	return b.apply(fd, mask, 0)
}

// Modify re-registers both filters from scratch against the desired mask.
// kqueue has no bulk "replace interest" call, and EV_ADD on an already
// registered filter is a harmless no-op, so this is simpler than tracking
// the fd's previous mask just to diff it.
func (b *kqueueBackend) Modify(fd int, mask EventMask) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	for _, c := range changes {
		_, _ = unix.Kevent(b.kq, []unix.Kevent_t{c}, nil, nil)
	}
	return b.apply(fd, mask, 0)
}

func (b *kqueueBackend) Remove(fd int) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	// Either filter may not have been registered; kqueue returns ENOENT
	// per change, which we don't have per-change error reporting for
	// here, so remove each independently and ignore ENOENT.
	for _, c := range changes {
		if _, err := unix.Kevent(b.kq, []unix.Kevent_t{c}, nil, nil); err != nil && err != unix.ENOENT {
			return err
		}
	}
	return nil
}

func (b *kqueueBackend) Wait(budget time.Duration) ([]rawEvent, error) {
	events := make([]unix.Kevent_t, 128)
	var ts *unix.Timespec
	if budget >= 0 {
		t := unix.NsecToTimespec(budget.Nanoseconds())
		ts = &t
	}
	n, err := unix.Kevent(b.kq, nil, events, ts)
	if err != nil {
		return nil, err
	}
	byFd := make(map[int]*rawEvent, n)
	out := make([]rawEvent, 0, n)
	for i := 0; i < n; i++ {
		e := events[i]
		fd := int(e.Ident)
		var mask EventMask
		switch e.Filter {
		case unix.EVFILT_READ:
			mask = Read
		case unix.EVFILT_WRITE:
			mask = Write
		}
		if e.Flags&unix.EV_EOF != 0 {
			mask |= Error | Read
		}
		if existing, ok := byFd[fd]; ok {
			existing.Mask |= mask
			continue
		}
		out = append(out, rawEvent{Fd: fd, Mask: mask})
		byFd[fd] = &out[len(out)-1]
	}
	return out, nil
}

func (b *kqueueBackend) Close() error {
	return unix.Close(b.kq)
}
