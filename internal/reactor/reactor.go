package reactor

import "time"

type registration struct {
	mask EventMask
	ref  SessionRef
}

// Reactor wraps a Backend with the uniform, backend-independent idle-timeout
// scan spec.md §4.A requires: "on every wake-up, regardless of which backend
// is active, the reactor additionally scans every registered descriptor and
// synthesizes a TIMEOUT event for any session whose idle time has reached
// its configured deadline." It also retries on EINTR and otherwise surfaces
// backend errors as fatal to the caller.
type Reactor struct {
	backend Backend
	regs    map[int]*registration
}

// New wraps the given backend. Use NewBackend to pick a backend for
// the current platform.
func New(backend Backend) *Reactor {
	return &Reactor{
		backend: backend,
		regs:    make(map[int]*registration),
	}
}

// Register starts watching fd for the given mask, attaching ref so the
// idle-timeout scan and the FdEvent delivered on wake-up can carry the
// session back to the caller.
func (r *Reactor) Register(fd int, mask EventMask, ref SessionRef) error {
	if err := r.backend.Add(fd, mask); err != nil {
		return err
	}
	r.regs[fd] = &registration{mask: mask, ref: ref}
	return nil
}

// Modify changes the watched mask for an already-registered fd, e.g. when a
// session finishes receiving and starts sending.
func (r *Reactor) Modify(fd int, mask EventMask) error {
	reg, ok := r.regs[fd]
	if !ok {
		return errNotRegistered(fd)
	}
	if err := r.backend.Modify(fd, mask); err != nil {
		return err
	}
	reg.mask = mask
	return nil
}

// Unregister stops watching fd. Safe to call on an fd that is not (or no
// longer) registered.
func (r *Reactor) Unregister(fd int) error {
	if _, ok := r.regs[fd]; !ok {
		return nil
	}
	delete(r.regs, fd)
	return r.backend.Remove(fd)
}

// Wait blocks for up to budget for backend readiness, retrying on EINTR,
// then appends a synthetic Timeout event for every registered session whose
// idle time has reached its own configured timeout. A TIMEOUT event is
// merged onto an existing readiness event for the same fd rather than
// duplicated.
func (r *Reactor) Wait(budget time.Duration) ([]FdEvent, error) {
	raw, err := r.waitRetryingEINTR(budget)
	if err != nil {
		return nil, err
	}

	byFd := make(map[int]*FdEvent, len(raw))
	events := make([]FdEvent, 0, len(raw))
	for _, re := range raw {
		reg := r.regs[re.Fd]
		var ref SessionRef
		if reg != nil {
			ref = reg.ref
		}
		ev := FdEvent{Fd: re.Fd, Session: ref, Mask: re.Mask}
		events = append(events, ev)
		byFd[re.Fd] = &events[len(events)-1]
	}

	now := time.Now()
	for fd, reg := range r.regs {
		if reg.ref == nil || reg.ref.TimeoutMS() <= 0 {
			continue
		}
		deadline := time.Duration(reg.ref.TimeoutMS()) * time.Millisecond
		if now.Sub(reg.ref.LastActive()) < deadline {
			continue
		}
		if ev, ok := byFd[fd]; ok {
			ev.Mask |= Timeout
			continue
		}
		events = append(events, FdEvent{Fd: fd, Session: reg.ref, Mask: Timeout})
	}

	return events, nil
}

func (r *Reactor) waitRetryingEINTR(budget time.Duration) ([]rawEvent, error) {
	deadline := time.Now().Add(budget)
	for {
		remaining := budget
		if budget > 0 {
			remaining = time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
		}
		raw, err := r.backend.Wait(remaining)
		if err == nil {
			return raw, nil
		}
		if isEINTR(err) {
			if budget > 0 && time.Now().After(deadline) {
				return nil, nil
			}
			continue
		}
		return nil, err
	}
}

// Close releases the underlying backend's resources (epoll/kqueue fd).
func (r *Reactor) Close() error {
	return r.backend.Close()
}
