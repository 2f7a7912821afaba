package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a deterministic Backend test double: Wait returns whatever
// was queued for it, so tests can drive the Reactor's idle-scan and
// registration bookkeeping without depending on a real OS poll mechanism.
type fakeBackend struct {
	queue   [][]rawEvent
	added   map[int]EventMask
	removed []int
	closed  bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{added: make(map[int]EventMask)}
}

func (b *fakeBackend) Add(fd int, mask EventMask) error {
	b.added[fd] = mask
	return nil
}

func (b *fakeBackend) Modify(fd int, mask EventMask) error {
	b.added[fd] = mask
	return nil
}

func (b *fakeBackend) Remove(fd int) error {
	delete(b.added, fd)
	b.removed = append(b.removed, fd)
	return nil
}

func (b *fakeBackend) Wait(budget time.Duration) ([]rawEvent, error) {
	if len(b.queue) == 0 {
		return nil, nil
	}
	next := b.queue[0]
	b.queue = b.queue[1:]
	return next, nil
}

func (b *fakeBackend) Close() error {
	b.closed = true
	return nil
}

type fakeSession struct {
	last    time.Time
	timeout int
}

func (s *fakeSession) LastActive() time.Time { return s.last }
func (s *fakeSession) TimeoutMS() int        { return s.timeout }

func TestRegisterAddsToBackend(t *testing.T) {
	be := newFakeBackend()
	r := New(be)
	sess := &fakeSession{last: time.Now(), timeout: 0}

	require.NoError(t, r.Register(5, Read, sess))
	assert.Equal(t, Read, be.added[5])
}

func TestWaitAttachesSessionRefToEvents(t *testing.T) {
	be := newFakeBackend()
	be.queue = [][]rawEvent{{{Fd: 5, Mask: Read}}}
	r := New(be)
	sess := &fakeSession{last: time.Now(), timeout: 0}
	require.NoError(t, r.Register(5, Read, sess))

	events, err := r.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 5, events[0].Fd)
	assert.Same(t, sess, events[0].Session)
	assert.Equal(t, Read, events[0].Mask)
}

func TestWaitSynthesizesTimeoutForIdleSession(t *testing.T) {
	be := newFakeBackend()
	be.queue = [][]rawEvent{nil}
	r := New(be)
	sess := &fakeSession{last: time.Now().Add(-time.Hour), timeout: 1000}
	require.NoError(t, r.Register(7, Read, sess))

	events, err := r.Wait(time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 7, events[0].Fd)
	assert.True(t, events[0].Mask.Has(Timeout))
}

func TestWaitMergesTimeoutOntoExistingEventForSameFd(t *testing.T) {
	be := newFakeBackend()
	be.queue = [][]rawEvent{{{Fd: 9, Mask: Read}}}
	r := New(be)
	sess := &fakeSession{last: time.Now().Add(-time.Hour), timeout: 1000}
	require.NoError(t, r.Register(9, Read, sess))

	events, err := r.Wait(time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Mask.Has(Read))
	assert.True(t, events[0].Mask.Has(Timeout))
}

func TestWaitSkipsTimeoutForSessionsWithoutDeadline(t *testing.T) {
	be := newFakeBackend()
	be.queue = [][]rawEvent{nil}
	r := New(be)
	sess := &fakeSession{last: time.Now().Add(-time.Hour), timeout: 0}
	require.NoError(t, r.Register(3, Read, sess))

	events, err := r.Wait(time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestUnregisterRemovesFromBackendAndStopsTimeoutScan(t *testing.T) {
	be := newFakeBackend()
	be.queue = [][]rawEvent{nil}
	r := New(be)
	sess := &fakeSession{last: time.Now().Add(-time.Hour), timeout: 1000}
	require.NoError(t, r.Register(11, Read, sess))
	require.NoError(t, r.Unregister(11))

	assert.Contains(t, be.removed, 11)

	events, err := r.Wait(time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestModifyUpdatesBackendMask(t *testing.T) {
	be := newFakeBackend()
	r := New(be)
	sess := &fakeSession{last: time.Now(), timeout: 0}
	require.NoError(t, r.Register(13, Read, sess))
	require.NoError(t, r.Modify(13, Write))
	assert.Equal(t, Write, be.added[13])
}

func TestModifyUnknownFdErrors(t *testing.T) {
	r := New(newFakeBackend())
	err := r.Modify(99, Read)
	assert.Error(t, err)
}

func TestCloseDelegatesToBackend(t *testing.T) {
	be := newFakeBackend()
	r := New(be)
	require.NoError(t, r.Close())
	assert.True(t, be.closed)
}
