package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fdLedger hands out fake descriptors and records every close
type fdLedger struct {
	next   int
	open   map[int]bool
	closes map[int]int
}

func newLedger() *fdLedger {
	return &fdLedger{next: 100, open: map[int]bool{}, closes: map[int]int{}}
}

func (l *fdLedger) alloc() int {
	l.next++
	l.open[l.next] = true
	return l.next
}

func (l *fdLedger) close(fd int) error {
	l.closes[fd]++
	if !l.open[fd] {
		return errors.New("bad file descriptor")
	}
	delete(l.open, fd)
	return nil
}

func (l *fdLedger) doubleCloses() int {
	n := 0
	for _, c := range l.closes {
		if c > 1 {
			n++
		}
	}
	return n
}

type fakeHandle struct{ destroyed int }

func (h *fakeHandle) Destroy() error {
	h.destroyed++
	return nil
}

type fakeRequester struct {
	calls     int
	listener  Listener
	handles   []*fakeHandle
	cursor    bool
	failAfter int
}

func (r *fakeRequester) CaptureOutput(overlayCursor bool, l Listener) (Handle, error) {
	r.calls++
	if r.failAfter > 0 && r.calls > r.failAfter {
		return nil, errors.New("connection closed")
	}
	r.cursor = overlayCursor
	r.listener = l
	h := &fakeHandle{}
	r.handles = append(r.handles, h)
	return h, nil
}

func deliver(l Listener, ledger *fdLedger, planes int) {
	l.HandleFrame(FrameInfo{Width: 1920, Height: 1080, Format: MakeFourCC('X', 'R', '2', '4'), Modifier: 0, NumObjects: uint32(planes)})
	for i := 0; i < planes; i++ {
		l.HandleObject(Object{Index: uint32(i), FD: ledger.alloc(), Offset: 0, Stride: 7680, PlaneIndex: uint32(i)})
	}
}

func TestSessionCycle(t *testing.T) {
	ledger := newLedger()
	req := &fakeRequester{}
	s := NewSession(req, true, ledger.close)

	require.NoError(t, s.Request())
	assert.Equal(t, StateRequested, s.State())
	assert.True(t, req.cursor)

	assert.ErrorIs(t, s.Request(), ErrBusy)

	deliver(req.listener, ledger, 1)
	req.listener.HandleReady(time.Now())
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, 1, req.handles[0].destroyed)

	f, ok := s.Take()
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.Seq)
	assert.Equal(t, uint32(1920), f.Width)
	require.Len(t, f.Planes, 1)

	_, ok = s.Take()
	assert.False(t, ok, "a frame is handed out once")

	assert.ErrorIs(t, s.Request(), ErrFrameInFlight)

	require.NoError(t, f.Release())
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, ledger.open)

	require.NoError(t, s.Request())
}

func TestSessionDescriptorAccounting(t *testing.T) {
	ledger := newLedger()
	req := &fakeRequester{}
	s := NewSession(req, false, ledger.close)
	s.AutoResubmit = false

	for cycle := 0; cycle < 50; cycle++ {
		require.NoError(t, s.Request(), "cycle %d", cycle)
		planes := 1 + cycle%3
		deliver(req.listener, ledger, planes)

		switch cycle % 3 {
		case 0:
			req.listener.HandleReady(time.Now())
			f, ok := s.Take()
			require.True(t, ok)
			require.NoError(t, f.Release())
			// a second release must not close anything again
			require.NoError(t, f.Release())
		case 1:
			req.listener.HandleCancel(CancelTemporary)
		case 2:
			req.listener.HandleCancel(CancelResizing)
		}

		assert.Empty(t, ledger.open, "cycle %d leaked descriptors", cycle)
		assert.Zero(t, ledger.doubleCloses(), "cycle %d double-closed", cycle)
		assert.Equal(t, StateIdle, s.State())
	}

	stats := s.Stats()
	assert.Equal(t, uint64(50), stats.Requested)
	assert.Equal(t, uint64(17), stats.Ready)
	assert.Equal(t, uint64(33), stats.Cancelled)
}

func TestSessionTransientCancelResubmits(t *testing.T) {
	ledger := newLedger()
	req := &fakeRequester{}
	s := NewSession(req, false, ledger.close)

	require.NoError(t, s.Request())
	deliver(req.listener, ledger, 2)
	req.listener.HandleCancel(CancelResizing)

	assert.Equal(t, 2, req.calls)
	assert.Equal(t, StateRequested, s.State())
	assert.Equal(t, 1, req.handles[0].destroyed)
	assert.Empty(t, ledger.open)
	assert.NoError(t, s.Err())
}

func TestSessionPermanentCancel(t *testing.T) {
	ledger := newLedger()
	req := &fakeRequester{}
	s := NewSession(req, false, ledger.close)

	require.NoError(t, s.Request())
	deliver(req.listener, ledger, 1)
	req.listener.HandleCancel(CancelPermanent)

	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Err(), ErrSourceLost)
	assert.ErrorIs(t, s.Request(), ErrSourceLost)
	assert.Equal(t, 1, req.calls)
	assert.Empty(t, ledger.open)
}

func TestSessionStrayObjectsAreClosed(t *testing.T) {
	ledger := newLedger()
	req := &fakeRequester{}
	s := NewSession(req, false, ledger.close)
	s.AutoResubmit = false

	require.NoError(t, s.Request())
	l := req.listener
	l.HandleCancel(CancelTemporary)

	// late events for the cancelled request
	l.HandleObject(Object{FD: ledger.alloc()})
	l.HandleReady(time.Now())

	assert.Empty(t, ledger.open)
	assert.Equal(t, StateIdle, s.State())
	_, ok := s.Take()
	assert.False(t, ok)
}

func TestSessionCloseReleasesUntakenFrame(t *testing.T) {
	ledger := newLedger()
	req := &fakeRequester{}
	s := NewSession(req, false, ledger.close)

	require.NoError(t, s.Request())
	deliver(req.listener, ledger, 1)
	req.listener.HandleReady(time.Now())

	s.Close()
	s.Close()
	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, ledger.open)
	assert.Zero(t, ledger.doubleCloses())
	assert.ErrorIs(t, s.Request(), ErrClosed)
}

func TestSessionCloseWhileRequested(t *testing.T) {
	ledger := newLedger()
	req := &fakeRequester{}
	s := NewSession(req, false, ledger.close)

	require.NoError(t, s.Request())
	deliver(req.listener, ledger, 3)
	s.Close()

	assert.Equal(t, 1, req.handles[0].destroyed)
	assert.Empty(t, ledger.open)
}

func TestSessionRequestError(t *testing.T) {
	failing := &fakeRequester{failAfter: 1}
	failing.calls = 1
	s := NewSession(failing, false, newLedger().close)

	err := s.Request()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection closed")
	assert.Equal(t, StateIdle, s.State())
	assert.Zero(t, s.Stats().Requested)
}

func TestFourCC(t *testing.T) {
	assert.Equal(t, "XR24", FourCC(MakeFourCC('X', 'R', '2', '4')).String())
	assert.Equal(t, "????", FourCC(0).String())
}
