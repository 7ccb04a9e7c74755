package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/bnema/waymirror/internal/logger"
	"golang.org/x/sys/unix"
)

var (
	// ErrSourceLost means the compositor permanently cancelled the capture
	ErrSourceLost = errors.New("source output is no longer capturable")
	// ErrFrameInFlight is returned by Request while the previous frame is unreleased
	ErrFrameInFlight = errors.New("previous frame not released")
	// ErrBusy is returned by Request while a capture is already pending
	ErrBusy = errors.New("capture already requested")
	// ErrClosed is returned once the session has been closed
	ErrClosed = errors.New("capture session closed")
)

// CancelReason is the argument of zwlr_export_dmabuf_frame_v1.cancel
type CancelReason uint32

const (
	CancelTemporary CancelReason = 0
	CancelPermanent CancelReason = 1
	CancelResizing  CancelReason = 2
)

// Transient reports whether a new request may succeed right away
func (r CancelReason) Transient() bool {
	return r != CancelPermanent
}

func (r CancelReason) String() string {
	switch r {
	case CancelTemporary:
		return "temporary"
	case CancelPermanent:
		return "permanent"
	case CancelResizing:
		return "resizing"
	default:
		return fmt.Sprintf("reason(%d)", uint32(r))
	}
}

// State is the position of a Session in its capture cycle
type State int

const (
	StateIdle State = iota
	StateRequested
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequested:
		return "requested"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameInfo carries the zwlr_export_dmabuf_frame_v1.frame event
type FrameInfo struct {
	Width, Height    uint32
	OffsetX, OffsetY uint32
	BufferFlags      uint32
	Flags            uint32
	Format           uint32
	Modifier         uint64
	NumObjects       uint32
}

// Object carries the zwlr_export_dmabuf_frame_v1.object event
type Object struct {
	Index      uint32
	FD         int
	Size       uint32
	Offset     uint32
	Stride     uint32
	PlaneIndex uint32
}

// Listener receives the events of one capture request
type Listener interface {
	HandleFrame(FrameInfo)
	HandleObject(Object)
	HandleReady(time.Time)
	HandleCancel(CancelReason)
}

// Handle is the protocol object backing one capture request
type Handle interface {
	Destroy() error
}

// Requester issues capture requests for a single output
type Requester interface {
	CaptureOutput(overlayCursor bool, l Listener) (Handle, error)
}

// Stats counts what happened to the frames of a Session
type Stats struct {
	Requested uint64
	Ready     uint64
	Cancelled uint64
}

// Session drives the capture cycle for one source output:
//
//	Idle -> Requested -> Ready -> Idle (frame released)
//	                  -> Idle (transient cancel, resubmitted)
//	                  -> Closed (permanent cancel)
//
// At most one Frame is outstanding. Session is driven from the event loop
// goroutine only.
type Session struct {
	requester     Requester
	overlayCursor bool
	closer        func(int) error

	state    State
	handle   Handle
	building *Frame
	ready    *Frame
	taken    bool
	seq      uint64
	err      error
	stats    Stats

	// Transform is stamped onto every frame
	Transform int32
	// AutoResubmit re-requests after a transient cancel
	AutoResubmit bool
}

// NewSession creates an idle session. closer defaults to unix.Close.
func NewSession(requester Requester, overlayCursor bool, closer func(int) error) *Session {
	if closer == nil {
		closer = unix.Close
	}
	return &Session{
		requester:     requester,
		overlayCursor: overlayCursor,
		closer:        closer,
		AutoResubmit:  true,
	}
}

// State returns the current state
func (s *Session) State() State {
	return s.state
}

// Err returns the terminal error after a permanent cancel
func (s *Session) Err() error {
	return s.err
}

// Stats returns frame counters
func (s *Session) Stats() Stats {
	return s.stats
}

// Request asks the compositor for the next frame
func (s *Session) Request() error {
	switch s.state {
	case StateClosed:
		if s.err != nil {
			return s.err
		}
		return ErrClosed
	case StateRequested:
		return ErrBusy
	case StateReady:
		return ErrFrameInFlight
	}

	handle, err := s.requester.CaptureOutput(s.overlayCursor, s)
	if err != nil {
		return fmt.Errorf("capture output: %w", err)
	}
	s.handle = handle
	s.building = &Frame{closer: s.closer}
	s.state = StateRequested
	s.stats.Requested++
	return nil
}

// Take hands out the ready frame once. The caller must Release it, either
// directly or through the importer, before the next Request.
func (s *Session) Take() (*Frame, bool) {
	if s.state != StateReady || s.taken {
		return nil, false
	}
	s.taken = true
	return s.ready, true
}

// HandleFrame implements Listener
func (s *Session) HandleFrame(info FrameInfo) {
	if s.state != StateRequested || s.building == nil {
		return
	}
	f := s.building
	f.Width, f.Height = info.Width, info.Height
	f.Format = info.Format
	f.Modifier = info.Modifier
	f.BufferFlags = info.BufferFlags
	f.Flags = info.Flags
	f.Planes = make([]Plane, 0, info.NumObjects)
}

// HandleObject implements Listener
func (s *Session) HandleObject(obj Object) {
	if s.state != StateRequested || s.building == nil {
		// Nobody will own this descriptor
		s.closeFD(obj.FD)
		return
	}
	s.building.Planes = append(s.building.Planes, Plane{
		FD:     obj.FD,
		Index:  obj.PlaneIndex,
		Offset: obj.Offset,
		Stride: obj.Stride,
		Size:   obj.Size,
	})
}

// HandleReady implements Listener
func (s *Session) HandleReady(time.Time) {
	if s.state != StateRequested || s.building == nil {
		return
	}
	s.destroyHandle()

	s.seq++
	f := s.building
	s.building = nil
	f.Seq = s.seq
	f.Transform = s.Transform
	f.onRelease = s.frameReleased

	s.ready = f
	s.taken = false
	s.state = StateReady
	s.stats.Ready++
}

// HandleCancel implements Listener
func (s *Session) HandleCancel(reason CancelReason) {
	if s.state != StateRequested {
		return
	}
	s.destroyHandle()
	s.dropBuilding()
	s.stats.Cancelled++

	if !reason.Transient() {
		logger.Warn("Capture cancelled permanently")
		s.err = ErrSourceLost
		s.state = StateClosed
		return
	}

	logger.Debug("Capture cancelled", "reason", reason)
	s.state = StateIdle
	if s.AutoResubmit {
		if err := s.Request(); err != nil {
			logger.Warn("Failed to resubmit capture", "error", err)
		}
	}
}

// Close abandons any pending request and releases untaken frames.
func (s *Session) Close() {
	if s.state == StateClosed && s.handle == nil && s.building == nil {
		return
	}
	s.destroyHandle()
	s.dropBuilding()
	if s.ready != nil && !s.taken {
		s.ready.Release()
	}
	s.ready = nil
	s.state = StateClosed
}

func (s *Session) frameReleased(f *Frame) {
	if s.ready == f {
		s.ready = nil
		s.taken = false
		if s.state == StateReady {
			s.state = StateIdle
		}
	}
}

func (s *Session) destroyHandle() {
	if s.handle == nil {
		return
	}
	if err := s.handle.Destroy(); err != nil {
		logger.Debug("Failed to destroy capture frame", "error", err)
	}
	s.handle = nil
}

func (s *Session) dropBuilding() {
	if s.building == nil {
		return
	}
	if err := s.building.Release(); err != nil {
		logger.Debug("Failed to close partial frame", "error", err)
	}
	s.building = nil
}

func (s *Session) closeFD(fd int) {
	if fd < 0 {
		return
	}
	if err := s.closer(fd); err != nil {
		logger.Debug("Failed to close stray descriptor", "fd", fd, "error", err)
	}
}
