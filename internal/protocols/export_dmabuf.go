package protocols

import (
	"time"

	"github.com/bnema/waymirror/internal/capture"
	"github.com/bnema/waymirror/internal/wayland"
	"golang.org/x/sys/unix"
)

// Protocol interface names
const (
	ExportDmabufManagerInterface = "zwlr_export_dmabuf_manager_v1"
	ExportDmabufFrameInterface   = "zwlr_export_dmabuf_frame_v1"
)

// ExportDmabufManager hands out dmabuf handles to output contents
type ExportDmabufManager struct {
	wayland.BaseProxy
}

// CaptureOutput requests the next frame of output
func (m *ExportDmabufManager) CaptureOutput(overlayCursor bool, output *wayland.Output, l capture.Listener) (*ExportDmabufFrame, error) {
	frame := &ExportDmabufFrame{listener: l}
	m.Context().Register(frame)

	var cursor int32
	if overlayCursor {
		cursor = 1
	}

	// Opcode 0: capture_output
	const opcode = 0
	if err := m.Context().SendRequest(m, opcode, frame, cursor, output); err != nil {
		m.Context().Unregister(frame)
		return nil, err
	}
	return frame, nil
}

// ForOutput binds the manager to one output as a capture.Requester
func (m *ExportDmabufManager) ForOutput(output *wayland.Output) capture.Requester {
	return &outputCapturer{manager: m, output: output}
}

// Destroy destroys the manager
func (m *ExportDmabufManager) Destroy() error {
	// Opcode 1: destroy
	const opcode = 1
	err := m.Context().SendRequest(m, opcode)
	m.Context().Unregister(m)
	return err
}

// Dispatch handles incoming events (the manager has no events)
func (m *ExportDmabufManager) Dispatch(ev *wayland.Event) error {
	return wayland.UnknownOpError{Interface: ExportDmabufManagerInterface, Op: ev.Op}
}

type outputCapturer struct {
	manager *ExportDmabufManager
	output  *wayland.Output
}

func (c *outputCapturer) CaptureOutput(overlayCursor bool, l capture.Listener) (capture.Handle, error) {
	frame, err := c.manager.CaptureOutput(overlayCursor, c.output, l)
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// ExportDmabufFrame delivers one exported frame
type ExportDmabufFrame struct {
	wayland.BaseProxy
	listener  capture.Listener
	destroyed bool
}

// Destroy destroys the frame object. The compositor may reuse the
// exported buffers afterwards only once the descriptors are closed.
func (f *ExportDmabufFrame) Destroy() error {
	if f.destroyed {
		return nil
	}
	f.destroyed = true
	// Opcode 0: destroy
	const opcode = 0
	err := f.Context().SendRequest(f, opcode)
	f.Context().Unregister(f)
	return err
}

// EventFDs implements wayland.FDCounter
func (f *ExportDmabufFrame) EventFDs(opcode uint16) int {
	if opcode == 1 {
		return 1
	}
	return 0
}

// Dispatch handles frame, object, ready and cancel
func (f *ExportDmabufFrame) Dispatch(ev *wayland.Event) error {
	switch ev.Op {
	case 0:
		info := capture.FrameInfo{
			Width:       ev.ReadUint(),
			Height:      ev.ReadUint(),
			OffsetX:     ev.ReadUint(),
			OffsetY:     ev.ReadUint(),
			BufferFlags: ev.ReadUint(),
			Flags:       ev.ReadUint(),
			Format:      ev.ReadUint(),
		}
		hi, lo := ev.ReadUint(), ev.ReadUint()
		info.Modifier = uint64(hi)<<32 | uint64(lo)
		info.NumObjects = ev.ReadUint()
		if ev.Err() == nil {
			f.listener.HandleFrame(info)
		}
	case 1:
		obj := capture.Object{Index: ev.ReadUint()}
		obj.FD = ev.ReadFD()
		obj.Size = ev.ReadUint()
		obj.Offset = ev.ReadUint()
		obj.Stride = ev.ReadUint()
		obj.PlaneIndex = ev.ReadUint()
		if ev.Err() != nil {
			if obj.FD >= 0 {
				unix.Close(obj.FD)
			}
			return nil
		}
		f.listener.HandleObject(obj)
	case 2:
		hi, lo, nsec := ev.ReadUint(), ev.ReadUint(), ev.ReadUint()
		sec := int64(uint64(hi)<<32 | uint64(lo))
		f.listener.HandleReady(time.Unix(sec, int64(nsec)))
	case 3:
		f.listener.HandleCancel(capture.CancelReason(ev.ReadUint()))
	default:
		return wayland.UnknownOpError{Interface: ExportDmabufFrameInterface, Op: ev.Op}
	}
	return nil
}
