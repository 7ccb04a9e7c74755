package protocols

import (
	"github.com/bnema/waymirror/internal/wayland"
)

// Protocol interface names
const (
	LinuxDmabufInterface       = "zwp_linux_dmabuf_v1"
	LinuxBufferParamsInterface = "zwp_linux_buffer_params_v1"
)

// LinuxDmabufVersion is the bound version; 3 adds modifier events and
// create_immed is available from 2.
const LinuxDmabufVersion = 3

// LinuxDmabuf wraps dmabufs into wl_buffers
type LinuxDmabuf struct {
	wayland.BaseProxy

	// Modifiers lists what the compositor accepts per format
	Modifiers map[uint32][]uint64
}

// CreateParams starts a new buffer description
func (d *LinuxDmabuf) CreateParams() (*LinuxBufferParams, error) {
	params := &LinuxBufferParams{}
	d.Context().Register(params)

	// Opcode 1: create_params
	const opcode = 1
	if err := d.Context().SendRequest(d, opcode, params); err != nil {
		d.Context().Unregister(params)
		return nil, err
	}
	return params, nil
}

// Supports reports whether format with modifier was advertised. With no
// advertisement at all every pair is assumed to work.
func (d *LinuxDmabuf) Supports(format uint32, modifier uint64) bool {
	if len(d.Modifiers) == 0 {
		return true
	}
	for _, m := range d.Modifiers[format] {
		if m == modifier {
			return true
		}
	}
	return false
}

// Dispatch handles format and modifier
func (d *LinuxDmabuf) Dispatch(ev *wayland.Event) error {
	switch ev.Op {
	case 0:
		// format events only matter before version 3
		ev.ReadUint()
	case 1:
		format, hi, lo := ev.ReadUint(), ev.ReadUint(), ev.ReadUint()
		if ev.Err() != nil {
			return nil
		}
		if d.Modifiers == nil {
			d.Modifiers = make(map[uint32][]uint64)
		}
		d.Modifiers[format] = append(d.Modifiers[format], uint64(hi)<<32|uint64(lo))
	default:
		return wayland.UnknownOpError{Interface: LinuxDmabufInterface, Op: ev.Op}
	}
	return nil
}

// LinuxBufferParams collects the planes of one buffer
type LinuxBufferParams struct {
	wayland.BaseProxy
}

// Add describes one plane. The descriptor stays owned by the caller.
func (p *LinuxBufferParams) Add(fd int, plane, offset, stride uint32, modifier uint64) error {
	// Opcode 1: add
	const opcode = 1
	return p.Context().SendRequest(p, opcode, wayland.FD(fd), plane, offset, stride, uint32(modifier>>32), uint32(modifier))
}

// CreateImmed creates the wl_buffer without waiting for validation.
// Invalid parameters surface as a protocol error.
func (p *LinuxBufferParams) CreateImmed(width, height int32, format, flags uint32) (*wayland.Buffer, error) {
	buf := &wayland.Buffer{}
	p.Context().Register(buf)

	// Opcode 3: create_immed
	const opcode = 3
	if err := p.Context().SendRequest(p, opcode, buf, width, height, format, flags); err != nil {
		p.Context().Unregister(buf)
		return nil, err
	}
	return buf, nil
}

// Destroy destroys the params object
func (p *LinuxBufferParams) Destroy() error {
	// Opcode 0: destroy
	const opcode = 0
	err := p.Context().SendRequest(p, opcode)
	p.Context().Unregister(p)
	return err
}

// Dispatch handles created and failed, which only follow create
func (p *LinuxBufferParams) Dispatch(ev *wayland.Event) error {
	return nil
}
