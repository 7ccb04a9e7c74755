package protocols

import (
	"github.com/bnema/waymirror/internal/output"
	"github.com/bnema/waymirror/internal/wayland"
)

// Protocol interface names
const (
	XdgOutputManagerInterface = "zxdg_output_manager_v1"
	XdgOutputInterface        = "zxdg_output_v1"
)

// XdgOutputManager exposes compositor-space output geometry
type XdgOutputManager struct {
	wayland.BaseProxy
}

// GetXdgOutput creates the xdg_output of out. Its events update reg.
func (m *XdgOutputManager) GetXdgOutput(out *wayland.Output, reg *output.Registry) (*XdgOutput, error) {
	xo := &XdgOutput{global: out.Global, registry: reg}
	m.Context().Register(xo)

	// Opcode 1: get_xdg_output
	const opcode = 1
	if err := m.Context().SendRequest(m, opcode, xo, out); err != nil {
		m.Context().Unregister(xo)
		return nil, err
	}
	return xo, nil
}

// Dispatch handles incoming events (the manager has no events)
func (m *XdgOutputManager) Dispatch(ev *wayland.Event) error {
	return wayland.UnknownOpError{Interface: XdgOutputManagerInterface, Op: ev.Op}
}

// XdgOutput carries the logical position and size of an output
type XdgOutput struct {
	wayland.BaseProxy
	global   uint32
	registry *output.Registry
}

// Destroy destroys the xdg_output
func (o *XdgOutput) Destroy() error {
	// Opcode 0: destroy
	const opcode = 0
	err := o.Context().SendRequest(o, opcode)
	o.Context().Unregister(o)
	return err
}

// Dispatch handles logical_position, logical_size, done, name and
// description. Atomic updates end with wl_output.done.
func (o *XdgOutput) Dispatch(ev *wayland.Event) error {
	switch ev.Op {
	case 0:
		x, y := ev.ReadInt(), ev.ReadInt()
		o.registry.Update(o.global, func(out *output.Output) { out.X, out.Y = x, y })
	case 1:
		w, h := ev.ReadInt(), ev.ReadInt()
		o.registry.Update(o.global, func(out *output.Output) { out.Width, out.Height = w, h })
	case 2:
		// deprecated since version 3
	case 3:
		name := ev.ReadString()
		if name != "" {
			o.registry.Update(o.global, func(out *output.Output) { out.Name = name })
		}
	case 4:
		desc := ev.ReadString()
		o.registry.Update(o.global, func(out *output.Output) {
			if out.Description == "" {
				out.Description = desc
			}
		})
	default:
		return wayland.UnknownOpError{Interface: XdgOutputInterface, Op: ev.Op}
	}
	return nil
}
