package wayland

import (
	"github.com/bnema/waymirror/internal/output"
)

// OutputVersion is the highest wl_output version understood here
const OutputVersion = 4

const modeCurrent = 0x1

// Output is a bound wl_output. Its events update the shared registry
// entry keyed by the global name.
type Output struct {
	BaseProxy
	Global   uint32 // registry global name
	version  uint32
	registry *output.Registry
}

// NewOutput binds global name and tracks it in reg
func NewOutput(r *Registry, reg *output.Registry, name, version uint32) (*Output, error) {
	o := &Output{Global: name, version: min(version, OutputVersion), registry: reg}
	reg.Add(name)
	if err := r.Bind(name, OutputInterface, o.version, o); err != nil {
		reg.Remove(name)
		return nil, err
	}
	return o, nil
}

// Release destroys the proxy on compositors that support it
func (o *Output) Release() error {
	var err error
	if o.version >= 3 {
		// Opcode 0: release
		err = o.Context().SendRequest(o, 0)
	}
	o.Context().Unregister(o)
	return err
}

// Dispatch handles geometry, mode, done, scale, name and description
func (o *Output) Dispatch(ev *Event) error {
	switch ev.Op {
	case 0:
		x, y := ev.ReadInt(), ev.ReadInt()
		ev.ReadInt() // physical width
		ev.ReadInt() // physical height
		ev.ReadInt() // subpixel
		mk, model := ev.ReadString(), ev.ReadString()
		transform := ev.ReadInt()
		if ev.Err() != nil {
			return nil
		}
		o.registry.Update(o.Global, func(out *output.Output) {
			// xdg-output positions win when present
			if out.Width == 0 {
				out.X, out.Y = x, y
			}
			out.Make, out.Model = mk, model
			out.Transform = output.Transform(transform)
		})
	case 1:
		flags, w, h, refresh := ev.ReadUint(), ev.ReadInt(), ev.ReadInt(), ev.ReadInt()
		if ev.Err() != nil || flags&modeCurrent == 0 {
			return nil
		}
		o.registry.Update(o.Global, func(out *output.Output) {
			out.ModeWidth, out.ModeHeight, out.Refresh = w, h, refresh
		})
	case 2:
		o.registry.Done(o.Global)
	case 3:
		factor := ev.ReadInt()
		o.registry.Update(o.Global, func(out *output.Output) { out.Scale = factor })
	case 4:
		name := ev.ReadString()
		o.registry.Update(o.Global, func(out *output.Output) { out.Name = name })
	case 5:
		desc := ev.ReadString()
		o.registry.Update(o.Global, func(out *output.Output) { out.Description = desc })
	default:
		return UnknownOpError{Interface: OutputInterface, Op: ev.Op}
	}
	return nil
}
