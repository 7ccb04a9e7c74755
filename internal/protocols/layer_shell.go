package protocols

import (
	"github.com/bnema/waymirror/internal/wayland"
)

// Protocol interface names
const (
	LayerShellInterface   = "zwlr_layer_shell_v1"
	LayerSurfaceInterface = "zwlr_layer_surface_v1"
)

// Layer is a zwlr_layer_shell_v1.layer value
type Layer uint32

const (
	LayerBackground Layer = 0
	LayerBottom     Layer = 1
	LayerTop        Layer = 2
	LayerOverlay    Layer = 3
)

// Anchor edges for zwlr_layer_surface_v1.set_anchor
const (
	AnchorTop    uint32 = 1
	AnchorBottom uint32 = 2
	AnchorLeft   uint32 = 4
	AnchorRight  uint32 = 8
	AnchorAll           = AnchorTop | AnchorBottom | AnchorLeft | AnchorRight
)

// Keyboard interactivity modes
const (
	KeyboardInteractivityNone      uint32 = 0
	KeyboardInteractivityExclusive uint32 = 1
)

// LayerShell creates layer surfaces
type LayerShell struct {
	wayland.BaseProxy
}

// GetLayerSurface assigns the layer role to surface on output
func (s *LayerShell) GetLayerSurface(surface *wayland.Surface, output *wayland.Output, layer Layer, namespace string) (*LayerSurface, error) {
	ls := &LayerSurface{}
	s.Context().Register(ls)

	// Opcode 0: get_layer_surface
	const opcode = 0
	if err := s.Context().SendRequest(s, opcode, ls, surface, output, uint32(layer), namespace); err != nil {
		s.Context().Unregister(ls)
		return nil, err
	}
	return ls, nil
}

// Dispatch handles incoming events (the layer shell has no events)
func (s *LayerShell) Dispatch(ev *wayland.Event) error {
	return wayland.UnknownOpError{Interface: LayerShellInterface, Op: ev.Op}
}

// LayerSurface is a surface with the layer role
type LayerSurface struct {
	wayland.BaseProxy

	// OnConfigure runs after the configure was acknowledged
	OnConfigure func(width, height uint32)
	// OnClosed runs when the compositor will not show the surface anymore
	OnClosed func()
}

// SetSize requests a size; zero on an anchored axis means stretch
func (l *LayerSurface) SetSize(width, height uint32) error {
	// Opcode 0: set_size
	const opcode = 0
	return l.Context().SendRequest(l, opcode, width, height)
}

// SetAnchor anchors the surface to the given edges
func (l *LayerSurface) SetAnchor(anchor uint32) error {
	// Opcode 1: set_anchor
	const opcode = 1
	return l.Context().SendRequest(l, opcode, anchor)
}

// SetExclusiveZone reserves space; -1 ignores other exclusive zones
func (l *LayerSurface) SetExclusiveZone(zone int32) error {
	// Opcode 2: set_exclusive_zone
	const opcode = 2
	return l.Context().SendRequest(l, opcode, zone)
}

// SetKeyboardInteractivity sets keyboard focus behaviour
func (l *LayerSurface) SetKeyboardInteractivity(mode uint32) error {
	// Opcode 4: set_keyboard_interactivity
	const opcode = 4
	return l.Context().SendRequest(l, opcode, mode)
}

// AckConfigure acknowledges a configure event
func (l *LayerSurface) AckConfigure(serial uint32) error {
	// Opcode 6: ack_configure
	const opcode = 6
	return l.Context().SendRequest(l, opcode, serial)
}

// Destroy destroys the layer surface. Destroy the wl_surface afterwards.
func (l *LayerSurface) Destroy() error {
	// Opcode 7: destroy
	const opcode = 7
	err := l.Context().SendRequest(l, opcode)
	l.Context().Unregister(l)
	return err
}

// Dispatch handles configure and closed
func (l *LayerSurface) Dispatch(ev *wayland.Event) error {
	switch ev.Op {
	case 0:
		serial, width, height := ev.ReadUint(), ev.ReadUint(), ev.ReadUint()
		if ev.Err() != nil {
			return nil
		}
		if err := l.AckConfigure(serial); err != nil {
			return err
		}
		if l.OnConfigure != nil {
			l.OnConfigure(width, height)
		}
	case 1:
		if l.OnClosed != nil {
			l.OnClosed()
		}
	default:
		return wayland.UnknownOpError{Interface: LayerSurfaceInterface, Op: ev.Op}
	}
	return nil
}
