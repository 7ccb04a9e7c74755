package wayland

// Core interface names
const (
	CompositorInterface = "wl_compositor"
	OutputInterface     = "wl_output"
)

// Display is the wl_display singleton, object 1
type Display struct {
	BaseProxy
}

// Sync asks for a callback once prior requests are processed
func (d *Display) Sync() (*Callback, error) {
	cb := &Callback{}
	d.Context().Register(cb)
	// Opcode 0: sync
	if err := d.Context().SendRequest(d, 0, cb); err != nil {
		d.Context().Unregister(cb)
		return nil, err
	}
	return cb, nil
}

// GetRegistry creates the global registry
func (d *Display) GetRegistry() (*Registry, error) {
	r := &Registry{}
	d.Context().Register(r)
	// Opcode 1: get_registry
	if err := d.Context().SendRequest(d, 1, r); err != nil {
		d.Context().Unregister(r)
		return nil, err
	}
	return r, nil
}

// Dispatch handles error and delete_id
func (d *Display) Dispatch(ev *Event) error {
	switch ev.Op {
	case 0:
		return &ProtocolError{ObjectID: ev.ReadUint(), Code: ev.ReadUint(), Message: ev.ReadString()}
	case 1:
		d.Context().deleteID(ev.ReadUint())
		return nil
	}
	return UnknownOpError{Interface: "wl_display", Op: ev.Op}
}

// Registry announces globals
type Registry struct {
	BaseProxy
	OnGlobal       func(name uint32, iface string, version uint32)
	OnGlobalRemove func(name uint32)
}

// Bind binds global name to p at version
func (r *Registry) Bind(name uint32, iface string, version uint32, p Proxy) error {
	r.Context().Register(p)
	// Opcode 0: bind, new_id without a fixed interface
	if err := r.Context().SendRequest(r, 0, name, iface, version, p); err != nil {
		r.Context().Unregister(p)
		return err
	}
	return nil
}

// Dispatch handles global and global_remove
func (r *Registry) Dispatch(ev *Event) error {
	switch ev.Op {
	case 0:
		name, iface, version := ev.ReadUint(), ev.ReadString(), ev.ReadUint()
		if ev.Err() == nil && r.OnGlobal != nil {
			r.OnGlobal(name, iface, version)
		}
		return nil
	case 1:
		name := ev.ReadUint()
		if ev.Err() == nil && r.OnGlobalRemove != nil {
			r.OnGlobalRemove(name)
		}
		return nil
	}
	return UnknownOpError{Interface: "wl_registry", Op: ev.Op}
}

// Callback fires once
type Callback struct {
	BaseProxy
	OnDone func(data uint32)
}

// Dispatch handles done
func (c *Callback) Dispatch(ev *Event) error {
	if ev.Op != 0 {
		return UnknownOpError{Interface: "wl_callback", Op: ev.Op}
	}
	data := ev.ReadUint()
	// The compositor destroys callbacks itself
	c.Context().Unregister(c)
	if c.OnDone != nil {
		c.OnDone(data)
	}
	return nil
}

// Compositor creates surfaces and regions
type Compositor struct {
	BaseProxy
}

// CreateSurface creates a wl_surface
func (c *Compositor) CreateSurface() (*Surface, error) {
	s := &Surface{}
	c.Context().Register(s)
	// Opcode 0: create_surface
	if err := c.Context().SendRequest(c, 0, s); err != nil {
		c.Context().Unregister(s)
		return nil, err
	}
	return s, nil
}

// CreateRegion creates a wl_region
func (c *Compositor) CreateRegion() (*Region, error) {
	r := &Region{}
	c.Context().Register(r)
	// Opcode 1: create_region
	if err := c.Context().SendRequest(c, 1, r); err != nil {
		c.Context().Unregister(r)
		return nil, err
	}
	return r, nil
}

// Dispatch implements Proxy; wl_compositor has no events
func (c *Compositor) Dispatch(ev *Event) error {
	return UnknownOpError{Interface: CompositorInterface, Op: ev.Op}
}

// Surface is a wl_surface
type Surface struct {
	BaseProxy
}

// Destroy destroys the surface
func (s *Surface) Destroy() error {
	err := s.Context().SendRequest(s, 0)
	s.Context().Unregister(s)
	return err
}

// Attach sets the pending buffer. buffer may be nil.
func (s *Surface) Attach(buffer *Buffer, x, y int32) error {
	return s.Context().SendRequest(s, 1, buffer, x, y)
}

// Frame requests a callback for the next good time to draw
func (s *Surface) Frame() (*Callback, error) {
	cb := &Callback{}
	s.Context().Register(cb)
	if err := s.Context().SendRequest(s, 3, cb); err != nil {
		s.Context().Unregister(cb)
		return nil, err
	}
	return cb, nil
}

// SetInputRegion sets the input region; nil means the whole surface
func (s *Surface) SetInputRegion(region *Region) error {
	return s.Context().SendRequest(s, 5, region)
}

// Commit applies pending state
func (s *Surface) Commit() error {
	return s.Context().SendRequest(s, 6)
}

// SetBufferScale declares the buffer is scale times the surface size (version 3)
func (s *Surface) SetBufferScale(scale int32) error {
	return s.Context().SendRequest(s, 8, scale)
}

// DamageBuffer marks a region of the buffer as changed (version 4)
func (s *Surface) DamageBuffer(x, y, width, height int32) error {
	return s.Context().SendRequest(s, 9, x, y, width, height)
}

// Dispatch ignores enter, leave and preferred scale events
func (s *Surface) Dispatch(ev *Event) error {
	return nil
}

// Region is a wl_region
type Region struct {
	BaseProxy
}

// Destroy destroys the region
func (r *Region) Destroy() error {
	err := r.Context().SendRequest(r, 0)
	r.Context().Unregister(r)
	return err
}

// Add adds a rectangle to the region
func (r *Region) Add(x, y, width, height int32) error {
	return r.Context().SendRequest(r, 1, x, y, width, height)
}

// Dispatch implements Proxy; wl_region has no events
func (r *Region) Dispatch(ev *Event) error {
	return UnknownOpError{Interface: "wl_region", Op: ev.Op}
}

// Buffer is a wl_buffer
type Buffer struct {
	BaseProxy
	// OnRelease runs when the compositor stops reading the buffer
	OnRelease func()
}

// Destroy destroys the buffer
func (b *Buffer) Destroy() error {
	err := b.Context().SendRequest(b, 0)
	b.Context().Unregister(b)
	return err
}

// Dispatch handles release
func (b *Buffer) Dispatch(ev *Event) error {
	if ev.Op != 0 {
		return UnknownOpError{Interface: "wl_buffer", Op: ev.Op}
	}
	if b.OnRelease != nil {
		b.OnRelease()
	}
	return nil
}
