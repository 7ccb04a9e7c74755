// Package wayland is a small Wayland client runtime: an object table, a
// reader goroutine and the core wl_* interfaces.
package wayland

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"

	"github.com/bnema/waymirror/internal/logger"
	"github.com/bnema/waymirror/internal/wayland/wire"
	"golang.org/x/sys/unix"
)

// Event is an incoming message addressed to a Proxy
type Event = wire.Message

// Fixed is the protocol's 24.8 fixed-point type
type Fixed = wire.Fixed

// FD marks an int argument of SendRequest as a file descriptor
type FD int

// Proxy is a client-side protocol object
type Proxy interface {
	ID() uint32
	SetID(id uint32)
	Context() *Context
	SetContext(ctx *Context)
	// Dispatch decodes and handles one event
	Dispatch(ev *Event) error
}

// FDCounter is implemented by proxies whose events carry descriptors,
// so they can still be drained after the proxy was destroyed.
type FDCounter interface {
	EventFDs(opcode uint16) int
}

// BaseProxy implements the bookkeeping half of Proxy
type BaseProxy struct {
	id  uint32
	ctx *Context
}

func (p *BaseProxy) ID() uint32              { return p.id }
func (p *BaseProxy) SetID(id uint32)         { p.id = id }
func (p *BaseProxy) Context() *Context       { return p.ctx }
func (p *BaseProxy) SetContext(ctx *Context) { p.ctx = ctx }

// ProtocolError is a fatal wl_display.error
type ProtocolError struct {
	ObjectID uint32
	Code     uint32
	Message  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wayland protocol error on object %d (code %d): %s", e.ObjectID, e.Code, e.Message)
}

// UnknownOpError is returned for an event opcode a proxy does not know
type UnknownOpError struct {
	Interface string
	Op        uint16
}

func (e UnknownOpError) Error() string {
	return fmt.Sprintf("unknown event opcode %d for %s", e.Op, e.Interface)
}

const maxClientID = 0xfeffffff

var debug = os.Getenv("WAYLAND_DEBUG") != ""

// Context owns a connection and the objects created on it. Apart from
// the internal reader goroutine, all methods must be called from the
// goroutine that consumes Events.
type Context struct {
	conn *wire.Conn

	objects map[uint32]Proxy
	// destroyed by us, waiting for delete_id
	zombies map[uint32]Proxy
	free    []uint32
	nextID  uint32

	display *Display

	events chan *Event
	done   chan struct{}
	once   sync.Once

	errMu   sync.Mutex
	readErr error
}

// Connect dials the compositor named by the environment
func Connect() (*Context, error) {
	conn, err := wire.Dial()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Wayland display: %w", err)
	}
	return NewContext(conn), nil
}

// NewContext starts reading from conn
func NewContext(conn *wire.Conn) *Context {
	c := &Context{
		conn:    conn,
		objects: make(map[uint32]Proxy),
		zombies: make(map[uint32]Proxy),
		nextID:  1,
		events:  make(chan *Event, 64),
		done:    make(chan struct{}),
	}
	c.display = &Display{}
	c.Register(c.display)
	go c.listen()
	return c
}

func (c *Context) listen() {
	defer close(c.events)
	for {
		ev, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errMu.Lock()
				c.readErr = err
				c.errMu.Unlock()
			}
			return
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// Display returns the wl_display singleton
func (c *Context) Display() *Display {
	return c.display
}

// Events delivers incoming messages. It is closed when the connection
// fails; Err then reports why.
func (c *Context) Events() <-chan *Event {
	return c.events
}

// Err returns the read error that closed Events
func (c *Context) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Close shuts the connection down
func (c *Context) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// AllocateID returns an unused client object id
func (c *Context) AllocateID() uint32 {
	if n := len(c.free); n > 0 {
		id := c.free[n-1]
		c.free = c.free[:n-1]
		return id
	}
	id := c.nextID
	c.nextID++
	return id
}

// Register adds p to the object table, allocating an id when p has none
func (c *Context) Register(p Proxy) {
	if p.ID() == 0 {
		p.SetID(c.AllocateID())
	}
	p.SetContext(c)
	c.objects[p.ID()] = p
}

// Unregister removes p after its destructor was sent. Its id stays
// reserved until the compositor confirms with delete_id.
func (c *Context) Unregister(p Proxy) {
	id := p.ID()
	if id == 0 || c.objects[id] != p {
		return
	}
	delete(c.objects, id)
	c.zombies[id] = p
}

// Lookup returns the live object with id
func (c *Context) Lookup(id uint32) (Proxy, bool) {
	p, ok := c.objects[id]
	return p, ok
}

// Objects counts live objects, mostly for tests
func (c *Context) Objects() int {
	return len(c.objects)
}

func (c *Context) deleteID(id uint32) {
	if _, ok := c.zombies[id]; ok {
		delete(c.zombies, id)
	} else if _, ok := c.objects[id]; ok {
		// server-destroyed objects such as wl_callback
		delete(c.objects, id)
	} else {
		return
	}
	if id <= maxClientID {
		c.free = append(c.free, id)
	}
}

// SendRequest encodes args and writes one request from p. Supported
// argument types are uint32, int32, Fixed, string, []byte, FD, Proxy
// and nil for a null object.
func (c *Context) SendRequest(p Proxy, opcode uint16, args ...any) error {
	b := wire.NewRequest(p.ID(), opcode)
	for i, arg := range args {
		switch v := arg.(type) {
		case nil:
			b.WriteUint(0)
		case uint32:
			b.WriteUint(v)
		case int32:
			b.WriteInt(v)
		case Fixed:
			b.WriteFixed(v)
		case string:
			b.WriteString(v)
		case []byte:
			b.WriteArray(v)
		case FD:
			b.WriteFD(int(v))
		case Proxy:
			b.WriteUint(objectID(v))
		default:
			return fmt.Errorf("request %d.%d: unsupported argument %d of type %T", p.ID(), opcode, i, arg)
		}
	}
	if debug {
		logger.Debug("wayland ->", "object", p.ID(), "opcode", opcode, "args", args)
	}
	return c.conn.WriteMessage(b)
}

func objectID(p Proxy) uint32 {
	if p == nil {
		return 0
	}
	if v := reflect.ValueOf(p); v.Kind() == reflect.Pointer && v.IsNil() {
		return 0
	}
	return p.ID()
}

// Dispatch routes ev to its object. Events for destroyed objects are
// dropped after their descriptors are closed.
func (c *Context) Dispatch(ev *Event) error {
	if p, ok := c.objects[ev.Sender]; ok {
		if debug {
			logger.Debug("wayland <-", "object", ev.Sender, "opcode", ev.Op)
		}
		err := p.Dispatch(ev)
		var unknown UnknownOpError
		if errors.As(err, &unknown) {
			logger.Debug("Ignoring event", "object", ev.Sender, "error", err)
			return nil
		}
		if err != nil {
			return err
		}
		return ev.Err()
	}

	if p, ok := c.zombies[ev.Sender]; ok {
		if fc, ok := p.(FDCounter); ok {
			for i := fc.EventFDs(ev.Op); i > 0; i-- {
				if fd := ev.ReadFD(); fd >= 0 {
					unix.Close(fd)
				}
			}
		}
		return nil
	}

	logger.Debug("Event for unknown object", "object", ev.Sender, "opcode", ev.Op)
	return nil
}

// Roundtrip blocks until the compositor has processed every request sent
// so far, dispatching events meanwhile.
func (c *Context) Roundtrip(ctx context.Context) error {
	cb, err := c.display.Sync()
	if err != nil {
		return err
	}
	done := false
	cb.OnDone = func(uint32) { done = true }
	for !done {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-c.events:
			if !ok {
				if err := c.Err(); err != nil {
					return fmt.Errorf("wayland connection lost: %w", err)
				}
				return errors.New("wayland connection closed")
			}
			if err := c.Dispatch(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
