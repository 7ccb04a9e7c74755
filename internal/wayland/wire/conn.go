// Package wire implements the Wayland wire format over a Unix socket.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// byteOrder is the host byte order; Wayland messages are native-endian
var byteOrder = binary.NativeEndian

const (
	headerSize = 8
	// maxFDs per sendmsg in libwayland
	maxFDs = 28
)

// ErrNoFD means a message referenced a descriptor that never arrived
var ErrNoFD = errors.New("no file descriptor queued")

// RuntimeDir returns $XDG_RUNTIME_DIR or the conventional fallback
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return fmt.Sprintf("/run/user/%d", os.Getuid())
}

// SocketPath resolves $WAYLAND_DISPLAY to a socket path
func SocketPath() string {
	name := os.Getenv("WAYLAND_DISPLAY")
	if name == "" {
		name = "wayland-0"
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(RuntimeDir(), name)
}

// Conn is a Wayland connection. ReadMessage must only be called from one
// goroutine; writes are serialised internally.
type Conn struct {
	conn *net.UnixConn

	wmu sync.Mutex

	fmu sync.Mutex
	fds []int

	// bytes received but not yet split into messages
	buf  []byte
	rbuf []byte
	oob  []byte
}

// NewConn wraps c. Close the Conn instead of c afterwards.
func NewConn(c *net.UnixConn) *Conn {
	return &Conn{
		conn: c,
		rbuf: make([]byte, 4096),
		oob:  make([]byte, unix.CmsgSpace(maxFDs*4)),
	}
}

// Dial connects to the compositor named by the environment
func Dial() (*Conn, error) {
	if v := os.Getenv("WAYLAND_SOCKET"); v != "" {
		fd, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse WAYLAND_SOCKET: %w", err)
		}
		file := os.NewFile(uintptr(fd), "WAYLAND_SOCKET")
		defer file.Close()
		c, err := net.FileConn(file)
		if err != nil {
			return nil, fmt.Errorf("open WAYLAND_SOCKET: %w", err)
		}
		uc, ok := c.(*net.UnixConn)
		if !ok {
			c.Close()
			return nil, errors.New("WAYLAND_SOCKET is not a unix socket")
		}
		return NewConn(uc), nil
	}

	path := SocketPath()
	c, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", path, err)
	}
	return NewConn(c), nil
}

// Close closes the socket and any descriptors nobody claimed
func (c *Conn) Close() error {
	err := c.conn.Close()
	c.fmu.Lock()
	for _, fd := range c.fds {
		unix.Close(fd)
	}
	c.fds = nil
	c.fmu.Unlock()
	return err
}

// ReadMessage blocks until a complete message is available. Descriptors
// that arrive alongside are queued before the message is returned, so
// Message.FD can always find them.
func (c *Conn) ReadMessage() (*Message, error) {
	for {
		if msg, ok, err := c.split(); err != nil || ok {
			return msg, err
		}
		n, oobn, _, _, err := c.conn.ReadMsgUnix(c.rbuf, c.oob)
		if oobn > 0 {
			if ferr := c.queueFDs(c.oob[:oobn]); ferr != nil {
				return nil, ferr
			}
		}
		if n > 0 {
			c.buf = append(c.buf, c.rbuf[:n]...)
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("read message: %w", net.ErrClosed)
		}
	}
}

func (c *Conn) split() (*Message, bool, error) {
	if len(c.buf) < headerSize {
		return nil, false, nil
	}
	sender := byteOrder.Uint32(c.buf[0:4])
	so := byteOrder.Uint32(c.buf[4:8])
	size := int(so >> 16)
	if size < headerSize || size%4 != 0 {
		return nil, false, fmt.Errorf("malformed message header: object %d size %d", sender, size)
	}
	if len(c.buf) < size {
		return nil, false, nil
	}

	data := make([]byte, size-headerSize)
	copy(data, c.buf[headerSize:size])
	c.buf = c.buf[size:]
	if len(c.buf) == 0 {
		c.buf = nil
	}
	return &Message{Sender: sender, Op: uint16(so & 0xffff), data: data, fds: c}, true, nil
}

func (c *Conn) queueFDs(oob []byte) error {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("parse socket control messages: %w", err)
	}
	c.fmu.Lock()
	defer c.fmu.Unlock()
	for i := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsgs[i])
		if err != nil {
			if errors.Is(err, unix.EINVAL) {
				continue
			}
			return fmt.Errorf("parse unix rights: %w", err)
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
		}
		c.fds = append(c.fds, fds...)
	}
	return nil
}

// TakeFD pops the oldest received descriptor
func (c *Conn) TakeFD() (int, error) {
	c.fmu.Lock()
	defer c.fmu.Unlock()
	if len(c.fds) == 0 {
		return -1, ErrNoFD
	}
	fd := c.fds[0]
	c.fds = c.fds[1:]
	return fd, nil
}

// PendingFDs returns how many received descriptors are unclaimed
func (c *Conn) PendingFDs() int {
	c.fmu.Lock()
	defer c.fmu.Unlock()
	return len(c.fds)
}

// WriteMessage sends b and its descriptors in one sendmsg
func (c *Conn) WriteMessage(b *Builder) error {
	if b.err != nil {
		return b.err
	}
	data := b.Bytes()
	var oob []byte
	if len(b.fds) > 0 {
		oob = unix.UnixRights(b.fds...)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	n, oobn, err := c.conn.WriteMsgUnix(data, oob, nil)
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if n != len(data) || oobn != len(oob) {
		return fmt.Errorf("write message: short write %d/%d", n, len(data))
	}
	return nil
}
