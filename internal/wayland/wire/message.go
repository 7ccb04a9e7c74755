package wire

import (
	"errors"
	"fmt"
	"math"
)

// ErrShortMessage means an argument ran past the end of the message
var ErrShortMessage = errors.New("message too short")

// Fixed is a signed 24.8 fixed-point number
type Fixed int32

// FixedFloat converts v, rounding to the nearest 1/256
func FixedFloat(v float64) Fixed {
	return Fixed(math.Round(v * 256))
}

// FixedInt converts v
func FixedInt(v int) Fixed {
	return Fixed(v * 256)
}

// Float returns f as a float64
func (f Fixed) Float() float64 {
	return float64(f) / 256
}

// Int truncates f toward zero
func (f Fixed) Int() int {
	return int(f.Float())
}

func (f Fixed) String() string {
	return fmt.Sprintf("%g", f.Float())
}

// FDSource hands out received descriptors in arrival order
type FDSource interface {
	TakeFD() (int, error)
}

// Message is one incoming event. Arguments are read in declaration
// order; the first decoding failure sticks and is reported by Err.
type Message struct {
	Sender uint32
	Op     uint16

	data []byte
	off  int
	fds  FDSource
	err  error
}

// NewMessage builds a Message from raw argument bytes, for tests and
// in-process dispatch.
func NewMessage(sender uint32, op uint16, args []byte, fds FDSource) *Message {
	return &Message{Sender: sender, Op: op, data: args, fds: fds}
}

// Err returns the first decoding error
func (m *Message) Err() error {
	return m.err
}

// Size is the encoded size including the header
func (m *Message) Size() int {
	return headerSize + len(m.data)
}

func (m *Message) word() uint32 {
	if m.err != nil {
		return 0
	}
	if m.off+4 > len(m.data) {
		m.err = fmt.Errorf("%w: object %d opcode %d", ErrShortMessage, m.Sender, m.Op)
		return 0
	}
	v := byteOrder.Uint32(m.data[m.off:])
	m.off += 4
	return v
}

// ReadUint reads a uint, object or new_id argument
func (m *Message) ReadUint() uint32 {
	return m.word()
}

// ReadInt reads an int argument
func (m *Message) ReadInt() int32 {
	return int32(m.word())
}

// ReadFixed reads a fixed argument
func (m *Message) ReadFixed() Fixed {
	return Fixed(int32(m.word()))
}

// ReadString reads a string argument. A null string reads as "".
func (m *Message) ReadString() string {
	b := m.blob()
	if len(b) == 0 {
		return ""
	}
	if b[len(b)-1] != 0 {
		if m.err == nil {
			m.err = fmt.Errorf("object %d opcode %d: string is not null-terminated", m.Sender, m.Op)
		}
		return ""
	}
	return string(b[:len(b)-1])
}

// ReadArray reads an array argument
func (m *Message) ReadArray() []byte {
	b := m.blob()
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (m *Message) blob() []byte {
	n := int(m.word())
	if m.err != nil || n == 0 {
		return nil
	}
	padded := (n + 3) &^ 3
	if m.off+padded > len(m.data) {
		m.err = fmt.Errorf("%w: object %d opcode %d", ErrShortMessage, m.Sender, m.Op)
		return nil
	}
	b := m.data[m.off : m.off+n]
	m.off += padded
	return b
}

// ReadFD claims the next queued descriptor. The caller owns it.
func (m *Message) ReadFD() int {
	if m.fds == nil {
		if m.err == nil {
			m.err = ErrNoFD
		}
		return -1
	}
	fd, err := m.fds.TakeFD()
	if err != nil {
		if m.err == nil {
			m.err = fmt.Errorf("object %d opcode %d: %w", m.Sender, m.Op, err)
		}
		return -1
	}
	return fd
}

// Builder encodes one request
type Builder struct {
	sender uint32
	op     uint16
	data   []byte
	fds    []int
	err    error
}

// NewRequest starts a request from object sender
func NewRequest(sender uint32, op uint16) *Builder {
	return &Builder{sender: sender, op: op}
}

// WriteUint appends a uint, object or new_id argument
func (b *Builder) WriteUint(v uint32) *Builder {
	b.data = byteOrder.AppendUint32(b.data, v)
	return b
}

// WriteInt appends an int argument
func (b *Builder) WriteInt(v int32) *Builder {
	return b.WriteUint(uint32(v))
}

// WriteFixed appends a fixed argument
func (b *Builder) WriteFixed(v Fixed) *Builder {
	return b.WriteUint(uint32(v))
}

// WriteString appends a string argument
func (b *Builder) WriteString(s string) *Builder {
	b.WriteUint(uint32(len(s) + 1))
	b.data = append(b.data, s...)
	b.data = append(b.data, 0)
	b.pad()
	return b
}

// WriteArray appends an array argument
func (b *Builder) WriteArray(v []byte) *Builder {
	b.WriteUint(uint32(len(v)))
	b.data = append(b.data, v...)
	b.pad()
	return b
}

// WriteFD attaches a descriptor. The caller keeps ownership; the kernel
// duplicates it on send.
func (b *Builder) WriteFD(fd int) *Builder {
	if fd < 0 && b.err == nil {
		b.err = fmt.Errorf("object %d opcode %d: invalid descriptor %d", b.sender, b.op, fd)
	}
	b.fds = append(b.fds, fd)
	return b
}

func (b *Builder) pad() {
	for len(b.data)%4 != 0 {
		b.data = append(b.data, 0)
	}
}

// Bytes returns the encoded message including its header
func (b *Builder) Bytes() []byte {
	size := headerSize + len(b.data)
	out := make([]byte, 0, size)
	out = byteOrder.AppendUint32(out, b.sender)
	out = byteOrder.AppendUint32(out, uint32(size)<<16|uint32(b.op))
	return append(out, b.data...)
}

// FDs returns the attached descriptors
func (b *Builder) FDs() []int {
	return b.fds
}

// Err returns the first encoding error
func (b *Builder) Err() error {
	return b.err
}
