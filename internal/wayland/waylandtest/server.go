// Package waylandtest scripts the compositor end of a Wayland connection
// for tests.
package waylandtest

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/bnema/waymirror/internal/wayland"
	"github.com/bnema/waymirror/internal/wayland/wire"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// Server is the compositor side of a socketpair
type Server struct {
	t    *testing.T
	Conn *wire.Conn
}

// New connects a client context to a fresh Server. Both ends are closed
// when the test finishes.
func New(t *testing.T) (*wayland.Context, *Server) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	wrap := func(fd int) *wire.Conn {
		f := os.NewFile(uintptr(fd), "socketpair")
		defer f.Close()
		c, err := net.FileConn(f)
		require.NoError(t, err)
		return wire.NewConn(c.(*net.UnixConn))
	}

	wl := wayland.NewContext(wrap(fds[0]))
	srv := &Server{t: t, Conn: wrap(fds[1])}
	t.Cleanup(func() {
		wl.Close()
		srv.Conn.Close()
	})
	return wl, srv
}

// Expect reads the next request and checks its target and opcode
func (s *Server) Expect(object uint32, op uint16) *wire.Message {
	s.t.Helper()
	msg, err := s.Conn.ReadMessage()
	require.NoError(s.t, err)
	require.Equal(s.t, object, msg.Sender, "request sender")
	require.Equal(s.t, op, msg.Op, "request opcode")
	return msg
}

// Send writes one event
func (s *Server) Send(b *wire.Builder) {
	s.t.Helper()
	require.NoError(s.t, s.Conn.WriteMessage(b))
}

// Event starts an event from object with opcode
func Event(object uint32, op uint16) *wire.Builder {
	return wire.NewRequest(object, op)
}

// AnswerSync completes a pending wl_display.sync and frees its id
func (s *Server) AnswerSync() {
	s.t.Helper()
	cb := s.Expect(1, 0).ReadUint()
	s.Send(Event(cb, 0).WriteUint(0))
	s.Send(Event(1, 1).WriteUint(cb))
}

// ExpectBind reads a wl_registry.bind for iface and returns the new id
func (s *Server) ExpectBind(registry uint32, iface string) uint32 {
	s.t.Helper()
	msg := s.Expect(registry, 0)
	msg.ReadUint()
	require.Equal(s.t, iface, msg.ReadString())
	msg.ReadUint()
	return msg.ReadUint()
}

// Roundtrip runs wl.Roundtrip while the server answers the sync. Events
// sent before the call are dispatched first.
func (s *Server) Roundtrip(wl *wayland.Context) {
	s.t.Helper()
	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errc <- wl.Roundtrip(ctx)
	}()
	s.AnswerSync()
	require.NoError(s.t, <-errc)
}
