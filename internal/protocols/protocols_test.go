package protocols

import (
	"testing"
	"time"

	"github.com/bnema/waymirror/internal/capture"
	"github.com/bnema/waymirror/internal/output"
	"github.com/bnema/waymirror/internal/wayland"
	"github.com/bnema/waymirror/internal/wayland/waylandtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type recorder struct {
	frames  []capture.FrameInfo
	objects []capture.Object
	ready   []time.Time
	cancels []capture.CancelReason
}

func (r *recorder) HandleFrame(info capture.FrameInfo)       { r.frames = append(r.frames, info) }
func (r *recorder) HandleObject(obj capture.Object)          { r.objects = append(r.objects, obj) }
func (r *recorder) HandleReady(t time.Time)                  { r.ready = append(r.ready, t) }
func (r *recorder) HandleCancel(reason capture.CancelReason) { r.cancels = append(r.cancels, reason) }

func pipe(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	return p[0], p[1]
}

func newCapture(t *testing.T, l capture.Listener) (*wayland.Context, *waylandtest.Server, *ExportDmabufFrame) {
	t.Helper()
	wl, srv := waylandtest.New(t)
	mgr := &ExportDmabufManager{}
	wl.Register(mgr)
	out := &wayland.Output{}
	wl.Register(out)

	frame, err := mgr.CaptureOutput(true, out, l)
	require.NoError(t, err)

	req := srv.Expect(mgr.ID(), 0)
	assert.Equal(t, frame.ID(), req.ReadUint())
	assert.Equal(t, int32(1), req.ReadInt(), "overlay_cursor")
	assert.Equal(t, out.ID(), req.ReadUint())
	return wl, srv, frame
}

func TestExportDmabufFrameEvents(t *testing.T) {
	rec := &recorder{}
	wl, srv, frame := newCapture(t, rec)

	r, w := pipe(t)
	defer unix.Close(r)
	defer unix.Close(w)

	id := frame.ID()
	srv.Send(waylandtest.Event(id, 0).
		WriteUint(1920).WriteUint(1080).WriteUint(0).WriteUint(0).
		WriteUint(capture.BufferFlagYInvert).WriteUint(0).
		WriteUint(capture.MakeFourCC('X', 'R', '2', '4')).
		WriteUint(0x01000000).WriteUint(4).WriteUint(1))
	srv.Send(waylandtest.Event(id, 1).
		WriteUint(0).WriteFD(w).WriteUint(8294400).WriteUint(0).WriteUint(7680).WriteUint(0))
	srv.Send(waylandtest.Event(id, 2).WriteUint(0).WriteUint(1700000000).WriteUint(500))
	srv.Roundtrip(wl)

	require.Len(t, rec.frames, 1)
	info := rec.frames[0]
	assert.Equal(t, uint32(1920), info.Width)
	assert.Equal(t, uint64(0x0100000000000004), info.Modifier)
	assert.Equal(t, uint32(1), info.NumObjects)

	require.Len(t, rec.objects, 1)
	obj := rec.objects[0]
	assert.GreaterOrEqual(t, obj.FD, 0)
	assert.Equal(t, uint32(7680), obj.Stride)
	unix.Close(obj.FD)

	require.Len(t, rec.ready, 1)
	assert.Equal(t, time.Unix(1700000000, 500), rec.ready[0])
}

func TestExportDmabufFrameCancel(t *testing.T) {
	rec := &recorder{}
	wl, srv, frame := newCapture(t, rec)

	srv.Send(waylandtest.Event(frame.ID(), 3).WriteUint(uint32(capture.CancelPermanent)))
	srv.Roundtrip(wl)

	assert.Equal(t, []capture.CancelReason{capture.CancelPermanent}, rec.cancels)
}

func TestDestroyedFrameClosesLateDescriptors(t *testing.T) {
	rec := &recorder{}
	wl, srv, frame := newCapture(t, rec)

	require.NoError(t, frame.Destroy())
	require.NoError(t, frame.Destroy())
	srv.Expect(frame.ID(), 0)

	r, w := pipe(t)
	defer unix.Close(r)
	srv.Send(waylandtest.Event(frame.ID(), 1).
		WriteUint(0).WriteFD(w).WriteUint(64).WriteUint(0).WriteUint(16).WriteUint(0))
	unix.Close(w)
	srv.Roundtrip(wl)

	assert.Empty(t, rec.objects)

	// Once every write end is gone the read end reports a hangup
	fds := []unix.PollFd{{Fd: int32(r), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 5000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.NotZero(t, fds[0].Revents&unix.POLLHUP)
}

func TestLinuxDmabufModifiers(t *testing.T) {
	wl, srv := waylandtest.New(t)
	d := &LinuxDmabuf{}
	wl.Register(d)

	xr24 := capture.MakeFourCC('X', 'R', '2', '4')
	assert.True(t, d.Supports(xr24, 0), "no advertisement accepts everything")

	srv.Send(waylandtest.Event(d.ID(), 1).WriteUint(xr24).WriteUint(0).WriteUint(0))
	srv.Send(waylandtest.Event(d.ID(), 1).WriteUint(xr24).WriteUint(0x01000000).WriteUint(4))
	srv.Send(waylandtest.Event(d.ID(), 0).WriteUint(xr24))
	srv.Roundtrip(wl)

	assert.True(t, d.Supports(xr24, 0))
	assert.True(t, d.Supports(xr24, 0x0100000000000004))
	assert.False(t, d.Supports(xr24, capture.ModifierInvalid))
	assert.False(t, d.Supports(capture.MakeFourCC('A', 'R', '2', '4'), 0))
}

func TestLinuxBufferParamsRequests(t *testing.T) {
	wl, srv := waylandtest.New(t)
	d := &LinuxDmabuf{}
	wl.Register(d)

	params, err := d.CreateParams()
	require.NoError(t, err)
	assert.Equal(t, params.ID(), srv.Expect(d.ID(), 1).ReadUint())

	r, w := pipe(t)
	defer unix.Close(r)
	defer unix.Close(w)
	require.NoError(t, params.Add(w, 0, 0, 7680, 0x0100000000000004))
	add := srv.Expect(params.ID(), 1)
	fd := add.ReadFD()
	require.GreaterOrEqual(t, fd, 0)
	unix.Close(fd)
	assert.Equal(t, uint32(0), add.ReadUint())
	assert.Equal(t, uint32(0), add.ReadUint())
	assert.Equal(t, uint32(7680), add.ReadUint())
	assert.Equal(t, uint32(0x01000000), add.ReadUint(), "modifier hi")
	assert.Equal(t, uint32(4), add.ReadUint(), "modifier lo")

	buf, err := params.CreateImmed(1920, 1080, capture.MakeFourCC('X', 'R', '2', '4'), 0)
	require.NoError(t, err)
	create := srv.Expect(params.ID(), 3)
	assert.Equal(t, buf.ID(), create.ReadUint())
	assert.Equal(t, int32(1920), create.ReadInt())
}

func TestXdgOutputUpdatesRegistry(t *testing.T) {
	wl, srv := waylandtest.New(t)
	mgr := &XdgOutputManager{}
	wl.Register(mgr)
	out := &wayland.Output{Global: 9}
	wl.Register(out)

	reg := output.NewRegistry()
	reg.Add(9)
	reg.Update(9, func(o *output.Output) { o.Name = "DP-1"; o.Description = "from wl_output" })

	xo, err := mgr.GetXdgOutput(out, reg)
	require.NoError(t, err)
	req := srv.Expect(mgr.ID(), 1)
	assert.Equal(t, xo.ID(), req.ReadUint())
	assert.Equal(t, out.ID(), req.ReadUint())

	srv.Send(waylandtest.Event(xo.ID(), 0).WriteInt(-1280).WriteInt(0))
	srv.Send(waylandtest.Event(xo.ID(), 1).WriteInt(1280).WriteInt(720))
	srv.Send(waylandtest.Event(xo.ID(), 3).WriteString(""))
	srv.Send(waylandtest.Event(xo.ID(), 4).WriteString("from xdg_output"))
	srv.Roundtrip(wl)
	reg.Done(9)

	o, ok := reg.Lookup(9)
	require.True(t, ok)
	assert.Equal(t, "DP-1", o.Name, "empty name keeps the wl_output one")
	assert.Equal(t, "from wl_output", o.Description)
	assert.Equal(t, int32(-1280), o.X)
	w, h := o.Size()
	assert.Equal(t, int32(1280), w)
	assert.Equal(t, int32(720), h)
}
