package mirror

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bnema/waymirror/internal/capture"
	"github.com/bnema/waymirror/internal/display"
	"github.com/bnema/waymirror/internal/gpu"
	"github.com/bnema/waymirror/internal/gpu/gputest"
	"github.com/bnema/waymirror/internal/instance"
	"github.com/bnema/waymirror/internal/ipc"
	"github.com/bnema/waymirror/internal/output"
	"github.com/bnema/waymirror/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameFansOutToEveryTarget(t *testing.T) {
	h := newHarness(t, "HDMI-A-1", "DP-1")

	h.s.pump()
	require.Equal(t, 1, h.req.calls)

	h.deliver()
	h.s.pump()
	assert.Equal(t, 1, h.dev.DrawCount("HDMI-A-1"))
	assert.Equal(t, 1, h.dev.DrawCount("DP-1"))
	assert.Empty(t, h.ledger.open, "frame released after drawing")
	assert.Equal(t, 0, h.dev.LiveTextures())

	// Both targets busy: no new capture until one is shown
	assert.Equal(t, 1, h.req.calls)
	h.surfaces["DP-1"].complete()
	h.s.pump()
	assert.Equal(t, 2, h.req.calls)
}

func TestBusyTargetDropsInsteadOfQueueing(t *testing.T) {
	h := newHarness(t, "HDMI-A-1", "DP-1")
	slow, fast := h.surfaces["HDMI-A-1"], h.surfaces["DP-1"]

	h.s.pump()
	for i := 0; i < 3; i++ {
		h.deliver()
		h.s.pump()
		fast.complete()
		h.s.pump()
	}

	assert.Equal(t, 1, h.dev.DrawCount("HDMI-A-1"))
	assert.Equal(t, uint64(2), slow.Stats().Dropped)
	assert.Equal(t, 3, h.dev.DrawCount("DP-1"))
	assert.Zero(t, fast.Stats().Dropped)
	assert.Empty(t, h.ledger.open)

	st := h.s.status()
	assert.Equal(t, uint64(3), st.Frames)
	assert.Equal(t, uint64(2), st.Dropped)
}

func TestDescriptorAccounting(t *testing.T) {
	h := newHarness(t, "HDMI-A-1")

	h.s.pump()
	for i := 0; i < 20; i++ {
		if i%3 == 2 {
			// Compositor hands over descriptors, then cancels
			l := h.req.listener
			l.HandleFrame(capture.FrameInfo{Width: 1920, Height: 1080, Format: gpu.FormatXRGB8888, NumObjects: 1})
			l.HandleObject(capture.Object{FD: h.ledger.alloc(), Stride: 7680})
			l.HandleCancel(capture.CancelTemporary)
		} else {
			h.deliver()
		}
		h.s.pump()
		h.completeAll()
		h.s.pump()
		assert.Empty(t, h.ledger.open, "cycle %d leaked", i)
	}
	assert.Zero(t, h.ledger.doubleCloses())
	assert.Equal(t, 0, h.dev.LiveTextures())
}

func TestUnsupportedFrameIsDropped(t *testing.T) {
	h := newHarness(t, "HDMI-A-1")
	h.s.pump()

	l := h.req.listener
	l.HandleFrame(capture.FrameInfo{Width: 1920, Height: 1080, Format: capture.MakeFourCC('N', 'V', '1', '2'), NumObjects: 2})
	l.HandleObject(capture.Object{FD: h.ledger.alloc(), Stride: 1920})
	l.HandleObject(capture.Object{FD: h.ledger.alloc(), Stride: 1920, PlaneIndex: 1})
	l.HandleReady(time.Now())
	h.s.pump()

	assert.False(t, h.s.stopping)
	assert.Empty(t, h.ledger.open)
	assert.Equal(t, 0, h.dev.DrawCount("HDMI-A-1"))
	assert.Equal(t, uint64(1), h.s.status().Dropped)
	assert.Equal(t, 2, h.req.calls, "next frame requested")
}

func TestDeviceLostOnOneTargetKeepsOthers(t *testing.T) {
	h := newHarness(t, "HDMI-A-1", "DP-1", "DP-3")
	h.dev.DrawErr = func(tg *gputest.Target) error {
		if tg.Name == "DP-3" {
			return gpu.ErrDeviceLost
		}
		return nil
	}

	h.s.pump()
	h.deliver()
	h.s.pump()
	assert.Equal(t, 1, h.dev.Resets, "one reset is attempted")
	assert.Equal(t, []string{"HDMI-A-1", "DP-1", "DP-3"}, h.s.Targets())

	for i := 0; i < 5; i++ {
		h.completeAll()
		h.s.pump()
		h.deliver()
		h.s.pump()
	}

	assert.Equal(t, 1, h.dev.Resets)
	assert.Equal(t, []string{"HDMI-A-1", "DP-1"}, h.s.Targets())
	assert.Equal(t, 1, h.surfaces["DP-3"].destroyed)
	assert.Equal(t, 6, h.dev.DrawCount("HDMI-A-1"))
	assert.Equal(t, 6, h.dev.DrawCount("DP-1"))
	assert.False(t, h.s.stopping)
	assert.Empty(t, h.ledger.open)
}

func TestDeviceLostEverywhereStops(t *testing.T) {
	h := newHarness(t, "HDMI-A-1", "DP-1")
	h.dev.DrawErr = func(*gputest.Target) error { return gpu.ErrDeviceLost }

	h.s.pump()
	h.deliver()
	h.s.pump()
	h.completeAll()
	h.s.pump()
	h.deliver()
	h.s.pump()

	assert.True(t, h.s.stopping)
	assert.ErrorIs(t, h.s.stopErr, ErrNoTargets)
}

func TestPermanentCancelStopsSession(t *testing.T) {
	h := newHarness(t, "HDMI-A-1")
	h.s.pump()

	h.req.listener.HandleCancel(capture.CancelPermanent)
	h.s.pump()

	assert.True(t, h.s.stopping)
	assert.ErrorIs(t, h.s.stopErr, capture.ErrSourceLost)
	assert.Equal(t, StateStopping, h.s.State())
}

func TestClosedTargetIsRemovedAlone(t *testing.T) {
	h := newHarness(t, "HDMI-A-1", "DP-1")
	h.s.pump()

	h.surfaces["DP-1"].closed = true
	h.s.pump()
	assert.Equal(t, []string{"HDMI-A-1"}, h.s.Targets())
	assert.Equal(t, 1, h.surfaces["DP-1"].destroyed)
	assert.False(t, h.s.stopping)

	h.surfaces["HDMI-A-1"].closed = true
	h.s.pump()
	assert.True(t, h.s.stopping)
	assert.ErrorIs(t, h.s.stopErr, ErrNoTargets)
}

func TestSourceDisconnectStops(t *testing.T) {
	h := newHarness(t, "HDMI-A-1")
	h.reg.Remove(1)

	assert.True(t, h.s.stopping)
	assert.ErrorIs(t, h.s.stopErr, ErrSourceDisconnected)
}

func TestTargetDisconnectRemovesSurface(t *testing.T) {
	h := newHarness(t, "HDMI-A-1", "DP-1")
	h.reg.Remove(3)

	assert.Equal(t, []string{"HDMI-A-1"}, h.s.Targets())
	assert.Equal(t, 1, h.surfaces["DP-1"].destroyed)
	assert.False(t, h.s.stopping)
}

func TestLastTargetUnpluggedWaitsForReplug(t *testing.T) {
	h := newHarness(t)
	h.s.pump()
	h.deliver()
	h.s.pump()
	require.Equal(t, 1, h.dev.DrawCount("HDMI-A-1"))
	first := h.surfaces["HDMI-A-1"]
	first.complete()

	h.reg.Remove(2)
	h.s.pump()
	assert.False(t, h.s.stopping)
	assert.Empty(t, h.s.Targets())
	assert.Equal(t, 1, first.destroyed)

	// Nothing to show on, so nothing is captured
	calls := h.req.calls
	h.s.pump()
	assert.Equal(t, calls, h.req.calls)
	assert.Equal(t, capture.StateIdle, h.s.capture.State())
	assert.Empty(t, h.ledger.open)

	h.connect("HDMI-A-1", 1920, 1200)
	h.s.pump()
	require.Equal(t, []string{"HDMI-A-1"}, h.s.Targets())
	assert.NotSame(t, first, h.surfaces["HDMI-A-1"])
	assert.Equal(t, calls+1, h.req.calls)

	h.deliver()
	h.s.pump()
	assert.Equal(t, 2, h.dev.DrawCount("HDMI-A-1"))
	assert.False(t, h.s.stopping)
}

func TestNamedTargetComesBackOnReplug(t *testing.T) {
	h := newHarness(t, "HDMI-A-1")

	h.reg.Remove(2)
	h.s.pump()
	assert.False(t, h.s.stopping)
	assert.Empty(t, h.s.Targets())

	h.connect("DP-2", 2560, 1440)
	h.s.pump()
	assert.Empty(t, h.s.Targets(), "outputs not named with --to stay untouched")

	h.connect("HDMI-A-1", 1920, 1200)
	h.s.pump()
	assert.Equal(t, []string{"HDMI-A-1"}, h.s.Targets())
}

func TestAutoTargetsFollowHotplug(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []string{"HDMI-A-1"}, h.s.Targets())

	h.connect("DP-2", 2560, 1440)
	h.s.pump()
	assert.Equal(t, []string{"HDMI-A-1", "DP-2"}, h.s.Targets())

	// Explicit targets ignore new outputs
	e := newHarness(t, "HDMI-A-1")
	e.connect("DP-2", 2560, 1440)
	e.s.pump()
	assert.Equal(t, []string{"HDMI-A-1"}, e.s.Targets())
}

func TestCursorMappedIntoFrame(t *testing.T) {
	h := newHarness(t, "HDMI-A-1")
	tex := &gputest.Texture{W: 1920, H: 1080}
	assert.Nil(t, h.s.mapPointer(tex))

	h.s.pointer = &display.CursorPosition{X: 960, Y: 540}
	p := h.s.mapPointer(tex)
	require.NotNil(t, p)
	assert.InDelta(t, 960, p.X, 0.001)
	assert.InDelta(t, 540, p.Y, 0.001)

	h.s.pointer.X = 3000
	assert.Nil(t, h.s.mapPointer(tex), "pointer on another output")
}

func TestResolveTargets(t *testing.T) {
	reg := output.NewRegistry()
	for i, name := range []string{"eDP-1", "HDMI-A-1", "DP-1"} {
		id := uint32(i + 1)
		reg.Add(id)
		reg.Update(id, func(o *output.Output) { o.Name = name })
		reg.Done(id)
	}

	targets, err := ResolveTargets(reg, "eDP-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"HDMI-A-1", "DP-1"}, targets)

	targets, err = ResolveTargets(reg, "eDP-1", []string{"DP-1", "DP-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"DP-1"}, targets)

	_, err = ResolveTargets(reg, "eDP-2", nil)
	assert.ErrorIs(t, err, output.ErrOutputNotFound)

	_, err = ResolveTargets(reg, "eDP-1", []string{"HDMI-A-2"})
	assert.ErrorIs(t, err, output.ErrOutputNotFound)

	_, err = ResolveTargets(reg, "eDP-1", []string{"eDP-1"})
	assert.ErrorContains(t, err, "cannot mirror itself")

	only := output.NewRegistry()
	only.Add(1)
	only.Update(1, func(o *output.Output) { o.Name = "eDP-1" })
	only.Done(1)
	_, err = ResolveTargets(only, "eDP-1", nil)
	assert.ErrorIs(t, err, ErrNoTargets)
}

func runSession(ctx context.Context, h *harness) <-chan error {
	result := make(chan error, 1)
	go func() { result <- h.s.Run(ctx) }()
	return result
}

func wait(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}

func TestStopOverControlSocketRestoresEverything(t *testing.T) {
	h := newHarness(t, "HDMI-A-1")
	dir := t.TempDir()

	store, err := instance.NewStore(dir)
	require.NoError(t, err)
	claim, err := store.Claim(instance.Marker{PID: 4242, Source: source, Targets: []string{"HDMI-A-1"}})
	require.NoError(t, err)
	h.s.store, h.s.claim = store, claim

	layout := map[string]string{"1": source, "2": "HDMI-A-1"}
	backend := &fakeBackend{outputs: map[string]string{"1": source, "2": "HDMI-A-1"}, focused: "2"}
	snapshot := workspace.SnapshotPath(dir, 4242)
	guard, err := workspace.Acquire(context.Background(), workspace.NewCoordinator(backend), source, snapshot)
	require.NoError(t, err)
	h.s.guard = guard
	assert.Equal(t, source, backend.outputs["2"])

	sock := ipc.SocketPath(dir, 4242)
	h.s.server = ipc.NewSocketServer(sock, h.s)
	require.NoError(t, h.s.server.Start())

	result := runSession(context.Background(), h)
	client := ipc.NewClient(sock, time.Second)

	status, err := client.SendStatus()
	require.NoError(t, err)
	assert.Equal(t, source, status.Source)
	assert.Equal(t, []string{"HDMI-A-1"}, status.Targets)
	assert.Equal(t, "running", status.State)
	assert.Equal(t, "fit", status.Mode)

	require.NoError(t, client.SendStop())
	require.NoError(t, wait(t, result))

	assert.Equal(t, StateStopped, h.s.State())
	assert.Equal(t, layout, backend.outputs)
	assert.Equal(t, "2", backend.focused)
	assert.NoFileExists(t, snapshot)
	assert.NoFileExists(t, filepath.Join(dir, "instance-4242.yaml"))
	assert.Equal(t, 1, h.surfaces["HDMI-A-1"].destroyed)

	live, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, live)

	// A second stop finds nobody listening
	assert.ErrorIs(t, client.SendStop(), ipc.ErrNotRunning)
	assert.NoError(t, h.s.HandleStop())
}

func TestDuplicateLaunchLeavesWorkspacesAlone(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := instance.NewStore(dir)
	require.NoError(t, err)
	running, err := store.Claim(instance.Marker{
		PID:     4242,
		Source:  "DP-1",
		Targets: []string{"HDMI-A-1"},
		Started: time.Now(),
	})
	require.NoError(t, err)
	defer running.Release()

	backend := &fakeBackend{
		outputs: map[string]string{"1": source, "2": "HDMI-A-1"},
		focused: "2",
	}
	newSession := func() *Session {
		return &Session{
			opts: Options{Source: source, Workspaces: true, RuntimeDir: dir},
			newBackend: func(display.Kind) (workspace.Backend, error) {
				return backend, nil
			},
		}
	}
	pipelines := 0
	pipeline := func(context.Context) (display.Kind, error) {
		pipelines++
		return display.KindSway, nil
	}

	s := newSession()
	err = s.bringUp(ctx, os.Getpid(), []string{"HDMI-A-1"}, pipeline)
	require.ErrorIs(t, err, instance.ErrAlreadyRunning)
	assert.Zero(t, pipelines)
	assert.Zero(t, backend.moves)
	assert.Equal(t, "HDMI-A-1", backend.outputs["2"])
	assert.Nil(t, s.guard)
	assert.NoFileExists(t, workspace.SnapshotPath(dir, os.Getpid()))

	// Once the other instance is gone the same launch goes through
	require.NoError(t, running.Release())
	s = newSession()
	require.NoError(t, s.bringUp(ctx, os.Getpid(), []string{"HDMI-A-1"}, pipeline))
	assert.Equal(t, 1, pipelines)
	assert.Equal(t, source, backend.outputs["2"])
	require.NotNil(t, s.guard)

	require.NoError(t, s.guard.Release(ctx))
	assert.Equal(t, "HDMI-A-1", backend.outputs["2"])
	require.NoError(t, s.claim.Release())
}

func TestInterruptStopsSession(t *testing.T) {
	h := newHarness(t, "HDMI-A-1")
	ctx, cancel := context.WithCancel(context.Background())

	result := runSession(ctx, h)
	cancel()
	require.NoError(t, wait(t, result))
	assert.Equal(t, StateStopped, h.s.State())
	assert.Equal(t, 1, h.surfaces["HDMI-A-1"].destroyed)
	assert.Empty(t, h.ledger.open)
}

func TestConnectionLossStopsWithError(t *testing.T) {
	h := newHarness(t, "HDMI-A-1")

	result := runSession(context.Background(), h)
	close(h.conn.events)
	err := wait(t, result)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compositor connection lost")
	assert.False(t, errors.Is(err, ErrNoTargets))
}
