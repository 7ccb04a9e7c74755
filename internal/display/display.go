// Package display owns the compositor connection, binds the globals a
// mirror session needs and tracks output hot-plug.
package display

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bnema/waymirror/internal/logger"
	"github.com/bnema/waymirror/internal/output"
	"github.com/bnema/waymirror/internal/protocols"
	"github.com/bnema/waymirror/internal/wayland"
)

// ErrUnsupported means the compositor lacks a protocol waymirror relies on
var ErrUnsupported = errors.New("compositor protocol unsupported")

// UnsupportedError lists the missing globals
type UnsupportedError struct {
	Missing []string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("compositor does not support %s", strings.Join(e.Missing, ", "))
}

func (e *UnsupportedError) Unwrap() error {
	return ErrUnsupported
}

// Bound versions. The mirror only uses requests from these versions.
const (
	compositorVersion   = 4
	xdgOutputVersion    = 3
	exportDmabufVersion = 1
	layerShellVersion   = 1
)

type boundOutput struct {
	wl  *wayland.Output
	xdg *protocols.XdgOutput
}

// Display is a connected Wayland client with its globals bound
type Display struct {
	wl       *wayland.Context
	registry *wayland.Registry

	// Outputs is fed by wl_output and xdg_output events
	Outputs *output.Registry

	Compositor   *wayland.Compositor
	XdgOutputs   *protocols.XdgOutputManager
	ExportDmabuf *protocols.ExportDmabufManager
	LayerShell   *protocols.LayerShell
	LinuxDmabuf  *protocols.LinuxDmabuf

	outputs map[uint32]*boundOutput
	err     error
}

// Connect dials the compositor named by the environment
func Connect(ctx context.Context) (*Display, error) {
	wl, err := wayland.Connect()
	if err != nil {
		return nil, err
	}
	d, err := New(ctx, wl)
	if err != nil {
		wl.Close()
		return nil, err
	}
	return d, nil
}

// New binds globals over an established connection. It returns after
// every output present at startup has been fully announced.
func New(ctx context.Context, wl *wayland.Context) (*Display, error) {
	d := &Display{
		wl:      wl,
		Outputs: output.NewRegistry(),
		outputs: make(map[uint32]*boundOutput),
	}

	registry, err := wl.Display().GetRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to get registry: %w", err)
	}
	d.registry = registry
	registry.OnGlobal = d.global
	registry.OnGlobalRemove = d.globalRemove

	// First roundtrip collects globals, the second their initial state
	if err := wl.Roundtrip(ctx); err != nil {
		return nil, fmt.Errorf("initial roundtrip failed: %w", err)
	}
	if d.err != nil {
		return nil, d.err
	}
	for _, bo := range d.outputs {
		d.attachXdgOutput(bo)
	}
	if err := wl.Roundtrip(ctx); err != nil {
		return nil, fmt.Errorf("output roundtrip failed: %w", err)
	}
	if d.err != nil {
		return nil, d.err
	}

	logger.Debug("Connected to compositor", "outputs", d.Outputs.Names())
	return d, nil
}

// Wayland returns the underlying connection
func (d *Display) Wayland() *wayland.Context {
	return d.wl
}

// Require reports the protocols needed for mirroring that are missing
func (d *Display) Require() error {
	var missing []string
	if d.Compositor == nil {
		missing = append(missing, wayland.CompositorInterface)
	}
	if d.ExportDmabuf == nil {
		missing = append(missing, protocols.ExportDmabufManagerInterface)
	}
	if d.LayerShell == nil {
		missing = append(missing, protocols.LayerShellInterface)
	}
	if d.LinuxDmabuf == nil {
		missing = append(missing, protocols.LinuxDmabufInterface)
	}
	if len(missing) > 0 {
		return &UnsupportedError{Missing: missing}
	}
	return nil
}

// Output returns the wl_output proxy of the named output
func (d *Display) Output(name string) (*wayland.Output, error) {
	o, err := d.Outputs.Resolve(name)
	if err != nil {
		return nil, err
	}
	bo, ok := d.outputs[o.ID]
	if !ok {
		return nil, &output.NotFoundError{Name: name, Known: d.Outputs.Names()}
	}
	return bo.wl, nil
}

// Close releases outputs and closes the connection
func (d *Display) Close() error {
	for id := range d.outputs {
		d.dropOutput(id)
	}
	if d.ExportDmabuf != nil {
		d.ExportDmabuf.Destroy()
	}
	return d.wl.Close()
}

func (d *Display) global(name uint32, iface string, version uint32) {
	var err error
	switch iface {
	case wayland.CompositorInterface:
		d.Compositor = &wayland.Compositor{}
		err = d.registry.Bind(name, iface, min(version, compositorVersion), d.Compositor)
	case wayland.OutputInterface:
		err = d.bindOutput(name, version)
	case protocols.XdgOutputManagerInterface:
		d.XdgOutputs = &protocols.XdgOutputManager{}
		err = d.registry.Bind(name, iface, min(version, xdgOutputVersion), d.XdgOutputs)
	case protocols.ExportDmabufManagerInterface:
		d.ExportDmabuf = &protocols.ExportDmabufManager{}
		err = d.registry.Bind(name, iface, min(version, exportDmabufVersion), d.ExportDmabuf)
	case protocols.LayerShellInterface:
		d.LayerShell = &protocols.LayerShell{}
		err = d.registry.Bind(name, iface, min(version, layerShellVersion), d.LayerShell)
	case protocols.LinuxDmabufInterface:
		if version < 2 {
			logger.Warn("linux-dmabuf too old for create_immed", "version", version)
			return
		}
		d.LinuxDmabuf = &protocols.LinuxDmabuf{}
		err = d.registry.Bind(name, iface, min(version, protocols.LinuxDmabufVersion), d.LinuxDmabuf)
	default:
		return
	}
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("failed to bind %s: %w", iface, err)
	}
}

func (d *Display) bindOutput(name, version uint32) error {
	wo, err := wayland.NewOutput(d.registry, d.Outputs, name, min(version, wayland.OutputVersion))
	if err != nil {
		return err
	}
	bo := &boundOutput{wl: wo}
	d.outputs[name] = bo
	logger.Debug("Output global announced", "global", name)

	// Hot-plugged outputs get their xdg_output right away
	if d.XdgOutputs != nil {
		d.attachXdgOutput(bo)
	}
	return nil
}

func (d *Display) attachXdgOutput(bo *boundOutput) {
	if d.XdgOutputs == nil || bo.xdg != nil {
		return
	}
	xo, err := d.XdgOutputs.GetXdgOutput(bo.wl, d.Outputs)
	if err != nil {
		logger.Warn("Failed to get xdg_output", "global", bo.wl.Global, "error", err)
		return
	}
	bo.xdg = xo
}

func (d *Display) globalRemove(name uint32) {
	if _, ok := d.outputs[name]; !ok {
		return
	}
	logger.Debug("Output global removed", "global", name)
	d.dropOutput(name)
	d.Outputs.Remove(name)
}

func (d *Display) dropOutput(name uint32) {
	bo := d.outputs[name]
	delete(d.outputs, name)
	if bo.xdg != nil {
		bo.xdg.Destroy()
	}
	bo.wl.Release()
}
