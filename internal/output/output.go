// Package output tracks the outputs announced by the compositor.
package output

import (
	"errors"
	"fmt"
	"sort"
)

// ErrOutputNotFound is returned when a name does not match any connected output
var ErrOutputNotFound = errors.New("output not found")

// State is the connection state of an output
type State int

const (
	Connected State = iota
	Disconnected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Transform mirrors wl_output.transform
type Transform int32

const (
	TransformNormal Transform = iota
	Transform90
	Transform180
	Transform270
	TransformFlipped
	TransformFlipped90
	TransformFlipped180
	TransformFlipped270
)

// Rotated reports whether width and height swap under t
func (t Transform) Rotated() bool {
	return t%2 == 1
}

// Output describes one monitor as announced by the compositor
type Output struct {
	ID          uint32 // registry global name
	Name        string
	Description string
	Make        string
	Model       string

	// Logical position and size in the compositor layout
	X, Y          int32
	Width, Height int32

	// Current mode in hardware pixels
	ModeWidth, ModeHeight int32
	Refresh               int32 // mHz

	Transform Transform
	Scale     int32
	State     State
}

// Size returns the logical size, falling back to the mode size
// divided by scale when no logical geometry was announced.
func (o Output) Size() (int32, int32) {
	if o.Width > 0 && o.Height > 0 {
		return o.Width, o.Height
	}
	w, h := o.ModeWidth, o.ModeHeight
	if o.Transform.Rotated() {
		w, h = h, w
	}
	if o.Scale > 1 {
		w, h = w/o.Scale, h/o.Scale
	}
	return w, h
}

func (o Output) String() string {
	w, h := o.Size()
	if o.Description != "" {
		return fmt.Sprintf("%s - %s (%dx%d)", o.Name, o.Description, w, h)
	}
	return fmt.Sprintf("%s (%dx%d)", o.Name, w, h)
}

// NotFoundError names the output that failed to resolve
type NotFoundError struct {
	Name  string
	Known []string
}

func (e *NotFoundError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("output %q not found (no outputs announced)", e.Name)
	}
	return fmt.Sprintf("output %q not found (available: %v)", e.Name, e.Known)
}

func (e *NotFoundError) Unwrap() error {
	return ErrOutputNotFound
}

// Registry is the live set of outputs. It is owned by the event loop and
// is not safe for concurrent use.
type Registry struct {
	outputs map[uint32]*Output
	order   []uint32
	ready   map[uint32]bool

	onAdded   []func(Output)
	onRemoved []func(Output)
	onChanged []func(Output)
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		outputs: make(map[uint32]*Output),
		ready:   make(map[uint32]bool),
	}
}

// OnAdded registers fn to run when an output finishes its first announcement
func (r *Registry) OnAdded(fn func(Output)) {
	r.onAdded = append(r.onAdded, fn)
}

// OnRemoved registers fn to run when a ready output disappears
func (r *Registry) OnRemoved(fn func(Output)) {
	r.onRemoved = append(r.onRemoved, fn)
}

// OnChanged registers fn to run when a ready output's geometry changes
func (r *Registry) OnChanged(fn func(Output)) {
	r.onChanged = append(r.onChanged, fn)
}

// Add records a freshly bound output. It becomes visible after Done.
func (r *Registry) Add(id uint32) {
	if _, ok := r.outputs[id]; ok {
		return
	}
	r.outputs[id] = &Output{ID: id, Scale: 1, State: Connected}
	r.order = append(r.order, id)
}

// Update applies fn to the pending state of output id
func (r *Registry) Update(id uint32, fn func(*Output)) {
	if o, ok := r.outputs[id]; ok {
		fn(o)
	}
}

// Done marks the end of an atomic batch of updates for output id
func (r *Registry) Done(id uint32) {
	o, ok := r.outputs[id]
	if !ok {
		return
	}
	if o.Name == "" {
		o.Name = fmt.Sprintf("output-%d", id)
	}
	snapshot := *o
	if !r.ready[id] {
		r.ready[id] = true
		for _, fn := range r.onAdded {
			fn(snapshot)
		}
		return
	}
	for _, fn := range r.onChanged {
		fn(snapshot)
	}
}

// Remove drops output id and emits a removal event if it was visible
func (r *Registry) Remove(id uint32) {
	o, ok := r.outputs[id]
	if !ok {
		return
	}
	o.State = Disconnected
	snapshot := *o
	wasReady := r.ready[id]

	delete(r.outputs, id)
	delete(r.ready, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	if wasReady {
		for _, fn := range r.onRemoved {
			fn(snapshot)
		}
	}
}

// Resolve looks an output up by name
func (r *Registry) Resolve(name string) (Output, error) {
	for _, id := range r.order {
		if r.ready[id] && r.outputs[id].Name == name {
			return *r.outputs[id], nil
		}
	}
	return Output{}, &NotFoundError{Name: name, Known: r.Names()}
}

// Lookup returns the output with registry id
func (r *Registry) Lookup(id uint32) (Output, bool) {
	o, ok := r.outputs[id]
	if !ok || !r.ready[id] {
		return Output{}, false
	}
	return *o, true
}

// All returns the announced outputs in the order the compositor sent them
func (r *Registry) All() []Output {
	outputs := make([]Output, 0, len(r.order))
	for _, id := range r.order {
		if r.ready[id] {
			outputs = append(outputs, *r.outputs[id])
		}
	}
	return outputs
}

// Names returns the sorted names of announced outputs
func (r *Registry) Names() []string {
	var names []string
	for _, o := range r.All() {
		names = append(names, o.Name)
	}
	sort.Strings(names)
	return names
}

// Others returns every announced output except the named one
func (r *Registry) Others(name string) []Output {
	var outputs []Output
	for _, o := range r.All() {
		if o.Name != name {
			outputs = append(outputs, o)
		}
	}
	return outputs
}
