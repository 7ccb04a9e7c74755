//go:build !linux || !cgo
// +build !linux !cgo

package gpu

import "fmt"

// Open reports that no renderer is compiled in
func Open(renderNode string) (Device, error) {
	return nil, fmt.Errorf("%w: EGL backend not available (build with CGO enabled on Linux)", ErrNoDevice)
}
