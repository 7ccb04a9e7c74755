package display

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bnema/waymirror/internal/logger"
)

// ErrCursorUnavailable means the compositor exposes no pointer position
var ErrCursorUnavailable = errors.New("cursor position not available")

// CursorPosition is the pointer location in global layout coordinates
type CursorPosition struct {
	X, Y float64
}

// CursorSource answers pointer position queries
type CursorSource interface {
	CursorPosition(ctx context.Context) (CursorPosition, error)
}

// NewCursorSource returns the pointer query for kind
func NewCursorSource(kind Kind) (CursorSource, error) {
	switch kind {
	case KindHyprland:
		return NewHyprlandCursor()
	default:
		return nil, fmt.Errorf("%w on %s", ErrCursorUnavailable, kind)
	}
}

// HyprlandCursor queries cursorpos over the Hyprland request socket
type HyprlandCursor struct {
	socket string
}

// NewHyprlandCursor locates the request socket of the running instance
func NewHyprlandCursor() (*HyprlandCursor, error) {
	sig := getEnv("HYPRLAND_INSTANCE_SIGNATURE")
	if sig == "" {
		return nil, fmt.Errorf("%w: HYPRLAND_INSTANCE_SIGNATURE not set", ErrCursorUnavailable)
	}

	var candidates []string
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		candidates = append(candidates, filepath.Join(dir, "hypr", sig, ".socket.sock"))
	}
	// Hyprland before 0.40 kept its sockets in /tmp
	candidates = append(candidates, filepath.Join("/tmp", "hypr", sig, ".socket.sock"))

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return &HyprlandCursor{socket: path}, nil
		}
	}
	return nil, fmt.Errorf("%w: no hyprland socket for %s", ErrCursorUnavailable, sig)
}

// NewHyprlandCursorAt uses the request socket at path
func NewHyprlandCursorAt(path string) *HyprlandCursor {
	return &HyprlandCursor{socket: path}
}

// CursorPosition implements CursorSource
func (h *HyprlandCursor) CursorPosition(ctx context.Context) (CursorPosition, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", h.socket)
	if err != nil {
		return CursorPosition{}, fmt.Errorf("failed to connect to hyprland: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := conn.Write([]byte("j/cursorpos")); err != nil {
		return CursorPosition{}, fmt.Errorf("failed to query cursor: %w", err)
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		return CursorPosition{}, fmt.Errorf("failed to read cursor: %w", err)
	}
	return parseCursorPos(reply)
}

func parseCursorPos(reply []byte) (CursorPosition, error) {
	var pos struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := json.Unmarshal(reply, &pos); err == nil {
		return CursorPosition{X: pos.X, Y: pos.Y}, nil
	}

	// Plain form is "x, y"
	parts := strings.FieldsFunc(string(reply), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n'
	})
	if len(parts) >= 2 {
		x, errX := strconv.ParseFloat(parts[0], 64)
		y, errY := strconv.ParseFloat(parts[1], 64)
		if errX == nil && errY == nil {
			return CursorPosition{X: x, Y: y}, nil
		}
	}
	return CursorPosition{}, fmt.Errorf("unexpected cursorpos reply %q", strings.TrimSpace(string(reply)))
}

// WatchCursor polls src every interval and delivers changed positions.
// Only the latest position is kept when the reader falls behind. The
// channel is closed when ctx ends.
func WatchCursor(ctx context.Context, src CursorSource, interval time.Duration) <-chan CursorPosition {
	ch := make(chan CursorPosition, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last CursorPosition
		first := true
		failures := 0
		for {
			qctx, cancel := context.WithTimeout(ctx, interval*4)
			pos, err := src.CursorPosition(qctx)
			cancel()
			if err != nil {
				failures++
				if failures == 1 {
					logger.Debug("Cursor query failed", "error", err)
				}
			} else {
				failures = 0
				if first || pos != last {
					first = false
					last = pos
					select {
					case <-ch:
					default:
					}
					ch <- pos
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch
}
