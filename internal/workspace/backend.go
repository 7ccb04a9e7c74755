package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bnema/waymirror/internal/display"
)

// ErrNoBackend means the compositor offers no workspace control
var ErrNoBackend = errors.New("workspace control not supported by this compositor")

// Workspace is one compositor workspace and the output showing it
type Workspace struct {
	Name    string
	Output  string
	Focused bool
	Visible bool
}

// Backend reads and reassigns workspaces. It never creates or deletes them.
type Backend interface {
	Kind() display.Kind
	Workspaces(ctx context.Context) ([]Workspace, error)
	Move(ctx context.Context, workspace, output string) error
	Focus(ctx context.Context, workspace string) error
}

// Runner executes compositor control commands and returns their stdout
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands as child processes
type ExecRunner struct{}

// Run implements Runner
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// NewBackend returns the workspace backend for kind. Compositors without
// workspace control get ErrNoBackend.
func NewBackend(kind display.Kind, runner Runner) (Backend, error) {
	if runner == nil {
		runner = ExecRunner{}
	}
	switch kind {
	case display.KindSway:
		return &swayBackend{run: runner}, nil
	case display.KindHyprland:
		return &hyprlandBackend{run: runner}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoBackend, kind)
	}
}

type swayBackend struct {
	run Runner
}

func (b *swayBackend) Kind() display.Kind {
	return display.KindSway
}

func (b *swayBackend) Workspaces(ctx context.Context) ([]Workspace, error) {
	out, err := b.run.Run(ctx, "swaymsg", "-t", "get_workspaces", "-r")
	if err != nil {
		return nil, fmt.Errorf("failed to run swaymsg: %w", err)
	}

	var swayWorkspaces []struct {
		Name    string `json:"name"`
		Output  string `json:"output"`
		Focused bool   `json:"focused"`
		Visible bool   `json:"visible"`
	}
	if err := json.Unmarshal(out, &swayWorkspaces); err != nil {
		return nil, fmt.Errorf("failed to parse sway workspaces: %w", err)
	}

	workspaces := make([]Workspace, 0, len(swayWorkspaces))
	for _, sw := range swayWorkspaces {
		workspaces = append(workspaces, Workspace{
			Name:    sw.Name,
			Output:  sw.Output,
			Focused: sw.Focused,
			Visible: sw.Visible,
		})
	}
	return workspaces, nil
}

func (b *swayBackend) Move(ctx context.Context, workspace, output string) error {
	// Moving acts on the focused workspace, so focus it first
	command := fmt.Sprintf("workspace --no-auto-back-and-forth %s; move workspace to output %s",
		swayQuote(workspace), swayQuote(output))
	return b.command(ctx, command)
}

func (b *swayBackend) Focus(ctx context.Context, workspace string) error {
	return b.command(ctx, "workspace --no-auto-back-and-forth "+swayQuote(workspace))
}

func (b *swayBackend) command(ctx context.Context, command string) error {
	out, err := b.run.Run(ctx, "swaymsg", "-r", command)
	if err != nil {
		return fmt.Errorf("swaymsg %q failed: %w", command, err)
	}

	var results []struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(out, &results); err != nil {
		return fmt.Errorf("failed to parse swaymsg reply: %w", err)
	}
	for _, r := range results {
		if !r.Success {
			return fmt.Errorf("swaymsg %q: %s", command, r.Error)
		}
	}
	return nil
}

func swayQuote(s string) string {
	return strconv.Quote(s)
}

type hyprlandBackend struct {
	run Runner
}

func (b *hyprlandBackend) Kind() display.Kind {
	return display.KindHyprland
}

type hyprWorkspace struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Monitor string `json:"monitor"`
}

func (b *hyprlandBackend) Workspaces(ctx context.Context) ([]Workspace, error) {
	out, err := b.run.Run(ctx, "hyprctl", "workspaces", "-j")
	if err != nil {
		return nil, fmt.Errorf("failed to run hyprctl: %w", err)
	}
	var hyprWorkspaces []hyprWorkspace
	if err := json.Unmarshal(out, &hyprWorkspaces); err != nil {
		return nil, fmt.Errorf("failed to parse hyprctl workspaces: %w", err)
	}

	out, err = b.run.Run(ctx, "hyprctl", "monitors", "-j")
	if err != nil {
		return nil, fmt.Errorf("failed to run hyprctl: %w", err)
	}
	var monitors []struct {
		Name            string        `json:"name"`
		Focused         bool          `json:"focused"`
		ActiveWorkspace hyprWorkspace `json:"activeWorkspace"`
	}
	if err := json.Unmarshal(out, &monitors); err != nil {
		return nil, fmt.Errorf("failed to parse hyprctl monitors: %w", err)
	}

	visible := make(map[int]bool)
	focused := -1
	for _, m := range monitors {
		visible[m.ActiveWorkspace.ID] = true
		if m.Focused {
			focused = m.ActiveWorkspace.ID
		}
	}

	workspaces := make([]Workspace, 0, len(hyprWorkspaces))
	for _, hw := range hyprWorkspaces {
		// Special workspaces (scratchpads) have negative ids and follow the monitor
		if hw.ID < 0 {
			continue
		}
		workspaces = append(workspaces, Workspace{
			Name:    hw.Name,
			Output:  hw.Monitor,
			Focused: hw.ID == focused,
			Visible: visible[hw.ID],
		})
	}
	return workspaces, nil
}

func (b *hyprlandBackend) Move(ctx context.Context, workspace, output string) error {
	return b.dispatch(ctx, "moveworkspacetomonitor", "name:"+workspace, output)
}

func (b *hyprlandBackend) Focus(ctx context.Context, workspace string) error {
	return b.dispatch(ctx, "workspace", "name:"+workspace)
}

func (b *hyprlandBackend) dispatch(ctx context.Context, args ...string) error {
	out, err := b.run.Run(ctx, "hyprctl", append([]string{"dispatch"}, args...)...)
	if err != nil {
		return fmt.Errorf("hyprctl dispatch %s failed: %w", args[0], err)
	}
	// hyprctl exits 0 on dispatcher errors and prints the reason instead of ok
	if reply := strings.TrimSpace(string(out)); reply != "ok" {
		return fmt.Errorf("hyprctl dispatch %s: %s", strings.Join(args, " "), reply)
	}
	return nil
}
