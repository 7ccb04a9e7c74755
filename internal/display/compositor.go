package display

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Kind identifies the running compositor for features outside the
// Wayland protocols, such as workspace control and cursor queries.
type Kind string

const (
	KindUnknown  Kind = ""
	KindNone     Kind = "none"
	KindSway     Kind = "sway"
	KindHyprland Kind = "hyprland"
	KindRiver    Kind = "river"
	KindWayfire  Kind = "wayfire"
)

func (k Kind) String() string {
	if k == KindUnknown {
		return "unknown"
	}
	return string(k)
}

// ParseKind parses a configured compositor override. Empty means detect.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindUnknown, KindNone, KindSway, KindHyprland, KindRiver, KindWayfire:
		return k, nil
	}
	return KindUnknown, fmt.Errorf("unknown compositor %q (want sway, hyprland or none)", s)
}

// DetectKind inspects the environment and running processes
func DetectKind() Kind {
	return detector{getenv: getEnv, running: isProcessRunning}.detect()
}

type detector struct {
	getenv  func(string) string
	running func(string) bool
}

func (d detector) detect() Kind {
	// Sockets are the most reliable hint, they point at this session
	if d.getenv("SWAYSOCK") != "" {
		return KindSway
	}
	if d.getenv("HYPRLAND_INSTANCE_SIGNATURE") != "" {
		return KindHyprland
	}

	if desktop := d.getenv("XDG_CURRENT_DESKTOP"); desktop != "" {
		for _, part := range strings.Split(desktop, ":") {
			switch strings.ToLower(part) {
			case "hyprland":
				return KindHyprland
			case "sway":
				return KindSway
			case "river":
				return KindRiver
			case "wayfire":
				return KindWayfire
			}
		}
	}

	// Check running processes
	processes := []struct {
		name string
		kind Kind
	}{
		{"sway", KindSway},
		{"Hyprland", KindHyprland},
		{"river", KindRiver},
		{"wayfire", KindWayfire},
	}
	for _, p := range processes {
		if d.running(p.name) {
			return p.kind
		}
	}

	return KindUnknown
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func isProcessRunning(name string) bool {
	cmd := exec.Command("pgrep", "-x", name)
	err := cmd.Run()
	return err == nil
}
