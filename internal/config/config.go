// Package config handles configuration management using Viper
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Mirror MirrorConfig `mapstructure:"mirror"`

	GPU GPUConfig `mapstructure:"gpu"`

	// Control covers --stop and the instance control socket
	Control ControlConfig `mapstructure:"control"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// MirrorConfig holds the defaults applied when the matching flag is not given
type MirrorConfig struct {
	Scale      string `mapstructure:"scale"`      // fit, fill, stretch or center
	Cursor     bool   `mapstructure:"cursor"`     // Draw the pointer on targets
	Workspaces bool   `mapstructure:"workspaces"` // Gather workspaces on the source while mirroring
	Background string `mapstructure:"background"` // Colour of letterbox bars, #rrggbb
	Compositor string `mapstructure:"compositor"` // Force sway, hyprland or none; empty detects
}

// GPUConfig selects the render device
type GPUConfig struct {
	RenderNode string `mapstructure:"render_node"` // Empty picks the first /dev/dri/renderD*
	Buffers    int    `mapstructure:"buffers"`     // Render buffers per target
}

// ControlConfig tunes the stop path
type ControlConfig struct {
	StopTimeout int `mapstructure:"stop_timeout"` // Seconds to wait for an acknowledgement
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	LogLevel string `mapstructure:"log_level"` // Override LOG_LEVEL env var
}

var (
	// DefaultConfig provides sensible defaults
	DefaultConfig = Config{
		Mirror: MirrorConfig{
			Scale:      "fit",
			Cursor:     true,
			Workspaces: true,
			Background: "#000000",
			Compositor: "",
		},
		GPU: GPUConfig{
			RenderNode: "",
			Buffers:    2,
		},
		Control: ControlConfig{
			StopTimeout: 5,
		},
		Logging: LoggingConfig{
			LogLevel: "",
		},
	}

	// Global config instance
	cfg *Config

	// Override config path if set
	configPathOverride string
)

// SetConfigPath allows overriding the config path
func SetConfigPath(path string) {
	configPathOverride = path
}

// Init initializes the configuration system
func Init() error {
	viper.SetConfigName("waymirror")
	viper.SetConfigType("toml")

	if configPathOverride != "" {
		viper.SetConfigFile(configPathOverride)
	} else {
		viper.AddConfigPath(userConfigDir())
		viper.AddConfigPath("/etc/waymirror")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("WAYMIRROR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set defaults - need to set individual fields for proper merging
	viper.SetDefault("mirror.scale", DefaultConfig.Mirror.Scale)
	viper.SetDefault("mirror.cursor", DefaultConfig.Mirror.Cursor)
	viper.SetDefault("mirror.workspaces", DefaultConfig.Mirror.Workspaces)
	viper.SetDefault("mirror.background", DefaultConfig.Mirror.Background)
	viper.SetDefault("mirror.compositor", DefaultConfig.Mirror.Compositor)

	viper.SetDefault("gpu.render_node", DefaultConfig.GPU.RenderNode)
	viper.SetDefault("gpu.buffers", DefaultConfig.GPU.Buffers)

	viper.SetDefault("control.stop_timeout", DefaultConfig.Control.StopTimeout)

	viper.SetDefault("logging.log_level", DefaultConfig.Logging.LogLevel)

	if err := viper.ReadInConfig(); err != nil {
		// An explicit path may not exist yet, for config init
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	loaded := &Config{}
	if err := viper.Unmarshal(loaded); err != nil {
		return fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded

	return nil
}

// Validate checks values that would otherwise fail deep inside a session
func (c *Config) Validate() error {
	switch c.Mirror.Scale {
	case "fit", "fill", "stretch", "center":
	default:
		return fmt.Errorf("invalid mirror.scale %q (want fit, fill, stretch or center)", c.Mirror.Scale)
	}
	switch c.Mirror.Compositor {
	case "", "sway", "hyprland", "none":
	default:
		return fmt.Errorf("invalid mirror.compositor %q (want sway, hyprland or none)", c.Mirror.Compositor)
	}
	if _, err := ParseColor(c.Mirror.Background); err != nil {
		return fmt.Errorf("invalid mirror.background: %w", err)
	}
	if c.GPU.Buffers < 1 || c.GPU.Buffers > 4 {
		return fmt.Errorf("invalid gpu.buffers %d (want 1-4)", c.GPU.Buffers)
	}
	if c.Control.StopTimeout <= 0 {
		return fmt.Errorf("invalid control.stop_timeout %d", c.Control.StopTimeout)
	}
	return nil
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		// Return defaults if not initialized
		return &DefaultConfig
	}
	return cfg
}

// Set sets the current configuration (for testing)
func Set(c *Config) {
	cfg = c
}

// Save writes the current viper state to the config file
func Save() error {
	configPath := GetConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := viper.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// GetConfigPath returns the path to the config file
func GetConfigPath() string {
	if configPathOverride != "" {
		return configPathOverride
	}

	if viper.ConfigFileUsed() != "" {
		return viper.ConfigFileUsed()
	}

	return filepath.Join(userConfigDir(), "waymirror.toml")
}

func userConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "waymirror")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/waymirror"
	}
	return filepath.Join(home, ".config", "waymirror")
}

// ParseColor parses #rrggbb or #rrggbbaa into normalised RGBA components.
func ParseColor(s string) ([4]float32, error) {
	var rgba [4]float32
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) != 6 && len(hex) != 8 {
		return rgba, fmt.Errorf("color %q must be #rrggbb or #rrggbbaa", s)
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseUint(hex[i*2:i*2+2], 16, 8)
		if err != nil {
			return rgba, fmt.Errorf("color %q: %w", s, err)
		}
		rgba[i] = float32(v) / 255
	}
	return rgba, nil
}
