package cmd

import (
	"fmt"
	"os"

	"github.com/bnema/waymirror/internal/config"
	"github.com/bnema/waymirror/internal/ui"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage waymirror configuration",
	Long:  `Show or create the configuration file holding the defaults for mirror flags.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, ui.FormatAppHeader("CONFIG", config.GetConfigPath()))
		fmt.Fprintln(out)

		fmt.Fprintln(out, ui.SubheaderStyle.Render("[mirror]"))
		fmt.Fprintln(out, ui.FormatField("scale", cfg.Mirror.Scale))
		fmt.Fprintln(out, ui.FormatField("cursor", fmt.Sprint(cfg.Mirror.Cursor)))
		fmt.Fprintln(out, ui.FormatField("workspaces", fmt.Sprint(cfg.Mirror.Workspaces)))
		fmt.Fprintln(out, ui.FormatField("background", cfg.Mirror.Background))
		fmt.Fprintln(out, ui.FormatField("compositor", valueOr(cfg.Mirror.Compositor, "detect")))

		fmt.Fprintln(out, ui.SubheaderStyle.Render("\n[gpu]"))
		fmt.Fprintln(out, ui.FormatField("render_node", valueOr(cfg.GPU.RenderNode, "auto")))
		fmt.Fprintln(out, ui.FormatField("buffers", fmt.Sprint(cfg.GPU.Buffers)))

		fmt.Fprintln(out, ui.SubheaderStyle.Render("\n[control]"))
		fmt.Fprintln(out, ui.FormatField("stop_timeout", fmt.Sprintf("%ds", cfg.Control.StopTimeout)))

		fmt.Fprintln(out, ui.SubheaderStyle.Render("\n[logging]"))
		fmt.Fprintln(out, ui.FormatField("log_level", valueOr(cfg.Logging.LogLevel, "info")))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file with defaults",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		configPath := config.GetConfigPath()
		if _, err := os.Stat(configPath); err == nil {
			force, _ := cmd.Flags().GetBool("force")
			if !force {
				fmt.Fprintf(out, "Configuration file already exists at: %s\n", configPath)
				fmt.Fprintln(out, ui.SubtleStyle.Render("Use --force to overwrite"))
				return nil
			}
		}

		if err := config.Save(); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s Configuration initialized at: %s\n", ui.SuccessStyle.Render(ui.IconSuccess), configPath)
		return nil
	},
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().Bool("force", false, "Force overwrite existing configuration")

	rootCmd.AddCommand(configCmd)
}
