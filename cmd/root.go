package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bnema/waymirror/internal/config"
	"github.com/bnema/waymirror/internal/display"
	"github.com/bnema/waymirror/internal/instance"
	"github.com/bnema/waymirror/internal/logger"
	"github.com/bnema/waymirror/internal/mirror"
	"github.com/bnema/waymirror/internal/render"
	"github.com/bnema/waymirror/internal/ui"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// Version info set by main package
	Version = "0.1.0-dev"
	Commit  string
	Date    string
)

// rootFlags holds the mirror flags. Unset flags fall back to the config file.
type rootFlags struct {
	targets    []string
	list       bool
	scale      string
	workspaces bool
	cursor     bool
	stop       bool
	configPath string
	logLevel   string
}

var flags rootFlags

var rootCmd = &cobra.Command{
	Use:   "waymirror [SOURCE]",
	Short: "Mirror a Wayland output onto other outputs",
	Long: `Waymirror shows the content of one output (SOURCE) on one or more other
outputs of a wlroots compositor. Frames are exported by the compositor as
dmabufs and drawn on the GPU into overlay surfaces, without pixel copies.

Without --to every other output is a target, including outputs connected
while mirroring. Workspaces are gathered on SOURCE and put back on stop.`,
	Example: `  waymirror eDP-1
  waymirror eDP-1 --to HDMI-A-1 --scale fill
  waymirror --list
  waymirror --stop`,
	Args:              sourceArgs,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
	RunE:              runRoot,
}

// Execute runs the root command and returns the process exit code
func Execute() int {
	rootCmd.Version = Version
	err := rootCmd.Execute()
	report(os.Stderr, err)
	return ExitCode(err)
}

func init() {
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s\n" .Version}}`)
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})

	registerFlags(rootCmd.Flags(), &flags)
	_ = rootCmd.RegisterFlagCompletionFunc("scale", completeModes)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Config file (default ~/.config/waymirror/waymirror.toml)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn or error")
}

func registerFlags(fs *pflag.FlagSet, f *rootFlags) {
	fs.StringArrayVarP(&f.targets, "to", "t", nil, "Target output, repeatable (default: every other output)")
	fs.BoolVarP(&f.list, "list", "l", false, "List outputs and exit")
	fs.StringVarP(&f.scale, "scale", "s", render.Fit.String(), "Scaling mode: "+strings.Join(render.Modes(), ", "))
	fs.BoolVarP(&f.workspaces, "workspaces", "w", true, "Gather workspaces on SOURCE while mirroring")
	fs.BoolVar(&f.cursor, "cursor", true, "Show the pointer on targets")
	fs.BoolVar(&f.stop, "stop", false, "Stop the running instance")
}

func completeModes(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return render.Modes(), cobra.ShellCompDirectiveNoFileComp
}

func sourceArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 1 {
		return usageError(fmt.Errorf("expected one SOURCE output, got %d", len(args)))
	}
	return nil
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if flags.configPath != "" {
		config.SetConfigPath(flags.configPath)
	}
	if err := config.Init(); err != nil {
		return err
	}

	logger.ApplyLevel(config.Get().Logging.LogLevel)
	if flags.logLevel != "" && !logger.SetLevel(flags.logLevel) {
		return usageError(fmt.Errorf("unknown log level %q", flags.logLevel))
	}
	return nil
}

func runRoot(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	if flags.list {
		return listOutputs(cmd.Context(), cmd.OutOrStdout())
	}
	if flags.stop {
		if len(args) > 0 {
			return usageError(errors.New("--stop takes no SOURCE"))
		}
		return newStopper(cmd.OutOrStdout(), cfg).stopAll(cmd.Context())
	}

	var source string
	if len(args) == 1 {
		source = args[0]
	} else {
		picked, err := pickSource(cmd.Context())
		if err != nil {
			return err
		}
		source = picked
	}

	opts, err := buildOptions(cmd.Flags(), &flags, cfg, source)
	if err != nil {
		return err
	}
	return runMirror(cmd.Context(), opts)
}

// buildOptions merges flags over the config file
func buildOptions(fs *pflag.FlagSet, f *rootFlags, cfg *config.Config, source string) (mirror.Options, error) {
	opts := mirror.Options{
		Source:     source,
		Targets:    f.targets,
		Cursor:     cfg.Mirror.Cursor,
		Workspaces: cfg.Mirror.Workspaces,
		Buffers:    cfg.GPU.Buffers,
		RenderNode: cfg.GPU.RenderNode,
		RuntimeDir: instance.Dir(),
	}

	scale := cfg.Mirror.Scale
	if fs.Changed("scale") {
		scale = f.scale
	}
	mode, err := render.ParseMode(scale)
	if err != nil {
		return opts, usageError(err)
	}
	opts.Mode = mode

	if fs.Changed("cursor") {
		opts.Cursor = f.cursor
	}
	if fs.Changed("workspaces") {
		opts.Workspaces = f.workspaces
	}

	for _, t := range opts.Targets {
		if t == source {
			return opts, usageError(fmt.Errorf("output %s cannot mirror itself", source))
		}
	}

	bg, err := config.ParseColor(cfg.Mirror.Background)
	if err != nil {
		return opts, err
	}
	opts.Background = bg

	kind, err := display.ParseKind(cfg.Mirror.Compositor)
	if err != nil {
		return opts, err
	}
	opts.Compositor = kind
	return opts, nil
}

// runMirror runs a session until it stops or a signal arrives
func runMirror(parent context.Context, opts mirror.Options) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	session, err := mirror.Start(ctx, opts)
	if err != nil {
		return err
	}
	if err := session.Run(ctx); err != nil {
		return err
	}
	fmt.Println(ui.SuccessStyle.Render(ui.IconSuccess) + " Mirror stopped")
	return nil
}
