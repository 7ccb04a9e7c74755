package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bnema/waymirror/internal/config"
	"github.com/bnema/waymirror/internal/instance"
	"github.com/bnema/waymirror/internal/ipc"
	"github.com/bnema/waymirror/internal/ui"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show running mirror sessions",
	Long:  `Query every running waymirror instance over its control socket and show what it mirrors.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := instance.NewStore(instance.Dir())
		if err != nil {
			return err
		}
		markers, err := store.List()
		if err != nil {
			return fmt.Errorf("failed to read instance markers: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(markers) == 0 {
			fmt.Fprintln(out, ui.WarningStyle.Render("waymirror is not running"))
			return &ExitError{Code: ExitNotRunning}
		}

		timeout := time.Duration(config.Get().Control.StopTimeout) * time.Second
		fmt.Fprintln(out, ui.FormatAppHeader("STATUS", fmt.Sprintf("%d running", len(markers))))
		for _, m := range markers {
			status, err := ipc.NewClient(m.Socket, timeout).SendStatus()
			fmt.Fprintln(out)
			writeStatus(out, m, status, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// writeStatus renders one instance. Without an answer only the marker is
// shown.
func writeStatus(w io.Writer, m instance.Marker, status *ipc.Status, err error) {
	var b strings.Builder
	b.WriteString(ui.FormatRoute(m.Source, m.Targets))
	b.WriteString("\n\n")
	b.WriteString(ui.FormatField("PID", fmt.Sprintf("%d", m.PID)))
	b.WriteString("\n")

	if err != nil || status == nil {
		b.WriteString(ui.FormatField("Started", m.Started.Format(time.DateTime)))
		b.WriteString("\n")
		b.WriteString(ui.ErrorStyle.Render(ui.IconError + " control socket not answering"))
		if err != nil {
			b.WriteString(ui.SubtleStyle.Render(": " + err.Error()))
		}
		fmt.Fprintln(w, ui.BoxStyle.Render(b.String()))
		return
	}

	b.WriteString(ui.FormatField("State", ui.FormatState(status.State)))
	b.WriteString("\n")
	b.WriteString(ui.FormatField("Scale", status.Mode))
	b.WriteString("\n")
	b.WriteString(ui.FormatField("Cursor", onOff(status.Cursor)))
	b.WriteString("\n")
	b.WriteString(ui.FormatField("Workspaces", onOff(status.Workspaces)))
	b.WriteString("\n")
	b.WriteString(ui.FormatField("Uptime", time.Since(status.Started).Truncate(time.Second).String()))
	b.WriteString("\n")
	b.WriteString(ui.FormatField("Frames", fmt.Sprintf("%d (%d dropped)", status.Frames, status.Dropped)))
	fmt.Fprintln(w, ui.BoxStyle.Render(b.String()))
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
