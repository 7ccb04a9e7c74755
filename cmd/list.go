package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/bnema/waymirror/internal/display"
	"github.com/bnema/waymirror/internal/instance"
	"github.com/bnema/waymirror/internal/logger"
	"github.com/bnema/waymirror/internal/output"
	"github.com/bnema/waymirror/internal/ui"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// listOutputs prints the outputs announced by the compositor
func listOutputs(ctx context.Context, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d, err := display.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to compositor: %w", err)
	}
	defer d.Close()

	var markers []instance.Marker
	if store, err := instance.NewStore(instance.Dir()); err == nil {
		if markers, err = store.List(); err != nil {
			logger.Debug("Failed to read instance markers", "error", err)
		}
	}

	fmt.Fprintln(w, renderOutputs(d.Outputs.All(), markers))
	return nil
}

// usage describes what running instances do with an output
func usage(name string, markers []instance.Marker) string {
	for _, m := range markers {
		if m.Source == name {
			return fmt.Sprintf("source (pid %d)", m.PID)
		}
		for _, t := range m.Targets {
			if t == name {
				return fmt.Sprintf("target (pid %d)", m.PID)
			}
		}
	}
	return ""
}

func renderOutputs(outputs []output.Output, markers []instance.Marker) string {
	var out strings.Builder
	out.WriteString(ui.FormatAppHeader("OUTPUTS", fmt.Sprintf("%d connected", len(outputs))))
	out.WriteString("\n\n")

	if len(outputs) == 0 {
		out.WriteString(ui.MutedStyle.Italic(true).Render("No outputs announced by the compositor"))
		return out.String()
	}

	rows := make([][]string, 0, len(outputs))
	for _, o := range outputs {
		w, h := o.Size()
		rows = append(rows, []string{
			o.Name,
			o.Description,
			fmt.Sprintf("%dx%d", w, h),
			fmt.Sprintf("%d", o.Scale),
			fmt.Sprintf("%d,%d", o.X, o.Y),
			usage(o.Name, markers),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ui.ColorSubtle)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return ui.TableHeaderStyle
			case col == 0:
				return ui.TableNameStyle
			case col == 5 && rows[row][5] != "":
				return ui.TableActiveStyle
			default:
				return ui.TableRowStyle
			}
		}).
		Headers("NAME", "DESCRIPTION", "SIZE", "SCALE", "POSITION", "MIRROR").
		Rows(rows...)

	out.WriteString(t.String())
	out.WriteString("\n")
	out.WriteString(ui.SubtleStyle.Render("Start mirroring with: waymirror <NAME> [--to <NAME>]"))
	return out.String()
}
