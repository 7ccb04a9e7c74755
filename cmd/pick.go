package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/bnema/waymirror/internal/display"
	"github.com/bnema/waymirror/internal/output"
	"github.com/charmbracelet/huh"
	"golang.org/x/sys/unix"
)

var errNoSource = errors.New("missing SOURCE output; run 'waymirror --list' to see the outputs")

// pickSource asks for the source output on an interactive terminal
func pickSource(ctx context.Context) (string, error) {
	if !isTerminal(os.Stdin) || !isTerminal(os.Stdout) {
		return "", usageError(errNoSource)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d, err := display.Connect(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to connect to compositor: %w", err)
	}
	outputs := d.Outputs.All()
	d.Close()

	if len(outputs) < 2 {
		return "", fmt.Errorf("need at least two outputs to mirror, found %d", len(outputs))
	}

	var source string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Output to mirror").
				Description("Its content is shown on the other outputs").
				Options(sourceOptions(outputs)...).
				Value(&source),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", &ExitError{Code: ExitUsage}
		}
		return "", fmt.Errorf("output selection failed: %w", err)
	}
	return source, nil
}

func sourceOptions(outputs []output.Output) []huh.Option[string] {
	options := make([]huh.Option[string], len(outputs))
	for i, o := range outputs {
		options[i] = huh.NewOption(o.String(), o.Name)
	}
	return options
}

func isTerminal(f *os.File) bool {
	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	return err == nil
}
