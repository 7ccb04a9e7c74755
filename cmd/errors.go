package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/bnema/waymirror/internal/display"
	"github.com/bnema/waymirror/internal/instance"
	"github.com/bnema/waymirror/internal/ipc"
	"github.com/bnema/waymirror/internal/output"
	"github.com/bnema/waymirror/internal/ui"
)

// Exit codes
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitUsage          = 2
	ExitAlreadyRunning = 3
	ExitNotFound       = 4
	ExitUnsupported    = 5
	ExitNotRunning     = 6
)

// ExitError carries an exit code. A nil Err exits quietly, for outcomes
// that were already reported.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func usageError(err error) error {
	return &ExitError{Code: ExitUsage, Err: err}
}

// ExitCode maps an error returned by a command to the process exit code
func ExitCode(err error) int {
	var exitErr *ExitError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &exitErr):
		return exitErr.Code
	case errors.Is(err, instance.ErrAlreadyRunning):
		return ExitAlreadyRunning
	case errors.Is(err, output.ErrOutputNotFound):
		return ExitNotFound
	case errors.Is(err, display.ErrUnsupported):
		return ExitUnsupported
	case errors.Is(err, ipc.ErrNotRunning):
		return ExitNotRunning
	default:
		return ExitFailure
	}
}

// report prints err unless it is a quiet ExitError
func report(w io.Writer, err error) {
	if err == nil {
		return
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Err == nil {
		return
	}

	fmt.Fprintln(w, ui.ErrorStyle.Render("Error: ")+err.Error())
	switch ExitCode(err) {
	case ExitAlreadyRunning:
		fmt.Fprintln(w, ui.InfoStyle.Render("  Stop it first with: waymirror --stop"))
	case ExitNotFound:
		fmt.Fprintln(w, ui.InfoStyle.Render("  See available outputs with: waymirror --list"))
	case ExitUnsupported:
		fmt.Fprintln(w, ui.InfoStyle.Render("  waymirror needs a wlroots compositor such as sway or Hyprland"))
	}
}
