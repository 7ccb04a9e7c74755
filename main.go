package main

import (
	"os"

	"github.com/bnema/waymirror/cmd"
)

// Set via -ldflags at build time
var (
	version = "0.1.0-dev"
	commit  = ""
	date    = ""
)

func main() {
	cmd.Version, cmd.Commit, cmd.Date = version, commit, date
	os.Exit(cmd.Execute())
}
