// Command overstory watches and reconciles a fleet of tmux-hosted agents.
package main

import "github.com/jpbrule-del/overstory/internal/cmd"

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.Execute(version, commit, date)
}
