package ui

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether stdout is a TTY.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// IsAgentMode reports whether the CLI should keep output compact and
// unstyled for machine consumers (FM_AGENT_MODE=1).
func IsAgentMode() bool {
	return os.Getenv("FM_AGENT_MODE") == "1"
}

// ShouldUseColor reports whether to emit ANSI color. Follows the NO_COLOR
// (https://no-color.org/) and CLICOLOR conventions; agent mode disables
// styling outright.
func ShouldUseColor() bool {
	switch {
	case IsAgentMode():
		return false
	case envSet("NO_COLOR"):
		return false
	case os.Getenv("CLICOLOR") == "0":
		return false
	case envSet("CLICOLOR_FORCE"):
		return true
	}
	return IsTerminal()
}

// ShouldUseEmoji reports whether to decorate output with emoji markers.
// Off in agent mode, under FM_NO_EMOJI, and for non-TTY output so piped
// listings stay machine-readable.
func ShouldUseEmoji() bool {
	if IsAgentMode() || envSet("FM_NO_EMOJI") {
		return false
	}
	return IsTerminal()
}

func envSet(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}
