package ui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func render(style lipgloss.Style, s string) string {
	if !ShouldUseColor() {
		return s
	}
	return style.Render(s)
}

// icon picks the emoji or plain marker per terminal capabilities.
func icon(emoji, plain string) string {
	if ShouldUseEmoji() {
		return emoji
	}
	return plain
}

// RenderPassIcon returns the success marker.
func RenderPassIcon() string { return render(passStyle, icon("✅", "✓")) }

// RenderWarnIcon returns the warning marker.
func RenderWarnIcon() string { return render(warnStyle, icon("⚠️", "!")) }

// RenderFailIcon returns the failure marker.
func RenderFailIcon() string { return render(failStyle, icon("❌", "✗")) }

// RenderMuted renders s in the muted style.
func RenderMuted(s string) string { return render(mutedStyle, s) }

// RelativeTime formats t as a coarse human-readable age ("5m ago").
func RelativeTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < 0:
		return "in the future"
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// ShortenPath replaces the home directory prefix with ~.
func ShortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + strings.TrimPrefix(path, home)
	}
	return path
}

// ShortID trims a UUID to its first segment for compact listings.
func ShortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
