package ui

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRelativeTime(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero", time.Time{}, "never"},
		{"seconds", now.Add(-30 * time.Second), "just now"},
		{"minutes", now.Add(-5 * time.Minute), "5m ago"},
		{"hours", now.Add(-3 * time.Hour), "3h ago"},
		{"days", now.Add(-49 * time.Hour), "2d ago"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RelativeTime(tc.t))
		})
	}
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0b5fca16", ShortID("0b5fca16-39cb-4d41-8df3-913cd8f4fbae"))
	assert.Equal(t, "short", ShortID("short"))
	assert.Equal(t, "12345678", ShortID("123456789abc"))
}

func TestRenderIconsWithoutColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	assert.Equal(t, "✓", RenderPassIcon())
	assert.Equal(t, "!", RenderWarnIcon())
	assert.Equal(t, "✗", RenderFailIcon())
	assert.Equal(t, "muted", RenderMuted("muted"))
}

func TestAgentModeDisablesStyling(t *testing.T) {
	t.Setenv("FM_AGENT_MODE", "1")
	// CLICOLOR_FORCE would otherwise force ANSI codes on.
	t.Setenv("CLICOLOR_FORCE", "1")

	assert.False(t, ShouldUseColor())
	assert.False(t, ShouldUseEmoji())
	assert.Equal(t, "✓", RenderPassIcon())
	assert.Equal(t, "plain", RenderMuted("plain"))
}

func TestNoEmojiEnv(t *testing.T) {
	t.Setenv("FM_NO_EMOJI", "1")
	assert.False(t, ShouldUseEmoji())
}
