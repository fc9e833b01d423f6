package cmd

import (
	"fmt"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// stateIcon maps sidecar states to a terminal glyph.
func stateIcon(state string) string {
	switch state {
	case "running":
		return colorGreen + "✓" + colorReset
	case "disabled":
		return colorRed + "✗" + colorReset
	case "starting", "exited":
		return colorYellow + "⏳" + colorReset
	case "stopped":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeState(state string) string {
	icon := stateIcon(state)
	switch state {
	case "running":
		return icon + " " + colorGreen + state + colorReset
	case "disabled":
		return icon + " " + colorRed + state + colorReset
	case "starting", "exited":
		return icon + " " + colorYellow + state + colorReset
	case "stopped":
		return icon + " " + colorCyan + state + colorReset
	default:
		return state
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
