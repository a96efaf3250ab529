package monitor

import (
	"fmt"
	"strings"
	"time"
)

// FormatElapsed renders d as HH:MM:SS. Negative durations read as zero.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}

// Headline is the session line: the name, or "Analysing" while a sample
// is being taken.
func Headline(s Snapshot) string {
	if s.State.IsAnalysing() {
		return "Analysing"
	}
	return s.State.Name
}

// StatusText renders the status panel in tview color tags.
func StatusText(s Snapshot, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n  [yellow]%s[white]  (%s)\n\n", Headline(s), s.Role)

	elapsed := "--:--:--"
	if !s.Started.IsZero() {
		elapsed = FormatElapsed(now.Sub(s.Started))
	}
	fmt.Fprintf(&b, "  Elapsed:     [yellow]%s[white]\n", elapsed)
	fmt.Fprintf(&b, "  State:       %s\n\n", s.State.Phase)

	if s.HasBPM {
		fmt.Fprintf(&b, "  [red]♥[white] Heart Rate: [yellow]%d[white] bpm\n", s.BPM)
	} else {
		b.WriteString("  [red]♥[white] Heart Rate: [gray]--[white]\n")
	}
	if s.HasSpeed {
		fmt.Fprintf(&b, "  [blue]»[white] Speed:      [yellow]%.2f[white]\n", s.Speed)
	} else {
		b.WriteString("  [blue]»[white] Speed:      [gray]--[white]\n")
	}

	if s.HasLastResult {
		fmt.Fprintf(&b, "\n  Last sample: %s set %d\n", s.LastResult.ExerciseLogID, s.LastResult.SetIndex)
	}
	return b.String()
}
