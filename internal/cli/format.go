package cli

import (
	"fmt"
	"time"
)

// FormatDurationShort renders d as M:SS, or H:MM:SS past an hour.
func FormatDurationShort(d time.Duration) string {
	s := int(d.Round(time.Second).Seconds())
	if s >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", s/3600, s%3600/60, s%60)
	}
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}

// FormatProgress renders one progress line: percentage, stage and elapsed time.
func FormatProgress(fraction float64, desc string, elapsed time.Duration) string {
	fraction = min(max(fraction, 0), 1)
	return fmt.Sprintf("[%3.0f%%] %s (%s)", fraction*100, desc, FormatDurationShort(elapsed))
}

// FormatBytes renders a size with a binary unit, e.g. 12.3 MiB.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 4; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTP"[exp])
}
