package utils

import (
	"fmt"
	"time"
)

// ByteCountDecimal convierte bytes a formato humano (base 1000).
func ByteCountDecimal(b int64) string {
	const unit = 1000
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "kMGTPE"[exp])
}

// FormatTimestamp muestra la fecha de modificación en formato legible.
func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}
