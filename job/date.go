package job

import (
	"fmt"
	"strings"
	"time"
)

var strftimeLayouts = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'M': "04",
	'S': "05",
	'j': "002",
	'b': "Jan",
	'B': "January",
	'a': "Mon",
	'A': "Monday",
	'Z': "MST",
	'z': "-0700",
	'%': "%",
}

// Layout converts a strftime format such as "%Y-%m-%d" to a Go time layout.
// Formats without a '%' are returned unchanged and treated as Go layouts.
func Layout(format string) (string, error) {
	if !strings.Contains(format, "%") {
		return format, nil
	}
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(format) {
			return "", fmt.Errorf("format %q ends with a bare %%", format)
		}
		i++
		layout, ok := strftimeLayouts[format[i]]
		if !ok {
			return "", fmt.Errorf("unsupported directive %%%c in %q", format[i], format)
		}
		b.WriteString(layout)
	}
	return b.String(), nil
}

// PartitionDate parses an RFC 3339 timestamp, shifts it by intervalDays
// (negative values look back), and renders it in UTC with format.
func PartitionDate(timestamp, format string, intervalDays int) (string, error) {
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return "", fmt.Errorf("parsing timestamp %q: %w", timestamp, err)
	}
	layout, err := Layout(format)
	if err != nil {
		return "", err
	}
	return ts.UTC().AddDate(0, 0, intervalDays).Format(layout), nil
}
