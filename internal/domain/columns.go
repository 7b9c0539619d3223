package domain

import (
	"fmt"
	"regexp"
)

var illegalColumnChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// NormalizeColumnName replaces every character outside [A-Za-z0-9_] with an
// underscore.
func NormalizeColumnName(raw string) string {
	return illegalColumnChars.ReplaceAllString(raw, "_")
}

// NormalizeColumns normalizes a header row. Names that collide with an
// earlier column get _1, _2, ... appended in first-seen order; empty names
// become column_<position>.
func NormalizeColumns(raw []string) []string {
	headers := make([]string, len(raw))
	taken := make(map[string]bool, len(raw))
	suffix := make(map[string]int)

	for idx, value := range raw {
		name := NormalizeColumnName(value)
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		candidate := name
		for taken[candidate] {
			suffix[name]++
			candidate = fmt.Sprintf("%s_%d", name, suffix[name])
		}
		taken[candidate] = true
		headers[idx] = candidate
	}

	return headers
}
