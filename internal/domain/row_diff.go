package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/apd/v3"

	"github.com/rpattn/rowstage/internal/typedvalue"
)

// RowSnapshot is the minimal view of a staging row used to render edit diffs.
type RowSnapshot struct {
	ID          string
	FileID      string
	IsHandled   bool
	IsProcessed bool
	Columns     map[string]any
}

// NewRowSnapshot captures the current state of a stored item.
func NewRowSnapshot(item typedvalue.Item) RowSnapshot {
	row := StagingRowFromItem(item)
	return RowSnapshot{
		ID:          row.ID,
		FileID:      row.FileID,
		IsHandled:   row.IsHandled,
		IsProcessed: row.IsProcessed,
		Columns:     row.Columns,
	}
}

// Lines flattens the snapshot into sorted "key: value" lines.
func (s RowSnapshot) Lines() []string {
	lines := []string{
		"id: " + s.ID,
		"file_id: " + s.FileID,
		fmt.Sprintf("is_handled: %t", s.IsHandled),
		fmt.Sprintf("is_processed: %t", s.IsProcessed),
		"columns:",
	}

	flat := map[string]string{}
	for key, value := range s.Columns {
		flattenValue(key, value, flat)
	}
	if len(flat) == 0 {
		return append(lines, "  (empty)")
	}

	keys := make([]string, 0, len(flat))
	for key := range flat {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		lines = append(lines, "  "+key+": "+flat[key])
	}
	return lines
}

// DiffRowSnapshots renders a unified-style line diff between two snapshots.
func DiffRowSnapshots(before, after RowSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s (before)\n", before.ID)
	fmt.Fprintf(&b, "+++ %s (after)\n", after.ID)
	for _, op := range diffLines(before.Lines(), after.Lines()) {
		b.WriteString(op)
		b.WriteByte('\n')
	}
	return b.String()
}

func flattenValue(prefix string, value any, acc map[string]string) {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			acc[prefix] = "{}"
			return
		}
		for key, item := range typed {
			flattenValue(prefix+"."+key, item, acc)
		}
	case []any:
		if len(typed) == 0 {
			acc[prefix] = "[]"
			return
		}
		for idx, item := range typed {
			flattenValue(fmt.Sprintf("%s[%d]", prefix, idx), item, acc)
		}
	case nil:
		acc[prefix] = "null"
	case *apd.Decimal:
		acc[prefix] = typed.String()
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			acc[prefix] = fmt.Sprintf("%v", typed)
			return
		}
		acc[prefix] = string(encoded)
	}
}

// diffLines returns the lines of an LCS alignment prefixed with " ", "-" or "+".
func diffLines(base, target []string) []string {
	m, n := len(base), len(target)
	lcs := make([][]int, m+1)
	for i := range lcs {
		lcs[i] = make([]int, n+1)
	}
	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			switch {
			case base[i] == target[j]:
				lcs[i][j] = lcs[i+1][j+1] + 1
			case lcs[i+1][j] >= lcs[i][j+1]:
				lcs[i][j] = lcs[i+1][j]
			default:
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	out := make([]string, 0, m+n)
	i, j := 0, 0
	for i < m || j < n {
		switch {
		case i < m && j < n && base[i] == target[j]:
			out = append(out, " "+base[i])
			i++
			j++
		case j >= n || (i < m && lcs[i+1][j] >= lcs[i][j+1]):
			out = append(out, "-"+base[i])
			i++
		default:
			out = append(out, "+"+target[j])
			j++
		}
	}
	return out
}
