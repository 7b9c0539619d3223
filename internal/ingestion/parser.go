package ingestion

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/rowstage/internal/domain"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

	numberPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

	// zonedLayouts carry an offset and are normalized to UTC.
	zonedLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04Z07:00",
		"2006-01-02 15:04:05Z07:00",
	}
)

// Row is one parsed record keyed by normalized column name.
type Row map[string]any

// RowReader reads CSV records lazily. It can be consumed once.
type RowReader struct {
	csv      *csv.Reader
	headers  []string
	started  bool
	consumed bool
	err      error
}

// NewCSVReader wraps r. A leading byte-order mark is skipped. A nil reader
// behaves like empty input.
func NewCSVReader(r io.Reader) *RowReader {
	if r == nil {
		r = bytes.NewReader(nil)
	}
	buffered := bufio.NewReader(r)
	if prefix, err := buffered.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = buffered.Discard(len(byteOrderMark))
	}

	reader := csv.NewReader(buffered)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true
	return &RowReader{csv: reader}
}

// Headers returns the normalized header row, reading it if needed. Empty
// input yields no headers and no error.
func (rr *RowReader) Headers() ([]string, error) {
	if rr.started {
		return rr.headers, rr.err
	}
	rr.started = true
	record, err := rr.csv.Read()
	if errors.Is(err, io.EOF) {
		rr.consumed = true
		return nil, nil
	}
	if err != nil {
		rr.err = fmt.Errorf("failed to read csv header: %w", err)
		return nil, rr.err
	}
	rr.headers = domain.NormalizeColumns(record)
	return rr.headers, nil
}

// Next returns the next non-blank row, or io.EOF.
func (rr *RowReader) Next() (Row, error) {
	headers, err := rr.Headers()
	if err != nil {
		return nil, err
	}
	if rr.consumed || len(headers) == 0 {
		return nil, io.EOF
	}
	for {
		record, err := rr.csv.Read()
		if errors.Is(err, io.EOF) {
			rr.consumed = true
			return nil, io.EOF
		}
		if err != nil {
			rr.consumed = true
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		if row, ok := buildRow(headers, record); ok {
			return row, nil
		}
	}
}

// Rows yields every remaining row. Iteration stops after the first error.
func (rr *RowReader) Rows() iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		for {
			row, err := rr.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(row, err) || err != nil {
				return
			}
		}
	}
}

// ParseCSV reads every row of r.
func ParseCSV(r io.Reader) ([]Row, error) {
	var rows []Row
	for row, err := range NewCSVReader(r).Rows() {
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ParseXLSX reads the first sheet of a workbook. Cells are inferred from
// their displayed text the same way CSV fields are.
func ParseXLSX(r io.Reader) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("excel file has no sheets")
	}

	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}

	var headers []string
	var rows []Row
	for _, record := range records {
		if headers == nil {
			if isBlank(record) {
				continue
			}
			headers = domain.NormalizeColumns(record)
			continue
		}
		if row, ok := buildRow(headers, record); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// ParseFile picks the parser by file extension.
func ParseFile(fileName string, r io.Reader) ([]Row, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return ParseCSV(r)
	case ".xlsx":
		return ParseXLSX(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

func buildRow(headers, record []string) (Row, bool) {
	if isBlank(record) {
		return nil, false
	}
	row := make(Row, len(headers))
	for i, name := range headers {
		if i < len(record) {
			row[name] = InferValue(record[i])
		} else {
			row[name] = ""
		}
	}
	return row, true
}

func isBlank(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// InferValue types a raw field: boolean, then decimal number, then
// date/time, then string. Zoned timestamps become UTC RFC 3339 text. Anything
// else, local date-times included, is returned unchanged.
func InferValue(raw string) any {
	value := strings.TrimSpace(raw)
	switch {
	case strings.EqualFold(value, "true"):
		return true
	case strings.EqualFold(value, "false"):
		return false
	}

	if numberPattern.MatchString(value) {
		if d, _, err := apd.NewFromString(value); err == nil {
			return d
		}
	}

	for _, layout := range zonedLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC().Format(time.RFC3339Nano)
		}
	}
	// local dates and times have no zone to normalize against
	return raw
}
