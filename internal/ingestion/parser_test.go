package ingestion

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/cockroachdb/apd/v3"
	"github.com/xuri/excelize/v2"
)

func TestParseCSVInfersTypes(t *testing.T) {
	data := "Name,Col2,Col3,Col4\n\"Alice\",42,true,2025-01-01T12:00:00+08:00\n"
	rows, err := ParseCSV(strings.NewReader(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]

	if row["Name"] != "Alice" {
		t.Fatalf("expected Name=Alice, got %#v", row["Name"])
	}
	num, ok := row["Col2"].(*apd.Decimal)
	if !ok {
		t.Fatalf("expected decimal Col2, got %T", row["Col2"])
	}
	if v, err := num.Int64(); err != nil || v != 42 {
		t.Fatalf("expected 42, got %s", num)
	}
	if row["Col3"] != true {
		t.Fatalf("expected Col3=true, got %#v", row["Col3"])
	}
	if row["Col4"] != "2025-01-01T04:00:00Z" {
		t.Fatalf("expected UTC instant, got %#v", row["Col4"])
	}
}

func TestInferValue(t *testing.T) {
	cases := []struct {
		raw  string
		want any
	}{
		{raw: "TRUE", want: true},
		{raw: "False", want: false},
		{raw: "yes", want: "yes"},
		{raw: "2025-03-04", want: "2025-03-04"},
		{raw: "2025-03-04T10:00:00", want: "2025-03-04T10:00:00"},
		{raw: "2025-03-04T10:00:00Z", want: "2025-03-04T10:00:00Z"},
		{raw: "2025-03-04T10:00:00.5-02:00", want: "2025-03-04T12:00:00.5Z"},
		{raw: "12abc", want: "12abc"},
	}
	for _, tc := range cases {
		if got := InferValue(tc.raw); got != tc.want {
			t.Errorf("InferValue(%q) = %#v, want %#v", tc.raw, got, tc.want)
		}
	}

	for _, raw := range []string{"-3.25", "1e3", ".5", "+7", "10."} {
		if _, ok := InferValue(raw).(*apd.Decimal); !ok {
			t.Errorf("InferValue(%q) should be a number", raw)
		}
	}
}

func TestParseCSVEdgeCases(t *testing.T) {
	data := "\xEF\xBB\xBFfirst name,first-name,note\n" +
		"a,b,\"hello, \"\"world\"\"\"\n" +
		"\n" +
		"c,d,plain\n"
	rows, err := ParseCSV(strings.NewReader(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected blank line skipped, got %d rows", len(rows))
	}
	if rows[0]["first_name"] != "a" || rows[0]["first_name_1"] != "b" {
		t.Fatalf("unexpected normalized headers: %#v", rows[0])
	}
	if rows[0]["note"] != `hello, "world"` {
		t.Fatalf("expected unescaped quoted field, got %#v", rows[0]["note"])
	}
}

func TestParseCSVStrayQuoteStaysText(t *testing.T) {
	rows, err := ParseCSV(strings.NewReader("Name,Size\nAlice,5\" pipe\nBob,7\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["Size"] != `5" pipe` {
		t.Fatalf("expected stray quote kept as text, got %#v", rows[0]["Size"])
	}
	if rows[1]["Name"] != "Bob" {
		t.Fatalf("expected following row intact, got %#v", rows[1])
	}
}

func TestParseCSVEmptyInput(t *testing.T) {
	for _, input := range []string{"", "\xEF\xBB\xBF"} {
		rows, err := ParseCSV(strings.NewReader(input))
		if err != nil || len(rows) != 0 {
			t.Fatalf("expected empty result for %q, got %d rows err=%v", input, len(rows), err)
		}
	}
	rows, err := ParseCSV(nil)
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected empty result for nil reader, got %d rows err=%v", len(rows), err)
	}
	rows, err = ParseCSV(strings.NewReader("a,b\n"))
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected header-only file to yield no rows, got %d err=%v", len(rows), err)
	}
}

func TestRowReaderIsSingleUse(t *testing.T) {
	reader := NewCSVReader(strings.NewReader("a\n1\n2\n"))
	count := 0
	for _, err := range reader.Rows() {
		if err != nil {
			t.Fatalf("row: %v", err)
		}
		count++
		break
	}
	for _, err := range reader.Rows() {
		if err != nil {
			t.Fatalf("row: %v", err)
		}
		count++
	}
	if count != 2 {
		t.Fatalf("expected rows to be consumed once across iterations, got %d", count)
	}
	for range reader.Rows() {
		t.Fatalf("exhausted reader must not yield")
	}
}

func TestParseFileXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	_ = f.SetSheetRow(sheet, "A1", &[]any{"Name", "Amount"})
	_ = f.SetSheetRow(sheet, "A2", &[]any{"Alice", "12.50"})
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	rows, err := ParseFile("upload.XLSX", &buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 1 || rows[0]["Name"] != "Alice" {
		t.Fatalf("unexpected rows: %#v", rows)
	}
	if _, ok := rows[0]["Amount"].(*apd.Decimal); !ok {
		t.Fatalf("expected Amount decimal, got %T", rows[0]["Amount"])
	}
}

func TestParseFileRejectsUnknownExtension(t *testing.T) {
	_, err := ParseFile("data.json", strings.NewReader("{}"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestParsePayload(t *testing.T) {
	body := []byte(`{"data":{"domain_name":"people","policy_id":"p1","uploaded_by":"u9","Full Name":"Alice","amount":12.345678901234567890}}`)
	payload, err := ParsePayload(body)
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.DomainName != "people" || payload.PolicyID != "p1" || payload.UploadedBy != "u9" {
		t.Fatalf("unexpected metadata: %+v", payload)
	}
	if len(payload.Row) != 2 || payload.Row["Full_Name"] != "Alice" {
		t.Fatalf("unexpected row: %#v", payload.Row)
	}
	if got := payload.Row["amount"]; got == nil || got.(interface{ String() string }).String() != "12.345678901234567890" {
		t.Fatalf("expected number kept verbatim, got %#v", got)
	}

	for _, bad := range []string{
		`{}`,
		`{"data":{"policy_id":"p1"}}`,
		`{"data":{"domain_name":"people"}}`,
		`{"data":{"domain_name":" ","policy_id":"p1"}}`,
		`not json`,
	} {
		if _, err := ParsePayload([]byte(bad)); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("ParsePayload(%s): expected ErrInvalidPayload, got %v", bad, err)
		}
	}
}
