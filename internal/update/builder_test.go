package update

import (
	"testing"
	"time"

	"github.com/rpattn/rowstage/internal/domain"
	"github.com/rpattn/rowstage/internal/typedvalue"
)

var fixedNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestBuilder() *Builder {
	return New(func() time.Time { return fixedNow })
}

func TestBuildUpdateIsMinimal(t *testing.T) {
	current := typedvalue.Item{
		"id": typedvalue.String("r1"),
		"a":  typedvalue.String("foo"),
		"b":  typedvalue.IntNumber(1),
	}
	b := newTestBuilder()

	plan := b.BuildUpdate(map[string]any{"a": "foo", "b": 1}, current)
	if !plan.Empty() || plan.Changed != 0 {
		t.Fatalf("expected empty plan, got %v", plan.Fragments())
	}

	plan = b.BuildUpdate(map[string]any{"a": "foo", "b": 2}, current)
	if plan.Changed != 1 {
		t.Fatalf("expected one changed field, got %d", plan.Changed)
	}
	if plan.Assignments[0].Attribute != "b" {
		t.Fatalf("expected first assignment for b, got %+v", plan.Assignments[0])
	}
	value, _ := plan.Lookup("b")
	if !typedvalue.Equal(value, typedvalue.IntNumber(2)) {
		t.Fatalf("expected b=2, got %#v", value)
	}
}

func TestBuildUpdateNumericEqualityIgnoresFormatting(t *testing.T) {
	current := typedvalue.Item{"price": typedvalue.MustNumber("1.50")}
	plan := newTestBuilder().BuildUpdate(map[string]any{"price": "1.5"}, current)
	// "1.5" is a string, the stored value is a number.
	if plan.Changed != 1 {
		t.Fatalf("expected string/number mismatch to count as a change")
	}
	plan = newTestBuilder().BuildUpdate(map[string]any{"price": 1.5}, current)
	if plan.Changed != 0 {
		t.Fatalf("expected 1.5 == 1.50, got %v", plan.Fragments())
	}
}

func TestBuildUpdateInvalidatesProcessingState(t *testing.T) {
	current := typedvalue.Item{
		"id":                   typedvalue.String("r1"),
		"name":                 typedvalue.String("Alice"),
		domain.AttrIsProcessed: domain.FlagSet,
		domain.AttrIsHandled:   domain.FlagSet,
		domain.AttrClaimedAt:   typedvalue.String("2025-01-01T00:00:00Z"),
		domain.AttrProcessedAt: typedvalue.String("2025-01-01T00:01:00Z"),
	}
	plan := newTestBuilder().BuildUpdate(map[string]any{
		"name":               "Bob",
		domain.AttrIsHandled: 1,
	}, current)

	checks := map[string]typedvalue.Value{
		"name":                 typedvalue.String("Bob"),
		domain.AttrIsProcessed: domain.FlagUnset,
		domain.AttrIsHandled:   domain.FlagUnset,
		domain.AttrProcessedAt: typedvalue.String(""),
		domain.AttrClaimedAt:   typedvalue.String(""),
		domain.AttrUpdatedDate: typedvalue.String(domain.FormatTimestamp(fixedNow)),
	}
	for attr, want := range checks {
		got, ok := plan.Lookup(attr)
		if !ok {
			t.Fatalf("plan missing %s: %v", attr, plan.Fragments())
		}
		if !typedvalue.Equal(got, want) {
			t.Fatalf("%s: expected %#v, got %#v", attr, want, got)
		}
	}
	if plan.Changed != 1 {
		t.Fatalf("reset attributes must not count as changes, got %d", plan.Changed)
	}

	applied := plan.Apply(current)
	row := domain.StagingRowFromItem(applied)
	if row.IsHandled || row.IsProcessed {
		t.Fatalf("expected flags cleared, got %+v", row)
	}
}

func TestBuildUpdateIgnoresID(t *testing.T) {
	current := typedvalue.Item{"id": typedvalue.String("r1")}
	plan := newTestBuilder().BuildUpdate(map[string]any{"id": "other"}, current)
	if !plan.Empty() {
		t.Fatalf("id must never be rewritten, got %v", plan.Fragments())
	}
}

func TestBuildHeaderUpdate(t *testing.T) {
	header := domain.HeaderRecord{
		ID:           "h1",
		FileName:     "a.csv",
		DomainName:   "people",
		ProcessStage: domain.StageCompleted,
		FileStatus:   domain.FileStatusCompleted,
		IsProcessed:  true,
	}
	current := header.Item()
	b := newTestBuilder()

	if plan := b.BuildHeaderUpdate(map[string]any{domain.AttrFileName: "a.csv"}, current); !plan.Empty() {
		t.Fatalf("expected no-op plan, got %v", plan.Fragments())
	}

	plan := b.BuildHeaderUpdate(map[string]any{domain.AttrFileName: "b.csv"}, current)
	decoded, err := domain.HeaderRecordFromItem(plan.Apply(current))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.FileName != "b.csv" || decoded.ProcessStage != domain.StageUnprocessed ||
		decoded.FileStatus != domain.FileStatusUploaded || decoded.IsProcessed {
		t.Fatalf("unexpected header after update: %+v", decoded)
	}
	if !decoded.UpdatedDate.Equal(fixedNow) {
		t.Fatalf("expected updated_date %s, got %s", fixedNow, decoded.UpdatedDate)
	}
}

func TestBuildRollbackRestoresSnapshot(t *testing.T) {
	before := typedvalue.Item{
		"id":                 typedvalue.String("r1"),
		"name":               typedvalue.String("Alice"),
		"age":                typedvalue.IntNumber(30),
		domain.AttrIsHandled: domain.FlagSet,
	}
	b := newTestBuilder()
	edit := b.BuildUpdate(map[string]any{"name": "Bob", "nickname": "B"}, before)
	after := edit.Apply(before)

	rollback := b.BuildRollback(before, after)
	if rollback.Changed == 0 {
		t.Fatalf("expected rollback assignments")
	}
	if _, ok := rollback.Lookup("age"); ok {
		t.Fatalf("unchanged field must not be in rollback plan")
	}
	restored := rollback.Apply(after)
	if name, _ := restored.Text("name"); name != "Alice" {
		t.Fatalf("expected name restored, got %q", name)
	}
	if !typedvalue.Equal(restored[domain.AttrIsHandled], domain.FlagSet) {
		t.Fatalf("expected is_handled restored")
	}
	if _, isNull := restored["nickname"].(typedvalue.Null); !isNull {
		t.Fatalf("expected added field cleared, got %#v", restored["nickname"])
	}
}

func TestBuildRollbackLeavesSetAttributesAlone(t *testing.T) {
	stored := typedvalue.Item{
		"id":     typedvalue.String("r1"),
		"tags":   typedvalue.StringSet{"a", "b"},
		"scores": typedvalue.NumberSet{typedvalue.IntNumber(1)},
		"blobs":  typedvalue.BinarySet{[]byte("x")},
	}

	b := newTestBuilder()
	if plan := b.BuildRollback(stored, stored); !plan.Empty() {
		t.Fatalf("expected no assignments for an unchanged item, got %v", plan.Fragments())
	}

	edit := b.BuildUpdate(map[string]any{"tags": typedvalue.StringSet{"c"}}, stored)
	after := edit.Apply(stored)
	rollback := b.BuildRollback(stored, after)
	restored := rollback.Apply(after)
	for _, attr := range []string{"tags", "scores", "blobs"} {
		if !typedvalue.Equal(stored[attr], restored[attr]) {
			t.Fatalf("expected %s restored to %#v, got %#v", attr, stored[attr], restored[attr])
		}
	}
	if _, ok := rollback.Lookup("scores"); ok {
		t.Fatalf("untouched set must not be rewritten")
	}
}
