// Package update computes minimal update plans for stored rows and headers.
//
// A plan only carries the fields whose stored value actually differs from the
// desired one. When any content field changes, the plan also resets the row's
// processing state so the edit is picked up again from scratch.
package update

import (
	"sort"
	"time"

	"github.com/rpattn/rowstage/internal/domain"
	"github.com/rpattn/rowstage/internal/store"
	"github.com/rpattn/rowstage/internal/typedvalue"
)

// Builder produces update plans. The zero value stamps time.Now.
type Builder struct {
	Now func() time.Time
}

// New returns a builder using now for updated_date stamps.
func New(now func() time.Time) *Builder {
	return &Builder{Now: now}
}

func (b *Builder) now() time.Time {
	if b == nil || b.Now == nil {
		return time.Now()
	}
	return b.Now()
}

// rowResetAttrs are written by the invalidation step and never taken from the
// desired field set.
var rowResetAttrs = map[string]struct{}{
	domain.AttrIsProcessed: {},
	domain.AttrProcessedAt: {},
	domain.AttrIsHandled:   {},
	domain.AttrClaimedAt:   {},
	domain.AttrUpdatedDate: {},
}

var headerResetAttrs = map[string]struct{}{
	domain.AttrFileStatus:   {},
	domain.AttrIsProcessed:  {},
	domain.AttrProcessStage: {},
	domain.AttrUpdatedDate:  {},
}

// BuildUpdate diffs desired against the stored row. Unchanged fields are
// skipped. If anything changed the plan resets is_processed, processed_at,
// is_handled and claimed_at and stamps updated_date.
func (b *Builder) BuildUpdate(desired map[string]any, current typedvalue.Item) store.UpdatePlan {
	plan := diff(desired, current, rowResetAttrs)
	if plan.Changed == 0 {
		return plan
	}
	plan.Set(domain.AttrIsProcessed, domain.FlagUnset)
	plan.Set(domain.AttrProcessedAt, typedvalue.String(""))
	plan.Set(domain.AttrIsHandled, domain.FlagUnset)
	plan.Set(domain.AttrClaimedAt, typedvalue.String(""))
	plan.Set(domain.AttrUpdatedDate, typedvalue.String(domain.FormatTimestamp(b.now())))
	return plan
}

// BuildHeaderUpdate is the header variant of BuildUpdate: a content change
// sends the file back to UNPROCESSED/UPLOADED.
func (b *Builder) BuildHeaderUpdate(desired map[string]any, current typedvalue.Item) store.UpdatePlan {
	plan := diff(desired, current, headerResetAttrs)
	if plan.Changed == 0 {
		return plan
	}
	b.resetHeader(&plan)
	return plan
}

// InvalidateHeader resets a header after one of its rows was edited.
func (b *Builder) InvalidateHeader() store.UpdatePlan {
	plan := store.NewUpdatePlan()
	b.resetHeader(&plan)
	return plan
}

func (b *Builder) resetHeader(plan *store.UpdatePlan) {
	plan.Set(domain.AttrFileStatus, typedvalue.String(string(domain.FileStatusUploaded)))
	plan.Set(domain.AttrIsProcessed, domain.FlagUnset)
	plan.Set(domain.AttrProcessStage, typedvalue.String(string(domain.StageUnprocessed)))
	plan.Set(domain.AttrUpdatedDate, typedvalue.String(domain.FormatTimestamp(b.now())))
}

// BuildRollback returns the plan that restores the stored snapshot before
// over after. Fields whose value already matches the snapshot are skipped;
// fields the edit added are written back as null.
func (b *Builder) BuildRollback(before, after typedvalue.Item) store.UpdatePlan {
	desired := make(map[string]any, len(after))
	for key := range after {
		desired[key] = typedvalue.Null{}
	}
	for key, value := range before {
		desired[key] = value
	}
	return diff(desired, after, nil)
}

func diff(desired map[string]any, current typedvalue.Item, reserved map[string]struct{}) store.UpdatePlan {
	plan := store.NewUpdatePlan()
	keys := make([]string, 0, len(desired))
	for key := range desired {
		if key == store.KeyAttribute {
			continue
		}
		if _, skip := reserved[key]; skip {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		want := typedvalue.Encode(desired[key])
		have, ok := current[key]
		if !ok {
			have = typedvalue.Null{}
		}
		if typedvalue.Equal(want, have) {
			continue
		}
		plan.Set(key, want)
		plan.Changed++
	}
	return plan
}
