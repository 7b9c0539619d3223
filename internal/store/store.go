// Package store defines the backing-store capability set the staging engine
// is written against, plus the update/condition expression types shared by
// every backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rpattn/rowstage/internal/typedvalue"
)

var (
	// ErrConditionFailed is returned by UpdateItem when the guard does not
	// hold for the stored item (or the item does not exist).
	ErrConditionFailed = errors.New("condition check failed")
	// ErrThrottled marks a transient capacity error. Only the batch writer
	// retries it.
	ErrThrottled = errors.New("request throttled")
	// ErrTableNotFound is returned when the named table does not exist.
	ErrTableNotFound = errors.New("table not found")
	// ErrMissingKey is returned when an item has no string id attribute.
	ErrMissingKey = errors.New("item has no id")
)

// KeyAttribute is the partition key of every table.
const KeyAttribute = "id"

// Store is the capability set consumed from the backing store.
type Store interface {
	PutItem(ctx context.Context, table string, item typedvalue.Item) error
	GetItem(ctx context.Context, table, id string) (typedvalue.Item, bool, error)
	// UpdateItem applies plan to the item when cond holds. An empty
	// condition applies unconditionally and creates the item if missing.
	UpdateItem(ctx context.Context, table, id string, plan UpdatePlan, cond Condition) error
	// BatchWriteItems writes items and returns the subset that was not
	// written. A non-nil error means nothing is known to be written.
	BatchWriteItems(ctx context.Context, table string, items []typedvalue.Item) ([]typedvalue.Item, error)
	Scan(ctx context.Context, table string, filter Filter) ([]typedvalue.Item, error)
	TableExists(ctx context.Context, table string) (bool, error)
}

// ItemKey returns the id attribute of an item.
func ItemKey(item typedvalue.Item) (string, error) {
	id, ok := item.Text(KeyAttribute)
	if !ok || id == "" {
		return "", ErrMissingKey
	}
	return id, nil
}

// Assignment is one SET fragment: Attribute receives the value bound to
// Placeholder.
type Assignment struct {
	Attribute   string
	Placeholder string
}

// Fragment renders the assignment as "#p = :p".
func (a Assignment) Fragment() string {
	return "#" + a.Placeholder + " = :" + a.Placeholder
}

// UpdatePlan is an ordered list of SET assignments with their bound values.
type UpdatePlan struct {
	Assignments []Assignment
	// Values is keyed by placeholder (without the leading colon).
	Values map[string]typedvalue.Value
	// Changed counts the fields whose value differs from the stored item.
	Changed int
}

// NewUpdatePlan returns an empty plan.
func NewUpdatePlan() UpdatePlan {
	return UpdatePlan{Values: map[string]typedvalue.Value{}}
}

// Set appends an assignment for attribute and returns its placeholder.
func (p *UpdatePlan) Set(attribute string, value typedvalue.Value) string {
	if p.Values == nil {
		p.Values = map[string]typedvalue.Value{}
	}
	placeholder := fmt.Sprintf("u%d", len(p.Assignments))
	p.Assignments = append(p.Assignments, Assignment{Attribute: attribute, Placeholder: placeholder})
	p.Values[placeholder] = value
	return placeholder
}

// Empty reports whether the plan has no assignments.
func (p UpdatePlan) Empty() bool {
	return len(p.Assignments) == 0
}

// Fragments returns the SET fragments in order.
func (p UpdatePlan) Fragments() []string {
	out := make([]string, len(p.Assignments))
	for i, a := range p.Assignments {
		out[i] = a.Fragment()
	}
	return out
}

// Expression renders "SET #u0 = :u0, #u1 = :u1".
func (p UpdatePlan) Expression() string {
	if p.Empty() {
		return ""
	}
	return "SET " + strings.Join(p.Fragments(), ", ")
}

// Names maps "#placeholder" to the attribute name.
func (p UpdatePlan) Names() map[string]string {
	names := make(map[string]string, len(p.Assignments))
	for _, a := range p.Assignments {
		names["#"+a.Placeholder] = a.Attribute
	}
	return names
}

// Lookup returns the value assigned to attribute, if any.
func (p UpdatePlan) Lookup(attribute string) (typedvalue.Value, bool) {
	for _, a := range p.Assignments {
		if a.Attribute == attribute {
			return p.Values[a.Placeholder], true
		}
	}
	return nil, false
}

// Apply returns a copy of item with the plan's assignments applied.
func (p UpdatePlan) Apply(item typedvalue.Item) typedvalue.Item {
	out := item.Clone()
	for _, a := range p.Assignments {
		out[a.Attribute] = p.Values[a.Placeholder]
	}
	return out
}

// Guard requires Attribute to equal Value.
type Guard struct {
	Attribute string
	Value     typedvalue.Value
}

// Condition is a conjunction of guards. The zero value always holds.
type Condition []Guard

// Equals builds a single-guard condition.
func Equals(attribute string, value typedvalue.Value) Condition {
	return Condition{{Attribute: attribute, Value: value}}
}

// And appends a guard.
func (c Condition) And(attribute string, value typedvalue.Value) Condition {
	return append(append(Condition(nil), c...), Guard{Attribute: attribute, Value: value})
}

// Matches evaluates the condition against an item. A missing attribute never
// matches.
func (c Condition) Matches(item typedvalue.Item) bool {
	for _, g := range c {
		current, ok := item[g.Attribute]
		if !ok || !typedvalue.Equal(current, g.Value) {
			return false
		}
	}
	return true
}

// Filter selects items whose named attributes equal the given values.
type Filter map[string]typedvalue.Value

// Matches evaluates the filter against an item.
func (f Filter) Matches(item typedvalue.Item) bool {
	for attribute, want := range f {
		current, ok := item[attribute]
		if !ok || !typedvalue.Equal(current, want) {
			return false
		}
	}
	return true
}
