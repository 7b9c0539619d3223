// Package typedvalue maps native Go values onto the tagged representation
// stored for every staging attribute and back again.
package typedvalue

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Value is a closed set of storable shapes. Only the types declared in this
// file implement it.
type Value interface {
	typedValue()
}

// Null is the absent/empty value.
type Null struct{}

// Number is an arbitrary-precision decimal kept in canonical text form, so two
// numerically equal Numbers always compare equal with ==.
type Number struct {
	text string
}

// Bool is a boolean value.
type Bool bool

// String is a UTF-8 string value.
type String string

// Map is a nested attribute map.
type Map map[string]Value

// List is an ordered list of values.
type List []Value

// StringSet is an unordered set of strings.
type StringSet []string

// NumberSet is an unordered set of numbers.
type NumberSet []Number

// BinarySet is an unordered set of byte strings.
type BinarySet [][]byte

func (Null) typedValue()      {}
func (Number) typedValue()    {}
func (Bool) typedValue()      {}
func (String) typedValue()    {}
func (Map) typedValue()       {}
func (List) typedValue()      {}
func (StringSet) typedValue() {}
func (NumberSet) typedValue() {}
func (BinarySet) typedValue() {}

// NewNumber parses a decimal literal (integer, fraction or exponent form).
func NewNumber(literal string) (Number, error) {
	d, _, err := apd.NewFromString(strings.TrimSpace(literal))
	if err != nil {
		return Number{}, fmt.Errorf("invalid number %q: %w", literal, err)
	}
	return NumberFromDecimal(d)
}

// MustNumber is NewNumber for literals known to be valid.
func MustNumber(literal string) Number {
	n, err := NewNumber(literal)
	if err != nil {
		panic(err)
	}
	return n
}

// IntNumber builds a Number from an int64.
func IntNumber(v int64) Number {
	return Number{text: canonical(apd.New(v, 0))}
}

// NumberFromDecimal converts an apd decimal; NaN and infinities are rejected.
func NumberFromDecimal(d *apd.Decimal) (Number, error) {
	if d == nil {
		return Number{}, fmt.Errorf("nil decimal")
	}
	if d.Form != apd.Finite {
		return Number{}, fmt.Errorf("non-finite number %s", d.String())
	}
	return Number{text: canonical(d)}, nil
}

func canonical(d *apd.Decimal) string {
	var reduced apd.Decimal
	reduced.Reduce(d)
	if reduced.IsZero() {
		return "0"
	}
	return reduced.Text('G')
}

// Decimal returns a fresh copy of the number as an apd decimal.
func (n Number) Decimal() *apd.Decimal {
	text := n.text
	if text == "" {
		text = "0"
	}
	d, _, err := apd.NewFromString(text)
	if err != nil {
		// text is always produced by canonical
		panic(fmt.Sprintf("typedvalue: corrupt number %q", text))
	}
	return d
}

// String returns the canonical decimal text.
func (n Number) String() string {
	if n.text == "" {
		return "0"
	}
	return n.text
}

// Int64 returns the number as an int64 when it is integral and in range.
func (n Number) Int64() (int64, bool) {
	v, err := n.Decimal().Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}

// Item is one stored record: attribute name to value.
type Item map[string]Value

// Clone returns a shallow copy of the item.
func (it Item) Clone() Item {
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

// Text returns the attribute when it is a String.
func (it Item) Text(name string) (string, bool) {
	v, ok := it[name].(String)
	return string(v), ok
}

// Num returns the attribute when it is a Number.
func (it Item) Num(name string) (Number, bool) {
	v, ok := it[name].(Number)
	return v, ok
}

// Keys returns attribute names in sorted order.
func (it Item) Keys() []string {
	keys := make([]string, 0, len(it))
	for k := range it {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
