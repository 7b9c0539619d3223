package typedvalue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// Native forms of the set variants. Decode returns them so that Encode can
// tell a decoded set apart from an ordinary list.
type (
	Strings  []string
	Decimals []*apd.Decimal
	Blobs    [][]byte
)

// Encode converts a native value into its tagged form. nil and the empty
// string become Null. Numbers of any Go numeric type become Number; floats go
// through their shortest decimal text so no binary noise is stored.
// Values that already implement Value pass through unchanged. Anything else
// is stored as its fmt text.
func Encode(native any) Value {
	switch v := native.(type) {
	case nil:
		return Null{}
	case Value:
		return v
	case string:
		if v == "" {
			return Null{}
		}
		return String(v)
	case bool:
		return Bool(v)
	case int:
		return IntNumber(int64(v))
	case int8:
		return IntNumber(int64(v))
	case int16:
		return IntNumber(int64(v))
	case int32:
		return IntNumber(int64(v))
	case int64:
		return IntNumber(v)
	case uint:
		return numberOrString(strconv.FormatUint(uint64(v), 10))
	case uint8:
		return IntNumber(int64(v))
	case uint16:
		return IntNumber(int64(v))
	case uint32:
		return IntNumber(int64(v))
	case uint64:
		return numberOrString(strconv.FormatUint(v, 10))
	case float32:
		return floatValue(float64(v), 32)
	case float64:
		return floatValue(v, 64)
	case json.Number:
		return numberOrString(v.String())
	case *apd.Decimal:
		if v == nil {
			return Null{}
		}
		if n, err := NumberFromDecimal(v); err == nil {
			return n
		}
		return String(v.String())
	case apd.Decimal:
		return Encode(&v)
	case time.Time:
		return String(v.UTC().Format(time.RFC3339Nano))
	case map[string]any:
		out := make(Map, len(v))
		for key, item := range v {
			out[key] = Encode(item)
		}
		return out
	case map[string]string:
		out := make(Map, len(v))
		for key, item := range v {
			out[key] = Encode(item)
		}
		return out
	case []any:
		out := make(List, len(v))
		for i, item := range v {
			out[i] = Encode(item)
		}
		return out
	case []string:
		out := make(List, len(v))
		for i, item := range v {
			out[i] = Encode(item)
		}
		return out
	case []map[string]any:
		out := make(List, len(v))
		for i, item := range v {
			out[i] = Encode(item)
		}
		return out
	case Strings:
		return StringSet(append([]string(nil), v...))
	case Decimals:
		return decimalSet(v)
	case []*apd.Decimal:
		return decimalSet(v)
	case Blobs:
		return blobSet(v)
	case [][]byte:
		return blobSet(v)
	default:
		return String(fmt.Sprint(v))
	}
}

func decimalSet(ds []*apd.Decimal) Value {
	out := make(NumberSet, 0, len(ds))
	for _, d := range ds {
		if d == nil {
			continue
		}
		n, err := NumberFromDecimal(d)
		if err != nil {
			return String(fmt.Sprint(ds))
		}
		out = append(out, n)
	}
	return out
}

func blobSet(bs [][]byte) Value {
	out := make(BinarySet, len(bs))
	for i, b := range bs {
		out[i] = append([]byte(nil), b...)
	}
	return out
}

func floatValue(f float64, bits int) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return String(strconv.FormatFloat(f, 'g', -1, bits))
	}
	return numberOrString(strconv.FormatFloat(f, 'g', -1, bits))
}

func numberOrString(literal string) Value {
	n, err := NewNumber(literal)
	if err != nil {
		return String(literal)
	}
	return n
}

// Decode converts a tagged value back to its native form. Numbers always
// decode to *apd.Decimal; sets decode to Strings, Decimals and Blobs.
func Decode(v Value) any {
	switch t := v.(type) {
	case nil, Null:
		return nil
	case Number:
		return t.Decimal()
	case Bool:
		return bool(t)
	case String:
		return string(t)
	case Map:
		out := make(map[string]any, len(t))
		for key, item := range t {
			out[key] = Decode(item)
		}
		return out
	case List:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Decode(item)
		}
		return out
	case StringSet:
		return Strings(append([]string(nil), t...))
	case NumberSet:
		out := make(Decimals, len(t))
		for i, n := range t {
			out[i] = n.Decimal()
		}
		return out
	case BinarySet:
		out := make(Blobs, len(t))
		for i, b := range t {
			out[i] = append([]byte(nil), b...)
		}
		return out
	default:
		panic(fmt.Sprintf("typedvalue: unknown value type %T", v))
	}
}

// EncodeItem encodes every field of a native row.
func EncodeItem(row map[string]any) Item {
	item := make(Item, len(row))
	for key, value := range row {
		item[key] = Encode(value)
	}
	return item
}

// DecodeItem decodes every attribute of an item.
func DecodeItem(item Item) map[string]any {
	row := make(map[string]any, len(item))
	for key, value := range item {
		row[key] = Decode(value)
	}
	return row
}

// Equal reports structural equality: numeric equality for numbers, order
// sensitive for lists, set equality for the set variants.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	switch x := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case Number:
		y, ok := b.(Number)
		return ok && x.String() == y.String()
	case Bool:
		y, ok := b.(Bool)
		return ok && x == y
	case String:
		y, ok := b.(String)
		return ok && x == y
	case Map:
		y, ok := b.(Map)
		if !ok || len(x) != len(y) {
			return false
		}
		for key, xv := range x {
			yv, found := y[key]
			if !found || !Equal(xv, yv) {
				return false
			}
		}
		return true
	case List:
		y, ok := b.(List)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case StringSet:
		y, ok := b.(StringSet)
		return ok && sameMembers(x, y)
	case NumberSet:
		y, ok := b.(NumberSet)
		if !ok {
			return false
		}
		return sameMembers(numberTexts(x), numberTexts(y))
	case BinarySet:
		y, ok := b.(BinarySet)
		if !ok {
			return false
		}
		return sameMembers(binaryKeys(x), binaryKeys(y))
	default:
		return false
	}
}

func numberTexts(ns []Number) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.String()
	}
	return out
}

func binaryKeys(bs [][]byte) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = string(b)
	}
	return out
}

func sameMembers(a, b []string) bool {
	return bytes.Equal(setKey(a), setKey(b))
}

func setKey(members []string) []byte {
	uniq := make(map[string]struct{}, len(members))
	for _, m := range members {
		uniq[m] = struct{}{}
	}
	sorted := make([]string, 0, len(uniq))
	for m := range uniq {
		sorted = append(sorted, m)
	}
	sort.Strings(sorted)
	var buf bytes.Buffer
	for _, m := range sorted {
		buf.WriteString(strconv.Quote(m))
		buf.WriteByte(',')
	}
	return buf.Bytes()
}
