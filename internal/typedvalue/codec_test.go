package typedvalue

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/cockroachdb/apd/v3"
)

func dec(t *testing.T, literal string) *apd.Decimal {
	t.Helper()
	d, _, err := apd.NewFromString(literal)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", literal, err)
	}
	return d
}

// nativeEqual compares decoded values, treating decimals numerically.
func nativeEqual(a, b any) bool {
	switch x := a.(type) {
	case *apd.Decimal:
		y, ok := b.(*apd.Decimal)
		return ok && x.Cmp(y) == 0
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			if !nativeEqual(v, y[k]) {
				return false
			}
		}
		return true
	case Decimals:
		y, ok := b.(Decimals)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if x[i].Cmp(y[i]) != 0 {
				return false
			}
		}
		return true
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !nativeEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

func TestRoundTrip(t *testing.T) {
	cases := map[string]any{
		"nil":     nil,
		"string":  "hello",
		"true":    true,
		"false":   false,
		"integer": dec(t, "42"),
		"decimal": dec(t, "3.14159265358979323846264338327950288"),
		"exp":     dec(t, "1.5E+10"),
		"zero":    dec(t, "0"),
		"map": map[string]any{
			"name":  "widget",
			"count": dec(t, "7"),
			"inner": map[string]any{"ok": true, "none": nil},
		},
		"list":       []any{"a", dec(t, "1"), false, nil, []any{"nested"}},
		"string set": Strings{"a", "b"},
		"number set": Decimals{dec(t, "1"), dec(t, "2.5")},
		"binary set": Blobs{[]byte("x"), {0, 1}},
	}

	for name, native := range cases {
		t.Run(name, func(t *testing.T) {
			got := Decode(Encode(native))
			if !nativeEqual(native, got) {
				t.Fatalf("round trip mismatch: want %#v got %#v", native, got)
			}
		})
	}
}

func TestSetsSurviveNativeBoundary(t *testing.T) {
	cases := map[string]Value{
		"strings": StringSet{"a", "b"},
		"numbers": NumberSet{MustNumber("1"), MustNumber("2")},
		"binary":  BinarySet{[]byte("x")},
	}
	for name, stored := range cases {
		t.Run(name, func(t *testing.T) {
			got := Encode(Decode(stored))
			if reflect.TypeOf(got) != reflect.TypeOf(stored) {
				t.Fatalf("expected %T, got %#v", stored, got)
			}
			if !Equal(stored, got) {
				t.Fatalf("expected %#v, got %#v", stored, got)
			}
		})
	}

	if _, ok := Encode([]string{"a"}).(List); !ok {
		t.Fatalf("plain string slices stay lists")
	}
	if _, ok := Encode([]*apd.Decimal{dec(t, "3")}).(NumberSet); !ok {
		t.Fatalf("decimal slices encode as number sets")
	}
	if _, ok := Encode([][]byte{[]byte("z")}).(BinarySet); !ok {
		t.Fatalf("byte slices encode as binary sets")
	}
}

func TestEncodeEmptyStringIsNull(t *testing.T) {
	if _, ok := Encode("").(Null); !ok {
		t.Fatalf("expected empty string to encode to Null, got %#v", Encode(""))
	}
	if _, ok := Encode(nil).(Null); !ok {
		t.Fatalf("expected nil to encode to Null")
	}
}

func TestEncodeNumbersAreDecimal(t *testing.T) {
	cases := []struct {
		input any
		want  string
	}{
		{input: 0, want: "0"},
		{input: int64(-12), want: "-12"},
		{input: uint64(18446744073709551615), want: "18446744073709551615"},
		{input: 0.1, want: "0.1"},
		{input: float32(2.5), want: "2.5"},
		{input: json.Number("1.50"), want: "1.5"},
		{input: dec(t, "100"), want: "1E+2"},
	}
	for _, tc := range cases {
		n, ok := Encode(tc.input).(Number)
		if !ok {
			t.Fatalf("expected Number for %#v, got %#v", tc.input, Encode(tc.input))
		}
		if n.String() != tc.want {
			t.Errorf("encode %#v: expected %s, got %s", tc.input, tc.want, n.String())
		}
		if _, isDecimal := Decode(n).(*apd.Decimal); !isDecimal {
			t.Errorf("decode %#v: expected *apd.Decimal", tc.input)
		}
	}
}

func TestNumberEqualityIsNumeric(t *testing.T) {
	if !Equal(MustNumber("1.0"), MustNumber("1")) {
		t.Fatalf("expected 1.0 and 1 to be equal")
	}
	if !Equal(MustNumber("100"), MustNumber("1e2")) {
		t.Fatalf("expected 100 and 1e2 to be equal")
	}
	if Equal(MustNumber("1"), String("1")) {
		t.Fatalf("number must not equal string")
	}
}

func TestEqualStructural(t *testing.T) {
	if Equal(List{String("a"), String("b")}, List{String("b"), String("a")}) {
		t.Errorf("lists must be order sensitive")
	}
	if !Equal(StringSet{"a", "b"}, StringSet{"b", "a"}) {
		t.Errorf("string sets must compare as sets")
	}
	if !Equal(NumberSet{MustNumber("1"), MustNumber("2.0")}, NumberSet{MustNumber("2"), MustNumber("1")}) {
		t.Errorf("number sets must compare numerically as sets")
	}
	if !Equal(BinarySet{[]byte("x"), []byte("y")}, BinarySet{[]byte("y"), []byte("x")}) {
		t.Errorf("binary sets must compare as sets")
	}
	a := Map{"k": Map{"n": MustNumber("5")}}
	b := Map{"k": Map{"n": MustNumber("5.00")}}
	if !Equal(a, b) {
		t.Errorf("nested maps should be equal")
	}
	if Equal(a, Map{"k": Map{"n": MustNumber("6")}}) {
		t.Errorf("nested maps with different numbers should differ")
	}
	if !Equal(nil, Null{}) {
		t.Errorf("nil and Null should be equal")
	}
}

func TestJSONWireRoundTrip(t *testing.T) {
	item := Item{
		"id":     String("row-1"),
		"count":  MustNumber("42"),
		"ok":     Bool(true),
		"none":   Null{},
		"nested": Map{"list": List{String("a"), MustNumber("1.5")}},
		"tags":   StringSet{"x", "y"},
		"scores": NumberSet{MustNumber("1"), MustNumber("2")},
		"blobs":  BinarySet{[]byte{0x01, 0x02}},
	}

	data, err := MarshalItem(item)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalItem(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != len(item) {
		t.Fatalf("expected %d attributes, got %d", len(item), len(got))
	}
	for key, want := range item {
		if !Equal(want, got[key]) {
			t.Errorf("attribute %s: want %#v got %#v", key, want, got[key])
		}
	}

	raw, err := Marshal(MustNumber("0.50"))
	if err != nil {
		t.Fatalf("marshal number: %v", err)
	}
	if string(raw) != `{"N":"0.5"}` {
		t.Fatalf("unexpected number wire form: %s", raw)
	}
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	for _, input := range []string{`{}`, `{"S":"a","N":"1"}`, `{"X":1}`, `[]`, `{"N":"abc"}`} {
		if _, err := Unmarshal([]byte(input)); err == nil {
			t.Errorf("expected error for %s", input)
		}
	}
}
