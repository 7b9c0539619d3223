package typedvalue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Tag names of the JSON wire form. They match the attribute type descriptors
// used by DynamoDB so the same document can be read by either backend.
const (
	tagNull      = "NULL"
	tagNumber    = "N"
	tagBool      = "BOOL"
	tagString    = "S"
	tagMap       = "M"
	tagList      = "L"
	tagStringSet = "SS"
	tagNumberSet = "NS"
	tagBinarySet = "BS"
)

// ErrMalformed is returned when a wire document is not a single-tag object.
var ErrMalformed = errors.New("malformed typed value")

// Marshal renders v as a single-key tagged JSON object, e.g. {"N":"42"}.
func Marshal(v Value) ([]byte, error) {
	return json.Marshal(toWire(v))
}

// MarshalItem renders an item as a JSON object of tagged values.
func MarshalItem(item Item) ([]byte, error) {
	out := make(map[string]any, len(item))
	for key, value := range item {
		out[key] = toWire(value)
	}
	return json.Marshal(out)
}

func toWire(v Value) map[string]any {
	switch t := v.(type) {
	case nil, Null:
		return map[string]any{tagNull: true}
	case Number:
		return map[string]any{tagNumber: t.String()}
	case Bool:
		return map[string]any{tagBool: bool(t)}
	case String:
		return map[string]any{tagString: string(t)}
	case Map:
		inner := make(map[string]any, len(t))
		for key, item := range t {
			inner[key] = toWire(item)
		}
		return map[string]any{tagMap: inner}
	case List:
		inner := make([]any, len(t))
		for i, item := range t {
			inner[i] = toWire(item)
		}
		return map[string]any{tagList: inner}
	case StringSet:
		return map[string]any{tagStringSet: []string(t)}
	case NumberSet:
		return map[string]any{tagNumberSet: numberTexts(t)}
	case BinarySet:
		return map[string]any{tagBinarySet: [][]byte(t)}
	default:
		panic(fmt.Sprintf("typedvalue: unknown value type %T", v))
	}
}

// Unmarshal parses a tagged JSON object produced by Marshal.
func Unmarshal(data []byte) (Value, error) {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(tagged) != 1 {
		return nil, fmt.Errorf("%w: expected one tag, got %d", ErrMalformed, len(tagged))
	}
	for tag, raw := range tagged {
		return fromWire(tag, raw)
	}
	return nil, ErrMalformed
}

// UnmarshalItem parses a JSON object of tagged values.
func UnmarshalItem(data []byte) (Item, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	item := make(Item, len(fields))
	for key, raw := range fields {
		value, err := Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", key, err)
		}
		item[key] = value
	}
	return item, nil
}

func fromWire(tag string, raw json.RawMessage) (Value, error) {
	switch tag {
	case tagNull:
		return Null{}, nil
	case tagNumber:
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return NewNumber(text)
	case tagBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Bool(b), nil
	case tagString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return String(s), nil
	case tagMap:
		item, err := UnmarshalItem(raw)
		if err != nil {
			return nil, err
		}
		return Map(item), nil
	case tagList:
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		out := make(List, len(elems))
		for i, elem := range elems {
			value, err := Unmarshal(elem)
			if err != nil {
				return nil, err
			}
			out[i] = value
		}
		return out, nil
	case tagStringSet:
		var ss []string
		if err := json.Unmarshal(raw, &ss); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return StringSet(ss), nil
	case tagNumberSet:
		var texts []string
		if err := json.Unmarshal(raw, &texts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		out := make(NumberSet, len(texts))
		for i, text := range texts {
			n, err := NewNumber(text)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case tagBinarySet:
		var bs [][]byte
		if err := json.Unmarshal(bytes.TrimSpace(raw), &bs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return BinarySet(bs), nil
	default:
		return nil, fmt.Errorf("%w: unknown tag %q", ErrMalformed, tag)
	}
}
