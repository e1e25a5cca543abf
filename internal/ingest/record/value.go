// Package record holds the invoice record model and its validation.
//
// Batch files are first parsed into a loosely typed Value tree so that validation is total:
// any JSON document yields a Value, and any Value yields a verdict.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Kind is the type tag of a Value.
type Kind int

const (
	// KindNull is the JSON null literal.
	KindNull Kind = iota
	// KindBool is a JSON boolean.
	KindBool
	// KindNumber is a JSON number, kept as its literal text.
	KindNumber
	// KindString is a JSON string.
	KindString
	// KindArray is a JSON array.
	KindArray
	// KindObject is a JSON object.
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Value is a parsed JSON value.
// Only the field matching Kind is meaningful.
type Value struct {
	Kind Kind

	Bool   bool
	Number json.Number
	String string
	Array  []Value
	Object map[string]Value
}

// ErrNotArray is returned by ParseBatch when the document is valid JSON but not an array.
var ErrNotArray = errors.New("batch file content is not a JSON array")

// Parse parses a single JSON document into a Value.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Value{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Value{}, errors.New("invalid JSON: unexpected data after top-level value")
	}

	return FromAny(raw), nil
}

// ParseBatch parses the content of a batch file, which must be a JSON array.
// Elements are returned in array order.
// A leading byte order mark is dropped, and UTF-16 content is converted to UTF-8.
// Content which is not valid UTF-8 once converted fails with encoding.ErrInvalidUTF8.
func ParseBatch(data []byte) ([]Value, error) {
	data, _, err := transform.Bytes(transform.Chain(unicode.BOMOverride(transform.Nop), encoding.UTF8Validator), data)
	if err != nil {
		return nil, fmt.Errorf("invalid batch encoding: %w", err)
	}

	v, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if v.Kind != KindArray {
		return nil, fmt.Errorf("%w: got %s", ErrNotArray, v.Kind)
	}
	return v.Array, nil
}

// FromAny converts the output of a json.Decoder using UseNumber into a Value.
// Unsupported Go types are mapped to null.
func FromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Value{Kind: KindNull}
	case bool:
		return Value{Kind: KindBool, Bool: t}
	case json.Number:
		return Value{Kind: KindNumber, Number: t}
	case float64:
		return Value{Kind: KindNumber, Number: json.Number(fmt.Sprint(t))}
	case string:
		return Value{Kind: KindString, String: t}
	case []any:
		arr := make([]Value, 0, len(t))
		for _, e := range t {
			arr = append(arr, FromAny(e))
		}
		return Value{Kind: KindArray, Array: arr}
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			obj[k] = FromAny(e)
		}
		return Value{Kind: KindObject, Object: obj}
	default:
		return Value{Kind: KindNull}
	}
}

// Interface converts the Value back into plain Go values: nil, bool, json.Number, string,
// []any and map[string]any.
func (v Value) Interface() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Number
	case KindString:
		return v.String
	case KindArray:
		arr := make([]any, 0, len(v.Array))
		for _, e := range v.Array {
			arr = append(arr, e.Interface())
		}
		return arr
	case KindObject:
		obj := make(map[string]any, len(v.Object))
		for k, e := range v.Object {
			obj[k] = e.Interface()
		}
		return obj
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler, keeping numbers as their original literal.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}
