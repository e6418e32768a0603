package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"unicode/utf8"
)

// Kind is the wire-independent type of one device property.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindFloat
	KindString
	// KindArray is a float vector whose length is fixed by the schema.
	KindArray
	// KindVector is a float vector of any length.
	KindVector
	KindBytes
	// KindOpaque holds a script-managed value as compact JSON.
	KindOpaque
)

var kindNames = [...]string{
	KindInvalid: "invalid",
	KindInt:     "int",
	KindFloat:   "float",
	KindString:  "string",
	KindArray:   "array",
	KindVector:  "vector",
	KindBytes:   "bytes",
	KindOpaque:  "opaque",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ParseKind maps a configuration name such as "int" or "bytes" to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s && Kind(k) != KindInvalid {
			return Kind(k), nil
		}
	}
	return KindInvalid, fmt.Errorf("unknown property kind %q", s)
}

// VariableLength reports whether values of this kind have a size that is
// only known at runtime.
func (k Kind) VariableLength() bool {
	switch k {
	case KindString, KindVector, KindBytes, KindOpaque:
		return true
	}
	return false
}

// Value is one typed property value. The zero Value is "unset".
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	v    []float64
	b    []byte
}

func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array returns a fixed-length float vector value.
func Array(v ...float64) Value { return Value{kind: KindArray, v: slices.Clone(v)} }

// Vector returns a variable-length float vector value.
func Vector(v ...float64) Value { return Value{kind: KindVector, v: slices.Clone(v)} }

func Bytes(b []byte) Value { return Value{kind: KindBytes, b: bytes.Clone(b)} }

// Opaque wraps raw JSON produced by a scripted engine. The JSON is compacted
// so equal documents compare equal regardless of formatting. HTML-sensitive
// characters are kept as written.
func Opaque(raw []byte) (Value, error) {
	if !utf8.Valid(raw) {
		return Value{}, fmt.Errorf("opaque value is not valid UTF-8")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Value{}, fmt.Errorf("opaque value is not valid JSON: %w", err)
	}
	return Value{kind: KindOpaque, b: buf.Bytes()}, nil
}

// OpaqueOf marshals v to JSON and wraps it as an opaque value. The result
// is in the same form Opaque produces.
func OpaqueOf(v any) (Value, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return Value{}, err
	}
	return Value{kind: KindOpaque, b: bytes.TrimSuffix(buf.Bytes(), []byte("\n"))}, nil
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsSet() bool { return v.kind != KindInvalid }
func (v Value) AsInt() int64 { return v.i }
func (v Value) AsFloat() float64 { return v.f }
func (v Value) AsString() string { return v.s }

// AsFloats returns a copy of an array or vector value.
func (v Value) AsFloats() []float64 { return slices.Clone(v.v) }

// AsBytes returns a copy of a bytes value, or the JSON of an opaque value.
func (v Value) AsBytes() []byte { return bytes.Clone(v.b) }

// Len is the element count of arrays and vectors and the byte length of
// strings, blobs and opaque values.
func (v Value) Len() int {
	switch v.kind {
	case KindArray, KindVector:
		return len(v.v)
	case KindString:
		return len(v.s)
	case KindBytes, KindOpaque:
		return len(v.b)
	}
	return 0
}

// Equal compares kind and content. Floats compare by bit pattern so NaN
// payloads survive a round trip as equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case KindString:
		return v.s == o.s
	case KindArray, KindVector:
		return slices.EqualFunc(v.v, o.v, func(a, b float64) bool {
			return math.Float64bits(a) == math.Float64bits(b)
		})
	case KindBytes, KindOpaque:
		return bytes.Equal(v.b, o.b)
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return fmt.Sprint(v.i)
	case KindFloat:
		return fmt.Sprint(v.f)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindArray, KindVector:
		return fmt.Sprint(v.v)
	case KindBytes:
		return fmt.Sprintf("bytes[%d]", len(v.b))
	case KindOpaque:
		return string(v.b)
	}
	return "<unset>"
}
