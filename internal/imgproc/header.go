package imgproc

import (
	"fmt"
	"strconv"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindInt Kind = iota + 1
	KindFloat
	KindStr
)

// Value is a header scalar: an int, a float or a string.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
}

func Int(v int64) Value     { return Value{kind: KindInt, i: v} }
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }
func Str(v string) Value    { return Value{kind: KindStr, s: v} }

func (v Value) Kind() Kind { return v.kind }

// Int returns the value as an integer. Floats truncate; numeric strings parse.
func (v Value) Int() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		return int64(v.f), true
	case KindStr:
		n, err := strconv.ParseInt(v.s, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Float returns the value as a float. Numeric strings parse.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	case KindStr:
		f, err := strconv.ParseFloat(v.s, 64)
		return f, err == nil
	}
	return 0, false
}

// Str returns string values as-is and formats numbers.
func (v Value) Str() (string, bool) {
	switch v.kind {
	case KindStr:
		return v.s, true
	case KindInt, KindFloat:
		return v.String(), true
	}
	return "", false
}

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindStr:
		return v.s
	}
	return ""
}

// Interface returns the underlying Go value, nil when empty.
func (v Value) Interface() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindStr:
		return v.s
	}
	return nil
}

// ValueOf wraps a Go scalar.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case bool:
		if t {
			return Int(1), nil
		}
		return Int(0), nil
	case string:
		return Str(t), nil
	}
	return Value{}, fmt.Errorf("unsupported header value %T", x)
}

// Header is the flat key → scalar metadata map carried with each frame.
type Header map[string]Value

func (h Header) Get(key string) (Value, bool) {
	v, ok := h[key]
	return v, ok
}

func (h Header) Int(key string) (int64, bool) {
	v, ok := h[key]
	if !ok {
		return 0, false
	}
	return v.Int()
}

func (h Header) Float(key string) (float64, bool) {
	v, ok := h[key]
	if !ok {
		return 0, false
	}
	return v.Float()
}

func (h Header) Str(key string) (string, bool) {
	v, ok := h[key]
	if !ok {
		return "", false
	}
	return v.Str()
}

func (h Header) Set(key string, v Value) {
	h[key] = v
}

// SetDefault stores v only when key is absent.
func (h Header) SetDefault(key string, v Value) {
	if _, ok := h[key]; !ok {
		h[key] = v
	}
}

// Clone returns a shallow copy; values are immutable.
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
