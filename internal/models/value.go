package models

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

// ValueType is the tag of a Value.
type ValueType int

const (
	Unassigned ValueType = iota
	Boolean
	Double
	String
	Raw
	BooleanArray
	DoubleArray
	StringArray
)

// String returns the type name used in logs and on the command line.
func (t ValueType) String() string {
	switch t {
	case Unassigned:
		return "unassigned"
	case Boolean:
		return "boolean"
	case Double:
		return "double"
	case String:
		return "string"
	case Raw:
		return "raw"
	case BooleanArray:
		return "boolean[]"
	case DoubleArray:
		return "double[]"
	case StringArray:
		return "string[]"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Value is a tagged value with the time of its last change. Only the field
// selected by Type is meaningful. Values are treated as immutable once handed
// to the notifier; the slice fields must not be modified afterwards.
type Value struct {
	Type ValueType `json:"type"`

	// LastChange is the update time in microseconds since the Unix epoch.
	LastChange int64 `json:"last_change"`

	Bool    bool      `json:"bool,omitempty"`
	Double  float64   `json:"double,omitempty"`
	Str     string    `json:"str,omitempty"`
	Raw     []byte    `json:"raw,omitempty"`
	Bools   []bool    `json:"bools,omitempty"`
	Doubles []float64 `json:"doubles,omitempty"`
	Strings []string  `json:"strings,omitempty"`
}

func now() int64 {
	return time.Now().UnixMicro()
}

func MakeBoolean(v bool) Value {
	return Value{Type: Boolean, Bool: v, LastChange: now()}
}

func MakeDouble(v float64) Value {
	return Value{Type: Double, Double: v, LastChange: now()}
}

func MakeString(v string) Value {
	return Value{Type: String, Str: v, LastChange: now()}
}

func MakeRaw(v []byte) Value {
	return Value{Type: Raw, Raw: slices.Clone(v), LastChange: now()}
}

func MakeBooleanArray(v []bool) Value {
	return Value{Type: BooleanArray, Bools: slices.Clone(v), LastChange: now()}
}

func MakeDoubleArray(v []float64) Value {
	return Value{Type: DoubleArray, Doubles: slices.Clone(v), LastChange: now()}
}

func MakeStringArray(v []string) Value {
	return Value{Type: StringArray, Strings: slices.Clone(v), LastChange: now()}
}

// IsValid reports whether the value carries data (delete events may not).
func (v Value) IsValid() bool {
	return v.Type != Unassigned
}

// ErrNonFinite is returned for NaN or infinite doubles, which the JSON
// mirror cannot encode.
var ErrNonFinite = errors.New("double must be finite")

// IsFinite reports whether every double in the value is neither NaN nor
// infinite. Non-double values are always finite.
func (v Value) IsFinite() bool {
	switch v.Type {
	case Double:
		return finite(v.Double)
	case DoubleArray:
		for _, d := range v.Doubles {
			if !finite(d) {
				return false
			}
		}
	}
	return true
}

func finite(d float64) bool {
	return !math.IsNaN(d) && !math.IsInf(d, 0)
}

// Equal compares type and payload. LastChange is ignored.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case Unassigned:
		return true
	case Boolean:
		return v.Bool == o.Bool
	case Double:
		return v.Double == o.Double
	case String:
		return v.Str == o.Str
	case Raw:
		return bytes.Equal(v.Raw, o.Raw)
	case BooleanArray:
		return slices.Equal(v.Bools, o.Bools)
	case DoubleArray:
		return slices.Equal(v.Doubles, o.Doubles)
	case StringArray:
		return slices.Equal(v.Strings, o.Strings)
	default:
		return false
	}
}

// String renders the payload for log lines.
func (v Value) String() string {
	switch v.Type {
	case Boolean:
		return fmt.Sprintf("%t", v.Bool)
	case Double:
		return fmt.Sprintf("%g", v.Double)
	case String:
		return fmt.Sprintf("%q", v.Str)
	case Raw:
		return fmt.Sprintf("%x", v.Raw)
	case BooleanArray:
		return fmt.Sprintf("%v", v.Bools)
	case DoubleArray:
		return fmt.Sprintf("%v", v.Doubles)
	case StringArray:
		return fmt.Sprintf("%q", v.Strings)
	default:
		return "<unassigned>"
	}
}
