package resp

import (
	"strconv"
	"strings"
)

type ValueType uint8

const (
	ValueType_Null ValueType = iota
	ValueType_SimpleString
	ValueType_Error
	ValueType_Integer
	ValueType_BulkString
	ValueType_Array
)

func (t ValueType) String() string {
	switch t {
	case ValueType_Null:
		return "Null"
	case ValueType_SimpleString:
		return "SimpleString"
	case ValueType_Error:
		return "Error"
	case ValueType_Integer:
		return "Integer"
	case ValueType_BulkString:
		return "BulkString"
	case ValueType_Array:
		return "Array"
	}

	return "Unknown"
}

// Value is a single RESP2 value. Str holds the payload of simple strings, errors and bulk strings,
// Int holds integers and Array holds array elements.
type Value struct {
	Type  ValueType
	Str   string
	Int   int64
	Array []*Value
}

func NewNull() *Value {
	return &Value{Type: ValueType_Null}
}

func NewSimpleString(s string) *Value {
	return &Value{Type: ValueType_SimpleString, Str: s}
}

func NewError(msg string) *Value {
	return &Value{Type: ValueType_Error, Str: msg}
}

func NewInteger(i int64) *Value {
	return &Value{Type: ValueType_Integer, Int: i}
}

func NewBulkString(s string) *Value {
	return &Value{Type: ValueType_BulkString, Str: s}
}

func NewArray(elements ...*Value) *Value {
	if elements == nil {
		elements = []*Value{}
	}
	return &Value{Type: ValueType_Array, Array: elements}
}

// NewCommand builds a command the way clients send it: an array of bulk strings.
func NewCommand(args ...string) *Value {
	elements := make([]*Value, 0, len(args))
	for _, arg := range args {
		elements = append(elements, NewBulkString(arg))
	}
	return NewArray(elements...)
}

func (v *Value) IsError() bool {
	return v != nil && v.Type == ValueType_Error
}

// String renders the value for logs and test failures, not for the wire.
func (v *Value) String() string {
	if v == nil {
		return "<nil>"
	}

	switch v.Type {
	case ValueType_Null:
		return "(nil)"
	case ValueType_SimpleString:
		return v.Str
	case ValueType_Error:
		return "(error) " + v.Str
	case ValueType_Integer:
		return "(integer) " + strconv.FormatInt(v.Int, 10)
	case ValueType_BulkString:
		return strconv.Quote(v.Str)
	case ValueType_Array:
		parts := make([]string, 0, len(v.Array))
		for _, e := range v.Array {
			parts = append(parts, e.String())
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}

	return "(unknown)"
}

// Equal reports deep equality of two values.
func (v *Value) Equal(other *Value) bool {
	if v == nil || other == nil {
		return v == other
	}
	if v.Type != other.Type {
		return false
	}

	switch v.Type {
	case ValueType_Null:
		return true
	case ValueType_Integer:
		return v.Int == other.Int
	case ValueType_Array:
		if len(v.Array) != len(other.Array) {
			return false
		}
		for i := range v.Array {
			if !v.Array[i].Equal(other.Array[i]) {
				return false
			}
		}
		return true
	}

	return v.Str == other.Str
}
