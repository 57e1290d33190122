package codec

import "fmt"

// --------------------------------------------------------------------------
// Column Types
// --------------------------------------------------------------------------

// Type identifies the logical type of a key column.
type Type uint8

const (
	TypeNull Type = iota
	TypeBoolean
	TypeByte
	TypeShort
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypeString
	TypeBinary
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "Null"
	case TypeBoolean:
		return "Boolean"
	case TypeByte:
		return "Byte"
	case TypeShort:
		return "Short"
	case TypeInt:
		return "Int"
	case TypeLong:
		return "Long"
	case TypeFloat:
		return "Float"
	case TypeDouble:
		return "Double"
	case TypeString:
		return "String"
	case TypeBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// FixedWidth returns the encoded byte width of the type and whether the
// type is fixed-width at all. Variable-width types (String, Binary) and
// the Null type report false.
func (t Type) FixedWidth() (int, bool) {
	switch t {
	case TypeBoolean, TypeByte:
		return 1, true
	case TypeShort:
		return 2, true
	case TypeInt, TypeFloat:
		return 4, true
	case TypeLong, TypeDouble:
		return 8, true
	default:
		return 0, false
	}
}

// --------------------------------------------------------------------------
// Schema
// --------------------------------------------------------------------------

// Column describes one column of a key schema.
type Column struct {
	Name string
	Type Type
}

// Schema is the ordered list of columns that make up a logical key.
type Schema []Column

// --------------------------------------------------------------------------
// Values
// --------------------------------------------------------------------------

// Value is one typed column value. The Null flag takes precedence over the
// payload fields; a null value of any type encodes to the same marker byte
// and sorts before every non-null value of that column.
type Value struct {
	Type  Type
	Null  bool
	Bool  bool
	Int   int64   // Byte, Short, Int, Long
	Float float64 // Float, Double
	Bytes []byte  // String, Binary
}

// NullValue creates a null value of the given type.
func NullValue(t Type) Value { return Value{Type: t, Null: true} }

// BoolValue creates a Boolean value.
func BoolValue(v bool) Value { return Value{Type: TypeBoolean, Bool: v} }

// ByteValue creates a Byte value.
func ByteValue(v int8) Value { return Value{Type: TypeByte, Int: int64(v)} }

// ShortValue creates a Short value.
func ShortValue(v int16) Value { return Value{Type: TypeShort, Int: int64(v)} }

// IntValue creates an Int value.
func IntValue(v int32) Value { return Value{Type: TypeInt, Int: int64(v)} }

// LongValue creates a Long value.
func LongValue(v int64) Value { return Value{Type: TypeLong, Int: v} }

// FloatValue creates a Float value.
func FloatValue(v float32) Value { return Value{Type: TypeFloat, Float: float64(v)} }

// DoubleValue creates a Double value.
func DoubleValue(v float64) Value { return Value{Type: TypeDouble, Float: v} }

// StringValue creates a String value.
func StringValue(v string) Value { return Value{Type: TypeString, Bytes: []byte(v)} }

// BinaryValue creates a Binary value.
func BinaryValue(v []byte) Value { return Value{Type: TypeBinary, Bytes: v} }

func (v Value) String() string {
	if v.Null {
		return fmt.Sprintf("%s(null)", v.Type)
	}
	switch v.Type {
	case TypeBoolean:
		return fmt.Sprintf("Boolean(%t)", v.Bool)
	case TypeByte, TypeShort, TypeInt, TypeLong:
		return fmt.Sprintf("%s(%d)", v.Type, v.Int)
	case TypeFloat, TypeDouble:
		return fmt.Sprintf("%s(%g)", v.Type, v.Float)
	case TypeString:
		return fmt.Sprintf("String(%q)", v.Bytes)
	case TypeBinary:
		return fmt.Sprintf("Binary(%x)", v.Bytes)
	default:
		return "Unknown"
	}
}
