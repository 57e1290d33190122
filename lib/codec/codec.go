package codec

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// KeyFormatVersion is the leading byte embedded in every encoded key so
	// the physical encoding can evolve without ambiguity.
	KeyFormatVersion byte = 1

	// ValueFormatVersion is the leading byte embedded in every encoded value.
	ValueFormatVersion byte = 1

	// Marker bytes for column null handling. The null marker is strictly
	// smaller than the present marker, so nulls sort before every non-null
	// encoding of the same column.
	markerNull    byte = 0x00
	markerPresent byte = 0x01

	// Escaping scheme for a variable-width ordering column: every 0x00 in
	// the payload becomes (0x00, escapedFF) and the column is terminated by
	// (0x00, terminator). Since terminator < escapedFF, a proper prefix of
	// another payload sorts first under bytewise comparison.
	escapedFF  byte = 0xFF
	terminator byte = 0x01
)

// ErrUnsupported is the root of configuration errors raised at codec
// construction time: bad ordering-column counts, variable-width columns in
// a non-last ordering position, or Null-typed ordering columns. These are
// never recoverable by retry; the caller must fix the schema. The sentinel
// sits in the Unwrap chain, so plain errors.Is classification works.
var ErrUnsupported = errors.New("unsupported key schema configuration")

func configErrf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrUnsupported, format, args...)
}

// --------------------------------------------------------------------------
// Encoder Spec
// --------------------------------------------------------------------------

// EncoderSpec selects the key encoder variant for a column family. It is a
// tagged variant dispatched once at codec construction, not at encode time.
type EncoderSpec interface {
	isEncoderSpec()
}

// NoPrefix declares a key schema without ordering columns. Keys are
// round-trip safe but their byte order carries no logical meaning; range
// scans over such a family are a caller error.
type NoPrefix struct{}

func (NoPrefix) isEncoderSpec() {}

// RangeScan declares the leading NumOrderingCols columns of the schema as
// the ordering prefix: the encoded bytes of those columns compare the same
// way the logical values do.
type RangeScan struct {
	NumOrderingCols int
}

func (RangeScan) isEncoderSpec() {}

// --------------------------------------------------------------------------
// Key Codec
// --------------------------------------------------------------------------

// KeyCodec encodes typed column tuples into order-preserving byte strings
// and back. A codec is immutable after construction and safe for concurrent
// use.
type KeyCodec struct {
	schema      Schema
	numOrdering int
}

// NewKeyCodec validates the schema against the encoder spec and returns a
// codec. Validation failures are marked with ErrUnsupported and name the
// offending field and index.
func NewKeyCodec(schema Schema, spec EncoderSpec) (*KeyCodec, error) {
	if len(schema) == 0 {
		return nil, configErrf("key schema must have at least one column")
	}

	numOrdering := 0
	switch s := spec.(type) {
	case NoPrefix:
	case RangeScan:
		if s.NumOrderingCols <= 0 {
			return nil, configErrf("range scan requires at least one ordering column, got %d", s.NumOrderingCols)
		}
		if s.NumOrderingCols > len(schema) {
			return nil, configErrf("declared %d ordering columns but key schema only has %d columns",
				s.NumOrderingCols, len(schema))
		}
		numOrdering = s.NumOrderingCols
	default:
		return nil, configErrf("unknown encoder spec %T", spec)
	}

	for i := 0; i < numOrdering; i++ {
		col := schema[i]
		if col.Type == TypeNull {
			return nil, configErrf("ordering column %q at index %d has type Null which has no defined order",
				col.Name, i)
		}
		if _, fixed := col.Type.FixedWidth(); !fixed && i != numOrdering-1 {
			return nil, configErrf("variable-width ordering column %q at index %d must be the last ordering column",
				col.Name, i)
		}
	}

	return &KeyCodec{schema: schema, numOrdering: numOrdering}, nil
}

// Schema returns the key schema the codec was built for.
func (c *KeyCodec) Schema() Schema { return c.schema }

// NumOrderingCols returns the declared length of the ordering prefix.
func (c *KeyCodec) NumOrderingCols() int { return c.numOrdering }

// Encode encodes a full column tuple into its physical key bytes: the
// format byte, the ordering prefix, then the remainder.
func (c *KeyCodec) Encode(cols []Value) ([]byte, error) {
	if len(cols) != len(c.schema) {
		return nil, errors.Newf("expected %d key columns, got %d", len(c.schema), len(cols))
	}
	buf := make([]byte, 1, 1+estimateSize(cols))
	buf[0] = KeyFormatVersion

	buf, err := c.appendOrderingPrefix(buf, cols[:c.numOrdering])
	if err != nil {
		return nil, err
	}
	return c.appendRemainder(buf, cols[c.numOrdering:])
}

// EncodeOrderingPrefix encodes only the ordering-prefix columns. The result
// includes the leading format byte so it aligns with full encoded keys and
// can be handed directly to a range or prefix scan as a bound.
//
// A partial prefix (fewer columns than declared) is allowed for scan
// bounds, as long as only the declared ordering columns are supplied.
func (c *KeyCodec) EncodeOrderingPrefix(cols []Value) ([]byte, error) {
	if c.numOrdering == 0 {
		return nil, errors.Wrap(ErrUnsupported, "codec was built without ordering columns")
	}
	if len(cols) > c.numOrdering {
		return nil, errors.Newf("expected at most %d ordering columns, got %d", c.numOrdering, len(cols))
	}
	buf := make([]byte, 1, 1+estimateSize(cols))
	buf[0] = KeyFormatVersion
	return c.appendOrderingPrefix(buf, cols)
}

// EncodeRemainder encodes only the non-ordering columns, without a format
// byte. Concatenating EncodeOrderingPrefix and EncodeRemainder yields the
// same bytes as Encode.
func (c *KeyCodec) EncodeRemainder(cols []Value) ([]byte, error) {
	if len(cols) != len(c.schema)-c.numOrdering {
		return nil, errors.Newf("expected %d remainder columns, got %d",
			len(c.schema)-c.numOrdering, len(cols))
	}
	return c.appendRemainder(nil, cols)
}

// Decode decodes physical key bytes back into the column tuple. Byte
// strings that do not start with the expected format byte fail decode.
func (c *KeyCodec) Decode(b []byte) ([]Value, error) {
	if len(b) == 0 {
		return nil, errors.New("cannot decode empty key")
	}
	if b[0] != KeyFormatVersion {
		return nil, errors.Newf("unexpected key format version %d, want %d", b[0], KeyFormatVersion)
	}
	rest := b[1:]

	out := make([]Value, 0, len(c.schema))
	var err error

	for i := 0; i < c.numOrdering; i++ {
		var v Value
		v, rest, err = c.decodeOrderingCol(rest, c.schema[i], i == c.numOrdering-1)
		if err != nil {
			return nil, errors.Wrapf(err, "ordering column %q", c.schema[i].Name)
		}
		out = append(out, v)
	}
	for i := c.numOrdering; i < len(c.schema); i++ {
		var v Value
		v, rest, err = decodeRemainderCol(rest, c.schema[i])
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", c.schema[i].Name)
		}
		out = append(out, v)
	}
	if len(rest) != 0 {
		return nil, errors.Newf("%d trailing bytes after decoding all key columns", len(rest))
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Ordering-Prefix Encoding
// --------------------------------------------------------------------------

func (c *KeyCodec) appendOrderingPrefix(buf []byte, cols []Value) ([]byte, error) {
	for i, v := range cols {
		col := c.schema[i]
		if v.Type != col.Type {
			return nil, errors.Newf("column %q expects type %s, got %s", col.Name, col.Type, v.Type)
		}
		if v.Null {
			buf = append(buf, markerNull)
			continue
		}
		buf = append(buf, markerPresent)
		if _, fixed := col.Type.FixedWidth(); fixed {
			buf = appendFixed(buf, v, true)
		} else {
			// Last ordering column, variable width: escaped so that the
			// encoding is self-delimiting and a proper prefix still sorts
			// first.
			buf = appendEscaped(buf, v.Bytes)
		}
	}
	return buf, nil
}

func (c *KeyCodec) decodeOrderingCol(b []byte, col Column, last bool) (Value, []byte, error) {
	if len(b) == 0 {
		return Value{}, nil, errors.New("truncated key")
	}
	marker, rest := b[0], b[1:]
	switch marker {
	case markerNull:
		return NullValue(col.Type), rest, nil
	case markerPresent:
	default:
		return Value{}, nil, errors.Newf("invalid null marker byte 0x%02x", marker)
	}
	if _, fixed := col.Type.FixedWidth(); fixed {
		return decodeFixed(rest, col.Type)
	}
	if !last {
		return Value{}, nil, errors.New("variable-width column in non-last ordering position")
	}
	raw, rest, err := decodeEscaped(rest)
	if err != nil {
		return Value{}, nil, err
	}
	return varValue(col.Type, raw), rest, nil
}

// --------------------------------------------------------------------------
// Remainder Encoding
// --------------------------------------------------------------------------

func (c *KeyCodec) appendRemainder(buf []byte, cols []Value) ([]byte, error) {
	offset := len(c.schema) - len(cols)
	for i, v := range cols {
		col := c.schema[offset+i]
		if v.Type != col.Type {
			return nil, errors.Newf("column %q expects type %s, got %s", col.Name, col.Type, v.Type)
		}
		if v.Null {
			buf = append(buf, markerNull)
			continue
		}
		buf = append(buf, markerPresent)
		if _, fixed := col.Type.FixedWidth(); fixed {
			buf = appendFixed(buf, v, false)
		} else {
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Bytes)))
			buf = append(buf, v.Bytes...)
		}
	}
	return buf, nil
}

func decodeRemainderCol(b []byte, col Column) (Value, []byte, error) {
	if len(b) == 0 {
		return Value{}, nil, errors.New("truncated key")
	}
	marker, rest := b[0], b[1:]
	switch marker {
	case markerNull:
		return NullValue(col.Type), rest, nil
	case markerPresent:
	default:
		return Value{}, nil, errors.Newf("invalid null marker byte 0x%02x", marker)
	}
	if _, fixed := col.Type.FixedWidth(); fixed {
		return decodeFixed(rest, col.Type)
	}
	if len(rest) < 4 {
		return Value{}, nil, errors.New("truncated key")
	}
	n := int(binary.BigEndian.Uint32(rest))
	rest = rest[4:]
	if len(rest) < n {
		return Value{}, nil, errors.New("truncated key")
	}
	return varValue(col.Type, rest[:n:n]), rest[n:], nil
}

// --------------------------------------------------------------------------
// Fixed-Width Transforms
// --------------------------------------------------------------------------

// appendFixed appends the order-preserving encoding of a non-null
// fixed-width value: sign-flipped big-endian for integers, and the standard
// total-order transform for floats (flip all bits of negatives, flip only
// the sign bit of non-negatives). Under this transform NaN values with the
// sign bit set sort below -Inf and the rest sort above +Inf, and -0.0
// orders directly before 0.0.
//
// With canonicalNaN set, every NaN payload collapses to the quiet NaN of
// the same sign before the transform, so logically equal NaN keys encode
// to identical ordering-prefix bytes. Remainder columns keep the payload
// bits so decode reproduces the stored value exactly.
func appendFixed(buf []byte, v Value, canonicalNaN bool) []byte {
	switch v.Type {
	case TypeBoolean:
		if v.Bool {
			return append(buf, 1)
		}
		return append(buf, 0)
	case TypeByte:
		return append(buf, uint8(int8(v.Int))^0x80)
	case TypeShort:
		return binary.BigEndian.AppendUint16(buf, uint16(int16(v.Int))^0x8000)
	case TypeInt:
		return binary.BigEndian.AppendUint32(buf, uint32(int32(v.Int))^0x80000000)
	case TypeLong:
		return binary.BigEndian.AppendUint64(buf, uint64(v.Int)^(1<<63))
	case TypeFloat:
		bits := math.Float32bits(float32(v.Float))
		if canonicalNaN && bits&0x7FFFFFFF > 0x7F800000 {
			bits = bits&(1<<31) | 0x7FC00000
		}
		if bits&(1<<31) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 31
		}
		return binary.BigEndian.AppendUint32(buf, bits)
	case TypeDouble:
		bits := math.Float64bits(v.Float)
		if canonicalNaN && bits&^uint64(1<<63) > 0x7FF0000000000000 {
			bits = bits&(1<<63) | 0x7FF8000000000000
		}
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		return binary.BigEndian.AppendUint64(buf, bits)
	default:
		panic("appendFixed called with variable-width type " + v.Type.String())
	}
}

func decodeFixed(b []byte, t Type) (Value, []byte, error) {
	width, _ := t.FixedWidth()
	if len(b) < width {
		return Value{}, nil, errors.New("truncated key")
	}
	raw, rest := b[:width], b[width:]

	switch t {
	case TypeBoolean:
		return BoolValue(raw[0] != 0), rest, nil
	case TypeByte:
		return ByteValue(int8(raw[0] ^ 0x80)), rest, nil
	case TypeShort:
		return ShortValue(int16(binary.BigEndian.Uint16(raw) ^ 0x8000)), rest, nil
	case TypeInt:
		return IntValue(int32(binary.BigEndian.Uint32(raw) ^ 0x80000000)), rest, nil
	case TypeLong:
		return LongValue(int64(binary.BigEndian.Uint64(raw) ^ (1 << 63))), rest, nil
	case TypeFloat:
		bits := binary.BigEndian.Uint32(raw)
		if bits&(1<<31) != 0 {
			bits &^= 1 << 31
		} else {
			bits = ^bits
		}
		return FloatValue(math.Float32frombits(bits)), rest, nil
	case TypeDouble:
		bits := binary.BigEndian.Uint64(raw)
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return DoubleValue(math.Float64frombits(bits)), rest, nil
	default:
		return Value{}, nil, errors.Newf("type %s is not fixed-width", t)
	}
}

// --------------------------------------------------------------------------
// Escaped Variable-Width Encoding
// --------------------------------------------------------------------------

func appendEscaped(buf []byte, b []byte) []byte {
	for _, c := range b {
		if c == 0x00 {
			buf = append(buf, 0x00, escapedFF)
		} else {
			buf = append(buf, c)
		}
	}
	return append(buf, 0x00, terminator)
}

func decodeEscaped(b []byte) (val []byte, rest []byte, err error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			return nil, nil, errors.New("truncated escape sequence")
		}
		switch b[i+1] {
		case terminator:
			return out, b[i+2:], nil
		case escapedFF:
			out = append(out, 0x00)
			i++
		default:
			return nil, nil, errors.Newf("invalid escape sequence 0x00 0x%02x", b[i+1])
		}
	}
	return nil, nil, errors.New("unterminated variable-width column")
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func varValue(t Type, raw []byte) Value {
	switch t {
	case TypeString:
		return StringValue(string(raw))
	case TypeBinary:
		return BinaryValue(raw)
	default:
		panic("varValue called with fixed-width type " + t.String())
	}
}

func estimateSize(cols []Value) int {
	n := 0
	for _, v := range cols {
		if w, fixed := v.Type.FixedWidth(); fixed {
			n += 1 + w
		} else {
			n += 7 + len(v.Bytes)
		}
	}
	return n
}

// --------------------------------------------------------------------------
// Value Encoding
// --------------------------------------------------------------------------

// EncodeValue prepends the value format byte to an opaque value payload.
func EncodeValue(v []byte) []byte {
	out := make([]byte, 0, 1+len(v))
	out = append(out, ValueFormatVersion)
	return append(out, v...)
}

// DecodeValue strips and validates the value format byte.
func DecodeValue(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("cannot decode empty value")
	}
	if b[0] != ValueFormatVersion {
		return nil, errors.Newf("unexpected value format version %d, want %d", b[0], ValueFormatVersion)
	}
	return b[1:], nil
}
