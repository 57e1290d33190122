package codec

import (
	"bytes"
	"math"
	"sort"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	schema := Schema{
		{Name: "flag", Type: TypeBoolean},
		{Name: "b", Type: TypeByte},
		{Name: "s", Type: TypeShort},
		{Name: "i", Type: TypeInt},
		{Name: "l", Type: TypeLong},
		{Name: "f", Type: TypeFloat},
		{Name: "d", Type: TypeDouble},
		{Name: "name", Type: TypeString},
		{Name: "blob", Type: TypeBinary},
	}
	c, err := NewKeyCodec(schema, RangeScan{NumOrderingCols: 7})
	require.NoError(t, err)

	tuples := [][]Value{
		{
			BoolValue(true), ByteValue(-12), ShortValue(-3000), IntValue(123456),
			LongValue(-98765432100), FloatValue(3.14), DoubleValue(-2.71828),
			StringValue("hello"), BinaryValue([]byte{0x00, 0xFF, 0x00}),
		},
		{
			BoolValue(false), ByteValue(127), ShortValue(0), IntValue(-1),
			LongValue(math.MaxInt64), FloatValue(float32(math.Inf(-1))), DoubleValue(0),
			StringValue(""), BinaryValue(nil),
		},
		{
			NullValue(TypeBoolean), NullValue(TypeByte), NullValue(TypeShort),
			NullValue(TypeInt), NullValue(TypeLong), NullValue(TypeFloat),
			NullValue(TypeDouble), NullValue(TypeString), NullValue(TypeBinary),
		},
	}

	for _, tuple := range tuples {
		enc, err := c.Encode(tuple)
		require.NoError(t, err)

		dec, err := c.Decode(enc)
		require.NoError(t, err)
		require.Len(t, dec, len(tuple))
		for i := range tuple {
			requireValueEqual(t, tuple[i], dec[i])
		}
	}
}

func requireValueEqual(t *testing.T, want, got Value) {
	t.Helper()
	require.Equal(t, want.Type, got.Type)
	require.Equal(t, want.Null, got.Null)
	if want.Null {
		return
	}
	switch want.Type {
	case TypeBoolean:
		require.Equal(t, want.Bool, got.Bool)
	case TypeByte, TypeShort, TypeInt, TypeLong:
		require.Equal(t, want.Int, got.Int)
	case TypeFloat, TypeDouble:
		require.Equal(t, want.Float, got.Float)
	default:
		if len(want.Bytes) == 0 {
			require.Empty(t, got.Bytes)
		} else {
			require.Equal(t, want.Bytes, got.Bytes)
		}
	}
}

func TestPrefixAndRemainderConcatenation(t *testing.T) {
	schema := Schema{
		{Name: "ts", Type: TypeLong},
		{Name: "id", Type: TypeString},
	}
	c, err := NewKeyCodec(schema, RangeScan{NumOrderingCols: 1})
	require.NoError(t, err)

	tuple := []Value{LongValue(42), StringValue("op-7")}
	full, err := c.Encode(tuple)
	require.NoError(t, err)

	prefix, err := c.EncodeOrderingPrefix(tuple[:1])
	require.NoError(t, err)
	rest, err := c.EncodeRemainder(tuple[1:])
	require.NoError(t, err)
	require.Equal(t, full, append(prefix, rest...))
}

func TestLongOrderPreservation(t *testing.T) {
	// Ascending encoded bytes must equal ascending numeric order.
	inputs := []int64{931, 8000, 452300, 4200, -1, 90, 1, 2, 8, -230, -14569,
		-92, -7434253, 35, 6, 9, -323, 5}

	schema := Schema{
		{Name: "key1", Type: TypeLong},
		{Name: "key2", Type: TypeString},
	}
	c, err := NewKeyCodec(schema, RangeScan{NumOrderingCols: 1})
	require.NoError(t, err)

	encoded := make([][]byte, len(inputs))
	for i, v := range inputs {
		encoded[i], err = c.Encode([]Value{LongValue(v), StringValue("s")})
		require.NoError(t, err)
	}
	sort.Slice(encoded, func(i, j int) bool { return bytes.Compare(encoded[i], encoded[j]) < 0 })

	numeric := append([]int64(nil), inputs...)
	sort.Slice(numeric, func(i, j int) bool { return numeric[i] < numeric[j] })

	for i, enc := range encoded {
		dec, err := c.Decode(enc)
		require.NoError(t, err)
		require.Equal(t, numeric[i], dec[0].Int, "position %d", i)
	}
}

func TestDoubleTotalOrder(t *testing.T) {
	negNaN := math.Float64frombits(0xFFF8000000000000)
	// Logical ascending order per the float total order.
	ordered := []float64{
		negNaN,
		math.Inf(-1),
		-math.MaxFloat64,
		-1.5,
		-math.SmallestNonzeroFloat64,
		math.Copysign(0, -1),
		0,
		math.SmallestNonzeroFloat64,
		1.5,
		math.MaxFloat64,
		math.Inf(1),
		math.NaN(),
	}

	schema := Schema{{Name: "d", Type: TypeDouble}}
	c, err := NewKeyCodec(schema, RangeScan{NumOrderingCols: 1})
	require.NoError(t, err)

	var prev []byte
	for i, f := range ordered {
		enc, err := c.Encode([]Value{DoubleValue(f)})
		require.NoError(t, err)
		if prev != nil {
			require.Negative(t, bytes.Compare(prev, enc),
				"value %g at position %d must sort after its predecessor", f, i)
		}
		prev = enc
	}
}

func TestNaNPayloadsEncodeEqually(t *testing.T) {
	schema := Schema{
		{Name: "d", Type: TypeDouble},
		{Name: "extra", Type: TypeDouble},
	}
	c, err := NewKeyCodec(schema, RangeScan{NumOrderingCols: 1})
	require.NoError(t, err)

	quiet := math.Float64frombits(0x7FF8000000000000)
	payload := math.Float64frombits(0x7FF8000000000001)
	negQuiet := math.Float64frombits(0xFFF8000000000000)
	negPayload := math.Float64frombits(0xFFF0000000000001)

	encode := func(key, extra float64) []byte {
		enc, err := c.Encode([]Value{DoubleValue(key), DoubleValue(extra)})
		require.NoError(t, err)
		return enc
	}

	// Any NaN payload in an ordering column yields the same key bytes.
	require.Equal(t, encode(quiet, 1), encode(payload, 1))
	require.Equal(t, encode(negQuiet, 1), encode(negPayload, 1))
	require.NotEqual(t, encode(quiet, 1), encode(negQuiet, 1))

	dec, err := c.Decode(encode(payload, 1))
	require.NoError(t, err)
	require.True(t, math.IsNaN(dec[0].Float))

	// Non-ordering columns keep the payload bits through the round trip.
	dec, err = c.Decode(encode(1, payload))
	require.NoError(t, err)
	require.Equal(t, uint64(0x7FF8000000000001), math.Float64bits(dec[1].Float))
}

func TestFloatNaNPayloadsEncodeEqually(t *testing.T) {
	schema := Schema{{Name: "f", Type: TypeFloat}}
	c, err := NewKeyCodec(schema, RangeScan{NumOrderingCols: 1})
	require.NoError(t, err)

	encode := func(bits uint32) []byte {
		v := FloatValue(math.Float32frombits(bits))
		enc, err := c.Encode([]Value{v})
		require.NoError(t, err)
		return enc
	}

	require.Equal(t, encode(0x7FC00000), encode(0x7FC00001))
	require.Equal(t, encode(0xFFC00000), encode(0xFF800001))
	require.NotEqual(t, encode(0x7FC00000), encode(0xFFC00000))
}

func TestNullsSortFirst(t *testing.T) {
	schema := Schema{{Name: "l", Type: TypeLong}}
	c, err := NewKeyCodec(schema, RangeScan{NumOrderingCols: 1})
	require.NoError(t, err)

	nullEnc, err := c.Encode([]Value{NullValue(TypeLong)})
	require.NoError(t, err)
	minEnc, err := c.Encode([]Value{LongValue(math.MinInt64)})
	require.NoError(t, err)

	require.Negative(t, bytes.Compare(nullEnc, minEnc),
		"null must sort before the minimum representable value")

	// And decode must distinguish the two.
	dec, err := c.Decode(nullEnc)
	require.NoError(t, err)
	require.True(t, dec[0].Null)
	dec, err = c.Decode(minEnc)
	require.NoError(t, err)
	require.False(t, dec[0].Null)
	require.Equal(t, int64(math.MinInt64), dec[0].Int)
}

func TestVariableWidthLastOrderingColumn(t *testing.T) {
	schema := Schema{
		{Name: "group", Type: TypeInt},
		{Name: "name", Type: TypeString},
		{Name: "payload", Type: TypeBinary},
	}
	c, err := NewKeyCodec(schema, RangeScan{NumOrderingCols: 2})
	require.NoError(t, err)

	encode := func(group int32, name string) []byte {
		enc, err := c.Encode([]Value{IntValue(group), StringValue(name), BinaryValue([]byte("x"))})
		require.NoError(t, err)
		return enc
	}

	// A proper prefix sorts before its extension, and embedded zero bytes
	// survive the escaping.
	require.Negative(t, bytes.Compare(encode(1, "ab"), encode(1, "b")))
	require.Negative(t, bytes.Compare(encode(1, "a"), encode(1, "ab")))
	require.Negative(t, bytes.Compare(encode(1, "zzz"), encode(2, "")))

	withZero := []Value{IntValue(1), StringValue("a\x00b"), BinaryValue(nil)}
	enc, err := c.Encode(withZero)
	require.NoError(t, err)
	dec, err := c.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, "a\x00b", string(dec[1].Bytes))
}

func TestConfigurationErrors(t *testing.T) {
	schema := Schema{
		{Name: "name", Type: TypeString},
		{Name: "count", Type: TypeLong},
	}

	// Zero ordering columns.
	_, err := NewKeyCodec(schema, RangeScan{NumOrderingCols: 0})
	require.ErrorIs(t, err, ErrUnsupported)

	// More ordering columns than the schema has.
	_, err = NewKeyCodec(schema, RangeScan{NumOrderingCols: 3})
	require.ErrorIs(t, err, ErrUnsupported)

	// Variable-width column in a non-last ordering position; the error
	// names the offending field and index.
	_, err = NewKeyCodec(schema, RangeScan{NumOrderingCols: 2})
	require.ErrorIs(t, err, ErrUnsupported)
	require.Contains(t, err.Error(), `"name"`)
	require.Contains(t, err.Error(), "index 0")

	// Null-typed ordering column.
	_, err = NewKeyCodec(Schema{{Name: "n", Type: TypeNull}}, RangeScan{NumOrderingCols: 1})
	require.ErrorIs(t, err, ErrUnsupported)
	require.Contains(t, err.Error(), `"n"`)
}

func TestNoPrefixCodec(t *testing.T) {
	schema := Schema{
		{Name: "name", Type: TypeString},
		{Name: "count", Type: TypeLong},
	}
	c, err := NewKeyCodec(schema, NoPrefix{})
	require.NoError(t, err)

	tuple := []Value{StringValue("a"), LongValue(7)}
	enc, err := c.Encode(tuple)
	require.NoError(t, err)
	dec, err := c.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, "a", string(dec[0].Bytes))
	require.Equal(t, int64(7), dec[1].Int)

	_, err = c.EncodeOrderingPrefix(tuple[:1])
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestFormatByteValidation(t *testing.T) {
	schema := Schema{{Name: "l", Type: TypeLong}}
	c, err := NewKeyCodec(schema, RangeScan{NumOrderingCols: 1})
	require.NoError(t, err)

	enc, err := c.Encode([]Value{LongValue(1)})
	require.NoError(t, err)
	require.Equal(t, KeyFormatVersion, enc[0])

	bad := append([]byte(nil), enc...)
	bad[0] = 99
	_, err = c.Decode(bad)
	require.Error(t, err)

	_, err = c.Decode(nil)
	require.Error(t, err)
}

func TestValueFormatByte(t *testing.T) {
	enc := EncodeValue([]byte("payload"))
	require.Equal(t, ValueFormatVersion, enc[0])

	dec, err := DecodeValue(enc)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), dec)

	_, err = DecodeValue([]byte{99, 1, 2})
	require.Error(t, err)
	_, err = DecodeValue(nil)
	require.Error(t, err)
}

func TestTrailingBytesRejected(t *testing.T) {
	schema := Schema{{Name: "l", Type: TypeLong}}
	c, err := NewKeyCodec(schema, RangeScan{NumOrderingCols: 1})
	require.NoError(t, err)

	enc, err := c.Encode([]Value{LongValue(5)})
	require.NoError(t, err)
	_, err = c.Decode(append(enc, 0xAB))
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrUnsupported))
}
