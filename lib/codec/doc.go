// Package codec provides deterministic, order-preserving, round-trip-safe
// binary encoding of typed key column tuples.
//
// The package focuses on:
//   - Encoding tuples so that unsigned bytewise comparison of the encoded
//     form matches the natural logical order of the leading "ordering
//     prefix" columns
//   - Round-trip decoding driven by the key schema
//   - Rejecting schemas that cannot preserve order at construction time
//
// Key Components:
//
//   - KeyCodec: Built once per column family from a Schema and an
//     EncoderSpec, then used for every encode/decode on that family.
//
//   - EncoderSpec: A tagged variant selecting the encoder behavior.
//     NoPrefix encodes without any ordering guarantees; RangeScan declares
//     how many leading columns form the ordering prefix.
//
// Ordering rules:
//   - Integers are encoded sign-flipped big-endian, so negative values sort
//     before positive ones under bytewise comparison.
//   - Floats use the standard total-order transform: the full bit pattern
//     is inverted for negatives and only the sign bit is flipped otherwise.
//     The resulting order is -NaN, -Inf, negatives, -0.0, 0.0, positives,
//     +Inf, NaN. In the ordering prefix every NaN payload collapses to the
//     canonical quiet NaN of its sign, so logically equal NaN keys encode
//     identically; remainder columns keep the payload bits.
//   - A null column encodes as a single marker byte that sorts before every
//     non-null encoding, independent of the column type.
//   - Only the last ordering column may be variable-width (String/Binary);
//     it is encoded with 0x00-escaping and a two-byte terminator so proper
//     prefixes sort first. Variable-width columns in earlier ordering
//     positions and Null-typed ordering columns are rejected with an error
//     wrapping ErrUnsupported that names the field and index.
//
// Every encoded key and value starts with a one-byte format version so the
// physical encoding can evolve; decode rejects unexpected leading bytes.
package codec
