package engine

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

// Multi-valued column families store all values of a key as a sequence of
// length-framed elements. Merge operands are framed before they reach the
// engine; the merge operator below only concatenates frames, which keeps it
// associative and order-preserving.

const frameHeaderLen = 4

func frameValue(v []byte) []byte {
	out := make([]byte, frameHeaderLen+len(v))
	binary.BigEndian.PutUint32(out, uint32(len(v)))
	copy(out[frameHeaderLen:], v)
	return out
}

func splitFrames(raw []byte) ([][]byte, error) {
	var out [][]byte
	for len(raw) > 0 {
		if len(raw) < frameHeaderLen {
			return nil, errors.New("corrupt merge value: truncated frame header")
		}
		n := int(binary.BigEndian.Uint32(raw))
		raw = raw[frameHeaderLen:]
		if len(raw) < n {
			return nil, errors.New("corrupt merge value: truncated frame payload")
		}
		out = append(out, raw[:n:n])
		raw = raw[n:]
	}
	return out, nil
}

// appendMerger concatenates framed merge operands in append order. The
// merger name is persisted in the engine's files, so it must stay stable
// across releases.
var appendMerger = &pebble.Merger{
	Name: "vkv.append",
	Merge: func(_, value []byte) (pebble.ValueMerger, error) {
		m := &appendValueMerger{}
		m.buf = append(m.buf, value...)
		return m, nil
	},
}

type appendValueMerger struct {
	buf []byte
}

func (m *appendValueMerger) MergeNewer(value []byte) error {
	m.buf = append(m.buf, value...)
	return nil
}

func (m *appendValueMerger) MergeOlder(value []byte) error {
	out := make([]byte, 0, len(value)+len(m.buf))
	out = append(out, value...)
	out = append(out, m.buf...)
	m.buf = out
	return nil
}

func (m *appendValueMerger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	return m.buf, nil, nil
}
