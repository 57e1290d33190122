package changelog

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/vkvlabs/vKV/lib/engine"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	magicNum      = "VKVLOG\x00\x00" // File format identifier
	formatVersion = 1                // Changelog format version
)

// Op identifies the kind of a changelog record.
type Op byte

const (
	OpPut Op = iota + 1
	OpMerge
	OpRemove
	OpCreateFamily
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "Put"
	case OpMerge:
		return "Merge"
	case OpRemove:
		return "Remove"
	case OpCreateFamily:
		return "CreateFamily"
	default:
		return "Unknown"
	}
}

// codec bytes persisted in the file header
const (
	codecNone byte = 0
	codecZstd byte = 1
)

// Changelog files are written exactly once; an existing file at the target
// path means a duplicate writer.
const fileCreateExclFlags = os.O_WRONLY | os.O_CREATE | os.O_EXCL

// Record is one logical mutation in a changelog file. For OpCreateFamily
// the Value holds a single flag byte marking the family as multi-valued.
type Record struct {
	Op     Op
	Family string
	Key    []byte
	Value  []byte
}

// --------------------------------------------------------------------------
// Writer
// --------------------------------------------------------------------------

// Writer appends mutation records for one version to a changelog file.
// Records are buffered and optionally zstd-compressed; the file becomes
// immutable once Commit returns. A Writer is not safe for concurrent use
// (single-writer discipline).
type Writer struct {
	fs   afero.Fs
	path string
	f    afero.File
	bw   *bufio.Writer
	zw   *zstd.Encoder
	w    io.Writer
	done bool
}

// NewWriter creates the changelog file for version at path and writes the
// file header. The file must not already exist.
func NewWriter(fs afero.Fs, path string, version uint64, compress bool) (*Writer, error) {
	f, err := fs.OpenFile(path, fileCreateExclFlags, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating changelog %s", path)
	}
	bw := bufio.NewWriter(f)

	header := make([]byte, 0, len(magicNum)+10)
	header = append(header, magicNum...)
	header = append(header, formatVersion)
	header = binary.BigEndian.AppendUint64(header, version)
	codec := codecNone
	if compress {
		codec = codecZstd
	}
	header = append(header, codec)
	if _, err := bw.Write(header); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "writing changelog header")
	}

	w := &Writer{fs: fs, path: path, f: f, bw: bw, w: bw}
	if compress {
		zw, err := zstd.NewWriter(bw)
		if err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, "creating zstd writer")
		}
		w.zw = zw
		w.w = zw
	}
	return w, nil
}

// Path returns the path of the changelog file being written.
func (w *Writer) Path() string { return w.path }

// Put records an insert or overwrite.
func (w *Writer) Put(family string, key, value []byte) error {
	return w.append(Record{Op: OpPut, Family: family, Key: key, Value: value})
}

// Merge records an append to a multi-valued key.
func (w *Writer) Merge(family string, key, value []byte) error {
	return w.append(Record{Op: OpMerge, Family: family, Key: key, Value: value})
}

// Remove records a key deletion.
func (w *Writer) Remove(family string, key []byte) error {
	return w.append(Record{Op: OpRemove, Family: family, Key: key})
}

// CreateFamily records a column family creation, so replay against an older
// snapshot recreates the family before its first mutation.
func (w *Writer) CreateFamily(family string, multiValued bool) error {
	flag := []byte{0}
	if multiValued {
		flag[0] = 1
	}
	return w.append(Record{Op: OpCreateFamily, Family: family, Value: flag})
}

func (w *Writer) append(rec Record) error {
	if w.done {
		return errors.New("changelog writer already finalized")
	}
	buf := make([]byte, 0, 16+len(rec.Family)+len(rec.Key)+len(rec.Value))
	buf = append(buf, byte(rec.Op))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(rec.Family)))
	buf = append(buf, rec.Family...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(rec.Key)))
	buf = append(buf, rec.Key...)
	if rec.Op == OpRemove {
		if _, err := w.w.Write(buf); err != nil {
			return errors.Wrap(err, "writing changelog record")
		}
		return nil
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(rec.Value)))
	buf = append(buf, rec.Value...)
	if _, err := w.w.Write(buf); err != nil {
		return errors.Wrap(err, "writing changelog record")
	}
	return nil
}

// Commit flushes all buffered records and closes the file. The file is
// immutable afterwards.
func (w *Writer) Commit() error {
	if w.done {
		return nil
	}
	w.done = true
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			_ = w.f.Close()
			return errors.Wrap(err, "finalizing changelog compression")
		}
	}
	if err := w.bw.Flush(); err != nil {
		_ = w.f.Close()
		return errors.Wrap(err, "flushing changelog")
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return errors.Wrap(err, "syncing changelog")
	}
	if err := w.f.Close(); err != nil {
		return errors.Wrap(err, "closing changelog")
	}
	return nil
}

// Abort discards the changelog: the file is closed and removed. Safe to
// call after Commit, in which case it does nothing.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.f.Close()
	if err := w.fs.Remove(w.path); err != nil {
		return errors.Wrapf(err, "removing aborted changelog %s", w.path)
	}
	return nil
}

// --------------------------------------------------------------------------
// Reader
// --------------------------------------------------------------------------

// Reader iterates the records of one changelog file in log order.
type Reader struct {
	f       afero.File
	zr      *zstd.Decoder
	r       *bufio.Reader
	version uint64
}

// NewReader opens a changelog file and validates its header.
func NewReader(fs afero.Fs, path string) (*Reader, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening changelog %s", path)
	}
	br := bufio.NewReader(f)

	header := make([]byte, len(magicNum)+10)
	if _, err := io.ReadFull(br, header); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "reading changelog header of %s", path)
	}
	if string(header[:len(magicNum)]) != magicNum {
		_ = f.Close()
		return nil, errors.Newf("%s is not a changelog file", path)
	}
	if header[len(magicNum)] != formatVersion {
		_ = f.Close()
		return nil, errors.Newf("unsupported changelog format version %d, want %d",
			header[len(magicNum)], formatVersion)
	}
	version := binary.BigEndian.Uint64(header[len(magicNum)+1:])
	codec := header[len(magicNum)+9]

	rd := &Reader{f: f, version: version}
	switch codec {
	case codecNone:
		rd.r = br
	case codecZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, "creating zstd reader")
		}
		rd.zr = zr
		rd.r = bufio.NewReader(zr)
	default:
		_ = f.Close()
		return nil, errors.Newf("unknown changelog compression codec %d", codec)
	}
	return rd, nil
}

// Version returns the store version this changelog file belongs to.
func (r *Reader) Version() uint64 { return r.version }

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	opByte, err := r.r.ReadByte()
	if err == io.EOF {
		return Record{}, io.EOF
	}
	if err != nil {
		return Record{}, errors.Wrap(err, "reading changelog record")
	}
	rec := Record{Op: Op(opByte)}
	switch rec.Op {
	case OpPut, OpMerge, OpRemove, OpCreateFamily:
	default:
		return Record{}, errors.Newf("invalid changelog op byte 0x%02x", opByte)
	}

	family, err := r.readLenPrefixed(2)
	if err != nil {
		return Record{}, err
	}
	rec.Family = string(family)

	rec.Key, err = r.readLenPrefixed(4)
	if err != nil {
		return Record{}, err
	}
	if rec.Op != OpRemove {
		rec.Value, err = r.readLenPrefixed(4)
		if err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

func (r *Reader) readLenPrefixed(headerLen int) ([]byte, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r.r, header); err != nil {
		return nil, errors.Wrap(err, "truncated changelog record")
	}
	var n int
	if headerLen == 2 {
		n = int(binary.BigEndian.Uint16(header))
	} else {
		n = int(binary.BigEndian.Uint32(header))
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r.r, out); err != nil {
		return nil, errors.Wrap(err, "truncated changelog record")
	}
	return out, nil
}

// Close releases the reader's resources.
func (r *Reader) Close() error {
	if r.zr != nil {
		r.zr.Close()
	}
	return r.f.Close()
}

// --------------------------------------------------------------------------
// Replay
// --------------------------------------------------------------------------

// Replay applies the changelog files at paths, in order, to an engine
// opened at the base version. Later records for the same key override
// earlier ones for Put/Remove; Merge records append in log order, so the
// reconstructed state equals the state the original writer committed.
func Replay(fs afero.Fs, paths []string, eng engine.Engine) error {
	known := map[string]bool{}
	for _, cf := range eng.ColumnFamilies() {
		known[cf.Name] = true
	}

	for _, path := range paths {
		rd, err := NewReader(fs, path)
		if err != nil {
			return err
		}
		if err := replayOne(rd, eng, known); err != nil {
			_ = rd.Close()
			return errors.Wrapf(err, "replaying changelog %s", path)
		}
		if err := rd.Close(); err != nil {
			return err
		}
	}
	return nil
}

func replayOne(rd *Reader, eng engine.Engine, known map[string]bool) error {
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch rec.Op {
		case OpCreateFamily:
			if known[rec.Family] {
				continue
			}
			multiValued := len(rec.Value) == 1 && rec.Value[0] == 1
			if err := eng.CreateColumnFamily(rec.Family, multiValued); err != nil {
				return err
			}
			known[rec.Family] = true
		case OpPut:
			if err := eng.Put(rec.Family, rec.Key, rec.Value); err != nil {
				return err
			}
		case OpMerge:
			if err := eng.Merge(rec.Family, rec.Key, rec.Value); err != nil {
				return err
			}
		case OpRemove:
			if err := eng.Remove(rec.Family, rec.Key); err != nil {
				return err
			}
		}
	}
}
