package engine

import (
	"encoding/binary"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/vkvlabs/vKV/lib/logging"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// familyPrefixLen is the width of the family prefix prepended to every
	// physical key.
	familyPrefixLen = 2

	// metaPrefix is the reserved prefix holding engine-internal metadata.
	// Family prefix assignment starts after it and is append-only.
	metaPrefix uint16 = 0

	// maxFamilyPrefix bounds prefix assignment so the exclusive upper
	// bound of the last family is still representable.
	maxFamilyPrefix uint16 = 0xFFFE
)

// familiesMetaKey is the physical key of the persisted column family
// registry.
var familiesMetaKey = append(prefixBytes(metaPrefix), []byte("cf-meta")...)

var log = logging.GetLogger("engine")

// --------------------------------------------------------------------------
// Engine Implementation
// --------------------------------------------------------------------------

// pebbleEngine implements Engine on top of a pebble instance.
type pebbleEngine struct {
	dir  string
	opts Options
	db   *pebble.DB

	families   map[string]*ColumnFamily
	nextPrefix uint16
	numKeys    uint64
	closed     bool
}

// Open opens (or creates) an engine rooted at dir. The default column
// family exists after Open; families registered by an earlier incarnation
// of the same directory are restored with their original prefixes.
func Open(dir string, opts *Options) (Engine, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	compression, err := toPebbleCompression(opts.Codec)
	if err != nil {
		return nil, err
	}

	pebbleOpts := &pebble.Options{
		MaxOpenFiles: opts.MaxOpenFiles,
		MemTableSize: opts.WriteBufferSizeMB << 20,
		Merger:       appendMerger,
		Logger:       pebbleLogAdapter{},
	}
	pebbleOpts.Levels = []pebble.LevelOptions{{Compression: compression}}

	db, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening engine at %s", dir)
	}

	eng := &pebbleEngine{
		dir:      dir,
		opts:     *opts,
		db:       db,
		families: map[string]*ColumnFamily{},
	}
	if err := eng.loadFamilies(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return eng, nil
}

// --------------------------------------------------------------------------
// Column Family Management
// --------------------------------------------------------------------------

// familiesMeta is the persisted form of the column family registry.
type familiesMeta struct {
	Families   []ColumnFamily `json:"families"`
	NextPrefix uint16         `json:"nextPrefix"`
}

func (e *pebbleEngine) loadFamilies() error {
	raw, closer, err := e.db.Get(familiesMetaKey)
	if err == nil {
		var meta familiesMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			_ = closer.Close()
			return errors.Wrap(err, "decoding column family metadata")
		}
		_ = closer.Close()
		for i := range meta.Families {
			cf := meta.Families[i]
			e.families[cf.Name] = &cf
		}
		e.nextPrefix = meta.NextPrefix
		return nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return errors.Wrap(err, "reading column family metadata")
	}

	// Fresh instance: register the implicit default family.
	e.nextPrefix = metaPrefix + 1
	return e.registerFamily(DefaultFamily, false)
}

func (e *pebbleEngine) registerFamily(name string, multiValued bool) error {
	if e.nextPrefix > maxFamilyPrefix {
		return errors.Newf("column family prefix space exhausted (%d families)", len(e.families))
	}
	cf := &ColumnFamily{Name: name, Prefix: e.nextPrefix, MultiValued: multiValued}
	e.families[name] = cf
	e.nextPrefix++
	return e.persistFamilies()
}

func (e *pebbleEngine) persistFamilies() error {
	meta := familiesMeta{NextPrefix: e.nextPrefix}
	for _, cf := range e.families {
		meta.Families = append(meta.Families, *cf)
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "encoding column family metadata")
	}
	// The registry must survive a crash even between commits, otherwise a
	// reopened engine could hand out an already-used prefix.
	if err := e.db.Set(familiesMetaKey, raw, pebble.Sync); err != nil {
		return errors.Wrap(err, "persisting column family metadata")
	}
	return nil
}

func (e *pebbleEngine) CreateColumnFamily(name string, multiValued bool) error {
	if name == "" {
		return errors.New("column family name must not be empty")
	}
	if _, ok := e.families[name]; ok {
		return errors.Newf("column family %q already exists", name)
	}
	log.Debugf("creating column family %q (multiValued=%t)", name, multiValued)
	return e.registerFamily(name, multiValued)
}

func (e *pebbleEngine) ColumnFamilies() []ColumnFamily {
	out := make([]ColumnFamily, 0, len(e.families))
	for _, cf := range e.families {
		out = append(out, *cf)
	}
	return out
}

func (e *pebbleEngine) family(name string) (*ColumnFamily, error) {
	cf, ok := e.families[name]
	if !ok {
		return nil, errors.Newf("unknown column family %q", name)
	}
	return cf, nil
}

// --------------------------------------------------------------------------
// Read / Write Operations
// --------------------------------------------------------------------------

func (e *pebbleEngine) Get(family string, key []byte) ([]byte, bool, error) {
	cf, err := e.family(family)
	if err != nil {
		return nil, false, err
	}
	raw, closer, err := e.db.Get(physicalKey(cf.Prefix, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "engine get")
	}
	out := append([]byte(nil), raw...)
	_ = closer.Close()
	return out, true, nil
}

func (e *pebbleEngine) Put(family string, key, value []byte) error {
	cf, err := e.family(family)
	if err != nil {
		return err
	}
	if cf.MultiValued {
		// A plain set would store an unframed base operand that later merges
		// could not split back into values.
		return errors.Newf("column family %q only accepts merge writes", family)
	}
	phys := physicalKey(cf.Prefix, key)
	existed, err := e.has(phys)
	if err != nil {
		return err
	}
	if err := e.db.Set(phys, value, pebble.NoSync); err != nil {
		return errors.Wrap(err, "engine put")
	}
	if !existed {
		e.numKeys++
	}
	return nil
}

func (e *pebbleEngine) Merge(family string, key, value []byte) error {
	cf, err := e.family(family)
	if err != nil {
		return err
	}
	if !cf.MultiValued {
		return errors.Newf("column family %q was not created with merge support", family)
	}
	phys := physicalKey(cf.Prefix, key)
	existed, err := e.has(phys)
	if err != nil {
		return err
	}
	if err := e.db.Merge(phys, frameValue(value), pebble.NoSync); err != nil {
		return errors.Wrap(err, "engine merge")
	}
	if !existed {
		e.numKeys++
	}
	return nil
}

func (e *pebbleEngine) Values(family string, key []byte) ([][]byte, bool, error) {
	cf, err := e.family(family)
	if err != nil {
		return nil, false, err
	}
	if !cf.MultiValued {
		return nil, false, errors.Newf("column family %q was not created with merge support", family)
	}
	raw, found, err := e.Get(family, key)
	if err != nil || !found {
		return nil, found, err
	}
	values, err := splitFrames(raw)
	if err != nil {
		return nil, false, err
	}
	return values, true, nil
}

func (e *pebbleEngine) Remove(family string, key []byte) error {
	cf, err := e.family(family)
	if err != nil {
		return err
	}
	phys := physicalKey(cf.Prefix, key)
	existed, err := e.has(phys)
	if err != nil {
		return err
	}
	if err := e.db.Delete(phys, pebble.NoSync); err != nil {
		return errors.Wrap(err, "engine remove")
	}
	if existed {
		e.numKeys--
	}
	return nil
}

func (e *pebbleEngine) has(phys []byte) (bool, error) {
	_, closer, err := e.db.Get(phys)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "engine get")
	}
	_ = closer.Close()
	return true, nil
}

// --------------------------------------------------------------------------
// Scans
// --------------------------------------------------------------------------

func (e *pebbleEngine) Iterator(family string) (Iterator, error) {
	cf, err := e.family(family)
	if err != nil {
		return nil, err
	}
	return e.newFamilyIter(prefixBytes(cf.Prefix), prefixBytes(cf.Prefix+1)), nil
}

func (e *pebbleEngine) RangeScan(family string, lower, upper []byte) (Iterator, error) {
	cf, err := e.family(family)
	if err != nil {
		return nil, err
	}
	lo := prefixBytes(cf.Prefix)
	if lower != nil {
		lo = append(lo, lower...)
	}
	hi := prefixBytes(cf.Prefix + 1)
	if upper != nil {
		hi = append(prefixBytes(cf.Prefix), upper...)
	}
	return e.newFamilyIter(lo, hi), nil
}

func (e *pebbleEngine) PrefixScan(family string, prefix []byte) (Iterator, error) {
	cf, err := e.family(family)
	if err != nil {
		return nil, err
	}
	lo := append(prefixBytes(cf.Prefix), prefix...)
	hi := bytesUpperBound(lo)
	if hi == nil {
		hi = prefixBytes(cf.Prefix + 1)
	}
	return e.newFamilyIter(lo, hi), nil
}

func (e *pebbleEngine) newFamilyIter(lower, upper []byte) Iterator {
	it := e.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	return &familyIter{it: it}
}

// familyIter wraps a pebble iterator and strips the family prefix from the
// keys it yields.
type familyIter struct {
	it *pebble.Iterator
}

func (f *familyIter) First() bool   { return f.it.First() }
func (f *familyIter) Next() bool    { return f.it.Next() }
func (f *familyIter) Valid() bool   { return f.it.Valid() }
func (f *familyIter) Key() []byte   { return f.it.Key()[familyPrefixLen:] }
func (f *familyIter) Value() []byte { return f.it.Value() }
func (f *familyIter) Close() error  { return f.it.Close() }

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func (e *pebbleEngine) KeyCount() uint64 { return e.numKeys }

func (e *pebbleEngine) SetKeyCount(n uint64) { e.numKeys = n }

func (e *pebbleEngine) Flush() error {
	if err := e.db.Flush(); err != nil {
		return errors.Wrap(err, "engine flush")
	}
	return nil
}

func (e *pebbleEngine) Checkpoint(dir string) error {
	if err := e.db.Checkpoint(dir); err != nil {
		return errors.Wrapf(err, "engine checkpoint to %s", dir)
	}
	return nil
}

func (e *pebbleEngine) Compact() error {
	// Full key space: from the metadata prefix up to the end of the last
	// assignable family prefix.
	lo := prefixBytes(metaPrefix)
	hi := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	if err := e.db.Compact(lo, hi, false); err != nil {
		return errors.Wrap(err, "engine compaction")
	}
	return nil
}

func (e *pebbleEngine) Opts() Options { return e.opts }

func (e *pebbleEngine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.db.Close(); err != nil {
		return errors.Wrapf(err, "closing engine at %s", e.dir)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func prefixBytes(p uint16) []byte {
	b := make([]byte, familyPrefixLen, familyPrefixLen+16)
	binary.BigEndian.PutUint16(b, p)
	return b
}

func physicalKey(prefix uint16, key []byte) []byte {
	out := make([]byte, familyPrefixLen+len(key))
	binary.BigEndian.PutUint16(out, prefix)
	copy(out[familyPrefixLen:], key)
	return out
}

// bytesUpperBound returns the smallest byte string greater than every
// string starting with b, or nil if no such bound exists (all 0xFF).
func bytesUpperBound(b []byte) []byte {
	out := append([]byte(nil), b...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

func toPebbleCompression(c Compression) (pebble.Compression, error) {
	switch c {
	case CompressionSnappy, "":
		return pebble.SnappyCompression, nil
	case CompressionZstd:
		return pebble.ZstdCompression, nil
	case CompressionNone:
		return pebble.NoCompression, nil
	default:
		return 0, errors.Newf("unknown compression codec %q", c)
	}
}

// pebbleLogAdapter routes pebble's internal logging through our logger.
type pebbleLogAdapter struct{}

func (pebbleLogAdapter) Infof(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

func (pebbleLogAdapter) Fatalf(format string, args ...interface{}) {
	log.Panicf(format, args...)
}
