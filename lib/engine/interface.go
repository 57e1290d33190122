package engine

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Compression selects the block compression codec of the underlying engine.
type Compression string

const (
	CompressionSnappy Compression = "snappy"
	CompressionZstd   Compression = "zstd"
	CompressionNone   Compression = "none"
)

// Options configures an Engine instance at open time.
type Options struct {
	// MaxOpenFiles limits the number of file descriptors the engine may
	// hold open at once. Zero means the engine default.
	MaxOpenFiles int
	// WriteBufferSizeMB is the size of the in-memory write buffer in MiB
	// before it is flushed into an immutable data file.
	WriteBufferSizeMB int
	// Codec is the block compression codec for on-disk data files.
	Codec Compression
}

// DefaultOptions returns the default Engine options.
func DefaultOptions() *Options {
	return &Options{
		MaxOpenFiles:      1000,
		WriteBufferSizeMB: 64,
		Codec:             CompressionSnappy,
	}
}

// --------------------------------------------------------------------------
// Column Families
// --------------------------------------------------------------------------

// DefaultFamily is the column family that exists implicitly in every engine.
const DefaultFamily = "default"

// ColumnFamily describes one logical namespace within the engine. The
// Prefix is prepended to every key of the family before it reaches the
// sorted engine; prefix assignment is append-only and never reused for the
// lifetime of the instance's metadata.
type ColumnFamily struct {
	Name        string `json:"name"`
	Prefix      uint16 `json:"prefix"`
	MultiValued bool   `json:"multiValued"`
}

// --------------------------------------------------------------------------
// Iterator
// --------------------------------------------------------------------------

// Iterator is a lazy cursor over the (key, value) pairs of one column
// family, sorted ascending by encoded key bytes. It is finite, bound to the
// state visible at creation, and not restartable mid-scan; create a new
// iterator to scan again.
//
// Key and Value return slices that are only valid until the next call to
// Next; copy them if they need to outlive the step.
type Iterator interface {
	First() bool
	Next() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Close() error
}

// --------------------------------------------------------------------------
// Engine Interface
// --------------------------------------------------------------------------

// Engine owns one embedded sorted key-value engine instance bound to a
// local directory. It is byte-oriented and has no knowledge of logical key
// schemas; the codec package handles typed keys before they reach the
// engine.
//
// Engines follow a single-writer discipline: mutating calls must not run
// concurrently with each other or with open iterators.
type Engine interface {

	// --------------------------------------------------------------------------
	// Column Family Management
	// --------------------------------------------------------------------------

	// CreateColumnFamily registers a new column family under a fresh,
	// never-reused prefix. Creating a family that already exists is an
	// error; multiValued enables merge/append semantics for the family.
	CreateColumnFamily(name string, multiValued bool) error

	// ColumnFamilies returns all registered families, including the
	// implicit default family.
	ColumnFamilies() []ColumnFamily

	// --------------------------------------------------------------------------
	// Read / Write Operations
	// --------------------------------------------------------------------------

	// Get retrieves the value stored under key. The boolean reports
	// whether the key was found. For multi-valued families Get returns the
	// raw merged representation; use Values for the individual elements.
	Get(family string, key []byte) (value []byte, found bool, err error)

	// Put inserts or overwrites the value under key. Only valid on
	// single-valued families; multi-valued families take Merge writes.
	Put(family string, key, value []byte) error

	// Merge appends value to the ordered per-key value list. Only valid on
	// families created with multiValued set.
	Merge(family string, key, value []byte) error

	// Values returns all values merged under key in append order.
	Values(family string, key []byte) (values [][]byte, found bool, err error)

	// Remove deletes the key and all its values. Removing an absent key is
	// not an error.
	Remove(family string, key []byte) error

	// --------------------------------------------------------------------------
	// Scans
	// --------------------------------------------------------------------------

	// Iterator scans the whole family in ascending encoded-key order.
	Iterator(family string) (Iterator, error)

	// RangeScan scans keys in [lower, upper) of the family, where the
	// bounds are encoded-key byte prefixes. A nil lower starts at the
	// first key of the family, a nil upper ends at the last.
	RangeScan(family string, lower, upper []byte) (Iterator, error)

	// PrefixScan scans all keys of the family starting with prefix.
	PrefixScan(family string, prefix []byte) (Iterator, error)

	// --------------------------------------------------------------------------
	// Lifecycle
	// --------------------------------------------------------------------------

	// KeyCount returns the number of live keys across all families.
	KeyCount() uint64

	// SetKeyCount overrides the live key count. Used after the caller has
	// reconstructed state (for example by replaying a changelog) and knows
	// the authoritative count.
	SetKeyCount(n uint64)

	// Flush forces the in-memory write buffer into immutable on-disk
	// files.
	Flush() error

	// Checkpoint materializes a consistent, immutable copy of all engine
	// files into dir. The copy shares file contents with the live engine
	// where the platform allows and is safe to upload while the engine
	// keeps running.
	Checkpoint(dir string) error

	// Compact runs a full manual compaction. Intended for the maintenance
	// scheduler, not the write path.
	Compact() error

	// Opts returns the effective configuration the engine was opened with.
	Opts() Options

	// Close releases the native engine resources. Safe to call multiple
	// times.
	Close() error
}
