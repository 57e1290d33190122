package store

import (
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/vkvlabs/vKV/lib/changelog"
	"github.com/vkvlabs/vKV/lib/codec"
	"github.com/vkvlabs/vKV/lib/dfs"
	"github.com/vkvlabs/vKV/lib/engine"
	"github.com/vkvlabs/vKV/lib/logging"
)

var (
	log = logging.GetLogger("store")

	commitsSnapshot  = metrics.NewCounter(`vkv_commits_total{type="snapshot"}`)
	commitsChangelog = metrics.NewCounter(`vkv_commits_total{type="changelog"}`)
	loadsTotal       = metrics.NewCounter("vkv_loads_total")
	loadDuration     = metrics.NewHistogram("vkv_load_duration_seconds")
)

// --------------------------------------------------------------------------
// Identity and Configuration
// --------------------------------------------------------------------------

// StoreId identifies one logical store instance. It owns exactly one local
// working directory and one remote checkpoint directory tree. Immutable
// after construction.
type StoreId struct {
	RootPath       string
	PartitionIndex int
	StoreName      string
}

func (id StoreId) String() string {
	return fmt.Sprintf("%s/%s/%d", id.RootPath, id.StoreName, id.PartitionIndex)
}

// RemoteRoot returns the instance's directory on the remote store.
func (id StoreId) RemoteRoot() string {
	return path.Join(id.RootPath, id.StoreName, strconv.Itoa(id.PartitionIndex))
}

// Conf holds the tunable parameters of a store instance.
type Conf struct {
	// LockAcquireTimeout bounds how long Load blocks for the instance lock.
	LockAcquireTimeout time.Duration
	// MinVersionsToRetain is the retention window applied by Cleanup.
	MinVersionsToRetain int
	// MinDeltasForSnapshot is the changelog-to-snapshot cadence: after this
	// many changelog commits since the last snapshot, the next commit takes
	// a full snapshot to bound replay cost.
	MinDeltasForSnapshot int
	// ChangelogCheckpointing switches commits from full snapshots to
	// per-version changelogs (with periodic snapshots).
	ChangelogCheckpointing bool
	// CompressChangelog enables zstd compression of changelog files.
	CompressChangelog bool
	// Engine configures the underlying sorted engine.
	Engine *engine.Options
}

// DefaultConf returns the default store configuration.
func DefaultConf() *Conf {
	return &Conf{
		LockAcquireTimeout:     60 * time.Second,
		MinVersionsToRetain:    100,
		MinDeltasForSnapshot:   10,
		ChangelogCheckpointing: false,
		CompressChangelog:      true,
		Engine:                 engine.DefaultOptions(),
	}
}

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

// Store is the public facade of one versioned store instance. It
// coordinates the engine handle, the changelog and the file manager, and
// enforces the single-writer instance lock.
//
// State machine: Unloaded -> Loaded(v) via Load; Loaded(v) -> Loaded(v+1)
// via Commit, -> Loaded(v) via Rollback, -> Unloaded via Close. The lock is
// held from a successful Load until Commit, Rollback or Close, and is shared
// by every Store handle created for the same StoreId in this process.
type Store struct {
	id       StoreId
	conf     Conf
	localFs  afero.Fs
	dfs      *dfs.Manager
	lock     *instanceLock
	lockHeld bool

	engineDir string
	logDir    string
	workDir   string

	eng     engine.Engine
	meta    *dfs.CheckpointMetadata
	version uint64
	loaded  bool
	dirty   bool
	pending *changelog.Writer
}

// NewStore creates a store instance. remote is the durable checkpoint
// filesystem; workDir is the instance's local working directory on the OS
// filesystem. No I/O happens until the first Load.
func NewStore(id StoreId, remote afero.Fs, workDir string, conf *Conf) (*Store, error) {
	if conf == nil {
		conf = DefaultConf()
	}
	if conf.MinVersionsToRetain <= 0 {
		return nil, errors.Newf("minVersionsToRetain must be positive, got %d", conf.MinVersionsToRetain)
	}
	if conf.ChangelogCheckpointing && conf.MinDeltasForSnapshot <= 0 {
		return nil, errors.Newf("minDeltasForSnapshot must be positive, got %d", conf.MinDeltasForSnapshot)
	}
	if conf.Engine == nil {
		conf.Engine = engine.DefaultOptions()
	}

	localFs := afero.NewOsFs()
	return &Store{
		id:        id,
		conf:      *conf,
		localFs:   localFs,
		dfs:       dfs.NewManager(remote, localFs, id.RemoteRoot()),
		lock:      lockForId(id.String()),
		workDir:   workDir,
		engineDir: filepath.Join(workDir, "engine"),
		logDir:    filepath.Join(workDir, "changelog"),
	}, nil
}

// Id returns the store's identity.
func (s *Store) Id() StoreId { return s.id }

// Version returns the currently loaded version.
func (s *Store) Version() uint64 { return s.version }

// EngineOpts returns the effective engine configuration once a version has
// been loaded.
func (s *Store) EngineOpts() (engine.Options, error) {
	if s.eng == nil {
		return engine.Options{}, errors.New("store has not been loaded yet")
	}
	return s.eng.Opts(), nil
}

// --------------------------------------------------------------------------
// Load / Commit / Rollback / Close
// --------------------------------------------------------------------------

// Load acquires the instance lock (bounded by the configured timeout),
// reconciles the local working directory with the requested version and
// opens the engine at it. Version 0 is the empty store.
func (s *Store) Load(version uint64) error {
	if err := s.lock.acquire(fmt.Sprintf("load(version=%d)", version), s.conf.LockAcquireTimeout); err != nil {
		return err
	}
	s.lockHeld = true
	start := time.Now()
	if err := s.loadLocked(version); err != nil {
		s.releaseLock()
		return err
	}
	loadsTotal.Inc()
	loadDuration.UpdateDuration(start)
	return nil
}

func (s *Store) loadLocked(version uint64) error {
	// Fast path: the requested version is already open and unmodified.
	if s.loaded && s.version == version && !s.dirty && s.eng != nil {
		return s.openPending()
	}

	if err := s.discardPending(); err != nil {
		return err
	}
	if s.eng != nil {
		if err := s.eng.Close(); err != nil {
			return err
		}
		s.eng = nil
	}

	md, err := s.dfs.LoadCheckpoint(version, s.engineDir, s.logDir)
	if err != nil {
		return err
	}

	eng, err := engine.Open(s.engineDir, s.conf.Engine)
	if err != nil {
		return err
	}

	if len(md.LogFiles) > 0 {
		paths := make([]string, 0, len(md.LogFiles))
		for _, lf := range md.LogFiles {
			paths = append(paths, filepath.Join(s.logDir, lf.LocalFileName))
		}
		if err := changelog.Replay(s.localFs, paths, eng); err != nil {
			_ = eng.Close()
			return err
		}
	}
	eng.SetKeyCount(md.NumKeys)

	s.eng = eng
	s.meta = md
	s.version = version
	s.loaded = true
	s.dirty = false
	log.Debugf("%s loaded version %d (%d keys)", s.id, version, md.NumKeys)
	return s.openPending()
}

// openPending prepares the changelog writer for the next version.
func (s *Store) openPending() error {
	if !s.conf.ChangelogCheckpointing || s.pending != nil {
		return nil
	}
	if err := s.localFs.MkdirAll(s.logDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", s.logDir)
	}
	logPath := filepath.Join(s.logDir, fmt.Sprintf("%d.changelog", s.version+1))
	// A leftover file from a crashed attempt at this version is dead; the
	// exclusive create below reports anything beyond a stale file.
	_ = s.localFs.Remove(logPath)
	w, err := changelog.NewWriter(s.localFs, logPath, s.version+1, s.conf.CompressChangelog)
	if err != nil {
		return err
	}
	s.pending = w
	return nil
}

func (s *Store) discardPending() error {
	if s.pending == nil {
		return nil
	}
	err := s.pending.Abort()
	s.pending = nil
	return err
}

// Commit persists all mutations since Load as the next version, either as
// a full snapshot or as a changelog delta per the configured policy, and
// releases the instance lock. On failure the prior version remains fully
// intact and loadable, and the lock stays held so the caller can Rollback
// or Close.
func (s *Store) Commit() (uint64, error) {
	if err := s.requireWritable(); err != nil {
		return 0, err
	}
	newVersion := s.version + 1

	snapshot := !s.conf.ChangelogCheckpointing ||
		len(s.meta.LogFiles) >= s.conf.MinDeltasForSnapshot

	var (
		md  *dfs.CheckpointMetadata
		err error
	)
	if snapshot {
		md, err = s.commitSnapshot(newVersion)
	} else {
		md, err = s.commitChangelog(newVersion)
	}
	if err != nil {
		return 0, err
	}

	s.meta = md
	s.version = newVersion
	s.dirty = false
	s.releaseLock()
	log.Infof("%s committed version %d (snapshot=%t, %d keys)", s.id, newVersion, snapshot, md.NumKeys)
	return newVersion, nil
}

func (s *Store) commitSnapshot(version uint64) (*dfs.CheckpointMetadata, error) {
	// A snapshot supersedes the pending changelog chain.
	if err := s.discardPending(); err != nil {
		return nil, err
	}
	if err := s.eng.Flush(); err != nil {
		return nil, err
	}

	ckptDir := filepath.Join(s.workDir, fmt.Sprintf("checkpoint-%d", version))
	if err := s.localFs.RemoveAll(ckptDir); err != nil {
		return nil, errors.Wrapf(err, "clearing stale checkpoint dir %s", ckptDir)
	}
	if err := s.eng.Checkpoint(ckptDir); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.localFs.RemoveAll(ckptDir); err != nil {
			log.Warningf("%s could not remove checkpoint staging dir %s: %v", s.id, ckptDir, err)
		}
	}()

	md, err := s.dfs.SaveFullCheckpoint(ckptDir, version, s.eng.KeyCount())
	if err != nil {
		return nil, err
	}
	commitsSnapshot.Inc()
	return md, nil
}

func (s *Store) commitChangelog(version uint64) (*dfs.CheckpointMetadata, error) {
	if s.pending == nil {
		return nil, errors.New("no pending changelog writer")
	}
	if err := s.eng.Flush(); err != nil {
		return nil, err
	}
	if err := s.pending.Commit(); err != nil {
		return nil, err
	}
	logPath := s.pending.Path()
	s.pending = nil

	md, err := s.dfs.SaveChangelogCheckpoint(s.meta, logPath, version, s.eng.KeyCount())
	if err != nil {
		return nil, err
	}
	commitsChangelog.Inc()
	return md, nil
}

// Rollback discards all uncommitted mutations, reloads the last committed
// version and releases the instance lock.
func (s *Store) Rollback() error {
	if !s.loaded || !s.lockHeld {
		return errors.New("rollback is only valid on a loaded store")
	}
	s.dirty = true // force a real reload even if no mutation was recorded
	err := s.loadLocked(s.version)
	s.releaseLock()
	return err
}

// Close releases the engine handle and, if this handle holds it, the
// instance lock. Idempotent.
func (s *Store) Close() error {
	var err error
	if discardErr := s.discardPending(); discardErr != nil {
		err = discardErr
	}
	if s.eng != nil {
		if closeErr := s.eng.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.eng = nil
	}
	s.loaded = false
	s.releaseLock()
	return err
}

// releaseLock releases the shared instance lock only if this handle took
// it, so closing a second handle cannot drop another writer's hold.
func (s *Store) releaseLock() {
	if s.lockHeld {
		s.lock.release()
		s.lockHeld = false
	}
}

func (s *Store) requireWritable() error {
	if !s.loaded || s.eng == nil {
		return errors.New("store must be loaded before it can be mutated")
	}
	if !s.lockHeld {
		return errors.New("instance lock is not held; call Load before mutating")
	}
	return nil
}

// --------------------------------------------------------------------------
// State Access (valid only while Loaded)
// --------------------------------------------------------------------------

// CreateColumnFamily registers a new column family for the loaded version.
func (s *Store) CreateColumnFamily(name string, multiValued bool) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	if err := s.eng.CreateColumnFamily(name, multiValued); err != nil {
		return err
	}
	s.dirty = true
	if s.pending != nil {
		return s.pending.CreateFamily(name, multiValued)
	}
	return nil
}

// Get returns the value stored under key in the family.
func (s *Store) Get(family string, key []byte) ([]byte, bool, error) {
	if s.eng == nil {
		return nil, false, errors.New("store has not been loaded yet")
	}
	raw, found, err := s.eng.Get(family, key)
	if err != nil || !found {
		return nil, found, err
	}
	val, err := codec.DecodeValue(raw)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Put inserts or overwrites the value under key.
func (s *Store) Put(family string, key, value []byte) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	enc := codec.EncodeValue(value)
	if err := s.eng.Put(family, key, enc); err != nil {
		return err
	}
	s.dirty = true
	if s.pending != nil {
		return s.pending.Put(family, key, enc)
	}
	return nil
}

// Merge appends value to the ordered per-key value list of a multi-valued
// family.
func (s *Store) Merge(family string, key, value []byte) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	enc := codec.EncodeValue(value)
	if err := s.eng.Merge(family, key, enc); err != nil {
		return err
	}
	s.dirty = true
	if s.pending != nil {
		return s.pending.Merge(family, key, enc)
	}
	return nil
}

// Values returns all values merged under key in append order.
func (s *Store) Values(family string, key []byte) ([][]byte, bool, error) {
	if s.eng == nil {
		return nil, false, errors.New("store has not been loaded yet")
	}
	raws, found, err := s.eng.Values(family, key)
	if err != nil || !found {
		return nil, found, err
	}
	out := make([][]byte, 0, len(raws))
	for _, raw := range raws {
		val, err := codec.DecodeValue(raw)
		if err != nil {
			return nil, false, err
		}
		out = append(out, val)
	}
	return out, true, nil
}

// Remove deletes key and all its values.
func (s *Store) Remove(family string, key []byte) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	if err := s.eng.Remove(family, key); err != nil {
		return err
	}
	s.dirty = true
	if s.pending != nil {
		return s.pending.Remove(family, key)
	}
	return nil
}

// Iterator scans the whole family in ascending encoded-key order.
func (s *Store) Iterator(family string) (engine.Iterator, error) {
	if s.eng == nil {
		return nil, errors.New("store has not been loaded yet")
	}
	it, err := s.eng.Iterator(family)
	if err != nil {
		return nil, err
	}
	return s.wrapIterator(family, it)
}

// RangeScan scans keys in [lower, upper) of the family; bounds are encoded
// ordering-prefix bytes as produced by codec.KeyCodec.
func (s *Store) RangeScan(family string, lower, upper []byte) (engine.Iterator, error) {
	if s.eng == nil {
		return nil, errors.New("store has not been loaded yet")
	}
	it, err := s.eng.RangeScan(family, lower, upper)
	if err != nil {
		return nil, err
	}
	return s.wrapIterator(family, it)
}

// PrefixScan scans all keys of the family starting with prefix.
func (s *Store) PrefixScan(family string, prefix []byte) (engine.Iterator, error) {
	if s.eng == nil {
		return nil, errors.New("store has not been loaded yet")
	}
	it, err := s.eng.PrefixScan(family, prefix)
	if err != nil {
		return nil, err
	}
	return s.wrapIterator(family, it)
}

// wrapIterator strips the value format byte for single-valued families.
// Multi-valued families yield the raw merged representation; Values is the
// supported accessor for them.
func (s *Store) wrapIterator(family string, it engine.Iterator) (engine.Iterator, error) {
	for _, cf := range s.eng.ColumnFamilies() {
		if cf.Name == family && cf.MultiValued {
			return it, nil
		}
	}
	return &valueDecodingIter{Iterator: it}, nil
}

type valueDecodingIter struct {
	engine.Iterator
}

// Value strips the value format byte after validating it. Every value in a
// single-valued family was written through codec.EncodeValue, so a stray
// leading byte means the stored bytes are corrupt.
func (v *valueDecodingIter) Value() []byte {
	val, err := codec.DecodeValue(v.Iterator.Value())
	if err != nil {
		panic(errors.Wrap(err, "corrupt stored value"))
	}
	return val
}

// --------------------------------------------------------------------------
// Maintenance Entry Points
// --------------------------------------------------------------------------

// Cleanup removes versions outside the retention window and
// garbage-collects unreferenced remote files.
func (s *Store) Cleanup() error {
	return s.dfs.Cleanup(s.conf.MinVersionsToRetain)
}

// LatestVersion returns the highest committed version, or 0 if none exist.
func (s *Store) LatestVersion() (uint64, error) {
	return s.dfs.LatestVersion()
}

// Maintenance runs one opportunistic maintenance pass: if the instance
// lock is free it performs retention cleanup and engine compaction; if a
// writer holds the lock the pass is skipped without blocking.
func (s *Store) Maintenance() error {
	if !s.lock.tryAcquire("maintenance") {
		log.Debugf("%s skipping maintenance, lock is held", s.id)
		return nil
	}
	defer s.lock.release()

	if err := s.Cleanup(); err != nil {
		return err
	}
	if s.eng != nil {
		return s.eng.Compact()
	}
	return nil
}
