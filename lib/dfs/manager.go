package dfs

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/vkvlabs/vKV/lib/logging"
)

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

// Sentinel errors sit in the Unwrap chain of the errors they classify, so
// callers test them with plain errors.Is.
var (
	// ErrVersionNotFound reports loads of a version for which no checkpoint
	// metadata exists in the remote store.
	ErrVersionNotFound = errors.New("checkpoint version not found")

	// ErrConcurrentWriter reports a failed atomic creation of a version's
	// metadata or changelog: another writer already committed the same
	// version under this checkpoint path. The runtime should fence out the
	// duplicate writer.
	ErrConcurrentWriter = errors.New("concurrent writer for checkpoint version")

	// ErrReconcileMismatch reports a local/remote reconciliation failure: a
	// referenced file is missing remotely or has the wrong size after
	// download. Never degraded to a warning.
	ErrReconcileMismatch = errors.New("checkpoint file reconciliation mismatch")
)

// --------------------------------------------------------------------------
// Constants and Metrics
// --------------------------------------------------------------------------

const (
	sstDirName     = "sst"
	logDirName     = "changelog"
	metadataSuffix = ".metadata"
	sstFileSuffix  = ".sst"
)

var (
	log = logging.GetLogger("dfs")

	filesUploaded   = metrics.NewCounter("vkv_dfs_files_uploaded_total")
	filesReused     = metrics.NewCounter("vkv_dfs_files_reused_total")
	filesDownloaded = metrics.NewCounter("vkv_dfs_files_downloaded_total")
	filesDeleted    = metrics.NewCounter("vkv_dfs_files_deleted_total")
	bytesUploaded   = metrics.NewCounter("vkv_dfs_bytes_uploaded_total")
	bytesDownloaded = metrics.NewCounter("vkv_dfs_bytes_downloaded_total")
)

// --------------------------------------------------------------------------
// Manager
// --------------------------------------------------------------------------

// Manager reconciles a local working directory with the durable remote
// store of one instance, one version at a time, minimizing redundant
// transfer. The remote layout under root is:
//
//	<root>/<version>.metadata      one record per committed version
//	<root>/sst/<dfsFileName>       deduplicated engine files
//	<root>/changelog/<dfsFileName> changelog files
//
// A Manager belongs to exactly one store instance; the instance lock
// serializes Save/Load against Cleanup.
type Manager struct {
	remote afero.Fs
	local  afero.Fs
	root   string

	mu sync.Mutex
	// tracked maps a local file name to the remote copy that already holds
	// its content, keyed by the (name, size) dedup heuristic. Populated by
	// saves and loads so a reopened writer inherits the mapping of the
	// version it loaded.
	tracked map[string]CheckpointFile
}

// NewManager creates a file manager for the instance rooted at root on the
// remote filesystem. local is the filesystem holding the working
// directories (the OS filesystem in production).
func NewManager(remote, local afero.Fs, root string) *Manager {
	return &Manager{
		remote:  remote,
		local:   local,
		root:    root,
		tracked: map[string]CheckpointFile{},
	}
}

// Root returns the remote root directory of this instance.
func (m *Manager) Root() string { return m.root }

// --------------------------------------------------------------------------
// Save
// --------------------------------------------------------------------------

// SaveFullCheckpoint uploads every file of the immutable checkpoint in
// localDir as version, deduplicating engine data files by (name, size)
// against files uploaded for earlier versions of this instance. Writing the
// metadata record is the last step: a crash before it leaves no trace of
// the new version.
func (m *Manager) SaveFullCheckpoint(localDir string, version uint64, numKeys uint64) (*CheckpointMetadata, error) {
	infos, err := afero.ReadDir(m.local, localDir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing checkpoint dir %s", localDir)
	}

	md := &CheckpointMetadata{NumKeys: numKeys}
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		cf, err := m.uploadDataFile(localDir, info.Name(), info.Size())
		if err != nil {
			return nil, err
		}
		md.SstFiles = append(md.SstFiles, cf)
	}
	sort.Slice(md.SstFiles, func(i, j int) bool {
		return md.SstFiles[i].LocalFileName < md.SstFiles[j].LocalFileName
	})

	if err := m.writeMetadata(version, md); err != nil {
		return nil, err
	}
	log.Infof("saved full checkpoint for version %d (%d files, %d keys)", version, len(md.SstFiles), numKeys)
	return md, nil
}

// SaveChangelogCheckpoint commits version as a changelog delta on top of
// base: the changelog file at logPath is uploaded, and the new metadata
// carries base's engine files forward with the changelog chain extended by
// one entry.
func (m *Manager) SaveChangelogCheckpoint(base *CheckpointMetadata, logPath string, version uint64, numKeys uint64) (*CheckpointMetadata, error) {
	info, err := m.local.Stat(logPath)
	if err != nil {
		return nil, errors.Wrapf(err, "stat changelog %s", logPath)
	}

	localName := fmt.Sprintf("%d%s", version, changelogSuffix)
	dfsName := uniqueDfsName(localName)
	if err := m.upload(logPath, path.Join(m.root, logDirName, dfsName), info.Size()); err != nil {
		return nil, err
	}

	md := &CheckpointMetadata{
		SstFiles: append([]CheckpointFile(nil), base.SstFiles...),
		LogFiles: append(append([]CheckpointFile(nil), base.LogFiles...), CheckpointFile{
			LocalFileName: localName,
			DfsFileName:   dfsName,
			SizeBytes:     info.Size(),
		}),
		NumKeys: numKeys,
	}
	if err := m.writeMetadata(version, md); err != nil {
		return nil, err
	}
	log.Infof("saved changelog checkpoint for version %d (%d deltas since snapshot)", version, len(md.LogFiles))
	return md, nil
}

// uploadDataFile uploads one file of a checkpoint directory, reusing an
// earlier upload when the (name, size) pair is already tracked. Only
// engine data files (.sst) are eligible for reuse: bookkeeping files such
// as the manifest can change content without changing name or size.
func (m *Manager) uploadDataFile(localDir, name string, size int64) (CheckpointFile, error) {
	if strings.HasSuffix(name, sstFileSuffix) {
		m.mu.Lock()
		prev, ok := m.tracked[name]
		m.mu.Unlock()
		if ok && prev.SizeBytes == size {
			filesReused.Inc()
			return prev, nil
		}
	}

	cf := CheckpointFile{
		LocalFileName: name,
		DfsFileName:   uniqueDfsName(name),
		SizeBytes:     size,
	}
	if err := m.upload(filepath.Join(localDir, name), path.Join(m.root, sstDirName, cf.DfsFileName), size); err != nil {
		return CheckpointFile{}, err
	}

	if strings.HasSuffix(name, sstFileSuffix) {
		m.mu.Lock()
		m.tracked[name] = cf
		m.mu.Unlock()
	}
	return cf, nil
}

func (m *Manager) upload(localPath, remotePath string, size int64) error {
	if err := m.remote.MkdirAll(path.Dir(remotePath), 0o755); err != nil {
		return errors.Wrapf(err, "creating remote dir %s", path.Dir(remotePath))
	}

	src, err := m.local.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "opening %s for upload", localPath)
	}
	defer src.Close()

	// Exclusive create: a pre-existing remote file under the same unique
	// name means a duplicate writer raced us to this exact upload.
	dst, err := m.remote.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return errors.Wrapf(ErrConcurrentWriter, "remote file %s already exists", remotePath)
		}
		return errors.Wrapf(err, "creating remote file %s", remotePath)
	}

	n, err := io.Copy(dst, src)
	if err != nil {
		_ = dst.Close()
		return errors.Wrapf(err, "uploading %s", localPath)
	}
	if err := dst.Close(); err != nil {
		return errors.Wrapf(err, "closing remote file %s", remotePath)
	}
	if n != size {
		return errors.Wrapf(ErrReconcileMismatch,
			"uploaded %d bytes of %s, expected %d", n, localPath, size)
	}

	filesUploaded.Inc()
	bytesUploaded.Add(int(n))
	return nil
}

// writeMetadata durably publishes the metadata record for version. The
// record is staged under a temporary name and moved into place, so readers
// never observe a partially written record; a record that already exists
// for the version means a concurrent writer committed it first.
func (m *Manager) writeMetadata(version uint64, md *CheckpointMetadata) error {
	raw, err := md.Marshal()
	if err != nil {
		return err
	}
	if err := m.remote.MkdirAll(m.root, 0o755); err != nil {
		return errors.Wrapf(err, "creating remote root %s", m.root)
	}

	final := m.metadataPath(version)
	if exists, err := afero.Exists(m.remote, final); err != nil {
		return errors.Wrapf(err, "checking metadata for version %d", version)
	} else if exists {
		return errors.Wrapf(ErrConcurrentWriter,
			"metadata for version %d already committed", version)
	}

	tmp := final + ".tmp-" + uuid.NewString()
	if err := afero.WriteFile(m.remote, tmp, raw, 0o644); err != nil {
		return errors.Wrapf(err, "staging metadata for version %d", version)
	}
	if err := m.remote.Rename(tmp, final); err != nil {
		_ = m.remote.Remove(tmp)
		return errors.Wrapf(err, "publishing metadata for version %d", version)
	}
	return nil
}

// --------------------------------------------------------------------------
// Load
// --------------------------------------------------------------------------

// LoadCheckpoint reconciles engineDir and logDir to exactly the file set of
// version: referenced files are downloaded when absent or size-mismatched
// locally, and files not referenced by the version are deleted. Version 0
// is the empty store and simply clears both directories.
func (m *Manager) LoadCheckpoint(version uint64, engineDir, logDir string) (*CheckpointMetadata, error) {
	if version == 0 {
		for _, dir := range []string{engineDir, logDir} {
			if err := m.clearDir(dir); err != nil {
				return nil, err
			}
		}
		return &CheckpointMetadata{}, nil
	}

	raw, err := afero.ReadFile(m.remote, m.metadataPath(version))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrVersionNotFound,
				"no checkpoint metadata for version %d under %s", version, m.root)
		}
		return nil, errors.Wrapf(err, "reading metadata for version %d", version)
	}
	md, err := UnmarshalCheckpointMetadata(raw)
	if err != nil {
		return nil, err
	}

	if err := m.reconcileDir(engineDir, sstDirName, md.SstFiles); err != nil {
		return nil, err
	}
	if err := m.reconcileDir(logDir, logDirName, md.LogFiles); err != nil {
		return nil, err
	}

	// Inherit the dedup mapping of the loaded version so the next save
	// reuses its uploads.
	m.mu.Lock()
	m.tracked = map[string]CheckpointFile{}
	for _, cf := range md.SstFiles {
		if strings.HasSuffix(cf.LocalFileName, sstFileSuffix) {
			m.tracked[cf.LocalFileName] = cf
		}
	}
	m.mu.Unlock()

	log.Infof("loaded checkpoint version %d (%d files, %d changelogs, %d keys)",
		version, len(md.SstFiles), len(md.LogFiles), md.NumKeys)
	return md, nil
}

// reconcileDir makes localDir contain exactly the files listed in refs.
func (m *Manager) reconcileDir(localDir, remoteDir string, refs []CheckpointFile) error {
	if err := m.local.MkdirAll(localDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", localDir)
	}

	referenced := make(map[string]CheckpointFile, len(refs))
	for _, cf := range refs {
		referenced[cf.LocalFileName] = cf
	}

	infos, err := afero.ReadDir(m.local, localDir)
	if err != nil {
		return errors.Wrapf(err, "listing %s", localDir)
	}
	present := map[string]int64{}
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		if _, ok := referenced[info.Name()]; !ok {
			// Leftover from a different version; must not survive.
			if err := m.local.Remove(filepath.Join(localDir, info.Name())); err != nil {
				return errors.Wrapf(err, "removing stale file %s", info.Name())
			}
			continue
		}
		present[info.Name()] = info.Size()
	}

	for _, cf := range refs {
		if size, ok := present[cf.LocalFileName]; ok && size == cf.SizeBytes {
			continue
		}
		if err := m.download(path.Join(m.root, remoteDir, cf.DfsFileName),
			filepath.Join(localDir, cf.LocalFileName), cf.SizeBytes); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) download(remotePath, localPath string, size int64) error {
	src, err := m.remote.Open(remotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(ErrReconcileMismatch,
				"referenced remote file %s is missing", remotePath)
		}
		return errors.Wrapf(err, "opening remote file %s", remotePath)
	}
	defer src.Close()

	dst, err := m.local.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", localPath)
	}
	n, err := io.Copy(dst, src)
	if err != nil {
		_ = dst.Close()
		return errors.Wrapf(err, "downloading %s", remotePath)
	}
	if err := dst.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", localPath)
	}
	if n != size {
		return errors.Wrapf(ErrReconcileMismatch,
			"downloaded %d bytes of %s, metadata says %d", n, remotePath, size)
	}

	filesDownloaded.Inc()
	bytesDownloaded.Add(int(n))
	return nil
}

func (m *Manager) clearDir(dir string) error {
	if err := m.local.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	infos, err := afero.ReadDir(m.local, dir)
	if err != nil {
		return errors.Wrapf(err, "listing %s", dir)
	}
	for _, info := range infos {
		if err := m.local.RemoveAll(filepath.Join(dir, info.Name())); err != nil {
			return errors.Wrapf(err, "clearing %s", dir)
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Version Listing and Cleanup
// --------------------------------------------------------------------------

// Versions returns all committed versions in ascending order.
func (m *Manager) Versions() ([]uint64, error) {
	infos, err := afero.ReadDir(m.remote, m.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing %s", m.root)
	}
	var out []uint64
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !strings.HasSuffix(name, metadataSuffix) {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSuffix(name, metadataSuffix), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// LatestVersion returns the highest committed version, or 0 if none exist.
func (m *Manager) LatestVersion() (uint64, error) {
	versions, err := m.Versions()
	if err != nil || len(versions) == 0 {
		return 0, err
	}
	return versions[len(versions)-1], nil
}

// ReadMetadata returns the metadata record of one committed version.
func (m *Manager) ReadMetadata(version uint64) (*CheckpointMetadata, error) {
	raw, err := afero.ReadFile(m.remote, m.metadataPath(version))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrVersionNotFound,
				"no checkpoint metadata for version %d under %s", version, m.root)
		}
		return nil, errors.Wrapf(err, "reading metadata for version %d", version)
	}
	return UnmarshalCheckpointMetadata(raw)
}

// Cleanup deletes metadata and now-unreferenced remote files for versions
// older than latest-minVersionsToRetain+1. Files referenced by any retained
// version are never deleted, so every retained version stays fully
// loadable for concurrent readers.
func (m *Manager) Cleanup(minVersionsToRetain int) error {
	if minVersionsToRetain <= 0 {
		return errors.Newf("minVersionsToRetain must be positive, got %d", minVersionsToRetain)
	}
	versions, err := m.Versions()
	if err != nil || len(versions) == 0 {
		return err
	}
	latest := versions[len(versions)-1]
	if latest < uint64(minVersionsToRetain) {
		return nil
	}
	minKeep := latest - uint64(minVersionsToRetain) + 1

	// Collect every dfs name still referenced by a retained version before
	// touching anything.
	referenced := map[string]bool{}
	var expired []uint64
	for _, v := range versions {
		if v < minKeep {
			expired = append(expired, v)
			continue
		}
		md, err := m.ReadMetadata(v)
		if err != nil {
			return err
		}
		for _, cf := range md.SstFiles {
			referenced[path.Join(sstDirName, cf.DfsFileName)] = true
		}
		for _, cf := range md.LogFiles {
			referenced[path.Join(logDirName, cf.DfsFileName)] = true
		}
	}
	if len(expired) == 0 {
		return nil
	}

	// Drop expired metadata first so no reader can start loading a version
	// whose files are about to disappear.
	for _, v := range expired {
		if err := m.remote.Remove(m.metadataPath(v)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(err, "removing metadata for version %d", v)
		}
		filesDeleted.Inc()
	}

	for _, dir := range []string{sstDirName, logDirName} {
		infos, err := afero.ReadDir(m.remote, path.Join(m.root, dir))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return errors.Wrapf(err, "listing %s", path.Join(m.root, dir))
		}
		for _, info := range infos {
			if info.IsDir() || referenced[path.Join(dir, info.Name())] {
				continue
			}
			if err := m.remote.Remove(path.Join(m.root, dir, info.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
				return errors.Wrapf(err, "removing unreferenced file %s", info.Name())
			}
			filesDeleted.Inc()
		}
	}

	log.Infof("cleanup removed %d expired versions (retaining %d..%d)", len(expired), minKeep, latest)
	return nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

const changelogSuffix = ".changelog"

func (m *Manager) metadataPath(version uint64) string {
	return path.Join(m.root, fmt.Sprintf("%d%s", version, metadataSuffix))
}

// uniqueDfsName derives a fresh remote name for a local file by inserting a
// uniqueness token, so two writers uploading the same local name never
// collide.
func uniqueDfsName(localName string) string {
	ext := filepath.Ext(localName)
	base := strings.TrimSuffix(localName, ext)
	return base + "-" + uuid.NewString() + ext
}
