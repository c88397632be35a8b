// Package cachefs maps cache keys to on-disk paths and owns every
// filesystem mutation the cache performs: creating, deleting, and
// enumerating entries. CacheMetadataStore reconciles against it only
// through the Probe callback, and the evictor routes its deletes
// through here. The downloader and the HLS manager write segment,
// playlist and MP4 bytes directly into the paths this package hands out.
package cachefs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"videocache/internal/hashid"
)

const (
	mp4Ext  = ".mp4"
	hlsDir  = "hls"
	rootDir = "video_cache"
)

// EntryKind distinguishes a bare MP4 file from an HLS segment directory.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDirectory
)

// Entry describes one on-disk cache resident, surfaced by EnumerateEntries
// for the evictor and for diagnostics.
type Entry struct {
	Kind         EntryKind
	Hash         string
	Size         int64
	LastAccessed time.Time
	Path         string
}

// Manager is the CacheFileManager. It is safe for concurrent use; the
// cache directory is resolved and created at most once.
type Manager struct {
	logger  zerolog.Logger
	baseDir string // parent of the cache root; empty means os.TempDir()

	mu   sync.Mutex
	root string
}

// New constructs a Manager rooted under os.TempDir(). The cache
// directory is not created until the first call that needs it
// (CacheDir, EnsureFile, ...).
func New(logger zerolog.Logger) *Manager {
	return &Manager{logger: logger.With().Str("component", "cachefs").Logger()}
}

// NewWithRoot constructs a Manager rooted under baseDir instead of
// os.TempDir(), for the config-driven cache root override
// (SPEC_FULL.md §12). An empty baseDir behaves exactly like New.
func NewWithRoot(logger zerolog.Logger, baseDir string) *Manager {
	return &Manager{logger: logger.With().Str("component", "cachefs").Logger(), baseDir: baseDir}
}

// CacheDir returns <base>/video_cache, creating it on first call. base
// is os.TempDir() unless NewWithRoot supplied an override.
func (m *Manager) CacheDir() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root != "" {
		return m.root, nil
	}
	base := m.baseDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, rootDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cachefs: create cache dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, hlsDir), 0o755); err != nil {
		return "", fmt.Errorf("cachefs: create hls dir: %w", err)
	}
	m.root = dir
	return m.root, nil
}

// FilePath returns <cache_dir>/<hash(url)>.mp4. It does not create or
// stat the file itself, but it resolves the root through CacheDir, which
// creates the cache directory on the first call.
func (m *Manager) FilePath(url string) (string, error) {
	dir, err := m.CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, hashid.Of(url)+mp4Ext), nil
}

// HLSDir returns <cache_dir>/hls/<hash(url)>/, the directory root for an
// HLS cache entry.
func (m *Manager) HLSDir(url string) (string, error) {
	dir, err := m.CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, hlsDir, hashid.Of(url)), nil
}

// Exists reports whether the MP4 file for url is present.
func (m *Manager) Exists(url string) (bool, error) {
	path, err := m.FilePath(url)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Probe reports whether the MP4 file for url exists and, if so, its
// current size. It is the callback shape internal/metadata.New expects
// for startup reconciliation, keeping that package from importing this
// one (SPEC_FULL.md §9).
func (m *Manager) Probe(url string) (exists bool, size int64) {
	path, err := m.FilePath(url)
	if err != nil {
		return false, 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, 0
	}
	return true, info.Size()
}

// FileSize returns the MP4 file's current length, or 0 if absent.
func (m *Manager) FileSize(url string) int64 {
	path, err := m.FilePath(url)
	if err != nil {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// EnsureFile is idempotent: it creates a zero-byte file if absent and
// returns the path either way. It never truncates an existing file.
func (m *Manager) EnsureFile(url string) (string, error) {
	path, err := m.FilePath(url)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("cachefs: ensure file %s: %w", path, err)
	}
	_ = f.Close()
	return path, nil
}

// Delete removes the MP4 file for url. It is not an error if the file is
// already absent.
func (m *Manager) Delete(url string) error {
	path, err := m.FilePath(url)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cachefs: delete %s: %w", path, err)
	}
	return nil
}

// DeleteHLSDir removes the HLS directory for url, recursively.
func (m *Manager) DeleteHLSDir(url string) error {
	dir, err := m.HLSDir(url)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("cachefs: delete hls dir %s: %w", dir, err)
	}
	return nil
}

// DeleteByHash removes the MP4 file identified by hash directly,
// without knowing the original URL. EnumerateEntries only ever
// recovers the hash (the filename stem), never the URL it was derived
// from, so the evictor deletes through this and DeleteHLSDirByHash
// rather than Delete/DeleteHLSDir.
func (m *Manager) DeleteByHash(hash string) error {
	dir, err := m.CacheDir()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, hash+mp4Ext)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cachefs: delete %s: %w", path, err)
	}
	return nil
}

// DeleteHLSDirByHash removes the HLS directory identified by hash
// directly, without knowing the original URL.
func (m *Manager) DeleteHLSDirByHash(hash string) error {
	dir, err := m.CacheDir()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, hlsDir, hash)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("cachefs: delete hls dir %s: %w", path, err)
	}
	return nil
}

// ClearAll wipes the entire cache directory and recreates an empty one.
func (m *Manager) ClearAll() error {
	dir, err := m.CacheDir()
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("cachefs: clear all: %w", err)
	}
	m.mu.Lock()
	m.root = ""
	m.mu.Unlock()
	_, err = m.CacheDir()
	return err
}

// TotalSize recursively sums regular-file lengths under the cache
// directory.
func (m *Manager) TotalSize() (int64, error) {
	dir, err := m.CacheDir()
	if err != nil {
		return 0, err
	}
	var total int64
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			m.logger.Warn().Err(err).Str("path", path).Msg("walk error during total size probe, skipping")
			return nil
		}
		if d.Type().IsRegular() {
			if info, ierr := d.Info(); ierr == nil {
				total += info.Size()
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cachefs: total size: %w", err)
	}
	return total, nil
}

// UpdateAccessTime sets the atime on the MP4 file for url. Errors are
// swallowed: this is a best-effort hint for LRU eviction, not a
// correctness-critical write.
func (m *Manager) UpdateAccessTime(url string) {
	path, err := m.FilePath(url)
	if err != nil {
		return
	}
	now := time.Now()
	if err := os.Chtimes(path, now, time.Time{}); err != nil {
		m.logger.Debug().Err(err).Str("path", path).Msg("update access time failed, ignoring")
	}
}

// EnumerateEntries yields one entry per MP4 file directly under the
// cache root and one entry per direct child directory of hls/. I/O
// errors on a per-entry probe are logged and skipped, never propagated.
func (m *Manager) EnumerateEntries() ([]Entry, error) {
	dir, err := m.CacheDir()
	if err != nil {
		return nil, err
	}

	var entries []Entry

	topLevel, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cachefs: read cache dir: %w", err)
	}
	for _, de := range topLevel {
		if de.IsDir() || filepath.Ext(de.Name()) != mp4Ext {
			continue
		}
		path := filepath.Join(dir, de.Name())
		info, statErr := de.Info()
		if statErr != nil {
			m.logger.Warn().Err(statErr).Str("path", path).Msg("stat failed during enumeration, skipping")
			continue
		}
		entries = append(entries, Entry{
			Kind:         KindFile,
			Hash:         stemOf(de.Name()),
			Size:         info.Size(),
			LastAccessed: accessTime(info),
			Path:         path,
		})
	}

	hlsRoot := filepath.Join(dir, hlsDir)
	children, err := os.ReadDir(hlsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		m.logger.Warn().Err(err).Msg("read hls dir failed during enumeration, skipping hls entries")
		return entries, nil
	}
	// Each HLS directory's size-and-latest-access walk is independent, so
	// they run concurrently via errgroup rather than one after another —
	// the cache can hold hundreds of per-URL segment directories.
	dirEntries := make([]Entry, len(children))
	valid := make([]bool, len(children))
	var g errgroup.Group
	for i, de := range children {
		if !de.IsDir() {
			continue
		}
		i, de := i, de
		g.Go(func() error {
			path := filepath.Join(hlsRoot, de.Name())
			size, latest, walkErr := dirSizeAndLatestAccess(path)
			if walkErr != nil {
				m.logger.Warn().Err(walkErr).Str("path", path).Msg("walk failed during enumeration, skipping")
				return nil
			}
			dirEntries[i] = Entry{
				Kind:         KindDirectory,
				Hash:         de.Name(),
				Size:         size,
				LastAccessed: latest,
				Path:         path,
			}
			valid[i] = true
			return nil
		})
	}
	_ = g.Wait() // the goroutines above never return a non-nil error

	for i, ok := range valid {
		if ok {
			entries = append(entries, dirEntries[i])
		}
	}

	return entries, nil
}

func stemOf(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

func dirSizeAndLatestAccess(dir string) (int64, time.Time, error) {
	var size int64
	var latest time.Time
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, ierr := d.Info(); ierr == nil {
				size += info.Size()
				if at := accessTime(info); at.After(latest) {
					latest = at
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	return size, latest, nil
}
