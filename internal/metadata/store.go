// Package metadata implements the durable key->progress index described
// as CacheMetadataStore. It is grounded on the teacher's
// internal/cache.Manager (an RWMutex-guarded map with typed accessor
// methods) generalized from an MPD cache to a per-URL progress record,
// with durability borrowed from ManuGH-xg2g's renameio-based atomic
// writers.
package metadata

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// Record is the persisted progress document for one URL.
type Record struct {
	DownloadedBytes int64     `json:"downloadedBytes"`
	TotalBytes      *int64    `json:"totalBytes"`
	IsComplete      bool      `json:"isComplete"`
	LastUpdated     time.Time `json:"lastUpdated"`
	IsHLS           bool      `json:"isHls"`
	lastPersisted   time.Time `json:"-"`
}

// Progress is the read-only view returned by Get. A Record stores both
// units in the same fields: for HLS entries (IsHLS) DownloadedBytes and
// TotalBytes hold cached and total segment counts; for MP4 entries they
// hold byte counts. Fraction is the ratio of the two in either case.
type Progress struct {
	Record
	Fraction float64
}

const persistThrottle = 5 * time.Second

// Store is the CacheMetadataStore. Construct one per cache root with New;
// it is not a global singleton (SPEC_FULL.md §9/§13).
type Store struct {
	logger zerolog.Logger
	path   string

	mu      sync.Mutex
	records map[string]*Record
}

// EnumerateFn lets New's caller supply a filesystem probe without this
// package importing cachefs, breaking the metadata<->file-manager cycle
// called out in SPEC_FULL.md §9.
type EnumerateFn func(url string) (exists bool, size int64)

// New loads path if present (a parse failure is treated as "no prior
// state"), reconciles every non-HLS record against disk via probe, and
// returns a ready Store. path is typically <cache_root>/metadata.json.
func New(logger zerolog.Logger, path string, probe EnumerateFn) *Store {
	s := &Store{
		logger:  logger.With().Str("component", "metadata").Logger(),
		path:    path,
		records: make(map[string]*Record),
	}
	s.load()
	s.reconcile(probe)
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Msg("read metadata.json failed, starting empty")
		}
		return
	}
	var raw map[string]Record
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn().Err(err).Msg("parse metadata.json failed, treating as no prior state")
		return
	}
	for url, rec := range raw {
		r := rec
		s.records[url] = &r
	}
}

// reconcile drops non-HLS entries whose file is missing and rewrites
// downloaded_bytes to the on-disk size when they differ, recomputing
// is_complete from total_bytes when known. Ground truth is the
// filesystem; the store is a hint (spec.md §4.3, invariant 1).
func (s *Store) reconcile(probe EnumerateFn) {
	if probe == nil {
		return
	}
	changed := false
	for url, rec := range s.records {
		if rec.IsHLS {
			continue
		}
		exists, size := probe(url)
		if !exists {
			delete(s.records, url)
			changed = true
			continue
		}
		if size != rec.DownloadedBytes {
			rec.DownloadedBytes = size
			if rec.TotalBytes != nil {
				rec.IsComplete = size == *rec.TotalBytes
			} else {
				rec.IsComplete = false
			}
			changed = true
		}
	}
	if changed {
		s.persist()
	}
}

// UpdateProgress writes the in-memory record and persists to disk if the
// write marks the record complete, or if at least 5s have passed since
// the last persistence for this URL.
func (s *Store) UpdateProgress(url string, downloadedBytes int64, totalBytes *int64, isHLS bool) {
	s.mu.Lock()
	rec, ok := s.records[url]
	if !ok {
		rec = &Record{}
		s.records[url] = rec
	}
	rec.DownloadedBytes = downloadedBytes
	rec.TotalBytes = totalBytes
	rec.IsHLS = isHLS
	rec.LastUpdated = time.Now()
	if totalBytes != nil {
		rec.IsComplete = downloadedBytes == *totalBytes
	} else {
		rec.IsComplete = false
	}
	becameComplete := rec.IsComplete
	shouldPersist := becameComplete || time.Since(rec.lastPersisted) >= persistThrottle
	if shouldPersist {
		rec.lastPersisted = rec.LastUpdated
	}
	s.mu.Unlock()

	if shouldPersist {
		s.persist()
	}
}

// MarkComplete forces a persistence with is_complete=true.
func (s *Store) MarkComplete(url string, totalBytes int64) {
	s.mu.Lock()
	rec, ok := s.records[url]
	if !ok {
		rec = &Record{}
		s.records[url] = rec
	}
	rec.DownloadedBytes = totalBytes
	rec.TotalBytes = &totalBytes
	rec.IsComplete = true
	rec.LastUpdated = time.Now()
	rec.lastPersisted = rec.LastUpdated
	s.mu.Unlock()

	s.persist()
}

// Get returns a normalized snapshot of the record for url, or false if
// none exists.
func (s *Store) Get(url string) (Progress, bool) {
	s.mu.Lock()
	rec, ok := s.records[url]
	if !ok {
		s.mu.Unlock()
		return Progress{}, false
	}
	snapshot := *rec
	s.mu.Unlock()

	return Progress{Record: snapshot, Fraction: fraction(snapshot)}, true
}

func fraction(r Record) float64 {
	if r.IsHLS {
		if r.TotalBytes == nil || *r.TotalBytes == 0 {
			return 0
		}
		return float64(r.DownloadedBytes) / float64(*r.TotalBytes)
	}
	if r.TotalBytes == nil || *r.TotalBytes == 0 {
		return 0
	}
	return float64(r.DownloadedBytes) / float64(*r.TotalBytes)
}

// IsComplete is a read-only accessor.
func (s *Store) IsComplete(url string) bool {
	p, ok := s.Get(url)
	return ok && p.IsComplete
}

// DownloadedBytes is a read-only accessor.
func (s *Store) DownloadedBytes(url string) int64 {
	p, ok := s.Get(url)
	if !ok {
		return 0
	}
	return p.DownloadedBytes
}

// Remove deletes the record for url and persists.
func (s *Store) Remove(url string) {
	s.mu.Lock()
	_, existed := s.records[url]
	delete(s.records, url)
	s.mu.Unlock()
	if existed {
		s.persist()
	}
}

// RemoveByHash deletes whichever record's URL hashes to hash, using
// hashFn to compute the digest per candidate URL.
func (s *Store) RemoveByHash(hash string, hashFn func(string) string) {
	s.mu.Lock()
	var toDelete string
	for url := range s.records {
		if hashFn(url) == hash {
			toDelete = url
			break
		}
	}
	if toDelete != "" {
		delete(s.records, toDelete)
	}
	s.mu.Unlock()
	if toDelete != "" {
		s.persist()
	}
}

// ClearAll wipes every record and persists an empty document.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.records = make(map[string]*Record)
	s.mu.Unlock()
	s.persist()
}

// persist writes the whole record map atomically via renameio, matching
// ManuGH-xg2g's durable-write pattern: fsync before rename so a crash
// mid-write cannot corrupt metadata.json — and if it somehow does,
// reconcile() at next startup recovers ground truth from disk anyway.
func (s *Store) persist() {
	s.mu.Lock()
	snapshot := make(map[string]Record, len(s.records))
	for url, rec := range s.records {
		snapshot[url] = *rec
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal metadata failed")
		return
	}

	pending, err := renameio.NewPendingFile(s.path)
	if err != nil {
		s.logger.Error().Err(err).Msg("create pending metadata file failed")
		return
	}
	defer func() {
		if cerr := pending.Cleanup(); cerr != nil {
			s.logger.Debug().Err(cerr).Msg("cleanup pending metadata file")
		}
	}()

	if _, err := pending.Write(data); err != nil {
		s.logger.Error().Err(err).Msg("write pending metadata file failed")
		return
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		s.logger.Error().Err(err).Msg("atomic replace of metadata.json failed")
	}
}

// Path returns the metadata.json path this store persists to, for
// diagnostics.
func (s *Store) Path() string { return s.path }
