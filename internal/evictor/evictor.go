// Package evictor implements the Evictor: an LRU reclaimer that deletes
// the least-recently-accessed cache entries until total usage falls to
// 80% of the configured maximum. Its min-heap-by-access-time selection
// is grounded on TorrX's hls_cache.go eviction routine, adapted from a
// segment-only view to cachefs.Manager's mixed file/directory entries.
package evictor

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"videocache/internal/cachefs"
	"videocache/internal/metrics"
)

// throttleWindow bounds how often evict_if_needed_throttled actually
// runs the scan-and-delete pass.
const throttleWindow = 30 * time.Second

// targetFraction is the fraction of maxBytes usage is brought down to
// once eviction runs at all.
const targetFraction = 0.8

// InFlightChecker reports whether the entry identified by hash
// currently has an active download, so the evictor never deletes out
// from under a live write. Satisfied by *downloader.Downloader.
type InFlightChecker interface {
	InFlightHash(hash string) bool
}

// Evictor owns the LRU eviction pass over the cache directory.
type Evictor struct {
	fs       *cachefs.Manager
	inflight InFlightChecker
	logger   zerolog.Logger
	metrics  *metrics.Collector
	maxBytes int64

	mu       sync.Mutex
	lastRun  time.Time
	running  bool
}

// New constructs an Evictor. maxBytes is the cache's configured ceiling.
func New(logger zerolog.Logger, fs *cachefs.Manager, inflight InFlightChecker, m *metrics.Collector, maxBytes int64) *Evictor {
	return &Evictor{
		fs:       fs,
		inflight: inflight,
		logger:   logger.With().Str("component", "evictor").Logger(),
		metrics:  m,
		maxBytes: maxBytes,
	}
}

// entryHeap holds cachefs.Entry values ordered by ascending LastAccessed for a
// container/heap min-heap — the oldest entry pops first.
type entryHeap []cachefs.Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].LastAccessed.Before(h[j].LastAccessed) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(cachefs.Entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// EvictIfNeeded runs the eviction pass unconditionally: if total usage
// exceeds maxBytes, the oldest-accessed entries (skipping any with an
// in-flight download) are deleted until usage is at or below
// targetFraction * maxBytes. Deletion failures for individual entries
// are logged and skipped — eviction continues with the remainder.
func (e *Evictor) EvictIfNeeded() {
	total, err := e.fs.TotalSize()
	if err != nil {
		e.logger.Warn().Err(err).Msg("total size probe failed, skipping eviction pass")
		return
	}
	if total <= e.maxBytes {
		return
	}

	entries, err := e.fs.EnumerateEntries()
	if err != nil {
		e.logger.Warn().Err(err).Msg("enumerate entries failed, skipping eviction pass")
		return
	}

	h := entryHeap(entries)
	heap.Init(&h)

	target := int64(float64(e.maxBytes) * targetFraction)
	var evictedBytes int64
	var evictedCount int

	for total > target && h.Len() > 0 {
		oldest := heap.Pop(&h).(cachefs.Entry)

		if e.inflight != nil && e.inflight.InFlightHash(oldest.Hash) {
			e.logger.Debug().Str("hash", oldest.Hash).Msg("skipping in-flight entry during eviction")
			continue
		}

		var delErr error
		switch oldest.Kind {
		case cachefs.KindFile:
			delErr = e.fs.DeleteByHash(oldest.Hash)
		case cachefs.KindDirectory:
			delErr = e.fs.DeleteHLSDirByHash(oldest.Hash)
		}
		if delErr != nil {
			e.logger.Warn().Err(delErr).Str("hash", oldest.Hash).Msg("eviction delete failed, skipping entry")
			continue
		}

		total -= oldest.Size
		evictedBytes += oldest.Size
		evictedCount++
	}

	if evictedCount > 0 {
		e.logger.Info().Int("count", evictedCount).Int64("bytes", evictedBytes).Msg("evicted cache entries")
		e.metrics.AddEviction(float64(evictedBytes))
	}
	e.metrics.SetCacheBytes(float64(total))
}

// EvictIfNeededThrottled is the default entry point for callers outside
// the evictor (downloader completion, prefetch loop): it runs at most
// once per throttleWindow and never overlaps a run already in
// progress, so a burst of completions only triggers one scan.
func (e *Evictor) EvictIfNeededThrottled() {
	e.mu.Lock()
	if e.running || time.Since(e.lastRun) < throttleWindow {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.lastRun = time.Now()
		e.mu.Unlock()
	}()

	e.EvictIfNeeded()
}
