// Package prefetch implements the ReelPrefetchController: scroll-driven
// MP4/HLS prefetch coordination against a bounded concurrent-download
// budget. It is grounded on the teacher's internal/mpd_manager (the
// per-channel state machine and slot bookkeeping around background
// refresh tasks) generalized from a fixed channel list to an arbitrary,
// scroll-position-relative URL window, with slot reservation backed by
// golang.org/x/sync/semaphore as SPEC_FULL.md §11 wires in.
package prefetch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"videocache/internal/cachefs"
	"videocache/internal/downloader"
	"videocache/internal/evictor"
	"videocache/internal/hlscache"
	"videocache/internal/metadata"
	"videocache/internal/metrics"
	"videocache/internal/network"
)

// mp4State is the per-URL state machine node (spec.md §4.9).
type mp4State int

const (
	stateAbsent mp4State = iota
	stateEmpty
	stateDownloading
	stateComplete
	statePartial
	statePlayable
)

const thresholdBytes = 128 * 1024
const thresholdWaitTimeout = 10 * time.Second

// hlsDefaultPrefetchSegments is the prefetch_segments the controller
// asks the HLS manager for when a caller doesn't specify one itself
// (spec.md §4.6's get_playable_path(hls_url, prefetch_segments=3, ...)
// default; the controller's own get_playable_path doesn't expose the
// parameter, so it always requests the spec default).
const hlsDefaultPrefetchSegments = 3

// Progress is the unified, unit-normalized progress view for a single
// URL, resolving SPEC_FULL.md open question #1 at the boundary.
type Progress struct {
	URL             string
	IsHLS           bool
	DownloadedBytes int64
	TotalBytes      *int64
	CachedSegments  int
	TotalSegments   int
	Fraction        float64
	IsComplete      bool
}

type queuedRequest struct {
	url     string
	headers map[string]string
}

// Controller is the ReelPrefetchController. It is explicitly
// constructed, never a process-wide singleton (SPEC_FULL.md §9/§13);
// internal/facade.Default wraps one for static-style callers.
type Controller struct {
	fs      *cachefs.Manager
	dl      *downloader.Downloader
	hls     *hlscache.Manager
	store   *metadata.Store
	netmon  *network.Monitor
	evictor *evictor.Evictor
	metrics *metrics.Collector
	logger  zerolog.Logger

	configuredMaxConcurrent int64

	mu        sync.Mutex
	sem       *semaphore.Weighted
	semCap    int64
	inFlight  map[string]struct{}
	mp4State  map[string]mp4State
	highQueue []queuedRequest
	lowQueue  []queuedRequest
	queuedSet map[string]struct{}
}

// New constructs a Controller. configuredMaxConcurrent is the operator
// ceiling; the effective cap is min(configured, network_config.max_concurrent).
func New(
	logger zerolog.Logger,
	fs *cachefs.Manager,
	dl *downloader.Downloader,
	hls *hlscache.Manager,
	store *metadata.Store,
	netmon *network.Monitor,
	ev *evictor.Evictor,
	m *metrics.Collector,
	configuredMaxConcurrent int64,
) *Controller {
	c := &Controller{
		fs:                      fs,
		dl:                      dl,
		hls:                     hls,
		store:                   store,
		netmon:                  netmon,
		evictor:                 ev,
		metrics:                 m,
		logger:                  logger.With().Str("component", "prefetch").Logger(),
		configuredMaxConcurrent: configuredMaxConcurrent,
		inFlight:                make(map[string]struct{}),
		mp4State:                make(map[string]mp4State),
		queuedSet:               make(map[string]struct{}),
	}
	c.semCap = c.effectiveMaxConcurrent()
	c.sem = semaphore.NewWeighted(c.semCap)
	return c
}

func (c *Controller) effectiveMaxConcurrent() int64 {
	netCap := c.netmon.PrefetchConfig().MaxConcurrent
	if c.configuredMaxConcurrent < netCap {
		return c.configuredMaxConcurrent
	}
	return netCap
}

// refreshCap re-sizes the semaphore if the network-config-derived cap
// has changed, preserving already-reserved slots.
func (c *Controller) refreshCap() {
	c.mu.Lock()
	defer c.mu.Unlock()
	newCap := c.effectiveMaxConcurrent()
	if newCap == c.semCap {
		return
	}
	c.semCap = newCap
	c.sem = semaphore.NewWeighted(newCap)
}

func isHLSURL(url string) bool {
	lower := strings.ToLower(url)
	return strings.HasSuffix(lower, ".m3u8") || strings.Contains(lower, ".m3u8?")
}

// GetPlayablePath resolves url to a path (or, for MP4, awaits an
// initial byte threshold) a player can open immediately.
func (c *Controller) GetPlayablePath(ctx context.Context, url string, headers map[string]string) string {
	if isHLSURL(url) {
		res, err := c.hls.GetPlayablePath(ctx, url, hlsDefaultPrefetchSegments, nil, headers)
		if err != nil {
			c.logger.Warn().Err(err).Str("url", url).Msg("hls playable path failed, falling back to remote url")
			return url
		}
		return res.PlaylistPath
	}
	return c.getPlayableMP4Path(ctx, url, headers)
}

func (c *Controller) getPlayableMP4Path(ctx context.Context, url string, headers map[string]string) string {
	path, err := c.fs.EnsureFile(url)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", url).Msg("ensure file failed, falling back to remote url")
		return url
	}

	if c.store.IsComplete(url) {
		c.setState(url, stateComplete)
		return path
	}

	size := c.fs.FileSize(url)
	if size >= thresholdBytes {
		c.resumeOrNoop(ctx, url, path, headers)
		c.setState(url, statePlayable)
		return path
	}

	if c.tryReserveSlot(url) {
		c.startDownload(ctx, url, path, headers)
		c.awaitThreshold(ctx, url)
		return path
	}

	// get_playable_path is always a URL the caller is actively trying to
	// play, so it always queues high priority; on_scroll_update's
	// background prefetch enqueues low priority via prefetchOne.
	c.enqueue(url, headers, true)
	return path
}

func (c *Controller) resumeOrNoop(ctx context.Context, url, path string, headers map[string]string) {
	if c.tryReserveSlot(url) {
		c.startDownload(ctx, url, path, headers)
	}
}

func (c *Controller) startDownload(ctx context.Context, url, path string, headers map[string]string) {
	c.setState(url, stateDownloading)
	startByte := c.fs.FileSize(url)

	stream := c.dl.Download(ctx, url, path, startByte, headers)
	go c.drain(ctx, url, stream)
}

// drain consumes a download's events and releases the slot on
// completion, error, or cancellation, so the controller knows when to
// free its own slot and advance its queues. It does not write to the
// metadata store; progress records come from the sink the Downloader
// was constructed with, and drain reads the store only to tell a
// completed download from a partial one.
func (c *Controller) drain(ctx context.Context, url string, stream *downloader.Stream) {
	var lastErr error
	for {
		ev, ok := stream.Next(ctx)
		if !ok {
			break
		}
		if ev.Err != nil {
			lastErr = ev.Err
			break
		}
		if ev.IsComplete {
			break
		}
	}
	if lastErr != nil {
		c.releaseSlot(url, statePartial)
		return
	}
	if c.store.IsComplete(url) {
		c.releaseSlot(url, stateComplete)
	} else {
		c.releaseSlot(url, statePartial)
	}
	c.evictor.EvictIfNeededThrottled()
}

// awaitThreshold blocks (up to thresholdWaitTimeout) until the file
// reaches thresholdBytes or the download finishes, whichever first.
// On timeout it returns anyway — the caller gets the path regardless
// (spec.md §5 timeouts).
func (c *Controller) awaitThreshold(ctx context.Context, url string) {
	deadline := time.Now().Add(thresholdWaitTimeout)
	for time.Now().Before(deadline) {
		if c.fs.FileSize(url) >= thresholdBytes || c.store.IsComplete(url) {
			return
		}
		if !c.dl.InFlight(url) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (c *Controller) setState(url string, s mp4State) {
	c.mu.Lock()
	c.mp4State[url] = s
	c.mu.Unlock()
}

// tryReserveSlot fails if url is already in-flight or the in-flight set
// is at capacity; otherwise it reserves the slot immediately.
func (c *Controller) tryReserveSlot(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[url]; busy {
		return false
	}
	if !c.sem.TryAcquire(1) {
		return false
	}
	c.inFlight[url] = struct{}{}
	c.metrics.SetInFlight(float64(len(c.inFlight)))
	return true
}

// releaseSlot frees url's slot, records the terminal state, and starts
// the next queued request (high priority before low).
func (c *Controller) releaseSlot(url string, final mp4State) {
	c.mu.Lock()
	if _, held := c.inFlight[url]; held {
		delete(c.inFlight, url)
		c.sem.Release(1)
		c.metrics.SetInFlight(float64(len(c.inFlight)))
	}
	c.mp4State[url] = final
	next, ok := c.popQueued()
	c.mu.Unlock()

	if ok {
		c.dispatchQueued(next)
	}
}

// popQueued removes and returns the next request, high priority first.
// Caller must hold c.mu.
func (c *Controller) popQueued() (queuedRequest, bool) {
	if len(c.highQueue) > 0 {
		req := c.highQueue[0]
		c.highQueue = c.highQueue[1:]
		delete(c.queuedSet, req.url)
		return req, true
	}
	if len(c.lowQueue) > 0 {
		req := c.lowQueue[0]
		c.lowQueue = c.lowQueue[1:]
		delete(c.queuedSet, req.url)
		return req, true
	}
	return queuedRequest{}, false
}

func (c *Controller) dispatchQueued(req queuedRequest) {
	if !c.tryReserveSlot(req.url) {
		// Lost the race (concurrent cancel freed nothing usable): re-queue.
		c.enqueue(req.url, req.headers, false)
		return
	}
	path, err := c.fs.EnsureFile(req.url)
	if err != nil {
		c.releaseSlot(req.url, statePartial)
		return
	}
	ctx := context.Background()
	c.startDownload(ctx, req.url, path, req.headers)
}

// enqueue adds url to the high or low priority FIFO, unless it's
// already in-flight or already queued.
func (c *Controller) enqueue(url string, headers map[string]string, highPriority bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[url]; busy {
		return
	}
	if _, queued := c.queuedSet[url]; queued {
		return
	}
	c.queuedSet[url] = struct{}{}
	req := queuedRequest{url: url, headers: headers}
	if highPriority {
		c.highQueue = append(c.highQueue, req)
	} else {
		c.lowQueue = append(c.lowQueue, req)
	}
}

// OnScrollUpdate resolves effective ahead/behind/keep counts (overrides
// or the network config), cancels any in-flight URL outside the keep
// window, then requests paths in ahead-then-behind priority order.
func (c *Controller) OnScrollUpdate(ctx context.Context, urls []string, currentIndex int, prefetchAhead, prefetchBehind, keepRange *int, headers map[string]string) {
	c.refreshCap()
	cfg := c.netmon.PrefetchConfig()

	ahead := cfg.Ahead
	if prefetchAhead != nil {
		ahead = *prefetchAhead
	}
	behind := cfg.Behind
	if prefetchBehind != nil {
		behind = *prefetchBehind
	}
	keep := cfg.Keep
	if keepRange != nil {
		keep = *keepRange
	}

	c.cancelOutsideWindow(urls, currentIndex, keep)

	for i := 1; i <= ahead; i++ {
		idx := currentIndex + i
		if idx < 0 || idx >= len(urls) {
			continue
		}
		c.prefetchOne(ctx, urls[idx], headers)
	}
	for i := 1; i <= behind; i++ {
		idx := currentIndex - i
		if idx < 0 || idx >= len(urls) {
			continue
		}
		c.prefetchOne(ctx, urls[idx], headers)
	}
}

func (c *Controller) prefetchOne(ctx context.Context, url string, headers map[string]string) {
	if isHLSURL(url) {
		go func() {
			if _, err := c.hls.GetPlayablePath(ctx, url, hlsDefaultPrefetchSegments, nil, headers); err != nil {
				c.logger.Debug().Err(err).Str("url", url).Msg("background hls prefetch failed, ignoring")
			}
		}()
		return
	}

	path, err := c.fs.EnsureFile(url)
	if err != nil {
		return
	}
	if c.store.IsComplete(url) {
		return
	}
	if c.tryReserveSlot(url) {
		c.startDownload(ctx, url, path, headers)
		return
	}
	c.enqueue(url, headers, false)
}

// cancelOutsideWindow cancels every in-flight URL whose index in urls
// is missing or outside ±keepRange of currentIndex.
func (c *Controller) cancelOutsideWindow(urls []string, currentIndex, keepRange int) {
	position := make(map[string]int, len(urls))
	for i, u := range urls {
		position[u] = i
	}

	c.mu.Lock()
	var toCancel []string
	for url := range c.inFlight {
		idx, present := position[url]
		if !present || idx < currentIndex-keepRange || idx > currentIndex+keepRange {
			toCancel = append(toCancel, url)
		}
	}
	c.mu.Unlock()

	for _, url := range toCancel {
		c.CancelDownload(url)
	}
}

// CancelDownload tears down MP4 and HLS download state for url
// symmetrically.
func (c *Controller) CancelDownload(url string) {
	if isHLSURL(url) {
		c.hls.Cancel(url)
		return
	}
	c.dl.Cancel(url)
	c.mu.Lock()
	if _, held := c.inFlight[url]; held {
		delete(c.inFlight, url)
		c.sem.Release(1)
		c.metrics.SetInFlight(float64(len(c.inFlight)))
	}
	delete(c.queuedSet, url)
	c.mp4State[url] = statePartial
	next, ok := c.popQueued()
	c.mu.Unlock()
	if ok {
		c.dispatchQueued(next)
	}
}

// CancelAll cancels every MP4 URL holding a download slot. HLS segment
// loops are not tracked in the slot set and are not cancelled.
func (c *Controller) CancelAll() {
	c.mu.Lock()
	urls := make([]string, 0, len(c.inFlight))
	for url := range c.inFlight {
		urls = append(urls, url)
	}
	c.mu.Unlock()
	for _, url := range urls {
		c.CancelDownload(url)
	}
}

// Dispose cancels every slot-holding MP4 download and every fetch the
// Downloader has in flight. HLS segment loops held by the HLS manager
// are not stopped and may start further segment fetches afterward. The
// controller is not reusable afterward.
func (c *Controller) Dispose() {
	c.CancelAll()
	c.dl.CancelAll()
}

// SetNetworkType forwards a platform connectivity hint to the network
// monitor and immediately re-sizes the concurrency semaphore for the
// resulting class (spec.md §6's set_network_type entry point).
func (c *Controller) SetNetworkType(isWifi, isMobile bool) {
	c.netmon.UpdateFromConnectivity(network.Connectivity{IsWifi: isWifi, IsMobile: isMobile})
	c.refreshCap()
}

// IsCached reports whether url's content is fully cached.
func (c *Controller) IsCached(url string) bool {
	return c.store.IsComplete(url)
}

// GetProgress returns the unified progress view for url.
func (c *Controller) GetProgress(url string) (Progress, bool) {
	rec, ok := c.store.Get(url)
	if !ok {
		return Progress{}, false
	}
	p := Progress{
		URL:        url,
		IsHLS:      rec.IsHLS,
		IsComplete: rec.IsComplete,
		Fraction:   rec.Fraction,
	}
	if rec.IsHLS {
		// HLS records hold segment counts in the byte-count fields.
		p.CachedSegments = int(rec.DownloadedBytes)
		if rec.TotalBytes != nil {
			p.TotalSegments = int(*rec.TotalBytes)
		}
	} else {
		p.DownloadedBytes = rec.DownloadedBytes
		p.TotalBytes = rec.TotalBytes
	}
	return p, true
}
