// Package hlscache implements the HlsCacheManager: turns a remote HLS
// URL into a local playlist path that a player can open immediately,
// while a background loop progressively fills in segment files. It is
// grounded on the teacher's internal/updater (a long-lived per-channel
// refresh task retained and cancelled explicitly, never fire-and-forget)
// combined with internal/playlist's local manifest rewriting, adapted
// from DASH manifest mirroring to the HLS local-playlist generation
// spec.md §4.6 and §6 require.
package hlscache

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"videocache/internal/cachefs"
	"videocache/internal/downloader"
	"videocache/internal/fetch"
	"videocache/internal/hlsparser"
	"videocache/internal/metadata"
)

const (
	initialPrefetchSegments = 3
	refillSegments          = 2
	minRefreshInterval      = 3 * time.Second
	maxRefreshInterval      = 30 * time.Second
	minBackoff              = 3 * time.Second
	maxBackoff              = 60 * time.Second
)

// Result is returned by GetPlayablePath.
type Result struct {
	PlaylistPath   string
	IsFullyCached  bool
	TotalSegments  int
	CachedSegments int
}

type segmentState struct {
	url       string
	duration  float64
	localPath string
}

type entry struct {
	mu             sync.Mutex
	url            string
	dir            string
	playlistPath   string
	segments       []segmentState
	targetDuration int
	mediaSequence  int
	isLive         bool
	initialBudget  int

	busy      bool
	cancelled bool
	cancel    context.CancelFunc
	backoff   time.Duration
}

// pendingBuild marks a URL whose entry is currently being fetched and
// installed, so a second concurrent caller waits instead of racing a
// duplicate fetch-and-loop for the same URL.
type pendingBuild struct {
	done chan struct{}
}

// Manager is the HlsCacheManager.
type Manager struct {
	fs         *cachefs.Manager
	downloader *downloader.Downloader
	pool       *fetch.Pool
	store      *metadata.Store
	logger     zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	pending map[string]*pendingBuild
}

// New constructs a Manager.
func New(logger zerolog.Logger, fs *cachefs.Manager, dl *downloader.Downloader, pool *fetch.Pool, store *metadata.Store) *Manager {
	return &Manager{
		fs:         fs,
		downloader: dl,
		pool:       pool,
		store:      store,
		logger:     logger.With().Str("component", "hlscache").Logger(),
		entries:    make(map[string]*entry),
		pending:    make(map[string]*pendingBuild),
	}
}

// GetPlayablePath turns hlsUrl into a path a player can open. If a local
// playlist already exists on disk it is returned immediately; otherwise
// the manifest is fetched, a variant chosen if it's a master playlist,
// and a background segment loop started, prefetching prefetchSegments
// initially (spec.md §4.6's prefetch_segments=3 default applies when
// prefetchSegments <= 0). The whole check-then-create sequence for a
// not-yet-seen URL is singleflighted through m.pending so two concurrent
// callers for the same new URL never build and start two competing
// segment loops.
func (m *Manager) GetPlayablePath(ctx context.Context, hlsURL string, prefetchSegments int, targetBandwidth *int, headers map[string]string) (Result, error) {
	if prefetchSegments <= 0 {
		prefetchSegments = initialPrefetchSegments
	}

	dir, err := m.fs.HLSDir(hlsURL)
	if err != nil {
		return Result{}, fmt.Errorf("hlscache: resolve dir: %w", err)
	}
	playlistPath := filepath.Join(dir, "playlist.m3u8")

	m.mu.Lock()
	if _, statErr := os.Stat(playlistPath); statErr == nil {
		e := m.entries[hlsURL]
		m.mu.Unlock()
		return m.existingResult(hlsURL, playlistPath, e), nil
	}

	if p, building := m.pending[hlsURL]; building {
		m.mu.Unlock()
		select {
		case <-p.done:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
		return m.GetPlayablePath(ctx, hlsURL, prefetchSegments, targetBandwidth, headers)
	}
	p := &pendingBuild{done: make(chan struct{})}
	m.pending[hlsURL] = p
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, hlsURL)
		m.mu.Unlock()
		close(p.done)
	}()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("hlscache: create dir: %w", err)
	}

	media, err := m.fetchMediaPlaylist(ctx, hlsURL, targetBandwidth, headers)
	if err != nil {
		return Result{}, err
	}

	e := &entry{
		url:            hlsURL,
		dir:            dir,
		playlistPath:   playlistPath,
		targetDuration: media.TargetDuration,
		mediaSequence:  media.MediaSequence,
		isLive:         media.IsLive,
		initialBudget:  prefetchSegments,
		backoff:        minBackoff,
	}
	for _, seg := range media.Segments {
		e.segments = append(e.segments, segmentState{
			url:       seg.URL,
			duration:  seg.Duration,
			localPath: segmentPath(dir, seg.Index),
		})
	}
	m.mu.Lock()
	m.entries[hlsURL] = e
	m.mu.Unlock()

	if err := m.writeLocalPlaylist(e); err != nil {
		return Result{}, err
	}

	m.store.UpdateProgress(hlsURL, int64(countCached(e.segments)), int64ptr(len(e.segments)), true)

	m.startLoop(ctx, e, headers)

	return Result{
		PlaylistPath:   playlistPath,
		IsFullyCached:  !e.isLive && countCached(e.segments) == len(e.segments),
		TotalSegments:  len(e.segments),
		CachedSegments: countCached(e.segments),
	}, nil
}

// existingResult builds the Result for a URL whose playlist already
// exists on disk, whether or not this process still holds the entry
// driving its segment loop.
func (m *Manager) existingResult(hlsURL, playlistPath string, e *entry) Result {
	prog, _ := m.store.Get(hlsURL)
	total, cached := 0, 0
	if e != nil {
		e.mu.Lock()
		total = len(e.segments)
		cached = countCached(e.segments)
		e.mu.Unlock()
	}
	return Result{
		PlaylistPath:   playlistPath,
		IsFullyCached:  prog.IsComplete,
		TotalSegments:  total,
		CachedSegments: cached,
	}
}

func int64ptr(n int) *int64 {
	v := int64(n)
	return &v
}

func countCached(segs []segmentState) int {
	n := 0
	for _, s := range segs {
		if info, err := os.Stat(s.localPath); err == nil && info.Size() > 0 {
			n++
		}
	}
	return n
}

func segmentPath(dir string, index int) string {
	return filepath.Join(dir, "segment_"+strconv.Itoa(index)+".ts")
}

// fetchMediaPlaylist fetches hlsURL, parses it, and if it's a master
// playlist, picks a variant and fetches that media playlist in turn. A
// non-media response at the second stage is a hard FormatError.
func (m *Manager) fetchMediaPlaylist(ctx context.Context, hlsURL string, targetBandwidth *int, headers map[string]string) (*hlsparser.Media, error) {
	body, err := m.fetchBody(ctx, hlsURL, headers)
	if err != nil {
		return nil, err
	}

	master, media, err := hlsparser.Parse(body, hlsURL)
	if err != nil {
		return nil, err
	}
	if media != nil {
		return media, nil
	}

	var variant hlsparser.Variant
	var ok bool
	if targetBandwidth != nil {
		variant, ok = master.ClosestTo(*targetBandwidth)
	} else {
		variant, ok = master.BestVariant()
	}
	if !ok {
		return nil, &hlsparser.FormatError{Reason: "master playlist selected no variant"}
	}

	variantBody, err := m.fetchBody(ctx, variant.URL, headers)
	if err != nil {
		return nil, err
	}
	_, variantMedia, err := hlsparser.Parse(variantBody, variant.URL)
	if err != nil {
		return nil, err
	}
	if variantMedia == nil {
		return nil, &hlsparser.FormatError{Reason: "variant playlist is itself a master playlist"}
	}
	return variantMedia, nil
}

func (m *Manager) fetchBody(ctx context.Context, url string, headers map[string]string) (string, error) {
	resp, err := m.pool.Get(ctx, url, 0, headers)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("hlscache: read playlist body: %w", err)
	}
	return string(b), nil
}

// writeLocalPlaylist regenerates the playlist file from e's current
// segment state, exactly in the form spec.md §6 prescribes. Sequentialized
// per entry by e.mu, satisfying §5's "no two concurrent regenerations".
func (m *Manager) writeLocalPlaylist(e *entry) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(float64(e.targetDuration))))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", e.mediaSequence)
	for _, seg := range e.segments {
		fmt.Fprintf(&b, "#EXTINF:%s,\n", formatDuration(seg.duration))
		if info, err := os.Stat(seg.localPath); err == nil && info.Size() > 0 {
			b.WriteString(seg.localPath)
		} else {
			b.WriteString(seg.url)
		}
		b.WriteString("\n")
	}
	if !e.isLive {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return atomicWriteString(e.playlistPath, b.String())
}

func formatDuration(d float64) string {
	return strconv.FormatFloat(d, 'f', -1, 64)
}

// startLoop launches the segment downloader loop for e, at most once.
func (m *Manager) startLoop(ctx context.Context, e *entry, headers map[string]string) {
	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		return
	}
	e.busy = true
	lctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	go m.runLoop(lctx, e, headers)
}

func (m *Manager) runLoop(ctx context.Context, e *entry, headers map[string]string) {
	log := m.logger.With().Str("url", e.url).Logger()
	budget := e.initialBudget

	for {
		if ctx.Err() != nil {
			return
		}

		progressed := m.downloadBatch(ctx, e, headers, budget, log)
		budget = refillSegments

		e.mu.Lock()
		allCached := countCached(e.segments) == len(e.segments)
		isLive := e.isLive
		cancelled := e.cancelled
		e.mu.Unlock()
		if cancelled {
			return
		}

		if allCached {
			if !isLive {
				m.finishNonLive(e)
				return
			}
			if !m.waitForRefresh(ctx, e, headers, log) {
				return
			}
			continue
		}

		if !progressed {
			// Nothing new completed this pass (all remaining segments
			// failed); avoid a hot spin and retry after a short pause.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// downloadBatch fetches up to budget uncached segments concurrently (an
// errgroup bounds the fan-out to the batch), regenerating the local
// playlist once the batch settles. A per-segment failure is swallowed
// and the batch advances without it (spec.md §4.6, §7). Returns whether
// any segment completed.
func (m *Manager) downloadBatch(ctx context.Context, e *entry, headers map[string]string, budget int, log zerolog.Logger) bool {
	uncached := snapshotUncached(e)
	if len(uncached) > budget {
		uncached = uncached[:budget]
	}
	if len(uncached) == 0 {
		return false
	}

	results := make([]bool, len(uncached))
	var g errgroup.Group
	for i, seg := range uncached {
		i, seg := i, seg
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			// A segment is one complete file: wait for it to finish
			// entirely rather than a byte threshold, by asking for more
			// bytes than any segment could ever contain.
			handle := m.downloader.DownloadAndWaitForBytes(ctx, seg.url, seg.localPath, 0, math.MaxInt64, headers)
			if handle.Err != nil {
				log.Warn().Err(handle.Err).Str("segment", seg.localPath).Msg("segment download failed, skipping")
				return nil
			}
			if info, err := os.Stat(seg.localPath); err == nil && info.Size() > 0 {
				results[i] = true
			}
			return nil
		})
	}
	_ = g.Wait() // per-segment failures are swallowed above, never propagated

	progressed := false
	for _, ok := range results {
		if ok {
			progressed = true
			break
		}
	}
	if progressed {
		e.mu.Lock()
		cached := countCached(e.segments)
		total := len(e.segments)
		m.writeLocalPlaylist(e)
		e.mu.Unlock()
		m.store.UpdateProgress(e.url, int64(cached), int64ptr(total), true)
	}
	return progressed
}

func snapshotUncached(e *entry) []segmentState {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []segmentState
	for _, seg := range e.segments {
		info, err := os.Stat(seg.localPath)
		if err != nil || info.Size() == 0 {
			out = append(out, seg)
		}
	}
	return out
}

func (m *Manager) finishNonLive(e *entry) {
	m.store.MarkComplete(e.url, int64(len(e.segments)))
	m.mu.Lock()
	delete(m.entries, e.url)
	m.mu.Unlock()
}

// waitForRefresh sleeps for the live-refresh interval (or the current
// backoff after a failure), then re-fetches and re-parses the media
// playlist, replacing e's segment and header state in place. Returns
// false if the entry was cancelled while waiting or the loop should
// stop.
func (m *Manager) waitForRefresh(ctx context.Context, e *entry, headers map[string]string, log zerolog.Logger) bool {
	e.mu.Lock()
	interval := clampDuration(time.Duration(e.targetDuration)*time.Second, minRefreshInterval, maxRefreshInterval)
	if e.backoff > 0 && e.backoff != minBackoff {
		interval = e.backoff
	}
	e.mu.Unlock()

	select {
	case <-ctx.Done():
		return false
	case <-time.After(interval):
	}

	e.mu.Lock()
	cancelled := e.cancelled
	url := e.url
	e.mu.Unlock()
	if cancelled {
		return false
	}

	body, err := m.fetchBody(ctx, url, headers)
	if err != nil {
		m.backOff(e, log, err)
		return true
	}
	_, media, err := hlsparser.Parse(body, url)
	if err != nil || media == nil {
		m.backOff(e, log, err)
		return true
	}

	e.mu.Lock()
	e.targetDuration = media.TargetDuration
	e.mediaSequence = media.MediaSequence
	e.isLive = media.IsLive
	existing := make(map[string]segmentState, len(e.segments))
	for _, s := range e.segments {
		existing[s.url] = s
	}
	var merged []segmentState
	for _, seg := range media.Segments {
		if s, ok := existing[seg.URL]; ok {
			merged = append(merged, s)
		} else {
			merged = append(merged, segmentState{url: seg.URL, duration: seg.Duration, localPath: segmentPath(e.dir, seg.Index)})
		}
	}
	e.segments = merged
	e.backoff = minBackoff
	m.writeLocalPlaylist(e)
	e.mu.Unlock()

	log.Debug().Msg("live playlist refreshed")
	return true
}

func (m *Manager) backOff(e *entry, log zerolog.Logger, err error) {
	e.mu.Lock()
	if e.backoff == 0 {
		e.backoff = minBackoff
	} else {
		e.backoff *= 2
	}
	if e.backoff > maxBackoff {
		e.backoff = maxBackoff
	}
	backoff := e.backoff
	e.mu.Unlock()
	log.Warn().Err(err).Dur("backoff", backoff).Msg("live playlist refresh failed, backing off")
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// Cancel sets the cancellation flag, stops the refresh timer, and drops
// the entry from the in-flight table.
func (m *Manager) Cancel(url string) {
	m.mu.Lock()
	e, ok := m.entries[url]
	if ok {
		delete(m.entries, url)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.cancelled = true
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ClearCache cancels url's loop, deletes its directory, and removes its
// metadata record.
func (m *Manager) ClearCache(url string) error {
	m.Cancel(url)
	if err := m.fs.DeleteHLSDir(url); err != nil {
		return err
	}
	m.store.Remove(url)
	return nil
}

// atomicWriteString writes content to path via renameio's
// write-to-temp-then-rename pattern, the same one
// metadata.Store.persist uses for metadata.json.
func atomicWriteString(path, content string) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("hlscache: create pending playlist file: %w", err)
	}
	defer pending.Cleanup()

	if _, err := pending.Write([]byte(content)); err != nil {
		return fmt.Errorf("hlscache: write pending playlist file: %w", err)
	}
	return pending.CloseAtomicallyReplace()
}
