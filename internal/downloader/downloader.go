// Package downloader implements the ProgressiveDownloader: a pooled,
// resumable, cancellable ranged HTTP fetcher that streams bytes into a
// growing file and publishes progress as a cancellable event stream. It
// is grounded on the teacher's internal/downloader.Downloader (a worker
// pool draining a task channel with a semaphore for bounded concurrency)
// and internal/fetch.Fetcher (GET + retry), generalized from
// fire-and-forget segment fetches into the resumable byte-range state
// machine spec.md §4.4 requires.
package downloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"videocache/internal/fetch"
	"videocache/internal/hashid"
	"videocache/internal/metrics"
	"videocache/internal/network"
)

// emitThreshold is the minimum number of new bytes accumulated since the
// last emission before a progress event is published mid-stream.
const emitThreshold = 64 * 1024

// Event is one progress record: (downloaded_bytes, total_bytes?,
// is_complete). Err is set, and the stream ends, on failure; a failure
// observed after cancellation is never surfaced (spec.md §7).
type Event struct {
	DownloadedBytes int64
	TotalBytes      *int64
	IsComplete      bool
	Err             error
}

// Stream is the reader-handle realization of the "lazy cancellable
// sequence" protocol described in SPEC_FULL.md's design notes: callers
// pull events with Next until it reports ok=false (stream ended, either
// cleanly or on cancellation/error).
type Stream struct {
	events chan Event
}

// Next blocks until the next event, the stream closing, or ctx being
// cancelled. ok is false once the stream has no more events to deliver.
func (s *Stream) Next(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-s.events:
		return ev, ok
	case <-ctx.Done():
		return Event{}, false
	}
}

// ProgressSink is invoked from the download goroutine for every event,
// ahead of delivery on the Stream. Implementations must not block;
// typically this updates the metadata store and feeds the network
// monitor's bandwidth samples.
type ProgressSink func(url string, ev Event)

type sampleState struct {
	bytes int64
	at    time.Time
}

// SamplingSink wraps next so that, in addition to next's own effect,
// consecutive progress events for the same URL feed byte/duration
// throughput samples into mon (spec.md §2's "the monitor observes
// byte/duration samples from completing downloads"). This covers every
// caller of Download, both direct MP4 fetches and the HLS loop's
// segment fetches, since they all flow through the same sink. next may
// be nil.
func SamplingSink(mon *network.Monitor, next ProgressSink) ProgressSink {
	var mu sync.Mutex
	last := make(map[string]sampleState)

	return func(url string, ev Event) {
		if next != nil {
			next(url, ev)
		}
		if ev.Err != nil {
			return
		}

		now := time.Now()
		mu.Lock()
		prev, ok := last[url]
		if ev.IsComplete {
			delete(last, url)
		} else {
			last[url] = sampleState{bytes: ev.DownloadedBytes, at: now}
		}
		mu.Unlock()

		if ok && ev.DownloadedBytes > prev.bytes {
			mon.RecordSample(ev.DownloadedBytes-prev.bytes, now.Sub(prev.at))
		}
	}
}

type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Downloader is the ProgressiveDownloader.
type Downloader struct {
	pool    *fetch.Pool
	logger  zerolog.Logger
	metrics *metrics.Collector
	sink    ProgressSink

	mu    sync.Mutex
	state map[string]*inflight
	sem   *semaphore.Weighted
}

// New constructs a Downloader. maxConcurrent bounds how many downloads
// (MP4 or HLS segment) may stream at once across the whole pool;
// sink may be nil.
func New(logger zerolog.Logger, pool *fetch.Pool, m *metrics.Collector, maxConcurrent int64, sink ProgressSink) *Downloader {
	return &Downloader{
		pool:    pool,
		logger:  logger.With().Str("component", "downloader").Logger(),
		metrics: m,
		sink:    sink,
		state:   make(map[string]*inflight),
		sem:     semaphore.NewWeighted(maxConcurrent),
	}
}

// Download produces a restartable lazy sequence of progress events for
// url, writing bytes into filePath starting at startByte. A prior
// in-flight download for the same URL is cancelled first (spec.md §4.4
// edge case: duplicate invocations cancel the predecessor).
func (d *Downloader) Download(ctx context.Context, url, filePath string, startByte int64, headers map[string]string) *Stream {
	d.Cancel(url)

	hash := hashid.Of(url)
	dctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.mu.Lock()
	d.state[hash] = &inflight{cancel: cancel, done: done}
	d.metrics.SetInFlight(float64(len(d.state)))
	d.mu.Unlock()

	stream := &Stream{events: make(chan Event, 4)}

	go func() {
		defer close(done)
		defer close(stream.events)
		defer func() {
			d.mu.Lock()
			delete(d.state, hash)
			d.metrics.SetInFlight(float64(len(d.state)))
			d.mu.Unlock()
		}()

		if err := d.sem.Acquire(dctx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)

		d.run(dctx, url, filePath, startByte, headers, stream)
	}()

	return stream
}

func (d *Downloader) run(ctx context.Context, url, filePath string, startByte int64, headers map[string]string, stream *Stream) {
	log := d.logger.With().Str("url", url).Logger()

	for attempt := 0; attempt < 2; attempt++ {
		resp, err := d.pool.Get(ctx, url, startByte, headers)
		if err != nil {
			if ctx.Err() != nil {
				return // cancelled: never surfaced
			}
			d.emitAndSink(ctx, stream, url, Event{Err: err})
			return
		}

		if startByte > 0 && resp.StatusCode == 200 {
			// Range ignored: drain, truncate, restart from zero.
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if err := os.Truncate(filePath, 0); err != nil {
				d.emitAndSink(ctx, stream, url, Event{Err: fmt.Errorf("downloader: truncate for restart: %w", err)})
				return
			}
			log.Info().Msg("server ignored range request, truncating and restarting from byte 0")
			startByte = 0
			continue
		}

		var totalBytes *int64
		if resp.ContentLength > 0 {
			tb := startByte + resp.ContentLength
			totalBytes = &tb
		}

		d.streamBody(ctx, url, resp, filePath, startByte, totalBytes, stream)
		return
	}
}

func (d *Downloader) streamBody(ctx context.Context, url string, resp *fetch.Response, filePath string, startByte int64, totalBytes *int64, stream *Stream) {
	defer resp.Body.Close()

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		d.emitAndSink(ctx, stream, url, Event{Err: fmt.Errorf("downloader: open %s: %w", filePath, err)})
		return
	}
	defer f.Close()

	if _, err := f.Seek(startByte, io.SeekStart); err != nil {
		d.emitAndSink(ctx, stream, url, Event{Err: fmt.Errorf("downloader: seek: %w", err)})
		return
	}

	buf := make([]byte, 32*1024)
	cursor := startByte
	sinceEmit := int64(0)

	for {
		select {
		case <-ctx.Done():
			return // cancelled: bytes already written survive, no further events
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				d.emitAndSink(ctx, stream, url, Event{Err: fmt.Errorf("downloader: write: %w", werr)})
				return
			}
			cursor += int64(n)
			sinceEmit += int64(n)
			if sinceEmit >= emitThreshold {
				d.emitAndSink(ctx, stream, url, Event{DownloadedBytes: cursor, TotalBytes: totalBytes})
				sinceEmit = 0
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				final := cursor
				tb := totalBytes
				if tb == nil {
					tb = &final
				}
				d.emitAndSink(ctx, stream, url, Event{DownloadedBytes: cursor, TotalBytes: tb, IsComplete: true})
				return
			}
			if ctx.Err() != nil {
				return // cancelled mid-read: silent
			}
			d.emitAndSink(ctx, stream, url, Event{Err: fmt.Errorf("downloader: read: %w", readErr)})
			return
		}
	}
}

// emitAndSink delivers ev on the stream after passing it to the sink,
// abandoning the send if ctx is cancelled while the consumer isn't
// reading — so a caller that stops calling Next after cancellation never
// leaks this goroutine.
func (d *Downloader) emitAndSink(ctx context.Context, stream *Stream, url string, ev Event) {
	if d.sink != nil {
		d.sink(url, ev)
	}
	select {
	case stream.events <- ev:
	case <-ctx.Done():
	}
}

// Handle is returned by DownloadAndWaitForBytes: resolved once either
// min_bytes have arrived or the download finished, while the underlying
// stream keeps running so the caller can forward later events.
type Handle struct {
	Stream *Stream
	Err    error
}

// DownloadAndWaitForBytes starts a background download and blocks until
// downloaded_bytes >= minBytes or the download finishes, whichever first.
// A minBytes of 0 resolves on the first progress event. Failure before
// the threshold fails the handle.
func (d *Downloader) DownloadAndWaitForBytes(ctx context.Context, url, filePath string, startByte int64, minBytes int64, headers map[string]string) Handle {
	if minBytes < 0 {
		minBytes = 0
	}
	stream := d.Download(ctx, url, filePath, startByte, headers)

	for {
		ev, ok := stream.Next(ctx)
		if !ok {
			return Handle{Stream: stream}
		}
		if ev.Err != nil {
			if ev.DownloadedBytes < minBytes {
				return Handle{Stream: stream, Err: ev.Err}
			}
			return Handle{Stream: stream}
		}
		if ev.DownloadedBytes >= minBytes || ev.IsComplete {
			return Handle{Stream: stream}
		}
	}
}

// Cancel aborts the in-flight download for url, if any. The response and
// sink are closed without truncation; partial bytes remain a legitimate
// resume point.
func (d *Downloader) Cancel(url string) {
	d.cancelHash(hashid.Of(url))
}

func (d *Downloader) cancelHash(hash string) {
	d.mu.Lock()
	st, ok := d.state[hash]
	d.mu.Unlock()
	if !ok {
		return
	}
	st.cancel()
	<-st.done
}

// CancelAll cancels every in-flight download.
func (d *Downloader) CancelAll() {
	d.mu.Lock()
	hashes := make([]string, 0, len(d.state))
	for h := range d.state {
		hashes = append(hashes, h)
	}
	d.mu.Unlock()
	for _, h := range hashes {
		d.cancelHash(h)
	}
}

// InFlight reports whether url currently has an active download.
func (d *Downloader) InFlight(url string) bool {
	return d.InFlightHash(hashid.Of(url))
}

// InFlightHash reports whether the entry identified by hash currently
// has an active download. The evictor works from cachefs.Entry, which
// only carries the hash, so it checks in-flight status through this
// rather than InFlight.
func (d *Downloader) InFlightHash(hash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.state[hash]
	return ok
}

// InFlightCount reports the number of URLs currently downloading.
func (d *Downloader) InFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.state)
}
