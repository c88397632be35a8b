package prefetch_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videocache/internal/cachefs"
	"videocache/internal/downloader"
	"videocache/internal/evictor"
	"videocache/internal/fetch"
	"videocache/internal/hlscache"
	"videocache/internal/metadata"
	"videocache/internal/network"
	"videocache/internal/prefetch"
)

// stack bundles a fully-wired Controller against a real httptest server,
// the way cmd/videocached wires the production stack, so prefetch's tests
// exercise it the same way the running binary does rather than through
// mocks.
type stack struct {
	controller *prefetch.Controller
	dl         *downloader.Downloader
	fs         *cachefs.Manager
	store      *metadata.Store
	server     *httptest.Server
}

func newStack(t *testing.T, handler http.HandlerFunc) *stack {
	t.Helper()
	logger := zerolog.New(io.Discard)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	fs := cachefs.NewWithRoot(logger, t.TempDir())
	metadataPath := filepath.Join(t.TempDir(), "metadata.json")
	store := metadata.New(logger, metadataPath, fs.Probe)
	pool := fetch.NewPool(logger, nil, 0, 0)
	dl := downloader.New(logger, pool, nil, 4, func(url string, ev downloader.Event) {
		if ev.Err == nil {
			store.UpdateProgress(url, ev.DownloadedBytes, ev.TotalBytes, false)
		}
	})
	netmon := network.New(nil, network.DefaultWifiProfile)
	ev := evictor.New(logger, fs, dl, nil, 200*1024*1024)
	hls := hlscache.New(logger, fs, dl, pool, store)

	controller := prefetch.New(logger, fs, dl, hls, store, netmon, ev, nil, 4)
	return &stack{controller: controller, dl: dl, fs: fs, store: store, server: srv}
}

func TestGetPlayablePath_MP4ReturnsLocalFileImmediately(t *testing.T) {
	body := make([]byte, 500*1024) // above the playable threshold
	s := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	})

	path := s.controller.GetPlayablePath(context.Background(), s.server.URL+"/video.mp4", nil)
	assert.NotEqual(t, s.server.URL+"/video.mp4", path)
	assert.Equal(t, ".mp4", filepath.Ext(path))
}

func TestGetPlayablePath_AlreadyCompleteReturnsImmediately(t *testing.T) {
	s := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be contacted once the URL is marked complete")
	})
	url := s.server.URL + "/video.mp4"
	s.store.MarkComplete(url, 1024)

	path := s.controller.GetPlayablePath(context.Background(), url, nil)
	assert.NotEqual(t, url, path)
	assert.True(t, s.controller.IsCached(url))
}

func TestIsCached_FalseUntilComplete(t *testing.T) {
	s := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("small"))
	})
	url := s.server.URL + "/video.mp4"
	assert.False(t, s.controller.IsCached(url))
}

func TestCancelDownload_ReleasesSlotForQueuedRequest(t *testing.T) {
	release := make(chan struct{})
	s := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write(make([]byte, 200*1024))
	})

	// Fill all 4 slots with in-flight downloads that never complete until
	// released, forcing the fifth request to queue.
	for i := 0; i < 4; i++ {
		url := s.server.URL + "/" + string(rune('a'+i)) + ".mp4"
		go s.controller.GetPlayablePath(context.Background(), url, nil)
	}
	time.Sleep(50 * time.Millisecond)

	queuedURL := s.server.URL + "/queued.mp4"
	done := make(chan string, 1)
	go func() {
		done <- s.controller.GetPlayablePath(context.Background(), queuedURL, nil)
	}()

	// Cancel one in-flight download to free a slot for the queued request.
	s.controller.CancelDownload(s.server.URL + "/a.mp4")
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queued request never got a path")
	}

	// The freed slot must actually be used to download the queued URL.
	require.Eventually(t, func() bool {
		return s.fs.FileSize(queuedURL) > 0
	}, 5*time.Second, 20*time.Millisecond, "queued URL never started downloading after a slot was freed")
}

func TestOnScrollUpdate_CancelsURLsOutsideKeepWindow(t *testing.T) {
	release := make(chan struct{})
	s := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)

	urls := make([]string, 6)
	for i := range urls {
		urls[i] = s.server.URL + "/" + string(rune('a'+i)) + ".mp4"
	}

	keep := 1
	s.controller.OnScrollUpdate(context.Background(), urls, 0, nil, nil, &keep, nil)
	time.Sleep(50 * time.Millisecond)

	// Scroll far away; everything near index 0 should be cancelled.
	s.controller.OnScrollUpdate(context.Background(), urls, 5, nil, nil, &keep, nil)
	time.Sleep(50 * time.Millisecond)

	// With keep=1 around index 5, indexes 1 and 2 fall outside the window
	// and no later prefetch reaches them again.
	assert.False(t, s.dl.InFlight(urls[1]))
	assert.False(t, s.dl.InFlight(urls[2]))
}
