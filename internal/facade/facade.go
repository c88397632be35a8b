// Package facade exposes the ReelPrefetchController's programmatic
// surface over JSON HTTP, in the shape of the teacher's
// internal/handler.AppContext + SetupRouter: one struct of dependencies,
// one mux-building function, and a handler method per route. It also
// supplies Default, the static-style convenience wrapper SPEC_FULL.md
// §9/§13 calls for now that the controller itself is non-singleton.
package facade

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"videocache/internal/prefetch"
)

// AppContext holds the controller the HTTP handlers dispatch to.
type AppContext struct {
	Controller *prefetch.Controller
	logger     zerolog.Logger
}

// New constructs an AppContext.
func New(logger zerolog.Logger, controller *prefetch.Controller) *AppContext {
	return &AppContext{Controller: controller, logger: logger.With().Str("component", "facade").Logger()}
}

// SetupRouter registers every route on a fresh mux, mirroring the
// teacher's single SetupRouter entry point.
func SetupRouter(appCtx *AppContext) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/playable-path", appCtx.playablePathHandler)
	mux.HandleFunc("/v1/scroll", appCtx.scrollUpdateHandler)
	mux.HandleFunc("/v1/cancel", appCtx.cancelHandler)
	mux.HandleFunc("/v1/is-cached", appCtx.isCachedHandler)
	mux.HandleFunc("/v1/progress", appCtx.progressHandler)
	mux.HandleFunc("/v1/network-type", appCtx.networkTypeHandler)
	return mux
}

type playablePathRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type playablePathResponse struct {
	Path string `json:"path"`
}

func (appCtx *AppContext) playablePathHandler(w http.ResponseWriter, r *http.Request) {
	var req playablePathRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	path := appCtx.Controller.GetPlayablePath(r.Context(), req.URL, req.Headers)
	writeJSON(w, playablePathResponse{Path: path})
}

type scrollUpdateRequest struct {
	URLs           []string          `json:"urls"`
	CurrentIndex   int               `json:"currentIndex"`
	PrefetchAhead  *int              `json:"prefetchAhead,omitempty"`
	PrefetchBehind *int              `json:"prefetchBehind,omitempty"`
	KeepRange      *int              `json:"keepRange,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

func (appCtx *AppContext) scrollUpdateHandler(w http.ResponseWriter, r *http.Request) {
	var req scrollUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appCtx.Controller.OnScrollUpdate(r.Context(), req.URLs, req.CurrentIndex, req.PrefetchAhead, req.PrefetchBehind, req.KeepRange, req.Headers)
	w.WriteHeader(http.StatusNoContent)
}

type cancelRequest struct {
	URL string `json:"url"`
	All bool   `json:"all,omitempty"`
}

func (appCtx *AppContext) cancelHandler(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.All {
		appCtx.Controller.CancelAll()
	} else if req.URL != "" {
		appCtx.Controller.CancelDownload(req.URL)
	} else {
		http.Error(w, "url or all is required", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type networkTypeRequest struct {
	IsWifi   bool `json:"isWifi"`
	IsMobile bool `json:"isMobile"`
}

func (appCtx *AppContext) networkTypeHandler(w http.ResponseWriter, r *http.Request) {
	var req networkTypeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appCtx.Controller.SetNetworkType(req.IsWifi, req.IsMobile)
	w.WriteHeader(http.StatusNoContent)
}

type isCachedResponse struct {
	Cached bool `json:"cached"`
}

func (appCtx *AppContext) isCachedHandler(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "url query parameter is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, isCachedResponse{Cached: appCtx.Controller.IsCached(url)})
}

func (appCtx *AppContext) progressHandler(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "url query parameter is required", http.StatusBadRequest)
		return
	}
	progress, ok := appCtx.Controller.GetProgress(url)
	if !ok {
		http.Error(w, "no progress recorded for url", http.StatusNotFound)
		return
	}
	writeJSON(w, progress)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil {
		http.Error(w, "request body is required", http.StatusBadRequest)
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

var (
	defaultMu   sync.Mutex
	defaultInst *prefetch.Controller
)

// SetDefault installs the process-wide controller static-style callers
// reach through Default. cmd/videocached calls this once at startup;
// nothing else should.
func SetDefault(c *prefetch.Controller) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultInst = c
}

// Default returns the controller installed by SetDefault, or nil if
// none has been. This is the "convenience facade for static-style
// callers" SPEC_FULL.md §9 calls for, layered on top of the
// non-singleton Controller rather than baked into it.
func Default() *prefetch.Controller {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultInst
}

// GetPlayablePath is the static-style convenience wrapper around
// Default().GetPlayablePath.
func GetPlayablePath(ctx context.Context, url string, headers map[string]string) string {
	c := Default()
	if c == nil {
		return url
	}
	return c.GetPlayablePath(ctx, url, headers)
}
