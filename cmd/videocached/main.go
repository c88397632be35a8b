// Command videocached wires the cache's components together behind a
// thin JSON HTTP facade, in the shape of the teacher's main.go:
// load config, build a shared logger, construct every collaborator, and
// serve. It is the runnable surface SPEC_FULL.md §12 adds on top of the
// otherwise library-only core.
package main

import (
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"videocache/internal/cachefs"
	"videocache/internal/config"
	"videocache/internal/downloader"
	"videocache/internal/evictor"
	"videocache/internal/facade"
	"videocache/internal/fetch"
	"videocache/internal/hlscache"
	"videocache/internal/metadata"
	"videocache/internal/metrics"
	"videocache/internal/network"
	"videocache/internal/prefetch"
)

func main() {
	defaultConfigFile := "videocache.json"
	configFile := flag.String("c", defaultConfigFile, "Path to the configuration file (can be overridden by VIDEOCACHE_CONFIG_PATH env var)")
	listenAddrFlag := flag.String("l", "", "Address and port to listen on, overriding the config file (e.g. :8910)")
	flag.Parse()

	logger := newLogger()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *configFile).Msg("load config failed")
	}
	if *listenAddrFlag != "" {
		cfg.ListenAddr = *listenAddrFlag
	}

	logger.Info().
		Int64("maxBytes", cfg.MaxBytes).
		Int64("maxConcurrent", cfg.MaxConcurrent).
		Str("listenAddr", cfg.ListenAddr).
		Msg("configuration loaded")

	var m *metrics.Collector
	var registerer prometheus.Registerer
	if cfg.MetricsEnabled {
		registerer = prometheus.DefaultRegisterer
		m = metrics.New()
		for _, c := range m.Collectors() {
			if err := registerer.Register(c); err != nil {
				logger.Warn().Err(err).Msg("register metrics collector failed")
			}
		}
	}

	fsManager := cachefs.NewWithRoot(logger, cfg.CacheRoot)
	cacheDir, err := fsManager.CacheDir()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialize cache directory failed")
	}
	metadataPath := filepath.Join(cacheDir, "metadata.json")

	store := metadata.New(logger, metadataPath, fsManager.Probe)
	pool := fetch.NewPool(logger, m, cfg.ConnectTimeout, cfg.IdleTimeout)

	netmon := network.New(m, network.PrefetchConfig{
		Ahead:         cfg.PrefetchAhead,
		Behind:        cfg.PrefetchBehind,
		Keep:          cfg.PrefetchKeep,
		MaxConcurrent: cfg.MaxConcurrent,
	})

	baseSink := func(url string, ev downloader.Event) {
		if ev.Err != nil {
			return
		}
		store.UpdateProgress(url, ev.DownloadedBytes, ev.TotalBytes, false)
	}
	dl := downloader.New(logger, pool, m, cfg.MaxConcurrent, downloader.SamplingSink(netmon, baseSink))

	ev := evictor.New(logger, fsManager, dl, m, cfg.MaxBytes)
	hls := hlscache.New(logger, fsManager, dl, pool, store)

	controller := prefetch.New(logger, fsManager, dl, hls, store, netmon, ev, m, cfg.MaxConcurrent)
	facade.SetDefault(controller)

	appCtx := facade.New(logger, controller)
	mux := facade.SetupRouter(appCtx)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().Str("addr", server.Addr).Msg("starting server")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Str("addr", server.Addr).Msg("server stopped unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		if parsed, err := zerolog.ParseLevel(env); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	return zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "videocached").
		Logger()
}
