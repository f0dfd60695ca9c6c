package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nzbgate/nzbgate/pkg/fileserver"
	"github.com/nzbgate/nzbgate/pkg/fourkhdhub"
	"github.com/nzbgate/nzbgate/pkg/meta"
	"github.com/nzbgate/nzbgate/pkg/offcloud"
	"github.com/nzbgate/nzbgate/pkg/sabnzbd"
	"github.com/nzbgate/nzbgate/pkg/search"
	"github.com/nzbgate/nzbgate/pkg/storage"
	"github.com/nzbgate/nzbgate/pkg/stremio"
	"github.com/nzbgate/nzbgate/pkg/urlcache"
	"github.com/nzbgate/nzbgate/pkg/usenet"
	"github.com/nzbgate/nzbgate/pkg/validate"
)

const version = "0.1.0"

var manifest = stremio.Manifest{
	ID:          "community.nzbgate",
	Name:        "NZBgate",
	Description: "Searches 4KHDHub and cached NZBs on OffCloud for your selected title and streams the best match, either as a direct video URL or as a progressively extracted Usenet download.",
	Version:     version,

	ResourceItems: []stremio.ResourceItem{
		{
			Name:  "stream",
			Types: []string{"movie", "series"},
		},
	},
	Types: []string{"movie", "series"},
	// An empty slice is required for serializing to a JSON that clients expect
	Catalogs: []stremio.CatalogItem{},

	IDprefixes: []string{"tt"},
}

// Hosts whose direct video URLs are delivered without a seek probe.
var trustedStreamHosts = []string{"pixeldrain.com", "pixeldrain.net", "workers.dev"}

func init() {
	// Timeout for global default HTTP client (for when using `http.Get()`)
	http.DefaultClient.Timeout = 5 * time.Second
}

func newLogger(level, encoding string) (*zap.Logger, error) {
	logConfig := zap.NewProductionConfig()
	logConfig.Encoding = encoding
	if encoding == "console" {
		logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logConfig.Level = zap.NewAtomicLevelAt(logLevel)
	return logConfig.Build()
}

func main() {
	logger, err := newLogger("info", "console")
	if err != nil {
		panic(err)
	}

	config := parseConfig(logger)
	config.validate(logger)
	if logger, err = newLogger(config.LogLevel, config.LogEncoding); err != nil {
		panic(err)
	}
	defer logger.Sync()

	configJSON, err := json.Marshal(config)
	if err != nil {
		logger.Fatal("Couldn't marshal config to JSON", zap.Error(err))
	}
	logger.Info("Parsed config", zap.ByteString("config", configJSON))

	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	// Load or create caches

	registerTypes()
	cacheMaxBytes := config.CacheMaxMB * 1000 * 1000
	var metaFastCache *fastcache.Cache
	availabilityGoCache := gocache.New(config.CacheAgeOC, time.Hour)
	redirectCache := urlcache.New(urlcache.DefaultOptions, logger)
	if config.DisableCache {
		metaFastCache = fastcache.New(cacheMaxBytes)
	} else {
		if err = os.MkdirAll(config.CachePath, 0o755); err != nil {
			logger.Fatal("Couldn't create cache directory", zap.Error(err), zap.String("cachePath", config.CachePath))
		}
		metaFastCache = fastcache.LoadFromFileOrNew(config.CachePath+"/meta", cacheMaxBytes)
		if items, err := loadGoCache(config.CachePath + "/availability.gob"); err != nil {
			logger.Info("Couldn't load availability cache, starting empty", zap.Error(err))
		} else {
			availabilityGoCache = gocache.NewFrom(config.CacheAgeOC, time.Hour, items)
		}
		if err := loadURLCache(redirectCache, config.CachePath + "/redirect.gob"); err != nil {
			logger.Info("Couldn't load redirect cache, starting empty", zap.Error(err))
		}
	}
	defer redirectCache.Teardown()

	fastCaches := map[string]*fastcache.Cache{"meta": metaFastCache}
	goCaches := map[string]*gocache.Cache{"availability": availabilityGoCache}
	urlCaches := map[string]*urlcache.Cache{"redirect": redirectCache}

	// Create clients

	metaClient := meta.NewClient(
		meta.NewClientOpts(config.BaseURLmeta, 5*time.Second, meta.DefaultClientOpts.CacheAge),
		&metaCache{cache: metaFastCache}, logger)

	fourOpts := fourkhdhub.NewClientOpts(config.BaseURL4KHDHub, config.SocksProxyAddr4K, config.BaseURL, 30*time.Second, config.Max4KHDHubLinks, config.DomainCacheTTL)
	fourClient, err := fourkhdhub.NewClient(fourOpts, redirectCache, logger)
	if err != nil {
		logger.Fatal("Couldn't create 4KHDHub client", zap.Error(err))
	}
	providers := []search.ProviderSearch{fourClient}

	if config.IndexerURL != "" && config.OffcloudAPIKey != "" {
		ocOpts := offcloud.NewClientOpts(config.BaseURLoc, config.IndexerURL, config.IndexerAPIKey, config.OffcloudAPIKey,
			config.BaseURL, 10*time.Second, config.CacheAgeOC, 25)
		ocClient, err := offcloud.NewClient(ocOpts, &creationCache{cache: availabilityGoCache}, logger)
		if err != nil {
			logger.Fatal("Couldn't create OffCloud client", zap.Error(err))
		}
		providers = append(providers, ocClient)
	} else {
		logger.Info("OffCloud provider disabled, set indexerURL and offcloudAPIKey to enable it")
	}

	validator := validate.NewValidator(
		validate.NewOptions(config.ValidationTimeout, config.DisableSeekValidation, trustedStreamHosts, config.BatchSize), logger)
	orchestrator := search.NewOrchestrator(
		search.NewOrchestratorOpts(config.ScraperTimeout, config.RequestTimeout, nil, config.DisableURLValidation),
		providers, metaClient, validator, logger)

	sabClient := sabnzbd.NewClient(
		sabnzbd.NewClientOpts(config.SabnzbdURL, config.SabnzbdAPIKey, config.SabnzbdCategory,
			sabnzbd.DefaultClientOpts.Timeout, uint(config.RequestMaxRetries), config.RequestRetryDelay), logger)
	var filesClient *fileserver.Client
	if config.FileServerURL != "" {
		filesClient = fileserver.NewClient(
			fileserver.NewClientOpts(config.FileServerURL, config.FileServerAPIKey, fileserver.DefaultClientOpts.Timeout), logger)
	}

	registry := usenet.NewRegistry()
	storageManager := storage.NewManager(storage.DefaultOptions, sabClient, filesClient, registry, logger)
	controller := usenet.NewController(usenet.DefaultControllerOpts, sabClient, filesClient, nil, registry, storageManager, logger)
	streamer := usenet.NewRangeStreamer(usenet.DefaultStreamerOpts, controller, logger)

	// Basic middleware and health endpoint

	logger.Info("Setting up server")
	r := mux.NewRouter()
	// NZB URLs arrive percent-encoded inside one path segment
	r.UseEncodedPath()
	s := r.Methods("GET", "HEAD", "OPTIONS").Subrouter()
	s.Use(createCorsMiddleware(),
		mux.MiddlewareFunc(handlers.ProxyHeaders),
		createRecoveryMiddleware(logger),
		createLoggingMiddleware(logger))
	s.HandleFunc("/health", healthHandler)

	// Client endpoints

	s.HandleFunc("/manifest.json", createManifestHandler(manifest, logger))
	s.HandleFunc("/stream/{type}/{id}", createStreamHandler(orchestrator, logger))
	// Redirects stream URLs (previously sent to clients) to the resolved direct video URLs
	s.HandleFunc("/redirect/{id}", createRedirectHandler(fourClient, redirectCache, config.DomainCacheTTL, logger))
	s.HandleFunc("/usenet/stream/{nzbUrl}/{title}/{type}/{id}",
		createUsenetStreamHandler(controller, streamer, filesClient, config.DeleteOnStreamStop, logger))

	// Admin endpoints

	admin := s.PathPrefix("/admin").Subrouter()
	admin.Use(createAdminAuthMiddleware(config.AdminPassword))
	admin.HandleFunc("/status", createStatusHandler(controller, registry, providers, fastCaches, goCaches, urlCaches, logger))

	srv := &http.Server{
		Addr:    config.BindAddr + ":" + strconv.Itoa(config.Port),
		Handler: r,
		// Timeouts to avoid Slowloris attacks.
		// No write timeout: range responses stream video for a long time.
		ReadTimeout:    5 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 4 * 1000,
	}

	// Background loops

	go controller.RunMonitors(mainCtx, usenet.DefaultMonitorOpts)

	if filesClient != nil {
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if freed, err := storageManager.CheckAndClean(mainCtx); err != nil {
						logger.Warn("Storage check failed", zap.Error(err))
					} else if freed > 0 {
						logger.Info("Storage cleanup freed space", zap.Int64("freedBytes", freed))
					}
				case <-mainCtx.Done():
					return
				}
			}
		}()
	}

	if !config.DisableCache {
		go func() {
			for {
				select {
				case <-time.After(time.Hour):
					persistCaches(mainCtx, config.CachePath, fastCaches, goCaches, urlCaches, logger)
				case <-mainCtx.Done():
					return
				}
			}
		}()
	}

	go func() {
		// Don't run at the same time as the persistence
		time.Sleep(time.Minute)
		for {
			logCacheStats(fastCaches, goCaches, urlCaches, logger)
			select {
			case <-time.After(time.Hour):
			case <-mainCtx.Done():
				return
			}
		}
	}()

	stopping := false
	stoppingPtr := &stopping

	logger.Info("Starting server", zap.String("address", srv.Addr))
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			if !*stoppingPtr {
				logger.Fatal("Couldn't start server", zap.Error(err))
			} else if err != http.ErrServerClosed {
				logger.Fatal("Error in srv.ListenAndServe() during server shutdown", zap.Error(err))
			}
		}
	}()

	// Graceful shutdown

	c := make(chan os.Signal, 1)
	// Accept SIGINT (Ctrl+C) and SIGTERM (`docker stop`)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	sig := <-c
	logger.Info("Received signal, shutting down...", zap.Stringer("signal", sig))
	*stoppingPtr = true
	if !config.DisableCache {
		persistCaches(mainCtx, config.CachePath, fastCaches, goCaches, urlCaches, logger)
	}
	mainCancel()
	// Create a deadline to wait for. `docker stop` gives us 10 seconds.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 9*time.Second)
	defer shutdownCancel()
	// Doesn't block if no connections, but will otherwise wait until the timeout deadline
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Error shutting down server", zap.Error(err))
	}
	logger.Info("Server shut down")
}
