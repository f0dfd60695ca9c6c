package main

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type config struct {
	BindAddr              string        `json:"bindAddr"`
	Port                  int           `json:"port"`
	BaseURL               string        `json:"baseURL"`
	CachePath             string        `json:"cachePath"`
	CacheMaxMB            int           `json:"cacheMaxMB"`
	DisableCache          bool          `json:"disableCache"`
	LogLevel              string        `json:"logLevel"`
	LogEncoding           string        `json:"logEncoding"`
	SabnzbdURL            string        `json:"sabnzbdURL"`
	SabnzbdAPIKey         string        `json:"-"`
	SabnzbdCategory       string        `json:"sabnzbdCategory"`
	FileServerURL         string        `json:"fileServerURL"`
	FileServerAPIKey      string        `json:"-"`
	BaseURL4KHDHub        string        `json:"baseURL4khdhub"`
	SocksProxyAddr4K      string        `json:"socksProxyAddr4k"`
	Max4KHDHubLinks       int           `json:"max4khdhubLinks"`
	BaseURLoc             string        `json:"baseURLoc"`
	OffcloudAPIKey        string        `json:"-"`
	IndexerURL            string        `json:"indexerURL"`
	IndexerAPIKey         string        `json:"-"`
	CacheAgeOC            time.Duration `json:"cacheAgeOC"`
	BaseURLmeta           string        `json:"baseURLmeta"`
	RequestTimeout        time.Duration `json:"requestTimeout"`
	RequestMaxRetries     int           `json:"requestMaxRetries"`
	RequestRetryDelay     time.Duration `json:"requestRetryDelay"`
	ScraperTimeout        time.Duration `json:"scraperTimeout"`
	ValidationTimeout     time.Duration `json:"validationTimeout"`
	DisableURLValidation  bool          `json:"disableURLValidation"`
	DisableSeekValidation bool          `json:"disableSeekValidation"`
	DomainCacheTTL        time.Duration `json:"domainCacheTTL"`
	BatchSize             int           `json:"batchSize"`
	DeleteOnStreamStop    bool          `json:"deleteOnStreamStop"`
	AdminPassword         string        `json:"-"`
	EnvPrefix             string        `json:"envPrefix"`
}

func parseConfig(logger *zap.Logger) config {
	result := config{}

	// Flags
	var (
		bindAddr              = flag.String("bindAddr", "localhost", `Local interface address to bind to. "localhost" only allows access from the local host. "0.0.0.0" binds to all network interfaces.`)
		port                  = flag.Int("port", 8080, "Port to listen on")
		baseURL               = flag.String("baseURL", "http://localhost:8080", "Base URL of this service. It's used in the stream URLs that are delivered to clients and that later point back at the redirect and Usenet streaming endpoints.")
		cachePath             = flag.String("cachePath", "", `Path for loading persisted caches on startup and persisting the current cache in regular intervals. An empty value will lead to 'os.UserCacheDir()+"/nzbgate/cache"'.`)
		cacheMaxMB            = flag.Int("cacheMaxMB", 32, "Max number of megabytes to be used for the in-memory metadata cache")
		disableCache          = flag.Bool("disableCache", false, "Set to true to skip loading and persisting caches. Everything is then resolved fresh per request.")
		logLevel              = flag.String("logLevel", "debug", `Log level to show only logs with the given and more severe levels. Can be "debug", "info", "warn", "error".`)
		logEncoding           = flag.String("logEncoding", "console", `Log encoding. Can be "console" or "json", where "json" makes more sense when using centralized logging solutions like ELK, Graylog or Loki.`)
		sabnzbdURL            = flag.String("sabnzbdURL", "http://localhost:8080", "Base URL of the SABnzbd instance that handles NZB downloads")
		sabnzbdAPIKey         = flag.String("sabnzbdAPIKey", "", "API key for SABnzbd")
		sabnzbdCategory       = flag.String("sabnzbdCategory", "nzbgate", "SABnzbd category to submit NZBs under")
		fileServerURL         = flag.String("fileServerURL", "", "Base URL of the staging file server that fronts SABnzbd's directories. Keep empty to serve files directly from the local filesystem.")
		fileServerAPIKey      = flag.String("fileServerAPIKey", "", "API key for the staging file server")
		baseURL4khdhub        = flag.String("baseURL4khdhub", "https://4khdhub.fans", "Base URL for 4KHDHub")
		socksProxyAddr4k      = flag.String("socksProxyAddr4k", "", "SOCKS5 proxy address for accessing 4KHDHub (where \"127.0.0.1:9050\" would be a typical value)")
		max4khdhubLinks       = flag.Int("max4khdhubLinks", 10, "Max number of download links to resolve per 4KHDHub page")
		baseURLoc             = flag.String("baseURLoc", "https://offcloud.com", "Base URL for OffCloud")
		offcloudAPIKey        = flag.String("offcloudAPIKey", "", "API key for OffCloud. The OffCloud provider is disabled when empty.")
		indexerURL            = flag.String("indexerURL", "", "Newznab API endpoint of the NZB indexer to search. The OffCloud provider is disabled when empty.")
		indexerAPIKey         = flag.String("indexerAPIKey", "", "API key for the NZB indexer")
		cacheAgeOC            = flag.Duration("cacheAgeOC", 24*time.Hour, "Max age of cache entries for OffCloud cache-check responses. The format must be acceptable by Go's 'time.ParseDuration()', for example \"24h\".")
		baseURLmeta           = flag.String("baseURLmeta", "https://v3-cinemeta.strem.io", "Base URL for the metadata catalog service")
		requestTimeout        = flag.Duration("requestTimeout", 15*time.Second, "Timeout for one whole search pipeline run")
		requestMaxRetries     = flag.Int("requestMaxRetries", 3, "Max number of retries for failed downloader API requests")
		requestRetryDelay     = flag.Duration("requestRetryDelay", time.Second, "Delay between retries of failed downloader API requests")
		scraperTimeout        = flag.Duration("scraperTimeout", 5*time.Second, "Timeout for one single provider search within the pipeline")
		validationTimeout     = flag.Duration("validationTimeout", 8*time.Second, "Timeout per stream URL validation probe")
		disableURLValidation  = flag.Bool("disableURLValidation", false, "Set to true to deliver streams without validating their URLs first")
		disableSeekValidation = flag.Bool("disableSeekValidation", false, "Set to true to skip the range-request probe during URL validation")
		domainCacheTTL        = flag.Duration("domainCacheTTL", time.Hour, "How long resolved provider URLs stay cached")
		batchSize             = flag.Int("batchSize", 5, "Max number of validation probes that run concurrently")
		deleteOnStreamStop    = flag.Bool("deleteOnStreamStop", false, "Set to true to delete a Usenet download as soon as its stream goes inactive")
		adminPassword         = flag.String("adminPassword", "", "Password for the admin status endpoint. The endpoint is disabled when empty.")
		envPrefix             = flag.String("envPrefix", "", "Prefix for environment variables")
	)

	flag.Parse()

	if *envPrefix != "" && !strings.HasSuffix(*envPrefix, "_") {
		*envPrefix += "_"
	}
	result.EnvPrefix = *envPrefix

	// Only overwrite the values by their env var counterparts that have not been set (and that *are* set via env var).
	var err error
	if !isArgSet("bindAddr") {
		if val, ok := os.LookupEnv(*envPrefix + "BIND_ADDR"); ok {
			*bindAddr = val
		}
	}
	result.BindAddr = *bindAddr

	if !isArgSet("port") {
		if val, ok := os.LookupEnv(*envPrefix + "PORT"); ok {
			if *port, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "PORT"))
			}
		}
	}
	result.Port = *port

	if !isArgSet("baseURL") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL"); ok {
			*baseURL = val
		}
	}
	result.BaseURL = strings.TrimSuffix(*baseURL, "/")

	if !isArgSet("cachePath") {
		if val, ok := os.LookupEnv(*envPrefix + "CACHE_PATH"); ok {
			*cachePath = val
		}
	}
	result.CachePath = *cachePath

	if !isArgSet("cacheMaxMB") {
		if val, ok := os.LookupEnv(*envPrefix + "CACHE_MAX_MB"); ok {
			if *cacheMaxMB, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "CACHE_MAX_MB"))
			}
		}
	}
	result.CacheMaxMB = *cacheMaxMB

	if !isArgSet("disableCache") {
		if val, ok := os.LookupEnv(*envPrefix + "DISABLE_CACHE"); ok {
			if *disableCache, err = strconv.ParseBool(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to bool", zap.Error(err), zap.String("envVar", "DISABLE_CACHE"))
			}
		}
	}
	result.DisableCache = *disableCache

	if !isArgSet("logLevel") {
		if val, ok := os.LookupEnv(*envPrefix + "LOG_LEVEL"); ok {
			*logLevel = val
		}
	}
	result.LogLevel = *logLevel

	if !isArgSet("logEncoding") {
		if val, ok := os.LookupEnv(*envPrefix + "LOG_ENCODING"); ok {
			*logEncoding = val
		}
	}
	result.LogEncoding = *logEncoding

	if !isArgSet("sabnzbdURL") {
		if val, ok := os.LookupEnv(*envPrefix + "SABNZBD_URL"); ok {
			*sabnzbdURL = val
		}
	}
	result.SabnzbdURL = *sabnzbdURL

	if !isArgSet("sabnzbdAPIKey") {
		if val, ok := os.LookupEnv(*envPrefix + "SABNZBD_API_KEY"); ok {
			*sabnzbdAPIKey = val
		}
	}
	result.SabnzbdAPIKey = *sabnzbdAPIKey

	if !isArgSet("sabnzbdCategory") {
		if val, ok := os.LookupEnv(*envPrefix + "SABNZBD_CATEGORY"); ok {
			*sabnzbdCategory = val
		}
	}
	result.SabnzbdCategory = *sabnzbdCategory

	if !isArgSet("fileServerURL") {
		if val, ok := os.LookupEnv(*envPrefix + "USENET_FILE_SERVER_URL"); ok {
			*fileServerURL = val
		}
	}
	result.FileServerURL = *fileServerURL

	if !isArgSet("fileServerAPIKey") {
		if val, ok := os.LookupEnv(*envPrefix + "USENET_FILE_SERVER_API_KEY"); ok {
			*fileServerAPIKey = val
		}
	}
	result.FileServerAPIKey = *fileServerAPIKey

	if !isArgSet("baseURL4khdhub") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_4KHDHUB"); ok {
			*baseURL4khdhub = val
		}
	}
	result.BaseURL4KHDHub = *baseURL4khdhub

	if !isArgSet("socksProxyAddr4k") {
		if val, ok := os.LookupEnv(*envPrefix + "SOCKS_PROXY_ADDR_4KHDHUB"); ok {
			*socksProxyAddr4k = val
		}
	}
	result.SocksProxyAddr4K = *socksProxyAddr4k

	if !isArgSet("max4khdhubLinks") {
		if val, ok := os.LookupEnv(*envPrefix + "MAX_4KHDHUB_LINKS"); ok {
			if *max4khdhubLinks, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "MAX_4KHDHUB_LINKS"))
			}
		}
	}
	result.Max4KHDHubLinks = *max4khdhubLinks

	if !isArgSet("baseURLoc") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_OC"); ok {
			*baseURLoc = val
		}
	}
	result.BaseURLoc = *baseURLoc

	if !isArgSet("offcloudAPIKey") {
		if val, ok := os.LookupEnv(*envPrefix + "OFFCLOUD_API_KEY"); ok {
			*offcloudAPIKey = val
		}
	}
	result.OffcloudAPIKey = *offcloudAPIKey

	if !isArgSet("indexerURL") {
		if val, ok := os.LookupEnv(*envPrefix + "INDEXER_URL"); ok {
			*indexerURL = val
		}
	}
	result.IndexerURL = *indexerURL

	if !isArgSet("indexerAPIKey") {
		if val, ok := os.LookupEnv(*envPrefix + "INDEXER_API_KEY"); ok {
			*indexerAPIKey = val
		}
	}
	result.IndexerAPIKey = *indexerAPIKey

	if !isArgSet("cacheAgeOC") {
		if val, ok := os.LookupEnv(*envPrefix + "CACHE_AGE_OC"); ok {
			if *cacheAgeOC, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "CACHE_AGE_OC"))
			}
		}
	}
	result.CacheAgeOC = *cacheAgeOC

	if !isArgSet("baseURLmeta") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_META"); ok {
			*baseURLmeta = val
		}
	}
	result.BaseURLmeta = *baseURLmeta

	if !isArgSet("requestTimeout") {
		if val, ok := os.LookupEnv(*envPrefix + "REQUEST_TIMEOUT"); ok {
			if *requestTimeout, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "REQUEST_TIMEOUT"))
			}
		}
	}
	result.RequestTimeout = *requestTimeout

	if !isArgSet("requestMaxRetries") {
		if val, ok := os.LookupEnv(*envPrefix + "REQUEST_MAX_RETRIES"); ok {
			if *requestMaxRetries, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "REQUEST_MAX_RETRIES"))
			}
		}
	}
	result.RequestMaxRetries = *requestMaxRetries

	if !isArgSet("requestRetryDelay") {
		if val, ok := os.LookupEnv(*envPrefix + "REQUEST_RETRY_DELAY"); ok {
			if *requestRetryDelay, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "REQUEST_RETRY_DELAY"))
			}
		}
	}
	result.RequestRetryDelay = *requestRetryDelay

	if !isArgSet("scraperTimeout") {
		if val, ok := os.LookupEnv(*envPrefix + "SCRAPER_TIMEOUT"); ok {
			if *scraperTimeout, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "SCRAPER_TIMEOUT"))
			}
		}
	}
	result.ScraperTimeout = *scraperTimeout

	if !isArgSet("validationTimeout") {
		if val, ok := os.LookupEnv(*envPrefix + "VALIDATION_TIMEOUT"); ok {
			if *validationTimeout, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "VALIDATION_TIMEOUT"))
			}
		}
	}
	result.ValidationTimeout = *validationTimeout

	if !isArgSet("disableURLValidation") {
		if val, ok := os.LookupEnv(*envPrefix + "DISABLE_URL_VALIDATION"); ok {
			if *disableURLValidation, err = strconv.ParseBool(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to bool", zap.Error(err), zap.String("envVar", "DISABLE_URL_VALIDATION"))
			}
		}
	}
	result.DisableURLValidation = *disableURLValidation

	if !isArgSet("disableSeekValidation") {
		if val, ok := os.LookupEnv(*envPrefix + "DISABLE_SEEK_VALIDATION"); ok {
			if *disableSeekValidation, err = strconv.ParseBool(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to bool", zap.Error(err), zap.String("envVar", "DISABLE_SEEK_VALIDATION"))
			}
		}
	}
	result.DisableSeekValidation = *disableSeekValidation

	if !isArgSet("domainCacheTTL") {
		if val, ok := os.LookupEnv(*envPrefix + "DOMAIN_CACHE_TTL_MS"); ok {
			millis, convErr := strconv.Atoi(val)
			if convErr != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(convErr), zap.String("envVar", "DOMAIN_CACHE_TTL_MS"))
			}
			*domainCacheTTL = time.Duration(millis) * time.Millisecond
		}
	}
	result.DomainCacheTTL = *domainCacheTTL

	if !isArgSet("batchSize") {
		if val, ok := os.LookupEnv(*envPrefix + "BATCH_SIZE"); ok {
			if *batchSize, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "BATCH_SIZE"))
			}
		}
	}
	result.BatchSize = *batchSize

	if !isArgSet("deleteOnStreamStop") {
		if val, ok := os.LookupEnv(*envPrefix + "DELETE_ON_STREAM_STOP"); ok {
			if *deleteOnStreamStop, err = strconv.ParseBool(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to bool", zap.Error(err), zap.String("envVar", "DELETE_ON_STREAM_STOP"))
			}
		}
	}
	result.DeleteOnStreamStop = *deleteOnStreamStop

	if !isArgSet("adminPassword") {
		if val, ok := os.LookupEnv(*envPrefix + "ADMIN_PASSWORD"); ok {
			*adminPassword = val
		}
	}
	result.AdminPassword = *adminPassword

	return result
}

func (c *config) validate(logger *zap.Logger) {
	if c.CachePath == "" {
		userCacheDir, err := os.UserCacheDir()
		if err != nil {
			logger.Fatal("Couldn't determine user cache directory via `os.UserCacheDir()`", zap.Error(err))
		}
		// Add two levels, because even if we're in `os.UserCacheDir()`, on Windows that's for example `C:\Users\John\AppData\Local`
		c.CachePath = filepath.Join(userCacheDir, "nzbgate/cache")
	} else {
		c.CachePath = filepath.Clean(c.CachePath)
	}
	// If the dir doesn't exist, it's created when the files are written.

	if c.LogEncoding != "console" && c.LogEncoding != "json" {
		logger.Fatal(`logEncoding must be one of "console" or "json"`, zap.String("logEncoding", c.LogEncoding))
	}

	if (c.IndexerURL == "") != (c.OffcloudAPIKey == "") {
		logger.Warn("OffCloud requires both an indexer URL and an API key; the provider stays disabled")
	}
}

// isArgSet returns true if the argument you're looking for is actually set as command line argument.
// Pass without "-" prefix.
func isArgSet(arg string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == arg {
			found = true
		}
	})
	return found
}
