// Package offcloud finds cached Usenet releases: it searches Newznab-style
// indexers and keeps only the NZBs that OffCloud reports as instantly
// available.
package offcloud

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/nzbgate/nzbgate/pkg/search"
)

// Cache is the interface for the availability memo. The cache only stores
// that an NZB was cached on OffCloud at some point, so only the creation
// time matters.
type Cache interface {
	Set(key string) error
	Get(key string) (time.Time, bool, error)
}

type ClientOptions struct {
	BaseURL string
	// IndexerURL is the Newznab API endpoint to search
	IndexerURL    string
	IndexerAPIKey string
	APIKey        string
	// StreamURLBase is this gateway's own base URL; cached hits are served
	// through its Usenet stream endpoint
	StreamURLBase string
	Timeout       time.Duration
	CacheAge      time.Duration
	// MaxResults caps how many indexer hits get cache-checked per query
	MaxResults int
}

func NewClientOpts(baseURL, indexerURL, indexerAPIKey, apiKey, streamURLBase string, timeout, cacheAge time.Duration, maxResults int) ClientOptions {
	return ClientOptions{
		BaseURL:       baseURL,
		IndexerURL:    indexerURL,
		IndexerAPIKey: indexerAPIKey,
		APIKey:        apiKey,
		StreamURLBase: streamURLBase,
		Timeout:       timeout,
		CacheAge:      cacheAge,
		MaxResults:    maxResults,
	}
}

var DefaultClientOpts = ClientOptions{
	BaseURL:    "https://offcloud.com",
	Timeout:    10 * time.Second,
	CacheAge:   24 * time.Hour,
	MaxResults: 25,
}

var _ search.ProviderSearch = (*Client)(nil)

type Client struct {
	baseURL       string
	indexerURL    string
	indexerAPIKey string
	apiKey        string
	streamURLBase string
	httpClient    *http.Client
	// For NZB instant availability
	availabilityCache Cache
	cacheAge          time.Duration
	maxResults        int
	logger            *zap.Logger
}

func NewClient(opts ClientOptions, availabilityCache Cache, logger *zap.Logger) (*Client, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if opts.IndexerURL == "" {
		return nil, errors.New("opts.IndexerURL must not be empty")
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultClientOpts.Timeout
	}
	if opts.CacheAge == 0 {
		opts.CacheAge = DefaultClientOpts.CacheAge
	}
	if opts.MaxResults == 0 {
		opts.MaxResults = DefaultClientOpts.MaxResults
	}
	return &Client{
		baseURL:       strings.TrimSuffix(opts.BaseURL, "/"),
		indexerURL:    strings.TrimSuffix(opts.IndexerURL, "/"),
		indexerAPIKey: opts.IndexerAPIKey,
		apiKey:        opts.APIKey,
		streamURLBase: strings.TrimSuffix(opts.StreamURLBase, "/"),
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		availabilityCache: availabilityCache,
		cacheAge:          opts.CacheAge,
		maxResults:        opts.MaxResults,
		logger:            logger,
	}, nil
}

func (c *Client) Name() string {
	return "offcloud"
}

func (c *Client) IsSlow() bool {
	return false
}

// TestAPIKey checks the configured OffCloud API key against the account
// endpoint.
func (c *Client) TestAPIKey(ctx context.Context) error {
	c.logger.Debug("Testing OffCloud API key...")
	resBytes, err := c.get(ctx, c.baseURL+"/api/account/stats?key="+url.QueryEscape(c.apiKey))
	if err != nil {
		return fmt.Errorf("Couldn't fetch account stats from offcloud.com with the provided key: %v", err)
	}
	if !gjson.GetBytes(resBytes, "userId").Exists() {
		return fmt.Errorf("Couldn't parse account stats response from offcloud.com")
	}
	c.logger.Debug("OffCloud API key OK")
	return nil
}

// nzbItem is one indexer hit before the cache check.
type nzbItem struct {
	title     string
	nzbURL    string
	sizeBytes int64
}

// FindStreams searches the indexer for every query and returns only releases
// OffCloud has cached. The results point at this gateway's own Usenet stream
// endpoint, so they are marked as still needing resolution.
func (c *Client) FindStreams(ctx context.Context, req search.Request) ([]search.Result, error) {
	items, err := c.searchIndexer(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	if len(items) > c.maxResults {
		items = items[:c.maxResults]
	}

	cached, err := c.checkCached(ctx, items)
	if err != nil {
		return nil, err
	}

	results := make([]search.Result, 0, len(cached))
	for _, item := range cached {
		quality := detectQuality(item.title)
		results = append(results, search.Result{
			Name:            "[OffCloud+] " + quality,
			Title:           item.title,
			URL:             c.streamURL(item, req),
			Quality:         quality,
			SizeBytes:       item.sizeBytes,
			SourceTag:       c.Name(),
			NeedsResolution: true,
			BingeGroup:      "offcloud-" + quality,
		})
	}
	return results, nil
}

// searchIndexer runs one Newznab search per query and merges the hits,
// deduplicated by NZB URL. For series requests the season/episode marker is
// appended to each query.
func (c *Client) searchIndexer(ctx context.Context, req search.Request) ([]nzbItem, error) {
	seen := map[string]struct{}{}
	var items []nzbItem
	var lastErr error
	succeeded := false
	for _, query := range req.Queries {
		if req.MediaType == search.MediaTypeSeries {
			query = fmt.Sprintf("%s S%02dE%02d", query, req.Season, req.Episode)
		}
		reqURL := c.indexerURL + "/api?t=search&o=json&apikey=" + url.QueryEscape(c.indexerAPIKey) + "&q=" + url.QueryEscape(query)
		resBytes, err := c.get(ctx, reqURL)
		if err != nil {
			c.logger.Debug("Indexer search failed", zap.Error(err), zap.String("query", query))
			lastErr = err
			continue
		}
		succeeded = true
		for _, item := range gjson.GetBytes(resBytes, "channel.item").Array() {
			nzbURL := item.Get("enclosure.@attributes.url").String()
			if nzbURL == "" {
				nzbURL = item.Get("link").String()
			}
			title := item.Get("title").String()
			if nzbURL == "" || title == "" {
				continue
			}
			if _, found := seen[nzbURL]; found {
				continue
			}
			seen[nzbURL] = struct{}{}
			items = append(items, nzbItem{
				title:     title,
				nzbURL:    nzbURL,
				sizeBytes: item.Get("enclosure.@attributes.length").Int(),
			})
		}
	}
	if !succeeded && lastErr != nil {
		return nil, fmt.Errorf("Couldn't search indexer: %v", lastErr)
	}
	return items, nil
}

// checkCached keeps the items that OffCloud reports as cached. Items known
// to be cached from an earlier check skip the request. Unavailable items are
// not memoized, their status changes often.
func (c *Client) checkCached(ctx context.Context, items []nzbItem) ([]nzbItem, error) {
	var cached []nzbItem
	var toCheck []nzbItem
	var hashes []string
	for _, item := range items {
		hash := nzbHash(item.nzbURL)
		created, found, err := c.availabilityCache.Get(hash)
		if err != nil {
			c.logger.Error("Couldn't decode availability cache item", zap.Error(err), zap.String("hash", hash))
		} else if found && time.Since(created) <= c.cacheAge {
			cached = append(cached, item)
			continue
		}
		toCheck = append(toCheck, item)
		hashes = append(hashes, hash)
	}
	if len(toCheck) == 0 {
		return cached, nil
	}

	reqBody, err := json.Marshal(map[string][]string{"hashes": hashes})
	if err != nil {
		return nil, fmt.Errorf("Couldn't marshal cache check request: %v", err)
	}
	reqURL := c.baseURL + "/api/cache?key=" + url.QueryEscape(c.apiKey)
	resBytes, err := c.post(ctx, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("Couldn't check cache on offcloud.com: %v", err)
	}

	cachedHashes := map[string]struct{}{}
	for _, hash := range gjson.GetBytes(resBytes, "cachedItems").Array() {
		cachedHashes[hash.String()] = struct{}{}
	}
	for i, item := range toCheck {
		if _, found := cachedHashes[hashes[i]]; !found {
			continue
		}
		cached = append(cached, item)
		if err := c.availabilityCache.Set(hashes[i]); err != nil {
			c.logger.Error("Couldn't cache availability", zap.Error(err), zap.String("hash", hashes[i]))
		}
	}
	return cached, nil
}

// streamURL builds the gateway's own Usenet stream endpoint URL for a cached
// release.
func (c *Client) streamURL(item nzbItem, req search.Request) string {
	return c.streamURLBase + "/usenet/stream/" +
		url.PathEscape(item.nzbURL) + "/" +
		url.PathEscape(item.title) + "/" +
		url.PathEscape(req.MediaType) + "/" +
		url.PathEscape(req.ID)
}

func nzbHash(nzbURL string) string {
	sum := md5.Sum([]byte(nzbURL))
	return hex.EncodeToString(sum[:])
}

var qualityMarkers = []string{"2160p", "1440p", "1080p", "720p", "480p"}

func detectQuality(title string) string {
	lowered := strings.ToLower(title)
	for _, marker := range qualityMarkers {
		if strings.Contains(lowered, marker) {
			return marker
		}
	}
	if strings.Contains(lowered, "2160") || strings.Contains(lowered, "4k") || strings.Contains(lowered, "uhd") {
		return "2160p"
	}
	return ""
}

func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create GET request: %v", err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't send GET request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		if res.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("Invalid API key")
		}
		return nil, fmt.Errorf("bad HTTP response status: %v (GET request to %v)", res.Status, reqURL)
	}
	return io.ReadAll(res.Body)
}

func (c *Client) post(ctx context.Context, reqURL string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("Couldn't create POST request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't send POST request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		if res.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("Invalid API key")
		}
		return nil, fmt.Errorf("bad HTTP response status: %v (POST request to %v)", res.Status, reqURL)
	}
	return io.ReadAll(res.Body)
}
