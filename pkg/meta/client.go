// Package meta resolves catalog IDs (e.g. "tt0111161") into title metadata
// via the external catalog service.
package meta

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Meta is the title metadata the search pipeline works with.
type Meta struct {
	Name           string
	Year           int
	OriginalName   string
	AlternateNames []string
}

// CacheItem is the cached form of a Meta lookup.
type CacheItem struct {
	Meta    Meta
	Created time.Time
}

// Cache is the interface the client uses for caching metadata lookups.
// A package user must pass an implementation, usually a small wrapper around
// an existing cache package.
type Cache interface {
	Set(key string, meta Meta) error
	Get(key string) (Meta, time.Time, bool, error)
}

type ClientOptions struct {
	BaseURL  string
	Timeout  time.Duration
	CacheAge time.Duration
}

func NewClientOpts(baseURL string, timeout, cacheAge time.Duration) ClientOptions {
	return ClientOptions{
		BaseURL:  baseURL,
		Timeout:  timeout,
		CacheAge: cacheAge,
	}
}

var DefaultClientOpts = ClientOptions{
	BaseURL:  "https://v3-cinemeta.strem.io",
	Timeout:  5 * time.Second,
	CacheAge: 24 * time.Hour * 30,
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      Cache
	cacheAge   time.Duration
	logger     *zap.Logger
}

func NewClient(opts ClientOptions, cache Cache, logger *zap.Logger) *Client {
	return &Client{
		baseURL: opts.BaseURL,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		cache:    cache,
		cacheAge: opts.CacheAge,
		logger:   logger,
	}
}

// Get fetches the metadata for the given media type ("movie" or "series")
// and catalog ID. HTTP or parse failures mean "metadata unavailable" - the
// caller is expected to abort its search with an empty result.
func (c *Client) Get(ctx context.Context, mediaType, id string) (Meta, error) {
	zapFieldID := zap.String("id", id)

	cacheKey := mediaType + "-" + id
	meta, created, found, err := c.cache.Get(cacheKey)
	if err != nil {
		c.logger.Error("Couldn't decode meta cache item", zap.Error(err), zapFieldID)
	} else if found && time.Since(created) <= c.cacheAge {
		c.logger.Debug("Hit cache for metadata, returning result", zapFieldID)
		return meta, nil
	}

	reqURL := c.baseURL + "/meta/" + mediaType + "/" + id + ".json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Meta{}, fmt.Errorf("Couldn't create request for %v: %v", reqURL, err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return Meta{}, fmt.Errorf("Couldn't GET %v: %v", reqURL, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return Meta{}, fmt.Errorf("Bad GET response: %v", res.StatusCode)
	}
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return Meta{}, fmt.Errorf("Couldn't read response body: %v", err)
	}

	name := gjson.GetBytes(resBody, "meta.name").String()
	if name == "" {
		return Meta{}, fmt.Errorf("Couldn't find name in catalog response for %v", id)
	}
	meta = Meta{
		Name:         name,
		OriginalName: gjson.GetBytes(resBody, "meta.originalName").String(),
	}
	// The year comes as "1994" or "1994-2003" for series
	yearString := gjson.GetBytes(resBody, "meta.year").String()
	if len(yearString) >= 4 {
		if year, err := strconv.Atoi(yearString[:4]); err == nil {
			meta.Year = year
		}
	}
	for _, alt := range gjson.GetBytes(resBody, "meta.alternateTitles").Array() {
		if alt.String() != "" {
			meta.AlternateNames = append(meta.AlternateNames, alt.String())
		}
	}

	if err := c.cache.Set(cacheKey, meta); err != nil {
		c.logger.Error("Couldn't cache metadata", zap.Error(err), zapFieldID)
	}
	return meta, nil
}
