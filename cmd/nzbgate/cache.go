package main

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/nzbgate/nzbgate/pkg/meta"
	"github.com/nzbgate/nzbgate/pkg/offcloud"
	"github.com/nzbgate/nzbgate/pkg/urlcache"
)

func registerTypes() {
	// For the OffCloud availability cache
	gob.Register(time.Time{})
	// For the metadata cache
	gob.Register(meta.CacheItem{})
	// For the resolved-URL cache
	gob.Register([]urlcache.Item{})
}

var _ meta.Cache = (*metaCache)(nil)

// metaCache is the cache for meta.Meta objects, backed by github.com/VictoriaMetrics/fastcache.
type metaCache struct {
	cache *fastcache.Cache
}

// Set implements the meta.Cache interface.
func (c *metaCache) Set(key string, m meta.Meta) error {
	item := meta.CacheItem{
		Meta:    m,
		Created: time.Now(),
	}
	return gobSet(c.cache, key, item)
}

// Get implements the meta.Cache interface.
func (c *metaCache) Get(key string) (meta.Meta, time.Time, bool, error) {
	var item meta.CacheItem
	found, err := gobGet(c.cache, key, &item)
	return item.Meta, item.Created, found, err
}

var _ offcloud.Cache = (*creationCache)(nil)

// creationCache caches if a key exists and the time this was cached.
type creationCache struct {
	cache *gocache.Cache
}

// Set implements the offcloud.Cache interface.
func (c *creationCache) Set(key string) error {
	c.cache.Set(key, time.Now(), 0)
	return nil
}

// Get implements the offcloud.Cache interface.
func (c *creationCache) Get(key string) (time.Time, bool, error) {
	createdIface, found := c.cache.Get(key)
	if !found {
		return time.Time{}, found, nil
	}
	created, ok := createdIface.(time.Time)
	if !ok {
		return time.Time{}, found, fmt.Errorf("Couldn't cast cached value to time.Time: type was: %T", createdIface)
	}
	return created, found, nil
}

func gobSet(cache *fastcache.Cache, key string, item interface{}) error {
	writer := bytes.Buffer{}
	encoder := gob.NewEncoder(&writer)
	if err := encoder.Encode(item); err != nil {
		return fmt.Errorf("Couldn't encode item: %v", err)
	}
	cache.Set([]byte(key), writer.Bytes())
	return nil
}

func gobGet(cache *fastcache.Cache, key string, item interface{}) (bool, error) {
	data, found := cache.HasGet(nil, []byte(key))
	if !found {
		return found, nil
	}
	reader := bytes.NewReader(data)
	decoder := gob.NewDecoder(reader)
	if err := decoder.Decode(item); err != nil {
		return found, fmt.Errorf("Couldn't decode item: %v", err)
	}
	return found, nil
}

func saveGoCache(items map[string]gocache.Item, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("Couldn't create go-cache file: %v", err)
	}
	defer file.Close()
	encoder := gob.NewEncoder(file)
	if err = encoder.Encode(items); err != nil {
		return fmt.Errorf("Couldn't encode items for go-cache file: %v", err)
	}
	return nil
}

func loadGoCache(filePath string) (map[string]gocache.Item, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("Couldn't open go-cache file: %v", err)
	}
	defer file.Close()
	decoder := gob.NewDecoder(file)
	result := map[string]gocache.Item{}
	if err = decoder.Decode(&result); err != nil {
		return nil, fmt.Errorf("Couldn't decode items from go-cache file: %v", err)
	}
	return result, nil
}

func saveURLCache(cache *urlcache.Cache, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("Couldn't create URL cache file: %v", err)
	}
	defer file.Close()
	encoder := gob.NewEncoder(file)
	if err = encoder.Encode(cache.Items()); err != nil {
		return fmt.Errorf("Couldn't encode items for URL cache file: %v", err)
	}
	return nil
}

func loadURLCache(cache *urlcache.Cache, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("Couldn't open URL cache file: %v", err)
	}
	defer file.Close()
	decoder := gob.NewDecoder(file)
	var items []urlcache.Item
	if err = decoder.Decode(&items); err != nil {
		return fmt.Errorf("Couldn't decode items from URL cache file: %v", err)
	}
	cache.LoadItems(items)
	return nil
}

func persistCaches(ctx context.Context, cacheFilePath string, fastCaches map[string]*fastcache.Cache, goCaches map[string]*gocache.Cache, urlCaches map[string]*urlcache.Cache, logger *zap.Logger) {
	if ctx.Err() != nil {
		logger.Warn("Regular cache persistence triggered, but server is shutting down")
		return
	}

	logger.Info("Persisting caches...", zap.String("cacheFilePath", cacheFilePath))
	start := time.Now()

	for name, fastCache := range fastCaches {
		if err := fastCache.SaveToFileConcurrent(cacheFilePath+"/"+name, runtime.NumCPU()); err != nil {
			logger.Error("Couldn't save cache to file", zap.Error(err), zap.String("cache", name))
		}
	}

	for name, goCache := range goCaches {
		if err := saveGoCache(goCache.Items(), cacheFilePath+"/"+name+".gob"); err != nil {
			logger.Error("Couldn't save cache to file", zap.Error(err), zap.String("cache", name))
		}
	}

	for name, urlCache := range urlCaches {
		if err := saveURLCache(urlCache, cacheFilePath+"/"+name+".gob"); err != nil {
			logger.Error("Couldn't save cache to file", zap.Error(err), zap.String("cache", name))
		}
	}

	duration := time.Since(start).Milliseconds()
	durationString := strconv.FormatInt(duration, 10) + "ms"
	logger.Info("Persisted caches", zap.String("duration", durationString))
}

func logCacheStats(fastCaches map[string]*fastcache.Cache, goCaches map[string]*gocache.Cache, urlCaches map[string]*urlcache.Cache, logger *zap.Logger) {
	stats := fastcache.Stats{}
	for name, fastCache := range fastCaches {
		fastCache.UpdateStats(&stats)
		fields := []zap.Field{
			zap.String("cache", name),
			zap.Uint64("GetCalls", stats.GetCalls),
			zap.Uint64("SetCalls", stats.SetCalls),
			zap.Uint64("Misses", stats.Misses),
			zap.Uint64("EntriesCount", stats.EntriesCount),
			zap.String("Size", strconv.FormatUint(stats.BytesSize/uint64(1024)/uint64(1024), 10)+"MB"),
		}
		logger.Info("Cache stats", fields...)
		stats.Reset()
	}

	for name, goCache := range goCaches {
		logger.Info("Cache stats", zap.String("cache", name), zap.Int("itemCount", goCache.ItemCount()))
	}

	for name, urlCache := range urlCaches {
		logger.Info("Cache stats", zap.String("cache", name), zap.Int("itemCount", urlCache.Len()))
	}
}
