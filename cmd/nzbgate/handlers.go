package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	gocache "github.com/patrickmn/go-cache"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nzbgate/nzbgate/pkg/fileserver"
	"github.com/nzbgate/nzbgate/pkg/fourkhdhub"
	"github.com/nzbgate/nzbgate/pkg/meta"
	"github.com/nzbgate/nzbgate/pkg/search"
	"github.com/nzbgate/nzbgate/pkg/stremio"
	"github.com/nzbgate/nzbgate/pkg/urlcache"
	"github.com/nzbgate/nzbgate/pkg/usenet"
)

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK"))
}

func createManifestHandler(manifest stremio.Manifest, logger *zap.Logger) http.HandlerFunc {
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		logger.Fatal("Couldn't marshal manifest to JSON", zap.Error(err))
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(manifestJSON)
	}
}

// parseCatalogID splits a catalog ID like "tt0903747:1:3" into the bare ID
// and the season and episode numbers. Movies carry no season or episode.
func parseCatalogID(raw string) (id string, season, episode int, err error) {
	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 1:
		return parts[0], 0, 0, nil
	case 3:
		season, err = strconv.Atoi(parts[1])
		if err != nil {
			return "", 0, 0, fmt.Errorf("Couldn't parse season in %q: %v", raw, err)
		}
		episode, err = strconv.Atoi(parts[2])
		if err != nil {
			return "", 0, 0, fmt.Errorf("Couldn't parse episode in %q: %v", raw, err)
		}
		return parts[0], season, episode, nil
	}
	return "", 0, 0, fmt.Errorf("Unexpected catalog ID format: %q", raw)
}

func createStreamHandler(orchestrator *search.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		mediaType := params["type"]
		rawID := strings.TrimSuffix(params["id"], ".json")
		if mediaType != search.MediaTypeMovie && mediaType != search.MediaTypeSeries {
			http.Error(w, "unsupported media type", http.StatusNotFound)
			return
		}
		id, season, episode, err := parseCatalogID(rawID)
		if err != nil {
			logger.Debug("Bad catalog ID", zap.Error(err), zap.String("id", rawID))
			http.Error(w, "bad catalog ID", http.StatusBadRequest)
			return
		}

		results, err := orchestrator.FindStreams(r.Context(), search.Request{
			ID:        id,
			MediaType: mediaType,
			Season:    season,
			Episode:   episode,
		})
		if err != nil {
			logger.Error("Stream search failed", zap.Error(err), zap.String("id", id))
			http.Error(w, "search failed", http.StatusInternalServerError)
			return
		}

		streams := make([]stremio.StreamItem, 0, len(results))
		for _, result := range results {
			streams = append(streams, stremio.StreamItem{
				URL:   result.URL,
				Name:  result.Name,
				Title: result.Title,
				BehaviorHints: stremio.StreamBehaviorHints{
					BingeGroup: result.BingeGroup,
				},
			})
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string][]stremio.StreamItem{"streams": streams}); err != nil {
			logger.Error("Couldn't encode stream response", zap.Error(err), zap.String("id", id))
		}
	}
}

// createRedirectHandler resolves an obfuscated provider URL (passed
// URL-safe-base64-encoded as the path ID) and answers with a redirect to the
// direct video URL. Concurrent requests for the same ID share one resolution.
func createRedirectHandler(fourClient *fourkhdhub.Client, urlCache *urlcache.Cache, ttl time.Duration, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		redirectID := mux.Vars(r)["id"]
		if redirectID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		zapFieldRedirectID := zap.String("redirectID", redirectID)

		encodedURL, err := base64.RawURLEncoding.DecodeString(redirectID)
		if err != nil {
			logger.Debug("Couldn't decode redirect ID", zap.Error(err), zapFieldRedirectID)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		streamURL, err := urlCache.ResolveOnce(r.Context(), redirectID, ttl, func(ctx context.Context) (string, error) {
			return fourClient.ResolveRedirect(ctx, string(encodedURL))
		})
		if err != nil {
			logger.Warn("Couldn't resolve redirect", zap.Error(err), zapFieldRedirectID)
			w.WriteHeader(http.StatusNotFound)
			return
		}

		logger.Debug("Responding with redirect to stream", zap.String("redirectLocation", streamURL), zapFieldRedirectID)
		w.Header().Set("Location", streamURL)
		w.WriteHeader(http.StatusMovedPermanently)
	}
}

// createUsenetStreamHandler opens (or attaches to) a download for the NZB in
// the path and serves the ranged video bytes. Failures after the response is
// still uncommitted map to status codes; the file server's error clip covers
// players that only understand video.
func createUsenetStreamHandler(controller *usenet.Controller, streamer *usenet.RangeStreamer, files *fileserver.Client, deleteOnStop bool, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		nzbURL, err := url.PathUnescape(params["nzbUrl"])
		if err != nil {
			http.Error(w, "bad NZB URL", http.StatusBadRequest)
			return
		}
		title, err := url.PathUnescape(params["title"])
		if err != nil || title == "" {
			http.Error(w, "bad title", http.StatusBadRequest)
			return
		}
		mediaType := params["type"]
		rawID, _ := url.PathUnescape(params["id"])
		catalogID, season, episode, err := parseCatalogID(rawID)
		if err != nil {
			catalogID = rawID
		}

		stream, err := controller.OpenStream(r.Context(), usenet.OpenRequest{
			NzbURL:             nzbURL,
			Title:              title,
			MediaType:          mediaType,
			CatalogID:          catalogID,
			Season:             season,
			Episode:            episode,
			DeleteOnStreamStop: deleteOnStop,
		})
		if err != nil {
			respondOpenError(w, r, files, err, title, logger)
			return
		}

		streamer.ServeVideo(w, r, stream)
	}
}

func respondOpenError(w http.ResponseWriter, r *http.Request, files *fileserver.Client, err error, title string, logger *zap.Logger) {
	logger.Warn("Couldn't open Usenet stream", zap.Error(err), zap.String("title", title))

	var status int
	var message string
	switch {
	case errors.Is(err, usenet.ErrInsufficientStorage):
		status, message = http.StatusInsufficientStorage, "Not enough storage space for this download"
	case errors.Is(err, usenet.ErrUnsupportedArchive):
		status, message = http.StatusUnsupportedMediaType, "This release uses an archive format that can't be streamed"
	case errors.Is(err, usenet.ErrStartTimeout):
		status, message = http.StatusGatewayTimeout, "The download didn't start in time"
	case errors.Is(err, usenet.ErrDownloadFailed):
		status, message = http.StatusBadGateway, "The download failed"
	case errors.Is(err, usenet.ErrNoVideoFile):
		status, message = http.StatusNotFound, "No video file was found in this release"
	default:
		status, message = http.StatusInternalServerError, "Something went wrong opening this stream"
	}

	// Players that requested video get the error clip instead of a status code
	if files != nil && strings.Contains(r.Header.Get("Accept"), "video") {
		if proxyErr := files.ProxyErrorVideo(r.Context(), w, message); proxyErr == nil {
			return
		}
	}
	http.Error(w, message, status)
}

type statusResponse struct {
	Version       string           `json:"version"`
	FreeSpaceGiB  float64          `json:"freeSpaceGiB"`
	ActiveStreams []statusStream   `json:"activeStreams"`
	Providers     []statusProvider `json:"providers"`
	Caches        map[string]int   `json:"caches"`
}

type statusStream struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	State           string    `json:"state"`
	PlaybackPercent float64   `json:"playbackPercent"`
	LastAccess      time.Time `json:"lastAccess"`
}

type statusProvider struct {
	Name     string `json:"name"`
	Slow     bool   `json:"slow"`
	Probe    string `json:"probe,omitempty"`
	Results  int    `json:"results,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// createStatusHandler reports the gateway's live state: free space, active
// streams, provider health and cache sizes. With an "imdbid" query the
// non-slow providers get probed with a real search.
func createStatusHandler(controller *usenet.Controller, registry *usenet.Registry, providers []search.ProviderSearch, fastCaches map[string]*fastcache.Cache, goCaches map[string]*gocache.Cache, urlCaches map[string]*urlcache.Cache, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := statusResponse{
			Version: version,
			Caches:  map[string]int{},
		}

		freeGiB, err := controller.FreeSpaceGiB(r.Context())
		if err != nil {
			logger.Warn("Couldn't query free space for status", zap.Error(err))
		}
		response.FreeSpaceGiB = freeGiB

		for _, stream := range registry.All() {
			state := "personal"
			if !stream.IsPersonal {
				status, err := controller.Status(r.Context(), stream.NzoID)
				if err != nil {
					state = "unknown"
				} else {
					state = string(status.State)
				}
			}
			response.ActiveStreams = append(response.ActiveStreams, statusStream{
				ID:              stream.ID,
				Title:           stream.Title,
				State:           state,
				PlaybackPercent: stream.PlaybackPercent(),
				LastAccess:      stream.LastAccess(),
			})
		}

		imdbID := r.URL.Query().Get("imdbid")
		for _, provider := range providers {
			entry := statusProvider{Name: provider.Name(), Slow: provider.IsSlow()}
			if imdbID != "" {
				if provider.IsSlow() {
					entry.Probe = "quick skip"
				} else {
					start := time.Now()
					probeReq := search.Request{
						ID:        imdbID,
						MediaType: search.MediaTypeMovie,
						Meta:      meta.Meta{Name: imdbID},
						Queries:   []string{imdbID},
					}
					results, err := provider.FindStreams(r.Context(), probeReq)
					entry.Duration = strconv.FormatInt(time.Since(start).Milliseconds(), 10) + "ms"
					if err != nil {
						entry.Probe = err.Error()
					} else {
						entry.Probe = "ok"
						entry.Results = len(results)
					}
				}
			}
			response.Providers = append(response.Providers, entry)
		}

		stats := fastcache.Stats{}
		for name, fastCache := range fastCaches {
			fastCache.UpdateStats(&stats)
			response.Caches[name] = int(stats.EntriesCount)
			stats.Reset()
		}
		for name, goCache := range goCaches {
			response.Caches[name] = goCache.ItemCount()
		}
		for name, urlCache := range urlCaches {
			response.Caches[name] = urlCache.Len()
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.Error("Couldn't encode status response", zap.Error(err))
		}
	}
}
