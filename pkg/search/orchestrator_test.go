package search

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nzbgate/nzbgate/pkg/meta"
	"github.com/nzbgate/nzbgate/pkg/validate"
)

type memMetaCache struct {
	lock  sync.Mutex
	items map[string]meta.CacheItem
}

func (c *memMetaCache) Set(key string, m meta.Meta) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.items == nil {
		c.items = map[string]meta.CacheItem{}
	}
	c.items[key] = meta.CacheItem{Meta: m, Created: time.Now()}
	return nil
}

func (c *memMetaCache) Get(key string) (meta.Meta, time.Time, bool, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	item, found := c.items[key]
	return item.Meta, item.Created, found, nil
}

type stubProvider struct {
	name    string
	results []Result
	err     error
	delay   time.Duration
}

func (p stubProvider) FindStreams(ctx context.Context, req Request) ([]Result, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.results, p.err
}

func (p stubProvider) Name() string { return p.name }
func (p stubProvider) IsSlow() bool { return false }

func newMetaServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
}

func newTestOrchestrator(t *testing.T, metaBody string, providers ...ProviderSearch) (*Orchestrator, func()) {
	t.Helper()
	srv := newMetaServer(t, metaBody)
	metaClient := meta.NewClient(meta.NewClientOpts(srv.URL, time.Second, time.Hour), &memMetaCache{}, zap.NewNop())
	validator := validate.NewValidator(validate.DefaultOptions, zap.NewNop())
	opts := DefaultOrchestratorOpts
	opts.SkipValidation = true
	o := NewOrchestrator(opts, providers, metaClient, validator, zap.NewNop())
	return o, srv.Close
}

func TestBuildQueries(t *testing.T) {
	queries := BuildQueries(meta.Meta{
		Name:         "Spider-Man: Far From Home",
		Year:         2019,
		OriginalName: "Spider-Man: Far From Home",
	})
	require.Contains(t, queries, "Spider-Man: Far From Home")
	require.Contains(t, queries, "spider man far from home")
	// Case-insensitive dedupe
	for i, a := range queries {
		for j, b := range queries {
			if i != j {
				require.False(t, strings.EqualFold(a, b), "duplicate queries %q and %q", a, b)
			}
		}
	}
}

func TestFindStreamsMergesProviders(t *testing.T) {
	o, closeSrv := newTestOrchestrator(t,
		`{"meta":{"name":"The Matrix","year":"1999"}}`,
		stubProvider{name: "a", results: []Result{{Title: "The Matrix 2160p", URL: "https://pixeldrain.com/1", Quality: "2160p"}}},
		stubProvider{name: "b", results: []Result{{Title: "The Matrix 1080p", URL: "https://pixeldrain.com/2", Quality: "1080p"}}},
		stubProvider{name: "c", err: errors.New("scrape failed")},
	)
	defer closeSrv()

	results, err := o.FindStreams(context.Background(), Request{ID: "tt0133093", MediaType: MediaTypeMovie})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "2160p", results[0].Quality)
	require.Equal(t, "1080p", results[1].Quality)
}

func TestFindStreamsEmptyOnMetadataFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	metaClient := meta.NewClient(meta.NewClientOpts(srv.URL, time.Second, time.Hour), &memMetaCache{}, zap.NewNop())
	validator := validate.NewValidator(validate.DefaultOptions, zap.NewNop())
	o := NewOrchestrator(DefaultOrchestratorOpts, []ProviderSearch{
		stubProvider{name: "a", results: []Result{{URL: "https://example.com/1"}}},
	}, metaClient, validator, zap.NewNop())

	results, err := o.FindStreams(context.Background(), Request{ID: "tt0000000", MediaType: MediaTypeMovie})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestFindStreamsDedupeAndPostFilter(t *testing.T) {
	o, closeSrv := newTestOrchestrator(t,
		`{"meta":{"name":"The Matrix","year":"1999"}}`,
		stubProvider{name: "a", results: []Result{
			{Title: "dup", URL: "https://pixeldrain.com/1"},
			{Title: "dup", URL: "https://pixeldrain.com/1"},
			{Title: "zip", URL: "https://example.com/release.zip"},
			{Title: "amp", URL: "https://foo.ampproject.org/whatever"},
		}},
	)
	defer closeSrv()

	results, err := o.FindStreams(context.Background(), Request{ID: "tt0133093", MediaType: MediaTypeMovie})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "https://pixeldrain.com/1", results[0].URL)
}

func TestFindStreamsBlockedHosts(t *testing.T) {
	srv := newMetaServer(t, `{"meta":{"name":"The Matrix","year":"1999"}}`)
	defer srv.Close()
	metaClient := meta.NewClient(meta.NewClientOpts(srv.URL, time.Second, time.Hour), &memMetaCache{}, zap.NewNop())
	validator := validate.NewValidator(validate.DefaultOptions, zap.NewNop())
	opts := DefaultOrchestratorOpts
	opts.SkipValidation = true
	opts.BlockedHosts = []string{"badhost.com"}
	o := NewOrchestrator(opts, []ProviderSearch{
		stubProvider{name: "a", results: []Result{
			{URL: "https://badhost.com/1"},
			{URL: "https://cdn.badhost.com/2"},
			{URL: "https://goodhost.com/3"},
		}},
	}, metaClient, validator, zap.NewNop())

	results, err := o.FindStreams(context.Background(), Request{ID: "tt0133093", MediaType: MediaTypeMovie})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "https://goodhost.com/3", results[0].URL)
}

func TestFindStreamsSeriesEpisodeFilter(t *testing.T) {
	o, closeSrv := newTestOrchestrator(t,
		`{"meta":{"name":"Breaking Bad","year":"2008"}}`,
		stubProvider{name: "a", results: []Result{
			{Title: "Breaking.Bad.S01E03.1080p", URL: "https://h/1"},
			{Title: "Breaking.Bad.s1e3.720p", URL: "https://h/2"},
			{Title: "Breaking.Bad.1x03.720p", URL: "https://h/3"},
			{Title: "Breaking.Bad.S01E04.1080p", URL: "https://h/4"},
		}},
	)
	defer closeSrv()

	results, err := o.FindStreams(context.Background(), Request{ID: "tt0903747", MediaType: MediaTypeSeries, Season: 1, Episode: 3})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, result := range results {
		require.NotContains(t, result.Title, "E04")
	}
}

func TestSortByQuality(t *testing.T) {
	results := []Result{
		{Quality: "720p", SizeBytes: 1},
		{Quality: "2160p", SizeBytes: 1},
		{Quality: "1080p", SizeBytes: 100},
		{Quality: "1080p", SizeBytes: 200},
		{Quality: "", SizeBytes: 999},
	}
	sortByQuality(results)
	require.Equal(t, "2160p", results[0].Quality)
	require.Equal(t, "1080p", results[1].Quality)
	require.Equal(t, int64(200), results[1].SizeBytes)
	require.Equal(t, int64(100), results[2].SizeBytes)
	require.Equal(t, "720p", results[3].Quality)
	require.Equal(t, "", results[4].Quality)
}

func TestFindStreamsValidationRewritesTitle(t *testing.T) {
	fileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/good":
			w.Header().Set("Content-Disposition", `attachment; filename="Matrix.1999.2160p.mkv"`)
			w.WriteHeader(http.StatusPartialContent)
		default:
			// Not seekable
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer fileSrv.Close()

	metaSrv := newMetaServer(t, `{"meta":{"name":"The Matrix","year":"1999"}}`)
	defer metaSrv.Close()
	metaClient := meta.NewClient(meta.NewClientOpts(metaSrv.URL, time.Second, time.Hour), &memMetaCache{}, zap.NewNop())
	validator := validate.NewValidator(validate.DefaultOptions, zap.NewNop())
	o := NewOrchestrator(DefaultOrchestratorOpts, []ProviderSearch{
		stubProvider{name: "a", results: []Result{
			{Title: "The Matrix 2160p", URL: fileSrv.URL + "/good", Quality: "2160p", Languages: []string{"English"}},
			{Title: "The Matrix 720p", URL: fileSrv.URL + "/bad", Quality: "720p"},
		}},
	}, metaClient, validator, zap.NewNop())

	results, err := o.FindStreams(context.Background(), Request{ID: "tt0133093", MediaType: MediaTypeMovie})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "Matrix.1999.2160p.mkv", results[0].Title)
	require.Equal(t, []string{"English"}, results[0].Languages)
}
