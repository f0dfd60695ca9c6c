package search

import (
	"context"

	"github.com/nzbgate/nzbgate/pkg/meta"
)

const (
	MediaTypeMovie  = "movie"
	MediaTypeSeries = "series"
)

// Request describes one client search. It's created per HTTP request and
// never mutated after the orchestrator filled in the metadata and queries.
type Request struct {
	ID        string
	MediaType string
	Season    int
	Episode   int

	// Filled in by the orchestrator before the provider fan-out
	Meta    meta.Meta
	Queries []string
}

// Result is one playable stream descriptor.
type Result struct {
	// Name is the short display name shown next to the stream ("1080p" etc.)
	Name  string
	Title string
	URL   string
	// Quality is one of "2160p", "1440p", "1080p", "720p", "480p" or "" for
	// unknown
	Quality   string
	SizeBytes int64
	Languages []string
	SourceTag string
	// NeedsResolution marks URLs that still point at our own resolver
	// endpoint instead of a direct video URL
	NeedsResolution bool
	BingeGroup      string
}

// ProviderSearch is implemented by every upstream source - HTML-scraping
// providers as well as cached-NZB debrid indexers. The orchestrator uses it
// polymorphically.
type ProviderSearch interface {
	// FindStreams returns the streams the provider found for the request.
	// An empty slice and no error means the provider just has nothing.
	FindStreams(ctx context.Context, req Request) ([]Result, error)
	// Name identifies the provider in logs
	Name() string
	// IsSlow marks providers that shouldn't be probed by quick status checks
	IsSlow() bool
}
