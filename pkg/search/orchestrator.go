// Package search fans a client request out to all configured providers,
// merges and filters what comes back and returns a ranked stream list.
package search

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nzbgate/nzbgate/pkg/meta"
	"github.com/nzbgate/nzbgate/pkg/titlematch"
	"github.com/nzbgate/nzbgate/pkg/validate"
)

// URL substrings that mark AMP mirrors or tracking redirects. Links through
// these never resolve to a stable video URL.
var suspiciousSubstrings = []string{
	"ampproject.org",
	"/amp/",
	"googleweblight.com",
	"redirector.",
}

type OrchestratorOptions struct {
	// ScraperTimeout bounds each single provider search
	ScraperTimeout time.Duration
	// RequestTimeout bounds the whole pipeline
	RequestTimeout time.Duration
	// BlockedHosts are dropped from the final result set
	BlockedHosts []string
	// SkipValidation skips the seek-validation step entirely
	SkipValidation bool
}

func NewOrchestratorOpts(scraperTimeout, requestTimeout time.Duration, blockedHosts []string, skipValidation bool) OrchestratorOptions {
	return OrchestratorOptions{
		ScraperTimeout: scraperTimeout,
		RequestTimeout: requestTimeout,
		BlockedHosts:   blockedHosts,
		SkipValidation: skipValidation,
	}
}

var DefaultOrchestratorOpts = OrchestratorOptions{
	ScraperTimeout: 5 * time.Second,
	RequestTimeout: 15 * time.Second,
}

type Orchestrator struct {
	providers      []ProviderSearch
	metaClient     *meta.Client
	validator      *validate.Validator
	scraperTimeout time.Duration
	requestTimeout time.Duration
	blockedHosts   []string
	skipValidation bool
	logger         *zap.Logger
}

func NewOrchestrator(opts OrchestratorOptions, providers []ProviderSearch, metaClient *meta.Client, validator *validate.Validator, logger *zap.Logger) *Orchestrator {
	if opts.ScraperTimeout == 0 {
		opts.ScraperTimeout = DefaultOrchestratorOpts.ScraperTimeout
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = DefaultOrchestratorOpts.RequestTimeout
	}
	return &Orchestrator{
		providers:      providers,
		metaClient:     metaClient,
		validator:      validator,
		scraperTimeout: opts.ScraperTimeout,
		requestTimeout: opts.RequestTimeout,
		blockedHosts:   opts.BlockedHosts,
		skipValidation: opts.SkipValidation,
		logger:         logger,
	}
}

// BuildQueries generates the search strings for a title: the canonical name,
// the canonical name without a trailing year, the original name and each of
// them without punctuation. Duplicates (after lowercasing) are removed.
func BuildQueries(m meta.Meta) []string {
	var raw []string
	raw = append(raw, m.Name)
	if m.Year != 0 {
		yearSuffix := fmt.Sprintf(" (%d)", m.Year)
		if strings.HasSuffix(m.Name, yearSuffix) {
			raw = append(raw, strings.TrimSuffix(m.Name, yearSuffix))
		}
	}
	if m.OriginalName != "" && !strings.EqualFold(m.OriginalName, m.Name) {
		raw = append(raw, m.OriginalName)
	}
	raw = append(raw, m.AlternateNames...)

	// Punctuation-free variants help providers whose search chokes on colons
	for _, name := range append([]string(nil), raw...) {
		if stripped := titlematch.Normalize(name); stripped != "" && !strings.EqualFold(stripped, name) {
			raw = append(raw, stripped)
		}
	}

	seen := map[string]struct{}{}
	var queries []string
	for _, q := range raw {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		key := strings.ToLower(q)
		if _, found := seen[key]; found {
			continue
		}
		seen[key] = struct{}{}
		queries = append(queries, q)
	}
	return queries
}

// FindStreams runs the full search pipeline for one client request.
// Per-provider failures are logged and skipped; only when metadata is
// unavailable or nothing at all was found the result is empty.
func (o *Orchestrator) FindStreams(ctx context.Context, req Request) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()

	zapFieldID := zap.String("id", req.ID)

	m, err := o.metaClient.Get(ctx, req.MediaType, req.ID)
	if err != nil {
		o.logger.Warn("Couldn't get metadata, returning empty result", zap.Error(err), zapFieldID)
		return nil, nil
	}
	req.Meta = m
	req.Queries = BuildQueries(m)

	results := o.fanOut(ctx, req)
	if len(results) == 0 {
		o.logger.Info("No streams found on any provider", zapFieldID)
		return nil, nil
	}

	results = dedupeByURL(results)
	results = o.postFilter(results)
	if req.MediaType == MediaTypeSeries {
		results = filterEpisode(results, req.Season, req.Episode)
	}
	if !o.skipValidation {
		results = o.validateResults(ctx, results)
	}

	sortByQuality(results)
	return results, nil
}

// fanOut launches one search per provider in parallel and merges whatever
// succeeds. Queries run inside each provider, not sequentially here.
func (o *Orchestrator) fanOut(ctx context.Context, req Request) []Result {
	resChan := make(chan []Result, len(o.providers))
	errChan := make(chan error, len(o.providers))

	for _, provider := range o.providers {
		go func(goProvider ProviderSearch) {
			searchCtx, searchCancel := context.WithTimeout(ctx, o.scraperTimeout)
			defer searchCancel()
			results, err := goProvider.FindStreams(searchCtx, req)
			if err != nil {
				o.logger.Warn("Provider search failed", zap.Error(err), zap.String("provider", goProvider.Name()))
				errChan <- err
			} else {
				o.logger.Debug("Provider search succeeded", zap.Int("results", len(results)), zap.String("provider", goProvider.Name()))
				resChan <- results
			}
		}(provider)
	}

	var combined []Result
	for i := 0; i < len(o.providers); i++ {
		select {
		case results := <-resChan:
			combined = append(combined, results...)
		case <-errChan:
		case <-ctx.Done():
			return combined
		}
	}
	return combined
}

func dedupeByURL(results []Result) []Result {
	seen := map[string]struct{}{}
	deduped := results[:0]
	for _, result := range results {
		if _, found := seen[result.URL]; found {
			continue
		}
		seen[result.URL] = struct{}{}
		deduped = append(deduped, result)
	}
	return deduped
}

// postFilter drops URLs that are never worth delivering: AMP/redirect
// mirrors, zip archives and blocklisted hosts.
func (o *Orchestrator) postFilter(results []Result) []Result {
	filtered := results[:0]
	for _, result := range results {
		if isSuspiciousURL(result.URL) {
			o.logger.Debug("Dropping suspicious URL", zap.String("url", result.URL))
			continue
		}
		if strings.HasSuffix(strings.ToLower(result.URL), ".zip") {
			continue
		}
		if o.isBlockedHost(result.URL) {
			continue
		}
		filtered = append(filtered, result)
	}
	return filtered
}

func isSuspiciousURL(rawURL string) bool {
	lowered := strings.ToLower(rawURL)
	for _, sub := range suspiciousSubstrings {
		if strings.Contains(lowered, sub) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) isBlockedHost(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, blocked := range o.blockedHosts {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return true
		}
	}
	return false
}

// EpisodeRegex returns a matcher for the requested episode that tolerates
// zero-padding and the common "1x03" format.
func EpisodeRegex(season, episode int) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?i)(s0?%d[\s._-]*e0?%d|0?%dx0?%d)`, season, episode, season, episode))
}

// filterEpisode keeps only results whose title still matches the requested
// season and episode. Links that resolved to a neighboring episode get
// dropped here.
func filterEpisode(results []Result, season, episode int) []Result {
	re := EpisodeRegex(season, episode)
	filtered := results[:0]
	for _, result := range results {
		if re.MatchString(result.Title) || re.MatchString(result.Name) {
			filtered = append(filtered, result)
		}
	}
	return filtered
}

// validateResults seek-validates all non-trusted URLs in bounded batches.
// Trusted hosts bypass. When a probe extracted a filename, the displayed
// title is rewritten to it while the detected languages are preserved.
func (o *Orchestrator) validateResults(ctx context.Context, results []Result) []Result {
	var toProbe []string
	for _, result := range results {
		if !o.validator.Trusted(result.URL) && !result.NeedsResolution {
			toProbe = append(toProbe, result.URL)
		}
	}
	probed := o.validator.ValidateBatch(ctx, toProbe)

	validated := results[:0]
	for _, result := range results {
		if o.validator.Trusted(result.URL) || result.NeedsResolution {
			validated = append(validated, result)
			continue
		}
		seekResult, found := probed[result.URL]
		if !found || !seekResult.Seekable {
			o.logger.Debug("Dropping stream after validation", zap.String("url", result.URL))
			continue
		}
		if seekResult.Filename != "" {
			result.Title = seekResult.Filename
		}
		validated = append(validated, result)
	}
	return validated
}

var qualityRank = map[string]int{
	"2160p": 0,
	"1440p": 1,
	"1080p": 2,
	"720p":  3,
	"480p":  4,
}

// sortByQuality orders by resolution bucket, then by size within a bucket.
func sortByQuality(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		ri, iKnown := qualityRank[results[i].Quality]
		rj, jKnown := qualityRank[results[j].Quality]
		if !iKnown {
			ri = len(qualityRank)
		}
		if !jKnown {
			rj = len(qualityRank)
		}
		if ri != rj {
			return ri < rj
		}
		return results[i].SizeBytes > results[j].SizeBytes
	})
}
