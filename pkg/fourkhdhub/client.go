// Package fourkhdhub scrapes the 4KHDHub catalog and turns its obfuscated
// download pages into direct, range-capable video URLs.
package fourkhdhub

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/nzbgate/nzbgate/pkg/search"
	"github.com/nzbgate/nzbgate/pkg/titlematch"
	"github.com/nzbgate/nzbgate/pkg/urlcache"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// yearGateCandidates is how many ranked candidates the movie year check
// walks through before giving up.
const yearGateCandidates = 5

type ClientOptions struct {
	BaseURL string
	// SocksProxyAddr routes all provider traffic through a SOCKS5 proxy
	SocksProxyAddr string
	// RedirectURLBase is the gateway's own base URL. Redirect carriers sit
	// behind a multi-second anti-abuse timer, so instead of resolving them
	// during the search they are handed out as gateway redirect URLs and
	// resolved at click time. Empty means resolve during the search.
	RedirectURLBase string
	Timeout         time.Duration
	// MaxLinks caps how many raw links per page get resolved
	MaxLinks int
	// ResolvedTTL is how long resolved direct URLs stay cached
	ResolvedTTL time.Duration
}

func NewClientOpts(baseURL, socksProxyAddr, redirectURLBase string, timeout time.Duration, maxLinks int, resolvedTTL time.Duration) ClientOptions {
	return ClientOptions{
		BaseURL:         baseURL,
		SocksProxyAddr:  socksProxyAddr,
		RedirectURLBase: redirectURLBase,
		Timeout:         timeout,
		MaxLinks:        maxLinks,
		ResolvedTTL:     resolvedTTL,
	}
}

var DefaultClientOpts = ClientOptions{
	BaseURL:     "https://4khdhub.fans",
	Timeout:     30 * time.Second,
	MaxLinks:    10,
	ResolvedTTL: time.Hour,
}

var _ search.ProviderSearch = (*Client)(nil)

type Client struct {
	baseURL    string
	httpClient *http.Client
	// noRedirectClient is for the extractor hops that must be followed
	// manually
	noRedirectClient *http.Client
	urlCache         *urlcache.Cache
	redirectURLBase  string
	maxLinks         int
	resolvedTTL      time.Duration
	logger           *zap.Logger
}

func NewClient(opts ClientOptions, urlCache *urlcache.Cache, logger *zap.Logger) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultClientOpts.BaseURL
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultClientOpts.Timeout
	}
	if opts.MaxLinks == 0 {
		opts.MaxLinks = DefaultClientOpts.MaxLinks
	}
	if opts.ResolvedTTL == 0 {
		opts.ResolvedTTL = DefaultClientOpts.ResolvedTTL
	}
	var httpClient *http.Client
	if opts.SocksProxyAddr != "" {
		var err error
		if httpClient, err = newSOCKS5httpClient(opts.Timeout, opts.SocksProxyAddr); err != nil {
			return nil, fmt.Errorf("Couldn't create HTTP client with SOCKS5 proxy: %v", err)
		}
	} else {
		httpClient = &http.Client{
			Timeout: opts.Timeout,
		}
	}
	noRedirectClient := &http.Client{
		Transport: httpClient.Transport,
		Jar:       httpClient.Jar,
		Timeout:   opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Client{
		baseURL:          strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient:       httpClient,
		noRedirectClient: noRedirectClient,
		urlCache:         urlCache,
		redirectURLBase:  strings.TrimSuffix(opts.RedirectURLBase, "/"),
		maxLinks:         opts.MaxLinks,
		resolvedTTL:      opts.ResolvedTTL,
		logger:           logger,
	}, nil
}

func (c *Client) Name() string {
	return "4khdhub"
}

// IsSlow is true: redirect carriers sit behind a multi-second anti-abuse
// timer, so first-time searches regularly take longer than other providers.
func (c *Client) IsSlow() bool {
	return true
}

// FindStreams searches the catalog with every query, picks the best-matching
// page, collects its raw links and resolves them into direct URLs.
func (c *Client) FindStreams(ctx context.Context, req search.Request) ([]search.Result, error) {
	zapFieldID := zap.String("id", req.ID)

	candidates := c.searchAll(ctx, req.Queries)
	if len(candidates) == 0 {
		c.logger.Debug("No catalog candidates found", zapFieldID)
		return nil, nil
	}
	matches := titlematch.Rank(candidates, req.Meta.Name)

	var links []rawLink
	var pageTitle string
	switch req.MediaType {
	case search.MediaTypeSeries:
		doc, err := c.getDoc(ctx, matches[0].URL)
		if err != nil {
			return nil, err
		}
		pageTitle = matches[0].Title
		links = collectEpisodeLinks(doc, req.Season, req.Episode)
	default:
		match, doc, err := c.passYearGate(ctx, matches, req.Meta.Year)
		if err != nil {
			return nil, err
		}
		pageTitle = match.Title
		links = collectMovieLinks(doc)
	}
	if len(links) == 0 {
		c.logger.Debug("Candidate page carries no usable links", zapFieldID, zap.String("title", pageTitle))
		return nil, nil
	}
	if len(links) > c.maxLinks {
		links = links[:c.maxLinks]
	}

	return c.resolveLinks(ctx, links, pageTitle), nil
}

// searchAll runs one catalog search per query in parallel and merges the
// results, deduplicated by detail-page URL.
func (c *Client) searchAll(ctx context.Context, queries []string) []titlematch.Candidate {
	resChan := make(chan []titlematch.Candidate, len(queries))
	errChan := make(chan error, len(queries))

	for _, query := range queries {
		go func(goQuery string) {
			candidates, err := c.search(ctx, goQuery)
			if err != nil {
				c.logger.Debug("Catalog search failed", zap.Error(err), zap.String("query", goQuery))
				errChan <- err
			} else {
				resChan <- candidates
			}
		}(query)
	}

	seen := map[string]struct{}{}
	var combined []titlematch.Candidate
	for i := 0; i < len(queries); i++ {
		select {
		case candidates := <-resChan:
			for _, candidate := range candidates {
				if _, found := seen[candidate.URL]; found {
					continue
				}
				seen[candidate.URL] = struct{}{}
				combined = append(combined, candidate)
			}
		case <-errChan:
		case <-ctx.Done():
			return combined
		}
	}
	return combined
}

var cardSelectors = []string{
	"div.card-grid a.movie-card",
	"a.movie-card",
	"div.result-item a",
	"article a[href]",
}

var cardYearRegex = regexp.MustCompile(`\((\d{4})\)`)

// search fetches one catalog result page and parses its movie cards.
func (c *Client) search(ctx context.Context, query string) ([]titlematch.Candidate, error) {
	searchURL := c.baseURL + "/?s=" + url.QueryEscape(query)
	doc, err := c.getDoc(ctx, searchURL)
	if err != nil {
		return nil, err
	}

	var cards *goquery.Selection
	for _, selector := range cardSelectors {
		cards = doc.Find(selector)
		if cards.Length() > 0 {
			break
		}
	}

	var candidates []titlematch.Candidate
	cards.Each(func(i int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return
		}
		title := strings.TrimSpace(s.Find(".movie-card-title").First().Text())
		if title == "" {
			title = strings.TrimSpace(s.Find("h3, h2").First().Text())
		}
		if title == "" {
			title = strings.TrimSpace(s.Text())
		}
		if title == "" {
			return
		}
		candidate := titlematch.Candidate{
			Title:     title,
			URL:       resolveRelative(c.baseURL+"/", href),
			SourceTag: c.Name(),
		}
		if poster, ok := s.Find("img").First().Attr("src"); ok {
			candidate.Poster = poster
		}
		if match := cardYearRegex.FindStringSubmatch(title); match != nil {
			candidate.Year, _ = strconv.Atoi(match[1])
		}
		candidates = append(candidates, candidate)
	})
	return candidates, nil
}

// passYearGate walks the ranked candidates until one's detail page carries a
// year within one of the requested year. Candidates without a parseable year
// pass unconditionally.
func (c *Client) passYearGate(ctx context.Context, matches []titlematch.Match, wantYear int) (titlematch.Match, *goquery.Document, error) {
	tried := 0
	for _, match := range matches {
		if tried >= yearGateCandidates {
			break
		}
		tried++
		doc, err := c.getDoc(ctx, match.URL)
		if err != nil {
			c.logger.Debug("Couldn't load candidate page", zap.Error(err), zap.String("url", match.URL))
			continue
		}
		pageYear := parsePageYear(doc)
		if pageYear == 0 {
			pageYear = match.Year
		}
		if wantYear == 0 || pageYear == 0 || abs(pageYear-wantYear) <= 1 {
			return match, doc, nil
		}
		c.logger.Debug("Candidate rejected by year check",
			zap.Int("pageYear", pageYear), zap.Int("wantYear", wantYear), zap.String("title", match.Title))
	}
	return titlematch.Match{}, nil, fmt.Errorf("No candidate within one year of %v among the top %v matches", wantYear, yearGateCandidates)
}

func parsePageYear(doc *goquery.Document) int {
	for _, selector := range []string{".release-year", ".movie-year", "span.year"} {
		if text := strings.TrimSpace(doc.Find(selector).First().Text()); text != "" {
			if year, err := strconv.Atoi(strings.Trim(text, "()")); err == nil {
				return year
			}
		}
	}
	if match := cardYearRegex.FindStringSubmatch(doc.Find("h1").First().Text()); match != nil {
		year, _ := strconv.Atoi(match[1])
		return year
	}
	return 0
}

// rawLink is one unresolved link scraped off a detail page.
type rawLink struct {
	title string
	href  string
	// languageBadge carries the page's comma-separated language tags
	languageBadge string
}

var movieLinkSelectors = []string{
	".download-item a[href]",
	".download-links-div a[href]",
	"#download-links a[href]",
	"main a.btn[href]",
}

// collectMovieLinks pulls the raw links out of a movie page's download block.
func collectMovieLinks(doc *goquery.Document) []rawLink {
	var anchors *goquery.Selection
	for _, selector := range movieLinkSelectors {
		anchors = doc.Find(selector)
		if anchors.Length() > 0 {
			break
		}
	}
	languageBadge := strings.TrimSpace(doc.Find(".language-badge, .audio-badge").First().Text())

	var links []rawLink
	anchors.Each(func(i int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "#") {
			return
		}
		title := strings.TrimSpace(s.Text())
		if title == "" {
			title = strings.TrimSpace(s.AttrOr("title", ""))
		}
		links = append(links, rawLink{title: title, href: href, languageBadge: languageBadge})
	})
	return links
}

var (
	seasonBadgeRegex  = regexp.MustCompile(`(?i)^S(\d{1,2})$`)
	episodeLabelRegex = regexp.MustCompile(`(?i)Episode[\s_-]*0?(\d{1,3})`)
)

// collectEpisodeLinks locates the requested episode in a series page's
// per-season structure. Seasons are announced by an "S01" style badge,
// episodes by an "Episode-03" style label.
func collectEpisodeLinks(doc *goquery.Document, season, episode int) []rawLink {
	var links []rawLink
	languageBadge := strings.TrimSpace(doc.Find(".language-badge, .audio-badge").First().Text())

	doc.Find(".season-item, .episodes-list, section").Each(func(i int, seasonSel *goquery.Selection) {
		badge := strings.TrimSpace(seasonSel.Find(".badge, .season-badge").First().Text())
		match := seasonBadgeRegex.FindStringSubmatch(badge)
		if match == nil {
			return
		}
		gotSeason, _ := strconv.Atoi(match[1])
		if gotSeason != season {
			return
		}
		seasonSel.Find(".episode-item, .episode-download-item, li").Each(func(j int, episodeSel *goquery.Selection) {
			label := episodeSel.Find(".episode-file-title, .episode-title").First().Text()
			if label == "" {
				label = episodeSel.Text()
			}
			epMatch := episodeLabelRegex.FindStringSubmatch(label)
			if epMatch == nil {
				return
			}
			gotEpisode, _ := strconv.Atoi(epMatch[1])
			if gotEpisode != episode {
				return
			}
			episodeSel.Find("a[href]").Each(func(k int, a *goquery.Selection) {
				href, ok := a.Attr("href")
				if !ok || href == "" || strings.HasPrefix(href, "#") {
					return
				}
				title := strings.TrimSpace(a.Text())
				if title == "" {
					title = strings.TrimSpace(label)
				}
				links = append(links, rawLink{title: title, href: href, languageBadge: languageBadge})
			})
		})
	})
	return links
}

// resolveLinks turns raw links into stream results in parallel. Redirect
// carriers go through the resolved-URL cache so concurrent requests for the
// same link share a single decode.
func (c *Client) resolveLinks(ctx context.Context, links []rawLink, pageTitle string) []search.Result {
	resChan := make(chan search.Result, len(links))
	errChan := make(chan error, len(links))

	for _, link := range links {
		go func(goLink rawLink) {
			directURL, needsResolution, err := c.resolveLink(ctx, goLink.href)
			if err != nil {
				c.logger.Debug("Couldn't resolve link", zap.Error(err), zap.String("url", goLink.href))
				errChan <- err
				return
			}
			resChan <- c.buildResult(goLink, directURL, pageTitle, needsResolution)
		}(link)
	}

	var results []search.Result
	for i := 0; i < len(links); i++ {
		select {
		case result := <-resChan:
			results = append(results, result)
		case <-errChan:
		case <-ctx.Done():
			return results
		}
	}
	return results
}

// resolveLink classifies one raw link and resolves it to a deliverable URL.
// Redirect carriers become gateway redirect URLs that resolve at click time;
// a true second return marks those.
func (c *Client) resolveLink(ctx context.Context, href string) (string, bool, error) {
	switch {
	case IsDirectVideoURL(href):
		return href, false, nil
	case strings.Contains(href, "id="):
		// The cache is keyed by the same ID the redirect endpoint uses, so a
		// click-time resolution serves later searches directly
		redirectID := base64.RawURLEncoding.EncodeToString([]byte(href))
		if resolved, found := c.urlCache.Get(redirectID); found {
			return resolved, false, nil
		}
		if c.redirectURLBase != "" {
			return c.redirectURLBase + "/redirect/" + redirectID, true, nil
		}
		resolved, err := c.urlCache.ResolveOnce(ctx, redirectID, c.resolvedTTL, func(fetchCtx context.Context) (string, error) {
			return c.ResolveRedirect(fetchCtx, href)
		})
		return resolved, false, err
	case isExtractorURL(href):
		resolved, err := c.urlCache.ResolveOnce(ctx, href, c.resolvedTTL, func(fetchCtx context.Context) (string, error) {
			urls, err := c.extractHost(fetchCtx, href)
			if err != nil {
				return "", err
			}
			return PickBestURL(urls), nil
		})
		return resolved, false, err
	}
	return "", false, fmt.Errorf("Unrecognized link class for %v", href)
}

func (c *Client) buildResult(link rawLink, directURL, pageTitle string, needsResolution bool) search.Result {
	title := link.title
	if title == "" {
		title = pageTitle
	}
	quality := DetectQuality(title)
	if resolution := DetectResolution(title); resolution != "" {
		quality = resolution
	}
	return search.Result{
		Name:            "[4KHDHub] " + quality,
		Title:           title,
		URL:             directURL,
		Quality:         quality,
		SizeBytes:       ParseSize(title),
		Languages:       DetectLanguages(title, link.languageBadge),
		SourceTag:       c.Name(),
		NeedsResolution: needsResolution,
		BingeGroup:      "4khdhub-" + quality,
	}
}

func (c *Client) getDoc(ctx context.Context, rawURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create request for %v: %v", rawURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't GET %v: %v", rawURL, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Bad GET response: %v", res.StatusCode)
	}
	doc, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return nil, fmt.Errorf("Couldn't parse response from %v: %v", rawURL, err)
	}
	return doc, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
