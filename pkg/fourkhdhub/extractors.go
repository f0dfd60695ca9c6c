package fourkhdhub

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// The maximum number of 3xx hops the 10Gbps chase follows. The chain length
// varies between releases and nothing upstream guarantees it terminates.
const maxRedirectHops = 10

// Selector lists are ordered by how current the provider's markup is; the
// first list entry matches today's pages, the later ones older ones. The
// order is load-bearing: some pages match several selectors and only the
// first yields the right block.
var downloadBlockSelectors = []string{
	".download-links-div a.btn",
	"#download-links a.btn",
	"div.card-body a.btn",
	"a.btn-success, a.btn-danger, a.btn-primary",
}

// extractHost resolves a hubcloud/hubdrive/hubcdn landing page into direct
// URLs, one per button variant that could be transformed.
func (c *Client) extractHost(ctx context.Context, rawURL string) ([]string, error) {
	if strings.Contains(rawURL, "pixel.hubcdn") {
		u, err := c.chaseHubcdnPixel(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		return []string{u}, nil
	}

	doc, err := c.getDoc(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	var buttons *goquery.Selection
	for _, selector := range downloadBlockSelectors {
		buttons = doc.Find(selector)
		if buttons.Length() > 0 {
			break
		}
	}
	if buttons == nil || buttons.Length() == 0 {
		return nil, fmt.Errorf("Couldn't find download block on %v, did the HTML change?", rawURL)
	}

	var urls []string
	buttons.Each(func(i int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return
		}
		label := strings.TrimSpace(s.Text())
		resolved, err := c.resolveButton(ctx, label, href)
		if err != nil {
			c.logger.Debug("Couldn't resolve download button", zap.Error(err), zap.String("label", label))
			return
		}
		if resolved != "" {
			urls = append(urls, resolved)
		}
	})
	if len(urls) == 0 {
		return nil, fmt.Errorf("No download button on %v could be resolved", rawURL)
	}
	return urls, nil
}

// resolveButton applies the button-variant specific URL transformation.
func (c *Client) resolveButton(ctx context.Context, label, href string) (string, error) {
	switch {
	case strings.Contains(label, "FSL Server"),
		strings.Contains(label, "Download File"),
		strings.Contains(label, "S3 Server"):
		return href, nil
	case strings.Contains(label, "BuzzServer"):
		return c.followBuzzServer(ctx, href)
	case strings.Contains(label, "10Gbps"):
		return c.chase10Gbps(ctx, href)
	case strings.Contains(label, "Pixeldrain"):
		return pixeldrainDirectURL(href), nil
	case IsDirectVideoURL(href):
		return href, nil
	}
	// Unknown buttons that point at a known CDN still count
	for _, host := range hostPriority {
		if strings.Contains(href, host) {
			return href, nil
		}
	}
	return "", nil
}

// followBuzzServer follows the one intermediate hop BuzzServer puts in front
// of its download, which only works with the Referer set.
func (c *Client) followBuzzServer(ctx context.Context, href string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href+"/download", nil)
	if err != nil {
		return "", fmt.Errorf("Couldn't create request for %v: %v", href, err)
	}
	req.Header.Set("Referer", href)
	req.Header.Set("User-Agent", userAgent)
	res, err := c.noRedirectClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("Couldn't GET %v: %v", href, err)
	}
	defer res.Body.Close()
	location := res.Header.Get("Hx-Redirect")
	if location == "" {
		location = res.Header.Get("Location")
	}
	if location == "" {
		return "", fmt.Errorf("BuzzServer hop on %v didn't redirect", href)
	}
	return location, nil
}

// chase10Gbps follows successive 3xx hops until a URL containing both "id="
// and "link=" is reached, then decodes the link parameter.
func (c *Client) chase10Gbps(ctx context.Context, href string) (string, error) {
	current := href
	for hop := 0; hop < maxRedirectHops; hop++ {
		if strings.Contains(current, "id=") && strings.Contains(current, "link=") {
			u, err := url.Parse(current)
			if err != nil {
				return "", fmt.Errorf("Couldn't parse 10Gbps URL: %v", err)
			}
			link := u.Query().Get("link")
			if link == "" {
				return "", fmt.Errorf("10Gbps URL %v has an empty link parameter", current)
			}
			if decoded, err := url.QueryUnescape(link); err == nil {
				link = decoded
			}
			return link, nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return "", fmt.Errorf("Couldn't create request for %v: %v", current, err)
		}
		req.Header.Set("User-Agent", userAgent)
		res, err := c.noRedirectClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("Couldn't GET %v: %v", current, err)
		}
		res.Body.Close()
		location := res.Header.Get("Location")
		if location == "" {
			return "", fmt.Errorf("10Gbps chain stopped at %v without id= and link=", current)
		}
		current = resolveRelative(current, location)
	}
	return "", fmt.Errorf("10Gbps chain exceeded %v hops", maxRedirectHops)
}

// chaseHubcdnPixel follows the two redirects pixel.hubcdn puts in front of
// the file and extracts the link query parameter.
func (c *Client) chaseHubcdnPixel(ctx context.Context, rawURL string) (string, error) {
	current := rawURL
	for hop := 0; hop < 2; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return "", fmt.Errorf("Couldn't create request for %v: %v", current, err)
		}
		req.Header.Set("User-Agent", userAgent)
		res, err := c.noRedirectClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("Couldn't GET %v: %v", current, err)
		}
		res.Body.Close()
		location := res.Header.Get("Location")
		if location == "" {
			break
		}
		current = resolveRelative(current, location)
	}
	u, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("Couldn't parse hubcdn URL: %v", err)
	}
	link := u.Query().Get("link")
	if link == "" {
		return "", fmt.Errorf("hubcdn URL %v has no link parameter", current)
	}
	if decoded, err := url.QueryUnescape(link); err == nil {
		link = decoded
	}
	return link, nil
}

// pixeldrainDirectURL turns a pixeldrain share URL into the direct file API
// URL players can range-request.
func pixeldrainDirectURL(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if strings.HasPrefix(u.Path, "/u/") {
		id := strings.TrimPrefix(u.Path, "/u/")
		return u.Scheme + "://" + u.Host + "/api/file/" + id + "?download"
	}
	return href
}

func resolveRelative(base, location string) string {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return location
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return location
	}
	ref, err := url.Parse(location)
	if err != nil {
		return location
	}
	return baseURL.ResolveReference(ref).String()
}

// extractorHosts are the landing-page hosts handled by extractHost.
var extractorHosts = []string{"hubcloud", "hubdrive", "hubcdn"}

// isExtractorURL reports whether the URL belongs to a host with a dedicated
// extractor.
func isExtractorURL(rawURL string) bool {
	lowered := strings.ToLower(rawURL)
	for _, host := range extractorHosts {
		if strings.Contains(lowered, host) {
			return true
		}
	}
	return false
}
