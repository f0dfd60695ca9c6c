package fourkhdhub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// Redirect-carrier pages embed the payload as concatenated base64 fragments
// in two script calls.
var (
	sFragmentRegex  = regexp.MustCompile(`s\('o','([^']+)'`)
	ckFragmentRegex = regexp.MustCompile(`ck\('_wp_http_\d*','([^']+)'`)
)

// redirectPayload is the decoded JSON the provider hides behind its
// obfuscation chain.
type redirectPayload struct {
	O         string `json:"o"`
	Data      string `json:"data"`
	BlogURL   string `json:"blog_url"`
	TotalTime int    `json:"total_time"`
	WpHTTP1   string `json:"wp_http1"`
}

// extractFragments pulls the base64 fragments out of the page HTML and
// concatenates them in document order: first the s('o',...) pieces, then the
// ck('_wp_http...',...) pieces.
func extractFragments(html string) string {
	var fragments []string
	for _, match := range sFragmentRegex.FindAllStringSubmatch(html, -1) {
		fragments = append(fragments, match[1])
	}
	for _, match := range ckFragmentRegex.FindAllStringSubmatch(html, -1) {
		fragments = append(fragments, match[1])
	}
	return strings.Join(fragments, "")
}

func rot13(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return 'a' + (r-'a'+13)%26
		case r >= 'A' && r <= 'Z':
			return 'A' + (r-'A'+13)%26
		}
		return r
	}, s)
}

func base64Decode(s string) (string, error) {
	s = strings.TrimSpace(s)
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Some payloads come unpadded
		decoded, err = base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return "", err
		}
	}
	return string(decoded), nil
}

// decodePayload runs the provider's obfuscation chain in reverse:
// base64 -> base64 -> rot13 -> base64 yields the payload JSON.
// On parse failure a plain double-base64 decode is attempted as fallback.
func decodePayload(encoded string) (redirectPayload, error) {
	var payload redirectPayload

	step1, err := base64Decode(encoded)
	if err != nil {
		return payload, fmt.Errorf("Couldn't base64-decode fragment concat: %v", err)
	}
	step2, err := base64Decode(step1)
	if err != nil {
		return payload, fmt.Errorf("Couldn't base64-decode second layer: %v", err)
	}
	step3, err := base64Decode(rot13(step2))
	if err == nil {
		if jsonErr := json.Unmarshal([]byte(step3), &payload); jsonErr == nil {
			return payload, nil
		}
	}

	// Fallback: some pages only apply the two base64 layers
	if jsonErr := json.Unmarshal([]byte(step2), &payload); jsonErr == nil {
		return payload, nil
	}
	return payload, fmt.Errorf("Couldn't parse redirect payload JSON")
}

// ResolveRedirect resolves a redirect-carrier URL (one containing "id=") to
// the final direct URL. The provider runs an anti-abuse timer, so after
// decoding we wait total_time+3 seconds before polling the blog URL.
func (c *Client) ResolveRedirect(ctx context.Context, rawURL string) (string, error) {
	html, err := c.getBody(ctx, rawURL)
	if err != nil {
		return "", err
	}

	encoded := extractFragments(html)
	if encoded == "" {
		return "", fmt.Errorf("Couldn't find encoded fragments on redirect page %v", rawURL)
	}
	payload, err := decodePayload(encoded)
	if err != nil {
		return "", err
	}

	if payload.O != "" {
		finalURL, err := base64Decode(payload.O)
		if err != nil {
			return "", fmt.Errorf("Couldn't decode final URL: %v", err)
		}
		return strings.TrimSpace(finalURL), nil
	}

	if payload.BlogURL == "" || payload.Data == "" {
		return "", fmt.Errorf("Redirect payload carries neither a final URL nor a blog URL")
	}

	// The provider's timer only releases the link after total_time seconds.
	// Waiting less just yields "Invalid Request" bodies.
	wait := time.Duration(payload.TotalTime+3) * time.Second
	c.logger.Debug("Waiting out the redirect timer", zap.Duration("wait", wait), zap.String("url", rawURL))
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	pollURL := payload.BlogURL + "?re=" + url.QueryEscape(base64.StdEncoding.EncodeToString([]byte(payload.Data)))
	var finalURL string
	err = retry.Do(
		func() error {
			body, err := c.getBody(ctx, pollURL)
			if err != nil {
				return err
			}
			body = strings.TrimSpace(body)
			if body == "" || strings.Contains(body, "Invalid Request") {
				return fmt.Errorf("Redirect target not released yet")
			}
			finalURL = body
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(3*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", fmt.Errorf("Couldn't resolve redirect target: %v", err)
	}
	return finalURL, nil
}

func (c *Client) getBody(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("Couldn't create request for %v: %v", rawURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("Couldn't GET %v: %v", rawURL, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("Bad GET response: %v", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("Couldn't read response body: %v", err)
	}
	return string(body), nil
}
