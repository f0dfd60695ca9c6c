// Package validate probes stream URLs before they're delivered to clients.
// A HEAD request classifies a URL as reachable, and a ranged HEAD classifies
// it as seekable, which is what video players need for jumping around.
package validate

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type Options struct {
	// Timeout is the per-probe HEAD timeout
	Timeout time.Duration
	// Disabled turns Validate and ValidateSeekable into tautologies
	Disabled bool
	// TrustedHosts bypass probing and are treated as seekable by rule
	TrustedHosts []string
	// BatchSize bounds how many probes run concurrently in ValidateBatch
	BatchSize int
}

func NewOptions(timeout time.Duration, disabled bool, trustedHosts []string, batchSize int) Options {
	return Options{
		Timeout:      timeout,
		Disabled:     disabled,
		TrustedHosts: trustedHosts,
		BatchSize:    batchSize,
	}
}

var DefaultOptions = Options{
	Timeout:   8 * time.Second,
	BatchSize: 5,
}

// Hosts that lie about range support unless they explicitly advertise it.
// For these a missing Accept-Ranges header means rejection, not "maybe".
var strictHosts = []string{"googleusercontent.com"}

type SeekResult struct {
	Seekable bool
	// Filename extracted from Content-Disposition, if the header carried a
	// usable one
	Filename string
}

type Validator struct {
	httpClient *http.Client
	trusted    map[string]struct{}
	disabled   bool
	batchSize  int
	logger     *zap.Logger
}

func NewValidator(opts Options, logger *zap.Logger) *Validator {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultOptions.Timeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions.BatchSize
	}
	trusted := make(map[string]struct{}, len(opts.TrustedHosts))
	for _, host := range opts.TrustedHosts {
		trusted[strings.ToLower(host)] = struct{}{}
	}
	return &Validator{
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		trusted:   trusted,
		disabled:  opts.Disabled,
		batchSize: opts.BatchSize,
		logger:    logger,
	}
}

// Trusted reports whether the URL's hostname is in the trusted set.
func (v *Validator) Trusted(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if _, found := v.trusted[host]; found {
		return true
	}
	// Also match parent domains, so "pixeldrain.com" covers "cdn.pixeldrain.com"
	for trustedHost := range v.trusted {
		if strings.HasSuffix(host, "."+trustedHost) {
			return true
		}
	}
	return false
}

// Validate issues a HEAD probe and returns nil if the URL is reachable.
// 2xx and 3xx responses count as reachable.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	if v.disabled || v.Trusted(rawURL) {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("Couldn't create HEAD request for %v: %v", rawURL, err)
	}
	res, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Couldn't HEAD %v: %v", rawURL, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 400 {
		return nil
	}
	return fmt.Errorf("Bad HEAD response: %v", res.StatusCode)
}

// ValidateSeekable issues a HEAD probe with "Range: bytes=0-0".
// The URL counts as seekable iff the server responds with 206, or with 200
// plus "Accept-Ranges: bytes". When the response carries a usable filename in
// Content-Disposition it's returned alongside.
func (v *Validator) ValidateSeekable(ctx context.Context, rawURL string) (SeekResult, error) {
	if v.disabled || v.Trusted(rawURL) {
		return SeekResult{Seekable: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return SeekResult{}, fmt.Errorf("Couldn't create HEAD request for %v: %v", rawURL, err)
	}
	req.Header.Set("Range", "bytes=0-0")
	res, err := v.httpClient.Do(req)
	if err != nil {
		return SeekResult{}, fmt.Errorf("Couldn't HEAD %v: %v", rawURL, err)
	}
	defer res.Body.Close()

	seekable := res.StatusCode == http.StatusPartialContent ||
		(res.StatusCode == http.StatusOK && strings.EqualFold(res.Header.Get("Accept-Ranges"), "bytes"))

	if !seekable && isStrictHost(rawURL) {
		return SeekResult{}, fmt.Errorf("Host requires explicit range support but HEAD returned %v without Accept-Ranges", res.StatusCode)
	}
	if res.StatusCode >= 400 {
		return SeekResult{}, fmt.Errorf("Bad HEAD response: %v", res.StatusCode)
	}

	result := SeekResult{Seekable: seekable}
	if filename := filenameFromContentDisposition(res.Header.Get("Content-Disposition")); filename != "" {
		result.Filename = filename
	}
	return result, nil
}

// ValidateBatch seek-validates all URLs with at most batchSize probes in
// flight, so neither the upstream nor we get overwhelmed. The result map only
// contains entries for URLs whose probe didn't error.
func (v *Validator) ValidateBatch(ctx context.Context, urls []string) map[string]SeekResult {
	sem := semaphore.NewWeighted(int64(v.batchSize))
	results := make(map[string]SeekResult, len(urls))
	var lock sync.Mutex
	var wg sync.WaitGroup
	for _, rawURL := range urls {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(goURL string) {
			defer wg.Done()
			defer sem.Release(1)
			result, err := v.ValidateSeekable(ctx, goURL)
			if err != nil {
				v.logger.Debug("Dropping URL after failed validation", zap.Error(err), zap.String("url", goURL))
				return
			}
			lock.Lock()
			defer lock.Unlock()
			results[goURL] = result
		}(rawURL)
	}
	wg.Wait()
	return results
}

func isStrictHost(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, strict := range strictHosts {
		if host == strict || strings.HasSuffix(host, "."+strict) {
			return true
		}
	}
	return false
}

var (
	filenameUTF8Regex   = regexp.MustCompile(`filename\*=UTF-8''([^;]+)`)
	filenameQuotedRegex = regexp.MustCompile(`filename="([^"]+)"`)
	filenameBareRegex   = regexp.MustCompile(`filename=([^;\s]+)`)
	opaqueHashRegex     = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// filenameFromContentDisposition pulls a filename out of a Content-Disposition
// header, trying the RFC 5987 form first, then the quoted form, then the bare
// form. Names that look like opaque hashes are rejected, because showing
// "dQw4w9WgXcQdQw4w9WgXcQ..." as a title helps nobody.
func filenameFromContentDisposition(header string) string {
	if header == "" {
		return ""
	}
	var name string
	if match := filenameUTF8Regex.FindStringSubmatch(header); match != nil {
		if decoded, err := url.QueryUnescape(match[1]); err == nil {
			name = decoded
		} else {
			name = match[1]
		}
	} else if match := filenameQuotedRegex.FindStringSubmatch(header); match != nil {
		name = match[1]
	} else if match := filenameBareRegex.FindStringSubmatch(header); match != nil {
		name = match[1]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if len(name) >= 50 && opaqueHashRegex.MatchString(name) {
		return ""
	}
	return name
}
