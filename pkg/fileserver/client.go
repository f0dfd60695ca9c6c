// Package fileserver is a client for the staging file server that fronts
// the downloader's directories.
package fileserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// FileInfo is one entry of the file server's listing.
type FileInfo struct {
	Path     string
	Name     string
	Size     int64
	Modified time.Time
	// IsComplete is false while the file is still being written
	IsComplete bool
}

// ArchiveCheck is the file server's verdict on a release folder.
type ArchiveCheck struct {
	// Has7z is true when the folder contains a 7z or zip archive
	Has7z bool
	// Found is true when the folder exists at all
	Found bool
}

type ClientOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func NewClientOpts(baseURL, apiKey string, timeout time.Duration) ClientOptions {
	return ClientOptions{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: timeout,
	}
}

var DefaultClientOpts = ClientOptions{
	Timeout: 10 * time.Second,
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	// streamClient has no overall timeout: playback holds range reads open
	// for as long as the client consumes them
	streamClient *http.Client
	logger       *zap.Logger
}

func NewClient(opts ClientOptions, logger *zap.Logger) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultClientOpts.Timeout
	}
	return &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		streamClient: &http.Client{},
		logger:       logger,
	}
}

// BaseURL returns the server's base URL, for building playable file URLs.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FileURL builds the playable URL for a listed file.
func (c *Client) FileURL(path string) string {
	escaped := url.PathEscape(strings.TrimPrefix(path, "/"))
	// Path separators stay separators
	escaped = strings.ReplaceAll(escaped, "%2F", "/")
	return c.baseURL + "/" + escaped
}

// List returns the server's full file listing.
func (c *Client) List(ctx context.Context) ([]FileInfo, error) {
	resBytes, err := c.get(ctx, c.baseURL+"/api/list")
	if err != nil {
		return nil, fmt.Errorf("Couldn't list files: %v", err)
	}
	var files []FileInfo
	for _, file := range gjson.GetBytes(resBytes, "files").Array() {
		modified, _ := time.Parse(time.RFC3339, file.Get("modified").String())
		files = append(files, FileInfo{
			Path:       file.Get("path").String(),
			Name:       file.Get("name").String(),
			Size:       file.Get("size").Int(),
			Modified:   modified,
			IsComplete: file.Get("isComplete").Bool(),
		})
	}
	return files, nil
}

// CheckArchives asks the server whether a release folder contains an archive
// format that cannot be streamed while extracting.
func (c *Client) CheckArchives(ctx context.Context, folder string) (ArchiveCheck, error) {
	resBytes, err := c.get(ctx, c.baseURL+"/api/check-archives?folder="+url.QueryEscape(folder))
	if err != nil {
		return ArchiveCheck{}, fmt.Errorf("Couldn't check archives in %v: %v", folder, err)
	}
	return ArchiveCheck{
		Has7z: gjson.GetBytes(resBytes, "has7z").Bool(),
		Found: gjson.GetBytes(resBytes, "found").Bool(),
	}, nil
}

// Delete removes one file from the server.
func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.FileURL(path), nil)
	if err != nil {
		return fmt.Errorf("Couldn't create DELETE request: %v", err)
	}
	c.setAuth(req)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Couldn't send DELETE request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("bad HTTP response status: %v (DELETE %v)", res.Status, path)
	}
	return nil
}

// OpenRange GETs the bytes [start, end] of a served file. An end of -1
// requests everything from start. The caller must close the returned body.
func (c *Client) OpenRange(ctx context.Context, fileURL string, start, end int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create GET request: %v", err)
	}
	if end >= 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	} else {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	}
	c.setAuth(req)
	res, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't send GET request: %v", err)
	}
	if res.StatusCode != http.StatusPartialContent && res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, fmt.Errorf("bad HTTP response status: %v (GET %v)", res.Status, fileURL)
	}
	if res.StatusCode == http.StatusOK && start > 0 {
		// The server ignored the range header, skip to the requested start
		if _, err := io.CopyN(io.Discard, res.Body, start); err != nil {
			res.Body.Close()
			return nil, fmt.Errorf("Couldn't skip to range start: %v", err)
		}
	}
	return res.Body, nil
}

// ProxyErrorVideo streams the server's pre-rendered error clip for the given
// message into an already-committed video response.
func (c *Client) ProxyErrorVideo(ctx context.Context, w http.ResponseWriter, message string) error {
	reqURL := c.baseURL + "/error?message=" + url.QueryEscape(message)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("Couldn't create GET request: %v", err)
	}
	c.setAuth(req)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Couldn't fetch error video: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("bad HTTP response status: %v (error video)", res.Status)
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if _, err = io.Copy(w, res.Body); err != nil {
		return fmt.Errorf("Couldn't stream error video: %v", err)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create GET request: %v", err)
	}
	c.setAuth(req)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't send GET request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad HTTP response status: %v (GET %v)", res.Status, reqURL)
	}
	return io.ReadAll(res.Body)
}
