// Package sabnzbd is a client for the SABnzbd JSON API, covering the
// operations the Usenet streaming pipeline needs.
package sabnzbd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

type ClientOptions struct {
	BaseURL string
	APIKey  string
	// Category is the queue category new submissions are filed under
	Category   string
	Timeout    time.Duration
	MaxRetries uint
	RetryDelay time.Duration
}

func NewClientOpts(baseURL, apiKey, category string, timeout time.Duration, maxRetries uint, retryDelay time.Duration) ClientOptions {
	return ClientOptions{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Category:   category,
		Timeout:    timeout,
		MaxRetries: maxRetries,
		RetryDelay: retryDelay,
	}
}

var DefaultClientOpts = ClientOptions{
	BaseURL:    "http://localhost:8080",
	Category:   "nzbgate",
	Timeout:    15 * time.Second,
	MaxRetries: 3,
	RetryDelay: time.Second,
}

type Client struct {
	baseURL    string
	apiKey     string
	category   string
	httpClient *http.Client
	maxRetries uint
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewClient(opts ClientOptions, logger *zap.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultClientOpts.BaseURL
	}
	if opts.Category == "" {
		opts.Category = DefaultClientOpts.Category
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultClientOpts.Timeout
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultClientOpts.MaxRetries
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = DefaultClientOpts.RetryDelay
	}
	return &Client{
		baseURL:  opts.BaseURL,
		apiKey:   opts.APIKey,
		category: opts.Category,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		logger:     logger,
	}
}

// AddURL submits an NZB by URL and returns the assigned download ID.
func (c *Client) AddURL(ctx context.Context, nzbURL, name string) (string, error) {
	params := url.Values{}
	params.Set("name", nzbURL)
	params.Set("nzbname", name)
	params.Set("cat", c.category)
	resBytes, err := c.call(ctx, "addurl", params)
	if err != nil {
		return "", fmt.Errorf("Couldn't add NZB URL to SABnzbd: %v", err)
	}
	return nzoIDFromAddResponse(resBytes)
}

// AddFile submits NZB file contents and returns the assigned download ID.
func (c *Client) AddFile(ctx context.Context, name string, nzb []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("name", name+".nzb")
	if err != nil {
		return "", fmt.Errorf("Couldn't create multipart form: %v", err)
	}
	if _, err = part.Write(nzb); err != nil {
		return "", fmt.Errorf("Couldn't write NZB into multipart form: %v", err)
	}
	writer.WriteField("nzbname", name)
	writer.WriteField("cat", c.category)
	if err = writer.Close(); err != nil {
		return "", fmt.Errorf("Couldn't close multipart form: %v", err)
	}

	reqURL := c.apiURL("addfile", url.Values{})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &body)
	if err != nil {
		return "", fmt.Errorf("Couldn't create POST request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("Couldn't send POST request to SABnzbd: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bad HTTP response status: %v", res.Status)
	}
	resBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("Couldn't read SABnzbd response: %v", err)
	}
	return nzoIDFromAddResponse(resBytes)
}

func nzoIDFromAddResponse(resBytes []byte) (string, error) {
	if !gjson.GetBytes(resBytes, "status").Bool() {
		return "", fmt.Errorf("SABnzbd rejected the NZB: %v", gjson.GetBytes(resBytes, "error").String())
	}
	ids := gjson.GetBytes(resBytes, "nzo_ids").Array()
	if len(ids) == 0 {
		return "", fmt.Errorf("SABnzbd accepted the NZB but returned no download ID")
	}
	return ids[0].String(), nil
}

// Queue returns the in-progress downloads and the downloader's free-space
// report.
func (c *Client) Queue(ctx context.Context) ([]DownloadStatus, DiskSpace, error) {
	resBytes, err := c.call(ctx, "queue", url.Values{})
	if err != nil {
		return nil, DiskSpace{}, fmt.Errorf("Couldn't fetch SABnzbd queue: %v", err)
	}
	queue := gjson.GetBytes(resBytes, "queue")
	space := DiskSpace{
		IncompleteFreeGB:  parseGB(queue.Get("diskspace1").String()),
		IncompleteTotalGB: parseGB(queue.Get("diskspacetotal1").String()),
		CompleteFreeGB:    parseGB(queue.Get("diskspace2").String()),
		CompleteTotalGB:   parseGB(queue.Get("diskspacetotal2").String()),
	}
	var slots []DownloadStatus
	for _, slot := range queue.Get("slots").Array() {
		size := int64(parseGB(slot.Get("mb").String()) * 1024 * 1024)
		left := int64(parseGB(slot.Get("mbleft").String()) * 1024 * 1024)
		slots = append(slots, DownloadStatus{
			NzoID:           slot.Get("nzo_id").String(),
			Name:            slot.Get("filename").String(),
			State:           mapState(slot.Get("status").String()),
			PercentComplete: parsePercentage(slot.Get("percentage").String()),
			SizeBytes:       size,
			LeftBytes:       left,
		})
	}
	return slots, space, nil
}

// History returns the finished downloads, newest first as reported by the
// downloader.
func (c *Client) History(ctx context.Context) ([]DownloadStatus, error) {
	resBytes, err := c.call(ctx, "history", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("Couldn't fetch SABnzbd history: %v", err)
	}
	var slots []DownloadStatus
	for _, slot := range gjson.GetBytes(resBytes, "history.slots").Array() {
		state := mapState(slot.Get("status").String())
		percent := 0.0
		if state == StateCompleted {
			percent = 100
		}
		slots = append(slots, DownloadStatus{
			NzoID:           slot.Get("nzo_id").String(),
			Name:            slot.Get("name").String(),
			State:           state,
			PercentComplete: percent,
			SizeBytes:       slot.Get("bytes").Int(),
			Storage:         slot.Get("storage").String(),
			FailMessage:     slot.Get("fail_message").String(),
		})
	}
	return slots, nil
}

// Status merges queue and history lookup for one download ID. When neither
// carries the entry, a NotFound status is returned without an error.
func (c *Client) Status(ctx context.Context, nzoID string) (DownloadStatus, error) {
	queue, _, err := c.Queue(ctx)
	if err != nil {
		return DownloadStatus{}, err
	}
	for _, slot := range queue {
		if slot.NzoID == nzoID {
			return slot, nil
		}
	}
	history, err := c.History(ctx)
	if err != nil {
		return DownloadStatus{}, err
	}
	for _, slot := range history {
		if slot.NzoID == nzoID {
			return slot, nil
		}
	}
	return DownloadStatus{NzoID: nzoID, State: StateNotFound}, nil
}

// GetFiles lists the files of one download.
func (c *Client) GetFiles(ctx context.Context, nzoID string) ([]File, error) {
	params := url.Values{}
	params.Set("value", nzoID)
	resBytes, err := c.call(ctx, "get_files", params)
	if err != nil {
		return nil, fmt.Errorf("Couldn't fetch file list for %v: %v", nzoID, err)
	}
	var files []File
	for _, file := range gjson.GetBytes(resBytes, "files").Array() {
		files = append(files, File{
			Filename: file.Get("filename").String(),
			Bytes:    file.Get("bytes").Int(),
		})
	}
	return files, nil
}

// GetConfig returns the downloader's incomplete and complete directories.
func (c *Client) GetConfig(ctx context.Context) (Directories, error) {
	resBytes, err := c.call(ctx, "get_config", url.Values{})
	if err != nil {
		return Directories{}, fmt.Errorf("Couldn't fetch SABnzbd config: %v", err)
	}
	misc := gjson.GetBytes(resBytes, "config.misc")
	return Directories{
		DownloadDir: misc.Get("download_dir").String(),
		CompleteDir: misc.Get("complete_dir").String(),
	}, nil
}

// Delete removes a download from the queue, optionally with its files.
func (c *Client) Delete(ctx context.Context, nzoID string, withFiles bool) error {
	params := url.Values{}
	params.Set("name", "delete")
	params.Set("value", nzoID)
	if withFiles {
		params.Set("del_files", "1")
	}
	if _, err := c.call(ctx, "queue", params); err != nil {
		return fmt.Errorf("Couldn't delete %v: %v", nzoID, err)
	}
	return nil
}

// DeleteHistory removes a history entry, optionally with its files.
func (c *Client) DeleteHistory(ctx context.Context, nzoID string, withFiles bool) error {
	params := url.Values{}
	params.Set("name", "delete")
	params.Set("value", nzoID)
	if withFiles {
		params.Set("del_files", "1")
	}
	if _, err := c.call(ctx, "history", params); err != nil {
		return fmt.Errorf("Couldn't delete history entry %v: %v", nzoID, err)
	}
	return nil
}

// Pause pauses one download.
func (c *Client) Pause(ctx context.Context, nzoID string) error {
	params := url.Values{}
	params.Set("name", "pause")
	params.Set("value", nzoID)
	if _, err := c.call(ctx, "queue", params); err != nil {
		return fmt.Errorf("Couldn't pause %v: %v", nzoID, err)
	}
	return nil
}

// Resume resumes one download.
func (c *Client) Resume(ctx context.Context, nzoID string) error {
	params := url.Values{}
	params.Set("name", "resume")
	params.Set("value", nzoID)
	if _, err := c.call(ctx, "queue", params); err != nil {
		return fmt.Errorf("Couldn't resume %v: %v", nzoID, err)
	}
	return nil
}

// forcePriority makes the downloader fetch this item before everything else.
const forcePriority = "2"

// MoveToTop gives one download force priority, putting it ahead of the rest
// of the queue.
func (c *Client) MoveToTop(ctx context.Context, nzoID string) error {
	params := url.Values{}
	params.Set("name", "priority")
	params.Set("value", nzoID)
	params.Set("value2", forcePriority)
	if _, err := c.call(ctx, "queue", params); err != nil {
		return fmt.Errorf("Couldn't move %v to top: %v", nzoID, err)
	}
	return nil
}

func (c *Client) apiURL(mode string, params url.Values) string {
	params.Set("mode", mode)
	params.Set("output", "json")
	params.Set("apikey", c.apiKey)
	return c.baseURL + "/api?" + params.Encode()
}

// call GETs one API mode with bounded retries. 4xx responses don't retry,
// they signal a request the downloader will never accept.
func (c *Client) call(ctx context.Context, mode string, params url.Values) ([]byte, error) {
	reqURL := c.apiURL(mode, params)
	var resBytes []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("Couldn't create GET request: %v", err))
			}
			res, err := c.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("Couldn't send GET request: %v", err)
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				err = fmt.Errorf("bad HTTP response status: %v", res.Status)
				if res.StatusCode >= 400 && res.StatusCode < 500 {
					return retry.Unrecoverable(err)
				}
				return err
			}
			resBytes, err = io.ReadAll(res.Body)
			if err != nil {
				return fmt.Errorf("Couldn't read response body: %v", err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.maxRetries),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("Retrying SABnzbd call", zap.Uint("attempt", n), zap.Error(err), zap.String("mode", mode))
		}),
	)
	if err != nil {
		return nil, err
	}
	return resBytes, nil
}
