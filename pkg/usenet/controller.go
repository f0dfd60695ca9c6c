// Package usenet owns the lifecycle from "client asks to play an NZB" to
// "bytes flow to the client": submission, progressive extraction waiting,
// range serving on growing files and storage-pressure coordination.
package usenet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/nzbgate/nzbgate/pkg/fileserver"
	"github.com/nzbgate/nzbgate/pkg/sabnzbd"
	"github.com/nzbgate/nzbgate/pkg/search"
	"github.com/nzbgate/nzbgate/pkg/storage"
)

// junkFileRegex marks files that are never the main feature.
var junkFileRegex = regexp.MustCompile(`(?i)(sample|extra|featurette|deleted|trailer|bonus)`)

var videoExtensions = []string{".mkv", ".mp4", ".avi", ".webm", ".m4v"}

type ControllerOptions struct {
	// StartGatePercent is the minimum completion before streaming starts
	StartGatePercent float64
	StartGateTimeout time.Duration
	StartGatePoll    time.Duration
	// DiscoveryInterval/DiscoveryBudget bound the video-file discovery loop
	DiscoveryInterval time.Duration
	DiscoveryBudget   time.Duration
	// InactiveTimeout protects peer downloads whose stream is still in use
	InactiveTimeout time.Duration
}

func NewControllerOpts(startGatePercent float64, startGateTimeout, startGatePoll, discoveryInterval, discoveryBudget, inactiveTimeout time.Duration) ControllerOptions {
	return ControllerOptions{
		StartGatePercent:  startGatePercent,
		StartGateTimeout:  startGateTimeout,
		StartGatePoll:     startGatePoll,
		DiscoveryInterval: discoveryInterval,
		DiscoveryBudget:   discoveryBudget,
		InactiveTimeout:   inactiveTimeout,
	}
}

var DefaultControllerOpts = ControllerOptions{
	StartGatePercent:  5,
	StartGateTimeout:  60 * time.Second,
	StartGatePoll:     2 * time.Second,
	DiscoveryInterval: 500 * time.Millisecond,
	DiscoveryBudget:   2 * time.Minute,
	InactiveTimeout:   10 * time.Minute,
}

// OpenRequest is one "play this NZB" request.
type OpenRequest struct {
	NzbURL    string
	Title     string
	MediaType string
	CatalogID string
	Season    int
	Episode   int
	// DeleteOnStreamStop deletes the download when the client goes away
	DeleteOnStreamStop bool
}

type Controller struct {
	sab *sabnzbd.Client
	// files is the staging file server, preferred for discovery; may be nil
	// when serving from the local filesystem
	files    *fileserver.Client
	fs       afero.Fs
	registry *Registry
	storage  *storage.Manager
	opts     ControllerOptions
	logger   *zap.Logger

	// dirs caches the downloader's directories for filesystem discovery
	dirs     sabnzbd.Directories
	haveDirs bool
}

func NewController(opts ControllerOptions, sab *sabnzbd.Client, files *fileserver.Client, fs afero.Fs, registry *Registry, storageManager *storage.Manager, logger *zap.Logger) *Controller {
	if opts.StartGatePercent == 0 {
		opts.StartGatePercent = DefaultControllerOpts.StartGatePercent
	}
	if opts.StartGateTimeout == 0 {
		opts.StartGateTimeout = DefaultControllerOpts.StartGateTimeout
	}
	if opts.StartGatePoll == 0 {
		opts.StartGatePoll = DefaultControllerOpts.StartGatePoll
	}
	if opts.DiscoveryInterval == 0 {
		opts.DiscoveryInterval = DefaultControllerOpts.DiscoveryInterval
	}
	if opts.DiscoveryBudget == 0 {
		opts.DiscoveryBudget = DefaultControllerOpts.DiscoveryBudget
	}
	if opts.InactiveTimeout == 0 {
		opts.InactiveTimeout = DefaultControllerOpts.InactiveTimeout
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Controller{
		sab:      sab,
		files:    files,
		fs:       fs,
		registry: registry,
		storage:  storageManager,
		opts:     opts,
		logger:   logger,
	}
}

// OpenStream opens or attaches a playback session for an NZB. A second call
// with the same title attaches to the existing handle.
func (c *Controller) OpenStream(ctx context.Context, req OpenRequest) (*ActiveStream, error) {
	zapFieldTitle := zap.String("title", req.Title)

	if existing, found := c.registry.GetByTitle(req.Title); found {
		existing.Touch()
		c.logger.Debug("Attaching to existing stream", zapFieldTitle, zap.String("streamID", existing.ID))
		return existing, nil
	}

	queue, space, err := c.sab.Queue(ctx)
	if err != nil {
		return nil, fmt.Errorf("Couldn't query downloader: %v", err)
	}
	if space.IncompleteFreeGB < 2 {
		ok, gateErr := c.storage.PreDownloadGate(ctx, space.IncompleteFreeGB)
		if gateErr != nil {
			c.logger.Error("Pre-download cleanup failed", zap.Error(gateErr), zapFieldTitle)
		}
		if !ok {
			return nil, ErrInsufficientStorage
		}
	}

	nzoID, personal, err := c.adoptOrSubmit(ctx, queue, req)
	if err != nil {
		return nil, err
	}
	if personal != nil {
		return personal, nil
	}
	zapFieldNzoID := zap.String("nzoID", nzoID)

	status, err := c.waitForStart(ctx, nzoID)
	if err != nil {
		return nil, err
	}
	c.evictPeers(ctx, nzoID, status)

	if err = c.checkArchives(ctx, nzoID, req.Title); err != nil {
		c.purge(ctx, nzoID, status)
		return nil, err
	}

	video, err := c.discoverVideoFile(ctx, req)
	if err != nil {
		c.logger.Warn("Video file discovery failed", zap.Error(err), zapFieldTitle, zapFieldNzoID)
		return nil, err
	}

	totalSize := status.SizeBytes
	if video.size > totalSize {
		totalSize = video.size
	}
	stream := c.registry.Put(&ActiveStream{
		NzoID:              nzoID,
		Title:              req.Title,
		MediaType:          req.MediaType,
		CatalogID:          req.CatalogID,
		VideoURL:           video.url,
		VideoPath:          video.path,
		FileSize:           totalSize,
		DeleteOnStreamStop: req.DeleteOnStreamStop,
	})
	c.logger.Info("Opened stream", zapFieldTitle, zapFieldNzoID,
		zap.String("streamID", stream.ID), zap.String("video", video.path), zap.Int64("size", totalSize))
	return stream, nil
}

// adoptOrSubmit finds an existing queue or history entry for the title, or
// submits the NZB fresh. A non-nil ActiveStream return means the title is an
// already-completed personal file.
func (c *Controller) adoptOrSubmit(ctx context.Context, queue []sabnzbd.DownloadStatus, req OpenRequest) (string, *ActiveStream, error) {
	for _, slot := range queue {
		if slot.Name == req.Title {
			c.logger.Debug("Adopting queue entry", zap.String("nzoID", slot.NzoID), zap.String("title", req.Title))
			return slot.NzoID, nil, nil
		}
	}

	history, err := c.sab.History(ctx)
	if err != nil {
		c.logger.Warn("Couldn't fetch history for adoption", zap.Error(err))
	}
	for _, slot := range history {
		if slot.Name != req.Title {
			continue
		}
		if slot.State == sabnzbd.StateCompleted && c.storageExists(ctx, slot.Storage, req.Title) {
			video, err := c.discoverVideoFile(ctx, req)
			if err != nil {
				return "", nil, err
			}
			stream := c.registry.Put(&ActiveStream{
				NzoID:      slot.NzoID,
				Title:      req.Title,
				MediaType:  req.MediaType,
				CatalogID:  req.CatalogID,
				VideoURL:   video.url,
				VideoPath:  video.path,
				FileSize:   video.size,
				IsPersonal: true,
			})
			c.logger.Info("Adopted completed file", zap.String("title", req.Title), zap.String("streamID", stream.ID))
			return slot.NzoID, stream, nil
		}
		// Stale entry: the files are gone, purge and re-submit
		c.logger.Debug("Purging stale history entry", zap.String("nzoID", slot.NzoID), zap.String("title", req.Title))
		if err := c.sab.DeleteHistory(ctx, slot.NzoID, false); err != nil {
			c.logger.Warn("Couldn't purge stale history entry", zap.Error(err), zap.String("nzoID", slot.NzoID))
		}
		break
	}

	// The downloader may have purged a completed download whose files still
	// sit in storage; adopt those instead of downloading again
	if stream, found := c.adoptCompleted(ctx, req); found {
		return "", stream, nil
	}

	nzoID, err := c.sab.AddURL(ctx, req.NzbURL, req.Title)
	if err != nil {
		return "", nil, fmt.Errorf("Couldn't submit NZB: %v", err)
	}
	c.logger.Info("Submitted NZB", zap.String("nzoID", nzoID), zap.String("title", req.Title))
	return nzoID, nil, nil
}

// adoptCompleted probes storage for a finished copy of the release that the
// downloader no longer knows about. Only files marked complete (or sitting
// in the complete directory) qualify; anything half-written must go through
// a fresh submission.
func (c *Controller) adoptCompleted(ctx context.Context, req OpenRequest) (*ActiveStream, bool) {
	var video videoFile
	var found bool
	if c.files != nil {
		files, err := c.files.List(ctx)
		if err != nil {
			return nil, false
		}
		var best fileserver.FileInfo
		for _, file := range files {
			if !file.IsComplete || !c.matchesRelease(file.Path, file.Name, req) {
				continue
			}
			if file.Size > best.Size {
				best = file
			}
		}
		if best.Path != "" {
			video = videoFile{path: best.Path, url: c.files.FileURL(best.Path), size: best.Size}
			found = true
		}
	} else {
		if err := c.ensureDirs(ctx); err != nil {
			return nil, false
		}
		video, found, _ = c.findInRoots([]string{c.dirs.CompleteDir}, req)
	}
	if !found {
		return nil, false
	}

	stream := c.registry.Put(&ActiveStream{
		Title:      req.Title,
		MediaType:  req.MediaType,
		CatalogID:  req.CatalogID,
		VideoURL:   video.url,
		VideoPath:  video.path,
		FileSize:   video.size,
		IsPersonal: true,
	})
	c.logger.Info("Adopted completed file without a downloader entry",
		zap.String("title", req.Title), zap.String("streamID", stream.ID), zap.String("video", video.path))
	return stream, true
}

// storageExists checks whether a completed download's files are still there,
// via the file server when configured, else on the filesystem.
func (c *Controller) storageExists(ctx context.Context, storagePath, title string) bool {
	if c.files != nil {
		files, err := c.files.List(ctx)
		if err != nil {
			return false
		}
		loweredTitle := strings.ToLower(title)
		for _, file := range files {
			if strings.Contains(strings.ToLower(file.Path), loweredTitle) {
				return true
			}
		}
		return false
	}
	if storagePath == "" {
		return false
	}
	_, err := c.fs.Stat(storagePath)
	return err == nil
}

// waitForStart blocks until the download reaches the minimum start
// percentage or completes. Timeout and failure both purge the download.
func (c *Controller) waitForStart(ctx context.Context, nzoID string) (sabnzbd.DownloadStatus, error) {
	deadline := time.Now().Add(c.opts.StartGateTimeout)
	for {
		status, err := c.sab.Status(ctx, nzoID)
		if err != nil {
			return status, fmt.Errorf("Couldn't poll download status: %v", err)
		}
		switch {
		case status.State == sabnzbd.StateFailed:
			c.purge(ctx, nzoID, status)
			return status, fmt.Errorf("%w: %v", ErrDownloadFailed, status.FailMessage)
		case status.State == sabnzbd.StateCompleted:
			return status, nil
		case status.PercentComplete >= c.opts.StartGatePercent:
			return status, nil
		}
		if time.Now().After(deadline) {
			c.purge(ctx, nzoID, status)
			return status, ErrStartTimeout
		}
		select {
		case <-time.After(c.opts.StartGatePoll):
		case <-ctx.Done():
			return status, ctx.Err()
		}
	}
}

// evictPeers deletes the other in-progress downloads so the current one gets
// the full bandwidth. Completed handles never trigger eviction, and peers
// with a recently-accessed stream are spared.
func (c *Controller) evictPeers(ctx context.Context, nzoID string, status sabnzbd.DownloadStatus) {
	if !status.State.InProgress() {
		return
	}
	queue, _, err := c.sab.Queue(ctx)
	if err != nil {
		c.logger.Warn("Couldn't list queue for peer eviction", zap.Error(err))
		return
	}
	for _, slot := range queue {
		if slot.NzoID == nzoID || !slot.State.InProgress() {
			continue
		}
		if peer, found := c.registry.GetByNzoID(slot.NzoID); found {
			if time.Since(peer.LastAccess()) < c.opts.InactiveTimeout {
				continue
			}
			c.registry.Delete(peer.ID)
		}
		c.logger.Info("Evicting peer download", zap.String("nzoID", slot.NzoID), zap.String("name", slot.Name))
		if err := c.sab.Delete(ctx, slot.NzoID, true); err != nil {
			c.logger.Warn("Couldn't evict peer download", zap.Error(err), zap.String("nzoID", slot.NzoID))
		}
	}
}

// checkArchives rejects downloads packed in formats that cannot be streamed
// while extracting. Only RAR sets and plain video files are supported.
func (c *Controller) checkArchives(ctx context.Context, nzoID, title string) error {
	if c.files != nil {
		check, err := c.files.CheckArchives(ctx, title)
		if err != nil {
			c.logger.Warn("Couldn't check archives via file server", zap.Error(err), zap.String("title", title))
		} else if check.Found && check.Has7z {
			return ErrUnsupportedArchive
		}
	}

	files, err := c.sab.GetFiles(ctx, nzoID)
	if err != nil {
		c.logger.Warn("Couldn't list download files for archive check", zap.Error(err), zap.String("nzoID", nzoID))
		return nil
	}
	for _, file := range files {
		lowered := strings.ToLower(file.Filename)
		if strings.Contains(lowered, ".7z") || strings.Contains(lowered, ".zip") {
			return ErrUnsupportedArchive
		}
	}
	return nil
}

// purge deletes a download and its files from queue or history.
func (c *Controller) purge(ctx context.Context, nzoID string, status sabnzbd.DownloadStatus) {
	var err error
	if status.State.InProgress() || status.State == sabnzbd.StateQueued {
		err = c.sab.Delete(ctx, nzoID, true)
	} else {
		err = c.sab.DeleteHistory(ctx, nzoID, true)
	}
	if err != nil {
		c.logger.Warn("Couldn't purge download", zap.Error(err), zap.String("nzoID", nzoID))
	}
}

// videoFile is the outcome of discovery.
type videoFile struct {
	path string
	url  string
	size int64
}

// discoverVideoFile polls for the release's main video file, via the file
// server when configured, else by walking the downloader's directories.
func (c *Controller) discoverVideoFile(ctx context.Context, req OpenRequest) (videoFile, error) {
	deadline := time.Now().Add(c.opts.DiscoveryBudget)
	for {
		var video videoFile
		var found bool
		var err error
		if c.files != nil {
			video, found, err = c.findViaFileServer(ctx, req)
		} else {
			video, found, err = c.findViaFilesystem(ctx, req)
		}
		if err != nil {
			c.logger.Debug("Video discovery attempt failed", zap.Error(err), zap.String("title", req.Title))
		}
		if found {
			return video, nil
		}
		if time.Now().After(deadline) {
			return videoFile{}, ErrNoVideoFile
		}
		select {
		case <-time.After(c.opts.DiscoveryInterval):
		case <-ctx.Done():
			return videoFile{}, ctx.Err()
		}
	}
}

func (c *Controller) findViaFileServer(ctx context.Context, req OpenRequest) (videoFile, bool, error) {
	files, err := c.files.List(ctx)
	if err != nil {
		return videoFile{}, false, err
	}
	var best fileserver.FileInfo
	for _, file := range files {
		if !c.matchesRelease(file.Path, file.Name, req) {
			continue
		}
		if file.Size > best.Size {
			best = file
		}
	}
	if best.Path == "" {
		return videoFile{}, false, nil
	}
	return videoFile{
		path: best.Path,
		url:  c.files.FileURL(best.Path),
		size: best.Size,
	}, true, nil
}

func (c *Controller) ensureDirs(ctx context.Context) error {
	if c.haveDirs {
		return nil
	}
	dirs, err := c.sab.GetConfig(ctx)
	if err != nil {
		return err
	}
	c.dirs = dirs
	c.haveDirs = true
	return nil
}

func (c *Controller) findViaFilesystem(ctx context.Context, req OpenRequest) (videoFile, bool, error) {
	if err := c.ensureDirs(ctx); err != nil {
		return videoFile{}, false, err
	}
	return c.findInRoots([]string{c.dirs.DownloadDir, c.dirs.CompleteDir}, req)
}

func (c *Controller) findInRoots(roots []string, req OpenRequest) (videoFile, bool, error) {
	var best videoFile
	for _, root := range roots {
		if root == "" {
			continue
		}
		afero.Walk(c.fs, root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info == nil || info.IsDir() {
				return nil
			}
			if !c.matchesRelease(path, filepath.Base(path), req) {
				return nil
			}
			if info.Size() > best.size {
				best = videoFile{path: path, url: path, size: info.Size()}
			}
			return nil
		})
	}
	return best, best.path != "", nil
}

// matchesRelease applies the discovery filters: video extension, release
// name substring, junk exclusion and, for series, the episode marker.
func (c *Controller) matchesRelease(path, name string, req OpenRequest) bool {
	loweredPath := strings.ToLower(path)
	loweredName := strings.ToLower(name)
	isVideo := false
	for _, ext := range videoExtensions {
		if strings.HasSuffix(loweredName, ext) {
			isVideo = true
			break
		}
	}
	if !isVideo {
		return false
	}
	if junkFileRegex.MatchString(loweredPath) {
		return false
	}
	loweredTitle := strings.ToLower(req.Title)
	if !strings.Contains(loweredPath, loweredTitle) && !strings.Contains(loweredName, loweredTitle) {
		return false
	}
	if req.MediaType == search.MediaTypeSeries && req.Season > 0 && req.Episode > 0 {
		if !search.EpisodeRegex(req.Season, req.Episode).MatchString(name) {
			return false
		}
	}
	return true
}

// Status reports the merged downloader state for one download.
func (c *Controller) Status(ctx context.Context, nzoID string) (sabnzbd.DownloadStatus, error) {
	return c.sab.Status(ctx, nzoID)
}

// PauseDownload pauses one download.
func (c *Controller) PauseDownload(ctx context.Context, nzoID string) error {
	return c.sab.Pause(ctx, nzoID)
}

// ResumeDownload resumes one download.
func (c *Controller) ResumeDownload(ctx context.Context, nzoID string) error {
	return c.sab.Resume(ctx, nzoID)
}

// MoveToTop gives one download priority over the rest of the queue.
func (c *Controller) MoveToTop(ctx context.Context, nzoID string) error {
	return c.sab.MoveToTop(ctx, nzoID)
}

// Prioritize resumes a download, moves it to the top and pauses every other
// in-progress download. Returns the number of paused peers.
func (c *Controller) Prioritize(ctx context.Context, nzoID string) (int, error) {
	if err := c.sab.Resume(ctx, nzoID); err != nil {
		return 0, err
	}
	if err := c.sab.MoveToTop(ctx, nzoID); err != nil {
		return 0, err
	}
	queue, _, err := c.sab.Queue(ctx)
	if err != nil {
		return 0, err
	}
	paused := 0
	for _, slot := range queue {
		if slot.NzoID == nzoID || slot.State != sabnzbd.StateDownloading {
			continue
		}
		if err := c.sab.Pause(ctx, slot.NzoID); err != nil {
			c.logger.Warn("Couldn't pause peer download", zap.Error(err), zap.String("nzoID", slot.NzoID))
			continue
		}
		paused++
	}
	return paused, nil
}

// CloseStream drops a stream from the registry and, when configured, deletes
// its still-in-progress download.
func (c *Controller) CloseStream(ctx context.Context, stream *ActiveStream) {
	if !stream.IsPersonal && stream.DeleteOnStreamStop {
		status, err := c.sab.Status(ctx, stream.NzoID)
		if err == nil && status.State.InProgress() {
			c.purge(ctx, stream.NzoID, status)
		}
	}
	c.registry.Delete(stream.ID)
}

// FreeSpaceGiB reports the downloader's free space for the admin surface.
func (c *Controller) FreeSpaceGiB(ctx context.Context) (float64, error) {
	_, space, err := c.sab.Queue(ctx)
	if err != nil {
		return 0, err
	}
	return space.IncompleteFreeGB, nil
}

// sizeOnDisk stats a stream's file, through afero for local paths. For
// file-server-backed streams the listing is consulted.
func (c *Controller) sizeOnDisk(ctx context.Context, stream *ActiveStream) (int64, error) {
	if c.files != nil {
		files, err := c.files.List(ctx)
		if err != nil {
			return 0, err
		}
		for _, file := range files {
			if file.Path == stream.VideoPath {
				return file.Size, nil
			}
		}
		return 0, fmt.Errorf("File %v no longer listed", stream.VideoPath)
	}
	info, err := c.fs.Stat(stream.VideoPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
