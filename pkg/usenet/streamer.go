package usenet

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nzbgate/nzbgate/pkg/sabnzbd"
)

type StreamerOptions struct {
	// GrowPoll/GrowWait bound waiting for a growing file to reach a range
	// start beyond its current size
	GrowPoll time.Duration
	GrowWait time.Duration
	// CatchupPoll/CatchupWait bound waiting for the download to advance
	// past a seek near the frontier
	CatchupPoll time.Duration
	CatchupWait time.Duration
	// FrontierMarginPercent is how close to the frontier a seek may land
	// before the catchup wait kicks in
	FrontierMarginPercent float64
	// MKVMinPercent is the extraction level required before MKV seeks work
	MKVMinPercent float64
	// ForwardSeekPercent/BackwardSeekPercent are the jump sizes that count
	// as seek events
	ForwardSeekPercent  float64
	BackwardSeekPercent float64
}

var DefaultStreamerOpts = StreamerOptions{
	GrowPoll:              2 * time.Second,
	GrowWait:              60 * time.Second,
	CatchupPoll:           2 * time.Second,
	CatchupWait:           5 * time.Minute,
	FrontierMarginPercent: 15,
	MKVMinPercent:         80,
	ForwardSeekPercent:    5,
	BackwardSeekPercent:   1,
}

// RangeStreamer serves HTTP range requests against a file that may still be
// growing underneath it. Reads go through the controller's file server when
// one is configured, else through its filesystem.
type RangeStreamer struct {
	controller *Controller
	opts       StreamerOptions
	logger     *zap.Logger
}

func NewRangeStreamer(opts StreamerOptions, controller *Controller, logger *zap.Logger) *RangeStreamer {
	if opts.GrowPoll == 0 {
		opts.GrowPoll = DefaultStreamerOpts.GrowPoll
	}
	if opts.GrowWait == 0 {
		opts.GrowWait = DefaultStreamerOpts.GrowWait
	}
	if opts.CatchupPoll == 0 {
		opts.CatchupPoll = DefaultStreamerOpts.CatchupPoll
	}
	if opts.CatchupWait == 0 {
		opts.CatchupWait = DefaultStreamerOpts.CatchupWait
	}
	if opts.FrontierMarginPercent == 0 {
		opts.FrontierMarginPercent = DefaultStreamerOpts.FrontierMarginPercent
	}
	if opts.MKVMinPercent == 0 {
		opts.MKVMinPercent = DefaultStreamerOpts.MKVMinPercent
	}
	if opts.ForwardSeekPercent == 0 {
		opts.ForwardSeekPercent = DefaultStreamerOpts.ForwardSeekPercent
	}
	if opts.BackwardSeekPercent == 0 {
		opts.BackwardSeekPercent = DefaultStreamerOpts.BackwardSeekPercent
	}
	return &RangeStreamer{
		controller: controller,
		opts:       opts,
		logger:     logger,
	}
}

// ServeVideo answers one range read against a stream's file.
func (s *RangeStreamer) ServeVideo(w http.ResponseWriter, r *http.Request, stream *ActiveStream) {
	ctx := r.Context()
	stream.Touch()
	zapFieldStream := zap.String("streamID", stream.ID)

	size, err := s.sizeOnDisk(ctx, stream)
	if err != nil {
		s.logger.Warn("Couldn't stat stream file", zap.Error(err), zapFieldStream)
		http.Error(w, "file not available", http.StatusNotFound)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		s.serveFull(ctx, w, stream, size)
		return
	}

	start, end, err := parseRange(rangeHeader)
	if err != nil {
		s.respond416(w, size)
		return
	}

	status := sabnzbd.DownloadStatus{State: sabnzbd.StateCompleted, PercentComplete: 100}
	if !stream.IsPersonal {
		if status, err = s.controller.Status(ctx, stream.NzoID); err != nil {
			s.logger.Warn("Couldn't check download status", zap.Error(err), zapFieldStream)
		}
	}

	s.recordSeek(ctx, stream, start, zapFieldStream)

	if strings.HasSuffix(strings.ToLower(stream.VideoPath), ".mkv") && start > 0 && stream.FileSize > 0 {
		extractedPercent := float64(size) / float64(stream.FileSize) * 100
		if extractedPercent < s.opts.MKVMinPercent {
			s.logger.Debug("MKV seek before index is available",
				zap.Float64("extractedPercent", extractedPercent), zapFieldStream)
			s.respond416Message(w, size, "MKV seeking requires the file end; try again once more has downloaded")
			return
		}
	}

	if !stream.IsPersonal && status.State.InProgress() {
		status, err = s.waitForCatchup(ctx, stream, status, start, zapFieldStream)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		// The file may have grown during the wait
		if size, err = s.sizeOnDisk(ctx, stream); err != nil {
			http.Error(w, "file not available", http.StatusNotFound)
			return
		}
	}

	if start >= size {
		if status.State == sabnzbd.StateQueued && size == 0 {
			// Nothing materialized yet, an empty 200 keeps the player probing
			w.Header().Set("Content-Type", "video/mp4")
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusOK)
			return
		}
		if status.State == sabnzbd.StateDownloading {
			size = s.waitForGrowth(ctx, stream, start)
		}
		if start >= size {
			s.respond416(w, size)
			return
		}
	}

	// Stat immediately before building Content-Range: the file grows under
	// us and the header must reflect what can actually be read
	if latest, err := s.sizeOnDisk(ctx, stream); err == nil && latest > size {
		size = latest
	}
	if end < 0 || end >= size {
		end = size - 1
	}
	s.serveRange(ctx, w, stream, start, end, size, zapFieldStream)
}

func (s *RangeStreamer) serveFull(ctx context.Context, w http.ResponseWriter, stream *ActiveStream, size int64) {
	// Re-stat at commit time: on a growing file the response covers what is
	// readable now, not what was there when the request arrived
	if latest, err := s.sizeOnDisk(ctx, stream); err == nil && latest > size {
		size = latest
	}
	file, err := s.openSection(ctx, stream, 0, size)
	if err != nil {
		http.Error(w, "file not available", http.StatusNotFound)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", contentType(stream.VideoPath))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	written, err := io.CopyN(w, file, size)
	if err != nil && err != io.EOF {
		s.logger.Debug("Full read ended early", zap.Error(err), zap.Int64("written", written))
	}
	stream.SetPlaybackByte(written)
}

func (s *RangeStreamer) serveRange(ctx context.Context, w http.ResponseWriter, stream *ActiveStream, start, end, size int64, zapFieldStream zap.Field) {
	length := end - start + 1
	file, err := s.openSection(ctx, stream, start, length)
	if err != nil {
		http.Error(w, "file not available", http.StatusNotFound)
		return
	}
	defer file.Close()
	w.Header().Set("Content-Type", contentType(stream.VideoPath))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)

	written, err := io.CopyN(w, file, length)
	if err != nil && err != io.EOF {
		// Short reads on a growing file and dropped clients both land here
		s.logger.Debug("Range read ended early", zap.Error(err), zap.Int64("written", written), zapFieldStream)
	}
	stream.SetPlaybackByte(start + written)
}

// recordSeek classifies the jump from the last read position and triggers an
// aggressive resume on large forward seeks.
func (s *RangeStreamer) recordSeek(ctx context.Context, stream *ActiveStream, start int64, zapFieldStream zap.Field) {
	if stream.FileSize <= 0 {
		return
	}
	previous := stream.PlaybackByte()
	deltaPercent := float64(start-previous) / float64(stream.FileSize) * 100
	switch {
	case deltaPercent > s.opts.ForwardSeekPercent:
		s.logger.Info("Forward seek", zap.Float64("deltaPercent", deltaPercent), zapFieldStream)
		if !stream.IsPersonal {
			if _, err := s.controller.Prioritize(ctx, stream.NzoID); err != nil {
				s.logger.Warn("Couldn't prioritize after forward seek", zap.Error(err), zapFieldStream)
			}
		}
	case deltaPercent < -s.opts.BackwardSeekPercent:
		s.logger.Info("Backward seek", zap.Float64("deltaPercent", deltaPercent), zapFieldStream)
	}
}

// waitForCatchup blocks while the requested start sits within the frontier
// margin of an in-progress download, resuming it when paused. Completion
// breaks the wait; failure surfaces as an error.
func (s *RangeStreamer) waitForCatchup(ctx context.Context, stream *ActiveStream, status sabnzbd.DownloadStatus, start int64, zapFieldStream zap.Field) (sabnzbd.DownloadStatus, error) {
	if stream.FileSize <= 0 {
		return status, nil
	}
	margin := s.opts.FrontierMarginPercent / 100 * float64(stream.FileSize)
	frontier := func(st sabnzbd.DownloadStatus) float64 {
		return st.PercentComplete / 100 * float64(stream.FileSize)
	}
	if float64(start) <= frontier(status)-margin {
		return status, nil
	}

	if status.State == sabnzbd.StatePaused {
		if err := s.controller.ResumeDownload(ctx, stream.NzoID); err != nil {
			s.logger.Warn("Couldn't resume paused download for catchup", zap.Error(err), zapFieldStream)
		}
	}

	deadline := time.Now().Add(s.opts.CatchupWait)
	for {
		if status.State == sabnzbd.StateCompleted {
			return status, nil
		}
		if status.State == sabnzbd.StateFailed {
			return status, fmt.Errorf("download failed: %v", status.FailMessage)
		}
		if float64(start) <= frontier(status)-margin {
			return status, nil
		}
		if time.Now().After(deadline) {
			s.logger.Warn("Catchup wait expired", zap.Int64("start", start), zapFieldStream)
			return status, nil
		}
		select {
		case <-time.After(s.opts.CatchupPoll):
		case <-ctx.Done():
			return status, ctx.Err()
		}
		var err error
		if status, err = s.controller.Status(ctx, stream.NzoID); err != nil {
			return status, fmt.Errorf("Couldn't poll download during catchup: %v", err)
		}
	}
}

// waitForGrowth polls the on-disk size until it passes the requested start
// or the wait budget runs out. Returns the last observed size.
func (s *RangeStreamer) waitForGrowth(ctx context.Context, stream *ActiveStream, start int64) int64 {
	deadline := time.Now().Add(s.opts.GrowWait)
	var size int64
	for {
		if latest, err := s.sizeOnDisk(ctx, stream); err == nil {
			size = latest
		}
		if start < size || time.Now().After(deadline) {
			return size
		}
		select {
		case <-time.After(s.opts.GrowPoll):
		case <-ctx.Done():
			return size
		}
	}
}

func (s *RangeStreamer) sizeOnDisk(ctx context.Context, stream *ActiveStream) (int64, error) {
	return s.controller.sizeOnDisk(ctx, stream)
}

// openSection opens the bytes [start, start+length) of the stream's file,
// proxied from the file server for server-backed streams.
func (s *RangeStreamer) openSection(ctx context.Context, stream *ActiveStream, start, length int64) (io.ReadCloser, error) {
	if s.controller.files != nil && stream.VideoURL != "" {
		return s.controller.files.OpenRange(ctx, stream.VideoURL, start, start+length-1)
	}
	file, err := s.controller.fs.Open(stream.VideoPath)
	if err != nil {
		return nil, err
	}
	if start > 0 {
		if _, err := file.Seek(start, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
	}
	return file, nil
}

func (s *RangeStreamer) respond416(w http.ResponseWriter, size int64) {
	w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
	w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
}

func (s *RangeStreamer) respond416Message(w http.ResponseWriter, size int64, message string) {
	w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
	http.Error(w, message, http.StatusRequestedRangeNotSatisfiable)
}

func contentType(path string) string {
	if strings.HasSuffix(strings.ToLower(path), ".mkv") {
		return "video/x-matroska"
	}
	return "video/mp4"
}

// parseRange parses a single "bytes=start-end" range. An open end parses as
// -1. Multi-range requests and suffix ranges are rejected.
func parseRange(header string) (int64, int64, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("Unsupported range unit in %q", header)
	}
	if strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("Multi-range requests are not supported")
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found || startStr == "" {
		return 0, 0, fmt.Errorf("Malformed range %q", header)
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("Malformed range start in %q", header)
	}
	if endStr == "" {
		return start, -1, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, fmt.Errorf("Malformed range end in %q", header)
	}
	return start, end, nil
}
