package usenet

import "errors"

var (
	// ErrInsufficientStorage means the disk-space gate failed even after a
	// synchronous cleanup attempt.
	ErrInsufficientStorage = errors.New("insufficient storage for download")
	// ErrUnsupportedArchive means the release is packed in a 7z or zip
	// archive, which cannot be streamed while extracting.
	ErrUnsupportedArchive = errors.New("archive format not supported for streaming")
	// ErrDownloadFailed means the downloader reported a failure for the
	// submitted NZB.
	ErrDownloadFailed = errors.New("download failed or was aborted")
	// ErrStartTimeout means the download didn't reach the minimum start
	// percentage within the gate window.
	ErrStartTimeout = errors.New("download didn't start in time")
	// ErrNoVideoFile means the discovery loop found no playable file within
	// its budget.
	ErrNoVideoFile = errors.New("no video file found in download")
)
