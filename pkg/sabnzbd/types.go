package sabnzbd

import "strconv"

// SlotState is the lifecycle state of one download as this gateway sees it.
type SlotState string

const (
	StateQueued      SlotState = "Queued"
	StateDownloading SlotState = "Downloading"
	StatePaused      SlotState = "Paused"
	StateExtracting  SlotState = "Extracting"
	StateVerifying   SlotState = "Verifying"
	StateCompleted   SlotState = "Completed"
	StateFailed      SlotState = "Failed"
	// StateNotFound means the downloader has neither a queue nor a history
	// entry, usually because the entry was completed and purged
	StateNotFound SlotState = "NotFound"
)

// InProgress reports whether the download still occupies queue bandwidth.
func (s SlotState) InProgress() bool {
	switch s {
	case StateQueued, StateDownloading, StatePaused, StateExtracting, StateVerifying:
		return true
	}
	return false
}

// mapState folds the downloader's many status strings into SlotState.
func mapState(status string) SlotState {
	switch status {
	case "Queued", "Grabbing", "Fetching", "Propagating":
		return StateQueued
	case "Downloading":
		return StateDownloading
	case "Paused":
		return StatePaused
	case "Extracting", "Running", "Moving", "Unpacking":
		return StateExtracting
	case "Verifying", "Repairing", "QuickCheck", "Checking":
		return StateVerifying
	case "Completed":
		return StateCompleted
	case "Failed":
		return StateFailed
	}
	return StateQueued
}

// DownloadStatus is the merged queue/history view of one download.
type DownloadStatus struct {
	NzoID           string
	Name            string
	State           SlotState
	PercentComplete float64
	SizeBytes       int64
	LeftBytes       int64
	// Storage is the on-disk path reported by history entries
	Storage     string
	FailMessage string
}

// DiskSpace is the downloader's free-space report in GiB.
type DiskSpace struct {
	IncompleteFreeGB  float64
	IncompleteTotalGB float64
	CompleteFreeGB    float64
	CompleteTotalGB   float64
}

// Directories are the downloader's configured target dirs.
type Directories struct {
	DownloadDir string
	CompleteDir string
}

// File is one entry of a download's file list.
type File struct {
	Filename string
	Bytes    int64
}

// parsePercentage tolerates the downloader's string percentages: "45.2",
// "", "unknown" all parse without an error, the bad ones as 0.
func parsePercentage(s string) float64 {
	if s == "" {
		return 0
	}
	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

// parseGB parses the downloader's GB float strings, 0 on junk.
func parseGB(s string) float64 {
	value, err := strconv.ParseFloat(s, 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}
