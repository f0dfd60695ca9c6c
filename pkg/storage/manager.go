// Package storage frees disk space on the staging file server when the
// downloader runs low, deleting the least valuable files first.
package storage

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nzbgate/nzbgate/pkg/fileserver"
	"github.com/nzbgate/nzbgate/pkg/sabnzbd"
)

const gib = int64(1) << 30

// StreamIndex reports playback state for a file path so cleanup can spare
// files that are still being watched.
type StreamIndex interface {
	Lookup(path string) (lastAccess time.Time, watchedPercent float64, found bool)
}

type Options struct {
	// LowSpaceGiB is the free-space level below which a normal cleanup runs
	LowSpaceGiB float64
	// CriticalGiB is the free-space level below which a critical cleanup
	// runs, which may also delete incomplete files
	CriticalGiB float64
	// NormalTargetGiB / CriticalTargetGiB are how much each mode frees
	NormalTargetGiB   float64
	CriticalTargetGiB float64
	// CompletedAgeDays / IncompleteAgeDays are the minimum ages before
	// unwatched files become deletion candidates
	CompletedAgeDays  int
	IncompleteAgeDays int
	// InactiveTimeout protects files whose stream was accessed recently
	InactiveTimeout time.Duration
	// DeletePace is the minimum delay between two deletes
	DeletePace time.Duration
}

func NewOptions(lowSpaceGiB, criticalGiB, normalTargetGiB, criticalTargetGiB float64, completedAgeDays, incompleteAgeDays int, inactiveTimeout, deletePace time.Duration) Options {
	return Options{
		LowSpaceGiB:       lowSpaceGiB,
		CriticalGiB:       criticalGiB,
		NormalTargetGiB:   normalTargetGiB,
		CriticalTargetGiB: criticalTargetGiB,
		CompletedAgeDays:  completedAgeDays,
		IncompleteAgeDays: incompleteAgeDays,
		InactiveTimeout:   inactiveTimeout,
		DeletePace:        deletePace,
	}
}

var DefaultOptions = Options{
	LowSpaceGiB:       20,
	CriticalGiB:       5,
	NormalTargetGiB:   10,
	CriticalTargetGiB: 20,
	CompletedAgeDays:  7,
	IncompleteAgeDays: 3,
	InactiveTimeout:   10 * time.Minute,
	DeletePace:        100 * time.Millisecond,
}

type Manager struct {
	sab     *sabnzbd.Client
	files   *fileserver.Client
	index   StreamIndex
	limiter *rate.Limiter
	opts    Options
	logger  *zap.Logger
}

func NewManager(opts Options, sab *sabnzbd.Client, files *fileserver.Client, index StreamIndex, logger *zap.Logger) *Manager {
	if opts.LowSpaceGiB == 0 {
		opts.LowSpaceGiB = DefaultOptions.LowSpaceGiB
	}
	if opts.CriticalGiB == 0 {
		opts.CriticalGiB = DefaultOptions.CriticalGiB
	}
	if opts.NormalTargetGiB == 0 {
		opts.NormalTargetGiB = DefaultOptions.NormalTargetGiB
	}
	if opts.CriticalTargetGiB == 0 {
		opts.CriticalTargetGiB = DefaultOptions.CriticalTargetGiB
	}
	if opts.CompletedAgeDays == 0 {
		opts.CompletedAgeDays = DefaultOptions.CompletedAgeDays
	}
	if opts.IncompleteAgeDays == 0 {
		opts.IncompleteAgeDays = DefaultOptions.IncompleteAgeDays
	}
	if opts.InactiveTimeout == 0 {
		opts.InactiveTimeout = DefaultOptions.InactiveTimeout
	}
	if opts.DeletePace == 0 {
		opts.DeletePace = DefaultOptions.DeletePace
	}
	return &Manager{
		sab:     sab,
		files:   files,
		index:   index,
		limiter: rate.NewLimiter(rate.Every(opts.DeletePace), 1),
		opts:    opts,
		logger:  logger,
	}
}

// candidate is one file with its computed cleanup priority.
type candidate struct {
	file     fileserver.FileInfo
	priority float64
}

// Priority computes the cleanup score for one file. Higher scores are
// deleted first; zero means the file is not a candidate at all.
func (m *Manager) Priority(file fileserver.FileInfo, now time.Time) float64 {
	lastAccess, watchedPercent, found := m.index.Lookup(file.Path)
	if found && now.Sub(lastAccess) < m.opts.InactiveTimeout {
		// Still being watched
		return 0
	}

	ageDays := now.Sub(file.Modified).Hours() / 24
	if found && watchedPercent >= 90 {
		return 1000 + now.Sub(lastAccess).Hours()
	}
	if file.IsComplete {
		if ageDays > float64(m.opts.CompletedAgeDays) {
			return 100 + 10*ageDays
		}
		return 0
	}
	if ageDays > float64(m.opts.IncompleteAgeDays) {
		return 50 + 5*ageDays
	}
	return 0
}

// CheckAndClean inspects the downloader's free-space report and runs the
// appropriate cleanup mode, if any.
func (m *Manager) CheckAndClean(ctx context.Context) (int64, error) {
	_, space, err := m.sab.Queue(ctx)
	if err != nil {
		return 0, err
	}
	free := space.IncompleteFreeGB
	if space.CompleteFreeGB > 0 && space.CompleteFreeGB < free {
		free = space.CompleteFreeGB
	}
	switch {
	case free < m.opts.CriticalGiB:
		return m.Cleanup(ctx, true)
	case free < m.opts.LowSpaceGiB:
		return m.Cleanup(ctx, false)
	}
	return 0, nil
}

// Cleanup deletes files in priority order until the mode's target is freed.
// Critical mode also admits still-incomplete files. Deletes are paced so the
// file server is not thrashed.
func (m *Manager) Cleanup(ctx context.Context, critical bool) (int64, error) {
	if m.files == nil {
		// No file server, nothing this manager can delete
		return 0, nil
	}
	files, err := m.files.List(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()

	var candidates []candidate
	for _, file := range files {
		if !critical && !file.IsComplete {
			continue
		}
		priority := m.Priority(file, now)
		if priority <= 0 {
			continue
		}
		candidates = append(candidates, candidate{file: file, priority: priority})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].priority > candidates[j].priority
	})

	target := int64(m.opts.NormalTargetGiB * float64(gib))
	if critical {
		target = int64(m.opts.CriticalTargetGiB * float64(gib))
	}

	var freed int64
	for _, cand := range candidates {
		if freed >= target {
			break
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return freed, err
		}
		if err := m.files.Delete(ctx, cand.file.Path); err != nil {
			m.logger.Warn("Couldn't delete file during cleanup", zap.Error(err), zap.String("path", cand.file.Path))
			continue
		}
		m.logger.Info("Deleted file to free space",
			zap.String("path", cand.file.Path),
			zap.Int64("size", cand.file.Size),
			zap.Float64("priority", cand.priority),
			zap.Bool("critical", critical))
		freed += cand.file.Size
	}
	return freed, nil
}

// PreDownloadGate runs before a new submission. When free space is below
// 2 GiB it runs a synchronous critical cleanup; the submission may proceed
// only when at least 1 GiB was freed.
func (m *Manager) PreDownloadGate(ctx context.Context, freeGiB float64) (bool, error) {
	if freeGiB >= 2 {
		return true, nil
	}
	m.logger.Warn("Free space below pre-download threshold, running critical cleanup", zap.Float64("freeGiB", freeGiB))
	freed, err := m.Cleanup(ctx, true)
	if err != nil {
		return false, err
	}
	return freed >= gib, nil
}
