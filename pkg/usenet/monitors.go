package usenet

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nzbgate/nzbgate/pkg/sabnzbd"
)

type MonitorOptions struct {
	InactivityInterval time.Duration
	InactiveTimeout    time.Duration
	ExtractionInterval time.Duration
	// ExtractionSlack is how close (in percent points) playback may come to
	// the download frontier before a paused download is resumed
	ExtractionSlack   float64
	AutocleanInterval time.Duration
	AutocleanAgeDays  int
}

var DefaultMonitorOpts = MonitorOptions{
	InactivityInterval: 2 * time.Minute,
	InactiveTimeout:    10 * time.Minute,
	ExtractionInterval: 30 * time.Second,
	ExtractionSlack:    15,
	AutocleanInterval:  time.Hour,
	AutocleanAgeDays:   7,
}

// RunMonitors starts the controller's background loops and blocks until the
// context is cancelled. Loop failures are logged, never surfaced.
func (c *Controller) RunMonitors(ctx context.Context, opts MonitorOptions) {
	if opts.InactivityInterval == 0 {
		opts.InactivityInterval = DefaultMonitorOpts.InactivityInterval
	}
	if opts.InactiveTimeout == 0 {
		opts.InactiveTimeout = DefaultMonitorOpts.InactiveTimeout
	}
	if opts.ExtractionInterval == 0 {
		opts.ExtractionInterval = DefaultMonitorOpts.ExtractionInterval
	}
	if opts.ExtractionSlack == 0 {
		opts.ExtractionSlack = DefaultMonitorOpts.ExtractionSlack
	}
	if opts.AutocleanInterval == 0 {
		opts.AutocleanInterval = DefaultMonitorOpts.AutocleanInterval
	}
	if opts.AutocleanAgeDays == 0 {
		opts.AutocleanAgeDays = DefaultMonitorOpts.AutocleanAgeDays
	}

	c.ResumeOrphans(ctx)

	inactivity := time.NewTicker(opts.InactivityInterval)
	extraction := time.NewTicker(opts.ExtractionInterval)
	autoclean := time.NewTicker(opts.AutocleanInterval)
	defer inactivity.Stop()
	defer extraction.Stop()
	defer autoclean.Stop()

	for {
		select {
		case <-inactivity.C:
			c.SweepInactive(ctx, opts.InactiveTimeout)
		case <-extraction.C:
			c.CheckExtraction(ctx, opts.ExtractionSlack)
		case <-autoclean.C:
			c.Autoclean(ctx, opts.AutocleanAgeDays)
		case <-ctx.Done():
			return
		}
	}
}

// ResumeOrphans resumes paused downloads with no active stream, recovering
// from a restart that left downloads paused.
func (c *Controller) ResumeOrphans(ctx context.Context) {
	queue, _, err := c.sab.Queue(ctx)
	if err != nil {
		c.logger.Warn("Couldn't list queue for orphan sweep", zap.Error(err))
		return
	}
	for _, slot := range queue {
		if slot.State != sabnzbd.StatePaused {
			continue
		}
		if _, found := c.registry.GetByNzoID(slot.NzoID); found {
			continue
		}
		c.logger.Info("Resuming orphaned download", zap.String("nzoID", slot.NzoID), zap.String("name", slot.Name))
		if err := c.sab.Resume(ctx, slot.NzoID); err != nil {
			c.logger.Warn("Couldn't resume orphaned download", zap.Error(err), zap.String("nzoID", slot.NzoID))
		}
	}
}

// SweepInactive drops streams nobody has read from within the timeout.
// Personal files are left in place; in-progress downloads are deleted when
// the stream asked for that.
func (c *Controller) SweepInactive(ctx context.Context, timeout time.Duration) {
	for _, stream := range c.registry.All() {
		idle := time.Since(stream.LastAccess())
		if idle <= timeout {
			continue
		}
		c.logger.Info("Removing inactive stream",
			zap.String("streamID", stream.ID), zap.String("title", stream.Title), zap.Duration("idle", idle))
		if stream.IsPersonal {
			c.registry.Delete(stream.ID)
			continue
		}
		if stream.DeleteOnStreamStop {
			status, err := c.sab.Status(ctx, stream.NzoID)
			if err != nil {
				c.logger.Warn("Couldn't check status of inactive stream", zap.Error(err), zap.String("nzoID", stream.NzoID))
			} else if status.State == sabnzbd.StateDownloading || status.State == sabnzbd.StatePaused {
				c.purge(ctx, stream.NzoID, status)
			}
		}
		c.registry.Delete(stream.ID)
	}
}

// CheckExtraction resumes paused downloads whose playback is catching up
// with the download frontier.
func (c *Controller) CheckExtraction(ctx context.Context, slack float64) {
	for _, stream := range c.registry.All() {
		if stream.IsPersonal {
			continue
		}
		status, err := c.sab.Status(ctx, stream.NzoID)
		if err != nil {
			c.logger.Warn("Couldn't check status for extraction monitor", zap.Error(err), zap.String("nzoID", stream.NzoID))
			continue
		}
		if status.State != sabnzbd.StatePaused {
			continue
		}
		playbackPercent := stream.PlaybackPercent()
		if playbackPercent <= status.PercentComplete-slack {
			continue
		}
		c.logger.Info("Playback approaching frontier, resuming download",
			zap.String("nzoID", stream.NzoID),
			zap.Float64("playbackPercent", playbackPercent),
			zap.Float64("downloadPercent", status.PercentComplete))
		if err := c.sab.Resume(ctx, stream.NzoID); err != nil {
			c.logger.Warn("Couldn't resume download", zap.Error(err), zap.String("nzoID", stream.NzoID))
		}
	}
}

// Autoclean deletes completed files older than the configured age.
func (c *Controller) Autoclean(ctx context.Context, ageDays int) {
	if c.files == nil {
		return
	}
	files, err := c.files.List(ctx)
	if err != nil {
		c.logger.Warn("Couldn't list files for autoclean", zap.Error(err))
		return
	}
	cutoff := time.Now().Add(-time.Duration(ageDays) * 24 * time.Hour)
	for _, file := range files {
		if !file.IsComplete || file.Modified.After(cutoff) {
			continue
		}
		if _, _, found := c.registry.Lookup(file.Path); found {
			continue
		}
		c.logger.Info("Autocleaning old file", zap.String("path", file.Path), zap.Time("modified", file.Modified))
		if err := c.files.Delete(ctx, file.Path); err != nil {
			c.logger.Warn("Couldn't autoclean file", zap.Error(err), zap.String("path", file.Path))
		}
	}
}
