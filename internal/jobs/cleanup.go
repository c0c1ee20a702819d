package jobs

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ghoststream/ghoststream/internal/observability"
)

const (
	// Streaming output is ephemeral; batch output lives until the
	// configured retention.
	streamingTTL = time.Hour

	// A reclaimed terminal job's record lingers so late status polls
	// still resolve, then disappears.
	recordRetention = 24 * time.Hour

	// Fraction of TTL after which a job counts as near expiry in the
	// cleanup stats.
	nearExpiryFraction = 0.8

	sweepSchedule = "@every 5m"
)

// CleanupStats summarizes the cleaner's current view of the job table.
type CleanupStats struct {
	TotalJobs  int `json:"total_jobs"`
	ActiveJobs int `json:"active_jobs"`
	ReadyJobs  int `json:"ready_jobs"`
	Cleaned    int `json:"cleaned"`
	NearExpiry int `json:"near_expiry"`
}

// CleanupResult counts one sweep's work.
type CleanupResult struct {
	ReclaimedJobs  int `json:"reclaimed_jobs"`
	RemovedRecords int `json:"removed_records"`
	OrphanDirs     int `json:"orphan_dirs"`
}

// Cleaner reclaims expired artifacts and abandoned work directories.
type Cleaner struct {
	logger   *slog.Logger
	manager  *Manager
	batchTTL time.Duration
	cron     *cron.Cron
	now      func() time.Time
}

// NewCleaner creates a cleaner over the manager's job table.
func NewCleaner(logger *slog.Logger, manager *Manager, cleanupAfterHours int) *Cleaner {
	return &Cleaner{
		logger:   observability.WithComponent(logger, "cleanup"),
		manager:  manager,
		batchTTL: time.Duration(cleanupAfterHours) * time.Hour,
		now:      time.Now,
	}
}

// Start reclaims orphans once, then runs the periodic sweep.
func (c *Cleaner) Start() error {
	orphans := c.ReclaimOrphans()
	if orphans > 0 {
		c.logger.Info("reclaimed orphaned work directories", slog.Int("count", orphans))
	}

	c.cron = cron.New()
	if _, err := c.cron.AddFunc(sweepSchedule, func() {
		result := c.Sweep()
		if result.ReclaimedJobs > 0 || result.RemovedRecords > 0 {
			c.logger.Info("cleanup sweep",
				slog.Int("reclaimed", result.ReclaimedJobs),
				slog.Int("removed_records", result.RemovedRecords))
		}
	}); err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

// Stop halts the periodic sweep.
func (c *Cleaner) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
}

// ttl returns the artifact time-to-live for a request.
func (c *Cleaner) ttl(req Request) time.Duration {
	if req.Streaming() {
		return streamingTTL
	}
	return c.batchTTL
}

// Sweep reclaims artifacts of terminal jobs past their TTL and drops
// records of reclaimed jobs completed more than a day ago.
func (c *Cleaner) Sweep() CleanupResult {
	now := c.now()
	result := CleanupResult{}

	m := c.manager
	m.mu.Lock()
	var reclaimDirs []string
	var removeIDs []string
	for id, job := range m.jobs {
		if !job.State.Terminal() {
			continue
		}

		if !job.ArtifactsReclaimed && now.Sub(job.LastAccess) > c.ttl(job.Request) {
			job.ArtifactsReclaimed = true
			reclaimDirs = append(reclaimDirs, job.OutputDir)
			result.ReclaimedJobs++
		}

		if job.ArtifactsReclaimed && !job.CompletedAt.IsZero() &&
			now.Sub(job.CompletedAt) > recordRetention {
			removeIDs = append(removeIDs, id)
			result.RemovedRecords++
		}
	}
	for _, id := range removeIDs {
		delete(m.jobs, id)
	}
	m.mu.Unlock()

	for _, dir := range reclaimDirs {
		m.reclaimDir(dir)
	}
	return result
}

// RunNow performs an on-demand sweep plus orphan reclamation.
func (c *Cleaner) RunNow() CleanupResult {
	result := c.Sweep()
	result.OrphanDirs = c.ReclaimOrphans()
	return result
}

// ReclaimOrphans removes work-root subdirectories with no job record.
// Run at startup, before any job dispatch, so every live directory is
// accounted for.
func (c *Cleaner) ReclaimOrphans() int {
	m := c.manager
	entries, err := os.ReadDir(m.workRoot)
	if err != nil {
		return 0
	}

	m.mu.RLock()
	known := make(map[string]bool, len(m.jobs))
	for id := range m.jobs {
		known[id] = true
	}
	m.mu.RUnlock()

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || known[entry.Name()] {
			continue
		}
		m.reclaimDir(filepath.Join(m.workRoot, entry.Name()))
		removed++
	}
	return removed
}

// Stats summarizes the job table for the cleanup endpoint.
func (c *Cleaner) Stats() CleanupStats {
	now := c.now()
	stats := CleanupStats{}

	m := c.manager
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, job := range m.jobs {
		stats.TotalJobs++
		switch {
		case !job.State.Terminal():
			stats.ActiveJobs++
			continue
		case job.State == StateReady:
			stats.ReadyJobs++
		}

		if job.ArtifactsReclaimed {
			stats.Cleaned++
			continue
		}
		ttl := c.ttl(job.Request)
		if float64(now.Sub(job.LastAccess)) > float64(ttl)*nearExpiryFraction {
			stats.NearExpiry++
		}
	}
	return stats
}
