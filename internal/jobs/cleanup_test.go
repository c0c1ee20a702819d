package jobs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghoststream/ghoststream/internal/engine"
)

// seedJob inserts a job record directly, bypassing dispatch.
func seedJob(m *Manager, id string, state State, mode engine.Mode, lastAccess, completed time.Time) *Job {
	job := newJob(id, Request{Source: "/in.mkv", Mode: mode}, filepath.Join(m.workRoot, id), lastAccess)
	job.State = state
	job.LastAccess = lastAccess
	job.CompletedAt = completed
	m.mu.Lock()
	m.jobs[id] = job
	m.mu.Unlock()
	return job
}

func newTestCleaner(t *testing.T) (*Cleaner, *Manager) {
	t.Helper()
	m := NewManager(testLogger(), testConfig(t), &fakeProcessor{}, NewBroadcaster(testLogger()), nil)
	require.NoError(t, os.MkdirAll(m.workRoot, 0o755))
	c := NewCleaner(testLogger(), m, 24)
	return c, m
}

func TestSweepReclaimsExpiredStreamingJob(t *testing.T) {
	c, m := newTestCleaner(t)
	now := time.Now()
	c.now = func() time.Time { return now }

	job := seedJob(m, "old", StateReady, engine.ModeStream, now.Add(-2*time.Hour), now.Add(-2*time.Hour))
	require.NoError(t, os.MkdirAll(job.OutputDir, 0o755))

	result := c.Sweep()
	assert.Equal(t, 1, result.ReclaimedJobs)
	assert.True(t, job.ArtifactsReclaimed)
	_, err := os.Stat(job.OutputDir)
	assert.True(t, os.IsNotExist(err))

	// The record itself survives until the retention window passes.
	_, ok := m.Get("old", false)
	assert.True(t, ok)
}

func TestSweepHonorsBatchRetention(t *testing.T) {
	c, m := newTestCleaner(t)
	now := time.Now()
	c.now = func() time.Time { return now }

	// Two hours old: past the streaming TTL but inside the 24h batch TTL.
	seedJob(m, "batch", StateReady, engine.ModeBatch, now.Add(-2*time.Hour), now.Add(-2*time.Hour))

	result := c.Sweep()
	assert.Equal(t, 0, result.ReclaimedJobs)
}

func TestSweepSkipsLiveJobs(t *testing.T) {
	c, m := newTestCleaner(t)
	now := time.Now()
	c.now = func() time.Time { return now }

	seedJob(m, "live", StateProcessing, engine.ModeStream, now.Add(-3*time.Hour), time.Time{})

	result := c.Sweep()
	assert.Equal(t, 0, result.ReclaimedJobs)
}

func TestSweepRemovesStaleRecords(t *testing.T) {
	c, m := newTestCleaner(t)
	now := time.Now()
	c.now = func() time.Time { return now }

	job := seedJob(m, "ancient", StateReady, engine.ModeStream, now.Add(-30*time.Hour), now.Add(-30*time.Hour))
	job.ArtifactsReclaimed = true

	result := c.Sweep()
	assert.Equal(t, 1, result.RemovedRecords)
	_, ok := m.Get("ancient", false)
	assert.False(t, ok)
}

func TestReclaimOrphansPreservesKnownJobDirs(t *testing.T) {
	c, m := newTestCleaner(t)

	known := seedJob(m, "known", StateProcessing, engine.ModeStream, time.Now(), time.Time{})
	require.NoError(t, os.MkdirAll(known.OutputDir, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(m.workRoot, "orphan-a"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(m.workRoot, "orphan-b"), 0o755))

	removed := c.ReclaimOrphans()
	assert.Equal(t, 2, removed)

	_, err := os.Stat(known.OutputDir)
	assert.NoError(t, err, "live job directory must survive orphan reclamation")
	_, err = os.Stat(filepath.Join(m.workRoot, "orphan-a"))
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupStats(t *testing.T) {
	c, m := newTestCleaner(t)
	now := time.Now()
	c.now = func() time.Time { return now }

	seedJob(m, "active", StateProcessing, engine.ModeStream, now, time.Time{})
	seedJob(m, "fresh", StateReady, engine.ModeStream, now.Add(-10*time.Minute), now.Add(-10*time.Minute))
	// 50 minutes is past 80% of the one hour streaming TTL.
	seedJob(m, "aging", StateReady, engine.ModeStream, now.Add(-50*time.Minute), now.Add(-50*time.Minute))
	cleaned := seedJob(m, "done", StateError, engine.ModeStream, now.Add(-3*time.Hour), now.Add(-3*time.Hour))
	cleaned.ArtifactsReclaimed = true

	stats := c.Stats()
	assert.Equal(t, 4, stats.TotalJobs)
	assert.Equal(t, 1, stats.ActiveJobs)
	assert.Equal(t, 2, stats.ReadyJobs)
	assert.Equal(t, 1, stats.Cleaned)
	assert.Equal(t, 1, stats.NearExpiry)
}

func TestRunNowCombinesSweepAndOrphans(t *testing.T) {
	c, m := newTestCleaner(t)
	now := time.Now()
	c.now = func() time.Time { return now }

	seedJob(m, "old", StateReady, engine.ModeStream, now.Add(-2*time.Hour), now.Add(-2*time.Hour))
	require.NoError(t, os.MkdirAll(filepath.Join(m.workRoot, "orphan"), 0o755))

	result := c.RunNow()
	assert.Equal(t, 1, result.ReclaimedJobs)
	assert.Equal(t, 1, result.OrphanDirs)
}
