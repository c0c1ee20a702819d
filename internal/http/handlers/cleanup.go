package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ghoststream/ghoststream/internal/jobs"
)

// CleanupHandler exposes the artifact reclamation operations.
type CleanupHandler struct {
	cleaner *jobs.Cleaner
}

// NewCleanupHandler creates a cleanup handler.
func NewCleanupHandler(cleaner *jobs.Cleaner) *CleanupHandler {
	return &CleanupHandler{cleaner: cleaner}
}

// Register registers the cleanup routes with the API.
func (h *CleanupHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getCleanupStats",
		Method:      "GET",
		Path:        "/api/v1/cleanup/stats",
		Summary:     "Get cleanup statistics",
		Description: "Returns retention counters: total, active, near-expiry, cleaned",
		Tags:        []string{"Cleanup"},
	}, h.Stats)

	huma.Register(api, huma.Operation{
		OperationID: "runCleanup",
		Method:      "POST",
		Path:        "/api/v1/cleanup/run",
		Summary:     "Run cleanup",
		Description: "Runs a TTL sweep and orphan reclamation immediately",
		Tags:        []string{"Cleanup"},
	}, h.Run)
}

// CleanupStatsInput is the input for cleanup stats.
type CleanupStatsInput struct{}

// CleanupStatsOutput is the output for cleanup stats.
type CleanupStatsOutput struct {
	Body jobs.CleanupStats
}

// Stats returns the retention counters.
func (h *CleanupHandler) Stats(ctx context.Context, input *CleanupStatsInput) (*CleanupStatsOutput, error) {
	return &CleanupStatsOutput{Body: h.cleaner.Stats()}, nil
}

// RunCleanupInput is the input for running cleanup.
type RunCleanupInput struct{}

// RunCleanupOutput is the output for running cleanup.
type RunCleanupOutput struct {
	Body jobs.CleanupResult
}

// Run sweeps expired jobs and orphaned directories now.
func (h *CleanupHandler) Run(ctx context.Context, input *RunCleanupInput) (*RunCleanupOutput, error) {
	return &RunCleanupOutput{Body: h.cleaner.RunNow()}, nil
}
