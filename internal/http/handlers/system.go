package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ghoststream/ghoststream/internal/daemon"
	"github.com/ghoststream/ghoststream/internal/ffmpeg"
	"github.com/ghoststream/ghoststream/internal/jobs"
	"github.com/ghoststream/ghoststream/internal/version"
)

// SystemHandler exposes capabilities, statistics, and health.
type SystemHandler struct {
	caps    *ffmpeg.Capabilities
	manager *jobs.Manager
	stats   *daemon.StatsCollector
}

// NewSystemHandler creates a system handler.
func NewSystemHandler(caps *ffmpeg.Capabilities, manager *jobs.Manager, stats *daemon.StatsCollector) *SystemHandler {
	return &SystemHandler{caps: caps, manager: manager, stats: stats}
}

// Register registers the system routes with the API.
func (h *SystemHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getCapabilities",
		Method:      "GET",
		Path:        "/api/v1/capabilities",
		Summary:     "Get capabilities",
		Description: "Returns the startup capability snapshot",
		Tags:        []string{"System"},
	}, h.Capabilities)

	huma.Register(api, huma.Operation{
		OperationID: "getStats",
		Method:      "GET",
		Path:        "/api/v1/stats",
		Summary:     "Get statistics",
		Description: "Returns job counters and host statistics",
		Tags:        []string{"System"},
	}, h.Stats)

	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"System"},
	}, h.Health)
}

// CapabilitiesInput is the input for the capabilities operation.
type CapabilitiesInput struct{}

// CapabilitiesOutput is the output for the capabilities operation.
type CapabilitiesOutput struct {
	Body ffmpeg.Capabilities
}

// Capabilities returns the capability snapshot.
func (h *SystemHandler) Capabilities(ctx context.Context, input *CapabilitiesInput) (*CapabilitiesOutput, error) {
	return &CapabilitiesOutput{Body: *h.caps}, nil
}

// StatsInput is the input for the stats operation.
type StatsInput struct{}

// StatsBody combines job counters with host statistics.
type StatsBody struct {
	Jobs   jobs.Stats         `json:"jobs"`
	System daemon.SystemStats `json:"system"`
}

// StatsOutput is the output for the stats operation.
type StatsOutput struct {
	Body StatsBody
}

// Stats returns lifetime job counters and a host snapshot.
func (h *SystemHandler) Stats(ctx context.Context, input *StatsInput) (*StatsOutput, error) {
	return &StatsOutput{Body: StatsBody{
		Jobs:   h.manager.Stats(),
		System: h.stats.Collect(ctx),
	}}, nil
}

// HealthInput is the input for the health operation.
type HealthInput struct{}

// HealthOutput is the output for the health operation.
type HealthOutput struct {
	Body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
}

// Health reports liveness.
func (h *SystemHandler) Health(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	resp := &HealthOutput{}
	resp.Body.Status = "ok"
	resp.Body.Version = version.Version
	return resp, nil
}
