package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ghoststream/ghoststream/internal/storage"
)

// HistoryHandler exposes the terminal-job history store. Registered only
// when history is enabled.
type HistoryHandler struct {
	history *storage.History
}

// NewHistoryHandler creates a history handler.
func NewHistoryHandler(history *storage.History) *HistoryHandler {
	return &HistoryHandler{history: history}
}

// Register registers the history routes with the API.
func (h *HistoryHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getJobHistory",
		Method:      "GET",
		Path:        "/api/v1/history",
		Summary:     "Get job history",
		Description: "Returns recently completed jobs, newest first",
		Tags:        []string{"History"},
	}, h.Recent)
}

// HistoryInput is the input for the history operation.
type HistoryInput struct {
	Limit int `query:"limit" default:"50" minimum:"1" maximum:"500" doc:"Maximum records to return"`
}

// HistoryOutput is the output for the history operation.
type HistoryOutput struct {
	Body struct {
		Records []storage.JobRecord `json:"records"`
		Counts  map[string]int64    `json:"counts"`
	}
}

// Recent returns recent terminal jobs and per-state counts.
func (h *HistoryHandler) Recent(ctx context.Context, input *HistoryInput) (*HistoryOutput, error) {
	records, err := h.history.Recent(input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("reading job history", err)
	}
	counts, err := h.history.CountByState()
	if err != nil {
		return nil, huma.Error500InternalServerError("reading job history", err)
	}

	resp := &HistoryOutput{}
	resp.Body.Records = records
	resp.Body.Counts = counts
	return resp, nil
}
