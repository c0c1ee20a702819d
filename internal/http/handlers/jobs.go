// Package handlers implements the typed API operations of the ghoststream
// frontend.
package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ghoststream/ghoststream/internal/jobs"
)

// JobsHandler exposes the job lifecycle operations.
type JobsHandler struct {
	manager *jobs.Manager
}

// NewJobsHandler creates a jobs handler.
func NewJobsHandler(manager *jobs.Manager) *JobsHandler {
	return &JobsHandler{manager: manager}
}

// Register registers the job routes with the API.
func (h *JobsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "createJob",
		Method:      "POST",
		Path:        "/api/v1/jobs",
		Summary:     "Create job",
		Description: "Submits a transcoding job and returns its queued view",
		Tags:        []string{"Jobs"},
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "listJobs",
		Method:      "GET",
		Path:        "/api/v1/jobs",
		Summary:     "List jobs",
		Description: "Returns all known jobs",
		Tags:        []string{"Jobs"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getJob",
		Method:      "GET",
		Path:        "/api/v1/jobs/{id}",
		Summary:     "Get job",
		Description: "Returns the current job view and refreshes last-access",
		Tags:        []string{"Jobs"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "cancelJob",
		Method:      "POST",
		Path:        "/api/v1/jobs/{id}/cancel",
		Summary:     "Cancel job",
		Description: "Withdraws a queued or processing job",
		Tags:        []string{"Jobs"},
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "deleteJob",
		Method:      "DELETE",
		Path:        "/api/v1/jobs/{id}",
		Summary:     "Delete job",
		Description: "Cancels the job if live, reclaims artifacts, and removes the record",
		Tags:        []string{"Jobs"},
	}, h.Delete)

	huma.Register(api, huma.Operation{
		OperationID: "touchJob",
		Method:      "POST",
		Path:        "/api/v1/jobs/{id}/touch",
		Summary:     "Touch job",
		Description: "Refreshes the job's last-access timestamp",
		Tags:        []string{"Jobs"},
	}, h.Touch)
}

// CreateJobInput is the input for creating a job.
type CreateJobInput struct {
	Body jobs.Request
}

// CreateJobOutput is the output for creating a job.
type CreateJobOutput struct {
	Status int
	Body   jobs.View
}

// Create submits a new job.
func (h *JobsHandler) Create(ctx context.Context, input *CreateJobInput) (*CreateJobOutput, error) {
	view, err := h.manager.Create(input.Body)
	if err != nil {
		if err.Error() == "job queue is full" {
			return nil, huma.Error503ServiceUnavailable("job queue is full")
		}
		return nil, huma.Error400BadRequest("invalid job request", err)
	}
	return &CreateJobOutput{Status: 201, Body: view}, nil
}

// ListJobsInput is the input for listing jobs.
type ListJobsInput struct{}

// ListJobsOutput is the output for listing jobs.
type ListJobsOutput struct {
	Body struct {
		Jobs []jobs.View `json:"jobs"`
	}
}

// List returns all jobs.
func (h *JobsHandler) List(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	resp := &ListJobsOutput{}
	resp.Body.Jobs = h.manager.AllJobs()
	return resp, nil
}

// GetJobInput is the input for getting a job.
type GetJobInput struct {
	ID string `path:"id" doc:"Job ID (ULID)"`
}

// GetJobOutput is the output for getting a job.
type GetJobOutput struct {
	Body jobs.View
}

// Get returns the current view of a job.
func (h *JobsHandler) Get(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
	view, ok := h.manager.Get(input.ID, true)
	if !ok {
		return nil, huma.Error404NotFound(fmt.Sprintf("job %s not found", input.ID))
	}
	return &GetJobOutput{Body: view}, nil
}

// CancelJobInput is the input for cancelling a job.
type CancelJobInput struct {
	ID string `path:"id" doc:"Job ID (ULID)"`
}

// CancelJobOutput is the output for cancelling a job.
type CancelJobOutput struct {
	Body jobs.View
}

// Cancel withdraws a job.
func (h *JobsHandler) Cancel(ctx context.Context, input *CancelJobInput) (*CancelJobOutput, error) {
	err := h.manager.Cancel(input.ID)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return nil, huma.Error404NotFound(fmt.Sprintf("job %s not found", input.ID))
	case errors.Is(err, jobs.ErrNotCancellable):
		return nil, huma.Error400BadRequest("job is already terminal")
	case err != nil:
		return nil, huma.Error500InternalServerError("cancelling job", err)
	}

	view, _ := h.manager.Get(input.ID, false)
	return &CancelJobOutput{Body: view}, nil
}

// DeleteJobInput is the input for deleting a job.
type DeleteJobInput struct {
	ID string `path:"id" doc:"Job ID (ULID)"`
}

// DeleteJobOutput is the output for deleting a job.
type DeleteJobOutput struct {
	Body struct {
		Deleted bool `json:"deleted"`
	}
}

// Delete removes a job and its artifacts.
func (h *JobsHandler) Delete(ctx context.Context, input *DeleteJobInput) (*DeleteJobOutput, error) {
	if err := h.manager.Delete(input.ID); err != nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("job %s not found", input.ID))
	}
	resp := &DeleteJobOutput{}
	resp.Body.Deleted = true
	return resp, nil
}

// TouchJobInput is the input for touching a job.
type TouchJobInput struct {
	ID string `path:"id" doc:"Job ID (ULID)"`
}

// TouchJobOutput is the output for touching a job.
type TouchJobOutput struct {
	Body struct {
		Touched bool `json:"touched"`
	}
}

// Touch refreshes last-access for a job.
func (h *JobsHandler) Touch(ctx context.Context, input *TouchJobInput) (*TouchJobOutput, error) {
	if _, ok := h.manager.Get(input.ID, false); !ok {
		return nil, huma.Error404NotFound(fmt.Sprintf("job %s not found", input.ID))
	}
	h.manager.Touch(input.ID)
	resp := &TouchJobOutput{}
	resp.Body.Touched = true
	return resp, nil
}
