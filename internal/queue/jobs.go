package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/nivethan-b/scholardocs/internal/model"
)

const (
	// IngestDocumentTask defers heavy ingestion work off the upload request
	// path; the raw bytes wait under a staging key in object storage.
	IngestDocumentTask = "document:ingest"
	// ReconcileSweepTask triggers a reconciliation pass, either from the
	// scheduler or on demand.
	ReconcileSweepTask = "reconcile:sweep"
)

// IngestPayload tells the worker where to find the staged bytes and how to
// register them.
type IngestPayload struct {
	StagingKey  string          `json:"staging_key"`
	TenantID    string          `json:"tenant_id"`
	SchoolID    string          `json:"school_id"`
	Placement   model.Placement `json:"placement"`
	FileName    string          `json:"file_name"`
	ContentType string          `json:"content_type"`
	UploaderID  string          `json:"uploader_id"`
}

// SweepPayload scopes a reconciliation pass; empty fields sweep everything.
type SweepPayload struct {
	TenantID string `json:"tenant_id"`
	SchoolID string `json:"school_id"`
}

// EnqueueIngest enqueues a deferred ingest job.
func EnqueueIngest(ctx context.Context, client *asynq.Client, payload IngestPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal ingest payload: %w", err)
	}
	task := asynq.NewTask(IngestDocumentTask, data)
	info, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(5))
	if err != nil {
		return "", fmt.Errorf("enqueue ingest task: %w", err)
	}
	return info.ID, nil
}

// EnqueueSweep enqueues an on-demand reconciliation sweep.
func EnqueueSweep(ctx context.Context, client *asynq.Client, payload SweepPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal sweep payload: %w", err)
	}
	task := asynq.NewTask(ReconcileSweepTask, data)
	info, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(2))
	if err != nil {
		return "", fmt.Errorf("enqueue sweep task: %w", err)
	}
	return info.ID, nil
}

// NewSweepTask builds the task the scheduler registers for the periodic
// sweep (unscoped: all tenants).
func NewSweepTask() (*asynq.Task, error) {
	data, err := json.Marshal(SweepPayload{})
	if err != nil {
		return nil, fmt.Errorf("marshal sweep payload: %w", err)
	}
	return asynq.NewTask(ReconcileSweepTask, data), nil
}
