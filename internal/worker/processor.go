package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/nivethan-b/scholardocs/internal/ingest"
	"github.com/nivethan-b/scholardocs/internal/queue"
	"github.com/nivethan-b/scholardocs/internal/reconcile"
)

// StagingStore is the slice of object storage the worker needs to pick up and
// clean out staged uploads.
type StagingStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	orchestrator *ingest.Orchestrator
	sweeper      *reconcile.Sweeper
	staging      StagingStore
}

// NewProcessor constructs a worker processor.
func NewProcessor(orchestrator *ingest.Orchestrator, sweeper *reconcile.Sweeper, staging StagingStore) *Processor {
	return &Processor{orchestrator: orchestrator, sweeper: sweeper, staging: staging}
}

// Handler registers the task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.IngestDocumentTask, p.handleIngest)
	mux.HandleFunc(queue.ReconcileSweepTask, p.handleSweep)
	return mux
}

func (p *Processor) handleIngest(ctx context.Context, task *asynq.Task) error {
	var payload queue.IngestPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode ingest payload: %v: %w", err, asynq.SkipRetry)
	}
	data, err := p.staging.Get(ctx, payload.StagingKey)
	if err != nil {
		return fmt.Errorf("fetch staged upload %s: %w", payload.StagingKey, err)
	}
	result, err := p.orchestrator.Ingest(ctx, ingest.Request{
		TenantID:    payload.TenantID,
		SchoolID:    payload.SchoolID,
		Placement:   payload.Placement,
		FileName:    payload.FileName,
		ContentType: payload.ContentType,
		UploaderID:  payload.UploaderID,
		Data:        data,
	})
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidUpload) {
			// Retrying cannot fix a bad upload.
			return fmt.Errorf("ingest %s: %v: %w", payload.FileName, err, asynq.SkipRetry)
		}
		return fmt.Errorf("ingest %s: %w", payload.FileName, err)
	}
	if err := p.staging.Remove(ctx, payload.StagingKey); err != nil {
		log.Printf("cleanup staging key %s: %v", payload.StagingKey, err)
	}
	log.Printf("ingested %s: document=%s duplicate=%t submitted=%t",
		payload.FileName, result.DocumentID, result.Duplicate, result.Submitted)
	return nil
}

func (p *Processor) handleSweep(ctx context.Context, task *asynq.Task) error {
	var payload queue.SweepPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode sweep payload: %v: %w", err, asynq.SkipRetry)
	}
	counts, err := p.sweeper.Sweep(ctx, payload.TenantID, payload.SchoolID)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	log.Printf("scheduled sweep: updated=%d still=%d failed=%d",
		counts.Updated, counts.StillProcessing, counts.Failed)
	return nil
}
