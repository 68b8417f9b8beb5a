// Package reconcile implements the pull-based backstop for lost webhooks: a
// periodic sweep that polls the external service for every document stuck in
// processing and funnels the answer through the same applier as the webhook.
package reconcile

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nivethan-b/scholardocs/internal/docstore"
	"github.com/nivethan-b/scholardocs/internal/processor"
	"github.com/nivethan-b/scholardocs/internal/webhook"
)

// StatusClient polls the external service for one document's state.
type StatusClient interface {
	QueryStatus(ctx context.Context, externalRef, tenantID, schoolID string) (*processor.StatusResult, error)
}

// Counts summarizes one sweep. Per-document failures are counted here rather
// than failing the batch.
type Counts struct {
	Updated         int `json:"updated"`
	StillProcessing int `json:"stillProcessing"`
	Failed          int `json:"failed"`
}

// Sweeper drives the reconciliation pass.
type Sweeper struct {
	store   docstore.Store
	client  StatusClient
	applier *webhook.Applier
	limit   int
}

// NewSweeper constructs a Sweeper. limit bounds the status-poll fan-out.
func NewSweeper(store docstore.Store, client StatusClient, applier *webhook.Applier, limit int) *Sweeper {
	if limit <= 0 {
		limit = 4
	}
	return &Sweeper{store: store, client: client, applier: applier, limit: limit}
}

// Sweep polls every processing document holding an external ref within the
// given scope (empty tenant/school match all) and applies the results. The
// webhook may race any of these polls for the same document; the shared
// idempotent apply path makes the order irrelevant.
func (s *Sweeper) Sweep(ctx context.Context, tenantID, schoolID string) (Counts, error) {
	docs, err := s.store.ListProcessing(ctx, tenantID, schoolID)
	if err != nil {
		return Counts{}, err
	}

	var (
		mu     sync.Mutex
		counts Counts
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			st, err := s.client.QueryStatus(gctx, doc.ExternalRef, doc.TenantID, doc.SchoolID)
			if err != nil {
				log.Printf("sweep: poll %s failed: %v", doc.ExternalRef, err)
				mu.Lock()
				counts.Failed++
				mu.Unlock()
				return nil
			}
			outcome, err := s.applier.Apply(gctx, &webhook.CanonicalUpdate{
				ExternalRef:   doc.ExternalRef,
				Status:        strings.ToLower(strings.TrimSpace(st.Status)),
				ResultRefs:    st.ResultRefs,
				ErrorDetail:   st.ErrorDetail,
				ExtractedText: st.ExtractedText,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && errors.Is(err, webhook.ErrMalformedPayload):
				log.Printf("sweep: unusable status for %s: %v", doc.ExternalRef, err)
				counts.Failed++
			case err != nil:
				log.Printf("sweep: apply for %s failed: %v", doc.ExternalRef, err)
				counts.Failed++
			case outcome.Held:
				counts.StillProcessing++
			default:
				// Applied, or a no-op because the webhook won the race;
				// either way the document is terminal now.
				counts.Updated++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return counts, err
	}
	log.Printf("sweep done (tenant=%q school=%q): updated=%d still=%d failed=%d",
		tenantID, schoolID, counts.Updated, counts.StillProcessing, counts.Failed)
	return counts, nil
}
