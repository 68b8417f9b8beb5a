package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/nivethan-b/scholardocs/internal/cache"
	"github.com/nivethan-b/scholardocs/internal/docstore"
	"github.com/nivethan-b/scholardocs/internal/model"
)

// ErrUnknownReference flags an update for an external ref the store does not
// know. This is an integrity signal (misrouting or a lost registration), not
// routine, so it is surfaced instead of being dropped.
var ErrUnknownReference = errors.New("unknown external reference")

// externalStatus values this service understands. Anything else holds the
// document in processing: the external vocabulary may grow and an unknown
// word must not be read as success or failure.
const (
	externalCompleted = "completed"
	externalFailed    = "failed"
)

// MapStatus translates the external status vocabulary into a state
// transition. ok is false when the status is a hold (no transition).
func MapStatus(status string, refs []string) (model.Transition, bool, error) {
	switch status {
	case externalCompleted:
		if len(refs) == 0 {
			// Completion without result refs would break the indexed
			// invariant; treat the payload as malformed.
			return model.Transition{}, false, fmt.Errorf("%w: completed without result refs", ErrMalformedPayload)
		}
		return model.Transition{Status: model.StatusIndexed, ResultRefs: refs}, true, nil
	case externalFailed:
		return model.Transition{Status: model.StatusFailed}, true, nil
	default:
		return model.Transition{}, false, nil
	}
}

// Outcome reports what one canonical update did.
type Outcome struct {
	DocumentID string               `json:"documentId"`
	Applied    bool                 `json:"applied"`
	Held       bool                 `json:"held"`
	Status     model.DocumentStatus `json:"status"`
}

// Applier is the single state-application path shared by the webhook endpoint
// and the reconciliation sweeper, so whichever delivery arrives first or last
// the document converges to the same state.
type Applier struct {
	store docstore.Store
	cache cache.Invalidator
}

// NewApplier constructs an Applier.
func NewApplier(store docstore.Store, inv cache.Invalidator) *Applier {
	return &Applier{store: store, cache: inv}
}

// Apply resolves the canonical update against the store. Duplicate and
// out-of-order deliveries resolve to successful no-ops; cache invalidation
// fires only when a transition was actually applied.
func (a *Applier) Apply(ctx context.Context, upd *CanonicalUpdate) (*Outcome, error) {
	doc, err := a.store.GetByExternalRef(ctx, upd.ExternalRef)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownReference, upd.ExternalRef)
		}
		return nil, fmt.Errorf("lookup %s: %w", upd.ExternalRef, err)
	}

	tr, ok, err := MapStatus(upd.Status, upd.ResultRefs)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Printf("document %s: holding in %s on external status %q", doc.ID, doc.Status, upd.Status)
		return &Outcome{DocumentID: doc.ID, Held: true, Status: doc.Status}, nil
	}
	tr.ErrorDetail = upd.ErrorDetail
	tr.ExtractedText = upd.ExtractedText

	applied, err := a.store.ApplyTransition(ctx, doc.ID, tr)
	if err != nil {
		return nil, fmt.Errorf("apply transition for %s: %w", doc.ID, err)
	}
	status := doc.Status
	if applied {
		status = tr.Status
		if err := a.cache.Invalidate(ctx, doc.TenantID, doc.SchoolID); err != nil {
			// Stale rollups expire via TTL; the state change itself is safe.
			log.Printf("cache invalidation failed for %s/%s: %v", doc.TenantID, doc.SchoolID, err)
		}
	}
	return &Outcome{DocumentID: doc.ID, Applied: applied, Status: status}, nil
}
