// Package docstore defines the document persistence contract. The Postgres
// implementation lives in internal/repository; the in-memory implementation in
// this package backs tests and single-node development.
package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/nivethan-b/scholardocs/internal/model"
)

var (
	// ErrNotFound is returned when no document matches the lookup.
	ErrNotFound = errors.New("document not found")
	// ErrDuplicateRef is returned when an external ref is already bound to a
	// different non-deleted document.
	ErrDuplicateRef = errors.New("external ref already in use")
	// ErrInvalidTransition is returned for transitions that violate the state
	// machine, e.g. indexed without result refs.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ScopeFilter narrows listings to a slice of the tenant hierarchy. Zero-value
// fields are ignored.
type ScopeFilter struct {
	TenantID  string
	SchoolID  string
	ClassID   string
	SectionID string
	SubjectID string
	Status    model.DocumentStatus
}

// Store is the single source of truth for document state. All writes to a
// given document go through whole-document operations; concurrent writers are
// safe because ApplyTransition is idempotent and terminal states are sticky.
type Store interface {
	Create(ctx context.Context, doc *model.Document) error
	Get(ctx context.Context, id string) (*model.Document, error)
	GetByExternalRef(ctx context.Context, ref string) (*model.Document, error)

	// FindDuplicate returns a non-deleted, indexed document owned by the
	// tenant with the given content hash, or ErrNotFound.
	FindDuplicate(ctx context.Context, tenantID, contentHash string) (*model.Document, error)

	// SetExternalRef binds the ref assigned by the external service. Fails
	// with ErrDuplicateRef if another live document already holds it.
	SetExternalRef(ctx context.Context, id, ref string) error

	// UpdatePlacement re-places an existing document in the hierarchy without
	// re-processing it.
	UpdatePlacement(ctx context.Context, id, schoolID string, p model.Placement) error

	// ApplyTransition moves a processing document to a terminal state. It
	// reports whether the transition was actually applied: a document already
	// in a terminal state is left untouched and (false, nil) is returned, so
	// competing writers (webhook vs sweeper, duplicate deliveries) converge
	// without errors or duplicated side effects.
	ApplyTransition(ctx context.Context, id string, tr model.Transition) (bool, error)

	SoftDelete(ctx context.Context, id string) error

	// ListProcessing returns non-deleted processing documents that hold an
	// external ref, i.e. the sweep candidates. Empty tenant/school match all.
	ListProcessing(ctx context.Context, tenantID, schoolID string) ([]*model.Document, error)

	// ListStuckUnsubmitted returns processing documents without an external
	// ref older than the given age. These cannot be polled or webhooked and
	// need operator attention.
	ListStuckUnsubmitted(ctx context.Context, tenantID string, olderThan time.Duration) ([]*model.Document, error)

	ListByScope(ctx context.Context, f ScopeFilter) ([]*model.Document, error)
}

// ValidateTransition enforces the shared state-machine rules before a write.
func ValidateTransition(tr model.Transition) error {
	switch tr.Status {
	case model.StatusIndexed:
		if len(tr.ResultRefs) == 0 {
			return ErrInvalidTransition
		}
	case model.StatusFailed:
	default:
		return ErrInvalidTransition
	}
	return nil
}
