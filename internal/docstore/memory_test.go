package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nivethan-b/scholardocs/internal/model"
)

func newDoc(id, tenant, hash string, status model.DocumentStatus) *model.Document {
	return &model.Document{
		ID:          id,
		TenantID:    tenant,
		SchoolID:    "s1",
		FileName:    id + ".pdf",
		ContentHash: hash,
		StorageKey:  tenant + "/s1/" + id,
		Status:      status,
	}
}

func TestFindDuplicateOnlyMatchesIndexed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_ = store.Create(ctx, newDoc("processing", "t1", "h1", model.StatusProcessing))
	_ = store.Create(ctx, newDoc("failed", "t1", "h1", model.StatusFailed))
	if _, err := store.FindDuplicate(ctx, "t1", "h1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("in-flight and failed documents must not be dedup targets, got %v", err)
	}

	indexed := newDoc("indexed", "t1", "h1", model.StatusIndexed)
	indexed.ResultRefs = []string{"v1"}
	_ = store.Create(ctx, indexed)
	match, err := store.FindDuplicate(ctx, "t1", "h1")
	if err != nil {
		t.Fatalf("find duplicate: %v", err)
	}
	if match.ID != "indexed" {
		t.Fatalf("match = %s", match.ID)
	}
}

func TestFindDuplicateIsTenantScoped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	doc := newDoc("d1", "t1", "shared-hash", model.StatusIndexed)
	doc.ResultRefs = []string{"v1"}
	_ = store.Create(ctx, doc)

	if _, err := store.FindDuplicate(ctx, "t2", "shared-hash"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("identical content under another tenant must not match, got %v", err)
	}
}

func TestSoftDeleteExcludesFromDedupAndListings(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	doc := newDoc("d1", "t1", "h1", model.StatusIndexed)
	doc.ResultRefs = []string{"v1"}
	_ = store.Create(ctx, doc)

	if err := store.SoftDelete(ctx, "d1"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := store.FindDuplicate(ctx, "t1", "h1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted document must not be a dedup target")
	}
	docs, err := store.ListByScope(ctx, ScopeFilter{TenantID: "t1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("deleted document leaked into listing")
	}
	// The record itself survives for operators.
	if _, err := store.Get(ctx, "d1"); err != nil {
		t.Fatalf("soft-deleted document should still be fetchable: %v", err)
	}
}

func TestApplyTransitionValidation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Create(ctx, newDoc("d1", "t1", "h1", model.StatusProcessing))

	if _, err := store.ApplyTransition(ctx, "d1", model.Transition{Status: model.StatusIndexed}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("indexed without refs must be invalid, got %v", err)
	}
	if _, err := store.ApplyTransition(ctx, "d1", model.Transition{Status: model.StatusProcessing}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("processing is not a transition target, got %v", err)
	}
	if _, err := store.ApplyTransition(ctx, "ghost", model.Transition{Status: model.StatusFailed}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id, got %v", err)
	}
}

func TestApplyTransitionTerminalNoOp(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Create(ctx, newDoc("d1", "t1", "h1", model.StatusProcessing))

	applied, err := store.ApplyTransition(ctx, "d1", model.Transition{Status: model.StatusIndexed, ResultRefs: []string{"v1"}})
	if err != nil || !applied {
		t.Fatalf("first transition: applied=%t err=%v", applied, err)
	}
	applied, err = store.ApplyTransition(ctx, "d1", model.Transition{Status: model.StatusFailed, ErrorDetail: "late failure"})
	if err != nil {
		t.Fatalf("terminal re-apply must not error: %v", err)
	}
	if applied {
		t.Fatalf("terminal state must be sticky")
	}
	doc, _ := store.Get(ctx, "d1")
	if doc.Status != model.StatusIndexed || doc.ErrorDetail != "" {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestSetExternalRefUniqueness(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Create(ctx, newDoc("d1", "t1", "h1", model.StatusProcessing))
	_ = store.Create(ctx, newDoc("d2", "t1", "h2", model.StatusProcessing))

	if err := store.SetExternalRef(ctx, "d1", "ext-1"); err != nil {
		t.Fatalf("set ref: %v", err)
	}
	if err := store.SetExternalRef(ctx, "d2", "ext-1"); !errors.Is(err, ErrDuplicateRef) {
		t.Fatalf("duplicate ref, got %v", err)
	}
}

func TestListProcessingAndStuck(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	submitted := newDoc("submitted", "t1", "h1", model.StatusProcessing)
	submitted.ExternalRef = "ext-1"
	_ = store.Create(ctx, submitted)
	_ = store.Create(ctx, newDoc("unsubmitted", "t1", "h2", model.StatusProcessing))
	other := newDoc("other-tenant", "t2", "h3", model.StatusProcessing)
	other.ExternalRef = "ext-2"
	_ = store.Create(ctx, other)

	sweepable, err := store.ListProcessing(ctx, "t1", "")
	if err != nil {
		t.Fatalf("list processing: %v", err)
	}
	if len(sweepable) != 1 || sweepable[0].ID != "submitted" {
		t.Fatalf("sweepable = %+v", sweepable)
	}

	all, _ := store.ListProcessing(ctx, "", "")
	if len(all) != 2 {
		t.Fatalf("unscoped sweep candidates = %d, want 2", len(all))
	}

	stuck, err := store.ListStuckUnsubmitted(ctx, "t1", 0*time.Second)
	if err != nil {
		t.Fatalf("list stuck: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "unsubmitted" {
		t.Fatalf("stuck = %+v", stuck)
	}
}
