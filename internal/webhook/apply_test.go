package webhook

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/nivethan-b/scholardocs/internal/docstore"
	"github.com/nivethan-b/scholardocs/internal/model"
)

type countingInvalidator struct {
	mu    sync.Mutex
	calls int
}

func (c *countingInvalidator) Invalidate(context.Context, string, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func (c *countingInvalidator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func seedProcessing(t *testing.T, store docstore.Store, id, ref string) {
	t.Helper()
	err := store.Create(context.Background(), &model.Document{
		ID:          id,
		ExternalRef: ref,
		TenantID:    "t1",
		SchoolID:    "s1",
		FileName:    "physics.pdf",
		ContentHash: "hash-" + id,
		StorageKey:  "t1/s1/" + id,
		Status:      model.StatusProcessing,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestApplyCompletedIsIdempotent(t *testing.T) {
	store := docstore.NewMemoryStore()
	inv := &countingInvalidator{}
	applier := NewApplier(store, inv)
	seedProcessing(t, store, "d1", "ext-1")

	upd := &CanonicalUpdate{ExternalRef: "ext-1", Status: "completed", ResultRefs: []string{"v1", "v2"}}

	first, err := applier.Apply(context.Background(), upd)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if !first.Applied || first.Status != model.StatusIndexed {
		t.Fatalf("first outcome = %+v", first)
	}
	if inv.count() != 1 {
		t.Fatalf("invalidations after first apply = %d, want 1", inv.count())
	}

	second, err := applier.Apply(context.Background(), upd)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if second.Applied {
		t.Fatalf("second apply should be a no-op")
	}
	if inv.count() != 1 {
		t.Fatalf("invalidations after duplicate delivery = %d, want 1", inv.count())
	}

	doc, err := store.Get(context.Background(), "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Status != model.StatusIndexed || !reflect.DeepEqual(doc.ResultRefs, []string{"v1", "v2"}) {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestApplyTerminalStatesAreSticky(t *testing.T) {
	store := docstore.NewMemoryStore()
	applier := NewApplier(store, &countingInvalidator{})
	seedProcessing(t, store, "d1", "ext-1")

	failed := &CanonicalUpdate{ExternalRef: "ext-1", Status: "failed", ErrorDetail: "timeout in extractor"}
	if _, err := applier.Apply(context.Background(), failed); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// A late "completed" for the same ref must not flip the document.
	late := &CanonicalUpdate{ExternalRef: "ext-1", Status: "completed", ResultRefs: []string{"v1"}}
	outcome, err := applier.Apply(context.Background(), late)
	if err != nil {
		t.Fatalf("late apply: %v", err)
	}
	if outcome.Applied {
		t.Fatalf("late completed should be a no-op")
	}
	doc, _ := store.Get(context.Background(), "d1")
	if doc.Status != model.StatusFailed || doc.ErrorDetail != "timeout in extractor" {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestApplyUnknownStatusHolds(t *testing.T) {
	store := docstore.NewMemoryStore()
	inv := &countingInvalidator{}
	applier := NewApplier(store, inv)
	seedProcessing(t, store, "d1", "ext-1")

	outcome, err := applier.Apply(context.Background(), &CanonicalUpdate{ExternalRef: "ext-1", Status: "embedding"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !outcome.Held || outcome.Applied {
		t.Fatalf("outcome = %+v, want hold", outcome)
	}
	if inv.count() != 0 {
		t.Fatalf("hold must not invalidate cache")
	}
	doc, _ := store.Get(context.Background(), "d1")
	if doc.Status != model.StatusProcessing {
		t.Fatalf("status = %s, want processing", doc.Status)
	}
}

func TestApplyUnknownReference(t *testing.T) {
	store := docstore.NewMemoryStore()
	applier := NewApplier(store, &countingInvalidator{})

	_, err := applier.Apply(context.Background(), &CanonicalUpdate{ExternalRef: "ghost", Status: "completed", ResultRefs: []string{"v1"}})
	if !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("err = %v, want ErrUnknownReference", err)
	}
}

func TestApplyCompletedWithoutRefsIsMalformed(t *testing.T) {
	store := docstore.NewMemoryStore()
	applier := NewApplier(store, &countingInvalidator{})
	seedProcessing(t, store, "d1", "ext-1")

	_, err := applier.Apply(context.Background(), &CanonicalUpdate{ExternalRef: "ext-1", Status: "completed"})
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", err)
	}
	doc, _ := store.Get(context.Background(), "d1")
	if doc.Status != model.StatusProcessing {
		t.Fatalf("malformed payload must not mutate state")
	}
}

func TestApplyRecordsExtractedText(t *testing.T) {
	store := docstore.NewMemoryStore()
	applier := NewApplier(store, &countingInvalidator{})
	seedProcessing(t, store, "d1", "ext-1")

	upd := &CanonicalUpdate{ExternalRef: "ext-1", Status: "completed", ResultRefs: []string{"v1"}, ExtractedText: "newton's laws"}
	if _, err := applier.Apply(context.Background(), upd); err != nil {
		t.Fatalf("apply: %v", err)
	}
	doc, _ := store.Get(context.Background(), "d1")
	if doc.ExtractedText != "newton's laws" {
		t.Fatalf("extracted text = %q", doc.ExtractedText)
	}
}
