package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/nivethan-b/scholardocs/internal/docstore"
	"github.com/nivethan-b/scholardocs/internal/model"
	"github.com/nivethan-b/scholardocs/internal/processor"
)

type fakeObjectStore struct {
	mu   sync.Mutex
	puts map[string][]byte
	err  error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{puts: make(map[string][]byte)}
}

func (f *fakeObjectStore) Put(_ context.Context, key string, reader io.Reader, _ int64, _ string) error {
	if f.err != nil {
		return f.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[key] = data
	return nil
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls int
	ref   string
	err   error
}

func (f *fakeSubmitter) Submit(context.Context, processor.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.ref, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func request(data string) Request {
	return Request{
		TenantID:    "t1",
		SchoolID:    "s1",
		Placement:   model.Placement{ClassID: "c1", SubjectID: "physics"},
		FileName:    "notes.txt",
		ContentType: "text/plain",
		UploaderID:  "teacher-7",
		Data:        []byte(data),
	}
}

func TestIngestSubmitsNewDocument(t *testing.T) {
	store := docstore.NewMemoryStore()
	objects := newFakeObjectStore()
	submitter := &fakeSubmitter{ref: "ext-1"}
	orch := NewOrchestrator(store, objects, submitter, "http://api/webhooks/processing")

	result, err := orch.Ingest(context.Background(), request("chapter one"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Duplicate || !result.Submitted || result.ExternalRef != "ext-1" {
		t.Fatalf("result = %+v", result)
	}
	doc, err := store.Get(context.Background(), result.DocumentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Status != model.StatusProcessing || doc.ExternalRef != "ext-1" || doc.ContentHash == "" {
		t.Fatalf("doc = %+v", doc)
	}
	if len(objects.puts) != 1 {
		t.Fatalf("raw bytes not stored")
	}
	if _, ok := objects.puts[doc.StorageKey]; !ok {
		t.Fatalf("storage key mismatch: %s", doc.StorageKey)
	}
}

func TestIngestDeduplicatesIndexedContent(t *testing.T) {
	store := docstore.NewMemoryStore()
	objects := newFakeObjectStore()
	submitter := &fakeSubmitter{ref: "ext-1"}
	orch := NewOrchestrator(store, objects, submitter, "http://api/webhooks/processing")
	ctx := context.Background()

	first, err := orch.Ingest(ctx, request("same bytes"))
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if _, err := store.ApplyTransition(ctx, first.DocumentID, model.Transition{
		Status: model.StatusIndexed, ResultRefs: []string{"v1"},
	}); err != nil {
		t.Fatalf("index first: %v", err)
	}

	// Same content, different placement: must short-circuit.
	req := request("same bytes")
	req.Placement = model.Placement{ClassID: "c2"}
	second, err := orch.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.Duplicate || second.DocumentID != first.DocumentID {
		t.Fatalf("result = %+v, want duplicate of %s", second, first.DocumentID)
	}
	if submitter.count() != 1 {
		t.Fatalf("external service called %d times, want 1", submitter.count())
	}
	doc, _ := store.Get(ctx, first.DocumentID)
	if doc.ClassID != "c2" {
		t.Fatalf("placement not updated: %+v", doc.Placement)
	}
	if len(objects.puts) != 1 {
		t.Fatalf("duplicate must not re-store bytes")
	}
}

func TestIngestDoesNotDeduplicateAcrossTenants(t *testing.T) {
	store := docstore.NewMemoryStore()
	submitter := &fakeSubmitter{ref: "ext-1"}
	orch := NewOrchestrator(store, newFakeObjectStore(), submitter, "cb")
	ctx := context.Background()

	first, _ := orch.Ingest(ctx, request("shared content"))
	_, _ = store.ApplyTransition(ctx, first.DocumentID, model.Transition{Status: model.StatusIndexed, ResultRefs: []string{"v1"}})

	req := request("shared content")
	req.TenantID = "t2"
	second, err := orch.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("second tenant ingest: %v", err)
	}
	if second.Duplicate {
		t.Fatalf("content hash must be tenant scoped")
	}
}

func TestIngestSubmitFailureLeavesProcessingUnsubmitted(t *testing.T) {
	store := docstore.NewMemoryStore()
	submitter := &fakeSubmitter{err: errors.New("connection refused")}
	orch := NewOrchestrator(store, newFakeObjectStore(), submitter, "cb")

	result, err := orch.Ingest(context.Background(), request("important notes"))
	if err != nil {
		t.Fatalf("submit failure must not fail the ingest: %v", err)
	}
	if result.Submitted || result.ExternalRef != "" {
		t.Fatalf("result = %+v", result)
	}
	doc, _ := store.Get(context.Background(), result.DocumentID)
	if doc.Status != model.StatusProcessing || doc.ExternalRef != "" {
		t.Fatalf("doc = %+v, want processing without external ref", doc)
	}
	stuck, _ := store.ListStuckUnsubmitted(context.Background(), "t1", 0)
	if len(stuck) != 1 {
		t.Fatalf("unsubmitted document must be visible as stuck")
	}
}

func TestIngestValidation(t *testing.T) {
	orch := NewOrchestrator(docstore.NewMemoryStore(), newFakeObjectStore(), &fakeSubmitter{}, "cb")
	cases := []struct {
		name string
		req  Request
	}{
		{"missing tenant", Request{SchoolID: "s1", Data: []byte("x")}},
		{"missing school", Request{TenantID: "t1", Data: []byte("x")}},
		{"empty file", Request{TenantID: "t1", SchoolID: "s1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := orch.Ingest(context.Background(), tc.req); !errors.Is(err, ErrInvalidUpload) {
				t.Fatalf("err = %v, want ErrInvalidUpload", err)
			}
		})
	}
}

func TestIngestRejectsUnreadablePDF(t *testing.T) {
	orch := NewOrchestrator(docstore.NewMemoryStore(), newFakeObjectStore(), &fakeSubmitter{}, "cb")
	req := request("this is not a pdf")
	req.FileName = "broken.pdf"
	req.ContentType = "application/pdf"
	if _, err := orch.Ingest(context.Background(), req); !errors.Is(err, ErrInvalidUpload) {
		t.Fatalf("err = %v, want ErrInvalidUpload", err)
	}
}
