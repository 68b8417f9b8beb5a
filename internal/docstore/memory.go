package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/nivethan-b/scholardocs/internal/model"
)

// MemoryStore is a mutex-guarded map implementation of Store. It mirrors the
// Postgres repository's semantics closely enough that the orchestrator,
// applier and sweeper can be exercised against it in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*model.Document
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*model.Document)}
}

func (m *MemoryStore) Create(_ context.Context, doc *model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if doc.Status == "" {
		doc.Status = model.StatusProcessing
	}
	cp := *doc
	m.docs[doc.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(doc), nil
}

func (m *MemoryStore) GetByExternalRef(_ context.Context, ref string) (*model.Document, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, doc := range m.docs {
		if doc.ExternalRef == ref && !doc.IsDeleted {
			return clone(doc), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) FindDuplicate(_ context.Context, tenantID, contentHash string) (*model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, doc := range m.docs {
		if doc.TenantID == tenantID && doc.ContentHash == contentHash &&
			doc.Status == model.StatusIndexed && !doc.IsDeleted {
			return clone(doc), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) SetExternalRef(_ context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range m.docs {
		if doc.ID != id && doc.ExternalRef == ref && !doc.IsDeleted {
			return ErrDuplicateRef
		}
	}
	doc, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	doc.ExternalRef = ref
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) UpdatePlacement(_ context.Context, id, schoolID string, p model.Placement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	if schoolID != "" {
		doc.SchoolID = schoolID
	}
	doc.Placement = p
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ApplyTransition(_ context.Context, id string, tr model.Transition) (bool, error) {
	if err := ValidateTransition(tr); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return false, ErrNotFound
	}
	if doc.Status.Terminal() {
		// Terminal states are sticky: competing writers resolve to a no-op.
		return false, nil
	}
	doc.Status = tr.Status
	doc.ResultRefs = append([]string(nil), tr.ResultRefs...)
	if tr.ExtractedText != "" {
		doc.ExtractedText = tr.ExtractedText
	}
	doc.ErrorDetail = tr.ErrorDetail
	doc.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) SoftDelete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	doc.IsDeleted = true
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListProcessing(_ context.Context, tenantID, schoolID string) ([]*model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Document
	for _, doc := range m.docs {
		if doc.IsDeleted || doc.Status != model.StatusProcessing || doc.ExternalRef == "" {
			continue
		}
		if tenantID != "" && doc.TenantID != tenantID {
			continue
		}
		if schoolID != "" && doc.SchoolID != schoolID {
			continue
		}
		out = append(out, clone(doc))
	}
	return out, nil
}

func (m *MemoryStore) ListStuckUnsubmitted(_ context.Context, tenantID string, olderThan time.Duration) ([]*model.Document, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Document
	for _, doc := range m.docs {
		if doc.IsDeleted || doc.Status != model.StatusProcessing || doc.ExternalRef != "" {
			continue
		}
		if tenantID != "" && doc.TenantID != tenantID {
			continue
		}
		if doc.CreatedAt.After(cutoff) {
			continue
		}
		out = append(out, clone(doc))
	}
	return out, nil
}

func (m *MemoryStore) ListByScope(_ context.Context, f ScopeFilter) ([]*model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Document
	for _, doc := range m.docs {
		if doc.IsDeleted {
			continue
		}
		if f.TenantID != "" && doc.TenantID != f.TenantID {
			continue
		}
		if f.SchoolID != "" && doc.SchoolID != f.SchoolID {
			continue
		}
		if f.ClassID != "" && doc.ClassID != f.ClassID {
			continue
		}
		if f.SectionID != "" && doc.SectionID != f.SectionID {
			continue
		}
		if f.SubjectID != "" && doc.SubjectID != f.SubjectID {
			continue
		}
		if f.Status != "" && doc.Status != f.Status {
			continue
		}
		out = append(out, clone(doc))
	}
	return out, nil
}

// clone returns a copy so callers cannot mutate internal state.
func clone(doc *model.Document) *model.Document {
	cp := *doc
	cp.ResultRefs = append([]string(nil), doc.ResultRefs...)
	return &cp
}
