// Package repository implements the document store on Postgres. It wraps all
// SQL used throughout the API and worker.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nivethan-b/scholardocs/internal/docstore"
	"github.com/nivethan-b/scholardocs/internal/model"
)

const documentColumns = `id, external_ref, tenant_id, school_id, class_id, section_id, subject_id,
	file_name, content_type, size_bytes, page_count, content_hash, storage_key,
	status, result_refs, extracted_text, error_detail, uploader_id, is_deleted,
	created_at, updated_at`

// DocumentRepository is the pgx-backed docstore.Store.
type DocumentRepository struct {
	pool *pgxpool.Pool
}

var _ docstore.Store = (*DocumentRepository)(nil)

// NewDocumentRepository constructs a repository.
func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{pool: pool}
}

// Create inserts a document; a zero status defaults to processing.
func (r *DocumentRepository) Create(ctx context.Context, doc *model.Document) error {
	now := time.Now().UTC()
	if doc.Status == "" {
		doc.Status = model.StatusProcessing
	}
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.ResultRefs == nil {
		doc.ResultRefs = []string{}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO documents (id, external_ref, tenant_id, school_id, class_id, section_id, subject_id,
			file_name, content_type, size_bytes, page_count, content_hash, storage_key,
			status, result_refs, extracted_text, error_detail, uploader_id, is_deleted, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, doc.ID, doc.ExternalRef, doc.TenantID, doc.SchoolID, doc.ClassID, doc.SectionID, doc.SubjectID,
		doc.FileName, doc.ContentType, doc.SizeBytes, doc.PageCount, doc.ContentHash, doc.StorageKey,
		doc.Status, doc.ResultRefs, doc.ExtractedText, doc.ErrorDetail, doc.UploaderID, doc.IsDeleted,
		doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return docstore.ErrDuplicateRef
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// Get returns a document by id.
func (r *DocumentRepository) Get(ctx context.Context, id string) (*model.Document, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id)
	return scanDocument(row)
}

// GetByExternalRef returns the non-deleted document bound to the ref.
func (r *DocumentRepository) GetByExternalRef(ctx context.Context, ref string) (*model.Document, error) {
	if ref == "" {
		return nil, docstore.ErrNotFound
	}
	row := r.pool.QueryRow(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE external_ref=$1 AND NOT is_deleted
	`, ref)
	return scanDocument(row)
}

// FindDuplicate returns the tenant's oldest non-deleted indexed document with
// the given content hash, or docstore.ErrNotFound.
func (r *DocumentRepository) FindDuplicate(ctx context.Context, tenantID, contentHash string) (*model.Document, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE tenant_id=$1 AND content_hash=$2 AND status=$3 AND NOT is_deleted
		ORDER BY created_at ASC
		LIMIT 1
	`, tenantID, contentHash, model.StatusIndexed)
	return scanDocument(row)
}

// SetExternalRef binds the ref assigned by the external service. The partial
// unique index rejects a ref already bound to another live document.
func (r *DocumentRepository) SetExternalRef(ctx context.Context, id, ref string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE documents SET external_ref=$2, updated_at=$3 WHERE id=$1
	`, id, ref, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return docstore.ErrDuplicateRef
		}
		return fmt.Errorf("set external ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

// UpdatePlacement re-places a document in the hierarchy without reprocessing.
func (r *DocumentRepository) UpdatePlacement(ctx context.Context, id, schoolID string, p model.Placement) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE documents
		SET school_id = CASE WHEN $2 <> '' THEN $2 ELSE school_id END,
			class_id=$3, section_id=$4, subject_id=$5, updated_at=$6
		WHERE id=$1
	`, id, schoolID, p.ClassID, p.SectionID, p.SubjectID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update placement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

// ApplyTransition performs the idempotent terminal transition. The WHERE
// clause restricts the write to documents still in processing, so a document
// that already reached a terminal state is untouched and reported as a no-op.
func (r *DocumentRepository) ApplyTransition(ctx context.Context, id string, tr model.Transition) (bool, error) {
	if err := docstore.ValidateTransition(tr); err != nil {
		return false, err
	}
	refs := tr.ResultRefs
	if refs == nil {
		refs = []string{}
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE documents
		SET status=$2,
			result_refs=$3,
			extracted_text = CASE WHEN $4 <> '' THEN $4 ELSE extracted_text END,
			error_detail=$5,
			updated_at=$6
		WHERE id=$1 AND status=$7 AND NOT is_deleted
	`, id, tr.Status, refs, tr.ExtractedText, tr.ErrorDetail, time.Now().UTC(), model.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("apply transition: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	// Nothing written: either the document is unknown or it is already
	// terminal. Distinguish so unknown ids stay visible as integrity signals.
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// SoftDelete flags the document; it stays out of listings and dedup matches.
func (r *DocumentRepository) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE documents SET is_deleted=TRUE, updated_at=$2 WHERE id=$1
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

// ListProcessing returns the sweep candidates: processing documents that hold
// an external ref. Empty tenant/school match everything.
func (r *DocumentRepository) ListProcessing(ctx context.Context, tenantID, schoolID string) ([]*model.Document, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE status=$1 AND external_ref <> '' AND NOT is_deleted
			AND ($2 = '' OR tenant_id=$2)
			AND ($3 = '' OR school_id=$3)
		ORDER BY created_at ASC
	`, model.StatusProcessing, tenantID, schoolID)
	if err != nil {
		return nil, fmt.Errorf("list processing: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// ListStuckUnsubmitted returns processing documents that never received an
// external ref and are older than the given age.
func (r *DocumentRepository) ListStuckUnsubmitted(ctx context.Context, tenantID string, olderThan time.Duration) ([]*model.Document, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := r.pool.Query(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE status=$1 AND external_ref = '' AND NOT is_deleted
			AND ($2 = '' OR tenant_id=$2)
			AND created_at <= $3
		ORDER BY created_at ASC
	`, model.StatusProcessing, tenantID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stuck: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// ListByScope lists non-deleted documents matching the filter.
func (r *DocumentRepository) ListByScope(ctx context.Context, f docstore.ScopeFilter) ([]*model.Document, error) {
	conds := []string{"NOT is_deleted"}
	args := []any{}
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	add("tenant_id", f.TenantID)
	add("school_id", f.SchoolID)
	add("class_id", f.ClassID)
	add("section_id", f.SectionID)
	add("subject_id", f.SubjectID)
	add("status", string(f.Status))
	query := `SELECT ` + documentColumns + ` FROM documents WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list by scope: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func scanDocument(row pgx.Row) (*model.Document, error) {
	var doc model.Document
	err := row.Scan(&doc.ID, &doc.ExternalRef, &doc.TenantID, &doc.SchoolID,
		&doc.ClassID, &doc.SectionID, &doc.SubjectID,
		&doc.FileName, &doc.ContentType, &doc.SizeBytes, &doc.PageCount,
		&doc.ContentHash, &doc.StorageKey,
		&doc.Status, &doc.ResultRefs, &doc.ExtractedText, &doc.ErrorDetail,
		&doc.UploaderID, &doc.IsDeleted, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, docstore.ErrNotFound
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &doc, nil
}

func scanDocuments(rows pgx.Rows) ([]*model.Document, error) {
	var out []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
