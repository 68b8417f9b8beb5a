// Package ingest registers uploaded knowledge documents: content-addressed
// deduplication, raw-byte storage, record creation and dispatch to the
// external processing service.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/nivethan-b/scholardocs/internal/docstore"
	"github.com/nivethan-b/scholardocs/internal/fingerprint"
	"github.com/nivethan-b/scholardocs/internal/model"
	"github.com/nivethan-b/scholardocs/internal/pdfutil"
	"github.com/nivethan-b/scholardocs/internal/processor"
	"github.com/nivethan-b/scholardocs/internal/s3storage"
)

// ErrInvalidUpload rejects uploads that fail validation before any state is
// created (missing scope, empty file, unreadable PDF).
var ErrInvalidUpload = errors.New("invalid upload")

// ObjectStore is the slice of object storage the orchestrator needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
}

// Submitter dispatches a document to the external processing service.
type Submitter interface {
	Submit(ctx context.Context, req processor.SubmitRequest) (string, error)
}

// Request describes one upload.
type Request struct {
	TenantID    string
	SchoolID    string
	Placement   model.Placement
	FileName    string
	ContentType string
	UploaderID  string
	Data        []byte
}

// Result is the immediate answer to an ingest call. The eventual processing
// outcome arrives later through the webhook or the sweeper.
type Result struct {
	DocumentID  string               `json:"documentId"`
	Duplicate   bool                 `json:"duplicate"`
	ExternalRef string               `json:"externalRef,omitempty"`
	Submitted   bool                 `json:"submitted"`
	Status      model.DocumentStatus `json:"status"`
}

// Resolver finds a prior document that already indexed the same content for
// the tenant. Failed or in-flight documents are not valid dedup targets.
type Resolver struct {
	store docstore.Store
}

// NewResolver constructs a Resolver.
func NewResolver(store docstore.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the matching indexed document or nil.
func (r *Resolver) Resolve(ctx context.Context, tenantID, contentHash string) (*model.Document, error) {
	doc, err := r.store.FindDuplicate(ctx, tenantID, contentHash)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve duplicate: %w", err)
	}
	return doc, nil
}

// Orchestrator is the registration entry point.
type Orchestrator struct {
	store       docstore.Store
	objects     ObjectStore
	resolver    *Resolver
	submitter   Submitter
	callbackURL string
}

// NewOrchestrator constructs an Orchestrator. callbackURL is the public
// address of this service's webhook endpoint, handed to the processing
// service at submit time.
func NewOrchestrator(store docstore.Store, objects ObjectStore, submitter Submitter, callbackURL string) *Orchestrator {
	return &Orchestrator{
		store:       store,
		objects:     objects,
		resolver:    NewResolver(store),
		submitter:   submitter,
		callbackURL: callbackURL,
	}
}

// Ingest registers an upload. Byte-identical content the tenant already
// indexed short-circuits: the existing document is re-placed and returned as
// a duplicate with no new storage write or external submission.
//
// A failed submission is not a processing failure: the document stays in
// processing without an external ref, visible through the stuck listing, and
// is never auto-retried.
func (o *Orchestrator) Ingest(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	hash := fingerprint.Hash(req.Data)
	if match, err := o.resolver.Resolve(ctx, req.TenantID, hash); err != nil {
		return nil, err
	} else if match != nil {
		if err := o.store.UpdatePlacement(ctx, match.ID, req.SchoolID, req.Placement); err != nil {
			return nil, fmt.Errorf("re-place duplicate %s: %w", match.ID, err)
		}
		return &Result{
			DocumentID:  match.ID,
			Duplicate:   true,
			ExternalRef: match.ExternalRef,
			Submitted:   match.ExternalRef != "",
			Status:      match.Status,
		}, nil
	}

	pages := 0
	if isPDF(req) {
		n, err := pdfutil.PageCount(req.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: unreadable pdf: %v", ErrInvalidUpload, err)
		}
		pages = n
	}

	key := s3storage.ObjectKey(req.TenantID, req.SchoolID, req.FileName)
	if err := o.objects.Put(ctx, key, bytes.NewReader(req.Data), int64(len(req.Data)), req.ContentType); err != nil {
		return nil, fmt.Errorf("store raw bytes: %w", err)
	}

	doc := &model.Document{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		SchoolID:    req.SchoolID,
		Placement:   req.Placement,
		FileName:    req.FileName,
		ContentType: req.ContentType,
		SizeBytes:   int64(len(req.Data)),
		PageCount:   pages,
		ContentHash: hash,
		StorageKey:  key,
		Status:      model.StatusProcessing,
		UploaderID:  req.UploaderID,
	}
	if err := o.store.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}

	ref, err := o.submitter.Submit(ctx, processor.SubmitRequest{
		FileName:    req.FileName,
		ContentType: req.ContentType,
		Data:        req.Data,
		TenantID:    req.TenantID,
		SchoolID:    req.SchoolID,
		CallbackURL: o.callbackURL,
	})
	if err != nil {
		log.Printf("submit failed for document %s: %v", doc.ID, err)
		return &Result{DocumentID: doc.ID, Status: doc.Status}, nil
	}
	if ref != "" {
		if err := o.store.SetExternalRef(ctx, doc.ID, ref); err != nil {
			return nil, fmt.Errorf("record external ref for %s: %w", doc.ID, err)
		}
	}
	return &Result{
		DocumentID:  doc.ID,
		ExternalRef: ref,
		Submitted:   true,
		Status:      doc.Status,
	}, nil
}

func validate(req Request) error {
	switch {
	case req.TenantID == "":
		return fmt.Errorf("%w: tenant id required", ErrInvalidUpload)
	case req.SchoolID == "":
		return fmt.Errorf("%w: school id required", ErrInvalidUpload)
	case len(req.Data) == 0:
		return fmt.Errorf("%w: empty file", ErrInvalidUpload)
	}
	return nil
}

func isPDF(req Request) bool {
	return req.ContentType == "application/pdf" ||
		strings.HasSuffix(strings.ToLower(req.FileName), ".pdf")
}
