// Package model contains simple struct definitions shared across packages.
package model

import (
	"time"
)

// DocumentStatus describes the processing lifecycle of a knowledge document.
type DocumentStatus string

const (
	// StatusProcessing is the initial state: registered, possibly submitted,
	// awaiting a result from the external processing service.
	StatusProcessing DocumentStatus = "processing"
	// StatusIndexed means the external service finished successfully and the
	// document carries its result refs.
	StatusIndexed DocumentStatus = "indexed"
	// StatusFailed means the external service reported a processing failure.
	StatusFailed DocumentStatus = "failed"
)

// Terminal reports whether no further automatic transition may occur.
func (s DocumentStatus) Terminal() bool {
	return s == StatusIndexed || s == StatusFailed
}

// Placement locates a document inside the tenant's school hierarchy. It is
// used for retrieval filtering only and has no bearing on the state machine.
type Placement struct {
	ClassID   string `json:"classId,omitempty"`
	SectionID string `json:"sectionId,omitempty"`
	SubjectID string `json:"subjectId,omitempty"`
}

// Document holds the persisted record of one uploaded knowledge document.
type Document struct {
	ID string `json:"id"`
	// ExternalRef is assigned by the external processing service once it
	// accepts the document; empty until then.
	ExternalRef string `json:"externalRef,omitempty"`
	TenantID    string `json:"tenantId"`
	SchoolID    string `json:"schoolId"`
	Placement

	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
	PageCount   int    `json:"pageCount,omitempty"`

	// ContentHash is the fingerprint of the raw bytes, scoped per tenant for
	// deduplication. StorageKey is where the raw bytes live in object storage.
	ContentHash string `json:"contentHash"`
	StorageKey  string `json:"-"`

	Status        DocumentStatus `json:"status"`
	ResultRefs    []string       `json:"resultRefs,omitempty"`
	ExtractedText string         `json:"extractedText,omitempty"`
	ErrorDetail   string         `json:"errorDetail,omitempty"`

	UploaderID string `json:"uploaderId,omitempty"`
	IsDeleted  bool   `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Transition is the canonical state update applied by both the webhook path
// and the reconciliation sweeper.
type Transition struct {
	Status        DocumentStatus
	ResultRefs    []string
	ExtractedText string
	ErrorDetail   string
}
