// Package processor talks to the external AI processing service. The service
// is opaque: this client only submits documents and polls status; results
// normally arrive through the webhook.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SubmitRequest carries one document to the processing service together with
// the address the service should call back on completion.
type SubmitRequest struct {
	FileName    string
	ContentType string
	Data        []byte
	TenantID    string
	SchoolID    string
	CallbackURL string
}

// StatusResult is the polled view of a document's processing state. Status
// uses the external vocabulary; mapping to internal states happens in the
// webhook applier so both update paths share one translation.
type StatusResult struct {
	Status        string
	ResultRefs    []string
	ErrorDetail   string
	ExtractedText string
}

// Client is the HTTP client for the processing service. Both calls carry
// bounded timeouts; a timed-out submit leaves the document unsubmitted rather
// than failed.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client against the service base URL.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Submit hands the raw bytes to the service. When the accept response carries
// a document id it is returned as the external ref; an empty ref with a nil
// error means the service accepted the request without confirming an id yet.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", req.FileName)
	if err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(req.Data); err != nil {
		return "", fmt.Errorf("write multipart: %w", err)
	}
	fields := map[string]string{
		"tenant_id":    req.TenantID,
		"school_id":    req.SchoolID,
		"callback_url": req.CallbackURL,
		"content_type": req.ContentType,
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return "", fmt.Errorf("write field %s: %w", name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/documents", &body)
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("submit document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("submit document: unexpected status %d", resp.StatusCode)
	}
	var accepted struct {
		DocumentID string `json:"document_id"`
		ID         string `json:"id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&accepted); err != nil {
		// Acceptance without a parseable body still counts as submitted;
		// the ref will have to arrive via webhook or manual reconciliation.
		return "", nil
	}
	if accepted.DocumentID != "" {
		return accepted.DocumentID, nil
	}
	return accepted.ID, nil
}

// QueryStatus polls the service's status endpoint for one external ref.
func (c *Client) QueryStatus(ctx context.Context, externalRef, tenantID, schoolID string) (*StatusResult, error) {
	q := url.Values{}
	q.Set("tenant_id", tenantID)
	q.Set("school_id", schoolID)
	endpoint := fmt.Sprintf("%s/v1/documents/%s/status?%s", c.baseURL, url.PathEscape(externalRef), q.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("query status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("query status: unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Status        string   `json:"status"`
		VectorIDs     []string `json:"vector_ids"`
		Chunks        []string `json:"chunks"`
		Error         string   `json:"error"`
		ErrorMessage  string   `json:"error_message"`
		ExtractedText string   `json:"extracted_text"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	refs := body.VectorIDs
	if len(refs) == 0 {
		refs = body.Chunks
	}
	detail := body.Error
	if detail == "" {
		detail = body.ErrorMessage
	}
	return &StatusResult{
		Status:        body.Status,
		ResultRefs:    refs,
		ErrorDetail:   detail,
		ExtractedText: body.ExtractedText,
	}, nil
}
