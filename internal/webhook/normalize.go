// Package webhook normalizes processing notifications and applies them to the
// document store. The external service has emitted several payload shapes
// over its lifetime (flat fields, nested under "document", nested under
// "data", plus field-name synonyms for the result-reference list); everything
// is reduced to one canonical update before any state is touched.
package webhook

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrMalformedPayload rejects payloads that cannot yield both an external ref
// and a status. A partial payload must never cause an inference of success or
// failure.
var ErrMalformedPayload = errors.New("malformed processing payload")

// CanonicalUpdate is the normalized form of any notification shape. Status
// keeps the external vocabulary; mapping to internal states happens at apply
// time.
type CanonicalUpdate struct {
	ExternalRef   string
	Status        string
	ResultRefs    []string
	ErrorDetail   string
	ExtractedText string
}

// resultRefSynonyms in check order; the first non-empty list wins.
var resultRefSynonyms = []string{"vector_ids", "vectorIds", "chunks", "segments"}

// Normalize reduces a raw JSON payload to a CanonicalUpdate using a fixed
// precedence so the outcome is deterministic for payloads that mix shapes:
//
//  1. ref: top-level "document_id", then "id", then "document.id"
//  2. result refs: vector_ids, vectorIds, chunks, segments — each checked at
//     the top level first, then under "document", then under "data"
//  3. status: top level, then under "document"
func Normalize(raw []byte) (*CanonicalUpdate, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		return nil, ErrMalformedPayload
	}
	doc := asObject(payload["document"])
	data := asObject(payload["data"])

	ref := stringField(payload, "document_id", "id")
	if ref == "" && doc != nil {
		ref = stringField(doc, "id")
	}

	var refs []string
	for _, scope := range []map[string]any{payload, doc, data} {
		if scope == nil {
			continue
		}
		for _, key := range resultRefSynonyms {
			if list := stringList(scope[key]); len(list) > 0 {
				refs = list
				break
			}
		}
		if len(refs) > 0 {
			break
		}
	}

	status := stringField(payload, "status")
	if status == "" && doc != nil {
		status = stringField(doc, "status")
	}
	status = strings.ToLower(strings.TrimSpace(status))

	if ref == "" || status == "" {
		return nil, ErrMalformedPayload
	}

	return &CanonicalUpdate{
		ExternalRef:   ref,
		Status:        status,
		ResultRefs:    refs,
		ErrorDetail:   scopedField([]map[string]any{payload, doc, data}, "error", "error_message", "message"),
		ExtractedText: scopedField([]map[string]any{payload, doc, data}, "extracted_text", "extractedText", "text"),
	}, nil
}

func asObject(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// stringField returns the first non-empty string among the given keys.
func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// scopedField checks each key across scopes, scope-major like the ref list.
func scopedField(scopes []map[string]any, keys ...string) string {
	for _, scope := range scopes {
		if scope == nil {
			continue
		}
		if s := stringField(scope, keys...); s != "" {
			return s
		}
	}
	return ""
}

// stringList accepts a JSON array of strings, dropping non-string members.
func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
