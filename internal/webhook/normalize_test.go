package webhook

import (
	"errors"
	"reflect"
	"testing"
)

func TestNormalizeShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want CanonicalUpdate
	}{
		{
			name: "flat fields",
			raw:  `{"document_id":"ext-1","status":"completed","vector_ids":["v1","v2"]}`,
			want: CanonicalUpdate{ExternalRef: "ext-1", Status: "completed", ResultRefs: []string{"v1", "v2"}},
		},
		{
			name: "flat with id synonym",
			raw:  `{"id":"ext-2","status":"failed","error":"parser crashed"}`,
			want: CanonicalUpdate{ExternalRef: "ext-2", Status: "failed", ErrorDetail: "parser crashed"},
		},
		{
			name: "nested under document",
			raw:  `{"document":{"id":"ext-3","status":"completed","chunks":["c1"]}}`,
			want: CanonicalUpdate{ExternalRef: "ext-3", Status: "completed", ResultRefs: []string{"c1"}},
		},
		{
			name: "nested under data",
			raw:  `{"document_id":"ext-4","status":"completed","data":{"segments":["s1","s2"]}}`,
			want: CanonicalUpdate{ExternalRef: "ext-4", Status: "completed", ResultRefs: []string{"s1", "s2"}},
		},
		{
			name: "camelCase refs with extracted text",
			raw:  `{"document_id":"ext-5","status":"completed","vectorIds":["v9"],"extracted_text":"chapter one"}`,
			want: CanonicalUpdate{ExternalRef: "ext-5", Status: "completed", ResultRefs: []string{"v9"}, ExtractedText: "chapter one"},
		},
		{
			name: "status normalized to lower case",
			raw:  `{"document_id":"ext-6","status":" COMPLETED "}`,
			want: CanonicalUpdate{ExternalRef: "ext-6", Status: "completed"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if !reflect.DeepEqual(*got, tc.want) {
				t.Fatalf("got %+v, want %+v", *got, tc.want)
			}
		})
	}
}

func TestNormalizePrecedence(t *testing.T) {
	// Top-level document_id beats id, both beat document.id; top-level refs
	// beat nested ones; vector_ids beats chunks within the same scope.
	raw := `{
		"document_id": "top-ref",
		"id": "other-ref",
		"document": {"id": "nested-ref", "status": "failed", "chunks": ["nested"]},
		"status": "completed",
		"vector_ids": ["top-a"],
		"chunks": ["top-b"]
	}`
	got, err := Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.ExternalRef != "top-ref" {
		t.Fatalf("ref = %q, want top-ref", got.ExternalRef)
	}
	if got.Status != "completed" {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if !reflect.DeepEqual(got.ResultRefs, []string{"top-a"}) {
		t.Fatalf("refs = %v, want [top-a]", got.ResultRefs)
	}
}

func TestNormalizeNestedStatusFallback(t *testing.T) {
	raw := `{"document":{"id":"ext-7","status":"failed","error_message":"oom"}}`
	got, err := Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.Status != "failed" || got.ErrorDetail != "oom" {
		t.Fatalf("got %+v", got)
	}
}

func TestNormalizeMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `"nope`},
		{"json scalar", `42`},
		{"missing status", `{"document_id":"ext-1"}`},
		{"missing ref", `{"status":"completed","vector_ids":["v1"]}`},
		{"empty object", `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Normalize([]byte(tc.raw)); !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("err = %v, want ErrMalformedPayload", err)
			}
		})
	}
}
