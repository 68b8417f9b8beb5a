// Package api exposes the HTTP surface: document upload, the inbound
// processing webhook, reconciliation triggers and document visibility.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nivethan-b/scholardocs/internal/cache"
	"github.com/nivethan-b/scholardocs/internal/config"
	"github.com/nivethan-b/scholardocs/internal/docstore"
	"github.com/nivethan-b/scholardocs/internal/ingest"
	"github.com/nivethan-b/scholardocs/internal/model"
	"github.com/nivethan-b/scholardocs/internal/queue"
	"github.com/nivethan-b/scholardocs/internal/reconcile"
	"github.com/nivethan-b/scholardocs/internal/s3storage"
	"github.com/nivethan-b/scholardocs/internal/signing"
	"github.com/nivethan-b/scholardocs/internal/webhook"
)

// ObjectStore is the slice of object storage the API needs: staging writes
// for deferred ingestion and reads for signed source downloads.
type ObjectStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// RollupCache serves precomputed dashboard rollups. Entries are cleared by
// the webhook applier's invalidator whenever a document in the scope reaches
// a terminal state, so a nil or missing entry just means recompute.
type RollupCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Server exposes HTTP endpoints.
type Server struct {
	cfg          *config.Config
	store        docstore.Store
	objects      ObjectStore
	orchestrator *ingest.Orchestrator
	applier      *webhook.Applier
	sweeper      *reconcile.Sweeper
	queue        *asynq.Client
	signer       *signing.Signer
	rollups      RollupCache
	server       *http.Server
	once         sync.Once
}

// New constructs a Server. queueClient may be nil when deferred ingestion is
// disabled; rollups may be nil to always compute summaries fresh.
func New(cfg *config.Config, store docstore.Store, objects ObjectStore,
	orchestrator *ingest.Orchestrator, applier *webhook.Applier,
	sweeper *reconcile.Sweeper, queueClient *asynq.Client, signer *signing.Signer,
	rollups RollupCache) *Server {
	return &Server{
		cfg:          cfg,
		store:        store,
		objects:      objects,
		orchestrator: orchestrator,
		applier:      applier,
		sweeper:      sweeper,
		queue:        queueClient,
		signer:       signer,
		rollups:      rollups,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/documents", s.handleDocuments)
	mux.HandleFunc("/documents/", s.handleDocumentRoute)
	mux.HandleFunc("/webhooks/processing", s.handleWebhook)
	mux.HandleFunc("/reconcile/sweep", s.handleSweep)
	return corsMiddleware(loggingMiddleware(mux))
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Handler(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDocumentRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/documents/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	if parts[0] == "stuck" {
		s.handleStuck(w, r)
		return
	}
	if parts[0] == "summary" {
		s.handleSummary(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleDocument(w, r, id)
		return
	}
	switch parts[1] {
	case "source-url":
		s.handleSourceURL(w, r, id)
	case "source":
		s.handleSource(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		doc, err := s.store.Get(r.Context(), id)
		if err != nil || doc.IsDeleted {
			http.Error(w, "document not found", http.StatusNotFound)
			return
		}
		respondJSON(w, http.StatusOK, doc)
	case http.MethodDelete:
		if err := s.store.SoftDelete(r.Context(), id); err != nil {
			http.Error(w, "document not found", http.StatusNotFound)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"id": id, "deleted": "true"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := docstore.ScopeFilter{
		TenantID:  q.Get("tenant_id"),
		SchoolID:  q.Get("school_id"),
		ClassID:   q.Get("class_id"),
		SectionID: q.Get("section_id"),
		SubjectID: q.Get("subject_id"),
		Status:    model.DocumentStatus(q.Get("status")),
	}
	if filter.TenantID == "" {
		http.Error(w, "tenant_id required", http.StatusBadRequest)
		return
	}
	docs, err := s.store.ListByScope(r.Context(), filter)
	if err != nil {
		http.Error(w, "failed to list documents", http.StatusInternalServerError)
		return
	}
	if docs == nil {
		docs = []*model.Document{}
	}
	respondJSON(w, http.StatusOK, docs)
}

func (s *Server) handleStuck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	docs, err := s.store.ListStuckUnsubmitted(r.Context(), r.URL.Query().Get("tenant_id"), s.cfg.StuckAge)
	if err != nil {
		http.Error(w, "failed to list stuck documents", http.StatusInternalServerError)
		return
	}
	if docs == nil {
		docs = []*model.Document{}
	}
	respondJSON(w, http.StatusOK, docs)
}

// handleSummary serves the dashboard rollup for a tenant/school scope. The
// rollup is cached until the TTL expires or a document in the scope reaches a
// terminal state, whichever comes first.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	tenantID, schoolID := q.Get("tenant_id"), q.Get("school_id")
	if tenantID == "" {
		http.Error(w, "tenant_id required", http.StatusBadRequest)
		return
	}
	key := cache.Key("rollup", tenantID, schoolID, "status-counts")
	if s.rollups != nil {
		if buf, err := s.rollups.Get(r.Context(), key); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(buf)
			return
		}
	}
	docs, err := s.store.ListByScope(r.Context(), docstore.ScopeFilter{TenantID: tenantID, SchoolID: schoolID})
	if err != nil {
		http.Error(w, "failed to build summary", http.StatusInternalServerError)
		return
	}
	summary := struct {
		Total      int `json:"total"`
		Processing int `json:"processing"`
		Indexed    int `json:"indexed"`
		Failed     int `json:"failed"`
		ChunkCount int `json:"chunkCount"`
	}{}
	for _, doc := range docs {
		summary.Total++
		switch doc.Status {
		case model.StatusProcessing:
			summary.Processing++
		case model.StatusIndexed:
			summary.Indexed++
			summary.ChunkCount += len(doc.ResultRefs)
		case model.StatusFailed:
			summary.Failed++
		}
	}
	buf, err := json.Marshal(summary)
	if err != nil {
		http.Error(w, "failed to build summary", http.StatusInternalServerError)
		return
	}
	if s.rollups != nil {
		if err := s.rollups.Set(r.Context(), key, buf); err != nil {
			log.Printf("cache summary for %s/%s: %v", tenantID, schoolID, err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file field required", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read file", http.StatusBadRequest)
		return
	}

	tenantID := r.FormValue("tenant_id")
	schoolID := r.FormValue("school_id")
	placement := model.Placement{
		ClassID:   r.FormValue("class_id"),
		SectionID: r.FormValue("section_id"),
		SubjectID: r.FormValue("subject_id"),
	}
	contentType := header.Header.Get("Content-Type")
	uploaderID := r.FormValue("uploader_id")

	if r.URL.Query().Get("deferred") == "1" && s.queue != nil {
		s.handleDeferredUpload(w, r, data, tenantID, schoolID, placement, header.Filename, contentType, uploaderID)
		return
	}

	result, err := s.orchestrator.Ingest(ctx, ingest.Request{
		TenantID:    tenantID,
		SchoolID:    schoolID,
		Placement:   placement,
		FileName:    header.Filename,
		ContentType: contentType,
		UploaderID:  uploaderID,
		Data:        data,
	})
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidUpload) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("ingest failed: %v", err)
		http.Error(w, "failed to ingest document", http.StatusInternalServerError)
		return
	}
	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, result)
}

func (s *Server) handleDeferredUpload(w http.ResponseWriter, r *http.Request, data []byte,
	tenantID, schoolID string, placement model.Placement, fileName, contentType, uploaderID string) {
	if tenantID == "" || schoolID == "" || len(data) == 0 {
		http.Error(w, "tenant_id, school_id and a non-empty file are required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	stagingKey := s3storage.StagingKey(tenantID, fileName)
	if err := s.objects.Put(ctx, stagingKey, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		log.Printf("stage upload failed: %v", err)
		http.Error(w, "failed to stage file", http.StatusInternalServerError)
		return
	}
	jobID, err := queue.EnqueueIngest(ctx, s.queue, queue.IngestPayload{
		StagingKey:  stagingKey,
		TenantID:    tenantID,
		SchoolID:    schoolID,
		Placement:   placement,
		FileName:    fileName,
		ContentType: contentType,
		UploaderID:  uploaderID,
	})
	if err != nil {
		log.Printf("enqueue ingest failed: %v", err)
		http.Error(w, "failed to queue ingest job", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID, "status": "queued"})
}

// handleWebhook receives push notifications from the external processing
// service: 200 on applied or idempotent no-op, 400 on unparseable payloads,
// 404 when the external ref is unknown.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	upd, err := webhook.Normalize(raw)
	if err != nil {
		// Keep the raw payload in the log for forensic replay.
		log.Printf("rejected processing webhook: %v payload=%s", err, raw)
		http.Error(w, "unrecognized payload", http.StatusBadRequest)
		return
	}
	outcome, err := s.applier.Apply(r.Context(), upd)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrUnknownReference):
			log.Printf("webhook for unknown ref %s", upd.ExternalRef)
			http.Error(w, "unknown external reference", http.StatusNotFound)
		case errors.Is(err, webhook.ErrMalformedPayload):
			log.Printf("rejected processing webhook: %v payload=%s", err, raw)
			http.Error(w, "unrecognized payload", http.StatusBadRequest)
		default:
			log.Printf("webhook apply failed: %v", err)
			http.Error(w, "failed to apply update", http.StatusInternalServerError)
		}
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

// handleSweep triggers a reconciliation pass. With ?mode=enqueue the sweep is
// handed to the worker; otherwise it runs inline and returns the counts.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	tenantID, schoolID := q.Get("tenant_id"), q.Get("school_id")
	if q.Get("mode") == "enqueue" && s.queue != nil {
		jobID, err := queue.EnqueueSweep(r.Context(), s.queue, queue.SweepPayload{TenantID: tenantID, SchoolID: schoolID})
		if err != nil {
			log.Printf("enqueue sweep failed: %v", err)
			http.Error(w, "failed to queue sweep", http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
		return
	}
	counts, err := s.sweeper.Sweep(r.Context(), tenantID, schoolID)
	if err != nil {
		log.Printf("sweep failed: %v", err)
		http.Error(w, "sweep failed", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, counts)
}

func (s *Server) handleSourceURL(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doc, err := s.store.Get(r.Context(), id)
	if err != nil || doc.IsDeleted || doc.StorageKey == "" {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	expires := time.Now().Add(s.cfg.SignedURLTTL).Unix()
	sig := s.signer.Sign(doc.ID, expires)
	url := fmt.Sprintf("%s/documents/%s/source?expires=%d&sig=%s", s.cfg.PublicBaseURL, doc.ID, expires, sig)
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	expires, sig := q.Get("expires"), q.Get("sig")
	if !s.signer.Validate(id, expires, sig) || expired(expires) {
		http.Error(w, "invalid or expired link", http.StatusForbidden)
		return
	}
	doc, err := s.store.Get(r.Context(), id)
	if err != nil || doc.IsDeleted || doc.StorageKey == "" {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	data, err := s.objects.Get(r.Context(), doc.StorageKey)
	if err != nil {
		log.Printf("fetch source for %s: %v", id, err)
		http.Error(w, "failed to fetch source", http.StatusInternalServerError)
		return
	}
	if doc.ContentType != "" {
		w.Header().Set("Content-Type", doc.ContentType)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.FileName))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func expired(expires string) bool {
	unix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return true
	}
	return time.Now().Unix() > unix
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
