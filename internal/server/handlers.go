package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/zombor/invoice-reconciler/internal/capture"
	"github.com/zombor/invoice-reconciler/internal/compliance"
	"github.com/zombor/invoice-reconciler/internal/invoice"
	"github.com/zombor/invoice-reconciler/internal/ledger"
	"github.com/zombor/invoice-reconciler/internal/reconcile"
)

// maxFormSize bounds uploads; high-resolution phone photos run large
const maxFormSize = int64(50 << 20)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// corsError writes a plain error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes {"error": message} with CORS headers set
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	writeJSON(w, code, map[string]string{"error": message})
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// uploadResponse acknowledges a capture. The payload is not echoed back.
type uploadResponse struct {
	ID        string `json:"id"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	NearLimit bool   `json:"near_limit"`
}

// handleUploadInvoice queues a captured invoice image for sync
func (s *Server) handleUploadInvoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		if err.Error() == "http: request body too large" {
			errorMsg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}
	defer f.Close()

	if header.Size > maxFormSize {
		jsonError(w, "File is too large. Maximum size is 50MB. Please compress or resize your image.", http.StatusBadRequest)
		return
	}

	capturedAt := time.Now()
	if v := r.FormValue("captured_at"); v != "" {
		capturedAt, err = time.Parse(time.RFC3339, v)
		if err != nil {
			jsonError(w, "captured_at must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	result, err := s.queue.Enqueue(r.Context(), capture.Document{
		ID:      r.FormValue("id"),
		Payload: data,
		Metadata: capture.Metadata{
			OwnerID:     s.ownerID,
			CapturedAt:  capturedAt,
			ContentType: contentTypeOf(header.Header.Get("Content-Type"), header.Filename),
			Filename:    header.Filename,
		},
	})
	switch {
	case errors.Is(err, capture.ErrQueueFull):
		jsonError(w, "The capture queue is full. Sync or discard captures before adding more.", http.StatusInsufficientStorage)
		return
	case errors.Is(err, capture.ErrDuplicate):
		jsonError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		slog.Error("Error queueing capture", "filename", header.Filename, "error", err)
		jsonError(w, "Error queueing capture", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, uploadResponse{
		ID:        result.Document.ID,
		Size:      result.Size,
		Capacity:  capture.Capacity,
		NearLimit: result.NearLimit,
	})
}

// contentTypeOf prefers the part header and falls back to the extension
func contentTypeOf(header, filename string) string {
	contentType := header
	if contentType == "" {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".jpg", ".jpeg":
			contentType = "image/jpeg"
		case ".png":
			contentType = "image/png"
		case ".pdf":
			contentType = "application/pdf"
		case ".heic":
			contentType = "image/heic"
		case ".heif":
			contentType = "image/heif"
		default:
			contentType = "application/octet-stream"
		}
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// handleManualInvoice reconciles a manually entered invoice
func (s *Server) handleManualInvoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentID string              `json:"document_id"`
		Invoice    *invoice.Extraction `json:"invoice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Invoice == nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	outcome, err := s.reconciler.ProcessManual(r.Context(), req.DocumentID, s.ownerID, req.Invoice)
	if err != nil {
		s.reconcileError(w, req.DocumentID, err)
		return
	}
	writeJSON(w, http.StatusCreated, outcome)
}

// maxBatchSize bounds one batch import
const maxBatchSize = 100

type batchDocument struct {
	DocumentID string              `json:"document_id"`
	Extraction *invoice.Extraction `json:"extraction"`
}

type batchResult struct {
	DocumentID string `json:"document_id"`
	*reconcile.Outcome
	Error string `json:"error,omitempty"`
}

// handleBatchInvoices reconciles extractions produced outside the capture
// flow, such as a bulk OCR run. Documents are independent; each reports
// its own outcome or error.
func (s *Server) handleBatchInvoices(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Documents []batchDocument `json:"documents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Documents) == 0 {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Documents) > maxBatchSize {
		jsonError(w, fmt.Sprintf("A batch holds at most %d documents", maxBatchSize), http.StatusRequestEntityTooLarge)
		return
	}

	inputs := make([]reconcile.ProcessInput, len(req.Documents))
	for i, d := range req.Documents {
		if d.Extraction == nil {
			jsonError(w, fmt.Sprintf("documents[%d] has no extraction", i), http.StatusBadRequest)
			return
		}
		inputs[i] = reconcile.ProcessInput{DocumentID: d.DocumentID, OwnerID: s.ownerID, Extraction: d.Extraction}
	}

	processed := s.reconciler.ProcessBatch(r.Context(), inputs)
	results := make([]batchResult, len(processed))
	failed := 0
	for i, p := range processed {
		results[i] = batchResult{DocumentID: p.DocumentID, Outcome: p.Outcome}
		if p.Err != nil {
			failed++
			results[i].Error = p.Err.Error()
			slog.Warn("Batch document not reconciled", "document_id", p.DocumentID, "error", p.Err)
		}
	}

	code := http.StatusOK
	if failed > 0 {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, map[string]interface{}{
		"results": results,
		"failed":  failed,
	})
}

// handleListInvoices returns the owner's invoices, newest first. The
// status query parameter keeps only invoices with that verdict.
func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	status := compliance.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		jsonError(w, fmt.Sprintf("unknown status %q", status), http.StatusBadRequest)
		return
	}

	invoices, err := s.reconciler.List(s.ownerID)
	if err != nil {
		slog.Error("Error listing invoices", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	matched := make([]*reconcile.Invoice, 0, len(invoices))
	for _, inv := range invoices {
		if status == "" || (inv.Verdict != nil && inv.Verdict.Status == status) {
			matched = append(matched, inv)
		}
	}
	writeJSON(w, http.StatusOK, matched)
}

// handleGetInvoice returns a single invoice
func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// handleEditInvoice applies user edits to an invoice
func (s *Server) handleEditInvoice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Edits []invoice.Edit `json:"edits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	outcome, err := s.reconciler.ApplyEdit(r.Context(), id, req.Edits)
	if err != nil {
		s.reconcileError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// reconcileError maps orchestrator errors to responses
func (s *Server) reconcileError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, invoice.ErrInvalidEdit), errors.Is(err, invoice.ErrMalformedExtraction):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, reconcile.ErrInvoiceNotFound):
		jsonError(w, "Invoice not found", http.StatusNotFound)
	case errors.Is(err, reconcile.ErrNoRecord), errors.Is(err, reconcile.ErrLocked):
		jsonError(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("Error reconciling invoice", "document_id", id, "error", err)
		jsonError(w, "Error reconciling invoice", http.StatusInternalServerError)
	}
}

// handleGetInvoiceFile returns the stored capture for an invoice
func (s *Server) handleGetInvoiceFile(w http.ResponseWriter, r *http.Request) {
	inv, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if inv.FilePath == "" {
		corsError(w, "File not found", http.StatusNotFound)
		return
	}
	data, err := s.files.Get(r.Context(), inv.FilePath)
	if err != nil {
		slog.Error("Error reading invoice file", "document_id", inv.ID, "error", err)
		corsError(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", inv.ContentType)
	w.Write(data)
}

// handleCorrections returns the correction history of an invoice
func (s *Server) handleCorrections(w http.ResponseWriter, r *http.Request) {
	corrections, ok := s.corrections(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, corrections)
}

// handleCorrectionsCSV exports the correction history as CSV
func (s *Server) handleCorrectionsCSV(w http.ResponseWriter, r *http.Request) {
	s.export(w, r, "csv", "text/csv", ledger.WriteCSV)
}

// handleCorrectionsXLSX exports the correction history as a workbook
func (s *Server) handleCorrectionsXLSX(w http.ResponseWriter, r *http.Request) {
	s.export(w, r, "xlsx", xlsxContentType, ledger.WriteXLSX)
}

func (s *Server) export(w http.ResponseWriter, r *http.Request, ext, contentType string, write func(io.Writer, []invoice.Correction) error) {
	corrections, ok := s.corrections(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := write(&buf, corrections); err != nil {
		slog.Error("Error exporting corrections", "document_id", r.PathValue("id"), "format", ext, "error", err)
		corsError(w, "Error exporting corrections", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="corrections-%s.%s"`, r.PathValue("id"), ext))
	w.Write(buf.Bytes())
}

func (s *Server) corrections(w http.ResponseWriter, r *http.Request) ([]invoice.Correction, bool) {
	inv, ok := s.lookup(w, r)
	if !ok {
		return nil, false
	}
	corrections, err := s.reconciler.Corrections(r.Context(), inv.ID)
	if err != nil {
		slog.Error("Error reading corrections", "document_id", inv.ID, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return nil, false
	}
	if corrections == nil {
		corrections = []invoice.Correction{}
	}
	return corrections, true
}

// lookup loads the invoice named by the path, answering 404 itself
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*reconcile.Invoice, bool) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Invoice ID required", http.StatusBadRequest)
		return nil, false
	}
	inv, err := s.reconciler.Get(id)
	if err != nil {
		if !errors.Is(err, reconcile.ErrInvoiceNotFound) {
			slog.Error("Error reading invoice", "document_id", id, "error", err)
		}
		corsError(w, "Invoice not found", http.StatusNotFound)
		return nil, false
	}
	return inv, true
}

// queuedDocument is a queue entry without its payload
type queuedDocument struct {
	ID          string        `json:"id"`
	State       capture.State `json:"state"`
	CapturedAt  time.Time     `json:"captured_at"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	RetryCount  int           `json:"retry_count"`
	LastError   string        `json:"last_error,omitempty"`
	Filename    string        `json:"filename,omitempty"`
	ContentType string        `json:"content_type"`
}

// handleQueue returns queue occupancy and the owner's queued documents
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats()
	if err != nil {
		slog.Error("Error reading queue stats", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	docs, err := s.queue.List(s.ownerID)
	if err != nil {
		slog.Error("Error listing queue", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	documents := make([]queuedDocument, len(docs))
	for i, d := range docs {
		documents[i] = queuedDocument{
			ID:          d.ID,
			State:       d.State,
			CapturedAt:  d.Metadata.CapturedAt,
			EnqueuedAt:  d.EnqueuedAt,
			RetryCount:  d.Metadata.RetryCount,
			LastError:   d.LastError,
			Filename:    d.Metadata.Filename,
			ContentType: d.Metadata.ContentType,
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":     stats,
		"documents": documents,
	})
}

type drainFailure struct {
	ID         string `json:"id"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error"`
}

// handleDrain syncs the owner's queue now
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	report, err := s.queue.Drain(r.Context(), s.ownerID, s.reconciler)
	if err != nil {
		slog.Error("Error draining queue", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	failed := make([]drainFailure, len(report.Failed))
	for i, f := range report.Failed {
		failed[i] = drainFailure{ID: f.DocumentID, RetryCount: f.RetryCount, Error: f.Err.Error()}
	}
	synced := report.Synced
	if synced == nil {
		synced = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"synced":    synced,
		"failed":    failed,
		"remaining": report.Remaining,
		"coalesced": report.Coalesced,
		"cancelled": report.Cancelled,
	})
}

// handleDiscard removes a queued capture
func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.queue.Discard(id)
	switch {
	case errors.Is(err, capture.ErrNotFound):
		corsError(w, "Queued document not found", http.StatusNotFound)
		return
	case errors.Is(err, capture.ErrSyncing):
		corsError(w, "Document is syncing", http.StatusConflict)
		return
	case err != nil:
		slog.Error("Error discarding document", "document_id", id, "error", err)
		corsError(w, "Error discarding document", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
