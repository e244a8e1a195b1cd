package server

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zombor/invoice-reconciler/internal/capture"
	"github.com/zombor/invoice-reconciler/internal/invoice"
	"github.com/zombor/invoice-reconciler/internal/reconcile"
	"github.com/zombor/invoice-reconciler/internal/storage"
)

// Reconciler is the orchestrator surface the HTTP handlers use. It also
// processes drained captures.
type Reconciler interface {
	capture.Processor
	ProcessManual(ctx context.Context, documentID, ownerID string, form *invoice.Extraction) (*reconcile.Outcome, error)
	ProcessBatch(ctx context.Context, inputs []reconcile.ProcessInput) []reconcile.BatchResult
	ApplyEdit(ctx context.Context, documentID string, edits []invoice.Edit) (*reconcile.Outcome, error)
	Get(documentID string) (*reconcile.Invoice, error)
	List(ownerID string) ([]*reconcile.Invoice, error)
	Corrections(ctx context.Context, documentID string) ([]invoice.Correction, error)
}

// Queue is the capture queue surface the HTTP handlers use
type Queue interface {
	Enqueue(ctx context.Context, doc capture.Document) (capture.EnqueueResult, error)
	List(ownerID string) ([]*capture.Document, error)
	Stats() (capture.Stats, error)
	Discard(id string) error
	Drain(ctx context.Context, ownerID string, p capture.Processor) (capture.DrainReport, error)
}

// Dependencies wires the server to the rest of the process
type Dependencies struct {
	Reconciler Reconciler
	Queue      Queue
	Files      storage.Storage
	OwnerID    string

	// Metrics serves /metrics. The default registry is used when nil.
	Metrics http.Handler
}

// Server handles HTTP requests for invoices and the capture queue
type Server struct {
	reconciler Reconciler
	queue      Queue
	files      storage.Storage
	ownerID    string
	metrics    http.Handler
	basicAuth  BasicAuth
	mux        *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(deps Dependencies, basicAuth BasicAuth) *Server {
	return NewServerWithMux(deps, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(deps Dependencies, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		reconciler: deps.Reconciler,
		queue:      deps.Queue,
		files:      deps.Files,
		ownerID:    deps.OwnerID,
		metrics:    deps.Metrics,
		basicAuth:  basicAuth,
		mux:        mux,
	}
	if s.metrics == nil {
		s.metrics = promhttp.Handler()
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers and answers preflight requests
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Invoice Reconciler"`)
			corsError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// Invoices (most specific paths first)
	s.mux.HandleFunc("GET /api/invoices/{id}/corrections.csv", s.requireAuth(s.handleCorrectionsCSV))
	s.mux.HandleFunc("GET /api/invoices/{id}/corrections.xlsx", s.requireAuth(s.handleCorrectionsXLSX))
	s.mux.HandleFunc("GET /api/invoices/{id}/corrections", s.requireAuth(s.handleCorrections))
	s.mux.HandleFunc("GET /api/invoices/{id}/file", s.requireAuth(s.handleGetInvoiceFile))
	s.mux.HandleFunc("GET /api/invoices/{id}", s.requireAuth(s.handleGetInvoice))
	s.mux.HandleFunc("PATCH /api/invoices/{id}", s.requireAuth(s.handleEditInvoice))
	s.mux.HandleFunc("POST /api/invoices/manual", s.requireAuth(s.handleManualInvoice))
	s.mux.HandleFunc("POST /api/invoices/batch", s.requireAuth(s.handleBatchInvoices))
	s.mux.HandleFunc("GET /api/invoices", s.requireAuth(s.handleListInvoices))
	s.mux.HandleFunc("POST /api/invoices", s.requireAuth(s.handleUploadInvoice))

	// Capture queue
	s.mux.HandleFunc("POST /api/queue/drain", s.requireAuth(s.handleDrain))
	s.mux.HandleFunc("DELETE /api/queue/{id}", s.requireAuth(s.handleDiscard))
	s.mux.HandleFunc("GET /api/queue", s.requireAuth(s.handleQueue))

	s.mux.HandleFunc("GET /metrics", s.requireAuth(s.metrics.ServeHTTP))
}

// Handler returns the mux wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.mux)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
