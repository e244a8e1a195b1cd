package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/invoice-reconciler/internal/capture"
	"github.com/zombor/invoice-reconciler/internal/compliance"
	"github.com/zombor/invoice-reconciler/internal/invoice"
	"github.com/zombor/invoice-reconciler/internal/ledger"
	"github.com/zombor/invoice-reconciler/internal/storage"
)

// ErrNoRecord is returned when editing a document that has no record yet
var ErrNoRecord = errors.New("document has no invoice record")

// PassLedger is the correction ledger as the orchestrator writes it: each
// pass is appended inside the transaction that stores the invoice it
// produced
type PassLedger interface {
	AppendTx(tx *bbolt.Tx, documentID, passID string, corrections []invoice.Correction) (bool, error)
	ReadAll(ctx context.Context, documentID string) ([]invoice.Correction, error)
}

// Extractor is the AI extraction collaborator
type Extractor interface {
	ScanInvoice(ctx context.Context, imageData []byte, contentType string) (*invoice.Extraction, error)
}

// Publisher hands a reconciled record to PDF generation and distribution.
// It is never called with a NON_COMPLIANT verdict.
type Publisher interface {
	Publish(ctx context.Context, r *invoice.Record, v compliance.Verdict) error
}

// Observer receives pipeline outcomes
type Observer interface {
	Reconciled(status compliance.Status, corrections []invoice.Correction, took time.Duration)
	Rejected(stage string)
}

// IDGenerator generates document IDs for manual entries
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, r *invoice.Record, v compliance.Verdict) error {
	slog.Debug("No publisher configured", "document_id", r.DocumentID, "status", v.Status)
	return nil
}

type nopObserver struct{}

func (nopObserver) Reconciled(compliance.Status, []invoice.Correction, time.Duration) {}
func (nopObserver) Rejected(string) {}

// Pipeline stages reported to the Observer
const (
	StageUpload    = "upload"
	StageExtract   = "extract"
	StageNormalize = "normalize"
	StageLedger    = "ledger"
	StageStore     = "store"
	StagePublish   = "publish"
)

// Option configures an Orchestrator
type Option func(*Orchestrator)

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

func WithLocker(l Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

func WithValidator(v compliance.Validator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

func WithTimeSource(t TimeSource) Option {
	return func(o *Orchestrator) { o.timeSource = t }
}

func WithIDGenerator(g IDGenerator) Option {
	return func(o *Orchestrator) { o.idGenerator = g }
}

// WithBatchLimit caps how many documents ProcessBatch runs at once
func WithBatchLimit(n int) Option {
	return func(o *Orchestrator) { o.batchLimit = n }
}

// Orchestrator drives documents through normalisation, verification,
// validation and the ledger, then stores and publishes the result. Each
// pass is one transaction: the ledger pass and the invoice record are
// committed together or not at all, and the caller retries the whole pass.
type Orchestrator struct {
	ledger    PassLedger
	invoices  Invoices
	storage   storage.Storage
	extractor Extractor

	publisher   Publisher
	locker      Locker
	observer    Observer
	validator   compliance.Validator
	timeSource  TimeSource
	idGenerator IDGenerator
	batchLimit  int
}

// New creates an Orchestrator
func New(l PassLedger, invoices Invoices, store storage.Storage, extractor Extractor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ledger:      l,
		invoices:    invoices,
		storage:     store,
		extractor:   extractor,
		publisher:   nopPublisher{},
		locker:      NewKeyedMutex(),
		observer:    nopObserver{},
		timeSource:  defaultTimeSource{},
		idGenerator: uuidGenerator{},
		batchLimit:  4,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessInput is one extracted document
type ProcessInput struct {
	DocumentID  string
	OwnerID     string
	Extraction  *invoice.Extraction
	FilePath    string
	ContentType string
}

// Outcome is the committed result of one pass
type Outcome struct {
	Invoice     *Invoice             `json:"invoice"`
	Corrections []invoice.Correction `json:"corrections"`
}

// ProcessExtraction reconciles an AI extraction. An extraction that
// cannot be coerced is not retried: the document is stored as needing
// manual entry and the MalformedExtractionError is returned.
func (o *Orchestrator) ProcessExtraction(ctx context.Context, in ProcessInput) (*Outcome, error) {
	unlock, err := o.locker.Lock(ctx, in.DocumentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	started := o.timeSource.Now()
	record, err := invoice.Normalize(in.Extraction)
	if err != nil {
		o.observer.Rejected(StageNormalize)
		slog.Warn("Extraction could not be normalized", "document_id", in.DocumentID, "error", err)
		if markErr := o.markManualEntry(in, err, started); markErr != nil {
			return nil, fmt.Errorf("recording manual entry for %s: %w", in.DocumentID, markErr)
		}
		return nil, err
	}
	record.DocumentID = in.DocumentID
	record.OwnerID = in.OwnerID

	verified, calculations := invoice.Verify(record, started)
	result := o.validator.Validate(verified, started)

	inv := &Invoice{
		ID:          in.DocumentID,
		OwnerID:     in.OwnerID,
		Record:      result.Record,
		Verdict:     &result.Verdict,
		PassID:      passID(in.DocumentID, "extraction", in.Extraction),
		FilePath:    in.FilePath,
		ContentType: in.ContentType,
	}
	return o.commit(ctx, inv, concat(calculations, result.Corrections), started)
}

// ProcessManual reconciles a manual-entry form. The user's figures are
// never auto-corrected; arithmetic discrepancies become review issues. An
// empty documentID is assigned one.
func (o *Orchestrator) ProcessManual(ctx context.Context, documentID, ownerID string, form *invoice.Extraction) (*Outcome, error) {
	if documentID == "" {
		documentID = o.idGenerator.Generate()
	}
	unlock, err := o.locker.Lock(ctx, documentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	started := o.timeSource.Now()
	record, err := invoice.NormalizeManual(form)
	if err != nil {
		o.observer.Rejected(StageNormalize)
		return nil, err
	}
	record.DocumentID = documentID
	record.OwnerID = ownerID

	result := o.validator.Validate(record, started)
	verdict := result.Verdict.With(discrepancyIssues(record, started)...)

	inv := &Invoice{
		ID:      documentID,
		OwnerID: ownerID,
		Record:  result.Record,
		Verdict: &verdict,
		PassID:  passID(documentID, "manual", form),
	}
	return o.commit(ctx, inv, result.Corrections, started)
}

// ApplyEdit applies explicit user edits to a stored record and re-runs
// verification and validation on the result
func (o *Orchestrator) ApplyEdit(ctx context.Context, documentID string, edits []invoice.Edit) (*Outcome, error) {
	if len(edits) == 0 {
		return nil, fmt.Errorf("%w: no fields to change", invoice.ErrInvalidEdit)
	}
	unlock, err := o.locker.Lock(ctx, documentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := o.invoices.Get(documentID)
	if err != nil {
		return nil, err
	}
	if existing.Record == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRecord, documentID)
	}

	started := o.timeSource.Now()
	edited, corrections, err := invoice.ApplyEdits(existing.Record, edits, started)
	if err != nil {
		return nil, err
	}

	var extra []compliance.Issue
	if edited.Source == invoice.SourceManual {
		extra = discrepancyIssues(edited, started)
	} else {
		var calculations []invoice.Correction
		edited, calculations = invoice.Verify(edited, started)
		corrections = concat(corrections, calculations)
	}
	result := o.validator.Validate(edited, started)
	verdict := result.Verdict.With(extra...)

	inv := *existing
	inv.Record = result.Record
	inv.Verdict = &verdict
	inv.PassID = passID(documentID, "edit", existing.PassID, edits)
	inv.Published = false
	return o.commit(ctx, &inv, concat(corrections, result.Corrections), started)
}

// Process implements capture.Processor for the drain: it uploads the
// payload, extracts it and reconciles the result. Only transport faults
// and ledger or store failures are returned; a malformed extraction is
// acknowledged so the document is not retried forever.
func (o *Orchestrator) Process(ctx context.Context, doc *capture.Document) error {
	name := storage.ObjectName(doc.ID, doc.Metadata.Filename)
	path, err := o.storage.Save(ctx, name, doc.Payload)
	if err != nil {
		o.observer.Rejected(StageUpload)
		return fmt.Errorf("uploading %s: %w", doc.ID, err)
	}

	in := ProcessInput{
		DocumentID:  doc.ID,
		OwnerID:     doc.Metadata.OwnerID,
		FilePath:    path,
		ContentType: doc.Metadata.ContentType,
	}

	extraction, err := o.extractor.ScanInvoice(ctx, doc.Payload, doc.Metadata.ContentType)
	if errors.Is(err, invoice.ErrMalformedExtraction) {
		o.observer.Rejected(StageExtract)
		slog.Warn("Extractor reply could not be read", "document_id", doc.ID, "error", err)
		return o.acknowledgeMalformed(ctx, in, err)
	}
	if err != nil {
		o.observer.Rejected(StageExtract)
		return fmt.Errorf("extracting %s: %w", doc.ID, err)
	}

	in.Extraction = extraction
	_, err = o.ProcessExtraction(ctx, in)
	if errors.Is(err, invoice.ErrMalformedExtraction) {
		return nil
	}
	return err
}

// acknowledgeMalformed marks a document for manual entry under its lock.
// Only a failure to store that mark is returned for retry.
func (o *Orchestrator) acknowledgeMalformed(ctx context.Context, in ProcessInput, cause error) error {
	unlock, err := o.locker.Lock(ctx, in.DocumentID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := o.markManualEntry(in, cause, o.timeSource.Now()); err != nil {
		return fmt.Errorf("recording manual entry for %s: %w", in.DocumentID, err)
	}
	return nil
}

// BatchResult is the outcome of one document in a batch
type BatchResult struct {
	DocumentID string
	Outcome    *Outcome
	Err        error
}

// ProcessBatch reconciles independent documents in parallel. A failure of
// one document does not stop the others. Results are in input order and
// inputs without a document ID are assigned one.
func (o *Orchestrator) ProcessBatch(ctx context.Context, inputs []ProcessInput) []BatchResult {
	results := make([]BatchResult, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	if o.batchLimit > 0 {
		g.SetLimit(o.batchLimit)
	}
	for i, in := range inputs {
		if in.DocumentID == "" {
			in.DocumentID = o.idGenerator.Generate()
		}
		g.Go(func() error {
			results[i].DocumentID = in.DocumentID
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Outcome, results[i].Err = o.ProcessExtraction(gctx, in)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Get returns a stored invoice
func (o *Orchestrator) Get(documentID string) (*Invoice, error) {
	return o.invoices.Get(documentID)
}

// List returns an owner's stored invoices
func (o *Orchestrator) List(ownerID string) ([]*Invoice, error) {
	return o.invoices.List(ownerID)
}

// Corrections returns a document's audit trail
func (o *Orchestrator) Corrections(ctx context.Context, documentID string) ([]invoice.Correction, error) {
	return o.ledger.ReadAll(ctx, documentID)
}

// commit writes the ledger pass and the invoice in one transaction, then
// publishes. A failed commit leaves neither behind, so a retry with a
// different extraction cannot leave the ledger holding a pass that no
// stored record came from.
func (o *Orchestrator) commit(ctx context.Context, inv *Invoice, corrections []invoice.Correction, started time.Time) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("committing pass for %s: %w", inv.ID, err)
	}

	now := o.timeSource.Now()
	inv.CreatedAt = now
	if existing, err := o.invoices.Get(inv.ID); err == nil {
		inv.CreatedAt = existing.CreatedAt
		if inv.FilePath == "" {
			inv.FilePath, inv.ContentType = existing.FilePath, existing.ContentType
		}
	}
	inv.UpdatedAt = now
	inv.NeedsManualEntry = false
	inv.ExtractionError = ""
	inv.Record.CreatedAt = inv.CreatedAt
	inv.Record.UpdatedAt = now

	ledgered := corrections
	err := o.invoices.SaveWith(inv, func(tx *bbolt.Tx) error {
		added, err := o.ledger.AppendTx(tx, inv.ID, inv.PassID, corrections)
		if err != nil {
			return err
		}
		if !added {
			ledgered = nil
		}
		return nil
	})
	switch {
	case errors.Is(err, ledger.ErrLedgerWrite):
		o.observer.Rejected(StageLedger)
		slog.Error("Rejected reconciliation pass", "document_id", inv.ID, "pass_id", inv.PassID, "error", err)
		return nil, fmt.Errorf("committing pass for %s: %w", inv.ID, err)
	case err != nil:
		o.observer.Rejected(StageStore)
		slog.Error("Rejected reconciliation pass", "document_id", inv.ID, "pass_id", inv.PassID, "error", err)
		return nil, fmt.Errorf("saving invoice %s: %w", inv.ID, err)
	}

	if inv.Verdict.BlocksGeneration() {
		slog.Warn("Invoice is not compliant, generation blocked", "document_id", inv.ID, "issues", inv.Verdict.Messages())
	} else {
		if err := o.publisher.Publish(ctx, inv.Record, *inv.Verdict); err != nil {
			o.observer.Rejected(StagePublish)
			return nil, fmt.Errorf("publishing invoice %s: %w", inv.ID, err)
		}
		inv.Published = true
		if err := o.invoices.Save(inv); err != nil {
			o.observer.Rejected(StageStore)
			return nil, fmt.Errorf("saving invoice %s: %w", inv.ID, err)
		}
	}

	o.observer.Reconciled(inv.Verdict.Status, ledgered, now.Sub(started))
	slog.Info("Invoice reconciled",
		"document_id", inv.ID,
		"status", inv.Verdict.Status,
		"corrections", len(corrections),
		"published", inv.Published,
	)
	return &Outcome{Invoice: inv, Corrections: corrections}, nil
}

// markManualEntry records that a document needs manual entry, unless a
// record from an earlier pass already exists
func (o *Orchestrator) markManualEntry(in ProcessInput, cause error, now time.Time) error {
	existing, err := o.invoices.Get(in.DocumentID)
	if err == nil && existing.Record != nil {
		return nil
	}
	if err != nil && !errors.Is(err, ErrInvoiceNotFound) {
		return err
	}
	return o.invoices.Save(&Invoice{
		ID:               in.DocumentID,
		OwnerID:          in.OwnerID,
		FilePath:         in.FilePath,
		ContentType:      in.ContentType,
		NeedsManualEntry: true,
		ExtractionError:  cause.Error(),
		CreatedAt:        now,
		UpdatedAt:        now,
	})
}

// discrepancyIssues reports arithmetic the user entered differently from
// what the figures give
func discrepancyIssues(r *invoice.Record, now time.Time) []compliance.Issue {
	var issues []compliance.Issue
	for _, c := range invoice.Discrepancies(r, now) {
		msg := fmt.Sprintf("entered %s but the figures give %s", c.Original, c.Corrected)
		if c.Original == "" {
			msg = fmt.Sprintf("missing; the figures give %s", c.Corrected)
		}
		issues = append(issues, compliance.Issue{Field: c.Field, Message: msg, Severity: compliance.SeveritySoft})
	}
	return issues
}

// passID fingerprints the input of a pass so a retry of the same input
// maps to the same ledger pass
func passID(documentID, kind string, inputs ...any) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s", documentID, kind)
	for _, in := range inputs {
		data, _ := json.Marshal(in)
		h.Write([]byte{0})
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func concat(lists ...[]invoice.Correction) []invoice.Correction {
	var out []invoice.Correction
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
