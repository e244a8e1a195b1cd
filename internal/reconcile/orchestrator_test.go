package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-reconciler/internal/capture"
	"github.com/zombor/invoice-reconciler/internal/compliance"
	"github.com/zombor/invoice-reconciler/internal/invoice"
	"github.com/zombor/invoice-reconciler/internal/ledger"
)

var _ = Describe("Orchestrator", func() {
	var (
		ctx          context.Context
		db           *bbolt.DB
		corrections  PassLedger
		invoices     *BoltInvoices
		repo         Invoices
		store        *mockStorage
		extractor    *mockExtractor
		publisher    *mockPublisher
		observer     *recordingObserver
		clock        *mockTimeSource
		orchestrator *Orchestrator
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = OpenDB(filepath.Join(GinkgoT().TempDir(), "reconcile.db"))
		Expect(err).NotTo(HaveOccurred())
		corrections, err = ledger.NewBoltLedger(db)
		Expect(err).NotTo(HaveOccurred())
		invoices, err = NewBoltInvoices(db)
		Expect(err).NotTo(HaveOccurred())
		repo = invoices

		store = newMockStorage()
		extractor = &mockExtractor{extraction: sampleExtraction()}
		publisher = &mockPublisher{}
		observer = &recordingObserver{}
		clock = &mockTimeSource{now: time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC)}
	})

	JustBeforeEach(func() {
		orchestrator = New(corrections, repo, store, extractor,
			WithPublisher(publisher),
			WithObserver(observer),
			WithTimeSource(clock),
			WithIDGenerator(&mockIDGenerator{id: "manual-1"}),
		)
	})

	AfterEach(func() {
		db.Close()
	})

	Describe("ProcessExtraction", func() {
		var (
			input   ProcessInput
			outcome *Outcome
			err     error
		)

		BeforeEach(func() {
			input = ProcessInput{DocumentID: "doc-1", OwnerID: "owner-1", Extraction: sampleExtraction()}
		})

		JustBeforeEach(func() {
			outcome, err = orchestrator.ProcessExtraction(ctx, input)
		})

		When("the extraction has arithmetic errors", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should correct every downstream value", func() {
				r := outcome.Invoice.Record
				Expect(r.Items[0].Amount.StringFixed(2)).To(Equal("200.00"))
				Expect(r.Subtotal.StringFixed(2)).To(Equal("200.00"))
				Expect(r.TaxAmount.StringFixed(2)).To(Equal("36.00"))
				Expect(r.Total.StringFixed(2)).To(Equal("236.00"))
			})

			It("should record the item correction as calculation by the verifier", func() {
				Expect(outcome.Corrections).To(HaveLen(4))
				first := outcome.Corrections[0]
				Expect(first.Field).To(Equal("items[0].amount"))
				Expect(first.Original).To(Equal("150.00"))
				Expect(first.Corrected).To(Equal("200.00"))
				Expect(first.Kind).To(Equal(invoice.KindCalculation))
				Expect(first.Actor).To(Equal(invoice.ActorVerifier))
			})

			It("should persist the corrections in the ledger", func() {
				stored, readErr := orchestrator.Corrections(ctx, "doc-1")
				Expect(readErr).NotTo(HaveOccurred())
				Expect(stored).To(Equal(outcome.Corrections))
			})

			It("should store the corrected invoice", func() {
				inv, getErr := orchestrator.Get("doc-1")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(inv.OwnerID).To(Equal("owner-1"))
				Expect(inv.Verdict.Status).To(Equal(compliance.StatusCompliant))
				Expect(inv.Record.Total.StringFixed(2)).To(Equal("236.00"))
				Expect(inv.Published).To(BeTrue())
			})

			It("should publish the compliant record", func() {
				Expect(publisher.published).To(Equal([]string{"doc-1"}))
				Expect(observer.reconciled).To(Equal([]compliance.Status{compliance.StatusCompliant}))
			})
		})

		When("the same extraction is processed again", func() {
			It("should not apply the corrections twice", func() {
				Expect(err).NotTo(HaveOccurred())
				clock.Advance(time.Minute)
				_, err = orchestrator.ProcessExtraction(ctx, input)
				Expect(err).NotTo(HaveOccurred())

				stored, readErr := orchestrator.Corrections(ctx, "doc-1")
				Expect(readErr).NotTo(HaveOccurred())
				Expect(stored).To(HaveLen(4))
			})

			It("should keep the original creation time", func() {
				created := outcome.Invoice.CreatedAt
				clock.Advance(time.Minute)
				again, againErr := orchestrator.ProcessExtraction(ctx, input)
				Expect(againErr).NotTo(HaveOccurred())
				Expect(again.Invoice.CreatedAt).To(Equal(created))
				Expect(again.Invoice.UpdatedAt).To(Equal(clock.Now()))
			})
		})

		When("the tax identifier is malformed", func() {
			BeforeEach(func() {
				input.Extraction.PartyTaxID = invoice.Value("27AAPFU0939F1Z")
			})

			It("should store a non-compliant verdict", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome.Invoice.Verdict.Status).To(Equal(compliance.StatusNonCompliant))
				Expect(outcome.Invoice.Verdict.Messages()).To(ContainElement(ContainSubstring("party_tax_id")))
			})

			It("should not publish", func() {
				Expect(publisher.published).To(BeEmpty())
				Expect(outcome.Invoice.Published).To(BeFalse())
			})
		})

		When("the tax identifier needs reformatting", func() {
			BeforeEach(func() {
				input.Extraction.PartyTaxID = invoice.Value(" 27aapfu0939f1zv ")
			})

			It("should ledger a format correction by the validator", func() {
				Expect(err).NotTo(HaveOccurred())
				last := outcome.Corrections[len(outcome.Corrections)-1]
				Expect(last.Kind).To(Equal(invoice.KindFormat))
				Expect(last.Actor).To(Equal(invoice.ActorComplianceValidator))
				Expect(outcome.Invoice.Record.PartyTaxID).To(Equal("27AAPFU0939F1ZV"))
			})
		})

		When("the extraction is malformed", func() {
			BeforeEach(func() {
				input.Extraction.Items[0].Quantity = invoice.Value("two")
			})

			It("returns a malformed extraction error naming the field", func() {
				Expect(err).To(MatchError(invoice.ErrMalformedExtraction))
				var malformed *invoice.MalformedExtractionError
				Expect(errors.As(err, &malformed)).To(BeTrue())
				Expect(malformed.Field).To(Equal("items[0].quantity"))
			})

			It("should mark the document for manual entry", func() {
				inv, getErr := orchestrator.Get("doc-1")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(inv.NeedsManualEntry).To(BeTrue())
				Expect(inv.Record).To(BeNil())
			})

			It("should write nothing to the ledger", func() {
				stored, _ := orchestrator.Corrections(ctx, "doc-1")
				Expect(stored).To(BeEmpty())
				Expect(observer.rejected).To(Equal([]string{StageNormalize}))
			})
		})

		When("the ledger rejects the pass", func() {
			BeforeEach(func() {
				corrections = &failingLedger{err: fmt.Errorf("%w: disk full", ledger.ErrLedgerWrite)}
			})

			It("returns the ledger error", func() {
				Expect(err).To(MatchError(ledger.ErrLedgerWrite))
				Expect(outcome).To(BeNil())
			})

			It("should discard the corrected record", func() {
				_, getErr := orchestrator.Get("doc-1")
				Expect(getErr).To(MatchError(ErrInvoiceNotFound))
			})

			It("should not publish", func() {
				Expect(publisher.published).To(BeEmpty())
				Expect(observer.rejected).To(Equal([]string{StageLedger}))
			})
		})

		When("storing the invoice fails after the ledger pass is written", func() {
			BeforeEach(func() {
				repo = &faultyInvoices{BoltInvoices: invoices, failures: 1, err: errors.New("disk full")}
			})

			It("returns the store error", func() {
				Expect(err).To(MatchError(ContainSubstring("disk full")))
				Expect(outcome).To(BeNil())
				Expect(observer.rejected).To(Equal([]string{StageStore}))
			})

			It("should roll back the ledger pass with it", func() {
				stored, readErr := orchestrator.Corrections(ctx, "doc-1")
				Expect(readErr).NotTo(HaveOccurred())
				Expect(stored).To(BeEmpty())
				_, getErr := orchestrator.Get("doc-1")
				Expect(getErr).To(MatchError(ErrInvoiceNotFound))
			})

			When("the retry extracts different figures", func() {
				It("should ledger only the corrections of the stored pass", func() {
					retry := sampleExtraction()
					retry.Items[0].Amount = invoice.Value(120)
					again, againErr := orchestrator.ProcessExtraction(ctx, ProcessInput{DocumentID: "doc-1", OwnerID: "owner-1", Extraction: retry})
					Expect(againErr).NotTo(HaveOccurred())

					stored, readErr := orchestrator.Corrections(ctx, "doc-1")
					Expect(readErr).NotTo(HaveOccurred())
					Expect(stored).To(Equal(again.Corrections))
					Expect(stored).To(HaveLen(4))
					Expect(stored[0].Original).To(Equal("120.00"))

					inv, getErr := orchestrator.Get("doc-1")
					Expect(getErr).NotTo(HaveOccurred())
					Expect(inv.PassID).To(Equal(again.Invoice.PassID))
				})
			})
		})

		When("the publisher fails", func() {
			BeforeEach(func() {
				publisher.err = errors.New("renderer down")
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("renderer down")))
			})

			It("should keep the reconciled invoice unpublished", func() {
				inv, getErr := orchestrator.Get("doc-1")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(inv.Published).To(BeFalse())
				Expect(inv.Record).NotTo(BeNil())
			})
		})
	})

	Describe("ProcessManual", func() {
		var (
			form    *invoice.Extraction
			outcome *Outcome
			err     error
		)

		BeforeEach(func() {
			form = sampleExtraction()
			form.Confidence = nil
		})

		JustBeforeEach(func() {
			outcome, err = orchestrator.ProcessManual(ctx, "", "owner-1", form)
		})

		It("should assign a document id", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Invoice.ID).To(Equal("manual-1"))
		})

		It("should keep the user's figures", func() {
			Expect(outcome.Invoice.Record.Items[0].Amount.StringFixed(2)).To(Equal("150.00"))
			Expect(outcome.Invoice.Record.Total.StringFixed(2)).To(Equal("177.00"))
		})

		It("should record no calculation corrections", func() {
			Expect(outcome.Corrections).To(BeEmpty())
		})

		It("should flag the discrepancies for review", func() {
			Expect(outcome.Invoice.Verdict.Status).To(Equal(compliance.StatusNeedsReview))
			Expect(outcome.Invoice.Verdict.Messages()).To(ContainElement("items[0].amount: entered 150.00 but the figures give 200.00"))
		})

		It("should give populated fields full confidence", func() {
			Expect(outcome.Invoice.Record.ConfidenceOf(invoice.FieldTotal)).To(Equal(100))
			Expect(outcome.Invoice.Record.Source).To(Equal(invoice.SourceManual))
		})

		When("the figures are consistent", func() {
			BeforeEach(func() {
				form.Items[0].Amount = invoice.Value(200)
				form.Subtotal = invoice.Value(200)
				form.TaxAmount = invoice.Value(36)
				form.Total = invoice.Value(236)
			})

			It("should be compliant", func() {
				Expect(outcome.Invoice.Verdict.Status).To(Equal(compliance.StatusCompliant))
				Expect(publisher.published).To(Equal([]string{"manual-1"}))
			})
		})

		When("a hard violation is entered", func() {
			BeforeEach(func() {
				form.TaxRate = invoice.Value(15)
			})

			It("should block publishing", func() {
				Expect(outcome.Invoice.Verdict.Status).To(Equal(compliance.StatusNonCompliant))
				Expect(publisher.published).To(BeEmpty())
			})
		})
	})

	Describe("ApplyEdit", func() {
		var (
			outcome *Outcome
			err     error
		)

		BeforeEach(func() {
			ext := sampleExtraction()
			ext.Items[0].Amount = invoice.Value(200)
			ext.Subtotal = invoice.Value(200)
			ext.TaxRate = invoice.Value(15)
			ext.TaxAmount = invoice.Value(30)
			ext.Total = invoice.Value(230)
			extractor.extraction = ext
		})

		JustBeforeEach(func() {
			first, firstErr := orchestrator.ProcessExtraction(ctx, ProcessInput{DocumentID: "doc-1", OwnerID: "owner-1", Extraction: extractor.extraction})
			Expect(firstErr).NotTo(HaveOccurred())
			Expect(first.Invoice.Verdict.Status).To(Equal(compliance.StatusNonCompliant))

			clock.Advance(time.Hour)
			outcome, err = orchestrator.ApplyEdit(ctx, "doc-1", []invoice.Edit{{Field: invoice.FieldTaxRate, Value: "18"}})
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should re-verify the dependent amounts", func() {
			Expect(outcome.Invoice.Record.TaxAmount.StringFixed(2)).To(Equal("36.00"))
			Expect(outcome.Invoice.Record.Total.StringFixed(2)).To(Equal("236.00"))
		})

		It("should ledger the user edit before the recalculations", func() {
			stored, readErr := orchestrator.Corrections(ctx, "doc-1")
			Expect(readErr).NotTo(HaveOccurred())
			Expect(stored).To(HaveLen(3))
			Expect(stored[0].Kind).To(Equal(invoice.KindUserEdit))
			Expect(stored[0].Actor).To(Equal(invoice.ActorUser))
			Expect(stored[0].Original).To(Equal("15"))
			Expect(stored[0].Corrected).To(Equal("18"))
			Expect(stored[1].Field).To(Equal(invoice.FieldTaxAmount))
			Expect(stored[2].Field).To(Equal(invoice.FieldTotal))
		})

		It("should supersede the verdict and unblock publishing", func() {
			Expect(outcome.Invoice.Verdict.Status).To(Equal(compliance.StatusCompliant))
			Expect(publisher.published).To(Equal([]string{"doc-1"}))
		})
	})

	Describe("ApplyEdit errors", func() {
		It("returns not found for an unknown document", func() {
			_, err := orchestrator.ApplyEdit(ctx, "missing", []invoice.Edit{{Field: "total", Value: "1"}})
			Expect(err).To(MatchError(ErrInvoiceNotFound))
		})

		It("returns ErrNoRecord for a document awaiting manual entry", func() {
			Expect(invoices.Save(&Invoice{ID: "doc-2", NeedsManualEntry: true})).To(Succeed())
			_, err := orchestrator.ApplyEdit(ctx, "doc-2", []invoice.Edit{{Field: "total", Value: "1"}})
			Expect(err).To(MatchError(ErrNoRecord))
		})

		It("returns ErrInvalidEdit without edits", func() {
			_, err := orchestrator.ApplyEdit(ctx, "doc-1", nil)
			Expect(err).To(MatchError(invoice.ErrInvalidEdit))
		})
	})

	Describe("Process", func() {
		var (
			doc *capture.Document
			err error
		)

		BeforeEach(func() {
			doc = &capture.Document{
				ID:      "doc-9",
				Payload: []byte("jpeg bytes"),
				Metadata: capture.Metadata{
					OwnerID:     "owner-1",
					CapturedAt:  time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC),
					ContentType: "image/jpeg",
					Filename:    "IMG_0001.JPG",
				},
			}
		})

		JustBeforeEach(func() {
			err = orchestrator.Process(ctx, doc)
		})

		When("upload and extraction succeed", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should upload the payload", func() {
				Expect(store.files).To(HaveKeyWithValue("doc-9_IMG_0001.jpg", []byte("jpeg bytes")))
			})

			It("should store the reconciled invoice with its file", func() {
				inv, getErr := orchestrator.Get("doc-9")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(inv.FilePath).To(Equal("doc-9_IMG_0001.jpg"))
				Expect(inv.ContentType).To(Equal("image/jpeg"))
				Expect(inv.Record.Total.StringFixed(2)).To(Equal("236.00"))
			})
		})

		When("the upload fails", func() {
			BeforeEach(func() {
				store.saveErr = errors.New("connection reset")
			})

			It("returns the error so the document is retried", func() {
				Expect(err).To(MatchError(ContainSubstring("connection reset")))
				Expect(extractor.calls).To(Equal(0))
				Expect(observer.rejected).To(Equal([]string{StageUpload}))
			})
		})

		When("extraction fails", func() {
			BeforeEach(func() {
				extractor.err = errors.New("model timeout")
			})

			It("returns the error so the document is retried", func() {
				Expect(err).To(MatchError(ContainSubstring("model timeout")))
				_, getErr := orchestrator.Get("doc-9")
				Expect(getErr).To(MatchError(ErrInvoiceNotFound))
			})
		})

		When("the extraction is malformed", func() {
			BeforeEach(func() {
				extractor.extraction = sampleExtraction()
				extractor.extraction.Total = invoice.Value(true)
			})

			It("should acknowledge the document", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should leave it for manual entry with its file", func() {
				inv, getErr := orchestrator.Get("doc-9")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(inv.NeedsManualEntry).To(BeTrue())
				Expect(inv.FilePath).To(Equal("doc-9_IMG_0001.jpg"))
				Expect(inv.ExtractionError).To(ContainSubstring("total"))
			})

			When("the user then enters it manually", func() {
				It("should keep the file and clear the flag", func() {
					outcome, manualErr := orchestrator.ProcessManual(ctx, "doc-9", "owner-1", sampleExtraction())
					Expect(manualErr).NotTo(HaveOccurred())
					Expect(outcome.Invoice.NeedsManualEntry).To(BeFalse())
					Expect(outcome.Invoice.FilePath).To(Equal("doc-9_IMG_0001.jpg"))
				})
			})
		})

		When("the extractor's reply cannot be read", func() {
			BeforeEach(func() {
				extractor.err = fmt.Errorf("parsing invoice data: %w", &invoice.MalformedExtractionError{Field: "document", Value: "Sorry", Err: errors.New("no JSON object found in response")})
			})

			It("should acknowledge the document", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(observer.rejected).To(Equal([]string{StageExtract}))
			})

			It("should leave it for manual entry with its file", func() {
				inv, getErr := orchestrator.Get("doc-9")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(inv.NeedsManualEntry).To(BeTrue())
				Expect(inv.Record).To(BeNil())
				Expect(inv.FilePath).To(Equal("doc-9_IMG_0001.jpg"))
				Expect(inv.ExtractionError).To(ContainSubstring("no JSON object"))
			})
		})

		It("should satisfy the queue's processor contract", func() {
			var _ capture.Processor = orchestrator
		})
	})

	Describe("draining a queue through Process", func() {
		var queue *capture.Queue

		enqueue := func(id, payload string, at time.Time) {
			_, enqErr := queue.Enqueue(ctx, capture.Document{
				ID:      id,
				Payload: []byte(payload),
				Metadata: capture.Metadata{
					OwnerID:     "owner-1",
					CapturedAt:  at,
					ContentType: "image/jpeg",
					Filename:    id + ".jpg",
				},
			})
			Expect(enqErr).NotTo(HaveOccurred())
		}

		BeforeEach(func() {
			var err error
			queue, err = capture.NewQueue(db)
			Expect(err).NotTo(HaveOccurred())

			at := time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)
			enqueue("bad", `{"invoice_number": "A1", "items": "one bolt"}`, at)
			enqueue("later", `{"invoice_number": "A2", "date": "2024-04-01", "items": [{"description": "Bolts", "hsn_code": "7318", "quantity": 2, "rate": 100, "amount": 200}], "subtotal": 200, "tax_rate": 18, "tax_amount": 36, "total": 236, "confidence": {"total": 95.5}}`, at.Add(time.Minute))
		})

		It("should not let an unreadable reply block later captures", func() {
			orchestrator = New(corrections, invoices, store, jsonExtractor{}, WithTimeSource(clock))

			report, err := queue.Drain(ctx, "owner-1", orchestrator)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Failed).To(BeEmpty())
			Expect(report.Synced).To(Equal([]string{"bad", "later"}))
			Expect(report.Remaining).To(Equal(0))

			bad, getErr := orchestrator.Get("bad")
			Expect(getErr).NotTo(HaveOccurred())
			Expect(bad.NeedsManualEntry).To(BeTrue())

			later, getErr := orchestrator.Get("later")
			Expect(getErr).NotTo(HaveOccurred())
			Expect(later.Record.ConfidenceOf(invoice.FieldTotal)).To(Equal(96))
		})
	})

	Describe("ProcessBatch", func() {
		It("should process every document and report each result in order", func() {
			bad := sampleExtraction()
			bad.Subtotal = invoice.Value("n/a")
			inputs := []ProcessInput{
				{DocumentID: "a", OwnerID: "owner-1", Extraction: sampleExtraction()},
				{DocumentID: "b", OwnerID: "owner-1", Extraction: bad},
				{DocumentID: "c", OwnerID: "owner-1", Extraction: sampleExtraction()},
			}

			results := orchestrator.ProcessBatch(ctx, inputs)

			Expect(results).To(HaveLen(3))
			Expect(results[0].DocumentID).To(Equal("a"))
			Expect(results[0].Err).NotTo(HaveOccurred())
			Expect(results[1].Err).To(MatchError(invoice.ErrMalformedExtraction))
			Expect(results[2].Err).NotTo(HaveOccurred())
			Expect(results[2].Outcome.Invoice.Verdict.Status).To(Equal(compliance.StatusCompliant))

			listed, err := orchestrator.List("owner-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(listed).To(HaveLen(3))
		})

		It("should report cancellation for documents not started", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			results := orchestrator.ProcessBatch(cancelled, []ProcessInput{
				{DocumentID: "a", Extraction: sampleExtraction()},
			})
			Expect(results[0].Err).To(MatchError(context.Canceled))
		})
	})
})
