package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/png"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/invoice-reconciler/internal/invoice"
)

var _ = Describe("Ollama", func() {
	var (
		server      *ghttp.Server
		scanner     *Ollama
		pngData     []byte
		contentType string
		extraction  *invoice.Extraction
		err         error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		scanner, err = NewOllama(server.URL(), "test-model")
		Expect(err).NotTo(HaveOccurred())

		var buf bytes.Buffer
		Expect(png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2)))).To(Succeed())
		pngData = buf.Bytes()
		contentType = "image/png"
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		extraction, err = scanner.ScanInvoice(context.Background(), pngData, contentType)
	})

	When("the model answers with an invoice", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				func(w http.ResponseWriter, r *http.Request) {
					var req ollamaChatRequest
					Expect(jsonDecode(r, &req)).To(Succeed())
					Expect(req.Model).To(Equal("test-model"))
					Expect(req.Format).To(Equal("json"))
					Expect(req.Messages).To(HaveLen(2))
					Expect(req.Messages[1].Images).To(ConsistOf(base64.StdEncoding.EncodeToString(pngData)))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{Role: "assistant", Content: `{"invoice_number": "INV-9", "total": "1,180.00"}`},
					Done:    true,
				}),
			))
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return the extraction", func() {
			Expect(extraction.InvoiceNumber.Present()).To(BeTrue())
			Expect(extraction.Total.Present()).To(BeTrue())
		})
	})

	When("the server fails", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		})

		It("returns the error", func() {
			Expect(err).To(MatchError(ContainSubstring("status 500")))
		})
	})

	When("the image cannot be decoded", func() {
		BeforeEach(func() {
			pngData = []byte("not an image")
			contentType = "image/jpeg"
		})

		It("returns the error without calling the model", func() {
			Expect(err).To(HaveOccurred())
			Expect(server.ReceivedRequests()).To(BeEmpty())
		})
	})
})
