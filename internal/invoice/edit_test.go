package invoice

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ApplyEdits", func() {
	var (
		now         time.Time
		record      *Record
		edits       []Edit
		edited      *Record
		corrections []Correction
		err         error
	)

	BeforeEach(func() {
		now = time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC)
		record = &Record{
			DocumentID:    "doc-1",
			InvoiceNumber: "INV-1",
			Date:          time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
			PartyTaxID:    "27AAPFU0939F1ZV",
			Items: []LineItem{
				{Description: "Bolts", Quantity: d("2"), Rate: d("100"), Amount: d("200")},
			},
			Subtotal:     d("200"),
			TaxRate:      d("12"),
			HasTaxRate:   true,
			TaxAmount:    d("24"),
			HasTaxAmount: true,
			Total:        d("224"),
			Confidence:   map[string]int{FieldTaxRate: 40},
		}
	})

	JustBeforeEach(func() {
		edited, corrections, err = ApplyEdits(record, edits, now)
	})

	When("changing a rate", func() {
		BeforeEach(func() {
			edits = []Edit{{Field: FieldTaxRate, Value: "18"}}
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should apply the value to a copy", func() {
			Expect(edited.TaxRate.Equal(d("18"))).To(BeTrue())
			Expect(record.TaxRate.Equal(d("12"))).To(BeTrue())
		})

		It("should record a user edit", func() {
			Expect(corrections).To(ConsistOf(Correction{
				DocumentID: "doc-1",
				Field:      FieldTaxRate,
				Original:   "12",
				Corrected:  "18",
				Kind:       KindUserEdit,
				Reason:     "edited by user",
				Actor:      ActorUser,
				Timestamp:  now,
			}))
		})

		It("should trust the edited field fully", func() {
			Expect(edited.ConfidenceOf(FieldTaxRate)).To(Equal(100))
			Expect(record.ConfidenceOf(FieldTaxRate)).To(Equal(40))
		})
	})

	When("editing line items", func() {
		BeforeEach(func() {
			edits = []Edit{
				{Field: "items[0].quantity", Value: "3"},
				{Field: "items[0].hsn_code", Value: "7318"},
				{Field: "items[0].amount", Value: "₹ 300"},
			}
		})

		It("should apply every edit", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(edited.Items[0].Quantity.Equal(d("3"))).To(BeTrue())
			Expect(edited.Items[0].HSNCode).To(Equal("7318"))
			Expect(edited.Items[0].Amount.Equal(d("300"))).To(BeTrue())
		})

		It("should render amounts with two places", func() {
			Expect(corrections).To(HaveLen(3))
			Expect(corrections[2].Original).To(Equal("200.00"))
			Expect(corrections[2].Corrected).To(Equal("300.00"))
		})
	})

	When("clearing the tax amount", func() {
		BeforeEach(func() {
			edits = []Edit{{Field: FieldTaxAmount, Value: ""}}
		})

		It("should mark it missing", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(edited.HasTaxAmount).To(BeFalse())
			Expect(corrections[0].Original).To(Equal("24.00"))
			Expect(corrections[0].Corrected).To(BeEmpty())
		})
	})

	When("changing the date", func() {
		BeforeEach(func() {
			edits = []Edit{{Field: FieldDate, Value: "05/04/2024"}}
		})

		It("should parse the supported layouts", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(edited.Date).To(Equal(time.Date(2024, 4, 5, 0, 0, 0, 0, time.UTC)))
			Expect(corrections[0].Original).To(Equal("2024-04-01"))
			Expect(corrections[0].Corrected).To(Equal("2024-04-05"))
		})
	})

	When("the value is unchanged", func() {
		BeforeEach(func() {
			edits = []Edit{{Field: FieldInvoiceNumber, Value: "INV-1"}}
		})

		It("should record nothing", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(corrections).To(BeEmpty())
		})
	})

	When("the field is unknown", func() {
		BeforeEach(func() {
			edits = []Edit{{Field: FieldTaxRate, Value: "18"}, {Field: "colour", Value: "red"}}
		})

		It("returns ErrInvalidEdit and applies nothing", func() {
			Expect(err).To(MatchError(ErrInvalidEdit))
			Expect(edited).To(BeNil())
			Expect(record.TaxRate.Equal(d("12"))).To(BeTrue())
		})
	})

	When("the line item does not exist", func() {
		BeforeEach(func() {
			edits = []Edit{{Field: "items[4].rate", Value: "1"}}
		})

		It("returns ErrInvalidEdit", func() {
			Expect(err).To(MatchError(ErrInvalidEdit))
		})
	})

	When("a quantity is negative", func() {
		BeforeEach(func() {
			edits = []Edit{{Field: "items[0].quantity", Value: "-1"}}
		})

		It("returns ErrInvalidEdit", func() {
			Expect(err).To(MatchError(ErrInvalidEdit))
		})
	})

	When("a number does not parse", func() {
		BeforeEach(func() {
			edits = []Edit{{Field: FieldTotal, Value: "lots"}}
		})

		It("returns ErrInvalidEdit", func() {
			Expect(err).To(MatchError(ErrInvalidEdit))
		})
	})
})

var _ = Describe("Discrepancies", func() {
	It("should report without correcting", func() {
		record := &Record{
			Items:    []LineItem{{Quantity: d("2"), Rate: d("100"), Amount: d("150")}},
			Subtotal: d("150"),
			Total:    d("150"),
		}
		found := Discrepancies(record, time.Now())
		Expect(found).To(HaveLen(3))
		Expect(record.Items[0].Amount.Equal(d("150"))).To(BeTrue())
	})
})
