package invoice

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tolerance is the absolute difference, in currency units, under which two
// amounts are considered equal.
var Tolerance = decimal.RequireFromString("0.01")

// Source identifies how a record entered the system
type Source string

const (
	SourceExtraction Source = "extraction"
	SourceManual     Source = "manual"
)

// LineItem is a single billed line on an invoice
type LineItem struct {
	Description string          `json:"description"`
	HSNCode     string          `json:"hsn_code,omitempty"` // HSN or SAC code
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit"`
	Rate        decimal.Decimal `json:"rate"`
	Amount      decimal.Decimal `json:"amount"`
}

// Record is the canonical, typed form of an invoice
type Record struct {
	DocumentID    string          `json:"document_id"`
	OwnerID       string          `json:"owner_id"`
	InvoiceNumber string          `json:"invoice_number"`
	Date          time.Time       `json:"date"`
	PartyName     string          `json:"party_name"`
	PartyTaxID    string          `json:"party_tax_id,omitempty"`
	PartyAddress  string          `json:"party_address"`
	Items         []LineItem      `json:"items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxRate       decimal.Decimal `json:"tax_rate"` // percent
	TaxAmount     decimal.Decimal `json:"tax_amount"`
	Total         decimal.Decimal `json:"total"`
	HasTaxRate    bool            `json:"has_tax_rate"`
	HasTaxAmount  bool            `json:"has_tax_amount"`
	Confidence    map[string]int  `json:"confidence"`
	Source        Source          `json:"source"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of the record
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Items = append([]LineItem(nil), r.Items...)
	c.Confidence = make(map[string]int, len(r.Confidence))
	for k, v := range r.Confidence {
		c.Confidence[k] = v
	}
	return &c
}

// ConfidenceOf returns the extraction confidence for a field, 0 when unknown.
func (r *Record) ConfidenceOf(field string) int {
	return r.Confidence[field]
}

// CorrectionKind classifies why a value was changed
type CorrectionKind string

const (
	KindCalculation CorrectionKind = "calculation"
	KindFormat      CorrectionKind = "format"
	KindCompliance  CorrectionKind = "compliance"
	KindUserEdit    CorrectionKind = "user_edit"
)

// Actor identifies who made a correction
type Actor string

const (
	ActorVerifier            Actor = "verifier"
	ActorComplianceValidator Actor = "compliance_validator"
	ActorUser                Actor = "user"
)

// Correction is an immutable record of one field change
type Correction struct {
	DocumentID string         `json:"document_id"`
	Field      string         `json:"field"`
	Original   string         `json:"original"`
	Corrected  string         `json:"corrected"`
	Kind       CorrectionKind `json:"kind"`
	Reason     string         `json:"reason"`
	Actor      Actor          `json:"actor"`
	Timestamp  time.Time      `json:"timestamp"`
}
