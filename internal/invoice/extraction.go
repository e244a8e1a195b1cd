package invoice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Field is one value of a raw extraction. It is either absent (missing key or
// JSON null) or present with the undecoded JSON value the producer sent.
type Field struct {
	present bool
	raw     json.RawMessage
}

// Value builds a present field from any JSON-encodable value.
func Value(v any) Field {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return Field{}
	}
	return Field{present: true, raw: data}
}

// Absent returns a field with no value
func Absent() Field {
	return Field{}
}

// UnmarshalJSON implements json.Unmarshaler. JSON null is absent.
func (f *Field) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = Field{}
		return nil
	}
	f.present = true
	f.raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

// MarshalJSON implements json.Marshaler
func (f Field) MarshalJSON() ([]byte, error) {
	if !f.present {
		return []byte("null"), nil
	}
	return f.raw, nil
}

// Present reports whether the producer supplied a value
func (f Field) Present() bool {
	return f.present
}

// Extraction is the raw, untrusted output of an extraction collaborator.
// Every field may be absent and numeric fields may arrive as strings.
type Extraction struct {
	InvoiceNumber Field            `json:"invoice_number"`
	Date          Field            `json:"date"`
	PartyName     Field            `json:"party_name"`
	PartyTaxID    Field            `json:"party_tax_id"`
	PartyAddress  Field            `json:"party_address"`
	Items         []RawLineItem    `json:"items"`
	Subtotal      Field            `json:"subtotal"`
	TaxRate       Field            `json:"tax_rate"`
	TaxAmount     Field            `json:"tax_amount"`
	Total         Field            `json:"total"`
	Confidence    map[string]Field `json:"confidence,omitempty"`
}

// RawLineItem is an untrusted line item
type RawLineItem struct {
	Description Field `json:"description"`
	HSNCode     Field `json:"hsn_code"`
	Quantity    Field `json:"quantity"`
	Unit        Field `json:"unit"`
	Rate        Field `json:"rate"`
	Amount      Field `json:"amount"`
}

// ParseExtraction decodes a JSON extraction document
func ParseExtraction(data []byte) (*Extraction, error) {
	var e Extraction
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &MalformedExtractionError{Field: "document", Value: truncate(string(data)), Err: err}
	}
	return &e, nil
}

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"02-01-2006",
	"2006/01/02",
	"02 Jan 2006",
	"2 Jan 2006",
	"Jan 2, 2006",
}

var amountNoise = strings.NewReplacer(",", "", "₹", "", "Rs.", "", "Rs", "", "INR", "", "%", "", " ", "")

// text coerces a field to a string. Numbers are accepted as their literal text.
func text(name string, f Field) (string, error) {
	if !f.present {
		return "", nil
	}
	switch f.raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(f.raw, &s); err != nil {
			return "", &MalformedExtractionError{Field: name, Value: string(f.raw), Err: err}
		}
		return strings.TrimSpace(s), nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return string(f.raw), nil
	}
	return "", &MalformedExtractionError{Field: name, Value: string(f.raw), Err: fmt.Errorf("expected text")}
}

// number coerces a field to a decimal. The boolean is false when the field is
// absent or an empty string.
func number(name string, f Field) (decimal.Decimal, bool, error) {
	if !f.present {
		return decimal.Zero, false, nil
	}
	var literal string
	switch f.raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(f.raw, &s); err != nil {
			return decimal.Zero, false, &MalformedExtractionError{Field: name, Value: string(f.raw), Err: err}
		}
		literal = amountNoise.Replace(strings.TrimSpace(s))
		if literal == "" {
			return decimal.Zero, false, nil
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		literal = string(f.raw)
	default:
		return decimal.Zero, false, &MalformedExtractionError{Field: name, Value: string(f.raw), Err: fmt.Errorf("expected a number")}
	}
	d, err := decimal.NewFromString(literal)
	if err != nil {
		return decimal.Zero, false, &MalformedExtractionError{Field: name, Value: string(f.raw), Err: err}
	}
	return d, true, nil
}

// date coerces a field to a calendar date in UTC
func date(name string, f Field) (time.Time, error) {
	s, err := text(name, f)
	if err != nil || s == "" {
		return time.Time{}, err
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.UTC(), nil
		}
	}
	return time.Time{}, &MalformedExtractionError{Field: name, Value: s, Err: fmt.Errorf("unrecognised date format")}
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
