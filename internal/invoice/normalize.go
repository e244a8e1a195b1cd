package invoice

import (
	"fmt"
)

// Confidence keys for the top-level fields of a record
const (
	FieldInvoiceNumber = "invoice_number"
	FieldDate          = "date"
	FieldPartyName     = "party_name"
	FieldPartyTaxID    = "party_tax_id"
	FieldPartyAddress  = "party_address"
	FieldItems         = "items"
	FieldSubtotal      = "subtotal"
	FieldTaxRate       = "tax_rate"
	FieldTaxAmount     = "tax_amount"
	FieldTotal         = "total"
)

var confidenceFields = []string{
	FieldInvoiceNumber, FieldDate, FieldPartyName, FieldPartyTaxID, FieldPartyAddress,
	FieldItems, FieldSubtotal, FieldTaxRate, FieldTaxAmount, FieldTotal,
}

// ItemField names a field of the i-th line item, e.g. "items[0].amount".
func ItemField(i int, name string) string {
	return fmt.Sprintf("items[%d].%s", i, name)
}

// Normalize converts a raw extraction into a typed record. It coerces types
// only: absent values stay zero and nothing is corrected here.
func Normalize(raw *Extraction) (*Record, error) {
	if raw == nil {
		return nil, &MalformedExtractionError{Field: "document", Value: "null", Err: fmt.Errorf("no extraction")}
	}

	r := &Record{Source: SourceExtraction}
	var err error

	if r.InvoiceNumber, err = text(FieldInvoiceNumber, raw.InvoiceNumber); err != nil {
		return nil, err
	}
	if r.Date, err = date(FieldDate, raw.Date); err != nil {
		return nil, err
	}
	if r.PartyName, err = text(FieldPartyName, raw.PartyName); err != nil {
		return nil, err
	}
	if r.PartyTaxID, err = text(FieldPartyTaxID, raw.PartyTaxID); err != nil {
		return nil, err
	}
	if r.PartyAddress, err = text(FieldPartyAddress, raw.PartyAddress); err != nil {
		return nil, err
	}

	r.Items = make([]LineItem, 0, len(raw.Items))
	for i, ri := range raw.Items {
		item, err := normalizeItem(i, ri)
		if err != nil {
			return nil, err
		}
		r.Items = append(r.Items, item)
	}

	if r.Subtotal, _, err = number(FieldSubtotal, raw.Subtotal); err != nil {
		return nil, err
	}
	if r.TaxRate, r.HasTaxRate, err = number(FieldTaxRate, raw.TaxRate); err != nil {
		return nil, err
	}
	if r.TaxAmount, r.HasTaxAmount, err = number(FieldTaxAmount, raw.TaxAmount); err != nil {
		return nil, err
	}
	if r.Total, _, err = number(FieldTotal, raw.Total); err != nil {
		return nil, err
	}

	r.Confidence = make(map[string]int, len(confidenceFields))
	for _, name := range confidenceFields {
		r.Confidence[name] = confidence(raw.Confidence[name])
	}
	for name, v := range raw.Confidence {
		if _, ok := r.Confidence[name]; !ok {
			r.Confidence[name] = confidence(v)
		}
	}

	return r, nil
}

// NormalizeManual converts a manual-entry form. Every populated field is
// given full confidence.
func NormalizeManual(form *Extraction) (*Record, error) {
	if form == nil {
		return nil, &MalformedExtractionError{Field: "document", Value: "null", Err: fmt.Errorf("no form")}
	}
	withoutConfidence := *form
	withoutConfidence.Confidence = nil

	r, err := Normalize(&withoutConfidence)
	if err != nil {
		return nil, err
	}
	r.Source = SourceManual

	populated := map[string]bool{
		FieldInvoiceNumber: form.InvoiceNumber.Present(),
		FieldDate:          form.Date.Present(),
		FieldPartyName:     form.PartyName.Present(),
		FieldPartyTaxID:    form.PartyTaxID.Present(),
		FieldPartyAddress:  form.PartyAddress.Present(),
		FieldItems:         len(form.Items) > 0,
		FieldSubtotal:      form.Subtotal.Present(),
		FieldTaxRate:       form.TaxRate.Present(),
		FieldTaxAmount:     form.TaxAmount.Present(),
		FieldTotal:         form.Total.Present(),
	}
	for name, ok := range populated {
		if ok {
			r.Confidence[name] = 100
		}
	}
	return r, nil
}

func normalizeItem(i int, ri RawLineItem) (LineItem, error) {
	var (
		item LineItem
		err  error
	)
	if item.Description, err = text(ItemField(i, "description"), ri.Description); err != nil {
		return item, err
	}
	if item.HSNCode, err = text(ItemField(i, "hsn_code"), ri.HSNCode); err != nil {
		return item, err
	}
	if item.Unit, err = text(ItemField(i, "unit"), ri.Unit); err != nil {
		return item, err
	}
	if item.Quantity, _, err = number(ItemField(i, "quantity"), ri.Quantity); err != nil {
		return item, err
	}
	if item.Quantity.IsNegative() {
		return item, &MalformedExtractionError{Field: ItemField(i, "quantity"), Value: item.Quantity.String(), Err: fmt.Errorf("must not be negative")}
	}
	if item.Rate, _, err = number(ItemField(i, "rate"), ri.Rate); err != nil {
		return item, err
	}
	if item.Rate.IsNegative() {
		return item, &MalformedExtractionError{Field: ItemField(i, "rate"), Value: item.Rate.String(), Err: fmt.Errorf("must not be negative")}
	}
	if item.Amount, _, err = number(ItemField(i, "amount"), ri.Amount); err != nil {
		return item, err
	}
	return item, nil
}

// confidence coerces a reported score to a whole percentage in [0,100].
// Fractional scores are rounded. A score that is not a number counts as 0
// so the field is flagged for review rather than failing the document.
func confidence(f Field) int {
	d, ok, err := number("confidence", f)
	if err != nil || !ok {
		return 0
	}
	switch {
	case d.IsNegative():
		return 0
	case d.GreaterThan(hundred):
		return 100
	}
	return int(d.Round(0).IntPart())
}
