package invoice

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidEdit is returned for an edit naming an unknown field or
// carrying a value of the wrong type
var ErrInvalidEdit = errors.New("invalid edit")

// Edit is an explicit user change to one field. Field uses the same names
// as corrections, e.g. "tax_rate" or "items[1].quantity".
type Edit struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

var itemFieldPattern = regexp.MustCompile(`^items\[(\d+)\]\.(\w+)$`)

// ApplyEdits applies user edits to a copy of r and returns one user_edit
// Correction per changed value. Edits that leave a value unchanged produce
// no correction. Either every edit applies or none does.
func ApplyEdits(r *Record, edits []Edit, now time.Time) (*Record, []Correction, error) {
	out := r.Clone()
	var corrections []Correction
	for _, e := range edits {
		before, after, err := applyEdit(out, e)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %w", ErrInvalidEdit, e.Field, err)
		}
		out.Confidence[e.Field] = 100
		if before == after {
			continue
		}
		corrections = append(corrections, Correction{
			DocumentID: out.DocumentID,
			Field:      e.Field,
			Original:   before,
			Corrected:  after,
			Kind:       KindUserEdit,
			Reason:     "edited by user",
			Actor:      ActorUser,
			Timestamp:  now,
		})
	}
	out.UpdatedAt = now
	return out, corrections, nil
}

// applyEdit sets one field and returns its rendered value before and after
func applyEdit(r *Record, e Edit) (string, string, error) {
	f := Value(e.Value)
	switch e.Field {
	case FieldInvoiceNumber:
		return setText(&r.InvoiceNumber, e.Field, f)
	case FieldPartyName:
		return setText(&r.PartyName, e.Field, f)
	case FieldPartyTaxID:
		return setText(&r.PartyTaxID, e.Field, f)
	case FieldPartyAddress:
		return setText(&r.PartyAddress, e.Field, f)
	case FieldDate:
		before := formatDate(r.Date)
		d, err := date(e.Field, f)
		if err != nil {
			return "", "", err
		}
		r.Date = d
		return before, formatDate(d), nil
	case FieldSubtotal:
		return setAmount(&r.Subtotal, nil, e.Field, f)
	case FieldTotal:
		return setAmount(&r.Total, nil, e.Field, f)
	case FieldTaxAmount:
		return setAmount(&r.TaxAmount, &r.HasTaxAmount, e.Field, f)
	case FieldTaxRate:
		before := optional(r.TaxRate.String(), r.HasTaxRate)
		d, ok, err := number(e.Field, f)
		if err != nil {
			return "", "", err
		}
		r.TaxRate, r.HasTaxRate = d, ok
		return before, optional(d.String(), ok), nil
	}

	m := itemFieldPattern.FindStringSubmatch(e.Field)
	if m == nil {
		return "", "", fmt.Errorf("unknown field")
	}
	i, _ := strconv.Atoi(m[1])
	if i >= len(r.Items) {
		return "", "", fmt.Errorf("no line item %d", i)
	}
	item := &r.Items[i]
	switch m[2] {
	case "description":
		return setText(&item.Description, e.Field, f)
	case "hsn_code":
		return setText(&item.HSNCode, e.Field, f)
	case "unit":
		return setText(&item.Unit, e.Field, f)
	case "amount":
		return setAmount(&item.Amount, nil, e.Field, f)
	case "quantity", "rate":
		target := &item.Quantity
		if m[2] == "rate" {
			target = &item.Rate
		}
		before := target.String()
		d, _, err := number(e.Field, f)
		if err != nil {
			return "", "", err
		}
		if d.IsNegative() {
			return "", "", fmt.Errorf("must not be negative")
		}
		*target = d
		return before, d.String(), nil
	}
	return "", "", fmt.Errorf("unknown field")
}

func setText(target *string, name string, f Field) (string, string, error) {
	before := *target
	s, err := text(name, f)
	if err != nil {
		return "", "", err
	}
	*target = s
	return before, s, nil
}

// setAmount sets a currency field. has, when given, tracks whether the
// value was supplied at all and an empty value clears it.
func setAmount(target *decimal.Decimal, has *bool, name string, f Field) (string, string, error) {
	present := has == nil || *has
	before := optional(FormatAmount(*target), present)
	d, ok, err := number(name, f)
	if err != nil {
		return "", "", err
	}
	if has != nil {
		*has = ok
	}
	*target = d
	return before, optional(FormatAmount(d), has == nil || ok), nil
}

func optional(s string, present bool) string {
	if !present {
		return ""
	}
	return s
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}
