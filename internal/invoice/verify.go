package invoice

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Verify recomputes the arithmetic of a record and returns a corrected copy
// together with one calculation Correction per replaced value. Steps run in
// order (line amounts, subtotal, tax, total). Each step compares the stated
// value with one recomputed from the recomputed values before it, so a
// stated figure kept within Tolerance never feeds a later step. The input
// is not modified and the same input always yields the same output.
func Verify(r *Record, now time.Time) (*Record, []Correction) {
	out := r.Clone()
	var corrections []Correction

	correct := func(field string, original, corrected decimal.Decimal, reason string) {
		corrections = append(corrections, Correction{
			DocumentID: out.DocumentID,
			Field:      field,
			Original:   FormatAmount(original),
			Corrected:  FormatAmount(corrected),
			Kind:       KindCalculation,
			Reason:     reason,
			Actor:      ActorVerifier,
			Timestamp:  now,
		})
	}

	// 1. line amounts
	subtotal := decimal.Zero
	for i := range out.Items {
		item := &out.Items[i]
		product := item.Quantity.Mul(item.Rate)
		if differs(item.Amount, product) {
			expected := product.Round(2)
			correct(ItemField(i, "amount"), item.Amount, expected,
				fmt.Sprintf("quantity %s x rate %s = %s", item.Quantity, item.Rate, FormatAmount(expected)))
			item.Amount = expected
		}
		subtotal = subtotal.Add(item.Amount)
	}

	// 2. subtotal
	if differs(out.Subtotal, subtotal) {
		correct(FieldSubtotal, out.Subtotal, subtotal,
			fmt.Sprintf("sum of %d line amounts is %s", len(out.Items), FormatAmount(subtotal)))
		out.Subtotal = subtotal
	}

	// 3. tax; without a rate the stated amount is all there is
	tax := out.TaxAmount
	if out.HasTaxRate {
		tax = subtotal.Mul(out.TaxRate).Div(hundred).Round(2)
		switch {
		case !out.HasTaxAmount:
			corrections = append(corrections, Correction{
				DocumentID: out.DocumentID,
				Field:      FieldTaxAmount,
				Corrected:  FormatAmount(tax),
				Kind:       KindCalculation,
				Reason:     fmt.Sprintf("tax amount missing; %s%% of %s is %s", out.TaxRate, FormatAmount(subtotal), FormatAmount(tax)),
				Actor:      ActorVerifier,
				Timestamp:  now,
			})
			out.TaxAmount = tax
			out.HasTaxAmount = true
		case differs(out.TaxAmount, tax):
			correct(FieldTaxAmount, out.TaxAmount, tax,
				fmt.Sprintf("%s%% of %s is %s", out.TaxRate, FormatAmount(subtotal), FormatAmount(tax)))
			out.TaxAmount = tax
		}
	}

	// 4. total
	total := subtotal.Add(tax)
	if differs(out.Total, total) {
		correct(FieldTotal, out.Total, total,
			fmt.Sprintf("subtotal %s + tax %s = %s", FormatAmount(subtotal), FormatAmount(tax), FormatAmount(total)))
		out.Total = total
	}

	return out, corrections
}

// Discrepancies reports what Verify would correct without correcting it.
// Manually entered records are checked this way since the user's figures
// are never overwritten automatically.
func Discrepancies(r *Record, now time.Time) []Correction {
	_, found := Verify(r, now)
	return found
}

// differs reports whether stated and computed disagree by more than Tolerance
func differs(stated, computed decimal.Decimal) bool {
	return stated.Sub(computed).Abs().GreaterThan(Tolerance)
}

// FormatAmount renders a currency amount with two decimal places
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}
