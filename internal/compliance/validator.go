package compliance

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-reconciler/internal/invoice"
)

// PermittedRates is the closed set of tax rates, in percent
var PermittedRates = []decimal.Decimal{
	decimal.NewFromInt(0),
	decimal.NewFromInt(5),
	decimal.NewFromInt(12),
	decimal.NewFromInt(18),
	decimal.NewFromInt(28),
}

// fields whose extraction confidence is checked when MinConfidence is set
var criticalFields = []string{
	invoice.FieldInvoiceNumber,
	invoice.FieldDate,
	invoice.FieldPartyTaxID,
	invoice.FieldTotal,
}

// Result is the output of one validation pass
type Result struct {
	Record      *invoice.Record
	Verdict     Verdict
	Corrections []invoice.Correction
}

// Validator checks tax compliance of a verified record. The zero value is
// ready to use.
type Validator struct {
	// MinConfidence flags extracted critical fields whose confidence is below
	// it for review. Zero disables the check.
	MinConfidence int
}

// Validate runs the zero-value Validator
func Validate(r *invoice.Record, now time.Time) Result {
	return Validator{}.Validate(r, now)
}

// Validate checks every rule, collects all issues and then selects a
// verdict. Format fixes (tax-id case and spacing, HSN punctuation) are
// applied to a copy and returned as format corrections.
func (v Validator) Validate(r *invoice.Record, now time.Time) Result {
	out := r.Clone()
	var (
		issues      []Issue
		corrections []invoice.Correction
	)
	hard := func(field, format string, args ...any) {
		issues = append(issues, Issue{Field: field, Message: fmt.Sprintf(format, args...), Severity: SeverityHard})
	}
	soft := func(field, format string, args ...any) {
		issues = append(issues, Issue{Field: field, Message: fmt.Sprintf(format, args...), Severity: SeveritySoft})
	}
	reformat := func(field, original, corrected, reason string) {
		corrections = append(corrections, invoice.Correction{
			DocumentID: out.DocumentID,
			Field:      field,
			Original:   original,
			Corrected:  corrected,
			Kind:       invoice.KindFormat,
			Reason:     reason,
			Actor:      invoice.ActorComplianceValidator,
			Timestamp:  now,
		})
	}

	// tax identifier
	if normalized := NormalizeTaxID(out.PartyTaxID); normalized != out.PartyTaxID {
		reformat(invoice.FieldPartyTaxID, out.PartyTaxID, normalized, "tax identifier upper-cased and whitespace removed")
		out.PartyTaxID = normalized
	}
	switch problems := CheckTaxIDStructure(out.PartyTaxID); {
	case out.PartyTaxID == "":
		hard(invoice.FieldPartyTaxID, "tax identifier is missing")
	case len(problems) > 0:
		for _, p := range problems {
			if p.Position > 0 {
				hard(invoice.FieldPartyTaxID, "invalid tax identifier %q at position %d: %s", out.PartyTaxID, p.Position, p.Message)
			} else {
				hard(invoice.FieldPartyTaxID, "invalid tax identifier %q: %s", out.PartyTaxID, p.Message)
			}
		}
	default:
		if want := TaxIDCheckChar(out.PartyTaxID); out.PartyTaxID[TaxIDLength-1] != want {
			soft(invoice.FieldPartyTaxID, "check character %q does not match expected %q; identifier may be misread",
				out.PartyTaxID[TaxIDLength-1], want)
		}
	}

	// tax rate and breakup
	if !out.HasTaxRate {
		soft(invoice.FieldTaxRate, "tax rate is missing; tax breakup cannot be confirmed")
	} else if !IsPermittedRate(out.TaxRate) {
		hard(invoice.FieldTaxRate, "%s%% is not a permitted rate (%s)", out.TaxRate, permittedRatesText())
	}
	if !out.HasTaxAmount {
		soft(invoice.FieldTaxAmount, "tax breakup is missing")
	}

	// mandatory header fields
	if out.InvoiceNumber == "" {
		hard(invoice.FieldInvoiceNumber, "invoice number is missing")
	}
	if out.Date.IsZero() {
		hard(invoice.FieldDate, "invoice date is missing")
	}

	// line items
	if len(out.Items) == 0 {
		hard(invoice.FieldItems, "invoice has no line items")
	}
	withCode := 0
	for i := range out.Items {
		item := &out.Items[i]
		field := invoice.ItemField(i, "hsn_code")
		if normalized := normalizeHSN(item.HSNCode); normalized != item.HSNCode {
			reformat(field, item.HSNCode, normalized, "HSN/SAC code punctuation removed")
			item.HSNCode = normalized
		}
		switch {
		case item.HSNCode == "":
			soft(field, "HSN/SAC code is missing")
		case !validHSN(item.HSNCode):
			soft(field, "HSN/SAC code %q should be 4, 6 or 8 digits", item.HSNCode)
			withCode++
		default:
			withCode++
		}
	}
	if len(out.Items) > 0 && withCode == 0 {
		soft(invoice.FieldItems, "no line item carries an HSN/SAC code")
	}

	if v.MinConfidence > 0 && out.Source == invoice.SourceExtraction {
		for _, field := range criticalFields {
			if c := out.ConfidenceOf(field); c < v.MinConfidence {
				soft(field, "extraction confidence %d is below %d", c, v.MinConfidence)
			}
		}
	}

	return Result{Record: out, Verdict: NewVerdict(issues), Corrections: corrections}
}

// IsPermittedRate reports whether rate is in PermittedRates
func IsPermittedRate(rate decimal.Decimal) bool {
	for _, p := range PermittedRates {
		if rate.Equal(p) {
			return true
		}
	}
	return false
}

func permittedRatesText() string {
	parts := make([]string, len(PermittedRates))
	for i, p := range PermittedRates {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}

func normalizeHSN(code string) string {
	return strings.NewReplacer(" ", "", ".", "", "-", "").Replace(strings.TrimSpace(code))
}

func validHSN(code string) bool {
	switch len(code) {
	case 4, 6, 8:
	default:
		return false
	}
	for i := 0; i < len(code); i++ {
		if !isDigit(code[i]) {
			return false
		}
	}
	return true
}
