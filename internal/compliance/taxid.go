package compliance

import (
	"fmt"
	"strings"
)

// TaxIDLength is the length of a GSTIN-style tax identifier
const TaxIDLength = 15

const (
	minJurisdiction = 1
	maxJurisdiction = 37
	taxIDLiteral    = 'Z' // fixed character at position 14
)

const checksumAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NormalizeTaxID strips whitespace and upper-cases an identifier
func NormalizeTaxID(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

// TaxIDProblem describes one structural defect of a tax identifier
type TaxIDProblem struct {
	Position int // 1-based; 0 when the defect is about the whole value
	Message  string
}

// CheckTaxIDStructure returns every structural defect of id. An empty result
// means the identifier is well formed; the check character is not verified.
func CheckTaxIDStructure(id string) []TaxIDProblem {
	if len(id) != TaxIDLength {
		return []TaxIDProblem{{Message: fmt.Sprintf("must be %d characters, got %d", TaxIDLength, len(id))}}
	}

	var problems []TaxIDProblem
	add := func(pos int, format string, args ...any) {
		problems = append(problems, TaxIDProblem{Position: pos, Message: fmt.Sprintf(format, args...)})
	}

	if !isDigit(id[0]) || !isDigit(id[1]) {
		add(1, "jurisdiction code %q must be two digits", id[:2])
	} else if code := int(id[0]-'0')*10 + int(id[1]-'0'); code < minJurisdiction || code > maxJurisdiction {
		add(1, "jurisdiction code %02d outside %02d-%02d", code, minJurisdiction, maxJurisdiction)
	}
	for i := 2; i < 12; i++ {
		if !isAlnum(id[i]) {
			add(i+1, "holder identifier character %q must be alphanumeric", id[i])
		}
	}
	if !isDigit(id[12]) {
		add(13, "entity code %q must be a digit", id[12])
	}
	if id[13] != taxIDLiteral {
		add(14, "position 14 must be %q, got %q", taxIDLiteral, id[13])
	}
	if !isAlnum(id[14]) {
		add(15, "check character %q must be alphanumeric", id[14])
	}
	return problems
}

// TaxIDCheckChar computes the mod-36 check character over the first 14
// characters of a structurally valid identifier.
func TaxIDCheckChar(id string) byte {
	sum := 0
	for i := 0; i < TaxIDLength-1; i++ {
		v := strings.IndexByte(checksumAlphabet, id[i])
		factor := 1
		if i%2 == 1 {
			factor = 2
		}
		p := v * factor
		sum += p/36 + p%36
	}
	return checksumAlphabet[(36-sum%36)%36]
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isAlnum(c byte) bool {
	return isDigit(c) || (c >= 'A' && c <= 'Z')
}
