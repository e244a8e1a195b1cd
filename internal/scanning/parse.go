package scanning

import (
	"fmt"
	"strings"

	"github.com/zombor/invoice-reconciler/internal/invoice"
)

// parseExtractionJSON pulls the JSON object out of a model response and
// decodes it. Values are not coerced here; that is the normalizer's job.
func parseExtractionJSON(text string) (*invoice.Extraction, error) {
	text = strings.TrimSpace(text)

	// Remove opening markdown code blocks
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, &invoice.MalformedExtractionError{Field: "document", Value: truncate(text), Err: fmt.Errorf("no JSON object found in response")}
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, &invoice.MalformedExtractionError{Field: "document", Value: truncate(text), Err: fmt.Errorf("invalid JSON object in response")}
	}

	extraction, err := invoice.ParseExtraction([]byte(text[startIdx : endIdx+1]))
	if err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}
	return extraction, nil
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
