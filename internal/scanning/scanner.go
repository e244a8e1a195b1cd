package scanning

import (
	"context"

	"github.com/zombor/invoice-reconciler/internal/invoice"
)

// Scanner defines the interface for invoice extraction
type Scanner interface {
	// ScanInvoice analyzes an invoice image/PDF and returns the raw,
	// untrusted extraction with per-field confidence
	ScanInvoice(ctx context.Context, imageData []byte, contentType string) (*invoice.Extraction, error)
	// Close closes the scanner and releases resources
	Close() error
}
