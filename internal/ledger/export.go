package ledger

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/zombor/invoice-reconciler/internal/invoice"
)

// ExportColumns is the flat column layout of an audit export
var ExportColumns = []string{"timestamp", "field", "original_value", "corrected_value", "kind", "actor"}

func exportRow(c invoice.Correction) []string {
	return []string{
		c.Timestamp.UTC().Format(time.RFC3339),
		c.Field,
		c.Original,
		c.Corrected,
		string(c.Kind),
		string(c.Actor),
	}
}

// WriteCSV writes corrections as CSV with a header row
func WriteCSV(w io.Writer, corrections []invoice.Correction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportColumns); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, c := range corrections {
		if err := cw.Write(exportRow(c)); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flushing csv: %w", err)
	}
	return nil
}

const sheetName = "Corrections"

// WriteXLSX writes corrections as a single-sheet spreadsheet
func WriteXLSX(w io.Writer, corrections []invoice.Correction) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}
	if err := f.SetSheetRow(sheetName, "A1", &ExportColumns); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for i, c := range corrections {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := exportRow(c)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing xlsx: %w", err)
	}
	return nil
}
