package report

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
	"speaker-analysis-go/internal/organize"
)

const sheetName = "Triage"

var headers = []string{"Speaker Folder", "Call ID", "Transcript", "Score", "Destination"}

// Write renders the run's triage outcomes into an xlsx workbook, one row per
// routed call, so reviewers get a single sortable overview instead of
// crawling the per-call directories.
func Write(path string, calls []organize.RoutedCall, log *logrus.Entry) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	for col, h := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("header cell: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for row, call := range calls {
		values := []interface{}{call.Unit, call.CallID, call.TranscriptFile, call.Score, call.Destination}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				return fmt.Errorf("cell name: %w", err)
			}
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				return fmt.Errorf("write row %d: %w", row+1, err)
			}
		}
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	log.WithFields(logrus.Fields{
		"path":  path,
		"calls": len(calls),
	}).Info("triage report written")
	return nil
}
