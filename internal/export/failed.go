package export

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"fluentsync/internal/models"

	"github.com/xuri/excelize/v2"
)

const failedSheet = "Failed"

var failedHeaders = []string{"ID", "Method", "URL", "Priority", "Retries", "Error", "Queued At", "Failed At", "Idempotency Key", "Body"}

// WriteFailedReport writes items to an xlsx file in dir, newest failure first,
// and returns the file path.
func WriteFailedReport(dir string, items []*models.FailedItem, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	sorted := append([]*models.FailedItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].FailedAt.After(sorted[j].FailedAt)
	})

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(failedSheet)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)

	header, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F8CBAD"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	for i, h := range failedHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(failedSheet, cell, h)
		_ = f.SetCellStyle(failedSheet, cell, cell, header)
	}

	for r, item := range sorted {
		row := []interface{}{
			item.ID,
			item.Method,
			item.URL,
			string(item.Priority),
			item.Retries,
			item.Error,
			formatTime(item.Timestamp),
			formatTime(item.FailedAt),
			item.IdempotencyKey,
			item.Body,
		}
		cell, _ := excelize.CoordinatesToCellName(1, r+2)
		if err := f.SetSheetRow(failedSheet, cell, &row); err != nil {
			return "", fmt.Errorf("error writing row %d: %w", r+2, err)
		}
	}

	_ = f.SetColWidth(failedSheet, "A", "A", 38)
	_ = f.SetColWidth(failedSheet, "C", "C", 50)
	_ = f.SetColWidth(failedSheet, "F", "F", 40)
	_ = f.SetColWidth(failedSheet, "G", "H", 20)
	_ = f.DeleteSheet("Sheet1")

	filePath := filepath.Join(dir, fmt.Sprintf("failed_%s.xlsx", now.Format("20060102_150405")))
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}
	return filePath, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
