package export

import (
	"path/filepath"
	"testing"
	"time"

	"fluentsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestWriteFailedReport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	items := []*models.FailedItem{
		{
			QueueItem: models.QueueItem{ID: "older", Method: "POST", URL: "https://app.test/api/a", Priority: models.PriorityLow, Retries: 5, Timestamp: now.Add(-time.Hour)},
			Error:     "HTTP 500: Internal Server Error",
			FailedAt:  now.Add(-time.Minute),
		},
		{
			QueueItem: models.QueueItem{ID: "newer", Method: "PUT", URL: "https://app.test/api/b", Priority: models.PriorityHigh, Retries: 5},
			Error:     "dial tcp: connection refused",
			FailedAt:  now,
		},
	}

	path, err := WriteFailedReport(dir, items, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "failed_20260301_123000.xlsx"), path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Failed"}, f.GetSheetList())

	rows, err := f.GetRows("Failed")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, "newer", rows[1][0])
	assert.Equal(t, "older", rows[2][0])
	assert.Equal(t, "5", rows[2][4])
	assert.Equal(t, "HTTP 500: Internal Server Error", rows[2][5])
	assert.Equal(t, "2026-03-01T11:30:00Z", rows[2][6])
}

func TestWriteFailedReportEmpty(t *testing.T) {
	path, err := WriteFailedReport(t.TempDir(), nil, time.Now())
	require.NoError(t, err)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Failed")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
