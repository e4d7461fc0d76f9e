package export

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"enlist/internal/models"
)

func openWorkbook(t *testing.T, path string) *excelize.File {
	t.Helper()
	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestRunReport(t *testing.T) {
	exporter := NewExporter(t.TempDir(), zerolog.Nop())

	completed := time.Date(2026, 8, 30, 14, 30, 0, 0, time.UTC)
	snap := &models.RunSnapshot{
		RunID:     "run-1",
		Mode:      models.ModeComplete,
		StartedAt: time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC),
		Counters:  models.Counters{Total: 2, Success: 1, Manual: 1, Processed: 2},
		Tasks: []models.EventTask{
			{
				URL:         "https://cal.test/events/1",
				Title:       "Town Hall",
				Date:        "2026-09-01",
				Status:      models.TaskSuccess,
				Message:     "registration confirmed",
				CompletedAt: &completed,
			},
			{
				URL:     "https://cal.test/events/2",
				Title:   "Workshop",
				Status:  models.TaskManual,
				Message: "page state not recognized",
			},
		},
	}

	path, err := exporter.RunReport(snap)
	require.NoError(t, err)
	assert.FileExists(t, path)

	f := openWorkbook(t, path)

	title, err := f.GetCellValue("Run", "A1")
	require.NoError(t, err)
	assert.Contains(t, title, "Run run-1 (complete)")

	url, _ := f.GetCellValue("Run", "A3")
	assert.Equal(t, "https://cal.test/events/1", url)
	status, _ := f.GetCellValue("Run", "D3")
	assert.Equal(t, "success", status)
	completedCell, _ := f.GetCellValue("Run", "F3")
	assert.Equal(t, "2026-08-30 14:30:00", completedCell)

	message, _ := f.GetCellValue("Run", "E4")
	assert.Equal(t, "page state not recognized", message)

	totals, _ := f.GetCellValue("Run", "D6")
	assert.Contains(t, totals, "success=1")
	assert.Contains(t, totals, "manual=1")

	// The default sheet is dropped so "Run" opens first.
	idx, _ := f.GetSheetIndex("Sheet1")
	assert.Equal(t, -1, idx)
}

func TestRunReport_NilSnapshot(t *testing.T) {
	exporter := NewExporter(t.TempDir(), zerolog.Nop())
	_, err := exporter.RunReport(nil)
	assert.Error(t, err)
}

func TestLedgerReport(t *testing.T) {
	exporter := NewExporter(t.TempDir(), zerolog.Nop())

	records := []models.LedgerRecord{
		{
			EventURL:     "https://cal.test/events/1",
			Title:        "Town Hall",
			EventDate:    "2026-09-01",
			PersonEmail:  "me@example.com",
			PersonName:   "Operator",
			Calendar:     "team",
			RegisteredAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		},
		{
			EventURL:     "https://cal.test/events/2",
			PersonEmail:  "colleague@example.com",
			RegisteredAt: time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC),
		},
	}

	path, err := exporter.LedgerReport(records)
	require.NoError(t, err)

	f := openWorkbook(t, path)

	header, _ := f.GetCellValue("Ledger", "D1")
	assert.Equal(t, "Email", header)
	email, _ := f.GetCellValue("Ledger", "D2")
	assert.Equal(t, "me@example.com", email)
	calendar, _ := f.GetCellValue("Ledger", "F2")
	assert.Equal(t, "team", calendar)
	secondURL, _ := f.GetCellValue("Ledger", "A3")
	assert.Equal(t, "https://cal.test/events/2", secondURL)
}

func TestLedgerReport_EmptyStillWrites(t *testing.T) {
	exporter := NewExporter(t.TempDir(), zerolog.Nop())
	path, err := exporter.LedgerReport(nil)
	require.NoError(t, err)
	assert.FileExists(t, path)
}
