// Package export writes run reports and ledger dumps as Excel workbooks.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"enlist/internal/models"
)

type Exporter struct {
	path   string
	logger zerolog.Logger
}

func NewExporter(path string, logger zerolog.Logger) *Exporter {
	return &Exporter{path: path, logger: logger.With().Str("component", "export").Logger()}
}

// RunReport writes the per-task outcomes of a run to an xlsx file and
// returns its path.
func (e *Exporter) RunReport(snap *models.RunSnapshot) (string, error) {
	if snap == nil {
		return "", fmt.Errorf("no run to export")
	}
	if err := os.MkdirAll(e.path, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %v", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Run"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %v", err)
	}
	f.SetActiveSheet(index)

	_ = f.SetCellValue(sheetName, "A1", fmt.Sprintf("Run %s (%s), started %s",
		snap.RunID, snap.Mode, snap.StartedAt.Format("2006-01-02 15:04")))
	_ = f.MergeCell(sheetName, "A1", "F1")
	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(sheetName, "A1", "A1", titleStyle)

	writeHeaderRow(f, sheetName, 2, []string{"Event URL", "Title", "Date", "Status", "Message", "Completed"})

	row := 3
	for _, task := range snap.Tasks {
		completed := ""
		if task.CompletedAt != nil {
			completed = task.CompletedAt.Format("2006-01-02 15:04:05")
		}
		writeRow(f, sheetName, row, []any{task.URL, task.Title, task.Date, task.Status, task.Message, completed})
		row++
	}

	writeRow(f, sheetName, row+1, []any{"Totals", "", "",
		fmt.Sprintf("success=%d failed=%d manual=%d pending=%d",
			snap.Counters.Success, snap.Counters.Failed, snap.Counters.Manual, snap.Counters.Pending), "", ""})

	_ = f.SetColWidth(sheetName, "A", "A", 50)
	_ = f.SetColWidth(sheetName, "B", "B", 35)
	_ = f.SetColWidth(sheetName, "C", "F", 22)
	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("run_%s_%s.xlsx", snap.RunID, time.Now().Format("2006-01-02_150405"))
	filePath := filepath.Join(e.path, fileName)
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %v", err)
	}

	e.logger.Info().Str("file_path", filePath).Msg("run report created")
	return filePath, nil
}

// LedgerReport dumps the shared ledger into an xlsx file, one row per
// registration record.
func (e *Exporter) LedgerReport(records []models.LedgerRecord) (string, error) {
	if err := os.MkdirAll(e.path, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %v", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Ledger"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %v", err)
	}
	f.SetActiveSheet(index)

	writeHeaderRow(f, sheetName, 1, []string{"Event URL", "Title", "Date", "Email", "Name", "Calendar", "Registered At"})

	row := 2
	for _, rec := range records {
		writeRow(f, sheetName, row, []any{
			rec.EventURL, rec.Title, rec.EventDate, rec.PersonEmail, rec.PersonName,
			rec.Calendar, rec.RegisteredAt.Format("2006-01-02 15:04:05"),
		})
		row++
	}

	_ = f.SetColWidth(sheetName, "A", "A", 50)
	_ = f.SetColWidth(sheetName, "B", "G", 24)
	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("ledger_%s.xlsx", time.Now().Format("2006-01-02_150405"))
	filePath := filepath.Join(e.path, fileName)
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %v", err)
	}

	e.logger.Info().Str("file_path", filePath).Int("records", len(records)).Msg("ledger report created")
	return filePath, nil
}

func writeHeaderRow(f *excelize.File, sheet string, row int, headers []string) {
	style, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, h)
		_ = f.SetCellStyle(sheet, cell, cell, style)
	}
}

func writeRow(f *excelize.File, sheet string, row int, values []any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}
