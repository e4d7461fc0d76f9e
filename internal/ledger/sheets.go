package ledger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"enlist/internal/models"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const defaultSheetName = "Registrations"

// SheetsClient talks to the ledger spreadsheet directly: one tab per
// calendar, one row per (event, person) registration. Column order is
// event_url, title, event_date, person_email, person_name, registered_at.
type SheetsClient struct {
	service       *sheets.Service
	spreadsheetID string
}

func NewSheetsClient(ctx context.Context, credentialsFile, spreadsheetID string) (*SheetsClient, error) {
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	config, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	return &SheetsClient{service: srv, spreadsheetID: spreadsheetID}, nil
}

// TestConnection reads the header cell to verify access.
func (c *SheetsClient) TestConnection(ctx context.Context) error {
	_, err := c.service.Spreadsheets.Values.Get(c.spreadsheetID, defaultSheetName+"!A1").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%w: connection test: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *SheetsClient) GetScanStatus(ctx context.Context, email, calendar string) (*models.ScanStatus, error) {
	records, err := c.GetAllData(ctx, calendar)
	if err != nil {
		return nil, err
	}
	return buildScanStatus(records, email), nil
}

func (c *SheetsClient) AddRegistration(ctx context.Context, rec *models.LedgerRecord) (bool, string, error) {
	existing, err := c.GetAllData(ctx, rec.Calendar)
	if err != nil {
		return false, "", err
	}
	key := rec.DedupKey()
	for _, known := range existing {
		if known.DedupKey() == key {
			return false, ReasonDuplicate, nil
		}
	}

	registeredAt := rec.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now()
	}
	row := []interface{}{
		rec.EventURL,
		rec.Title,
		rec.EventDate,
		rec.PersonEmail,
		rec.PersonName,
		registeredAt.Format(time.RFC3339),
	}

	tab := tabName(rec.Calendar)
	_, err = c.service.Spreadsheets.Values.Append(c.spreadsheetID, tab+"!A:A", &sheets.ValueRange{
		Values: [][]interface{}{row},
	}).ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return false, "", fmt.Errorf("%w: append: %v", ErrUnavailable, err)
	}
	return true, "", nil
}

func (c *SheetsClient) GetAllData(ctx context.Context, calendar string) ([]models.LedgerRecord, error) {
	tab := tabName(calendar)
	resp, err := c.service.Spreadsheets.Values.Get(c.spreadsheetID, tab+"!A2:F").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, tab, err)
	}

	records := make([]models.LedgerRecord, 0, len(resp.Values))
	for _, row := range resp.Values {
		rec := models.LedgerRecord{Calendar: calendar}
		if len(row) > 0 {
			rec.EventURL = cellString(row[0])
		}
		if rec.EventURL == "" {
			continue
		}
		if len(row) > 1 {
			rec.Title = cellString(row[1])
		}
		if len(row) > 2 {
			rec.EventDate = cellString(row[2])
		}
		if len(row) > 3 {
			rec.PersonEmail = cellString(row[3])
		}
		if len(row) > 4 {
			rec.PersonName = cellString(row[4])
		}
		if len(row) > 5 {
			if ts, err := time.Parse(time.RFC3339, cellString(row[5])); err == nil {
				rec.RegisteredAt = ts
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func (c *SheetsClient) GetCalendars(ctx context.Context) ([]string, error) {
	doc, err := c.service.Spreadsheets.Get(c.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("%w: list tabs: %v", ErrUnavailable, err)
	}
	var names []string
	for _, sheet := range doc.Sheets {
		if sheet.Properties != nil {
			names = append(names, sheet.Properties.Title)
		}
	}
	return names, nil
}

func tabName(calendar string) string {
	calendar = strings.TrimSpace(calendar)
	if calendar == "" {
		return defaultSheetName
	}
	return calendar
}

func cellString(v interface{}) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
