package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// Header is the first row of the inventory sheet.
var Header = []string{"proxy", "country", "added_date", "expires_date", "used_for", "proxy_type"}

// SheetsStore is the production RemoteStore backed by a Google Sheets
// worksheet. Every remote call waits on a client-side rate limiter so a
// burst of callers cannot trip the API quota.
type SheetsStore struct {
	svc           *sheets.Service
	spreadsheetID string
	sheetName     string
	limiter       *rate.Limiter
	logger        *slog.Logger
}

// NewSheetsStore builds a store from viper configuration:
// sheets.spreadsheet_id, sheets.sheet_name, sheets.credentials_file and
// sheets.rate_limit (calls per second).
func NewSheetsStore(ctx context.Context, logger *slog.Logger) (*SheetsStore, error) {
	svc, err := sheets.NewService(ctx,
		option.WithCredentialsFile(viper.GetString("sheets.credentials_file")),
		option.WithScopes(sheets.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets client: %v", err)
	}

	limit := viper.GetFloat64("sheets.rate_limit")
	if limit <= 0 {
		limit = 1
	}

	return &SheetsStore{
		svc:           svc,
		spreadsheetID: viper.GetString("sheets.spreadsheet_id"),
		sheetName:     viper.GetString("sheets.sheet_name"),
		limiter:       rate.NewLimiter(rate.Limit(limit), 1),
		logger:        logger,
	}, nil
}

func (s *SheetsStore) ReadAll(ctx context.Context) ([][]string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName).
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("error reading sheet %q: %v", s.sheetName, err)
	}

	rows := make([][]string, 0, len(resp.Values))
	for _, row := range resp.Values {
		cells := make([]string, 0, len(row))
		for _, cell := range row {
			cells = append(cells, fmt.Sprint(cell))
		}
		rows = append(rows, cells)
	}

	s.logger.Debug("Read sheet", "sheet", s.sheetName, "rows", len(rows))
	return rows, nil
}

func (s *SheetsStore) BatchWrite(ctx context.Context, updates []CellUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	data := make([]*sheets.ValueRange, 0, len(updates))
	for _, u := range updates {
		values := make([][]interface{}, 0, len(u.Values))
		for _, row := range u.Values {
			cells := make([]interface{}, 0, len(row))
			for _, cell := range row {
				cells = append(cells, cell)
			}
			values = append(values, cells)
		}
		data = append(data, &sheets.ValueRange{
			Range:  fmt.Sprintf("%s!%s", s.sheetName, u.Range),
			Values: values,
		})
	}

	req := &sheets.BatchUpdateValuesRequest{
		ValueInputOption: "USER_ENTERED",
		Data:             data,
	}

	_, err := s.svc.Spreadsheets.Values.BatchUpdate(s.spreadsheetID, req).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("error batch-updating sheet %q: %v", s.sheetName, err)
	}

	s.logger.Debug("Batch update applied", "sheet", s.sheetName, "ranges", len(updates))
	return nil
}

func (s *SheetsStore) Append(ctx context.Context, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	values := make([][]interface{}, 0, len(rows))
	for _, row := range rows {
		cells := make([]interface{}, 0, len(row))
		for _, cell := range row {
			cells = append(cells, cell)
		}
		values = append(values, cells)
	}

	_, err := s.svc.Spreadsheets.Values.
		Append(s.spreadsheetID, s.sheetName, &sheets.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("error appending to sheet %q: %v", s.sheetName, err)
	}

	s.logger.Debug("Appended rows", "sheet", s.sheetName, "rows", len(rows))
	return nil
}
