package google

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"bookpay/internal/worker"
)

// SheetsService appends settled payments to the finance reconciliation
// spreadsheet. Only the append path is implemented; the sheet is treated as
// an append-only ledger mirrored from payment_events.
type SheetsService struct {
	srv           *sheets.Service
	spreadsheetID string
	sheetName     string
}

func NewSheetsService(credentialsFile, spreadsheetID, sheetName string) (*SheetsService, error) {
	ctx := context.Background()

	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	conf, err := google.JWTConfigFromJSON(data, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(conf.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	return &SheetsService{
		srv:           srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
	}, nil
}

// ServiceAccountEmail returns the account that must be granted editor access
// to the spreadsheet.
func ServiceAccountEmail(credentialsFile string) (string, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return "", fmt.Errorf("read credentials file: %w", err)
	}
	var creds struct {
		ClientEmail string `json:"client_email"`
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", fmt.Errorf("parse credentials: %w", err)
	}
	return creds.ClientEmail, nil
}

// AppendPaymentRow implements worker.SheetsAppender.
func (s *SheetsService) AppendPaymentRow(ctx context.Context, row worker.FinanceRow) error {
	values := &sheets.ValueRange{
		Values: [][]interface{}{{
			row.TranID,
			row.BookingID,
			row.UserID,
			row.Amount,
			row.Currency,
			row.Status,
			row.PaidAt.Format("2006-01-02 15:04:05"),
		}},
	}

	_, err := s.srv.Spreadsheets.Values.Append(s.spreadsheetID, s.sheetName+"!A:G", values).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append payment row: %w", err)
	}
	return nil
}
