package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetsAppender appends rows through the Google Sheets v4 values API.
type SheetsAppender struct {
	svc           *sheets.Service
	spreadsheetID string
}

// NewSheetsAppender authenticates with a service account JSON document.
// Extra options are applied after the credentials.
func NewSheetsAppender(ctx context.Context, spreadsheetID string, credentialsJSON []byte, opts ...option.ClientOption) (*SheetsAppender, error) {
	spreadsheetID = strings.TrimSpace(spreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("audit: spreadsheet id must not be empty")
	}
	base := []option.ClientOption{option.WithScopes(sheets.SpreadsheetsScope)}
	if len(credentialsJSON) > 0 {
		base = append(base, option.WithCredentialsJSON(credentialsJSON))
	}
	svc, err := sheets.NewService(ctx, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("audit: create sheets service: %w", err)
	}
	return &SheetsAppender{svc: svc, spreadsheetID: spreadsheetID}, nil
}

func (a *SheetsAppender) AppendRow(ctx context.Context, tab string, row []any) error {
	_, err := a.svc.Spreadsheets.Values.
		Append(a.spreadsheetID, tab+"!A:Z", &sheets.ValueRange{Values: [][]any{row}}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("sheets append %s: %w", tab, err)
	}
	return nil
}
