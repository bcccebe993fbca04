package export

import (
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"bookpay/internal/domain"
	"bookpay/internal/models"
	"bookpay/internal/payway"
)

const sheetName = "Bookings"

// Exporter renders bookings created in a date range into an xlsx workbook
// for back-office reconciliation.
type Exporter struct {
	ledger domain.Ledger
}

func NewExporter(ledger domain.Ledger) *Exporter {
	return &Exporter{ledger: ledger}
}

// BookingsXLSX returns the workbook bytes for all bookings created in
// [from, to). One row per booking, payments summarised in the last columns.
func (e *Exporter) BookingsXLSX(ctx context.Context, from, to time.Time) ([]byte, error) {
	bookings, err := e.ledger.ListBookingsCreatedBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("error getting bookings: %v", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("error creating sheet: %v", err)
	}
	f.SetActiveSheet(index)

	_ = f.SetCellValue(sheetName, "A1", fmt.Sprintf("Period: %s - %s",
		from.Format("02.01.2006"), to.Format("02.01.2006")))
	_ = f.MergeCell(sheetName, "A1", "J1")

	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(sheetName, "A1", "A1", titleStyle)

	headers := []string{
		"ID", "Created", "Customer", "Email", "Phone",
		"Items", "Amount", "Currency", "Status", "Last payment",
	}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		_ = f.SetCellValue(sheetName, cell, h)
	}
	_ = f.SetCellStyle(sheetName, "A2", "J2", headerStyle)

	for i, b := range bookings {
		row := i + 3
		lastPayment, err := e.lastPaymentSummary(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		values := []interface{}{
			b.ID,
			b.CreatedAt.Format("2006-01-02 15:04:05"),
			b.FirstName + " " + b.LastName,
			b.Email,
			b.Phone,
			itemsSummary(b.Items),
			payway.Amount(b.TotalAmount),
			b.Currency,
			b.Status,
			lastPayment,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(sheetName, cell, v)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 10)
	_ = f.SetColWidth(sheetName, "B", "F", 22)
	_ = f.SetColWidth(sheetName, "G", "J", 14)

	_ = f.DeleteSheet("Sheet1")

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("error writing workbook: %v", err)
	}
	return buf.Bytes(), nil
}

func (e *Exporter) lastPaymentSummary(ctx context.Context, bookingID int64) (string, error) {
	payments, err := e.ledger.ListPaymentsByBooking(ctx, bookingID)
	if err != nil {
		return "", fmt.Errorf("error getting payments: %v", err)
	}
	if len(payments) == 0 {
		return "-", nil
	}
	last := payments[len(payments)-1]
	return fmt.Sprintf("%s (%s)", last.TranID, last.Status), nil
}

func itemsSummary(items []*models.BookingItem) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += "; "
		}
		out += fmt.Sprintf("%s #%d x%d", it.Kind, it.InventoryID, it.Quantity)
	}
	return out
}
