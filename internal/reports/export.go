// Package reports renders policy exports and runs the scheduled admin report.
package reports

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/m3rciful/policybot/core/telegram/format"
	"github.com/m3rciful/policybot/internal/policies"
)

// Sheet names of the export workbook.
const (
	SheetPolicies = "Polizas"
	SheetPayments = "Pagos"
	SheetServices = "Servicios"
)

var (
	policyHeader  = []any{"Número", "Titular", "Teléfono", "Origen", "Destino", "Aseguradora", "Inicio", "Pagos", "Total pagado", "Último pago"}
	paymentHeader = []any{"Número", "Fecha", "Monto", "Registrado por"}
	serviceHeader = []any{"Número", "Fecha", "Servicio", "Registrado por"}
)

// FileName returns the export name for a run at now.
func FileName(now time.Time) string {
	return "polizas_" + now.Format("20060102_1504") + ".xlsx"
}

// Export writes every policy with its payments and services to an xlsx workbook.
func Export(list []policies.Policy) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetPolicies); err != nil {
		return nil, fmt.Errorf("reports: rename sheet: %w", err)
	}
	for _, name := range []string{SheetPayments, SheetServices} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, fmt.Errorf("reports: add sheet %s: %w", name, err)
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("reports: header style: %w", err)
	}

	w := sheetWriter{f: f, bold: bold}
	w.header(SheetPolicies, policyHeader)
	w.header(SheetPayments, paymentHeader)
	w.header(SheetServices, serviceHeader)

	for i := range list {
		p := &list[i]
		last := "-"
		if pay, ok := p.LastPayment(); ok {
			last = format.Date(pay.Date)
		}
		w.row(SheetPolicies, []any{
			p.Number,
			p.Holder,
			format.DerefString(p.Phone, ""),
			format.DerefString(p.Origin, ""),
			format.DerefString(p.Destination, ""),
			p.Insurer,
			format.Date(p.StartDate),
			len(p.Payments),
			p.TotalPaid(),
			last,
		})
		for _, pay := range p.Payments {
			w.row(SheetPayments, []any{p.Number, format.Date(pay.Date), pay.Amount, pay.RecordedBy})
		}
		for _, svc := range p.Services {
			w.row(SheetServices, []any{p.Number, format.Date(svc.Date), svc.Description, svc.RecordedBy})
		}
	}
	if w.err != nil {
		return nil, w.err
	}

	if err := f.SetColWidth(SheetPolicies, "A", "J", 16); err != nil {
		return nil, fmt.Errorf("reports: column width: %w", err)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("reports: write workbook: %w", err)
	}
	return buf, nil
}

// sheetWriter appends rows per sheet and keeps the first error.
type sheetWriter struct {
	f    *excelize.File
	bold int
	next map[string]int
	err  error
}

func (w *sheetWriter) header(sheet string, cells []any) {
	w.row(sheet, cells)
	if w.err != nil {
		return
	}
	end, err := excelize.CoordinatesToCellName(len(cells), 1)
	if err != nil {
		w.err = err
		return
	}
	if err := w.f.SetCellStyle(sheet, "A1", end, w.bold); err != nil {
		w.err = fmt.Errorf("reports: style %s header: %w", sheet, err)
		return
	}
	if err := w.f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		w.err = fmt.Errorf("reports: freeze %s header: %w", sheet, err)
	}
}

func (w *sheetWriter) row(sheet string, cells []any) {
	if w.err != nil {
		return
	}
	if w.next == nil {
		w.next = make(map[string]int)
	}
	w.next[sheet]++
	cell, err := excelize.CoordinatesToCellName(1, w.next[sheet])
	if err != nil {
		w.err = err
		return
	}
	if err := w.f.SetSheetRow(sheet, cell, &cells); err != nil {
		w.err = fmt.Errorf("reports: write %s row %d: %w", sheet, w.next[sheet], err)
	}
}
