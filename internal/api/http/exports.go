package apihttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"devicelink/internal/auth"
	commands "devicelink/internal/commands/domain"
	"devicelink/internal/logging"
	"devicelink/internal/observability/metrics"
	telemetry "devicelink/internal/telemetry/domain"
)

const (
	formatXLSX = "xlsx"
	formatPDF  = "pdf"
)

// StuckLister lists pending entries older than a threshold.
type StuckLister interface {
	ListStuck(ctx context.Context, olderThan time.Duration) ([]commands.Entry, error)
}

// TelemetryExportHandler serves GET /api/v1/exports/telemetry.xlsx?device_uid=.
type TelemetryExportHandler struct {
	devices DeviceDirectory
	reader  TelemetryReader
}

// NewTelemetryExportHandler constructs a TelemetryExportHandler.
func NewTelemetryExportHandler(directory DeviceDirectory, reader TelemetryReader) (*TelemetryExportHandler, error) {
	if directory == nil || reader == nil {
		return nil, errors.New("api: nil export dependency")
	}
	return &TelemetryExportHandler{devices: directory, reader: reader}, nil
}

// ServeHTTP writes the newest records of a device as a workbook.
func (h *TelemetryExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	limit, err := parseLimit(r.URL.Query().Get("limit"), maxTelemetryLimit, maxTelemetryLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	device, ok := visibleDevice(w, r, h.devices, r.URL.Query().Get("device_uid"))
	if !ok {
		return
	}
	records, err := h.reader.Recent(r.Context(), device.UID, limit)
	if err != nil {
		metrics.ObserveExport(formatXLSX, metrics.ResultError, time.Since(start))
		logging.FromContext(r.Context()).WithError(err).Error("export telemetry failed")
		http.Error(w, "query telemetry error", http.StatusInternalServerError)
		return
	}
	data, err := BuildTelemetryXLSX(device.UID, records)
	if err != nil {
		metrics.ObserveExport(formatXLSX, metrics.ResultError, time.Since(start))
		http.Error(w, "render export error", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport(formatXLSX, metrics.ResultSuccess, time.Since(start))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "telemetry-"+device.UID+".xlsx"))
	_, _ = w.Write(data)
}

// StuckReportHandler serves GET /api/v1/reports/stuck-commands.pdf?older_than=.
type StuckReportHandler struct {
	lister     StuckLister
	stuckAfter time.Duration
	now        func() time.Time
}

// NewStuckReportHandler constructs a StuckReportHandler.
func NewStuckReportHandler(lister StuckLister, stuckAfter time.Duration) (*StuckReportHandler, error) {
	if lister == nil {
		return nil, errors.New("api: nil stuck lister")
	}
	return &StuckReportHandler{lister: lister, stuckAfter: stuckAfter, now: time.Now}, nil
}

// ServeHTTP renders the stuck command report.
func (h *StuckReportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	olderThan := h.stuckAfter
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid older_than", http.StatusBadRequest)
			return
		}
		olderThan = parsed
	}
	entries, err := h.lister.ListStuck(r.Context(), olderThan)
	if err != nil {
		metrics.ObserveExport(formatPDF, metrics.ResultError, time.Since(start))
		logging.FromContext(r.Context()).WithError(err).Error("stuck report query failed")
		http.Error(w, "query commands error", http.StatusInternalServerError)
		return
	}
	data, err := BuildStuckCommandsPDF(auth.TenantIDFromContext(r.Context()), olderThan, h.now().UTC(), entries)
	if err != nil {
		metrics.ObserveExport(formatPDF, metrics.ResultError, time.Since(start))
		http.Error(w, "render report error", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport(formatPDF, metrics.ResultSuccess, time.Since(start))
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="stuck-commands.pdf"`)
	_, _ = w.Write(data)
}

// BuildTelemetryXLSX renders records into a single-sheet workbook.
func BuildTelemetryXLSX(deviceUID string, records []telemetry.Record) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := "telemetry"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(sheet, "A1", "Device")
	_ = f.SetCellValue(sheet, "B1", deviceUID)
	_ = f.SetCellValue(sheet, "A3", "Received")
	_ = f.SetCellValue(sheet, "B3", "Msg ID")
	_ = f.SetCellValue(sheet, "C3", "Payload")
	for i, rec := range records {
		row := i + 4
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), rec.ReceivedAt.UTC().Format(timeLayout))
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), rec.MsgID)
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", row), string(rec.Payload))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildStuckCommandsPDF renders the pending entries older than the threshold.
func BuildStuckCommandsPDF(tenant string, olderThan time.Duration, generatedAt time.Time, entries []commands.Entry) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Stuck Commands")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	if tenant == "" {
		tenant = "all"
	}
	pdf.Cell(0, 6, fmt.Sprintf("Tenant: %s", tenant))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Pending longer than: %s", olderThan))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generatedAt.Format(timeLayout)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Entries: %d", len(entries)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(20, 6, "ID", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Device", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Command", "1", 0, "C", false, 0, "")
	pdf.CellFormat(60, 6, "Created", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, entry := range entries {
		pdf.CellFormat(20, 6, fmt.Sprintf("%d", entry.ID), "1", 0, "R", false, 0, "")
		pdf.CellFormat(50, 6, entry.DeviceUID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(50, 6, entry.Cmd, "1", 0, "L", false, 0, "")
		pdf.CellFormat(60, 6, entry.CreatedAt.UTC().Format(timeLayout), "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
