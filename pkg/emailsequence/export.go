package emailsequence

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jordanlanch/dripline/pkg/domain"
	"github.com/xuri/excelize/v2"
)

// Export formats
const (
	ExportCSV  = "csv"
	ExportXLSX = "xlsx"
)

var exportHeaders = []string{
	"Enrollment ID", "User ID", "Email", "Status", "Current Step",
	"Emails Received", "Emails Opened", "Emails Clicked",
	"Enrolled At", "Next Send At", "Completed At", "Exited At", "Exit Reason",
}

// ExportEnrollments writes every enrollment of a sequence to w as csv or xlsx.
func (s *Service) ExportEnrollments(ctx context.Context, sequenceID int64, format string, w io.Writer) error {
	if format != ExportCSV && format != ExportXLSX {
		return domain.NewValidationError(fmt.Sprintf("unsupported export format %q", format))
	}

	reads := s.readStore()
	seq, err := reads.getSequence(ctx, reads.db, sequenceID)
	if err != nil {
		return notFoundOr(err, "sequence", "get sequence")
	}

	views, err := reads.listSequenceEnrollments(ctx, seq.ID)
	if err != nil {
		return domain.NewPersistenceError("list enrollments", err)
	}

	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, exportRow(v))
	}

	if format == ExportCSV {
		err = writeCSV(w, rows)
	} else {
		err = writeXLSX(w, seq.Slug, rows)
	}
	if err != nil {
		return domain.NewInternalError(err)
	}

	s.log.Info("enrollments exported", "sequence_id", seq.ID, "format", format, "rows", len(rows))
	return nil
}

func exportRow(v EnrollmentView) []string {
	reason := ""
	if v.ExitReason != nil {
		reason = *v.ExitReason
	}
	return []string{
		strconv.FormatInt(v.ID, 10),
		strconv.FormatInt(v.UserID, 10),
		v.UserEmail,
		v.Status,
		strconv.Itoa(v.CurrentStep),
		strconv.Itoa(v.EmailsReceived),
		strconv.Itoa(v.EmailsOpened),
		strconv.Itoa(v.EmailsClicked),
		formatTime(&v.EnrolledAt),
		formatTime(v.NextSendAt),
		formatTime(v.CompletedAt),
		formatTime(v.ExitedAt),
		reason,
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writeCSV(w io.Writer, rows [][]string) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(exportHeaders); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeXLSX(w io.Writer, slug string, rows [][]string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Enrollments"
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create style: %w", err)
	}

	for i, header := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cell, header)
		f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	for r, row := range rows {
		for c, value := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			f.SetCellValue(sheetName, cell, value)
		}
	}

	last, _ := excelize.ColumnNumberToName(len(exportHeaders))
	f.SetColWidth(sheetName, "A", last, 18)
	f.SetDocProps(&excelize.DocProperties{Title: slug + " enrollments"})

	return f.Write(w)
}
