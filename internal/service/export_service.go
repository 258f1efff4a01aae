package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/xuri/excelize/v2"
)

const resultsSheet = "Results"

var resultsHeader = []any{
	"Attempt ID", "Candidate ID", "Name", "Email", "Status", "Submit Reason",
	"Started At", "Submitted At", "Score", "Answered", "Questions",
	"Tab Switches", "Fullscreen Exits", "Flagged",
}

// AttemptLister lists attempt summaries.
type AttemptLister interface {
	ListAttempts(ctx context.Context, f repository.AttemptFilter) ([]model.AttemptSummary, int64, error)
}

// ExportService renders attempt results as a spreadsheet.
type ExportService struct {
	attempts AttemptLister
}

// NewExportService creates a new ExportService.
func NewExportService(attempts AttemptLister) *ExportService {
	return &ExportService{attempts: attempts}
}

// ExportResults writes every attempt matching f to w as an xlsx workbook.
func (s *ExportService) ExportResults(ctx context.Context, f repository.AttemptFilter, w io.Writer) (int, error) {
	f.PerPage = 0
	rows, _, err := s.attempts.ListAttempts(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("list attempts: %w", err)
	}

	book := excelize.NewFile()
	defer book.Close()

	if err := book.SetSheetName("Sheet1", resultsSheet); err != nil {
		return 0, err
	}
	if err := book.SetSheetRow(resultsSheet, "A1", &resultsHeader); err != nil {
		return 0, err
	}
	bold, err := book.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return 0, err
	}
	lastCol, _ := excelize.ColumnNumberToName(len(resultsHeader))
	if err := book.SetCellStyle(resultsSheet, "A1", lastCol+"1", bold); err != nil {
		return 0, err
	}

	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []any{
			r.ID.String(), r.CandidateID, r.CandidateName, r.CandidateEmail, string(r.Status), reasonText(r.SubmitReason),
			r.StartedAt.Format(time.RFC3339), timeText(r.SubmittedAt), scoreValue(r.Score), r.AnsweredCount, r.TotalQuestions,
			r.TabSwitchCount, r.FullscreenExitCount, r.IsFlagged,
		}
		if err := book.SetSheetRow(resultsSheet, cell, &row); err != nil {
			return 0, err
		}
	}

	if _, err := book.WriteTo(w); err != nil {
		return 0, fmt.Errorf("write workbook: %w", err)
	}
	return len(rows), nil
}

func reasonText(r *model.SubmitReason) string {
	if r == nil {
		return ""
	}
	return string(*r)
}

func timeText(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func scoreValue(s *float64) any {
	if s == nil {
		return ""
	}
	return *s
}
