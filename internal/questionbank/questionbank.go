// Package questionbank reads question import files (xlsx or JSON) into
// validated model.Question records.
package questionbank

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/xuri/excelize/v2"
)

// Format selects the import parser.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

var ErrUnsupportedFormat = errors.New("unsupported import format")

// RowError describes a rejected row. Row is 1-based and counts the header for xlsx.
type RowError struct {
	Row    int
	Fields map[string]string
}

func (e RowError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("row %d: %s", e.Row, strings.Join(parts, "; "))
}

// ImportError collects every rejected row of a file.
type ImportError struct {
	Rows []RowError
}

func (e *ImportError) Error() string {
	msgs := make([]string, 0, len(e.Rows))
	for _, r := range e.Rows {
		msgs = append(msgs, r.Error())
	}
	return fmt.Sprintf("%d invalid rows: %s", len(e.Rows), strings.Join(msgs, " | "))
}

// FormatFromPath picks the parser by file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return FormatXLSX, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
}

// Parse reads r in the given format. Either every row is valid and returned,
// or an *ImportError lists every invalid row.
func Parse(r io.Reader, format Format) ([]model.Question, error) {
	var (
		rows  []model.ImportQuestion
		lines []int
		errs  []RowError
		err   error
	)
	switch format {
	case FormatXLSX:
		rows, lines, errs, err = readXLSX(r)
	case FormatJSON:
		rows, lines, err = readJSON(r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}

	questions := make([]model.Question, 0, len(rows))
	for i, row := range rows {
		if fields := check(row); fields != nil {
			errs = append(errs, RowError{Row: lines[i], Fields: fields})
			continue
		}
		questions = append(questions, model.Question{
			Text:         strings.TrimSpace(row.Text),
			Options:      row.Options,
			CorrectIndex: row.CorrectIndex,
			Category:     strings.TrimSpace(row.Category),
			Difficulty:   row.Difficulty,
			IsActive:     true,
		})
	}

	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].Row < errs[j].Row })
		return nil, &ImportError{Rows: errs}
	}
	return questions, nil
}

func check(row model.ImportQuestion) map[string]string {
	if fields := validator.Struct(&row); fields != nil {
		return fields
	}
	if row.CorrectIndex >= len(row.Options) {
		return map[string]string{"correct_index": "correct_index must point at one of the options"}
	}
	return nil
}

func readJSON(r io.Reader) ([]model.ImportQuestion, []int, error) {
	var rows []model.ImportQuestion
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, nil, fmt.Errorf("decode json: %w", err)
	}
	lines := make([]int, len(rows))
	for i := range rows {
		lines[i] = i + 1
		rows[i].Difficulty = model.Difficulty(strings.ToLower(strings.TrimSpace(string(rows[i].Difficulty))))
	}
	return rows, lines, nil
}

// Spreadsheet layout: a header row naming the columns, matched case-insensitively.
//
//	text | option_a .. option_f | correct | category | difficulty
//
// correct is an option letter (A-F) or a 1-based option number.
func readXLSX(r io.Reader) ([]model.ImportQuestion, []int, []RowError, error) {
	book, err := excelize.OpenReader(r)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open workbook: %w", err)
	}
	defer book.Close()

	sheet := book.GetSheetName(0)
	grid, err := book.GetRows(sheet)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(grid) == 0 {
		return nil, nil, nil, nil
	}

	cols := map[string]int{}
	for i, h := range grid[0] {
		cols[normalizeHeader(h)] = i
	}
	for _, required := range []string{"text", "correct", "difficulty"} {
		if _, ok := cols[required]; !ok {
			return nil, nil, nil, fmt.Errorf("missing column %q", required)
		}
	}

	var (
		rows  []model.ImportQuestion
		lines []int
		errs  []RowError
	)
	for i, cells := range grid[1:] {
		line := i + 2
		get := func(name string) string {
			idx, ok := cols[name]
			if !ok || idx >= len(cells) {
				return ""
			}
			return strings.TrimSpace(cells[idx])
		}
		if isBlank(cells) {
			continue
		}

		q := model.ImportQuestion{
			Text:       get("text"),
			Category:   get("category"),
			Difficulty: model.Difficulty(strings.ToLower(get("difficulty"))),
		}
		for _, letter := range "abcdef" {
			if opt := get("option_" + string(letter)); opt != "" {
				q.Options = append(q.Options, opt)
			}
		}

		idx, err := parseCorrect(get("correct"))
		if err != nil {
			errs = append(errs, RowError{Row: line, Fields: map[string]string{"correct": err.Error()}})
			continue
		}
		q.CorrectIndex = idx

		rows = append(rows, q)
		lines = append(lines, line)
	}
	return rows, lines, errs, nil
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.ReplaceAll(h, " ", "_")
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// parseCorrect accepts "B" or "2" for the second option.
func parseCorrect(v string) (int, error) {
	v = strings.TrimSpace(v)
	if len(v) == 1 {
		c := v[0] | 0x20 // lower-case ASCII letters
		if c >= 'a' && c <= 'f' {
			return int(c - 'a'), nil
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%q is not an option letter or number", v)
	}
	return n - 1, nil
}
