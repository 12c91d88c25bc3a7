package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/lox/damforecast/internal/models"
)

// Format identifies the container of an uploaded table.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// DetectFormat picks the format from a file name's extension.
func DetectFormat(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: unsupported file type %q", models.ErrInvalidInput, filepath.Ext(filename))
	}
}

// Date layouts accepted in the date column, tried in order.
var dateLayouts = []string{
	time.DateOnly,
	"01/02/2006",
	"1/2/2006",
	"01-02-06", // excelize's rendering of the built-in short date format
	"2006-01-02 15:04:05",
}

// Table is a parsed upload.
type Table struct {
	Columns      []string
	Observations []models.RawObservation
	Dropped      int
	// Flags maps an observation index to its quality flags.
	Flags map[int][]string
	// LastDate is the date of the last raw row with a readable date, even if
	// that row was dropped. Forecast horizons start the day after it.
	LastDate time.Time
}

// ReadTable parses raw bytes in the given format into observations. Headers
// are normalised, rows with an empty required cell are dropped, and the
// remaining rows must carry strictly increasing dates.
func ReadTable(data []byte, format Format) (*Table, error) {
	var records [][]string
	var err error
	switch format {
	case FormatCSV:
		records, err = readCSV(bytes.NewReader(data))
	case FormatXLSX:
		records, err = readXLSX(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", models.ErrInvalidInput, format)
	}
	if err != nil {
		return nil, err
	}
	return parseRecords(records)
}

func readCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: parse csv: %v", models.ErrInvalidInput, err)
	}
	return records, nil
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: open xlsx: %v", models.ErrInvalidInput, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", models.ErrInvalidInput)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: read sheet %s: %v", models.ErrInvalidInput, sheets[0], err)
	}
	return rows, nil
}

// NormalizeHeader trims, lower-cases and replaces spaces with underscores.
func NormalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), " ", "_")
}

func parseRecords(records [][]string) (*Table, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty table", models.ErrInvalidInput)
	}

	header := make([]string, len(records[0]))
	pos := make(map[string]int, len(header))
	for i, h := range records[0] {
		header[i] = NormalizeHeader(h)
		if _, dup := pos[header[i]]; !dup {
			pos[header[i]] = i
		}
	}
	var missing []string
	for _, col := range models.RequiredRawColumns {
		if _, ok := pos[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrMissingColumn, strings.Join(missing, ", "))
	}

	table := &Table{Columns: header, Flags: make(map[int][]string)}
	for line, rec := range records[1:] {
		cell := func(col string) string {
			i := pos[col]
			if i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		if hasEmpty(cell) {
			table.Dropped++
			if d, err := ParseDate(cell(models.ColDate)); err == nil && d.After(table.LastDate) {
				table.LastDate = d
			}
			continue
		}
		obs, err := parseObservation(cell)
		if err != nil {
			// Header is line 1.
			return nil, fmt.Errorf("%w: line %d: %v", models.ErrInvalidInput, line+2, err)
		}
		if n := len(table.Observations); n > 0 && !obs.Date.After(table.Observations[n-1].Date) {
			return nil, fmt.Errorf("%w: line %d: date %s does not follow %s",
				models.ErrInvalidInput, line+2, obs.Date.Format(time.DateOnly),
				table.Observations[n-1].Date.Format(time.DateOnly))
		}
		if flags := ValidateObservation(obs); len(flags) > 0 {
			table.Flags[len(table.Observations)] = flags
		}
		table.Observations = append(table.Observations, obs)
		if obs.Date.After(table.LastDate) {
			table.LastDate = obs.Date
		}
	}
	if len(table.Observations) == 0 {
		return nil, fmt.Errorf("%w: no complete rows", models.ErrInvalidInput)
	}
	return table, nil
}

func hasEmpty(cell func(string) string) bool {
	for _, col := range models.RequiredRawColumns {
		if v := cell(col); v == "" || strings.EqualFold(v, "nan") {
			return true
		}
	}
	return false
}

func parseObservation(cell func(string) string) (models.RawObservation, error) {
	var obs models.RawObservation
	date, err := ParseDate(cell(models.ColDate))
	if err != nil {
		return obs, err
	}
	obs.Date = date

	var errs []error
	num := func(col string, dst *float64) {
		v, err := strconv.ParseFloat(cell(col), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not a number", col, cell(col)))
			return
		}
		if math.IsInf(v, 0) || math.IsNaN(v) {
			errs = append(errs, fmt.Errorf("%s: %q is not a finite number", col, cell(col)))
			return
		}
		*dst = v
	}
	num(models.ColTAvg, &obs.TAvg)
	num(models.ColRHAvg, &obs.RHAvg)
	num(models.ColRR, &obs.RR)
	num(models.ColSS, &obs.SS)
	num(models.ColFFAvg, &obs.FFAvg)
	num(models.ColFFX, &obs.FFX)
	num(models.ColDDDX, &obs.DDDX)
	num(models.ColTMA, &obs.TMA)
	return obs, errors.Join(errs...)
}

// ParseDate accepts ISO dates and month-first slash dates.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable date %q", s)
}
