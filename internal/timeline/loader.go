// Package timeline loads per-frame risk annotations.
package timeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/agleyzer/semhls/internal/errs"
)

// Required annotation columns.
const (
	ColumnFrame = "frame"
	ColumnRisk  = "risk"
	ColumnLevel = "level"
)

// FrameRecord is one annotated frame, in input (time) order.
type FrameRecord struct {
	// ID is the frame image filename relative to the frame directory.
	ID string

	// RiskType is the detected risk category.
	RiskType int

	// RiskLevel is the severity of the detected risk.
	RiskLevel int
}

// Range selects rows [Start, End) of the annotation table.
// End <= 0 selects through the last row.
type Range struct {
	Start int
	End   int
}

// Validate rejects negative or inverted ranges.
func (r Range) Validate() error {
	if r.Start < 0 {
		return errs.Configf("start_frame", "must not be negative, got %d", r.Start)
	}
	if r.End > 0 && r.End < r.Start {
		return errs.Configf("end_frame", "must not precede start_frame (%d < %d)", r.End, r.Start)
	}
	return nil
}

func (r Range) bounds(n int) (int, int) {
	start, end := r.Start, r.End
	if end <= 0 || end > n {
		end = n
	}
	if start > end {
		start = end
	}
	return start, end
}

// Load reads the annotation CSV at path and returns the selected frame records.
func Load(path string, rng Range) ([]FrameRecord, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &errs.SourceIOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	records, err := Parse(f, rng)
	if err != nil {
		var srcErr *errs.SourceIOError
		if errors.As(err, &srcErr) && srcErr.Path == "" {
			srcErr.Path = path
		}
		return nil, err
	}
	return records, nil
}

// Parse decodes annotation rows from r and applies rng.
func Parse(r io.Reader, rng Range) ([]FrameRecord, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errs.Configf("annotations", "file is empty, expected columns %q, %q, %q", ColumnFrame, ColumnRisk, ColumnLevel)
		}
		return nil, &errs.SourceIOError{Op: "read header", Err: err}
	}

	idx, err := columnIndexes(header)
	if err != nil {
		return nil, err
	}

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, &errs.SourceIOError{Op: "read", Err: err}
	}

	start, end := rng.bounds(len(rows))
	records := make([]FrameRecord, 0, end-start)
	for i := start; i < end; i++ {
		rec, err := parseRow(rows[i], idx)
		if err != nil {
			// Row numbers are 1-based and count the header line.
			return nil, &errs.SourceIOError{Op: fmt.Sprintf("parse row %d", i+2), Err: err}
		}
		records = append(records, rec)
	}
	return records, nil
}

type columns struct {
	frame, risk, level int
}

func columnIndexes(header []string) (columns, error) {
	idx := columns{frame: -1, risk: -1, level: -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))) {
		case ColumnFrame:
			idx.frame = i
		case ColumnRisk:
			idx.risk = i
		case ColumnLevel:
			idx.level = i
		}
	}

	var missing []string
	if idx.frame < 0 {
		missing = append(missing, ColumnFrame)
	}
	if idx.risk < 0 {
		missing = append(missing, ColumnRisk)
	}
	if idx.level < 0 {
		missing = append(missing, ColumnLevel)
	}
	if len(missing) > 0 {
		return idx, errs.Configf("annotations", "missing required columns %s (got %s)",
			strings.Join(missing, ", "), strings.Join(header, ","))
	}
	return idx, nil
}

func parseRow(row []string, idx columns) (FrameRecord, error) {
	field := func(i int) (string, error) {
		if i >= len(row) {
			return "", fmt.Errorf("row has %d fields, need column %d", len(row), i+1)
		}
		return strings.TrimSpace(row[i]), nil
	}

	id, err := field(idx.frame)
	if err != nil {
		return FrameRecord{}, err
	}
	if id == "" {
		return FrameRecord{}, errors.New("empty frame identifier")
	}

	riskField, err := field(idx.risk)
	if err != nil {
		return FrameRecord{}, err
	}
	risk, err := parseInt(riskField)
	if err != nil {
		return FrameRecord{}, fmt.Errorf("risk: %w", err)
	}

	levelField, err := field(idx.level)
	if err != nil {
		return FrameRecord{}, err
	}
	level, err := parseInt(levelField)
	if err != nil {
		return FrameRecord{}, fmt.Errorf("level: %w", err)
	}

	return FrameRecord{ID: id, RiskType: risk, RiskLevel: level}, nil
}

// parseInt accepts plain integers and integral floats such as "2.0".
func parseInt(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-integral value %q", s)
	}
	return int(f), nil
}
