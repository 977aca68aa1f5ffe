// Package flows turns cleaned per-day flow tables into fixed-length feature
// vectors: loading, cleaning, label consolidation, correlation filtering,
// standardization, PCA and the stratified train/validation/test split.
package flows

import (
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

var (
	// ErrNoData is returned when none of the source files could be loaded.
	ErrNoData = errors.New("no flow data loaded")
	// ErrMissingTarget is returned when the label column is absent.
	ErrMissingTarget = errors.New("target column not found")
	// ErrNoFeatures is returned when a table has no numeric feature columns.
	ErrNoFeatures = errors.New("no numeric feature columns")
	// ErrNoSamples is returned when cleaning leaves no rows.
	ErrNoSamples = errors.New("no samples")
	// ErrInsufficientData is returned when PCA or the split cannot produce
	// a non-empty result.
	ErrInsufficientData = errors.New("insufficient data")
)

// Table is a numeric flow table with one free-text label per row.
type Table struct {
	Columns []string
	Rows    [][]float64
	Labels  []string
}

// NumRows returns the number of rows.
func (t *Table) NumRows() int { return len(t.Rows) }

// NumFeatures returns the number of numeric columns.
func (t *Table) NumFeatures() int { return len(t.Columns) }

// ColumnIndex returns the position of a named column.
func (t *Table) ColumnIndex(name string) (int, bool) {
	for i, c := range t.Columns {
		if c == name {
			return i, true
		}
	}
	return -1, false
}

// rawTable is a CSV file before type detection.
type rawTable struct {
	source  string
	header  []string
	records [][]string
}

func discardLogger(logger *logrus.Logger) *logrus.Logger {
	if logger != nil {
		return logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// LoadCSV reads every source file, concatenates them by column name and
// keeps the numeric columns plus the target column. Files that do not exist
// or cannot be parsed are logged and skipped; if none remain ErrNoData is
// returned.
func LoadCSV(paths []string, target string, logger *logrus.Logger) (*Table, error) {
	logger = discardLogger(logger)

	var raws []*rawTable
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				logger.WithField("file", path).Warn("Source file not found, skipping")
			} else {
				logger.WithError(err).WithField("file", path).Error("Failed to open source file, skipping")
			}
			continue
		}
		raw, err := readRaw(f, filepath.Base(path))
		f.Close()
		if err != nil {
			logger.WithError(err).WithField("file", path).Error("Failed to parse source file, skipping")
			continue
		}
		logger.WithFields(logrus.Fields{
			"file":    filepath.Base(path),
			"rows":    len(raw.records),
			"columns": len(raw.header),
		}).Info("Loaded source file")
		raws = append(raws, raw)
	}
	if len(raws) == 0 {
		return nil, ErrNoData
	}
	return buildTable(raws, target)
}

// ReadCSV parses a single CSV stream with a header row. An empty target
// reads an unlabeled table.
func ReadCSV(r io.Reader, target string) (*Table, error) {
	raw, err := readRaw(r, "input")
	if err != nil {
		return nil, err
	}
	return buildTable([]*rawTable{raw}, target)
}

func readRaw(r io.Reader, source string) (*rawTable, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty file", source)
		}
		return nil, fmt.Errorf("%s: failed to read header: %w", source, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")

	raw := &rawTable{source: source, header: header}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", source, err)
		}
		raw.records = append(raw.records, rec)
	}
	return raw, nil
}

// buildTable aligns the files on the union of their columns. Cells missing
// from a file, and empty cells, become NaN and are removed by Clean.
func buildTable(raws []*rawTable, target string) (*Table, error) {
	var columns []string
	seen := make(map[string]bool)
	for _, raw := range raws {
		for _, name := range raw.header {
			if !seen[name] {
				seen[name] = true
				columns = append(columns, name)
			}
		}
	}
	if target != "" && !seen[target] {
		return nil, fmt.Errorf("%w: %q", ErrMissingTarget, target)
	}

	numeric := make(map[string]bool)
	for _, name := range columns {
		if name != target {
			numeric[name] = true
		}
	}
	hasValue := make(map[string]bool)
	for _, raw := range raws {
		for j, name := range raw.header {
			if !numeric[name] {
				continue
			}
			for _, rec := range raw.records {
				cell := strings.TrimSpace(rec[j])
				if cell == "" {
					continue
				}
				if _, err := strconv.ParseFloat(cell, 64); err != nil {
					numeric[name] = false
					break
				}
				hasValue[name] = true
			}
		}
	}

	t := &Table{}
	for _, name := range columns {
		if numeric[name] && hasValue[name] {
			t.Columns = append(t.Columns, name)
		}
	}
	if len(t.Columns) == 0 {
		return nil, ErrNoFeatures
	}

	for _, raw := range raws {
		pos := make(map[string]int, len(raw.header))
		for j, name := range raw.header {
			pos[name] = j
		}
		targetPos, hasTarget := pos[target]
		for _, rec := range raw.records {
			row := make([]float64, len(t.Columns))
			for k, name := range t.Columns {
				row[k] = math.NaN()
				j, ok := pos[name]
				if !ok {
					continue
				}
				if cell := strings.TrimSpace(rec[j]); cell != "" {
					row[k], _ = strconv.ParseFloat(cell, 64)
				}
			}
			label := ""
			if hasTarget {
				label = strings.TrimSpace(rec[targetPos])
			}
			t.Rows = append(t.Rows, row)
			t.Labels = append(t.Labels, label)
		}
	}
	return t, nil
}

// CleanStats reports how many rows Clean removed.
type CleanStats struct {
	Incomplete int // NaN, Inf or missing label
	Duplicates int
}

// Clean drops rows holding NaN or ±Inf (and rows without a label), then
// exact duplicate rows, keeping the first occurrence.
func (t *Table) Clean() CleanStats {
	var stats CleanStats

	kept := 0
	for i, row := range t.Rows {
		if t.Labels[i] == "" || !finite(row) {
			stats.Incomplete++
			continue
		}
		t.Rows[kept], t.Labels[kept] = row, t.Labels[i]
		kept++
	}
	t.Rows, t.Labels = t.Rows[:kept], t.Labels[:kept]

	seen := make(map[[32]byte]struct{}, len(t.Rows))
	buf := make([]byte, 0, 8*len(t.Columns)+32)
	kept = 0
	for i, row := range t.Rows {
		buf = buf[:0]
		for _, v := range row {
			if v == 0 {
				v = 0 // fold -0 into 0
			}
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
		buf = append(buf, t.Labels[i]...)
		key := blake3.Sum256(buf)
		if _, dup := seen[key]; dup {
			stats.Duplicates++
			continue
		}
		seen[key] = struct{}{}
		t.Rows[kept], t.Labels[kept] = row, t.Labels[i]
		kept++
	}
	t.Rows, t.Labels = t.Rows[:kept], t.Labels[:kept]
	return stats
}

// DropNonFinite removes rows holding NaN or ±Inf, labelled or not, and
// returns how many were removed. Use it instead of Clean on tables that
// are about to be predicted.
func (t *Table) DropNonFinite() int {
	kept := 0
	for i, row := range t.Rows {
		if !finite(row) {
			continue
		}
		t.Rows[kept] = row
		if i < len(t.Labels) {
			t.Labels[kept] = t.Labels[i]
		}
		kept++
	}
	dropped := len(t.Rows) - kept
	t.Rows = t.Rows[:kept]
	if len(t.Labels) > kept {
		t.Labels = t.Labels[:kept]
	}
	return dropped
}

// Select returns the rows as vectors over the named columns, in that order.
// Columns absent from t are reported as an error.
func (t *Table) Select(columns []string) ([][]float64, error) {
	idx := make([]int, len(columns))
	for k, name := range columns {
		i, ok := t.ColumnIndex(name)
		if !ok {
			return nil, fmt.Errorf("column %q missing from input", name)
		}
		idx[k] = i
	}
	out := make([][]float64, len(t.Rows))
	for r, row := range t.Rows {
		v := make([]float64, len(idx))
		for k, i := range idx {
			v[k] = row[i]
		}
		out[r] = v
	}
	return out, nil
}

func finite(row []float64) bool {
	for _, v := range row {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
