package flows

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// StandardScaler removes the column mean and divides by the population
// standard deviation. Columns with zero spread keep a scale of 1.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitScaler estimates per-column statistics.
func FitScaler(rows [][]float64) (*StandardScaler, error) {
	if len(rows) == 0 {
		return nil, ErrNoSamples
	}
	d := len(rows[0])
	s := &StandardScaler{Mean: make([]float64, d), Scale: make([]float64, d)}
	col := make([]float64, len(rows))
	for j := 0; j < d; j++ {
		for i, row := range rows {
			col[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		s.Mean[j] = mean
		if std == 0 {
			std = 1
		}
		s.Scale[j] = std
	}
	return s, nil
}

// Transform returns standardized copies of rows.
func (s *StandardScaler) Transform(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		if len(row) != len(s.Mean) {
			return nil, fmt.Errorf("row %d has %d features, scaler expects %d", i, len(row), len(s.Mean))
		}
		v := make([]float64, len(row))
		for j, x := range row {
			v[j] = (x - s.Mean[j]) / s.Scale[j]
		}
		out[i] = v
	}
	return out, nil
}
