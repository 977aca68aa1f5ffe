package flows

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// CorrelationFilter returns the indices of the columns to keep. A column is
// dropped when its absolute Pearson correlation with any earlier column is
// above threshold; earlier columns are compared whether or not they are
// dropped themselves. Constant columns have an undefined correlation and are
// always kept.
func CorrelationFilter(rows [][]float64, threshold float64) []int {
	if len(rows) == 0 {
		return nil
	}
	d := len(rows[0])
	keep := make([]int, 0, d)
	if d < 2 || len(rows) < 2 {
		for j := 0; j < d; j++ {
			keep = append(keep, j)
		}
		return keep
	}

	x := denseRows(rows)
	var corr mat.SymDense
	stat.CorrelationMatrix(&corr, x, nil)

	for j := 0; j < d; j++ {
		drop := false
		for i := 0; i < j; i++ {
			if c := math.Abs(corr.At(i, j)); c > threshold {
				drop = true
				break
			}
		}
		if !drop {
			keep = append(keep, j)
		}
	}
	return keep
}

// SelectColumns copies the given columns of every row.
func SelectColumns(rows [][]float64, cols []int) [][]float64 {
	out := make([][]float64, len(rows))
	for r, row := range rows {
		v := make([]float64, len(cols))
		for k, c := range cols {
			v[k] = row[c]
		}
		out[r] = v
	}
	return out
}

func denseRows(rows [][]float64) *mat.Dense {
	d := len(rows[0])
	data := make([]float64, 0, len(rows)*d)
	for _, row := range rows {
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), d, data)
}
