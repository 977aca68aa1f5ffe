package flows

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// PCA is a fitted principal components projection.
type PCA struct {
	Mean []float64 `json:"mean"`
	// Components holds one unit-length direction per row, ordered by
	// decreasing explained variance.
	Components        [][]float64 `json:"components"`
	ExplainedVariance []float64   `json:"explained_variance"`
	// VarianceRatio is each component's share of the total variance.
	VarianceRatio []float64 `json:"variance_ratio"`
}

// FitPCA keeps min(components, features, samples) directions. Each
// direction's sign is chosen so its largest loading is positive, which makes
// the projection deterministic.
func FitPCA(rows [][]float64, components int) (*PCA, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no samples for PCA", ErrInsufficientData)
	}
	n, d := len(rows), len(rows[0])
	k := min(components, d, n)
	if k <= 0 {
		return nil, fmt.Errorf("%w: %d samples, %d features for %d components", ErrInsufficientData, n, d, components)
	}

	x := denseRows(rows)
	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return nil, fmt.Errorf("%w: principal components decomposition failed", ErrInsufficientData)
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	vars := pc.VarsTo(nil)

	p := &PCA{
		Mean:              make([]float64, d),
		Components:        make([][]float64, k),
		ExplainedVariance: make([]float64, k),
		VarianceRatio:     make([]float64, k),
	}
	for j := 0; j < d; j++ {
		p.Mean[j] = stat.Mean(mat.Col(nil, j, x), nil)
	}

	total := floats.Sum(vars)
	for c := 0; c < k; c++ {
		dir := mat.Col(nil, c, &vecs)
		if dir[floats.MaxIdx(absAll(dir))] < 0 {
			floats.Scale(-1, dir)
		}
		p.Components[c] = dir
		p.ExplainedVariance[c] = vars[c]
		if total > 0 {
			p.VarianceRatio[c] = vars[c] / total
		}
	}
	return p, nil
}

// NumComponents returns the projection width.
func (p *PCA) NumComponents() int { return len(p.Components) }

// TotalVarianceRatio is the share of variance the kept components explain.
func (p *PCA) TotalVarianceRatio() float64 { return floats.Sum(p.VarianceRatio) }

// Transform projects rows onto the components.
func (p *PCA) Transform(rows [][]float64) ([][]float64, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	d, k := len(p.Mean), len(p.Components)
	for i, row := range rows {
		if len(row) != d {
			return nil, fmt.Errorf("row %d has %d features, PCA expects %d", i, len(row), d)
		}
	}

	centered := denseRows(rows)
	for i := range rows {
		for j := 0; j < d; j++ {
			centered.Set(i, j, centered.At(i, j)-p.Mean[j])
		}
	}
	w := mat.NewDense(d, k, nil)
	for c, dir := range p.Components {
		w.SetCol(c, dir)
	}
	var proj mat.Dense
	proj.Mul(centered, w)

	out := make([][]float64, len(rows))
	for i := range out {
		out[i] = mat.Row(nil, i, &proj)
	}
	return out, nil
}

func absAll(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = math.Abs(x)
	}
	return out
}

// PadOrTruncate returns a copy of v with exactly n values: zero-padded when
// short, cut when long.
func PadOrTruncate(v []float64, n int) []float64 {
	out := make([]float64, n)
	copy(out, v)
	return out
}
