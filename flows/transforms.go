package flows

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// PrepareConfig controls feature preparation.
type PrepareConfig struct {
	TotalFeatures        int
	CorrelationThreshold float64
}

// Transforms is everything needed to map a raw table onto the feature
// vectors a trained network expects.
type Transforms struct {
	Labels        *LabelEncoder   `json:"labels"`
	Columns       []string        `json:"columns"`
	Scaler        *StandardScaler `json:"scaler"`
	PCA           *PCA            `json:"pca"`
	TotalFeatures int             `json:"total_features"`
}

// Prepared is a fitted feature matrix with encoded labels.
type Prepared struct {
	Features   [][]float64
	Labels     []int
	Transforms *Transforms
}

// Prepare fits the label encoder, correlation filter, scaler and PCA on a
// cleaned, consolidated table and returns vectors of exactly
// cfg.TotalFeatures values.
func Prepare(t *Table, cfg PrepareConfig, logger *logrus.Logger) (*Prepared, error) {
	logger = discardLogger(logger)
	if cfg.TotalFeatures <= 0 {
		return nil, fmt.Errorf("total features must be positive, got %d", cfg.TotalFeatures)
	}
	if t.NumFeatures() == 0 {
		return nil, ErrNoFeatures
	}
	if t.NumRows() == 0 {
		return nil, ErrNoSamples
	}

	enc := FitLabelEncoder(t.Labels)
	labels, err := enc.Transform(t.Labels)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"classes": enc.Classes,
	}).Info("Target encoded")

	keep := CorrelationFilter(t.Rows, cfg.CorrelationThreshold)
	columns := make([]string, len(keep))
	for i, c := range keep {
		columns[i] = t.Columns[c]
	}
	logger.WithFields(logrus.Fields{
		"threshold": cfg.CorrelationThreshold,
		"dropped":   t.NumFeatures() - len(keep),
		"kept":      len(keep),
	}).Info("Correlation filtering applied")

	rows := SelectColumns(t.Rows, keep)
	scaler, err := FitScaler(rows)
	if err != nil {
		return nil, err
	}
	scaled, err := scaler.Transform(rows)
	if err != nil {
		return nil, err
	}

	pca, err := FitPCA(scaled, cfg.TotalFeatures)
	if err != nil {
		return nil, err
	}
	projected, err := pca.Transform(scaled)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"components":         pca.NumComponents(),
		"explained_variance": pca.TotalVarianceRatio(),
	}).Info("PCA applied")

	features := make([][]float64, len(projected))
	for i, v := range projected {
		features[i] = PadOrTruncate(v, cfg.TotalFeatures)
	}

	return &Prepared{
		Features: features,
		Labels:   labels,
		Transforms: &Transforms{
			Labels:        enc,
			Columns:       columns,
			Scaler:        scaler,
			PCA:           pca,
			TotalFeatures: cfg.TotalFeatures,
		},
	}, nil
}

// Apply maps the rows of a raw table through the fitted transforms. Input
// columns are matched by name; extra columns are ignored.
func (tr *Transforms) Apply(t *Table) ([][]float64, error) {
	rows, err := t.Select(tr.Columns)
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		if !finite(row) {
			return nil, fmt.Errorf("row %d holds a non-finite value", i)
		}
	}
	scaled, err := tr.Scaler.Transform(rows)
	if err != nil {
		return nil, err
	}
	projected, err := tr.PCA.Transform(scaled)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(projected))
	for i, v := range projected {
		out[i] = PadOrTruncate(v, tr.TotalFeatures)
	}
	return out, nil
}

// Save writes the transforms as JSON.
func (tr *Transforms) Save(path string) error {
	data, err := json.MarshalIndent(tr, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal transforms: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write transforms: %w", err)
	}
	return nil
}

// LoadTransforms reads transforms written by Save.
func LoadTransforms(path string) (*Transforms, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transforms: %w", err)
	}
	var tr Transforms
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transforms: %w", err)
	}
	if tr.Labels == nil || tr.Scaler == nil || tr.PCA == nil || tr.TotalFeatures <= 0 {
		return nil, fmt.Errorf("transforms file %s is incomplete", path)
	}
	if len(tr.Columns) != len(tr.Scaler.Mean) || len(tr.Columns) != len(tr.PCA.Mean) {
		return nil, fmt.Errorf("transforms file %s: %d columns, scaler %d, PCA %d",
			path, len(tr.Columns), len(tr.Scaler.Mean), len(tr.PCA.Mean))
	}
	tr.Labels = NewLabelEncoder(tr.Labels.Classes)
	return &tr, nil
}
