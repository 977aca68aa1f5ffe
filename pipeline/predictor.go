package pipeline

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/lafm-net/checkpoints"
	"github.com/tsawler/lafm-net/flows"
	"github.com/tsawler/lafm-net/layers"
	"github.com/tsawler/lafm-net/models"
	"github.com/tsawler/lafm-net/tensor"
	"github.com/tsawler/lafm-net/training"
	"github.com/tsawler/lafm-net/vision/dataset"
)

// Prediction is the classifier's verdict on one flow.
type Prediction struct {
	Class         string    `json:"class"`
	Index         int       `json:"index"`
	Confidence    float64   `json:"confidence"`
	Probabilities []float64 `json:"probabilities"`
}

// Predictor classifies raw flow tables with the networks of a saved run.
// It is safe for concurrent use; calls are serialized.
type Predictor struct {
	mu         sync.Mutex
	cfg        Config
	manifest   *checkpoints.Manifest
	transforms *flows.Transforms
	net        *Network
	log        *logrus.Entry
}

// LoadPredictor verifies the manifest in dir and rebuilds the transforms
// and networks of the run. A tampered or missing artifact yields an error
// wrapping checkpoints.ErrIntegrity.
func LoadPredictor(dir string, logger *logrus.Logger) (*Predictor, error) {
	manifest, err := checkpoints.LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	if err := manifest.Verify(dir); err != nil {
		return nil, err
	}

	cfg, err := LoadConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	transforms, err := flows.LoadTransforms(filepath.Join(dir, TransformsFile))
	if err != nil {
		return nil, err
	}
	if transforms.TotalFeatures != cfg.TotalFeatures {
		return nil, fmt.Errorf("transforms produce %d features, config expects %d", transforms.TotalFeatures, cfg.TotalFeatures)
	}
	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return nil, err
	}
	load := func(name string) (checkpoints.StateDict, error) {
		cp, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(filepath.Join(dir, weightFile(name, format)))
		if err != nil {
			return checkpoints.StateDict{}, fmt.Errorf("failed to load %s weights: %w", name, err)
		}
		return cp.StateDict()
	}
	restore := func(name string, m layers.Module) error {
		sd, err := load(name)
		if err != nil {
			return err
		}
		if err := sd.LoadInto(m); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}

	aeWeights, err := load(autoencoderArtifact)
	if err != nil {
		return nil, err
	}
	frozen, err := models.NewFrozenAutoencoder(cfg.AutoencoderConfig(), aeWeights)
	if err != nil {
		return nil, err
	}
	gate, err := models.NewAdaptiveMaskGate(cfg.NumChannels, nil)
	if err != nil {
		return nil, err
	}
	if err := restore(gateArtifact, gate); err != nil {
		return nil, err
	}
	clf, err := models.NewFlowClassifier(cfg.ClassifierConfig(transforms.Labels.NumClasses()), nil, nil)
	if err != nil {
		return nil, err
	}
	if err := restore(classifierArtifact, clf); err != nil {
		return nil, err
	}
	clf.SetTraining(false)

	log := discardLogger(logger).WithField("run_id", manifest.RunID)
	log.WithFields(logrus.Fields{
		"dir":     dir,
		"classes": transforms.Labels.Classes,
	}).Info("Predictor loaded")

	return &Predictor{
		cfg:        cfg,
		manifest:   manifest,
		transforms: transforms,
		net:        &Network{Autoencoder: frozen, Gate: gate, Classifier: clf},
		log:        log,
	}, nil
}

// RunID identifies the training run the predictor was loaded from.
func (p *Predictor) RunID() string { return p.manifest.RunID }

// Config returns the configuration the run was trained with.
func (p *Predictor) Config() Config { return p.cfg }

// Classes returns the class names in id order.
func (p *Predictor) Classes() []string {
	return append([]string(nil), p.transforms.Labels.Classes...)
}

// Predict classifies every row of t. The table must carry the feature
// columns the run was trained on; rows with missing or non-finite values
// are rejected, so clean the table first.
func (p *Predictor) Predict(t *flows.Table) ([]Prediction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	vectors, err := p.transforms.Apply(t)
	if err != nil {
		return nil, err
	}
	img := p.cfg.ImageConfig()
	k := p.transforms.Labels.NumClasses()
	out := make([]Prediction, 0, len(vectors))

	for start := 0; start < len(vectors); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(vectors))
		images := make([]*tensor.Tensor, 0, end-start)
		for _, v := range vectors[start:end] {
			im, err := dataset.FeaturesToImage(v, img)
			if err != nil {
				return nil, err
			}
			images = append(images, im)
		}
		batch, err := tensor.Stack(images)
		if err != nil {
			return nil, err
		}
		logits, err := p.net.Logits(batch)
		if err != nil {
			return nil, fmt.Errorf("rows %d-%d: %w", start, end-1, err)
		}
		probs := training.Softmax(logits)
		for i, idx := range training.Argmax(logits) {
			row := append([]float64(nil), probs.Data[i*k:(i+1)*k]...)
			out = append(out, Prediction{
				Class:         p.transforms.Labels.Classes[idx],
				Index:         idx,
				Confidence:    row[idx],
				Probabilities: row,
			})
		}
	}
	p.log.WithField("rows", len(out)).Debug("Prediction finished")
	return out, nil
}

// Evaluate predicts a labelled table and scores the predictions. Labels are
// consolidated first; a class the run never saw is an error.
func (p *Predictor) Evaluate(t *flows.Table) (*Evaluation, error) {
	if len(t.Labels) != t.NumRows() {
		return nil, fmt.Errorf("table has %d labels for %d rows", len(t.Labels), t.NumRows())
	}
	labels := append([]string(nil), t.Labels...)
	flows.ConsolidateLabels(labels, nil)
	truth, err := p.transforms.Labels.Transform(labels)
	if err != nil {
		return nil, err
	}
	preds, err := p.Predict(t)
	if err != nil {
		return nil, err
	}

	classes := p.Classes()
	benign, ok := p.transforms.Labels.Index(flows.ClassBenign)
	if !ok {
		benign = -1
	}
	predicted := make([]int, len(preds))
	var attackScores []float64
	for i, pr := range preds {
		predicted[i] = pr.Index
		if benign >= 0 {
			attackScores = append(attackScores, 1-pr.Probabilities[benign])
		}
	}
	return score(classes, truth, predicted, benign, attackScores)
}
