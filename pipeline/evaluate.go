package pipeline

import (
	"context"
	"fmt"

	"github.com/tsawler/lafm-net/flows"
	"github.com/tsawler/lafm-net/models"
	"github.com/tsawler/lafm-net/tensor"
	"github.com/tsawler/lafm-net/training"
)

// Network is the inference chain: frozen autoencoder features drive the
// mask gate, the mask enhances the original image and the classifier scores
// the enhanced image.
type Network struct {
	Autoencoder *models.FrozenAutoencoder
	Gate        *models.AdaptiveMaskGate
	Classifier  *models.FlowClassifier
}

// enhance returns the mask and the enhanced images for a batch.
func (n *Network) enhance(images *tensor.Tensor) (mask, enhanced *tensor.Tensor, err error) {
	if n.Autoencoder == nil {
		return nil, nil, fmt.Errorf("autoencoder has not been frozen")
	}
	features, err := n.Autoencoder.Forward(images)
	if err != nil {
		return nil, nil, err
	}
	if mask, err = n.Gate.Forward(features); err != nil {
		return nil, nil, err
	}
	if enhanced, err = models.Enhance(images, mask); err != nil {
		return nil, nil, err
	}
	return mask, enhanced, nil
}

// Logits runs the full chain on a [N, C, H, W] batch. The classifier should
// be in eval mode.
func (n *Network) Logits(images *tensor.Tensor) (*tensor.Tensor, error) {
	_, enhanced, err := n.enhance(images)
	if err != nil {
		return nil, err
	}
	return n.Classifier.Forward(enhanced)
}

// Evaluation holds per-sample predictions on a labelled set and the scores
// derived from them.
type Evaluation struct {
	Classes    []string
	Truth      []int
	Predicted  []int
	Confusion  *training.ConfusionMatrix
	Accuracy   float64
	WeightedF1 float64
	MacroF1    float64

	// Binary is the benign-versus-attack collapse, nil when no class is
	// named Benign. AttackAUC ranks samples by 1 - P(Benign).
	Binary    *training.ConfusionMatrix
	AttackAUC float64
	AttackROC []training.ROCPoint
}

// Summary returns the headline scores by name.
func (e *Evaluation) Summary() map[string]float64 {
	s := map[string]float64{
		"accuracy":    e.Accuracy,
		"weighted_f1": e.WeightedF1,
		"macro_f1":    e.MacroF1,
	}
	if e.Binary != nil {
		s["binary_attack_recall"] = e.Binary.GetMetric(training.Recall)
		s["binary_benign_recall"] = e.Binary.GetMetric(training.Specificity)
		s["attack_auc"] = e.AttackAUC
	}
	return s
}

// evaluate predicts every batch of loader and scores the predictions.
func evaluate(ctx context.Context, net *Network, loader *training.DataLoader, classes []string) (*Evaluation, error) {
	net.Classifier.SetTraining(false)
	benign := -1
	for i, c := range classes {
		if c == flows.ClassBenign {
			benign = i
		}
	}

	var truth, predicted []int
	var attackScores []float64
	err := forEachBatch(ctx, loader, func(b *training.Batch) error {
		logits, err := net.Logits(b.Data)
		if err != nil {
			return err
		}
		predicted = append(predicted, training.Argmax(logits)...)
		truth = append(truth, b.Labels...)
		if benign >= 0 {
			probs := training.Softmax(logits)
			k := len(classes)
			for i := range b.Labels {
				attackScores = append(attackScores, 1-probs.Data[i*k+benign])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return score(classes, truth, predicted, benign, attackScores)
}

func score(classes []string, truth, predicted []int, benign int, attackScores []float64) (*Evaluation, error) {
	cm := training.NewConfusionMatrix(len(classes))
	if err := cm.Update(predicted, truth); err != nil {
		return nil, err
	}
	e := &Evaluation{
		Classes:    classes,
		Truth:      truth,
		Predicted:  predicted,
		Confusion:  cm,
		Accuracy:   cm.GetAccuracy(),
		WeightedF1: cm.GetMetric(training.WeightedF1),
		MacroF1:    cm.GetMetric(training.MacroF1),
	}
	if benign >= 0 {
		bin, err := cm.BinaryCollapse(benign)
		if err != nil {
			return nil, err
		}
		e.Binary = bin
		attack := make([]int, len(truth))
		for i, y := range truth {
			if y != benign {
				attack[i] = 1
			}
		}
		e.AttackAUC = training.CalculateAUCROC(attackScores, attack)
		e.AttackROC = training.ROCCurve(attackScores, attack)
	}
	return e, nil
}

// forEachBatch feeds every batch of one epoch to fn, stopping at the first
// error. The loader's workers are released on return.
func forEachBatch(ctx context.Context, loader *training.DataLoader, fn func(*training.Batch) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for b := range loader.Iterator(ctx) {
		if err := fn(b); err != nil {
			return err
		}
	}
	return loader.Err()
}
