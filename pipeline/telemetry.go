package pipeline

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry collects per-epoch training metrics in a private Prometheus
// registry. A run writes the registry once, as a node-exporter textfile.
type Telemetry struct {
	registry *prometheus.Registry

	loss      *prometheus.GaugeVec
	accuracy  *prometheus.GaugeVec
	lr        *prometheus.GaugeVec
	epochs    *prometheus.GaugeVec
	bestLoss  *prometheus.GaugeVec
	batches   *prometheus.CounterVec
	evalScore *prometheus.GaugeVec
	classF1   *prometheus.GaugeVec
}

// NewTelemetry registers the run metrics, labelled with runID.
func NewTelemetry(runID string) *Telemetry {
	constLabels := prometheus.Labels{"run_id": runID}
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		loss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "lafmnet_epoch_loss",
			Help:        "Mean loss of the most recent epoch.",
			ConstLabels: constLabels,
		}, []string{"phase", "split"}),
		accuracy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "lafmnet_epoch_accuracy",
			Help:        "Accuracy of the most recent classifier epoch.",
			ConstLabels: constLabels,
		}, []string{"split"}),
		lr: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "lafmnet_learning_rate",
			Help:        "Learning rate after the most recent scheduler step.",
			ConstLabels: constLabels,
		}, []string{"phase"}),
		epochs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "lafmnet_epochs_completed",
			Help:        "Number of finished epochs.",
			ConstLabels: constLabels,
		}, []string{"phase"}),
		bestLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "lafmnet_best_validation_loss",
			Help:        "Validation loss of the restored weights.",
			ConstLabels: constLabels,
		}, []string{"phase"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "lafmnet_training_batches_total",
			Help:        "Training batches processed.",
			ConstLabels: constLabels,
		}, []string{"phase"}),
		evalScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "lafmnet_evaluation_score",
			Help:        "Held-out evaluation scores.",
			ConstLabels: constLabels,
		}, []string{"metric"}),
		classF1: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "lafmnet_class_f1",
			Help:        "Per-class F1 on the held-out set.",
			ConstLabels: constLabels,
		}, []string{"class"}),
	}
	t.registry.MustRegister(t.loss, t.accuracy, t.lr, t.epochs, t.bestLoss, t.batches, t.evalScore, t.classF1)
	return t
}

// Registry exposes the underlying registry, for tests and embedding.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// ObserveEpoch records one finished epoch.
func (t *Telemetry) ObserveEpoch(phase string, rec EpochRecord) {
	t.loss.WithLabelValues(phase, "train").Set(rec.TrainLoss)
	t.loss.WithLabelValues(phase, "validation").Set(rec.ValLoss)
	t.lr.WithLabelValues(phase).Set(rec.LearningRate)
	t.epochs.WithLabelValues(phase).Set(float64(rec.Epoch + 1))
	if phase == PhaseClassifier {
		t.accuracy.WithLabelValues("train").Set(rec.TrainAccuracy)
		t.accuracy.WithLabelValues("validation").Set(rec.ValAccuracy)
	}
}

// ObserveBatches counts processed training batches.
func (t *Telemetry) ObserveBatches(phase string, n int) {
	t.batches.WithLabelValues(phase).Add(float64(n))
}

// ObserveBest records the validation loss of the restored weights.
func (t *Telemetry) ObserveBest(phase string, loss float64) {
	t.bestLoss.WithLabelValues(phase).Set(loss)
}

// ObserveEvaluation records the headline and per-class scores.
func (t *Telemetry) ObserveEvaluation(e *Evaluation) {
	for name, v := range e.Summary() {
		t.evalScore.WithLabelValues(name).Set(v)
	}
	for c, name := range e.Classes {
		if name == "" {
			name = strconv.Itoa(c)
		}
		t.classF1.WithLabelValues(name).Set(e.Confusion.ClassScores(c).F1)
	}
}

// WriteTextfile writes every metric in the Prometheus text format.
func (t *Telemetry) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, t.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
