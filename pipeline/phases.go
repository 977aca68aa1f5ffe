package pipeline

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/lafm-net/layers"
	"github.com/tsawler/lafm-net/models"
	"github.com/tsawler/lafm-net/optimizer"
	"github.com/tsawler/lafm-net/tensor"
	"github.com/tsawler/lafm-net/training"
)

func adamConfig(lr float64) optimizer.AdamConfig {
	cfg := optimizer.DefaultAdamConfig()
	cfg.LearningRate = lr
	return cfg
}

func checkLoss(phase string, epoch, batch int, loss float64) error {
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return fmt.Errorf("%w: %s epoch %d batch %d", ErrNonFiniteLoss, phase, epoch+1, batch)
	}
	return nil
}

// addNoise returns x + factor·N(0, 1).
func addNoise(x *tensor.Tensor, factor float64, rng *rand.Rand) *tensor.Tensor {
	out := x.Clone()
	if factor == 0 {
		return out
	}
	for i := range out.Data {
		out.Data[i] += factor * rng.NormFloat64()
	}
	return out
}

func (o *Orchestrator) progressBar(phase string, epoch, epochs int) *training.ProgressBar {
	return training.NewProgressBar(o.cfg.Progress, fmt.Sprintf("%s %d/%d", phase, epoch+1, epochs), o.trainLoader.Len())
}

// runPhase1 trains the autoencoder to undo Gaussian noise. The best weights
// by validation loss are restored and frozen.
func (o *Orchestrator) runPhase1(ctx context.Context) error {
	log := o.log.WithField("phase", PhaseAutoencoder)
	ae := o.autoencoder

	opt, err := optimizer.NewAdamOptimizer(adamConfig(o.cfg.UNetLR), ae.Parameters())
	if err != nil {
		return err
	}
	sched, err := training.NewScheduler(o.cfg.Scheduler)
	if err != nil {
		return err
	}
	stopper := training.NewEarlyStopping(o.cfg.EarlyStoppingPatience, o.cfg.EarlyStoppingDelta)
	mse := training.NewMSELoss("mean")
	noise := o.rng.Stream(training.StreamNoise)

	log.WithFields(logrus.Fields{
		"parameters": layers.CountParameters(ae),
		"epochs":     o.cfg.UNetEpochs,
		"batches":    o.trainLoader.Len(),
	}).Info("Training autoencoder")

	for epoch := 0; epoch < o.cfg.UNetEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		ae.SetTraining(true)
		total, batches := 0.0, 0
		bar := o.progressBar(PhaseAutoencoder, epoch, o.cfg.UNetEpochs)
		err := forEachBatch(ctx, o.trainLoader, func(b *training.Batch) error {
			noisy := addNoise(b.Data, o.cfg.NoiseFactor, noise)
			opt.ZeroGrad()
			recon, err := ae.Forward(noisy)
			if err != nil {
				return err
			}
			loss, err := mse.Forward(recon, b.Data)
			if err != nil {
				return err
			}
			if err := checkLoss(PhaseAutoencoder, epoch, batches, loss); err != nil {
				return err
			}
			grad, err := mse.Backward(recon, b.Data)
			if err != nil {
				return err
			}
			if _, err := ae.Backward(grad); err != nil {
				return err
			}
			if err := opt.Step(); err != nil {
				return err
			}
			total += loss
			batches++
			bar.Update(batches, map[string]float64{"loss": total / float64(batches)})
			return nil
		})
		if err != nil {
			return err
		}
		bar.Finish()
		o.telemetry.ObserveBatches(PhaseAutoencoder, batches)

		// validation sees the same corruption as training
		ae.SetTraining(false)
		valTotal, valBatches := 0.0, 0
		err = forEachBatch(ctx, o.valLoader, func(b *training.Batch) error {
			recon, err := ae.Forward(addNoise(b.Data, o.cfg.NoiseFactor, noise))
			if err != nil {
				return err
			}
			loss, err := mse.Forward(recon, b.Data)
			if err != nil {
				return err
			}
			valTotal += loss
			valBatches++
			return nil
		})
		if err != nil {
			return err
		}

		rec := EpochRecord{
			Epoch:     epoch,
			TrainLoss: total / float64(max(batches, 1)),
			ValLoss:   valTotal / float64(max(valBatches, 1)),
		}
		opt.UpdateLearningRate(sched.Step(epoch, rec.ValLoss, opt.GetLearningRate()))
		rec.LearningRate = opt.GetLearningRate()
		o.phase1.History = append(o.phase1.History, rec)
		o.telemetry.ObserveEpoch(PhaseAutoencoder, rec)
		log.WithFields(logrus.Fields{
			"epoch":      epoch + 1,
			"train_loss": rec.TrainLoss,
			"val_loss":   rec.ValLoss,
			"lr":         rec.LearningRate,
		}).Info("Epoch finished")

		if stopper.Update(epoch, rec.ValLoss, ae) == training.Stopped {
			log.WithField("best_epoch", stopper.BestEpoch()+1).Info("Early stopping autoencoder")
			o.phase1.Stopped = true
			break
		}
	}

	if err := stopper.RestoreBest(ae); err != nil {
		return err
	}
	ae.SetTraining(false)
	o.phase1.BestEpoch = stopper.BestEpoch()
	o.phase1.BestLoss = stopper.BestLoss()

	// reconstruction quality of the restored weights on clean inputs
	var recon, clean []float64
	err = forEachBatch(ctx, o.valLoader, func(b *training.Batch) error {
		out, err := ae.Forward(b.Data)
		if err != nil {
			return err
		}
		recon = append(recon, out.Data...)
		clean = append(clean, b.Data.Data...)
		return nil
	})
	if err != nil {
		return err
	}
	o.phase1.Reconstruction = training.CalculateRegressionMetrics(recon, clean)
	log.WithFields(logrus.Fields{
		"best_epoch": o.phase1.BestEpoch + 1,
		"mae":        o.phase1.Reconstruction.MAE,
		"r2":         o.phase1.Reconstruction.R2,
	}).Info("Autoencoder restored")
	o.phase1.Steps = opt.GetStepCount()
	o.telemetry.ObserveBest(PhaseAutoencoder, o.phase1.BestLoss)

	frozen, err := models.Freeze(ae)
	if err != nil {
		return err
	}
	o.frozen = frozen
	return nil
}

// runPhase2 trains the classifier and the mask gate together against the
// focal loss, on top of the frozen autoencoder.
func (o *Orchestrator) runPhase2(ctx context.Context) error {
	log := o.log.WithField("phase", PhaseClassifier)
	clf, gate := o.classifier, o.gate
	trained := layers.ModuleList{clf, gate}

	gate.SetTrainable(true)
	defer gate.SetTrainable(false)

	opt, err := optimizer.NewAdamOptimizer(adamConfig(o.cfg.ClassifierLR), trained.Parameters())
	if err != nil {
		return err
	}
	sched, err := training.NewScheduler(o.cfg.Scheduler)
	if err != nil {
		return err
	}
	stopper := training.NewEarlyStopping(o.cfg.EarlyStoppingPatience, o.cfg.EarlyStoppingDelta)
	focal := training.NewBalancedFocalLoss(o.cfg.FocalLossAlpha, o.cfg.FocalLossGamma)
	net := o.Network()
	numClasses := len(o.data.Classes)

	log.WithFields(logrus.Fields{
		"parameters": layers.CountParameters(trained),
		"epochs":     o.cfg.ClassifierEpochs,
		"classes":    numClasses,
	}).Info("Training classifier with adaptive mask")

	for epoch := 0; epoch < o.cfg.ClassifierEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		clf.SetTraining(true)
		total, batches, correct, seen := 0.0, 0, 0, 0
		bar := o.progressBar(PhaseClassifier, epoch, o.cfg.ClassifierEpochs)
		err := forEachBatch(ctx, o.trainLoader, func(b *training.Batch) error {
			opt.ZeroGrad()
			mask, enhanced, err := net.enhance(b.Data)
			if err != nil {
				return err
			}
			logits, err := clf.Forward(enhanced)
			if err != nil {
				return err
			}
			loss, err := focal.Forward(logits, b.Labels)
			if err != nil {
				return err
			}
			if err := checkLoss(PhaseClassifier, epoch, batches, loss); err != nil {
				return err
			}
			gradLogits, err := focal.Backward(logits, b.Labels)
			if err != nil {
				return err
			}
			gradEnhanced, err := clf.Backward(gradLogits)
			if err != nil {
				return err
			}
			gradMask, err := models.EnhanceBackward(b.Data, mask, gradEnhanced)
			if err != nil {
				return err
			}
			if _, err := gate.Backward(gradMask); err != nil {
				return err
			}
			if err := opt.Step(); err != nil {
				return err
			}

			for i, p := range training.Argmax(logits) {
				if p == b.Labels[i] {
					correct++
				}
			}
			seen += b.Size()
			total += loss
			batches++
			bar.Update(batches, map[string]float64{
				"loss": total / float64(batches),
				"acc":  float64(correct) / float64(seen),
			})
			return nil
		})
		if err != nil {
			return err
		}
		bar.Finish()
		o.telemetry.ObserveBatches(PhaseClassifier, batches)

		clf.SetTraining(false)
		valTotal, valBatches := 0.0, 0
		cm := training.NewConfusionMatrix(numClasses)
		err = forEachBatch(ctx, o.valLoader, func(b *training.Batch) error {
			logits, err := net.Logits(b.Data)
			if err != nil {
				return err
			}
			loss, err := focal.Forward(logits, b.Labels)
			if err != nil {
				return err
			}
			valTotal += loss
			valBatches++
			return cm.Update(training.Argmax(logits), b.Labels)
		})
		if err != nil {
			return err
		}

		rec := EpochRecord{
			Epoch:         epoch,
			TrainLoss:     total / float64(max(batches, 1)),
			ValLoss:       valTotal / float64(max(valBatches, 1)),
			TrainAccuracy: float64(correct) / float64(max(seen, 1)),
			ValAccuracy:   cm.GetAccuracy(),
			ValWeightedF1: cm.GetMetric(training.WeightedF1),
		}
		opt.UpdateLearningRate(sched.Step(epoch, rec.ValLoss, opt.GetLearningRate()))
		rec.LearningRate = opt.GetLearningRate()
		o.phase2.History = append(o.phase2.History, rec)
		o.telemetry.ObserveEpoch(PhaseClassifier, rec)
		log.WithFields(logrus.Fields{
			"epoch":       epoch + 1,
			"train_loss":  rec.TrainLoss,
			"train_acc":   rec.TrainAccuracy,
			"val_loss":    rec.ValLoss,
			"val_acc":     rec.ValAccuracy,
			"weighted_f1": rec.ValWeightedF1,
			"lr":          rec.LearningRate,
		}).Info("Epoch finished")

		if stopper.Update(epoch, rec.ValLoss, trained) == training.Stopped {
			log.WithField("best_epoch", stopper.BestEpoch()+1).Info("Early stopping classifier")
			o.phase2.Stopped = true
			break
		}
	}

	if err := stopper.RestoreBest(trained); err != nil {
		return err
	}
	clf.SetTraining(false)
	o.phase2.BestEpoch = stopper.BestEpoch()
	o.phase2.BestLoss = stopper.BestLoss()
	o.phase2.Steps = opt.GetStepCount()
	o.telemetry.ObserveBest(PhaseClassifier, o.phase2.BestLoss)
	return nil
}
