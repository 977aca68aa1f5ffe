package training

import (
	"fmt"
	"math"
)

// LRScheduler adjusts the learning rate once per epoch.
type LRScheduler interface {
	// Step is called after validation of epoch (0-based) with the
	// monitored metric and returns the learning rate for the next epoch.
	Step(epoch int, metric float64, currentLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// SchedulerConfig selects and parameterizes a scheduler.
type SchedulerConfig struct {
	Type      string  `yaml:"type" json:"type"` // plateau, step, exponential, cosine, none
	Factor    float64 `yaml:"factor" json:"factor"`
	Patience  int     `yaml:"patience" json:"patience"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
	StepSize  int     `yaml:"step_size" json:"step_size"`
	Gamma     float64 `yaml:"gamma" json:"gamma"`
	TMax      int     `yaml:"t_max" json:"t_max"`
	EtaMin    float64 `yaml:"eta_min" json:"eta_min"`
}

// NewScheduler builds the scheduler named by config.Type.
func NewScheduler(config SchedulerConfig) (LRScheduler, error) {
	switch config.Type {
	case "", "plateau":
		return NewReduceLROnPlateauScheduler(config.Factor, config.Patience, config.Threshold, "min"), nil
	case "step":
		return NewStepLRScheduler(config.StepSize, config.Gamma), nil
	case "exponential":
		return NewExponentialLRScheduler(config.Gamma), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(config.TMax, config.EtaMin), nil
	case "none":
		return &NoOpScheduler{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", config.Type)
	}
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) Step(epoch int, _ float64, currentLR float64) float64 {
	if (epoch+1)%s.StepSize == 0 {
		return currentLR * s.Gamma
	}
	return currentLR
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) Step(_ int, _ float64, currentLR float64) float64 {
	return currentLR * s.Gamma
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule. The base
// rate is the learning rate seen on the first Step.
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate

	baseLR float64
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) Step(epoch int, _ float64, currentLR float64) float64 {
	if s.baseLR == 0 {
		s.baseLR = currentLR
	}
	next := epoch + 1
	if next >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (s.baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(next)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped improving
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of epochs with no improvement after which LR will be reduced
	Threshold float64 // Threshold for measuring the new optimum
	Mode      string  // One of "min" or "max"

	bestMetric  float64
	badEpochs   int
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}
	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step checks if LR should be reduced based on metric
func (s *ReduceLROnPlateauScheduler) Step(_ int, metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.initialized = true
		return currentLR
	}

	improved := false
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
		return currentLR
	}
	s.badEpochs++
	if s.badEpochs >= s.Patience {
		s.badEpochs = 0
		return currentLR * s.Factor
	}
	return currentLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) Step(_ int, _ float64, currentLR float64) float64 {
	return currentLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
