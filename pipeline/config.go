// Package pipeline wires preprocessing, the two training phases and
// evaluation into one run, and reloads a finished run for prediction.
package pipeline

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/lafm-net/checkpoints"
	"github.com/tsawler/lafm-net/models"
	"github.com/tsawler/lafm-net/training"
	"github.com/tsawler/lafm-net/vision/dataset"
)

// Config is the full run configuration.
type Config struct {
	SourceFiles  []string `yaml:"source_files" json:"source_files"`
	TargetColumn string   `yaml:"target_column" json:"target_column"`

	NumChannels          int     `yaml:"num_channels" json:"num_channels"`
	FeaturesPerChannel   int     `yaml:"features_per_channel" json:"features_per_channel"`
	ImageSize            int     `yaml:"image_size" json:"image_size"`
	TotalFeatures        int     `yaml:"total_features" json:"total_features"`
	CorrelationThreshold float64 `yaml:"correlation_threshold" json:"correlation_threshold"`

	BatchSize        int     `yaml:"batch_size" json:"batch_size"`
	UNetLR           float64 `yaml:"unet_lr" json:"unet_lr"`
	ClassifierLR     float64 `yaml:"classifier_lr" json:"classifier_lr"`
	UNetEpochs       int     `yaml:"unet_epochs" json:"unet_epochs"`
	ClassifierEpochs int     `yaml:"classifier_epochs" json:"classifier_epochs"`
	NoiseFactor      float64 `yaml:"noise_factor_unet_train" json:"noise_factor_unet_train"`

	EarlyStoppingPatience int     `yaml:"early_stopping_patience" json:"early_stopping_patience"`
	EarlyStoppingDelta    float64 `yaml:"early_stopping_delta" json:"early_stopping_delta"`

	AugmentationFlipProb   float64 `yaml:"augmentation_flip_prob" json:"augmentation_flip_prob"`
	MinorityClassThreshold float64 `yaml:"minority_class_threshold" json:"minority_class_threshold"`
	FocalLossAlpha         float64 `yaml:"focal_loss_alpha" json:"focal_loss_alpha"`
	FocalLossGamma         float64 `yaml:"focal_loss_gamma" json:"focal_loss_gamma"`

	TestSetRatio       float64 `yaml:"test_set_ratio" json:"test_set_ratio"`
	ValidationSetRatio float64 `yaml:"validation_set_ratio" json:"validation_set_ratio"`
	RandomSeed         uint64  `yaml:"random_seed" json:"random_seed"`
	NumWorkers         int     `yaml:"num_workers" json:"num_workers"`

	BaseFeatures int                      `yaml:"base_features" json:"base_features"`
	Classifier   models.ClassifierConfig  `yaml:"classifier" json:"classifier"`
	Scheduler    training.SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	CheckpointFormat string `yaml:"checkpoint_format" json:"checkpoint_format"`
	OutputDir        string `yaml:"output_dir" json:"output_dir"`
	LogLevel         string `yaml:"log_level" json:"log_level"`
	LogFormat        string `yaml:"log_format" json:"log_format"`

	// Progress receives a per-epoch progress bar when set.
	Progress io.Writer `yaml:"-" json:"-"`
}

// DefaultConfig returns the reference configuration: four 4×4 channels,
// 30 epochs per phase and a balanced focal loss with α=0.75, γ=1.5.
func DefaultConfig() Config {
	const patience = 5
	return Config{
		TargetColumn:           "Label",
		NumChannels:            4,
		FeaturesPerChannel:     16,
		ImageSize:              4,
		TotalFeatures:          64,
		CorrelationThreshold:   0.999,
		BatchSize:              256,
		UNetLR:                 1e-4,
		ClassifierLR:           2e-4,
		UNetEpochs:             30,
		ClassifierEpochs:       30,
		NoiseFactor:            0.1,
		EarlyStoppingPatience:  patience,
		EarlyStoppingDelta:     0,
		AugmentationFlipProb:   0.3,
		MinorityClassThreshold: 0.01,
		FocalLossAlpha:         0.75,
		FocalLossGamma:         1.5,
		TestSetRatio:           0.25,
		ValidationSetRatio:     0.2,
		RandomSeed:             123,
		NumWorkers:             2,
		BaseFeatures:           32,
		Classifier:             models.DefaultClassifierConfig(64, 0),
		Scheduler: training.SchedulerConfig{
			Type:     "plateau",
			Factor:   0.1,
			Patience: patience / 2,
		},
		CheckpointFormat: "binary",
		OutputDir:        "lafmnet-run",
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
// Keys absent from the file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ImageConfig returns the feature-to-image geometry.
func (c Config) ImageConfig() dataset.ImageConfig {
	return dataset.ImageConfig{
		NumChannels:        c.NumChannels,
		FeaturesPerChannel: c.FeaturesPerChannel,
		ImageSize:          c.ImageSize,
	}
}

// Validate rejects inconsistent geometry and out-of-range values.
func (c Config) Validate() error {
	img := c.ImageConfig()
	if err := img.Validate(); err != nil {
		return err
	}
	if c.TotalFeatures != img.TotalFeatures() {
		return fmt.Errorf("total_features %d does not equal num_channels × features_per_channel = %d",
			c.TotalFeatures, img.TotalFeatures())
	}
	if c.ImageSize%4 != 0 {
		return fmt.Errorf("image_size %d must be divisible by 4", c.ImageSize)
	}
	if c.CorrelationThreshold <= 0 || c.CorrelationThreshold > 1 {
		return fmt.Errorf("correlation_threshold must be in (0, 1], got %g", c.CorrelationThreshold)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.UNetLR <= 0 || c.ClassifierLR <= 0 {
		return fmt.Errorf("learning rates must be positive")
	}
	if c.UNetEpochs < 0 || c.ClassifierEpochs < 0 {
		return fmt.Errorf("epoch counts cannot be negative")
	}
	if c.NoiseFactor < 0 {
		return fmt.Errorf("noise_factor_unet_train cannot be negative, got %g", c.NoiseFactor)
	}
	if c.EarlyStoppingPatience < 1 {
		return fmt.Errorf("early_stopping_patience must be at least 1, got %d", c.EarlyStoppingPatience)
	}
	if c.AugmentationFlipProb < 0 || c.AugmentationFlipProb > 1 {
		return fmt.Errorf("augmentation_flip_prob must be in [0, 1], got %g", c.AugmentationFlipProb)
	}
	if c.MinorityClassThreshold < 0 || c.MinorityClassThreshold >= 1 {
		return fmt.Errorf("minority_class_threshold must be in [0, 1), got %g", c.MinorityClassThreshold)
	}
	if c.FocalLossAlpha <= 0 || c.FocalLossGamma < 0 {
		return fmt.Errorf("focal loss needs alpha > 0 and gamma >= 0")
	}
	for name, r := range map[string]float64{"test_set_ratio": c.TestSetRatio, "validation_set_ratio": c.ValidationSetRatio} {
		if r <= 0 || r >= 1 {
			return fmt.Errorf("%s must be in (0, 1), got %g", name, r)
		}
	}
	if c.BaseFeatures <= 0 {
		return fmt.Errorf("base_features must be positive, got %d", c.BaseFeatures)
	}
	if _, err := training.NewScheduler(c.Scheduler); err != nil {
		return err
	}
	if _, err := checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// ClassifierConfig completes the classifier widths with the geometry and
// class count known at run time.
func (c Config) ClassifierConfig(numClasses int) models.ClassifierConfig {
	cc := c.Classifier
	cc.InputLength = c.TotalFeatures
	cc.NumClasses = numClasses
	return cc
}

// AutoencoderConfig returns the U-Net geometry.
func (c Config) AutoencoderConfig() models.AutoencoderConfig {
	return models.AutoencoderConfig{
		InChannels:   c.NumChannels,
		OutChannels:  c.NumChannels,
		BaseFeatures: c.BaseFeatures,
	}
}

// NewLogger builds a logger from the configured level and format.
func NewLogger(c Config, out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	if strings.EqualFold(c.LogFormat, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

func discardLogger(logger *logrus.Logger) *logrus.Logger {
	if logger != nil {
		return logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
