package pipeline

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}

	checks := []struct {
		name      string
		got, want float64
	}{
		{"total_features", float64(cfg.TotalFeatures), 64},
		{"correlation_threshold", cfg.CorrelationThreshold, 0.999},
		{"batch_size", float64(cfg.BatchSize), 256},
		{"unet_lr", cfg.UNetLR, 1e-4},
		{"classifier_lr", cfg.ClassifierLR, 2e-4},
		{"focal_loss_alpha", cfg.FocalLossAlpha, 0.75},
		{"focal_loss_gamma", cfg.FocalLossGamma, 1.5},
		{"test_set_ratio", cfg.TestSetRatio, 0.25},
		{"validation_set_ratio", cfg.ValidationSetRatio, 0.2},
		{"scheduler_patience", float64(cfg.Scheduler.Patience), 2},
		{"random_seed", float64(cfg.RandomSeed), 123},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %g, want %g", c.name, c.got, c.want)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"geometry mismatch", func(c *Config) { c.TotalFeatures = 60 }},
		{"image not square", func(c *Config) { c.ImageSize = 3 }},
		{"image not divisible by 4", func(c *Config) {
			c.ImageSize, c.FeaturesPerChannel, c.TotalFeatures = 2, 4, 16
		}},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"test ratio", func(c *Config) { c.TestSetRatio = 1 }},
		{"validation ratio", func(c *Config) { c.ValidationSetRatio = 0 }},
		{"flip probability", func(c *Config) { c.AugmentationFlipProb = 1.5 }},
		{"patience", func(c *Config) { c.EarlyStoppingPatience = 0 }},
		{"scheduler", func(c *Config) { c.Scheduler.Type = "warmup" }},
		{"checkpoint format", func(c *Config) { c.CheckpointFormat = "pickle" }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"log format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	yamlText := `
source_files:
  - Friday-02-03-2018.csv
  - Thursday-15-02-2018.csv
batch_size: 128
unet_epochs: 3
random_seed: 7
classifier:
  conv1: 16
  hidden1: 64
scheduler:
  type: step
  step_size: 2
  gamma: 0.5
log_format: json
`
	if err := os.WriteFile(path, []byte(yamlText), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(cfg.SourceFiles) != 2 || cfg.BatchSize != 128 || cfg.UNetEpochs != 3 || cfg.RandomSeed != 7 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Classifier.Conv1 != 16 || cfg.Classifier.Hidden1 != 64 || cfg.Classifier.Conv2 != 128 {
		t.Errorf("classifier widths: %+v", cfg.Classifier)
	}
	if cfg.Scheduler.Type != "step" || cfg.Scheduler.StepSize != 2 {
		t.Errorf("scheduler: %+v", cfg.Scheduler)
	}
	if cfg.ClassifierEpochs != 30 || cfg.TargetColumn != "Label" {
		t.Error("absent keys should keep their defaults")
	}

	saved := filepath.Join(dir, "saved.yaml")
	if err := cfg.Save(saved); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	again, err := LoadConfig(saved)
	if err != nil {
		t.Fatalf("reloading saved config failed: %v", err)
	}
	if again.BatchSize != cfg.BatchSize || again.Scheduler != cfg.Scheduler || again.Classifier != cfg.Classifier {
		t.Error("saved config does not round trip")
	}

	if err := os.WriteFile(path, []byte("total_features: 10\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected validation error for inconsistent geometry")
	}
	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"

	var buf bytes.Buffer
	logger, err := NewLogger(cfg, &buf)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Info("hidden")
	logger.WithField("epoch", 3).Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message logged at warn level")
	}
	if !strings.Contains(out, `"epoch":3`) || !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("unexpected JSON log output %q", out)
	}
}

func TestClassifierConfigCompletion(t *testing.T) {
	cfg := DefaultConfig()
	cc := cfg.ClassifierConfig(6)
	if cc.InputLength != 64 || cc.NumClasses != 6 {
		t.Errorf("got input %d classes %d", cc.InputLength, cc.NumClasses)
	}
	if err := cc.Validate(); err != nil {
		t.Errorf("completed classifier config invalid: %v", err)
	}
}
