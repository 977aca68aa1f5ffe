package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tsawler/lafm-net/tensor"
)

// ErrIntegrity reports an artifact whose content no longer matches its
// recorded digest.
var ErrIntegrity = errors.New("artifact integrity check failed")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	// FormatBinary is protobuf wire format laid out as an ONNX ModelProto
	// whose graph carries only initializers.
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Extension returns the file suffix used for the format.
func (cf CheckpointFormat) Extension() string {
	if cf == FormatBinary {
		return ".onnx"
	}
	return ".json"
}

// ParseFormat accepts "json" or "binary" (case-insensitive).
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "binary", "onnx", "protobuf":
		return FormatBinary, nil
	default:
		return FormatJSON, fmt.Errorf("unsupported checkpoint format %q", s)
	}
}

// Checkpoint represents a saved network: its weights plus the training
// progress that produced them.
type Checkpoint struct {
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// TrainingState captures the training progress behind the weights.
type TrainingState struct {
	Phase        string  `json:"phase"`
	Epoch        int     `json:"epoch"`
	Step         uint64  `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	Model       string    `json:"model"`
	RunID       string    `json:"run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// FromStateDict builds a checkpoint from a state dict, in its order.
func FromStateDict(sd StateDict, state TrainingState, meta CheckpointMetadata) *Checkpoint {
	cp := &Checkpoint{TrainingState: state, Metadata: meta}
	for _, name := range sd.Names() {
		t, _ := sd.Get(name)
		cp.Weights = append(cp.Weights, WeightTensor{
			Name:  name,
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float64(nil), t.Data...),
		})
	}
	return cp
}

// StateDict converts the stored weights back into tensors.
func (c *Checkpoint) StateDict() (StateDict, error) {
	sd := NewStateDict()
	for _, w := range c.Weights {
		t, err := tensor.NewTensor(w.Shape, w.Data)
		if err != nil {
			return StateDict{}, fmt.Errorf("weight %q: %w", w.Name, err)
		}
		if _, dup := sd.Get(w.Name); dup {
			return StateDict{}, fmt.Errorf("duplicate weight %q", w.Name)
		}
		sd.Set(w.Name, t)
	}
	return sd, nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// Format returns the saver's format.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "lafm-net"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatBinary:
		return cs.saveBinary(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatBinary:
		return cs.loadBinary(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return file.Sync()
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &checkpoint, nil
}

func (cs *CheckpointSaver) saveBinary(checkpoint *Checkpoint, path string) error {
	data, err := MarshalBinary(checkpoint)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

func (cs *CheckpointSaver) loadBinary(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	return UnmarshalBinary(data)
}
