package checkpoints

import (
	"fmt"

	"github.com/tsawler/lafm-net/layers"
	"github.com/tsawler/lafm-net/tensor"
)

// StateDict is an ordered set of named tensors. Tensors held by a StateDict
// are private copies: mutating the module it came from never changes it.
type StateDict struct {
	names   []string
	tensors map[string]*tensor.Tensor
}

// NewStateDict returns an empty state dict.
func NewStateDict() StateDict {
	return StateDict{tensors: make(map[string]*tensor.Tensor)}
}

// Snapshot deep-copies every parameter and buffer of m.
func Snapshot(m layers.Module) StateDict {
	sd := NewStateDict()
	for _, p := range m.Parameters() {
		sd.Set(p.Name, p.Value)
	}
	return sd
}

// Set stores a copy of t under name, keeping first-insertion order.
func (sd *StateDict) Set(name string, t *tensor.Tensor) {
	if sd.tensors == nil {
		sd.tensors = make(map[string]*tensor.Tensor)
	}
	if _, ok := sd.tensors[name]; !ok {
		sd.names = append(sd.names, name)
	}
	sd.tensors[name] = t.Clone()
}

// Get returns the stored tensor. Callers must not mutate it.
func (sd StateDict) Get(name string) (*tensor.Tensor, bool) {
	t, ok := sd.tensors[name]
	return t, ok
}

// Names returns the tensor names in insertion order.
func (sd StateDict) Names() []string {
	return append([]string(nil), sd.names...)
}

// Len returns the number of tensors.
func (sd StateDict) Len() int {
	return len(sd.names)
}

// Empty reports whether the dict holds no tensors.
func (sd StateDict) Empty() bool {
	return len(sd.names) == 0
}

// Clone returns a deep copy.
func (sd StateDict) Clone() StateDict {
	out := NewStateDict()
	for _, name := range sd.names {
		out.Set(name, sd.tensors[name])
	}
	return out
}

// LoadInto copies the stored values into m's parameters and buffers. Every
// parameter of m must be present with a matching shape.
func (sd StateDict) LoadInto(m layers.Module) error {
	params := m.Parameters()
	if len(params) != len(sd.names) {
		return fmt.Errorf("state dict has %d tensors, module has %d", len(sd.names), len(params))
	}
	for _, p := range params {
		t, ok := sd.tensors[p.Name]
		if !ok {
			return fmt.Errorf("state dict has no tensor %q", p.Name)
		}
		if !tensor.SameShape(p.Value, t) {
			return fmt.Errorf("tensor %q: shape %v does not match %v", p.Name, t.Shape, p.Value.Shape)
		}
	}
	for _, p := range params {
		t := sd.tensors[p.Name]
		copy(p.Value.Data, t.Data)
	}
	return nil
}
