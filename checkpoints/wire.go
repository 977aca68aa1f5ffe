package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from onnx.proto. Only the subset needed to carry named
// float64 initializers and free-form metadata is written.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelMetadataProps   protowire.Number = 14

	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5

	tensorDims     protowire.Number = 1
	tensorDataType protowire.Number = 2
	tensorName     protowire.Number = 8
	tensorRawData  protowire.Number = 9

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	onnxIRVersion   = 8
	onnxTypeDouble  = 11
	metaKeyState    = "lafm.training_state"
	metaKeyMetadata = "lafm.metadata"
)

// MarshalBinary encodes a checkpoint as an ONNX ModelProto whose graph holds
// one DOUBLE initializer per weight.
func MarshalBinary(cp *Checkpoint) ([]byte, error) {
	var graph []byte
	graph = protowire.AppendTag(graph, graphName, protowire.BytesType)
	graph = protowire.AppendString(graph, cp.Metadata.Model)
	for _, w := range cp.Weights {
		t, err := appendTensor(nil, w)
		if err != nil {
			return nil, err
		}
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, t)
	}

	state, err := json.Marshal(cp.TrainingState)
	if err != nil {
		return nil, fmt.Errorf("failed to encode training state: %w", err)
	}
	meta, err := json.Marshal(cp.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	var b []byte
	b = protowire.AppendTag(b, modelIRVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxIRVersion)
	b = protowire.AppendTag(b, modelProducerName, protowire.BytesType)
	b = protowire.AppendString(b, cp.Metadata.Framework)
	b = protowire.AppendTag(b, modelProducerVersion, protowire.BytesType)
	b = protowire.AppendString(b, cp.Metadata.Version)
	if cp.Metadata.Description != "" {
		b = protowire.AppendTag(b, modelDocString, protowire.BytesType)
		b = protowire.AppendString(b, cp.Metadata.Description)
	}
	b = protowire.AppendTag(b, modelGraph, protowire.BytesType)
	b = protowire.AppendBytes(b, graph)
	b = appendEntry(b, metaKeyState, string(state))
	b = appendEntry(b, metaKeyMetadata, string(meta))
	return b, nil
}

func appendTensor(b []byte, w WeightTensor) ([]byte, error) {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	if n != len(w.Data) {
		return nil, fmt.Errorf("weight %q: shape %v does not match %d values", w.Name, w.Shape, len(w.Data))
	}

	var dims []byte
	for _, d := range w.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	b = protowire.AppendTag(b, tensorDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxTypeDouble)
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)

	raw := make([]byte, 8*len(w.Data))
	for i, v := range w.Data {
		binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
	}
	b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	return b, nil
}

func appendEntry(b []byte, key, value string) []byte {
	var e []byte
	e = protowire.AppendTag(e, entryKey, protowire.BytesType)
	e = protowire.AppendString(e, key)
	e = protowire.AppendTag(e, entryValue, protowire.BytesType)
	e = protowire.AppendString(e, value)
	b = protowire.AppendTag(b, modelMetadataProps, protowire.BytesType)
	return protowire.AppendBytes(b, e)
}

// UnmarshalBinary decodes what MarshalBinary wrote. Unknown fields are
// skipped.
func UnmarshalBinary(data []byte) (*Checkpoint, error) {
	cp := &Checkpoint{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch {
		case num == modelProducerName && typ == protowire.BytesType:
			cp.Metadata.Framework = string(v)
		case num == modelProducerVersion && typ == protowire.BytesType:
			cp.Metadata.Version = string(v)
		case num == modelDocString && typ == protowire.BytesType:
			cp.Metadata.Description = string(v)
		case num == modelGraph && typ == protowire.BytesType:
			return decodeGraph(v, cp)
		case num == modelMetadataProps && typ == protowire.BytesType:
			key, value, err := decodeEntry(v)
			if err != nil {
				return err
			}
			return applyEntry(cp, key, value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return cp, nil
}

func decodeGraph(data []byte, cp *Checkpoint) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch {
		case num == graphName && typ == protowire.BytesType:
			cp.Metadata.Model = string(v)
		case num == graphInitializer && typ == protowire.BytesType:
			w, err := decodeTensor(v)
			if err != nil {
				return err
			}
			cp.Weights = append(cp.Weights, w)
		}
		return nil
	})
}

func decodeTensor(data []byte) (WeightTensor, error) {
	var w WeightTensor
	var dataType uint64
	var raw []byte
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == tensorDims && typ == protowire.VarintType:
			w.Shape = append(w.Shape, int(x))
		case num == tensorDims && typ == protowire.BytesType:
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				w.Shape = append(w.Shape, int(d))
				v = v[n:]
			}
		case num == tensorDataType && typ == protowire.VarintType:
			dataType = x
		case num == tensorName && typ == protowire.BytesType:
			w.Name = string(v)
		case num == tensorRawData && typ == protowire.BytesType:
			raw = v
		}
		return nil
	})
	if err != nil {
		return w, err
	}
	if dataType != onnxTypeDouble {
		return w, fmt.Errorf("tensor %q: unsupported data type %d", w.Name, dataType)
	}
	if len(raw)%8 != 0 {
		return w, fmt.Errorf("tensor %q: raw data length %d is not a multiple of 8", w.Name, len(raw))
	}
	w.Data = make([]float64, len(raw)/8)
	for i := range w.Data {
		w.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return w, nil
}

func decodeEntry(data []byte) (string, string, error) {
	var key, value string
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case entryKey:
			key = string(v)
		case entryValue:
			value = string(v)
		}
		return nil
	})
	return key, value, err
}

func applyEntry(cp *Checkpoint, key, value string) error {
	switch key {
	case metaKeyState:
		if err := json.Unmarshal([]byte(value), &cp.TrainingState); err != nil {
			return fmt.Errorf("training state: %w", err)
		}
	case metaKeyMetadata:
		framework, version, desc, model := cp.Metadata.Framework, cp.Metadata.Version, cp.Metadata.Description, cp.Metadata.Model
		if err := json.Unmarshal([]byte(value), &cp.Metadata); err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
		// fields carried natively by the model proto win
		if framework != "" {
			cp.Metadata.Framework = framework
		}
		if version != "" {
			cp.Metadata.Version = version
		}
		if desc != "" {
			cp.Metadata.Description = desc
		}
		if model != "" {
			cp.Metadata.Model = model
		}
	}
	return nil
}

// walkFields calls fn for every top-level field of a message. For varint
// fields x carries the value; for length-delimited fields v holds the bytes.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			x, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, nil, x); err != nil {
				return err
			}
			data = data[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			data = data[m:]
		}
	}
	return nil
}
