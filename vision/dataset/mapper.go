// Package dataset renders flow feature vectors as multichannel images and
// serves them to the training loader.
package dataset

import (
	"fmt"

	"github.com/tsawler/lafm-net/tensor"
)

// ImageConfig describes the image geometry of a feature vector.
type ImageConfig struct {
	NumChannels        int `yaml:"num_channels" json:"num_channels"`
	FeaturesPerChannel int `yaml:"features_per_channel" json:"features_per_channel"`
	ImageSize          int `yaml:"image_size" json:"image_size"`
}

// TotalFeatures is the vector length one image holds.
func (c ImageConfig) TotalFeatures() int {
	return c.NumChannels * c.FeaturesPerChannel
}

// Validate checks that every channel is a square of FeaturesPerChannel values.
func (c ImageConfig) Validate() error {
	if c.NumChannels <= 0 || c.FeaturesPerChannel <= 0 || c.ImageSize <= 0 {
		return fmt.Errorf("image geometry must be positive: %d channels, %d features per channel, size %d",
			c.NumChannels, c.FeaturesPerChannel, c.ImageSize)
	}
	if c.ImageSize*c.ImageSize != c.FeaturesPerChannel {
		return fmt.Errorf("image size %d squared does not equal %d features per channel",
			c.ImageSize, c.FeaturesPerChannel)
	}
	return nil
}

// FeaturesToImage lays vec out as a [C, H, W] tensor. Channel c takes
// vec[c·F : (c+1)·F]; whatever runs past the end of vec is zero, and values
// beyond C·F are ignored.
func FeaturesToImage(vec []float64, cfg ImageConfig) (*tensor.Tensor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	img := tensor.Zeros(cfg.NumChannels, cfg.ImageSize, cfg.ImageSize)
	copy(img.Data, vec)
	return img, nil
}
