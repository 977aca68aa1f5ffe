package dataset

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/tsawler/lafm-net/tensor"
)

// Augmentation flips samples of the listed classes. Each Get draws two
// independent coins: horizontal with probability FlipProb, then vertical.
type Augmentation struct {
	MinorityClasses []int
	FlipProb        float64
}

// MultichannelDataset holds eagerly rendered images and their labels.
// Stored images are never modified; Get hands out copies.
type MultichannelDataset struct {
	images   []*tensor.Tensor
	labels   []int
	cfg      ImageConfig
	minority map[int]bool
	flipProb float64
}

// NewMultichannelDataset renders every feature vector. aug may be nil.
func NewMultichannelDataset(features [][]float64, labels []int, cfg ImageConfig, aug *Augmentation) (*MultichannelDataset, error) {
	if len(features) != len(labels) {
		return nil, fmt.Errorf("features and labels must have the same length: got %d and %d", len(features), len(labels))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &MultichannelDataset{
		images: make([]*tensor.Tensor, len(features)),
		labels: append([]int(nil), labels...),
		cfg:    cfg,
	}
	for i, vec := range features {
		img, err := FeaturesToImage(vec, cfg)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		d.images[i] = img
	}

	if aug != nil && aug.FlipProb > 0 && len(aug.MinorityClasses) > 0 {
		if aug.FlipProb > 1 {
			return nil, fmt.Errorf("flip probability %g above 1", aug.FlipProb)
		}
		d.flipProb = aug.FlipProb
		d.minority = make(map[int]bool, len(aug.MinorityClasses))
		for _, c := range aug.MinorityClasses {
			d.minority[c] = true
		}
	}
	return d, nil
}

// Len returns the number of items in the dataset
func (d *MultichannelDataset) Len() int {
	return len(d.images)
}

// Get returns a copy of image idx and its label. Minority-class samples may
// come back flipped, using rng for the coin flips; a nil rng disables
// augmentation.
func (d *MultichannelDataset) Get(idx int, rng *rand.Rand) (*tensor.Tensor, int, error) {
	if idx < 0 || idx >= len(d.images) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.images))
	}
	img := d.images[idx].Clone()
	label := d.labels[idx]
	if rng != nil && d.minority[label] {
		if rng.Float64() < d.flipProb {
			flipHorizontal(img)
		}
		if rng.Float64() < d.flipProb {
			flipVertical(img)
		}
	}
	return img, label, nil
}

// Augmented reports whether samples of class are subject to flips.
func (d *MultichannelDataset) Augmented(class int) bool {
	return d.minority[class]
}

// MinorityClasses returns the augmented classes in ascending order.
func (d *MultichannelDataset) MinorityClasses() []int {
	out := make([]int, 0, len(d.minority))
	for c := range d.minority {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Labels returns a copy of the labels.
func (d *MultichannelDataset) Labels() []int {
	return append([]int(nil), d.labels...)
}

// Config returns the image geometry.
func (d *MultichannelDataset) Config() ImageConfig {
	return d.cfg
}

// ClassDistribution returns the number of samples per class
func (d *MultichannelDataset) ClassDistribution() map[int]int {
	dist := make(map[int]int)
	for _, label := range d.labels {
		dist[label]++
	}
	return dist
}

// String returns a string representation of the dataset
func (d *MultichannelDataset) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "MultichannelDataset: %d samples, %dx%dx%d images\n",
		len(d.images), d.cfg.NumChannels, d.cfg.ImageSize, d.cfg.ImageSize)
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	classes := make([]int, 0, len(dist))
	for c := range dist {
		classes = append(classes, c)
	}
	slices.Sort(classes)
	for _, c := range classes {
		marker := ""
		if d.minority[c] {
			marker = " (augmented)"
		}
		fmt.Fprintf(&sb, "  %d: %d samples%s\n", c, dist[c], marker)
	}
	return sb.String()
}

// flipHorizontal mirrors every row of a [C, H, W] image.
func flipHorizontal(img *tensor.Tensor) {
	c, h, w := img.Shape[0], img.Shape[1], img.Shape[2]
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			row := img.Data[(ch*h+y)*w : (ch*h+y+1)*w]
			slices.Reverse(row)
		}
	}
}

// flipVertical reverses the row order of every channel.
func flipVertical(img *tensor.Tensor) {
	c, h, w := img.Shape[0], img.Shape[1], img.Shape[2]
	for ch := 0; ch < c; ch++ {
		plane := img.Data[ch*h*w : (ch+1)*h*w]
		for top, bottom := 0, h-1; top < bottom; top, bottom = top+1, bottom-1 {
			for x := 0; x < w; x++ {
				plane[top*w+x], plane[bottom*w+x] = plane[bottom*w+x], plane[top*w+x]
			}
		}
	}
}
