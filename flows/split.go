package flows

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// Split holds row indices of the three partitions.
type Split struct {
	Train []int
	Val   []int
	Test  []int
}

// StratifiedSplit partitions indices so each class keeps its share in both
// parts. Per class, round(ratio·count) shuffled members go to the held-out
// part and the rest stay in the kept part.
func StratifiedSplit(indices, labels []int, ratio float64, rng *rand.Rand) (kept, heldOut []int, err error) {
	if ratio <= 0 || ratio >= 1 {
		return nil, nil, fmt.Errorf("split ratio %g outside (0, 1)", ratio)
	}
	byClass := make(map[int][]int)
	for _, idx := range indices {
		if idx < 0 || idx >= len(labels) {
			return nil, nil, fmt.Errorf("row index %d out of range [0, %d)", idx, len(labels))
		}
		byClass[labels[idx]] = append(byClass[labels[idx]], idx)
	}
	classes := make([]int, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	for _, c := range classes {
		members := byClass[c]
		rng.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })
		n := int(math.Round(ratio * float64(len(members))))
		heldOut = append(heldOut, members[:n]...)
		kept = append(kept, members[n:]...)
	}
	if len(kept) == 0 || len(heldOut) == 0 {
		return nil, nil, fmt.Errorf("%w: %d rows cannot be split at ratio %g", ErrInsufficientData, len(indices), ratio)
	}
	rng.Shuffle(len(kept), func(i, j int) { kept[i], kept[j] = kept[j], kept[i] })
	rng.Shuffle(len(heldOut), func(i, j int) { heldOut[i], heldOut[j] = heldOut[j], heldOut[i] })
	return kept, heldOut, nil
}

// SplitTrainValTest holds out testRatio of all rows, then valRatio of the
// remainder, both stratified by label.
func SplitTrainValTest(labels []int, testRatio, valRatio float64, rng *rand.Rand) (*Split, error) {
	all := make([]int, len(labels))
	for i := range all {
		all[i] = i
	}
	trainVal, test, err := StratifiedSplit(all, labels, testRatio, rng)
	if err != nil {
		return nil, fmt.Errorf("test split: %w", err)
	}
	train, val, err := StratifiedSplit(trainVal, labels, valRatio, rng)
	if err != nil {
		return nil, fmt.Errorf("validation split: %w", err)
	}
	return &Split{Train: train, Val: val, Test: test}, nil
}

// MinorityClasses returns, in ascending order, the classes whose share of
// labels is below threshold.
func MinorityClasses(labels []int, threshold float64) []int {
	if len(labels) == 0 {
		return nil
	}
	counts := make(map[int]int)
	for _, l := range labels {
		counts[l]++
	}
	var out []int
	for c, n := range counts {
		if float64(n)/float64(len(labels)) < threshold {
			out = append(out, c)
		}
	}
	sort.Ints(out)
	return out
}

// Gather picks rows and labels by index.
func Gather(rows [][]float64, labels []int, indices []int) ([][]float64, []int) {
	r := make([][]float64, len(indices))
	l := make([]int, len(indices))
	for i, idx := range indices {
		r[i] = rows[idx]
		l[i] = labels[idx]
	}
	return r, l
}
