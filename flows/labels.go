package flows

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Consolidated classes.
const (
	ClassBenign       = "Benign"
	ClassDoS          = "DoS"
	ClassDDoS         = "DDoS"
	ClassBotnet       = "Botnet"
	ClassInfiltration = "Infiltration"
	ClassBruteForce   = "Brute Force"
)

// Classes lists the consolidated classes in rule priority order.
var Classes = []string{ClassBenign, ClassDDoS, ClassDoS, ClassBotnet, ClassInfiltration, ClassBruteForce}

var bruteForceKeywords = []string{"brute", "bruteforce", "ssh", "ftp", "web", "xss", "sql"}

// ConsolidateLabel maps a free-text attack label onto one of the six
// classes. Rules are case-insensitive substring matches tried in order:
// benign, ddos, dos, bot, infil, then the brute-force family. Anything else
// also becomes Brute Force; matched reports whether a rule fired.
func ConsolidateLabel(label string) (class string, matched bool) {
	l := strings.ToLower(label)
	switch {
	case strings.Contains(l, "benign"):
		return ClassBenign, true
	case strings.Contains(l, "ddos"):
		return ClassDDoS, true
	case strings.Contains(l, "dos"):
		return ClassDoS, true
	case strings.Contains(l, "bot"):
		return ClassBotnet, true
	case strings.Contains(l, "infil"):
		return ClassInfiltration, true
	}
	for _, kw := range bruteForceKeywords {
		if strings.Contains(l, kw) {
			return ClassBruteForce, true
		}
	}
	return ClassBruteForce, false
}

// ConsolidateLabels rewrites labels in place. Each distinct label that only
// reaches Brute Force through the fallback is logged once at debug level.
func ConsolidateLabels(labels []string, logger *logrus.Logger) {
	logger = discardLogger(logger)
	reported := make(map[string]bool)
	for i, raw := range labels {
		class, matched := ConsolidateLabel(raw)
		if !matched && !reported[raw] {
			reported[raw] = true
			logger.WithField("label", raw).Debug("Unrecognized label mapped to Brute Force")
		}
		labels[i] = class
	}
}

// ClassCounts returns how often each label occurs.
func ClassCounts(labels []string) map[string]int {
	counts := make(map[string]int)
	for _, l := range labels {
		counts[l]++
	}
	return counts
}

// LabelEncoder maps class names to dense integer ids. Classes are sorted
// lexicographically, so ids do not depend on row order.
type LabelEncoder struct {
	Classes []string `json:"classes"`

	index map[string]int
}

// FitLabelEncoder collects the distinct labels.
func FitLabelEncoder(labels []string) *LabelEncoder {
	seen := make(map[string]bool)
	var classes []string
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			classes = append(classes, l)
		}
	}
	sort.Strings(classes)
	return NewLabelEncoder(classes)
}

// NewLabelEncoder builds an encoder over an already ordered class list.
func NewLabelEncoder(classes []string) *LabelEncoder {
	e := &LabelEncoder{Classes: append([]string(nil), classes...)}
	e.buildIndex()
	return e
}

func (e *LabelEncoder) buildIndex() {
	e.index = make(map[string]int, len(e.Classes))
	for i, c := range e.Classes {
		e.index[c] = i
	}
}

// NumClasses returns the number of classes.
func (e *LabelEncoder) NumClasses() int { return len(e.Classes) }

// Index returns the id of a class.
func (e *LabelEncoder) Index(class string) (int, bool) {
	if e.index == nil {
		e.buildIndex()
	}
	i, ok := e.index[class]
	return i, ok
}

// Transform encodes labels; unseen labels are an error.
func (e *LabelEncoder) Transform(labels []string) ([]int, error) {
	out := make([]int, len(labels))
	for i, l := range labels {
		id, ok := e.Index(l)
		if !ok {
			return nil, fmt.Errorf("label %q not seen during fitting", l)
		}
		out[i] = id
	}
	return out, nil
}

// Inverse returns the class name of an id.
func (e *LabelEncoder) Inverse(id int) (string, error) {
	if id < 0 || id >= len(e.Classes) {
		return "", fmt.Errorf("class id %d out of range [0, %d)", id, len(e.Classes))
	}
	return e.Classes[id], nil
}
