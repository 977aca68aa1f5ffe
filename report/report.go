// Package report renders classification results as plain text.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/tsawler/lafm-net/training"
)

// ClassificationReport writes per-class precision, recall, F1 and support
// followed by accuracy and the macro and weighted averages, four decimals
// each. Zero denominators score 0.
func ClassificationReport(w io.Writer, cm *training.ConfusionMatrix, names []string) error {
	if len(names) != cm.NumClasses {
		return fmt.Errorf("report: %d class names for %d classes", len(names), cm.NumClasses)
	}
	width := len("weighted avg")
	for _, n := range names {
		width = max(width, len(n))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%*s %10s %10s %10s %10s\n\n", width, "", "precision", "recall", "f1-score", "support")

	var macroP, macroR, macroF, weightP, weightR, weightF float64
	total := 0
	for c, name := range names {
		s := cm.ClassScores(c)
		fmt.Fprintf(&sb, "%*s %10.4f %10.4f %10.4f %10d\n", width, name, s.Precision, s.Recall, s.F1, s.Support)
		macroP += s.Precision
		macroR += s.Recall
		macroF += s.F1
		weightP += s.Precision * float64(s.Support)
		weightR += s.Recall * float64(s.Support)
		weightF += s.F1 * float64(s.Support)
		total += s.Support
	}
	k := float64(cm.NumClasses)
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "%*s %10s %10s %10.4f %10d\n", width, "accuracy", "", "", cm.GetAccuracy(), total)
	fmt.Fprintf(&sb, "%*s %10.4f %10.4f %10.4f %10d\n", width, "macro avg", macroP/k, macroR/k, macroF/k, total)
	if total > 0 {
		n := float64(total)
		weightP, weightR, weightF = weightP/n, weightR/n, weightF/n
	}
	fmt.Fprintf(&sb, "%*s %10.4f %10.4f %10.4f %10d\n", width, "weighted avg", weightP, weightR, weightF, total)

	_, err := io.WriteString(w, sb.String())
	return err
}

// ConfusionTable writes the matrix with actual classes as rows and
// predicted classes as columns.
func ConfusionTable(w io.Writer, cm *training.ConfusionMatrix, names []string) error {
	if len(names) != cm.NumClasses {
		return fmt.Errorf("report: %d class names for %d classes", len(names), cm.NumClasses)
	}
	width := len("actual")
	cell := 8
	for _, n := range names {
		width = max(width, len(n))
		cell = max(cell, len(n)+1)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%-*s", width, "actual")
	for _, n := range names {
		fmt.Fprintf(&sb, "%*s", cell, n)
	}
	sb.WriteString("\n")
	for i, n := range names {
		fmt.Fprintf(&sb, "%-*s", width, n)
		for j := range names {
			fmt.Fprintf(&sb, "%*d", cell, cm.Matrix[i][j])
		}
		sb.WriteString("\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// Section writes an underlined heading.
func Section(w io.Writer, title string) error {
	_, err := fmt.Fprintf(w, "\n%s\n%s\n", title, strings.Repeat("=", len(title)))
	return err
}
