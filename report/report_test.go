package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tsawler/lafm-net/training"
)

func sampleMatrix(t *testing.T) *training.ConfusionMatrix {
	t.Helper()
	cm := training.NewConfusionMatrix(2)
	// truth: 3×Benign, 1×Attack; one benign mistaken for an attack
	if err := cm.Update([]int{0, 0, 1, 1}, []int{0, 0, 0, 1}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	return cm
}

func TestClassificationReport(t *testing.T) {
	var buf bytes.Buffer
	if err := ClassificationReport(&buf, sampleMatrix(t), []string{"Benign", "Attack"}); err != nil {
		t.Fatalf("ClassificationReport failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"precision", "support",
		"Benign     1.0000     0.6667     0.8000          3",
		"Attack     0.5000     1.0000     0.6667          1",
		"accuracy                           0.7500          4",
		"macro avg     0.7500     0.8333     0.7333          4",
		"weighted avg     0.8750     0.7500     0.7667          4",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestConfusionTable(t *testing.T) {
	var buf bytes.Buffer
	if err := ConfusionTable(&buf, sampleMatrix(t), []string{"Benign", "Attack"}); err != nil {
		t.Fatalf("ConfusionTable failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d:\n%s", len(lines), buf.String())
	}
	if f := strings.Fields(lines[1]); len(f) != 3 || f[0] != "Benign" || f[1] != "2" || f[2] != "1" {
		t.Errorf("unexpected benign row %q", lines[1])
	}
	if f := strings.Fields(lines[2]); len(f) != 3 || f[1] != "0" || f[2] != "1" {
		t.Errorf("unexpected attack row %q", lines[2])
	}
}

func TestReportRejectsNameMismatch(t *testing.T) {
	var buf bytes.Buffer
	if err := ClassificationReport(&buf, sampleMatrix(t), []string{"only"}); err == nil {
		t.Error("expected error for missing class names")
	}
	if err := ConfusionTable(&buf, sampleMatrix(t), nil); err == nil {
		t.Error("expected error for missing class names")
	}
}
