package training

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 1/5", 10)

	pb.Update(5, map[string]float64{"loss": 0.25, "acc": 0.875})
	line := pb.String()
	for _, want := range []string{"Epoch 1/5", " 50%", "5/10", "acc=87.50%", "loss=0.2500"} {
		if !strings.Contains(line, want) {
			t.Errorf("progress line %q missing %q", line, want)
		}
	}
	if strings.Index(line, "acc=") > strings.Index(line, "loss=") {
		t.Error("metrics should be sorted by name")
	}

	pb.Finish()
	if !strings.Contains(pb.String(), "10/10") {
		t.Error("Finish should complete the bar")
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Error("Finish should end the line")
	}
}

func TestProgressBarNilWriter(t *testing.T) {
	pb := NewProgressBar(nil, "quiet", 3)
	pb.Update(1, nil)
	pb.Finish()
	if !strings.Contains(pb.String(), "3/3") {
		t.Errorf("unexpected line %q", pb.String())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00"},
		{-time.Second, "00:00"},
		{65 * time.Second, "01:05"},
		{61 * time.Minute, "61:00"},
	}
	for _, tc := range tests {
		if got := formatDuration(tc.in); got != tc.want {
			t.Errorf("formatDuration(%v) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
