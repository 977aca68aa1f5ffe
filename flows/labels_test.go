package flows

import "testing"

func TestConsolidateLabel(t *testing.T) {
	tests := []struct {
		label   string
		want    string
		matched bool
	}{
		{"BENIGN", ClassBenign, true},
		{"Benign-Traffic", ClassBenign, true},
		{"DDOS attack-HOIC", ClassDDoS, true},
		{"DDoS attacks-LOIC-HTTP", ClassDDoS, true},
		{"DoS attacks-GoldenEye", ClassDoS, true},
		{"Bot", ClassBotnet, true},
		{"Infilteration", ClassInfiltration, true},
		{"FTP-BruteForce", ClassBruteForce, true},
		{"SSH-Bruteforce", ClassBruteForce, true},
		{"Brute Force -XSS", ClassBruteForce, true},
		{"SQL Injection", ClassBruteForce, true},
		{"Heartbleed", ClassBruteForce, false},
		{"", ClassBruteForce, false},
	}
	for _, tc := range tests {
		t.Run(tc.label, func(t *testing.T) {
			got, matched := ConsolidateLabel(tc.label)
			if got != tc.want || matched != tc.matched {
				t.Errorf("ConsolidateLabel(%q) = %q, %v; want %q, %v", tc.label, got, matched, tc.want, tc.matched)
			}
			again, _ := ConsolidateLabel(tc.label)
			if again != got {
				t.Error("consolidation must be deterministic")
			}
		})
	}
}

func TestConsolidateLabels(t *testing.T) {
	labels := []string{"Benign", "Heartbleed", "DoS attacks-Slowloris", "Heartbleed"}
	ConsolidateLabels(labels, nil)
	want := []string{ClassBenign, ClassBruteForce, ClassDoS, ClassBruteForce}
	for i := range want {
		if labels[i] != want[i] {
			t.Errorf("label %d: got %q, want %q", i, labels[i], want[i])
		}
	}
	counts := ClassCounts(labels)
	if counts[ClassBruteForce] != 2 || len(counts) != 3 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestLabelEncoder(t *testing.T) {
	enc := FitLabelEncoder([]string{ClassDoS, ClassBenign, ClassInfiltration, ClassBotnet, ClassDDoS, ClassBruteForce, ClassBenign})
	want := []string{"Benign", "Botnet", "Brute Force", "DDoS", "DoS", "Infiltration"}
	if enc.NumClasses() != len(want) {
		t.Fatalf("Expected %d classes, got %d", len(want), enc.NumClasses())
	}
	for i, c := range want {
		if enc.Classes[i] != c {
			t.Errorf("class %d: got %q, want %q", i, enc.Classes[i], c)
		}
	}

	ids, err := enc.Transform([]string{"DoS", "Benign"})
	if err != nil || ids[0] != 4 || ids[1] != 0 {
		t.Errorf("unexpected ids %v (%v)", ids, err)
	}
	if _, err := enc.Transform([]string{"Unknown"}); err == nil {
		t.Error("expected error for unseen label")
	}
	if name, err := enc.Inverse(2); err != nil || name != "Brute Force" {
		t.Errorf("Inverse(2) = %q, %v", name, err)
	}
	if _, err := enc.Inverse(6); err == nil {
		t.Error("expected error for out of range id")
	}
}
