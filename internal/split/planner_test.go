package split

import "testing"

func TestPlan(t *testing.T) {
	tests := []struct {
		name    string
		total   int64
		ceiling int64
		want    []int64
	}{
		{"single", 450_000, 10_000_000, []int64{450_000}},
		{"exact ceiling", 10_000_000, 10_000_000, []int64{10_000_000}},
		{"three parts", 25_000_000, 10_000_000, []int64{10_000_000, 10_000_000, 5_000_000}},
		{"even split", 20_000_000, 10_000_000, []int64{10_000_000, 10_000_000}},
		{"one over", 10_000_001, 10_000_000, []int64{10_000_000, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Plan(tt.total, tt.ceiling)
			if len(got) != len(tt.want) {
				t.Fatalf("len: got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("part %d: got %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPlanProperties(t *testing.T) {
	ceilings := []int64{1, 7, 1000, 9_999_999, 10_000_000}
	for _, c := range ceilings {
		for total := int64(1); total < 5*c+3 && total < 200_000; total += 1 + total/3 {
			parts := Plan(total, c)
			var sum int64
			for _, p := range parts {
				if p > c || p <= 0 {
					t.Fatalf("Plan(%d,%d): part %d out of range", total, c, p)
				}
				sum += p
			}
			if sum != total {
				t.Fatalf("Plan(%d,%d): sum %d", total, c, sum)
			}
			wantN := int((total + c - 1) / c)
			if len(parts) != wantN {
				t.Fatalf("Plan(%d,%d): %d parts, want %d", total, c, len(parts), wantN)
			}
		}
	}
}

func TestRef(t *testing.T) {
	if got := Ref("ORD9A1B", 1, 1); got != "ORD9A1B" {
		t.Errorf("unsplit: got %s", got)
	}
	if got := Ref("ORD9A1B", 3, 3); got != "ORD9A1B-3" {
		t.Errorf("split: got %s", got)
	}
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref   string
		base  string
		index int
		ok    bool
	}{
		{"ORD9A1B", "ORD9A1B", 0, false},
		{"ORD9A1B-2", "ORD9A1B", 2, true},
		{"ORD9A1B-12", "ORD9A1B", 12, true},
		{"ORD9A1B-", "ORD9A1B-", 0, false},
		{"ORD9A1B-x", "ORD9A1B-x", 0, false},
		{"ORD9A1B-0", "ORD9A1B-0", 0, false},
		{"-3", "-3", 0, false},
	}
	for _, tt := range tests {
		base, idx, ok := ParseRef(tt.ref)
		if base != tt.base || idx != tt.index || ok != tt.ok {
			t.Errorf("ParseRef(%q) = %q,%d,%v; want %q,%d,%v", tt.ref, base, idx, ok, tt.base, tt.index, tt.ok)
		}
	}
}
