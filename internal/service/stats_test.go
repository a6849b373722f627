package service

import (
	"math"
	"testing"
)

func TestWelchTTest(t *testing.T) {
	t.Run("clearly separated groups", func(t *testing.T) {
		p := welchTTest(0, 1, 50, 2, 1, 50)
		if p >= 1e-6 {
			t.Fatalf("expected tiny p-value for separated groups, got %g", p)
		}
	})

	t.Run("equal means", func(t *testing.T) {
		p := welchTTest(5, 2, 30, 5, 2, 30)
		if math.Abs(p-1.0) > 1e-9 {
			t.Fatalf("expected p=1 for equal means, got %g", p)
		}
	})

	t.Run("symmetric", func(t *testing.T) {
		p1 := welchTTest(1, 1, 20, 3, 2, 25)
		p2 := welchTTest(3, 2, 25, 1, 1, 20)
		if math.Abs(p1-p2) > 1e-12 {
			t.Fatalf("expected symmetric p-values, got %g and %g", p1, p2)
		}
	})

	t.Run("degenerate sizes", func(t *testing.T) {
		if p := welchTTest(1, 1, 1, 2, 1, 50); p != 1.0 {
			t.Fatalf("expected p=1 for n<2, got %g", p)
		}
	})

	t.Run("zero variance different means", func(t *testing.T) {
		if p := welchTTest(1, 0, 10, 2, 0, 10); p != 0.0 {
			t.Fatalf("expected p=0 for constant separated groups, got %g", p)
		}
	})
}

func TestMannWhitneyU(t *testing.T) {
	t.Run("identical distributions", func(t *testing.T) {
		p := mannWhitneyU([]float64{1, 2, 3}, []float64{1, 2, 3})
		if p < 0.5 {
			t.Fatalf("expected large p for identical distributions, got %g", p)
		}
	})

	t.Run("fully separated", func(t *testing.T) {
		p := mannWhitneyU([]float64{1, 2, 3}, []float64{4, 5, 6})
		// Normal approximation with continuity correction: p ~ 0.08.
		if p > 0.2 {
			t.Fatalf("expected small p for separated groups, got %g", p)
		}
	})

	t.Run("empty group", func(t *testing.T) {
		if p := mannWhitneyU(nil, []float64{1, 2}); p != 1.0 {
			t.Fatalf("expected p=1 for empty group, got %g", p)
		}
	})

	t.Run("all ties", func(t *testing.T) {
		if p := mannWhitneyU([]float64{0, 0, 0}, []float64{0, 0, 0}); p != 1.0 {
			t.Fatalf("expected p=1 when every value ties, got %g", p)
		}
	})
}

func TestBenjaminiHochberg(t *testing.T) {
	t.Run("known adjustment", func(t *testing.T) {
		got := benjaminiHochberg([]float64{0.005, 0.009, 0.05, 0.1})
		want := []float64{0.018, 0.018, 0.05 * 4 / 3, 0.1}
		for i := range want {
			if math.Abs(got[i]-want[i]) > 1e-9 {
				t.Fatalf("fdr[%d]: got %g want %g", i, got[i], want[i])
			}
		}
	})

	t.Run("never exceeds one", func(t *testing.T) {
		for _, f := range benjaminiHochberg([]float64{0.9, 0.95, 0.99}) {
			if f > 1.0 {
				t.Fatalf("fdr above 1: %g", f)
			}
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if got := benjaminiHochberg(nil); got != nil {
			t.Fatalf("expected nil for empty input, got %v", got)
		}
	})

	t.Run("preserves input order", func(t *testing.T) {
		got := benjaminiHochberg([]float64{0.5, 0.001})
		if got[1] >= got[0] {
			t.Fatalf("expected smaller fdr at the smaller p-value, got %v", got)
		}
	})
}
