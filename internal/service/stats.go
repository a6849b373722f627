// Package service implements the analysis logic: cell selection, marker
// detection, and group similarity trees.
package service

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// welchTTest computes the two-tailed p-value for Welch's t-test from
// per-group summary statistics.
func welchTTest(mean1, var1 float64, n1 int, mean2, var2 float64, n2 int) float64 {
	if n1 < 2 || n2 < 2 {
		return 1.0
	}
	if var1 <= 0 && var2 <= 0 {
		if mean1 == mean2 {
			return 1.0
		}
		return 0.0
	}

	se1 := var1 / float64(n1)
	se2 := var2 / float64(n2)
	seDiff := math.Sqrt(se1 + se2)
	if seDiff < 1e-15 {
		if mean1 == mean2 {
			return 1.0
		}
		return 0.0
	}

	t := (mean1 - mean2) / seDiff

	// Welch-Satterthwaite degrees of freedom.
	num := (se1 + se2) * (se1 + se2)
	den := 0.0
	if se1 > 0 {
		den += se1 * se1 / float64(n1-1)
	}
	if se2 > 0 {
		den += se2 * se2 / float64(n2-1)
	}
	if den < 1e-15 {
		return 1.0
	}
	df := num / den
	if df < 1 {
		df = 1
	}

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return 2 * dist.CDF(-math.Abs(t))
}

// mannWhitneyU computes the two-tailed p-value for the Wilcoxon rank-sum
// test with tie correction and continuity correction, using the normal
// approximation.
func mannWhitneyU(vals1, vals2 []float64) float64 {
	n1 := len(vals1)
	n2 := len(vals2)
	if n1 == 0 || n2 == 0 {
		return 1.0
	}

	type entry struct {
		val   float64
		group int
	}
	combined := make([]entry, 0, n1+n2)
	for _, v := range vals1 {
		combined = append(combined, entry{val: v, group: 1})
	}
	for _, v := range vals2 {
		combined = append(combined, entry{val: v, group: 2})
	}
	sort.Slice(combined, func(i, j int) bool {
		return combined[i].val < combined[j].val
	})

	// Average ranks within tie runs; accumulate the tie correction term.
	N := len(combined)
	ranks := make([]float64, N)
	tieSum := 0.0
	for i := 0; i < N; {
		j := i
		for j < N && combined[j].val == combined[i].val {
			j++
		}
		avgRank := float64(i+j+1) / 2.0
		for k := i; k < j; k++ {
			ranks[k] = avgRank
		}
		if t := float64(j - i); t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}

	R1 := 0.0
	for i, e := range combined {
		if e.group == 1 {
			R1 += ranks[i]
		}
	}

	n1f := float64(n1)
	n2f := float64(n2)
	U1 := R1 - n1f*(n1f+1)/2
	U2 := n1f*n2f - U1
	U := math.Min(U1, U2)

	muU := n1f * n2f / 2
	Nf := float64(N)
	sigmaU := math.Sqrt(n1f * n2f * ((Nf + 1) - tieSum/(Nf*(Nf-1))) / 12)
	if sigmaU < 1e-10 {
		return 1.0
	}

	z := (U - muU + 0.5) / sigmaU
	return 2 * distuv.UnitNormal.CDF(-math.Abs(z))
}

// benjaminiHochberg adjusts p-values for multiple testing, returning
// FDR values in the input order.
func benjaminiHochberg(pvals []float64) []float64 {
	n := len(pvals)
	if n == 0 {
		return nil
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool {
		return pvals[idx[i]] < pvals[idx[j]]
	})

	fdr := make([]float64, n)
	minP := 1.0
	for i := n - 1; i >= 0; i-- {
		origIdx := idx[i]
		adjusted := pvals[origIdx] * float64(n) / float64(i+1)
		if adjusted > 1 {
			adjusted = 1
		}
		if adjusted < minP {
			minP = adjusted
		} else {
			adjusted = minP
		}
		fdr[origIdx] = adjusted
	}
	return fdr
}
