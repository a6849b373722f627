package service

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/mhemberg/tabula-atlas/internal/label"
)

// MatrixSource streams dense expression rows for a cell subset.
type MatrixSource interface {
	ScanRows(cells []int, fn func(cell int, row []float32) error) error
}

// MarkerParams controls a marker analysis.
type MarkerParams struct {
	// MaxCellsPerGroup caps each group by seeded random sampling.
	// Zero or negative means no cap.
	MaxCellsPerGroup int
	Seed             int64
	// FDRCutoff keeps only genes with rank-sum FDR at or below the cutoff.
	// 1.0 keeps everything.
	FDRCutoff float64
}

// MarkerResult is one gene in one group's one-vs-rest comparison.
type MarkerResult struct {
	Gene       string
	Group      string
	MeanIn     float64
	MeanRest   float64
	PctIn      float64
	PctRest    float64
	Log2FC     float64
	PTtest     float64
	FDRTtest   float64
	PRanksum   float64
	FDRRanksum float64
}

// Analysis is the outcome of a one-vs-rest marker analysis: per-group
// marker tables plus the group mean vectors the similarity tree is built
// from. Groups are in code order of the input view.
type Analysis struct {
	Groups     []string
	GroupSizes []int
	GroupMeans [][]float64
	Results    []*MarkerResult
}

// MarkerService computes one-vs-rest differential expression over grouped
// cells.
type MarkerService struct {
	genes []string
}

// NewMarkerService creates a marker service for the given gene list
// (column order of the expression matrix).
func NewMarkerService(genes []string) *MarkerService {
	return &MarkerService{genes: genes}
}

// groupAcc accumulates per-gene statistics for one group.
type groupAcc struct {
	n     int
	sum   []float64
	sumsq []float64
	nnz   []int
	vals  [][]float64
}

// OneVsRest runs each group against the union of the others. cells holds
// the global cell indices of the selected set; view assigns a group to each
// position of cells and must have the same length.
func (s *MarkerService) OneVsRest(ctx context.Context, src MatrixSource, cells []int, view *label.GroupView, params MarkerParams) (*Analysis, error) {
	if view.Len() != len(cells) {
		return nil, fmt.Errorf("group view length %d does not match cell count %d", view.Len(), len(cells))
	}

	nGenes := len(s.genes)
	nGroups := view.Encoding().Len()
	groups := view.Encoding().Values()

	out := &Analysis{
		Groups:     groups,
		GroupSizes: make([]int, nGroups),
		GroupMeans: make([][]float64, nGroups),
		Results:    make([]*MarkerResult, 0),
	}
	if nGroups == 0 || len(cells) == 0 {
		return out, nil
	}

	// Sample each group down to the cap, seeded for reproducibility.
	rng := rand.New(rand.NewSource(params.Seed))
	groupOf := make(map[int]int, len(cells))
	var sampled []int
	for code, members := range view.MemberIndices() {
		if params.MaxCellsPerGroup > 0 && len(members) > params.MaxCellsPerGroup {
			members = append([]int(nil), members...)
			rng.Shuffle(len(members), func(i, j int) {
				members[i], members[j] = members[j], members[i]
			})
			members = members[:params.MaxCellsPerGroup]
		}
		out.GroupSizes[code] = len(members)
		for _, local := range members {
			groupOf[cells[local]] = code
			sampled = append(sampled, cells[local])
		}
	}
	sort.Ints(sampled)

	// One pass over the matrix, partitioning rows by group.
	accs := make([]*groupAcc, nGroups)
	for g := range accs {
		accs[g] = &groupAcc{
			sum:   make([]float64, nGenes),
			sumsq: make([]float64, nGenes),
			nnz:   make([]int, nGenes),
			vals:  make([][]float64, nGenes),
		}
	}
	err := src.ScanRows(sampled, func(cell int, row []float32) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		a := accs[groupOf[cell]]
		a.n++
		for j, f := range row {
			v := float64(f)
			a.sum[j] += v
			a.sumsq[j] += v * v
			if v != 0 {
				a.nnz[j]++
			}
			a.vals[j] = append(a.vals[j], v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan expression rows: %w", err)
	}

	totalN := 0
	totalSum := make([]float64, nGenes)
	totalSumsq := make([]float64, nGenes)
	totalNnz := make([]int, nGenes)
	for _, a := range accs {
		totalN += a.n
		for j := 0; j < nGenes; j++ {
			totalSum[j] += a.sum[j]
			totalSumsq[j] += a.sumsq[j]
			totalNnz[j] += a.nnz[j]
		}
	}

	const eps = 1e-9
	for code, a := range accs {
		means := make([]float64, nGenes)
		if a.n > 0 {
			for j := 0; j < nGenes; j++ {
				means[j] = a.sum[j] / float64(a.n)
			}
		}
		out.GroupMeans[code] = means

		nRest := totalN - a.n
		if a.n == 0 || nRest == 0 {
			continue
		}

		pT := make([]float64, nGenes)
		pR := make([]float64, nGenes)
		rows := make([]*MarkerResult, nGenes)
		for j := 0; j < nGenes; j++ {
			meanIn := means[j]
			varIn := sampleVariance(a.sum[j], a.sumsq[j], a.n)
			meanRest := (totalSum[j] - a.sum[j]) / float64(nRest)
			varRest := sampleVariance(totalSum[j]-a.sum[j], totalSumsq[j]-a.sumsq[j], nRest)

			log2fc := 0.0
			if meanIn > eps || meanRest > eps {
				log2fc = math.Log2((meanIn + eps) / (meanRest + eps))
			}

			restVals := make([]float64, 0, nRest)
			for other, oa := range accs {
				if other != code {
					restVals = append(restVals, oa.vals[j]...)
				}
			}

			pT[j] = welchTTest(meanIn, varIn, a.n, meanRest, varRest, nRest)
			pR[j] = mannWhitneyU(a.vals[j], restVals)

			rows[j] = &MarkerResult{
				Gene:     s.genes[j],
				Group:    groups[code],
				MeanIn:   meanIn,
				MeanRest: meanRest,
				PctIn:    float64(a.nnz[j]) / float64(a.n),
				PctRest:  float64(totalNnz[j]-a.nnz[j]) / float64(nRest),
				Log2FC:   log2fc,
				PTtest:   pT[j],
				PRanksum: pR[j],
			}
		}

		// Correct within this comparison only.
		fdrT := benjaminiHochberg(pT)
		fdrR := benjaminiHochberg(pR)
		for j, r := range rows {
			r.FDRTtest = fdrT[j]
			r.FDRRanksum = fdrR[j]
			if params.FDRCutoff <= 0 || r.FDRRanksum <= params.FDRCutoff {
				out.Results = append(out.Results, r)
			}
		}
	}

	sort.Slice(out.Results, func(i, j int) bool {
		a, b := out.Results[i], out.Results[j]
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		if a.FDRRanksum != b.FDRRanksum {
			return a.FDRRanksum < b.FDRRanksum
		}
		return math.Abs(a.Log2FC) > math.Abs(b.Log2FC)
	})
	return out, nil
}

func sampleVariance(sum, sumsq float64, n int) float64 {
	if n < 2 {
		return 0
	}
	mean := sum / float64(n)
	v := (sumsq/float64(n) - mean*mean) * float64(n) / float64(n-1)
	if v < 0 {
		return 0
	}
	return v
}
