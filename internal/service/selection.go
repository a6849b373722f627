package service

import (
	"fmt"

	"github.com/mhemberg/tabula-atlas/internal/data/obs"
	"github.com/mhemberg/tabula-atlas/internal/label"
	"github.com/mhemberg/tabula-atlas/internal/ontology"
)

// GeneSource provides whole-column expression reads for single genes.
type GeneSource interface {
	GeneVector(gene string) ([]float32, error)
}

// SelectionService picks the cell subset the analysis runs on.
type SelectionService struct {
	table *obs.Table
	graph *ontology.Graph
}

// NewSelectionService creates a selection service over an annotation table
// and an ontology graph.
func NewSelectionService(table *obs.Table, graph *ontology.Graph) *SelectionService {
	return &SelectionService{table: table, graph: graph}
}

// SelectByOntology returns the row indices of cells annotated with the
// given term or any of its descendants. The term may be an ontology ID or
// a term name; names are resolved through the graph first.
func (s *SelectionService) SelectByOntology(term string) []int {
	root := term
	if id, ok := s.graph.IDByName(term); ok {
		root = id
	}
	closure := s.graph.Descendants(root)

	var out []int
	for i, row := range s.table.Rows {
		if _, ok := closure[row.OntologyID]; ok {
			out = append(out, i)
			continue
		}
		// Annotations sometimes carry only the class name.
		if id, ok := s.graph.IDByName(row.OntologyClass); ok {
			if _, ok := closure[id]; ok {
				out = append(out, i)
			}
		}
	}
	return out
}

// FilterByMarkers keeps the cells expressing every marker gene above
// minExpr. Returned indices preserve the input order.
func FilterByMarkers(src GeneSource, cells []int, genes []string, minExpr float64) ([]int, error) {
	if len(genes) == 0 {
		out := make([]int, len(cells))
		copy(out, cells)
		return out, nil
	}

	vectors := make([][]float32, len(genes))
	for i, g := range genes {
		vec, err := src.GeneVector(g)
		if err != nil {
			return nil, fmt.Errorf("failed to load marker gene %s: %w", g, err)
		}
		vectors[i] = vec
	}

	out := make([]int, 0, len(cells))
	for _, c := range cells {
		keep := true
		for _, vec := range vectors {
			if c >= len(vec) || float64(vec[c]) <= minExpr {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, c)
		}
	}
	return out, nil
}

// GroupView builds an immutable group view over the selected cells using
// their tissue (or tissue.subtissue) labels.
func (s *SelectionService) GroupView(cells []int, withSubtissue bool) *label.GroupView {
	labels := make([]string, len(cells))
	for i, c := range cells {
		labels[i] = s.table.Rows[c].GroupLabel(withSubtissue)
	}
	return label.NewGroupView(labels)
}
