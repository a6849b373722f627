// Package report writes analysis outputs: marker tables, tree files, and
// run summaries.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/mhemberg/tabula-atlas/internal/service"
)

// MarkerRow is one marker-table line. Tissue and Subtissue are derived
// from the group label so the table can be filtered without re-parsing it.
type MarkerRow struct {
	Gene       string  `csv:"gene"`
	Group      string  `csv:"group"`
	Tissue     string  `csv:"tissue"`
	Subtissue  string  `csv:"subtissue"`
	MeanIn     float64 `csv:"mean_in"`
	MeanRest   float64 `csv:"mean_rest"`
	PctIn      float64 `csv:"pct_in"`
	PctRest    float64 `csv:"pct_rest"`
	Log2FC     float64 `csv:"log2fc"`
	PTtest     float64 `csv:"p_ttest"`
	FDRTtest   float64 `csv:"fdr_ttest"`
	PRanksum   float64 `csv:"p_ranksum"`
	FDRRanksum float64 `csv:"fdr_ranksum"`
}

// WriteMarkerTable writes marker results as a delimited file. Files ending
// in .tsv or .txt are written tab-delimited, otherwise comma-delimited.
func WriteMarkerTable(path string, results []*service.MarkerResult) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	sep := ','
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tsv", ".txt":
		sep = '\t'
	}
	gocsv.SetCSVWriter(func(out io.Writer) *gocsv.SafeCSVWriter {
		w := csv.NewWriter(out)
		w.Comma = sep
		return gocsv.NewSafeCSVWriter(w)
	})

	rows := make([]*MarkerRow, len(results))
	for i, r := range results {
		tissue := r.Group
		subtissue := ""
		if idx := strings.Index(r.Group, "."); idx >= 0 {
			tissue = r.Group[:idx]
			subtissue = r.Group[idx+1:]
		}
		rows[i] = &MarkerRow{
			Gene:       r.Gene,
			Group:      r.Group,
			Tissue:     tissue,
			Subtissue:  subtissue,
			MeanIn:     r.MeanIn,
			MeanRest:   r.MeanRest,
			PctIn:      r.PctIn,
			PctRest:    r.PctRest,
			Log2FC:     r.Log2FC,
			PTtest:     r.PTtest,
			FDRTtest:   r.FDRTtest,
			PRanksum:   r.PRanksum,
			FDRRanksum: r.FDRRanksum,
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create marker table: %w", err)
	}
	defer f.Close()

	if err := gocsv.Marshal(rows, f); err != nil {
		return fmt.Errorf("failed to write marker table: %w", err)
	}
	return nil
}

// WriteNewick writes the group similarity tree to a Newick file.
func WriteNewick(path string, root *service.TreeNode) error {
	if root == nil {
		return fmt.Errorf("nil tree")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(root.Newick()+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write tree file: %w", err)
	}
	return nil
}

// Summary captures what a run did, for the output directory.
type Summary struct {
	RunID          string         `json:"run_id"`
	CreatedAt      time.Time      `json:"created_at"`
	NCellsOntology int            `json:"n_cells_ontology"`
	NCellsMarker   int            `json:"n_cells_marker"`
	GroupSizes     map[string]int `json:"group_sizes"`
	RetainedGroups []string       `json:"retained_groups"`
	DroppedGroups  []string       `json:"dropped_groups"`
	NMarkerRows    int            `json:"n_marker_rows"`
	Newick         string         `json:"newick,omitempty"`
}

// WriteSummary writes the run summary as indented JSON.
func WriteSummary(path string, s *Summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}
