// Package obs reads per-cell annotation tables.
package obs

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"
)

// Annotation is one row of the cell annotation table. Row order matches
// the cell order of the atlas store; records are read-only after loading.
type Annotation struct {
	Cell          string `csv:"cell"`
	Tissue        string `csv:"tissue"`
	Subtissue     string `csv:"subtissue"`
	OntologyClass string `csv:"cell_ontology_class"`
	OntologyID    string `csv:"cell_ontology_id"`
	Plate         string `csv:"plate.barcode"`
	MouseSex      string `csv:"mouse.sex"`
}

// Table holds the loaded annotation rows.
type Table struct {
	Rows   []*Annotation
	byCell map[string]*Annotation
}

// Load reads an annotation table from a delimited file. Files ending in
// .tsv or .txt are read tab-delimited, otherwise comma-delimited.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open annotation table: %w", err)
	}
	defer f.Close()

	sep := ','
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tsv", ".txt":
		sep = '\t'
	}

	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		r := csv.NewReader(in)
		r.Comma = sep
		r.LazyQuotes = true
		return r
	})

	var rows []*Annotation
	if err := gocsv.Unmarshal(f, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse annotation table: %w", err)
	}

	t := &Table{
		Rows:   rows,
		byCell: make(map[string]*Annotation, len(rows)),
	}
	for _, row := range rows {
		t.byCell[row.Cell] = row
	}
	return t, nil
}

// Len returns the number of annotation rows.
func (t *Table) Len() int { return len(t.Rows) }

// ByCell returns the annotation for a cell identifier.
func (t *Table) ByCell(cell string) (*Annotation, bool) {
	a, ok := t.byCell[cell]
	return a, ok
}

// GroupLabel returns the grouping label for a row: the tissue name, or
// tissue.subtissue when composite labels are requested and a subtissue
// annotation is present.
func (a *Annotation) GroupLabel(withSubtissue bool) string {
	if withSubtissue && a.Subtissue != "" && a.Subtissue != "NA" {
		return a.Tissue + "." + a.Subtissue
	}
	return a.Tissue
}

// GroupLabels returns the per-row grouping labels in row order.
func (t *Table) GroupLabels(withSubtissue bool) []string {
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row.GroupLabel(withSubtissue)
	}
	return out
}
