// Package pipeline orchestrates the batch analysis: select cells, group
// them, compute markers, build the similarity tree, and write outputs.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mhemberg/tabula-atlas/internal/config"
	"github.com/mhemberg/tabula-atlas/internal/data/atlas"
	"github.com/mhemberg/tabula-atlas/internal/data/obs"
	"github.com/mhemberg/tabula-atlas/internal/data/soma"
	"github.com/mhemberg/tabula-atlas/internal/label"
	"github.com/mhemberg/tabula-atlas/internal/ontology"
	"github.com/mhemberg/tabula-atlas/internal/render"
	"github.com/mhemberg/tabula-atlas/internal/report"
	"github.com/mhemberg/tabula-atlas/internal/service"
)

// Pipeline holds the loaded inputs and services for one configuration.
type Pipeline struct {
	cfg        *config.Config
	reader     *atlas.Reader
	soma       *soma.Reader
	geneSource service.GeneSource
	table      *obs.Table
	graph      *ontology.Graph
	selection  *service.SelectionService
	markers    *service.MarkerService
	renderer   *render.Renderer
}

// Output is everything a run produced in memory.
type Output struct {
	Cells    []int
	View     *label.GroupView
	Analysis *service.Analysis
	Tree     *service.TreeNode
	Summary  *report.Summary
}

// New opens the atlas store, annotation table, and ontology named by cfg
// and validates that they describe the same cells.
func New(cfg *config.Config) (*Pipeline, error) {
	reader, err := atlas.NewReader(cfg.Data.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open atlas store: %w", err)
	}

	table, err := obs.Load(cfg.Data.ObsPath)
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("failed to load annotation table: %w", err)
	}
	// Annotation rows and store rows must be the same cells in the same
	// order; anything else silently mislabels every cell.
	if table.Len() != reader.Metadata().NCells {
		reader.Close()
		return nil, fmt.Errorf("annotation table has %d rows but store has %d cells", table.Len(), reader.Metadata().NCells)
	}

	graph, err := ontology.Load(cfg.Data.OntologyPath)
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("failed to load ontology: %w", err)
	}

	// Marker-gene expression comes from the cell-level SOMA experiment
	// when one is configured and this build supports it, otherwise from
	// the atlas store.
	var geneSource service.GeneSource = reader
	var somaReader *soma.Reader
	if cfg.Data.SomaPath != "" {
		somaReader, err = soma.NewReader(cfg.Data.SomaPath)
		if err != nil {
			log.Printf("SOMA not initialized: %v", err)
			somaReader = nil
		} else {
			log.Printf("SOMA experiment: %s (supported=%v)", somaReader.ExperimentURI(), somaReader.Supported())
			if somaReader.Supported() {
				geneSource = &somaGeneSource{reader: somaReader, nCells: reader.Metadata().NCells}
			}
		}
	}

	return &Pipeline{
		cfg:        cfg,
		reader:     reader,
		soma:       somaReader,
		geneSource: geneSource,
		table:      table,
		graph:      graph,
		selection:  service.NewSelectionService(table, graph),
		markers:    service.NewMarkerService(reader.Metadata().Genes),
		renderer:   render.NewRenderer(cfg.Render.DefaultColormap),
	}, nil
}

// somaGeneSource adapts the SOMA experiment to the selection service's
// expression interface.
type somaGeneSource struct {
	reader *soma.Reader
	nCells int
}

func (s *somaGeneSource) GeneVector(gene string) ([]float32, error) {
	return s.reader.GeneVector(gene, s.nCells)
}

// Close releases the atlas store.
func (p *Pipeline) Close() {
	if p.soma != nil {
		p.soma.Close()
	}
	p.reader.Close()
}

// Soma exposes the optional SOMA backend, nil when not configured.
func (p *Pipeline) Soma() *soma.Reader { return p.soma }

// WithAnalysis returns a pipeline sharing this one's loaded data but using
// different analysis parameters. Used by serve mode, where each submitted
// run carries its own parameters.
func (p *Pipeline) WithAnalysis(a config.AnalysisConfig) *Pipeline {
	cfg := *p.cfg
	cfg.Analysis = a
	derived := *p
	derived.cfg = &cfg
	return &derived
}

// Reader exposes the atlas store for serve mode.
func (p *Pipeline) Reader() *atlas.Reader { return p.reader }

// Execute runs the selection, grouping, marker, and tree stages. An empty
// selection or an empty retained group set is a valid outcome: the returned
// Output carries an empty analysis and the summary records what happened.
func (p *Pipeline) Execute(ctx context.Context, runID string) (*Output, error) {
	a := p.cfg.Analysis

	log.Printf("[%s] selecting cells for term %s", runID, a.OntologyTerm)
	ontoCells := p.selection.SelectByOntology(a.OntologyTerm)
	log.Printf("[%s] %d cells match the ontology selection", runID, len(ontoCells))

	cells, err := service.FilterByMarkers(p.geneSource, ontoCells, a.MarkerGenes, a.MarkerMinExpr)
	if err != nil {
		return nil, err
	}
	log.Printf("[%s] %d cells express all %d marker genes above %g",
		runID, len(cells), len(a.MarkerGenes), a.MarkerMinExpr)

	out := &Output{
		Cells: cells,
		Summary: &report.Summary{
			RunID:          runID,
			CreatedAt:      time.Now(),
			NCellsOntology: len(ontoCells),
			NCellsMarker:   len(cells),
			GroupSizes:     map[string]int{},
			RetainedGroups: []string{},
			DroppedGroups:  []string{},
		},
	}
	if len(cells) == 0 {
		log.Printf("[%s] no cells selected; nothing to analyze", runID)
		out.View = label.NewGroupView(nil)
		out.Analysis = &service.Analysis{}
		return out, nil
	}

	view := p.selection.GroupView(cells, a.GroupBy == "tissue_subtissue")
	counts := view.Counts()
	out.Summary.GroupSizes = counts

	retained := label.Retain(counts, a.MinGroupSize)
	out.Summary.RetainedGroups = label.RetainedLabels(retained)
	for g := range counts {
		if _, ok := retained[g]; !ok {
			out.Summary.DroppedGroups = append(out.Summary.DroppedGroups, g)
		}
	}
	log.Printf("[%s] %d of %d groups exceed min size %d",
		runID, len(retained), view.Encoding().Len(), a.MinGroupSize)

	keep, filtered := label.FilterView(view, retained)
	kept := make([]int, len(keep))
	for i, local := range keep {
		kept[i] = cells[local]
	}
	out.Cells = kept
	out.View = filtered

	if filtered.Encoding().Len() == 0 {
		log.Printf("[%s] no group survives the size filter; nothing to compare", runID)
		out.Analysis = &service.Analysis{}
		return out, nil
	}

	analysis, err := p.markers.OneVsRest(ctx, p.reader, kept, filtered, service.MarkerParams{
		MaxCellsPerGroup: a.MaxCellsPerGroup,
		Seed:             int64(a.Seed),
		FDRCutoff:        a.FDRCutoff,
	})
	if err != nil {
		return nil, err
	}
	out.Analysis = analysis
	out.Summary.NMarkerRows = len(analysis.Results)
	log.Printf("[%s] %d marker rows pass the FDR cutoff %g", runID, len(analysis.Results), a.FDRCutoff)

	if len(analysis.Groups) > 1 {
		tree, err := service.UPGMA(analysis.GroupMeans, analysis.Groups)
		if err != nil {
			return nil, fmt.Errorf("failed to build group tree: %w", err)
		}
		out.Tree = tree
		out.Summary.Newick = tree.Newick()
	}

	return out, nil
}

// RenderFigures writes the run's figures into the output directory.
func (p *Pipeline) RenderFigures(out *Output) error {
	if len(out.Cells) == 0 {
		return nil
	}

	a := p.cfg.Analysis
	r := p.cfg.Render
	figDir := filepath.Join(p.cfg.Output.Dir, "figures")

	coords, err := p.reader.Embedding(a.Embedding)
	if err != nil {
		return fmt.Errorf("failed to load embedding %s: %w", a.Embedding, err)
	}

	base := render.PlotConfig{
		Width:     r.Width,
		Height:    r.Height,
		PointSize: r.PointSize,
		Colormap:  r.DefaultColormap,
	}

	cfg := base
	cfg.Title = "Cells by group"
	data, err := p.renderer.EmbeddingByGroup(coords, out.Cells, out.View, cfg)
	if err != nil {
		return err
	}
	if err := writeFigure(figDir, "embedding_groups.png", data); err != nil {
		return err
	}

	for _, gene := range a.MarkerGenes {
		expr, err := p.reader.GeneVector(gene)
		if err != nil {
			return err
		}

		cfg := base
		cfg.Title = gene
		data, err := p.renderer.EmbeddingByExpression(coords, out.Cells, expr, cfg)
		if err != nil {
			return err
		}
		if err := writeFigure(figDir, "embedding_"+gene+".png", data); err != nil {
			return err
		}

		values := make([]float64, len(out.Cells))
		for i, c := range out.Cells {
			values[i] = float64(expr[c])
		}
		cfg.Title = gene + " expression across selected cells"
		if data, err := render.ExpressionDistribution(values, cfg); err != nil {
			// Constant expression cannot be charted; not worth failing the run.
			log.Printf("skipping distribution chart for %s: %v", gene, err)
		} else if err := writeFigure(figDir, "dist_"+gene+".png", data); err != nil {
			return err
		}

		if geneIdx, ok := p.reader.Metadata().GeneIndex[gene]; ok && len(out.Analysis.Groups) > 0 {
			means := make([]float64, len(out.Analysis.Groups))
			for g := range means {
				means[g] = out.Analysis.GroupMeans[g][geneIdx]
			}
			cfg.Title = gene + " mean expression by group"
			data, err := render.GroupMeanBars(out.Analysis.Groups, means, cfg)
			if err != nil {
				return err
			}
			if err := writeFigure(figDir, "means_"+gene+".png", data); err != nil {
				return err
			}
		}
	}

	if out.Tree != nil {
		cfg := base
		cfg.Title = "Group similarity"
		data, err := p.renderer.Dendrogram(out.Tree, cfg)
		if err != nil {
			return err
		}
		if err := writeFigure(figDir, "dendrogram.png", data); err != nil {
			return err
		}
	}

	return nil
}

// WriteReports writes the marker table, tree file, and run summary.
func (p *Pipeline) WriteReports(out *Output) error {
	dir := p.cfg.Output.Dir

	if err := report.WriteMarkerTable(filepath.Join(dir, "markers.csv"), out.Analysis.Results); err != nil {
		return err
	}
	if out.Tree != nil {
		if err := report.WriteNewick(filepath.Join(dir, "groups.nwk"), out.Tree); err != nil {
			return err
		}
	}
	return report.WriteSummary(filepath.Join(dir, "summary.json"), out.Summary)
}

// Run executes the full pipeline: analysis, figures (when enabled), and
// reports.
func (p *Pipeline) Run(ctx context.Context, runID string) (*Output, error) {
	out, err := p.Execute(ctx, runID)
	if err != nil {
		return nil, err
	}
	if p.cfg.Output.FiguresEnabled() {
		if err := p.RenderFigures(out); err != nil {
			return nil, err
		}
	}
	if err := p.WriteReports(out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeFigure(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create figure directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return fmt.Errorf("failed to write figure %s: %w", name, err)
	}
	return nil
}
