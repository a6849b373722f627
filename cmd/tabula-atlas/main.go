// Package main is the entry point for the tabula-atlas tools.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/mhemberg/tabula-atlas/internal/api"
	"github.com/mhemberg/tabula-atlas/internal/cache"
	"github.com/mhemberg/tabula-atlas/internal/config"
	"github.com/mhemberg/tabula-atlas/internal/markerstore"
	"github.com/mhemberg/tabula-atlas/internal/pipeline"
	"github.com/mhemberg/tabula-atlas/internal/render"
)

func main() {
	cmd := &cli.Command{
		Name:  "tabula-atlas",
		Usage: "Cross-tissue cell type comparison: marker discovery, similarity trees, and figures over a preprocessed atlas store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "config/atlas.yaml",
				Sources: cli.EnvVars("TABULA_ATLAS_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the full analysis: select cells, compute markers, build the tree, write figures and reports",
				Flags:  analysisFlags(),
				Action: runAction,
			},
			{
				Name:   "markers",
				Usage:  "Run the analysis and write the marker table, tree, and summary without figures",
				Flags:  analysisFlags(),
				Action: markersAction,
			},
			{
				Name:   "figures",
				Usage:  "Run the analysis and write only the figures",
				Flags:  analysisFlags(),
				Action: figuresAction,
			},
			{
				Name:   "serve",
				Usage:  "Serve figures and background analysis runs over HTTP",
				Action: serveAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("tabula-atlas: %v", err)
	}
}

func analysisFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "ontology-term",
			Usage: "Cell Ontology term (ID or name) selecting the cell population",
		},
		&cli.StringFlag{
			Name:  "group-by",
			Usage: "Grouping column: tissue or tissue_subtissue",
		},
		&cli.IntFlag{
			Name:  "min-group-size",
			Usage: "Groups must exceed this many cells to be compared",
		},
		&cli.StringFlag{
			Name:  "out",
			Usage: "Output directory",
		},
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if v := cmd.String("ontology-term"); v != "" {
		cfg.Analysis.OntologyTerm = v
	}
	if v := cmd.String("group-by"); v != "" {
		if v != "tissue" && v != "tissue_subtissue" {
			return nil, fmt.Errorf("invalid group-by %q: must be tissue or tissue_subtissue", v)
		}
		cfg.Analysis.GroupBy = v
	}
	if v := cmd.Int("min-group-size"); v > 0 {
		cfg.Analysis.MinGroupSize = int(v)
	}
	if v := cmd.String("out"); v != "" {
		cfg.Output.Dir = v
	}
	return cfg, nil
}

func newRunID() string {
	return time.Now().UTC().Format("20060102-150405")
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	out, err := p.Run(ctx, newRunID())
	if err != nil {
		return err
	}
	log.Printf("wrote %d marker rows to %s", len(out.Analysis.Results), cfg.Output.Dir)
	return nil
}

func markersAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	out, err := p.Execute(ctx, newRunID())
	if err != nil {
		return err
	}
	return p.WriteReports(out)
}

func figuresAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	out, err := p.Execute(ctx, newRunID())
	if err != nil {
		return err
	}
	return p.RenderFigures(out)
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	cacheManager, err := cache.NewManager(cache.Config{
		FigureCacheSizeMB: cfg.Server.FigureCacheMB,
		FigureTTL:         30 * time.Minute,
		VectorCacheSize:   256,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheManager.Close()

	runManager, err := api.NewRunManager(api.RunManagerConfig{
		MaxConcurrent: cfg.Store.MaxConcurrent,
		SQLitePath:    cfg.Store.SQLitePath,
		RetentionDays: cfg.Store.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize run manager: %w", err)
	}
	runManager.Executor = runExecutor(cfg, p)
	runManager.Start()
	defer runManager.Stop()

	router := api.NewRouter(api.RouterConfig{
		Reader:      p.Reader(),
		Cache:       cacheManager,
		Renderer:    render.NewRenderer(cfg.Render.DefaultColormap),
		RenderCfg:   cfg.Render,
		RunManager:  runManager,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	log.Println("Server stopped")
	return nil
}

// runExecutor adapts the pipeline to the run manager: each submitted run
// executes against its own analysis parameters and stores results in the
// run store.
func runExecutor(cfg *config.Config, p *pipeline.Pipeline) func(ctx context.Context, store *markerstore.Store, runID string) error {
	return func(ctx context.Context, store *markerstore.Store, runID string) error {
		run, err := store.GetRun(runID)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("run %s not found", runID)
		}

		store.UpdateRunPhase(runID, "analyzing")
		out, err := p.WithAnalysis(analysisFromParams(cfg.Analysis, run.Params)).Execute(ctx, runID)
		if err != nil {
			return err
		}

		store.UpdateRunPhase(runID, "storing")
		if err := store.UpdateRunCounts(runID, len(out.Cells), len(out.Analysis.Groups)); err != nil {
			return err
		}
		return store.InsertResults(runID, out.Analysis.Results)
	}
}

// analysisFromParams overlays the submitted run parameters on the
// configured defaults. Zero values fall back to the defaults.
func analysisFromParams(base config.AnalysisConfig, params markerstore.RunParams) config.AnalysisConfig {
	a := base
	if params.GroupBy != "" {
		a.GroupBy = params.GroupBy
	}
	if params.OntologyTerm != "" {
		a.OntologyTerm = params.OntologyTerm
	}
	if params.MarkerGenes != nil {
		a.MarkerGenes = params.MarkerGenes
	}
	if params.MarkerMinExpr > 0 {
		a.MarkerMinExpr = params.MarkerMinExpr
	}
	if params.MinGroupSize > 0 {
		a.MinGroupSize = params.MinGroupSize
	}
	if params.FDRCutoff > 0 {
		a.FDRCutoff = params.FDRCutoff
	}
	if params.MaxCellsPerGroup > 0 {
		a.MaxCellsPerGroup = params.MaxCellsPerGroup
	}
	if params.Seed != 0 {
		a.Seed = int(params.Seed)
	}
	return a
}
