// Package config handles configuration loading for the tabula-atlas tools.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the analysis and server configuration.
type Config struct {
	Data     DataConfig     `yaml:"data"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Output   OutputConfig   `yaml:"output"`
	Render   RenderConfig   `yaml:"render"`
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
}

// DataConfig contains input data locations.
type DataConfig struct {
	StorePath    string `yaml:"store_path"`
	ObsPath      string `yaml:"obs_path"`
	OntologyPath string `yaml:"ontology_path"`
	SomaPath     string `yaml:"soma_path"`
}

// AnalysisConfig contains the cell selection and testing parameters.
// Thresholds are deliberately configurable rather than baked in.
type AnalysisConfig struct {
	GroupBy          string   `yaml:"group_by"` // "tissue" or "tissue_subtissue"
	OntologyTerm     string   `yaml:"ontology_term"`
	MarkerGenes      []string `yaml:"marker_genes"`
	MarkerMinExpr    float64  `yaml:"marker_min_expr"`
	MinGroupSize     int      `yaml:"min_group_size"`
	FDRCutoff        float64  `yaml:"fdr_cutoff"`
	MaxCellsPerGroup int      `yaml:"max_cells_per_group"`
	Seed             int      `yaml:"seed"`
	Embedding        string   `yaml:"embedding"`
}

// OutputConfig contains output locations for the batch pipeline. Figures
// is a pointer so an omitted key falls back to the default instead of
// silently disabling figure output.
type OutputConfig struct {
	Dir     string `yaml:"dir"`
	Figures *bool  `yaml:"figures"`
}

// FiguresEnabled reports whether figure output is on.
func (o OutputConfig) FiguresEnabled() bool {
	return o.Figures == nil || *o.Figures
}

// RenderConfig contains figure rendering defaults.
type RenderConfig struct {
	Width           int     `yaml:"width"`
	Height          int     `yaml:"height"`
	PointSize       float64 `yaml:"point_size"`
	DefaultColormap string  `yaml:"default_colormap"`
}

// ServerConfig contains HTTP server settings for serve mode.
type ServerConfig struct {
	Port          int      `yaml:"port"`
	CORSOrigins   []string `yaml:"cors_origins"`
	FigureCacheMB int      `yaml:"figure_cache_mb"`
}

// StoreConfig contains results-store settings.
type StoreConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// Load reads configuration from a YAML file. A missing file yields the
// default configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Data: DataConfig{
			StorePath:    "./data/atlas",
			ObsPath:      "./data/annotations.csv",
			OntologyPath: "./data/cell_ontology.json",
		},
		Analysis: AnalysisConfig{
			GroupBy:          "tissue",
			OntologyTerm:     "CL:0000236", // B cell
			MarkerGenes:      []string{"Cd19", "Cd79a", "Cd79b", "Ms4a1"},
			MarkerMinExpr:    0,
			MinGroupSize:     30,
			FDRCutoff:        1.0,
			MaxCellsPerGroup: 5000,
			Seed:             0,
			Embedding:        "X_tsne",
		},
		Output: OutputConfig{
			Dir:     "./out",
			Figures: boolPtr(true),
		},
		Render: RenderConfig{
			Width:           800,
			Height:          600,
			PointSize:       2.0,
			DefaultColormap: "viridis",
		},
		Server: ServerConfig{
			Port:          8080,
			CORSOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
			FigureCacheMB: 128,
		},
		Store: StoreConfig{
			SQLitePath:    "./data/runs.sqlite",
			RetentionDays: 7,
			MaxConcurrent: 1,
		},
	}
}

func boolPtr(b bool) *bool { return &b }

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Data.StorePath == "" {
		cfg.Data.StorePath = defaults.Data.StorePath
	}
	if cfg.Data.ObsPath == "" {
		cfg.Data.ObsPath = defaults.Data.ObsPath
	}
	if cfg.Data.OntologyPath == "" {
		cfg.Data.OntologyPath = defaults.Data.OntologyPath
	}
	if cfg.Analysis.GroupBy == "" {
		cfg.Analysis.GroupBy = defaults.Analysis.GroupBy
	}
	if cfg.Analysis.OntologyTerm == "" {
		cfg.Analysis.OntologyTerm = defaults.Analysis.OntologyTerm
	}
	if len(cfg.Analysis.MarkerGenes) == 0 {
		cfg.Analysis.MarkerGenes = defaults.Analysis.MarkerGenes
	}
	if cfg.Analysis.MinGroupSize == 0 {
		cfg.Analysis.MinGroupSize = defaults.Analysis.MinGroupSize
	}
	if cfg.Analysis.FDRCutoff == 0 {
		cfg.Analysis.FDRCutoff = defaults.Analysis.FDRCutoff
	}
	if cfg.Analysis.MaxCellsPerGroup == 0 {
		cfg.Analysis.MaxCellsPerGroup = defaults.Analysis.MaxCellsPerGroup
	}
	if cfg.Analysis.Embedding == "" {
		cfg.Analysis.Embedding = defaults.Analysis.Embedding
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = defaults.Output.Dir
	}
	if cfg.Output.Figures == nil {
		cfg.Output.Figures = defaults.Output.Figures
	}
	if cfg.Render.Width == 0 {
		cfg.Render.Width = defaults.Render.Width
	}
	if cfg.Render.Height == 0 {
		cfg.Render.Height = defaults.Render.Height
	}
	if cfg.Render.PointSize == 0 {
		cfg.Render.PointSize = defaults.Render.PointSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.FigureCacheMB == 0 {
		cfg.Server.FigureCacheMB = defaults.Server.FigureCacheMB
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = defaults.Store.SQLitePath
	}
	if cfg.Store.RetentionDays == 0 {
		cfg.Store.RetentionDays = defaults.Store.RetentionDays
	}
	if cfg.Store.MaxConcurrent == 0 {
		cfg.Store.MaxConcurrent = defaults.Store.MaxConcurrent
	}
}
