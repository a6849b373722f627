package api

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mhemberg/tabula-atlas/internal/cache"
	"github.com/mhemberg/tabula-atlas/internal/config"
	"github.com/mhemberg/tabula-atlas/internal/data/atlas"
	"github.com/mhemberg/tabula-atlas/internal/label"
	"github.com/mhemberg/tabula-atlas/internal/markerstore"
	"github.com/mhemberg/tabula-atlas/internal/render"
)

// RouterConfig contains the dependencies for the HTTP router.
type RouterConfig struct {
	Reader      *atlas.Reader
	Cache       *cache.Manager
	Renderer    *render.Renderer
	RenderCfg   config.RenderConfig
	RunManager  *RunManager
	CORSOrigins []string
}

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Get("/api/metadata", metadataHandler(cfg.Reader))
	r.Get("/api/genes", geneSearchHandler(cfg.Reader))
	r.Get("/api/cache/stats", cacheStatsHandler(cfg.Cache))

	r.Get("/figures/groups/{column}.png", groupFigureHandler(cfg))
	r.Get("/figures/expression/{gene}.png", expressionFigureHandler(cfg))

	r.Route("/api/runs", func(r chi.Router) {
		r.Post("/", runSubmitHandler(cfg.RunManager))
		r.Get("/", runListHandler(cfg.RunManager))
		r.Get("/{runID}", runStatusHandler(cfg.RunManager))
		r.Post("/{runID}/cancel", runCancelHandler(cfg.RunManager))
		r.Delete("/{runID}", runDeleteHandler(cfg.RunManager))
		r.Get("/{runID}/results", runResultsHandler(cfg.RunManager))
		r.Get("/{runID}/groups", runGroupsHandler(cfg.RunManager))
	})

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func metadataHandler(reader *atlas.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		md := reader.Metadata()
		embeddings := make([]string, 0, len(md.Embeddings))
		for key := range md.Embeddings {
			embeddings = append(embeddings, key)
		}
		sort.Strings(embeddings)

		categories := reader.AvailableCategories()
		sort.Strings(categories)

		writeJSON(w, http.StatusOK, map[string]any{
			"dataset_name": md.DatasetName,
			"n_cells":      md.NCells,
			"n_genes":      md.NGenes,
			"categories":   categories,
			"embeddings":   embeddings,
		})
	}
}

func geneSearchHandler(reader *atlas.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := strings.ToLower(r.URL.Query().Get("q"))
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			if v, err := strconv.Atoi(s); err == nil && v > 0 && v <= 500 {
				limit = v
			}
		}

		matches := make([]string, 0, limit)
		for _, gene := range reader.Metadata().Genes {
			if query == "" || strings.Contains(strings.ToLower(gene), query) {
				matches = append(matches, gene)
				if len(matches) >= limit {
					break
				}
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{"genes": matches})
	}
}

func cacheStatsHandler(c *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, c.Stats())
	}
}

// groupFigureHandler renders the embedding colored by an obs category,
// optionally restricted to a subset of group values.
func groupFigureHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		column := chi.URLParam(r, "column")
		embedding := r.URL.Query().Get("embedding")
		if embedding == "" {
			embedding = "X_tsne"
		}
		colormapName := r.URL.Query().Get("colormap")
		if colormapName == "" {
			colormapName = cfg.RenderCfg.DefaultColormap
		}
		groups, filtered := parseGroupFilter(r.URL.Query())
		pointSize := parsePointSize(r.URL.Query().Get("point_size"), cfg.RenderCfg.PointSize)

		key := cache.GroupFigureKey(fmt.Sprintf("%s:%s:ps%.1f", embedding, column, pointSize), colormapName, groups)
		if data, ok := cfg.Cache.GetFigure(key); ok {
			writePNG(w, data)
			return
		}

		codes, err := cfg.Reader.ObsCodes(column)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		values, err := cfg.Reader.ObsValues(column, codes)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		coords, err := cfg.Reader.Embedding(embedding)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		cells := make([]int, 0, len(values))
		labels := make([]string, 0, len(values))
		if filtered {
			wanted := make(map[string]bool, len(groups))
			for _, g := range groups {
				wanted[g] = true
			}
			for i, v := range values {
				if wanted[v] {
					cells = append(cells, i)
					labels = append(labels, v)
				}
			}
		} else {
			for i, v := range values {
				cells = append(cells, i)
				labels = append(labels, v)
			}
		}

		data, err := cfg.Renderer.EmbeddingByGroup(coords, cells, label.NewGroupView(labels), render.PlotConfig{
			Width:     cfg.RenderCfg.Width,
			Height:    cfg.RenderCfg.Height,
			PointSize: pointSize,
			Colormap:  colormapName,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if err := cfg.Cache.SetFigure(key, data); err != nil {
			log.Printf("figure cache set failed: %v", err)
		}
		writePNG(w, data)
	}
}

// expressionFigureHandler renders the embedding colored by one gene's
// expression.
func expressionFigureHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gene := chi.URLParam(r, "gene")
		embedding := r.URL.Query().Get("embedding")
		if embedding == "" {
			embedding = "X_tsne"
		}
		colormapName := r.URL.Query().Get("colormap")
		if colormapName == "" {
			colormapName = cfg.RenderCfg.DefaultColormap
		}

		pointSize := parsePointSize(r.URL.Query().Get("point_size"), cfg.RenderCfg.PointSize)
		key := cache.ExpressionFigureKey(fmt.Sprintf("%s:ps%.1f", embedding, pointSize), gene, colormapName)
		if data, ok := cfg.Cache.GetFigure(key); ok {
			writePNG(w, data)
			return
		}

		expr, ok := cfg.Cache.GetVector(gene)
		if !ok {
			var err error
			expr, err = cfg.Reader.GeneVector(gene)
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			cfg.Cache.SetVector(gene, expr)
		}

		coords, err := cfg.Reader.Embedding(embedding)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		cells := make([]int, len(expr))
		for i := range cells {
			cells[i] = i
		}

		data, err := cfg.Renderer.EmbeddingByExpression(coords, cells, expr, render.PlotConfig{
			Width:     cfg.RenderCfg.Width,
			Height:    cfg.RenderCfg.Height,
			PointSize: pointSize,
			Colormap:  colormapName,
			Title:     gene,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if err := cfg.Cache.SetFigure(key, data); err != nil {
			log.Printf("figure cache set failed: %v", err)
		}
		writePNG(w, data)
	}
}

func runSubmitHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params markerstore.RunParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		if params.GroupBy == "" {
			params.GroupBy = "tissue"
		}
		if params.GroupBy != "tissue" && params.GroupBy != "tissue_subtissue" {
			http.Error(w, "group_by must be tissue or tissue_subtissue", http.StatusBadRequest)
			return
		}
		if params.OntologyTerm == "" {
			http.Error(w, "ontology_term is required", http.StatusBadRequest)
			return
		}
		if params.MinGroupSize < 0 {
			http.Error(w, "min_group_size must be non-negative", http.StatusBadRequest)
			return
		}
		if params.FDRCutoff == 0 {
			params.FDRCutoff = 1.0
		}
		if params.MaxCellsPerGroup == 0 {
			params.MaxCellsPerGroup = 5000
		}

		run, err := rm.Submit(params)
		if err != nil {
			http.Error(w, "failed to submit run: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, run)
	}
}

func runListHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		runs, err := rm.Store().ListRuns()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	}
}

func runStatusHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := rm.Get(chi.URLParam(r, "runID"))
		if run == nil {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func runCancelHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runID")
		if !rm.Cancel(runID) {
			http.Error(w, "run not found or not cancellable", http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "cancelling"})
	}
}

func runDeleteHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runID")
		if run := rm.Get(runID); run == nil {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		if err := rm.Delete(runID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "deleted"})
	}
}

func runResultsHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runID")
		run := rm.Get(runID)
		if run == nil {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		if run.Status != markerstore.RunStatusCompleted {
			http.Error(w, fmt.Sprintf("run is %s, results not available", run.Status), http.StatusConflict)
			return
		}

		q := r.URL.Query()
		group := q.Get("group")
		orderBy := q.Get("order_by")
		offset, _ := strconv.Atoi(q.Get("offset"))
		if offset < 0 {
			offset = 0
		}
		limit, _ := strconv.Atoi(q.Get("limit"))
		if limit <= 0 || limit > 1000 {
			limit = 100
		}

		results, total, err := rm.Store().QueryResults(runID, group, orderBy, offset, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"run_id":  runID,
			"total":   total,
			"offset":  offset,
			"limit":   limit,
			"results": results,
		})
	}
}

func runGroupsHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runID")
		groups, err := rm.Store().ResultGroups(runID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "groups": groups})
	}
}

// parseGroupFilter extracts the group filter from the query string. It
// returns (nil, false) when no filter is present. The "groups" parameter
// may repeat, hold a JSON array, or hold a comma-separated list; an empty
// value means filter-to-nothing rather than no filter.
func parseGroupFilter(query url.Values) ([]string, bool) {
	raw, present := query["groups"]
	if !present {
		return nil, false
	}

	if len(raw) > 1 {
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		return out, true
	}

	value := strings.TrimSpace(raw[0])
	if value == "" {
		return []string{}, true
	}

	if strings.HasPrefix(value, "[") {
		var parsed []string
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			out := make([]string, 0, len(parsed))
			for _, v := range parsed {
				if v = strings.TrimSpace(v); v != "" {
					out = append(out, v)
				}
			}
			return out, true
		}
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, v := range parts {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out, true
}

// parsePointSize clamps the requested point size to a sane range and
// quantizes it to one decimal so cache keys stay bounded.
func parsePointSize(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	if v < 0.1 {
		v = 0.1
	}
	if v > 5.0 {
		v = 5.0
	}
	return math.Round(v*10) / 10
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}
