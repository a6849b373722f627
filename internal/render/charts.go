package render

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/wcharczuk/go-chart/v2"
)

// ExpressionDistribution plots a gene's sorted expression values for one
// group as a simple curve.
func ExpressionDistribution(values []float64, cfg PlotConfig) ([]byte, error) {
	if len(values) < 2 {
		return nil, fmt.Errorf("need at least 2 values, got %d", len(values))
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	xs := make([]float64, len(sorted))
	for i := range xs {
		xs[i] = float64(i)
	}

	graph := chart.Chart{
		Title:  cfg.Title,
		Width:  cfg.Width,
		Height: cfg.Height,
		XAxis: chart.XAxis{
			Style: chart.Hidden(),
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				XValues: xs,
				YValues: sorted,
			},
		},
	}

	buf := bytes.NewBuffer(nil)
	if err := graph.Render(chart.PNG, buf); err != nil {
		return nil, fmt.Errorf("failed to render distribution chart: %w", err)
	}
	return buf.Bytes(), nil
}

// GroupMeanBars plots per-group mean expression of one gene as a bar chart.
// groups and means must be parallel.
func GroupMeanBars(groups []string, means []float64, cfg PlotConfig) ([]byte, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("no groups to plot")
	}
	if len(groups) != len(means) {
		return nil, fmt.Errorf("group count %d does not match mean count %d", len(groups), len(means))
	}

	bars := make([]chart.Value, len(groups))
	for i, g := range groups {
		bars[i] = chart.Value{Label: g, Value: means[i]}
	}

	graph := chart.BarChart{
		Title:    cfg.Title,
		Width:    cfg.Width,
		Height:   cfg.Height,
		BarWidth: 30,
		Bars:     bars,
	}

	buf := bytes.NewBuffer(nil)
	if err := graph.Render(chart.PNG, buf); err != nil {
		return nil, fmt.Errorf("failed to render bar chart: %w", err)
	}
	return buf.Bytes(), nil
}
