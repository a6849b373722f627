// Package render draws analysis figures using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image/color"
	"sync"

	"github.com/fogleman/gg"

	"github.com/mhemberg/tabula-atlas/internal/label"
	"github.com/mhemberg/tabula-atlas/internal/service"
	"github.com/mhemberg/tabula-atlas/pkg/colormap"
)

// PlotConfig is the per-call figure configuration. Every render method
// takes one explicitly; the renderer itself carries no mutable plot state.
type PlotConfig struct {
	Width     int
	Height    int
	PointSize float64
	Colormap  string
	Title     string
}

// Renderer renders figures to PNG bytes.
type Renderer struct {
	defaultColormap string
	bufferPool      sync.Pool
}

// NewRenderer creates a renderer with a fallback colormap name.
func NewRenderer(defaultColormap string) *Renderer {
	return &Renderer{
		defaultColormap: defaultColormap,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

func (r *Renderer) colormapFor(cfg PlotConfig) colormap.Colormap {
	name := cfg.Colormap
	if name == "" {
		name = r.defaultColormap
	}
	return colormap.ByName(name)
}

// EmbeddingByGroup draws the selected cells on their embedding, colored by
// group code, with a legend of group labels. coords holds coordinates for
// every cell in the store; cells/view pick and label the subset.
func (r *Renderer) EmbeddingByGroup(coords [][2]float32, cells []int, view *label.GroupView, cfg PlotConfig) ([]byte, error) {
	if view.Len() != len(cells) {
		return nil, fmt.Errorf("group view length %d does not match cell count %d", view.Len(), len(cells))
	}

	dc := gg.NewContext(cfg.Width, cfg.Height)
	dc.SetColor(color.White)
	dc.Clear()

	sx, sy, ok := fitTransform(coords, cells, cfg)
	if ok {
		for i, c := range cells {
			dc.SetColor(colormap.Categorical.AtIndex(view.CodeAt(i)))
			dc.DrawCircle(sx(coords[c][0]), sy(coords[c][1]), cfg.PointSize)
			dc.Fill()
		}
	}

	drawTitle(dc, cfg)
	drawLegend(dc, view.Encoding().Values(), cfg)
	return r.encode(dc)
}

// EmbeddingByExpression draws the selected cells colored by a gene's
// expression, normalized over the subset.
func (r *Renderer) EmbeddingByExpression(coords [][2]float32, cells []int, expr []float32, cfg PlotConfig) ([]byte, error) {
	dc := gg.NewContext(cfg.Width, cfg.Height)
	dc.SetColor(color.White)
	dc.Clear()

	cmap := r.colormapFor(cfg)

	sx, sy, ok := fitTransform(coords, cells, cfg)
	if ok {
		lo, hi := exprRange(expr, cells)
		span := hi - lo
		if span == 0 {
			span = 1
		}
		for _, c := range cells {
			v := 0.0
			if c < len(expr) {
				v = (float64(expr[c]) - lo) / span
			}
			dc.SetColor(cmap.At(v))
			dc.DrawCircle(sx(coords[c][0]), sy(coords[c][1]), cfg.PointSize)
			dc.Fill()
		}
	}

	drawTitle(dc, cfg)
	return r.encode(dc)
}

// Dendrogram draws a group similarity tree: leaves along the bottom,
// merge heights on the vertical axis.
func (r *Renderer) Dendrogram(root *service.TreeNode, cfg PlotConfig) ([]byte, error) {
	if root == nil {
		return nil, fmt.Errorf("nil tree")
	}

	dc := gg.NewContext(cfg.Width, cfg.Height)
	dc.SetColor(color.White)
	dc.Clear()

	w := float64(cfg.Width)
	h := float64(cfg.Height)
	marginX := 0.06 * w
	topY := 0.10 * h
	leafY := 0.85 * h

	leaves := root.Leaves()
	spacing := (w - 2*marginX) / float64(len(leaves))
	maxHeight := root.Height
	if maxHeight == 0 {
		maxHeight = 1
	}

	// Vertical position for a merge height: taller merges sit higher.
	yOf := func(height float64) float64 {
		return leafY - (leafY-topY)*(height/maxHeight)
	}

	dc.SetColor(color.Black)
	dc.SetLineWidth(1.5)

	next := 0
	var layout func(n *service.TreeNode) float64
	layout = func(n *service.TreeNode) float64 {
		if n.IsLeaf() {
			x := marginX + (float64(next)+0.5)*spacing
			next++
			dc.DrawStringAnchored(n.Label, x, leafY+12, 0.5, 0.5)
			return x
		}
		xl := layout(n.Left)
		xr := layout(n.Right)
		y := yOf(n.Height)
		// Vertical stems up from each child, joined by a crossbar.
		dc.DrawLine(xl, yOf(n.Left.Height), xl, y)
		dc.DrawLine(xr, yOf(n.Right.Height), xr, y)
		dc.DrawLine(xl, y, xr, y)
		dc.Stroke()
		return (xl + xr) / 2
	}
	layout(root)

	drawTitle(dc, cfg)
	return r.encode(dc)
}

// fitTransform maps embedding coordinates of the given cells onto the
// canvas with a 5% margin. Returns ok=false when there is nothing to draw.
func fitTransform(coords [][2]float32, cells []int, cfg PlotConfig) (func(float32) float64, func(float32) float64, bool) {
	if len(cells) == 0 {
		return nil, nil, false
	}

	minX, maxX := float64(coords[cells[0]][0]), float64(coords[cells[0]][0])
	minY, maxY := float64(coords[cells[0]][1]), float64(coords[cells[0]][1])
	for _, c := range cells {
		x := float64(coords[c][0])
		y := float64(coords[c][1])
		if x < minX {
			minX = x
		}
		if x > maxX {
			maxX = x
		}
		if y < minY {
			minY = y
		}
		if y > maxY {
			maxY = y
		}
	}
	spanX := maxX - minX
	spanY := maxY - minY
	if spanX == 0 {
		spanX = 1
	}
	if spanY == 0 {
		spanY = 1
	}

	margin := 0.05
	w := float64(cfg.Width)
	h := float64(cfg.Height)
	sx := func(v float32) float64 {
		return w * (margin + (1-2*margin)*(float64(v)-minX)/spanX)
	}
	// Flip the y axis so larger coordinates draw higher up.
	sy := func(v float32) float64 {
		return h * (1 - margin - (1-2*margin)*(float64(v)-minY)/spanY)
	}
	return sx, sy, true
}

func exprRange(expr []float32, cells []int) (float64, float64) {
	lo, hi := 0.0, 0.0
	first := true
	for _, c := range cells {
		if c >= len(expr) {
			continue
		}
		v := float64(expr[c])
		if first {
			lo, hi = v, v
			first = false
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func drawTitle(dc *gg.Context, cfg PlotConfig) {
	if cfg.Title == "" {
		return
	}
	dc.SetColor(color.Black)
	dc.DrawStringAnchored(cfg.Title, float64(cfg.Width)/2, 14, 0.5, 0.5)
}

func drawLegend(dc *gg.Context, groups []string, cfg PlotConfig) {
	if len(groups) == 0 {
		return
	}
	x := float64(cfg.Width) - 8
	y := 24.0
	for i, g := range groups {
		dc.SetColor(colormap.Categorical.AtIndex(i))
		dc.DrawCircle(x-4, y, 4)
		dc.Fill()
		dc.SetColor(color.Black)
		dc.DrawStringAnchored(g, x-12, y, 1, 0.5)
		y += 16
	}
}

func (r *Renderer) encode(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer r.bufferPool.Put(buf)
	buf.Reset()

	if err := dc.EncodePNG(buf); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
