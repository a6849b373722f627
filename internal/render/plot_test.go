package render

import (
	"bytes"
	"testing"

	"github.com/mhemberg/tabula-atlas/internal/label"
	"github.com/mhemberg/tabula-atlas/internal/service"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func checkPNG(t *testing.T, data []byte) {
	t.Helper()
	if len(data) < 8 || !bytes.HasPrefix(data, pngMagic) {
		t.Fatalf("expected PNG output, got %d bytes", len(data))
	}
}

func testCfg() PlotConfig {
	return PlotConfig{Width: 200, Height: 150, PointSize: 2}
}

func TestEmbeddingByGroup(t *testing.T) {
	r := NewRenderer("viridis")
	coords := [][2]float32{{0, 0}, {1, 1}, {2, 0}, {3, 3}}
	view := label.NewGroupView([]string{"Spleen", "Fat", "Spleen"})

	data, err := r.EmbeddingByGroup(coords, []int{0, 1, 3}, view, testCfg())
	if err != nil {
		t.Fatalf("EmbeddingByGroup error: %v", err)
	}
	checkPNG(t, data)

	if _, err := r.EmbeddingByGroup(coords, []int{0}, view, testCfg()); err == nil {
		t.Fatal("expected error for mismatched view length")
	}
}

func TestEmbeddingByExpression(t *testing.T) {
	r := NewRenderer("viridis")
	coords := [][2]float32{{0, 0}, {1, 1}, {2, 0}}
	expr := []float32{0, 2, 5}

	data, err := r.EmbeddingByExpression(coords, []int{0, 1, 2}, expr, testCfg())
	if err != nil {
		t.Fatalf("EmbeddingByExpression error: %v", err)
	}
	checkPNG(t, data)

	// Constant expression must not divide by zero.
	data, err = r.EmbeddingByExpression(coords, []int{0, 1}, []float32{1, 1, 1}, testCfg())
	if err != nil {
		t.Fatalf("EmbeddingByExpression error on constant input: %v", err)
	}
	checkPNG(t, data)
}

func TestDendrogram(t *testing.T) {
	r := NewRenderer("viridis")
	root, err := service.UPGMA([][]float64{{0, 0}, {0, 1}, {5, 5}}, []string{"Spleen", "Liver", "Fat"})
	if err != nil {
		t.Fatalf("UPGMA error: %v", err)
	}

	data, err := r.Dendrogram(root, testCfg())
	if err != nil {
		t.Fatalf("Dendrogram error: %v", err)
	}
	checkPNG(t, data)

	if _, err := r.Dendrogram(nil, testCfg()); err == nil {
		t.Fatal("expected error for nil tree")
	}
}

func TestExpressionDistribution(t *testing.T) {
	data, err := ExpressionDistribution([]float64{3, 1, 2, 5, 4}, testCfg())
	if err != nil {
		t.Fatalf("ExpressionDistribution error: %v", err)
	}
	checkPNG(t, data)

	if _, err := ExpressionDistribution([]float64{1}, testCfg()); err == nil {
		t.Fatal("expected error for single value")
	}
}

func TestGroupMeanBars(t *testing.T) {
	data, err := GroupMeanBars([]string{"Spleen", "Fat"}, []float64{2.5, 0.5}, testCfg())
	if err != nil {
		t.Fatalf("GroupMeanBars error: %v", err)
	}
	checkPNG(t, data)

	if _, err := GroupMeanBars([]string{"a"}, []float64{1, 2}, testCfg()); err == nil {
		t.Fatal("expected error for mismatched lengths")
	}
}
