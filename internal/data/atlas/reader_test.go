package atlas

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

// testStore writes a small two-chunk store: 6 cells, 3 genes.
func testStore(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	md := Metadata{
		FormatVersion: "1",
		DatasetName:   "test",
		NCells:        6,
		NGenes:        3,
		ChunkRows:     4,
		Genes:         []string{"Cd19", "Cd79a", "Ms4a1"},
		Categories: map[string]CategoryInfo{
			"tissue": {
				Values:  []string{"Spleen", "Liver"},
				Mapping: map[string]int{"Spleen": 0, "Liver": 1},
			},
		},
		Embeddings: map[string]Bounds{
			"X_tsne": {MinX: -1, MaxX: 1, MinY: -1, MaxY: 1},
		},
	}
	mdBytes, err := json.Marshal(md)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), mdBytes, 0644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}

	// X[i][g] = 10*i + g
	writeFloats := func(rel string, vals []float32) {
		buf := make([]byte, len(vals)*4)
		for i, v := range vals {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		writeCompressed(t, filepath.Join(dir, rel), buf)
	}

	chunk0 := make([]float32, 0, 12)
	for i := 0; i < 4; i++ {
		for g := 0; g < 3; g++ {
			chunk0 = append(chunk0, float32(10*i+g))
		}
	}
	chunk1 := make([]float32, 0, 6)
	for i := 4; i < 6; i++ {
		for g := 0; g < 3; g++ {
			chunk1 = append(chunk1, float32(10*i+g))
		}
	}
	writeFloats(filepath.Join("X", "c", "0.zst"), chunk0)
	writeFloats(filepath.Join("X", "c", "1.zst"), chunk1)

	// tissue codes: Spleen, Spleen, Liver, Spleen, Liver, Liver
	codes := []uint32{0, 0, 1, 0, 1, 1}
	codeBuf := make([]byte, len(codes)*4)
	for i, c := range codes {
		binary.LittleEndian.PutUint32(codeBuf[i*4:], c)
	}
	writeCompressed(t, filepath.Join(dir, "obs", "tissue.zst"), codeBuf)

	coords := make([]float32, 0, 12)
	for i := 0; i < 6; i++ {
		coords = append(coords, float32(i)*0.5, float32(i)*-0.5)
	}
	writeFloats(filepath.Join("embedding", "X_tsne.zst"), coords)

	return dir
}

func writeCompressed(t *testing.T, path string, data []byte) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer enc.Close()
	if err := os.WriteFile(path, enc.EncodeAll(data, nil), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestReader_GeneVector(t *testing.T) {
	r, err := NewReader(testStore(t))
	if err != nil {
		t.Fatalf("NewReader error: %v", err)
	}
	defer r.Close()

	vec, err := r.GeneVector("Cd79a")
	if err != nil {
		t.Fatalf("GeneVector error: %v", err)
	}
	if len(vec) != 6 {
		t.Fatalf("expected 6 values, got %d", len(vec))
	}
	// Gene index 1: value is 10*i + 1.
	for i, v := range vec {
		if v != float32(10*i+1) {
			t.Fatalf("unexpected value at cell %d: got %f", i, v)
		}
	}

	if _, err := r.GeneVector("Nope"); err == nil {
		t.Fatal("expected error for unknown gene")
	}
}

func TestReader_ScanRows(t *testing.T) {
	r, err := NewReader(testStore(t))
	if err != nil {
		t.Fatalf("NewReader error: %v", err)
	}
	defer r.Close()

	// Cells from both chunks.
	got := make(map[int][]float32)
	err = r.ScanRows([]int{1, 5}, func(cell int, row []float32) error {
		cp := make([]float32, len(row))
		copy(cp, row)
		got[cell] = cp
		return nil
	})
	if err != nil {
		t.Fatalf("ScanRows error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	for _, cell := range []int{1, 5} {
		for g := 0; g < 3; g++ {
			if got[cell][g] != float32(10*cell+g) {
				t.Fatalf("cell %d gene %d: got %f", cell, g, got[cell][g])
			}
		}
	}

	if err := r.ScanRows([]int{99}, func(int, []float32) error { return nil }); err == nil {
		t.Fatal("expected error for out-of-range cell")
	}
}

func TestReader_ObsCodes(t *testing.T) {
	r, err := NewReader(testStore(t))
	if err != nil {
		t.Fatalf("NewReader error: %v", err)
	}
	defer r.Close()

	codes, err := r.ObsCodes("tissue")
	if err != nil {
		t.Fatalf("ObsCodes error: %v", err)
	}
	want := []int{0, 0, 1, 0, 1, 1}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("unexpected codes: got %v want %v", codes, want)
		}
	}

	values, err := r.ObsValues("tissue", codes)
	if err != nil {
		t.Fatalf("ObsValues error: %v", err)
	}
	if values[0] != "Spleen" || values[2] != "Liver" {
		t.Fatalf("unexpected values: %v", values)
	}

	if _, err := r.ObsCodes("no_such_column"); err == nil {
		t.Fatal("expected error for unknown column")
	}
}

func TestReader_Embedding(t *testing.T) {
	r, err := NewReader(testStore(t))
	if err != nil {
		t.Fatalf("NewReader error: %v", err)
	}
	defer r.Close()

	coords, err := r.Embedding("X_tsne")
	if err != nil {
		t.Fatalf("Embedding error: %v", err)
	}
	if len(coords) != 6 {
		t.Fatalf("expected 6 coordinates, got %d", len(coords))
	}
	if coords[3][0] != 1.5 || coords[3][1] != -1.5 {
		t.Fatalf("unexpected coords for cell 3: %v", coords[3])
	}

	if _, err := r.Embedding("X_umap"); err == nil {
		t.Fatal("expected error for unknown embedding")
	}
}

func TestReader_BadMetadata(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(`{"n_cells": 5, "n_genes": 2, "chunk_rows": 0}`), 0644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if _, err := NewReader(dir); err == nil {
		t.Fatal("expected error for invalid chunk_rows")
	}
}
