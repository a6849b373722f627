// Package atlas provides a reader for preprocessed atlas stores.
//
// A store is a directory with a metadata.json describing the dataset and a
// set of zstd-compressed little-endian binary arrays: the expression matrix
// X (float32, row-chunked [n_cells, n_genes]), per-cell category codes
// (uint32, one file per obs column), and embedding coordinates (float32,
// [n_cells, 2], one file per embedding key).
package atlas

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Reader provides read-only access to an atlas store.
type Reader struct {
	basePath string
	metadata *Metadata
	decoder  *zstd.Decoder

	mu       sync.Mutex
	obsCache map[string][]int
	embCache map[string][][2]float32
}

// Metadata describes the atlas store contents.
type Metadata struct {
	FormatVersion string                  `json:"format_version"`
	DatasetName   string                  `json:"dataset_name"`
	NCells        int                     `json:"n_cells"`
	NGenes        int                     `json:"n_genes"`
	ChunkRows     int                     `json:"chunk_rows"`
	Genes         []string                `json:"genes"`
	GeneIndex     map[string]int          `json:"gene_index,omitempty"`
	Categories    map[string]CategoryInfo `json:"categories"`
	Embeddings    map[string]Bounds       `json:"embeddings"`
}

// CategoryInfo describes one obs category column: its distinct values in
// code order and the value-to-code mapping.
type CategoryInfo struct {
	Values  []string       `json:"values"`
	Mapping map[string]int `json:"mapping"`
}

// Bounds are the coordinate bounds of an embedding.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
}

// NewReader opens an atlas store and loads its metadata.
func NewReader(basePath string) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	r := &Reader{
		basePath: basePath,
		decoder:  decoder,
		obsCache: make(map[string][]int),
		embCache: make(map[string][][2]float32),
	}

	if err := r.loadMetadata(); err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}

	return r, nil
}

// Metadata returns the store metadata.
func (r *Reader) Metadata() *Metadata {
	return r.metadata
}

func (r *Reader) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(r.basePath, "metadata.json"))
	if err != nil {
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}

	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %w", err)
	}

	if md.NCells < 0 || md.NGenes < 0 {
		return fmt.Errorf("invalid dimensions: n_cells=%d n_genes=%d", md.NCells, md.NGenes)
	}
	if md.ChunkRows <= 0 {
		return fmt.Errorf("invalid chunk_rows: %d", md.ChunkRows)
	}
	if len(md.Genes) != md.NGenes {
		return fmt.Errorf("gene list length %d does not match n_genes %d", len(md.Genes), md.NGenes)
	}

	// Build gene index from gene list if not present.
	if md.GeneIndex == nil {
		md.GeneIndex = make(map[string]int, len(md.Genes))
		for i, gene := range md.Genes {
			md.GeneIndex[gene] = i
		}
	}

	r.metadata = &md
	return nil
}

// readArray reads and decompresses one array file.
func (r *Reader) readArray(relPath string) ([]byte, error) {
	compressed, err := os.ReadFile(filepath.Join(r.basePath, relPath))
	if err != nil {
		return nil, err
	}
	data, err := r.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed for %s: %w", relPath, err)
	}
	return data, nil
}

func (r *Reader) nChunks() int {
	return (r.metadata.NCells + r.metadata.ChunkRows - 1) / r.metadata.ChunkRows
}

// chunkRowRange returns the global row range [start, end) of chunk c.
func (r *Reader) chunkRowRange(c int) (int, int) {
	start := c * r.metadata.ChunkRows
	end := start + r.metadata.ChunkRows
	if end > r.metadata.NCells {
		end = r.metadata.NCells
	}
	return start, end
}

func (r *Reader) readXChunk(c int) ([]byte, int, error) {
	start, end := r.chunkRowRange(c)
	rows := end - start

	data, err := r.readArray(filepath.Join("X", "c", fmt.Sprintf("%d.zst", c)))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load X chunk %d: %w", c, err)
	}
	want := rows * r.metadata.NGenes * 4
	if len(data) < want {
		return nil, 0, fmt.Errorf("X chunk %d too short: got %d bytes, expected %d", c, len(data), want)
	}
	return data, rows, nil
}

// GeneVector returns the expression of one gene across all cells.
func (r *Reader) GeneVector(gene string) ([]float32, error) {
	idx, ok := r.metadata.GeneIndex[gene]
	if !ok {
		return nil, fmt.Errorf("gene not found: %s", gene)
	}
	return r.GeneVectorByIndex(idx)
}

// GeneVectorByIndex returns the expression of the gene at index geneIdx
// across all cells.
func (r *Reader) GeneVectorByIndex(geneIdx int) ([]float32, error) {
	nGenes := r.metadata.NGenes
	if geneIdx < 0 || geneIdx >= nGenes {
		return nil, fmt.Errorf("gene index out of range: %d (n_genes=%d)", geneIdx, nGenes)
	}

	out := make([]float32, r.metadata.NCells)
	for c := 0; c < r.nChunks(); c++ {
		data, rows, err := r.readXChunk(c)
		if err != nil {
			return nil, err
		}
		start, _ := r.chunkRowRange(c)
		for i := 0; i < rows; i++ {
			off := (i*nGenes + geneIdx) * 4
			out[start+i] = float32At(data, off)
		}
	}
	return out, nil
}

// ScanRows streams full expression rows for the given cell indices, in
// ascending cell order, calling fn for each. The row slice is reused
// between calls; fn must not retain it.
func (r *Reader) ScanRows(cells []int, fn func(cell int, row []float32) error) error {
	if len(cells) == 0 {
		return nil
	}

	nGenes := r.metadata.NGenes
	wanted := make(map[int]bool, len(cells))
	for _, c := range cells {
		if c < 0 || c >= r.metadata.NCells {
			return fmt.Errorf("cell index out of range: %d (n_cells=%d)", c, r.metadata.NCells)
		}
		wanted[c] = true
	}

	row := make([]float32, nGenes)
	for c := 0; c < r.nChunks(); c++ {
		start, end := r.chunkRowRange(c)

		// Skip chunks with no wanted cells.
		any := false
		for cell := start; cell < end; cell++ {
			if wanted[cell] {
				any = true
				break
			}
		}
		if !any {
			continue
		}

		data, _, err := r.readXChunk(c)
		if err != nil {
			return err
		}
		for cell := start; cell < end; cell++ {
			if !wanted[cell] {
				continue
			}
			base := (cell - start) * nGenes * 4
			for g := 0; g < nGenes; g++ {
				row[g] = float32At(data, base+g*4)
			}
			if err := fn(cell, row); err != nil {
				return err
			}
		}
	}
	return nil
}

// ObsCodes returns the per-cell category codes for an obs column.
func (r *Reader) ObsCodes(column string) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.obsCache[column]; ok {
		return cached, nil
	}

	info, ok := r.metadata.Categories[column]
	if !ok {
		return nil, fmt.Errorf("category not found in metadata: %s", column)
	}

	data, err := r.readArray(filepath.Join("obs", column+".zst"))
	if err != nil {
		return nil, fmt.Errorf("failed to load obs column %s: %w", column, err)
	}
	want := r.metadata.NCells * 4
	if len(data) < want {
		return nil, fmt.Errorf("obs column %s too short: got %d bytes, expected %d", column, len(data), want)
	}

	nValues := len(info.Values)
	codes := make([]int, r.metadata.NCells)
	for i := range codes {
		v := int(uint32At(data, i*4))
		if v >= nValues {
			return nil, fmt.Errorf("obs column %s: code %d out of range (n_values=%d)", column, v, nValues)
		}
		codes[i] = v
	}

	r.obsCache[column] = codes
	return codes, nil
}

// ObsValues decodes obs codes to their string values for a column.
func (r *Reader) ObsValues(column string, codes []int) ([]string, error) {
	info, ok := r.metadata.Categories[column]
	if !ok {
		return nil, fmt.Errorf("category not found in metadata: %s", column)
	}
	out := make([]string, len(codes))
	for i, c := range codes {
		if c < 0 || c >= len(info.Values) {
			return nil, fmt.Errorf("obs column %s: code %d out of range", column, c)
		}
		out[i] = info.Values[c]
	}
	return out, nil
}

// Embedding returns per-cell 2D coordinates for an embedding key.
func (r *Reader) Embedding(key string) ([][2]float32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.embCache[key]; ok {
		return cached, nil
	}

	if _, ok := r.metadata.Embeddings[key]; !ok {
		return nil, fmt.Errorf("embedding not found in metadata: %s", key)
	}

	data, err := r.readArray(filepath.Join("embedding", key+".zst"))
	if err != nil {
		return nil, fmt.Errorf("failed to load embedding %s: %w", key, err)
	}
	want := r.metadata.NCells * 2 * 4
	if len(data) < want {
		return nil, fmt.Errorf("embedding %s too short: got %d bytes, expected %d", key, len(data), want)
	}

	coords := make([][2]float32, r.metadata.NCells)
	for i := range coords {
		coords[i][0] = float32At(data, i*8)
		coords[i][1] = float32At(data, i*8+4)
	}

	r.embCache[key] = coords
	return coords, nil
}

// AvailableCategories returns all obs category column names.
func (r *Reader) AvailableCategories() []string {
	out := make([]string, 0, len(r.metadata.Categories))
	for col := range r.metadata.Categories {
		out = append(out, col)
	}
	return out
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

func uint32At(b []byte, off int) uint32 {
	return uint32(b[off]) |
		uint32(b[off+1])<<8 |
		uint32(b[off+2])<<16 |
		uint32(b[off+3])<<24
}

func float32At(b []byte, off int) float32 {
	return math.Float32frombits(uint32At(b, off))
}
