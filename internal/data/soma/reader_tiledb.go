//go:build soma

package soma

import (
	"fmt"
	"math"
	"os"
	"sync"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

// Reader provides minimal SOMA reads via TileDB arrays.
type Reader struct {
	experimentURI string
	ctx           *tiledb.Context

	geneOnce sync.Once
	geneMap  map[string]int64
	geneErr  error
}

func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{
		experimentURI: uri,
		ctx:           ctx,
	}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

func (r *Reader) Close() {
	if r.ctx != nil {
		r.ctx.Free()
	}
}

// GeneJoinID maps a gene symbol to its soma_joinid in ms/RNA/var.
func (r *Reader) GeneJoinID(gene string) (int64, error) {
	r.geneOnce.Do(func() { r.geneErr = r.loadGeneMap() })
	if r.geneErr != nil {
		return 0, r.geneErr
	}
	id, ok := r.geneMap[gene]
	if !ok {
		return 0, fmt.Errorf("gene not found in SOMA var: %s", gene)
	}
	return id, nil
}

func (r *Reader) loadGeneMap() error {
	m := make(map[string]int64, 32768)
	err := r.scanStringColumn(r.experimentURI+"/ms/RNA/var", "gene_id", func(joinID int64, value string) {
		m[value] = joinID
	})
	if err != nil {
		return err
	}
	r.geneMap = m
	return nil
}

// ExpressionForCells reads expression of one gene at the given cell
// joinids, returning only non-zero entries.
func (r *Reader) ExpressionForCells(gene string, cellJoinIDs []int64) (map[int64]float32, error) {
	geneJoinID, err := r.GeneJoinID(gene)
	if err != nil {
		return nil, err
	}
	if len(cellJoinIDs) == 0 {
		return map[int64]float32{}, nil
	}

	xURI := r.experimentURI + "/ms/RNA/X/data"
	arr, err := tiledb.NewArray(r.ctx, xURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open X array (%s): %w", xURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open X array for read: %w", err)
	}
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()

	// Point ranges per selected cell, one gene.
	for _, cid := range cellJoinIDs {
		if err := sub.AddRangeByName("soma_dim_0", tiledb.MakeRange[int64](cid, cid)); err != nil {
			return nil, fmt.Errorf("failed to add cell range: %w", err)
		}
	}
	if err := sub.AddRangeByName("soma_dim_1", tiledb.MakeRange[int64](geneJoinID, geneJoinID)); err != nil {
		return nil, fmt.Errorf("failed to add gene range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()

	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	_ = q.SetLayout(tiledb.TILEDB_UNORDERED)

	// Worst-case nnz for (cells subset) x (one gene) is len(cells).
	n := len(cellJoinIDs)
	outCell := make([]int64, n)
	outGene := make([]int64, n)
	outVal := make([]float32, n)
	valNullable, err := attributeNullable(arr, "soma_data")
	if err != nil {
		return nil, fmt.Errorf("failed to inspect soma_data nullable: %w", err)
	}
	var outValid []uint8
	if valNullable {
		outValid = make([]uint8, n)
	}

	if _, err := q.SetDataBuffer("soma_dim_0", outCell); err != nil {
		return nil, fmt.Errorf("failed to set buffer soma_dim_0: %w", err)
	}
	if _, err := q.SetDataBuffer("soma_dim_1", outGene); err != nil {
		return nil, fmt.Errorf("failed to set buffer soma_dim_1: %w", err)
	}
	if _, err := q.SetDataBuffer("soma_data", outVal); err != nil {
		return nil, fmt.Errorf("failed to set buffer soma_data: %w", err)
	}
	if valNullable {
		if _, err := q.SetValidityBuffer("soma_data", outValid); err != nil {
			return nil, fmt.Errorf("failed to set validity buffer soma_data: %w", err)
		}
	}

	if err := q.Submit(); err != nil {
		return nil, fmt.Errorf("query submit failed: %w", err)
	}
	status, err := q.Status()
	if err != nil {
		return nil, fmt.Errorf("query status failed: %w", err)
	}
	if status != tiledb.TILEDB_COMPLETED && status != tiledb.TILEDB_INCOMPLETE {
		return nil, fmt.Errorf("unexpected query status: %v", status)
	}

	elems, err := q.ResultBufferElements()
	if err != nil {
		return nil, fmt.Errorf("failed to get result buffer elements: %w", err)
	}
	got := int(elems["soma_data"][1])
	if got > len(outVal) {
		got = len(outVal)
	}
	gotValid := 0
	if valNullable {
		gotValid = int(elems["soma_data"][2])
		if gotValid > len(outValid) {
			gotValid = len(outValid)
		}
	}

	values := make(map[int64]float32, got)
	for i := 0; i < got; i++ {
		if valNullable && i < gotValid && outValid[i] == 0 {
			continue
		}
		values[outCell[i]] = outVal[i]
	}
	return values, nil
}

// scanStringColumn streams (soma_joinid, column value) pairs from a
// DataFrame array with a var-length string attribute. Null and empty
// values are skipped.
func (r *Reader) scanStringColumn(uri, column string, fn func(joinID int64, value string)) error {
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return fmt.Errorf("failed to open array (%s): %w", uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return fmt.Errorf("failed to open array for read (%s): %w", uri, err)
	}
	defer arr.Close()

	// Use the non-empty domain to avoid unbounded dimension domains.
	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_joinid")
	if err != nil {
		return fmt.Errorf("failed to get non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		return nil
	}
	minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return fmt.Errorf("failed to parse non-empty domain bounds: %w", err)
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_joinid", tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return fmt.Errorf("failed to set joinid range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return fmt.Errorf("failed to set query layout: %w", err)
	}

	colNullable, err := attributeNullable(arr, column)
	if err != nil {
		return fmt.Errorf("column not found (%s): %w", column, err)
	}

	// Stream in chunks; buffer sizes are in/out params, so reset each submit.
	const chunkRows = 8192
	joinIDs := make([]int64, chunkRows)
	offsets := make([]uint64, chunkRows)
	var validity []uint8
	if colNullable {
		validity = make([]uint8, chunkRows)
	}
	dataBytes := make([]byte, 2*1024*1024)

	for {
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetOffsetsBuffer(column, offsets); err != nil {
			return fmt.Errorf("failed to set offsets buffer %s: %w", column, err)
		}
		if _, err := q.SetDataBuffer(column, dataBytes); err != nil {
			return fmt.Errorf("failed to set data buffer %s: %w", column, err)
		}
		if colNullable {
			if _, err := q.SetValidityBuffer(column, validity); err != nil {
				return fmt.Errorf("failed to set validity buffer %s: %w", column, err)
			}
		}

		if err := q.Submit(); err != nil {
			return fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("ResultBufferElements failed: %w", err)
		}

		usedJoin := min(int(elems["soma_joinid"][1]), len(joinIDs))
		usedOffsets := min(int(elems[column][0]), len(offsets))
		usedBytes := min(int(elems[column][1]), len(dataBytes))
		usedValid := 0
		if colNullable {
			usedValid = min(int(elems[column][2]), len(validity))
		}

		// Too small to return even one row; grow and retry.
		if status == tiledb.TILEDB_INCOMPLETE && usedOffsets == 0 && usedBytes == 0 && usedJoin == 0 {
			if len(dataBytes) < 64*1024*1024 {
				dataBytes = make([]byte, len(dataBytes)*2)
				continue
			}
			return fmt.Errorf("query buffers too small for column %s; grew to %d bytes and still no progress", column, len(dataBytes))
		}

		lim := usedJoin
		if usedOffsets < lim {
			lim = usedOffsets
		}
		if colNullable && usedValid > 0 && usedValid < lim {
			lim = usedValid
		}
		data := dataBytes[:usedBytes]
		for i := 0; i < lim; i++ {
			if colNullable && usedValid > 0 && validity[i] == 0 {
				continue
			}
			start := int(offsets[i])
			end := len(data)
			if i+1 < usedOffsets {
				end = int(offsets[i+1])
			}
			if start < 0 || end < start || end > len(data) {
				continue
			}
			if v := string(data[start:end]); v != "" {
				fn(joinIDs[i], v)
			}
		}

		if status == tiledb.TILEDB_COMPLETED {
			return nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected TileDB query status: %v", status)
		}
	}
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}
