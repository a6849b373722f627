// Package soma provides minimal, read-only access to a TileDB-SOMA experiment.
//
// Only what the analysis needs is supported:
//   - map gene symbol -> gene soma_joinid (from ms/RNA/var)
//   - read sparse X for (cells subset) x (one gene) (from ms/RNA/X/data)
//
// TileDB support is optional; without the "soma" build tag all reads
// return ErrUnsupported.
package soma

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupported indicates this binary was built without SOMA/TileDB support.
var ErrUnsupported = errors.New("soma support is not enabled in this build (build with: go build -tags soma)")

// GeneVector reads one gene's expression across cells [0, nCells) as a
// dense vector. Cells absent from the sparse matrix are zero. Cell
// soma_joinids are assumed to equal row positions, matching the export
// convention of the upstream preprocessing.
func (r *Reader) GeneVector(gene string, nCells int) ([]float32, error) {
	ids := make([]int64, nCells)
	for i := range ids {
		ids[i] = int64(i)
	}
	expr, err := r.ExpressionForCells(gene, ids)
	if err != nil {
		return nil, err
	}
	out := make([]float32, nCells)
	for id, v := range expr {
		if id >= 0 && int(id) < nCells {
			out[id] = v
		}
	}
	return out, nil
}

// ResolveExperimentURI accepts either:
//   - /path/to/.../soma/experiment.soma
//   - /path/to/.../soma  (parent directory)
//
// and returns the experiment.soma path.
func ResolveExperimentURI(somaPath string) (string, error) {
	p := strings.TrimSpace(somaPath)
	if p == "" {
		return "", errors.New("empty soma_path")
	}
	p = os.ExpandEnv(p)
	p = filepath.Clean(p)

	if strings.HasSuffix(p, ".soma") {
		return p, nil
	}
	return filepath.Join(p, "experiment.soma"), nil
}
