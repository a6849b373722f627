//go:build !soma

package soma

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveExperimentURI(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"experiment path", "/data/tm/soma/experiment.soma", "/data/tm/soma/experiment.soma"},
		{"parent directory", "/data/tm/soma", filepath.Join("/data/tm/soma", "experiment.soma")},
		{"trailing slash", "/data/tm/soma/", filepath.Join("/data/tm/soma", "experiment.soma")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveExperimentURI(tt.in)
			if err != nil {
				t.Fatalf("ResolveExperimentURI error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := ResolveExperimentURI("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func newStubReader(t *testing.T) *Reader {
	t.Helper()

	dir := t.TempDir()
	uri := filepath.Join(dir, "experiment.soma")
	if err := os.MkdirAll(uri, 0755); err != nil {
		t.Fatalf("mkdir experiment: %v", err)
	}
	r, err := NewReader(dir)
	if err != nil {
		t.Fatalf("NewReader error: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestNewReader_MissingExperiment(t *testing.T) {
	if _, err := NewReader(t.TempDir()); err == nil {
		t.Fatal("expected error for missing experiment")
	}
}

func TestStubReader_Unsupported(t *testing.T) {
	r := newStubReader(t)

	if r.Supported() {
		t.Fatal("stub reader must report unsupported")
	}
	if _, err := r.GeneJoinID("Cd19"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("GeneJoinID error = %v, want ErrUnsupported", err)
	}
	if _, err := r.ExpressionForCells("Cd19", []int64{0, 1}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("ExpressionForCells error = %v, want ErrUnsupported", err)
	}
	if _, err := r.GeneVector("Cd19", 4); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("GeneVector error = %v, want ErrUnsupported", err)
	}
}
