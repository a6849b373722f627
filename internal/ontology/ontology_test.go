package ontology

import (
	"os"
	"path/filepath"
	"testing"
)

func testGraph() *Graph {
	return NewGraph([]*Term{
		{ID: "CL:0000084", Name: "T cell", Parents: []string{"CL:0000542"}},
		{ID: "CL:0000236", Name: "B cell", Parents: []string{"CL:0000542"}},
		{ID: "CL:0000542", Name: "lymphocyte"},
		{ID: "CL:0000787", Name: "memory B cell", Parents: []string{"CL:0000236"}},
		{ID: "CL:0000980", Name: "plasmablast", Parents: []string{"CL:0000787"}},
	})
}

func TestDescendants(t *testing.T) {
	g := testGraph()

	got := g.Descendants("CL:0000236")
	want := []string{"CL:0000236", "CL:0000787", "CL:0000980"}
	if len(got) != len(want) {
		t.Fatalf("expected %d descendants, got %d: %v", len(want), len(got), got)
	}
	for _, id := range want {
		if _, ok := got[id]; !ok {
			t.Fatalf("missing descendant %s", id)
		}
	}
	if _, ok := got["CL:0000084"]; ok {
		t.Fatal("T cell must not be a descendant of B cell")
	}
}

func TestDescendants_UnknownRoot(t *testing.T) {
	g := testGraph()

	got := g.Descendants("CL:9999999")
	if len(got) != 1 {
		t.Fatalf("expected only the root, got %v", got)
	}
	if _, ok := got["CL:9999999"]; !ok {
		t.Fatal("expected the root itself in the closure")
	}
}

func TestDescendants_Cycle(t *testing.T) {
	g := NewGraph([]*Term{
		{ID: "A", Name: "a", Parents: []string{"B"}},
		{ID: "B", Name: "b", Parents: []string{"A"}},
	})

	got := g.Descendants("A")
	if len(got) != 2 {
		t.Fatalf("expected cycle traversal to terminate with 2 terms, got %v", got)
	}
}

func TestIDByName(t *testing.T) {
	g := testGraph()

	id, ok := g.IDByName("B cell")
	if !ok || id != "CL:0000236" {
		t.Fatalf("unexpected lookup result: %s %v", id, ok)
	}
	if _, ok := g.IDByName("nonexistent cell"); ok {
		t.Fatal("expected miss for unknown name")
	}
	if g.Name("CL:0000542") != "lymphocyte" {
		t.Fatalf("unexpected name: %s", g.Name("CL:0000542"))
	}
	if g.Name("CL:404") != "CL:404" {
		t.Fatal("expected unknown ID to echo back")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cl.json")
	content := `[
		{"id": "CL:0000236", "name": "B cell"},
		{"id": "CL:0000787", "name": "memory B cell", "parents": ["CL:0000236"]}
	]`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write ontology: %v", err)
	}

	g, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if g.Len() != 2 {
		t.Fatalf("expected 2 terms, got %d", g.Len())
	}
	if len(g.Descendants("CL:0000236")) != 2 {
		t.Fatal("expected loaded graph to resolve descendants")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
