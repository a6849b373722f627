// Package ontology provides a minimal cell ontology term graph.
//
// The graph is loaded from a JSON file listing terms with their parents;
// the only query the analysis needs is the descendant closure of a term.
package ontology

import (
	"encoding/json"
	"fmt"
	"os"
)

// Term is one ontology term.
type Term struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Parents []string `json:"parents"`
}

// Graph is an in-memory term graph indexed by ID and name.
type Graph struct {
	terms    map[string]*Term
	byName   map[string]string
	children map[string][]string
}

// Load reads a term graph from a JSON file containing an array of terms.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ontology file: %w", err)
	}

	var terms []*Term
	if err := json.Unmarshal(data, &terms); err != nil {
		return nil, fmt.Errorf("failed to parse ontology file: %w", err)
	}
	return NewGraph(terms), nil
}

// NewGraph builds a graph from a term list.
func NewGraph(terms []*Term) *Graph {
	g := &Graph{
		terms:    make(map[string]*Term, len(terms)),
		byName:   make(map[string]string, len(terms)),
		children: make(map[string][]string),
	}
	for _, t := range terms {
		g.terms[t.ID] = t
		g.byName[t.Name] = t.ID
		for _, p := range t.Parents {
			g.children[p] = append(g.children[p], t.ID)
		}
	}
	return g
}

// Len returns the number of terms in the graph.
func (g *Graph) Len() int { return len(g.terms) }

// Name returns the name of a term, or the ID itself when unknown.
func (g *Graph) Name(id string) string {
	if t, ok := g.terms[id]; ok {
		return t.Name
	}
	return id
}

// IDByName returns the term ID for a term name.
func (g *Graph) IDByName(name string) (string, bool) {
	id, ok := g.byName[name]
	return id, ok
}

// Descendants returns the IDs of the term and all of its transitive
// children. An unknown root yields just the root itself, so selection by
// an ID absent from the graph degrades to an exact match.
func (g *Graph) Descendants(root string) map[string]struct{} {
	out := map[string]struct{}{root: {}}
	queue := []string{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range g.children[id] {
			if _, seen := out[child]; seen {
				continue
			}
			out[child] = struct{}{}
			queue = append(queue, child)
		}
	}
	return out
}
