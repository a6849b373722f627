package service

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// TreeNode is one node of a group similarity dendrogram. Leaves carry a
// group label; internal nodes carry the merge height (half the cluster
// distance at merge time).
type TreeNode struct {
	Left   *TreeNode
	Right  *TreeNode
	Label  string
	Height float64
	Size   int
}

// IsLeaf reports whether the node has no children.
func (n *TreeNode) IsLeaf() bool { return n.Left == nil && n.Right == nil }

// Leaves returns the leaf labels in left-to-right order.
func (n *TreeNode) Leaves() []string {
	if n.IsLeaf() {
		return []string{n.Label}
	}
	return append(n.Left.Leaves(), n.Right.Leaves()...)
}

// UPGMA builds an average-linkage dendrogram over group mean expression
// vectors using Euclidean distance. labels and means must be parallel and
// non-empty.
func UPGMA(means [][]float64, labels []string) (*TreeNode, error) {
	n := len(means)
	if n == 0 {
		return nil, fmt.Errorf("no groups to cluster")
	}
	if len(labels) != n {
		return nil, fmt.Errorf("label count %d does not match group count %d", len(labels), n)
	}
	for i := 1; i < n; i++ {
		if len(means[i]) != len(means[0]) {
			return nil, fmt.Errorf("mean vector %d has length %d, expected %d", i, len(means[i]), len(means[0]))
		}
	}

	nodes := make([]*TreeNode, n)
	for i := range nodes {
		nodes[i] = &TreeNode{Label: labels[i], Size: 1}
	}
	if n == 1 {
		return nodes[0], nil
	}

	// Pairwise distances between active clusters; merged entries are
	// removed as we go.
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
		for j := 0; j < i; j++ {
			d := floats.Distance(means[i], means[j], 2)
			dist[i][j] = d
			dist[j][i] = d
		}
	}

	active := make([]int, n)
	for i := range active {
		active[i] = i
	}

	for len(active) > 1 {
		// Closest pair, ties broken by index for determinism.
		bi, bj := 0, 1
		best := dist[active[0]][active[1]]
		for a := 0; a < len(active); a++ {
			for b := a + 1; b < len(active); b++ {
				if d := dist[active[a]][active[b]]; d < best {
					best = d
					bi, bj = a, b
				}
			}
		}

		i, j := active[bi], active[bj]
		merged := &TreeNode{
			Left:   nodes[i],
			Right:  nodes[j],
			Height: best / 2,
			Size:   nodes[i].Size + nodes[j].Size,
		}

		// Average linkage: distances to the merged cluster are weighted
		// by member counts. The merged cluster reuses slot i.
		wi := float64(nodes[i].Size)
		wj := float64(nodes[j].Size)
		for _, k := range active {
			if k == i || k == j {
				continue
			}
			d := (wi*dist[k][i] + wj*dist[k][j]) / (wi + wj)
			dist[k][i] = d
			dist[i][k] = d
		}
		nodes[i] = merged

		active = append(active[:bj], active[bj+1:]...)
	}

	return nodes[active[0]], nil
}

// Newick serializes the tree in Newick format with branch lengths derived
// from merge heights.
func (n *TreeNode) Newick() string {
	var b strings.Builder
	n.writeNewick(&b)
	b.WriteByte(';')
	return b.String()
}

func (n *TreeNode) writeNewick(b *strings.Builder) {
	if n.IsLeaf() {
		b.WriteString(newickLabel(n.Label))
		return
	}
	b.WriteByte('(')
	n.Left.writeNewick(b)
	fmt.Fprintf(b, ":%.6g,", n.Height-n.Left.Height)
	n.Right.writeNewick(b)
	fmt.Fprintf(b, ":%.6g", n.Height-n.Right.Height)
	b.WriteByte(')')
}

func newickLabel(s string) string {
	r := strings.NewReplacer(" ", "_", "(", "", ")", "", ",", "_", ":", "_", ";", "_")
	return r.Replace(s)
}
