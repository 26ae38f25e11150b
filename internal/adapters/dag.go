package adapters

import (
	"container/heap"

	"github.com/iksnae/session-vault/internal"
)

// Node is one entry of a node-and-parent-pointer conversation mapping
type Node struct {
	ID        string
	Parent    string
	CreatedAt int64
	// Message is nil for scaffolding nodes (roots, system prompts, tool
	// plumbing) that are walked through but not emitted
	Message *internal.Message
}

// WalkDAG orders the nodes topologically: a node is emitted only after its
// parent, and among ready nodes the earliest CreatedAt goes first (ties by
// id). Nodes with a nil Message are skipped and their children are
// re-parented to the nearest emitted ancestor. Nodes that are unreachable
// from a root, such as members of a parent cycle, are dropped.
func WalkDAG(nodes []Node) []internal.Message {
	byID := make(map[string]int, len(nodes))
	for i, n := range nodes {
		byID[n.ID] = i
	}
	children := make(map[string][]int)
	ready := &nodeHeap{nodes: nodes}
	for i, n := range nodes {
		if _, ok := byID[n.Parent]; n.Parent == "" || !ok || n.Parent == n.ID {
			ready.idx = append(ready.idx, i)
			continue
		}
		children[n.Parent] = append(children[n.Parent], i)
	}
	heap.Init(ready)

	kept := make(map[string]string, len(nodes)) // node id -> nearest emitted ancestor or self
	visited := make(map[string]bool, len(nodes))
	var out []internal.Message
	for ready.Len() > 0 {
		n := nodes[heap.Pop(ready).(int)]
		if visited[n.ID] {
			continue
		}
		visited[n.ID] = true

		anchor := ""
		if n.Parent != "" {
			anchor = kept[n.Parent]
		}
		if n.Message != nil {
			m := *n.Message
			if m.ID == "" {
				m.ID = n.ID
			}
			if m.CreatedAt == 0 {
				m.CreatedAt = n.CreatedAt
			}
			m.ParentID = anchor
			out = append(out, m)
			anchor = m.ID
		}
		kept[n.ID] = anchor
		for _, c := range children[n.ID] {
			heap.Push(ready, c)
		}
	}
	return out
}

type nodeHeap struct {
	nodes []Node
	idx   []int
}

func (h *nodeHeap) Len() int { return len(h.idx) }

func (h *nodeHeap) Less(i, j int) bool {
	a, b := h.nodes[h.idx[i]], h.nodes[h.idx[j]]
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

func (h *nodeHeap) Swap(i, j int) { h.idx[i], h.idx[j] = h.idx[j], h.idx[i] }

func (h *nodeHeap) Push(x any) { h.idx = append(h.idx, x.(int)) }

func (h *nodeHeap) Pop() any {
	old := h.idx
	n := len(old)
	x := old[n-1]
	h.idx = old[:n-1]
	return x
}
