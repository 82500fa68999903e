// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package typetree // import "github.com/accessprof/fieldaccess/typetree"

import (
	"fmt"
	"io"

	"github.com/accessprof/fieldaccess/status"
)

// FieldAccessHistogram is a flat view of a TypeTree holding only the leaf
// fields, ordered breadth-first. It reads as a linear picture of which
// offsets were accessed, which is easier to eyeball than a deep tree.
type FieldAccessHistogram struct {
	RootTypeName string
	SizeBits     int64
	// OffsetToIndex maps a leaf's global byte offset to its position in
	// Nodes.
	OffsetToIndex map[int64]int
	Nodes         []*Node
}

// NewFieldAccessHistogram flattens the leaves of a tree.
func NewFieldAccessHistogram(tree *TypeTree) (*FieldAccessHistogram, error) {
	if tree == nil {
		return nil, status.InvalidArgumentf("type tree is nil")
	}
	if tree.Root().SizeBits() < 0 {
		return nil, status.InvalidArgumentf("type tree has negative size")
	}
	h := &FieldAccessHistogram{
		RootTypeName:  tree.Name(),
		SizeBits:      tree.Root().SizeBits(),
		OffsetToIndex: map[int64]int{},
	}
	queue := []*Node{tree.Root()}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if node.NumChildren() == 0 {
			h.OffsetToIndex[node.GlobalOffsetBytes()] = len(h.Nodes)
			h.Nodes = append(h.Nodes, CopyNode(node))
		}
		for _, child := range node.children {
			queue = append(queue, child)
		}
	}
	return h, nil
}

func (h *FieldAccessHistogram) SizeBytes() int64 { return h.SizeBits / 8 }

func (h *FieldAccessHistogram) Dump(w io.Writer) {
	fmt.Fprintf(w, "FieldAccessHistogram: %s\n", h.RootTypeName)
	for _, node := range h.Nodes {
		fmt.Fprintf(w, "%v\n", node)
	}
}
