// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package typetree // import "github.com/accessprof/fieldaccess/typetree"

import (
	"fmt"
	"io"
	"strings"
)

func dumpLevel(w io.Writer, level int) {
	io.WriteString(w, strings.Repeat("  ", max(level, 0)))
}

// displayTypeName substitutes the padding marker for nameless padding
// nodes.
func (n *Node) displayTypeName() string {
	if n.IsPadding() {
		return "/*padding*/"
	}
	return n.TypeName()
}

func (n *Node) displayName() string {
	if n.IsPadding() {
		return "/*padding*/"
	}
	return n.Name()
}

// Dump writes the node and its subtree in the stable textual format. For
// unions, only the child with the largest subtree is printed unless
// dumpFullUnions is set.
func (n *Node) Dump(w io.Writer, level int, dumpFullUnions bool) {
	dumpLevel(w, level-1)
	fmt.Fprintf(w, "- type:   %s", n.displayTypeName())
	if n.IsUnresolvedType() {
		io.WriteString(w, " (Unresolved)")
	}
	if n.IsUnion() {
		io.WriteString(w, " (Union)")
	}
	io.WriteString(w, "\n")

	if level > 1 && !n.IsPadding() {
		dumpLevel(w, level)
		fmt.Fprintf(w, "name:   %s\n", n.displayName())
	}
	dumpLevel(w, level)
	fmt.Fprintf(w, "size:   %d\n", n.SizeBytes())
	if n.Multiplicity() > 1 {
		dumpLevel(w, level)
		fmt.Fprintf(w, "multiplicity: %d\n", n.Multiplicity())
	}
	dumpLevel(w, level)
	fmt.Fprintf(w, "total_access: %d\n", n.TotalAccessCount())
	dumpLevel(w, level)
	fmt.Fprintf(w, "global_offset: %d\n", n.GlobalOffsetBytes())
	if len(n.children) == 0 {
		return
	}
	dumpLevel(w, level)
	io.WriteString(w, "children: \n")
	if !dumpFullUnions && n.IsUnion() {
		// Print only the union child with the largest subtree; a
		// heuristic for the member most likely to carry information.
		biggest := n.children[0]
		for _, child := range n.children[1:] {
			if child.SubtreeSize() > biggest.SubtreeSize() {
				biggest = child
			}
		}
		biggest.Dump(w, level+1, dumpFullUnions)
		return
	}
	for _, child := range n.children {
		child.Dump(w, level+1, dumpFullUnions)
	}
}

// Dump writes the tree with its container annotation.
func (t *TypeTree) Dump(w io.Writer, level int, dumpFullUnions bool) {
	if t.Empty() {
		return
	}
	dumpLevel(w, level)
	io.WriteString(w, "container: ")
	if t.FromContainer() {
		fmt.Fprintf(w, "%s\n", t.ContainerName())
	} else {
		io.WriteString(w, "<none>\n")
	}
	dumpLevel(w, level)
	io.WriteString(w, "tree: \n")
	t.root.Dump(w, level+1, dumpFullUnions)
}

// DumpFlameGraph writes one semicolon-delimited stack line per leaf, in
// the collapsed format flamegraph tooling consumes. id distinguishes
// multiple trees of the same container in one dump.
func (t *TypeTree) DumpFlameGraph(w io.Writer, id uint64) {
	rootName := t.containerName
	if id != 0 {
		rootName = fmt.Sprintf("%s%d", t.containerName, id)
	}
	t.root.dumpFlameGraph(w, nil, rootName)
}

func (n *Node) dumpFlameGraph(w io.Writer, path []string, rootName string) {
	fmt.Fprintf(w, "%s_", rootName)
	name := fmt.Sprintf("%d|%s|%s", n.OffsetBytes(), n.displayTypeName(), n.Name())
	for _, p := range path {
		fmt.Fprintf(w, "%s;", p)
	}
	count := n.TotalAccessCount()
	if len(n.children) > 0 {
		count = 0
	}
	fmt.Fprintf(w, "%s %d\n", name, count)
	childPath := append(append([]string{}, path...), name)
	for _, child := range n.children {
		child.dumpFlameGraph(w, childPath, rootName)
	}
}
