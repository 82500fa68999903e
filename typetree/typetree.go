// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package typetree // import "github.com/accessprof/fieldaccess/typetree"

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/accessprof/fieldaccess/dwarfmeta"
	"github.com/accessprof/fieldaccess/status"
)

// AccessKind is the fixed enumeration of recorded event flavors. Each
// event increments the total and exactly one typed counter.
type AccessKind uint8

const (
	AccessKindAccess AccessKind = iota // load or store
	AccessKindLLCMiss
)

// DefaultAccessGranularity is the byte width of one histogram bucket.
const DefaultAccessGranularity = 8

// AccessCounters carries the per-node event counts.
type AccessCounters struct {
	Total   uint64
	Access  uint64
	LLCMiss uint64
}

// Node is one object of the layout tree, annotated with access counters.
// Children are ordered by offset; unions keep all members at offset 0.
type Node struct {
	props        Properties
	globalOffset int64
	counters     AccessCounters
	children     []*Node
	isUnion      bool
}

func newNode(props Properties, globalOffset int64, isUnion bool) *Node {
	return &Node{props: props, globalOffset: globalOffset, isUnion: isUnion}
}

func childGlobalOffset(parent *Node, offsetBits int64) int64 {
	if parent == nil {
		return 0
	}
	return parent.GlobalOffsetBits() + offsetBits
}

// NewNodeFromTypeData builds a field node from debug-index type metadata.
func NewNodeFromTypeData(name, typeName string, offsetBits, multiplicity int64,
	typeData *dwarfmeta.TypeData, parent *Node) *Node {
	kind := FieldKind
	if multiplicity > 1 {
		kind = ArrayElementsKind
	}
	return newNode(Properties{
		Name:         name,
		TypeName:     typeName,
		OffsetBits:   offsetBits,
		SizeBits:     typeData.Size * 8,
		Multiplicity: multiplicity,
		TypeKind:     KindFromDwarf(typeData.Kind),
		Kind:         kind,
	}, childGlobalOffset(parent, offsetBits), typeData.Kind == dwarfmeta.KindUnion)
}

// NewArrayTypeNode builds an array node; its size is set once the element
// subtree has resolved.
func NewArrayTypeNode(name, typeName string, sizeBits, offsetBits, multiplicity int64,
	parent *Node) *Node {
	kind := FieldKind
	if multiplicity > 1 {
		kind = ArrayElementsKind
	}
	return newNode(Properties{
		Name:         name,
		TypeName:     typeName,
		OffsetBits:   offsetBits,
		SizeBits:     sizeBits,
		Multiplicity: multiplicity,
		TypeKind:     ArrayType,
		Kind:         kind,
	}, childGlobalOffset(parent, offsetBits), false)
}

// NewRootNode builds the tree root for a resolved type.
func NewRootNode(typeName string, typeData *dwarfmeta.TypeData) *Node {
	return newNode(Properties{
		Name:         typeName,
		TypeName:     typeName,
		SizeBits:     typeData.Size * 8,
		Multiplicity: 1,
		TypeKind:     KindFromDwarf(typeData.Kind),
		Kind:         FieldKind,
	}, 0, typeData.Kind == dwarfmeta.KindUnion)
}

// NewPaddingNode spans the gap [fromOffset, toOffset) in bits.
func NewPaddingNode(fromOffset, toOffset int64, parent *Node) *Node {
	return newNode(Properties{
		OffsetBits:   fromOffset,
		SizeBits:     toOffset - fromOffset,
		Multiplicity: 1,
		TypeKind:     PaddingType,
		Kind:         PaddingKind,
	}, childGlobalOffset(parent, fromOffset), false)
}

// NewUnresolvedTypeNode builds a node for a type missing from the debug
// index, with a size inferred from the surrounding resolved fields.
func NewUnresolvedTypeNode(name, typeName string, offsetBits, multiplicity,
	inferredSize int64, parent *Node) *Node {
	return newNode(Properties{
		Name:         name,
		TypeName:     typeName,
		OffsetBits:   offsetBits,
		SizeBits:     inferredSize,
		Multiplicity: multiplicity,
		TypeKind:     UnknownType,
		Kind:         UnknownKind,
	}, childGlobalOffset(parent, offsetBits), false)
}

// NewPointerNode builds a pointer-sized indirection leaf.
func NewPointerNode(name, typeName string, offsetBits, multiplicity,
	pointerSizeBits int64, parent *Node) *Node {
	kind := FieldKind
	if multiplicity > 1 {
		kind = ArrayElementsKind
	}
	return newNode(Properties{
		Name:         name,
		TypeName:     typeName,
		OffsetBits:   offsetBits,
		SizeBits:     pointerSizeBits,
		Multiplicity: multiplicity,
		TypeKind:     IndirectionType,
		Kind:         kind,
	}, childGlobalOffset(parent, offsetBits), false)
}

func newNodeFromObjectLayout(layout *ObjectLayout, parent *Node) *Node {
	return newNode(layout.Properties,
		childGlobalOffset(parent, layout.Properties.OffsetBits), false)
}

// CopyNode copies a node's values without its children.
func CopyNode(n *Node) *Node {
	copied := newNode(n.props, n.globalOffset, n.isUnion)
	copied.counters = n.counters
	return copied
}

func (n *Node) AddChild(child *Node) {
	n.children = append(n.children, child)
}

// AddChildAndInsertPaddingIfNecessary appends a child built for the field
// at fieldIndex, inserting padding nodes where the resolved field offsets
// leave gaps, and a trailing padding node when the last field does not
// reach the parent's size. Unions take their children verbatim.
func (n *Node) AddChildAndInsertPaddingIfNecessary(child *Node, fieldIndex int,
	resolvedFields []*dwarfmeta.FieldData) {
	// A union's size is the maximum of its members; no padding between.
	if n.IsUnion() {
		n.children = append(n.children, child)
		return
	}

	if fieldIndex > 0 {
		lastEnd := resolvedFields[fieldIndex-1].Offset*8 +
			n.children[len(n.children)-1].FullSizeBits()
		currentStart := resolvedFields[fieldIndex].Offset * 8
		if currentStart > lastEnd {
			n.children = append(n.children, NewPaddingNode(lastEnd, currentStart, n))
		}
	}

	var trailing *Node
	if fieldIndex == len(resolvedFields)-1 &&
		n.SizeBits() > child.OffsetBits()+child.FullSizeBits() {
		trailing = NewPaddingNode(child.OffsetBits()+child.FullSizeBits(),
			n.SizeBits(), n)
	}
	n.children = append(n.children, child)
	if trailing != nil {
		n.children = append(n.children, trailing)
	}
}

func (n *Node) Child(i int) *Node      { return n.children[i] }
func (n *Node) NumChildren() int       { return len(n.children) }
func (n *Node) Name() string           { return n.props.Name }
func (n *Node) TypeName() string       { return n.props.TypeName }
func (n *Node) TypeKind() TypeKind     { return n.props.TypeKind }
func (n *Node) Properties() Properties { return n.props }

func (n *Node) GlobalOffsetBits() int64  { return n.globalOffset }
func (n *Node) GlobalOffsetBytes() int64 { return n.globalOffset / 8 }
func (n *Node) OffsetBits() int64        { return n.props.OffsetBits }
func (n *Node) OffsetBytes() int64       { return n.props.OffsetBits / 8 }
func (n *Node) SizeBits() int64          { return n.props.SizeBits }
func (n *Node) SizeBytes() int64         { return n.props.SizeBits / 8 }
func (n *Node) Multiplicity() int64      { return n.props.Multiplicity }
func (n *Node) FullSizeBits() int64      { return n.props.SizeBits * n.props.Multiplicity }
func (n *Node) FullSizeBytes() int64     { return n.FullSizeBits() / 8 }

func (n *Node) SetSizeBits(sizeBits int64)       { n.props.SizeBits = sizeBits }
func (n *Node) SetGlobalOffsetBits(offset int64) { n.globalOffset = offset }

func (n *Node) TotalAccessCount() uint64 { return n.counters.Total }
func (n *Node) Counters() AccessCounters { return n.counters }

func (n *Node) IsPadding() bool         { return n.props.TypeKind == PaddingType }
func (n *Node) IsIndirectionType() bool { return n.props.TypeKind == IndirectionType }
func (n *Node) IsUnresolvedType() bool  { return n.props.TypeKind == UnknownType }
func (n *Node) IsArrayType() bool       { return n.props.TypeKind == ArrayType }
func (n *Node) IsRecordType() bool      { return n.props.TypeKind == RecordType }
func (n *Node) IsUnion() bool           { return n.isUnion }

// SubtreeSize counts the nodes of the subtree rooted here.
func (n *Node) SubtreeSize() uint64 {
	result := uint64(1)
	for _, child := range n.children {
		result += child.SubtreeSize()
	}
	return result
}

func (n *Node) incrementAccessCount(count uint64, kind AccessKind) {
	n.counters.Total += count
	switch kind {
	case AccessKindAccess:
		n.counters.Access += count
	case AccessKindLLCMiss:
		n.counters.LLCMiss += count
	}
}

func (n *Node) String() string {
	return fmt.Sprintf("|%s  %d %d|", n.displayTypeName(), n.GlobalOffsetBytes(),
		n.SizeBytes())
}

// MergeCounts adds the other node's counters into this one, pairwise down
// the structure. Trees must be structurally identical: same field name,
// same child count, same type name modulo an array "[N]" suffix.
func (n *Node) MergeCounts(other *Node) error {
	pos := strings.IndexByte(n.TypeName(), '[')
	hasSameType := n.TypeName() == other.TypeName() ||
		(pos >= 0 && strings.HasPrefix(other.TypeName(), n.TypeName()[:pos]))
	if n.Name() != other.Name() || n.NumChildren() != other.NumChildren() || !hasSameType {
		return status.InvalidArgumentf(
			"trying to merge counts for distinct trees --> %s vs %s",
			n.TypeName(), other.TypeName())
	}
	n.counters.Total += other.counters.Total
	n.counters.Access += other.counters.Access
	n.counters.LLCMiss += other.counters.LLCMiss
	for i := 0; i < n.NumChildren(); i++ {
		if err := n.children[i].MergeCounts(other.children[i]); err != nil {
			return err
		}
	}
	return nil
}

// FindNodeWithTypeName returns the first descendant (preorder, children
// first) with the given rendered type name.
func (n *Node) FindNodeWithTypeName(typeName string) (*Node, error) {
	for _, child := range n.children {
		if child.TypeName() == typeName {
			return child, nil
		}
		if found, err := child.FindNodeWithTypeName(typeName); err == nil {
			return found, nil
		}
	}
	return nil, status.NotFoundf("merge node not found with type name: %s", typeName)
}

// graftChildren deep-copies the other node's children under this node.
func (n *Node) graftChildren(other *Node) {
	for _, child := range other.children {
		childCopy := CopyNode(child)
		childCopy.graftChildren(child)
		n.AddChild(childCopy)
	}
}

// InferOffsetsFromSizes recomputes child offsets, walking the sizes in
// order. Used after a merge changed the shape of the tree.
func (n *Node) InferOffsetsFromSizes() {
	currOffset := int64(0)
	for _, child := range n.children {
		child.globalOffset = n.globalOffset + currOffset
		child.props.OffsetBits = currOffset
		currOffset += child.FullSizeBits()
		child.InferOffsetsFromSizes()
	}
}

// BuildSizesBottomUp fills zero-size aggregates with the sum of their
// children's full sizes.
func (n *Node) BuildSizesBottomUp() {
	for _, child := range n.children {
		child.BuildSizesBottomUp()
	}
	if n.FullSizeBits() == 0 {
		sizeBits := int64(0)
		for _, child := range n.children {
			sizeBits += child.FullSizeBits()
		}
		n.SetSizeBits(sizeBits)
	}
}

// TypeTree owns the root node of one allocation's decomposition.
type TypeTree struct {
	root         *Node
	rootTypeName string
	// Whether the tree was synthesized for an allocation made by a
	// container, and which container.
	fromContainer bool
	containerName string
}

// NewTypeTree wraps a built root node.
func NewTypeTree(root *Node, rootTypeName string, fromContainer bool,
	containerName string) *TypeTree {
	return &TypeTree{
		root:          root,
		rootTypeName:  rootTypeName,
		fromContainer: fromContainer,
		containerName: containerName,
	}
}

func (t *TypeTree) Root() *Node           { return t.root }
func (t *TypeTree) Name() string          { return t.rootTypeName }
func (t *TypeTree) ContainerName() string { return t.containerName }
func (t *TypeTree) FromContainer() bool   { return t.fromContainer }
func (t *TypeTree) Empty() bool           { return t.root == nil }
func (t *TypeTree) IsRecordType() bool    { return t.root.IsRecordType() }

// MergeCounts adds the other tree's counters into this one.
func (t *TypeTree) MergeCounts(other *TypeTree) error {
	return t.root.MergeCounts(other.Root())
}

// FindNodeWithTypeName searches the tree for a node by rendered type name.
func (t *TypeTree) FindNodeWithTypeName(typeName string) (*Node, error) {
	return t.root.FindNodeWithTypeName(typeName)
}

// InferOffsetsFromSizes rebuilds all offsets from the size chain.
func (t *TypeTree) InferOffsetsFromSizes() {
	t.root.SetGlobalOffsetBits(0)
	t.root.InferOffsetsFromSizes()
}

// BuildSizesBottomUp fills zero-size aggregates bottom-up.
func (t *TypeTree) BuildSizesBottomUp() { t.root.BuildSizesBottomUp() }

// MergeTreeIntoThis grafts the other tree's children under this tree's
// node whose type name equals the other tree's root type name. The merge
// point must be childless. Sizes and offsets are recomputed afterwards.
func (t *TypeTree) MergeTreeIntoThis(other *TypeTree) error {
	if t.Empty() {
		return status.InvalidArgumentf("this tree is empty")
	}
	if other == nil {
		return status.InvalidArgumentf("other tree is nil")
	}
	mergeNode, err := t.FindNodeWithTypeName(other.Name())
	if err != nil {
		return err
	}
	if mergeNode.NumChildren() != 0 {
		return status.InvalidArgumentf(
			"merging tree into node with children is not supported")
	}
	mergeNode.graftChildren(other.Root())
	t.BuildSizesBottomUp()
	t.InferOffsetsFromSizes()
	return nil
}

// Verify checks the structural invariants of the tree: positive sizes,
// gap-free sibling chains that sum to the parent size, consistent global
// offsets, parent totals bounded by child totals, and the union counter
// rules. With verbose set, violations are logged.
func (t *TypeTree) Verify(verbose bool) bool {
	return t.root.verify(nil, nil, verbose)
}

func (n *Node) verify(parent, olderSibling *Node, verbose bool) bool {
	res := true

	if parent != nil && parent.IsUnion() {
		// All children of a union sit at offset 0.
		if n.OffsetBytes() != 0 && !n.IsPadding() {
			if verbose {
				log.Errorf("union child offset not 0 where parent is union: %d != 0 for %v",
					n.OffsetBytes(), n)
			}
			res = false
		}
		if olderSibling == nil {
			// A union's only child witnessed the same events as the union.
			if parent.NumChildren() == 1 &&
				n.TotalAccessCount() != parent.TotalAccessCount() {
				if verbose {
					log.Errorf("union child access count mismatch: %d != %d for %v",
						n.TotalAccessCount(), parent.TotalAccessCount(), n)
				}
				res = false
			}
		} else if n.FullSizeBytes() == olderSibling.FullSizeBytes() &&
			n.TotalAccessCount() != olderSibling.TotalAccessCount() {
			if verbose {
				log.Errorf("union child access count mismatch even though size is the same: %d != %d for %v",
					n.TotalAccessCount(), olderSibling.TotalAccessCount(), n)
			}
			res = false
		}
		return res
	}

	if n.IsUnion() {
		for _, child := range n.children {
			if child.OffsetBytes() != 0 && !child.IsPadding() {
				if verbose {
					log.Errorf("union child offset not 0: %d != 0 for %v on node: %s",
						child.OffsetBytes(), child, n.Name())
				}
				res = false
			}
		}
		var previousChild *Node
		for _, child := range n.children {
			if !child.verify(n, previousChild, verbose) {
				res = false
			}
			previousChild = child
		}
		return res
	}

	if n.NumChildren() > 0 {
		totalChildAccess := uint64(0)
		totalChildSize := int64(0)
		for _, child := range n.children {
			totalChildAccess += child.TotalAccessCount()
			totalChildSize += child.FullSizeBits()
		}
		if totalChildAccess < n.TotalAccessCount() {
			if verbose {
				log.Errorf("total count mismatch: total child access count %d < %d for: %v",
					totalChildAccess, n.TotalAccessCount(), n)
			}
			res = false
		}
		if totalChildSize != n.SizeBits() {
			if verbose {
				log.Errorf("size mismatch: total child size %d != %d for: %v",
					totalChildSize, n.SizeBits(), n)
			}
			res = false
		}
	}
	if !n.IsPadding() && n.TypeName() == "" {
		if verbose {
			log.Errorf("not padding and empty type name for %v", n)
		}
		res = false
	}
	// Unresolved types are tolerated, but worth a message.
	if n.IsUnresolvedType() && verbose {
		log.Errorf("unresolved type for %v", n)
	}

	if parent != nil {
		if n.GlobalOffsetBits() != parent.GlobalOffsetBits()+n.OffsetBits() {
			if verbose {
				log.Errorf("parent-child offset mismatch: %d != %d for %v",
					n.GlobalOffsetBits(), parent.GlobalOffsetBits()+n.OffsetBits(), n)
			}
			res = false
		}
	} else if (n.GlobalOffsetBits() != 0 || n.OffsetBits() != 0) && verbose {
		log.Errorf("root offset not 0: %d != %d for %v",
			n.GlobalOffsetBits(), n.OffsetBits(), n)
	}

	if olderSibling != nil {
		if n.GlobalOffsetBits() <= olderSibling.GlobalOffsetBits() {
			if verbose {
				log.Errorf("siblings do not have partial ordering in global offsets %d <= %d for %v %v",
					n.GlobalOffsetBits(), olderSibling.GlobalOffsetBits(), olderSibling, n)
			}
			res = false
		}
		if olderSibling.SizeBits()+olderSibling.OffsetBits() != n.OffsetBits() ||
			olderSibling.GlobalOffsetBits()+olderSibling.SizeBits() != n.GlobalOffsetBits() {
			if verbose {
				log.Errorf("siblings do not have consistent size and offset %d + %d != %d or %d + %d != %d for %v %v",
					olderSibling.SizeBits(), olderSibling.OffsetBits(), n.OffsetBits(),
					olderSibling.GlobalOffsetBits(), olderSibling.SizeBits(),
					n.GlobalOffsetBits(), olderSibling, n)
			}
			res = false
		}
	} else if n.OffsetBits() != 0 {
		if verbose {
			log.Errorf("first child does not have offset of 0: %d != 0 for %v",
				n.OffsetBits(), n)
		}
		res = false
	}

	if n.SizeBits() <= 0 {
		if verbose {
			log.Errorf("size must be positive: %d for %v", n.SizeBits(), n)
		}
		res = false
	}

	var olderSiblingOfChild *Node
	for _, child := range n.children {
		if !child.verify(n, olderSiblingOfChild, verbose) {
			res = false
		}
		olderSiblingOfChild = child
	}
	return res
}
