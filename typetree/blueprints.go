// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package typetree // import "github.com/accessprof/fieldaccess/typetree"

import (
	"fmt"

	"github.com/accessprof/fieldaccess/status"
)

// This file builds template layouts for containers whose heap blocks
// carry bookkeeping metadata next to the element slots. DWARF does not
// describe these blocks as types of their own, so the layout is
// synthesized from the container's constants and the requested allocation
// size. Covers absl::container_internal::raw_hash_set backing arrays and
// absl btree nodes.

func roundUpTo(number, multiple int64) int64 {
	return (number + multiple - 1) / multiple * multiple
}

func paddingSubobject(sizeBits int64) *ObjectLayout {
	return &ObjectLayout{Properties: Properties{
		Kind:         PaddingKind,
		TypeKind:     PaddingType,
		SizeBits:     sizeBits,
		Multiplicity: 1,
	}}
}

func scalarSubobject(name, typeName string, sizeBits int64) *ObjectLayout {
	return &ObjectLayout{Properties: Properties{
		Name:         name,
		TypeName:     typeName,
		Kind:         FieldKind,
		TypeKind:     BuiltinType,
		SizeBits:     sizeBits,
		Multiplicity: 1,
	}}
}

// arraySubobject wraps count elements of elemTypeName into an array field
// whose size is inferred bottom-up.
func arraySubobject(name, elemTypeName string, elemKind TypeKind, elemSizeBits,
	count int64) *ObjectLayout {
	return &ObjectLayout{
		Properties: Properties{
			Name:         name,
			TypeName:     fmt.Sprintf("%s[%d]", elemTypeName, count),
			Kind:         FieldKind,
			TypeKind:     ArrayType,
			SizeBits:     0,
			Multiplicity: 1,
		},
		Subobjects: []*ObjectLayout{{
			Properties: Properties{
				Name:         "[_]",
				TypeName:     elemTypeName,
				Kind:         ArrayElementsKind,
				TypeKind:     elemKind,
				SizeBits:     elemSizeBits,
				Multiplicity: count,
			},
		}},
	}
}

// SwissMapTemplate lays out the raw_hash_set BackingArray for the given
// slot type: growth counter, control bytes with sentinel and cloned
// group, alignment padding, then the slot array. The resulting layout
// must total exactly the requested size.
//
// When an allocation is chosen for hashtablez sampling the block starts
// with an info handle; there is no way to tell from DWARF whether that
// happened, so the handle is assumed absent.
func SwissMapTemplate(slotTypeName string, slotTypeSizeBits, alignmentBytes,
	sizeTSizeBits, groupWidth, requestSizeBits int64,
	hasHashtablez bool, hashtablezHandleSizeBits int64) (*ObjectLayout, error) {
	hasHashtablez = false
	capacity := (requestSizeBits - (groupWidth-1)*8 - sizeTSizeBits) /
		(slotTypeSizeBits + 8)
	metadataSize := sizeTSizeBits + (capacity+groupWidth)*8
	if hasHashtablez {
		metadataSize += hashtablezHandleSizeBits
	}
	metadataPlusPadding := roundUpTo(metadataSize, alignmentBytes*8)
	paddingSize := metadataPlusPadding - metadataSize

	root := &ObjectLayout{Properties: Properties{
		Name: fmt.Sprintf(
			"absl::container_internal::raw_hash_set::BackingArray<%s>", slotTypeName),
		TypeName: fmt.Sprintf(
			"absl::container_internal::raw_hash_set::BackingArray<%s>", slotTypeName),
		Kind:         BaseKind,
		TypeKind:     RecordType,
		SizeBits:     0,
		Multiplicity: 1,
	}}
	if hasHashtablez {
		root.Subobjects = append(root.Subobjects,
			scalarSubobject("infoz_", "HashtablezInfoHandle", hashtablezHandleSizeBits))
	}
	root.Subobjects = append(root.Subobjects,
		scalarSubobject("growth_left", "size_t", sizeTSizeBits),
		arraySubobject("ctrl", "ctrl_t", BuiltinType, 8, capacity),
		scalarSubobject("sentinel", "ctrl_t", 8),
		arraySubobject("clones", "ctrl_t", BuiltinType, 8, groupWidth-1))
	if paddingSize > 0 {
		root.Subobjects = append(root.Subobjects, paddingSubobject(paddingSize))
	}
	root.Subobjects = append(root.Subobjects,
		arraySubobject("slots", slotTypeName, RecordType, slotTypeSizeBits, capacity))
	return root, nil
}

// BtreeNodeTemplate lays out an absl btree_node: static prefix (parent
// pointer, optional generation, four count fields), alignment padding,
// then the slot array, and for internal nodes a child-pointer array. The
// number of slots is solved from the requested size; when neither the
// internal-node nor the leaf-node equation divides evenly, the request
// cannot be a btree node.
func BtreeNodeTemplate(slotTypeName string, slotTypeSizeBits, alignmentBits,
	fieldTypeSizeBits, nodeSlots, pointerSizeBits, requestSizeBits int64,
	generationsEnabled bool) (*ObjectLayout, error) {
	nodeStaticSize := pointerSizeBits + fieldTypeSizeBits*4
	if generationsEnabled {
		nodeStaticSize += 32
	}
	nodeStaticSizeAligned := roundUpTo(nodeStaticSize, alignmentBits)
	paddingSize := nodeStaticSizeAligned - nodeStaticSize
	variableSize := requestSizeBits - nodeStaticSizeAligned
	childrenSize := (nodeSlots + 1) * pointerSizeBits

	var numberOfSlots int64
	var isLeaf bool
	switch {
	case (variableSize-childrenSize)%slotTypeSizeBits == 0:
		numberOfSlots = (variableSize - childrenSize) / slotTypeSizeBits
		isLeaf = false
	case variableSize%slotTypeSizeBits == 0:
		numberOfSlots = variableSize / slotTypeSizeBits
		isLeaf = true
	default:
		return nil, status.InvalidArgumentf(
			"size mismatch in creating btree node template, slots do not fit into type")
	}

	root := &ObjectLayout{Properties: Properties{
		Name: fmt.Sprintf(
			"absl::container_internal::btree_node<%s>", slotTypeName),
		TypeName: fmt.Sprintf(
			"absl::container_internal::btree_node<%s>", slotTypeName),
		Kind:         BaseKind,
		TypeKind:     RecordType,
		SizeBits:     0,
		Multiplicity: 1,
	}}
	root.Subobjects = append(root.Subobjects,
		scalarSubobject("parent", "btree_node *", pointerSizeBits))
	if generationsEnabled {
		root.Subobjects = append(root.Subobjects,
			scalarSubobject("generation", "uint32_t", 32))
	}
	for _, name := range []string{"position", "start", "finish", "max_count"} {
		root.Subobjects = append(root.Subobjects,
			scalarSubobject(name, "node_count_type", fieldTypeSizeBits))
	}
	if paddingSize > 0 {
		root.Subobjects = append(root.Subobjects, paddingSubobject(paddingSize))
	}
	root.Subobjects = append(root.Subobjects,
		arraySubobject("values", slotTypeName, RecordType, slotTypeSizeBits,
			numberOfSlots))
	if !isLeaf {
		root.Subobjects = append(root.Subobjects,
			arraySubobject("children", "btree_node *", BuiltinType, pointerSizeBits,
				nodeSlots+1))
	}
	return root, nil
}
