// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package typetree models the structural decomposition of an allocation
// into named fields, array elements, padding and nested records, carries
// per-node access counters, and projects flat access histograms onto the
// structure.
package typetree // import "github.com/accessprof/fieldaccess/typetree"

import (
	"github.com/accessprof/fieldaccess/dwarfmeta"
)

// TypeKind classifies what a layout node describes.
type TypeKind uint8

const (
	UnknownType TypeKind = iota
	BuiltinType
	RecordType
	IndirectionType
	ArrayType
	PaddingType
	EnumType
)

func (k TypeKind) String() string {
	switch k {
	case BuiltinType:
		return "BUILTIN_TYPE"
	case RecordType:
		return "RECORD_TYPE"
	case IndirectionType:
		return "INDIRECTION_TYPE"
	case ArrayType:
		return "ARRAY_TYPE"
	case PaddingType:
		return "PADDING_TYPE"
	case EnumType:
		return "ENUM_TYPE"
	default:
		return "UNKNOWN_TYPE"
	}
}

// ObjectKind classifies how a node participates in its parent's layout.
type ObjectKind uint8

const (
	UnknownKind ObjectKind = iota
	FieldKind
	ArrayElementsKind
	PaddingKind
	BaseKind
)

// Properties are the layout attributes of a single object: its field
// name, rendered type name, placement and extent. Sizes and offsets are
// bits throughout; byte accessors exist only at display boundaries.
type Properties struct {
	Name         string
	TypeName     string
	OffsetBits   int64
	SizeBits     int64
	Multiplicity int64
	TypeKind     TypeKind
	Kind         ObjectKind
}

// ObjectLayout is the plain, counter-free description of an object
// layout: one node's properties plus its subobjects. Synthetic container
// blueprints are expressed as ObjectLayouts and then materialized into
// counter-carrying TypeTrees.
type ObjectLayout struct {
	Properties Properties
	Subobjects []*ObjectLayout
}

// KindFromDwarf maps a debug-index type kind onto a layout type kind.
func KindFromDwarf(kind dwarfmeta.Kind) TypeKind {
	switch kind {
	case dwarfmeta.KindStructure, dwarfmeta.KindClass, dwarfmeta.KindUnion:
		return RecordType
	case dwarfmeta.KindBaseType:
		return BuiltinType
	case dwarfmeta.KindPointerLike:
		return IndirectionType
	case dwarfmeta.KindEnum:
		return EnumType
	default:
		return UnknownType
	}
}

// NewTreeFromObjectLayout materializes a TypeTree from a layout
// description, with zeroed access counters.
func NewTreeFromObjectLayout(layout *ObjectLayout, rootTypeName, containerName string) *TypeTree {
	root := newNodeFromObjectLayout(layout, nil)
	root.addChildrenFromSubobjects(layout)
	return &TypeTree{
		root:          root,
		rootTypeName:  rootTypeName,
		fromContainer: containerName != "",
		containerName: containerName,
	}
}

func (n *Node) addChildrenFromSubobjects(layout *ObjectLayout) {
	for _, subobject := range layout.Subobjects {
		child := newNodeFromObjectLayout(subobject, n)
		child.addChildrenFromSubobjects(subobject)
		n.AddChild(child)
	}
}

// ObjectLayoutFromTree extracts the layout description back out of a
// tree, dropping the counters.
func ObjectLayoutFromTree(tree *TypeTree) *ObjectLayout {
	layout := &ObjectLayout{Properties: tree.root.props}
	tree.root.fillSubobjects(layout)
	return layout
}

func (n *Node) fillSubobjects(layout *ObjectLayout) {
	for _, child := range n.children {
		subobject := &ObjectLayout{Properties: child.props}
		child.fillSubobjects(subobject)
		layout.Subobjects = append(layout.Subobjects, subobject)
	}
}
