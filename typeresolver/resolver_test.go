// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package typeresolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessprof/fieldaccess/dwarfmeta"
	"github.com/accessprof/fieldaccess/status"
	"github.com/accessprof/fieldaccess/typetree"
)

// fakeIndex is a hand-assembled metadata index, shaped like what parsing
// the corresponding DWARF would produce.
type fakeIndex struct {
	types       map[string]*dwarfmeta.TypeData
	params      map[string][]string
	heapallocs  map[dwarfmeta.Frame]string
	pointerSize int64
}

func (f *fakeIndex) GetType(typeName string) (*dwarfmeta.TypeData, error) {
	if typeData, ok := f.types[typeName]; ok {
		return typeData, nil
	}
	return nil, status.NotFoundf("type not found: %s", typeName)
}

func (f *fakeIndex) GetCacheableType(typeName string) (*dwarfmeta.TypeData, error) {
	return f.GetType(typeName)
}

func (f *fakeIndex) GetHeapAllocType(frame dwarfmeta.Frame) (string, error) {
	if typeName, ok := f.heapallocs[frame]; ok {
		return typeName, nil
	}
	return "", status.NotFoundf("no heapalloc site for %v", frame)
}

func (f *fakeIndex) GetFormalParameters(linkageName string) ([]string, error) {
	if params, ok := f.params[linkageName]; ok {
		return params, nil
	}
	return nil, status.NotFoundf("no subprogram data for %s", linkageName)
}

func (f *fakeIndex) PointerSize() int64 { return f.pointerSize }

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		types:       map[string]*dwarfmeta.TypeData{},
		params:      map[string][]string{},
		heapallocs:  map[dwarfmeta.Frame]string{},
		pointerSize: 8,
	}
}

func (f *fakeIndex) addType(name string, size int64, kind dwarfmeta.Kind,
	fields ...*dwarfmeta.FieldData) *dwarfmeta.TypeData {
	typeData := dwarfmeta.NewTypeData()
	typeData.Name = name
	typeData.Size = size
	typeData.Kind = kind
	for _, field := range fields {
		typeData.OffsetIndex[field.Offset] = append(typeData.OffsetIndex[field.Offset],
			len(typeData.Fields))
		typeData.Fields = append(typeData.Fields, field)
	}
	f.types[name] = typeData
	return typeData
}

func (f *fakeIndex) addBasics() {
	f.addType("char", 1, dwarfmeta.KindBaseType)
	f.addType("int", 4, dwarfmeta.KindBaseType)
	f.addType("unsigned int", 4, dwarfmeta.KindBaseType)
	f.addType("long", 8, dwarfmeta.KindBaseType)
	f.addType("unsigned long", 8, dwarfmeta.KindBaseType)
	f.addType("double", 8, dwarfmeta.KindBaseType)
}

func TestResolveBasicType(t *testing.T) {
	idx := newFakeIndex()
	idx.addBasics()
	idx.addType("A", 16, dwarfmeta.KindClass,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "long"},
		&dwarfmeta.FieldData{Name: "y", Offset: 8, TypeName: "long"})
	resolver := NewResolver(idx, false)

	tree, err := resolver.ResolveTypeFromTypeName("A")
	require.NoError(t, err)
	assert.True(t, tree.Verify(true))
	assert.Equal(t, "A", tree.Root().TypeName())
	assert.Equal(t, int64(16), tree.Root().SizeBytes())
	assert.Equal(t, int64(0), tree.Root().OffsetBytes())
	require.Equal(t, 2, tree.Root().NumChildren())
	assert.Equal(t, "long", tree.Root().Child(0).TypeName())
	assert.Equal(t, "long", tree.Root().Child(1).TypeName())
	assert.Equal(t, int64(8), tree.Root().Child(0).SizeBytes())
	assert.Equal(t, int64(8), tree.Root().Child(1).SizeBytes())
	assert.Equal(t, int64(0), tree.Root().Child(0).OffsetBytes())
	assert.Equal(t, int64(8), tree.Root().Child(1).OffsetBytes())
}

func TestResolveEmbeddedType(t *testing.T) {
	idx := newFakeIndex()
	idx.addBasics()
	idx.addType("A", 16, dwarfmeta.KindClass,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "long"},
		&dwarfmeta.FieldData{Name: "y", Offset: 8, TypeName: "long"})
	idx.addType("B", 16, dwarfmeta.KindClass,
		&dwarfmeta.FieldData{Name: "a", Offset: 0, TypeName: "A"})
	resolver := NewResolver(idx, false)

	tree, err := resolver.ResolveTypeFromTypeName("B")
	require.NoError(t, err)
	assert.True(t, tree.Verify(true))
	require.Equal(t, 1, tree.Root().NumChildren())
	a := tree.Root().Child(0)
	assert.Equal(t, "A", a.TypeName())
	require.Equal(t, 2, a.NumChildren())
	assert.Equal(t, int64(0), a.Child(0).GlobalOffsetBytes())
	assert.Equal(t, int64(8), a.Child(1).GlobalOffsetBytes())

	// Pointer and reference shapes are pointer-sized leaves.
	pointer, err := resolver.ResolveTypeFromTypeName("A*")
	require.NoError(t, err)
	assert.True(t, pointer.Verify(true))
	assert.Equal(t, "A*", pointer.Root().TypeName())
	assert.Equal(t, int64(8), pointer.Root().SizeBytes())

	reference, err := resolver.ResolveTypeFromTypeName("A&")
	require.NoError(t, err)
	assert.True(t, reference.Verify(true))
	assert.Equal(t, int64(8), reference.Root().SizeBytes())
}

func TestResolvePadding(t *testing.T) {
	idx := newFakeIndex()
	idx.addBasics()
	// int x; /*padding*/ long y;
	idx.addType("A", 16, dwarfmeta.KindClass,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "int"},
		&dwarfmeta.FieldData{Name: "y", Offset: 8, TypeName: "long"})
	// Packed B followed by tail padding inside C.
	idx.addType("B", 12, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "y", Offset: 0, TypeName: "long"},
		&dwarfmeta.FieldData{Name: "x", Offset: 8, TypeName: "int"})
	idx.addType("C", 24, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "b", Offset: 0, TypeName: "B"},
		&dwarfmeta.FieldData{Name: "x", Offset: 16, TypeName: "double"})
	resolver := NewResolver(idx, false)

	treeA, err := resolver.ResolveTypeFromTypeName("A")
	require.NoError(t, err)
	assert.True(t, treeA.Verify(true))
	require.Equal(t, 3, treeA.Root().NumChildren())
	assert.Equal(t, "int", treeA.Root().Child(0).TypeName())
	assert.True(t, treeA.Root().Child(1).IsPadding())
	assert.Equal(t, int64(4), treeA.Root().Child(1).SizeBytes())
	assert.Equal(t, int64(4), treeA.Root().Child(1).OffsetBytes())
	assert.Equal(t, "long", treeA.Root().Child(2).TypeName())

	treeC, err := resolver.ResolveTypeFromTypeName("C")
	require.NoError(t, err)
	assert.True(t, treeC.Verify(true))
	assert.Equal(t, int64(24), treeC.Root().SizeBytes())
	require.Equal(t, 3, treeC.Root().NumChildren())
	assert.Equal(t, "B", treeC.Root().Child(0).TypeName())
	assert.True(t, treeC.Root().Child(1).IsPadding())
	assert.Equal(t, int64(4), treeC.Root().Child(1).SizeBytes())
	assert.Equal(t, int64(12), treeC.Root().Child(1).OffsetBytes())
	assert.Equal(t, int64(8), treeC.Root().Child(2).SizeBytes())
	assert.Equal(t, int64(16), treeC.Root().Child(2).OffsetBytes())
}

// mapNodeIndex builds the std::map node shape: a red-black tree node base
// plus the pair payload, with the pair's empty-base offset conflict.
func mapNodeIndex() *fakeIndex {
	idx := newFakeIndex()
	idx.addBasics()
	idx.addType("A", 16, dwarfmeta.KindClass,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "double"},
		&dwarfmeta.FieldData{Name: "y", Offset: 8, TypeName: "double"})
	idx.addType("std::__pair_base<const unsigned long, A>", 1, dwarfmeta.KindClass)
	idx.addType("std::pair<const unsigned long, A>", 24, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "__pair_base", Offset: 0, Inherited: true,
			TypeName: "std::__pair_base<const unsigned long, A>"},
		&dwarfmeta.FieldData{Name: "first", Offset: 0, TypeName: "unsigned long"},
		&dwarfmeta.FieldData{Name: "second", Offset: 8, TypeName: "A"})
	idx.addType("std::_Rb_tree_node_base", 32, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "_M_color", Offset: 0, TypeName: "unsigned int"},
		&dwarfmeta.FieldData{Name: "_M_parent", Offset: 8, TypeName: "std::_Rb_tree_node_base *"},
		&dwarfmeta.FieldData{Name: "_M_left", Offset: 16, TypeName: "std::_Rb_tree_node_base *"},
		&dwarfmeta.FieldData{Name: "_M_right", Offset: 24, TypeName: "std::_Rb_tree_node_base *"})
	idx.addType("std::_Rb_tree_node<std::pair<const unsigned long, A> >", 56,
		dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "_Rb_tree_node_base", Offset: 0, Inherited: true,
			TypeName: "std::_Rb_tree_node_base"},
		&dwarfmeta.FieldData{Name: "_M_storage", Offset: 32,
			TypeName: "std::pair<const unsigned long, A>"})
	return idx
}

func TestResolveStdMapNode(t *testing.T) {
	resolver := NewResolver(mapNodeIndex(), false)

	tree, err := resolver.ResolveTypeFromTypeName(
		"std::_Rb_tree_node<std::pair<const unsigned long, A> >")
	require.NoError(t, err)
	assert.True(t, tree.Verify(true))
	assert.Equal(t, int64(56), tree.Root().SizeBytes())
	require.Equal(t, 2, tree.Root().NumChildren())

	base := tree.Root().Child(0)
	assert.Equal(t, "std::_Rb_tree_node_base", base.TypeName())
	assert.Equal(t, int64(32), base.SizeBytes())
	require.Equal(t, 5, base.NumChildren())
	assert.Equal(t, "unsigned int", base.Child(0).TypeName())
	assert.Equal(t, "_M_color", base.Child(0).Name())
	assert.True(t, base.Child(1).IsPadding())
	assert.Equal(t, "std::_Rb_tree_node_base *", base.Child(2).TypeName())
	assert.True(t, base.Child(2).IsIndirectionType())
	assert.Equal(t, "std::_Rb_tree_node_base *", base.Child(3).TypeName())
	assert.Equal(t, "std::_Rb_tree_node_base *", base.Child(4).TypeName())

	pair := tree.Root().Child(1)
	assert.Equal(t, "std::pair<const unsigned long, A>", pair.TypeName())
	require.Equal(t, 2, pair.NumChildren())
	assert.Equal(t, "unsigned long", pair.Child(0).TypeName())
	assert.Equal(t, "first", pair.Child(0).Name())
	assert.Equal(t, int64(8), pair.Child(0).SizeBytes())
	assert.Equal(t, "A", pair.Child(1).TypeName())
	assert.Equal(t, "second", pair.Child(1).Name())
	require.Equal(t, 2, pair.Child(1).NumChildren())
}

func TestResolveUnionType(t *testing.T) {
	idx := newFakeIndex()
	idx.addBasics()
	idx.addType("B", 8, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "int"},
		&dwarfmeta.FieldData{Name: "y", Offset: 4, TypeName: "int"})
	idx.addType("C", 8, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "double"})
	idx.addType("A", 8, dwarfmeta.KindUnion,
		&dwarfmeta.FieldData{Name: "b", Offset: 0, TypeName: "B"},
		&dwarfmeta.FieldData{Name: "c", Offset: 0, TypeName: "C"})
	idx.addType("X", 8, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "a", Offset: 0, TypeName: "A"})
	resolver := NewResolver(idx, false)

	tree, err := resolver.ResolveTypeFromTypeName("X")
	require.NoError(t, err)
	assert.True(t, tree.Verify(true))
	assert.Equal(t, int64(8), tree.Root().SizeBytes())
	require.Equal(t, 1, tree.Root().NumChildren())
	union := tree.Root().Child(0)
	assert.Equal(t, "A", union.TypeName())
	assert.True(t, union.IsUnion())
	assert.Equal(t, int64(8), union.SizeBytes())
	require.Equal(t, 2, union.NumChildren())
	assert.Equal(t, int64(0), union.Child(0).OffsetBytes())
	assert.Equal(t, int64(0), union.Child(1).OffsetBytes())
}

func TestResolveArrayTypes(t *testing.T) {
	idx := newFakeIndex()
	idx.addBasics()
	idx.addType("A", 104, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "long"},
		&dwarfmeta.FieldData{Name: "y", Offset: 8, TypeName: "int[24]"})
	idx.addType("B", 1248, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "a", Offset: 0, TypeName: "A[12]"})
	idx.addType("D", 96, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "a", Offset: 0, TypeName: "A *[12]"})
	idx.addType("E", 24, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "int[3]"},
		&dwarfmeta.FieldData{Name: "y", Offset: 16, TypeName: "double"})
	resolver := NewResolver(idx, false)

	tree, err := resolver.ResolveTypeFromTypeName("A")
	require.NoError(t, err)
	assert.True(t, tree.Verify(true))
	require.Equal(t, 2, tree.Root().NumChildren())
	array := tree.Root().Child(1)
	assert.Equal(t, "int[24]", array.TypeName())
	assert.True(t, array.IsArrayType())
	require.Equal(t, 1, array.NumChildren())
	assert.Equal(t, int64(24), array.Child(0).Multiplicity())

	// Array of records.
	tree2, err := resolver.ResolveTypeFromTypeName("B")
	require.NoError(t, err)
	assert.True(t, tree2.Verify(true))
	require.Equal(t, 1, tree2.Root().NumChildren())
	assert.Equal(t, "A[12]", tree2.Root().Child(0).TypeName())
	assert.True(t, tree2.Root().Child(0).IsArrayType())

	// Array of pointers.
	tree4, err := resolver.ResolveTypeFromTypeName("D")
	require.NoError(t, err)
	assert.True(t, tree4.Verify(true))
	require.Equal(t, 1, tree4.Root().NumChildren())
	assert.Equal(t, "A *[12]", tree4.Root().Child(0).TypeName())
	require.Equal(t, 1, tree4.Root().Child(0).NumChildren())
	assert.Equal(t, "A *", tree4.Root().Child(0).Child(0).TypeName())

	// Padding after an array field.
	tree5, err := resolver.ResolveTypeFromTypeName("E")
	require.NoError(t, err)
	assert.True(t, tree5.Verify(true))
	require.Equal(t, 3, tree5.Root().NumChildren())
	assert.Equal(t, "int[3]", tree5.Root().Child(0).TypeName())
	assert.True(t, tree5.Root().Child(1).IsPadding())
	assert.Equal(t, "double", tree5.Root().Child(2).TypeName())
}

func TestResolveNestedArrays(t *testing.T) {
	idx := newFakeIndex()
	idx.addBasics()
	idx.addType("A", 104, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "long"},
		&dwarfmeta.FieldData{Name: "y", Offset: 8, TypeName: "int[24]"})
	idx.addType("C", 11528, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "long"},
		&dwarfmeta.FieldData{Name: "y", Offset: 8, TypeName: "int[24][24]"},
		&dwarfmeta.FieldData{Name: "a", Offset: 2312, TypeName: "A[24][24]"})
	resolver := NewResolver(idx, false)

	tree, err := resolver.ResolveTypeFromTypeName("C")
	require.NoError(t, err)
	require.Equal(t, 3, tree.Root().NumChildren())
	assert.Equal(t, "int[24][24]", tree.Root().Child(1).TypeName())
	require.Equal(t, 1, tree.Root().Child(1).NumChildren())
	assert.Equal(t, "int[24]", tree.Root().Child(1).Child(0).TypeName())
	assert.Equal(t, "A[24][24]", tree.Root().Child(2).TypeName())
	require.Equal(t, 1, tree.Root().Child(2).NumChildren())
	assert.Equal(t, "A[24]", tree.Root().Child(2).Child(0).TypeName())
}

func TestRecordAccessOnResolvedTrees(t *testing.T) {
	idx := newFakeIndex()
	idx.addBasics()
	idx.addType("A", 16, dwarfmeta.KindClass,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "long"},
		&dwarfmeta.FieldData{Name: "y", Offset: 8, TypeName: "long"})
	idx.addType("B", 16, dwarfmeta.KindClass,
		&dwarfmeta.FieldData{Name: "a", Offset: 0, TypeName: "A"})
	idx.addType("C", 1, dwarfmeta.KindClass,
		&dwarfmeta.FieldData{Name: "c", Offset: 0, TypeName: "char"})
	idx.addType("D", 12, dwarfmeta.KindClass,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "int"},
		&dwarfmeta.FieldData{Name: "y", Offset: 4, TypeName: "int"},
		&dwarfmeta.FieldData{Name: "z", Offset: 8, TypeName: "int"})
	resolver := NewResolver(idx, false)

	treeB, err := resolver.ResolveTypeFromTypeName("B")
	require.NoError(t, err)
	require.Error(t, treeB.RecordAccessHistogram(nil, typetree.AccessKindAccess))
	require.NoError(t, treeB.RecordAccessHistogram([]uint64{1, 2}, typetree.AccessKindAccess))
	require.Equal(t, 1, treeB.Root().NumChildren())
	assert.Equal(t, uint64(3), treeB.Root().Child(0).TotalAccessCount())
	require.Equal(t, 2, treeB.Root().Child(0).NumChildren())
	assert.Equal(t, uint64(1), treeB.Root().Child(0).Child(0).TotalAccessCount())
	assert.Equal(t, uint64(2), treeB.Root().Child(0).Child(1).TotalAccessCount())
	assert.True(t, treeB.Verify(true))

	// Types smaller than the histogram granularity still take the count.
	treeC, err := resolver.ResolveTypeFromTypeName("C")
	require.NoError(t, err)
	require.NoError(t, treeC.RecordAccessHistogram([]uint64{1}, typetree.AccessKindAccess))
	require.Equal(t, 1, treeC.Root().NumChildren())
	assert.Equal(t, uint64(1), treeC.Root().Child(0).TotalAccessCount())
	assert.True(t, treeC.Verify(true))

	// Packed 12-byte type against 8-byte buckets: x and y lie in the first
	// bucket, z in the second, which reaches past the end of the type.
	treeD, err := resolver.ResolveTypeFromTypeName("D")
	require.NoError(t, err)
	require.NoError(t, treeD.RecordAccessHistogram([]uint64{1, 2}, typetree.AccessKindAccess))
	require.Equal(t, 3, treeD.Root().NumChildren())
	assert.Equal(t, uint64(1), treeD.Root().Child(0).TotalAccessCount())
	assert.Equal(t, uint64(1), treeD.Root().Child(1).TotalAccessCount())
	assert.Equal(t, uint64(2), treeD.Root().Child(2).TotalAccessCount())
	assert.True(t, treeD.Verify(true))

	// Bulk allocation of the packed type collapses onto the tree.
	require.NoError(t, treeD.RecordAccessHistogram([]uint64{1, 2, 3, 4}, typetree.AccessKindAccess))
	assert.Equal(t, uint64(5), treeD.Root().Child(0).TotalAccessCount())
	assert.Equal(t, uint64(5), treeD.Root().Child(1).TotalAccessCount())
	assert.Equal(t, uint64(8), treeD.Root().Child(2).TotalAccessCount())
	assert.True(t, treeD.Verify(true))
}

func TestArrayAccessCounts(t *testing.T) {
	idx := newFakeIndex()
	idx.addBasics()
	idx.addType("A", 16, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "long"},
		&dwarfmeta.FieldData{Name: "y", Offset: 8, TypeName: "long"})
	idx.addType("B", 64, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "a", Offset: 0, TypeName: "A[4]"})
	idx.addType("E", 72, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "double"},
		&dwarfmeta.FieldData{Name: "a", Offset: 8, TypeName: "A[4]"})
	resolver := NewResolver(idx, false)

	treeB, err := resolver.ResolveTypeFromTypeName("B")
	require.NoError(t, err)
	require.NoError(t, treeB.RecordAccessHistogram(
		[]uint64{0, 1, 2, 3, 4, 5, 6, 7}, typetree.AccessKindAccess))
	assert.True(t, treeB.Verify(true))
	assert.Equal(t, uint64(28), treeB.Root().TotalAccessCount())
	array := treeB.Root().Child(0)
	assert.Equal(t, uint64(28), array.TotalAccessCount())
	element := array.Child(0)
	assert.Equal(t, uint64(28), element.TotalAccessCount())
	require.Equal(t, 2, element.NumChildren())
	assert.Equal(t, uint64(12), element.Child(0).TotalAccessCount())
	assert.Equal(t, uint64(16), element.Child(1).TotalAccessCount())

	// An array that does not start at offset zero.
	treeE, err := resolver.ResolveTypeFromTypeName("E")
	require.NoError(t, err)
	require.NoError(t, treeE.RecordAccessHistogram([]uint64{1, 2, 3, 4, 5}, typetree.AccessKindAccess))
	assert.True(t, treeE.Verify(true))
	assert.Equal(t, uint64(15), treeE.Root().TotalAccessCount())
	require.Equal(t, 2, treeE.Root().NumChildren())
	assert.Equal(t, uint64(1), treeE.Root().Child(0).TotalAccessCount())
	arrayE := treeE.Root().Child(1)
	assert.Equal(t, uint64(14), arrayE.TotalAccessCount())
	elementE := arrayE.Child(0)
	assert.Equal(t, uint64(14), elementE.TotalAccessCount())
	require.Equal(t, 2, elementE.NumChildren())
	assert.Equal(t, uint64(6), elementE.Child(0).TotalAccessCount())
	assert.Equal(t, uint64(8), elementE.Child(1).TotalAccessCount())
}

func TestNestedArrayAccessCounts(t *testing.T) {
	idx := newFakeIndex()
	idx.addBasics()
	idx.addType("A", 16, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "long"},
		&dwarfmeta.FieldData{Name: "y", Offset: 8, TypeName: "long"})
	idx.addType("B", 64, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "a", Offset: 0, TypeName: "A[4]"})
	idx.addType("C", 256, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "b", Offset: 0, TypeName: "B[4]"})
	resolver := NewResolver(idx, false)

	tree, err := resolver.ResolveTypeFromTypeName("C")
	require.NoError(t, err)
	assert.True(t, tree.Verify(true))
	hist := make([]uint64, 32)
	for i := range hist {
		hist[i] = uint64(i)
	}
	require.NoError(t, tree.RecordAccessHistogram(hist, typetree.AccessKindAccess))
	assert.True(t, tree.Verify(true))
	assert.Equal(t, uint64(496), tree.Root().TotalAccessCount())
	inner := tree.Root().Child(0).Child(0).Child(0).Child(0)
	assert.Equal(t, uint64(496), inner.TotalAccessCount())
	require.Equal(t, 2, inner.NumChildren())
	assert.Equal(t, uint64(240), inner.Child(0).TotalAccessCount())
	assert.Equal(t, uint64(256), inner.Child(1).TotalAccessCount())
}

func TestResolveUnresolvedFieldType(t *testing.T) {
	idx := newFakeIndex()
	idx.addBasics()
	idx.addType("A", 24, dwarfmeta.KindStructure,
		&dwarfmeta.FieldData{Name: "m", Offset: 0, TypeName: "Mystery"},
		&dwarfmeta.FieldData{Name: "y", Offset: 16, TypeName: "long"})
	resolver := NewResolver(idx, false)

	tree, err := resolver.ResolveTypeFromTypeName("A")
	require.NoError(t, err)
	require.Equal(t, 2, tree.Root().NumChildren())
	mystery := tree.Root().Child(0)
	assert.True(t, mystery.IsUnresolvedType())
	// The size is inferred from the next resolved field's offset.
	assert.Equal(t, int64(16), mystery.SizeBytes())
	assert.True(t, tree.Verify(true))
}

func TestResolveTypeFromFrame(t *testing.T) {
	idx := newFakeIndex()
	idx.addBasics()
	idx.addType("Foo", 8, dwarfmeta.KindClass,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "long"})
	idx.heapallocs[dwarfmeta.Frame{FunctionName: "main", LineOffset: 3, Column: 0}] = "Foo"
	resolver := NewResolver(idx, false)

	// The emitter dropped the column; lookup retries with column 0.
	tree, err := resolver.ResolveTypeFromFrame(
		dwarfmeta.Frame{FunctionName: "main", LineOffset: 3, Column: 11})
	require.NoError(t, err)
	assert.Equal(t, "Foo", tree.Name())
	assert.False(t, tree.FromContainer())

	_, err = resolver.ResolveTypeFromFrame(
		dwarfmeta.Frame{FunctionName: "other", LineOffset: 1, Column: 0})
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestUnwrapAndCleanTypeName(t *testing.T) {
	assert.Equal(t, "int", UnwrapAndCleanTypeName("std::allocator<int>"))
	assert.Equal(t, "int", UnwrapAndCleanTypeName("PolymorphicAllocator<int, false>"))
	assert.Equal(t, "std::__u::pair<const int, muppet::instant::ResourcedSharedString *>",
		UnwrapAndCleanTypeName(
			"muppet::instant::PolymorphicAllocator<std::__u::pair<const "+
				"int, muppet::instant::ResourcedSharedString *>, false>"))
}

func TestTypeNameHelpers(t *testing.T) {
	assert.True(t, isIndirection("A*"))
	assert.True(t, isIndirection("A &"))
	assert.True(t, isIndirection("void ()"))
	assert.True(t, isIndirection("std::function<void (const A &, int)>"))
	assert.False(t, isIndirection("A"))

	assert.Equal(t, int64(24), arrayMultiplicity("int[24]"))
	assert.Equal(t, int64(24), arrayMultiplicity("int[24][24]"))
	assert.Equal(t, int64(1), arrayMultiplicity("int"))
	assert.Equal(t, "int[24]", arrayChildTypeName("int[24][24]"))
	assert.Equal(t, "int", arrayChildTypeName("int[24]"))

	assert.Equal(t, "A*", cleanTypeName("const A *"))
	assert.Equal(t, "A", cleanTypeName("const A"))
	assert.Equal(t, "A", dereferencePointer("A *"))
}
