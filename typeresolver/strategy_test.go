// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package typeresolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessprof/fieldaccess/dwarfmeta"
	"github.com/accessprof/fieldaccess/status"
)

func frame(name string) dwarfmeta.Frame {
	return dwarfmeta.Frame{FunctionName: name}
}

func TestStrategyMemprofInserted(t *testing.T) {
	resolver := NewResolver(newFakeIndex(), false)
	strategy, err := resolver.callStackContainerResolutionStrategy(
		CallStack{frame("malloc"), frame("__memprof_ctrl_alloc_wrapper")})
	require.NoError(t, err)
	assert.Equal(t, StrategyMemprofInserted, strategy.Kind)
	assert.Equal(t, "__memprof_ctrl_alloc_wrapper", strategy.FuncName)
}

func TestStrategySmartPointer(t *testing.T) {
	resolver := NewResolver(newFakeIndex(), false)
	strategy, err := resolver.callStackContainerResolutionStrategy(
		CallStack{frame("_ZSt11make_uniqueI1AJEESt10unique_ptrIT_St14default_deleteIS1_EEDpOT0_")})
	require.NoError(t, err)
	assert.Equal(t, StrategySpecialAllocatingFunction, strategy.Kind)
}

func TestStrategyCharContainer(t *testing.T) {
	idx := newFakeIndex()
	// The frame must have indexed formal parameters for the demangled
	// checks to run; an already-demangled producer name passes the
	// demangler through unchanged.
	idx.params["std::__cxx11::basic_string<char>::_M_create"] = []string{"unsigned long"}
	resolver := NewResolver(idx, false)

	strategy, err := resolver.callStackContainerResolutionStrategy(
		CallStack{frame("std::__cxx11::basic_string<char>::_M_create")})
	require.NoError(t, err)
	assert.Equal(t, StrategyCharContainer, strategy.Kind)
	assert.Equal(t, "std::__cxx11::basic_string", strategy.ContainerName)
}

func TestStrategyLeafContainer(t *testing.T) {
	idx := newFakeIndex()
	idx.params["_Zleaf"] = []string{"std::vector<A, std::allocator<A> > *"}
	resolver := NewResolver(idx, false)

	strategy, err := resolver.callStackContainerResolutionStrategy(
		CallStack{frame("_Zleaf"), frame("caller")})
	require.NoError(t, err)
	assert.Equal(t, StrategyLeafContainer, strategy.Kind)
	assert.Equal(t, "std::vector", strategy.ContainerName)
	assert.Equal(t, "std::vector<A, std::allocator<A> > *", strategy.LookupType)
}

func TestStrategyAllocatorAllocate(t *testing.T) {
	idx := newFakeIndex()
	idx.params["_Zgrow"] = []string{"std::_Vector_base<A, std::allocator<A> > *"}
	resolver := NewResolver(idx, false)

	strategy, err := resolver.callStackContainerResolutionStrategy(
		CallStack{frame("_Zalloc"), frame("_Zgrow")})
	require.NoError(t, err)
	assert.Equal(t, StrategyAllocatorAllocate, strategy.Kind)
	assert.Equal(t, "std::_Vector_base", strategy.ContainerName)
	// The leaf function owns the allocator parameter walk later on.
	assert.Equal(t, "_Zalloc", strategy.FuncName)
}

func TestStrategyDefaultFallthrough(t *testing.T) {
	idx := newFakeIndex()
	idx.params["_Zalloc"] = []string{"const std::allocator<A> *"}
	resolver := NewResolver(idx, false)

	strategy, err := resolver.callStackContainerResolutionStrategy(
		CallStack{frame("_Zalloc"), frame("caller")})
	require.NoError(t, err)
	assert.Equal(t, StrategyDefault, strategy.Kind)
	assert.Equal(t, "unknown", strategy.ContainerName)
	assert.Equal(t, "A", strategy.LookupType)
}

func TestStrategyNotFound(t *testing.T) {
	idx := newFakeIndex()
	idx.params["_Zsomething"] = []string{"int", "double"}
	resolver := NewResolver(idx, false)

	_, err := resolver.callStackContainerResolutionStrategy(
		CallStack{frame("_Zsomething")})
	assert.ErrorIs(t, err, status.ErrNotFound)

	_, err = resolver.callStackContainerResolutionStrategy(CallStack{})
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestResolveVectorUniquePointer(t *testing.T) {
	idx := newFakeIndex()
	idx.addBasics()
	// std::vector<std::unique_ptr<A>>: the allocator parameter carries
	// the element type; unique_ptr itself resolves to its pointer field.
	idx.addType("std::unique_ptr<A, std::default_delete<A> >", 8, dwarfmeta.KindClass,
		&dwarfmeta.FieldData{Name: "_M_t", Offset: 0, TypeName: "A *"})
	allocFunc := "_ZNSt15__new_allocatorISt10unique_ptrI1ASt14default_deleteIS1_EEE8allocateEmPKv"
	idx.params[allocFunc] = []string{
		"std::__new_allocator<std::unique_ptr<A, std::default_delete<A> > > *",
		"unsigned long"}
	resolver := NewResolver(idx, false)

	tree, err := resolver.ResolveTypeFromResolutionStrategy(
		ContainerResolutionStrategy{
			ContainerName: "std::vector",
			FuncName:      allocFunc,
			Kind:          StrategyAllocatorAllocate,
		},
		CallStack{frame(allocFunc)}, -1)
	require.NoError(t, err)
	assert.True(t, tree.Verify(true))
	assert.Equal(t, "std::unique_ptr<A, std::default_delete<A> >", tree.Name())
	assert.True(t, tree.FromContainer())
	assert.Equal(t, "std::vector", tree.ContainerName())
	assert.Equal(t, int64(8), tree.Root().SizeBytes())
}

func TestResolveVectorFunctionType(t *testing.T) {
	idx := newFakeIndex()
	idx.addBasics()
	allocFunc := "_ZNSt15__new_allocatorISt8functionIFvRK1AiEEE8allocateEmPKv"
	idx.params[allocFunc] = []string{
		"std::__new_allocator<std::function<void (const A &, int)> > *"}
	resolver := NewResolver(idx, false)

	tree, err := resolver.ResolveTypeFromResolutionStrategy(
		ContainerResolutionStrategy{
			ContainerName: "std::vector",
			FuncName:      allocFunc,
			Kind:          StrategyAllocatorAllocate,
		},
		CallStack{frame(allocFunc)}, -1)
	require.NoError(t, err)
	assert.True(t, tree.Verify(true))
	// Function wrappers are indirection-shaped and need no type data.
	assert.Equal(t, "std::function<void (const A &, int)>", tree.Name())
	assert.Equal(t, int64(8), tree.Root().SizeBytes())
}

func TestResolveConstPointerElement(t *testing.T) {
	idx := newFakeIndex()
	allocFunc := "_ZNSt15__new_allocatorIPK1AE8allocateEmPKv"
	idx.params[allocFunc] = []string{"std::__new_allocator<const A *> *"}
	resolver := NewResolver(idx, false)

	tree, err := resolver.ResolveTypeFromResolutionStrategy(
		ContainerResolutionStrategy{
			ContainerName: "std::vector",
			FuncName:      allocFunc,
			Kind:          StrategyAllocatorAllocate,
		},
		CallStack{frame(allocFunc)}, -1)
	require.NoError(t, err)
	assert.True(t, tree.Verify(true))
	assert.Equal(t, "A*", tree.Name())
}

func TestResolveLeafContainer(t *testing.T) {
	idx := newFakeIndex()
	idx.addBasics()
	idx.addType("A", 16, dwarfmeta.KindClass,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "long"},
		&dwarfmeta.FieldData{Name: "y", Offset: 8, TypeName: "long"})
	vec := idx.addType("std::vector<A, std::allocator<A> >", 24, dwarfmeta.KindClass)
	vec.FormalParameters = []string{"A", "std::allocator<A>"}
	idx.params["_Zleaf"] = []string{"std::vector<A, std::allocator<A> >"}
	resolver := NewResolver(idx, false)

	tree, err := resolver.ResolveTypeFromResolutionStrategy(
		ContainerResolutionStrategy{
			ContainerName: "std::vector",
			FuncName:      "_Zleaf",
			LookupType:    "std::vector<A, std::allocator<A> >",
			Kind:          StrategyLeafContainer,
		},
		CallStack{frame("_Zleaf")}, -1)
	require.NoError(t, err)
	assert.Equal(t, "A", tree.Name())
	assert.True(t, tree.FromContainer())
}

func TestResolveADTContainers(t *testing.T) {
	idx := newFakeIndex()
	idx.addBasics()
	idx.addType("A", 16, dwarfmeta.KindClass,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "long"},
		&dwarfmeta.FieldData{Name: "y", Offset: 8, TypeName: "long"})
	small := idx.addType("llvm::SmallVectorTemplateBase<A, false>", 16, dwarfmeta.KindClass)
	small.FormalParameters = []string{"A", "bool"}
	dense := idx.addType("llvm::DenseMapBase<llvm::DenseMap<A, unsigned int>, A, unsigned int, llvm::DenseMapInfo<A>, llvm::detail::DenseMapPair<A, unsigned int> >",
		8, dwarfmeta.KindClass)
	dense.FormalParameters = []string{"llvm::DenseMap<A, unsigned int>", "A",
		"unsigned int", "llvm::DenseMapInfo<A>", "A"}
	idx.params["_Zgrow"] = []string{"int"}
	resolver := NewResolver(idx, false)

	tree, err := resolver.ResolveTypeFromResolutionStrategy(
		ContainerResolutionStrategy{
			ContainerName: "llvm::SmallVectorTemplateBase",
			FuncName:      "_Zgrow",
			LookupType:    "llvm::SmallVectorTemplateBase<A, false>",
			Kind:          StrategyADTContainer,
		},
		CallStack{frame("_Zgrow")}, -1)
	require.NoError(t, err)
	assert.Equal(t, "A", tree.Name())

	// Dense containers carry the element type as the fifth parameter.
	tree, err = resolver.ResolveTypeFromResolutionStrategy(
		ContainerResolutionStrategy{
			ContainerName: "llvm::DenseMapBase",
			FuncName:      "_Zgrow",
			LookupType:    dense.Name,
			Kind:          StrategyADTDenseContainer,
		},
		CallStack{frame("_Zgrow")}, -1)
	require.NoError(t, err)
	assert.Equal(t, "A", tree.Name())
}

func swissMapIndex() *fakeIndex {
	idx := newFakeIndex()
	idx.addBasics()
	idx.addType("A", 8, dwarfmeta.KindClass,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "long"})
	rawHashSet := idx.addType(
		"absl::container_internal::raw_hash_set<absl::container_internal::FlatHashSetPolicy<A>, absl::Hash<A>, std::equal_to<A>, std::allocator<A> >",
		48, dwarfmeta.KindClass)
	rawHashSet.FormalParameters = []string{
		"absl::container_internal::FlatHashSetPolicy<A>",
		"absl::Hash<A>",
		"std::equal_to<A>",
		"std::allocator<A>",
	}
	idx.params["_Zallocate"] = []string{rawHashSet.Name + " *"}
	return idx
}

func TestResolveSwissMapBackingArray(t *testing.T) {
	idx := swissMapIndex()
	resolver := NewResolver(idx, false)
	lookup := "absl::container_internal::raw_hash_set<absl::container_internal::FlatHashSetPolicy<A>, absl::Hash<A>, std::equal_to<A>, std::allocator<A> >"

	strategy := ContainerResolutionStrategy{
		ContainerName: "absl::container_internal::raw_hash_set",
		FuncName:      "_Zallocate",
		LookupType:    lookup,
		Kind:          StrategySwissMapFlatHash,
	}
	// 1024 bytes of backing array with 8-byte slots: capacity 111.
	tree, err := resolver.ResolveTypeFromResolutionStrategy(strategy,
		CallStack{frame("_Zallocate")}, 1024)
	require.NoError(t, err)
	assert.True(t, tree.Verify(true))
	assert.Equal(t, int64(1024), tree.Root().FullSizeBytes())
	assert.Equal(t, "absl::container_internal::raw_hash_set", tree.ContainerName())

	slots, err := tree.FindNodeWithTypeName("A[111]")
	require.NoError(t, err)
	element := slots.Child(0)
	assert.Equal(t, "A", element.TypeName())
	require.Equal(t, 1, element.NumChildren())
	assert.Equal(t, "long", element.Child(0).TypeName())

	// A backing array that cannot match the requested size is an
	// internal error.
	_, err = resolver.ResolveTypeFromResolutionStrategy(strategy,
		CallStack{frame("_Zallocate")}, 1023)
	assert.ErrorIs(t, err, status.ErrInternal)

	// Local profiles split the metadata allocation; the slot tree stands
	// alone.
	localResolver := NewResolver(idx, true)
	tree, err = localResolver.ResolveTypeFromResolutionStrategy(strategy,
		CallStack{frame("_Zallocate")}, 1024)
	require.NoError(t, err)
	assert.Equal(t, "A", tree.Name())

	// Node-hash containers store pointers in their slots.
	nodeStrategy := strategy
	nodeStrategy.Kind = StrategySwissMapNodeHash
	tree, err = localResolver.ResolveTypeFromResolutionStrategy(nodeStrategy,
		CallStack{frame("_Zallocate")}, 1024)
	require.NoError(t, err)
	assert.Equal(t, "A*", tree.Name())
}

func TestResolveBtreeNode(t *testing.T) {
	idx := newFakeIndex()
	idx.addBasics()
	idx.addType("A", 16, dwarfmeta.KindClass,
		&dwarfmeta.FieldData{Name: "x", Offset: 0, TypeName: "long"},
		&dwarfmeta.FieldData{Name: "y", Offset: 8, TypeName: "long"})

	setParams := "absl::container_internal::set_params<A, std::less<A>, std::allocator<A>, 256, false>"
	btreeName := "absl::container_internal::btree<" + setParams + " >"

	btree := idx.addType(btreeName, 8, dwarfmeta.KindClass)
	btree.FormalParameters = []string{setParams}

	setParamsType := idx.addType(setParams, 1, dwarfmeta.KindClass)
	setParamsType.FormalParameters = []string{"A", "std::less<A>", "std::allocator<A>"}

	btreeNode := idx.addType(
		"absl::container_internal::btree_node<"+setParams+" >", 1, dwarfmeta.KindClass)
	btreeNode.ConstantVariables["kNodeSlots"] = 15

	idx.addType("absl::container_internal::btree<"+setParams+" >::field_type",
		2, dwarfmeta.KindBaseType)

	// The alignment constant hides two hops behind the allocate call.
	idx.params["_Zallocate"] = []string{"absl::container_internal::Allocator<A> *"}
	allocator := idx.addType("absl::container_internal::Allocator<A>", 1, dwarfmeta.KindClass)
	allocator.FormalParameters = []string{"absl::container_internal::AlignedType<8> *"}
	aligned := idx.addType("absl::container_internal::AlignedType<8>", 8, dwarfmeta.KindClass)
	aligned.ConstantVariables["Alignment"] = 8

	resolver := NewResolver(idx, false)
	strategy := ContainerResolutionStrategy{
		ContainerName: "absl::container_internal::btree",
		FuncName:      "_Zallocate",
		LookupType:    btreeName,
		Kind:          StrategyBtree,
	}

	// 256-byte node of 16-byte slots with 15 node slots: an internal
	// node with 7 values and 16 child pointers.
	tree, err := resolver.ResolveTypeFromResolutionStrategy(strategy,
		CallStack{frame("_Zallocate")}, 256)
	require.NoError(t, err)
	assert.True(t, tree.Verify(true))
	assert.Equal(t, int64(256), tree.Root().FullSizeBytes())
	assert.Equal(t, "absl::container_internal::btree", tree.ContainerName())

	values, err := tree.FindNodeWithTypeName("A[7]")
	require.NoError(t, err)
	element := values.Child(0)
	require.Equal(t, 2, element.NumChildren())
	assert.Equal(t, "long", element.Child(0).TypeName())

	_, err = tree.FindNodeWithTypeName("btree_node *[16]")
	assert.NoError(t, err)

	// Local mode returns the bare slot tree.
	localResolver := NewResolver(idx, true)
	tree, err = localResolver.ResolveTypeFromResolutionStrategy(strategy,
		CallStack{frame("_Zallocate")}, 256)
	require.NoError(t, err)
	assert.Equal(t, "A", tree.Name())
}
