// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package typeresolver // import "github.com/accessprof/fieldaccess/typeresolver"

import (
	"fmt"
	"strings"

	"github.com/accessprof/fieldaccess/dwarfmeta"
)

// The prefix lists below are configuration data, not code: they enumerate
// the container internals, allocator wrappers and allocating functions
// the resolver recognizes in call stacks and formal parameters. Extending
// support for a new container means extending a list, not the resolver.

// STL container internal bases; a formal parameter starting with one of
// these marks an allocation owned by that container.
var stlContainerTypes = []string{
	"std::_Vector_base",
	"std::__u::_Vector_base",
	"std::_Deque_base",
	"std::__u::_Deque_base",
	"std::_Rb_tree",
	"std::__u::_Rb_tree",
	"std::__u::__tree",
	"std::__tree",
	"std::__detail::_Hashtable_alloc",
	"std::__u::__detail::_Hashtable_alloc",
	"std::_Fwd_list_base",
	"std::__u::_Fwd_list_base",
	"std::__cxx11::_List_base",
	"std::__u::__cxx11::list",
	"absl::FixedArray",
	"xalanc_1_10::XalanVector",
}

// User-facing STL container types checked on the leaf frame only.
var stlContainerLeafCheckTypes = []string{
	"std::vector",
	"std::__u::vector",
	"std::deque",
	"std::__u::deque",
	"std::set",
	"std::__u::set",
	"std::forward_list",
	"std::__u::forward_list",
	"std::__cxx11::list",
	"std::__u::__cxx11::list",
	"std::stack",
	"std::__u::stack",
	"std::queue",
	"std::__u::queue",
	"std::priority_queue",
	"std::__u::priority_queue",
	"std::map",
	"std::__u::map",
	"std::multimap",
	"std::__u::multimap",
	"std::multiset",
	"std::__u::multiset",
	"std::flat_multiset",
	"std::__u::flat_multiset",
	"std::flat_multimap",
	"std::__u::flat_multimap",
	"std::unordered_set",
	"std::__u::unordered_set",
	"std::unordered_map",
	"std::__u::unordered_map",
	"std::unordered_multiset",
	"std::__u::unordered_multiset",
	"std::unordered_multimap",
	"std::__u::unordered_multimap",
}

// Mangled prefixes of smart-pointer creator functions.
var smartPointerTypes = []string{
	"_ZSt11make_unique",
	"_ZSt11make_shared",
	"_ZNSt3__u15allocate_shared",
	"_ZNSt3__u11make_unique",
}

// LLVM-style ADT containers; the element type is the first template
// parameter of the matched type.
var adtContainerTypes = []string{
	"llvm::SmallVectorTemplateBase<",
	"llvm::PagedVector<",
	"llvm::SmallPtrSetImpl<",
	"llvm::StringMap<",
	"llvm::ImutAVLFactory<, absl::inlined_vector_internal:",
}

// Dense ADT containers; the element type is the fifth template parameter.
var adtDenseContainerTypes = []string{"llvm::DenseMapBase"}

// Character containers, detected on the demangled leaf frame. Their
// allocations decompose to plain char.
var charContainerTypesLeafFrame = []string{
	"std::__cxx11::basic_string",
	"std::basic_string",
	"absl::cord_internal::",
	"std::__u::basic_string",
	"absl::Cord::",
}

// SwissMap internal bases.
var abslContainerSwissMapTypes = []string{
	"absl::container_internal::raw_hash_map<",
	"absl::container_internal::raw_hash_set<",
}

// Flat-hash policies; SwissMap containers not using one of these store
// their elements behind node pointers.
var abslContainerFlatHashTypes = []string{
	"absl::container_internal::FlatHashMapPolicy",
	"absl::container_internal::FlatHashSetPolicy",
}

var abslContainerBtreeTypes = []string{
	"absl::container_internal::btree<",
}

// Functions that allocate on behalf of the caller with the element type
// as their first formal parameter.
var specialAllocatingFunctions = []string{
	"std::get_temporary_buffer",
	"std::__u::get_temporary_buffer",
}

// Allocator wrappers whose first template argument is the allocated type.
var allocatorWrappers = []string{
	"std::allocator",
	"std::__u::allocator",
	"std::__new_allocator",
	"muppet::instant::PolymorphicAllocator",
	"xalanc_1_10::MemoryManagedConstructionTraits",
}

// Functions inserted by the profiler runtime. Allocations below them are
// container metadata rather than user data.
var memprofInsertedFunctions = []string{
	"__memprof_ctrl_alloc",
}

// StrategyKind enumerates how the allocated object of a call stack is
// reconstructed.
type StrategyKind int

const (
	StrategyDefault StrategyKind = iota
	StrategySpecialAllocatingFunction
	StrategyCharContainer
	StrategyAllocatorAllocate
	StrategyAbslAllocatorAllocate
	StrategyLeafContainer
	StrategySwissMapNodeHash
	StrategySwissMapFlatHash
	StrategyBtree
	StrategyMemprofInserted
	StrategyADTContainer
	StrategyADTDenseContainer
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyDefault:
		return "StrategyDefault"
	case StrategySpecialAllocatingFunction:
		return "StrategySpecialAllocatingFunction"
	case StrategyCharContainer:
		return "StrategyCharContainer"
	case StrategyAllocatorAllocate:
		return "StrategyAllocatorAllocate"
	case StrategyAbslAllocatorAllocate:
		return "StrategyAbslAllocatorAllocate"
	case StrategyLeafContainer:
		return "StrategyLeafContainer"
	case StrategySwissMapNodeHash:
		return "StrategySwissMapNodeHash"
	case StrategySwissMapFlatHash:
		return "StrategySwissMapFlatHash"
	case StrategyBtree:
		return "StrategyBtree"
	case StrategyMemprofInserted:
		return "StrategyMemprofInserted"
	case StrategyADTContainer:
		return "StrategyADTContainer"
	case StrategyADTDenseContainer:
		return "StrategyADTDenseContainer"
	default:
		return "StrategyUnknown"
	}
}

// ContainerResolutionStrategy says how to reconstruct the allocated type
// from a call stack. STL containers resolve from the leaf frame, which
// carries the real allocated type; Abseil containers erase the type at
// the leaf and resolve from further up the stack.
type ContainerResolutionStrategy struct {
	// Name of the container within which the allocation is made.
	ContainerName string
	// Mangled function name of the critical call-stack element.
	FuncName string
	// Container class name; some strategies resolve the element type
	// through this type's parameters.
	LookupType string
	Kind       StrategyKind
}

func stripTrailingColons(s string) string {
	return strings.TrimRight(s, ":")
}

// startsWithAnyOf returns the first keyword that prefixes s.
func startsWithAnyOf(s string, keywords []string) (string, bool) {
	for _, keyword := range keywords {
		if strings.HasPrefix(s, keyword) {
			return keyword, true
		}
	}
	return "", false
}

// wrapType renders outer<inner>, keeping the ">>" separation C++ type
// printers emit.
func wrapType(outerType, innerType string) string {
	if strings.HasSuffix(innerType, ">") {
		return fmt.Sprintf("%s<%s >", outerType, innerType)
	}
	return fmt.Sprintf("%s<%s>", outerType, innerType)
}

func callstackString(callstack []dwarfmeta.Frame) string {
	var sb strings.Builder
	for _, frame := range callstack {
		fmt.Fprintf(&sb, "%s l:%d c:%d\n", frame.FunctionName, frame.LineOffset,
			frame.Column)
	}
	return sb.String()
}

// resolutionErrorMessage assembles the diagnostic for a failed strategy.
func resolutionErrorMessage(formalParams []string, callstack []dwarfmeta.Frame,
	strategy ContainerResolutionStrategy, extraInfo string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "type resolution strategy failed: %s for container: %s with container class name: %s with formal params: ",
		strategy.Kind, strategy.ContainerName, strategy.LookupType)
	for _, param := range formalParams {
		sb.WriteString(param)
		sb.WriteString(" ")
	}
	sb.WriteString(" at callstack: \n")
	sb.WriteString(callstackString(callstack))
	if extraInfo != "" {
		sb.WriteString("\n")
		sb.WriteString(extraInfo)
	}
	return sb.String()
}
