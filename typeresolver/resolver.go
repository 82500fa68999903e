// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package typeresolver turns "what was allocated at this site" questions
// into fully populated type trees. Allocations outside containers resolve
// through producer heap-allocation tags or plain type names; allocations
// inside containers resolve through a strategy chosen from the call
// stack, including synthesized layouts for container backing nodes.
package typeresolver // import "github.com/accessprof/fieldaccess/typeresolver"

import (
	"regexp"
	"strings"

	"github.com/ianlancetaylor/demangle"
	log "github.com/sirupsen/logrus"

	"github.com/accessprof/fieldaccess/dwarfmeta"
	"github.com/accessprof/fieldaccess/status"
	"github.com/accessprof/fieldaccess/typetree"
)

// CallStack is an allocation stack, leaf frame first.
type CallStack = []dwarfmeta.Frame

// TypeResolver builds type trees from type names, single frames, or call
// stacks. The core compiles against this interface; tests substitute
// their own implementations.
type TypeResolver interface {
	ResolveTypeFromTypeName(typeName string) (*typetree.TypeTree, error)
	ResolveTypeFromFrame(frame dwarfmeta.Frame) (*typetree.TypeTree, error)
	ResolveTypeFromCallstack(callstack CallStack, requestSize int64) (*typetree.TypeTree, error)
}

// MetadataSource is the slice of the debug index the resolver consumes.
// *dwarfmeta.Fetcher implements it; tests use hand-built indices.
type MetadataSource interface {
	GetType(typeName string) (*dwarfmeta.TypeData, error)
	GetCacheableType(typeName string) (*dwarfmeta.TypeData, error)
	GetHeapAllocType(frame dwarfmeta.Frame) (string, error)
	GetFormalParameters(linkageName string) ([]string, error)
	PointerSize() int64
}

var _ MetadataSource = (*dwarfmeta.Fetcher)(nil)

// Hardcoded Abseil container constants. The DWARF of current toolchains
// does not reliably carry Group::kWidth or the allocator alignment, so
// the resolver falls back to the values every supported build uses.
const (
	abslDefaultAlignmentBytes = 8
	abslGroupWidth            = 16
	abslSizeTSizeBits         = 64
	abslBtreeGenerationType   = "absl::container_internal::btree_iterator_generation_info_enabled"
	swissMapContainerName     = "absl::container_internal::raw_hash_set"
	btreeContainerName        = "absl::container_internal::btree"
	memprofInsertedContainer  = "__memprof::abseil_container_internal::raw_hash_set"
)

var arraySuffixRE = regexp.MustCompile(`\[(\d+)\]$`)

// Resolver resolves types against a DWARF metadata index.
type Resolver struct {
	fetcher MetadataSource

	// isLocal marks resolution of in-process profiles, where container
	// metadata and user slots are split into separate allocations; the
	// synthetic outer layouts are then not applied.
	isLocal bool
}

var _ TypeResolver = (*Resolver)(nil)

// NewResolver wraps an already-fetched metadata index.
func NewResolver(fetcher MetadataSource, isLocal bool) *Resolver {
	return &Resolver{fetcher: fetcher, isLocal: isLocal}
}

// builderCtxt carries the state of one recursive tree-building step: the
// node under construction and enough of the parent to compute offsets
// and infer missing sizes.
type builderCtxt struct {
	typeName     string
	fieldName    string
	fieldIndex   int
	fieldOffset  int64 // bits, parent relative
	multiplicity int64

	parentNode *typetree.Node
	// resolvedFields is only needed to infer the size of unresolved
	// types without breaking the tree invariants.
	resolvedFields []*dwarfmeta.FieldData
}

// isIndirection reports pointer, reference and function shapes; all are
// pointer-sized leaves.
func isIndirection(typeName string) bool {
	return strings.HasSuffix(typeName, "*") || strings.HasSuffix(typeName, "&") ||
		strings.HasSuffix(typeName, "()") || strings.HasSuffix(typeName, ")>")
}

func arrayMultiplicity(typeName string) int64 {
	m := arraySuffixRE.FindStringSubmatch(typeName)
	if m == nil {
		return 1
	}
	var multiplicity int64
	for _, c := range m[1] {
		multiplicity = multiplicity*10 + int64(c-'0')
	}
	return multiplicity
}

func arrayChildTypeName(typeName string) string {
	return arraySuffixRE.ReplaceAllString(typeName, "")
}

// dereferencePointer removes exactly one trailing " *" from the name.
func dereferencePointer(typeName string) string {
	if strings.HasSuffix(typeName, " *") {
		return typeName[:len(typeName)-2]
	}
	return typeName
}

// cleanTypeName normalizes a type name for lookup: trailing " *" becomes
// "*", and a leading const is dropped. The const qualifier is not part of
// DWARF type names and only gets in the way of resolution.
func cleanTypeName(typeName string) string {
	if strings.HasSuffix(typeName, " *") {
		typeName = typeName[:len(typeName)-2] + "*"
	}
	typeName = strings.TrimPrefix(typeName, "const")
	return strings.TrimLeft(typeName, " \t")
}

// UnwrapAndCleanTypeName extracts and normalizes the first template
// argument of an allocator-wrapper type name. Polymorphic allocators
// carry a trailing ", false"/", true" flag that is not part of the type.
func UnwrapAndCleanTypeName(typeName string) string {
	allocType := dwarfmeta.ConsumeAngleBracket(typeName)
	allocType = cleanTypeName(allocType)
	if strings.HasSuffix(allocType, ", false") {
		allocType = allocType[:len(allocType)-7]
	} else if strings.HasSuffix(allocType, ", true") {
		allocType = allocType[:len(allocType)-6]
	}
	return allocType
}

// resolveFieldConflicts flattens the fields of a type down to one field
// per offset. Unions keep every member. Elsewhere conflicts come from
// template tricks like std::pair, where the "hidden" competitor is
// usually a one-byte empty base; the cascade picks the larger type, then
// the type with more fields, then the non-inherited field, then the field
// without a leading underscore.
func (r *Resolver) resolveFieldConflicts(typeData *dwarfmeta.TypeData) ([]*dwarfmeta.FieldData, error) {
	if typeData.Kind == dwarfmeta.KindUnion {
		return typeData.Fields, nil
	}

	var resolvedFields []*dwarfmeta.FieldData
	for _, offset := range typeData.SortedFieldOffsets() {
		indices, ok := typeData.OffsetIndex[offset]
		if !ok {
			return nil, status.InvalidArgumentf(
				"dwarf data is invalid, field offset index and field data invalid for type: %s",
				typeData.Name)
		}
		if len(indices) == 1 {
			resolvedFields = append(resolvedFields, typeData.Fields[indices[0]])
			continue
		}

		var typeDataForOffset *dwarfmeta.TypeData
		var fieldDataForOffset *dwarfmeta.FieldData
		for _, idx := range indices {
			fieldData := typeData.Fields[idx]
			if fieldData == nil {
				return nil, status.Internalf("field data is nil for type: %s at offset: %d",
					typeData.Name, offset)
			}
			candidate, err := r.fetcher.GetCacheableType(fieldData.TypeName)
			if err != nil {
				continue
			}
			if typeDataForOffset == nil || fieldDataForOffset == nil {
				typeDataForOffset = candidate
				fieldDataForOffset = fieldData
				continue
			}
			if typeDataForOffset.Size == candidate.Size &&
				len(typeDataForOffset.Fields) == len(candidate.Fields) {
				if fieldDataForOffset.Inherited && !fieldData.Inherited {
					typeDataForOffset = candidate
					fieldDataForOffset = fieldData
				} else if fieldDataForOffset.Inherited == fieldData.Inherited &&
					strings.HasPrefix(fieldDataForOffset.Name, "_") &&
					!strings.HasPrefix(fieldData.Name, "_") {
					typeDataForOffset = candidate
					fieldDataForOffset = fieldData
				} else if fieldDataForOffset.Inherited == fieldData.Inherited &&
					!strings.HasPrefix(fieldDataForOffset.Name, "_") {
					log.Warnf("multiple types with same size, number of fields and tag for offset conflict: %d for type: %s. conflicting types: %s == %s",
						offset, typeData.Name, fieldDataForOffset.TypeName, fieldData.TypeName)
				}
				continue
			}
			if typeDataForOffset.Size < candidate.Size {
				typeDataForOffset = candidate
				fieldDataForOffset = fieldData
				continue
			}
			if typeDataForOffset.Size == candidate.Size &&
				len(typeDataForOffset.Fields) < len(candidate.Fields) {
				typeDataForOffset = candidate
				fieldDataForOffset = fieldData
			}
		}
		if typeDataForOffset == nil || fieldDataForOffset == nil {
			return nil, nil
		}
		resolvedFields = append(resolvedFields, fieldDataForOffset)
	}

	if len(resolvedFields) != len(typeData.OffsetIndex) {
		return nil, status.Internalf(
			"resolve field conflicts was not able to resolve all fields for type: %s. size after resolve: %d vs original size: %d",
			typeData.Name, len(resolvedFields), len(typeData.OffsetIndex))
	}
	return resolvedFields, nil
}

// buildTree builds the root node for a type name.
func (r *Resolver) buildTree(typeName string) (*typetree.Node, error) {
	if isIndirection(typeName) {
		return typetree.NewPointerNode(typeName, typeName, 0, 1,
			r.fetcher.PointerSize()*8, nil), nil
	}

	typeData, err := r.fetcher.GetCacheableType(typeName)
	if err != nil {
		return nil, err
	}
	rootNode := typetree.NewRootNode(typeName, typeData)

	resolvedFields, err := r.resolveFieldConflicts(typeData)
	if err != nil {
		return nil, err
	}
	for fieldIndex, fieldData := range resolvedFields {
		childNode := r.buildTreeRecursive(builderCtxt{
			typeName:       fieldData.TypeName,
			fieldName:      fieldData.Name,
			fieldIndex:     fieldIndex,
			fieldOffset:    fieldData.Offset * 8,
			multiplicity:   1,
			parentNode:     rootNode,
			resolvedFields: resolvedFields,
		})
		rootNode.AddChildAndInsertPaddingIfNecessary(childNode, fieldIndex, resolvedFields)
	}
	return rootNode, nil
}

func (r *Resolver) buildTreeRecursive(ctxt builderCtxt) *typetree.Node {
	// Indirections become pointer-sized leaves without resolving the
	// pointee.
	if isIndirection(ctxt.typeName) {
		return typetree.NewPointerNode(ctxt.fieldName, ctxt.typeName, ctxt.fieldOffset,
			ctxt.multiplicity, r.fetcher.PointerSize()*8, ctxt.parentNode)
	}

	if childMultiplicity := arrayMultiplicity(ctxt.typeName); childMultiplicity > 1 {
		// An array node has exactly one child: the element type, with the
		// element count as its multiplicity. The array's own size is only
		// known once the subtree resolved.
		currNode := typetree.NewArrayTypeNode(ctxt.fieldName, ctxt.typeName,
			-1, ctxt.fieldOffset, ctxt.multiplicity, ctxt.parentNode)
		subtree := r.buildTreeRecursive(builderCtxt{
			typeName:     arrayChildTypeName(ctxt.typeName),
			fieldName:    "[_]",
			multiplicity: childMultiplicity,
			parentNode:   currNode,
		})
		currNode.SetSizeBits(subtree.SizeBits() * subtree.Multiplicity())
		currNode.AddChildAndInsertPaddingIfNecessary(subtree, 0, nil)
		return currNode
	}

	typeData, err := r.fetcher.GetCacheableType(ctxt.typeName)
	if err != nil {
		// Unknown type: infer its size from the next resolved field, or
		// the parent's remaining bytes when it is the last field.
		var inferredSize int64
		switch {
		case len(ctxt.resolvedFields) == 0:
			inferredSize = ctxt.parentNode.SizeBits()
		case ctxt.fieldIndex >= len(ctxt.resolvedFields)-1:
			inferredSize = ctxt.parentNode.SizeBits() -
				ctxt.resolvedFields[ctxt.fieldIndex].Offset*8
		default:
			inferredSize = ctxt.resolvedFields[ctxt.fieldIndex+1].Offset*8 -
				ctxt.resolvedFields[ctxt.fieldIndex].Offset*8
		}
		return typetree.NewUnresolvedTypeNode(ctxt.fieldName, ctxt.typeName,
			ctxt.fieldOffset, ctxt.multiplicity, inferredSize, ctxt.parentNode)
	}

	currNode := typetree.NewNodeFromTypeData(ctxt.fieldName, ctxt.typeName,
		ctxt.fieldOffset, ctxt.multiplicity, typeData, ctxt.parentNode)

	resolvedFields, err := r.resolveFieldConflicts(typeData)
	if err != nil {
		log.Warnf("%v", err)
		return currNode
	}
	for fieldIndex, fieldData := range resolvedFields {
		subtree := r.buildTreeRecursive(builderCtxt{
			typeName:       fieldData.TypeName,
			fieldName:      fieldData.Name,
			fieldIndex:     fieldIndex,
			fieldOffset:    fieldData.Offset * 8,
			multiplicity:   1,
			parentNode:     currNode,
			resolvedFields: resolvedFields,
		})
		currNode.AddChildAndInsertPaddingIfNecessary(subtree, fieldIndex, resolvedFields)
	}
	return currNode
}

// CreateTreeFromDwarf builds the full tree for a type name.
func (r *Resolver) CreateTreeFromDwarf(typeName string, fromContainer bool,
	containerName string) (*typetree.TypeTree, error) {
	root, err := r.buildTree(typeName)
	if err != nil {
		return nil, err
	}
	return typetree.NewTypeTree(root, typeName, fromContainer, containerName), nil
}

// ResolveTypeFromTypeName builds a tree rooted at the named type.
func (r *Resolver) ResolveTypeFromTypeName(typeName string) (*typetree.TypeTree, error) {
	return r.CreateTreeFromDwarf(typeName, false, "")
}

// ResolveTypeFromFrame resolves the allocation made at a specific source
// frame through the producer heap-allocation tags. Emitters often omit
// column numbers, so a miss retries with column 0.
func (r *Resolver) ResolveTypeFromFrame(frame dwarfmeta.Frame) (*typetree.TypeTree, error) {
	typeName, err := r.fetcher.GetHeapAllocType(frame)
	if err != nil {
		frame.Column = 0
		typeName, err = r.fetcher.GetHeapAllocType(frame)
		if err != nil {
			return nil, err
		}
	}
	return r.CreateTreeFromDwarf(typeName, false, "none")
}

// ResolveTypeFromCallstack resolves an allocation's type. Producer-tagged
// frames are the fast path; otherwise a container resolution strategy is
// computed from the stack.
func (r *Resolver) ResolveTypeFromCallstack(callstack CallStack,
	requestSize int64) (*typetree.TypeTree, error) {
	if len(callstack) == 0 {
		return nil, status.InvalidArgumentf("callstack is empty")
	}
	for _, frame := range callstack {
		if tree, err := r.ResolveTypeFromFrame(frame); err == nil {
			return tree, nil
		}
	}
	strategy, err := r.callStackContainerResolutionStrategy(callstack)
	if err != nil {
		return nil, err
	}
	return r.ResolveTypeFromResolutionStrategy(strategy, callstack, requestSize)
}

// callStackContainsMemprof finds profiler-inserted control allocations.
// Abseil metadata is allocated separately from user data under the
// profiler runtime; such frames mark the allocation as metadata.
func callStackContainsMemprof(callstack CallStack) (string, bool) {
	for _, frame := range callstack {
		for _, memprof := range memprofInsertedFunctions {
			if strings.Contains(frame.FunctionName, memprof) {
				return frame.FunctionName, true
			}
		}
	}
	return "", false
}

// callStackContainerResolutionStrategy scans the stack leaf to root and
// picks the first matching strategy. An allocator-wrapper parameter seen
// anywhere arms the default fallthrough strategy, used when nothing more
// specific matches further up.
func (r *Resolver) callStackContainerResolutionStrategy(callstack CallStack) (ContainerResolutionStrategy, error) {
	var fallthroughStrategy ContainerResolutionStrategy
	hasSeenAlloc := false

	if len(callstack) == 0 {
		return fallthroughStrategy, status.InvalidArgumentf("empty callstack")
	}

	if memprofFuncName, ok := callStackContainsMemprof(callstack); ok {
		return ContainerResolutionStrategy{
			ContainerName: memprofInsertedContainer,
			FuncName:      memprofFuncName,
			Kind:          StrategyMemprofInserted,
		}, nil
	}

	isLeaf := true
	for _, frame := range callstack {
		funcName := frame.FunctionName
		if funcName == "" {
			return fallthroughStrategy,
				status.InvalidArgumentf("empty function name in callstack")
		}

		if smartPtrType, ok := startsWithAnyOf(funcName, smartPointerTypes); ok {
			return ContainerResolutionStrategy{
				ContainerName: smartPtrType,
				FuncName:      funcName,
				Kind:          StrategySpecialAllocatingFunction,
			}, nil
		}

		formalParams, err := r.fetcher.GetFormalParameters(funcName)
		if err != nil {
			continue
		}

		demangledNoParams := demangle.Filter(funcName, demangle.NoParams)
		if specialAllocating, ok := startsWithAnyOf(demangledNoParams,
			specialAllocatingFunctions); ok {
			return ContainerResolutionStrategy{
				ContainerName: specialAllocating,
				FuncName:      funcName,
				Kind:          StrategySpecialAllocatingFunction,
			}, nil
		}
		if containerName, ok := startsWithAnyOf(demangledNoParams,
			charContainerTypesLeafFrame); ok {
			return ContainerResolutionStrategy{
				ContainerName: stripTrailingColons(containerName),
				FuncName:      funcName,
				Kind:          StrategyCharContainer,
			}, nil
		}

		for _, formalParamDirty := range formalParams {
			formalParam := strings.TrimPrefix(formalParamDirty, "const")
			formalParam = strings.TrimLeft(formalParam, " \t")

			cleanedFormalParam := cleanTypeName(dereferencePointer(formalParam))

			if allocatorType, ok := startsWithAnyOf(formalParam, allocatorWrappers); ok {
				if !hasSeenAlloc && strings.HasPrefix(formalParam, allocatorType) {
					// Arm the fallthrough, but keep scanning: a more
					// specific strategy may still show up.
					fallthroughStrategy = ContainerResolutionStrategy{
						ContainerName: "unknown",
						FuncName:      funcName,
						LookupType:    UnwrapAndCleanTypeName(formalParam),
						Kind:          StrategyDefault,
					}
				}
			}

			if isLeaf {
				if containerType, ok := startsWithAnyOf(formalParam,
					stlContainerLeafCheckTypes); ok {
					return ContainerResolutionStrategy{
						ContainerName: containerType,
						FuncName:      frame.FunctionName,
						LookupType:    formalParam,
						Kind:          StrategyLeafContainer,
					}, nil
				}
			}

			if containerType, ok := startsWithAnyOf(formalParam, stlContainerTypes); ok {
				return ContainerResolutionStrategy{
					ContainerName: containerType,
					FuncName:      callstack[0].FunctionName,
					Kind:          StrategyAllocatorAllocate,
				}, nil
			}

			if containerType, ok := startsWithAnyOf(formalParam, adtContainerTypes); ok {
				return ContainerResolutionStrategy{
					ContainerName: containerType[:len(containerType)-1],
					FuncName:      funcName,
					LookupType:    cleanedFormalParam,
					Kind:          StrategyADTContainer,
				}, nil
			}
			if containerType, ok := startsWithAnyOf(formalParam, adtDenseContainerTypes); ok {
				return ContainerResolutionStrategy{
					ContainerName: containerType,
					FuncName:      funcName,
					LookupType:    cleanedFormalParam,
					Kind:          StrategyADTDenseContainer,
				}, nil
			}

			if containerType, ok := startsWithAnyOf(formalParam,
				abslContainerSwissMapTypes); ok {
				strategy, err := r.swissMapStrategy(containerType, formalParam,
					cleanedFormalParam, funcName, callstack)
				if err != nil {
					return fallthroughStrategy, err
				}
				return strategy, nil
			}
			if containerType, ok := startsWithAnyOf(formalParam,
				abslContainerBtreeTypes); ok {
				return ContainerResolutionStrategy{
					ContainerName: containerType[:len(containerType)-1],
					FuncName:      funcName,
					LookupType:    cleanedFormalParam,
					Kind:          StrategyBtree,
				}, nil
			}

			for _, allocatorType := range allocatorWrappers {
				if strings.HasPrefix(formalParam, allocatorType) ||
					strings.HasPrefix(formalParam, "absl::container_internal::") {
					hasSeenAlloc = true
				}
			}
			isLeaf = false
		}
	}

	if fallthroughStrategy.LookupType == "" {
		return fallthroughStrategy, status.NotFoundf(
			"no heap alloc or container resolution strategy found in callstack:%s",
			callstackString(callstack))
	}
	return fallthroughStrategy, nil
}

// swissMapStrategy distinguishes flat from node SwissMap containers by
// the container's policy parameter. Containers whose type is not in the
// index degrade to the plain allocator strategy.
func (r *Resolver) swissMapStrategy(containerType, formalParam, cleanedFormalParam,
	funcName string, callstack CallStack) (ContainerResolutionStrategy, error) {
	hashSetTypeData, err := r.fetcher.GetCacheableType(formalParam)
	if err != nil {
		return ContainerResolutionStrategy{
			ContainerName: containerType[:len(containerType)-1],
			FuncName:      callstack[0].FunctionName,
			LookupType:    cleanedFormalParam,
			Kind:          StrategyAbslAllocatorAllocate,
		}, nil
	}
	if len(hashSetTypeData.FormalParameters) == 0 {
		return ContainerResolutionStrategy{},
			status.NotFoundf("no formal parameters found for the hash set type")
	}
	policyParam := hashSetTypeData.FormalParameters[0]
	kind := StrategySwissMapNodeHash
	if _, ok := startsWithAnyOf(policyParam, abslContainerFlatHashTypes); ok {
		kind = StrategySwissMapFlatHash
	}
	return ContainerResolutionStrategy{
		ContainerName: containerType[:len(containerType)-1],
		FuncName:      funcName,
		LookupType:    cleanedFormalParam,
		Kind:          kind,
	}, nil
}

// alignmentFromAbslAllocatorCall digs the Alignment constant out of the
// allocator behind the leaf allocate call: first formal parameter of the
// call is the allocator, its first parameter the aligned storage type
// carrying the constant. Returns bits.
func (r *Resolver) alignmentFromAbslAllocatorCall(functionName string) (int64, error) {
	formalParams, err := r.fetcher.GetFormalParameters(functionName)
	if err != nil {
		return 0, err
	}
	if len(formalParams) == 0 {
		return 0, status.NotFoundf("no formal parameters found for the allocator call")
	}
	allocatorTypeData, err := r.fetcher.GetCacheableType(dereferencePointer(formalParams[0]))
	if err != nil {
		return 0, err
	}
	formalParams = allocatorTypeData.FormalParameters
	if len(formalParams) == 0 {
		return 0, status.NotFoundf("no formal parameters found for the allocator call")
	}
	allocatorTypeData, err = r.fetcher.GetCacheableType(dereferencePointer(formalParams[0]))
	if err != nil {
		return 0, err
	}
	alignment, ok := allocatorTypeData.ConstantVariables["Alignment"]
	if !ok {
		return 0, status.NotFoundf(
			"no constant variable `Alignment` found in absl allocator call")
	}
	return int64(alignment) * 8, nil
}
