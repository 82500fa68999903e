// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package typeresolver // import "github.com/accessprof/fieldaccess/typeresolver"

import (
	"fmt"
	"strings"

	"github.com/accessprof/fieldaccess/status"
	"github.com/accessprof/fieldaccess/typetree"
)

// ResolveTypeFromResolutionStrategy builds the tree an allocation-aware
// container allocated, following the chosen strategy. requestSize is the
// allocation size in bytes; synthetic layouts must match it exactly.
func (r *Resolver) ResolveTypeFromResolutionStrategy(
	strategy ContainerResolutionStrategy, callstack CallStack,
	requestSize int64) (*typetree.TypeTree, error) {
	formalParams, err := r.fetcher.GetFormalParameters(strategy.FuncName)
	if err != nil {
		return nil, err
	}

	switch strategy.Kind {
	case StrategyDefault:
		return r.CreateTreeFromDwarf(strategy.LookupType, true, strategy.ContainerName)

	case StrategySpecialAllocatingFunction:
		if len(formalParams) == 0 {
			return nil, status.NotFoundf("%s", resolutionErrorMessage(formalParams,
				callstack, strategy, "allocating function has no formal parameters"))
		}
		return r.CreateTreeFromDwarf(cleanTypeName(formalParams[0]), true,
			strategy.ContainerName)

	case StrategyCharContainer, StrategyMemprofInserted:
		// Container metadata and character payloads have no richer
		// structure than raw bytes.
		return r.CreateTreeFromDwarf("char", true, strategy.ContainerName)

	case StrategyAllocatorAllocate, StrategyAbslAllocatorAllocate:
		// Walk the stack from the leaf and take the deepest
		// allocator-wrapper parameter.
		for _, frame := range callstack {
			frameParams, err := r.fetcher.GetFormalParameters(frame.FunctionName)
			if err != nil {
				return nil, err
			}
			for _, formalParam := range frameParams {
				for _, allocatorType := range allocatorWrappers {
					if strings.HasPrefix(formalParam, allocatorType) {
						return r.CreateTreeFromDwarf(UnwrapAndCleanTypeName(formalParam),
							true, strategy.ContainerName)
					}
				}
			}
		}
		return nil, status.NotFoundf("%s", resolutionErrorMessage(formalParams,
			callstack, strategy,
			"there should be formal param with an allocator type"))

	case StrategyLeafContainer:
		containerTypeData, err := r.fetcher.GetCacheableType(strategy.LookupType)
		if err != nil {
			return nil, err
		}
		for _, formalParam := range containerTypeData.FormalParameters {
			if _, ok := startsWithAnyOf(formalParam, allocatorWrappers); ok {
				return r.CreateTreeFromDwarf(UnwrapAndCleanTypeName(formalParam),
					true, strategy.ContainerName)
			}
		}
		return nil, status.NotFoundf("%s", resolutionErrorMessage(formalParams,
			callstack, strategy,
			"no formal parameters found for the container class"))

	case StrategyADTContainer:
		typeData, err := r.fetcher.GetCacheableType(strategy.LookupType)
		if err != nil {
			return nil, err
		}
		if len(typeData.FormalParameters) == 0 {
			return nil, status.NotFoundf("%s", resolutionErrorMessage(formalParams,
				callstack, strategy,
				"no formal parameters found for the container class"))
		}
		return r.CreateTreeFromDwarf(typeData.FormalParameters[0], true,
			strategy.ContainerName)

	case StrategyADTDenseContainer:
		typeData, err := r.fetcher.GetCacheableType(strategy.LookupType)
		if err != nil {
			return nil, err
		}
		if len(typeData.FormalParameters) < 5 {
			return nil, status.NotFoundf("%s",
				resolutionErrorMessage(formalParams, callstack, strategy, ""))
		}
		return r.CreateTreeFromDwarf(typeData.FormalParameters[4], true,
			strategy.ContainerName)

	case StrategySwissMapNodeHash, StrategySwissMapFlatHash:
		return r.resolveSwissMap(strategy, callstack, requestSize, formalParams)

	case StrategyBtree:
		return r.resolveBtree(strategy, callstack, requestSize, formalParams)

	default:
		return nil, status.InvalidArgumentf(
			"unknown container type resolution strategy")
	}
}

// resolveSwissMap reconstructs a raw_hash_set backing array: build the
// slot-type tree from the container's allocator parameter, lay out the
// BackingArray blueprint around it from the container constants and the
// requested size, and graft the slot tree into the slots leaf. In local
// mode the metadata is a separate allocation and the bare slot tree is
// the whole answer.
func (r *Resolver) resolveSwissMap(strategy ContainerResolutionStrategy,
	callstack CallStack, requestSize int64,
	formalParams []string) (*typetree.TypeTree, error) {
	alignment := int64(abslDefaultAlignmentBytes)
	groupWidth := int64(abslGroupWidth)
	sizeTSize := int64(abslSizeTSizeBits)

	// Hashtablez sampling would prepend an info handle to the backing
	// array; DWARF cannot tell whether this allocation was sampled, so
	// the handle is assumed absent.
	hasHashtablez := false
	hashtablezHandleSize := r.fetcher.PointerSize() * 8

	typeData, err := r.fetcher.GetCacheableType(strategy.LookupType)
	if err != nil {
		return nil, err
	}

	for _, formalParam := range typeData.FormalParameters {
		for _, allocatorType := range allocatorWrappers {
			if !strings.HasPrefix(formalParam, allocatorType) {
				continue
			}
			typeName := UnwrapAndCleanTypeName(formalParam)
			if strategy.Kind == StrategySwissMapNodeHash {
				typeName += "*"
			}
			typeTree, err := r.CreateTreeFromDwarf(typeName, true, strategy.ContainerName)
			if err != nil {
				return nil, err
			}

			// Local profiles split metadata from the backing array; the
			// slot type stands on its own.
			if r.isLocal {
				return typeTree, nil
			}

			layout, err := typetree.SwissMapTemplate(typeTree.Name(),
				typeTree.Root().FullSizeBits(), alignment, sizeTSize, groupWidth,
				requestSize*8, hasHashtablez, hashtablezHandleSize)
			if err != nil {
				return nil, err
			}
			outerTree := typetree.NewTreeFromObjectLayout(layout,
				wrapType(swissMapContainerName, typeTree.Name()), swissMapContainerName)
			if err := outerTree.MergeTreeIntoThis(typeTree); err != nil {
				return nil, err
			}
			if (!r.isLocal && requestSize != outerTree.Root().FullSizeBytes()) ||
				(r.isLocal && requestSize%outerTree.Root().FullSizeBytes() != 0) {
				return nil, status.Internalf("%s", resolutionErrorMessage(formalParams,
					callstack, strategy, fmt.Sprintf(
						"raw hash set backing array does not match allocation size: request_size: %d tree size: %d",
						requestSize, outerTree.Root().FullSizeBytes())))
			}
			return outerTree, nil
		}
	}
	return nil, status.NotFoundf("%s", resolutionErrorMessage(formalParams,
		callstack, strategy, "type name: "+typeData.Name))
}

// resolveBtree reconstructs an absl btree node: the node constants come
// from the btree's set_params/map_params instantiation, the slot type
// from its allocator parameter, and the node blueprint is solved against
// the requested size.
func (r *Resolver) resolveBtree(strategy ContainerResolutionStrategy,
	callstack CallStack, requestSize int64,
	formalParams []string) (*typetree.TypeTree, error) {
	alignment, err := r.alignmentFromAbslAllocatorCall(callstack[0].FunctionName)
	if err != nil {
		return nil, err
	}
	typeData, err := r.fetcher.GetCacheableType(strategy.LookupType)
	if err != nil {
		return nil, err
	}
	for _, formalParam := range typeData.FormalParameters {
		if !strings.HasPrefix(formalParam, "absl::container_internal::set_params<") &&
			!strings.HasPrefix(formalParam, "absl::container_internal::map_params<") {
			continue
		}
		paramsTypeData, err := r.fetcher.GetCacheableType(formalParam)
		if err != nil {
			return nil, err
		}

		constantLookupType := wrapType("absl::container_internal::btree_node", formalParam)

		_, generationErr := r.fetcher.GetCacheableType(abslBtreeGenerationType)
		generationEnabled := generationErr == nil

		constantTypeData, err := r.fetcher.GetCacheableType(constantLookupType)
		if err != nil {
			return nil, err
		}
		nodeSlots, ok := constantTypeData.ConstantVariables["kNodeSlots"]
		if !ok {
			return nil, status.NotFoundf("%s", resolutionErrorMessage(formalParams,
				callstack, strategy, "no constant variable kNodeSlots found"))
		}

		btreeFieldTypeName := wrapType("absl::container_internal::btree", formalParam) +
			"::field_type"
		btreeFieldType, err := r.fetcher.GetCacheableType(btreeFieldTypeName)
		if err != nil {
			return nil, err
		}
		btreeFieldTypeSize := btreeFieldType.Size * 8

		for _, setParamsParam := range paramsTypeData.FormalParameters {
			for _, allocatorType := range allocatorWrappers {
				if !strings.HasPrefix(setParamsParam, allocatorType) {
					continue
				}
				slotTypeTree, err := r.CreateTreeFromDwarf(
					UnwrapAndCleanTypeName(setParamsParam), true, strategy.ContainerName)
				if err != nil {
					return nil, err
				}
				if r.isLocal {
					return slotTypeTree, nil
				}
				layout, err := typetree.BtreeNodeTemplate(slotTypeTree.Name(),
					slotTypeTree.Root().FullSizeBits(), alignment, btreeFieldTypeSize,
					int64(nodeSlots), r.fetcher.PointerSize()*8, requestSize*8,
					generationEnabled)
				if err != nil {
					return nil, err
				}
				btreeNodeTree := typetree.NewTreeFromObjectLayout(layout,
					wrapType("absl::container_internal::btree_node", slotTypeTree.Name()),
					btreeContainerName)
				if err := btreeNodeTree.MergeTreeIntoThis(slotTypeTree); err != nil {
					return nil, err
				}
				if btreeNodeTree.Root().FullSizeBytes() != requestSize {
					return nil, status.Internalf("%s", resolutionErrorMessage(formalParams,
						callstack, strategy, fmt.Sprintf(
							"btree node does not match allocation size: request_size: %d tree size: %d",
							requestSize, btreeNodeTree.Root().FullSizeBytes())))
				}
				return btreeNodeTree, nil
			}
		}
	}
	return nil, status.NotFoundf("%s",
		resolutionErrorMessage(formalParams, callstack, strategy, ""))
}
