// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package histbuilder drives histogram attribution over a profile: it
// resolves each allocation site's type tree, projects the site's access
// histogram onto it, and stores the result keyed by allocation call
// stack, merging duplicate stacks.
package histbuilder // import "github.com/accessprof/fieldaccess/histbuilder"

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/accessprof/fieldaccess/dwarfmeta"
	"github.com/accessprof/fieldaccess/memprof"
	"github.com/accessprof/fieldaccess/status"
	"github.com/accessprof/fieldaccess/typetree"
)

// CallStack is an allocation stack, leaf frame first.
type CallStack = []dwarfmeta.Frame

// storeEntry pairs a call stack with its attributed tree.
type storeEntry struct {
	callstack CallStack
	tree      *typetree.TypeTree
}

// TypeTreeStore maps call stacks to type trees. A key's root type never
// changes: re-insertion with the same root merges the counters pairwise,
// a different root is an error.
//
// Call stacks are keyed by their 128-bit hash; the full stack is kept in
// the entry. Insertion order is preserved so dumps are stable.
type TypeTreeStore struct {
	entries map[xxh3.Uint128]*storeEntry
	order   []xxh3.Uint128
}

// NewTypeTreeStore returns an empty store.
func NewTypeTreeStore() *TypeTreeStore {
	return &TypeTreeStore{entries: map[xxh3.Uint128]*storeEntry{}}
}

// hashCallStack folds the frame sequence into the store key.
func hashCallStack(callstack CallStack) xxh3.Uint128 {
	h := xxh3.New()
	var buf [8]byte
	for _, frame := range callstack {
		_, _ = h.WriteString(frame.FunctionName)
		_, _ = h.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:], frame.LineOffset)
		_, _ = h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], frame.Column)
		_, _ = h.Write(buf[:])
	}
	return h.Sum128()
}

// ConvertCallStack converts profile frames into index frames.
func ConvertCallStack(callstack []memprof.Frame) CallStack {
	converted := make(CallStack, 0, len(callstack))
	for _, frame := range callstack {
		name := frame.FunctionName
		if name == "" {
			name = "<none>"
		}
		converted = append(converted, dwarfmeta.Frame{
			FunctionName: name,
			LineOffset:   frame.LineOffset,
			Column:       frame.Column,
		})
	}
	return converted
}

// Len returns the number of stored trees.
func (s *TypeTreeStore) Len() int { return len(s.entries) }

// Insert stores the tree under the call stack, merging counters into it
// when the stack is already present with the same root type.
func (s *TypeTreeStore) Insert(callstack CallStack, tree *typetree.TypeTree) error {
	if tree == nil {
		return status.InvalidArgumentf("type tree is nil")
	}
	key := hashCallStack(callstack)
	if existing, ok := s.entries[key]; ok {
		if existing.tree.Name() != tree.Name() {
			return status.InvalidArgumentf(
				"trying to insert different type trees for the same callstack %s vs %s",
				existing.tree.Name(), tree.Name())
		}
		if err := tree.MergeCounts(existing.tree); err != nil {
			return err
		}
		existing.tree = tree
		return nil
	}
	s.entries[key] = &storeEntry{callstack: callstack, tree: tree}
	s.order = append(s.order, key)
	return nil
}

// InsertAndGet is Insert returning the stored tree.
func (s *TypeTreeStore) InsertAndGet(callstack CallStack,
	tree *typetree.TypeTree) (*typetree.TypeTree, error) {
	if err := s.Insert(callstack, tree); err != nil {
		return nil, err
	}
	return s.entries[hashCallStack(callstack)].tree, nil
}

// GetTypeTree returns the tree stored for the call stack.
func (s *TypeTreeStore) GetTypeTree(callstack CallStack) (*typetree.TypeTree, error) {
	if entry, ok := s.entries[hashCallStack(callstack)]; ok {
		return entry.tree, nil
	}
	return nil, status.NotFoundf("type tree not found for callstack")
}

// CallStacksForTypeName returns all call stacks whose tree's root type
// name equals rootTypeName.
func (s *TypeTreeStore) CallStacksForTypeName(rootTypeName string) []CallStack {
	var callstacks []CallStack
	for _, key := range s.order {
		if entry := s.entries[key]; entry.tree.Name() == rootTypeName {
			callstacks = append(callstacks, entry.callstack)
		}
	}
	return callstacks
}

// Each visits every entry in insertion order.
func (s *TypeTreeStore) Each(fn func(callstack CallStack, tree *typetree.TypeTree)) {
	for _, key := range s.order {
		entry := s.entries[key]
		fn(entry.callstack, entry.tree)
	}
}

// Dump writes up to limit entries in the stable textual format; a
// negative limit means unbounded.
func (s *TypeTreeStore) Dump(w io.Writer, limit int64) {
	n := limit
	if n < 0 {
		n = int64(len(s.order))
	}
	var i int64
	for _, key := range s.order {
		if i >= n {
			return
		}
		entry := s.entries[key]
		io.WriteString(w, "- Entry: \n")
		io.WriteString(w, "    type_tree: \n")
		entry.tree.Dump(w, 3, false)
		io.WriteString(w, "    callstack: \n")
		DumpCallStack(entry.callstack, w, 3, false)
		i++
	}
}

// DumpFlamegraph writes up to limit trees as collapsed flamegraph
// stacks; a negative limit means unbounded.
func (s *TypeTreeStore) DumpFlamegraph(w io.Writer, limit int64) {
	n := limit
	if n < 0 {
		n = int64(len(s.order))
	}
	var i int64
	for _, key := range s.order {
		if i >= n {
			return
		}
		s.entries[key].tree.DumpFlameGraph(w, uint64(i+1))
		i++
	}
}

// DumpCallStack writes the frames of a call stack, optionally as a
// top-level entry.
func DumpCallStack(callstack CallStack, w io.Writer, level int, asEntry bool) {
	if asEntry {
		io.WriteString(w, "- entry: \n")
		level += 2
	}
	indent := strings.Repeat("  ", level)
	for _, frame := range callstack {
		fmt.Fprintf(w, "%s- function_name: %s\n", indent, frame.FunctionName)
		fmt.Fprintf(w, "%s  line_offset: %d\n", indent, frame.LineOffset)
		fmt.Fprintf(w, "%s  column: %d\n", indent, frame.Column)
	}
}
