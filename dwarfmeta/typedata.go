// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwarfmeta parses DWARF debug information from a binary and an
// optional split-debug (.dwp) file and builds a navigable, namespaced
// index of types, fields, typedefs, formal/template parameters and
// per-source-line heap-allocation sites. The index answers type and field
// lookups for the type resolver.
package dwarfmeta // import "github.com/accessprof/fieldaccess/dwarfmeta"

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/accessprof/fieldaccess/status"
)

// Kind classifies what a TypeData node represents.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindClass
	KindStructure
	KindBaseType
	KindPointerLike
	KindNamespace
	KindSubprogram
	KindUnion
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindClass:
		return "Kind::CLASS"
	case KindStructure:
		return "Kind::STRUCTURE"
	case KindBaseType:
		return "Kind::BASE_TYPE"
	case KindPointerLike:
		return "Kind::POINTER_LIKE"
	case KindNamespace:
		return "Kind::NAMESPACE"
	case KindSubprogram:
		return "Kind::SUBPROGRAM"
	case KindUnion:
		return "Kind::UNION"
	case KindEnum:
		return "Kind::ENUM"
	default:
		return "Kind::UNKNOWN"
	}
}

// ShortString renders the kind the way a C++ declaration would spell it.
// Only used in dumps.
func (k Kind) ShortString() string {
	switch k {
	case KindClass:
		return "class"
	case KindNamespace:
		return "namespace"
	case KindStructure:
		return "struct"
	case KindSubprogram:
		return "func"
	case KindBaseType, KindPointerLike:
		return ""
	case KindUnion:
		return "union"
	case KindEnum:
		return "enum"
	default:
		return "UNKNOWN"
	}
}

// Frame identifies a source location inside a function. It keys the
// heap-allocation site map and is the element type of call-stack keys.
type Frame struct {
	FunctionName string
	LineOffset   uint64
	Column       uint64
}

func (f Frame) String() string {
	return fmt.Sprintf("%s: %d: %d", f.FunctionName, f.LineOffset, f.Column)
}

// FieldData describes a single member or inherited base subobject of a
// type. Offset is in bytes from the start of the enclosing type, -1 when
// the debug info carries no location.
type FieldData struct {
	Name      string
	Offset    int64
	TypeName  string
	Inherited bool
}

// TypeData holds the metadata of one type or namespace, including its
// child types. A type is located by descending the Types maps along the
// qualified name path.
type TypeData struct {
	// Short name, without enclosing namespaces.
	Name string
	// Size of the type in bytes, -1 if unknown.
	Size int64
	Kind Kind
	// Fields in the order they were parsed.
	Fields []*FieldData
	// Offset to field indices. Multiple fields can share an offset, e.g.
	// in unions or std::pair layouts.
	OffsetIndex map[int64][]int
	// Typedef name to canonical qualified type name.
	Typedefs map[string]string
	// Child types and namespaces by short name.
	Types map[string]*TypeData
	// Formal and template parameter type names, in declaration order.
	FormalParameters []string
	// Heap-allocation sites attached to this scope.
	HeapallocSites map[Frame]string
	// Constant class members, e.g. kNodeSlots.
	ConstantVariables map[string]uint64
}

// NewTypeData returns an empty TypeData with unknown size.
func NewTypeData() *TypeData {
	return &TypeData{
		Size:              -1,
		OffsetIndex:       map[int64][]int{},
		Typedefs:          map[string]string{},
		Types:             map[string]*TypeData{},
		HeapallocSites:    map[Frame]string{},
		ConstantVariables: map[string]uint64{},
	}
}

func (t *TypeData) IsRecordType() bool {
	return t.Kind == KindStructure || t.Kind == KindClass
}

// AddType registers a child type under the given short name.
func (t *TypeData) AddType(name string, child *TypeData) {
	child.Name = name
	t.Types[name] = child
}

// ensureType returns the child with the given name, creating it if absent.
func (t *TypeData) ensureType(name string) *TypeData {
	if child, ok := t.Types[name]; ok {
		return child
	}
	child := NewTypeData()
	t.AddType(name, child)
	return child
}

// addField appends a field and indexes its offset. Fields without a
// data-member location are dropped.
func (t *TypeData) addField(field *FieldData) {
	if field.Offset < 0 {
		return
	}
	t.OffsetIndex[field.Offset] = append(t.OffsetIndex[field.Offset], len(t.Fields))
	t.Fields = append(t.Fields, field)
}

// hasField reports whether an identical field was already recorded. The
// same member can be visited again when a type is instantiated in several
// compilation units.
func (t *TypeData) hasField(field *FieldData) bool {
	for _, f := range t.Fields {
		if f.Offset == field.Offset && f.TypeName == field.TypeName &&
			f.Name == field.Name {
			return true
		}
	}
	return false
}

// SortedFieldOffsets returns the distinct field offsets in ascending order.
func (t *TypeData) SortedFieldOffsets() []int64 {
	offsets := make([]int64, 0, len(t.OffsetIndex))
	for offset := range t.OffsetIndex {
		offsets = append(offsets, offset)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets
}

// FieldAt locates the field covering offset, which must lie inside the
// type's byte range. When several fields share the covering offset the
// lookup is ambiguous and NotFound is returned; the type resolver handles
// such conflicts itself.
func (t *TypeData) FieldAt(offset int64) (*FieldData, error) {
	if offset < 0 || offset >= t.Size {
		return nil, status.InvalidArgumentf("invalid offset value: %d", offset)
	}
	if len(t.Fields) == 0 || len(t.OffsetIndex) == 0 {
		return nil, status.NotFoundf("no field in this type")
	}
	best := int64(-1)
	for fieldOffset := range t.OffsetIndex {
		if fieldOffset <= offset && fieldOffset > best {
			best = fieldOffset
		}
	}
	if best < 0 {
		return nil, status.NotFoundf("no such field")
	}
	indices := t.OffsetIndex[best]
	if len(indices) > 1 {
		return nil, status.NotFoundf("multiple fields with offset %d", offset)
	}
	return t.Fields[indices[0]], nil
}

// Dump renders the type space in pseudo-C++ form. level controls the
// indentation, 0 at the top.
func (t *TypeData) Dump(w io.Writer, level int) {
	indent := strings.Repeat("    ", level)
	fmt.Fprintf(w, "%s// level=%d, size=%d, kind=%s, typedefs=%d, types=%d, fields=%d\n",
		indent, level, t.Size, t.Kind, len(t.Typedefs), len(t.Types), len(t.Fields))
	name := t.Name
	if name == "" {
		name = "/*empty*/"
	}
	fmt.Fprintf(w, "%s%s %s", indent, t.Kind.ShortString(), name)
	if len(t.Fields) == 0 && len(t.Types) == 0 && len(t.Typedefs) == 0 &&
		len(t.FormalParameters) == 0 {
		fmt.Fprintf(w, ";\n")
		return
	}
	fmt.Fprintf(w, " {\n")
	inner := strings.Repeat("    ", level+1)
	for _, field := range t.Fields {
		fmt.Fprintf(w, "%s%s %s; // offset=%d\n", inner, field.TypeName, field.Name, field.Offset)
	}
	for _, param := range t.FormalParameters {
		fmt.Fprintf(w, "%sformal_param %s;\n", inner, param)
	}
	for name, value := range t.ConstantVariables {
		fmt.Fprintf(w, "%s%s: %d;\n", inner, name, value)
	}
	for _, child := range t.sortedChildren() {
		child.Dump(w, level+1)
	}
	for name, target := range t.Typedefs {
		fmt.Fprintf(w, "%stypedef %s %s;\n", inner, target, name)
	}
	fmt.Fprintf(w, "%s};\n", inner)
}

func (t *TypeData) sortedChildren() []*TypeData {
	names := make([]string, 0, len(t.Types))
	for name := range t.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	children := make([]*TypeData, 0, len(names))
	for _, name := range names {
		children = append(children, t.Types[name])
	}
	return children
}

// BinaryInfo identifies a profiled binary by build id and path.
type BinaryInfo struct {
	BuildID string
	Path    string
}
