// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfmeta // import "github.com/accessprof/fieldaccess/dwarfmeta"

import (
	"debug/dwarf"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// TagHeapalloc is the producer extension tag attached to heap-allocation
// statements. It references the allocated type and carries the source
// line/column of the allocation.
const TagHeapalloc dwarf.Tag = 0x4209

// die is a lightweight in-memory node of the DWARF tree. The standard
// library reader is stream-oriented; type-name resolution needs to walk
// both up (enclosing namespaces) and sideways (DW_AT_type references), so
// each unit is materialized once up front.
type die struct {
	tag      dwarf.Tag
	offset   dwarf.Offset
	entry    *dwarf.Entry
	parent   *die
	children []*die
}

func (d *die) name() string {
	name, _ := d.entry.Val(dwarf.AttrName).(string)
	return name
}

func (d *die) linkageName() string {
	name, _ := d.entry.Val(dwarf.AttrLinkageName).(string)
	return name
}

func (d *die) attrUint(attr dwarf.Attr) (uint64, bool) {
	switch v := d.entry.Val(attr).(type) {
	case uint64:
		return v, true
	case int64:
		return uint64(v), true
	}
	return 0, false
}

func (d *die) attrInt(attr dwarf.Attr) (int64, bool) {
	switch v := d.entry.Val(attr).(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	}
	return 0, false
}

// signature returns the type-unit signature reference carried by this
// entry, if any.
func (d *die) signature() (uint64, bool) {
	sig, ok := d.entry.Val(dwarf.AttrSignature).(uint64)
	return sig, ok
}

// parseContext carries the cross-unit lookup state of one ParseDWARF run.
type parseContext struct {
	byOffset  map[dwarf.Offset]*die
	sigToName map[uint64]string
}

func newParseContext() *parseContext {
	return &parseContext{
		byOffset:  map[dwarf.Offset]*die{},
		sigToName: map[uint64]string{},
	}
}

// typeRef resolves the DW_AT_type reference of d. A DW_FORM_ref_sig8
// reference yields no die but a signature.
func (ctx *parseContext) typeRef(d *die) (*die, uint64) {
	switch v := d.entry.Val(dwarf.AttrType).(type) {
	case dwarf.Offset:
		return ctx.byOffset[v], 0
	case uint64:
		return nil, v
	}
	return nil, 0
}

// typeDIE chases DW_AT_type references down to a concrete type
// definition. Typedefs, cv-qualifiers and enums are chased through; the
// walk stops at records, base types, pointers, references, arrays and
// unions.
func (ctx *parseContext) typeDIE(d *die) (*die, uint64) {
	if d == nil {
		return nil, 0
	}
	switch d.tag {
	case dwarf.TagStructType, dwarf.TagArrayType, dwarf.TagClassType,
		dwarf.TagBaseType, dwarf.TagPointerType, dwarf.TagReferenceType,
		dwarf.TagUnionType:
		return d, 0
	}
	ref, sig := ctx.typeRef(d)
	if ref == nil {
		return nil, sig
	}
	return ctx.typeDIE(ref)
}

// formalParamTypeDIE is like typeDIE but does not stop at pointer-shaped
// tags: a formal parameter's interesting type is the record or base type
// behind any indirections.
func (ctx *parseContext) formalParamTypeDIE(d *die) (*die, uint64) {
	if d == nil {
		return nil, 0
	}
	switch d.tag {
	case dwarf.TagStructType, dwarf.TagClassType, dwarf.TagBaseType,
		dwarf.TagUnionType:
		return d, 0
	}
	ref, sig := ctx.typeRef(d)
	if ref == nil {
		return nil, sig
	}
	return ctx.formalParamTypeDIE(ref)
}

// typedefTarget chases typedef entries down to the first non-typedef die.
func (ctx *parseContext) typedefTarget(d *die) *die {
	cur := d
	for cur != nil && cur.tag == dwarf.TagTypedef {
		next, _ := ctx.typeRef(cur)
		cur = next
	}
	return cur
}

// shortName returns the unqualified name of d, deriving pointer-shaped
// names from the pointee when the entry itself is nameless.
func (ctx *parseContext) shortName(d *die) string {
	if d == nil {
		return ""
	}
	if name := d.name(); name != "" {
		return name
	}
	ref, _ := ctx.typeRef(d)
	sub := ctx.shortName(ref)
	switch d.tag {
	case dwarf.TagArrayType:
		return sub + "[]"
	case dwarf.TagPointerType, dwarf.TagPtrToMemberType:
		return sub + "*"
	case dwarf.TagReferenceType:
		return sub + "&"
	case dwarf.TagRvalueReferenceType:
		return sub + "&&"
	default:
		return sub
	}
}

// shortNameOrAnon is shortName with a stable synthesized fallback for
// entries that stay nameless after resolution.
func (ctx *parseContext) shortNameOrAnon(d *die) string {
	name := ctx.shortName(d)
	if name == "" {
		name = fmt.Sprintf("%s%d", anonPrefix, d.offset)
	}
	return name
}

// sigName resolves a type-unit signature to the qualified name recorded
// in the pre-pass, with an AnonSig fallback for unknown signatures.
func (ctx *parseContext) sigName(sig uint64) string {
	if name, ok := ctx.sigToName[sig]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("%s%d", anonSigPrefix, sig)
}

// isScopeTag reports whether the tag opens a name scope that contributes
// a "::" component to qualified names.
func isScopeTag(tag dwarf.Tag) bool {
	switch tag {
	case dwarf.TagNamespace, dwarf.TagClassType, dwarf.TagStructType,
		dwarf.TagUnionType, dwarf.TagEnumerationType:
		return true
	}
	return false
}

func isUnitTag(tag dwarf.Tag) bool {
	switch tag {
	case dwarf.TagCompileUnit, dwarf.TagPartialUnit, dwarf.TagTypeUnit:
		return true
	}
	return false
}

// qualifiedName renders the fully qualified name of a type die, the way
// the debug-info producer spells it: enclosing namespaces and record
// scopes joined with "::", pointer shapes derived from the pointee,
// arrays with their element counts. Anonymous aggregates render as a
// trailing "class "/"structure "/"union " token, which field parsing
// rewrites to a stable Anon name.
func (ctx *parseContext) qualifiedName(d *die) string {
	if d == nil {
		return ""
	}
	if sig, ok := d.signature(); ok {
		if name, ok := ctx.sigToName[sig]; ok && name != "" {
			return name
		}
	}
	base := d.name()
	if base == "" {
		switch d.tag {
		case dwarf.TagPointerType, dwarf.TagPtrToMemberType:
			ref, sig := ctx.typeRef(d)
			sub := ctx.qualifiedName(ref)
			if sub == "" && sig != 0 {
				sub = ctx.sigName(sig)
			}
			if sub == "" {
				sub = "void"
			}
			if strings.HasSuffix(sub, "*") {
				return sub + "*"
			}
			return sub + " *"
		case dwarf.TagReferenceType:
			ref, _ := ctx.typeRef(d)
			return ctx.qualifiedName(ref) + " &"
		case dwarf.TagRvalueReferenceType:
			ref, _ := ctx.typeRef(d)
			return ctx.qualifiedName(ref) + " &&"
		case dwarf.TagArrayType:
			ref, _ := ctx.typeRef(d)
			return ctx.qualifiedName(ref) + ctx.arrayDims(d)
		case dwarf.TagSubroutineType:
			ref, _ := ctx.typeRef(d)
			sub := ctx.qualifiedName(ref)
			if sub == "" {
				sub = "void"
			}
			return sub + " ()"
		case dwarf.TagClassType:
			base = "class "
		case dwarf.TagStructType:
			base = "structure "
		case dwarf.TagUnionType:
			base = "union "
		default:
			return ""
		}
	}
	var parts []string
	for p := d.parent; p != nil && !isUnitTag(p.tag); p = p.parent {
		if !isScopeTag(p.tag) {
			continue
		}
		name := p.name()
		if name == "" {
			if p.tag == dwarf.TagNamespace {
				name = "(anonymous namespace)"
			} else {
				continue
			}
		}
		parts = append([]string{name}, parts...)
	}
	if len(parts) == 0 {
		return base
	}
	return strings.Join(parts, "::") + "::" + base
}

// arrayDims renders the "[N][M]..." suffix of an array type from its
// subrange children.
func (ctx *parseContext) arrayDims(d *die) string {
	var sb strings.Builder
	for _, child := range d.children {
		if child.tag != dwarf.TagSubrangeType {
			continue
		}
		if count, ok := child.attrInt(dwarf.AttrCount); ok {
			fmt.Fprintf(&sb, "[%d]", count)
		} else if upper, ok := child.attrInt(dwarf.AttrUpperBound); ok {
			fmt.Fprintf(&sb, "[%d]", upper+1)
		} else {
			sb.WriteString("[]")
		}
	}
	if sb.Len() == 0 {
		return "[]"
	}
	return sb.String()
}

// unitOffsets collects the offsets of all unit root entries.
func unitOffsets(data *dwarf.Data) ([]dwarf.Offset, error) {
	var offsets []dwarf.Offset
	r := data.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return offsets, nil
		}
		if isUnitTag(entry.Tag) {
			offsets = append(offsets, entry.Offset)
		}
		r.SkipChildren()
	}
}

// buildUnit materializes the DIE tree of the unit rooted at offset.
func buildUnit(data *dwarf.Data, offset dwarf.Offset) (*die, map[dwarf.Offset]*die, error) {
	r := data.Reader()
	r.Seek(offset)
	entry, err := r.Next()
	if err != nil {
		return nil, nil, err
	}
	if entry == nil || !isUnitTag(entry.Tag) {
		return nil, nil, fmt.Errorf("no unit at offset %#x", offset)
	}
	root := &die{tag: entry.Tag, offset: entry.Offset, entry: entry}
	index := map[dwarf.Offset]*die{root.offset: root}
	if !entry.Children {
		return root, index, nil
	}
	cur := root
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, nil, err
		}
		if entry == nil {
			break
		}
		if entry.Tag == 0 {
			if cur == root {
				break
			}
			cur = cur.parent
			continue
		}
		node := &die{tag: entry.Tag, offset: entry.Offset, entry: entry, parent: cur}
		cur.children = append(cur.children, node)
		index[node.offset] = node
		if entry.Children {
			cur = node
		}
	}
	return root, index, nil
}

// registerSignatures records signature-to-name mappings found in a unit.
// Declarations referencing a type unit carry DW_AT_signature next to
// their name; nameless signatures later resolve to AnonSig names.
func (ctx *parseContext) registerSignatures(root *die) {
	var walk func(d *die)
	walk = func(d *die) {
		if sig, ok := d.signature(); ok {
			name := ctx.qualifiedName(d)
			if name == "" || strings.HasSuffix(name, "class ") ||
				strings.HasSuffix(name, "union ") ||
				strings.HasSuffix(name, "structure ") {
				name = strings.TrimSpace(name)
				name += fmt.Sprintf("_%s%d", anonSigPrefix, sig)
			}
			if _, seen := ctx.sigToName[sig]; !seen {
				ctx.sigToName[sig] = name
			}
		}
		for _, child := range d.children {
			walk(child)
		}
	}
	walk(root)
	log.Debugf("signature map holds %d entries", len(ctx.sigToName))
}
