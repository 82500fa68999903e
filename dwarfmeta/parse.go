// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfmeta // import "github.com/accessprof/fieldaccess/dwarfmeta"

import (
	"debug/dwarf"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// visitChildDIE dispatches one first-generation child of a scope onto the
// TypeData being built for that scope.
func (p *metadataPack) visitChildDIE(t *TypeData, d *die, readSubprograms bool,
	ctx *parseContext) {
	switch d.tag {
	case dwarf.TagNamespace, dwarf.TagClassType, dwarf.TagStructType,
		dwarf.TagBaseType, dwarf.TagArrayType, dwarf.TagPointerType,
		dwarf.TagPtrToMemberType, dwarf.TagReferenceType,
		dwarf.TagRvalueReferenceType, dwarf.TagEnumerationType,
		dwarf.TagUnionType:
		var childName string
		if sig, ok := d.signature(); ok {
			childName = ctx.sigName(sig)
		} else {
			childName = ctx.shortNameOrAnon(d)
		}
		if childName == "" {
			log.Errorf("child name is empty for die at %#x", d.offset)
		}
		var child *TypeData
		if t == p.rootSpace {
			child = p.addTopLevelType(childName)
		} else {
			child = t.ensureType(childName)
		}
		p.parseDIE(child, d, readSubprograms, ctx)

	case dwarf.TagSubprogram:
		if !readSubprograms {
			return
		}
		childName := d.linkageName()
		if childName == "" {
			// Allocations made directly in main matter: main has no
			// linkage name.
			childName = d.name()
			if childName == "" {
				return
			}
		}
		child := t.ensureType(childName)
		p.parseDIE(child, d, readSubprograms, ctx)

	case TagHeapalloc:
		ref, sig := ctx.typeRef(d)
		target := ctx.typedefTarget(ref)
		var typeName string
		if target != nil {
			typeName = ctx.qualifiedName(target)
		} else if sig != 0 {
			typeName = ctx.sigName(sig)
		}
		line, _ := d.attrUint(dwarf.AttrDeclLine)
		column, _ := d.attrUint(dwarf.AttrDeclColumn)
		funcName := d.name()
		t.HeapallocSites[Frame{
			FunctionName: funcName,
			LineOffset:   line,
			Column:       column,
		}] = typeName

	case dwarf.TagTypedef:
		name := ctx.shortName(d)
		target := ctx.typedefTarget(d)
		if target != nil {
			t.Typedefs[name] = ctx.qualifiedName(target)
		}

	case dwarf.TagMember, dwarf.TagInheritance:
		field := parseFieldDIE(d, ctx)
		if unwrapped, ok := UnwrapParameterizedStorage(field.TypeName); ok {
			field.TypeName = unwrapped
		}
		// The same member shows up again when the type is instantiated in
		// several compilation units.
		if t.hasField(field) {
			return
		}
		t.addField(field)

	case dwarf.TagTemplateTypeParameter, dwarf.TagFormalParameter:
		paramDIE, sig := ctx.formalParamTypeDIE(d)
		var paramName string
		if paramDIE != nil {
			paramName = ctx.qualifiedName(paramDIE)
		} else if sig != 0 {
			paramName = ctx.sigName(sig)
		}
		if paramName == "" {
			log.Debugf("formal parameter name is empty for die at %#x", d.offset)
			return
		}
		for _, existing := range t.FormalParameters {
			if existing == paramName {
				return
			}
		}
		t.FormalParameters = append(t.FormalParameters, paramName)

	case dwarf.TagTemplateValueParameter, dwarf.TagVariable:
		value, ok := d.attrUint(dwarf.AttrConstValue)
		if !ok {
			return
		}
		name := d.name()
		if name == "" {
			return
		}
		t.ConstantVariables[name] = value

	default:
	}
}

// parseDIE fills a TypeData from its defining DIE and recurses into
// scope-forming children.
func (p *metadataPack) parseDIE(t *TypeData, d *die, readSubprograms bool,
	ctx *parseContext) {
	switch d.tag {
	case dwarf.TagNamespace:
		t.Kind = KindNamespace
	case dwarf.TagClassType:
		t.Kind = KindClass
	case dwarf.TagEnumerationType:
		t.Kind = KindEnum
	case dwarf.TagStructType:
		t.Kind = KindStructure
	case dwarf.TagBaseType:
		t.Kind = KindBaseType
	case dwarf.TagArrayType, dwarf.TagPointerType, dwarf.TagPtrToMemberType,
		dwarf.TagReferenceType, dwarf.TagRvalueReferenceType:
		t.Kind = KindPointerLike
	case dwarf.TagSubprogram:
		t.Kind = KindSubprogram
		if linkage := d.linkageName(); linkage != "" {
			t.Name = linkage
		}
	case dwarf.TagUnionType:
		t.Kind = KindUnion
	default:
		t.Kind = KindUnknown
	}

	switch t.Kind {
	case KindBaseType, KindClass, KindStructure, KindUnion, KindEnum:
		if size, ok := d.attrInt(dwarf.AttrByteSize); ok {
			t.Size = size
		}
	}

	switch t.Kind {
	case KindNamespace, KindClass, KindStructure, KindSubprogram, KindUnion:
		for _, child := range d.children {
			p.visitChildDIE(t, child, readSubprograms, ctx)
		}
	}
}

// parseFieldDIE builds a FieldData from a member or inheritance DIE.
func parseFieldDIE(d *die, ctx *parseContext) *FieldData {
	field := &FieldData{
		Name:   ctx.shortName(d),
		Offset: -1,
	}
	if offset, ok := d.attrInt(dwarf.AttrDataMemberLoc); ok {
		field.Offset = offset
	}
	if d.tag == dwarf.TagInheritance {
		field.Inherited = true
	}

	typeDIE, sig := ctx.typeDIE(d)
	if typeDIE == nil && sig != 0 {
		field.TypeName = ctx.sigName(sig)
		return field
	}
	field.TypeName = ctx.qualifiedName(typeDIE)

	if strings.HasSuffix(field.TypeName, "::union ") ||
		strings.HasSuffix(field.TypeName, "::class ") ||
		strings.HasSuffix(field.TypeName, "::structure ") {
		// The member refers to an anonymous aggregate. Rewrite the
		// trailing token into a stable name based on the referenced
		// entry's offset.
		if idx := strings.LastIndex(field.TypeName, "::"); idx >= 0 {
			field.TypeName = field.TypeName[:idx+2]
		}
		if ref, _ := ctx.typeRef(d); ref != nil {
			field.TypeName = fmt.Sprintf("%s%s%d", field.TypeName, anonPrefix, ref.offset)
		}
	}
	return field
}
