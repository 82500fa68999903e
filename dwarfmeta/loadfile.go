// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfmeta // import "github.com/accessprof/fieldaccess/dwarfmeta"

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
)

// maxSectionSize bounds how much of a single debug section is read.
const maxSectionSize = 4 << 30

// dwarfFile is one parsed debug-info carrier: either the binary itself or
// a split-debug (.dwp) file whose units live in .dwo sections.
type dwarfFile struct {
	data        *dwarf.Data
	pointerSize int64
}

// loadDwarfFile opens path as an ELF file and decodes its DWARF data. For
// a .dwp package the units live in .debug_*.dwo sections, which the
// standard decoder does not pick up on its own; those are stitched
// together manually, the same way raw sections are fed to dwarf.New when
// reading struct layouts from memory-mapped ELF images.
func loadDwarfFile(path string) (*dwarfFile, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open object file %s: %v", path, err)
	}
	defer f.Close()

	pointerSize := int64(8)
	if f.Class == elf.ELFCLASS32 {
		pointerSize = 4
	}

	if f.Section(".debug_info.dwo") != nil {
		data, err := loadSplitDwarf(f)
		if err != nil {
			return nil, fmt.Errorf("cannot parse split debug file %s: %v", path, err)
		}
		return &dwarfFile{data: data, pointerSize: pointerSize}, nil
	}

	data, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("cannot parse DWARF of %s: %v", path, err)
	}
	return &dwarfFile{data: data, pointerSize: pointerSize}, nil
}

func sectionData(f *elf.File, name string) ([]byte, error) {
	s := f.Section(name)
	if s == nil {
		return nil, nil
	}
	if s.Size > maxSectionSize {
		return nil, fmt.Errorf("section %s too large: %d", name, s.Size)
	}
	return s.Data()
}

// loadSplitDwarf builds a dwarf.Data from the .dwo sections of a split
// debug package.
func loadSplitDwarf(f *elf.File) (*dwarf.Data, error) {
	abbrev, err := sectionData(f, ".debug_abbrev.dwo")
	if err != nil {
		return nil, err
	}
	info, err := sectionData(f, ".debug_info.dwo")
	if err != nil {
		return nil, err
	}
	str, err := sectionData(f, ".debug_str.dwo")
	if err != nil {
		return nil, err
	}
	line, err := sectionData(f, ".debug_line.dwo")
	if err != nil {
		return nil, err
	}
	if info == nil || abbrev == nil {
		return nil, fmt.Errorf("missing .dwo debug sections")
	}
	data, err := dwarf.New(abbrev, nil, nil, info, line, nil, nil, str)
	if err != nil {
		return nil, err
	}

	// DWARF5 indexed strings and addresses.
	for _, aux := range []struct{ logical, section string }{
		{".debug_str_offsets", ".debug_str_offsets.dwo"},
		{".debug_line_str", ".debug_line_str"},
		{".debug_addr", ".debug_addr"},
	} {
		b, err := sectionData(f, aux.section)
		if err != nil {
			return nil, err
		}
		if b == nil {
			continue
		}
		if err := data.AddSection(aux.logical, b); err != nil {
			return nil, err
		}
	}

	// Pre-DWARF5 type units sit in their own section.
	if types, err := sectionData(f, ".debug_types.dwo"); err != nil {
		return nil, err
	} else if types != nil {
		if err := data.AddTypes("types.dwo", types); err != nil {
			return nil, err
		}
	}
	return data, nil
}
