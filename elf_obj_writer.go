// Completion: 100% - ELF64 relocatable object emission complete
package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// unmapX86Reloc is the inverse of mapX86Reloc for kinds the writer can
// represent.
func unmapX86Reloc(k RelocKind) (uint32, bool) {
	switch k {
	case RelocAbs64:
		return uint32(elf.R_X86_64_64), true
	case RelocPC32:
		return uint32(elf.R_X86_64_PC32), true
	case RelocPLT32:
		return uint32(elf.R_X86_64_PLT32), true
	case RelocGOTPCRel:
		return uint32(elf.R_X86_64_GOTPCREL), true
	default:
		return 0, false
	}
}

func unmapARM64Reloc(k RelocKind) (uint32, bool) {
	switch k {
	case RelocAbs64:
		return uint32(elf.R_AARCH64_ABS64), true
	case RelocCall26:
		return uint32(elf.R_AARCH64_CALL26), true
	case RelocJump26:
		return uint32(elf.R_AARCH64_JUMP26), true
	case RelocPage21:
		return uint32(elf.R_AARCH64_ADR_PREL_PG_HI21), true
	case RelocPageOff12:
		return uint32(elf.R_AARCH64_ADD_ABS_LO12_NC), true
	case RelocGOTPage21:
		return uint32(elf.R_AARCH64_ADR_GOT_PAGE), true
	case RelocGOTPageOff12:
		return uint32(elf.R_AARCH64_LD64_GOT_LO12_NC), true
	default:
		return 0, false
	}
}

// elfStrtab accumulates a null-prefixed string table.
type elfStrtab struct {
	buf bytes.Buffer
}

func newElfStrtab() *elfStrtab {
	t := &elfStrtab{}
	t.buf.WriteByte(0)
	return t
}

func (t *elfStrtab) add(s string) uint32 {
	if s == "" {
		return 0
	}
	off := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	return off
}

// WriteELFRelocatable emits obj as an ET_REL file for the given
// architecture: the skip-link output mode. Reading the result back with
// parseELFObject reproduces the sections, symbols and relocations.
func WriteELFRelocatable(obj *Object, arch Arch) ([]byte, error) {
	shstrtab := newElfStrtab()
	strtab := newElfStrtab()

	// ELF requires local symbols before globals; relocation entries are
	// remapped through symRemap. Entry 0 of the symbol table is null.
	symRemap := make([]uint32, len(obj.Symbols))
	var order []int
	for i, sym := range obj.Symbols {
		if sym.Binding == BindLocal {
			order = append(order, i)
		}
	}
	firstGlobal := uint32(len(order) + 1)
	for i, sym := range obj.Symbols {
		if sym.Binding != BindLocal {
			order = append(order, i)
		}
	}
	for newIdx, oldIdx := range order {
		symRemap[oldIdx] = uint32(newIdx + 1)
	}

	// Section plan: null, payload sections, .rela per relocated section,
	// .symtab, .strtab, .shstrtab.
	type shdrPlan struct {
		hdr  elfShdr
		data []byte
	}
	plans := []shdrPlan{{}} // null section

	sectElfIdx := make([]uint16, len(obj.Sections))
	for i, sec := range obj.Sections {
		hdr := elfShdr{
			Name:      shstrtab.add(sec.Name),
			Size:      sec.Size,
			Addralign: sec.Align,
		}
		switch sec.Type {
		case SectBSS:
			hdr.Type = uint32(elf.SHT_NOBITS)
			hdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
		case SectText:
			hdr.Type = uint32(elf.SHT_PROGBITS)
			hdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR)
		case SectData:
			hdr.Type = uint32(elf.SHT_PROGBITS)
			hdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
		default:
			hdr.Type = uint32(elf.SHT_PROGBITS)
			hdr.Flags = uint64(elf.SHF_ALLOC)
		}
		sectElfIdx[i] = uint16(len(plans))
		plans = append(plans, shdrPlan{hdr: hdr, data: sec.Data})
	}

	// Relocation tables, one per patched section.
	relsBySect := make(map[int][]Relocation)
	for _, rel := range obj.Relocs {
		relsBySect[rel.Sect] = append(relsBySect[rel.Sect], rel)
	}
	symtabIdx := uint32(len(plans) + len(relsBySect))
	for i, sec := range obj.Sections {
		rels := relsBySect[i]
		if len(rels) == 0 {
			continue
		}
		var buf bytes.Buffer
		for _, rel := range rels {
			var rtype uint32
			var ok bool
			if arch == ArchARM64 {
				rtype, ok = unmapARM64Reloc(rel.Kind)
			} else {
				rtype, ok = unmapX86Reloc(rel.Kind)
			}
			if !ok {
				return nil, fmt.Errorf("cannot encode relocation kind %s for %s", rel.Kind, arch)
			}
			if rel.Sym < 0 {
				return nil, fmt.Errorf("cannot encode section-relative relocation in ELF output")
			}
			var entry [elfRelaSize]byte
			binary.LittleEndian.PutUint64(entry[0:], rel.Offset)
			binary.LittleEndian.PutUint64(entry[8:], uint64(symRemap[rel.Sym])<<32|uint64(rtype))
			binary.LittleEndian.PutUint64(entry[16:], uint64(rel.Addend))
			buf.Write(entry[:])
		}
		plans = append(plans, shdrPlan{
			hdr: elfShdr{
				Name:      shstrtab.add(".rela" + sec.Name),
				Type:      uint32(elf.SHT_RELA),
				Link:      symtabIdx,
				Info:      uint32(sectElfIdx[i]),
				Entsize:   elfRelaSize,
				Addralign: 8,
				Size:      uint64(buf.Len()),
			},
			data: buf.Bytes(),
		})
	}

	// Symbol table.
	var symBuf bytes.Buffer
	symBuf.Write(make([]byte, elfSymSize)) // null entry
	for _, oldIdx := range order {
		sym := obj.Symbols[oldIdx]
		var bind elf.SymBind
		switch sym.Binding {
		case BindGlobal:
			bind = elf.STB_GLOBAL
		case BindWeak:
			bind = elf.STB_WEAK
		default:
			bind = elf.STB_LOCAL
		}
		var typ elf.SymType
		switch sym.Kind {
		case SymFunc:
			typ = elf.STT_FUNC
		case SymObject:
			typ = elf.STT_OBJECT
		case SymSection:
			typ = elf.STT_SECTION
		default:
			typ = elf.STT_NOTYPE
		}
		var shndx uint16
		switch {
		case sym.Section >= 0:
			shndx = sectElfIdx[sym.Section]
		case sym.Defined:
			shndx = uint16(elf.SHN_ABS)
		}

		var entry [elfSymSize]byte
		binary.LittleEndian.PutUint32(entry[0:], strtab.add(sym.Name))
		entry[4] = byte(bind)<<4 | byte(typ)
		binary.LittleEndian.PutUint16(entry[6:], shndx)
		binary.LittleEndian.PutUint64(entry[8:], sym.Value)
		binary.LittleEndian.PutUint64(entry[16:], sym.Size)
		symBuf.Write(entry[:])
	}

	strtabIdx := symtabIdx + 1
	plans = append(plans, shdrPlan{
		hdr: elfShdr{
			Name:      shstrtab.add(".symtab"),
			Type:      uint32(elf.SHT_SYMTAB),
			Link:      strtabIdx,
			Info:      firstGlobal,
			Entsize:   elfSymSize,
			Addralign: 8,
			Size:      uint64(symBuf.Len()),
		},
		data: symBuf.Bytes(),
	})
	plans = append(plans, shdrPlan{
		hdr: elfShdr{
			Name:      shstrtab.add(".strtab"),
			Type:      uint32(elf.SHT_STRTAB),
			Addralign: 1,
			Size:      uint64(strtab.buf.Len()),
		},
		data: strtab.buf.Bytes(),
	})
	shstrtabName := shstrtab.add(".shstrtab")
	plans = append(plans, shdrPlan{
		hdr: elfShdr{
			Name:      shstrtabName,
			Type:      uint32(elf.SHT_STRTAB),
			Addralign: 1,
		},
	})
	// .shstrtab content is final only after its own name was added.
	plans[len(plans)-1].data = shstrtab.buf.Bytes()
	plans[len(plans)-1].hdr.Size = uint64(len(plans[len(plans)-1].data))

	// Assign file offsets: header, section payloads, then the section
	// header table.
	offset := uint64(elfHeaderSize)
	for i := 1; i < len(plans); i++ {
		p := &plans[i]
		align := p.hdr.Addralign
		if align == 0 {
			align = 1
		}
		offset = alignUp(offset, align)
		p.hdr.Offset = offset
		if p.hdr.Type != uint32(elf.SHT_NOBITS) {
			offset += uint64(len(p.data))
		}
	}
	shoff := alignUp(offset, 8)

	hdr := elf64Ehdr{
		Type:      uint16(elf.ET_REL),
		Machine:   elfMachineFor(arch),
		Version:   1,
		Shoff:     shoff,
		Ehsize:    elfHeaderSize,
		Shentsize: elfSectionHdrSize,
		Shnum:     uint16(len(plans)),
		Shstrndx:  uint16(len(plans) - 1),
	}
	hdr.Ident[0] = 0x7f
	hdr.Ident[1] = 'E'
	hdr.Ident[2] = 'L'
	hdr.Ident[3] = 'F'
	hdr.Ident[4] = byte(elf.ELFCLASS64)
	hdr.Ident[5] = byte(elf.ELFDATA2LSB)
	hdr.Ident[6] = byte(elf.EV_CURRENT)

	out := make([]byte, shoff+uint64(len(plans))*elfSectionHdrSize)
	var hbuf bytes.Buffer
	binary.Write(&hbuf, binary.LittleEndian, &hdr)
	copy(out, hbuf.Bytes())

	for i := 1; i < len(plans); i++ {
		p := &plans[i]
		if p.hdr.Type != uint32(elf.SHT_NOBITS) {
			copy(out[p.hdr.Offset:], p.data)
		}
	}
	for i := range plans {
		var sb bytes.Buffer
		binary.Write(&sb, binary.LittleEndian, &plans[i].hdr)
		copy(out[shoff+uint64(i)*elfSectionHdrSize:], sb.Bytes())
	}
	return out, nil
}
