// Completion: 100% - ELF64 relocatable object reading complete
package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/apex/log"
)

const (
	elfHeaderSize     = 64
	elfSectionHdrSize = 64
	elfSymSize        = 24
	elfRelaSize       = 24
)

// elfShdr is the on-disk Elf64_Shdr, decoded manually so every field access
// goes through a bounds-checked slice.
type elfShdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

func decodeShdr(b []byte) elfShdr {
	return elfShdr{
		Name:      binary.LittleEndian.Uint32(b[0:]),
		Type:      binary.LittleEndian.Uint32(b[4:]),
		Flags:     binary.LittleEndian.Uint64(b[8:]),
		Addr:      binary.LittleEndian.Uint64(b[16:]),
		Offset:    binary.LittleEndian.Uint64(b[24:]),
		Size:      binary.LittleEndian.Uint64(b[32:]),
		Link:      binary.LittleEndian.Uint32(b[40:]),
		Info:      binary.LittleEndian.Uint32(b[44:]),
		Addralign: binary.LittleEndian.Uint64(b[48:]),
		Entsize:   binary.LittleEndian.Uint64(b[56:]),
	}
}

// getString reads a null-terminated string from a string table. The index
// must be in range and the terminator must fall inside the table. This is a
// hard security requirement: string tables come from untrusted input.
func getString(file string, strtab []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(strtab)) {
		return "", &BoundsError{File: file, What: "string table index", Offset: uint64(off), Limit: uint64(len(strtab))}
	}
	end := bytes.IndexByte(strtab[off:], 0)
	if end < 0 {
		return "", &BoundsError{File: file, What: "unterminated string", Offset: uint64(off), Limit: uint64(len(strtab))}
	}
	return string(strtab[off : uint64(off)+uint64(end)]), nil
}

// sliceCheck validates that [off, off+size) lies inside data without the
// off+size addition that can wrap. Returns the subslice.
func sliceCheck(file, what string, data []byte, off, size uint64) ([]byte, error) {
	limit := uint64(len(data))
	if off > limit || size > limit-off {
		return nil, &BoundsError{File: file, What: what, Offset: off, Limit: limit}
	}
	return data[off : off+size], nil
}

// classifyELFSection maps a section header to the unified semantic type.
// Sections outside the four classes (symbol tables, relocation tables,
// notes, debug info) are not materialized.
func classifyELFSection(name string, typ uint32, flags uint64) (SectionType, int) {
	switch {
	case typ == uint32(elf.SHT_NOBITS) && flags&uint64(elf.SHF_ALLOC) != 0:
		return SectBSS, PermRead | PermWrite
	case name == ".text" || strings.HasPrefix(name, ".text."):
		return SectText, PermRead | PermExec
	case name == ".rodata" || strings.HasPrefix(name, ".rodata."):
		return SectROData, PermRead
	case name == ".data" || strings.HasPrefix(name, ".data."):
		return SectData, PermRead | PermWrite
	case name == ".bss" || strings.HasPrefix(name, ".bss."):
		return SectBSS, PermRead | PermWrite
	default:
		return SectUnknown, 0
	}
}

// parseELFObject parses a 64-bit little-endian ET_REL file for x86-64 or
// ARM64. Any structural violation aborts the parse; no partially-valid
// object is returned.
func parseELFObject(name string, data []byte) (*Object, error) {
	if len(data) < elfHeaderSize {
		return nil, &FormatError{File: name, Detail: "truncated ELF header"}
	}
	if elf.Class(data[4]) != elf.ELFCLASS64 {
		return nil, &FormatError{File: name, Detail: "not a 64-bit ELF file"}
	}
	if elf.Data(data[5]) != elf.ELFDATA2LSB {
		return nil, &FormatError{File: name, Detail: "not little-endian"}
	}
	if typ := elf.Type(binary.LittleEndian.Uint16(data[16:])); typ != elf.ET_REL {
		return nil, &FormatError{File: name, Detail: fmt.Sprintf("not a relocatable object (type %v)", typ)}
	}
	machine := elf.Machine(binary.LittleEndian.Uint16(data[18:]))
	if machine != elf.EM_X86_64 && machine != elf.EM_AARCH64 {
		return nil, &FormatError{File: name, Detail: fmt.Sprintf("unsupported machine %v", machine)}
	}

	shoff := binary.LittleEndian.Uint64(data[40:])
	shentsize := binary.LittleEndian.Uint16(data[58:])
	shnum := uint64(binary.LittleEndian.Uint16(data[60:]))
	shstrndx := uint64(binary.LittleEndian.Uint16(data[62:]))

	if shentsize != elfSectionHdrSize {
		return nil, &FormatError{File: name, Detail: fmt.Sprintf("unexpected section header entry size %d", shentsize)}
	}
	shdrData, err := sliceCheck(name, "section header table", data, shoff, shnum*elfSectionHdrSize)
	if err != nil {
		return nil, err
	}
	if shstrndx >= shnum {
		return nil, &BoundsError{File: name, What: "shstrndx", Offset: shstrndx, Limit: shnum}
	}

	shdrs := make([]elfShdr, shnum)
	for i := range shdrs {
		shdrs[i] = decodeShdr(shdrData[uint64(i)*elfSectionHdrSize:])
	}

	shstrtab, err := sliceCheck(name, "section name string table", data, shdrs[shstrndx].Offset, shdrs[shstrndx].Size)
	if err != nil {
		return nil, err
	}

	obj := &Object{Name: name, Format: FormatELF, Raw: data}

	// Many ELF sections (.symtab, .strtab, .rela.*) are intentionally not
	// materialized; sectMap translates ELF section indices to linker
	// section indices, -1 meaning "not kept".
	sectMap := make([]int, shnum)
	for i := range sectMap {
		sectMap[i] = -1
	}

	for i := uint64(1); i < shnum; i++ {
		hdr := &shdrs[i]
		sname, err := getString(name, shstrtab, hdr.Name)
		if err != nil {
			return nil, err
		}
		stype, perms := classifyELFSection(sname, hdr.Type, hdr.Flags)
		if stype == SectUnknown {
			continue
		}

		sec := &Section{
			Name:  sname,
			Type:  stype,
			Size:  hdr.Size,
			Align: hdr.Addralign,
			Perms: perms,
		}
		if sec.Align == 0 {
			sec.Align = 1
		}
		if hdr.Type != uint32(elf.SHT_NOBITS) {
			raw, err := sliceCheck(name, "section "+sname, data, hdr.Offset, hdr.Size)
			if err != nil {
				return nil, err
			}
			sec.Data = make([]byte, hdr.Size)
			copy(sec.Data, raw)
		}
		sectMap[i] = len(obj.Sections)
		obj.Sections = append(obj.Sections, sec)
	}

	// Symbols. All entries are kept in table order, including the null
	// entry at index 0, because relocations reference symbols by index.
	for i := uint64(1); i < shnum; i++ {
		if shdrs[i].Type != uint32(elf.SHT_SYMTAB) {
			continue
		}
		if err := parseELFSymbols(name, obj, data, shdrs, i, sectMap); err != nil {
			return nil, err
		}
		break
	}

	// Relocation tables.
	for i := uint64(1); i < shnum; i++ {
		if shdrs[i].Type != uint32(elf.SHT_RELA) {
			continue
		}
		if err := parseELFRelocations(name, obj, data, &shdrs[i], machine, sectMap); err != nil {
			return nil, err
		}
	}

	log.WithField("file", name).
		WithField("sections", len(obj.Sections)).
		WithField("symbols", len(obj.Symbols)).
		WithField("relocs", len(obj.Relocs)).
		Debug("parsed ELF object")
	return obj, nil
}

func parseELFSymbols(name string, obj *Object, data []byte, shdrs []elfShdr, symIdx uint64, sectMap []int) error {
	hdr := &shdrs[symIdx]
	if hdr.Entsize != elfSymSize {
		return &FormatError{File: name, Detail: fmt.Sprintf("unexpected symbol entry size %d", hdr.Entsize)}
	}
	symData, err := sliceCheck(name, "symbol table", data, hdr.Offset, hdr.Size)
	if err != nil {
		return err
	}
	if uint64(hdr.Link) >= uint64(len(shdrs)) {
		return &BoundsError{File: name, What: "symbol string table link", Offset: uint64(hdr.Link), Limit: uint64(len(shdrs))}
	}
	strtab, err := sliceCheck(name, "symbol string table", data, shdrs[hdr.Link].Offset, shdrs[hdr.Link].Size)
	if err != nil {
		return err
	}

	count := hdr.Size / elfSymSize
	for i := uint64(0); i < count; i++ {
		b := symData[i*elfSymSize:]
		nameOff := binary.LittleEndian.Uint32(b[0:])
		info := b[4]
		shndx := binary.LittleEndian.Uint16(b[6:])
		value := binary.LittleEndian.Uint64(b[8:])
		size := binary.LittleEndian.Uint64(b[16:])

		symName, err := getString(name, strtab, nameOff)
		if err != nil {
			return err
		}

		sym := &Symbol{
			Name:    symName,
			Value:   value,
			Size:    size,
			Section: -1,
		}
		switch elf.SymBind(info >> 4) {
		case elf.STB_GLOBAL:
			sym.Binding = BindGlobal
		case elf.STB_WEAK:
			sym.Binding = BindWeak
		default:
			sym.Binding = BindLocal
		}
		switch elf.SymType(info & 0xf) {
		case elf.STT_FUNC:
			sym.Kind = SymFunc
		case elf.STT_OBJECT:
			sym.Kind = SymObject
		case elf.STT_SECTION:
			sym.Kind = SymSection
		default:
			sym.Kind = SymNoType
		}

		switch {
		case shndx == uint16(elf.SHN_UNDEF):
			// undefined, resolved later
		case shndx == uint16(elf.SHN_ABS):
			sym.Defined = true
			sym.Ref = SymRef{State: SymAbsolute}
		case shndx == uint16(elf.SHN_COMMON):
			// Tentative definition: let resolution find a real one.
			log.WithField("symbol", symName).Debug("treating SHN_COMMON symbol as undefined")
		case shndx >= uint16(elf.SHN_LORESERVE):
			log.Warnf("%s: symbol %q uses reserved section index 0x%x, skipping", name, symName, shndx)
		default:
			if uint64(shndx) >= uint64(len(sectMap)) {
				return &BoundsError{File: name, What: "symbol section index", Offset: uint64(shndx), Limit: uint64(len(sectMap))}
			}
			if mapped := sectMap[shndx]; mapped >= 0 {
				sym.Section = mapped
				sym.Defined = true
			}
			// A symbol in a non-materialized section (.comment etc.)
			// stays undefined; nothing in the output can reference it.
		}

		obj.Symbols = append(obj.Symbols, sym)
	}
	return nil
}

func parseELFRelocations(name string, obj *Object, data []byte, hdr *elfShdr, machine elf.Machine, sectMap []int) error {
	if hdr.Entsize != elfRelaSize {
		return &FormatError{File: name, Detail: fmt.Sprintf("unexpected rela entry size %d", hdr.Entsize)}
	}
	if uint64(hdr.Info) >= uint64(len(sectMap)) {
		return &BoundsError{File: name, What: "relocation target section", Offset: uint64(hdr.Info), Limit: uint64(len(sectMap))}
	}
	target := sectMap[hdr.Info]
	if target < 0 {
		// Relocations for a section that was not kept.
		return nil
	}
	relaData, err := sliceCheck(name, "relocation table", data, hdr.Offset, hdr.Size)
	if err != nil {
		return err
	}

	count := hdr.Size / elfRelaSize
	for i := uint64(0); i < count; i++ {
		b := relaData[i*elfRelaSize:]
		offset := binary.LittleEndian.Uint64(b[0:])
		info := binary.LittleEndian.Uint64(b[8:])
		addend := int64(binary.LittleEndian.Uint64(b[16:]))

		symIdx := info >> 32
		rtype := uint32(info)
		if symIdx >= uint64(len(obj.Symbols)) {
			return &BoundsError{File: name, What: "relocation symbol index", Offset: symIdx, Limit: uint64(len(obj.Symbols))}
		}

		var kind RelocKind
		if machine == elf.EM_X86_64 {
			kind = mapX86Reloc(elf.R_X86_64(rtype))
		} else {
			kind = mapARM64Reloc(elf.R_AARCH64(rtype))
		}
		if kind == RelocNone {
			log.Warnf("%s: unknown relocation type %d for %v, skipping", name, rtype, machine)
		}

		obj.Relocs = append(obj.Relocs, Relocation{
			Sect:       target,
			Offset:     offset,
			Kind:       kind,
			Sym:        int(symIdx),
			TargetSect: -1,
			Addend:     addend,
		})
	}
	return nil
}

// mapX86Reloc maps ELF x86-64 relocation types onto the unified enum.
func mapX86Reloc(r elf.R_X86_64) RelocKind {
	switch r {
	case elf.R_X86_64_NONE:
		return RelocNone
	case elf.R_X86_64_64:
		return RelocAbs64
	case elf.R_X86_64_PC32:
		return RelocPC32
	case elf.R_X86_64_PLT32:
		return RelocPLT32
	case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
		return RelocGOTPCRel
	case elf.R_X86_64_TPOFF32, elf.R_X86_64_TPOFF64, elf.R_X86_64_GOTTPOFF,
		elf.R_X86_64_TLSGD, elf.R_X86_64_TLSLD, elf.R_X86_64_DTPOFF32:
		return RelocTLS
	default:
		return RelocNone
	}
}

// mapARM64Reloc maps ELF AArch64 relocation types onto the unified enum.
func mapARM64Reloc(r elf.R_AARCH64) RelocKind {
	switch r {
	case elf.R_AARCH64_NONE:
		return RelocNone
	case elf.R_AARCH64_ABS64:
		return RelocAbs64
	case elf.R_AARCH64_CALL26:
		return RelocCall26
	case elf.R_AARCH64_JUMP26:
		return RelocJump26
	case elf.R_AARCH64_ADR_PREL_PG_HI21:
		return RelocPage21
	case elf.R_AARCH64_ADD_ABS_LO12_NC:
		return RelocPageOff12
	case elf.R_AARCH64_ADR_GOT_PAGE:
		return RelocGOTPage21
	case elf.R_AARCH64_LD64_GOT_LO12_NC:
		return RelocGOTPageOff12
	case elf.R_AARCH64_TLSLE_ADD_TPREL_HI12, elf.R_AARCH64_TLSLE_ADD_TPREL_LO12_NC,
		elf.R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21, elf.R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC,
		elf.R_AARCH64_TLSDESC_ADR_PAGE21, elf.R_AARCH64_TLSDESC_LD64_LO12_NC,
		elf.R_AARCH64_TLSDESC_ADD_LO12_NC, elf.R_AARCH64_TLSDESC_CALL:
		return RelocTLS
	default:
		return RelocNone
	}
}
