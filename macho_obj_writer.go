// Completion: 100% - Mach-O MH_OBJECT emission complete
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// machoSectNames maps a linker section type onto the conventional
// segment,section name pair of object files.
func machoSectNames(t SectionType) (seg, sect string) {
	switch t {
	case SectText:
		return "__TEXT", "__text"
	case SectROData:
		return "__TEXT", "__const"
	case SectBSS:
		return "__DATA", "__bss"
	default:
		return "__DATA", "__data"
	}
}

// WriteMachORelocatable emits obj as an ARM64 MH_OBJECT file: the
// skip-link output mode on Darwin. Reading the result back with
// parseMachOObject reproduces the sections, symbols and relocations,
// symbol table order included, so relocation indices survive the trip.
func WriteMachORelocatable(obj *Object) ([]byte, error) {
	nsects := len(obj.Sections)
	cmdsSize := machoSegCmdSize + nsects*machoSectSize + machoSymtabSize
	headerSize := uint64(machoHeaderSize + cmdsSize)

	// Section addresses within the object: cumulative, respecting each
	// section's own alignment. Symbol values are rebased onto these.
	addrs := make([]uint64, nsects)
	var vm uint64
	for i, sec := range obj.Sections {
		align := sec.Align
		if align == 0 {
			align = 1
		}
		vm = alignUp(vm, align)
		addrs[i] = vm
		vm += sec.Size
	}

	// File offsets for section payloads follow the load commands.
	offsets := make([]uint64, nsects)
	fileOff := headerSize
	payloads := make([][]byte, nsects)
	for i, sec := range obj.Sections {
		if sec.Type == SectBSS {
			continue
		}
		align := sec.Align
		if align == 0 {
			align = 1
		}
		fileOff = alignUp(fileOff, align)
		offsets[i] = fileOff
		payloads[i] = append([]byte(nil), sec.Data...)
		fileOff += sec.Size
	}

	// Relocation entries per section. Non-branch addends for UNSIGNED are
	// stored inline in the payload; branch and page kinds carry theirs in
	// a preceding ARM64_RELOC_ADDEND entry.
	relsBySect := make(map[int][]Relocation)
	for _, rel := range obj.Relocs {
		relsBySect[rel.Sect] = append(relsBySect[rel.Sect], rel)
	}
	relOffs := make([]uint64, nsects)
	relBufs := make([][]byte, nsects)
	relOff := alignUp(fileOff, 8)
	for i := range obj.Sections {
		rels := relsBySect[i]
		if len(rels) == 0 {
			continue
		}
		var buf bytes.Buffer
		for _, rel := range rels {
			rtype, pcrel, length, ok := machoRelocParams(rel.Kind)
			if !ok {
				return nil, fmt.Errorf("cannot encode relocation kind %s in Mach-O output", rel.Kind)
			}

			var symbolnum, extern uint32
			if rel.Sym >= 0 {
				symbolnum = uint32(rel.Sym)
				extern = 1
			} else {
				if rel.TargetSect < 0 || rel.TargetSect >= nsects {
					return nil, fmt.Errorf("relocation targets invalid section %d", rel.TargetSect)
				}
				symbolnum = uint32(rel.TargetSect + 1) // 1-based ordinal
			}

			if rel.Kind == RelocAbs64 {
				// Inline in the payload. Section-relative targets store the
				// target section address plus the addend.
				inline := rel.Addend
				if extern == 0 {
					inline += int64(addrs[rel.TargetSect])
				}
				p := payloads[i]
				if rel.Offset+8 > uint64(len(p)) {
					return nil, fmt.Errorf("relocation at 0x%x overruns section %s", rel.Offset, obj.Sections[i].Name)
				}
				binary.LittleEndian.PutUint64(p[rel.Offset:], uint64(inline))
			} else if rel.Addend != 0 {
				if rel.Addend < -(1<<23) || rel.Addend >= 1<<23 {
					return nil, fmt.Errorf("addend %d exceeds the 24-bit ARM64_RELOC_ADDEND range", rel.Addend)
				}
				var pair [machoRelocSize]byte
				binary.LittleEndian.PutUint32(pair[0:], uint32(rel.Offset))
				word := uint32(rel.Addend)&0x00ffffff | 2<<25 | arm64RelocAddend<<28
				binary.LittleEndian.PutUint32(pair[4:], word)
				buf.Write(pair[:])
			}

			var entry [machoRelocSize]byte
			binary.LittleEndian.PutUint32(entry[0:], uint32(rel.Offset))
			word := symbolnum&0x00ffffff | pcrel<<24 | length<<25 | extern<<27 | rtype<<28
			binary.LittleEndian.PutUint32(entry[4:], word)
			buf.Write(entry[:])
		}
		relOffs[i] = relOff
		relBufs[i] = buf.Bytes()
		relOff += uint64(buf.Len())
	}

	// Symbol table preserves the object's symbol order so relocation
	// indices stay valid after a round trip.
	var strtab bytes.Buffer
	strtab.WriteByte(0)
	nlists := make([]nlist64, len(obj.Symbols))
	for i, sym := range obj.Symbols {
		n := &nlists[i]
		if sym.Name != "" {
			n.Strx = uint32(strtab.Len())
			strtab.WriteString("_" + sym.Name)
			strtab.WriteByte(0)
		}
		switch {
		case sym.Defined && sym.Section >= 0:
			n.Type = nSect
			n.Sect = uint8(sym.Section + 1)
			n.Value = addrs[sym.Section] + sym.Value
		case sym.Defined:
			n.Type = nAbs
			n.Value = sym.Value
		default:
			n.Type = nUndf
		}
		if sym.Binding != BindLocal {
			n.Type |= nExt
			if sym.Binding == BindWeak {
				n.Desc = nWeakDef
			}
		}
	}
	symOff := relOff
	strOff := symOff + uint64(len(nlists))*machoNlistSize

	out := make([]byte, strOff+uint64(strtab.Len()))

	hdr := machoHeader64{
		Magic:      machoMagic64,
		CPUType:    cpuTypeARM64,
		CPUSubtype: cpuSubtypeARM64All,
		FileType:   mhObject,
		NCmds:      2,
		SizeOfCmds: uint32(cmdsSize),
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &hdr)

	seg := segmentCommand64{
		Cmd:      lcSegment64,
		CmdSize:  uint32(machoSegCmdSize + nsects*machoSectSize),
		VMSize:   vm,
		FileOff:  headerSize,
		FileSize: fileOff - headerSize,
		MaxProt:  vmProtRead | vmProtWrite | vmProtExecute,
		InitProt: vmProtRead | vmProtWrite | vmProtExecute,
		NSects:   uint32(nsects),
	}
	binary.Write(&buf, binary.LittleEndian, &seg)

	for i, sec := range obj.Sections {
		segName, sectName := machoSectNames(sec.Type)
		ms := machoSection64{
			Addr:   addrs[i],
			Size:   sec.Size,
			Align:  log2Align(sec.Align),
			Reloff: uint32(relOffs[i]),
			Nreloc: uint32(len(relBufs[i])) / machoRelocSize,
		}
		setName(&ms.SectName, sectName)
		setName(&ms.SegName, segName)
		switch sec.Type {
		case SectText:
			ms.Offset = uint32(offsets[i])
			ms.Flags = sRegular | sAttrPureInstructions | sAttrSomeInstructions
		case SectBSS:
			ms.Flags = sZerofill
		default:
			ms.Offset = uint32(offsets[i])
			ms.Flags = sRegular
		}
		binary.Write(&buf, binary.LittleEndian, &ms)
	}

	binary.Write(&buf, binary.LittleEndian, &symtabCommand{
		Cmd:     lcSymtab,
		CmdSize: machoSymtabSize,
		Symoff:  uint32(symOff),
		Nsyms:   uint32(len(nlists)),
		Stroff:  uint32(strOff),
		Strsize: uint32(strtab.Len()),
	})
	copy(out, buf.Bytes())

	for i := range obj.Sections {
		if payloads[i] != nil {
			copy(out[offsets[i]:], payloads[i])
		}
	}
	for i := range obj.Sections {
		copy(out[relOffs[i]:], relBufs[i])
	}
	off := symOff
	for i := range nlists {
		var nb bytes.Buffer
		binary.Write(&nb, binary.LittleEndian, &nlists[i])
		copy(out[off:], nb.Bytes())
		off += machoNlistSize
	}
	copy(out[strOff:], strtab.Bytes())
	return out, nil
}
