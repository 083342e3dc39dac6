// Completion: 100% - Mach-O MH_EXECUTE emission complete
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/apex/log"
)

const (
	dyldPath      = "/usr/lib/dyld"
	libSystemPath = "/usr/lib/libSystem.B.dylib"

	buildPlatformMacOS = 1
	buildVersion11     = 0x000b0000 // 11.0.0
)

// machoExtReloc is one pending external relocation, resolved by dyld at
// load time rather than patched here.
type machoExtReloc struct {
	addr uint64
	name string
	kind RelocKind
}

// machoRelocParams returns the r_type, r_pcrel and r_length fields for a
// relocation kind in the external relocation table.
func machoRelocParams(kind RelocKind) (rtype, pcrel, length uint32, ok bool) {
	switch kind {
	case RelocAbs64:
		return arm64RelocUnsigned, 0, 3, true
	case RelocCall26, RelocJump26:
		return arm64RelocBranch26, 1, 2, true
	case RelocPage21:
		return arm64RelocPage21, 1, 2, true
	case RelocPageOff12:
		return arm64RelocPageoff12, 0, 2, true
	case RelocGOTPage21:
		return arm64RelocGOTLoadPage21, 1, 2, true
	case RelocGOTPageOff12:
		return arm64RelocGOTLoadPageoff12, 0, 2, true
	default:
		return 0, 0, 0, false
	}
}

// WriteMachOExecutable emits the final MH_EXECUTE image. The first page of
// the __TEXT segment holds the Mach-O header and load commands; layout
// already placed every section past it, so all addresses are final before
// the header is assembled and nothing needs rebasing afterwards.
//
// Load command order is fixed: __PAGEZERO, __TEXT, __DATA (when present),
// __LINKEDIT, LC_SYMTAB, LC_DYSYMTAB, LC_LOAD_DYLINKER, LC_UUID,
// LC_BUILD_VERSION, LC_MAIN, LC_LOAD_DYLIB.
func (ctx *LinkContext) WriteMachOExecutable() ([]byte, error) {
	base := ctx.Platform.BaseAddr()
	pageSize := ctx.Platform.PageSize()

	entry, ok := ctx.entrySymbolAddr("main")
	if !ok {
		return nil, fmt.Errorf("no entry point: _main is not defined")
	}
	ctx.Entry = entry

	text := ctx.Layout.Get(SectText)
	rodata := ctx.Layout.Get(SectROData)
	data := ctx.Layout.Get(SectData)
	bss := ctx.Layout.Get(SectBSS)
	if text == nil {
		return nil, fmt.Errorf("nothing to link: no text section present")
	}

	// Section ordinals are 1-based in load-command order.
	ordinals := map[SectionType]uint8{}
	next := uint8(1)
	for _, m := range []*MergedSection{text, rodata, data, bss} {
		if m != nil {
			ordinals[m.Type] = next
			next++
		}
	}

	symtab, strtab, dysym, extRelocs, err := ctx.buildMachOSymtab(ordinals)
	if err != nil {
		return nil, err
	}

	// Segment extents. File offsets equal vaddr-base for everything mapped
	// out of __TEXT and __DATA.
	rxEnd := text.Addr + text.Size
	if rodata != nil {
		rxEnd = rodata.Addr + rodata.Size
	}
	contentEnd := rxEnd - base
	var rwStart, rwEnd, rwFilesz uint64
	if data != nil || bss != nil {
		if data != nil {
			rwStart = data.Addr
			rwEnd = data.Addr + data.Size
			rwFilesz = data.Size
		}
		if bss != nil {
			if data == nil {
				rwStart = bss.Addr
			}
			rwEnd = bss.Addr + bss.Size
		}
		if data != nil {
			contentEnd = data.Addr + data.Size - base
		}
	}

	// __LINKEDIT holds the external relocation table, the nlist array and
	// the string table, in that order.
	linkeditOff := alignUp(contentEnd, 8)
	extRelOff := linkeditOff
	symOff := extRelOff + uint64(len(extRelocs))*machoRelocSize
	strOff := symOff + uint64(len(symtab))*machoNlistSize
	linkeditSize := strOff + uint64(len(strtab)) - linkeditOff
	linkeditAddr := alignUp(rxEnd, pageSize)
	if rwEnd != 0 {
		linkeditAddr = alignUp(rwEnd, pageSize)
	}

	var cmds bytes.Buffer
	ncmds := 0
	put := func(v any) {
		binary.Write(&cmds, binary.LittleEndian, v)
	}
	addCmd := func(v any) {
		put(v)
		ncmds++
	}

	writeSegment := func(name string, vmaddr, vmsize, fileoff, filesize uint64, prot uint32, sects []machoSection64) {
		sc := segmentCommand64{
			Cmd:      lcSegment64,
			CmdSize:  uint32(machoSegCmdSize + len(sects)*machoSectSize),
			VMAddr:   vmaddr,
			VMSize:   vmsize,
			FileOff:  fileoff,
			FileSize: filesize,
			MaxProt:  prot,
			InitProt: prot,
			NSects:   uint32(len(sects)),
		}
		setName(&sc.SegName, name)
		put(&sc)
		for i := range sects {
			put(&sects[i])
		}
		ncmds++
	}

	writeSegment("__PAGEZERO", 0, base, 0, 0, vmProtNone, nil)

	var textSects []machoSection64
	ts := machoSection64{
		Addr:   text.Addr,
		Size:   text.Size,
		Offset: uint32(text.Addr - base),
		Align:  log2Align(text.Align),
		Flags:  sRegular | sAttrPureInstructions | sAttrSomeInstructions,
	}
	setName(&ts.SectName, "__text")
	setName(&ts.SegName, "__TEXT")
	textSects = append(textSects, ts)
	if rodata != nil {
		rs := machoSection64{
			Addr:   rodata.Addr,
			Size:   rodata.Size,
			Offset: uint32(rodata.Addr - base),
			Align:  log2Align(rodata.Align),
			Flags:  sRegular,
		}
		setName(&rs.SectName, "__const")
		setName(&rs.SegName, "__TEXT")
		textSects = append(textSects, rs)
	}
	writeSegment("__TEXT", base, alignUp(rxEnd-base, pageSize), 0, rxEnd-base,
		vmProtRead|vmProtExecute, textSects)

	if data != nil || bss != nil {
		var dataSects []machoSection64
		if data != nil {
			ds := machoSection64{
				Addr:   data.Addr,
				Size:   data.Size,
				Offset: uint32(data.Addr - base),
				Align:  log2Align(data.Align),
				Flags:  sRegular,
			}
			setName(&ds.SectName, "__data")
			setName(&ds.SegName, "__DATA")
			dataSects = append(dataSects, ds)
		}
		if bss != nil {
			bs := machoSection64{
				Addr:  bss.Addr,
				Size:  bss.Size,
				Align: log2Align(bss.Align),
				Flags: sZerofill,
			}
			setName(&bs.SectName, "__bss")
			setName(&bs.SegName, "__DATA")
			dataSects = append(dataSects, bs)
		}
		writeSegment("__DATA", rwStart, alignUp(rwEnd-rwStart, pageSize),
			rwStart-base, rwFilesz, vmProtRead|vmProtWrite, dataSects)
	}

	writeSegment("__LINKEDIT", linkeditAddr, alignUp(linkeditSize, pageSize),
		linkeditOff, linkeditSize, vmProtRead, nil)

	// LC_SYMTAB must precede LC_DYSYMTAB; loaders reject a dynamic symbol
	// table that arrives before the ordinary one.
	addCmd(&symtabCommand{
		Cmd:     lcSymtab,
		CmdSize: machoSymtabSize,
		Symoff:  uint32(symOff),
		Nsyms:   uint32(len(symtab)),
		Stroff:  uint32(strOff),
		Strsize: uint32(len(strtab)),
	})

	dysym.Cmd = lcDysymtab
	dysym.CmdSize = 80
	if len(extRelocs) > 0 {
		dysym.ExtRelOff = uint32(extRelOff)
		dysym.NExtRel = uint32(len(extRelocs))
	}
	addCmd(&dysym)

	writeString := func(cmd uint32, fixed int, path string, extra []uint32) {
		size := uint32(alignUp(uint64(fixed+len(path)+1), 8))
		put(cmd)
		put(size)
		put(uint32(fixed))
		for _, v := range extra {
			put(v)
		}
		cmds.WriteString(path)
		for i := fixed + len(path); i < int(size); i++ {
			cmds.WriteByte(0)
		}
		ncmds++
	}
	writeString(lcLoadDylinker, 12, dyldPath, nil)

	// Deterministic output: the UUID is fixed rather than random, with the
	// version and variant bits of a v4 UUID.
	uuid := uuidCommand{Cmd: lcUUID, CmdSize: 24}
	copy(uuid.UUID[:], []byte{
		0x73, 0x6f, 0x78, 0x6c, 0x64, 0x00, 0x00, 0x01,
		0x40, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	})
	uuid.UUID[6] = uuid.UUID[6]&0x0f | 0x40
	uuid.UUID[8] = uuid.UUID[8]&0x3f | 0x80
	addCmd(&uuid)

	addCmd(&buildVersionCommand{
		Cmd:      lcBuildVersion,
		CmdSize:  24,
		Platform: buildPlatformMacOS,
		Minos:    buildVersion11,
		Sdk:      buildVersion11,
	})

	addCmd(&entryPointCommand{
		Cmd:      lcMain,
		CmdSize:  24,
		EntryOff: entry - base,
	})

	writeString(lcLoadDylib, 24, libSystemPath,
		[]uint32{2, 0x00010000, 0x00010000}) // timestamp, current, compat

	flags := uint32(mhDyldLink | mhTwoLevel)
	if dysym.NUndefSym == 0 {
		flags |= mhNoUndefs
	}
	hdr := machoHeader64{
		Magic:      machoMagic64,
		CPUType:    cpuTypeARM64,
		CPUSubtype: cpuSubtypeARM64All,
		FileType:   mhExecute,
		NCmds:      uint32(ncmds),
		SizeOfCmds: uint32(cmds.Len()),
		Flags:      flags,
	}
	headerSize := uint64(machoHeaderSize + cmds.Len())
	if headerSize > text.Addr-base {
		return nil, fmt.Errorf("load commands (%d bytes) overrun the text file offset 0x%x",
			headerSize, text.Addr-base)
	}

	img := make([]byte, linkeditOff+linkeditSize)
	var hbuf bytes.Buffer
	binary.Write(&hbuf, binary.LittleEndian, &hdr)
	copy(img, hbuf.Bytes())
	copy(img[machoHeaderSize:], cmds.Bytes())

	for _, m := range ctx.Layout.Sections() {
		if m.Type == SectBSS || m.Data == nil {
			continue
		}
		copy(img[m.Addr-base:], m.Data)
	}

	off := extRelOff
	for _, er := range extRelocs {
		rtype, pcrel, length, ok := machoRelocParams(er.kind)
		if !ok {
			return nil, fmt.Errorf("cannot encode external relocation kind %s", er.kind)
		}
		symIdx, ok := symtabIndexOf(symtab, strtab, er.name)
		if !ok {
			return nil, fmt.Errorf("external relocation target %s missing from symbol table", er.name)
		}
		binary.LittleEndian.PutUint32(img[off:], uint32(er.addr-base))
		word := symIdx&0x00ffffff | pcrel<<24 | length<<25 | 1<<27 | rtype<<28
		binary.LittleEndian.PutUint32(img[off+4:], word)
		off += machoRelocSize
	}

	off = symOff
	for i := range symtab {
		var nb bytes.Buffer
		binary.Write(&nb, binary.LittleEndian, &symtab[i])
		copy(img[off:], nb.Bytes())
		off += machoNlistSize
	}
	copy(img[strOff:], strtab)

	log.WithField("entry", hex64(entry)).
		WithField("size", len(img)).
		WithField("extrel", len(extRelocs)).
		Debug("wrote Mach-O executable image")
	return img, nil
}

// buildMachOSymtab assembles the output nlist array in dysymtab order
// (locals, externally defined, undefined), the string table, the dysymtab
// ranges, and the list of relocations dyld must apply at load time.
func (ctx *LinkContext) buildMachOSymtab(ordinals map[SectionType]uint8) ([]nlist64, []byte, dysymtabCommand, []machoExtReloc, error) {
	var strtab bytes.Buffer
	strtab.WriteByte(0)
	addStr := func(name string) uint32 {
		off := uint32(strtab.Len())
		strtab.WriteString("_" + name)
		strtab.WriteByte(0)
		return off
	}

	var locals, extdefs, undefs []nlist64
	seenUndef := map[string]bool{}

	for _, obj := range ctx.Objects {
		for _, sym := range obj.Symbols {
			if sym.Name == "" || sym.Kind == SymSection {
				continue
			}
			if sym.Defined {
				n := nlist64{Type: nSect, Value: sym.FinalAddr}
				if sym.Section >= 0 {
					n.Sect = ordinals[obj.Sections[sym.Section].Type]
				} else {
					n.Type = nAbs
				}
				if sym.Binding != BindLocal {
					n.Type |= nExt
					if sym.Binding == BindWeak {
						n.Desc = nWeakDef
					}
					n.Strx = addStr(sym.Name)
					extdefs = append(extdefs, n)
				} else {
					n.Strx = addStr(sym.Name)
					locals = append(locals, n)
				}
				continue
			}
			if sym.Ref.State == SymExternal && !seenUndef[sym.Name] {
				seenUndef[sym.Name] = true
				undefs = append(undefs, nlist64{
					Strx: addStr(sym.Name),
					Type: nUndf | nExt,
				})
			}
		}
	}
	// dyld expects undefined entries sorted by name.
	sort.Slice(undefs, func(i, j int) bool {
		return nlistName(undefs[i], strtab.Bytes()) < nlistName(undefs[j], strtab.Bytes())
	})

	symtab := make([]nlist64, 0, len(locals)+len(extdefs)+len(undefs))
	symtab = append(symtab, locals...)
	symtab = append(symtab, extdefs...)
	symtab = append(symtab, undefs...)

	dysym := dysymtabCommand{
		NLocalSym:  uint32(len(locals)),
		IExtDefSym: uint32(len(locals)),
		NExtDefSym: uint32(len(extdefs)),
		IUndefSym:  uint32(len(locals) + len(extdefs)),
		NUndefSym:  uint32(len(undefs)),
	}

	// Relocations against external symbols were skipped by the processor;
	// dyld applies them at load time.
	var extRelocs []machoExtReloc
	for _, obj := range ctx.Objects {
		for _, rel := range obj.Relocs {
			if rel.Sym < 0 || rel.Kind == RelocNone || rel.Kind == RelocTLS {
				continue
			}
			sym := obj.Symbols[rel.Sym]
			if sym.Defined || sym.Ref.State != SymExternal {
				continue
			}
			addr, ok := ctx.Layout.AddrOf(obj.Index, rel.Sect, rel.Offset)
			if !ok {
				continue
			}
			extRelocs = append(extRelocs, machoExtReloc{
				addr: addr,
				name: sym.Name,
				kind: rel.Kind,
			})
		}
	}
	return symtab, strtab.Bytes(), dysym, extRelocs, nil
}

// nlistName reads an entry's name back out of the string table.
func nlistName(n nlist64, strtab []byte) string {
	if int(n.Strx) >= len(strtab) {
		return ""
	}
	end := n.Strx
	for end < uint32(len(strtab)) && strtab[end] != 0 {
		end++
	}
	return string(strtab[n.Strx:end])
}

// symtabIndexOf finds the table index of a (prefix-stripped) symbol name.
func symtabIndexOf(symtab []nlist64, strtab []byte, name string) (uint32, bool) {
	want := "_" + name
	for i, n := range symtab {
		if nlistName(n, strtab) == want {
			return uint32(i), true
		}
	}
	return 0, false
}

// log2Align converts a byte alignment to the power-of-two exponent Mach-O
// section headers store.
func log2Align(align uint64) uint32 {
	if align <= 1 {
		return 0
	}
	var n uint32
	for align > 1 {
		align >>= 1
		n++
	}
	return n
}
