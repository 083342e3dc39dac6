// Completion: 100% - ELF64 executable emission complete
package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/apex/log"
)

const (
	elfProgHdrSize = 56
	elfPhnum       = 2 // one RX segment, one RW segment
)

// elf64Ehdr mirrors the on-disk ELF64 header.
type elf64Ehdr struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// elf64Phdr mirrors the on-disk ELF64 program header.
type elf64Phdr struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

func elfMachineFor(arch Arch) uint16 {
	if arch == ArchARM64 {
		return uint16(elf.EM_AARCH64)
	}
	return uint16(elf.EM_X86_64)
}

// WriteELFExecutable emits the final ET_EXEC image: ELF header, two
// PT_LOAD program headers (RX covering TEXT+RODATA, RW covering DATA+BSS),
// then the merged section payloads at their laid-out file offsets. The
// entry point is the synthesized _start, falling back to main.
func (ctx *LinkContext) WriteELFExecutable() ([]byte, error) {
	base := ctx.Platform.BaseAddr()
	pageSize := ctx.Platform.PageSize()

	entry, ok := ctx.entrySymbolAddr("_start")
	if !ok {
		if entry, ok = ctx.entrySymbolAddr("main"); !ok {
			return nil, fmt.Errorf("no entry point: neither _start nor main is defined")
		}
	}
	ctx.Entry = entry

	// File offsets equal vaddr-base; layout starts sections one page above
	// base, which leaves the first page for the headers.
	var fileSize uint64 = elfHeaderSize + elfPhnum*elfProgHdrSize
	for _, m := range ctx.Layout.Sections() {
		if m.Type == SectBSS {
			continue
		}
		if end := m.Addr - base + m.Size; end > fileSize {
			fileSize = end
		}
	}

	text := ctx.Layout.Get(SectText)
	rodata := ctx.Layout.Get(SectROData)
	data := ctx.Layout.Get(SectData)
	bss := ctx.Layout.Get(SectBSS)
	if text == nil {
		return nil, fmt.Errorf("nothing to link: no text section present")
	}

	// RX segment: TEXT plus the immediately following RODATA.
	rxStart := text.Addr
	rxEnd := text.Addr + text.Size
	if rodata != nil {
		rxEnd = rodata.Addr + rodata.Size
	}
	phRX := elf64Phdr{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    rxStart - base,
		Vaddr:  rxStart,
		Paddr:  rxStart,
		Filesz: rxEnd - rxStart,
		Memsz:  rxEnd - rxStart,
		Align:  pageSize,
	}

	// RW segment: DATA file-backed, BSS memory-only. With neither present
	// the segment is emitted empty past the image: the two-segment shape
	// is part of the output contract.
	rwStart := alignUp(rxEnd, pageSize)
	var rwFilesz, rwMemsz uint64
	if data != nil {
		rwStart = data.Addr
		rwFilesz = data.Size
		rwMemsz = data.Size
	}
	if bss != nil {
		if data == nil {
			rwStart = bss.Addr
		}
		rwMemsz = bss.Addr + bss.Size - rwStart
	}
	phRW := elf64Phdr{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_W),
		Off:    rwStart - base,
		Vaddr:  rwStart,
		Paddr:  rwStart,
		Filesz: rwFilesz,
		Memsz:  rwMemsz,
		Align:  pageSize,
	}

	hdr := elf64Ehdr{
		Type:      uint16(elf.ET_EXEC),
		Machine:   elfMachineFor(ctx.Platform.Arch),
		Version:   1,
		Entry:     entry,
		Phoff:     elfHeaderSize,
		Ehsize:    elfHeaderSize,
		Phentsize: elfProgHdrSize,
		Phnum:     elfPhnum,
		Shentsize: elfSectionHdrSize,
	}
	hdr.Ident[0] = 0x7f
	hdr.Ident[1] = 'E'
	hdr.Ident[2] = 'L'
	hdr.Ident[3] = 'F'
	hdr.Ident[4] = byte(elf.ELFCLASS64)
	hdr.Ident[5] = byte(elf.ELFDATA2LSB)
	hdr.Ident[6] = byte(elf.EV_CURRENT)

	var headers bytes.Buffer
	binary.Write(&headers, binary.LittleEndian, &hdr)
	binary.Write(&headers, binary.LittleEndian, &phRX)
	binary.Write(&headers, binary.LittleEndian, &phRW)

	img := make([]byte, fileSize)
	copy(img, headers.Bytes())
	for _, m := range ctx.Layout.Sections() {
		if m.Type == SectBSS || m.Data == nil {
			continue
		}
		copy(img[m.Addr-base:], m.Data)
	}

	log.WithField("entry", hex64(entry)).
		WithField("size", fileSize).
		Debug("wrote ELF executable image")
	return img, nil
}
