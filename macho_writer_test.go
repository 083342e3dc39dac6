package main

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"path/filepath"
	"testing"
)

// machoFileFromBytes parses an in-memory image with debug/macho.
func machoFileFromBytes(img []byte) (*macho.File, error) {
	return macho.NewFile(bytes.NewReader(img))
}

// TestMinimalMachOExecutable verifies the full pipeline for arm64-darwin:
// header, segment sequence, entry point and symbol table
func TestMinimalMachOExecutable(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "a.out")

	obj := newTextObject("main.o", "main", arm64MainCode)
	obj.Format = FormatMachO
	ctx, err := NewLinkContext(darwinARM64)
	if err != nil {
		t.Fatalf("NewLinkContext failed: %v", err)
	}
	ctx.AddObject(obj)
	if err := ctx.Link(outPath); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	f, err := macho.Open(outPath)
	if err != nil {
		t.Fatalf("Output is not a readable Mach-O file: %v", err)
	}
	defer f.Close()

	if f.Type != macho.TypeExec {
		t.Errorf("Expected MH_EXECUTE, got %v", f.Type)
	}
	if f.Cpu != macho.CpuArm64 {
		t.Errorf("Expected ARM64, got %v", f.Cpu)
	}

	pz := f.Segment("__PAGEZERO")
	if pz == nil {
		t.Fatal("Missing __PAGEZERO segment")
	}
	if pz.Addr != 0 || pz.Memsz != 0x100000000 {
		t.Errorf("__PAGEZERO covers [0x%x, +0x%x), want [0, +0x100000000)", pz.Addr, pz.Memsz)
	}

	seg := f.Segment("__TEXT")
	if seg == nil {
		t.Fatal("Missing __TEXT segment")
	}
	if seg.Addr != 0x100000000 {
		t.Errorf("__TEXT at 0x%x, want the Mach-O base", seg.Addr)
	}
	if seg.Offset != 0 {
		t.Error("__TEXT must include the Mach-O header (file offset 0)")
	}
	if f.Segment("__LINKEDIT") == nil {
		t.Error("Missing __LINKEDIT segment")
	}

	text := f.Section("__text")
	if text == nil {
		t.Fatal("Missing __text section")
	}
	merged := ctx.Layout.Get(SectText)
	if text.Addr != merged.Addr {
		t.Errorf("__text at 0x%x, want laid-out vaddr 0x%x", text.Addr, merged.Addr)
	}
	code, err := text.Data()
	if err != nil {
		t.Fatalf("Reading __text failed: %v", err)
	}
	for i, b := range arm64MainCode {
		if code[i] != b {
			t.Fatalf("__text byte %d is 0x%02x, want 0x%02x", i, code[i], b)
		}
	}

	// Entry point: LC_MAIN's entryoff is a file offset, which equals
	// vaddr-base in this layout.
	entryOff, ok := findEntryPointCommand(f)
	if !ok {
		t.Fatal("Missing LC_MAIN load command")
	}
	if want := merged.Addr - 0x100000000; entryOff != want {
		t.Errorf("LC_MAIN entryoff 0x%x, want 0x%x", entryOff, want)
	}

	// The symbol table carries main with its underscore prefix restored.
	if f.Symtab == nil {
		t.Fatal("Missing LC_SYMTAB")
	}
	found := false
	for _, sym := range f.Symtab.Syms {
		if sym.Name == "_main" {
			found = true
			if sym.Value != merged.Addr {
				t.Errorf("_main at 0x%x, want 0x%x", sym.Value, merged.Addr)
			}
		}
	}
	if !found {
		t.Error("Symbol _main missing from output symbol table")
	}
}

// TestMachOExecutableRequiresMain verifies a missing _main is a hard error
func TestMachOExecutableRequiresMain(t *testing.T) {
	obj := newTextObject("lib.o", "helper", arm64MainCode)
	obj.Format = FormatMachO
	ctx := linkObjects(t, darwinARM64, obj)
	if _, err := ctx.WriteMachOExecutable(); err == nil {
		t.Fatal("Expected error when _main is not defined")
	}
}

// TestMachOExternalSymbolTable verifies undefined runtime references show
// up as N_UNDF|N_EXT entries and external relocations
func TestMachOExternalSymbolTable(t *testing.T) {
	obj := newTextObject("main.o", "main", append(append([]byte(nil), arm64MainCode...),
		0x00, 0x00, 0x00, 0x94)) // bl sox_print_int
	obj.Format = FormatMachO
	undef := addUndef(obj, "sox_print_int")
	obj.Relocs = append(obj.Relocs, Relocation{
		Sect: 0, Offset: 8, Kind: RelocCall26, Sym: undef, TargetSect: -1,
	})

	ctx := linkObjects(t, darwinARM64, obj)
	if err := ctx.ProcessRelocations(); err != nil {
		t.Fatalf("ProcessRelocations failed: %v", err)
	}
	img, err := ctx.WriteMachOExecutable()
	if err != nil {
		t.Fatalf("WriteMachOExecutable failed: %v", err)
	}

	f, err := machoFileFromBytes(img)
	if err != nil {
		t.Fatalf("Parsing output failed: %v", err)
	}
	defer f.Close()

	found := false
	for _, sym := range f.Symtab.Syms {
		if sym.Name == "_sox_print_int" {
			found = true
			if sym.Type&0x0e != 0 || sym.Type&0x01 == 0 {
				t.Errorf("_sox_print_int type 0x%x, want N_UNDF|N_EXT", sym.Type)
			}
		}
	}
	if !found {
		t.Error("Undefined external missing from symbol table")
	}
	if f.Dysymtab == nil {
		t.Fatal("Missing LC_DYSYMTAB")
	}
	if f.Dysymtab.Nextrel != 1 {
		t.Errorf("Expected 1 external relocation, got %d", f.Dysymtab.Nextrel)
	}
}

// findEntryPointCommand digs LC_MAIN out of the raw load command list;
// debug/macho has no typed representation for it.
func findEntryPointCommand(f *macho.File) (uint64, bool) {
	for _, l := range f.Loads {
		raw, ok := l.(macho.LoadBytes)
		if !ok {
			continue
		}
		if len(raw) >= 24 && binary.LittleEndian.Uint32(raw[0:]) == lcMain {
			return binary.LittleEndian.Uint64(raw[8:]), true
		}
	}
	return 0, false
}
