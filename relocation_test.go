package main

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

// TestBranch26RangeOverflow verifies a CALL26 displacement past ±128MiB
// fails with RangeOverflow and leaves the instruction untouched
func TestBranch26RangeOverflow(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x00, 0x94} // bl .
	orig := append([]byte(nil), buf...)

	for _, value := range []int64{1 << 27, -(1 << 27) - 4} {
		err := patchARM64Branch26(buf, 0, value, true)
		if err == nil {
			t.Fatalf("Expected range error for displacement %d", value)
		}
		rerr, ok := err.(*RelocationError)
		if !ok || rerr.Kind != RelocErrRangeOverflow {
			t.Errorf("Expected RangeOverflow for %d, got %v", value, err)
		}
		if !bytes.Equal(buf, orig) {
			t.Error("Failed patch must not modify the instruction")
		}
	}
}

// TestBranch26Misaligned verifies an unaligned branch displacement fails
// with Alignment instead of silently truncating
func TestBranch26Misaligned(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x00, 0x94}
	err := patchARM64Branch26(buf, 0, 6, true)
	if err == nil {
		t.Fatal("Expected alignment error for displacement 6")
	}
	rerr, ok := err.(*RelocationError)
	if !ok || rerr.Kind != RelocErrAlignment {
		t.Errorf("Expected Alignment error, got %v", err)
	}
	if binary.LittleEndian.Uint32(buf) != 0x94000000 {
		t.Error("Failed patch must not modify the instruction")
	}
}

// TestBranch26Encoding verifies the imm26 field encoding of BL
func TestBranch26Encoding(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x00, 0x94}
	if err := patchARM64Branch26(buf, 0, 8, true); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	// 8 bytes = 2 words -> imm26 = 2, opcode bits preserved
	if got := binary.LittleEndian.Uint32(buf); got != 0x94000002 {
		t.Errorf("Encoded 0x%08x, want 0x94000002", got)
	}

	buf = []byte{0x00, 0x00, 0x00, 0x94}
	if err := patchARM64Branch26(buf, 0, -4, true); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf); got != 0x97ffffff {
		t.Errorf("Encoded 0x%08x, want 0x97ffffff", got)
	}
}

// TestBranch26OpcodeMismatch verifies a branch relocation against bytes
// that are not the expected B/BL instruction is rejected
func TestBranch26OpcodeMismatch(t *testing.T) {
	buf := []byte{0x40, 0x05, 0x80, 0x52} // mov w0, #42
	orig := append([]byte(nil), buf...)
	err := patchARM64Branch26(buf, 0, 8, true)
	if err == nil {
		t.Fatal("Expected error for non-branch instruction")
	}
	rerr, ok := err.(*RelocationError)
	if !ok || rerr.Kind != RelocErrPatchFailed {
		t.Errorf("Expected PatchFailed, got %v", err)
	}
	if !bytes.Equal(buf, orig) {
		t.Error("Failed patch must not modify the instruction")
	}

	// B bytes under a call relocation are also a mismatch.
	buf = []byte{0x00, 0x00, 0x00, 0x14} // b .
	if err := patchARM64Branch26(buf, 0, 8, true); err == nil {
		t.Error("Expected error for B instruction under a call relocation")
	}
	if err := patchARM64Branch26(buf, 0, 8, false); err != nil {
		t.Errorf("B instruction under a jump relocation failed: %v", err)
	}
}

// TestADRPEncoding verifies the immlo/immhi split encoding of ADRP
func TestADRPEncoding(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x00, 0x90} // adrp x0, .
	if err := patchARM64ADRP(buf, 0, 0x5000, 0x4010); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	// page delta +1: immlo = 1 (bits 30:29), immhi = 0
	if got := binary.LittleEndian.Uint32(buf); got != 0xb0000000 {
		t.Errorf("Encoded 0x%08x, want 0xb0000000", got)
	}

	buf = []byte{0x00, 0x00, 0x00, 0x90}
	if err := patchARM64ADRP(buf, 0, 0x9000, 0x4000); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	// page delta +5: immlo = 1, immhi = 1
	want := uint32(0x90000000) | 1<<29 | 1<<5
	if got := binary.LittleEndian.Uint32(buf); got != want {
		t.Errorf("Encoded 0x%08x, want 0x%08x", got, want)
	}
}

// TestADRPRangeOverflow verifies the 21-bit page delta limit
func TestADRPRangeOverflow(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x00, 0x90}
	err := patchARM64ADRP(buf, 0, uint64(1)<<33, 0)
	if err == nil {
		t.Fatal("Expected range error for 2^21 page delta")
	}
	rerr, ok := err.(*RelocationError)
	if !ok || rerr.Kind != RelocErrRangeOverflow {
		t.Errorf("Expected RangeOverflow, got %v", err)
	}
}

// TestAddImm12Encoding verifies the low-12-bit target encoding of ADD
func TestAddImm12Encoding(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x00, 0x91} // add x0, x0, #0
	if err := patchARM64AddImm12(buf, 0, 0x40012a); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	want := uint32(0x91000000) | 0x12a<<10
	if got := binary.LittleEndian.Uint32(buf); got != want {
		t.Errorf("Encoded 0x%08x, want 0x%08x", got, want)
	}
}

// TestPC32RangeOverflow verifies 32-bit displacement range enforcement
func TestPC32RangeOverflow(t *testing.T) {
	buf := make([]byte, 4)
	err := patchPC32(buf, 0, math.MaxInt32+1)
	if err == nil {
		t.Fatal("Expected range error past MaxInt32")
	}
	rerr, ok := err.(*RelocationError)
	if !ok || rerr.Kind != RelocErrRangeOverflow {
		t.Errorf("Expected RangeOverflow, got %v", err)
	}
}

// TestPatchWindowBounds verifies every patch is bounds-checked before the
// write
func TestPatchWindowBounds(t *testing.T) {
	buf := make([]byte, 6)
	if err := patchAbs64(buf, 0, 1); err == nil {
		t.Error("Expected bounds error for 8-byte patch in 6-byte buffer")
	}
	if err := patchPC32(buf, 4, 1); err == nil {
		t.Error("Expected bounds error for 4-byte patch at offset 4 of 6")
	}
	if err := patchARM64Branch26(buf, 4, 4, true); err == nil {
		t.Error("Expected bounds error for instruction patch at offset 4 of 6")
	}
}

// TestProcessRelocationsCrossObject verifies an end-to-end PC32 call fixup
// between two objects
func TestProcessRelocationsCrossObject(t *testing.T) {
	// caller: call helper (rel32 at offset 1), then ret
	caller := newTextObject("caller.o", "main", []byte{
		0xe8, 0x00, 0x00, 0x00, 0x00,
		0xc3, 0x00, 0x00,
	})
	symIdx := addUndef(caller, "helper")
	caller.Relocs = append(caller.Relocs, Relocation{
		Sect: 0, Offset: 1, Kind: RelocPC32, Sym: symIdx, TargetSect: -1, Addend: -4,
	})
	callee := newTextObject("callee.o", "helper", x86MainCode)

	ctx := linkObjects(t, linuxX86, caller, callee)
	if err := ctx.ProcessRelocations(); err != nil {
		t.Fatalf("ProcessRelocations failed: %v", err)
	}

	text := ctx.Layout.Get(SectText)
	def, _ := ctx.Globals.Lookup("helper")
	helperAddr := ctx.Globals.symbolAt(def).FinalAddr
	placeAddr, _ := ctx.Layout.AddrOf(0, 0, 1)

	got := int32(binary.LittleEndian.Uint32(text.Data[1:]))
	want := int32(int64(helperAddr) - 4 - int64(placeAddr))
	if got != want {
		t.Errorf("Patched displacement %d, want %d", got, want)
	}
}

// TestProcessRelocationsSkipsExternal verifies relocations against
// allow-listed external symbols are skipped, not failed
func TestProcessRelocationsSkipsExternal(t *testing.T) {
	obj := newTextObject("main.o", "main", []byte{
		0xe8, 0x00, 0x00, 0x00, 0x00,
		0xc3, 0x00, 0x00,
	})
	symIdx := addUndef(obj, "sox_print_int")
	obj.Relocs = append(obj.Relocs, Relocation{
		Sect: 0, Offset: 1, Kind: RelocPC32, Sym: symIdx, TargetSect: -1, Addend: -4,
	})

	ctx := linkObjects(t, linuxX86, obj)
	if err := ctx.ProcessRelocations(); err != nil {
		t.Fatalf("External relocation should be skipped, got: %v", err)
	}
	text := ctx.Layout.Get(SectText)
	if got := binary.LittleEndian.Uint32(text.Data[1:]); got != 0 {
		t.Errorf("Skipped relocation must leave bytes unchanged, got 0x%x", got)
	}
}

// TestProcessRelocationsAccumulatesErrors verifies every failing
// relocation is reported, not just the first
func TestProcessRelocationsAccumulatesErrors(t *testing.T) {
	obj := newTextObject("main.o", "main", make([]byte, 16))
	a := addUndef(obj, "ghost_a")
	b := addUndef(obj, "ghost_b")
	obj.Relocs = append(obj.Relocs,
		Relocation{Sect: 0, Offset: 0, Kind: RelocPC32, Sym: a, TargetSect: -1},
		Relocation{Sect: 0, Offset: 8, Kind: RelocPC32, Sym: b, TargetSect: -1},
	)

	ctx, err := NewLinkContext(linuxX86)
	if err != nil {
		t.Fatalf("NewLinkContext failed: %v", err)
	}
	ctx.AddObject(obj)
	ctx.Layout = NewLayout(linuxX86)
	ctx.Layout.AddObject(obj)
	ctx.Layout.Compute()

	err = ctx.ProcessRelocations()
	if err == nil {
		t.Fatal("Expected relocation errors")
	}
	errs, ok := err.(LinkErrors)
	if !ok {
		t.Fatalf("Expected LinkErrors, got %T", err)
	}
	if len(errs) != 2 {
		t.Errorf("Expected both failures reported, got %d: %v", len(errs), err)
	}
}
