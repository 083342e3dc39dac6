// Completion: 100% - ARM64 instruction patching complete
package main

import (
	"encoding/binary"
	"fmt"
)

// ARM64 patches preserve every fixed opcode and register bit of the
// existing instruction and overwrite only the documented immediate field.

const (
	branch26Max = 1<<27 - 4 // +128 MiB minus one instruction
	branch26Min = -(1 << 27)
	adrpMax     = 1<<20 - 1 // 21-bit signed page delta, ±4 GiB reach
	adrpMin     = -(1 << 20)
)

// patchARM64Branch26 encodes the imm26 field of a BL (call=true) or B
// instruction: bits 25:0 hold the word displacement. The byte displacement
// must be 4-byte aligned and within ±128 MiB, and the existing instruction
// must carry the matching branch opcode.
func patchARM64Branch26(buf []byte, off uint64, value int64, call bool) error {
	if value&3 != 0 {
		return &RelocationError{
			Kind:   RelocErrAlignment,
			Detail: fmt.Sprintf("branch displacement %d is not 4-byte aligned", value),
		}
	}
	if value < branch26Min || value > branch26Max {
		return &RelocationError{
			Kind:   RelocErrRangeOverflow,
			Detail: fmt.Sprintf("branch displacement %d exceeds ±128MiB", value),
		}
	}
	if err := checkPatchWindow(buf, off, 4); err != nil {
		return err
	}
	insn := binary.LittleEndian.Uint32(buf[off:])
	wantOp := uint32(0x14000000) // b
	if call {
		wantOp = 0x94000000 // bl
	}
	if insn&0xfc000000 != wantOp {
		return &RelocationError{
			Kind:   RelocErrPatchFailed,
			Detail: fmt.Sprintf("branch relocation against non-branch instruction %#08x", insn),
		}
	}
	imm26 := uint32(value>>2) & 0x03ffffff
	insn = insn&^uint32(0x03ffffff) | imm26
	binary.LittleEndian.PutUint32(buf[off:], insn)
	return nil
}

// patchARM64ADRP encodes the 21-bit page delta of an ADRP instruction:
// bits 30:29 hold immlo, bits 23:5 immhi. The target address is passed
// through from the formula layer; the page delta is computed here against
// the patched instruction's own address.
func patchARM64ADRP(buf []byte, off uint64, target, placeAddr uint64) error {
	pageDelta := int64(target>>12) - int64(placeAddr>>12)
	if pageDelta < adrpMin || pageDelta > adrpMax {
		return &RelocationError{
			Kind:   RelocErrRangeOverflow,
			Detail: fmt.Sprintf("ADRP page delta %d exceeds 21-bit signed range", pageDelta),
		}
	}
	if err := checkPatchWindow(buf, off, 4); err != nil {
		return err
	}
	insn := binary.LittleEndian.Uint32(buf[off:])
	imm := uint32(pageDelta) & 0x1fffff
	immLo := (imm & 0x3) << 29
	immHi := (imm >> 2) << 5
	insn = insn &^ (uint32(0x3)<<29 | uint32(0x7ffff)<<5)
	insn |= immLo | immHi
	binary.LittleEndian.PutUint32(buf[off:], insn)
	return nil
}

// patchARM64AddImm12 encodes the low 12 bits of the target address into an
// ADD immediate: bits 21:10 hold imm12, zero-extended.
func patchARM64AddImm12(buf []byte, off uint64, target uint64) error {
	imm := uint32(target & 0xfff)
	if err := checkPatchWindow(buf, off, 4); err != nil {
		return err
	}
	insn := binary.LittleEndian.Uint32(buf[off:])
	insn = insn&^(uint32(0xfff)<<10) | imm<<10
	binary.LittleEndian.PutUint32(buf[off:], insn)
	return nil
}
