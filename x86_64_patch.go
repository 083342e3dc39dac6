// Completion: 100% - x86-64 relocation patching complete
package main

import (
	"encoding/binary"
	"fmt"
	"math"
)

// checkPatchWindow validates [off, off+width) against the buffer before any
// write. Explicit bounds checks before every patch are a hard requirement;
// they are the documented response to prior buffer-overflow defects.
func checkPatchWindow(buf []byte, off, width uint64) error {
	if off > uint64(len(buf)) || width > uint64(len(buf))-off {
		return &RelocationError{
			Kind:   RelocErrPatchFailed,
			Detail: fmt.Sprintf("patch window [0x%x,+%d) exceeds buffer of %d bytes", off, width, len(buf)),
		}
	}
	return nil
}

// patchAbs64 writes a 64-bit absolute address. No range check: the value
// occupies the full width.
func patchAbs64(buf []byte, off uint64, value int64) error {
	if err := checkPatchWindow(buf, off, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf[off:], uint64(value))
	return nil
}

// patchPC32 writes a 32-bit signed PC-relative displacement (PC32, PLT32,
// GOTPCREL). The computed value must fit a signed 32-bit field.
func patchPC32(buf []byte, off uint64, value int64) error {
	if value < math.MinInt32 || value > math.MaxInt32 {
		return &RelocationError{
			Kind:   RelocErrRangeOverflow,
			Detail: fmt.Sprintf("PC-relative displacement %d exceeds 32-bit signed range", value),
		}
	}
	if err := checkPatchWindow(buf, off, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(int32(value)))
	return nil
}
