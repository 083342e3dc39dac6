// Completion: 100% - Relocation value computation and dispatch complete
package main

import (
	"github.com/apex/log"
)

// ProcessRelocations computes and patches every relocation against the
// merged section buffers. Individual failures are accumulated and
// processing continues, so one run surfaces the complete error set; the
// link fails if any relocation failed.
//
// Skip rules, in order:
//   - kind none: nothing to do.
//   - thread-local kinds: not supported, left for the dynamic loader.
//   - symbol resolved externally (runtime/libc): left for the loader.
func (ctx *LinkContext) ProcessRelocations() error {
	var errs LinkErrors

	for _, obj := range ctx.Objects {
		for _, rel := range obj.Relocs {
			if err := ctx.processOneRelocation(obj, &rel); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) > 0 {
		log.Debugf("relocation processing finished with %d errors", len(errs))
	}
	return errs.ErrOrNil()
}

func (ctx *LinkContext) processOneRelocation(obj *Object, rel *Relocation) error {
	switch rel.Kind {
	case RelocNone:
		return nil
	case RelocTLS:
		log.WithField("object", obj.Name).Debug("skipping thread-local relocation (dynamic loader responsibility)")
		return nil
	}

	// S: the referenced address.
	var symAddr uint64
	var symName string
	switch {
	case rel.Sym < 0:
		// Section-relative: the target is a section of this object.
		addr, ok := ctx.Layout.AddrOf(obj.Index, rel.TargetSect, 0)
		if !ok {
			return &RelocationError{
				Kind:    RelocErrInvalidSection,
				Symbol:  "(section)",
				Object:  obj.Name,
				Section: rel.Sect,
				Offset:  rel.Offset,
			}
		}
		symAddr = addr
		symName = "(section)"
	default:
		if rel.Sym >= len(obj.Symbols) {
			return &RelocationError{
				Kind:    RelocErrInvalidSection,
				Symbol:  "(bad symbol index)",
				Object:  obj.Name,
				Section: rel.Sect,
				Offset:  rel.Offset,
			}
		}
		sym := obj.Symbols[rel.Sym]
		symName = sym.Name
		addr, patchable, err := ctx.resolveSymbolAddress(obj, sym)
		if err != nil {
			rerr := err.(*RelocationError)
			rerr.Section = rel.Sect
			rerr.Offset = rel.Offset
			return rerr
		}
		if !patchable {
			log.WithField("symbol", symName).Debug("skipping relocation to external symbol")
			return nil
		}
		symAddr = addr
	}

	// P: the runtime address of the byte being patched.
	placeAddr, ok := ctx.Layout.AddrOf(obj.Index, rel.Sect, rel.Offset)
	if !ok {
		return &RelocationError{
			Kind:    RelocErrInvalidSection,
			Symbol:  symName,
			Object:  obj.Name,
			Section: rel.Sect,
			Offset:  rel.Offset,
		}
	}

	// Locate the merged buffer slot for the patch.
	merged, contrib := ctx.Layout.contribution(obj.Index, rel.Sect)
	if merged == nil || merged.Data == nil {
		return &RelocationError{
			Kind:    RelocErrInvalidSection,
			Symbol:  symName,
			Object:  obj.Name,
			Section: rel.Sect,
			Offset:  rel.Offset,
			Detail:  "patched section has no file content",
		}
	}
	bufOffset := contrib.Offset + rel.Offset

	// The value formula. ADRP passes the target through; the page delta is
	// computed inside the patch routine against P.
	var value int64
	switch rel.Kind {
	case RelocAbs64, RelocPageOff12, RelocGOTPageOff12:
		value = int64(symAddr) + rel.Addend
	case RelocPC32, RelocPLT32, RelocGOTPCRel, RelocCall26, RelocJump26:
		value = int64(symAddr) + rel.Addend - int64(placeAddr)
	case RelocPage21, RelocGOTPage21:
		value = int64(symAddr) + rel.Addend
	}

	err := patchRelocation(merged.Data, bufOffset, rel.Kind, value, placeAddr)
	if err != nil {
		if rerr, ok := err.(*RelocationError); ok {
			rerr.Symbol = symName
			rerr.Object = obj.Name
			rerr.Section = rel.Sect
			rerr.Offset = rel.Offset
			return rerr
		}
		return err
	}
	return nil
}

// patchRelocation dispatches to the architecture-specific encoders. Every
// encoder bounds-checks the patch window and range-validates the value
// before writing; violations are hard errors, never silent truncation.
func patchRelocation(buf []byte, off uint64, kind RelocKind, value int64, placeAddr uint64) error {
	switch kind {
	case RelocAbs64:
		return patchAbs64(buf, off, value)
	case RelocPC32, RelocPLT32, RelocGOTPCRel:
		return patchPC32(buf, off, value)
	case RelocCall26:
		return patchARM64Branch26(buf, off, value, true)
	case RelocJump26:
		return patchARM64Branch26(buf, off, value, false)
	case RelocPage21, RelocGOTPage21:
		return patchARM64ADRP(buf, off, uint64(value), placeAddr)
	case RelocPageOff12, RelocGOTPageOff12:
		return patchARM64AddImm12(buf, off, uint64(value))
	default:
		return &RelocationError{Kind: RelocErrPatchFailed, Detail: "unhandled relocation kind " + kind.String()}
	}
}
