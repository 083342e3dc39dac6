// Completion: 100% - _start entry stub synthesis complete
package main

// makeStartStub builds a synthetic object holding the _start entry stub:
// zero the frame pointer, call main, and exit with main's return value via
// the platform syscall. The stub is a regular object with a relocation to
// main, so layout and relocation processing treat it like any input; it is
// placed first so _start lands at the top of the merged text section.
func makeStartStub(arch Arch) *Object {
	var code []byte
	var rel Relocation

	switch arch {
	case ArchARM64:
		// mov x29, #0
		// bl main
		// mov w8, #93        (SYS_exit, result already in w0)
		// svc #0
		code = []byte{
			0x1d, 0x00, 0x80, 0xd2,
			0x00, 0x00, 0x00, 0x94,
			0xa8, 0x0b, 0x80, 0x52,
			0x01, 0x00, 0x00, 0xd4,
		}
		rel = Relocation{Sect: 0, Offset: 4, Kind: RelocCall26, Sym: 1, TargetSect: -1}
	default:
		// xor ebp, ebp
		// call main          (rel32 at offset 3)
		// mov edi, eax
		// mov eax, 60        (SYS_exit)
		// syscall
		code = []byte{
			0x31, 0xed,
			0xe8, 0x00, 0x00, 0x00, 0x00,
			0x89, 0xc7,
			0xb8, 0x3c, 0x00, 0x00, 0x00,
			0x0f, 0x05,
		}
		rel = Relocation{Sect: 0, Offset: 3, Kind: RelocPC32, Sym: 1, TargetSect: -1, Addend: -4}
	}

	obj := &Object{
		Name:   "<builtin _start>",
		Format: FormatELF,
	}
	obj.Sections = append(obj.Sections, &Section{
		Name:  ".text",
		Type:  SectText,
		Data:  code,
		Size:  uint64(len(code)),
		Align: 16,
		Perms: PermRead | PermExec,
	})
	obj.Symbols = append(obj.Symbols,
		&Symbol{
			Name:    "_start",
			Kind:    SymFunc,
			Binding: BindGlobal,
			Section: 0,
			Size:    uint64(len(code)),
			Defined: true,
		},
		&Symbol{
			Name:    "main",
			Kind:    SymFunc,
			Section: -1,
		},
	)
	obj.Relocs = append(obj.Relocs, rel)
	return obj
}
