package main

import (
	"testing"
)

// Shared builders for test input objects.

// x86-64: mov rax, 42; ret
var x86MainCode = []byte{0x48, 0xc7, 0xc0, 0x2a, 0x00, 0x00, 0x00, 0xc3}

// ARM64: mov w0, #42; ret
var arm64MainCode = []byte{0x40, 0x05, 0x80, 0x52, 0xc0, 0x03, 0x5f, 0xd6}

// newTextObject builds an object with one .text section holding code and
// one defined global symbol at offset 0.
func newTextObject(name, symName string, code []byte) *Object {
	obj := &Object{Name: name, Format: FormatELF}
	obj.Sections = append(obj.Sections, &Section{
		Name:  ".text",
		Type:  SectText,
		Data:  append([]byte(nil), code...),
		Size:  uint64(len(code)),
		Align: 16,
		Perms: PermRead | PermExec,
	})
	obj.Symbols = append(obj.Symbols, &Symbol{
		Name:    symName,
		Kind:    SymFunc,
		Binding: BindGlobal,
		Section: 0,
		Size:    uint64(len(code)),
		Defined: true,
	})
	return obj
}

// addUndef appends an undefined global reference and returns its index.
func addUndef(obj *Object, name string) int {
	obj.Symbols = append(obj.Symbols, &Symbol{
		Name:    name,
		Binding: BindGlobal,
		Section: -1,
	})
	return len(obj.Symbols) - 1
}

// linkObjects runs the resolution/layout/assignment phases over the given
// objects, failing the test on any phase error.
func linkObjects(t *testing.T, platform Platform, objs ...*Object) *LinkContext {
	t.Helper()
	ctx, err := NewLinkContext(platform)
	if err != nil {
		t.Fatalf("NewLinkContext failed: %v", err)
	}
	for _, obj := range objs {
		ctx.AddObject(obj)
	}
	if err := ctx.ResolveSymbols(); err != nil {
		t.Fatalf("ResolveSymbols failed: %v", err)
	}
	ctx.Layout = NewLayout(platform)
	for _, obj := range ctx.Objects {
		ctx.Layout.AddObject(obj)
	}
	ctx.Layout.Compute()
	if err := ctx.AssignSymbolAddresses(); err != nil {
		t.Fatalf("AssignSymbolAddresses failed: %v", err)
	}
	return ctx
}

var linuxX86 = Platform{Arch: ArchX86_64, OS: OSLinux}
var linuxARM64 = Platform{Arch: ArchARM64, OS: OSLinux}
var darwinARM64 = Platform{Arch: ArchARM64, OS: OSDarwin}
