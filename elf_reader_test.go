package main

import (
	"encoding/binary"
	"testing"
)

// TestELFReaderRejectsBadHeaders verifies the structural gates: class,
// endianness, type and machine
func TestELFReaderRejectsBadHeaders(t *testing.T) {
	valid, err := WriteELFRelocatable(newTextObject("a.o", "f", x86MainCode), ArchX86_64)
	if err != nil {
		t.Fatalf("WriteELFRelocatable failed: %v", err)
	}

	mutate := func(mod func([]byte)) []byte {
		data := append([]byte(nil), valid...)
		mod(data)
		return data
	}

	cases := []struct {
		name string
		data []byte
	}{
		{"truncated", valid[:32]},
		{"32-bit class", mutate(func(b []byte) { b[4] = 1 })},
		{"big-endian", mutate(func(b []byte) { b[5] = 2 })},
		{"executable not relocatable", mutate(func(b []byte) { binary.LittleEndian.PutUint16(b[16:], 2) })},
		{"wrong machine", mutate(func(b []byte) { binary.LittleEndian.PutUint16(b[18:], 8) })},
	}
	for _, tc := range cases {
		if _, err := parseELFObject(tc.name, tc.data); err == nil {
			t.Errorf("Expected %s input to be rejected", tc.name)
		}
	}
}

// TestELFReaderBoundsChecking verifies adversarial offsets fail with
// BoundsError instead of panicking or reading out of range
func TestELFReaderBoundsChecking(t *testing.T) {
	valid, err := WriteELFRelocatable(newTextObject("a.o", "f", x86MainCode), ArchX86_64)
	if err != nil {
		t.Fatalf("WriteELFRelocatable failed: %v", err)
	}

	// Section header table offset past the end of the file.
	evil := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint64(evil[40:], uint64(len(evil))+1024)
	_, err = parseELFObject("evil.o", evil)
	if err == nil {
		t.Fatal("Expected bounds error for shoff past EOF")
	}
	if _, ok := err.(*BoundsError); !ok {
		t.Errorf("Expected BoundsError, got %T: %v", err, err)
	}

	// Section header offset that would wrap uint64.
	evil = append([]byte(nil), valid...)
	binary.LittleEndian.PutUint64(evil[40:], ^uint64(0)-16)
	if _, err := parseELFObject("wrap.o", evil); err == nil {
		t.Fatal("Expected bounds error for wrapping shoff")
	}
}

// TestELFReaderParsesKnownObject verifies section classification and
// symbol decoding over a known object layout
func TestELFReaderParsesKnownObject(t *testing.T) {
	src := newTextObject("a.o", "entry", x86MainCode)
	src.Sections = append(src.Sections,
		&Section{Name: ".rodata", Type: SectROData, Data: []byte("hi\x00"), Size: 3, Align: 1, Perms: PermRead},
		&Section{Name: ".bss", Type: SectBSS, Size: 32, Align: 8, Perms: PermRead | PermWrite},
	)
	src.Symbols = append(src.Symbols, &Symbol{
		Name: "counter", Kind: SymObject, Binding: BindGlobal, Section: 2, Defined: true, Size: 8,
	})

	data, err := WriteELFRelocatable(src, ArchX86_64)
	if err != nil {
		t.Fatalf("WriteELFRelocatable failed: %v", err)
	}
	obj, err := parseELFObject("a.o", data)
	if err != nil {
		t.Fatalf("parseELFObject failed: %v", err)
	}

	if len(obj.Sections) != 3 {
		t.Fatalf("Expected 3 sections, got %d", len(obj.Sections))
	}
	types := []SectionType{SectText, SectROData, SectBSS}
	for i, want := range types {
		if obj.Sections[i].Type != want {
			t.Errorf("Section %d classified as %s, want %s", i, obj.Sections[i].Type, want)
		}
	}
	if obj.Sections[2].Data != nil {
		t.Error("BSS section must not carry data")
	}

	counter := obj.FindSymbol("counter")
	if counter == nil {
		t.Fatal("Symbol counter missing")
	}
	if counter.Kind != SymObject || counter.Section != 2 {
		t.Errorf("counter decoded as kind=%v section=%d", counter.Kind, counter.Section)
	}
}

// TestGetStringSecurity verifies string table lookups reject out-of-range
// and unterminated entries
func TestGetStringSecurity(t *testing.T) {
	strtab := []byte("\x00hello\x00world") // final entry unterminated

	if s, err := getString("t", strtab, 1); err != nil || s != "hello" {
		t.Errorf("getString(1) = %q, %v", s, err)
	}
	if _, err := getString("t", strtab, uint32(len(strtab))); err == nil {
		t.Error("Expected error for offset at table end")
	}
	if _, err := getString("t", strtab, 1000); err == nil {
		t.Error("Expected error for offset past table end")
	}
	if _, err := getString("t", strtab, 7); err == nil {
		t.Error("Expected error for unterminated string")
	}
}
