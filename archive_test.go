package main

import (
	"bytes"
	"fmt"
	"testing"
)

// buildArchive assembles a Unix ar file from (name, payload) pairs using
// the short-name header form.
func buildArchive(t *testing.T, members ...arMember) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString(arMagic)
	for _, m := range members {
		name := m.name
		if len(name) > 16 {
			t.Fatalf("Member name %q too long for short form", name)
		}
		fmt.Fprintf(&buf, "%-16s%-12s%-6s%-6s%-8s%-10d`\n", name, "0", "0", "0", "644", len(m.data))
		buf.Write(m.data)
		if len(m.data)%2 == 1 {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

// TestArchiveExtraction verifies a 2-member archive with one object and
// one text member yields exactly one object in the context
func TestArchiveExtraction(t *testing.T) {
	objData, err := WriteELFRelocatable(newTextObject("rt.o", "sox_helper", x86MainCode), ArchX86_64)
	if err != nil {
		t.Fatalf("WriteELFRelocatable failed: %v", err)
	}
	data := buildArchive(t,
		arMember{name: "rt.o", data: objData},
		arMember{name: "README", data: []byte("not an object\n")},
	)

	ctx, err := NewLinkContext(linuxX86)
	if err != nil {
		t.Fatalf("NewLinkContext failed: %v", err)
	}
	if err := ctx.addArchive("librt.a", data); err != nil {
		t.Fatalf("addArchive failed: %v", err)
	}
	if len(ctx.Objects) != 1 {
		t.Fatalf("Expected exactly 1 object from archive, got %d", len(ctx.Objects))
	}
	if ctx.Objects[0].FindSymbol("sox_helper") == nil {
		t.Error("Archive member lost its symbol")
	}
}

// TestArchiveSkipsMetadataMembers verifies symbol table members are not
// treated as objects
func TestArchiveSkipsMetadataMembers(t *testing.T) {
	objData, err := WriteELFRelocatable(newTextObject("a.o", "f", x86MainCode), ArchX86_64)
	if err != nil {
		t.Fatalf("WriteELFRelocatable failed: %v", err)
	}
	data := buildArchive(t,
		arMember{name: "/", data: []byte{0, 0, 0, 0}},
		arMember{name: "__.SYMDEF", data: []byte{0, 0, 0, 0}},
		arMember{name: "a.o", data: objData},
	)

	ctx, err := NewLinkContext(linuxX86)
	if err != nil {
		t.Fatalf("NewLinkContext failed: %v", err)
	}
	if err := ctx.addArchive("lib.a", data); err != nil {
		t.Fatalf("addArchive failed: %v", err)
	}
	if len(ctx.Objects) != 1 {
		t.Errorf("Expected 1 object, got %d", len(ctx.Objects))
	}
}

// TestArchiveGNULongNames verifies "//" string table name resolution
func TestArchiveGNULongNames(t *testing.T) {
	objData, err := WriteELFRelocatable(newTextObject("x.o", "f", x86MainCode), ArchX86_64)
	if err != nil {
		t.Fatalf("WriteELFRelocatable failed: %v", err)
	}
	names := []byte("a_very_long_member_name.o/\n")
	data := buildArchive(t,
		arMember{name: "//", data: names},
		arMember{name: "/0", data: objData},
	)

	members, err := parseArchiveMembers("lib.a", data)
	if err != nil {
		t.Fatalf("parseArchiveMembers failed: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("Expected 1 member (string table consumed), got %d", len(members))
	}
	if members[0].name != "a_very_long_member_name.o" {
		t.Errorf("Long name resolved to %q", members[0].name)
	}
}

// TestArchiveBSDExtendedNames verifies "#1/NN" name extraction
func TestArchiveBSDExtendedNames(t *testing.T) {
	payload := append([]byte("bsd_member.o\x00\x00\x00\x00"), []byte("contents")...)
	data := buildArchive(t, arMember{name: "#1/16", data: payload})

	members, err := parseArchiveMembers("lib.a", data)
	if err != nil {
		t.Fatalf("parseArchiveMembers failed: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("Expected 1 member, got %d", len(members))
	}
	if members[0].name != "bsd_member.o" {
		t.Errorf("BSD name resolved to %q", members[0].name)
	}
	if string(members[0].data) != "contents" {
		t.Errorf("BSD payload is %q", members[0].data)
	}
}

// TestArchiveTruncatedMember verifies a size field past the end of the
// file is rejected, not clamped
func TestArchiveTruncatedMember(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(arMagic)
	fmt.Fprintf(&buf, "%-16s%-12s%-6s%-6s%-8s%-10d`\n", "evil.o", "0", "0", "0", "644", 1<<30)
	buf.WriteString("tiny")

	if _, err := parseArchiveMembers("evil.a", buf.Bytes()); err == nil {
		t.Fatal("Expected bounds error for oversized member")
	}
}

// TestSniffFormat verifies the input format dispatcher
func TestSniffFormat(t *testing.T) {
	if got := SniffFormat([]byte(arMagic + "x")); got != FormatArchive {
		t.Errorf("Archive sniffed as %s", got)
	}
	if got := SniffFormat([]byte{0x7f, 'E', 'L', 'F', 2, 1}); got != FormatELF {
		t.Errorf("ELF sniffed as %s", got)
	}
	if got := SniffFormat([]byte{0xcf, 0xfa, 0xed, 0xfe}); got != FormatMachO {
		t.Errorf("Mach-O sniffed as %s", got)
	}
	if got := SniffFormat([]byte{1, 2}); got != FormatUnknown {
		t.Errorf("Short input sniffed as %s", got)
	}
	if got := SniffFormat([]byte("MZ\x00\x00\x00\x00\x00\x00")); got != FormatUnknown {
		t.Errorf("PE input sniffed as %s", got)
	}
}
