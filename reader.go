// Completion: 100% - Object-reader dispatcher complete
package main

import (
	"encoding/binary"

	"github.com/apex/log"
)

// SniffFormat classifies the first bytes of a file. ELF is identified by
// \x7fELF, 64-bit little-endian Mach-O by either byte order of its magic,
// archives by "!<arch>\n".
func SniffFormat(data []byte) BinFormat {
	if len(data) >= 8 && string(data[:8]) == arMagic {
		return FormatArchive
	}
	if len(data) < 4 {
		return FormatUnknown
	}
	if data[0] == 0x7f && data[1] == 'E' && data[2] == 'L' && data[3] == 'F' {
		return FormatELF
	}
	switch binary.LittleEndian.Uint32(data[:4]) {
	case machoMagic64, machoCigam64:
		return FormatMachO
	}
	return FormatUnknown
}

// ReadObject reads and parses one relocatable object file from disk.
func ReadObject(path string) (*Object, error) {
	data, err := readFileContents(path)
	if err != nil {
		return nil, err
	}
	return ReadObjectBytes(path, data)
}

// ReadObjectBytes parses a relocatable object from an in-memory buffer.
// Archive members come through here without touching the filesystem.
func ReadObjectBytes(name string, data []byte) (*Object, error) {
	switch SniffFormat(data) {
	case FormatELF:
		return parseELFObject(name, data)
	case FormatMachO:
		return parseMachOObject(name, data)
	case FormatArchive:
		return nil, &FormatError{File: name, Detail: "is an archive, not an object file"}
	default:
		return nil, &FormatError{File: name, Detail: "unsupported format (not ELF, Mach-O or archive)"}
	}
}

// AddInput loads an object file or archive into the context. Archives
// contribute one object per member.
func (ctx *LinkContext) AddInput(path string) error {
	data, err := readFileContents(path)
	if err != nil {
		return err
	}
	switch SniffFormat(data) {
	case FormatArchive:
		log.WithField("file", path).Debug("reading archive")
		return ctx.addArchive(path, data)
	default:
		obj, err := ReadObjectBytes(path, data)
		if err != nil {
			return err
		}
		ctx.AddObject(obj)
		return nil
	}
}
