// Completion: 100% - Unix ar archive reading complete (BSD and GNU variants)
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apex/log"
)

const (
	arMagic      = "!<arch>\n"
	arHeaderSize = 60
)

// arMember is one decoded archive member header plus its payload.
type arMember struct {
	name string
	data []byte
}

// parseArchiveMembers walks the fixed 60-byte member headers of a Unix ar
// file. Member sizes are decimal ASCII; members are 2-byte aligned with a
// newline pad. BSD archives store long names as "#1/NN" with the real name
// prefixed to the payload; GNU archives keep them in a "//" string table.
func parseArchiveMembers(file string, data []byte) ([]arMember, error) {
	if len(data) < len(arMagic) || string(data[:len(arMagic)]) != arMagic {
		return nil, &FormatError{File: file, Detail: "bad archive magic"}
	}

	var members []arMember
	var gnuNames []byte
	pos := uint64(len(arMagic))
	limit := uint64(len(data))

	for pos+arHeaderSize <= limit {
		hdr := data[pos : pos+arHeaderSize]
		if hdr[58] != 0x60 || hdr[59] != '\n' {
			return nil, &FormatError{File: file, Detail: fmt.Sprintf("bad member header magic at offset %d", pos)}
		}

		name := strings.TrimRight(string(hdr[0:16]), " ")
		sizeField := strings.TrimSpace(string(hdr[48:58]))
		size, err := strconv.ParseUint(sizeField, 10, 64)
		if err != nil {
			return nil, &FormatError{File: file, Detail: fmt.Sprintf("bad member size %q at offset %d", sizeField, pos)}
		}

		dataStart := pos + arHeaderSize
		// Overflow-safe: never compute dataStart+size before checking.
		if size > limit-dataStart {
			return nil, &BoundsError{File: file, What: "archive member " + name, Offset: dataStart + size, Limit: limit}
		}
		payload := data[dataStart : dataStart+size]

		// BSD extended name: "#1/NN" means the first NN payload bytes are
		// the member name.
		if strings.HasPrefix(name, "#1/") {
			nameLen, err := strconv.ParseUint(name[3:], 10, 32)
			if err != nil || nameLen > size {
				return nil, &FormatError{File: file, Detail: fmt.Sprintf("bad BSD extended name %q", name)}
			}
			name = strings.TrimRight(string(payload[:nameLen]), "\x00")
			payload = payload[nameLen:]
		} else if strings.HasPrefix(name, "/") && len(name) > 1 && name != "//" {
			// GNU extended name: "/NN" indexes the "//" string table.
			off, err := strconv.ParseUint(name[1:], 10, 32)
			if err == nil && gnuNames != nil && off < uint64(len(gnuNames)) {
				rest := gnuNames[off:]
				if end := strings.IndexByte(string(rest), '\n'); end >= 0 {
					name = strings.TrimSuffix(string(rest[:end]), "/")
				}
			}
		} else if name != "//" && name != "/" {
			name = strings.TrimSuffix(name, "/")
		}

		pos = dataStart + size
		if pos%2 == 1 {
			pos++ // even-byte padding after each member
		}

		if name == "//" {
			gnuNames = payload
			continue
		}
		members = append(members, arMember{name: name, data: payload})
	}

	return members, nil
}

// isArchiveSpecialMember reports members that carry archive metadata rather
// than object code: GNU "/" symbol tables and BSD "__.SYMDEF" variants.
func isArchiveSpecialMember(name string) bool {
	return name == "" || name == "/" || strings.HasPrefix(name, "__.SYMDEF") || strings.HasPrefix(name, "__")
}

// addArchive unpacks the archive and parses every object member into the
// context. Non-object members and symbol tables are skipped. Members are
// parsed straight from memory; SOXLD_KEEP_TMP spills a copy of each member
// for debugging.
func (ctx *LinkContext) addArchive(path string, data []byte) error {
	members, err := parseArchiveMembers(path, data)
	if err != nil {
		return err
	}

	for _, m := range members {
		if isArchiveSpecialMember(m.name) {
			log.WithField("member", m.name).Debug("skipping archive metadata member")
			continue
		}
		if !strings.HasSuffix(m.name, ".o") {
			log.WithField("member", m.name).Debug("skipping non-object archive member")
			continue
		}

		if KeepTempFiles {
			if err := spillMember(m); err != nil {
				log.Warnf("could not spill archive member %s: %v", m.name, err)
			}
		}

		obj, err := ReadObjectBytes(path+"("+m.name+")", m.data)
		if err != nil {
			return err
		}
		ctx.AddObject(obj)
	}
	return nil
}

// spillMember writes one member to the temp dir with a unique name so two
// concurrent links cannot collide.
func spillMember(m arMember) error {
	f, err := os.CreateTemp(TempDir, "sox_archive_"+filepath.Base(m.name)+"_*")
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(m.data); err != nil {
		return err
	}
	log.WithField("path", f.Name()).Debug("spilled archive member")
	return nil
}
