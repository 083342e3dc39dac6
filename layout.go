// Completion: 100% - Section merging and virtual address layout complete
package main

import (
	"github.com/apex/log"
)

// Contribution records where one input section's bytes landed inside a
// merged section. Contributions are disjoint, alignment-padded, and sum
// (with padding) to the merged section's size.
type Contribution struct {
	Obj    int
	Sect   int
	Offset uint64
	Size   uint64
}

// MergedSection is the concatenation of all same-type input sections.
// Exactly one exists per semantic type actually present. Allocated flips
// when Compute assigns the virtual address; consumers must not read Addr
// before that.
type MergedSection struct {
	Name      string
	Type      SectionType
	Data      []byte // nil for BSS
	Size      uint64
	Align     uint64
	Perms     int
	Addr      uint64
	Allocated bool
	Contribs  []Contribution
}

// Layout owns the merged sections and the platform's address-space
// parameters.
type Layout struct {
	Platform  Platform
	TotalSize uint64
	merged    map[SectionType]*MergedSection
}

// layoutOrder is the fixed platform order of merged sections.
var layoutOrder = []SectionType{SectText, SectROData, SectData, SectBSS}

var mergedNames = map[SectionType]string{
	SectText:   ".text",
	SectROData: ".rodata",
	SectData:   ".data",
	SectBSS:    ".bss",
}

func NewLayout(p Platform) *Layout {
	return &Layout{Platform: p, merged: make(map[SectionType]*MergedSection)}
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// Get returns the merged section of the given type, or nil when no input
// contributed one.
func (l *Layout) Get(t SectionType) *MergedSection {
	return l.merged[t]
}

// Sections returns the present merged sections in platform order.
func (l *Layout) Sections() []*MergedSection {
	var out []*MergedSection
	for _, t := range layoutOrder {
		if m, ok := l.merged[t]; ok {
			out = append(out, m)
		}
	}
	return out
}

// AddObject appends every typed section of obj to its merged section,
// padding to the maximum alignment seen for that type so far and recording
// a contribution for later address queries.
func (l *Layout) AddObject(obj *Object) {
	for si, sec := range obj.Sections {
		if sec.Type == SectUnknown {
			continue
		}
		m, ok := l.merged[sec.Type]
		if !ok {
			m = &MergedSection{
				Name:  mergedNames[sec.Type],
				Type:  sec.Type,
				Align: 1,
				Perms: sec.Perms,
			}
			l.merged[sec.Type] = m
		}
		if sec.Align > m.Align {
			m.Align = sec.Align
		}
		m.Perms |= sec.Perms

		offset := alignUp(m.Size, m.Align)
		if m.Type != SectBSS {
			// Pad the byte buffer to the contribution start, then append.
			for uint64(len(m.Data)) < offset {
				m.Data = append(m.Data, 0)
			}
			m.Data = append(m.Data, sec.Data...)
		}
		m.Contribs = append(m.Contribs, Contribution{
			Obj:    obj.Index,
			Sect:   si,
			Offset: offset,
			Size:   sec.Size,
		})
		m.Size = offset + sec.Size
	}
}

// Compute sorts the merged sections into the fixed platform order and
// assigns virtual addresses starting one page above the base address. Each
// section's start is rounded up to the page size, and further to its own
// alignment when that exceeds the page size. BSS reserves virtual space
// with no file content. Compute is idempotent: running it twice yields
// identical addresses.
func (l *Layout) Compute() {
	base := l.Platform.BaseAddr()
	pageSize := l.Platform.PageSize()
	addr := base + pageSize

	for _, m := range l.Sections() {
		addr = alignUp(addr, pageSize)
		if m.Align > pageSize {
			addr = alignUp(addr, m.Align)
		}
		m.Addr = addr
		m.Allocated = true
		addr += m.Size

		log.WithField("section", m.Name).
			WithField("vaddr", hex64(m.Addr)).
			WithField("size", m.Size).
			WithField("contribs", len(m.Contribs)).
			Debug("laid out merged section")
	}
	l.TotalSize = addr - base

	if VerboseMode {
		for _, m := range l.Sections() {
			for _, c := range m.Contribs {
				log.Debugf("  %s+0x%x: object %d section %d (%d bytes)", m.Name, c.Offset, c.Obj, c.Sect, c.Size)
			}
		}
	}
}

// AddrOf resolves (object, section, offset-within-section) to a virtual
// address. Linear scan over contribution lists: O(total contributions) per
// query, fine at linker scale.
func (l *Layout) AddrOf(obj, sect int, off uint64) (uint64, bool) {
	for _, m := range l.merged {
		if !m.Allocated {
			continue
		}
		for _, c := range m.Contribs {
			if c.Obj == obj && c.Sect == sect {
				return m.Addr + c.Offset + off, true
			}
		}
	}
	return 0, false
}

// contribution returns the contribution record for (object, section).
func (l *Layout) contribution(obj, sect int) (*MergedSection, *Contribution) {
	for _, m := range l.merged {
		for i := range m.Contribs {
			c := &m.Contribs[i]
			if c.Obj == obj && c.Sect == sect {
				return m, c
			}
		}
	}
	return nil, nil
}
