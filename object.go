// Completion: 100% - Core data model complete
package main

// BinFormat identifies the container format of an input file.
type BinFormat int

const (
	FormatUnknown BinFormat = iota
	FormatELF
	FormatMachO
	FormatArchive
)

func (f BinFormat) String() string {
	switch f {
	case FormatELF:
		return "ELF"
	case FormatMachO:
		return "Mach-O"
	case FormatArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// SectionType is the semantic class of a section, unified across formats.
type SectionType int

const (
	SectUnknown SectionType = iota
	SectText
	SectROData
	SectData
	SectBSS
)

func (t SectionType) String() string {
	switch t {
	case SectText:
		return "text"
	case SectROData:
		return "rodata"
	case SectData:
		return "data"
	case SectBSS:
		return "bss"
	default:
		return "unknown"
	}
}

// Section permission flags.
const (
	PermRead  = 1 << iota
	PermWrite
	PermExec
)

// Section is one named, typed byte range from an input object. Data is nil
// for BSS. Addr stays 0 until layout runs.
type Section struct {
	Name  string
	Type  SectionType
	Data  []byte
	Size  uint64
	Align uint64 // power of two
	Perms int
	Addr  uint64
	Obj   int // owning object index in the context
}

// SymKind mirrors the symbol type classes shared by ELF and Mach-O.
type SymKind int

const (
	SymNoType SymKind = iota
	SymFunc
	SymObject
	SymSection
)

// SymBinding is the visibility/override class of a symbol.
type SymBinding int

const (
	BindLocal SymBinding = iota
	BindGlobal
	BindWeak
)

func (b SymBinding) String() string {
	switch b {
	case BindGlobal:
		return "global"
	case BindWeak:
		return "weak"
	default:
		return "local"
	}
}

// ResolutionState is the outcome of symbol resolution for one reference.
// The four states replace the original sentinel-integer signaling: an
// unresolved reference, a reference satisfied by the runtime or system
// library at load time (no address to patch), an absolute symbol, and a
// reference bound to a definition in a specific object.
type ResolutionState int

const (
	SymUndefined ResolutionState = iota
	SymExternal
	SymAbsolute
	SymResolved
)

// SymRef records where a symbol reference resolved to.
type SymRef struct {
	State ResolutionState
	Obj   int // defining object index, valid only for SymResolved
}

// Symbol is one symbol-table entry of an input object. Section is -1 for
// absolute and undefined symbols. FinalAddr is meaningful only after both
// resolution and layout have completed.
type Symbol struct {
	Name      string
	Kind      SymKind
	Binding   SymBinding
	Section   int // defining section index within the object, -1 = none
	Value     uint64
	Size      uint64
	Defined   bool
	Ref       SymRef
	FinalAddr uint64
}

// RelocKind is the unified relocation vocabulary across ELF x86-64, ELF
// ARM64 and Mach-O ARM64. Unknown input kinds degrade to RelocNone with a
// warning rather than failing the parse.
type RelocKind int

const (
	RelocNone RelocKind = iota
	RelocAbs64
	RelocPC32
	RelocPLT32
	RelocGOTPCRel
	RelocCall26
	RelocJump26
	RelocPage21
	RelocPageOff12
	RelocGOTPage21
	RelocGOTPageOff12
	RelocTLS
)

func (k RelocKind) String() string {
	switch k {
	case RelocAbs64:
		return "ABS64"
	case RelocPC32:
		return "PC32"
	case RelocPLT32:
		return "PLT32"
	case RelocGOTPCRel:
		return "GOTPCREL"
	case RelocCall26:
		return "CALL26"
	case RelocJump26:
		return "JUMP26"
	case RelocPage21:
		return "PAGE21"
	case RelocPageOff12:
		return "PAGEOFF12"
	case RelocGOTPage21:
		return "GOT_PAGE21"
	case RelocGOTPageOff12:
		return "GOT_PAGEOFF12"
	case RelocTLS:
		return "TLS"
	default:
		return "NONE"
	}
}

// IsPCRel reports whether the relocation value is computed relative to the
// patched location.
func (k RelocKind) IsPCRel() bool {
	switch k {
	case RelocPC32, RelocPLT32, RelocGOTPCRel, RelocCall26, RelocJump26:
		return true
	}
	return false
}

// Relocation is one fixup request. Sect is the section whose bytes are
// patched. Sym indexes the owning object's symbol list; when Sym is -1 the
// fixup is section-relative and TargetSect names the target section.
type Relocation struct {
	Sect       int
	Offset     uint64
	Kind       RelocKind
	Sym        int
	TargetSect int
	Addend     int64
}

// Object is one relocatable input file in the unified data model. Raw keeps
// the original file bytes for diagnostics only.
type Object struct {
	Name     string
	Format   BinFormat
	Index    int
	Sections []*Section
	Symbols  []*Symbol
	Relocs   []Relocation
	Raw      []byte
}

// FindSymbol returns the first symbol with the given name, or nil.
func (o *Object) FindSymbol(name string) *Symbol {
	for _, sym := range o.Symbols {
		if sym.Name == name {
			return sym
		}
	}
	return nil
}
