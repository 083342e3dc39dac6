// Completion: 100% - Shared Mach-O on-disk structures and constants
package main

// Mach-O constants shared by the reader and the writers.
const (
	machoMagic64 = 0xfeedfacf // MH_MAGIC_64
	machoCigam64 = 0xcffaedfe // byte-swapped MH_MAGIC_64

	cpuTypeARM64       = 0x0100000c
	cpuSubtypeARM64All = 0x00000000

	// File types
	mhObject  = 0x1
	mhExecute = 0x2

	// Header flags
	mhNoUndefs = 0x1
	mhDyldLink = 0x4
	mhTwoLevel = 0x80
	mhPIE      = 0x200000

	// Load commands
	lcSegment64    = 0x19
	lcSymtab       = 0x2
	lcDysymtab     = 0xb
	lcLoadDylinker = 0xe
	lcLoadDylib    = 0xc
	lcUUID         = 0x1b
	lcBuildVersion = 0x32
	lcMain         = 0x80000028

	// Protection flags
	vmProtNone    = 0x0
	vmProtRead    = 0x1
	vmProtWrite   = 0x2
	vmProtExecute = 0x4

	// Section types and attributes
	sRegular              = 0x0
	sZerofill             = 0x1
	sCstringLiterals      = 0x2
	sThreadLocalRegular   = 0x11
	sThreadLocalZerofill  = 0x12
	sAttrPureInstructions = 0x80000000
	sAttrSomeInstructions = 0x00000400
	sectionTypeMask       = 0xff

	// nlist n_type bits
	nStab = 0xe0
	nType = 0x0e
	nExt  = 0x01
	nUndf = 0x0
	nAbs  = 0x2
	nSect = 0xe

	// nlist n_desc bits
	nWeakDef = 0x0080

	// ARM64 relocation types (r_type field)
	arm64RelocUnsigned        = 0
	arm64RelocSubtractor      = 1
	arm64RelocBranch26        = 2
	arm64RelocPage21          = 3
	arm64RelocPageoff12       = 4
	arm64RelocGOTLoadPage21   = 5
	arm64RelocGOTLoadPageoff12 = 6
	arm64RelocTLVPLoadPage21   = 9
	arm64RelocAddend           = 10

	machoHeaderSize  = 32
	machoSegCmdSize  = 72
	machoSectSize    = 80
	machoNlistSize   = 16
	machoRelocSize   = 8
	machoSymtabSize  = 24
)

// machoHeader64 is the Mach-O 64-bit header.
type machoHeader64 struct {
	Magic      uint32
	CPUType    uint32
	CPUSubtype uint32
	FileType   uint32
	NCmds      uint32
	SizeOfCmds uint32
	Flags      uint32
	Reserved   uint32
}

// segmentCommand64 is a 64-bit segment load command.
type segmentCommand64 struct {
	Cmd      uint32
	CmdSize  uint32
	SegName  [16]byte
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  uint32
	InitProt uint32
	NSects   uint32
	Flags    uint32
}

// machoSection64 is a 64-bit section within a segment.
type machoSection64 struct {
	SectName  [16]byte
	SegName   [16]byte
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

// symtabCommand is the LC_SYMTAB load command.
type symtabCommand struct {
	Cmd     uint32
	CmdSize uint32
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}

// dysymtabCommand is the LC_DYSYMTAB load command.
type dysymtabCommand struct {
	Cmd            uint32
	CmdSize        uint32
	ILocalSym      uint32
	NLocalSym      uint32
	IExtDefSym     uint32
	NExtDefSym     uint32
	IUndefSym      uint32
	NUndefSym      uint32
	TOCOff         uint32
	NTOC           uint32
	ModTabOff      uint32
	NModTab        uint32
	ExtRefSymOff   uint32
	NExtRefSyms    uint32
	IndirectSymOff uint32
	NIndirectSyms  uint32
	ExtRelOff      uint32
	NExtRel        uint32
	LocRelOff      uint32
	NLocRel        uint32
}

// nlist64 is a 64-bit symbol table entry.
type nlist64 struct {
	Strx  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

// entryPointCommand is the LC_MAIN load command.
type entryPointCommand struct {
	Cmd       uint32
	CmdSize   uint32
	EntryOff  uint64
	StackSize uint64
}

// uuidCommand is the LC_UUID load command.
type uuidCommand struct {
	Cmd     uint32
	CmdSize uint32
	UUID    [16]byte
}

// buildVersionCommand is the LC_BUILD_VERSION load command.
type buildVersionCommand struct {
	Cmd      uint32
	CmdSize  uint32
	Platform uint32
	Minos    uint32
	Sdk      uint32
	NTools   uint32
}

// setName copies a section or segment name into the fixed 16-byte field.
func setName(dst *[16]byte, name string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst[:], name)
}

// cname reads a null-padded fixed-width name field.
func cname(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
