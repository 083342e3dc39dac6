// Completion: 100% - Target platform handling complete
package main

import (
	"fmt"
	"runtime"
	"strings"
)

// Architecture type
type Arch int

const (
	ArchUnknown Arch = iota
	ArchX86_64
	ArchARM64
)

func (a Arch) String() string {
	switch a {
	case ArchX86_64:
		return "x86_64"
	case ArchARM64:
		return "arm64"
	default:
		return "unknown"
	}
}

// ParseArch parses an architecture string (like GOARCH values)
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "x86_64", "amd64", "x86-64":
		return ArchX86_64, nil
	case "aarch64", "arm64":
		return ArchARM64, nil
	default:
		return 0, fmt.Errorf("unsupported architecture: %s (supported: x86_64, arm64)", s)
	}
}

// OS type
type OS int

const (
	OSLinux OS = iota
	OSDarwin
	OSWindows
)

func (o OS) String() string {
	switch o {
	case OSLinux:
		return "linux"
	case OSDarwin:
		return "darwin"
	case OSWindows:
		return "windows"
	default:
		return "unknown"
	}
}

// ParseOS parses an OS string (like GOOS values)
func ParseOS(s string) (OS, error) {
	switch strings.ToLower(s) {
	case "linux":
		return OSLinux, nil
	case "darwin", "macos":
		return OSDarwin, nil
	case "windows", "win":
		return OSWindows, nil
	default:
		return 0, fmt.Errorf("unsupported OS: %s (supported: linux, macos, windows)", s)
	}
}

// Platform represents a link target (architecture + OS)
type Platform struct {
	Arch Arch
	OS   OS
}

// String returns the full platform string like "arm64-darwin"
func (p Platform) String() string {
	return p.Arch.String() + "-" + p.OS.String()
}

// IsMachO returns true if this platform uses Mach-O format
func (p Platform) IsMachO() bool {
	return p.OS == OSDarwin
}

// IsELF returns true if this platform uses ELF format
func (p Platform) IsELF() bool {
	return p.OS == OSLinux
}

// BaseAddr returns the image base address for the platform.
// ELF executables load at 0x400000, Mach-O above the 4GB zero page.
func (p Platform) BaseAddr() uint64 {
	if p.IsMachO() {
		return 0x100000000
	}
	return 0x400000
}

// PageSize returns the load-time page granularity for the platform.
// macOS on ARM64 uses 16KB pages, Linux 4KB.
func (p Platform) PageSize() uint64 {
	if p.IsMachO() {
		return 0x4000
	}
	return 0x1000
}

// Validate rejects platform pairs the linker cannot emit. PE/COFF output is
// declared but not implemented.
func (p Platform) Validate() error {
	if p.OS == OSWindows {
		return fmt.Errorf("windows (PE/COFF) output is not implemented; supported targets: x86_64-linux, arm64-linux, arm64-darwin")
	}
	if p.IsMachO() && p.Arch != ArchARM64 {
		return fmt.Errorf("macOS output is only supported for arm64, not %s", p.Arch)
	}
	if p.Arch == ArchUnknown {
		return fmt.Errorf("unknown target architecture")
	}
	return nil
}

// ParsePlatform parses strings like "arm64-darwin" or "x86_64" (host OS
// assumed when the OS part is missing).
func ParsePlatform(s string) (Platform, error) {
	parts := strings.SplitN(s, "-", 2)
	arch, err := ParseArch(parts[0])
	if err != nil {
		return Platform{}, err
	}
	var osPart OS
	if len(parts) > 1 {
		osPart, err = ParseOS(parts[1])
		if err != nil {
			return Platform{}, err
		}
	} else {
		osPart = HostPlatform().OS
	}
	return Platform{Arch: arch, OS: osPart}, nil
}

// HostPlatform returns the platform for the current runtime.
func HostPlatform() Platform {
	var arch Arch
	switch runtime.GOARCH {
	case "arm64":
		arch = ArchARM64
	default:
		arch = ArchX86_64
	}
	var o OS
	switch runtime.GOOS {
	case "darwin":
		o = OSDarwin
	case "windows":
		o = OSWindows
	default:
		o = OSLinux
	}
	return Platform{Arch: arch, OS: o}
}
