// Completion: 100% - mmap-backed input reading for linux/darwin
//go:build linux || darwin

package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// readFileContents maps the whole file read-only. Linker inputs are read
// many times during parsing, so a private mapping beats copying. Mappings
// live for the duration of the link; the OS reclaims them at exit.
func readFileContents(path string) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Size == 0 {
		return []byte{}, nil
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return data, nil
}

// setExecutable marks the finished output runnable.
func setExecutable(path string) error {
	return unix.Chmod(path, 0o755)
}
