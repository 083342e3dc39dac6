// Completion: 100% - plain-read fallback for non-mmap platforms
//go:build !linux && !darwin

package main

import "os"

func readFileContents(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func setExecutable(path string) error {
	// No executable bit on this platform.
	return nil
}
