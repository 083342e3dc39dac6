// Completion: 100% - Command line interface complete
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/apex/log"
)

const versionString = "soxld 1.2.0"

func main() {
	defaultPlatform := HostPlatform()
	defaultArchStr := defaultPlatform.Arch.String()
	defaultOSStr := defaultPlatform.OS.String()

	// NOTE: Go's flag package stops parsing at the first non-flag argument
	// So flags must come BEFORE the filenames: soxld -o prog main.o rt.a
	var archFlag = flag.String("arch", defaultArchStr, "target architecture (x86_64, arm64)")
	var osFlag = flag.String("os", defaultOSStr, "target OS (linux, macos)")
	var targetFlag = flag.String("target", "", "target platform (e.g., arm64-darwin, x86_64-linux)")
	var outputFlag = flag.String("o", "a.out", "output filename")
	var outputLongFlag = flag.String("output", "a.out", "output filename")
	var objOnlyFlag = flag.Bool("r", false, "write a relocatable object instead of linking")
	var objOnlyLongFlag = flag.Bool("relocatable", false, "write a relocatable object instead of linking")
	var versionShort = flag.Bool("V", false, "print version information and exit")
	var version = flag.Bool("version", false, "print version information and exit")
	var verbose = flag.Bool("v", false, "verbose mode (show layout and resolution details)")
	var verboseLong = flag.Bool("verbose", false, "verbose mode (show layout and resolution details)")
	flag.Parse()

	if *version || *versionShort {
		fmt.Println(versionString)
		return
	}
	if *verbose || *verboseLong {
		VerboseMode = true
	}
	InitLogging()

	outPath := *outputFlag
	if *outputLongFlag != "a.out" {
		outPath = *outputLongFlag
	}
	objOnly := *objOnlyFlag || *objOnlyLongFlag

	platform, err := resolveTarget(*targetFlag, *archFlag, *osFlag)
	if err != nil {
		log.Fatalf("%v", err)
	}

	inputs := flag.Args()
	if len(inputs) == 0 {
		fmt.Fprintf(os.Stderr, "usage: soxld [options] file.o [file2.o ... runtime.a]\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if objOnly {
		if err := writeRelocatableOutput(platform, inputs, outPath); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	ctx, err := NewLinkContext(platform)
	if err != nil {
		log.Fatalf("%v", err)
	}
	for _, path := range inputs {
		if err := ctx.AddInput(path); err != nil {
			log.Fatalf("%v", err)
		}
	}
	if err := ctx.Link(outPath); err != nil {
		log.Fatalf("%v", err)
	}
}

// resolveTarget combines the --target, --arch and --os flags; --target wins
// when given.
func resolveTarget(target, archStr, osStr string) (Platform, error) {
	if target != "" {
		return ParsePlatform(target)
	}
	arch, err := ParseArch(archStr)
	if err != nil {
		return Platform{}, err
	}
	osPart, err := ParseOS(osStr)
	if err != nil {
		return Platform{}, err
	}
	return Platform{Arch: arch, OS: osPart}, nil
}

// writeRelocatableOutput implements skip-link mode: a single input object
// is re-emitted in the target's relocatable format without resolution or
// layout.
func writeRelocatableOutput(platform Platform, inputs []string, outPath string) error {
	if len(inputs) != 1 {
		return fmt.Errorf("relocatable output takes exactly one input object, got %d", len(inputs))
	}
	obj, err := ReadObject(inputs[0])
	if err != nil {
		return err
	}
	var out []byte
	if platform.IsMachO() {
		out, err = WriteMachORelocatable(obj)
	} else {
		out, err = WriteELFRelocatable(obj, platform.Arch)
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", outPath, err)
	}
	log.WithField("output", outPath).WithField("size", len(out)).Info("wrote relocatable object")
	return nil
}
