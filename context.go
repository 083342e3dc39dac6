// Completion: 100% - Link context and pipeline orchestration complete
package main

import (
	"fmt"
	"os"

	"github.com/apex/log"
)

// LinkContext is the root aggregate of one link: loaded objects, the
// resolver and layout outputs, and the final executable image. It is
// mutated in place by each phase and is not safe for concurrent use; the
// design assumes one link per context.
type LinkContext struct {
	Platform Platform
	Objects  []*Object
	Globals  *SymbolTable
	Layout   *Layout
	Entry    uint64
	Output   []byte
}

// NewLinkContext creates a context for the given target, rejecting
// platform pairs the linker cannot emit.
func NewLinkContext(p Platform) (*LinkContext, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &LinkContext{Platform: p}, nil
}

// AddObject takes ownership of a parsed object. Object indices are
// identifiers used across components; they are assigned here and stay
// stable for the life of the context.
func (ctx *LinkContext) AddObject(obj *Object) {
	obj.Index = len(ctx.Objects)
	for _, sec := range obj.Sections {
		sec.Obj = obj.Index
	}
	ctx.Objects = append(ctx.Objects, obj)
	log.WithField("object", obj.Name).WithField("index", obj.Index).Debug("added object")
}

// prependObject inserts an object at the front of the list, renumbering
// everything. Only used for the synthesized _start stub, before any phase
// has published indices.
func (ctx *LinkContext) prependObject(obj *Object) {
	ctx.Objects = append([]*Object{obj}, ctx.Objects...)
	for i, o := range ctx.Objects {
		o.Index = i
		for _, sec := range o.Sections {
			sec.Obj = i
		}
	}
}

// Link runs the full pipeline: entry stub, resolution, layout, symbol
// address assignment, relocation patching, and the platform writer. The
// output file is only created after the image is fully generated, so a
// failed link never leaves a valid-looking partial executable behind.
func (ctx *LinkContext) Link(outPath string) error {
	if len(ctx.Objects) == 0 {
		return fmt.Errorf("no input objects to link")
	}

	if ctx.Platform.IsELF() {
		ctx.prependObject(makeStartStub(ctx.Platform.Arch))
	}

	if err := ctx.ResolveSymbols(); err != nil {
		return err
	}

	ctx.Layout = NewLayout(ctx.Platform)
	for _, obj := range ctx.Objects {
		ctx.Layout.AddObject(obj)
	}
	ctx.Layout.Compute()

	if err := ctx.AssignSymbolAddresses(); err != nil {
		return err
	}
	if err := ctx.ProcessRelocations(); err != nil {
		return err
	}

	var img []byte
	var err error
	if ctx.Platform.IsMachO() {
		img, err = ctx.WriteMachOExecutable()
	} else {
		img, err = ctx.WriteELFExecutable()
	}
	if err != nil {
		return err
	}
	ctx.Output = img

	if err := os.WriteFile(outPath, img, 0o644); err != nil {
		os.Remove(outPath)
		return fmt.Errorf("writing %s: %w", outPath, err)
	}
	if err := setExecutable(outPath); err != nil {
		return fmt.Errorf("chmod %s: %w", outPath, err)
	}

	log.WithField("output", outPath).
		WithField("size", len(img)).
		WithField("entry", hex64(ctx.Entry)).
		Info("link complete")
	return nil
}

// entrySymbolAddr finds the final address of a global symbol, for entry
// point selection.
func (ctx *LinkContext) entrySymbolAddr(name string) (uint64, bool) {
	if ctx.Globals == nil {
		return 0, false
	}
	def, ok := ctx.Globals.Lookup(name)
	if !ok {
		return 0, false
	}
	return ctx.Globals.symbolAt(def).FinalAddr, true
}

func hex64(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}
