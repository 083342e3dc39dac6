// Completion: 100% - Whole-program symbol resolution complete
package main

import (
	"github.com/apex/log"
)

// globalDef locates the defining symbol of a global name.
type globalDef struct {
	Obj int
	Sym int
}

// SymbolTable is the whole-program table of global and weak definitions.
// The precedence policy lives in Insert, not in the map: a plain map cannot
// encode global-overrides-weak.
type SymbolTable struct {
	defs map[string]globalDef
	ctx  *LinkContext
}

func NewSymbolTable(ctx *LinkContext) *SymbolTable {
	return &SymbolTable{defs: make(map[string]globalDef), ctx: ctx}
}

// symbolAt dereferences a globalDef.
func (t *SymbolTable) symbolAt(d globalDef) *Symbol {
	return t.ctx.Objects[d.Obj].Symbols[d.Sym]
}

// Lookup returns the definition of name, if any.
func (t *SymbolTable) Lookup(name string) (globalDef, bool) {
	d, ok := t.defs[name]
	return d, ok
}

// Insert applies the collision policy: two GLOBAL definitions of one name
// is a hard error, GLOBAL overrides WEAK, WEAK never overrides anything.
// Returns a SymbolError on duplicate definition, nil otherwise.
func (t *SymbolTable) Insert(name string, def globalDef) error {
	existing, ok := t.defs[name]
	if !ok {
		t.defs[name] = def
		return nil
	}
	oldSym := t.symbolAt(existing)
	newSym := t.symbolAt(def)
	switch {
	case oldSym.Binding == BindGlobal && newSym.Binding == BindGlobal:
		return &SymbolError{
			Kind:   ErrDuplicateDefinition,
			Name:   name,
			Object: t.ctx.Objects[def.Obj].Name,
			Other:  t.ctx.Objects[existing.Obj].Name,
		}
	case oldSym.Binding == BindWeak && newSym.Binding == BindGlobal:
		t.defs[name] = def
	}
	// WEAK never replaces an existing definition of either binding.
	return nil
}

// ResolveSymbols builds the global symbol table and resolves every
// undefined reference. Phase 1 collects GLOBAL and WEAK definitions; phase
// 2 classifies references as resolved, external (runtime/libc) or
// undefined. LOCAL symbols never enter the table: they resolve only within
// their own object during relocation processing. All errors are
// accumulated so one run reports every unresolved symbol.
func (ctx *LinkContext) ResolveSymbols() error {
	var errs LinkErrors
	table := NewSymbolTable(ctx)
	ctx.Globals = table

	// Phase 1: collect definitions.
	for oi, obj := range ctx.Objects {
		for si, sym := range obj.Symbols {
			if !sym.Defined || sym.Name == "" || sym.Binding == BindLocal {
				continue
			}
			if err := table.Insert(sym.Name, globalDef{Obj: oi, Sym: si}); err != nil {
				errs = append(errs, err)
			}
		}
	}

	// Phase 2: resolve references.
	resolved, external := 0, 0
	for _, obj := range ctx.Objects {
		for _, sym := range obj.Symbols {
			if sym.Defined || sym.Name == "" {
				continue
			}
			if def, ok := table.Lookup(sym.Name); ok {
				sym.Ref = SymRef{State: SymResolved, Obj: def.Obj}
				resolved++
				continue
			}
			if isExternalSymbol(sym.Name) {
				sym.Ref = SymRef{State: SymExternal}
				external++
				continue
			}
			errs = append(errs, &SymbolError{
				Kind:   ErrUndefinedSymbol,
				Name:   sym.Name,
				Object: obj.Name,
			})
		}
	}

	log.WithField("globals", len(table.defs)).
		WithField("resolved", resolved).
		WithField("external", external).
		Debug("symbol resolution complete")
	return errs.ErrOrNil()
}

// AssignSymbolAddresses computes every defined symbol's final virtual
// address once layout is done. Must run after ComputeLayout and before
// relocation processing.
func (ctx *LinkContext) AssignSymbolAddresses() error {
	for oi, obj := range ctx.Objects {
		for _, sym := range obj.Symbols {
			if !sym.Defined {
				continue
			}
			if sym.Ref.State == SymAbsolute {
				sym.FinalAddr = sym.Value
				continue
			}
			if sym.Section < 0 {
				continue
			}
			addr, ok := ctx.Layout.AddrOf(oi, sym.Section, sym.Value)
			if !ok {
				return &RelocationError{
					Kind:    RelocErrInvalidSection,
					Symbol:  sym.Name,
					Object:  obj.Name,
					Section: sym.Section,
				}
			}
			sym.FinalAddr = addr
		}
	}
	return nil
}

// resolveSymbolAddress returns the patch-time address of the symbol a
// relocation references, or (0, false) when the relocation must be skipped
// because the symbol is satisfied externally at load time.
func (ctx *LinkContext) resolveSymbolAddress(obj *Object, sym *Symbol) (uint64, bool, error) {
	if sym.Defined {
		return sym.FinalAddr, true, nil
	}
	switch sym.Ref.State {
	case SymResolved:
		def, _ := ctx.Globals.Lookup(sym.Name)
		return ctx.Globals.symbolAt(def).FinalAddr, true, nil
	case SymExternal:
		return 0, false, nil
	default:
		return 0, false, &RelocationError{
			Kind:   RelocErrUndefinedSymbol,
			Symbol: sym.Name,
			Object: obj.Name,
		}
	}
}
