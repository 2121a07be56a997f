package preproc

import (
	"fmt"
	"path/filepath"
)

// handlerContext is the state of the currently open handler block. It is
// created on #handler and discarded atomically on #endhandler, so no
// block-scoped state can leak between blocks.
type handlerContext struct {
	spec     string
	pos      Position
	resolved bool
	pc       uint64 // resolved address, used for debug-info lookups
	addr     uint64 // pc with the instruction-set marker bit applied

	frameImported bool
	cfaImported   bool

	defined  map[Type]bool
	declared map[Type]bool
	imported map[string]Position
	names    map[string]nameEntry
}

// nameEntry describes an identifier introduced in a handler block, for
// collision diagnostics.
type nameEntry struct {
	desc string
	pos  Position
}

func newHandlerContext(spec string, pos Position) *handlerContext {
	return &handlerContext{
		spec:     spec,
		pos:      pos,
		defined:  make(map[Type]bool),
		declared: make(map[Type]bool),
		imported: make(map[string]Position),
		names:    make(map[string]nameEntry),
	}
}

// registerName records an identifier introduced in the block. It returns
// the previous entry if the name is already taken.
func (h *handlerContext) registerName(name, desc string, pos Position) (nameEntry, bool) {
	if prev, ok := h.names[name]; ok {
		return prev, false
	}
	h.names[name] = nameEntry{desc: desc, pos: pos}
	return nameEntry{}, true
}

func (p *Processor) binaryDirective(ln Line) []string {
	pos := p.pos(ln)
	path := ln.Args[0]
	resolved := p.resolveBinaryPath(path)

	bi, err := p.open(resolved)
	if err != nil {
		p.diag.Fatalf(pos, "cannot load debug information for %q: %v", resolved, err)
		return nil
	}
	p.logger.Debugf("loaded debug information for %q", resolved)
	p.binary = bi
	p.binaryPath = path
	return nil
}

// resolveBinaryPath applies the path resolution contract: absolute paths
// are looked up under the sysroot, relative paths next to the script.
func (p *Processor) resolveBinaryPath(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Join(p.opts.Sysroot, path)
	}
	return filepath.Join(p.opts.ScriptDir, path)
}

func (p *Processor) handlerDirective(ln Line) []string {
	pos := p.pos(ln)
	spec := ln.Args[0]

	if p.hctx != nil {
		p.diag.Fatalf(pos, "nested #handler, handler %s opened at %s is still open", p.hctx.spec, p.hctx.pos)
		p.hctx = nil
	}
	h := newHandlerContext(spec, pos)
	p.hctx = h

	if p.binary == nil {
		p.diag.Fatalf(pos, "#handler before #binary, no binary loaded")
		return nil
	}

	pc, err := p.binary.ResolveLocation(spec)
	if err != nil {
		p.diag.Warnf(pos, "cannot resolve %q as a location (%v), falling back to the symbol table", spec, err)
		pc, err = p.binary.SymbolAddr(spec)
	}
	if err != nil {
		p.diag.Errorf(pos, "cannot resolve handler location %q", spec)
		return nil
	}

	if prev, ok := p.handlerAddrs[pc]; ok {
		p.diag.Fatalf(pos, "handler %s resolves to %#x, already instrumented by the handler at %s", spec, pc, prev)
		return nil
	}
	p.handlerAddrs[pc] = pos

	addr := pc
	iset, err := p.binary.InsnSet(pc)
	if err != nil {
		p.diag.Warnf(pos, "cannot classify the instruction set at %#x: %v", pc, err)
	} else if iset == InsnSetThumb {
		// The loader distinguishes Thumb entry points by bit 0.
		addr |= 1
	}

	h.pc = pc
	h.addr = addr
	h.resolved = true
	p.logger.Debugf("handler %s resolved to %#x", spec, addr)

	return []string{fmt.Sprintf("HANDLER(%#010x) {  /* handler %s */", addr, spec)}
}

func (p *Processor) endhandlerDirective(ln Line) []string {
	pos := p.pos(ln)

	if p.hctx == nil {
		p.diag.Fatalf(pos, "unmatched #endhandler")
		return nil
	}
	h := p.hctx
	p.hctx = nil

	if !h.resolved {
		return nil
	}
	return []string{fmt.Sprintf("}  /* end handler %s */", h.spec)}
}
