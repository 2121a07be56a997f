package preproc

func (p *Processor) gettypeDirective(ln Line) []string {
	pos := p.pos(ln)
	name := ln.Args[0]

	if p.hctx == nil {
		p.diag.Fatalf(pos, "#gettype outside handler block")
		return nil
	}
	if !p.hctx.resolved {
		return nil
	}

	typ, err := p.binary.TypeByName(name)
	if err != nil {
		p.diag.Fatalf(pos, "no type named %q in %q", name, p.binaryPath)
		p.diag.Suggest(pos, name, p.binary.TypeNames())
		return nil
	}
	return p.resolveTypeLines(pos, typ)
}

// resolveTypeLines emits the declarations and definitions needed to make
// typ usable inside the current handler block. Types already emitted in
// this block produce no output, so repeated requests are idempotent.
func (p *Processor) resolveTypeLines(pos Position, typ Type) []string {
	h := p.hctx
	var lines []string

	emit := func(text []string) {
		for _, l := range text {
			lines = append(lines, "    "+l)
		}
	}

	for _, dep := range typ.DependencyOrder() {
		if dep.NeedsDef {
			if h.defined[dep.Type] {
				continue
			}
			for _, req := range dep.Type.HardRequirements() {
				if !h.defined[req] {
					p.diag.Fatalf(pos, "internal: definition of %s emitted before its required type %s", dep.Type.Name(), req.Name())
				}
			}
			for _, req := range dep.Type.SoftRequirements() {
				if !h.defined[req] && !h.declared[req] {
					p.diag.Fatalf(pos, "internal: definition of %s emitted before the declaration of %s", dep.Type.Name(), req.Name())
				}
			}
			emit(dep.Type.Define())
			h.defined[dep.Type] = true
			h.declared[dep.Type] = true
		} else {
			if h.defined[dep.Type] || h.declared[dep.Type] {
				continue
			}
			emit(dep.Type.Declare())
			h.declared[dep.Type] = true
		}
	}
	return lines
}
