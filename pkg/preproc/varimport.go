package preproc

import (
	"fmt"
	"regexp"
	"strings"
)

var validCIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedPrefix is the identifier namespace owned by the generated code
// and the handler runtime.
const reservedPrefix = "__adbi_"

func (p *Processor) getvarDirective(ln Line) []string {
	pos := p.pos(ln)
	name := ln.Args[0]
	alias := name
	if len(ln.Args) == 2 {
		alias = ln.Args[1]
	}

	h := p.hctx
	if h == nil {
		p.diag.Fatalf(pos, "#getvar outside handler block")
		return nil
	}
	if !h.resolved {
		return nil
	}

	if !validCIdent.MatchString(alias) {
		p.diag.Fatalf(pos, "%q is not a valid C identifier", alias)
		return nil
	}
	if strings.HasPrefix(alias, reservedPrefix) {
		p.diag.Fatalf(pos, "the %s prefix is reserved, cannot import %s as %q", reservedPrefix, name, alias)
		return nil
	}

	if prev, ok := h.imported[name]; ok {
		p.diag.Warnf(pos, "variable %s already imported at %s", name, prev)
		return nil
	}

	// The alias is only reserved once its declaration is emitted below,
	// so a failed import does not burn the name for the rest of the block.
	if prev, ok := h.names[alias]; ok {
		p.diag.Fatalf(pos, "name %s already used by the %s at %s", alias, prev.desc, prev.pos)
		return nil
	}

	v, err := p.binary.LookupVariable(name, h.pc)
	if err != nil {
		p.diag.Errorf(pos, "no variable named %q visible at %#x", name, h.pc)
		p.diag.Suggest(pos, name, p.binary.VisibleVariables(h.pc))
		return nil
	}

	loc, err := v.Location()
	if err != nil {
		p.diag.Warnf(pos, "cannot import %s: unsupported location: %v", name, err)
		return nil
	}

	var lines []string
	lines = append(lines, p.resolveTypeLines(pos, v.Type())...)

	needsCFA := loc.UsesCFA()
	var frameExpr LocationExpr
	if loc.UsesFrameBase() && !h.frameImported {
		frameExpr, err = p.binary.FrameBase(h.pc)
		if err != nil {
			p.diag.Warnf(pos, "cannot import %s: no frame base at %#x: %v", name, h.pc, err)
			return lines
		}
		// A DW_OP_call_frame_cfa frame base widens the dependency to the
		// canonical frame address.
		if frameExpr.UsesCFA() {
			needsCFA = true
		}
	}

	if needsCFA && !h.cfaImported {
		cfaExpr, err := p.binary.CFA(h.pc)
		if err != nil {
			p.diag.Warnf(pos, "cannot import %s: no call frame information at %#x: %v", name, h.pc, err)
			return lines
		}
		if cfaExpr.UsesFrameBase() || cfaExpr.UsesCFA() {
			p.diag.Warnf(pos, "cannot import %s: self-referential canonical frame address rule at %#x", name, h.pc)
			return lines
		}
		addr, err := cfaExpr.RenderAddress()
		if err != nil {
			p.diag.Warnf(pos, "cannot import %s: unsupported canonical frame address rule at %#x: %v", name, h.pc, err)
			return lines
		}
		lines = append(lines, fmt.Sprintf("    unsigned long __adbi_cfa = (unsigned long)(%s);  /* canonical frame address */", addr))
		h.cfaImported = true
	}

	if frameExpr != nil {
		var stmts []string
		if fbAddr, err := frameExpr.RenderAddress(); err == nil {
			stmts = []string{fmt.Sprintf("unsigned long __adbi_frame = (unsigned long)(%s);  /* frame base */", fbAddr)}
		} else {
			p.diag.Warnf(pos, "cannot import %s: unsupported frame base at %#x: %v", name, h.pc, err)
			return lines
		}
		for _, s := range stmts {
			lines = append(lines, "    "+s)
		}
		h.frameImported = true
	}

	decl := v.Type().DeclareVar(alias)
	typeHint := ""
	if len(decl) == 1 {
		typeHint = declTypeHint(decl[0], alias)
	}
	for _, l := range decl {
		lines = append(lines, "    "+l)
	}
	h.registerName(alias, fmt.Sprintf("import of %s", name), pos)

	assign, err := loc.RenderAssignment(alias, v.Type().IsScalar(), typeHint)
	if err != nil {
		p.diag.Warnf(pos, "cannot import %s: unsupported location expression: %v", name, err)
		return lines
	}
	for _, s := range assign {
		lines = append(lines, "    "+s)
	}

	h.imported[name] = pos
	p.logger.Debugf("imported %s as %s at %s", name, alias, pos)
	return lines
}

// declTypeHint derives the C storage type from a single-line variable
// declaration by stripping comments, the trailing semicolon and the
// declared name itself.
func declTypeHint(decl, name string) string {
	for {
		start := strings.Index(decl, "/*")
		if start < 0 {
			break
		}
		end := strings.Index(decl[start+2:], "*/")
		if end < 0 {
			decl = decl[:start]
			break
		}
		decl = decl[:start] + " " + decl[start+2+end+2:]
	}
	if i := strings.Index(decl, "//"); i >= 0 {
		decl = decl[:i]
	}
	decl = strings.TrimSpace(decl)
	decl = strings.TrimSuffix(decl, ";")

	// The declared name may be glued to a pointer star, so remove it as a
	// word rather than as a whitespace-delimited token.
	ident := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
	decl = ident.ReplaceAllString(decl, " ")
	return strings.Join(strings.Fields(decl), " ")
}
