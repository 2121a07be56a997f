package preproc

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func demoBinary() *fakeBinary {
	mytype := scalarType("mytype")
	return &fakeBinary{
		path:  "demo",
		funcs: map[string]uint64{"main": 0x100, "alt": 0x100, "worker": 0x200},
		syms:  map[string]uint64{"_start": 0x80},
		types: map[string]Type{"mytype": mytype},
		vars: map[string]*fakeVar{
			"counter": {
				name: "counter",
				typ:  mytype,
				loc:  &fakeLoc{usesFB: true, addr: "(__adbi_frame + -12)"},
			},
			"limit": {
				name: "limit",
				typ:  mytype,
				loc:  &fakeLoc{usesFB: true, addr: "(__adbi_frame + -16)"},
			},
		},
		thumb:     map[uint64]bool{0x200: true},
		frameBase: &fakeLoc{usesCFA: true, addr: "__adbi_cfa"},
		cfa:       &fakeLoc{addr: "(__adbi_regs->r[13] + 16)"},
	}
}

func runScript(t *testing.T, fb *fakeBinary, script string, ignoreErrors bool) ([]string, *Diagnostics, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	d := NewDiagnostics(&buf, SeverityWarning, ignoreErrors)
	p := NewProcessor(Options{ScriptName: "script.c", ScriptDir: "/tmp"}, d, fakeOpen(fb))
	lines := p.Run(strings.NewReader(script))
	return lines, d, &buf
}

func countLines(lines []string, substr string) int {
	n := 0
	for _, ln := range lines {
		if strings.Contains(ln, substr) {
			n++
		}
	}
	return n
}

func TestProcessorFullScript(t *testing.T) {
	script := `#binary demo

#handler main
#gettype mytype
#getvar counter
    counter++;
#endhandler`

	lines, d, buf := runScript(t, demoBinary(), script, false)
	if !d.Success() {
		t.Fatalf("run failed: %s", buf.String())
	}

	want := []string{
		"#include <adbi/handler.h>",
		"#include <adbi/regs.h>",
		"",
		`#line 2 "script.c"`,
		"",
		"HANDLER(0x00000100) {  /* handler main */",
		"    typedef int mytype;",
		"    unsigned long __adbi_cfa = (unsigned long)((__adbi_regs->r[13] + 16));  /* canonical frame address */",
		`#line 5 "script.c"`,
		"    unsigned long __adbi_frame = (unsigned long)(__adbi_cfa);  /* frame base */",
		`#line 5 "script.c"`,
		"    mytype counter;",
		`#line 5 "script.c"`,
		"    counter = *(mytype *)((__adbi_frame + -12));",
		`#line 6 "script.c"`,
		"    counter++;",
		"}  /* end handler main */",
		"",
		`const char __adbi_binary[] __attribute__((section(".adbi.payload"))) = "demo";`,
	}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("output mismatch:\ngot:\n%s\nwant:\n%s",
			strings.Join(lines, "\n"), strings.Join(want, "\n"))
	}
}

func TestProcessorPassthroughOnly(t *testing.T) {
	script := "#include <string.h>\nint helper(void) { return 0; }\n"
	lines, d, buf := runScript(t, nil, script, false)
	if !d.Success() {
		t.Fatalf("run failed: %s", buf.String())
	}
	if countLines(lines, "#include <string.h>") != 1 || countLines(lines, "int helper(void)") != 1 {
		t.Fatalf("passthrough lines missing from:\n%s", strings.Join(lines, "\n"))
	}
	if countLines(lines, "__adbi_binary") != 0 {
		t.Fatal("payload trailer emitted without a #binary directive")
	}
}

func TestGettypeIdempotent(t *testing.T) {
	script := "#binary demo\n#handler main\n#gettype mytype\n#gettype mytype\n#endhandler\n"
	lines, d, buf := runScript(t, demoBinary(), script, false)
	if !d.Success() {
		t.Fatalf("run failed: %s", buf.String())
	}
	if n := countLines(lines, "typedef int mytype;"); n != 1 {
		t.Fatalf("mytype defined %d times, want 1:\n%s", n, strings.Join(lines, "\n"))
	}
}

func TestGettypeUnknownSuggests(t *testing.T) {
	var buf bytes.Buffer
	d := NewDiagnostics(&buf, SeverityInfo, false)
	p := NewProcessor(Options{ScriptName: "script.c"}, d, fakeOpen(demoBinary()))
	p.Run(strings.NewReader("#binary demo\n#handler main\n#gettype mytpe\n#endhandler\n"))

	if d.Errors() == 0 {
		t.Fatal("unknown type did not fail the run")
	}
	if !strings.Contains(buf.String(), "did you mean mytype") {
		t.Errorf("no suggestion in %q", buf.String())
	}
}

func TestHandlerBeforeBinary(t *testing.T) {
	_, d, buf := runScript(t, demoBinary(), "#handler main\n#endhandler\n", false)
	if d.Errors() == 0 {
		t.Fatal("#handler before #binary did not fail the run")
	}
	if !strings.Contains(buf.String(), "before #binary") {
		t.Errorf("unexpected diagnostic: %q", buf.String())
	}
}

func TestNestedHandler(t *testing.T) {
	script := "#binary demo\n#handler main\n#handler worker\n#endhandler\n"
	lines, d, buf := runScript(t, demoBinary(), script, false)
	if d.Errors() == 0 {
		t.Fatal("nested #handler did not fail the run")
	}
	if !strings.Contains(buf.String(), "script.c:2") {
		t.Errorf("nested handler diagnostic does not cite the open block: %q", buf.String())
	}
	// The new block still opens; its close must match it.
	if countLines(lines, "/* end handler worker */") != 1 {
		t.Errorf("inner handler not closed:\n%s", strings.Join(lines, "\n"))
	}
}

func TestUnmatchedEndhandler(t *testing.T) {
	_, d, buf := runScript(t, demoBinary(), "#binary demo\n#endhandler\n", false)
	if d.Errors() == 0 {
		t.Fatal("unmatched #endhandler did not fail the run")
	}
	if !strings.Contains(buf.String(), "unmatched") {
		t.Errorf("unexpected diagnostic: %q", buf.String())
	}
}

func TestMissingEndhandlerAtEOF(t *testing.T) {
	_, d, buf := runScript(t, demoBinary(), "#binary demo\n#handler main\n", false)
	if d.Errors() == 0 {
		t.Fatal("missing #endhandler did not fail the run")
	}
	if !strings.Contains(buf.String(), "missing #endhandler") {
		t.Errorf("unexpected diagnostic: %q", buf.String())
	}
}

func TestDuplicateHandlerAddress(t *testing.T) {
	script := "#binary demo\n#handler main\n#endhandler\n#handler alt\n#endhandler\n"
	lines, d, buf := runScript(t, demoBinary(), script, false)
	if d.Errors() == 0 {
		t.Fatal("duplicate handler address did not fail the run")
	}
	if !strings.Contains(buf.String(), "script.c:2") {
		t.Errorf("duplicate diagnostic does not cite the first handler: %q", buf.String())
	}
	if n := countLines(lines, "HANDLER("); n != 1 {
		t.Errorf("%d HANDLER lines emitted, want 1", n)
	}
}

func TestThumbHandlerAddress(t *testing.T) {
	script := "#binary demo\n#handler worker\n#endhandler\n"
	lines, d, buf := runScript(t, demoBinary(), script, false)
	if !d.Success() {
		t.Fatalf("run failed: %s", buf.String())
	}
	if countLines(lines, "HANDLER(0x00000201)") != 1 {
		t.Fatalf("Thumb marker bit not applied:\n%s", strings.Join(lines, "\n"))
	}
}

func TestUnresolvedHandlerSkipsBody(t *testing.T) {
	script := "#binary demo\n#handler nowhere\n#gettype mytype\n#getvar counter\n#endhandler\n"
	lines, d, _ := runScript(t, demoBinary(), script, false)
	if d.Errors() != 1 {
		t.Fatalf("errors = %d, want 1 (the unresolved location)", d.Errors())
	}
	if countLines(lines, "HANDLER(") != 0 || countLines(lines, "typedef") != 0 || countLines(lines, "counter") != 0 {
		t.Fatalf("unresolved handler block generated code:\n%s", strings.Join(lines, "\n"))
	}
}

func TestHandlerSymbolFallback(t *testing.T) {
	script := "#binary demo\n#handler _start\n#endhandler\n"
	lines, d, buf := runScript(t, demoBinary(), script, false)
	if d.Errors() != 0 {
		t.Fatalf("run failed: %s", buf.String())
	}
	if d.Warnings() == 0 {
		t.Error("symbol table fallback did not warn")
	}
	if countLines(lines, "HANDLER(0x00000080)") != 1 {
		t.Fatalf("symbol address not used:\n%s", strings.Join(lines, "\n"))
	}
}

func TestDuplicateVariableImportWarns(t *testing.T) {
	script := "#binary demo\n#handler main\n#getvar counter\n#getvar counter total\n#endhandler\n"
	lines, d, buf := runScript(t, demoBinary(), script, false)
	if d.Errors() != 0 {
		t.Fatalf("run failed: %s", buf.String())
	}
	if d.Warnings() == 0 {
		t.Error("duplicate import did not warn")
	}
	if !strings.Contains(buf.String(), "script.c:3") {
		t.Errorf("duplicate diagnostic does not cite the first import: %q", buf.String())
	}
	if n := countLines(lines, "counter = *"); n != 1 {
		t.Errorf("%d assignments to counter, want 1", n)
	}
	if countLines(lines, "total") != 0 {
		t.Error("rejected duplicate import still declared its alias")
	}
}

func TestReservedAliasRejected(t *testing.T) {
	script := "#binary demo\n#handler main\n#getvar counter __adbi_counter\n#endhandler\n"
	_, d, buf := runScript(t, demoBinary(), script, false)
	if d.Errors() == 0 {
		t.Fatal("reserved alias did not fail the run")
	}
	if !strings.Contains(buf.String(), "reserved") {
		t.Errorf("unexpected diagnostic: %q", buf.String())
	}
}

func TestAliasCollision(t *testing.T) {
	script := "#binary demo\n#handler main\n#getvar counter x\n#getvar limit x\n#endhandler\n"
	_, d, buf := runScript(t, demoBinary(), script, false)
	if d.Errors() == 0 {
		t.Fatal("alias collision did not fail the run")
	}
	if !strings.Contains(buf.String(), "script.c:3") {
		t.Errorf("collision diagnostic does not cite the first use: %q", buf.String())
	}
}

func TestFailedImportDoesNotReserveAlias(t *testing.T) {
	script := "#binary demo\n#handler main\n#getvar conter x\n#getvar counter x\n#endhandler\n"
	lines, d, buf := runScript(t, demoBinary(), script, false)
	if d.Errors() != 1 {
		t.Fatalf("expected only the lookup error, got %d errors: %s", d.Errors(), buf.String())
	}
	if strings.Contains(buf.String(), "already used") {
		t.Errorf("failed import reserved the alias: %q", buf.String())
	}
	if countLines(lines, "mytype x;") != 1 {
		t.Errorf("corrected import did not declare the alias:\n%s", strings.Join(lines, "\n"))
	}
}

func TestFrameAndCFAImportedOnce(t *testing.T) {
	script := "#binary demo\n#handler main\n#getvar counter\n#getvar limit\n#endhandler\n"
	lines, d, buf := runScript(t, demoBinary(), script, false)
	if !d.Success() {
		t.Fatalf("run failed: %s", buf.String())
	}
	if n := countLines(lines, "unsigned long __adbi_frame"); n != 1 {
		t.Errorf("frame base imported %d times, want 1", n)
	}
	if n := countLines(lines, "unsigned long __adbi_cfa"); n != 1 {
		t.Errorf("canonical frame address imported %d times, want 1", n)
	}
	if countLines(lines, "limit = *") != 1 {
		t.Errorf("second variable not imported:\n%s", strings.Join(lines, "\n"))
	}
}

func TestSelfReferentialCFA(t *testing.T) {
	fb := demoBinary()
	fb.cfa = &fakeLoc{usesCFA: true, addr: "__adbi_cfa"}
	script := "#binary demo\n#handler main\n#getvar counter\n#endhandler\n"
	lines, d, buf := runScript(t, fb, script, false)
	if d.Errors() != 0 {
		t.Fatalf("self-referential rule reported as error: %s", buf.String())
	}
	if d.Warnings() == 0 {
		t.Error("self-referential rule did not warn")
	}
	if countLines(lines, "counter = *") != 0 {
		t.Error("variable imported despite the unusable frame address rule")
	}
}

func TestIgnoreErrorsDowngrade(t *testing.T) {
	script := "#binary demo\n#handler main\n#getvar missing\n#endhandler\n"
	_, d, _ := runScript(t, demoBinary(), script, true)
	if !d.Success() {
		t.Fatal("recoverable error not downgraded in ignore-errors mode")
	}
	if d.Warnings() == 0 {
		t.Error("downgraded error not reported as warning")
	}
}

func TestDirectiveOutsideHandler(t *testing.T) {
	for _, script := range []string{
		"#binary demo\n#gettype mytype\n",
		"#binary demo\n#getvar counter\n",
	} {
		_, d, buf := runScript(t, demoBinary(), script, false)
		if d.Errors() == 0 {
			t.Errorf("script %q: directive outside handler block accepted", script)
		}
		if !strings.Contains(buf.String(), "outside handler block") {
			t.Errorf("script %q: unexpected diagnostic %q", script, buf.String())
		}
	}
}

func TestBadArity(t *testing.T) {
	_, d, buf := runScript(t, demoBinary(), "#binary demo extra\n", false)
	if d.Errors() == 0 {
		t.Fatal("excess directive arguments accepted")
	}
	if !strings.Contains(buf.String(), "1 argument") {
		t.Errorf("unexpected diagnostic: %q", buf.String())
	}
}

func TestDeclTypeHint(t *testing.T) {
	for _, tc := range []struct {
		decl, name, want string
	}{
		{"int x;", "x", "int"},
		{"unsigned long long v;", "v", "unsigned long long"},
		{"struct point p; /* two fields */", "p", "struct point"},
		{"char *s; // string", "s", "char *"},
	} {
		if got := declTypeHint(tc.decl, tc.name); got != tc.want {
			t.Errorf("declTypeHint(%q, %q) = %q, want %q", tc.decl, tc.name, got, tc.want)
		}
	}
}
