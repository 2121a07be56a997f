package preproc

import (
	"reflect"
	"testing"
)

func TestOutputPassthroughAfterRaw(t *testing.T) {
	b := newOutputBuffer("s.c")
	b.raw("#include <adbi/handler.h>", "")
	b.passthrough(1, "int x;")
	b.passthrough(2, "int y;")

	want := []string{
		"#include <adbi/handler.h>",
		"",
		`#line 1 "s.c"`,
		"int x;",
		"int y;",
	}
	if !reflect.DeepEqual(b.Lines(), want) {
		t.Fatalf("got %q, want %q", b.Lines(), want)
	}
}

func TestOutputSingleLineDirectiveKeepsMapping(t *testing.T) {
	b := newOutputBuffer("s.c")
	b.passthrough(1, "a")
	b.directive(2, []string{"HANDLER(0x00000100) {"})
	b.passthrough(3, "b")

	want := []string{
		`#line 1 "s.c"`,
		"a",
		"HANDLER(0x00000100) {",
		"b",
	}
	if !reflect.DeepEqual(b.Lines(), want) {
		t.Fatalf("got %q, want %q", b.Lines(), want)
	}
}

func TestOutputMultiLineDirectiveBreaksMapping(t *testing.T) {
	b := newOutputBuffer("s.c")
	b.passthrough(1, "a")
	b.directive(2, []string{"one", "two"})
	b.passthrough(3, "b")

	want := []string{
		`#line 1 "s.c"`,
		"a",
		"one",
		`#line 2 "s.c"`,
		"two",
		`#line 3 "s.c"`,
		"b",
	}
	if !reflect.DeepEqual(b.Lines(), want) {
		t.Fatalf("got %q, want %q", b.Lines(), want)
	}
}

func TestOutputEmptyDirectiveBreaksMapping(t *testing.T) {
	b := newOutputBuffer("s.c")
	b.passthrough(1, "a")
	b.directive(2, nil)
	b.passthrough(3, "b")

	want := []string{
		`#line 1 "s.c"`,
		"a",
		`#line 3 "s.c"`,
		"b",
	}
	if !reflect.DeepEqual(b.Lines(), want) {
		t.Fatalf("got %q, want %q", b.Lines(), want)
	}
}

func TestOutputSkippedInputLineReanchors(t *testing.T) {
	b := newOutputBuffer("s.c")
	b.passthrough(1, "a")
	b.passthrough(5, "b")

	want := []string{
		`#line 1 "s.c"`,
		"a",
		`#line 5 "s.c"`,
		"b",
	}
	if !reflect.DeepEqual(b.Lines(), want) {
		t.Fatalf("got %q, want %q", b.Lines(), want)
	}
}
