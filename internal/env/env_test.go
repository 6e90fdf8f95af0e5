package env

import (
	"slices"
	"testing"
)

func TestMerge_LayersAndExpansion(t *testing.T) {
	e := New()
	e.base = Var{"PATH": "/usr/bin", "HOME": "/home/u", "MODE": "base"}
	e.Set("MODE", "global")
	e.Set("DATA", "${HOME}/data")

	out := e.Merge(map[string]string{"MODE": "spawn", "PORT": "5000", "": "ignored"})
	want := []string{"DATA=/home/u/data", "HOME=/home/u", "MODE=spawn", "PATH=/usr/bin", "PORT=5000"}
	if !slices.Equal(out, want) {
		t.Fatalf("Merge() = %v, want %v", out, want)
	}
}

func TestMerge_UnknownReferenceKept(t *testing.T) {
	e := New()
	e.base = Var{}
	out := e.Merge(map[string]string{"X": "${NOPE}-1"})
	if !slices.Equal(out, []string{"X=${NOPE}-1"}) {
		t.Fatalf("unexpected: %v", out)
	}
}

func TestParse_SkipsMalformed(t *testing.T) {
	m := Parse([]string{"A=1", "=2", "B", "C=x=y"})
	if len(m) != 2 || m["A"] != "1" || m["C"] != "x=y" {
		t.Fatalf("unexpected parse: %v", m)
	}
}
