package cmd

import (
	"reflect"
	"testing"
)

func TestBitslice(t *testing.T) {
	var b bitslice
	if err := b.Set("24, 22,0x10"); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual([]uint(b), []uint{24, 22, 16}) || b.String() != "24,22,16" {
		t.Fatalf("parsed %v", b)
	}
	if err := b.Set("big"); err == nil {
		t.Fatal("accepted a bad size")
	}
}

func TestMergeEnv(t *testing.T) {
	env := mergeEnv([]string{"A=1", "B=2", "C=3", "junk"}, []string{"B=9"}, []string{"C"})
	if !reflect.DeepEqual(env, []string{"B=9", "A=1"}) {
		t.Fatalf("merged %v", env)
	}
}

func TestWrap(t *testing.T) {
	lines := wrap("trace kernel ops to a file", 12)
	if !reflect.DeepEqual(lines, []string{"trace kernel", "ops to a", "file"}) {
		t.Fatalf("wrapped %q", lines)
	}
}
