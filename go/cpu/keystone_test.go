package cpu

import "testing"

func TestNormalize(t *testing.T) {
	src := "mov eax, 1; mov ebx, 7 // exit code\n\n  int 0x80  \n// done"
	want := "mov eax, 1\nmov ebx, 7\nint 0x80"
	if got := normalize(src); got != want {
		t.Fatalf("normalize() = %q, want %q", got, want)
	}
}
