//go:build !windows

package delivery

import "testing"

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":       "",
		"/":      "",
		"api":    "/api",
		"/api/":  "/api",
		" /x/y ": "/x/y",
	}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Fatalf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsSafeAbsPath(t *testing.T) {
	ok := []string{"", "/var/lib/warden", "/var/lib/warden/"}
	bad := []string{"relative/path", "/var/../etc", "/var/./lib"}
	for _, p := range ok {
		if !isSafeAbsPath(p) {
			t.Fatalf("%q should be accepted", p)
		}
	}
	for _, p := range bad {
		if isSafeAbsPath(p) {
			t.Fatalf("%q should be rejected", p)
		}
	}
}
