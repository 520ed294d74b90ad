package sandbox_test

import (
	"errors"
	"path/filepath"
	"testing"

	"packline/internal/sandbox"
)

func TestResolveValid(t *testing.T) {
	got, err := sandbox.Resolve("/data/cache/a1", "res/values/strings.xml")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := filepath.Join("/data/cache/a1", "res", "values", "strings.xml")
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestResolveRejections(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"/etc/passwd",
		"../outside.txt",
		"res/../../outside.txt",
		"res/..",
		"a/b/../../../c",
	}
	for _, rel := range cases {
		if _, err := sandbox.Resolve("/data/cache/a1", rel); !errors.Is(err, sandbox.ErrViolation) {
			t.Fatalf("expected violation for %q, got %v", rel, err)
		}
	}
}

func TestResolveDotSegments(t *testing.T) {
	// A lone "." or embedded "./" stays inside the root and is allowed.
	got, err := sandbox.Resolve("/root", "./res/./x.txt")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != filepath.Join("/root", "res", "x.txt") {
		t.Fatalf("unexpected %s", got)
	}
}
