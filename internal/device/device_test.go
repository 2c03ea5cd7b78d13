package device

import (
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	for _, name := range []string{"", "cpu"} {
		d, err := Resolve(name)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", name, err)
		}
		if d.Name != CPU || !strings.HasPrefix(d.String(), "cpu ") {
			t.Fatalf("Resolve(%q) = %v", name, d)
		}
	}
	if _, err := Resolve("cuda:0"); err == nil {
		t.Fatal("expected error for cuda target")
	}
}
