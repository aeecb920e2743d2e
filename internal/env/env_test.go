package env

import (
	"strings"
	"testing"
)

func TestListMergesAndExpands(t *testing.T) {
	e := New(false).
		Apply([]string{"A=1", "B=${A}-x", "=skipped", "noequals"}).
		Set("C", "${B}/c")

	got := strings.Join(e.List(), ";")
	want := "A=1;B=1-x;C=${A}-x/c"
	// one pass only: C sees the raw value of B
	if got != want {
		t.Fatalf("List = %q, want %q", got, want)
	}
}

func TestInheritKeepsOSEnv(t *testing.T) {
	t.Setenv("RELSWAP_ENV_TEST", "from-os")
	e := New(true).Set("NODE_ENV", "production")
	var sawOS, sawSet bool
	for _, kv := range e.List() {
		switch kv {
		case "RELSWAP_ENV_TEST=from-os":
			sawOS = true
		case "NODE_ENV=production":
			sawSet = true
		}
	}
	if !sawOS || !sawSet {
		t.Fatalf("expected inherited and set vars, got os=%v set=%v", sawOS, sawSet)
	}
}

func FuzzList(f *testing.F) {
	f.Add("A=1\nB=${A}-x")
	f.Add("X=$Y\nY=${X}")
	f.Fuzz(func(t *testing.T, in string) {
		e := New(false).Apply(strings.Split(in, "\n"))
		for _, kv := range e.List() {
			if !strings.Contains(kv, "=") || strings.HasPrefix(kv, "=") {
				t.Fatalf("malformed entry %q", kv)
			}
		}
	})
}
