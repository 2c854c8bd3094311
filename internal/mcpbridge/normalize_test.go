package mcpbridge

import "testing"

func TestNormalizeIdempotent(t *testing.T) {
	cases := []string{"Foo.Bar", "already_ok", "weird!!chars??", "a.b", ""}
	for _, c := range cases {
		once := normalize(c)
		twice := normalize(once)
		if once != twice {
			t.Errorf("normalize(%q) not idempotent: %q vs %q", c, once, twice)
		}
	}
}

func TestNormalizeKnownMapping(t *testing.T) {
	if got := normalize("a.b"); got != "a_b" {
		t.Errorf("normalize(a.b) = %q, want a_b", got)
	}
	if got := normalize("Search-Tool"); got != "search-tool" {
		t.Errorf("normalize(Search-Tool) = %q, want search-tool", got)
	}
}

func TestComposeAndSplit(t *testing.T) {
	id := compose("github", "search")
	if id != "github__search" {
		t.Fatalf("compose = %q", id)
	}
	ns, local, ok := split(id)
	if !ok || ns != "github" || local != "search" {
		t.Fatalf("split(%q) = (%q, %q, %v)", id, ns, local, ok)
	}
}

func TestComposeEmptyNamespace(t *testing.T) {
	if got := compose("", "search"); got != "search" {
		t.Fatalf("compose with empty ns = %q", got)
	}
}

func TestSplitLegacyDelimiter(t *testing.T) {
	ns, local, ok := split("github://docs/readme")
	if !ok || ns != "github" || local != "docs/readme" {
		t.Fatalf("split legacy = (%q, %q, %v)", ns, local, ok)
	}
}

func TestSplitPrefersCanonicalOverLegacy(t *testing.T) {
	// "__" must win when both delimiters could apply.
	ns, local, ok := split("github__weird://thing")
	if !ok || ns != "github" || local != "weird://thing" {
		t.Fatalf("split mixed = (%q, %q, %v)", ns, local, ok)
	}
}

func TestSplitNoDelimiter(t *testing.T) {
	if _, _, ok := split("plain"); ok {
		t.Fatalf("expected no split for a plain identifier")
	}
}
