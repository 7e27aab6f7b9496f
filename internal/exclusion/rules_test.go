package exclusion

import "testing"

func TestParseRule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want Rule
	}{
		{"prefix:http://example.org/private", Rule{Pattern: "http://example.org/private", Kind: KindPrefix}},
		{"domain:example.co.uk", Rule{Pattern: "example.co.uk", Kind: KindDomain}},
		{"  http://example.org/  ", Rule{Pattern: "http://example.org/", Kind: KindPrefix}},
	}
	for _, tc := range cases {
		got, err := ParseRule(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %+v want %+v", tc.in, got, tc.want)
		}
	}
	if _, err := ParseRule("   "); err == nil {
		t.Fatalf("expected error for empty rule")
	}
}

func TestRuleSetBlocks(t *testing.T) {
	t.Parallel()
	set, err := NewRuleSet([]Rule{
		{Pattern: "http://example.org/private", Kind: KindPrefix},
		{Pattern: "news.bbc.co.uk", Kind: KindDomain},
	})
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("len %d", set.Len())
	}
	cases := map[string]bool{
		"http://example.org/private/page.html": true,
		"https://www.EXAMPLE.org/Private":      true,
		"http://example.org/public":            false,
		"http://bbc.co.uk/":                    true,
		"http://www.sport.bbc.co.uk/football":  true,
		"http://co.uk/":                        false,
		"http://example.com/private":           false,
		"not a url at all":                     false,
	}
	for u, want := range cases {
		if got := set.Blocks(u); got != want {
			t.Fatalf("Blocks(%q) = %v, want %v", u, got, want)
		}
	}
}

func TestRuleSetRejectsUnknownKind(t *testing.T) {
	t.Parallel()
	if _, err := NewRuleSet([]Rule{{Pattern: "x", Kind: "regex"}}); err == nil {
		t.Fatalf("expected error")
	}
	var empty *RuleSet
	if empty.Blocks("http://example.org/") {
		t.Fatalf("nil set must not block")
	}
}
