// Package exclusion decides which URLs may not be replayed. Rules block a
// URL prefix or a whole registrable domain.
package exclusion

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/mohammad-safakhou/timegate/internal/helpers"
)

// Kind selects how a rule pattern is matched.
type Kind string

const (
	KindPrefix Kind = "prefix"
	KindDomain Kind = "domain"
)

// Rule is one exclusion.
type Rule struct {
	Pattern string
	Kind    Kind
}

// ParseRule reads the config form "prefix:<url>" or "domain:<host>". A bare
// pattern is a prefix rule.
func ParseRule(s string) (Rule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Rule{}, fmt.Errorf("empty exclusion rule")
	}
	for _, k := range []Kind{KindPrefix, KindDomain} {
		if rest, ok := strings.CutPrefix(s, string(k)+":"); ok {
			return Rule{Pattern: rest, Kind: k}, nil
		}
	}
	return Rule{Pattern: s, Kind: KindPrefix}, nil
}

func (r Rule) String() string { return string(r.Kind) + ":" + r.Pattern }

// RuleSet is an immutable compiled set of rules.
type RuleSet struct {
	prefixes []string
	domains  map[string]struct{}
}

// NewRuleSet compiles rules. Prefix patterns are compared as URL keys so
// scheme, www and case differences do not matter.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	s := &RuleSet{domains: make(map[string]struct{})}
	for _, r := range rules {
		switch r.Kind {
		case KindPrefix:
			key, err := helpers.URLKey(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("exclusion %s: %w", r, err)
			}
			s.prefixes = append(s.prefixes, key)
		case KindDomain:
			d, err := registrableDomain(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("exclusion %s: %w", r, err)
			}
			s.domains[d] = struct{}{}
		default:
			return nil, fmt.Errorf("exclusion %s: unknown kind %q", r, r.Kind)
		}
	}
	sort.Strings(s.prefixes)
	return s, nil
}

// Len returns the number of compiled rules.
func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.prefixes) + len(s.domains)
}

// Blocks reports whether rawURL falls under any rule. Unparseable URLs are
// not blocked; they fail later at the index.
func (s *RuleSet) Blocks(rawURL string) bool {
	if s.Len() == 0 {
		return false
	}
	if len(s.domains) > 0 {
		if host := hostOf(rawURL); host != "" {
			for d := range s.domains {
				if host == d || strings.HasSuffix(host, "."+d) {
					return true
				}
			}
		}
	}
	key, err := helpers.URLKey(rawURL)
	if err != nil {
		return false
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func hostOf(rawURL string) string {
	canonical, err := helpers.CanonicalURL(rawURL)
	if err != nil {
		return ""
	}
	u, err := url.Parse(canonical)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(u.Hostname(), ".")
}

func registrableDomain(pattern string) (string, error) {
	host := pattern
	if strings.Contains(pattern, "/") {
		host = hostOf(pattern)
	}
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return "", fmt.Errorf("empty domain")
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", err
	}
	return d, nil
}
