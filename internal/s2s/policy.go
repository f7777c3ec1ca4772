package s2s

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// UserAssertionMode is one of the three modes names.
type UserAssertionMode string

const (
	AssertionRequired UserAssertionMode = "required"
	AssertionOptional UserAssertionMode = "optional"
	AssertionForbidden UserAssertionMode = "forbidden"
)

// Rule is one route rule.
type Rule struct {
	Method        string
	PathPattern   string
	Public        bool
	UserAssertion UserAssertionMode
	OpID          string

	tier int
	re   *regexp.Regexp
}

// precedence tiers, lower sorts first: exact path > parametric > wildcard.
const (
	tierExact = iota
	tierParametric
	tierWildcard
)

// Decision is the result of a RoutePolicyStore lookup.
type Decision struct {
	Matched  bool
	Rule     *Rule
	Revision int
}

// Policy is one (slug, majorVersion)'s ordered rule table.
type Policy struct {
	Slug         string
	MajorVersion int
	Rules        []Rule
	Revision     int
}

// Store is the RoutePolicyStore. Default-deny on any miss.
type Store struct {
	mu    sync.RWMutex
	byKey map[string]*Policy
}

// NewStore creates an empty RoutePolicyStore.
func NewStore() *Store {
	return &Store{byKey: make(map[string]*Policy)}
}

func policyKey(slug string, version int) string {
	return fmt.Sprintf("%s:%d", slug, version)
}

// Load compiles and installs a policy, rejecting ambiguous rules within a
// precedence tier at load time.
func (s *Store) Load(p Policy) error {
	compiled := make([]Rule, len(p.Rules))
	for i, r := range p.Rules {
		if r.UserAssertion == "" {
			r.UserAssertion = AssertionRequired
		}
		r.tier = classify(r.PathPattern)
		re, err := compilePattern(r.PathPattern)
		if err != nil {
			return fmt.Errorf("s2s: policy %s v%d rule %q: %w", p.Slug, p.MajorVersion, r.PathPattern, err)
		}
		r.re = re
		compiled[i] = r
	}

	if err := lintAmbiguity(compiled); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[policyKey(p.Slug, p.MajorVersion)] = &Policy{
		Slug: p.Slug, MajorVersion: p.MajorVersion, Rules: compiled, Revision: p.Revision,
	}
	return nil
}

// Lookup matches method+path against the (slug, version) policy's rules in
// precedence-tier order, first match within a tier wins.
func (s *Store) Lookup(slug string, version int, method, path string) Decision {
	s.mu.RLock()
	p, ok := s.byKey[policyKey(slug, version)]
	s.mu.RUnlock()
	if !ok {
		return Decision{Matched: false}
	}

	path = normalizePath(path)
	method = strings.ToUpper(method)

	for tier := tierExact; tier <= tierWildcard; tier++ {
		for i := range p.Rules {
			r := &p.Rules[i]
			if r.tier != tier {
				continue
			}
			if r.Method != "" && !strings.EqualFold(r.Method, method) {
				continue
			}
			if r.re.MatchString(path) {
				return Decision{Matched: true, Rule: r, Revision: p.Revision}
			}
		}
	}
	return Decision{Matched: false, Revision: p.Revision}
}

// normalizePath implements the normalization: collapse `//`,
// trim trailing `/` except root.
func normalizePath(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		p = "/"
	}
	return p
}

func classify(pattern string) int {
	switch {
	case strings.Contains(pattern, "*"):
		return tierWildcard
	case strings.Contains(pattern, ":"):
		return tierParametric
	default:
		return tierExact
	}
}

// compilePattern turns a gorilla/mux-style pattern ("/v1/foo/:id", "/v1/foo/*")
// into an anchored regexp. A `:param` segment matches exactly one path
// segment; `*` matches the remainder of the path.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	segments := strings.Split(strings.Trim(pattern, "/"), "/")
	var b strings.Builder
	b.WriteString("^/")
	for i, seg := range segments {
		if i > 0 {
			b.WriteString("/")
		}
		switch {
		case seg == "*":
			b.WriteString(".*")
		case strings.HasPrefix(seg, ":"):
			b.WriteString(`[^/]+`)
		default:
			b.WriteString(regexp.QuoteMeta(seg))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// lintAmbiguity rejects two rules in the same tier, for the same method,
// whose patterns are identical.
func lintAmbiguity(rules []Rule) error {
	seen := make(map[string]bool)
	for _, r := range rules {
		key := fmt.Sprintf("%d:%s:%s", r.tier, strings.ToUpper(r.Method), r.PathPattern)
		if seen[key] {
			return newErr(KindRouteAmbiguous, fmt.Sprintf("duplicate rule %s %s", r.Method, r.PathPattern), nil)
		}
		seen[key] = true
	}
	return nil
}
