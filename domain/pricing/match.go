package pricing

import (
	"regexp"
	"sort"
	"strings"
)

// Matcher matches (method, path) pairs against compiled pricing rules.
// Rules are ordered by specificity at construction so the first full
// match wins deterministically: longest literal prefix first, then
// fewest wildcards, then longest pattern.
type Matcher struct {
	rules    []Rule
	patterns []compiledPattern
}

type compiledPattern struct {
	ruleIdx int
	exact   string
	regex   *regexp.Regexp
}

// NewMatcher compiles a rule set into a Matcher.
func NewMatcher(rules []Rule) (*Matcher, error) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := sorted[i].Pattern, sorted[j].Pattern
		li, lj := literalPrefixLen(pi), literalPrefixLen(pj)
		if li != lj {
			return li > lj
		}
		wi, wj := strings.Count(pi, "*"), strings.Count(pj, "*")
		if wi != wj {
			return wi < wj
		}
		return len(pi) > len(pj)
	})

	m := &Matcher{rules: sorted}
	for i, r := range sorted {
		cp, err := compileGlob(r.Pattern, i)
		if err != nil {
			return nil, err
		}
		m.patterns = append(m.patterns, cp)
	}
	return m, nil
}

// literalPrefixLen returns the length of the pattern up to the first
// wildcard.
func literalPrefixLen(pattern string) int {
	if i := strings.IndexByte(pattern, '*'); i >= 0 {
		return i
	}
	return len(pattern)
}

// compileGlob converts a wildcard-glob path pattern into a compiled
// matcher. "*" matches any run of characters including "/".
func compileGlob(pattern string, ruleIdx int) (compiledPattern, error) {
	cp := compiledPattern{ruleIdx: ruleIdx}

	if !strings.ContainsRune(pattern, '*') {
		cp.exact = pattern
		return cp, nil
	}

	var sb strings.Builder
	sb.WriteString("^")
	for i, part := range strings.Split(pattern, "*") {
		if i > 0 {
			sb.WriteString(".*")
		}
		sb.WriteString(regexp.QuoteMeta(part))
	}
	sb.WriteString("$")

	regex, err := regexp.Compile(sb.String())
	if err != nil {
		return cp, err
	}
	cp.regex = regex
	return cp, nil
}

// Match returns the most specific rule matching (method, path), or nil
// when no rule matches (the route is unpriced).
func (m *Matcher) Match(method, path string) *Rule {
	method = strings.ToUpper(method)
	for _, cp := range m.patterns {
		rule := &m.rules[cp.ruleIdx]
		if !methodMatches(rule.Method, method) {
			continue
		}
		if cp.exact != "" {
			if path == cp.exact {
				return rule
			}
			continue
		}
		if cp.regex.MatchString(path) {
			return rule
		}
	}
	return nil
}

func methodMatches(allowed, method string) bool {
	return allowed == "" || allowed == "*" || strings.ToUpper(allowed) == method
}

// Rules returns the compiled rule set in match order.
func (m *Matcher) Rules() []Rule {
	return m.rules
}
