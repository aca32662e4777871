package signature

import (
	"regexp"
	"sync/atomic"
)

// AttackKind classifies a matched rule.
type AttackKind string

const (
	KindSQLInjection     AttackKind = "sql_injection"
	KindXSS              AttackKind = "xss"
	KindPathTraversal    AttackKind = "path_traversal"
	KindCommandInjection AttackKind = "command_injection"
	KindCSRF             AttackKind = "csrf"
	KindRateLimitBypass  AttackKind = "rate_limit_bypass"
	KindFeedPattern      AttackKind = "feed_pattern"
)

// Per-class confidence is a fixed constant, not computed per match.
const (
	ConfidenceSQLInjection     = 0.8
	ConfidenceXSS              = 0.85
	ConfidencePathTraversal    = 0.9
	ConfidenceCommandInjection = 0.7
	ConfidenceCSRF             = 0.6
	ConfidenceRateLimitBypass  = 0.7
	ConfidenceFeedPattern      = 0.7
)

// Rule is one compiled attack pattern.
type Rule struct {
	Class      AttackKind
	Pattern    *regexp.Regexp
	Confidence float64
}

// RuleTable is an immutable, versioned library of compiled rules. Reloads
// build a fresh table and swap it into the Library; a table is never
// mutated after construction, so readers never observe a torn state.
type RuleTable struct {
	Version string
	rules   []Rule // merged, in match priority order
	byClass map[AttackKind][]Rule
}

// NewRuleTable compiles the given rules, preserving order.
func NewRuleTable(version string, rules []Rule) *RuleTable {
	byClass := make(map[AttackKind][]Rule)
	for _, r := range rules {
		byClass[r.Class] = append(byClass[r.Class], r)
	}
	return &RuleTable{Version: version, rules: rules, byClass: byClass}
}

func compileClass(class AttackKind, confidence float64, patterns []string) []Rule {
	rules := make([]Rule, 0, len(patterns))
	for _, p := range patterns {
		rules = append(rules, Rule{
			Class:      class,
			Pattern:    regexp.MustCompile(p),
			Confidence: confidence,
		})
	}
	return rules
}

// DefaultTable compiles the built-in rule library. Class order here is the
// generic-pass priority order.
func DefaultTable() *RuleTable {
	var rules []Rule
	rules = append(rules, compileClass(KindSQLInjection, ConfidenceSQLInjection, []string{
		`(?i)union\s+select`,
		`(?i);\s*drop\s+(table|database)`,
		`(?i)('|%27)\s*(or|and)\s+('|%27)?[\w\s]*('|%27)?\s*=`,
		`(?i)\bor\s+1\s*=\s*1\b`,
		`(?i)insert\s+into\s+\w+`,
		`(?i)\bexec(ute)?\s*\(`,
		`(?i)'\s*;\s*--`,
		`(?i)waitfor\s+delay`,
	})...)
	rules = append(rules, compileClass(KindXSS, ConfidenceXSS, []string{
		`(?i)<\s*script`,
		`(?i)javascript\s*:`,
		`(?i)\bon(error|load|click|mouseover|focus)\s*=`,
		`(?i)<\s*iframe`,
		`(?i)<\s*img[^>]+src\s*=\s*["']?\s*javascript`,
		`(?i)document\.(cookie|location)`,
	})...)
	rules = append(rules, compileClass(KindPathTraversal, ConfidencePathTraversal, []string{
		`\.\./`,
		`\.\.\\`,
		`(?i)%2e%2e(%2f|%5c)`,
		`(?i)/etc/(passwd|shadow)`,
		`(?i)c:\\windows\\`,
	})...)
	rules = append(rules, compileClass(KindCommandInjection, ConfidenceCommandInjection, []string{
		`(?i)[;&|]\s*(cat|ls|rm|wget|curl|nc|bash|sh|ping|whoami)\b`,
		"`[^`]+`",
		`\$\([^)]+\)`,
		`(?i)\|\s*(nc|netcat)\b`,
	})...)
	return NewRuleTable("builtin-1", rules)
}

// FeedRule is an externally sourced pattern, typically carried by the
// threat-intel feed. Confidence <= 0 falls back to ConfidenceFeedPattern.
type FeedRule struct {
	Pattern    string
	Confidence float64
}

// TableWithFeedRules builds a new table from the built-in rules plus
// feed-supplied patterns, under the given version. Built-in rules keep
// match priority; a feed pattern that fails to compile is skipped so one
// bad entry cannot fail the whole reload. Returns the table and the number
// of feed rules actually compiled in.
func TableWithFeedRules(version string, feed []FeedRule) (*RuleTable, int) {
	base := DefaultTable()
	rules := append([]Rule(nil), base.rules...)
	added := 0
	for _, fr := range feed {
		re, err := regexp.Compile(fr.Pattern)
		if err != nil {
			continue
		}
		conf := fr.Confidence
		if conf <= 0 {
			conf = ConfidenceFeedPattern
		}
		if conf > 1 {
			conf = 1
		}
		rules = append(rules, Rule{Class: KindFeedPattern, Pattern: re, Confidence: conf})
		added++
	}
	return NewRuleTable(version, rules), added
}

// Match runs the merged generic pass: first match wins, in table order.
func (t *RuleTable) Match(content string) (Match, bool) {
	for _, r := range t.rules {
		if r.Pattern.MatchString(content) {
			return Match{Class: r.Class, Confidence: r.Confidence, Pattern: r.Pattern.String()}, true
		}
	}
	return Match{}, false
}

// MatchClass tests content against a single rule class, first match wins.
func (t *RuleTable) MatchClass(class AttackKind, content string) (Match, bool) {
	for _, r := range t.byClass[class] {
		if r.Pattern.MatchString(content) {
			return Match{Class: r.Class, Confidence: r.Confidence, Pattern: r.Pattern.String()}, true
		}
	}
	return Match{}, false
}

// Match is one rule hit.
type Match struct {
	Class      AttackKind
	Confidence float64
	Pattern    string
}

// Library holds the active rule table. Swap installs a new version
// atomically; in-flight readers finish on the table they started with.
type Library struct {
	table atomic.Pointer[RuleTable]
}

// NewLibrary starts with the given table.
func NewLibrary(t *RuleTable) *Library {
	l := &Library{}
	l.table.Store(t)
	return l
}

// Table returns the active rule table.
func (l *Library) Table() *RuleTable {
	return l.table.Load()
}

// Swap installs a new table and returns the previous version string.
func (l *Library) Swap(t *RuleTable) string {
	old := l.table.Swap(t)
	if old == nil {
		return ""
	}
	return old.Version
}
