package ratelimit

import (
	"sort"
	"strings"
	"time"

	"github.com/tenderwave/gateway/pkg/config"
)

// SubjectKind selects what a rule counts against.
type SubjectKind string

const (
	SubjectIP       SubjectKind = "ip"
	SubjectUser     SubjectKind = "user"
	SubjectEndpoint SubjectKind = "endpoint"
)

// Rule is one admission rule from the static gateway configuration.
type Rule struct {
	Name        string
	Prefix      string
	Requests    int
	Window      time.Duration
	SubjectKind SubjectKind
	Burst       int
	BurstWindow time.Duration
}

// RuleTable maps request paths to rules by longest prefix match, with an
// exclusion list that bypasses limiting entirely.
type RuleTable struct {
	rules       []Rule // sorted by prefix length, longest first
	defaultRule Rule
	exclusions  []string
}

func NewRuleTable(cfg config.RateLimitConfig) *RuleTable {
	t := &RuleTable{exclusions: cfg.Exclusions}

	for name, rc := range cfg.Rules {
		rule := Rule{
			Name:        name,
			Prefix:      rc.Prefix,
			Requests:    rc.Requests,
			Window:      rc.Window,
			SubjectKind: SubjectKind(rc.SubjectKind),
			Burst:       rc.Burst,
			BurstWindow: rc.BurstWindow,
		}
		if rule.BurstWindow <= 0 {
			rule.BurstWindow = time.Second
		}
		if name == cfg.DefaultRule {
			t.defaultRule = rule
		}
		if rule.Prefix != "" {
			t.rules = append(t.rules, rule)
		}
	}

	sort.Slice(t.rules, func(i, j int) bool {
		if len(t.rules[i].Prefix) != len(t.rules[j].Prefix) {
			return len(t.rules[i].Prefix) > len(t.rules[j].Prefix)
		}
		return t.rules[i].Name < t.rules[j].Name
	})

	return t
}

// Match resolves the rule for a request path. The second return is false when
// the path is excluded from rate limiting.
func (t *RuleTable) Match(path string) (Rule, bool) {
	for _, excluded := range t.exclusions {
		if path == excluded {
			return Rule{}, false
		}
	}

	for _, rule := range t.rules {
		if strings.HasPrefix(path, rule.Prefix) {
			return rule, true
		}
	}
	return t.defaultRule, true
}
