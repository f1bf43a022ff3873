// Package access implements admission control for inbound peers. Rules are
// allow/block entries scoped globally or to one instance, matched against a
// phone number (or raw peer ID for channels without phone semantics) either
// exactly or by trailing-* prefix.
package access

import (
	"sort"
	"strings"
	"time"
)

// RuleType is the effect of a rule.
type RuleType string

const (
	RuleAllow RuleType = "allow"
	RuleBlock RuleType = "block"
)

// Rule is one admission rule. An empty InstanceName means global scope.
type Rule struct {
	ID           string    `json:"id"`
	InstanceName string    `json:"instance_name,omitempty"`
	PhoneNumber  string    `json:"phone_number"`
	RuleType     RuleType  `json:"rule_type"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsWildcard reports whether the rule pattern is a trailing-* prefix match.
func (r Rule) IsWildcard() bool {
	return strings.HasSuffix(r.PhoneNumber, "*")
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed     bool  `json:"allowed"`
	MatchedRule *Rule `json:"matched_rule,omitempty"`
}

// Evaluate computes the admission decision for (instanceName, peer) over the
// given rules. Evaluation order:
//
//  1. Instance-scoped rules are consulted first; global rules only apply
//     when no instance-scoped rule matches.
//  2. Within a scope, a longer exact match beats any wildcard, and a longer
//     wildcard prefix beats a shorter one.
//  3. At equal specificity, block beats allow; ties beyond that go to the
//     newest rule.
//  4. No matching rule means allow.
func Evaluate(rules []Rule, instanceName, peer string) Decision {
	peer = normalizePeer(peer)
	if peer == "" {
		return Decision{Allowed: true}
	}
	scoped := make([]Rule, 0, len(rules))
	global := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if !matches(rule, peer) {
			continue
		}
		if rule.InstanceName == "" {
			global = append(global, rule)
		} else if rule.InstanceName == instanceName {
			scoped = append(scoped, rule)
		}
	}
	if best := pick(scoped); best != nil {
		return Decision{Allowed: best.RuleType == RuleAllow, MatchedRule: best}
	}
	if best := pick(global); best != nil {
		return Decision{Allowed: best.RuleType == RuleAllow, MatchedRule: best}
	}
	return Decision{Allowed: true}
}

func matches(rule Rule, peer string) bool {
	pattern := normalizePeer(rule.PhoneNumber)
	if pattern == "" {
		return false
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(peer, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == peer
}

// pick returns the winning rule among matched rules of one scope, or nil.
func pick(matched []Rule) *Rule {
	if len(matched) == 0 {
		return nil
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.IsWildcard() != b.IsWildcard() {
			return !a.IsWildcard()
		}
		la, lb := patternLen(a), patternLen(b)
		if la != lb {
			return la > lb
		}
		if a.RuleType != b.RuleType {
			return a.RuleType == RuleBlock
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	winner := matched[0]
	return &winner
}

func patternLen(rule Rule) int {
	return len(strings.TrimSuffix(normalizePeer(rule.PhoneNumber), "*"))
}

// normalizePeer strips the JID domain suffix, the E.164 plus sign and
// whitespace so full webhook JIDs (5511...@s.whatsapp.net) compare against
// bare or +-prefixed rules.
func normalizePeer(raw string) string {
	value := strings.TrimSpace(raw)
	if idx := strings.IndexByte(value, '@'); idx >= 0 {
		value = value[:idx]
	}
	value = strings.TrimPrefix(value, "+")
	return strings.ReplaceAll(value, " ", "")
}
