// Package spam decides whether an inbound message is spam, combining local
// header rules evaluated over trust-partitioned headers with a remote
// scoring service consulted when the rules have no opinion.
package spam

import (
	"fmt"
	"regexp"

	"github.com/mosacloud/messages-sub001/internal/config"
	"github.com/mosacloud/messages-sub001/internal/mime"
)

// Action is the closed set of outcomes a rule may produce. Unknown actions
// are rejected at configuration load, not at evaluation time.
type Action string

const (
	ActionSpam     Action = "spam"
	ActionReject   Action = "reject"
	ActionHam      Action = "ham"
	ActionNoAction Action = "no_action"
)

// ParseAction validates a configured action string.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionSpam, ActionReject, ActionHam, ActionNoAction:
		return Action(s), nil
	default:
		return "", fmt.Errorf("unknown spam rule action %q", s)
	}
}

// Rule matches a header value inside the trusted prefix of the trust blocks.
type Rule struct {
	Header        string
	Match         string
	MatchRegex    *regexp.Regexp
	Action        Action
	TrustedRelays int
}

// Verdict is a tri-state rule outcome.
type Verdict int

const (
	VerdictNone Verdict = iota // no opinion
	VerdictHam
	VerdictSpam
)

// CompileRules validates and compiles the configured rule set. A rule must
// carry exactly one of match / match_regex.
func CompileRules(cfgRules []config.SpamRule) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgRules))
	for i, rc := range cfgRules {
		action, err := ParseAction(rc.Action)
		if err != nil {
			return nil, fmt.Errorf("spam rule %d: %w", i, err)
		}
		if rc.Header == "" {
			return nil, fmt.Errorf("spam rule %d: missing header", i)
		}
		if (rc.Match == "") == (rc.MatchRegex == "") {
			return nil, fmt.Errorf("spam rule %d: exactly one of match / match_regex required", i)
		}
		rule := Rule{
			Header:        rc.Header,
			Match:         rc.Match,
			Action:        action,
			TrustedRelays: rc.TrustedRelays,
		}
		if rc.MatchRegex != "" {
			re, err := regexp.Compile(rc.MatchRegex)
			if err != nil {
				return nil, fmt.Errorf("spam rule %d: bad match_regex: %w", i, err)
			}
			rule.MatchRegex = re
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Evaluate runs the rules over the trust blocks. Each rule only sees the
// values of its header from the first block within its trust boundary that
// contains the header at all; a deeper block is never consulted. The first
// rule producing an opinion wins.
func Evaluate(rules []Rule, blocks []mime.TrustBlock) Verdict {
	for _, rule := range rules {
		values := mime.FindHeader(blocks, rule.Header, rule.TrustedRelays)
		if !rule.matches(values) {
			continue
		}
		switch rule.Action {
		case ActionSpam, ActionReject:
			return VerdictSpam
		case ActionHam:
			return VerdictHam
		case ActionNoAction:
			// matched but deliberately expresses no opinion
		}
	}
	return VerdictNone
}

func (r Rule) matches(values []string) bool {
	for _, v := range values {
		if r.MatchRegex != nil {
			if r.MatchRegex.MatchString(v) {
				return true
			}
		} else if v == r.Match {
			return true
		}
	}
	return false
}
