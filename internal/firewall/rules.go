package firewall

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// CommonRuleSet is the name of the built-in managed rule set.
const CommonRuleSet = "CommonRuleSet"

// maxInspectBytes is how much of the body the rules see. Larger bodies
// match SizeRestrictions_BODY.
const maxInspectBytes = 8 << 10

// Target is the part of a request a rule inspects.
type Target struct {
	Path      string
	Query     string
	UserAgent string
	Body      []byte
	BodySize  int64
}

// Rule is a single named check.
type Rule struct {
	Name  string
	Match func(Target) bool
}

// RuleSet is an ordered list of rules evaluated together.
type RuleSet struct {
	Name  string
	Rules []Rule
}

// Evaluate returns the names of every matching rule.
func (rs RuleSet) Evaluate(t Target) []string {
	var matched []string
	for _, r := range rs.Rules {
		if r.Match(t) {
			matched = append(matched, r.Name)
		}
	}
	return matched
}

// LookupRuleSet returns the named managed rule set.
func LookupRuleSet(name string) (RuleSet, error) {
	switch name {
	case CommonRuleSet, "AWSManagedRulesCommonRuleSet", "common":
		return commonRuleSet(), nil
	default:
		return RuleSet{}, fmt.Errorf("unknown firewall rule set %q", name)
	}
}

var (
	sqliPattern = regexp.MustCompile(`(?i)(\bunion\b[\s/*]+(all[\s/*]+)?select\b|\bor\b\s+['"]?\d+['"]?\s*=\s*['"]?\d+|'\s*or\s*'[^']*'\s*=\s*'|;\s*(drop|delete|truncate|alter)\s+(table|database)\b|\bsleep\s*\(\s*\d+\s*\)|\bwaitfor\s+delay\b|--\s*$)`)
	xssPattern  = regexp.MustCompile(`(?i)(<\s*script\b|<\s*/\s*script\s*>|javascript\s*:|\bon(error|load|click|mouseover|focus)\s*=|<\s*iframe\b|<\s*svg[^>]*\bon\w+\s*=)`)
	lfiPattern  = regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e(%2f|%5c|/)|/etc/passwd|/proc/self/environ|\bboot\.ini\b)`)
	ssrfPattern = regexp.MustCompile(`(?i)(169\.254\.169\.254|metadata\.google\.internal|\[fd00:ec2::254\])`)
	extPattern  = regexp.MustCompile(`(?i)\.(log|ini|conf|cfg|bak|backup|env|git|sql|swp|old)$`)
	badBots     = []string{"nikto", "sqlmap", "nessus", "masscan", "zgrab", "nmap", "acunetix", "dirbuster", "wpscan"}
)

func commonRuleSet() RuleSet {
	return RuleSet{
		Name: CommonRuleSet,
		Rules: []Rule{
			{Name: "NoUserAgent_HEADER", Match: func(t Target) bool {
				return strings.TrimSpace(t.UserAgent) == ""
			}},
			{Name: "UserAgent_BadBots_HEADER", Match: func(t Target) bool {
				ua := strings.ToLower(t.UserAgent)
				for _, bot := range badBots {
					if strings.Contains(ua, bot) {
						return true
					}
				}
				return false
			}},
			{Name: "SizeRestrictions_BODY", Match: func(t Target) bool {
				return t.BodySize > maxInspectBytes
			}},
			{Name: "SizeRestrictions_QUERYSTRING", Match: func(t Target) bool {
				return len(t.Query) > 2048
			}},
			{Name: "RestrictedExtensions_URIPATH", Match: func(t Target) bool {
				return extPattern.MatchString(t.Path)
			}},
			{Name: "EC2MetaDataSSRF_BODY", Match: func(t Target) bool {
				return ssrfPattern.Match(t.Body)
			}},
			{Name: "EC2MetaDataSSRF_QUERYARGUMENTS", Match: func(t Target) bool {
				return ssrfPattern.MatchString(unescape(t.Query))
			}},
			{Name: "GenericLFI_URIPATH", Match: func(t Target) bool {
				return lfiPattern.MatchString(t.Path)
			}},
			{Name: "GenericLFI_QUERYARGUMENTS", Match: func(t Target) bool {
				return lfiPattern.MatchString(unescape(t.Query))
			}},
			{Name: "GenericLFI_BODY", Match: func(t Target) bool {
				return lfiPattern.Match(t.Body)
			}},
			{Name: "SQLi_QUERYARGUMENTS", Match: func(t Target) bool {
				return sqliPattern.MatchString(unescape(t.Query))
			}},
			{Name: "SQLi_BODY", Match: func(t Target) bool {
				return sqliPattern.Match(t.Body)
			}},
			{Name: "CrossSiteScripting_QUERYARGUMENTS", Match: func(t Target) bool {
				return xssPattern.MatchString(unescape(t.Query))
			}},
			{Name: "CrossSiteScripting_BODY", Match: func(t Target) bool {
				return xssPattern.Match(t.Body)
			}},
		},
	}
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}
