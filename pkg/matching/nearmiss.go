package matching

import (
	"fmt"
	"strings"

	"github.com/getmockd/mockproxy/pkg/httpmsg"
)

// NearMiss describes a registered rule that came close to matching a
// request, for the 503 "no rules were found matching" body's optional
// suggestions (§6, enabled by the suggestChanges option). Grounded on
// internal/matching/nearmiss.go's near-miss analysis, trimmed to the single
// HTTP rule shape this engine supports.
type NearMiss struct {
	RuleID string
	Reason string
}

// DescribeMiss renders a short, human-readable explanation of why a rule
// with the given method/path description didn't match req — a best-effort
// hint, not a precise diff.
func DescribeMiss(ruleDescription string, m Matcher, req *httpmsg.Request) NearMiss {
	var reasons []string

	switch t := m.(type) {
	case *All:
		for _, c := range t.Children {
			if !c.Match(req) {
				reasons = append(reasons, describeLeafMiss(c, req))
			}
		}
	default:
		reasons = append(reasons, describeLeafMiss(m, req))
	}

	reason := strings.Join(reasons, "; ")
	if reason == "" {
		reason = "matcher did not match"
	}
	return NearMiss{RuleID: ruleDescription, Reason: reason}
}

func describeLeafMiss(m Matcher, req *httpmsg.Request) string {
	switch t := m.(type) {
	case Method:
		return fmt.Sprintf("method %s != %s", t.Value, req.Method)
	case ExactPath:
		return fmt.Sprintf("path %s != %s", t.Value, req.Path)
	case Hostname:
		return fmt.Sprintf("hostname %s != %s", t.Value, req.Host)
	case Header:
		return fmt.Sprintf("header %s did not match", t.Key)
	default:
		return "did not match"
	}
}
