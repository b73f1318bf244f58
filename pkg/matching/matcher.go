// Package matching evaluates a composite matcher tree against a parsed
// request. Evaluation is deterministic and side-effect-free — grounded on
// the teacher's internal/matching leaf-by-leaf comparisons, but rebuilt
// around a boolean Matcher interface instead of the teacher's cumulative
// best-match score, since the dispatcher this feeds needs a plain yes/no
// per rule (see pkg/ruleset for the declaration-order selection policy that
// consumes it).
package matching

import "github.com/getmockd/mockproxy/pkg/httpmsg"

// Matcher is a predicate over a parsed request.
type Matcher interface {
	Match(r *httpmsg.Request) bool
}

// MatcherFunc adapts a function to the Matcher interface.
type MatcherFunc func(r *httpmsg.Request) bool

// Match implements Matcher.
func (f MatcherFunc) Match(r *httpmsg.Request) bool { return f(r) }

// Always returns a matcher that matches every request — the only matcher
// legal on a fallback rule (§3 invariant). It is also what an verbless
// anyRequest() registration builds its matcher from.
func Always() Matcher {
	return alwaysMarker{}
}

// All is a combinator that matches iff every child matches. It
// short-circuits on the first false child, per §4.1; an empty All is
// equivalent to Always.
type All struct {
	Children []Matcher
}

// Match implements Matcher.
func (a *All) Match(r *httpmsg.Request) bool {
	for _, c := range a.Children {
		if !c.Match(r) {
			return false
		}
	}
	return true
}

// Any is a combinator that matches iff at least one child matches. It
// short-circuits on the first true child.
type Any struct {
	Children []Matcher
}

// Match implements Matcher.
func (a *Any) Match(r *httpmsg.Request) bool {
	for _, c := range a.Children {
		if c.Match(r) {
			return true
		}
	}
	return false
}

// IsAlways reports whether m is exactly the matcher produced by Always —
// used by the rule store to enforce the fallback-rule invariant (§4.2).
// Matchers compare by identity of an internal marker rather than structural
// equality, since two independently-built All{} trees should not silently
// qualify as a fallback.
func IsAlways(m Matcher) bool {
	_, ok := m.(alwaysMarker)
	return ok
}

type alwaysMarker struct{}

func (alwaysMarker) Match(*httpmsg.Request) bool { return true }
