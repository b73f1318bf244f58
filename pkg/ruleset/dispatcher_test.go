package ruleset

import (
	"sync"
	"testing"

	"github.com/getmockd/mockproxy/pkg/exec"
	"github.com/getmockd/mockproxy/pkg/httpmsg"
	"github.com/getmockd/mockproxy/pkg/matching"
	"github.com/stretchr/testify/require"
)

func reply(status int) *exec.Handler {
	return &exec.Handler{Kind: exec.KindReply, Status: status}
}

func req(method, path string) *httpmsg.Request {
	return &httpmsg.Request{Method: method, Path: path}
}

// §8 invariant 1: declaration order.
func TestSelectPrefersEarlierDeclaredRule(t *testing.T) {
	s := NewStore()
	r1 := BuildRule(ProtocolHTTP, []matching.Matcher{matching.ExactPath{Value: "/a"}}, Unlimited, reply(200), false)
	r2 := BuildRule(ProtocolHTTP, []matching.Matcher{matching.ExactPath{Value: "/a"}}, Unlimited, reply(201), false)
	s.Add(r1)
	s.Add(r2)

	selected, ok := Select(s.Snapshot(), ProtocolHTTP, req("GET", "/a"))
	require.True(t, ok)
	require.Equal(t, r1.ID, selected.ID)
}

// §8 invariant 2: completion limit respected, falls through to next match.
func TestSelectRespectsCompletionLimit(t *testing.T) {
	s := NewStore()
	r1 := BuildRule(ProtocolHTTP, []matching.Matcher{matching.ExactPath{Value: "/a"}}, 1, reply(200), false)
	r2 := BuildRule(ProtocolHTTP, []matching.Matcher{matching.ExactPath{Value: "/a"}}, Unlimited, reply(201), false)
	s.Add(r1)
	s.Add(r2)

	first, ok := Select(s.Snapshot(), ProtocolHTTP, req("GET", "/a"))
	require.True(t, ok)
	require.Equal(t, r1.ID, first.ID)

	second, ok := Select(s.Snapshot(), ProtocolHTTP, req("GET", "/a"))
	require.True(t, ok)
	require.Equal(t, r2.ID, second.ID)
}

// §8 invariant 3: fallback solitude.
func TestSetFallbackRejectsSecond(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SetFallback(BuildRule(ProtocolHTTP, nil, Unlimited, reply(418), false)))
	err := s.SetFallback(BuildRule(ProtocolHTTP, nil, Unlimited, reply(200), false))
	require.Error(t, err)
}

func TestSetFallbackRejectsNonAlwaysMatcher(t *testing.T) {
	s := NewStore()
	rule := BuildRule(ProtocolHTTP, []matching.Matcher{matching.Method{Value: "GET"}}, Unlimited, reply(200), false)
	err := s.SetFallback(rule)
	require.Error(t, err)
}

func TestSelectFallsBackWhenNoRuleMatches(t *testing.T) {
	s := NewStore()
	fb := BuildRule(ProtocolHTTP, nil, Unlimited, reply(418), false)
	require.NoError(t, s.SetFallback(fb))

	selected, ok := Select(s.Snapshot(), ProtocolHTTP, req("GET", "/nowhere"))
	require.True(t, ok)
	require.Equal(t, fb.ID, selected.ID)
}

func TestSelectNoMatchNoFallback(t *testing.T) {
	s := NewStore()
	_, ok := Select(s.Snapshot(), ProtocolHTTP, req("GET", "/nowhere"))
	require.False(t, ok)
}

// §8 invariant 6: setRequestRules leaves WS rules untouched and vice versa.
func TestSetRequestRulesLeavesWSUntouched(t *testing.T) {
	s := NewStore()
	wsRule := BuildRule(ProtocolWebSocket, nil, Unlimited, reply(200), false)
	s.Add(wsRule)

	s.SetRequestRules([]*Rule{BuildRule(ProtocolHTTP, nil, Unlimited, reply(200), false)})

	snap := s.Snapshot()
	require.Len(t, snap.WS, 1)
	require.Equal(t, wsRule.ID, snap.WS[0].ID)
}

// §8 invariant 7: reset zeroes counters and seenRequests.
func TestResetZeroesCountersAndSeen(t *testing.T) {
	s := NewStore()
	rule := BuildRule(ProtocolHTTP, []matching.Matcher{matching.ExactPath{Value: "/a"}}, Unlimited, reply(200), true)
	s.Add(rule)
	Select(s.Snapshot(), ProtocolHTTP, req("GET", "/a"))
	RecordIfEnabled(rule, req("GET", "/a"), 200)
	require.Equal(t, int64(1), rule.InvocationCount())
	require.Len(t, rule.SeenRequests(), 1)

	s.Reset()
	require.Equal(t, int64(0), rule.InvocationCount())
	require.Empty(t, rule.SeenRequests())
	require.Empty(t, s.Snapshot().HTTP)
}

// §8 invariant 8: recordTraffic=false means seenRequests stays empty forever.
func TestSeenRequestsEmptyWhenRecordTrafficDisabled(t *testing.T) {
	rule := BuildRule(ProtocolHTTP, nil, Unlimited, reply(200), false)
	RecordIfEnabled(rule, req("GET", "/a"), 200)
	require.Empty(t, rule.SeenRequests())
}

// Concurrent requests against a limit=1 rule: exactly one wins the slot.
func TestConcurrentClaimsRespectLimit(t *testing.T) {
	s := NewStore()
	rule := BuildRule(ProtocolHTTP, []matching.Matcher{matching.ExactPath{Value: "/a"}}, 1, reply(200), false)
	fallback := BuildRule(ProtocolHTTP, nil, Unlimited, reply(418), false)
	s.Add(rule)
	require.NoError(t, s.SetFallback(fallback))

	const n = 50
	var wg sync.WaitGroup
	wins := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap := s.Snapshot()
			selected, ok := Select(snap, ProtocolHTTP, req("GET", "/a"))
			require.True(t, ok)
			wins[i] = selected.ID
		}(i)
	}
	wg.Wait()

	ruleWins := 0
	for _, id := range wins {
		if id == rule.ID {
			ruleWins++
		}
	}
	require.Equal(t, 1, ruleWins)
}

func TestEndpointFreezesAfterReset(t *testing.T) {
	s := NewStore()
	rule := BuildRule(ProtocolHTTP, []matching.Matcher{matching.ExactPath{Value: "/a"}}, 1, reply(200), false)
	s.Add(rule)
	endpoint := NewEndpoint(s, rule)

	Select(s.Snapshot(), ProtocolHTTP, req("GET", "/a"))
	require.False(t, endpoint.IsPending())

	s.Reset()
	require.False(t, endpoint.IsPending())
	require.Equal(t, int64(0), endpoint.InvocationCount())
}
