package ruleset

import (
	"time"

	"github.com/getmockd/mockproxy/pkg/httpmsg"
)

// Select scans snap's sequence for protocol in declaration order and
// returns the first rule that both matches req and still has capacity,
// claiming that capacity atomically before returning it (§4.3 steps 1-3).
// When no ordinary rule is eligible it returns the fallback rule, if one
// exists; ok is false only when neither an ordinary rule nor a fallback
// could be selected.
func Select(snap Snapshot, protocol Protocol, req *httpmsg.Request) (rule *Rule, ok bool) {
	seq := snap.HTTP
	if protocol == ProtocolWebSocket {
		seq = snap.WS
	}

	for _, r := range seq {
		if !r.Matcher.Match(req) {
			continue
		}
		if r.tryClaim() {
			return r, true
		}
		// Eligible by match but lost the race for the last slot (or is
		// already exhausted) — fall through to the next matching rule.
	}

	if snap.Fallback != nil {
		snap.Fallback.tryClaim() // fallback has no completion limit in practice
		return snap.Fallback, true
	}
	return nil, false
}

// RecordIfEnabled appends the exchange to rule's seen list when recordTraffic
// is on for it (§4.3 step 5). Safe to call with a nil rule.
func RecordIfEnabled(rule *Rule, req *httpmsg.Request, statusCode int) {
	if rule == nil {
		return
	}
	rule.recordSeen(SeenExchange{Request: req, StatusCode: statusCode, At: time.Now()})
}
