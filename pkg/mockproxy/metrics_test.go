package mockproxy

import (
	"io"
	"net/http"
	"testing"

	"github.com/getmockd/mockproxy/pkg/metrics"
	"github.com/stretchr/testify/require"
)

func matchHitsForRule(c *metrics.Counter, ruleID string) float64 {
	for _, sample := range c.Collect() {
		if sample.Labels["rule_id"] == ruleID {
			return sample.Value
		}
	}
	return 0
}

func TestDispatchIncrementsMatchHitCounter(t *testing.T) {
	s := startTestServer(t)

	eps, err := s.Get("/counted").ThenReply(http.StatusOK, "ok", nil)
	require.NoError(t, err)
	ruleID := eps.ID()

	before := matchHitsForRule(metrics.MatchHitsTotal, ruleID)

	mockURL, err := s.URL()
	require.NoError(t, err)
	resp, err := http.Get(mockURL + "/counted")
	require.NoError(t, err)
	resp.Body.Close()

	after := matchHitsForRule(metrics.MatchHitsTotal, ruleID)
	require.Greater(t, after, before)
}

func scalarValue(c *metrics.Counter) float64 {
	samples := c.Collect()
	if len(samples) == 0 {
		return 0
	}
	return samples[0].Value
}

func TestMissIncrementsMatchMissCounter(t *testing.T) {
	s := startTestServer(t)

	before := scalarValue(metrics.MatchMissesTotal)

	mockURL, err := s.URL()
	require.NoError(t, err)
	resp, err := http.Get(mockURL + "/nobody-registered-this")
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	resp.Body.Close()

	after := scalarValue(metrics.MatchMissesTotal)
	require.Greater(t, after, before)
}
