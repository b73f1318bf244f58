package config

import (
	"testing"

	"github.com/getmockd/mockproxy/pkg/exec"
	"github.com/getmockd/mockproxy/pkg/matching"
	"github.com/getmockd/mockproxy/pkg/ruleset"
	"github.com/stretchr/testify/require"
)

func TestExportImportRoundTrip(t *testing.T) {
	store := ruleset.NewStore()
	store.Add(ruleset.BuildRule(
		ruleset.ProtocolHTTP,
		[]matching.Matcher{matching.Method{Value: "GET"}, matching.ExactPath{Value: "/widgets"}},
		5,
		&exec.Handler{Kind: exec.KindReply, Status: 200, Body: []byte(`{"ok":true}`)},
		true,
	))
	require.NoError(t, store.SetFallback(ruleset.BuildRule(
		ruleset.ProtocolHTTP, nil, ruleset.Unlimited,
		&exec.Handler{Kind: exec.KindReply, Status: 503}, false,
	)))

	snap, err := ExportRules(store)
	require.NoError(t, err)
	require.Len(t, snap.Request, 1)
	require.NotNil(t, snap.Fallback)

	data, err := Marshal(snap)
	require.NoError(t, err)
	require.Contains(t, string(data), "exactPath")

	parsed, err := Unmarshal(data)
	require.NoError(t, err)

	restored := ruleset.NewStore()
	require.NoError(t, ImportRules(restored, parsed))

	restoredSnap := restored.Snapshot()
	require.Len(t, restoredSnap.HTTP, 1)
	require.Equal(t, 5, restoredSnap.HTTP[0].CompletionLimit)
	require.NotNil(t, restoredSnap.Fallback)
	require.True(t, matching.IsAlways(restoredSnap.Fallback.Matcher))
}

func TestExportRejectsUnserializableHandler(t *testing.T) {
	store := ruleset.NewStore()
	store.Add(ruleset.BuildRule(ruleset.ProtocolHTTP, nil, ruleset.Unlimited, &exec.Handler{
		Kind:     exec.KindCallback,
		Callback: func(req *exec.Request) (*exec.Reply, error) { return nil, nil },
	}, false))

	_, err := ExportRules(store)
	require.Error(t, err)
}
