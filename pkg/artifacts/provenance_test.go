package artifacts

import (
	"testing"

	"github.com/settld/substrate/pkg/chain"
	"github.com/stretchr/testify/require"
)

func buildEvent(t *testing.T, streamID string, prev *string, payload interface{}) *chain.Event {
	t.Helper()
	at := fixedNow
	draft, err := chain.CreateChainedEvent(streamID, "session.message", chain.Actor{Type: "agent", ID: "a1"}, payload, &at)
	require.NoError(t, err)
	finalized, err := chain.FinalizeChainedEvent(draft, prev, nil)
	require.NoError(t, err)
	return finalized
}

func chainEvents(t *testing.T, streamID string, payloads []interface{}) []*chain.Event {
	t.Helper()
	events := make([]*chain.Event, 0, len(payloads))
	var prev *string
	for _, p := range payloads {
		e := buildEvent(t, streamID, prev, p)
		events = append(events, e)
		h := e.ChainHash
		prev = &h
	}
	return events
}

func TestVerifyProvenanceTaint_NoTaint(t *testing.T) {
	events := chainEvents(t, "s1", []interface{}{
		map[string]interface{}{"text": "hello"},
		map[string]interface{}{"text": "world"},
	})
	result := VerifyProvenanceTaint(events)
	require.True(t, result.Summary.OK)
	require.Equal(t, 0, result.Summary.TaintedEventCount)
	require.Equal(t, 2, result.Summary.VerifiedEventCount)
	require.Empty(t, result.Mismatches)
}

func TestVerifyProvenanceTaint_PropagatesAfterTaintedEvent(t *testing.T) {
	first := buildEvent(t, "s1", nil, map[string]interface{}{"text": "clean"})
	h1 := first.ChainHash
	second := buildEvent(t, "s1", &h1, map[string]interface{}{
		"text":       "injected",
		"provenance": map[string]interface{}{"label": "untrusted-tool-output", "isTainted": true},
	})
	h2 := second.ChainHash
	third := buildEvent(t, "s1", &h2, map[string]interface{}{
		"text":       "derived",
		"provenance": map[string]interface{}{"label": "", "isTainted": true, "derivedFromEventId": second.ID},
	})

	result := VerifyProvenanceTaint([]*chain.Event{first, second, third})
	require.True(t, result.Summary.OK, result.Mismatches)
	require.Equal(t, 2, result.Summary.TaintedEventCount)
}

func TestVerifyProvenanceTaint_DetectsUndeclaredTaintAfterTaintedAncestor(t *testing.T) {
	first := buildEvent(t, "s1", nil, map[string]interface{}{"provenance": map[string]interface{}{"label": "untrusted", "isTainted": true}})
	h := first.ChainHash
	second := buildEvent(t, "s1", &h, map[string]interface{}{"text": "should have inherited taint but declares none"})

	result := VerifyProvenanceTaint([]*chain.Event{first, second})
	require.False(t, result.Summary.OK)
	require.Contains(t, result.Mismatches, 1)
}

func TestVerifyProvenanceTaint_EmptyChainIsOK(t *testing.T) {
	result := VerifyProvenanceTaint(nil)
	require.True(t, result.Summary.OK)
	require.Equal(t, 0, result.Summary.VerifiedEventCount)
}
