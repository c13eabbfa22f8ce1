package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probemesh/probemesh/core"
)

func TestParseActionJSONTurn(t *testing.T) {
	action, extra, err := ParseAction(`{"thought": "scan first", "action": "port_scan", "action_input": {"target": "example.com"}}`)
	require.NoError(t, err)
	assert.Zero(t, extra)
	assert.Equal(t, "scan first", action.Thought)
	assert.Equal(t, "port_scan", action.Tool)
	assert.Equal(t, "example.com", action.Args["target"])
	assert.False(t, action.Final)
}

func TestParseActionJSONFinalAnswer(t *testing.T) {
	action, _, err := ParseAction(`{"thought": "done", "final_answer": "port 80 is open"}`)
	require.NoError(t, err)
	assert.True(t, action.Final)
	assert.Equal(t, "port 80 is open", action.Answer)
}

func TestParseActionTextTurn(t *testing.T) {
	action, extra, err := ParseAction(`Thought: I should scan the host.
Action: port_scan
Action Input: {"target": "example.com", "ports": [80, 443]}`)
	require.NoError(t, err)
	assert.Zero(t, extra)
	assert.Equal(t, "I should scan the host.", action.Thought)
	assert.Equal(t, "port_scan", action.Tool)
	assert.Equal(t, "example.com", action.Args["target"])
}

func TestParseActionNonJSONInputBecomesQuery(t *testing.T) {
	action, _, err := ParseAction(`Action: dns_lookup
Action Input: example.com`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"query": "example.com"}, action.Args)
}

func TestParseActionTextFinalAnswer(t *testing.T) {
	action, _, err := ParseAction(`Thought: enough evidence.
Final Answer: the service is nginx 1.24`)
	require.NoError(t, err)
	assert.True(t, action.Final)
	assert.Equal(t, "the service is nginx 1.24", action.Answer)
}

func TestParseActionPrefersActionOverTrailingFinalAnswer(t *testing.T) {
	action, _, err := ParseAction(`Action: port_scan
Action Input: {"target": "example.com"}
Final Answer: probably port 80`)
	require.NoError(t, err)
	assert.False(t, action.Final, "an earlier Action wins over a sketched final answer")
	assert.Equal(t, "port_scan", action.Tool)
}

func TestParseActionCountsDiscardedExtras(t *testing.T) {
	action, extra, err := ParseAction(`Action: port_scan
Action Input: {"target": "a.example"}

Action: dns_lookup
Action Input: {"domain": "b.example"}`)
	require.NoError(t, err)
	assert.Equal(t, 1, extra)
	assert.Equal(t, "port_scan", action.Tool, "only the first action survives")
}

func TestParseActionBareProseIsFinal(t *testing.T) {
	action, _, err := ParseAction("The host only exposes HTTP.")
	require.NoError(t, err)
	assert.True(t, action.Final)
	assert.Equal(t, "The host only exposes HTTP.", action.Answer)
}

func TestParseActionEmptyOutputIsViolation(t *testing.T) {
	_, _, err := ParseAction("   \n  ")
	var pv *core.ProtocolViolation
	assert.ErrorAs(t, err, &pv)
}
