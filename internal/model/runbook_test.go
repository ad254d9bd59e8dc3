package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecisionTreeJSONDispatch(t *testing.T) {
	raw := `{
		"root_node_id": "check",
		"nodes": {
			"check": {
				"type": "decision",
				"id": "check",
				"question": "Which pod is crashing?",
				"options": [
					{"description": "api", "next_node_id": "restart"}
				]
			},
			"restart": {
				"type": "action",
				"id": "restart",
				"title": "restart api",
				"commands": [
					{"command": "kubectl rollout restart deploy/api", "timeout_seconds": 60}
				]
			}
		}
	}`

	var tr DecisionTree
	require.NoError(t, json.Unmarshal([]byte(raw), &tr))

	dn, ok := tr.Node("check").(DecisionNode)
	require.True(t, ok, "node with type decision must decode as DecisionNode")
	assert.Equal(t, "Which pod is crashing?", dn.Question)
	require.Len(t, dn.Options, 1)
	assert.Equal(t, "restart", dn.Options[0].NextNodeID)

	an, ok := tr.Node("restart").(ActionNode)
	require.True(t, ok, "node with type action must decode as ActionNode")
	assert.Nil(t, an.NextNodeID)
	require.Len(t, an.Commands, 1)
	assert.Equal(t, 60, an.Commands[0].TimeoutSeconds)

	// Re-encoding keeps the discriminator so the document round-trips.
	out, err := json.Marshal(tr)
	require.NoError(t, err)
	var again DecisionTree
	require.NoError(t, json.Unmarshal(out, &again))
	_, ok = again.Node("check").(DecisionNode)
	assert.True(t, ok)
}

func TestDecisionTreeRejectsUnknownNodeType(t *testing.T) {
	raw := `{"root_node_id": "x", "nodes": {"x": {"type": "loop", "id": "x"}}}`
	var tr DecisionTree
	err := json.Unmarshal([]byte(raw), &tr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown type "loop"`)
}

func TestValidateRunbookInput(t *testing.T) {
	valid := func() Runbook {
		return Runbook{
			Title:                "disk full",
			Severity:             SeverityHigh,
			ExecutionEnvironment: ExecutionEnvironment{BaseImage: "alpine:3.20"},
			DecisionTree: DecisionTree{
				RootNodeID: "a",
				Nodes: map[string]Node{
					"a": ActionNode{ID: "a", Title: "fix", Commands: []Command{{Command: "df -h"}}},
				},
			},
		}
	}

	require.NoError(t, ValidateRunbookInput(valid()))

	tests := []struct {
		name    string
		mutate  func(*Runbook)
		wantMsg string
	}{
		{"empty title", func(r *Runbook) { r.Title = "" }, "title is required"},
		{"bad severity", func(r *Runbook) { r.Severity = "urgent" }, "severity"},
		{"no base image", func(r *Runbook) { r.ExecutionEnvironment.BaseImage = "" }, "base_image"},
		{"empty tree", func(r *Runbook) { r.DecisionTree.Nodes = nil }, "at least one node"},
		{"empty command", func(r *Runbook) {
			r.DecisionTree.Nodes["a"] = ActionNode{ID: "a", Title: "fix", Commands: []Command{{Command: ""}}}
		}, "commands[0] is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := valid()
			tt.mutate(&rb)
			err := ValidateRunbookInput(rb)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestSessionStatusTerminal(t *testing.T) {
	assert.False(t, SessionActive.Terminal())
	assert.False(t, SessionPaused.Terminal())
	assert.True(t, SessionCompleted.Terminal())
	assert.True(t, SessionFailed.Terminal())
}
