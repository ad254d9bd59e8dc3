package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decisionfirst/runbookd/internal/model"
)

func validTree() model.DecisionTree {
	next := "verify"
	return model.DecisionTree{
		RootNodeID: "triage",
		Nodes: map[string]model.Node{
			"triage": model.DecisionNode{
				ID:       "triage",
				Question: "Is the service responding?",
				Options: []model.DecisionOption{
					{Description: "no", NextNodeID: "restart"},
					{Description: "yes", NextNodeID: "verify"},
				},
			},
			"restart": model.ActionNode{
				ID:         "restart",
				Title:      "restart service",
				Commands:   []model.Command{{Command: "systemctl restart app"}},
				NextNodeID: &next,
			},
			"verify": model.ActionNode{
				ID:       "verify",
				Title:    "verify health",
				Commands: []model.Command{{Command: "curl -f localhost/health"}},
			},
		},
	}
}

func TestValidateAcceptsValidTree(t *testing.T) {
	assert.NoError(t, Validate(validTree()))
}

func TestValidateMissingRoot(t *testing.T) {
	tr := validTree()
	tr.RootNodeID = "nope"

	err := Validate(tr)
	require.Error(t, err)

	errs := Errors(err)
	require.Len(t, errs, 1)
	assert.Equal(t, RootMissing, errs[0].Kind)
	assert.Equal(t, "nope", errs[0].NodeID)
}

func TestValidateDanglingOptionReference(t *testing.T) {
	tr := validTree()
	delete(tr.Nodes, "restart")

	err := Validate(tr)
	require.Error(t, err)

	errs := Errors(err)
	require.Len(t, errs, 1)
	assert.Equal(t, DanglingReference, errs[0].Kind)
	assert.Equal(t, "triage", errs[0].NodeID)
	assert.Contains(t, errs[0].Detail, `"restart"`)
}

func TestValidateDanglingNextNode(t *testing.T) {
	tr := validTree()
	bad := "missing"
	tr.Nodes["restart"] = model.ActionNode{
		ID:         "restart",
		Title:      "restart service",
		Commands:   []model.Command{{Command: "systemctl restart app"}},
		NextNodeID: &bad,
	}

	errs := Errors(Validate(tr))
	require.Len(t, errs, 1)
	assert.Equal(t, DanglingReference, errs[0].Kind)
	assert.Equal(t, "restart", errs[0].NodeID)
}

func TestValidateIDMismatch(t *testing.T) {
	tr := validTree()
	tr.Nodes["verify"] = model.ActionNode{
		ID:       "other",
		Title:    "verify health",
		Commands: []model.Command{{Command: "true"}},
	}

	errs := Errors(Validate(tr))
	require.Len(t, errs, 1)
	assert.Equal(t, IDMismatch, errs[0].Kind)
	assert.Equal(t, "verify", errs[0].NodeID)
}

func TestValidateReportsAllDefects(t *testing.T) {
	tr := validTree()
	tr.RootNodeID = "gone"
	delete(tr.Nodes, "verify")

	errs := Errors(Validate(tr))
	// Missing root, dangling option from triage, dangling next from restart.
	assert.Len(t, errs, 3)
}

func TestValidateAllowsCycles(t *testing.T) {
	// restart loops back to triage: retry until the operator picks
	// another branch.
	tr := validTree()
	back := "triage"
	tr.Nodes["restart"] = model.ActionNode{
		ID:         "restart",
		Title:      "restart service",
		Commands:   []model.Command{{Command: "systemctl restart app"}},
		NextNodeID: &back,
	}
	assert.NoError(t, Validate(tr))
}

func TestValidateAllowsUnreachableNodes(t *testing.T) {
	tr := validTree()
	tr.Nodes["orphan"] = model.ActionNode{
		ID:       "orphan",
		Title:    "unused",
		Commands: []model.Command{{Command: "true"}},
	}
	assert.NoError(t, Validate(tr))
}

func TestValidateEmptyTree(t *testing.T) {
	errs := Errors(Validate(model.DecisionTree{RootNodeID: "root"}))
	require.Len(t, errs, 1)
	assert.Equal(t, RootMissing, errs[0].Kind)
}
