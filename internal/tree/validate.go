// Package tree validates the structural integrity of a runbook's
// decision tree before it becomes usable.
//
// The validator checks that every referenced node id resolves. It does
// NOT reject cycles: an action node may legitimately loop back to an
// earlier decision point. Unreachable nodes are likewise tolerated —
// only dangling references make a tree invalid.
package tree

import (
	"errors"
	"fmt"

	"github.com/decisionfirst/runbookd/internal/model"
)

// ErrorKind classifies a single validation failure.
type ErrorKind string

const (
	RootMissing       ErrorKind = "root_missing"
	DanglingReference ErrorKind = "dangling_reference"
	IDMismatch        ErrorKind = "id_mismatch"
)

// ValidationError describes one structural defect in a decision tree.
type ValidationError struct {
	Kind   ErrorKind `json:"kind"`
	NodeID string    `json:"node_id"`
	Detail string    `json:"detail"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tree: %s at node %q: %s", e.Kind, e.NodeID, e.Detail)
}

// Validate checks tree for structural defects and returns all of them
// joined into a single error, or nil if the tree is valid. A runbook
// whose tree fails validation must be rejected before persistence.
func Validate(t model.DecisionTree) error {
	var errs []error

	if _, ok := t.Nodes[t.RootNodeID]; !ok {
		errs = append(errs, ValidationError{
			Kind:   RootMissing,
			NodeID: t.RootNodeID,
			Detail: fmt.Sprintf("root_node_id %q does not exist in nodes", t.RootNodeID),
		})
	}

	for key, node := range t.Nodes {
		if node.NodeID() != key {
			errs = append(errs, ValidationError{
				Kind:   IDMismatch,
				NodeID: key,
				Detail: fmt.Sprintf("node stored under key %q declares id %q", key, node.NodeID()),
			})
		}

		switch n := node.(type) {
		case model.DecisionNode:
			for i, opt := range n.Options {
				if _, ok := t.Nodes[opt.NextNodeID]; !ok {
					errs = append(errs, ValidationError{
						Kind:   DanglingReference,
						NodeID: key,
						Detail: fmt.Sprintf("options[%d] references missing node %q", i, opt.NextNodeID),
					})
				}
			}
		case model.ActionNode:
			if n.NextNodeID != nil {
				if _, ok := t.Nodes[*n.NextNodeID]; !ok {
					errs = append(errs, ValidationError{
						Kind:   DanglingReference,
						NodeID: key,
						Detail: fmt.Sprintf("next_node_id references missing node %q", *n.NextNodeID),
					})
				}
			}
		}
	}

	return errors.Join(errs...)
}

// Errors unwraps a Validate result into its individual ValidationErrors.
// Returns nil for a nil error.
func Errors(err error) []ValidationError {
	if err == nil {
		return nil
	}
	var out []ValidationError
	var ve ValidationError
	if errors.As(err, &ve) && len(unwrapAll(err)) == 0 {
		return []ValidationError{ve}
	}
	for _, sub := range unwrapAll(err) {
		if errors.As(sub, &ve) {
			out = append(out, ve)
		}
	}
	return out
}

func unwrapAll(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return nil
}
