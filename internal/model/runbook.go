// Package model defines the core domain types for runbookd.
//
// Types correspond directly to database tables and API payloads.
// The decision tree node variant is closed: a node is either a
// DecisionNode or an ActionNode, discriminated by a "type" field on
// the wire and matched exhaustively wherever tree logic branches.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SeverityLevel classifies the operational impact of a runbook's incident class.
type SeverityLevel string

const (
	SeverityLow      SeverityLevel = "low"
	SeverityMedium   SeverityLevel = "medium"
	SeverityHigh     SeverityLevel = "high"
	SeverityCritical SeverityLevel = "critical"
)

// ValidSeverity reports whether s is a known severity level.
func ValidSeverity(s SeverityLevel) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// NodeType discriminates the two node variants of a decision tree.
type NodeType string

const (
	NodeTypeDecision NodeType = "decision"
	NodeTypeAction   NodeType = "action"
)

// DefaultCommandTimeout applies when a command does not specify timeout_seconds.
const DefaultCommandTimeout = 300 * time.Second

// Command is a single command executed as part of an action node.
type Command struct {
	Command           string `json:"command"`
	Description       string `json:"description"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
	ExpectedExitCodes []int  `json:"expected_exit_codes"`
}

// Timeout returns the per-command execution deadline.
func (c Command) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultCommandTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Expects reports whether code is an acceptable exit code for this command.
// An empty expected set means only exit code 0 is acceptable.
func (c Command) Expects(code int) bool {
	if len(c.ExpectedExitCodes) == 0 {
		return code == 0
	}
	for _, want := range c.ExpectedExitCodes {
		if code == want {
			return true
		}
	}
	return false
}

// DecisionOption is one mutually exclusive choice offered by a decision node.
type DecisionOption struct {
	Description string `json:"description"`
	NextNodeID  string `json:"next_node_id"`
}

// Node is the closed variant over decision and action tree nodes.
// Only DecisionNode and ActionNode implement it.
type Node interface {
	NodeID() string
	NodeType() NodeType

	isNode()
}

// DecisionNode presents the operator with an ordered list of options.
type DecisionNode struct {
	ID          string           `json:"id"`
	Question    string           `json:"question"`
	Description string           `json:"description"`
	Options     []DecisionOption `json:"options"`
}

func (n DecisionNode) NodeID() string     { return n.ID }
func (n DecisionNode) NodeType() NodeType { return NodeTypeDecision }
func (DecisionNode) isNode()              {}

// MarshalJSON adds the "type" discriminator expected on the wire.
func (n DecisionNode) MarshalJSON() ([]byte, error) {
	type alias DecisionNode
	return json.Marshal(struct {
		Type NodeType `json:"type"`
		alias
	}{Type: NodeTypeDecision, alias: alias(n)})
}

// ActionNode specifies an ordered list of commands to execute. A nil
// NextNodeID marks the node as terminal: completing it completes the session.
type ActionNode struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Commands    []Command `json:"commands"`
	NextNodeID  *string   `json:"next_node_id,omitempty"`
}

func (n ActionNode) NodeID() string     { return n.ID }
func (n ActionNode) NodeType() NodeType { return NodeTypeAction }
func (ActionNode) isNode()              {}

// MarshalJSON adds the "type" discriminator expected on the wire.
func (n ActionNode) MarshalJSON() ([]byte, error) {
	type alias ActionNode
	return json.Marshal(struct {
		Type NodeType `json:"type"`
		alias
	}{Type: NodeTypeAction, alias: alias(n)})
}

// DecisionTree is a runbook's node graph. Cycles are legal; dangling
// references are not (enforced by the tree validator before persistence).
type DecisionTree struct {
	RootNodeID string          `json:"root_node_id"`
	Nodes      map[string]Node `json:"nodes"`
}

// Node returns the node stored under id, or nil if absent.
func (t DecisionTree) Node(id string) Node {
	return t.Nodes[id]
}

// UnmarshalJSON decodes the polymorphic nodes map by dispatching on
// each node's "type" discriminator.
func (t *DecisionTree) UnmarshalJSON(data []byte) error {
	var raw struct {
		RootNodeID string                     `json:"root_node_id"`
		Nodes      map[string]json.RawMessage `json:"nodes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	nodes := make(map[string]Node, len(raw.Nodes))
	for id, msg := range raw.Nodes {
		var tag struct {
			Type NodeType `json:"type"`
		}
		if err := json.Unmarshal(msg, &tag); err != nil {
			return fmt.Errorf("model: node %q: %w", id, err)
		}
		switch tag.Type {
		case NodeTypeDecision:
			var n DecisionNode
			if err := json.Unmarshal(msg, &n); err != nil {
				return fmt.Errorf("model: decision node %q: %w", id, err)
			}
			nodes[id] = n
		case NodeTypeAction:
			var n ActionNode
			if err := json.Unmarshal(msg, &n); err != nil {
				return fmt.Errorf("model: action node %q: %w", id, err)
			}
			nodes[id] = n
		default:
			return fmt.Errorf("model: node %q has unknown type %q", id, tag.Type)
		}
	}

	t.RootNodeID = raw.RootNodeID
	t.Nodes = nodes
	return nil
}

// Runbook is a versioned, validated decision-tree specification for an
// incident procedure. Published versions are immutable: edits insert a
// new version row rather than mutating a document that live sessions
// may reference.
type Runbook struct {
	ID                   uuid.UUID            `json:"id"`
	Title                string               `json:"title"`
	Description          string               `json:"description"`
	OwnerID              uuid.UUID            `json:"owner_id"`
	Severity             SeverityLevel        `json:"severity"`
	ExecutionEnvironment ExecutionEnvironment `json:"execution_environment"`
	DecisionTree         DecisionTree         `json:"decision_tree"`
	Version              int                  `json:"version"`
	Tags                 []string             `json:"tags"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}
