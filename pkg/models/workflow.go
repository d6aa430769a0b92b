// Package models defines the core domain models for graph driven call routing
package models

// NodeType identifies how the workflow engine executes a node.
type NodeType string

const (
	NodeTypeStart           NodeType = "start"
	NodeTypeEmergencyScreen NodeType = "emergency-screen"
	NodeTypeIntentDetect    NodeType = "intent-detect"
	NodeTypeQuestion        NodeType = "question"
	NodeTypeRoute           NodeType = "route"
	NodeTypeWebhook         NodeType = "webhook"
	NodeTypeAIAgent         NodeType = "ai-agent"
	NodeTypeEnd             NodeType = "end"
)

var knownNodeTypes = map[NodeType]struct{}{
	NodeTypeStart:           {},
	NodeTypeEmergencyScreen: {},
	NodeTypeIntentDetect:    {},
	NodeTypeQuestion:        {},
	NodeTypeRoute:           {},
	NodeTypeWebhook:         {},
	NodeTypeAIAgent:         {},
	NodeTypeEnd:             {},
}

func (t NodeType) Valid() bool {
	_, ok := knownNodeTypes[t]

	return ok
}

// Position is editor layout data; the engine ignores it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WorkflowNode is a single step in a workflow graph.
type WorkflowNode struct {
	ID       string         `json:"id"                 validate:"required"`
	Type     NodeType       `json:"type"               validate:"required"`
	Config   map[string]any `json:"config,omitempty"`
	Position *Position      `json:"position,omitempty"`
}

// ConfigString returns a string config value or "" when absent.
func (n *WorkflowNode) ConfigString(key string) string {
	if n.Config == nil {
		return ""
	}

	s, _ := n.Config[key].(string)

	return s
}

// WorkflowEdge connects two nodes. An empty Condition makes the edge
// unconditional, which is how a default branch is expressed.
type WorkflowEdge struct {
	ID         string `json:"id"                  validate:"required"`
	FromNodeID string `json:"fromNodeId"          validate:"required"`
	ToNodeID   string `json:"toNodeId"            validate:"required"`
	Condition  string `json:"condition,omitempty"`
}

// WorkflowGraph is one immutable version of a call workflow. Edits produce a
// new version.
type WorkflowGraph struct {
	ID      string          `json:"id"             validate:"required"`
	Version int             `json:"version"        validate:"min=1"`
	Name    string          `json:"name,omitempty"`
	Nodes   []*WorkflowNode `json:"nodes"          validate:"required,min=1,dive"`
	Edges   []*WorkflowEdge `json:"edges"          validate:"dive"`
}
