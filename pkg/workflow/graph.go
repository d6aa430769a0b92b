package workflow

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"github.com/dukex/callflow/pkg/condition"
	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/routing"
)

var validate = validator.New()

type compiledEdge struct {
	edge *models.WorkflowEdge
	expr *condition.Expression
}

// Graph is a validated workflow ready for execution. It is read only and can
// be shared between calls.
type Graph struct {
	Definition *models.WorkflowGraph
	Warnings   []string

	nodes    map[string]*models.WorkflowNode
	outgoing map[string][]compiledEdge
	start    string
}

func (g *Graph) ID() string {
	return g.Definition.ID
}

func (g *Graph) Version() int {
	return g.Definition.Version
}

func (g *Graph) StartNodeID() string {
	return g.start
}

func (g *Graph) Node(id string) (*models.WorkflowNode, bool) {
	n, ok := g.nodes[id]

	return n, ok
}

// HasNodeType reports whether any node has the given type.
func (g *Graph) HasNodeType(t models.NodeType) bool {
	for _, n := range g.Definition.Nodes {
		if n.Type == t {
			return true
		}
	}

	return false
}

// Parse validates a JSON workflow document against the workflow schema and
// compiles it.
func Parse(data []byte) (*Graph, error) {
	result, err := gojsonschema.Validate(graphSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, faults.Wrap(faults.KindMalformedGraph, "workflow.parse", err, "invalid JSON")
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}

		return nil, malformed(problems)
	}

	var def models.WorkflowGraph
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, faults.Wrap(faults.KindMalformedGraph, "workflow.parse", err, "decode workflow")
	}

	return Compile(&def)
}

// Compile checks a workflow's structure and node configuration. Every
// problem found is reported in one MalformedGraph error.
func Compile(def *models.WorkflowGraph) (*Graph, error) {
	if def == nil {
		return nil, malformed([]string{"workflow is nil"})
	}

	var problems []string

	if err := validate.Struct(def); err != nil {
		problems = append(problems, err.Error())
	}

	g := &Graph{
		Definition: def,
		nodes:      make(map[string]*models.WorkflowNode, len(def.Nodes)),
		outgoing:   map[string][]compiledEdge{},
	}

	var starts []string

	for _, n := range def.Nodes {
		if n == nil {
			problems = append(problems, "nil node")

			continue
		}

		if _, dup := g.nodes[n.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate node id %q", n.ID))

			continue
		}

		g.nodes[n.ID] = n

		if !n.Type.Valid() {
			problems = append(problems, fmt.Sprintf("node %q has unknown type %q", n.ID, n.Type))

			continue
		}

		if n.Type == models.NodeTypeStart {
			starts = append(starts, n.ID)
		}

		problems = append(problems, checkNodeConfig(n)...)
	}

	switch len(starts) {
	case 0:
		problems = append(problems, "workflow has no start node")
	case 1:
		g.start = starts[0]
	default:
		problems = append(problems, fmt.Sprintf("workflow has %d start nodes: %s", len(starts), strings.Join(starts, ", ")))
	}

	edgeIDs := map[string]struct{}{}

	for _, e := range def.Edges {
		if e == nil {
			problems = append(problems, "nil edge")

			continue
		}

		if _, dup := edgeIDs[e.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate edge id %q", e.ID))
		}

		edgeIDs[e.ID] = struct{}{}

		from, okFrom := g.nodes[e.FromNodeID]
		if !okFrom {
			problems = append(problems, fmt.Sprintf("edge %q references unknown node %q", e.ID, e.FromNodeID))
		}

		if _, ok := g.nodes[e.ToNodeID]; !ok {
			problems = append(problems, fmt.Sprintf("edge %q references unknown node %q", e.ID, e.ToNodeID))
		}

		if okFrom && from.Type == models.NodeTypeEnd {
			problems = append(problems, fmt.Sprintf("edge %q leaves end node %q", e.ID, e.FromNodeID))
		}

		ce := compiledEdge{edge: e}

		if strings.TrimSpace(e.Condition) != "" {
			expr, err := condition.Parse(e.Condition)
			if err != nil {
				problems = append(problems, fmt.Sprintf("edge %q: %v", e.ID, err))
			}

			ce.expr = expr
		}

		g.outgoing[e.FromNodeID] = append(g.outgoing[e.FromNodeID], ce)
	}

	for _, n := range def.Nodes {
		if n == nil || n.Type == models.NodeTypeEnd {
			continue
		}

		if len(g.outgoing[n.ID]) == 0 {
			problems = append(problems, fmt.Sprintf("node %q is a dead end: only end nodes may have no outgoing edges", n.ID))
		}
	}

	if len(problems) > 0 {
		return nil, malformed(problems)
	}

	g.Warnings = g.warnings()

	return g, nil
}

func checkNodeConfig(n *models.WorkflowNode) []string {
	var problems []string

	switch n.Type {
	case models.NodeTypeQuestion:
		if n.ConfigString("prompt") == "" {
			problems = append(problems, fmt.Sprintf("question node %q needs a prompt", n.ID))
		}
	case models.NodeTypeWebhook:
		raw := n.ConfigString("url")

		u, err := url.Parse(raw)
		if raw == "" || err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("webhook node %q needs an absolute url", n.ID))
		}
	case models.NodeTypeRoute:
		rules, err := RouteRules(n)
		if err != nil {
			problems = append(problems, fmt.Sprintf("route node %q: %v", n.ID, err))
		} else if err := routing.ValidateRules(rules); err != nil {
			problems = append(problems, fmt.Sprintf("route node %q: %v", n.ID, err))
		}

		if _, err := DefaultTarget(n); err != nil {
			problems = append(problems, fmt.Sprintf("route node %q: %v", n.ID, err))
		}
	case models.NodeTypeAIAgent:
		if _, err := AgentConfig(n); err != nil {
			problems = append(problems, fmt.Sprintf("ai-agent node %q: %v", n.ID, err))
		}
	}

	return problems
}

// warnings reports legal but suspicious shapes: no emergency screening, loops
// and nodes that cannot be reached from start.
func (g *Graph) warnings() []string {
	var warnings []string

	if !g.HasNodeType(models.NodeTypeEmergencyScreen) {
		warnings = append(warnings, "workflow has no emergency-screen node")
	}

	const (
		unvisited = iota
		visiting
		done
	)

	state := map[string]int{}
	cyclic := false

	var visit func(id string)
	visit = func(id string) {
		state[id] = visiting

		for _, e := range g.outgoing[id] {
			switch state[e.edge.ToNodeID] {
			case visiting:
				cyclic = true
			case unvisited:
				visit(e.edge.ToNodeID)
			}
		}

		state[id] = done
	}

	visit(g.start)

	if cyclic {
		warnings = append(warnings, "workflow contains a cycle; runs are bounded by the node execution limit")
	}

	for _, n := range g.Definition.Nodes {
		if state[n.ID] == unvisited {
			warnings = append(warnings, fmt.Sprintf("node %q is unreachable from start", n.ID))
		}
	}

	return warnings
}

// RouteRules decodes a route node's inline rules.
func RouteRules(n *models.WorkflowNode) ([]models.RoutingRule, error) {
	raw, ok := n.Config["rules"]
	if !ok || raw == nil {
		return nil, nil
	}

	var rules []models.RoutingRule
	if err := remarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	return rules, nil
}

// DefaultTarget decodes a route node's optional defaultTarget.
func DefaultTarget(n *models.WorkflowNode) (*models.RoutingTarget, error) {
	raw, ok := n.Config["defaultTarget"]
	if !ok || raw == nil {
		return nil, nil
	}

	var target models.RoutingTarget
	if err := remarshal(raw, &target); err != nil {
		return nil, fmt.Errorf("decode defaultTarget: %w", err)
	}

	if err := validate.Struct(target); err != nil {
		return nil, fmt.Errorf("defaultTarget: %w", err)
	}

	return &target, nil
}

// AgentConfig decodes an ai-agent node's configuration.
func AgentConfig(n *models.WorkflowNode) (models.AIAgentConfig, error) {
	var cfg models.AIAgentConfig
	if err := remarshal(n.Config, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, out)
}

func malformed(problems []string) error {
	return faults.New(faults.KindMalformedGraph, "workflow.compile", strings.Join(problems, "; ")).
		With("problems", problems)
}
