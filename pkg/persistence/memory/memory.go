// Package memory provides in-process persistence for workflows, routing
// rules and call logs. Data is lost when the process exits.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence"
)

type workflowKey struct {
	id      string
	version int
}

type ruleKey struct {
	hospitalID string
	intentKey  string
}

// Persistence keeps workflows and routing rules in maps.
type Persistence struct {
	mu        sync.RWMutex
	workflows map[workflowKey]*models.WorkflowGraph
	rules     map[ruleKey][]models.RoutingRule
}

func NewPersistence() *Persistence {
	return &Persistence{
		workflows: map[workflowKey]*models.WorkflowGraph{},
		rules:     map[ruleKey][]models.RoutingRule{},
	}
}

func (p *Persistence) Workflow(_ context.Context, id string, version int) (*models.WorkflowGraph, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	graph, ok := p.workflows[workflowKey{id, version}]
	if !ok {
		return nil, persistence.NewWorkflowError("get", id, version, persistence.ErrWorkflowNotFound)
	}

	return cloneGraph(graph), nil
}

func (p *Persistence) SaveWorkflow(_ context.Context, graph *models.WorkflowGraph) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := workflowKey{graph.ID, graph.Version}
	if _, exists := p.workflows[key]; exists {
		return persistence.NewWorkflowError("save", graph.ID, graph.Version, persistence.ErrWorkflowVersionExists)
	}

	p.workflows[key] = cloneGraph(graph)

	return nil
}

func (p *Persistence) WorkflowVersions(_ context.Context, id string) ([]int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var versions []int

	for key := range p.workflows {
		if key.id == id {
			versions = append(versions, key.version)
		}
	}

	if len(versions) == 0 {
		return nil, persistence.NewWorkflowError("versions", id, 0, persistence.ErrWorkflowNotFound)
	}

	slices.Sort(versions)

	return versions, nil
}

func (p *Persistence) RoutingRules(_ context.Context, hospitalID, intentKey string) ([]models.RoutingRule, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rules, ok := p.rules[ruleKey{hospitalID, intentKey}]
	if !ok {
		return nil, persistence.NotFound("memory.routing_rules", persistence.ErrRoutingRulesNotFound, hospitalID+"/"+intentKey)
	}

	return slices.Clone(rules), nil
}

func (p *Persistence) SaveRoutingRules(_ context.Context, hospitalID, intentKey string, rules []models.RoutingRule) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rules[ruleKey{hospitalID, intentKey}] = slices.Clone(rules)

	return nil
}

func (p *Persistence) HealthCheck(context.Context) error {
	return nil
}

func (p *Persistence) Close(context.Context) error {
	return nil
}

// cloneGraph copies the node and edge slices so stored versions cannot be
// changed through a returned pointer.
func cloneGraph(g *models.WorkflowGraph) *models.WorkflowGraph {
	c := *g
	c.Nodes = make([]*models.WorkflowNode, len(g.Nodes))

	for i, n := range g.Nodes {
		node := *n
		node.Config = maps.Clone(n.Config)
		c.Nodes[i] = &node
	}

	c.Edges = make([]*models.WorkflowEdge, len(g.Edges))

	for i, e := range g.Edges {
		edge := *e
		c.Edges[i] = &edge
	}

	return &c
}

type callLog struct {
	info    models.CallInfo
	events  []models.CallEvent
	handoff *models.HandoffPayload
}

// CallLog keeps call event logs in memory.
type CallLog struct {
	mu    sync.RWMutex
	calls map[string]*callLog
}

func NewCallLog() *CallLog {
	return &CallLog{calls: map[string]*callLog{}}
}

func (l *CallLog) SaveCall(_ context.Context, info models.CallInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.calls[info.CallID]; ok {
		entry.info = info

		return nil
	}

	l.calls[info.CallID] = &callLog{info: info}

	return nil
}

func (l *CallLog) Call(_ context.Context, callID string) (*models.CallInfo, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.calls[callID]
	if !ok {
		return nil, persistence.NotFound("memory.call", persistence.ErrCallNotFound, callID)
	}

	info := entry.info

	return &info, nil
}

func (l *CallLog) AppendEvent(_ context.Context, callID string, event models.CallEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.calls[callID]
	if !ok {
		return persistence.NewCallError("append", callID, persistence.ErrCallNotFound)
	}

	entry.events = append(entry.events, event)

	return nil
}

func (l *CallLog) Events(_ context.Context, callID string) ([]models.CallEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.calls[callID]
	if !ok {
		return nil, persistence.NotFound("memory.events", persistence.ErrCallNotFound, callID)
	}

	return slices.Clone(entry.events), nil
}

func (l *CallLog) SaveHandoff(_ context.Context, payload models.HandoffPayload) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.calls[payload.CallID]
	if !ok {
		entry = &callLog{info: models.CallInfo{CallID: payload.CallID, HospitalID: payload.HospitalID}}
		l.calls[payload.CallID] = entry
	}

	if entry.handoff != nil {
		return false, nil
	}

	entry.handoff = &payload

	return true, nil
}

func (l *CallLog) Handoff(_ context.Context, callID string) (*models.HandoffPayload, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.calls[callID]
	if !ok || entry.handoff == nil {
		return nil, persistence.NotFound("memory.handoff", persistence.ErrHandoffNotFound, callID)
	}

	payload := *entry.handoff

	return &payload, nil
}

func (l *CallLog) Close(context.Context) error {
	return nil
}
