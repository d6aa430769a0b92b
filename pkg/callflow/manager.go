package callflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/callflow/pkg/eventbus"
	"github.com/dukex/callflow/pkg/events"
	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/metrics"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/otelhelper"
	"github.com/dukex/callflow/pkg/persistence"
	"github.com/dukex/callflow/pkg/routing"
	"github.com/dukex/callflow/pkg/workflow"
)

const recordTimeout = 5 * time.Second

// ErrCallExists is returned when starting a call whose id is already live.
var ErrCallExists = errors.New("call already exists")

type ManagerConfig struct {
	Engine    *workflow.Engine
	Voice     Voice
	Delivery  HandoffDeliverer
	Resolver  *routing.Resolver
	Rules     workflow.RuleSource
	Emergency workflow.EmergencyDetector
	Workflows persistence.WorkflowRepository
	Calls     persistence.CallLogRepository
	Publisher eventbus.EventPublisher
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *metrics.Metrics
	Options   Options
}

// Manager owns the live sessions and exposes the operations other services
// call: start a call, emit an event, read a handoff, load a workflow.
type Manager struct {
	rt        *Runtime
	workflows persistence.WorkflowRepository
	calls     persistence.CallLogRepository
	publisher eventbus.EventPublisher
	validate  *validator.Validate
	logger    *slog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session

	graphMu sync.Mutex
	graphs  map[graphKey]*workflow.Graph
}

type graphKey struct {
	id      string
	version int
}

func NewManager(ctx context.Context, cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Tracer == nil {
		cfg.Tracer = otelhelper.DefaultTracer("callflow")
	}

	if cfg.Engine == nil {
		cfg.Engine = workflow.NewEngine()
	}

	base, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m := &Manager{
		workflows: cfg.Workflows,
		calls:     cfg.Calls,
		publisher: cfg.Publisher,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    cfg.Logger.With("module", "call_manager"),
		base:      base,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
		graphs:    make(map[graphKey]*workflow.Graph),
	}

	m.rt = &Runtime{
		Engine:    cfg.Engine,
		Voice:     cfg.Voice,
		Delivery:  cfg.Delivery,
		Resolver:  cfg.Resolver,
		Rules:     cfg.Rules,
		Emergency: cfg.Emergency,
		Sink:      &recorder{m: m},
		Clock:     cfg.Clock,
		Logger:    cfg.Logger.With("module", "call_session"),
		Tracer:    cfg.Tracer,
		Metrics:   cfg.Metrics,
		Options:   cfg.Options,
	}

	return m
}

// StartCall creates the call's session in initiated with the workflow
// version named by info.
func (m *Manager) StartCall(ctx context.Context, info models.CallInfo) (Snapshot, error) {
	if err := m.validate.Struct(info); err != nil {
		return Snapshot{}, faults.Wrap(faults.KindValidation, "callflow.start", err, "invalid call info")
	}

	graph, err := m.LoadWorkflow(ctx, info.WorkflowID, info.WorkflowVersion)
	if err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()

	if _, exists := m.sessions[info.CallID]; exists {
		m.mu.Unlock()

		return Snapshot{}, faults.Wrap(faults.KindValidation, "callflow.start", ErrCallExists, info.CallID)
	}

	session := NewSession(m.base, info, graph, m.rt)
	m.sessions[info.CallID] = session
	m.mu.Unlock()

	if m.rt.Metrics != nil {
		m.rt.Metrics.ActiveCalls.Inc()
	}

	if m.calls != nil {
		if err := m.calls.SaveCall(ctx, info); err != nil {
			m.logger.ErrorContext(ctx, "Failed to store call", "call_id", info.CallID, "error", err)
		}
	}

	m.publish(ctx, events.CallStarted{
		BaseEvent: events.NewBaseEvent(events.CallStartedEvent, info.CallID, info.HospitalID),
		Info:      info,
	})

	m.logger.InfoContext(ctx, "Call started",
		"call_id", info.CallID,
		"hospital_id", info.HospitalID,
		"workflow_id", info.WorkflowID,
		"workflow_version", info.WorkflowVersion)

	return session.Snapshot(), nil
}

// EmitCallEvent applies an externally observed event to a live call.
func (m *Manager) EmitCallEvent(ctx context.Context, callID string, event models.CallEvent) (*Transition, error) {
	if event.Type == "" {
		return nil, faults.New(faults.KindValidation, "callflow.emit", "event type is required")
	}

	session, err := m.session(callID)
	if err != nil {
		return nil, err
	}

	return session.Apply(ctx, event)
}

// HandoffPayload returns the call's handoff. Calls no longer live are read
// from the call log.
func (m *Manager) HandoffPayload(ctx context.Context, callID string) (*models.HandoffPayload, error) {
	m.mu.RLock()
	session, ok := m.sessions[callID]
	m.mu.RUnlock()

	if ok {
		if payload := session.Handoff(); payload != nil {
			return payload, nil
		}

		return nil, persistence.NotFound("callflow.handoff", persistence.ErrHandoffNotFound, callID)
	}

	if m.calls == nil {
		return nil, persistence.NotFound("callflow.handoff", persistence.ErrHandoffNotFound, callID)
	}

	return m.calls.Handoff(ctx, callID)
}

// LoadWorkflow returns a compiled workflow version. Versions are immutable,
// so compiled graphs are cached for the life of the manager.
func (m *Manager) LoadWorkflow(ctx context.Context, id string, version int) (*workflow.Graph, error) {
	key := graphKey{id, version}

	m.graphMu.Lock()
	graph, ok := m.graphs[key]
	m.graphMu.Unlock()

	if ok {
		return graph, nil
	}

	if m.workflows == nil {
		return nil, faults.Newf(faults.KindNotFound, "callflow.load_workflow", "workflow %s v%d: no workflow store", id, version)
	}

	def, err := m.workflows.Workflow(ctx, id, version)
	if err != nil {
		if persistence.IsWorkflowNotFound(err) && !faults.Is(err, faults.KindNotFound) {
			return nil, faults.Wrap(faults.KindNotFound, "callflow.load_workflow", err, fmt.Sprintf("%s v%d", id, version))
		}

		return nil, err
	}

	graph, err = workflow.Compile(def)
	if err != nil {
		return nil, err
	}

	for _, warning := range graph.Warnings {
		m.logger.WarnContext(ctx, "Workflow warning", "workflow_id", id, "version", version, "warning", warning)
	}

	m.graphMu.Lock()
	m.graphs[key] = graph
	m.graphMu.Unlock()

	return graph, nil
}

// Terminate cancels whatever the call is doing and fails it.
func (m *Manager) Terminate(ctx context.Context, callID, reason string) (*Transition, error) {
	session, err := m.session(callID)
	if err != nil {
		return nil, err
	}

	return session.Terminate(ctx, reason)
}

func (m *Manager) Snapshot(callID string) (Snapshot, error) {
	session, err := m.session(callID)
	if err != nil {
		return Snapshot{}, err
	}

	return session.Snapshot(), nil
}

// Sweep forgets ended calls and terminates calls idle for longer than
// maxIdle. It returns how many sessions it removed.
func (m *Manager) Sweep(ctx context.Context, maxIdle time.Duration) int {
	now := m.rt.Clock.Now()

	m.mu.RLock()
	candidates := make([]*Session, 0, len(m.sessions))

	for _, s := range m.sessions {
		if s.Terminal() || now.Sub(s.IdleSince()) > maxIdle {
			candidates = append(candidates, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range candidates {
		if !s.Terminal() {
			m.logger.InfoContext(ctx, "Terminating stale call", "call_id", s.CallID(), "idle_since", s.IdleSince())

			if _, err := s.Terminate(ctx, "stale"); err != nil && !faults.Is(err, faults.KindInvalidTransition) {
				m.logger.ErrorContext(ctx, "Failed to terminate stale call", "call_id", s.CallID(), "error", err)
			}
		}

		m.remove(s.CallID())
	}

	return len(candidates)
}

// Calls returns the ids of the live calls.
func (m *Manager) Calls() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}

	return ids
}

// HandleEvents feeds call events received from the bus into the manager.
func (m *Manager) HandleEvents(bus eventbus.EventSubscriber) error {
	return bus.Handle(events.CallEventReceivedEvent, func(ctx context.Context, event any) error {
		received, ok := event.(*events.CallEventReceived)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}

		_, err := m.EmitCallEvent(ctx, received.CallID, received.Event)

		switch faults.KindOf(err) {
		case faults.KindInvalidTransition, faults.KindNotFound, faults.KindValidation:
			// Redelivery cannot fix these.
			m.logger.WarnContext(ctx, "Dropping received call event",
				"call_id", received.CallID,
				"event", received.Event.Type,
				"error", err)

			return nil
		}

		return err
	})
}

// Close cancels the work of every live session.
func (m *Manager) Close() {
	m.cancel()
}

func (m *Manager) session(callID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[callID]
	if !ok {
		return nil, faults.Wrap(faults.KindNotFound, "callflow.session", persistence.ErrCallNotFound, callID)
	}

	return session, nil
}

func (m *Manager) remove(callID string) {
	m.mu.Lock()
	_, ok := m.sessions[callID]
	delete(m.sessions, callID)
	m.mu.Unlock()

	if ok && m.rt.Metrics != nil {
		m.rt.Metrics.ActiveCalls.Dec()
	}
}

func (m *Manager) publish(ctx context.Context, event eventbus.Event) {
	if m.publisher == nil {
		return
	}

	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish event",
			"call_id", event.GetCallID(),
			"event_type", event.GetType(),
			"error", err)
	}
}

// recorder persists and publishes what sessions record. It outlives the
// request that caused the record, so a terminated call is still logged.
type recorder struct {
	m *Manager
}

func (r *recorder) EventApplied(ctx context.Context, info models.CallInfo, from, to models.CallState, event models.CallEvent, derived bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if r.m.calls != nil {
		if err := r.m.calls.AppendEvent(ctx, info.CallID, event); err != nil {
			r.m.logger.ErrorContext(ctx, "Failed to append call event",
				"call_id", info.CallID,
				"event", event.Type,
				"error", err)
		}
	}

	r.m.publish(ctx, events.CallEventApplied{
		BaseEvent: events.NewBaseEvent(events.CallEventAppliedEvent, info.CallID, info.HospitalID),
		From:      from,
		To:        to,
		Event:     event,
		Derived:   derived,
	})
}

func (r *recorder) HandoffCreated(ctx context.Context, payload models.HandoffPayload) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if r.m.calls != nil {
		stored, err := r.m.calls.SaveHandoff(ctx, payload)

		switch {
		case err != nil:
			r.m.logger.ErrorContext(ctx, "Failed to store handoff", "call_id", payload.CallID, "error", err)
		case !stored:
			r.m.logger.WarnContext(ctx, "Handoff already stored", "call_id", payload.CallID)

			return
		}
	}

	r.m.publish(ctx, events.HandoffCreated{
		BaseEvent: events.NewBaseEvent(events.HandoffCreatedEvent, payload.CallID, payload.HospitalID),
		Payload:   payload,
	})
}

func (r *recorder) Alert(ctx context.Context, alert Alert) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	r.m.publish(ctx, events.SupervisorAlert{
		BaseEvent: events.NewBaseEvent(events.SupervisorAlertEvent, alert.CallID, alert.HospitalID),
		Reason:    alert.Reason,
		Message:   alert.Message,
		State:     alert.State,
	})
}
