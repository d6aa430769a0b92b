package callflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/callflow/pkg/condition"
	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/metrics"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/otelhelper"
	"github.com/dukex/callflow/pkg/routing"
	"github.com/dukex/callflow/pkg/voice"
	"github.com/dukex/callflow/pkg/workflow"
)

const endTimeout = 10 * time.Second

// Alert reasons.
const (
	AlertTransferFailed = "transfer_failed"
	AlertWorkflowError  = "workflow_error"
	AlertNoRoute        = "no_route"
	AlertWebhookFailed  = "webhook_failed"
	AlertVoiceAction    = "voice_action_failed"
	AlertIllegalEvent   = "illegal_event"
)

// Voice is the set of live call actions a session performs.
type Voice interface {
	SendMessage(ctx context.Context, callID, message string) error
	Hold(ctx context.Context, callID, message string) error
	Resume(ctx context.Context, callID string) error
	Transfer(ctx context.Context, callID string, req voice.TransferRequest) error
	UpdateContext(ctx context.Context, callID string, values map[string]any) error
	Escalate(ctx context.Context, callID, reason string) error
	End(ctx context.Context, callID, reason string) error
}

// HandoffDeliverer posts a handoff payload to a webhook routing target.
type HandoffDeliverer interface {
	DeliverHandoff(ctx context.Context, url string, payload models.HandoffPayload) error
}

// Alert is raised when a call needs a human supervisor.
type Alert struct {
	CallID     string
	HospitalID string
	State      models.CallState
	Reason     string
	Message    string
}

// Sink receives everything a session records. Implementations must not call
// back into the session.
type Sink interface {
	EventApplied(ctx context.Context, info models.CallInfo, from, to models.CallState, event models.CallEvent, derived bool)
	HandoffCreated(ctx context.Context, payload models.HandoffPayload)
	Alert(ctx context.Context, alert Alert)
}

type Options struct {
	ConsentPrompt         string  `validate:"required"`
	HoldMessage           string  `validate:"required"`
	GracefulMessage       string  `validate:"required"`
	TransferFailedMessage string  `validate:"required"`
	EmergencyThreshold    float64 `validate:"gte=0,lte=1"`
	DefaultTarget         *models.RoutingTarget
}

func DefaultOptions() Options {
	return Options{
		ConsentPrompt:         "This call may be recorded and handled by an automated assistant. Do you agree to continue?",
		HoldMessage:           "Please hold while I connect you with someone who can help.",
		GracefulMessage:       "I'm sorry, something went wrong on our side. Please call back or stay on the line for assistance.",
		TransferFailedMessage: "I'm sorry, I couldn't connect you right now. A member of our staff will follow up with you shortly.",
		EmergencyThreshold:    0.7,
	}
}

// Runtime is what every session of a manager shares.
type Runtime struct {
	Engine    *workflow.Engine
	Voice     Voice
	Delivery  HandoffDeliverer
	Resolver  *routing.Resolver
	Rules     workflow.RuleSource
	Emergency workflow.EmergencyDetector
	Sink      Sink
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *metrics.Metrics
	Options   Options
}

// Transition reports what one applied event caused, derived events and
// executed workflow steps included.
type Transition struct {
	From   models.CallState      `json:"from"`
	To     models.CallState      `json:"to"`
	Events []models.CallEvent    `json:"events"`
	Steps  []workflow.StepResult `json:"steps,omitempty"`
}

// Snapshot is a point in time view of a session.
type Snapshot struct {
	Info        models.CallInfo        `json:"info"`
	State       models.CallState       `json:"state"`
	Events      []models.CallEvent     `json:"events"`
	Handoff     *models.HandoffPayload `json:"handoff,omitempty"`
	Context     map[string]any         `json:"context"`
	SuspendedAt string                 `json:"suspendedAt,omitempty"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// Session is the live side of one call. Every mutation happens under mu, so
// a call has a single writer while sessions run in parallel.
type Session struct {
	mu      sync.Mutex
	machine *Machine
	graph   *workflow.Graph
	rt      *Runtime
	logger  *slog.Logger

	work   context.Context
	cancel context.CancelFunc

	suspended   string
	running     bool
	transferred bool

	terminating atomic.Bool
	terminal    atomic.Bool
	activity    atomic.Int64
}

// NewSession creates a session in initiated. Work started by the session is
// cancelled when parent is done or the call is terminated.
func NewSession(parent context.Context, info models.CallInfo, graph *workflow.Graph, rt *Runtime) *Session {
	work, cancel := context.WithCancel(parent)

	s := &Session{
		machine: NewMachine(info),
		graph:   graph,
		rt:      rt,
		logger:  rt.Logger.With("call_id", info.CallID, "hospital_id", info.HospitalID),
		work:    work,
		cancel:  cancel,
	}
	s.activity.Store(rt.Clock.Now().UnixNano())

	return s
}

func (s *Session) CallID() string {
	return s.machine.Info().CallID
}

// Apply applies an external event and everything it sets in motion. An
// event the current state does not accept fails with InvalidTransition and
// changes nothing.
func (s *Session) Apply(ctx context.Context, event models.CallEvent) (*Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.applyLocked(ctx, event)
}

// Terminate stops in-flight work, then fails the call with call.terminated.
// Results of attempts that were running are discarded.
func (s *Session) Terminate(ctx context.Context, reason string) (*Transition, error) {
	s.terminating.Store(true)
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.applyLocked(ctx, models.CallEvent{
		Type:    models.EventCallTerminated,
		Payload: map[string]any{"reason": reason},
	})
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		Info:        s.machine.Info(),
		State:       s.machine.State(),
		Events:      s.machine.Events(),
		Handoff:     s.machine.Handoff(),
		Context:     s.machine.Context().Values(),
		SuspendedAt: s.suspended,
		UpdatedAt:   time.Unix(0, s.activity.Load()).UTC(),
	}
}

// Handoff returns the call's handoff payload, or nil.
func (s *Session) Handoff() *models.HandoffPayload {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.machine.Handoff()
}

// Terminal reports whether the call has ended. It does not wait for a
// running event.
func (s *Session) Terminal() bool {
	return s.terminal.Load()
}

// IdleSince returns when the session last changed.
func (s *Session) IdleSince() time.Time {
	return time.Unix(0, s.activity.Load())
}

func (s *Session) applyLocked(ctx context.Context, event models.CallEvent) (*Transition, error) {
	ctx, done := s.bind(ctx)
	defer done()

	event = s.stamp(event)

	ctx, span := otelhelper.StartSpan(ctx, s.rt.Tracer, "callflow.apply",
		attribute.String(otelhelper.CallIDKey, s.CallID()),
		attribute.String(otelhelper.HospitalIDKey, s.machine.Info().HospitalID),
		attribute.String(otelhelper.EventTypeKey, event.Type),
		attribute.String(otelhelper.CallStateKey, string(s.machine.State())),
	)
	defer span.End()

	if event.Type == models.EventCallerResponded && s.suspended != "" {
		event = s.withAnswerField(event)
	}

	tr := &Transition{From: s.machine.State()}

	err := s.dispatch(ctx, tr, event, false)
	tr.To = s.machine.State()

	if err != nil {
		otelhelper.SetError(span, err)

		return tr, err
	}

	return tr, nil
}

// bind detaches ctx from its caller's cancellation, an HTTP request for
// instance, and ties it to the session's lifetime instead.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.work, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Session) stamp(event models.CallEvent) models.CallEvent {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = s.rt.Clock.Now().UTC()
	}

	event.Payload = maps.Clone(event.Payload)
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}

	return event
}

// withAnswerField tags a caller answer with the question it answers.
func (s *Session) withAnswerField(event models.CallEvent) models.CallEvent {
	node, ok := s.graph.Node(s.suspended)
	if !ok || node.Type != models.NodeTypeQuestion {
		return event
	}

	event.Payload["nodeId"] = node.ID

	if _, set := event.Payload["field"]; !set {
		if field := node.ConfigString("field"); field != "" {
			event.Payload["field"] = field
		}
	}

	return event
}

func (s *Session) dispatch(ctx context.Context, tr *Transition, event models.CallEvent, derived bool) error {
	if derived {
		if s.terminating.Load() || s.machine.State().IsTerminal() {
			s.logger.DebugContext(ctx, "Dropping derived event", "event", event.Type, "state", s.machine.State())

			return nil
		}

		event = s.stamp(event)
	}

	from := s.machine.State()

	to, err := s.machine.Apply(event)
	if err != nil {
		if s.rt.Metrics != nil {
			s.rt.Metrics.InvalidEvents.WithLabelValues(string(from), event.Type).Inc()
		}

		if !derived {
			s.logger.WarnContext(ctx, "Rejected call event", "event", event.Type, "state", from)

			return err
		}

		s.logger.ErrorContext(ctx, "Workflow produced an event the call cannot accept",
			"event", event.Type,
			"state", from,
			"workflow_id", s.graph.ID())
		s.fail(ctx, tr, AlertIllegalEvent, err)

		return nil
	}

	s.activity.Store(s.rt.Clock.Now().UnixNano())
	s.terminal.Store(to.IsTerminal())

	if s.rt.Metrics != nil {
		s.rt.Metrics.CallTransitions.WithLabelValues(string(from), string(to), event.Type).Inc()
	}

	s.logger.InfoContext(ctx, "Call event applied",
		"event", event.Type,
		"from", from,
		"to", to,
		"derived", derived)

	tr.Events = append(tr.Events, event)
	s.rt.Sink.EventApplied(ctx, s.machine.Info(), from, to, event, derived)

	s.react(ctx, tr, from, to, event)

	return nil
}

func (s *Session) react(ctx context.Context, tr *Transition, from, to models.CallState, event models.CallEvent) {
	switch {
	case to == models.CallStateConsent && from != to:
		if err := s.say(ctx, s.rt.Options.ConsentPrompt); err != nil {
			s.fail(ctx, tr, AlertVoiceAction, err)
		}
	case event.Type == models.EventConsentGiven:
		s.runGraph(ctx, tr, "", false)
	case event.Type == models.EventCallerResponded && from == to:
		if s.screenUtterance(ctx, tr, event) {
			return
		}

		if node := s.suspended; node != "" && !s.running {
			s.suspended = ""
			s.runGraph(ctx, tr, node, true)
		}
	case to == models.CallStateHandoff && from != to:
		s.enterHandoff(ctx, tr)
	case to == models.CallStateCompleted:
		// A transferred call now belongs to the receiving agent.
		if event.Type != models.EventTransferSucceeded {
			s.end(ctx, "completed")
		}
	case to == models.CallStateFailed:
		reason := event.String("reason")
		if reason == "" {
			reason = event.Type
		}

		s.end(ctx, reason)
	}
}

// screenUtterance runs a caller answer through the emergency detector and
// hands the call off when it crosses the threshold. Detector failures leave
// the call on its workflow.
func (s *Session) screenUtterance(ctx context.Context, tr *Transition, event models.CallEvent) bool {
	utterance := strings.TrimSpace(event.String("utterance"))
	if s.rt.Emergency == nil || utterance == "" || s.machine.State() == models.CallStateHandoff {
		return false
	}

	if _, ok := NextState(s.machine.State(), models.CallEvent{Type: models.EventEmergencyDetected}); !ok {
		return false
	}

	result, err := s.rt.Emergency.DetectEmergency(ctx, utterance)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to screen caller answer", "error", err)

		return false
	}

	if !s.isEmergency(result) {
		return false
	}

	s.suspended = ""
	_ = s.dispatch(ctx, tr, s.emergencyEvent("", result), true)

	return true
}

func (s *Session) runGraph(ctx context.Context, tr *Transition, from string, resume bool) {
	s.running = true

	run, err := s.rt.Engine.Run(ctx, s.graph, from, resume, s.machine.Context(),
		func(ctx context.Context, step workflow.StepResult) (bool, error) {
			tr.Steps = append(tr.Steps, step)
			s.observe(ctx, tr, step)

			return s.machine.State().IsTerminal() || s.transferred || s.terminating.Load(), nil
		})

	s.running = false

	switch {
	case err != nil:
		if s.terminating.Load() || s.machine.State().IsTerminal() {
			return
		}

		s.fail(ctx, tr, AlertWorkflowError, err)
	case run.Stopped:
	case run.Suspended:
		s.suspended = run.NodeID
	case run.Completed:
		s.graphCompleted(ctx, tr, run.NodeID)
	}
}

// observe turns node results into derived events and actions.
func (s *Session) observe(ctx context.Context, tr *Transition, step workflow.StepResult) {
	out := step.Output

	if out.Prompt != "" {
		if err := s.say(ctx, out.Prompt); err != nil {
			s.logger.WarnContext(ctx, "Failed to prompt caller", "node_id", step.NodeID, "error", err)
		}
	}

	if out.Emergency != nil {
		_ = s.dispatch(ctx, tr, s.emergencyEvent(step.NodeID, out.Emergency), true)
	}

	if out.Intent != nil {
		_ = s.dispatch(ctx, tr, intentEvent(step.NodeID, out.Intent), true)
	}

	if s.machine.State() != models.CallStateHandoff {
		return
	}

	if out.Webhook != nil && out.Webhook.Error != "" {
		s.alert(ctx, AlertWebhookFailed, "webhook node "+step.NodeID+" failed: "+out.Webhook.Error)
	}

	if out.Route != nil {
		s.transfer(ctx, tr, out.Route.Target)
	}
}

func (s *Session) emergencyEvent(nodeID string, result *models.EmergencyDetectionResult) models.CallEvent {
	eventType := models.EventEmergencyCleared
	if s.isEmergency(result) {
		eventType = models.EventEmergencyDetected
	}

	payload := map[string]any{
		"isEmergency":       result.IsEmergency,
		"confidence":        result.Confidence,
		"triggeredKeywords": append([]string{}, result.TriggeredKeywords...),
	}

	if nodeID != "" {
		payload["nodeId"] = nodeID
	}

	return models.CallEvent{Type: eventType, Payload: payload}
}

// isEmergency requires a flagged result strictly above the threshold.
func (s *Session) isEmergency(result *models.EmergencyDetectionResult) bool {
	return result.IsEmergency && result.Confidence > s.rt.Options.EmergencyThreshold
}

func intentEvent(nodeID string, result *models.IntentDetectionResult) models.CallEvent {
	payload := map[string]any{
		"nodeId":     nodeID,
		"intentKey":  result.IntentKey,
		"confidence": result.Confidence,
	}

	if result.SubIntent != "" {
		payload["subIntent"] = result.SubIntent
	}

	if len(result.ExtractedFields) > 0 {
		payload["extractedFields"] = maps.Clone(result.ExtractedFields)
	}

	return models.CallEvent{Type: models.EventIntentResolved, Payload: payload}
}

func (s *Session) graphCompleted(ctx context.Context, tr *Transition, endNodeID string) {
	state := s.machine.State()

	switch {
	case state == models.CallStateHandoff:
		s.ensureTransfer(ctx, tr)
	case !state.IsTerminal():
		_ = s.dispatch(ctx, tr, models.CallEvent{
			Type:    models.EventWorkflowCompleted,
			Payload: map[string]any{"nodeId": endNodeID},
		}, true)
	}
}

func (s *Session) enterHandoff(ctx context.Context, tr *Transition) {
	payload := s.machine.Handoff()
	callID := s.CallID()

	s.rt.Sink.HandoffCreated(ctx, *payload)

	if s.rt.Metrics != nil {
		s.rt.Metrics.Handoffs.WithLabelValues(string(payload.Tag)).Inc()
	}

	s.logger.InfoContext(ctx, "Call handed off",
		"tag", payload.Tag,
		"intent", payload.IntentKey,
		"reason", s.machine.Context().HandoffReason)

	if err := s.rt.Voice.UpdateContext(ctx, callID, handoffContext(payload)); err != nil {
		s.alert(ctx, AlertVoiceAction, "push handoff context: "+err.Error())
	}

	if err := s.rt.Voice.Hold(ctx, callID, s.rt.Options.HoldMessage); err != nil {
		s.alert(ctx, AlertVoiceAction, "hold caller: "+err.Error())
	}

	if s.machine.Context().HandoffReason == ReasonEmergency {
		if err := s.rt.Voice.Escalate(ctx, callID, ReasonEmergency); err != nil {
			s.alert(ctx, AlertVoiceAction, "escalate emergency: "+err.Error())
		}
	}

	// A running graph may still route the call; it transfers when it does
	// or when it ends.
	if !s.running {
		s.ensureTransfer(ctx, tr)
	}
}

func (s *Session) ensureTransfer(ctx context.Context, tr *Transition) {
	if s.transferred || s.machine.State() != models.CallStateHandoff {
		return
	}

	target, err := s.target(ctx)
	if err != nil {
		s.fail(ctx, tr, AlertNoRoute, err)

		return
	}

	s.transfer(ctx, tr, target)
}

// target picks the transfer destination: the route node's result, then the
// stored rules of the handoff intent, then the configured default.
func (s *Session) target(ctx context.Context) (models.RoutingTarget, error) {
	call := s.machine.Context()
	if call.Route != nil {
		return *call.Route, nil
	}

	intentKey := s.machine.Handoff().IntentKey

	if s.rt.Rules != nil && s.rt.Resolver != nil {
		rules, err := s.rt.Rules.RoutingRules(ctx, call.Info.HospitalID, intentKey)

		switch {
		case err == nil:
			decision, err := s.rt.Resolver.ResolveNow(condition.MapFields(call.Values()), rules)
			if err == nil {
				return decision.Target, nil
			}

			if !faults.Is(err, faults.KindNoRouteFound) {
				return models.RoutingTarget{}, err
			}
		case !faults.Is(err, faults.KindNotFound):
			return models.RoutingTarget{}, err
		}
	}

	if d := s.rt.Options.DefaultTarget; d != nil {
		return *d, nil
	}

	return models.RoutingTarget{}, faults.Newf(faults.KindNoRouteFound, "callflow.transfer",
		"no routing target for intent %q", intentKey).
		With("callId", call.Info.CallID).
		With("hospitalId", call.Info.HospitalID)
}

func (s *Session) transfer(ctx context.Context, tr *Transition, target models.RoutingTarget) {
	if s.transferred || s.machine.State() != models.CallStateHandoff {
		return
	}

	s.transferred = true
	callID := s.CallID()

	var err error

	switch target.Type {
	case models.TargetTypeWebhook:
		if s.rt.Delivery == nil {
			err = faults.New(faults.KindValidation, "callflow.transfer", "no handoff deliverer configured")
		} else {
			err = s.rt.Delivery.DeliverHandoff(ctx, target.Value, *s.machine.Handoff())
		}
	default:
		var req voice.TransferRequest

		req, err = voice.TransferFor(target)
		if err == nil {
			err = s.rt.Voice.Transfer(ctx, callID, req)
		}
	}

	payload := map[string]any{
		"targetType": string(target.Type),
		"target":     target.Value,
	}

	if err == nil {
		_ = s.dispatch(ctx, tr, models.CallEvent{Type: models.EventTransferSucceeded, Payload: payload}, true)

		return
	}

	if s.terminating.Load() {
		return
	}

	s.logger.ErrorContext(ctx, "Transfer failed",
		"target_type", target.Type,
		"target", target.Value,
		"error", err)

	if rerr := s.rt.Voice.Resume(ctx, callID); rerr != nil {
		s.logger.WarnContext(ctx, "Failed to take caller off hold", "error", rerr)
	}

	s.alert(ctx, AlertTransferFailed, err.Error())

	if serr := s.say(ctx, s.rt.Options.TransferFailedMessage); serr != nil {
		s.logger.WarnContext(ctx, "Failed to tell caller about failed transfer", "error", serr)
	}

	payload["error"] = err.Error()
	payload["kind"] = string(faults.KindOf(err))

	_ = s.dispatch(ctx, tr, models.CallEvent{Type: models.EventTransferFailed, Payload: payload}, true)
}

// fail tells the caller, alerts a supervisor when the call was being handed
// off, and moves the call to failed.
func (s *Session) fail(ctx context.Context, tr *Transition, reason string, err error) {
	if s.terminating.Load() || s.machine.State().IsTerminal() {
		return
	}

	s.logger.ErrorContext(ctx, "Call failing", "reason", reason, "error", err)

	if serr := s.say(ctx, s.rt.Options.GracefulMessage); serr != nil {
		s.logger.WarnContext(ctx, "Failed to send graceful message", "error", serr)
	}

	if s.machine.State() == models.CallStateHandoff {
		s.alert(ctx, reason, err.Error())
	}

	_ = s.dispatch(ctx, tr, models.CallEvent{
		Type: models.EventCallError,
		Payload: map[string]any{
			"reason": reason,
			"error":  err.Error(),
			"kind":   string(faults.KindOf(err)),
		},
	}, true)
}

func (s *Session) say(ctx context.Context, message string) error {
	if message == "" {
		return nil
	}

	return s.rt.Voice.SendMessage(ctx, s.CallID(), message)
}

func (s *Session) end(ctx context.Context, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endTimeout)
	defer cancel()

	if err := s.rt.Voice.End(ctx, s.CallID(), reason); err != nil {
		s.logger.WarnContext(ctx, "Failed to end call", "reason", reason, "error", err)
	}
}

func (s *Session) alert(ctx context.Context, reason, message string) {
	if s.terminating.Load() {
		return
	}

	if s.rt.Metrics != nil {
		s.rt.Metrics.SupervisorAlerts.WithLabelValues(reason).Inc()
	}

	s.logger.WarnContext(ctx, "Supervisor alert", "reason", reason, "message", message)

	info := s.machine.Info()
	s.rt.Sink.Alert(ctx, Alert{
		CallID:     info.CallID,
		HospitalID: info.HospitalID,
		State:      s.machine.State(),
		Reason:     reason,
		Message:    message,
	})
}

func handoffContext(payload *models.HandoffPayload) map[string]any {
	data, err := json.Marshal(payload)
	if err != nil {
		return map[string]any{"callId": payload.CallID, "tag": string(payload.Tag)}
	}

	var values map[string]any
	_ = json.Unmarshal(data, &values)

	return values
}
