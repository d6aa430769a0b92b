package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence"
)

// CallLogRepository stores call event logs. Events are ordered by a
// sequence column so replay sees them in append order.
type CallLogRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewCallLogRepository(db *sql.DB, logger *slog.Logger) *CallLogRepository {
	return &CallLogRepository{db: db, logger: logger.With("module", "postgresql.call_log")}
}

func (r *CallLogRepository) SaveCall(ctx context.Context, info models.CallInfo) error {
	body, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal call %s: %w", info.CallID, err)
	}

	query := `
		INSERT INTO calls (
			call_id
			, hospital_id
			, info
		) VALUES ($1, $2, $3)
		ON CONFLICT (call_id) DO UPDATE SET
			hospital_id = EXCLUDED.hospital_id
			, info = EXCLUDED.info
	`

	_, err = r.db.ExecContext(ctx, query, info.CallID, info.HospitalID, body)
	if err != nil {
		return fmt.Errorf("failed to save call %s: %w", info.CallID, err)
	}

	return nil
}

func (r *CallLogRepository) Call(ctx context.Context, callID string) (*models.CallInfo, error) {
	var body []byte

	err := r.db.QueryRowContext(ctx, "SELECT info FROM calls WHERE call_id = $1", callID).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NotFound("postgresql.call", persistence.ErrCallNotFound, callID)
		}

		return nil, fmt.Errorf("failed to query call %s: %w", callID, err)
	}

	var info models.CallInfo

	err = json.Unmarshal(body, &info)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal call %s: %w", callID, err)
	}

	return &info, nil
}

func (r *CallLogRepository) AppendEvent(ctx context.Context, callID string, event models.CallEvent) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	query := `
		INSERT INTO call_events (
			call_id
			, event_id
			, event_type
			, payload
			, occurred_at
		) VALUES ($1, $2, $3, $4, $5)
	`

	_, err = r.db.ExecContext(ctx, query, callID, event.ID, event.Type, body, event.Timestamp)
	if err != nil {
		if isPQError(err, foreignKeyViolation) {
			return persistence.NewCallError("append", callID, persistence.ErrCallNotFound)
		}

		return fmt.Errorf("failed to append event to call %s: %w", callID, err)
	}

	return nil
}

func (r *CallLogRepository) Events(ctx context.Context, callID string) ([]models.CallEvent, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM calls WHERE call_id = $1)", callID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to query call %s: %w", callID, err)
	}

	if !exists {
		return nil, persistence.NotFound("postgresql.events", persistence.ErrCallNotFound, callID)
	}

	query := `
		SELECT
			event_id
			, event_type
			, payload
			, occurred_at
		FROM call_events
		WHERE call_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.db.QueryContext(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events of call %s: %w", callID, err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "Failed to close rows", "error", err)
		}
	}()

	events := []models.CallEvent{}

	for rows.Next() {
		var (
			event   models.CallEvent
			payload []byte
		)

		err := rows.Scan(&event.ID, &event.Type, &payload, &event.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call event: %w", err)
		}

		err = json.Unmarshal(payload, &event.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}

		if len(event.Payload) == 0 {
			event.Payload = nil
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate call events: %w", err)
	}

	return events, nil
}

// SaveHandoff stores the payload only when the call has none yet, creating
// the call row if needed.
func (r *CallLogRepository) SaveHandoff(ctx context.Context, payload models.HandoffPayload) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal handoff: %w", err)
	}

	info, err := json.Marshal(models.CallInfo{CallID: payload.CallID, HospitalID: payload.HospitalID})
	if err != nil {
		return false, fmt.Errorf("failed to marshal call: %w", err)
	}

	query := `
		INSERT INTO calls (
			call_id
			, hospital_id
			, info
			, handoff
		) VALUES ($1, $2, $3, $4)
		ON CONFLICT (call_id) DO UPDATE SET
			handoff = EXCLUDED.handoff
		WHERE calls.handoff IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, payload.CallID, payload.HospitalID, info, body)
	if err != nil {
		return false, fmt.Errorf("failed to save handoff of call %s: %w", payload.CallID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected == 1, nil
}

func (r *CallLogRepository) Handoff(ctx context.Context, callID string) (*models.HandoffPayload, error) {
	var body []byte

	err := r.db.QueryRowContext(ctx, "SELECT handoff FROM calls WHERE call_id = $1", callID).Scan(&body)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to query handoff of call %s: %w", callID, err)
	}

	if len(body) == 0 {
		return nil, persistence.NotFound("postgresql.handoff", persistence.ErrHandoffNotFound, callID)
	}

	var payload models.HandoffPayload

	err = json.Unmarshal(body, &payload)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal handoff of call %s: %w", callID, err)
	}

	return &payload, nil
}

// Close is a no-op; the connection pool belongs to Persistence.
func (r *CallLogRepository) Close(context.Context) error {
	return nil
}
