package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence"
)

const (
	uniqueViolation     = pq.ErrorCode("23505")
	foreignKeyViolation = pq.ErrorCode("23503")
)

func isPQError(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == code
}

// WorkflowRepository handles workflow version operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger.With("module", "postgresql.workflow")}
}

// Workflow retrieves one workflow version.
func (r *WorkflowRepository) Workflow(ctx context.Context, id string, version int) (*models.WorkflowGraph, error) {
	query := `
		SELECT definition
		FROM workflow_versions
		WHERE workflow_id = $1 AND version = $2
	`

	var definition []byte

	err := r.db.QueryRowContext(ctx, query, id, version).Scan(&definition)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("get", id, version, persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to query workflow %s v%d: %w", id, version, err)
	}

	var graph models.WorkflowGraph

	err = json.Unmarshal(definition, &graph)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow %s v%d: %w", id, version, err)
	}

	return &graph, nil
}

// SaveWorkflow inserts a new workflow version. Existing versions are never updated.
func (r *WorkflowRepository) SaveWorkflow(ctx context.Context, graph *models.WorkflowGraph) error {
	definition, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", graph.ID, err)
	}

	query := `
		INSERT INTO workflow_versions (
			workflow_id
			, version
			, name
			, definition
		) VALUES ($1, $2, $3, $4)
	`

	_, err = r.db.ExecContext(ctx, query, graph.ID, graph.Version, graph.Name, definition)
	if err != nil {
		if isPQError(err, uniqueViolation) {
			return persistence.NewWorkflowError("save", graph.ID, graph.Version, persistence.ErrWorkflowVersionExists)
		}

		return fmt.Errorf("failed to save workflow %s v%d: %w", graph.ID, graph.Version, err)
	}

	r.logger.DebugContext(ctx, "Saved workflow version", "workflow_id", graph.ID, "version", graph.Version)

	return nil
}

// WorkflowVersions lists the stored versions of a workflow in ascending order.
func (r *WorkflowRepository) WorkflowVersions(ctx context.Context, id string) ([]int, error) {
	query := `
		SELECT version
		FROM workflow_versions
		WHERE workflow_id = $1
		ORDER BY version ASC
	`

	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow versions: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "Failed to close rows", "error", err)
		}
	}()

	var versions []int

	for rows.Next() {
		var version int

		err := rows.Scan(&version)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow version: %w", err)
		}

		versions = append(versions, version)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflow versions: %w", err)
	}

	if len(versions) == 0 {
		return nil, persistence.NewWorkflowError("versions", id, 0, persistence.ErrWorkflowNotFound)
	}

	return versions, nil
}
