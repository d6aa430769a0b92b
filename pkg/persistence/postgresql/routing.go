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
	"github.com/dukex/callflow/pkg/routing"
)

// RoutingRuleRepository handles routing rule operations. Rules for one
// hospital and intent are stored as a single JSON document.
type RoutingRuleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRoutingRuleRepository(db *sql.DB, logger *slog.Logger) *RoutingRuleRepository {
	return &RoutingRuleRepository{db: db, logger: logger.With("module", "postgresql.routing")}
}

func (r *RoutingRuleRepository) RoutingRules(ctx context.Context, hospitalID, intentKey string) ([]models.RoutingRule, error) {
	query := `
		SELECT rules
		FROM routing_rules
		WHERE hospital_id = $1 AND intent_key = $2
	`

	var body []byte

	err := r.db.QueryRowContext(ctx, query, hospitalID, intentKey).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NotFound("postgresql.routing_rules", persistence.ErrRoutingRulesNotFound, hospitalID+"/"+intentKey)
		}

		return nil, fmt.Errorf("failed to query routing rules %s/%s: %w", hospitalID, intentKey, err)
	}

	rules, err := routing.ParseRules(body)
	if err != nil {
		return nil, fmt.Errorf("routing rules %s/%s: %w", hospitalID, intentKey, err)
	}

	return rules, nil
}

// SaveRoutingRules replaces the rules of a hospital and intent.
func (r *RoutingRuleRepository) SaveRoutingRules(ctx context.Context, hospitalID, intentKey string, rules []models.RoutingRule) error {
	body, err := json.Marshal(routing.NormalizeRules(rules))
	if err != nil {
		return fmt.Errorf("failed to marshal routing rules: %w", err)
	}

	query := `
		INSERT INTO routing_rules (
			hospital_id
			, intent_key
			, rules
			, updated_at
		) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (hospital_id, intent_key) DO UPDATE SET
			rules = EXCLUDED.rules
			, updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query, hospitalID, intentKey, body)
	if err != nil {
		return fmt.Errorf("failed to save routing rules %s/%s: %w", hospitalID, intentKey, err)
	}

	return nil
}
