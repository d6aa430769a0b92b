package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence"
	"github.com/dukex/callflow/pkg/routing"
)

// RoutingRuleRepository stores rules as routing/<hospital>/<intent>.json. The
// files use the same JSON rule format the API accepts.
type RoutingRuleRepository struct {
	root string
}

func NewRoutingRuleRepository(root string) *RoutingRuleRepository {
	return &RoutingRuleRepository{root: root}
}

func (rr *RoutingRuleRepository) path(hospitalID, intentKey string) (string, error) {
	if err := validateName("hospital id", hospitalID); err != nil {
		return "", faults.Wrap(faults.KindValidation, "file.routing_rules", err, hospitalID)
	}

	if err := validateName("intent key", intentKey); err != nil {
		return "", faults.Wrap(faults.KindValidation, "file.routing_rules", err, intentKey)
	}

	return filepath.Join(rr.root, "routing", hospitalID, intentKey+".json"), nil
}

func (rr *RoutingRuleRepository) RoutingRules(_ context.Context, hospitalID, intentKey string) ([]models.RoutingRule, error) {
	filePath, err := rr.path(hospitalID, intentKey)
	if err != nil {
		return nil, err
	}

	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NotFound("file.routing_rules", persistence.ErrRoutingRulesNotFound, hospitalID+"/"+intentKey)
		}

		return nil, fmt.Errorf("failed to read routing rules %s/%s: %w", hospitalID, intentKey, err)
	}

	rules, err := routing.ParseRules(body)
	if err != nil {
		return nil, fmt.Errorf("routing rules %s/%s: %w", hospitalID, intentKey, err)
	}

	return rules, nil
}

func (rr *RoutingRuleRepository) SaveRoutingRules(_ context.Context, hospitalID, intentKey string, rules []models.RoutingRule) error {
	filePath, err := rr.path(hospitalID, intentKey)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0750); err != nil {
		return fmt.Errorf("failed to create routing directory: %w", err)
	}

	data, err := json.MarshalIndent(routing.NormalizeRules(rules), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal routing rules: %w", err)
	}

	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write routing rules %s/%s: %w", hospitalID, intentKey, err)
	}

	return os.Rename(tmp, filePath)
}
