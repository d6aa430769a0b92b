package routing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/models"
)

const rulesSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["priority", "target"],
    "properties": {
      "priority": {"type": "integer"},
      "conditions": {
        "type": "array",
        "items": {
          "type": "object",
          "required": ["field", "operator", "value"],
          "properties": {
            "field": {"type": "string", "minLength": 1},
            "operator": {"enum": ["equals", "contains", "greater_than", "less_than"]},
            "value": {"type": "string"}
          }
        }
      },
      "target": {"$ref": "#/definitions/target"},
      "fallback": {"$ref": "#/definitions/target"},
      "schedule": {
        "type": "object",
        "required": ["timezone", "hours"],
        "properties": {
          "timezone": {"type": "string", "minLength": 1},
          "hours": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["dayOfWeek", "startTime", "endTime"],
              "properties": {
                "dayOfWeek": {"type": "integer", "minimum": 0, "maximum": 6},
                "startTime": {"type": "string", "pattern": "^([01][0-9]|2[0-4]):[0-5][0-9]$"},
                "endTime": {"type": "string", "pattern": "^([01][0-9]|2[0-4]):[0-5][0-9]$"}
              }
            }
          }
        }
      }
    }
  },
  "definitions": {
    "target": {
      "type": "object",
      "required": ["type", "value"],
      "properties": {
        "type": {"enum": ["phone", "queue", "webhook"]},
        "value": {"type": "string", "minLength": 1}
      }
    }
  }
}`

var (
	rulesSchemaLoader = gojsonschema.NewStringLoader(rulesSchema)
	validate          = validator.New()
)

// ParseRules decodes and validates a JSON array of routing rules.
func ParseRules(data []byte) ([]models.RoutingRule, error) {
	result, err := gojsonschema.Validate(rulesSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, "routing.parse_rules", err, "invalid JSON")
	}

	if !result.Valid() {
		return nil, faults.New(faults.KindValidation, "routing.parse_rules", schemaErrors(result))
	}

	var rules []models.RoutingRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, faults.Wrap(faults.KindValidation, "routing.parse_rules", err, "decode rules")
	}

	if err := ValidateRules(rules); err != nil {
		return nil, err
	}

	return rules, nil
}

// ValidateRules checks rules built in code or decoded from node config.
func ValidateRules(rules []models.RoutingRule) error {
	for i, rule := range rules {
		if err := validate.Struct(rule); err != nil {
			return faults.Wrap(faults.KindValidation, "routing.validate_rules", err, fmt.Sprintf("rule %d", i))
		}

		if rule.Schedule == nil {
			continue
		}

		for _, window := range rule.Schedule.Hours {
			if _, err := parseClock(window.StartTime); err != nil {
				return err
			}

			if _, err := parseClock(window.EndTime); err != nil {
				return err
			}
		}
	}

	return nil
}

func schemaErrors(result *gojsonschema.Result) string {
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}

	return strings.Join(msgs, "; ")
}

// NormalizeRules returns a copy of rules with nil slices replaced, so the
// stored JSON passes the rule schema when it is read back.
func NormalizeRules(rules []models.RoutingRule) []models.RoutingRule {
	out := make([]models.RoutingRule, len(rules))

	for i, rule := range rules {
		if rule.Conditions == nil {
			rule.Conditions = []models.RoutingCondition{}
		}

		if rule.Schedule != nil && rule.Schedule.Hours == nil {
			schedule := *rule.Schedule
			schedule.Hours = []models.BusinessHours{}
			rule.Schedule = &schedule
		}

		out[i] = rule
	}

	return out
}
