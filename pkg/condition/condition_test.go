package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/callflow/pkg/models"
)

func testFields() MapFields {
	return MapFields{
		"state":      "intake",
		"transcript": "I have Chest Pain since this morning",
		"emergency": map[string]any{
			"isEmergency":       true,
			"confidence":        0.92,
			"triggeredKeywords": []any{"chest pain"},
		},
		"fields": map[string]any{
			"department": "cardiology",
			"age":        "67",
			"visits":     3,
			"insured":    false,
		},
	}
}

func TestMatch(t *testing.T) {
	fields := testFields()

	tests := []struct {
		name string
		cond models.RoutingCondition
		want bool
	}{
		{"string equals via fields fallback", models.RoutingCondition{Field: "department", Operator: models.OperatorEquals, Value: "cardiology"}, true},
		{"string mismatch", models.RoutingCondition{Field: "department", Operator: models.OperatorEquals, Value: "oncology"}, false},
		{"numeric string equals number", models.RoutingCondition{Field: "age", Operator: models.OperatorEquals, Value: "67.0"}, true},
		{"number equals", models.RoutingCondition{Field: "visits", Operator: models.OperatorEquals, Value: "3"}, true},
		{"number vs text equals", models.RoutingCondition{Field: "visits", Operator: models.OperatorEquals, Value: "three"}, false},
		{"bool equals", models.RoutingCondition{Field: "insured", Operator: models.OperatorEquals, Value: "false"}, true},
		{"contains is case insensitive", models.RoutingCondition{Field: "transcript", Operator: models.OperatorContains, Value: "chest pain"}, true},
		{"contains in slice", models.RoutingCondition{Field: "emergency.triggeredKeywords", Operator: models.OperatorContains, Value: "chest pain"}, true},
		{"greater than numeric string", models.RoutingCondition{Field: "age", Operator: models.OperatorGreaterThan, Value: "65"}, true},
		{"less than", models.RoutingCondition{Field: "emergency.confidence", Operator: models.OperatorLessThan, Value: "0.5"}, false},
		{"greater than non numeric is non-match", models.RoutingCondition{Field: "department", Operator: models.OperatorGreaterThan, Value: "1"}, false},
		{"greater than non numeric value", models.RoutingCondition{Field: "age", Operator: models.OperatorGreaterThan, Value: "old"}, false},
		{"missing field", models.RoutingCondition{Field: "insurer", Operator: models.OperatorEquals, Value: ""}, false},
		{"unknown operator", models.RoutingCondition{Field: "department", Operator: "regex", Value: ".*"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.cond, fields))
		})
	}
}

func TestMatchAll(t *testing.T) {
	fields := testFields()

	assert.True(t, MatchAll(nil, fields))
	assert.True(t, MatchAll([]models.RoutingCondition{
		{Field: "department", Operator: models.OperatorEquals, Value: "cardiology"},
		{Field: "age", Operator: models.OperatorGreaterThan, Value: "18"},
	}, fields))
	assert.False(t, MatchAll([]models.RoutingCondition{
		{Field: "department", Operator: models.OperatorEquals, Value: "cardiology"},
		{Field: "age", Operator: models.OperatorLessThan, Value: "18"},
	}, fields))
}

func TestExpression_Eval(t *testing.T) {
	fields := testFields()

	tests := []struct {
		expr string
		want bool
	}{
		{"emergency.isEmergency == true", true},
		{"emergency.isEmergency", true},
		{"!emergency.isEmergency", false},
		{"emergency.confidence > 0.7", true},
		{"emergency.confidence greater_than 0.95", false},
		{`department == "cardiology" && age > 65`, true},
		{`department == 'oncology' || visits < 5`, true},
		{`(department == oncology || visits < 2) && insured == false`, false},
		{`transcript contains "chest pain"`, true},
		{`state != handoff`, true},
		{`intent.intentKey == schedule_appointment`, false},
		{`missing`, false},
		{`true`, true},
		{`false || !false`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Eval(tt.expr, fields)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	for _, expr := range []string{
		"",
		"a ==",
		`a == "open`,
		"(a == 1",
		"a == 1 b",
		"a = 1",
		"&& a",
		"a == )",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := Parse(expr)

			var syntaxErr *SyntaxError
			assert.ErrorAs(t, err, &syntaxErr)
		})
	}
}
