package models

// Operator is a routing condition comparison.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorContains    Operator = "contains"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
)

type TargetType string

const (
	TargetTypePhone   TargetType = "phone"
	TargetTypeQueue   TargetType = "queue"
	TargetTypeWebhook TargetType = "webhook"
)

type RoutingCondition struct {
	Field    string   `json:"field"    validate:"required"`
	Operator Operator `json:"operator" validate:"required,oneof=equals contains greater_than less_than"`
	Value    string   `json:"value"`
}

type RoutingTarget struct {
	Type  TargetType `json:"type"  validate:"required,oneof=phone queue webhook"`
	Value string     `json:"value" validate:"required"`
}

// BusinessHours is one weekly window; DayOfWeek is 0 (Sunday) to 6. A window
// whose EndTime precedes StartTime runs past midnight into the next day.
type BusinessHours struct {
	DayOfWeek int    `json:"dayOfWeek" validate:"min=0,max=6"`
	StartTime string `json:"startTime" validate:"required"`
	EndTime   string `json:"endTime"   validate:"required"`
}

type Schedule struct {
	Timezone string          `json:"timezone" validate:"required"`
	Hours    []BusinessHours `json:"hours"    validate:"dive"`
}

// RoutingRule maps matching calls to a target; lower Priority wins.
type RoutingRule struct {
	Priority   int                `json:"priority"`
	Conditions []RoutingCondition `json:"conditions"         validate:"dive"`
	Target     RoutingTarget      `json:"target"             validate:"required"`
	Fallback   *RoutingTarget     `json:"fallback,omitempty" validate:"omitempty"`
	Schedule   *Schedule          `json:"schedule,omitempty" validate:"omitempty"`
}
