package models

import "time"

type HandoffTag string

const (
	HandoffTagScheduling         HandoffTag = "Scheduling"
	HandoffTagBillingInsurance   HandoffTag = "Billing/Insurance"
	HandoffTagRecordsForms       HandoffTag = "Records/Forms"
	HandoffTagRefillPriorAuth    HandoffTag = "Refill/Prior-Auth"
	HandoffTagClinicalEscalation HandoffTag = "Clinical Escalation"
	HandoffTagGeneralInquiry     HandoffTag = "General Inquiry"
)

// Well known intent keys.
const (
	IntentScheduleAppointment   = "schedule_appointment"
	IntentBillingInquiry        = "billing_inquiry"
	IntentInsuranceVerification = "insurance_verification"
	IntentPrescriptionRefill    = "prescription_refill"
	IntentMedicalRecords        = "medical_records"
	IntentGeneralInquiry        = "general_inquiry"
	IntentEmergency             = "emergency"
)

// TagForIntent maps an intent key to the queue tag a human agent sees.
func TagForIntent(intentKey string) HandoffTag {
	switch intentKey {
	case IntentScheduleAppointment:
		return HandoffTagScheduling
	case IntentBillingInquiry, IntentInsuranceVerification:
		return HandoffTagBillingInsurance
	case IntentMedicalRecords:
		return HandoffTagRecordsForms
	case IntentPrescriptionRefill:
		return HandoffTagRefillPriorAuth
	case IntentEmergency:
		return HandoffTagClinicalEscalation
	default:
		return HandoffTagGeneralInquiry
	}
}

type Patient struct {
	ExternalID string `json:"externalId,omitempty"`
	Name       string `json:"name,omitempty"`
	DOB        string `json:"dob,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

// HandoffPayload is handed to the human agent or queue receiving a call.
type HandoffPayload struct {
	CallID        string         `json:"callId"`
	HospitalID    string         `json:"hospitalId"`
	IntentKey     string         `json:"intentKey"`
	Tag           HandoffTag     `json:"tag"`
	Patient       *Patient       `json:"patient,omitempty"`
	Summary       string         `json:"summary"`
	Fields        map[string]any `json:"fields"`
	TranscriptURL string         `json:"transcriptUrl,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

type EmergencyDetectionResult struct {
	IsEmergency       bool     `json:"isEmergency"`
	Confidence        float64  `json:"confidence"`
	TriggeredKeywords []string `json:"triggeredKeywords"`
	MLScore           *float64 `json:"mlScore,omitempty"`
}

type IntentDetectionResult struct {
	IntentKey       string         `json:"intentKey"`
	Confidence      float64        `json:"confidence"`
	SubIntent       string         `json:"subIntent,omitempty"`
	ExtractedFields map[string]any `json:"extractedFields,omitempty"`
}

// AIAgentConfig is pushed to the voice backend by ai-agent nodes.
type AIAgentConfig struct {
	Persona         string   `json:"persona"                   validate:"required"`
	SystemPrompt    string   `json:"systemPrompt"              validate:"required"`
	Capabilities    []string `json:"capabilities,omitempty"`
	KnowledgeBase   string   `json:"knowledgeBase,omitempty"`
	EscalationRules []string `json:"escalationRules,omitempty"`
	MaxInteractions int      `json:"maxInteractions,omitempty"`
}
