package nlu

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Intent names recognized by the static engine.
const (
	IntentScheduleAppointment = "schedule_appointment"
	IntentBillingInquiry      = "billing_inquiry"
	IntentPrescriptionRefill  = "prescription_refill"
	IntentTestResults         = "test_results"
	IntentEscalateHuman       = "escalate_human"
	IntentGeneralInquiry      = "general_inquiry"
)

const (
	matchedConfidence  = 0.9
	fallbackConfidence = 0.3
)

type staticIntent struct {
	name        string
	keywords    []string
	fulfillment string
	page        string
}

// Catalog order decides precedence; the first matching intent wins.
// Escalation is listed first so a handoff request buried in another
// topic still reaches a person.
var staticCatalog = []staticIntent{
	{
		name:        IntentEscalateHuman,
		keywords:    []string{"human", "agent", "person", "representative", "transfer me", "speak to someone"},
		fulfillment: "I'll connect you with a member of our care team.",
		page:        "agent_handoff",
	},
	{
		name:        IntentScheduleAppointment,
		keywords:    []string{"appointment", "schedule", "book", "see a doctor", "checkup", "consultation"},
		fulfillment: "I can help you with your appointment. What type of appointment do you need?",
		page:        "collect_appointment_type",
	},
	{
		name:        IntentBillingInquiry,
		keywords:    []string{"bill", "charge", "invoice", "statement", "insurance", "coverage", "copay", "deductible"},
		fulfillment: "I can help with insurance and billing questions. What would you like to know about?",
		page:        "collect_insurance_info",
	},
	{
		name:        IntentPrescriptionRefill,
		keywords:    []string{"prescription", "refill", "medication", "medicine", "pharmacy"},
		fulfillment: "I can help with your prescriptions. What medication do you need?",
		page:        "collect_prescription_info",
	},
	{
		name:        IntentTestResults,
		keywords:    []string{"results", "lab", "test", "blood work"},
		fulfillment: "Let me check the status of your lab results.",
		page:        "lab_results_lookup",
	},
}

type entityValue struct {
	value    string
	synonyms []string
}

var appointmentTypes = []entityValue{
	{"checkup", []string{"checkup", "check-up", "physical", "wellness visit"}},
	{"consultation", []string{"consultation", "consult", "initial visit", "new patient"}},
	{"follow-up", []string{"follow-up", "followup", "follow up", "return visit"}},
	{"urgent", []string{"urgent", "same-day", "emergency"}},
	{"lab_work", []string{"blood test", "lab test", "diagnostic"}},
	{"imaging", []string{"x-ray", "mri", "ct scan", "ultrasound"}},
}

var departments = []entityValue{
	{"cardiology", []string{"cardiology", "cardiologist", "heart", "cardiac"}},
	{"dermatology", []string{"dermatology", "dermatologist", "skin"}},
	{"orthopedics", []string{"orthopedics", "orthopedic", "bone", "joint"}},
	{"primary_care", []string{"primary care", "family medicine", "general practice", "pcp"}},
	{"pediatrics", []string{"pediatrics", "pediatrician", "children", "kids"}},
	{"neurology", []string{"neurology", "neurologist", "brain", "nerve"}},
}

var insuranceTopics = []entityValue{
	{"coverage", []string{"coverage", "covered", "covers"}},
	{"copay", []string{"copay", "co-pay", "copayment", "out of pocket"}},
	{"deductible", []string{"deductible"}},
	{"claim", []string{"claim"}},
	{"billing", []string{"bill", "invoice", "statement"}},
	{"prior_auth", []string{"prior authorization", "pre-approval"}},
}

// staticEngine matches utterances against the built-in catalog. It keeps
// local development and tests independent of any external NLU service.
type staticEngine struct {
	logger *slog.Logger
}

func newStaticEngine(logger *slog.Logger) *staticEngine {
	return &staticEngine{logger: logger.With("component", "nlu")}
}

func (e *staticEngine) Provider() string { return "static" }

func (e *staticEngine) DetectIntent(ctx context.Context, sessionID, text, languageCode string) (*Result, error) {
	lowered := strings.ToLower(text)

	result := &Result{
		ResponseID:          uuid.NewString(),
		QueryText:           text,
		Intent:              Intent{Name: IntentGeneralInquiry, Confidence: fallbackConfidence},
		FulfillmentMessages: []string{"How can I help you today?"},
		CurrentPage:         "Start Page",
	}

	for _, cand := range staticCatalog {
		if !containsAny(lowered, cand.keywords) {
			continue
		}
		result.Intent = Intent{Name: cand.name, Confidence: matchedConfidence}
		result.FulfillmentMessages = []string{cand.fulfillment}
		result.CurrentPage = cand.page
		result.Parameters = extractParameters(cand.name, lowered)
		break
	}

	e.logger.Info("intent detected",
		"session_id", sessionID,
		"intent", result.Intent.Name,
		"confidence", result.Intent.Confidence)

	return result, nil
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func matchEntity(text string, values []entityValue) (string, bool) {
	for _, v := range values {
		for _, syn := range v.synonyms {
			if strings.Contains(text, syn) {
				return v.value, true
			}
		}
	}
	return "", false
}

func extractParameters(intent, lowered string) map[string]any {
	params := map[string]any{}
	switch intent {
	case IntentScheduleAppointment:
		if v, ok := matchEntity(lowered, appointmentTypes); ok {
			params["appointment_type"] = v
		}
		if v, ok := matchEntity(lowered, departments); ok {
			params["department"] = v
		}
	case IntentBillingInquiry:
		if v, ok := matchEntity(lowered, insuranceTopics); ok {
			params["insurance_topic"] = v
		}
	}
	if len(params) == 0 {
		return nil
	}
	return params
}
