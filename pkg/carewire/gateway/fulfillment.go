package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rfontaine/carewire/pkg/carewire/crm"
)

// Patient-safe line returned whenever a CRM lookup fails mid-call. The
// fulfillment contract wants HTTP 200 with a spoken message; a 5xx would
// surface as a dead bot turn.
const crmApology = "I'm sorry, I'm having trouble accessing your records right now. Please stay on the line and I'll connect you with a representative."

const identityApology = "I wasn't able to verify your identity. Let me connect you with a representative who can help."

// fulfillmentRequest is the webhook payload the conversational engine sends
// when a flow reaches a fulfillment page. Parameters hold whatever the flow
// collected so far (patient_id, appointment_type, ...).
type fulfillmentRequest struct {
	SessionInfo struct {
		Session    string         `json:"session"`
		Parameters map[string]any `json:"parameters"`
	} `json:"sessionInfo"`
	FulfillmentInfo struct {
		Tag string `json:"tag"`
	} `json:"fulfillmentInfo"`
}

// handleFulfillment dispatches POST /webhooks/nlu/{appointment,insurance,
// prescription} to the matching CRM flow and wraps the outcome in the
// engine's fulfillment response envelope.
func (g *Gateway) handleFulfillment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}

	route := strings.TrimPrefix(r.URL.Path, "/webhooks/nlu/")
	var flow func(*http.Request, *fulfillmentRequest) ([]string, error)
	switch route {
	case "appointment":
		flow = g.fulfillAppointment
	case "insurance":
		flow = g.fulfillInsurance
	case "prescription":
		flow = g.fulfillPrescription
	default:
		g.writeError(w, "not found", 404)
		return
	}

	var req fulfillmentRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, "invalid JSON body", 400)
		return
	}

	messages, err := flow(r, &req)
	if err != nil {
		g.logger.Error("fulfillment flow failed",
			"route", route,
			"session_id", sessionIDFrom(req.SessionInfo.Session),
			"error", err,
			"request_id", RequestIDFrom(r.Context()))
		messages = []string{crmApology}
	}
	g.auditEvent(r.Context(), "crm.fulfillment", sessionIDFrom(req.SessionInfo.Session), map[string]any{
		"route":   route,
		"tag":     req.FulfillmentInfo.Tag,
		"success": err == nil,
	})

	g.writeJSON(w, 200, fulfillmentResponse(messages...))
}

// fulfillAppointment books a visit when the flow collected a date, and
// reads back upcoming visits otherwise.
func (g *Gateway) fulfillAppointment(r *http.Request, req *fulfillmentRequest) ([]string, error) {
	patientID := paramString(req.SessionInfo.Parameters, "patient_id")
	if patientID == "" {
		return []string{identityApology}, nil
	}

	date := paramString(req.SessionInfo.Parameters, "date")
	if date == "" {
		appts, err := g.crm.GetAppointments(r.Context(), patientID, false)
		if err != nil {
			return nil, fmt.Errorf("listing appointments: %w", err)
		}
		if len(appts) == 0 {
			return []string{"You have no upcoming appointments on file. Would you like to schedule one?"}, nil
		}
		next := appts[0]
		return []string{fmt.Sprintf(
			"You have %d upcoming appointment(s). The next one is a %s on %s with %s.",
			len(appts), next.Type, next.Datetime, next.Provider)}, nil
	}

	apptType := paramString(req.SessionInfo.Parameters, "appointment_type")
	if apptType == "" {
		apptType = "appointment"
	}
	datetime := date
	if t := paramString(req.SessionInfo.Parameters, "time"); t != "" {
		datetime = date + " " + t
	}

	appt, err := g.crm.ScheduleAppointment(r.Context(), crm.AppointmentRequest{
		PatientID: patientID,
		Type:      apptType,
		Datetime:  datetime,
		Notes:     "Scheduled via virtual assistant",
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling appointment: %w", err)
	}
	return []string{fmt.Sprintf(
		"Your %s is booked for %s. Your confirmation number is %s.",
		appt.Type, appt.Datetime, appt.AppointmentID)}, nil
}

func (g *Gateway) fulfillInsurance(r *http.Request, req *fulfillmentRequest) ([]string, error) {
	patientID := paramString(req.SessionInfo.Parameters, "patient_id")
	if patientID == "" {
		return []string{identityApology}, nil
	}

	info, err := g.crm.GetInsuranceInfo(r.Context(), patientID)
	if err != nil {
		return nil, fmt.Errorf("looking up insurance: %w", err)
	}
	if !info.Active {
		return []string{fmt.Sprintf(
			"Our records show your %s coverage is currently inactive. Please contact your insurance provider, or I can connect you with a representative.",
			info.Provider)}, nil
	}
	return []string{fmt.Sprintf(
		"Your %s %s plan is active. Your copay is %s, and you have met %s of your %s deductible.",
		info.Provider, info.CoverageType, info.Copay, info.DeductibleMet, info.Deductible)}, nil
}

// fulfillPrescription opens a refill case and tells the patient which
// physician will review it.
func (g *Gateway) fulfillPrescription(r *http.Request, req *fulfillmentRequest) ([]string, error) {
	patientID := paramString(req.SessionInfo.Parameters, "patient_id")
	if patientID == "" {
		return []string{identityApology}, nil
	}

	medication := paramString(req.SessionInfo.Parameters, "medication_name")
	if medication == "" {
		return []string{"Which medication would you like to refill?"}, nil
	}

	patient, err := g.crm.GetPatientInfo(r.Context(), patientID)
	if err != nil {
		return nil, fmt.Errorf("looking up patient: %w", err)
	}

	c, err := g.crm.CreateCase(r.Context(), patientID,
		"Prescription refill: "+medication,
		fmt.Sprintf("Refill requested for %s via virtual assistant.", medication),
		"medium")
	if err != nil {
		return nil, fmt.Errorf("creating refill case: %w", err)
	}

	physician := patient.PrimaryCarePhysician
	if physician == "" {
		physician = "your care team"
	}
	return []string{fmt.Sprintf(
		"Your refill request for %s has been sent to %s for review. Your reference number is %s. You'll receive a message when it's ready for pickup.",
		medication, physician, c.CaseID)}, nil
}

// fulfillmentResponse wraps spoken lines in the engine's webhook reply
// envelope.
func fulfillmentResponse(texts ...string) map[string]any {
	return map[string]any{
		"fulfillment_response": map[string]any{
			"messages": []map[string]any{
				{"text": map[string]any{"text": texts}},
			},
		},
	}
}

// paramString pulls a string parameter out of the session bag, tolerating
// absent keys and non-string values.
func paramString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	v, ok := params[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// sessionIDFrom reduces the engine's fully qualified session name
// (projects/.../sessions/<id>) to the trailing id for logs and audit.
func sessionIDFrom(session string) string {
	if session == "" {
		return "unknown"
	}
	if i := strings.LastIndexByte(session, '/'); i >= 0 {
		return session[i+1:]
	}
	return session
}
