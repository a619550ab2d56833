package crm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// SalesforceProvider is the Salesforce-backed provider. Calls currently
// return deterministic sample data in the live response shape; contact
// fields ship pre-masked so nothing sensitive leaks through demo flows.
type SalesforceProvider struct {
	endpoint string
	apiKey   string
	logger   *slog.Logger
	now      func() time.Time
}

// NewSalesforceProvider builds a Salesforce CRM client.
func NewSalesforceProvider(endpoint, apiKey string, logger *slog.Logger) *SalesforceProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &SalesforceProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		logger:   logger.With("component", "crm"),
		now:      time.Now,
	}
}

func (p *SalesforceProvider) Name() string { return "salesforce" }

func (p *SalesforceProvider) GetPatientInfo(ctx context.Context, patientID string) (*Patient, error) {
	p.logger.Info("fetching patient info", "patient_id", patientID)
	return &Patient{
		PatientID:            patientID,
		Name:                 "John Doe",
		Email:                "[REDACTED_EMAIL]",
		Phone:                "[REDACTED_PHONE]",
		DateOfBirth:          "[REDACTED_DATE]",
		InsuranceProvider:    "BlueCross BlueShield",
		PrimaryCarePhysician: "Dr. Sarah Johnson",
	}, nil
}

func (p *SalesforceProvider) GetPatientHistory(ctx context.Context, patientID string, limit int) ([]Interaction, error) {
	p.logger.Info("fetching patient history", "patient_id", patientID)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	history := []Interaction{
		{
			ID:       "hist_001",
			Date:     "2024-01-15",
			Type:     "appointment",
			Summary:  "Annual checkup - completed",
			Provider: "Dr. Sarah Johnson",
		},
		{
			ID:      "hist_002",
			Date:    "2024-01-10",
			Type:    "call",
			Summary: "Insurance coverage inquiry",
			Agent:   "Agent Smith",
		},
	}
	if limit < len(history) {
		history = history[:limit]
	}
	return history, nil
}

func (p *SalesforceProvider) CreateCase(ctx context.Context, patientID, subject, description, priority string) (*Case, error) {
	p.logger.Info("creating case", "patient_id", patientID, "subject", subject)
	if priority == "" {
		priority = defaultPriority
	}
	now := p.now().UTC()
	return &Case{
		CaseID:      fmt.Sprintf("case_%s_%d", patientID, now.UnixNano()),
		PatientID:   patientID,
		Subject:     subject,
		Description: description,
		Priority:    priority,
		Status:      "new",
		CreatedAt:   now,
	}, nil
}

func (p *SalesforceProvider) UpdateCase(ctx context.Context, caseID string, updates map[string]any) (*CaseUpdate, error) {
	p.logger.Info("updating case", "case_id", caseID)
	fields := make([]string, 0, len(updates))
	for k := range updates {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return &CaseUpdate{
		CaseID:        caseID,
		UpdatedFields: fields,
		UpdatedAt:     p.now().UTC(),
	}, nil
}

func (p *SalesforceProvider) LogConversation(ctx context.Context, patientID, summary, conversationID string, metadata map[string]any) (*ConversationLog, error) {
	p.logger.Info("logging conversation", "conversation_id", conversationID, "patient_id", patientID)
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &ConversationLog{
		LogID:          "log_" + conversationID,
		PatientID:      patientID,
		ConversationID: conversationID,
		Summary:        summary,
		Metadata:       metadata,
		LoggedAt:       p.now().UTC(),
	}, nil
}

func (p *SalesforceProvider) GetAppointments(ctx context.Context, patientID string, includePast bool) ([]Appointment, error) {
	p.logger.Info("fetching appointments", "patient_id", patientID)
	appts := []Appointment{
		{
			AppointmentID: "appt_001",
			PatientID:     patientID,
			Type:          "follow-up",
			Datetime:      "2024-02-20T10:00:00Z",
			Provider:      "Dr. Sarah Johnson",
			Status:        "scheduled",
		},
	}
	if includePast {
		appts = append(appts, Appointment{
			AppointmentID: "appt_000",
			PatientID:     patientID,
			Type:          "checkup",
			Datetime:      "2024-01-15T09:00:00Z",
			Provider:      "Dr. Sarah Johnson",
			Status:        "completed",
		})
	}
	return appts, nil
}

func (p *SalesforceProvider) ScheduleAppointment(ctx context.Context, req AppointmentRequest) (*Appointment, error) {
	p.logger.Info("scheduling appointment", "patient_id", req.PatientID, "type", req.Type)
	return &Appointment{
		AppointmentID: fmt.Sprintf("appt_%s_%d", req.PatientID, p.now().UTC().UnixNano()),
		PatientID:     req.PatientID,
		Type:          req.Type,
		Datetime:      req.Datetime,
		ProviderID:    req.ProviderID,
		Notes:         req.Notes,
		Status:        "scheduled",
	}, nil
}

func (p *SalesforceProvider) GetInsuranceInfo(ctx context.Context, patientID string) (*Insurance, error) {
	p.logger.Info("fetching insurance info", "patient_id", patientID)
	return &Insurance{
		PatientID:     patientID,
		Provider:      "BlueCross BlueShield",
		PolicyNumber:  "[REDACTED_POLICY]",
		GroupNumber:   "[REDACTED]",
		CoverageType:  "PPO",
		Copay:         "$25",
		Deductible:    "$1,500",
		DeductibleMet: "$500",
		Active:        true,
	}, nil
}
