// Package crm abstracts the patient-record system behind a provider
// interface so fulfillment flows stay independent of the vendor.
package crm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rfontaine/carewire/pkg/carewire/storage"
)

// ErrNotFound is returned when a patient or related record does not exist.
var ErrNotFound = errors.New("crm: record not found")

const (
	defaultHistoryLimit = 10
	defaultPriority     = "normal"
)

// Patient is the demographic record held for a patient.
type Patient struct {
	PatientID            string `json:"patient_id"`
	Name                 string `json:"name"`
	Email                string `json:"email"`
	Phone                string `json:"phone"`
	DateOfBirth          string `json:"date_of_birth"`
	InsuranceProvider    string `json:"insurance_provider"`
	PrimaryCarePhysician string `json:"primary_care_physician"`
}

// Interaction is one entry in a patient's contact history.
type Interaction struct {
	ID       string `json:"id"`
	Date     string `json:"date"`
	Type     string `json:"type"`
	Summary  string `json:"summary"`
	Provider string `json:"provider,omitempty"`
	Agent    string `json:"agent,omitempty"`
}

// Case is a support ticket opened for a patient.
type Case struct {
	CaseID      string    `json:"case_id"`
	PatientID   string    `json:"patient_id"`
	Subject     string    `json:"subject"`
	Description string    `json:"description"`
	Priority    string    `json:"priority"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// CaseUpdate reports which case fields an update touched.
type CaseUpdate struct {
	CaseID        string    `json:"case_id"`
	UpdatedFields []string  `json:"updated_fields"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ConversationLog records a conversation summary against a patient.
type ConversationLog struct {
	LogID          string         `json:"log_id"`
	PatientID      string         `json:"patient_id"`
	ConversationID string         `json:"conversation_id"`
	Summary        string         `json:"summary"`
	Metadata       map[string]any `json:"metadata"`
	LoggedAt       time.Time      `json:"logged_at"`
}

// Appointment is a scheduled or historical visit.
type Appointment struct {
	AppointmentID string `json:"appointment_id"`
	PatientID     string `json:"patient_id"`
	Type          string `json:"type"`
	Datetime      string `json:"datetime"`
	Provider      string `json:"provider,omitempty"`
	ProviderID    string `json:"provider_id,omitempty"`
	Notes         string `json:"notes,omitempty"`
	Status        string `json:"status"`
}

// AppointmentRequest carries the fields needed to book a visit.
type AppointmentRequest struct {
	PatientID  string `json:"patient_id"`
	Type       string `json:"type"`
	Datetime   string `json:"datetime"`
	ProviderID string `json:"provider_id,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// Insurance is a patient's coverage record.
type Insurance struct {
	PatientID     string `json:"patient_id"`
	Provider      string `json:"provider"`
	PolicyNumber  string `json:"policy_number"`
	GroupNumber   string `json:"group_number"`
	CoverageType  string `json:"coverage_type"`
	Copay         string `json:"copay"`
	Deductible    string `json:"deductible"`
	DeductibleMet string `json:"deductible_met"`
	Active        bool   `json:"active"`
}

// Provider is the CRM operation surface. Errors propagate to the calling
// adapter, which degrades to a user-safe message; raw detail never reaches
// a patient.
type Provider interface {
	Name() string
	GetPatientInfo(ctx context.Context, patientID string) (*Patient, error)
	GetPatientHistory(ctx context.Context, patientID string, limit int) ([]Interaction, error)
	CreateCase(ctx context.Context, patientID, subject, description, priority string) (*Case, error)
	UpdateCase(ctx context.Context, caseID string, updates map[string]any) (*CaseUpdate, error)
	LogConversation(ctx context.Context, patientID, summary, conversationID string, metadata map[string]any) (*ConversationLog, error)
	GetAppointments(ctx context.Context, patientID string, includePast bool) ([]Appointment, error)
	ScheduleAppointment(ctx context.Context, req AppointmentRequest) (*Appointment, error)
	GetInsuranceInfo(ctx context.Context, patientID string) (*Insurance, error)
}

// Config selects the CRM provider.
type Config struct {
	Provider string `yaml:"provider"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// NewProvider builds the provider named by cfg.Provider. The sql provider
// persists records through the shared storage layer; store may be nil for
// the others.
func NewProvider(cfg Config, store *storage.Store, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(cfg.Provider) {
	case "", "salesforce":
		return NewSalesforceProvider(cfg.Endpoint, cfg.APIKey, logger), nil
	case "sql":
		if store == nil {
			return nil, fmt.Errorf("sql crm provider requires storage")
		}
		return NewSQLProvider(store, logger), nil
	default:
		return nil, fmt.Errorf("unsupported crm provider: %s (supported: salesforce, sql)", cfg.Provider)
	}
}
