package crm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rfontaine/carewire/pkg/carewire/storage"
)

// Case columns an update may touch. Anything else in the updates map is
// ignored rather than interpolated into SQL.
var updatableCaseFields = []string{"subject", "description", "priority", "status"}

// SQLProvider persists CRM records through the shared storage layer.
type SQLProvider struct {
	store  *storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLProvider builds a provider over the given store. The store must
// already be open; its migrations create the crm_* tables.
func NewSQLProvider(store *storage.Store, logger *slog.Logger) *SQLProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLProvider{
		store:  store,
		logger: logger.With("component", "crm"),
		now:    time.Now,
	}
}

func (p *SQLProvider) Name() string { return "sql" }

// UpsertPatient loads or refreshes a patient record. Not part of the
// Provider surface; used by deployments to seed their panel.
func (p *SQLProvider) UpsertPatient(ctx context.Context, pat Patient) error {
	_, err := p.store.DB().ExecContext(ctx,
		p.store.Rebind(`INSERT INTO crm_patients
			(patient_id, name, email, phone, date_of_birth, insurance_provider, primary_care_physician)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (patient_id) DO UPDATE SET
				name = excluded.name,
				email = excluded.email,
				phone = excluded.phone,
				date_of_birth = excluded.date_of_birth,
				insurance_provider = excluded.insurance_provider,
				primary_care_physician = excluded.primary_care_physician`),
		pat.PatientID, pat.Name, pat.Email, pat.Phone, pat.DateOfBirth,
		pat.InsuranceProvider, pat.PrimaryCarePhysician,
	)
	if err != nil {
		return fmt.Errorf("upsert patient: %w", err)
	}
	return nil
}

// UpsertInsurance loads or refreshes a patient's coverage record.
func (p *SQLProvider) UpsertInsurance(ctx context.Context, ins Insurance) error {
	_, err := p.store.DB().ExecContext(ctx,
		p.store.Rebind(`INSERT INTO crm_insurance
			(patient_id, provider, policy_number, group_number, coverage_type, copay, deductible, deductible_met, active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (patient_id) DO UPDATE SET
				provider = excluded.provider,
				policy_number = excluded.policy_number,
				group_number = excluded.group_number,
				coverage_type = excluded.coverage_type,
				copay = excluded.copay,
				deductible = excluded.deductible,
				deductible_met = excluded.deductible_met,
				active = excluded.active`),
		ins.PatientID, ins.Provider, ins.PolicyNumber, ins.GroupNumber,
		ins.CoverageType, ins.Copay, ins.Deductible, ins.DeductibleMet, ins.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert insurance: %w", err)
	}
	return nil
}

func (p *SQLProvider) GetPatientInfo(ctx context.Context, patientID string) (*Patient, error) {
	row := p.store.DB().QueryRowContext(ctx,
		p.store.Rebind(`SELECT patient_id, name, email, phone, date_of_birth, insurance_provider, primary_care_physician
			FROM crm_patients WHERE patient_id = ?`),
		patientID,
	)
	var pat Patient
	err := row.Scan(&pat.PatientID, &pat.Name, &pat.Email, &pat.Phone,
		&pat.DateOfBirth, &pat.InsuranceProvider, &pat.PrimaryCarePhysician)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("patient %s: %w", patientID, ErrNotFound)
		}
		return nil, fmt.Errorf("get patient info: %w", err)
	}
	return &pat, nil
}

func (p *SQLProvider) GetPatientHistory(ctx context.Context, patientID string, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := p.store.DB().QueryContext(ctx,
		p.store.Rebind(`SELECT id, date, type, summary, provider, agent
			FROM crm_interactions WHERE patient_id = ?
			ORDER BY date DESC LIMIT ?`),
		patientID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get patient history: %w", err)
	}
	defer rows.Close()

	var history []Interaction
	for rows.Next() {
		var it Interaction
		if err := rows.Scan(&it.ID, &it.Date, &it.Type, &it.Summary, &it.Provider, &it.Agent); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		history = append(history, it)
	}
	return history, rows.Err()
}

func (p *SQLProvider) CreateCase(ctx context.Context, patientID, subject, description, priority string) (*Case, error) {
	if priority == "" {
		priority = defaultPriority
	}
	now := p.now().UTC()
	c := &Case{
		CaseID:      fmt.Sprintf("case_%s_%d", patientID, now.UnixNano()),
		PatientID:   patientID,
		Subject:     subject,
		Description: description,
		Priority:    priority,
		Status:      "new",
		CreatedAt:   now,
	}
	_, err := p.store.DB().ExecContext(ctx,
		p.store.Rebind(`INSERT INTO crm_cases
			(case_id, patient_id, subject, description, priority, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
		c.CaseID, c.PatientID, c.Subject, c.Description, c.Priority, c.Status,
		now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}
	p.logger.Info("case created", "case_id", c.CaseID, "patient_id", patientID)
	return c, nil
}

func (p *SQLProvider) UpdateCase(ctx context.Context, caseID string, updates map[string]any) (*CaseUpdate, error) {
	set := make([]string, 0, len(updatableCaseFields)+1)
	args := make([]any, 0, len(updatableCaseFields)+2)
	fields := make([]string, 0, len(updates))
	for _, col := range updatableCaseFields {
		val, ok := updates[col]
		if !ok {
			continue
		}
		set = append(set, col+" = ?")
		args = append(args, val)
		fields = append(fields, col)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("no updatable case fields in update")
	}

	updatedAt := p.now().UTC()
	set = append(set, "updated_at = ?")
	args = append(args, updatedAt.Format(time.RFC3339), caseID)

	query := p.store.Rebind("UPDATE crm_cases SET " + strings.Join(set, ", ") + " WHERE case_id = ?")
	res, err := p.store.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update case: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("case %s: %w", caseID, ErrNotFound)
	}
	return &CaseUpdate{CaseID: caseID, UpdatedFields: fields, UpdatedAt: updatedAt}, nil
}

func (p *SQLProvider) LogConversation(ctx context.Context, patientID, summary, conversationID string, metadata map[string]any) (*ConversationLog, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	now := p.now().UTC()
	entry := &ConversationLog{
		LogID:          fmt.Sprintf("log_%s_%d", conversationID, now.UnixNano()),
		PatientID:      patientID,
		ConversationID: conversationID,
		Summary:        summary,
		Metadata:       metadata,
		LoggedAt:       now,
	}
	_, err = p.store.DB().ExecContext(ctx,
		p.store.Rebind(`INSERT INTO crm_conversation_logs
			(log_id, patient_id, conversation_id, summary, metadata, logged_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
		entry.LogID, patientID, conversationID, summary, string(metaJSON),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("log conversation: %w", err)
	}
	return entry, nil
}

func (p *SQLProvider) GetAppointments(ctx context.Context, patientID string, includePast bool) ([]Appointment, error) {
	query := `SELECT appointment_id, patient_id, type, datetime, provider, provider_id, notes, status
		FROM crm_appointments WHERE patient_id = ?`
	args := []any{patientID}
	if !includePast {
		query += " AND datetime >= ?"
		args = append(args, p.now().UTC().Format(time.RFC3339))
	}
	query += " ORDER BY datetime"

	rows, err := p.store.DB().QueryContext(ctx, p.store.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("get appointments: %w", err)
	}
	defer rows.Close()

	var appts []Appointment
	for rows.Next() {
		var a Appointment
		err := rows.Scan(&a.AppointmentID, &a.PatientID, &a.Type, &a.Datetime,
			&a.Provider, &a.ProviderID, &a.Notes, &a.Status)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		appts = append(appts, a)
	}
	return appts, rows.Err()
}

func (p *SQLProvider) ScheduleAppointment(ctx context.Context, req AppointmentRequest) (*Appointment, error) {
	now := p.now().UTC()
	a := &Appointment{
		AppointmentID: fmt.Sprintf("appt_%s_%d", req.PatientID, now.UnixNano()),
		PatientID:     req.PatientID,
		Type:          req.Type,
		Datetime:      req.Datetime,
		ProviderID:    req.ProviderID,
		Notes:         req.Notes,
		Status:        "scheduled",
	}
	_, err := p.store.DB().ExecContext(ctx,
		p.store.Rebind(`INSERT INTO crm_appointments
			(appointment_id, patient_id, type, datetime, provider, provider_id, notes, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.AppointmentID, a.PatientID, a.Type, a.Datetime, a.Provider, a.ProviderID,
		a.Notes, a.Status, now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule appointment: %w", err)
	}
	p.logger.Info("appointment scheduled", "appointment_id", a.AppointmentID, "patient_id", req.PatientID)
	return a, nil
}

func (p *SQLProvider) GetInsuranceInfo(ctx context.Context, patientID string) (*Insurance, error) {
	row := p.store.DB().QueryRowContext(ctx,
		p.store.Rebind(`SELECT patient_id, provider, policy_number, group_number, coverage_type, copay, deductible, deductible_met, active
			FROM crm_insurance WHERE patient_id = ?`),
		patientID,
	)
	var ins Insurance
	err := row.Scan(&ins.PatientID, &ins.Provider, &ins.PolicyNumber, &ins.GroupNumber,
		&ins.CoverageType, &ins.Copay, &ins.Deductible, &ins.DeductibleMet, &ins.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("insurance for patient %s: %w", patientID, ErrNotFound)
		}
		return nil, fmt.Errorf("get insurance info: %w", err)
	}
	return &ins, nil
}
