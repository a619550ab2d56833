package crm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rfontaine/carewire/pkg/carewire/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(storage.Config{
		Driver: storage.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "crm.db"),
	}, testLogger())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(Config{}, nil, testLogger())
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if p.Name() != "salesforce" {
		t.Errorf("default provider = %q, want salesforce", p.Name())
	}

	if _, err := NewProvider(Config{Provider: "sql"}, nil, testLogger()); err == nil {
		t.Error("want error for sql provider without storage")
	}

	_, err = NewProvider(Config{Provider: "epic"}, nil, testLogger())
	if err == nil {
		t.Fatal("want error for unsupported provider")
	}
	if !strings.Contains(err.Error(), "epic") {
		t.Errorf("error = %v, want provider name in message", err)
	}
}

func TestSalesforceProvider_GetPatientInfo(t *testing.T) {
	p := NewSalesforceProvider("", "", testLogger())

	pat, err := p.GetPatientInfo(context.Background(), "pat-42")
	if err != nil {
		t.Fatalf("GetPatientInfo failed: %v", err)
	}
	if pat.PatientID != "pat-42" {
		t.Errorf("patient ID = %q", pat.PatientID)
	}
	if pat.Email != "[REDACTED_EMAIL]" || pat.Phone != "[REDACTED_PHONE]" {
		t.Errorf("contact fields are not masked: %+v", pat)
	}
	if pat.PrimaryCarePhysician != "Dr. Sarah Johnson" {
		t.Errorf("pcp = %q", pat.PrimaryCarePhysician)
	}
}

func TestSalesforceProvider_GetPatientHistory(t *testing.T) {
	p := NewSalesforceProvider("", "", testLogger())

	history, err := p.GetPatientHistory(context.Background(), "pat-42", 0)
	if err != nil {
		t.Fatalf("GetPatientHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}

	history, err = p.GetPatientHistory(context.Background(), "pat-42", 1)
	if err != nil {
		t.Fatalf("GetPatientHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].ID != "hist_001" {
		t.Errorf("limited history = %+v, want just hist_001", history)
	}
}

func TestSalesforceProvider_CreateCase(t *testing.T) {
	p := NewSalesforceProvider("", "", testLogger())

	c, err := p.CreateCase(context.Background(), "pat-42", "Billing question", "Charge looks wrong", "")
	if err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}
	if !strings.HasPrefix(c.CaseID, "case_pat-42_") {
		t.Errorf("case ID = %q", c.CaseID)
	}
	if c.Priority != "normal" {
		t.Errorf("priority = %q, want normal default", c.Priority)
	}
	if c.Status != "new" {
		t.Errorf("status = %q, want new", c.Status)
	}
}

func TestSalesforceProvider_UpdateCase(t *testing.T) {
	p := NewSalesforceProvider("", "", testLogger())

	upd, err := p.UpdateCase(context.Background(), "case-1", map[string]any{
		"status":   "closed",
		"priority": "low",
	})
	if err != nil {
		t.Fatalf("UpdateCase failed: %v", err)
	}
	if len(upd.UpdatedFields) != 2 || upd.UpdatedFields[0] != "priority" || upd.UpdatedFields[1] != "status" {
		t.Errorf("updated fields = %v, want sorted [priority status]", upd.UpdatedFields)
	}
}

func TestSalesforceProvider_Appointments(t *testing.T) {
	p := NewSalesforceProvider("", "", testLogger())

	upcoming, err := p.GetAppointments(context.Background(), "pat-42", false)
	if err != nil {
		t.Fatalf("GetAppointments failed: %v", err)
	}
	if len(upcoming) != 1 || upcoming[0].Status != "scheduled" {
		t.Errorf("upcoming = %+v", upcoming)
	}

	all, err := p.GetAppointments(context.Background(), "pat-42", true)
	if err != nil {
		t.Fatalf("GetAppointments failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all appointments length = %d, want 2", len(all))
	}

	booked, err := p.ScheduleAppointment(context.Background(), AppointmentRequest{
		PatientID: "pat-42",
		Type:      "consultation",
		Datetime:  "2026-09-01T14:00:00Z",
	})
	if err != nil {
		t.Fatalf("ScheduleAppointment failed: %v", err)
	}
	if booked.Status != "scheduled" || booked.Type != "consultation" {
		t.Errorf("booked = %+v", booked)
	}
}

func TestSalesforceProvider_GetInsuranceInfo(t *testing.T) {
	p := NewSalesforceProvider("", "", testLogger())

	ins, err := p.GetInsuranceInfo(context.Background(), "pat-42")
	if err != nil {
		t.Fatalf("GetInsuranceInfo failed: %v", err)
	}
	if !ins.Active || ins.CoverageType != "PPO" {
		t.Errorf("insurance = %+v", ins)
	}
	if ins.PolicyNumber != "[REDACTED_POLICY]" {
		t.Errorf("policy number = %q, want masked", ins.PolicyNumber)
	}
}

func TestSQLProvider_PatientRoundTrip(t *testing.T) {
	store := openTestStore(t)
	p := NewSQLProvider(store, testLogger())

	pat := Patient{
		PatientID:            "pat-7",
		Name:                 "Jane Roe",
		InsuranceProvider:    "Aetna",
		PrimaryCarePhysician: "Dr. Lee",
	}
	if err := p.UpsertPatient(context.Background(), pat); err != nil {
		t.Fatalf("UpsertPatient failed: %v", err)
	}

	got, err := p.GetPatientInfo(context.Background(), "pat-7")
	if err != nil {
		t.Fatalf("GetPatientInfo failed: %v", err)
	}
	if got.Name != "Jane Roe" || got.InsuranceProvider != "Aetna" {
		t.Errorf("patient = %+v", got)
	}

	// Upsert replaces, not duplicates.
	pat.Name = "Jane R. Roe"
	if err := p.UpsertPatient(context.Background(), pat); err != nil {
		t.Fatalf("second UpsertPatient failed: %v", err)
	}
	got, err = p.GetPatientInfo(context.Background(), "pat-7")
	if err != nil {
		t.Fatalf("GetPatientInfo failed: %v", err)
	}
	if got.Name != "Jane R. Roe" {
		t.Errorf("name after upsert = %q", got.Name)
	}

	_, err = p.GetPatientInfo(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSQLProvider_CaseLifecycle(t *testing.T) {
	store := openTestStore(t)
	p := NewSQLProvider(store, testLogger())

	c, err := p.CreateCase(context.Background(), "pat-7", "Refill request", "Needs atorvastatin refill", "high")
	if err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}
	if c.Priority != "high" || c.Status != "new" {
		t.Errorf("case = %+v", c)
	}

	upd, err := p.UpdateCase(context.Background(), c.CaseID, map[string]any{
		"status":  "in_progress",
		"ignored": "value",
	})
	if err != nil {
		t.Fatalf("UpdateCase failed: %v", err)
	}
	if len(upd.UpdatedFields) != 1 || upd.UpdatedFields[0] != "status" {
		t.Errorf("updated fields = %v, want [status]", upd.UpdatedFields)
	}

	if _, err := p.UpdateCase(context.Background(), "case-missing", map[string]any{"status": "closed"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}

	if _, err := p.UpdateCase(context.Background(), c.CaseID, map[string]any{"ignored": "x"}); err == nil {
		t.Error("want error when no updatable fields present")
	}
}

func TestSQLProvider_Appointments(t *testing.T) {
	store := openTestStore(t)
	p := NewSQLProvider(store, testLogger())
	p.now = func() time.Time {
		return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	}

	past := AppointmentRequest{PatientID: "pat-7", Type: "checkup", Datetime: "2026-01-01T09:00:00Z"}
	future := AppointmentRequest{PatientID: "pat-7", Type: "follow-up", Datetime: "2027-01-01T09:00:00Z"}
	if _, err := p.ScheduleAppointment(context.Background(), past); err != nil {
		t.Fatalf("ScheduleAppointment failed: %v", err)
	}
	if _, err := p.ScheduleAppointment(context.Background(), future); err != nil {
		t.Fatalf("ScheduleAppointment failed: %v", err)
	}

	upcoming, err := p.GetAppointments(context.Background(), "pat-7", false)
	if err != nil {
		t.Fatalf("GetAppointments failed: %v", err)
	}
	if len(upcoming) != 1 || upcoming[0].Type != "follow-up" {
		t.Errorf("upcoming = %+v, want only the future visit", upcoming)
	}

	all, err := p.GetAppointments(context.Background(), "pat-7", true)
	if err != nil {
		t.Fatalf("GetAppointments failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all appointments length = %d, want 2", len(all))
	}
	if all[0].Type != "checkup" {
		t.Errorf("appointments not ordered by datetime: %+v", all)
	}
}

func TestSQLProvider_LogConversation(t *testing.T) {
	store := openTestStore(t)
	p := NewSQLProvider(store, testLogger())

	entry, err := p.LogConversation(context.Background(), "pat-7", "Discussed refill", "conv-9", nil)
	if err != nil {
		t.Fatalf("LogConversation failed: %v", err)
	}
	if !strings.HasPrefix(entry.LogID, "log_conv-9_") {
		t.Errorf("log ID = %q", entry.LogID)
	}
	if entry.Metadata == nil {
		t.Error("metadata should default to empty map")
	}
}

func TestSQLProvider_Insurance(t *testing.T) {
	store := openTestStore(t)
	p := NewSQLProvider(store, testLogger())

	ins := Insurance{
		PatientID:    "pat-7",
		Provider:     "Aetna",
		CoverageType: "HMO",
		Copay:        "$15",
		Active:       true,
	}
	if err := p.UpsertInsurance(context.Background(), ins); err != nil {
		t.Fatalf("UpsertInsurance failed: %v", err)
	}

	got, err := p.GetInsuranceInfo(context.Background(), "pat-7")
	if err != nil {
		t.Fatalf("GetInsuranceInfo failed: %v", err)
	}
	if got.CoverageType != "HMO" || !got.Active {
		t.Errorf("insurance = %+v", got)
	}

	_, err = p.GetInsuranceInfo(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
