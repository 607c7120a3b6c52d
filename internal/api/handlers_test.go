package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanitypham/medcare-sub001/internal/api"
	"github.com/chanitypham/medcare-sub001/internal/clinical"
	"github.com/chanitypham/medcare-sub001/internal/config"
)

type testServer struct {
	handler   http.Handler
	repo      *clinical.MemoryRepository
	doctorID  uuid.UUID
	patientID uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	repo := clinical.NewMemoryRepository()
	svc := clinical.NewService(repo, clinical.NewKeyedLocker(), config.Config{LowStockThreshold: 5})

	ctx := context.Background()
	dob := time.Date(1975, time.May, 20, 0, 0, 0, 0, time.UTC)

	doctor, err := repo.CreateUser(ctx, "idp|doc")
	require.NoError(t, err)
	_, err = repo.OnboardUser(ctx, doctor.ID, clinical.RoleDoctor, "DOC-1", "+1-555-0001", dob)
	require.NoError(t, err)

	patient, err := repo.CreateUser(ctx, "idp|pat")
	require.NoError(t, err)
	_, err = repo.OnboardUser(ctx, patient.ID, clinical.RolePatient, "PAT-1", "+1-555-0002", dob)
	require.NoError(t, err)

	handler := api.NewRouter(api.RouterConfig{
		Service:          svc,
		Env:              "test",
		Version:          "test",
		MaxIssueAttempts: 3,
		IssueTimeout:     time.Second,
	})

	return &testServer{
		handler:   handler,
		repo:      repo,
		doctorID:  doctor.ID,
		patientID: patient.ID,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, actor uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != uuid.Nil {
		req.Header.Set("X-Actor-ID", actor.String())
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func (ts *testServer) medication(t *testing.T, stock int) uuid.UUID {
	t.Helper()
	med, err := ts.repo.CreateMedication(context.Background(), "Paracetamol 500mg", "", stock, decimal.RequireFromString("0.90"))
	require.NoError(t, err)
	return med.ID
}

func (ts *testServer) diagnosis(t *testing.T) uuid.UUID {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/diagnoses", ts.doctorID, map[string]any{
		"patient_id":     ts.patientID.String(),
		"doctor_id":      ts.doctorID.String(),
		"diagnosis_text": "seasonal allergy",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[api.DiagnosisResponse](t, rec).ID
}

func TestCreateDiagnosisHandler(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/diagnoses", ts.doctorID, map[string]any{
		"patient_id":     ts.patientID.String(),
		"doctor_id":      ts.doctorID.String(),
		"diagnosis_text": "seasonal allergy",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decodeBody[api.DiagnosisResponse](t, rec)
	assert.Equal(t, ts.patientID, resp.PatientID)
	assert.Equal(t, ts.doctorID, resp.DoctorID)
}

func TestCreateDiagnosisHandler_DoctorIsPatient(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/diagnoses", ts.doctorID, map[string]any{
		"patient_id":     ts.doctorID.String(),
		"doctor_id":      ts.doctorID.String(),
		"diagnosis_text": "self",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "doctor_is_patient", decodeBody[api.ErrorResponse](t, rec).Error)
}

func TestCreateDiagnosisHandler_MissingActor(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/diagnoses", uuid.Nil, map[string]any{
		"patient_id":     ts.patientID.String(),
		"doctor_id":      ts.doctorID.String(),
		"diagnosis_text": "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIssueHandler_FullFlow(t *testing.T) {
	ts := newTestServer(t)
	medID := ts.medication(t, 10)
	diagID := ts.diagnosis(t)

	rec := ts.do(t, http.MethodPost, "/prescription-items", ts.doctorID, map[string]any{
		"diagnosis_id":  diagID.String(),
		"medication_id": medID.String(),
		"quantity":      4,
		"usage_guide":   "one after meals",
		"duration":      "7 days",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decodeBody[api.IssuanceResponse](t, rec)
	assert.Equal(t, 6, resp.RemainingStock)
	assert.Equal(t, 4, resp.Item.Quantity)

	// Insufficient stock is a conflict with the specific reason
	rec = ts.do(t, http.MethodPost, "/prescription-items", ts.doctorID, map[string]any{
		"diagnosis_id":  diagID.String(),
		"medication_id": medID.String(),
		"quantity":      10,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_stock", decodeBody[api.ErrorResponse](t, rec).Error)

	// Stock unchanged by the rejection
	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/medications/%s", medID), uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 6, decodeBody[api.MedicationResponse](t, rec).StockQuantity)
}

func TestIssueHandler_Rejections(t *testing.T) {
	ts := newTestServer(t)
	emptyMed := ts.medication(t, 0)
	medID := ts.medication(t, 5)
	diagID := ts.diagnosis(t)

	tests := []struct {
		name     string
		medID    uuid.UUID
		diagID   uuid.UUID
		qty      int
		wantCode int
		wantErr  string
	}{
		{"out of stock", emptyMed, diagID, 1, http.StatusConflict, "out_of_stock"},
		{"zero quantity", medID, diagID, 0, http.StatusUnprocessableEntity, "invalid_quantity"},
		{"negative quantity", medID, diagID, -1, http.StatusUnprocessableEntity, "invalid_quantity"},
		{"unknown medication", uuid.New(), diagID, 1, http.StatusNotFound, "medication_not_found"},
		{"unknown diagnosis", medID, uuid.New(), 1, http.StatusNotFound, "diagnosis_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/prescription-items", ts.doctorID, map[string]any{
				"diagnosis_id":  tt.diagID.String(),
				"medication_id": tt.medID.String(),
				"quantity":      tt.qty,
			})
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantErr, decodeBody[api.ErrorResponse](t, rec).Error)
		})
	}
}

func TestDeleteHandlers_AlwaysForbidden(t *testing.T) {
	ts := newTestServer(t)
	medID := ts.medication(t, 10)
	diagID := ts.diagnosis(t)

	rec := ts.do(t, http.MethodPost, "/prescription-items", ts.doctorID, map[string]any{
		"diagnosis_id":  diagID.String(),
		"medication_id": medID.String(),
		"quantity":      1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	itemID := decodeBody[api.IssuanceResponse](t, rec).Item.ID

	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/diagnoses/%s", diagID), ts.doctorID, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "delete_not_permitted", decodeBody[api.ErrorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/prescription-items/%s", itemID), ts.doctorID, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Both records are still retrievable
	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/diagnoses/%s", diagID), uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[api.DiagnosisDetailResponse](t, rec)
	require.Len(t, detail.Items, 1)
	assert.Equal(t, itemID, detail.Items[0].ID)
}

func TestMedicationHandlers(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/medications", ts.doctorID, map[string]any{
		"name":           "Loratadine 10mg",
		"description":    "antihistamine",
		"stock_quantity": 25,
		"unit_price":     "2.40",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	med := decodeBody[api.MedicationResponse](t, rec)
	assert.Equal(t, "2.40", med.UnitPrice)

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/medications/%s/restock", med.ID), ts.doctorID, map[string]any{
		"quantity": 25,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, decodeBody[api.RestockResponse](t, rec).RemainingStock)

	rec = ts.do(t, http.MethodGet, "/medications", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]api.MedicationResponse](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, 50, list[0].StockQuantity)
}

func TestUserHandlers(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/users", uuid.Nil, map[string]any{
		"external_ref": "idp|abc123",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	user := decodeBody[api.UserResponse](t, rec)
	assert.Equal(t, "unset", user.Role)

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/users/%s/onboard", user.ID), ts.doctorID, map[string]any{
		"role":          "patient",
		"national_id":   "PAT-42",
		"phone":         "+1-555-0042",
		"date_of_birth": "1990-01-02T00:00:00Z",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	onboarded := decodeBody[api.UserResponse](t, rec)
	assert.Equal(t, "patient", onboarded.Role)
}

// faultingRepo counts lock acquisitions (one per issuance attempt) and makes
// AppendPrescriptionItem fail a fixed number of times, exercising the retry
// loop in the issuance handler.
type faultingRepo struct {
	clinical.Repository
	lockCalls *int32
	failures  *int32
}

func (f *faultingRepo) WithTx(ctx context.Context, fn func(tx clinical.Repository) error) error {
	return f.Repository.WithTx(ctx, func(tx clinical.Repository) error {
		return fn(&faultingRepo{Repository: tx, lockCalls: f.lockCalls, failures: f.failures})
	})
}

func (f *faultingRepo) LockMedicationStock(ctx context.Context, id uuid.UUID) (int, error) {
	atomic.AddInt32(f.lockCalls, 1)
	return f.Repository.LockMedicationStock(ctx, id)
}

func (f *faultingRepo) AppendPrescriptionItem(ctx context.Context, diagnosisID, medicationID uuid.UUID, quantity int, usageGuide, duration string) (*clinical.PrescriptionItem, error) {
	if atomic.AddInt32(f.failures, -1) >= 0 {
		return nil, errors.New("storage offline")
	}
	return f.Repository.AppendPrescriptionItem(ctx, diagnosisID, medicationID, quantity, usageGuide, duration)
}

type faultingServer struct {
	handler   http.Handler
	repo      *clinical.MemoryRepository
	lockCalls int32
	failures  int32
	doctorID  uuid.UUID
	diagID    uuid.UUID
	medID     uuid.UUID
}

func newFaultingServer(t *testing.T, failures int32, stock int) *faultingServer {
	t.Helper()

	ctx := context.Background()
	repo := clinical.NewMemoryRepository()

	doctor, err := repo.CreateUser(ctx, "idp|doc")
	require.NoError(t, err)
	patient, err := repo.CreateUser(ctx, "idp|pat")
	require.NoError(t, err)
	diag, err := repo.AppendDiagnosis(ctx, patient.ID, doctor.ID, "bronchitis", nil)
	require.NoError(t, err)
	med, err := repo.CreateMedication(ctx, "Azithromycin 250mg", "", stock, decimal.RequireFromString("4.10"))
	require.NoError(t, err)

	fs := &faultingServer{
		repo:     repo,
		failures: failures,
		doctorID: doctor.ID,
		diagID:   diag.ID,
		medID:    med.ID,
	}

	svc := clinical.NewService(
		&faultingRepo{Repository: repo, lockCalls: &fs.lockCalls, failures: &fs.failures},
		clinical.NewKeyedLocker(),
		config.Config{},
	)
	fs.handler = api.NewRouter(api.RouterConfig{
		Service:          svc,
		Env:              "test",
		Version:          "test",
		MaxIssueAttempts: 3,
		IssueTimeout:     time.Second,
	})
	return fs
}

func (fs *faultingServer) issue(t *testing.T, qty int) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"diagnosis_id":  fs.diagID.String(),
		"medication_id": fs.medID.String(),
		"quantity":      qty,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/prescription-items", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", fs.doctorID.String())

	rec := httptest.NewRecorder()
	fs.handler.ServeHTTP(rec, req)
	return rec
}

func TestIssueHandler_RetriesFaultWithinBudget(t *testing.T) {
	fs := newFaultingServer(t, 1, 10)

	rec := fs.issue(t, 2)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 8, decodeBody[api.IssuanceResponse](t, rec).RemainingStock)

	// First attempt faulted, second succeeded
	assert.Equal(t, int32(2), atomic.LoadInt32(&fs.lockCalls))
}

func TestIssueHandler_ExhaustsRetryBudget(t *testing.T) {
	fs := newFaultingServer(t, 100, 10)

	rec := fs.issue(t, 2)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", decodeBody[api.ErrorResponse](t, rec).Error)

	// Exactly MaxIssueAttempts attempts, then the fault surfaced
	assert.Equal(t, int32(3), atomic.LoadInt32(&fs.lockCalls))

	// Every attempt rolled back: stock untouched, no item recorded
	med, err := fs.repo.GetMedicationByID(context.Background(), fs.medID)
	require.NoError(t, err)
	assert.Equal(t, 10, med.StockQuantity)
	items, err := fs.repo.ListPrescriptionItemsByDiagnosis(context.Background(), fs.diagID)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestIssueHandler_RejectionIsNeverRetried(t *testing.T) {
	fs := newFaultingServer(t, 0, 5)

	rec := fs.issue(t, 50)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_stock", decodeBody[api.ErrorResponse](t, rec).Error)

	// A business rejection consumes exactly one attempt
	assert.Equal(t, int32(1), atomic.LoadInt32(&fs.lockCalls))
}

func TestHealthHandlers(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health/live", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody[api.LivenessResponse](t, rec).Status)

	rec = ts.do(t, http.MethodGet, "/health/ready", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
