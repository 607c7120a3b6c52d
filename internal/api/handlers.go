package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chanitypham/medcare-sub001/internal/clinical"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// actorID reads the authenticated caller identity supplied by the identity
// layer. It is trusted as given; this service does not re-authenticate.
func actorID(r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-Actor-ID")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func parsePathID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}

func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, clinical.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user_not_found", err.Error())
	case errors.Is(err, clinical.ErrMedicationNotFound):
		writeError(w, http.StatusNotFound, "medication_not_found", err.Error())
	case errors.Is(err, clinical.ErrDiagnosisNotFound):
		writeError(w, http.StatusNotFound, "diagnosis_not_found", err.Error())
	case errors.Is(err, clinical.ErrPrescriptionItemNotFound):
		writeError(w, http.StatusNotFound, "prescription_item_not_found", err.Error())
	case errors.Is(err, clinical.ErrDoctorIsPatient):
		writeError(w, http.StatusUnprocessableEntity, "doctor_is_patient", err.Error())
	case errors.Is(err, clinical.ErrInvalidQuantity):
		writeError(w, http.StatusUnprocessableEntity, "invalid_quantity", err.Error())
	case errors.Is(err, clinical.ErrOutOfStock):
		writeError(w, http.StatusConflict, "out_of_stock", err.Error())
	case errors.Is(err, clinical.ErrInsufficientStock):
		writeError(w, http.StatusConflict, "insufficient_stock", err.Error())
	case errors.Is(err, clinical.ErrDeleteNotPermitted):
		writeError(w, http.StatusForbidden, "delete_not_permitted", err.Error())
	case errors.Is(err, clinical.ErrInvalidRole),
		errors.Is(err, clinical.ErrDoctorRoleRequired),
		errors.Is(err, clinical.ErrPatientRoleRequired):
		writeError(w, http.StatusUnprocessableEntity, "role_violation", err.Error())
	case clinical.IsConsistencyFault(err):
		// Must be visible in logs, but internals stay out of the response.
		log.Printf("consistency fault: %v", err)
		writeError(w, http.StatusInternalServerError, "consistency_violation", "internal consistency violation")
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected failure, please retry later")
	}
}

func registerUserHandler(svc *clinical.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterUserRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.ExternalRef == "" {
			writeError(w, http.StatusBadRequest, "invalid_external_ref", "external_ref is required")
			return
		}

		user, err := svc.RegisterUser(r.Context(), req.ExternalRef)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toUserResponse(user))
	}
}

func onboardUserHandler(svc *clinical.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_actor", "X-Actor-ID must be a valid UUID")
			return
		}

		userID, err := parsePathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_user_id", "id must be a valid UUID")
			return
		}

		var req OnboardUserRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		user, err := svc.OnboardUser(r.Context(), actor, userID, clinical.Role(req.Role), req.NationalID, req.Phone, req.DateOfBirth)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toUserResponse(user))
	}
}

func createDiagnosisHandler(svc *clinical.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_actor", "X-Actor-ID must be a valid UUID")
			return
		}

		var req CreateDiagnosisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		d, err := svc.CreateDiagnosis(r.Context(), actor, patientID, doctorID, req.DiagnosisText, req.NextCheckupAt)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toDiagnosisResponse(d))
	}
}

func getDiagnosisHandler(svc *clinical.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parsePathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_diagnosis_id", "id must be a valid UUID")
			return
		}

		detail, err := svc.GetDiagnosis(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		resp := DiagnosisDetailResponse{
			DiagnosisResponse: toDiagnosisResponse(&detail.Diagnosis),
			Items:             make([]PrescriptionItemResponse, 0, len(detail.Items)),
		}
		for i := range detail.Items {
			resp.Items = append(resp.Items, toPrescriptionItemResponse(&detail.Items[i]))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func deleteDiagnosisHandler(svc *clinical.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_actor", "X-Actor-ID must be a valid UUID")
			return
		}

		id, err := parsePathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_diagnosis_id", "id must be a valid UUID")
			return
		}

		if err := svc.DeleteDiagnosis(r.Context(), actor, id); err != nil {
			handleDomainError(w, err)
			return
		}
	}
}

func deletePrescriptionItemHandler(svc *clinical.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_actor", "X-Actor-ID must be a valid UUID")
			return
		}

		id, err := parsePathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_prescription_item_id", "id must be a valid UUID")
			return
		}

		if err := svc.DeletePrescriptionItem(r.Context(), actor, id); err != nil {
			handleDomainError(w, err)
			return
		}
	}
}

func listPatientDiagnosesHandler(svc *clinical.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, err := parsePathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "id must be a valid UUID")
			return
		}

		limit := queryInt(r, "limit", 20)
		offset := queryInt(r, "offset", 0)

		diagnoses, err := svc.ListDiagnosesByPatient(r.Context(), patientID, limit, offset)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		resp := make([]DiagnosisResponse, 0, len(diagnoses))
		for i := range diagnoses {
			resp = append(resp, toDiagnosisResponse(&diagnoses[i]))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// issuePrescriptionItemHandler drives one issuance with a bounded retry
// budget: business rejections and consistency faults return immediately,
// infrastructure faults are retried up to maxAttempts before surfacing.
func issuePrescriptionItemHandler(svc *clinical.Service, maxAttempts int, attemptTimeout time.Duration) http.HandlerFunc {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_actor", "X-Actor-ID must be a valid UUID")
			return
		}

		var req IssuePrescriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		diagnosisID, err := uuid.Parse(req.DiagnosisID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_diagnosis_id", "diagnosis_id must be a valid UUID")
			return
		}

		medicationID, err := uuid.Parse(req.MedicationID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_medication_id", "medication_id must be a valid UUID")
			return
		}

		var result *clinical.IssuanceResult
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			attemptCtx, cancel := context.WithTimeout(r.Context(), attemptTimeout)
			result, err = svc.IssuePrescriptionItem(attemptCtx, actor, diagnosisID, medicationID, req.Quantity, req.UsageGuide, req.Duration)
			cancel()

			if err == nil || !clinical.IsRetryable(err) {
				break
			}
			if r.Context().Err() != nil {
				break
			}
			log.Printf("issuance attempt %d/%d failed: %v", attempt, maxAttempts, err)
		}
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, IssuanceResponse{
			Item:           toPrescriptionItemResponse(result.Item),
			RemainingStock: result.RemainingStock,
		})
	}
}

func listMedicationsHandler(svc *clinical.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 20)
		offset := queryInt(r, "offset", 0)

		meds, err := svc.ListMedications(r.Context(), limit, offset)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		resp := make([]MedicationResponse, 0, len(meds))
		for i := range meds {
			resp = append(resp, toMedicationResponse(&meds[i]))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func getMedicationHandler(svc *clinical.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parsePathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_medication_id", "id must be a valid UUID")
			return
		}

		med, err := svc.GetMedication(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toMedicationResponse(med))
	}
}

func createMedicationHandler(svc *clinical.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_actor", "X-Actor-ID must be a valid UUID")
			return
		}

		var req CreateMedicationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		price, err := decimal.NewFromString(req.UnitPrice)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_unit_price", "unit_price must be a decimal string")
			return
		}

		med, err := svc.AddMedication(r.Context(), actor, req.Name, req.Description, req.StockQuantity, price)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toMedicationResponse(med))
	}
}

func restockMedicationHandler(svc *clinical.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_actor", "X-Actor-ID must be a valid UUID")
			return
		}

		id, err := parsePathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_medication_id", "id must be a valid UUID")
			return
		}

		var req RestockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		remaining, err := svc.RestockMedication(r.Context(), actor, id, req.Quantity)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, RestockResponse{MedicationID: id, RemainingStock: remaining})
	}
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
