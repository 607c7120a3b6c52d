package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/chanitypham/medcare-sub001/internal/clinical"
)

type CreateDiagnosisRequest struct {
	PatientID     string     `json:"patient_id"`
	DoctorID      string     `json:"doctor_id"`
	DiagnosisText string     `json:"diagnosis_text"`
	NextCheckupAt *time.Time `json:"next_checkup_at,omitempty"`
}

type DiagnosisResponse struct {
	ID            uuid.UUID  `json:"id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	DoctorID      uuid.UUID  `json:"doctor_id"`
	DiagnosisText string     `json:"diagnosis_text"`
	NextCheckupAt *time.Time `json:"next_checkup_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type DiagnosisDetailResponse struct {
	DiagnosisResponse
	Items []PrescriptionItemResponse `json:"items"`
}

type IssuePrescriptionRequest struct {
	DiagnosisID  string `json:"diagnosis_id"`
	MedicationID string `json:"medication_id"`
	Quantity     int    `json:"quantity"`
	UsageGuide   string `json:"usage_guide"`
	Duration     string `json:"duration"`
}

type PrescriptionItemResponse struct {
	ID           uuid.UUID `json:"id"`
	DiagnosisID  uuid.UUID `json:"diagnosis_id"`
	MedicationID uuid.UUID `json:"medication_id"`
	Quantity     int       `json:"quantity"`
	UsageGuide   string    `json:"usage_guide"`
	Duration     string    `json:"duration"`
	CreatedAt    time.Time `json:"created_at"`
}

type IssuanceResponse struct {
	Item           PrescriptionItemResponse `json:"item"`
	RemainingStock int                      `json:"remaining_stock"`
}

type CreateMedicationRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	StockQuantity int    `json:"stock_quantity"`
	UnitPrice     string `json:"unit_price"`
}

type RestockRequest struct {
	Quantity int `json:"quantity"`
}

type RestockResponse struct {
	MedicationID   uuid.UUID `json:"medication_id"`
	RemainingStock int       `json:"remaining_stock"`
}

type MedicationResponse struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	StockQuantity int       `json:"stock_quantity"`
	UnitPrice     string    `json:"unit_price"`
}

type RegisterUserRequest struct {
	ExternalRef string `json:"external_ref"`
}

type OnboardUserRequest struct {
	Role        string    `json:"role"`
	NationalID  string    `json:"national_id"`
	Phone       string    `json:"phone"`
	DateOfBirth time.Time `json:"date_of_birth"`
}

type UserResponse struct {
	ID          uuid.UUID  `json:"id"`
	ExternalRef string     `json:"external_ref"`
	Role        string     `json:"role"`
	NationalID  *string    `json:"national_id,omitempty"`
	Phone       *string    `json:"phone,omitempty"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toDiagnosisResponse(d *clinical.Diagnosis) DiagnosisResponse {
	return DiagnosisResponse{
		ID:            d.ID,
		PatientID:     d.PatientID,
		DoctorID:      d.DoctorID,
		DiagnosisText: d.DiagnosisText,
		NextCheckupAt: d.NextCheckupAt,
		CreatedAt:     d.CreatedAt,
	}
}

func toPrescriptionItemResponse(p *clinical.PrescriptionItem) PrescriptionItemResponse {
	return PrescriptionItemResponse{
		ID:           p.ID,
		DiagnosisID:  p.DiagnosisID,
		MedicationID: p.MedicationID,
		Quantity:     p.Quantity,
		UsageGuide:   p.UsageGuide,
		Duration:     p.Duration,
		CreatedAt:    p.CreatedAt,
	}
}

func toMedicationResponse(m *clinical.Medication) MedicationResponse {
	return MedicationResponse{
		ID:            m.ID,
		Name:          m.Name,
		Description:   m.Description,
		StockQuantity: m.StockQuantity,
		UnitPrice:     m.UnitPrice.StringFixed(2),
	}
}

func toUserResponse(u *clinical.User) UserResponse {
	return UserResponse{
		ID:          u.ID,
		ExternalRef: u.ExternalRef,
		Role:        string(u.Role),
		NationalID:  u.NationalID,
		Phone:       u.Phone,
		DateOfBirth: u.DateOfBirth,
	}
}
