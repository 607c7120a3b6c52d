package clinical

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleUnset   Role = "unset"
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
	RoleAdmin   Role = "admin"
)

// Valid reports whether the role is one an onboarded user may hold.
// RoleUnset is only ever assigned by RegisterUser.
func (r Role) Valid() bool {
	switch r {
	case RoleDoctor, RolePatient, RoleAdmin:
		return true
	}
	return false
}

// User is created on the first event from the identity provider and is
// onboarded later. This service never deletes users; the identity provider
// owns their lifecycle.
type User struct {
	ID          uuid.UUID
	ExternalRef string
	Role        Role
	NationalID  *string
	Phone       *string
	DateOfBirth *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Medication carries the single authoritative stock counter. StockQuantity
// must never go negative; all mutation goes through LockMedicationStock
// followed by DecrementStock or IncrementStock in the same transaction.
type Medication struct {
	ID            uuid.UUID
	Name          string
	Description   string
	StockQuantity int
	UnitPrice     decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Diagnosis is append-only: once committed it can never be updated or
// deleted. DoctorID and PatientID must always differ.
type Diagnosis struct {
	ID            uuid.UUID
	PatientID     uuid.UUID
	DoctorID      uuid.UUID
	DiagnosisText string
	NextCheckupAt *time.Time
	CreatedAt     time.Time
}

// PrescriptionItem is append-only. Every committed item has a matching stock
// decrement of exactly Quantity applied in the same transaction.
type PrescriptionItem struct {
	ID           uuid.UUID
	DiagnosisID  uuid.UUID
	MedicationID uuid.UUID
	Quantity     int
	UsageGuide   string
	Duration     string
	CreatedAt    time.Time
}

// DiagnosisDetail is a diagnosis hydrated with its prescription items.
type DiagnosisDetail struct {
	Diagnosis
	Items []PrescriptionItem
}

// IssuanceResult is returned on a committed issuance.
type IssuanceResult struct {
	Item           *PrescriptionItem
	RemainingStock int
}

type EventLog struct {
	ID        int64
	EventType string
	ActorID   *uuid.UUID
	SubjectID *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}
