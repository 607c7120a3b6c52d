package clinical

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrUserNotFound             = errors.New("user not found")
	ErrMedicationNotFound       = errors.New("medication not found")
	ErrDiagnosisNotFound        = errors.New("diagnosis not found")
	ErrPrescriptionItemNotFound = errors.New("prescription item not found")
)

// Repository contains all datastore interactions needed by the service.
//
// Diagnoses and prescription items are append-only: the contract has no
// update or delete for either. Stock mutation must happen inside WithTx,
// after LockMedicationStock has taken the exclusive hold on the row.
type Repository interface {
	// WithTx executes fn within a transaction. The hold taken by
	// LockMedicationStock is released when the transaction ends, on both
	// the commit and the rollback path.
	WithTx(ctx context.Context, fn func(tx Repository) error) error

	CreateUser(ctx context.Context, externalRef string) (*User, error)
	OnboardUser(ctx context.Context, id uuid.UUID, role Role, nationalID, phone string, dateOfBirth time.Time) (*User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)

	CreateMedication(ctx context.Context, name, description string, stock int, unitPrice decimal.Decimal) (*Medication, error)
	GetMedicationByID(ctx context.Context, id uuid.UUID) (*Medication, error)
	ListMedications(ctx context.Context, limit, offset int) ([]Medication, error)
	ListMedicationsBelow(ctx context.Context, threshold int) ([]Medication, error)

	// LockMedicationStock acquires an exclusive hold on the medication's
	// stock row for the rest of the enclosing transaction and returns the
	// current stock. Concurrent callers for the same medication block until
	// the holder's transaction ends; other medications are unaffected.
	LockMedicationStock(ctx context.Context, id uuid.UUID) (int, error)

	// DecrementStock decrements unconditionally and returns the remaining
	// stock. Callers must have validated sufficiency after
	// LockMedicationStock; a negative result is reported as
	// ErrStockConsistency and must abort the transaction.
	DecrementStock(ctx context.Context, id uuid.UUID, quantity int) (int, error)

	// IncrementStock restocks. Same lock discipline as DecrementStock.
	IncrementStock(ctx context.Context, id uuid.UUID, quantity int) (int, error)

	AppendDiagnosis(ctx context.Context, patientID, doctorID uuid.UUID, text string, nextCheckup *time.Time) (*Diagnosis, error)
	GetDiagnosisByID(ctx context.Context, id uuid.UUID) (*Diagnosis, error)
	ListDiagnosesByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Diagnosis, error)

	AppendPrescriptionItem(ctx context.Context, diagnosisID, medicationID uuid.UUID, quantity int, usageGuide, duration string) (*PrescriptionItem, error)
	GetPrescriptionItemByID(ctx context.Context, id uuid.UUID) (*PrescriptionItem, error)
	ListPrescriptionItemsByDiagnosis(ctx context.Context, diagnosisID uuid.UUID) ([]PrescriptionItem, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

// Locker guards the critical section of an issuance per medication, so that
// concurrent issuances against the same medication serialize while issuances
// against different medications proceed independently. Acquisition waits
// until the context expires.
type Locker interface {
	WithMedicationLock(ctx context.Context, medicationID uuid.UUID, fn func(ctx context.Context) error) error
}
