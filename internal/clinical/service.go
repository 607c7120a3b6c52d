package clinical

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chanitypham/medcare-sub001/internal/config"
)

const (
	EventDiagnosisCreated   = "DIAGNOSIS_CREATED"
	EventPrescriptionIssued = "PRESCRIPTION_ISSUED"
	EventMedicationRestock  = "MEDICATION_RESTOCKED"
	EventStockLow           = "STOCK_LOW"
)

// Service coordinates issuance and diagnosis creation across the stock
// ledger, the invariant checks, and the record store as single atomic units.
// It is the only mutation entry point for diagnoses, prescription items, and
// medication stock; nothing bypasses it.
//
// The service performs no internal retry: a faulted operation is rolled back
// completely and reported, and the caller decides whether to retry within
// its bounded attempt budget (IsRetryable).
type Service struct {
	repo   Repository
	locker Locker
	cfg    config.Config
}

func NewService(repo Repository, locker Locker, cfg config.Config) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
		cfg:    cfg,
	}
}

// CreateDiagnosis validates the subject pair and appends the diagnosis.
// actorID identifies the authenticated caller and is recorded in the event
// log; it is always passed explicitly, never taken from ambient state.
func (s *Service) CreateDiagnosis(ctx context.Context, actorID, patientID, doctorID uuid.UUID, text string, nextCheckup *time.Time) (*Diagnosis, error) {
	if err := ValidateDiagnosisSubjects(doctorID, patientID); err != nil {
		return nil, err
	}

	var created *Diagnosis

	err := s.repo.WithTx(ctx, func(tx Repository) error {
		doctor, err := tx.GetUserByID(ctx, doctorID)
		if err != nil {
			return fmt.Errorf("load doctor: %w", err)
		}
		if doctor.Role != RoleDoctor {
			return ErrDoctorRoleRequired
		}

		patient, err := tx.GetUserByID(ctx, patientID)
		if err != nil {
			return fmt.Errorf("load patient: %w", err)
		}
		if patient.Role != RolePatient {
			return ErrPatientRoleRequired
		}

		d, err := tx.AppendDiagnosis(ctx, patientID, doctorID, text, nextCheckup)
		if err != nil {
			return fmt.Errorf("append diagnosis: %w", err)
		}
		created = d

		return s.logEvent(ctx, tx, EventDiagnosisCreated, actorID, d.ID, map[string]any{
			"patient_id": patientID.String(),
			"doctor_id":  doctorID.String(),
		})
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// IssuePrescriptionItem issues a quantity of a medication against a
// diagnosis, decrementing stock exactly once in the same transaction.
//
// Per medication the flow is serialized: the lock lease is taken first, then
// inside one transaction the stock row is locked and read, the quantity is
// validated against the reading, the item is appended, and the stock is
// decremented. Any rejection or fault rolls the transaction back, leaving
// stock and records untouched.
func (s *Service) IssuePrescriptionItem(ctx context.Context, actorID, diagnosisID, medicationID uuid.UUID, quantity int, usageGuide, duration string) (*IssuanceResult, error) {
	// Parent check outside the lock keeps the critical section short; the
	// append re-checks inside the transaction.
	if _, err := s.repo.GetDiagnosisByID(ctx, diagnosisID); err != nil {
		if errors.Is(err, ErrDiagnosisNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load diagnosis: %w", err)
	}

	var result *IssuanceResult

	err := s.locker.WithMedicationLock(ctx, medicationID, func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			stock, err := tx.LockMedicationStock(lockCtx, medicationID)
			found := true
			switch {
			case errors.Is(err, ErrMedicationNotFound):
				found = false
				stock = 0
			case err != nil:
				return fmt.Errorf("lock medication stock: %w", err)
			}

			if err := ValidateIssuanceQuantity(quantity, stock, found); err != nil {
				return err
			}

			item, err := tx.AppendPrescriptionItem(lockCtx, diagnosisID, medicationID, quantity, usageGuide, duration)
			if err != nil {
				return fmt.Errorf("append prescription item: %w", err)
			}

			remaining, err := tx.DecrementStock(lockCtx, medicationID, quantity)
			if err != nil {
				if errors.Is(err, ErrStockConsistency) {
					// The lock discipline was bypassed somewhere. Surface
					// loudly; the rollback undoes the decrement and the item.
					log.Printf("CONSISTENCY VIOLATION: medication %s stock %d after decrement of %d",
						medicationID, remaining, quantity)
					return err
				}
				return fmt.Errorf("decrement stock: %w", err)
			}

			if err := s.logEvent(lockCtx, tx, EventPrescriptionIssued, actorID, item.ID, map[string]any{
				"diagnosis_id":    diagnosisID.String(),
				"medication_id":   medicationID.String(),
				"quantity":        quantity,
				"remaining_stock": remaining,
			}); err != nil {
				return err
			}

			result = &IssuanceResult{Item: item, RemainingStock: remaining}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// DeleteDiagnosis always rejects. Diagnoses are append-only; the operation
// exists so the immutability is explicit and testable.
func (s *Service) DeleteDiagnosis(ctx context.Context, actorID, id uuid.UUID) error {
	if _, err := s.repo.GetDiagnosisByID(ctx, id); err != nil {
		return err
	}
	return ValidateNoDelete(KindDiagnosis)
}

// DeletePrescriptionItem always rejects, as DeleteDiagnosis.
func (s *Service) DeletePrescriptionItem(ctx context.Context, actorID, id uuid.UUID) error {
	if _, err := s.repo.GetPrescriptionItemByID(ctx, id); err != nil {
		return err
	}
	return ValidateNoDelete(KindPrescriptionItem)
}

// RestockMedication adds stock through the same lock discipline as issuance.
func (s *Service) RestockMedication(ctx context.Context, actorID, medicationID uuid.UUID, quantity int) (int, error) {
	if quantity <= 0 {
		return 0, ErrInvalidQuantity
	}

	var remaining int

	err := s.locker.WithMedicationLock(ctx, medicationID, func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			if _, err := tx.LockMedicationStock(lockCtx, medicationID); err != nil {
				return err
			}

			r, err := tx.IncrementStock(lockCtx, medicationID, quantity)
			if err != nil {
				return fmt.Errorf("increment stock: %w", err)
			}
			remaining = r

			return s.logEvent(lockCtx, tx, EventMedicationRestock, actorID, medicationID, map[string]any{
				"quantity":        quantity,
				"remaining_stock": remaining,
			})
		})
	})
	if err != nil {
		return 0, err
	}

	return remaining, nil
}

// AddMedication registers a new medication. Administrative path.
func (s *Service) AddMedication(ctx context.Context, actorID uuid.UUID, name, description string, stock int, unitPrice decimal.Decimal) (*Medication, error) {
	if stock < 0 {
		return nil, ErrInvalidQuantity
	}
	if unitPrice.IsNegative() {
		return nil, fmt.Errorf("%w: negative unit price", ErrInvalidQuantity)
	}
	return s.repo.CreateMedication(ctx, name, description, stock, unitPrice)
}

// RegisterUser records a user on the first event from the identity provider.
func (s *Service) RegisterUser(ctx context.Context, externalRef string) (*User, error) {
	return s.repo.CreateUser(ctx, externalRef)
}

// OnboardUser assigns a role and fills in the onboarding fields.
func (s *Service) OnboardUser(ctx context.Context, actorID, userID uuid.UUID, role Role, nationalID, phone string, dateOfBirth time.Time) (*User, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	return s.repo.OnboardUser(ctx, userID, role, nationalID, phone, dateOfBirth)
}

// Read surface. Committed records are read-only shared state, no locking.

func (s *Service) GetMedication(ctx context.Context, id uuid.UUID) (*Medication, error) {
	return s.repo.GetMedicationByID(ctx, id)
}

func (s *Service) ListMedications(ctx context.Context, limit, offset int) ([]Medication, error) {
	limit, offset = clampPage(limit, offset)
	return s.repo.ListMedications(ctx, limit, offset)
}

func (s *Service) GetDiagnosis(ctx context.Context, id uuid.UUID) (*DiagnosisDetail, error) {
	d, err := s.repo.GetDiagnosisByID(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListPrescriptionItemsByDiagnosis(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list prescription items: %w", err)
	}
	return &DiagnosisDetail{Diagnosis: *d, Items: items}, nil
}

func (s *Service) GetPrescriptionItem(ctx context.Context, id uuid.UUID) (*PrescriptionItem, error) {
	return s.repo.GetPrescriptionItemByID(ctx, id)
}

func (s *Service) ListDiagnosesByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Diagnosis, error) {
	limit, offset = clampPage(limit, offset)
	return s.repo.ListDiagnosesByPatient(ctx, patientID, limit, offset)
}

// ReportLowStock records a STOCK_LOW event for every medication at or below
// the configured threshold. Called periodically by the stock monitor.
func (s *Service) ReportLowStock(ctx context.Context) ([]Medication, error) {
	low, err := s.repo.ListMedicationsBelow(ctx, s.cfg.LowStockThreshold)
	if err != nil {
		return nil, fmt.Errorf("list low stock medications: %w", err)
	}

	for _, med := range low {
		err := s.logEvent(ctx, s.repo, EventStockLow, uuid.Nil, med.ID, map[string]any{
			"name":      med.Name,
			"stock":     med.StockQuantity,
			"threshold": s.cfg.LowStockThreshold,
		})
		if err != nil {
			log.Printf("failed to record low stock event for %s: %v", med.ID, err)
		}
	}

	return low, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// logEvent writes an audit event on the same repository handle as the
// surrounding mutation, so the event commits or rolls back with it.
func (s *Service) logEvent(ctx context.Context, repo Repository, eventType string, actorID, subjectID uuid.UUID, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload for %s: %w", eventType, err)
	}

	ev := EventLog{
		EventType: eventType,
		SubjectID: &subjectID,
		Payload:   data,
		CreatedAt: time.Now(),
	}
	if actorID != uuid.Nil {
		actor := actorID
		ev.ActorID = &actor
	}

	if err := repo.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert event log %s: %w", eventType, err)
	}
	return nil
}
