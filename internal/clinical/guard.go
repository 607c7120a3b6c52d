package clinical

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrDoctorIsPatient     = errors.New("doctor and patient must differ")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrOutOfStock          = errors.New("out of stock")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrDeleteNotPermitted  = errors.New("deletion not permitted")
	ErrInvalidRole         = errors.New("invalid role")
	ErrDoctorRoleRequired  = errors.New("doctor reference must have the doctor role")
	ErrPatientRoleRequired = errors.New("patient reference must have the patient role")

	// ErrStockConsistency means stock went negative after a decrement that
	// followed a successful lock-and-read. That cannot happen unless the
	// locking discipline was bypassed, so it is a fatal consistency fault,
	// not a business rejection.
	ErrStockConsistency = errors.New("stock consistency violation: negative stock after decrement")
)

type EntityKind string

const (
	KindDiagnosis        EntityKind = "diagnosis"
	KindPrescriptionItem EntityKind = "prescription_item"
)

// ValidateDiagnosisSubjects enforces that a doctor is never the subject of
// their own diagnosis. Called on create and on any attempt to modify the
// subject pair.
func ValidateDiagnosisSubjects(doctorID, patientID uuid.UUID) error {
	if doctorID == patientID {
		return ErrDoctorIsPatient
	}
	return nil
}

// ValidateIssuanceQuantity checks a requested issuance against the stock
// read under lock. found reports whether the medication exists; when it is
// false currentStock is meaningless. Exactly one reason is reported, in
// fixed priority order: not found, invalid quantity, out of stock,
// insufficient stock.
func ValidateIssuanceQuantity(requestedQty, currentStock int, found bool) error {
	switch {
	case !found:
		return ErrMedicationNotFound
	case requestedQty <= 0:
		return ErrInvalidQuantity
	case currentStock == 0:
		return ErrOutOfStock
	case currentStock < requestedQty:
		return ErrInsufficientStock
	}
	return nil
}

// ValidateNoDelete rejects every delete attempt against diagnoses and
// prescription items. There is no override path.
func ValidateNoDelete(kind EntityKind) error {
	switch kind {
	case KindDiagnosis, KindPrescriptionItem:
		return ErrDeleteNotPermitted
	}
	return ErrDeleteNotPermitted
}

// IsRuleViolation reports whether err is a business-rule rejection: an
// expected outcome that is reported to the caller with its reason and never
// retried.
func IsRuleViolation(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrMedicationNotFound) ||
		errors.Is(err, ErrDiagnosisNotFound) ||
		errors.Is(err, ErrPrescriptionItemNotFound) ||
		errors.Is(err, ErrDoctorIsPatient) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrDeleteNotPermitted) ||
		errors.Is(err, ErrInvalidRole) ||
		errors.Is(err, ErrDoctorRoleRequired) ||
		errors.Is(err, ErrPatientRoleRequired)
}

// IsConsistencyFault reports whether err indicates an internal contradiction
// that must be surfaced loudly and never retried.
func IsConsistencyFault(err error) bool {
	return errors.Is(err, ErrStockConsistency)
}

// IsRetryable reports whether a bounded caller-driven retry might succeed:
// infrastructure faults qualify, rule violations and consistency faults do
// not.
func IsRetryable(err error) bool {
	return err != nil && !IsRuleViolation(err) && !IsConsistencyFault(err)
}
