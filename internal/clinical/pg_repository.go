package clinical

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so the same repository
// code serves plain reads and transactional writes.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	db   DBTX
	pool *pgxpool.Pool // nil when this repository is scoped to a transaction
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{db: pool, pool: pool}
}

// WithTx runs fn against a transaction-scoped repository. Nested calls reuse
// the enclosing transaction. Row locks taken inside fn are released when the
// transaction commits or rolls back.
func (r *PgRepository) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	if r.pool == nil {
		return fn(r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&PgRepository{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Helpers

func scanUser(row pgx.Row) (*User, error) {
	var u User

	err := row.Scan(
		&u.ID,
		&u.ExternalRef,
		&u.Role,
		&u.NationalID,
		&u.Phone,
		&u.DateOfBirth,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return &u, nil
}

func scanMedication(row pgx.Row) (*Medication, error) {
	var m Medication
	var price string

	err := row.Scan(
		&m.ID,
		&m.Name,
		&m.Description,
		&m.StockQuantity,
		&price,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMedicationNotFound
		}
		return nil, err
	}

	m.UnitPrice, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse unit price %q: %w", price, err)
	}
	return &m, nil
}

func scanDiagnosis(row pgx.Row) (*Diagnosis, error) {
	var d Diagnosis
	var nextCheckup *time.Time

	err := row.Scan(
		&d.ID,
		&d.PatientID,
		&d.DoctorID,
		&d.DiagnosisText,
		&nextCheckup,
		&d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDiagnosisNotFound
		}
		return nil, err
	}

	d.NextCheckupAt = nextCheckup
	return &d, nil
}

func scanPrescriptionItem(row pgx.Row) (*PrescriptionItem, error) {
	var p PrescriptionItem

	err := row.Scan(
		&p.ID,
		&p.DiagnosisID,
		&p.MedicationID,
		&p.Quantity,
		&p.UsageGuide,
		&p.Duration,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPrescriptionItemNotFound
		}
		return nil, err
	}

	return &p, nil
}

// Users

func (r *PgRepository) CreateUser(ctx context.Context, externalRef string) (*User, error) {
	id := uuid.New()

	row := r.db.QueryRow(ctx, `
		INSERT INTO users (id, external_ref, role, created_at, updated_at)
		VALUES ($1, $2, 'unset', now(), now())
		RETURNING id, external_ref, role, national_id, phone, date_of_birth, created_at, updated_at
	`, id, externalRef)

	return scanUser(row)
}

func (r *PgRepository) OnboardUser(ctx context.Context, id uuid.UUID, role Role, nationalID, phone string, dateOfBirth time.Time) (*User, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE users
		SET role = $2,
		    national_id = $3,
		    phone = $4,
		    date_of_birth = $5,
		    updated_at = now()
		WHERE id = $1
		RETURNING id, external_ref, role, national_id, phone, date_of_birth, created_at, updated_at
	`, id, role, nationalID, phone, dateOfBirth)

	return scanUser(row)
}

func (r *PgRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, external_ref, role, national_id, phone, date_of_birth, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

// Medications

func (r *PgRepository) CreateMedication(ctx context.Context, name, description string, stock int, unitPrice decimal.Decimal) (*Medication, error) {
	id := uuid.New()

	row := r.db.QueryRow(ctx, `
		INSERT INTO medications (id, name, description, stock_quantity, unit_price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, now(), now())
		RETURNING id, name, description, stock_quantity, unit_price::text, created_at, updated_at
	`, id, name, description, stock, unitPrice.String())

	return scanMedication(row)
}

func (r *PgRepository) GetMedicationByID(ctx context.Context, id uuid.UUID) (*Medication, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, description, stock_quantity, unit_price::text, created_at, updated_at
		FROM medications
		WHERE id = $1
	`, id)
	return scanMedication(row)
}

func (r *PgRepository) ListMedications(ctx context.Context, limit, offset int) ([]Medication, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, description, stock_quantity, unit_price::text, created_at, updated_at
		FROM medications
		ORDER BY name
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectMedications(rows)
}

func (r *PgRepository) ListMedicationsBelow(ctx context.Context, threshold int) ([]Medication, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, description, stock_quantity, unit_price::text, created_at, updated_at
		FROM medications
		WHERE stock_quantity <= $1
		ORDER BY stock_quantity, name
	`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectMedications(rows)
}

func collectMedications(rows pgx.Rows) ([]Medication, error) {
	var result []Medication
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) LockMedicationStock(ctx context.Context, id uuid.UUID) (int, error) {
	var stock int

	err := r.db.QueryRow(ctx, `
		SELECT stock_quantity
		FROM medications
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrMedicationNotFound
		}
		return 0, fmt.Errorf("lock medication stock: %w", err)
	}

	return stock, nil
}

func (r *PgRepository) DecrementStock(ctx context.Context, id uuid.UUID, quantity int) (int, error) {
	var remaining int

	err := r.db.QueryRow(ctx, `
		UPDATE medications
		SET stock_quantity = stock_quantity - $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING stock_quantity
	`, id, quantity).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrMedicationNotFound
		}
		return 0, fmt.Errorf("decrement stock: %w", err)
	}

	if remaining < 0 {
		return remaining, ErrStockConsistency
	}
	return remaining, nil
}

func (r *PgRepository) IncrementStock(ctx context.Context, id uuid.UUID, quantity int) (int, error) {
	var remaining int

	err := r.db.QueryRow(ctx, `
		UPDATE medications
		SET stock_quantity = stock_quantity + $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING stock_quantity
	`, id, quantity).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrMedicationNotFound
		}
		return 0, fmt.Errorf("increment stock: %w", err)
	}

	return remaining, nil
}

// Diagnoses

func (r *PgRepository) AppendDiagnosis(ctx context.Context, patientID, doctorID uuid.UUID, text string, nextCheckup *time.Time) (*Diagnosis, error) {
	id := uuid.New()

	row := r.db.QueryRow(ctx, `
		INSERT INTO diagnoses (id, patient_id, doctor_id, diagnosis_text, next_checkup_at, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, patient_id, doctor_id, diagnosis_text, next_checkup_at, created_at
	`, id, patientID, doctorID, text, nextCheckup)

	return scanDiagnosis(row)
}

func (r *PgRepository) GetDiagnosisByID(ctx context.Context, id uuid.UUID) (*Diagnosis, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, patient_id, doctor_id, diagnosis_text, next_checkup_at, created_at
		FROM diagnoses
		WHERE id = $1
	`, id)
	return scanDiagnosis(row)
}

func (r *PgRepository) ListDiagnosesByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Diagnosis, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, patient_id, doctor_id, diagnosis_text, next_checkup_at, created_at
		FROM diagnoses
		WHERE patient_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Diagnosis
	for rows.Next() {
		d, err := scanDiagnosis(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Prescription items

func (r *PgRepository) AppendPrescriptionItem(ctx context.Context, diagnosisID, medicationID uuid.UUID, quantity int, usageGuide, duration string) (*PrescriptionItem, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM diagnoses WHERE id = $1)
	`, diagnosisID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check parent diagnosis: %w", err)
	}
	if !exists {
		return nil, ErrDiagnosisNotFound
	}

	id := uuid.New()

	row := r.db.QueryRow(ctx, `
		INSERT INTO prescription_items (id, diagnosis_id, medication_id, quantity, usage_guide, duration, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING id, diagnosis_id, medication_id, quantity, usage_guide, duration, created_at
	`, id, diagnosisID, medicationID, quantity, usageGuide, duration)

	return scanPrescriptionItem(row)
}

func (r *PgRepository) GetPrescriptionItemByID(ctx context.Context, id uuid.UUID) (*PrescriptionItem, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, diagnosis_id, medication_id, quantity, usage_guide, duration, created_at
		FROM prescription_items
		WHERE id = $1
	`, id)
	return scanPrescriptionItem(row)
}

func (r *PgRepository) ListPrescriptionItemsByDiagnosis(ctx context.Context, diagnosisID uuid.UUID) ([]PrescriptionItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, diagnosis_id, medication_id, quantity, usage_guide, duration, created_at
		FROM prescription_items
		WHERE diagnosis_id = $1
		ORDER BY created_at, id
	`, diagnosisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []PrescriptionItem
	for rows.Next() {
		p, err := scanPrescriptionItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Events

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, actor_id, subject_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.ActorID, ev.SubjectID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
