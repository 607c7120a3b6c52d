package clinical

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryRepository is an in-memory Repository for tests and local
// development. WithTx simulates a transaction with a snapshot that is
// restored on error, so rejected and faulted operations leave no partial
// effects, matching the Postgres implementation.
type MemoryRepository struct {
	mu    sync.RWMutex
	state *memState
	inTx  bool
}

type memState struct {
	users       map[uuid.UUID]User
	medications map[uuid.UUID]Medication
	diagnoses   map[uuid.UUID]Diagnosis
	items       map[uuid.UUID]PrescriptionItem
	events      []EventLog
	nextEventID int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: &memState{
			users:       make(map[uuid.UUID]User),
			medications: make(map[uuid.UUID]Medication),
			diagnoses:   make(map[uuid.UUID]Diagnosis),
			items:       make(map[uuid.UUID]PrescriptionItem),
			nextEventID: 1,
		},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		users:       make(map[uuid.UUID]User, len(s.users)),
		medications: make(map[uuid.UUID]Medication, len(s.medications)),
		diagnoses:   make(map[uuid.UUID]Diagnosis, len(s.diagnoses)),
		items:       make(map[uuid.UUID]PrescriptionItem, len(s.items)),
		events:      make([]EventLog, len(s.events)),
		nextEventID: s.nextEventID,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.medications {
		c.medications[k] = v
	}
	for k, v := range s.diagnoses {
		c.diagnoses[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	copy(c.events, s.events)
	return c
}

// WithTx holds the store-wide write lock for the duration of fn and restores
// a pre-transaction snapshot if fn fails. Nested calls reuse the enclosing
// transaction.
func (m *MemoryRepository) WithTx(_ context.Context, fn func(tx Repository) error) error {
	if m.inTx {
		return fn(m)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	txRepo := &MemoryRepository{state: m.state, inTx: true}

	if err := fn(txRepo); err != nil {
		*m.state = *snapshot
		return err
	}
	return nil
}

func (m *MemoryRepository) read(fn func(s *memState)) {
	if !m.inTx {
		m.mu.RLock()
		defer m.mu.RUnlock()
	}
	fn(m.state)
}

func (m *MemoryRepository) write(fn func(s *memState)) {
	if !m.inTx {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	fn(m.state)
}

// Users

func (m *MemoryRepository) CreateUser(_ context.Context, externalRef string) (*User, error) {
	var u User
	m.write(func(s *memState) {
		now := time.Now()
		u = User{
			ID:          uuid.New(),
			ExternalRef: externalRef,
			Role:        RoleUnset,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		s.users[u.ID] = u
	})
	return &u, nil
}

func (m *MemoryRepository) OnboardUser(_ context.Context, id uuid.UUID, role Role, nationalID, phone string, dateOfBirth time.Time) (*User, error) {
	var u User
	var err error
	m.write(func(s *memState) {
		existing, ok := s.users[id]
		if !ok {
			err = ErrUserNotFound
			return
		}
		existing.Role = role
		existing.NationalID = &nationalID
		existing.Phone = &phone
		dob := dateOfBirth
		existing.DateOfBirth = &dob
		existing.UpdatedAt = time.Now()
		s.users[id] = existing
		u = existing
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (m *MemoryRepository) GetUserByID(_ context.Context, id uuid.UUID) (*User, error) {
	var u User
	var err error
	m.read(func(s *memState) {
		existing, ok := s.users[id]
		if !ok {
			err = ErrUserNotFound
			return
		}
		u = existing
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Medications

func (m *MemoryRepository) CreateMedication(_ context.Context, name, description string, stock int, unitPrice decimal.Decimal) (*Medication, error) {
	var med Medication
	m.write(func(s *memState) {
		now := time.Now()
		med = Medication{
			ID:            uuid.New(),
			Name:          name,
			Description:   description,
			StockQuantity: stock,
			UnitPrice:     unitPrice,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		s.medications[med.ID] = med
	})
	return &med, nil
}

func (m *MemoryRepository) GetMedicationByID(_ context.Context, id uuid.UUID) (*Medication, error) {
	var med Medication
	var err error
	m.read(func(s *memState) {
		existing, ok := s.medications[id]
		if !ok {
			err = ErrMedicationNotFound
			return
		}
		med = existing
	})
	if err != nil {
		return nil, err
	}
	return &med, nil
}

func (m *MemoryRepository) ListMedications(_ context.Context, limit, offset int) ([]Medication, error) {
	var result []Medication
	m.read(func(s *memState) {
		for _, med := range s.medications {
			result = append(result, med)
		}
	})
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return paginate(result, limit, offset), nil
}

func (m *MemoryRepository) ListMedicationsBelow(_ context.Context, threshold int) ([]Medication, error) {
	var result []Medication
	m.read(func(s *memState) {
		for _, med := range s.medications {
			if med.StockQuantity <= threshold {
				result = append(result, med)
			}
		}
	})
	sort.Slice(result, func(i, j int) bool {
		if result[i].StockQuantity != result[j].StockQuantity {
			return result[i].StockQuantity < result[j].StockQuantity
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// LockMedicationStock reads the stock under the transaction's store-wide
// lock. The in-memory store has no row locks; exclusivity comes from WithTx
// holding the write lock, with the per-medication Locker serializing
// issuances above it.
func (m *MemoryRepository) LockMedicationStock(_ context.Context, id uuid.UUID) (int, error) {
	var stock int
	var err error
	m.read(func(s *memState) {
		existing, ok := s.medications[id]
		if !ok {
			err = ErrMedicationNotFound
			return
		}
		stock = existing.StockQuantity
	})
	return stock, err
}

func (m *MemoryRepository) DecrementStock(_ context.Context, id uuid.UUID, quantity int) (int, error) {
	return m.adjustStock(id, -quantity)
}

func (m *MemoryRepository) IncrementStock(_ context.Context, id uuid.UUID, quantity int) (int, error) {
	return m.adjustStock(id, quantity)
}

func (m *MemoryRepository) adjustStock(id uuid.UUID, delta int) (int, error) {
	var remaining int
	var err error
	m.write(func(s *memState) {
		existing, ok := s.medications[id]
		if !ok {
			err = ErrMedicationNotFound
			return
		}
		existing.StockQuantity += delta
		existing.UpdatedAt = time.Now()
		s.medications[id] = existing
		remaining = existing.StockQuantity
		if remaining < 0 {
			err = ErrStockConsistency
		}
	})
	return remaining, err
}

// Diagnoses

func (m *MemoryRepository) AppendDiagnosis(_ context.Context, patientID, doctorID uuid.UUID, text string, nextCheckup *time.Time) (*Diagnosis, error) {
	var d Diagnosis
	m.write(func(s *memState) {
		d = Diagnosis{
			ID:            uuid.New(),
			PatientID:     patientID,
			DoctorID:      doctorID,
			DiagnosisText: text,
			NextCheckupAt: nextCheckup,
			CreatedAt:     time.Now(),
		}
		s.diagnoses[d.ID] = d
	})
	return &d, nil
}

func (m *MemoryRepository) GetDiagnosisByID(_ context.Context, id uuid.UUID) (*Diagnosis, error) {
	var d Diagnosis
	var err error
	m.read(func(s *memState) {
		existing, ok := s.diagnoses[id]
		if !ok {
			err = ErrDiagnosisNotFound
			return
		}
		d = existing
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (m *MemoryRepository) ListDiagnosesByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Diagnosis, error) {
	var result []Diagnosis
	m.read(func(s *memState) {
		for _, d := range s.diagnoses {
			if d.PatientID == patientID {
				result = append(result, d)
			}
		}
	})
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID.String() < result[j].ID.String()
	})
	return paginate(result, limit, offset), nil
}

// Prescription items

func (m *MemoryRepository) AppendPrescriptionItem(_ context.Context, diagnosisID, medicationID uuid.UUID, quantity int, usageGuide, duration string) (*PrescriptionItem, error) {
	var p PrescriptionItem
	var err error
	m.write(func(s *memState) {
		if _, ok := s.diagnoses[diagnosisID]; !ok {
			err = ErrDiagnosisNotFound
			return
		}
		p = PrescriptionItem{
			ID:           uuid.New(),
			DiagnosisID:  diagnosisID,
			MedicationID: medicationID,
			Quantity:     quantity,
			UsageGuide:   usageGuide,
			Duration:     duration,
			CreatedAt:    time.Now(),
		}
		s.items[p.ID] = p
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *MemoryRepository) GetPrescriptionItemByID(_ context.Context, id uuid.UUID) (*PrescriptionItem, error) {
	var p PrescriptionItem
	var err error
	m.read(func(s *memState) {
		existing, ok := s.items[id]
		if !ok {
			err = ErrPrescriptionItemNotFound
			return
		}
		p = existing
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *MemoryRepository) ListPrescriptionItemsByDiagnosis(_ context.Context, diagnosisID uuid.UUID) ([]PrescriptionItem, error) {
	var result []PrescriptionItem
	m.read(func(s *memState) {
		for _, p := range s.items {
			if p.DiagnosisID == diagnosisID {
				result = append(result, p)
			}
		}
	})
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID.String() < result[j].ID.String()
	})
	return result, nil
}

// Events

func (m *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	m.write(func(s *memState) {
		ev.ID = s.nextEventID
		s.nextEventID++
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now()
		}
		s.events = append(s.events, ev)
	})
	return nil
}

// Events returns a copy of the event log, oldest first. Test helper.
func (m *MemoryRepository) Events() []EventLog {
	var result []EventLog
	m.read(func(s *memState) {
		result = make([]EventLog, len(s.events))
		copy(result, s.events)
	})
	return result
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
