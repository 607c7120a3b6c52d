package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/chanitypham/medcare-sub001/internal/clinical"
)

type RouterConfig struct {
	Service *clinical.Service
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Env     string
	Version string

	// Bounded retry budget for faulted issuances; rejections never retry.
	MaxIssueAttempts int
	IssueTimeout     time.Duration
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	issueTimeout := cfg.IssueTimeout
	if issueTimeout <= 0 {
		issueTimeout = 3 * time.Second
	}

	r.Post("/users", registerUserHandler(cfg.Service))
	r.Post("/users/{id}/onboard", onboardUserHandler(cfg.Service))

	r.Get("/medications", listMedicationsHandler(cfg.Service))
	r.Post("/medications", createMedicationHandler(cfg.Service))
	r.Get("/medications/{id}", getMedicationHandler(cfg.Service))
	r.Post("/medications/{id}/restock", restockMedicationHandler(cfg.Service))

	r.Post("/diagnoses", createDiagnosisHandler(cfg.Service))
	r.Get("/diagnoses/{id}", getDiagnosisHandler(cfg.Service))
	r.Delete("/diagnoses/{id}", deleteDiagnosisHandler(cfg.Service))
	r.Get("/patients/{id}/diagnoses", listPatientDiagnosesHandler(cfg.Service))

	r.Post("/prescription-items", issuePrescriptionItemHandler(cfg.Service, cfg.MaxIssueAttempts, issueTimeout))
	r.Delete("/prescription-items/{id}", deletePrescriptionItemHandler(cfg.Service))

	return r
}
