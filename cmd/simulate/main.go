package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chanitypham/medcare-sub001/internal/db"
)

// The simulator hammers the issuance endpoint with concurrent workers and
// then checks the conservation law against the database: for every
// medication, initial stock minus the sum of successfully issued quantities
// must equal final stock.

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	Medications int
	Patients    int
	PostgresDSN string
}

func loadSimConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:  getEnv("API_BASE_URL", "http://127.0.0.1:8080"),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 20),
		Medications: getInt("SIM_MEDICATIONS", 5),
		Patients:    getInt("SIM_PATIENTS", 50),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
	}
	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}
	return cfg
}

type medTarget struct {
	ID           uuid.UUID
	InitialStock int
	issued       int64 // atomic, successfully issued quantity
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Rejected  int64
	Error     int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status == http.StatusCreated:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		atomic.AddInt64(&om.Rejected, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.latencies))
	copy(latencies, om.latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	avg = total / time.Duration(len(latencies))
	p50 = latencies[len(latencies)/2]
	p95 = latencies[len(latencies)*95/100]
	max = latencies[len(latencies)-1]
	return avg, p50, p95, max
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cfg := loadSimConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, 4)
	cancel()
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	doctorID, err := pickUser(pool, "doctor")
	if err != nil {
		log.Fatalf("pick doctor: %v", err)
	}
	patients, err := pickUsers(pool, "patient", cfg.Patients)
	if err != nil {
		log.Fatalf("pick patients: %v", err)
	}
	if len(patients) == 0 {
		log.Fatal("no patients in the database; run cmd/seed first")
	}
	targets, err := pickMedications(pool, cfg.Medications)
	if err != nil {
		log.Fatalf("pick medications: %v", err)
	}
	if len(targets) == 0 {
		log.Fatal("no medications with stock in the database; run cmd/seed first")
	}

	client := &http.Client{Timeout: 10 * time.Second}

	diagnoses := make([]uuid.UUID, 0, len(patients))
	for _, patientID := range patients {
		d, err := createDiagnosis(client, cfg.APIBaseURL, doctorID, patientID)
		if err != nil {
			log.Fatalf("create diagnosis for %s: %v", patientID, err)
		}
		diagnoses = append(diagnoses, d)
	}
	log.Printf("created %d diagnoses, targeting %d medications with %d workers for %s",
		len(diagnoses), len(targets), cfg.Workers, cfg.Duration)

	metrics := &OperationMetrics{}
	deadline := time.Now().Add(cfg.Duration)

	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for time.Now().Before(deadline) {
				target := targets[rng.Intn(len(targets))]
				diagnosisID := diagnoses[rng.Intn(len(diagnoses))]
				qty := 1 + rng.Intn(3)

				start := time.Now()
				status, err := issue(client, cfg.APIBaseURL, doctorID, diagnosisID, target.ID, qty)
				metrics.Record(time.Since(start), status)
				if err == nil && status == http.StatusCreated {
					atomic.AddInt64(&target.issued, int64(qty))
				}
			}
		}(time.Now().UnixNano() + int64(w))
	}
	wg.Wait()

	report(pool, targets, metrics)
}

func report(pool *pgxpool.Pool, targets []*medTarget, metrics *OperationMetrics) {
	avg, p50, p95, max := metrics.Stats()
	fmt.Printf("\n=== issuance load report ===\n")
	fmt.Printf("total=%d success=%d rejected=%d error=%d\n",
		metrics.Total, metrics.Success, metrics.Rejected, metrics.Error)
	fmt.Printf("latency avg=%s p50=%s p95=%s max=%s\n", avg, p50, p95, max)

	violations := 0
	for _, target := range targets {
		var finalStock int
		err := pool.QueryRow(context.Background(), `
			SELECT stock_quantity FROM medications WHERE id = $1
		`, target.ID).Scan(&finalStock)
		if err != nil {
			log.Printf("read final stock for %s: %v", target.ID, err)
			violations++
			continue
		}

		issued := atomic.LoadInt64(&target.issued)
		expected := target.InitialStock - int(issued)
		ok := finalStock == expected && finalStock >= 0
		if !ok {
			violations++
		}
		fmt.Printf("medication %s: initial=%d issued=%d final=%d expected=%d ok=%t\n",
			target.ID, target.InitialStock, issued, finalStock, expected, ok)
	}

	if violations > 0 {
		log.Fatalf("conservation check FAILED for %d medications", violations)
	}
	fmt.Println("conservation check passed for all medications")
}

func createDiagnosis(client *http.Client, baseURL string, doctorID, patientID uuid.UUID) (uuid.UUID, error) {
	body, _ := json.Marshal(map[string]any{
		"patient_id":     patientID.String(),
		"doctor_id":      doctorID.String(),
		"diagnosis_text": "load simulation diagnosis",
	})

	req, err := http.NewRequest(http.MethodPost, baseURL+"/diagnoses", bytes.NewReader(body))
	if err != nil {
		return uuid.Nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", doctorID.String())

	resp, err := client.Do(req)
	if err != nil {
		return uuid.Nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return uuid.Nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, data)
	}

	var out struct {
		ID uuid.UUID `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return uuid.Nil, err
	}
	return out.ID, nil
}

func issue(client *http.Client, baseURL string, actorID, diagnosisID, medicationID uuid.UUID, qty int) (int, error) {
	body, _ := json.Marshal(map[string]any{
		"diagnosis_id":  diagnosisID.String(),
		"medication_id": medicationID.String(),
		"quantity":      qty,
		"usage_guide":   "one with meals",
		"duration":      "7 days",
	})

	req, err := http.NewRequest(http.MethodPost, baseURL+"/prescription-items", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", actorID.String())

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

func pickUser(pool *pgxpool.Pool, role string) (uuid.UUID, error) {
	var id uuid.UUID
	err := pool.QueryRow(context.Background(), `
		SELECT id FROM users WHERE role = $1 LIMIT 1
	`, role).Scan(&id)
	return id, err
}

func pickUsers(pool *pgxpool.Pool, role string, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(context.Background(), `
		SELECT id FROM users WHERE role = $1 LIMIT $2
	`, role, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func pickMedications(pool *pgxpool.Pool, limit int) ([]*medTarget, error) {
	rows, err := pool.Query(context.Background(), `
		SELECT id, stock_quantity
		FROM medications
		WHERE stock_quantity > 0
		ORDER BY stock_quantity DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []*medTarget
	for rows.Next() {
		t := &medTarget{}
		if err := rows.Scan(&t.ID, &t.InitialStock); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
