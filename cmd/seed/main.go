package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/chanitypham/medcare-sub001/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, 4)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedUsers(context.Background(), pool, "doctor", 50); err != nil {
		log.Fatalf("seed doctors: %v", err)
	}
	if err := seedUsers(context.Background(), pool, "patient", 2000); err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedMedications(context.Background(), pool, 300); err != nil {
		log.Fatalf("seed medications: %v", err)
	}

	log.Println("seed complete")
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool, role string, count int) error {
	log.Printf("seeding %d users with role=%s", count, role)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		externalRef := fmt.Sprintf("idp|%s", gofakeit.UUID())
		nationalID := gofakeit.SSN()
		phone := gofakeit.Phone()
		dob := gofakeit.DateRange(
			time.Date(1935, time.January, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2010, time.December, 31, 0, 0, 0, 0, time.UTC),
		)

		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, external_ref, role, national_id, phone, date_of_birth, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		`, id, externalRef, role, nationalID, phone, dob)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func seedMedications(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d medications", count)

	forms := []string{
		"tablet",
		"capsule",
		"syrup",
		"injection",
		"ointment",
		"drops",
		"inhaler",
	}
	strengths := []string{"5mg", "10mg", "25mg", "50mg", "100mg", "250mg", "500mg"}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		name := fmt.Sprintf("%s %s %s",
			gofakeit.ProductName(),
			strengths[gofakeit.Number(0, len(strengths)-1)],
			forms[gofakeit.Number(0, len(forms)-1)],
		)
		description := gofakeit.Sentence(8)
		stock := gofakeit.Number(0, 500)
		price := decimal.NewFromFloat(gofakeit.Price(0.5, 120)).Round(2)

		_, err := tx.Exec(ctx, `
			INSERT INTO medications (id, name, description, stock_quantity, unit_price, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5::numeric, now(), now())
		`, id, name, description, stock, price.String())
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
