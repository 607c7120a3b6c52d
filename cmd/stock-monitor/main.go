package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/chanitypham/medcare-sub001/internal/clinical"
	"github.com/chanitypham/medcare-sub001/internal/config"
	"github.com/chanitypham/medcare-sub001/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("stock-monitor starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running stock monitor in env=%s interval=%s threshold=%d",
		cfg.Env, cfg.WorkerInterval, cfg.LowStockThreshold)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.PgMaxConns)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	log.Println("connected to Postgres")

	repo := clinical.NewPgRepository(pgPool)
	// The monitor only reads and appends events; no per-medication lock needed.
	svc := clinical.NewService(repo, clinical.NewKeyedLocker(), cfg)

	// Run once at startup
	runOnce(rootCtx, svc)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Println("shutdown signal received, stopping stock monitor")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc)
		}
	}
}

func runOnce(ctx context.Context, svc *clinical.Service) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	low, err := svc.ReportLowStock(runCtx)
	if err != nil {
		log.Printf("stock monitor run error: %v", err)
		return
	}

	for _, med := range low {
		log.Printf("low stock: %s (%s) stock=%d", med.Name, med.ID, med.StockQuantity)
	}
	log.Printf("stock monitor run complete in %s, %d medications low", time.Since(start), len(low))
}
