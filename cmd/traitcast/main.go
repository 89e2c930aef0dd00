package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"traitcast/adapters/api"
	"traitcast/adapters/artifacts"
	"traitcast/adapters/excel"
	"traitcast/adapters/phylo"
	"traitcast/adapters/postgres"
	"traitcast/app"
	"traitcast/internal"
	"traitcast/internal/config"
	"traitcast/ports"
)

// defaultPassThreshold is the probability above which a species counts as
// suitable when the request does not override it.
const defaultPassThreshold = 0.5

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := internal.NewDefaultLogger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	repo, cleanup, err := buildRepository(cfg, logger)
	if err != nil {
		log.Fatalf("artifact repository error: %v", err)
	}
	defer cleanup()

	var distance ports.DistanceMatrixPort
	if cfg.Paths.DistanceFile != "" {
		matrix, err := phylo.LoadCSV(cfg.Paths.DistanceFile)
		if err != nil {
			log.Fatalf("distance matrix error: %v", err)
		}
		distance = matrix
		logger.Info("phylogenetic distance matrix loaded from %s", cfg.Paths.DistanceFile)
	}

	source := excel.NewTableReader(cfg.Paths.TraitFile)
	pipeline := app.NewPipelineService(cfg, logger, source, repo, distance)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := pipeline.Run(ctx)
	if err != nil {
		log.Fatalf("pipeline failed: %v", err)
	}

	simulator, err := app.NewSimulator(result, cfg)
	if err != nil {
		log.Fatalf("simulator setup failed: %v", err)
	}

	server := api.NewServer(simulator, logger, defaultPassThreshold)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("suitability API listening on :%s (run %s)", cfg.Server.Port, result.RunID)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

// buildRepository prefers postgres when DATABASE_URL is set, otherwise falls
// back to the JSON file store.
func buildRepository(cfg *config.Config, logger *internal.Logger) (ports.ArtifactRepositoryPort, func(), error) {
	if cfg.Database.URL == "" {
		store, err := artifacts.NewStore(cfg.Paths.ArtifactDir)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("artifacts will be written to %s", cfg.Paths.ArtifactDir)
		return store, func() {}, nil
	}

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	repo, err := postgres.NewArtifactRepository(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Info("artifacts will be stored in postgres")
	return repo, func() { db.Close() }, nil
}
