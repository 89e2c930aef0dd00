// Package postgres persists run artifacts as JSON payloads keyed by run and
// artifact kind. Artifacts are write-once: the repository only inserts, and
// a duplicate (run, kind) insert fails on the unique constraint.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"traitcast/domain/core"
	"traitcast/domain/sem"
	"traitcast/internal/errors"
	"traitcast/ports"
)

const (
	kindEquations       = "equations"
	kindStructuralTests = "structural_tests"
	kindSlopeTests      = "slope_tests"
	kindDistrictReport  = "district_report"
	kindCVMetrics       = "cv_metrics"
	kindManifest        = "manifest"
)

const schema = `
CREATE TABLE IF NOT EXISTS run_artifacts (
	run_id     TEXT        NOT NULL,
	kind       TEXT        NOT NULL,
	payload    JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, kind)
)`

type artifactRepository struct {
	db *sqlx.DB
}

// NewArtifactRepository creates the table if needed and returns the
// repository.
func NewArtifactRepository(db *sqlx.DB) (ports.ArtifactRepositoryPort, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.StorageError("failed to ensure artifact schema", err)
	}
	return &artifactRepository{db: db}, nil
}

func (r *artifactRepository) insert(ctx context.Context, runID core.RunID, kind string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.StorageError(fmt.Sprintf("failed to marshal %s artifact", kind), err)
	}
	query := `INSERT INTO run_artifacts (run_id, kind, payload) VALUES ($1, $2, $3)`
	if _, err := r.db.ExecContext(ctx, query, runID.String(), kind, body); err != nil {
		return errors.StorageError(fmt.Sprintf("failed to save %s artifact for run %s", kind, runID), err)
	}
	return nil
}

func (r *artifactRepository) load(ctx context.Context, runID core.RunID, kind string, out interface{}) error {
	query := `SELECT payload FROM run_artifacts WHERE run_id = $1 AND kind = $2`
	var body []byte
	err := r.db.QueryRowContext(ctx, query, runID.String(), kind).Scan(&body)
	if err == sql.ErrNoRows {
		return errors.NotFound(fmt.Sprintf("%s artifact for run %s", kind, runID))
	}
	if err != nil {
		return errors.StorageError(fmt.Sprintf("failed to load %s artifact for run %s", kind, runID), err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.StorageError(fmt.Sprintf("failed to unmarshal %s artifact", kind), err)
	}
	return nil
}

func (r *artifactRepository) SaveEquations(ctx context.Context, runID core.RunID, equations []sem.EquationArtifact) error {
	return r.insert(ctx, runID, kindEquations, equations)
}

func (r *artifactRepository) SaveStructuralTests(ctx context.Context, runID core.RunID, tests []sem.StructuralTestArtifact, slopes []sem.SlopeEqualityResult) error {
	if err := r.insert(ctx, runID, kindStructuralTests, tests); err != nil {
		return err
	}
	if len(slopes) == 0 {
		return nil
	}
	return r.insert(ctx, runID, kindSlopeTests, slopes)
}

func (r *artifactRepository) SaveDistrictReport(ctx context.Context, runID core.RunID, report *sem.DistrictReport) error {
	return r.insert(ctx, runID, kindDistrictReport, report)
}

func (r *artifactRepository) SaveCVMetrics(ctx context.Context, runID core.RunID, metrics []sem.CVMetricsArtifact) error {
	return r.insert(ctx, runID, kindCVMetrics, metrics)
}

func (r *artifactRepository) SaveManifest(ctx context.Context, manifest *sem.RunManifest) error {
	return r.insert(ctx, manifest.RunID, kindManifest, manifest)
}

func (r *artifactRepository) LoadEquations(ctx context.Context, runID core.RunID) ([]sem.EquationArtifact, error) {
	var out []sem.EquationArtifact
	if err := r.load(ctx, runID, kindEquations, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *artifactRepository) LoadDistrictReport(ctx context.Context, runID core.RunID) (*sem.DistrictReport, error) {
	var out sem.DistrictReport
	if err := r.load(ctx, runID, kindDistrictReport, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *artifactRepository) LoadManifest(ctx context.Context, runID core.RunID) (*sem.RunManifest, error) {
	var out sem.RunManifest
	if err := r.load(ctx, runID, kindManifest, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
