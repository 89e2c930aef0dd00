package ports

import (
	"context"

	"traitcast/domain/core"
	"traitcast/domain/sem"
)

// ArtifactRepositoryPort persists the write-once modeling artifacts of a
// run: structural equations, copula parameters, per-axis CV metrics, and the
// run manifest. Artifacts are read-many after the fitting phase; no update
// methods exist by design.
type ArtifactRepositoryPort interface {
	SaveEquations(ctx context.Context, runID core.RunID, equations []sem.EquationArtifact) error
	SaveStructuralTests(ctx context.Context, runID core.RunID, tests []sem.StructuralTestArtifact, slopes []sem.SlopeEqualityResult) error
	SaveDistrictReport(ctx context.Context, runID core.RunID, report *sem.DistrictReport) error
	SaveCVMetrics(ctx context.Context, runID core.RunID, metrics []sem.CVMetricsArtifact) error
	SaveManifest(ctx context.Context, manifest *sem.RunManifest) error

	LoadEquations(ctx context.Context, runID core.RunID) ([]sem.EquationArtifact, error)
	LoadDistrictReport(ctx context.Context, runID core.RunID) (*sem.DistrictReport, error)
	LoadManifest(ctx context.Context, runID core.RunID) (*sem.RunManifest, error)
}
