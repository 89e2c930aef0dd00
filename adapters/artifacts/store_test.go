package artifacts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traitcast/domain/core"
	"traitcast/domain/sem"
	"traitcast/domain/trait"
	"traitcast/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func sampleEquation(t *testing.T) sem.EquationArtifact {
	t.Helper()
	eq, err := sem.NewEquationArtifact(trait.AxisLight, "L ~ LES + SIZE",
		[]sem.TermCoefficient{{Term: "LES", Estimate: -0.9}}, 0.8, 240)
	require.NoError(t, err)
	return *eq
}

func TestStore_EquationsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	runID := core.RunID(core.NewID())
	saved := []sem.EquationArtifact{sampleEquation(t)}

	require.NoError(t, store.SaveEquations(context.Background(), runID, saved))

	loaded, err := store.LoadEquations(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, saved[0].Axis, loaded[0].Axis)
	assert.Equal(t, saved[0].Formula, loaded[0].Formula)
	assert.Equal(t, saved[0].Terms, loaded[0].Terms)
	assert.Equal(t, saved[0].ResidualSD, loaded[0].ResidualSD)
}

func TestStore_ArtifactsAreWriteOnce(t *testing.T) {
	store := newTestStore(t)
	runID := core.RunID(core.NewID())

	require.NoError(t, store.SaveEquations(context.Background(), runID, []sem.EquationArtifact{sampleEquation(t)}))

	err := store.SaveEquations(context.Background(), runID, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeStorageError))
}

func TestStore_ManifestRoundTrip(t *testing.T) {
	store := newTestStore(t)
	manifest := sem.NewRunManifest(core.RunID(core.NewID()), 42, 10, 5, 10000)
	manifest.RecordFailure(errors.CodeDataError)

	require.NoError(t, store.SaveManifest(context.Background(), manifest))

	loaded, err := store.LoadManifest(context.Background(), manifest.RunID)
	require.NoError(t, err)
	assert.Equal(t, manifest.Seed, loaded.Seed)
	assert.Equal(t, manifest.Folds, loaded.Folds)
	assert.Equal(t, 1, loaded.FailureCounts[errors.CodeDataError])
}

func TestStore_DistrictReportRoundTrip(t *testing.T) {
	store := newTestStore(t)
	runID := core.RunID(core.NewID())

	copula, err := sem.NewCopulaArtifact(sem.NewDistrictKey(trait.AxisLight, trait.AxisMoisture), "gaussian", 200, 0.6, -150, 302)
	require.NoError(t, err)
	report := &sem.DistrictReport{
		Districts:    []sem.CopulaArtifact{*copula},
		MaxResidualR: 0.08,
		Materiality:  0.1,
		Adequate:     true,
	}

	require.NoError(t, store.SaveDistrictReport(context.Background(), runID, report))

	loaded, err := store.LoadDistrictReport(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, loaded.Districts, 1)
	assert.Equal(t, report.Districts[0].Key, loaded.Districts[0].Key)
	assert.Equal(t, report.Districts[0].Rho, loaded.Districts[0].Rho)
	assert.True(t, loaded.Adequate)
}

func TestStore_StructuralTestsWriteSlopesSeparately(t *testing.T) {
	store := newTestStore(t)
	runID := core.RunID(core.NewID())

	tests := []sem.StructuralTestArtifact{{Status: sem.StructuralConsistent, FisherC: 3.2, DF: 4, PValue: 0.52}}
	slopes := []sem.SlopeEqualityResult{{Cause: "SIZE", Effect: "L", GroupKind: trait.GroupGrowthHabit}}
	require.NoError(t, store.SaveStructuralTests(context.Background(), runID, tests, slopes))

	// Saving again collides with the existing structural test file.
	err := store.SaveStructuralTests(context.Background(), runID, tests, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeStorageError))
}

func TestStore_MissingArtifactIsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LoadEquations(context.Background(), core.RunID(core.NewID()))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}
