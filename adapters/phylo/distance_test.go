package phylo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traitcast/domain/core"
	"traitcast/internal/errors"
)

func TestMatrix_SymmetricLookup(t *testing.T) {
	m := NewMatrix(map[[2]core.SpeciesID]float64{
		{"a", "b"}: 0.4,
		{"c", "a"}: 1.2,
	})

	d, ok, err := m.Distance(context.Background(), "b", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.4, d)

	d, ok, err = m.Distance(context.Background(), "a", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.0, d)

	_, ok, err = m.Distance(context.Background(), "a", "z")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatrix_NeighborsOrderedAndStable(t *testing.T) {
	m := NewMatrix(map[[2]core.SpeciesID]float64{
		{"x", "near"}:    0.1,
		{"x", "mid"}:     0.5,
		{"x", "far"}:     2.0,
		{"x", "mid_tie"}: 0.5,
	})
	candidates := []core.SpeciesID{"far", "mid_tie", "unknown", "near", "mid", "x"}

	got, err := m.Neighbors(context.Background(), "x", candidates, 3)
	require.NoError(t, err)
	// Ties break on the species identifier; the target and unknown species
	// are excluded.
	assert.Equal(t, []core.SpeciesID{"near", "mid", "mid_tie"}, got)

	all, err := m.Neighbors(context.Background(), "x", candidates, 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestLoadCSV_SkipsHeaderAndValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dist.csv")
	require.NoError(t, os.WriteFile(path, []byte("species_a,species_b,distance\noak,beech,0.3\nbeech,clover,1.7\n"), 0o644))

	m, err := LoadCSV(path)
	require.NoError(t, err)

	d, ok, err := m.Distance(context.Background(), "beech", "oak")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.3, d)
}

func TestLoadCSV_RejectsBadRows(t *testing.T) {
	dir := t.TempDir()

	negative := filepath.Join(dir, "neg.csv")
	require.NoError(t, os.WriteFile(negative, []byte("oak,beech,-1\n"), 0o644))
	_, err := LoadCSV(negative)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeDataError))

	short := filepath.Join(dir, "short.csv")
	require.NoError(t, os.WriteFile(short, []byte("oak,beech\n"), 0o644))
	_, err = LoadCSV(short)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeDataError))

	_, err = LoadCSV(filepath.Join(dir, "absent.csv"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeStorageError))
}

func TestLoadCSV_NonNumericBodyRowFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("species_a,species_b,distance\noak,beech,far\n"), 0o644))
	_, err := LoadCSV(path)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeDataError))
}
