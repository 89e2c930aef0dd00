// Package artifacts persists run artifacts as JSON files under one
// directory per run. It backs local runs that have no database configured.
package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"traitcast/domain/core"
	"traitcast/domain/sem"
	"traitcast/internal/errors"
	"traitcast/ports"
)

const (
	fileEquations       = "equations.json"
	fileStructuralTests = "structural_tests.json"
	fileSlopeTests      = "slope_tests.json"
	fileDistrictReport  = "district_report.json"
	fileCVMetrics       = "cv_metrics.json"
	fileManifest        = "manifest.json"
)

// Store implements ports.ArtifactRepositoryPort over a directory tree.
type Store struct {
	root string
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.StorageError("failed to create artifact directory", err)
	}
	return &Store{root: root}, nil
}

var _ ports.ArtifactRepositoryPort = (*Store)(nil)

// write marshals indented JSON and refuses to overwrite an existing file, so
// artifacts stay write-once on disk too.
func (s *Store) write(runID core.RunID, name string, payload interface{}) error {
	dir := filepath.Join(s.root, runID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.StorageError("failed to create run directory", err)
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		return errors.StorageError(fmt.Sprintf("artifact %s already exists for run %s", name, runID), nil)
	}

	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return errors.StorageError("failed to marshal "+name, err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return errors.StorageError("failed to write "+name, err)
	}
	return nil
}

func (s *Store) read(runID core.RunID, name string, out interface{}) error {
	path := filepath.Join(s.root, runID.String(), name)
	body, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return errors.NotFound(fmt.Sprintf("artifact %s for run %s", name, runID))
	}
	if err != nil {
		return errors.StorageError("failed to read "+name, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.StorageError("failed to unmarshal "+name, err)
	}
	return nil
}

func (s *Store) SaveEquations(_ context.Context, runID core.RunID, equations []sem.EquationArtifact) error {
	return s.write(runID, fileEquations, equations)
}

func (s *Store) SaveStructuralTests(_ context.Context, runID core.RunID, tests []sem.StructuralTestArtifact, slopes []sem.SlopeEqualityResult) error {
	if err := s.write(runID, fileStructuralTests, tests); err != nil {
		return err
	}
	if len(slopes) == 0 {
		return nil
	}
	return s.write(runID, fileSlopeTests, slopes)
}

func (s *Store) SaveDistrictReport(_ context.Context, runID core.RunID, report *sem.DistrictReport) error {
	return s.write(runID, fileDistrictReport, report)
}

func (s *Store) SaveCVMetrics(_ context.Context, runID core.RunID, metrics []sem.CVMetricsArtifact) error {
	return s.write(runID, fileCVMetrics, metrics)
}

func (s *Store) SaveManifest(_ context.Context, manifest *sem.RunManifest) error {
	return s.write(manifest.RunID, fileManifest, manifest)
}

func (s *Store) LoadEquations(_ context.Context, runID core.RunID) ([]sem.EquationArtifact, error) {
	var out []sem.EquationArtifact
	if err := s.read(runID, fileEquations, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) LoadDistrictReport(_ context.Context, runID core.RunID) (*sem.DistrictReport, error) {
	var out sem.DistrictReport
	if err := s.read(runID, fileDistrictReport, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) LoadManifest(_ context.Context, runID core.RunID) (*sem.RunManifest, error) {
	var out sem.RunManifest
	if err := s.read(runID, fileManifest, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
