package config

import (
	"fmt"
	"os"
	"strconv"

	"traitcast/domain/core"
	"traitcast/internal/errors"
)

// Config represents the complete application configuration
type Config struct {
	Modeling   ModelingConfig
	Detection  DetectionConfig
	Simulation SimulationConfig
	Database   DatabaseConfig
	Paths      PathConfig
	Server     ServerConfig
}

// ModelingConfig holds cross-validation and fitting settings
type ModelingConfig struct {
	Seed      int64
	Folds     int
	Repeats   int
	MinGroupN int // groups below this size fall back to the global fit
	LogOffset float64
}

// DetectionConfig holds district detection and shrinkage settings
type DetectionConfig struct {
	CorrThreshold float64 // minimum |residual correlation| for a district
	FDRLevel      float64 // Benjamini-Hochberg level across tested pairs
	ShrinkageK    float64 // per-group shrinkage constant, w = n/(n+k)
	Materiality   float64 // residual |r| below which the district set is adequate
}

// SimulationConfig holds Monte Carlo settings
type SimulationConfig struct {
	Draws               int
	WarnOnGroupFallback bool // warn when a species' group is absent from fitted parameters
}

// DatabaseConfig holds artifact database settings
type DatabaseConfig struct {
	URL string
}

// PathConfig holds file system paths
type PathConfig struct {
	TraitFile    string // Excel trait/indicator table
	ArtifactDir  string // JSON artifact output directory
	DistanceFile string // optional phylogenetic distance edge list
}

// ServerConfig holds suitability API settings
type ServerConfig struct {
	Port string
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	config := &Config{}

	modeling, err := loadModelingConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load modeling configuration")
	}
	config.Modeling = *modeling

	detection, err := loadDetectionConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load detection configuration")
	}
	config.Detection = *detection

	simulation, err := loadSimulationConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load simulation configuration")
	}
	config.Simulation = *simulation

	config.Database = DatabaseConfig{URL: os.Getenv("DATABASE_URL")}
	config.Paths = PathConfig{
		TraitFile:    getEnv("TRAITCAST_TRAIT_FILE", "data/traits.xlsx"),
		ArtifactDir:  getEnv("TRAITCAST_ARTIFACT_DIR", "artifacts"),
		DistanceFile: os.Getenv("TRAITCAST_DISTANCE_FILE"),
	}
	config.Server = ServerConfig{Port: getEnv("PORT", "8080")}

	return config, nil
}

func loadModelingConfig() (*ModelingConfig, error) {
	seed, err := getEnvInt64("TRAITCAST_SEED", 42)
	if err != nil {
		return nil, err
	}
	folds, err := getEnvInt("TRAITCAST_FOLDS", 10)
	if err != nil {
		return nil, err
	}
	repeats, err := getEnvInt("TRAITCAST_REPEATS", 5)
	if err != nil {
		return nil, err
	}
	minGroupN, err := getEnvInt("TRAITCAST_MIN_GROUP_N", 15)
	if err != nil {
		return nil, err
	}
	logOffset, err := getEnvFloat("TRAITCAST_LOG_OFFSET", 0.01)
	if err != nil {
		return nil, err
	}
	if folds < 2 {
		return nil, errors.ConfigInvalid(fmt.Sprintf("TRAITCAST_FOLDS must be >= 2, got %d", folds))
	}
	if repeats < 1 {
		return nil, errors.ConfigInvalid(fmt.Sprintf("TRAITCAST_REPEATS must be >= 1, got %d", repeats))
	}
	if logOffset <= 0 {
		return nil, errors.ConfigInvalid(fmt.Sprintf("TRAITCAST_LOG_OFFSET must be > 0, got %f", logOffset))
	}
	return &ModelingConfig{
		Seed:      seed,
		Folds:     folds,
		Repeats:   repeats,
		MinGroupN: minGroupN,
		LogOffset: logOffset,
	}, nil
}

func loadDetectionConfig() (*DetectionConfig, error) {
	threshold, err := getEnvFloat("TRAITCAST_CORR_THRESHOLD", 0.15)
	if err != nil {
		return nil, err
	}
	fdr, err := getEnvFloat("TRAITCAST_FDR_LEVEL", 0.05)
	if err != nil {
		return nil, err
	}
	shrinkageK, err := getEnvFloat("TRAITCAST_SHRINKAGE_K", 10)
	if err != nil {
		return nil, err
	}
	materiality, err := getEnvFloat("TRAITCAST_MATERIALITY", 0.10)
	if err != nil {
		return nil, err
	}
	if threshold < 0 || threshold >= 1 {
		return nil, errors.ConfigInvalid(fmt.Sprintf("TRAITCAST_CORR_THRESHOLD must be in [0, 1), got %f", threshold))
	}
	if fdr <= 0 || fdr >= 1 {
		return nil, errors.ConfigInvalid(fmt.Sprintf("TRAITCAST_FDR_LEVEL must be in (0, 1), got %f", fdr))
	}
	if shrinkageK < 0 {
		return nil, errors.ConfigInvalid(fmt.Sprintf("TRAITCAST_SHRINKAGE_K must be >= 0, got %f", shrinkageK))
	}
	return &DetectionConfig{
		CorrThreshold: threshold,
		FDRLevel:      fdr,
		ShrinkageK:    shrinkageK,
		Materiality:   materiality,
	}, nil
}

func loadSimulationConfig() (*SimulationConfig, error) {
	draws, err := getEnvInt("TRAITCAST_DRAWS", 10000)
	if err != nil {
		return nil, err
	}
	warnFallback, err := getEnvBool("TRAITCAST_WARN_GROUP_FALLBACK", true)
	if err != nil {
		return nil, err
	}
	if draws < 100 {
		return nil, errors.ConfigInvalid(fmt.Sprintf("TRAITCAST_DRAWS must be >= 100, got %d", draws))
	}
	return &SimulationConfig{
		Draws:               draws,
		WarnOnGroupFallback: warnFallback,
	}, nil
}

// Hash fingerprints the modeling-relevant settings for run manifests.
func (c *Config) Hash() core.ConfigHash {
	return core.ComputeConfigHash(map[string]string{
		"seed":           strconv.FormatInt(c.Modeling.Seed, 10),
		"folds":          strconv.Itoa(c.Modeling.Folds),
		"repeats":        strconv.Itoa(c.Modeling.Repeats),
		"min_group_n":    strconv.Itoa(c.Modeling.MinGroupN),
		"log_offset":     strconv.FormatFloat(c.Modeling.LogOffset, 'g', -1, 64),
		"corr_threshold": strconv.FormatFloat(c.Detection.CorrThreshold, 'g', -1, 64),
		"fdr_level":      strconv.FormatFloat(c.Detection.FDRLevel, 'g', -1, 64),
		"shrinkage_k":    strconv.FormatFloat(c.Detection.ShrinkageK, 'g', -1, 64),
		"materiality":    strconv.FormatFloat(c.Detection.Materiality, 'g', -1, 64),
		"draws":          strconv.Itoa(c.Simulation.Draws),
	})
}

// Environment variable helpers

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.ConfigInvalid(fmt.Sprintf("%s must be an integer, got %q", key, v))
	}
	return parsed, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.ConfigInvalid(fmt.Sprintf("%s must be an integer, got %q", key, v))
	}
	return parsed, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.ConfigInvalid(fmt.Sprintf("%s must be a number, got %q", key, v))
	}
	return parsed, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.ConfigInvalid(fmt.Sprintf("%s must be a boolean, got %q", key, v))
	}
	return parsed, nil
}
