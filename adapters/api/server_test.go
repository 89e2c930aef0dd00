package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traitcast/domain/scenario"
	"traitcast/internal"
	"traitcast/internal/errors"
	"traitcast/ports"
)

// stubSimulator records the last call and returns canned results.
type stubSimulator struct {
	lastPred      ports.SpeciesPrediction
	lastScenario  scenario.Scenario
	lastThreshold float64
	result        *ports.SuitabilityResult
	err           error
}

func (s *stubSimulator) Simulate(_ context.Context, pred ports.SpeciesPrediction, sc scenario.Scenario, threshold float64) (*ports.SuitabilityResult, error) {
	s.lastPred = pred
	s.lastScenario = sc
	s.lastThreshold = threshold
	if s.err != nil {
		return nil, s.err
	}
	r := *s.result
	r.Species = pred.Species
	r.Scenario = sc.Name
	r.Threshold = threshold
	return &r, nil
}

func (s *stubSimulator) SimulateBatch(ctx context.Context, preds []ports.SpeciesPrediction, scenarios []scenario.Scenario, threshold float64) ([]ports.SuitabilityResult, []ports.ScenarioSummary, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	var results []ports.SuitabilityResult
	for _, sc := range scenarios {
		for _, pred := range preds {
			r, err := s.Simulate(ctx, pred, sc, threshold)
			if err != nil {
				return nil, nil, err
			}
			results = append(results, *r)
		}
	}
	summaries := make([]ports.ScenarioSummary, len(scenarios))
	for i, sc := range scenarios {
		summaries[i] = ports.ScenarioSummary{Scenario: sc.Name, Species: len(preds), Threshold: threshold}
	}
	return results, summaries, nil
}

func newTestServer(stub *stubSimulator) *Server {
	return NewServer(stub, internal.NewLogger(internal.LogLevelError), 0.5)
}

func postJSON(t *testing.T, srv *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

const validRequest = `{
	"prediction": {"species": "quercus_robur", "predictions": {"L": 6.5, "M": 4.2}, "groups": {"growth_habit": "woody"}},
	"scenario": {"name": "dry-shade", "intervals": {"L": {"max": 4}, "M": {"min": 3, "max": 6}}}
}`

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(&stubSimulator{result: &ports.SuitabilityResult{}})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSuitability_ReturnsSimulatorResult(t *testing.T) {
	stub := &stubSimulator{result: &ports.SuitabilityResult{Probability: 0.73, Pass: true, Draws: 10000}}
	rec := postJSON(t, newTestServer(stub), "/v1/suitability", validRequest)
	require.Equal(t, http.StatusOK, rec.Code)

	var result ports.SuitabilityResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "quercus_robur", result.Species.String())
	assert.Equal(t, "dry-shade", result.Scenario)
	assert.Equal(t, 0.73, result.Probability)
	assert.True(t, result.Pass)

	// The default threshold applies when the request omits one.
	assert.Equal(t, 0.5, stub.lastThreshold)
	// Request payload maps through to domain types.
	assert.Equal(t, 6.5, stub.lastPred.Predictions["L"])
	assert.Equal(t, "woody", stub.lastPred.Groups["growth_habit"])
	iv := stub.lastScenario.Intervals["M"]
	assert.Equal(t, 3.0, iv.Min)
	assert.Equal(t, 6.0, iv.Max)
}

func TestSuitability_ThresholdOverride(t *testing.T) {
	stub := &stubSimulator{result: &ports.SuitabilityResult{Probability: 0.2}}
	body := `{
		"prediction": {"species": "a", "predictions": {"L": 5}},
		"scenario": {"name": "s", "intervals": {"L": {"min": 4}}},
		"threshold": 0.25
	}`
	rec := postJSON(t, newTestServer(stub), "/v1/suitability", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.25, stub.lastThreshold)
}

func TestSuitability_UnknownAxisIsBadRequest(t *testing.T) {
	stub := &stubSimulator{result: &ports.SuitabilityResult{}}
	body := `{
		"prediction": {"species": "a", "predictions": {"Z": 5}},
		"scenario": {"name": "s", "intervals": {"L": {"min": 4}}}
	}`
	rec := postJSON(t, newTestServer(stub), "/v1/suitability", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, errors.CodeInvalidInput, payload["code"])
}

func TestSuitability_MalformedBodyIsBadRequest(t *testing.T) {
	stub := &stubSimulator{result: &ports.SuitabilityResult{}}
	rec := postJSON(t, newTestServer(stub), "/v1/suitability", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSuitability_MissingSpeciesIsBadRequest(t *testing.T) {
	stub := &stubSimulator{result: &ports.SuitabilityResult{}}
	body := `{
		"prediction": {"predictions": {"L": 5}},
		"scenario": {"name": "s", "intervals": {"L": {"min": 4}}}
	}`
	rec := postJSON(t, newTestServer(stub), "/v1/suitability", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSuitability_SimulatorErrorsMapToStatus(t *testing.T) {
	stub := &stubSimulator{err: errors.FitError("covariance is not positive definite")}
	rec := postJSON(t, newTestServer(stub), "/v1/suitability", validRequest)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	stub.err = errors.NotFound("no such run")
	rec = postJSON(t, newTestServer(stub), "/v1/suitability", validRequest)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatch_ReturnsResultsAndSummaries(t *testing.T) {
	stub := &stubSimulator{result: &ports.SuitabilityResult{Probability: 0.4}}
	body := `{
		"predictions": [
			{"species": "a", "predictions": {"L": 5}},
			{"species": "b", "predictions": {"L": 7}}
		],
		"scenarios": [{"name": "s", "intervals": {"L": {"min": 4}}}]
	}`
	rec := postJSON(t, newTestServer(stub), "/v1/suitability/batch", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp batchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	require.Len(t, resp.Summaries, 1)
	assert.Equal(t, "s", resp.Summaries[0].Scenario)
	assert.Equal(t, 2, resp.Summaries[0].Species)
}

func TestBatch_InvalidScenarioRejectsWholeRequest(t *testing.T) {
	stub := &stubSimulator{result: &ports.SuitabilityResult{}}
	body := `{
		"predictions": [{"species": "a", "predictions": {"L": 5}}],
		"scenarios": [{"name": "s", "intervals": {"L": {"min": 7, "max": 4}}}]
	}`
	rec := postJSON(t, newTestServer(stub), "/v1/suitability/batch", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
