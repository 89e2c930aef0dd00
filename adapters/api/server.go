// Package api exposes the suitability simulator over HTTP.
package api

import (
	"encoding/json"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"traitcast/domain/core"
	"traitcast/domain/scenario"
	"traitcast/domain/trait"
	"traitcast/internal"
	"traitcast/internal/errors"
	"traitcast/ports"
)

// Server routes suitability queries to the simulator port.
type Server struct {
	router    *chi.Mux
	simulator ports.SimulatorPort
	logger    *internal.Logger
	threshold float64
}

// NewServer wires routes and middleware.
func NewServer(simulator ports.SimulatorPort, logger *internal.Logger, defaultThreshold float64) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		simulator: simulator,
		logger:    logger,
		threshold: defaultThreshold,
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Post("/v1/suitability", s.handleSuitability)
	s.router.Post("/v1/suitability/batch", s.handleBatch)
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// intervalPayload mirrors scenario.Interval with nullable bounds.
type intervalPayload struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

type scenarioPayload struct {
	Name      string                     `json:"name"`
	Intervals map[string]intervalPayload `json:"intervals"`
}

type predictionPayload struct {
	Species     string             `json:"species"`
	Predictions map[string]float64 `json:"predictions"`
	Groups      map[string]string  `json:"groups,omitempty"`
}

type suitabilityRequest struct {
	Prediction predictionPayload `json:"prediction"`
	Scenario   scenarioPayload   `json:"scenario"`
	Threshold  *float64          `json:"threshold,omitempty"`
}

type batchRequest struct {
	Predictions []predictionPayload `json:"predictions"`
	Scenarios   []scenarioPayload   `json:"scenarios"`
	Threshold   *float64            `json:"threshold,omitempty"`
}

type batchResponse struct {
	Results   []ports.SuitabilityResult `json:"results"`
	Summaries []ports.ScenarioSummary   `json:"summaries"`
}

func (s *Server) handleSuitability(w http.ResponseWriter, r *http.Request) {
	var req suitabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.InvalidInput("malformed request body"))
		return
	}
	pred, err := toPrediction(req.Prediction)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sc, err := toScenario(req.Scenario)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.simulator.Simulate(r.Context(), pred, sc, s.resolveThreshold(req.Threshold))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.InvalidInput("malformed request body"))
		return
	}

	preds := make([]ports.SpeciesPrediction, 0, len(req.Predictions))
	for _, p := range req.Predictions {
		pred, err := toPrediction(p)
		if err != nil {
			s.writeError(w, err)
			return
		}
		preds = append(preds, pred)
	}
	scenarios := make([]scenario.Scenario, 0, len(req.Scenarios))
	for _, p := range req.Scenarios {
		sc, err := toScenario(p)
		if err != nil {
			s.writeError(w, err)
			return
		}
		scenarios = append(scenarios, sc)
	}

	results, summaries, err := s.simulator.SimulateBatch(r.Context(), preds, scenarios, s.resolveThreshold(req.Threshold))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Results: results, Summaries: summaries})
}

func (s *Server) resolveThreshold(override *float64) float64 {
	if override != nil {
		return *override
	}
	return s.threshold
}

func toPrediction(p predictionPayload) (ports.SpeciesPrediction, error) {
	if p.Species == "" {
		return ports.SpeciesPrediction{}, errors.InvalidInput("prediction requires a species identifier")
	}
	pred := ports.SpeciesPrediction{
		Species:     core.SpeciesID(p.Species),
		Predictions: make(map[trait.Axis]float64, len(p.Predictions)),
	}
	for name, v := range p.Predictions {
		axis, ok := parseAxis(name)
		if !ok {
			return ports.SpeciesPrediction{}, errors.InvalidInput("unknown axis " + name)
		}
		pred.Predictions[axis] = v
	}
	if len(p.Groups) > 0 {
		pred.Groups = make(map[trait.GroupKind]string, len(p.Groups))
		for kind, label := range p.Groups {
			pred.Groups[trait.GroupKind(kind)] = label
		}
	}
	return pred, nil
}

func toScenario(p scenarioPayload) (scenario.Scenario, error) {
	intervals := make(map[trait.Axis]scenario.Interval, len(p.Intervals))
	for name, iv := range p.Intervals {
		axis, ok := parseAxis(name)
		if !ok {
			return scenario.Scenario{}, errors.InvalidInput("unknown axis " + name)
		}
		interval := scenario.Unbounded()
		if iv.Min != nil {
			interval.Min = *iv.Min
		}
		if iv.Max != nil {
			interval.Max = *iv.Max
		}
		intervals[axis] = interval
	}
	sc, err := scenario.New(p.Name, intervals)
	if err != nil {
		return scenario.Scenario{}, errors.InvalidInput(err.Error())
	}
	return sc, nil
}

func parseAxis(name string) (trait.Axis, bool) {
	for _, axis := range trait.AllAxes() {
		if string(axis) == name {
			return axis, true
		}
	}
	return "", false
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.CodeInvalidInput, errors.CodeConfigInvalid:
		status = http.StatusBadRequest
	case errors.CodeNotFound:
		status = http.StatusNotFound
	case errors.CodeDataError, errors.CodeFitError:
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{
		"code":  errors.GetCode(err),
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(sanitize(payload))
}

// sanitize replaces NaN probabilities so encoding never fails; NaN means the
// metric was unavailable.
func sanitize(payload interface{}) interface{} {
	switch v := payload.(type) {
	case *ports.SuitabilityResult:
		if math.IsNaN(v.Probability) {
			out := *v
			out.Probability = -1
			return &out
		}
	}
	return payload
}
