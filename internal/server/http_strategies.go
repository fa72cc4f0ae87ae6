package server

import (
	"net/http"

	"github.com/matt-riley/flagstaff/internal/core"
)

const environmentPath = featurePath + "/environments/{environment}"

func (s *HTTPServer) registerStrategyRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+environmentPath+"/on", s.handleToggleEnvironment(true))
	mux.HandleFunc("POST "+environmentPath+"/off", s.handleToggleEnvironment(false))
	mux.HandleFunc("GET "+environmentPath+"/strategies", s.handleListStrategies)
	mux.HandleFunc("POST "+environmentPath+"/strategies", s.handleCreateStrategy)
	mux.HandleFunc("POST "+environmentPath+"/strategies/set-sort-order", s.handleSetSortOrder)
	mux.HandleFunc("GET "+environmentPath+"/strategies/{strategyId}", s.handleGetStrategy)
	mux.HandleFunc("PUT "+environmentPath+"/strategies/{strategyId}", s.handleUpdateStrategy)
	mux.HandleFunc("DELETE "+environmentPath+"/strategies/{strategyId}", s.handleDeleteStrategy)
}

func strategyContext(r *http.Request) core.StrategyContext {
	return core.StrategyContext{
		ProjectID:   r.PathValue("projectId"),
		FeatureName: r.PathValue("featureName"),
		Environment: r.PathValue("environment"),
	}
}

func (s *HTTPServer) handleToggleEnvironment(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sc := strategyContext(r)
		if err := s.service.UpdateEnabled(r.Context(), sc.ProjectID, sc.FeatureName, sc.Environment, enabled, actorFrom(r)); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *HTTPServer) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	sc := strategyContext(r)
	strategies, err := s.service.GetStrategiesForEnvironment(r.Context(), sc.ProjectID, sc.FeatureName, sc.Environment)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if strategies == nil {
		strategies = []core.Strategy{}
	}
	writeJSON(w, http.StatusOK, strategies)
}

func (s *HTTPServer) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var create core.StrategyCreate
	if err := s.decodeJSON(w, r, &create); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	strategy, err := s.service.CreateStrategy(r.Context(), create, strategyContext(r), actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, strategy)
}

func (s *HTTPServer) handleSetSortOrder(w http.ResponseWriter, r *http.Request) {
	var orders []core.StrategySortOrder
	if err := s.decodeJSON(w, r, &orders); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if err := s.service.SetStrategySortOrder(r.Context(), strategyContext(r), orders, actorFrom(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleGetStrategy only returns strategies living under the path's
// feature and environment.
func (s *HTTPServer) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("strategyId")
	sc := strategyContext(r)
	strategy, err := s.service.GetStrategy(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if strategy.FeatureName != sc.FeatureName || strategy.Environment != sc.Environment || strategy.ProjectID != sc.ProjectID {
		writeServiceError(w, r, &core.NotFoundError{Entity: "strategy", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, strategy)
}

func (s *HTTPServer) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	var update core.StrategyUpdate
	if err := s.decodeJSON(w, r, &update); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	strategy, err := s.service.UpdateStrategy(r.Context(), r.PathValue("strategyId"), update, strategyContext(r), actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, strategy)
}

func (s *HTTPServer) handleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteStrategy(r.Context(), r.PathValue("strategyId"), strategyContext(r), actorFrom(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
