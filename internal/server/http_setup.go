package server

import (
	"net/http"

	"github.com/matt-riley/flagstaff/internal/core"
)

func (s *HTTPServer) registerSetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+APIPrefix+"/projects", s.handleListProjects)
	mux.HandleFunc("POST "+APIPrefix+"/projects", s.handleCreateProject)
	mux.HandleFunc("GET "+APIPrefix+"/projects/{projectId}", s.handleGetProject)
	mux.HandleFunc("GET "+APIPrefix+"/projects/{projectId}/environments", s.handleListProjectEnvironments)
	mux.HandleFunc("POST "+APIPrefix+"/projects/{projectId}/environments", s.handleAddProjectEnvironment)
	mux.HandleFunc("GET "+APIPrefix+"/environments", s.handleListEnvironments)
	mux.HandleFunc("POST "+APIPrefix+"/environments", s.handleCreateEnvironment)
}

func (s *HTTPServer) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.service.ListProjects(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if projects == nil {
		projects = []core.Project{}
	}
	writeJSON(w, http.StatusOK, map[string][]core.Project{"projects": projects})
}

type createProjectRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	project, err := s.service.CreateProject(r.Context(), core.Project{ID: req.ID, Name: req.Name, Description: req.Description}, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *HTTPServer) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.service.GetProject(r.Context(), r.PathValue("projectId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *HTTPServer) handleListProjectEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := s.service.ListProjectEnvironments(r.Context(), r.PathValue("projectId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if envs == nil {
		envs = []core.Environment{}
	}
	writeJSON(w, http.StatusOK, map[string][]core.Environment{"environments": envs})
}

type addEnvironmentRequest struct {
	Environment string `json:"environment"`
}

func (s *HTTPServer) handleAddProjectEnvironment(w http.ResponseWriter, r *http.Request) {
	var req addEnvironmentRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if err := s.service.AddEnvironmentToProject(r.Context(), r.PathValue("projectId"), req.Environment, actorFrom(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *HTTPServer) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := s.service.ListEnvironments(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if envs == nil {
		envs = []core.Environment{}
	}
	writeJSON(w, http.StatusOK, map[string][]core.Environment{"environments": envs})
}

func (s *HTTPServer) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var env core.Environment
	if err := s.decodeJSON(w, r, &env); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateEnvironment(r.Context(), env, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}
