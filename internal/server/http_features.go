package server

import (
	"net/http"

	"github.com/matt-riley/flagstaff/internal/core"
)

const featurePath = APIPrefix + "/projects/{projectId}/features/{featureName}"

func (s *HTTPServer) registerFeatureRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+APIPrefix+"/projects/{projectId}/features", s.handleListFeatures)
	mux.HandleFunc("POST "+APIPrefix+"/projects/{projectId}/features", s.handleCreateFeature)
	mux.HandleFunc("GET "+featurePath, s.handleGetFeature)
	mux.HandleFunc("PUT "+featurePath, s.handleUpdateFeature)
	mux.HandleFunc("PATCH "+featurePath, s.handlePatchFeature)
	mux.HandleFunc("DELETE "+featurePath, s.handleArchiveFeature)
	mux.HandleFunc("POST "+featurePath+"/clone", s.handleCloneFeature)
	mux.HandleFunc("POST "+featurePath+"/changeProject", s.handleChangeProject)
	mux.HandleFunc("POST "+featurePath+"/stale/on", s.handleStale(true))
	mux.HandleFunc("POST "+featurePath+"/stale/off", s.handleStale(false))

	mux.HandleFunc("GET "+featurePath+"/variants", s.handleGetVariants)
	mux.HandleFunc("PUT "+featurePath+"/variants", s.handleUpdateVariants)
	mux.HandleFunc("PATCH "+featurePath+"/variants", s.handlePatchVariants)

	mux.HandleFunc("GET "+APIPrefix+"/features/{featureName}/tags", s.handleListTags)
	mux.HandleFunc("POST "+APIPrefix+"/features/{featureName}/tags", s.handleAddTag)
	mux.HandleFunc("DELETE "+APIPrefix+"/features/{featureName}/tags/{type}/{value}", s.handleRemoveTag)

	mux.HandleFunc("GET "+APIPrefix+"/archive/features", s.handleListArchived)
	mux.HandleFunc("POST "+APIPrefix+"/archive/revive/{featureName}", s.handleRevive)
	mux.HandleFunc("DELETE "+APIPrefix+"/archive/{featureName}", s.handleDeleteArchived)
}

type featuresResponse struct {
	Features []core.Feature `json:"features"`
}

func (s *HTTPServer) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	features, err := s.service.GetFeatures(r.Context(), core.FeatureQuery{
		Project:    r.PathValue("projectId"),
		NamePrefix: query.Get("namePrefix"),
		Tag:        parseTagFilter(query.Get("tag")),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if features == nil {
		features = []core.Feature{}
	}
	writeJSON(w, http.StatusOK, featuresResponse{Features: features})
}

func (s *HTTPServer) handleCreateFeature(w http.ResponseWriter, r *http.Request) {
	var create core.FeatureCreate
	if err := s.decodeJSON(w, r, &create); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateFeatureToggle(r.Context(), r.PathValue("projectId"), create, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	feature, err := s.service.GetProjectFeature(r.Context(), r.PathValue("projectId"), r.PathValue("featureName"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feature)
}

func (s *HTTPServer) handleUpdateFeature(w http.ResponseWriter, r *http.Request) {
	var update core.FeatureUpdate
	if err := s.decodeJSON(w, r, &update); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.UpdateFeatureToggle(r.Context(), r.PathValue("projectId"), update, actorFrom(r), r.PathValue("featureName"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handlePatchFeature(w http.ResponseWriter, r *http.Request) {
	patch, err := s.readBody(w, r)
	if err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.PatchFeatureToggle(r.Context(), r.PathValue("projectId"), r.PathValue("featureName"), patch, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleArchiveFeature(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ArchiveToggle(r.Context(), r.PathValue("projectId"), r.PathValue("featureName"), actorFrom(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type cloneRequest struct {
	Name           string `json:"name"`
	ReplaceGroupID bool   `json:"replaceGroupId,omitempty"`
}

func (s *HTTPServer) handleCloneFeature(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	clone, err := s.service.CloneFeatureToggle(r.Context(), r.PathValue("projectId"), r.PathValue("featureName"), req.Name, req.ReplaceGroupID, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, clone)
}

type changeProjectRequest struct {
	NewProjectID string `json:"newProjectId"`
}

func (s *HTTPServer) handleChangeProject(w http.ResponseWriter, r *http.Request) {
	var req changeProjectRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if err := s.service.ChangeProject(r.Context(), r.PathValue("projectId"), r.PathValue("featureName"), req.NewProjectID, actorFrom(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleStale marks a feature stale or fresh. The project in the path must
// own the feature.
func (s *HTTPServer) handleStale(stale bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("featureName")
		if _, err := s.service.GetProjectFeature(r.Context(), r.PathValue("projectId"), name); err != nil {
			writeServiceError(w, r, err)
			return
		}
		if err := s.service.UpdateStale(r.Context(), name, stale, actorFrom(r)); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

type variantsResponse struct {
	Variants []core.Variant `json:"variants"`
}

func (s *HTTPServer) handleGetVariants(w http.ResponseWriter, r *http.Request) {
	variants, err := s.service.GetVariants(r.Context(), r.PathValue("projectId"), r.PathValue("featureName"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if variants == nil {
		variants = []core.Variant{}
	}
	writeJSON(w, http.StatusOK, variantsResponse{Variants: variants})
}

func (s *HTTPServer) handleUpdateVariants(w http.ResponseWriter, r *http.Request) {
	var variants []core.Variant
	if err := s.decodeJSON(w, r, &variants); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	feature, err := s.service.UpdateVariants(r.Context(), r.PathValue("projectId"), r.PathValue("featureName"), variants, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feature)
}

func (s *HTTPServer) handlePatchVariants(w http.ResponseWriter, r *http.Request) {
	patch, err := s.readBody(w, r)
	if err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	feature, err := s.service.PatchVariants(r.Context(), r.PathValue("projectId"), r.PathValue("featureName"), patch, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feature)
}

type tagsResponse struct {
	Tags []core.Tag `json:"tags"`
}

func (s *HTTPServer) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.service.ListTags(r.Context(), r.PathValue("featureName"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if tags == nil {
		tags = []core.Tag{}
	}
	writeJSON(w, http.StatusOK, tagsResponse{Tags: tags})
}

func (s *HTTPServer) handleAddTag(w http.ResponseWriter, r *http.Request) {
	var tag core.Tag
	if err := s.decodeJSON(w, r, &tag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	added, err := s.service.AddTag(r.Context(), r.PathValue("featureName"), tag, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *HTTPServer) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	tag := core.Tag{Type: r.PathValue("type"), Value: r.PathValue("value")}
	if err := s.service.RemoveTag(r.Context(), r.PathValue("featureName"), tag, actorFrom(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *HTTPServer) handleListArchived(w http.ResponseWriter, r *http.Request) {
	features, err := s.service.GetFeatures(r.Context(), core.FeatureQuery{
		Project:  r.URL.Query().Get("project"),
		Archived: true,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if features == nil {
		features = []core.Feature{}
	}
	writeJSON(w, http.StatusOK, featuresResponse{Features: features})
}

func (s *HTTPServer) handleRevive(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ReviveToggle(r.Context(), r.PathValue("featureName"), actorFrom(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *HTTPServer) handleDeleteArchived(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteFeature(r.Context(), r.PathValue("featureName"), actorFrom(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
