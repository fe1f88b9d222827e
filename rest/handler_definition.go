package rest

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/chatflow/model"
	"go.uber.org/zap"
)

func (s *Server) HandleSaveDefinition(w http.ResponseWriter, r *http.Request) {
	var def model.WorkflowDefinition
	if !decode(w, r, &def) {
		return
	}
	saved, err := s.metadataService.SaveDefinition(r.Context(), &def)
	if err != nil {
		respondWithFailure(w, "error saving definition", err, zap.String("definition", def.Id))
		return
	}
	respondOK(w, map[string]any{"created": true, "id": saved.Id, "version": saved.Version()})
}

func (s *Server) HandleGetDefinition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	def, err := s.metadataService.GetDefinition(r.Context(), id)
	if err != nil {
		respondWithFailure(w, "definition not found", err, zap.String("definition", id))
		return
	}
	respondWithJSON(w, http.StatusOK, def)
}

func (s *Server) HandleDeleteDefinition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.metadataService.DeleteDefinition(r.Context(), id); err != nil {
		respondWithFailure(w, "error deleting definition", err, zap.String("definition", id))
		return
	}
	respondOK(w, map[string]any{"deleted": true})
}
