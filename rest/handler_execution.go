package rest

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/chatflow/model"
	"go.uber.org/zap"
)

func (s *Server) HandleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req model.StartRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.executorService.Start(r.Context(), req)
	if err != nil {
		respondWithFailure(w, "error starting execution", err, zap.String("definition", req.DefinitionId))
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (s *Server) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := s.executorService.Status(r.Context(), id)
	if err != nil {
		respondWithFailure(w, "error getting execution", err, zap.String("execution", id))
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}

func (s *Server) HandleDeleteExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.executorService.DeleteExecution(r.Context(), id); err != nil {
		respondWithFailure(w, "error deleting execution", err, zap.String("execution", id))
		return
	}
	respondOK(w, map[string]any{"deleted": true})
}

func (s *Server) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req model.CancelRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	exec, err := s.executorService.Cancel(r.Context(), id, req)
	if err != nil {
		respondWithFailure(w, "error cancelling execution", err, zap.String("execution", id))
		return
	}
	respondOK(w, map[string]any{"executionId": exec.Id, "state": exec.State})
}

func (s *Server) HandlePauseExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	exec, err := s.executorService.Pause(r.Context(), id)
	if err != nil {
		respondWithFailure(w, "error pausing execution", err, zap.String("execution", id))
		return
	}
	respondOK(w, map[string]any{"executionId": exec.Id, "state": exec.State})
}

func (s *Server) HandleUnpauseExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	exec, err := s.executorService.Unpause(r.Context(), id)
	if err != nil {
		respondWithFailure(w, "error resuming execution", err, zap.String("execution", id))
		return
	}
	respondOK(w, map[string]any{"executionId": exec.Id, "state": exec.State})
}

func (s *Server) HandleGetVariable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	v, err := s.executorService.GetVariable(r.Context(), vars["id"], vars["name"])
	if err != nil {
		respondWithFailure(w, "error getting variable", err, zap.String("execution", vars["id"]), zap.String("variable", vars["name"]))
		return
	}
	respondWithJSON(w, http.StatusOK, v)
}

type setVariableRequest struct {
	Value     any         `json:"value"`
	SourceRef string      `json:"sourceRef,omitempty"`
	Actor     model.Actor `json:"actor"`
}

func (s *Server) HandleSetVariable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req setVariableRequest
	if !decode(w, r, &req) {
		return
	}
	ref := req.SourceRef
	if ref == "" {
		ref = req.Actor.String()
	}
	v, err := s.executorService.SetVariable(r.Context(), vars["id"], vars["name"], req.Value, ref)
	if err != nil {
		respondWithFailure(w, "error setting variable", err, zap.String("execution", vars["id"]), zap.String("variable", vars["name"]))
		return
	}
	respondWithJSON(w, http.StatusOK, v)
}
