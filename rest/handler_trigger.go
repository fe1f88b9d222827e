package rest

import (
	"net/http"

	"github.com/mohitkumar/chatflow/metrics"
	"github.com/mohitkumar/chatflow/model"
	"go.uber.org/zap"
)

func (s *Server) HandleFormDecision(w http.ResponseWriter, r *http.Request) {
	var d model.FormDecision
	if !decode(w, r, &d) {
		return
	}
	res, err := s.executorService.ResumeFormDecision(r.Context(), d)
	s.respondResume(w, "form decision", res, err, zap.String("execution", d.ExecutionId), zap.String("formInstance", d.FormInstanceId))
}

func (s *Server) HandleInboundMessage(w http.ResponseWriter, r *http.Request) {
	var m model.InboundMessage
	if !decode(w, r, &m) {
		return
	}
	res, err := s.executorService.ResumeInboundMessage(r.Context(), m)
	s.respondResume(w, "inbound message", res, err, zap.String("execution", m.ExecutionId))
}

func (s *Server) HandleScanResult(w http.ResponseWriter, r *http.Request) {
	var sr model.ScanResult
	if !decode(w, r, &sr) {
		return
	}
	res, err := s.executorService.ResumeScanResult(r.Context(), sr)
	s.respondResume(w, "scan result", res, err, zap.String("execution", sr.ExecutionId))
}

func (s *Server) HandleMessageAck(w http.ResponseWriter, r *http.Request) {
	var a model.MessageAck
	if !decode(w, r, &a) {
		return
	}
	res, err := s.executorService.ResumeMessageAck(r.Context(), a)
	s.respondResume(w, "message ack", res, err, zap.String("messageRef", a.MessageRef))
}

func (s *Server) respondResume(w http.ResponseWriter, kind string, res *model.ResumeResult, err error, fields ...zap.Field) {
	if err != nil {
		respondWithFailure(w, "error handling "+kind, err, fields...)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, metrics.Snapshot())
}
