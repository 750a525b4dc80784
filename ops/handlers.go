package ops

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/state"
)

type pipelineSummary struct {
	ID           int64                `json:"id"`
	Name         string               `json:"name"`
	Status       string               `json:"status"`
	UnitRunning  bool                 `json:"unit_running"`
	Destinations []destinationSummary `json:"destinations"`
}

type destinationSummary struct {
	DestinationID int64  `json:"destination_id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	IsError       bool   `json:"is_error"`
	ErrorMessage  string `json:"error_message,omitempty"`
	Routes        int    `json:"routes"`
}

type jobSummary struct {
	ID             int64  `json:"id"`
	PipelineID     int64  `json:"pipeline_id"`
	TableName      string `json:"table_name"`
	Status         string `json:"status"`
	CountRecord    int64  `json:"count_record"`
	TotalRecord    int64  `json:"total_record"`
	ResumeAttempts int    `json:"resume_attempts"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListPipelines(r.Context()); err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "state store unreachable")
		return
	}
	writeJSONResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"units_running":  s.supervisor.UnitCount(),
		"pipelines":      s.supervisor.RunningPipelines(),
	})
}

func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.store.ListPipelines(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	running := make(map[int64]bool)
	for _, id := range s.supervisor.RunningPipelines() {
		running[id] = true
	}

	out := make([]pipelineSummary, 0, len(pipelines))
	for i := range pipelines {
		out = append(out, summarize(&pipelines[i], running[pipelines[i].ID]))
	}
	writeJSONResponse(w, out)
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "pipelineID"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid pipeline ID")
		return
	}

	pipeline, err := s.store.GetPipeline(r.Context(), id)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pipeline == nil {
		writeErrorResponse(w, http.StatusNotFound, "pipeline not found")
		return
	}

	running := make(map[int64]bool)
	for _, rid := range s.supervisor.RunningPipelines() {
		running[rid] = true
	}
	writeJSONResponse(w, summarize(pipeline, running[pipeline.ID]))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []string
	if status := r.URL.Query().Get("status"); status != "" {
		statuses = append(statuses, status)
	}

	jobs, err := s.store.ListJobs(r.Context(), statuses...)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobSummary{
			ID:             j.ID,
			PipelineID:     j.PipelineID,
			TableName:      j.TableName,
			Status:         j.Status,
			CountRecord:    j.CountRecord,
			TotalRecord:    j.TotalRecord,
			ResumeAttempts: j.ResumeAttempts,
			ErrorMessage:   j.ErrorMessage,
		})
	}
	writeJSONResponse(w, out)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	depths, err := s.queue.Depths(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	var total int64
	for _, depth := range depths {
		total += depth
	}
	writeJSONResponse(w, map[string]interface{}{
		"total":  total,
		"queues": depths,
	})
}

type ackRequest struct {
	Pipeline    string `json:"pipeline"`
	Destination string `json:"destination"`
	Table       string `json:"table"`
	Category    string `json:"category"`
}

// handleNotificationAck lifts the dedupe window for one notification key
// so the next failure on it notifies immediately.
func (s *Server) handleNotificationAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid acknowledgement body")
		return
	}
	if req.Pipeline == "" || req.Destination == "" {
		writeErrorResponse(w, http.StatusBadRequest, "pipeline and destination are required")
		return
	}

	acked := s.notifier.Acknowledge(req.Pipeline, req.Destination, req.Table, req.Category)
	writeJSONResponse(w, map[string]bool{"acknowledged": acked})
}

func summarize(p *state.Pipeline, unitRunning bool) pipelineSummary {
	out := pipelineSummary{
		ID:           p.ID,
		Name:         p.Name,
		Status:       p.Status,
		UnitRunning:  unitRunning,
		Destinations: make([]destinationSummary, 0, len(p.Destinations)),
	}
	for _, pd := range p.Destinations {
		out.Destinations = append(out.Destinations, destinationSummary{
			DestinationID: pd.DestinationID,
			Name:          pd.Destination.Name,
			Type:          pd.Destination.DestType,
			IsError:       pd.IsError,
			ErrorMessage:  pd.ErrorMessage,
			Routes:        len(pd.Routes),
		})
	}
	return out
}

func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
