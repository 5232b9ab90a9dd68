// Package httpapi exposes the engine's admin surface: status, sleep/wake
// control, request admission and abort, and Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/kvflow/kvflow/engine"
)

// Server holds the handlers for one engine instance.
type Server struct {
	eng *engine.Engine
}

// NewServer creates a Server over the given engine.
func NewServer(eng *engine.Engine) *Server {
	return &Server{eng: eng}
}

// Router builds the admin router.
//
// Routes:
//   - GET  /v1/status   - engine state, queue depths, cache usage
//   - POST /v1/sleep    - {"level": n, "preserve_state": bool}
//   - POST /v1/wake     - wake the engine
//   - POST /v1/requests - admit a request
//   - DELETE /v1/requests/{id} - abort a request
//   - GET  /metrics     - Prometheus metrics
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/sleep", s.handleSleep)
		r.Post("/wake", s.handleWake)
		r.Post("/requests", s.handleAddRequest)
		r.Delete("/requests/{id}", s.handleAbortRequest)
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Status())
}

// SleepRequest is the body of POST /v1/sleep.
type SleepRequest struct {
	Level         int  `json:"level"`
	PreserveState bool `json:"preserve_state"`
}

func (s *Server) handleSleep(w http.ResponseWriter, r *http.Request) {
	var body SleepRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid sleep request body: "+err.Error())
		return
	}
	if body.Level < 1 {
		writeError(w, http.StatusBadRequest, "sleep level must be >= 1")
		return
	}
	s.eng.Sleep(body.Level, body.PreserveState)
	writeJSON(w, http.StatusOK, s.eng.Status())
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	s.eng.WakeUp()
	writeJSON(w, http.StatusOK, s.eng.Status())
}

// AddRequestBody is the body of POST /v1/requests.
type AddRequestBody struct {
	InputTokens []int                 `json:"input_tokens"`
	Params      engine.SamplingParams `json:"params"`
	LoRA        *engine.LoRARef       `json:"lora,omitempty"`
	Priority    int                   `json:"priority"`
}

func (s *Server) handleAddRequest(w http.ResponseWriter, r *http.Request) {
	var body AddRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(body.InputTokens) == 0 {
		writeError(w, http.StatusBadRequest, "input_tokens must be non-empty")
		return
	}
	if body.Params.MaxTokens < 0 {
		writeError(w, http.StatusBadRequest, "params.MaxTokens must be >= 0")
		return
	}
	req := engine.NewRequest("", 0, body.InputTokens, body.Params)
	req.LoRA = body.LoRA
	req.Priority = body.Priority
	id, err := s.eng.AddRequest(req)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleAbortRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.eng.AbortRequest(id); err != nil {
		switch {
		case errors.Is(err, engine.ErrUnknownRequest):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, engine.ErrSleeping):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "aborted"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.Errorf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logrus.Debugf("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}
