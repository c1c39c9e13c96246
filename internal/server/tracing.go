package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	routex "github.com/dctx-team/routex/internal"
)

func (s *Server) handleTracingStats(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, s.Tracer.Stats())
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceId")
	spans := s.Tracer.GetTraceSpans(traceID)
	if len(spans) == 0 {
		respondError(w, routex.E(routex.KindNotFound, "trace %s not found", traceID))
		return
	}
	respond(w, http.StatusOK, spans)
}

func (s *Server) handleGetSpan(w http.ResponseWriter, r *http.Request) {
	spanID := chi.URLParam(r, "spanId")
	span, ok := s.Tracer.GetSpan(spanID)
	if !ok {
		respondError(w, routex.E(routex.KindNotFound, "span %s not found", spanID))
		return
	}
	respond(w, http.StatusOK, span)
}

func (s *Server) handleTracingClear(w http.ResponseWriter, _ *http.Request) {
	s.Tracer.Clear()
	respond(w, http.StatusOK, map[string]string{"status": "cleared"})
}
