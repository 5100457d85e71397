package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/hookrelay/internal/auth"
	"github.com/mattjoyce/hookrelay/internal/events"
	"github.com/mattjoyce/hookrelay/internal/queue"
	"github.com/mattjoyce/hookrelay/internal/storage"
)

const defaultListLimit = 50

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(s.now().Sub(s.startedAt).Seconds()),
	})
}

// handleReady reports whether the relay can accept and forward events.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true
	fail := func(name string, err error) {
		ready = false
		checks[name] = err.Error()
	}

	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness: store not writable", "error", err)
		fail("store", errors.New("not writable"))
	} else {
		checks["store"] = "ok"
	}

	if s.config.DBPath != "" {
		if err := storage.CheckHeadroom(s.config.DBPath, s.config.MinFreeDisk); err != nil {
			fail("disk", err)
		} else {
			checks["disk"] = "ok"
		}
	}

	now := s.now()
	for _, hb := range s.heartbeats {
		last := hb.last()
		switch {
		case last.IsZero():
			fail(hb.name, errors.New("not started"))
		case now.Sub(last) > hb.maxAge:
			fail(hb.name, fmt.Errorf("stale heartbeat (%s old)", now.Sub(last).Round(time.Second)))
		default:
			checks[hb.name] = "ok"
		}
	}

	if !ready {
		respondJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Checks: checks})
		return
	}
	respondJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}

	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to read queue stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	items, err := s.store.ListPending(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list pending events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list pending events")
		return
	}

	resp := QueueResponse{Stats: statsView(st), Items: make([]PendingView, 0, len(items))}
	for _, p := range items {
		resp.Items = append(resp.Items, pendingView(p))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}

	items, err := s.store.ListDLQ(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list dead letters", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	resp := DLQResponse{Items: make([]DLQView, 0, len(items))}
	for _, d := range items {
		resp.Items = append(resp.Items, dlqView(d))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	actor := "unknown"
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		actor = p.Name
	}

	res, err := s.store.Replay(r.Context(), eventID, actor)
	if errors.Is(err, queue.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if err != nil {
		s.logger.Error("dlq replay failed", "event_id", eventID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "replay failed")
		return
	}

	s.metrics.Replayed(string(res.Outcome))
	s.events.Publish(events.TypeReplayed, map[string]any{
		"event_id": res.EventID, "outcome": res.Outcome, "replay_count": res.ReplayCount, "actor": actor,
	})
	s.logger.Info("dlq replay", "event_id", res.EventID, "outcome", res.Outcome, "actor", actor)

	respondJSON(w, http.StatusOK, ReplayResponse{
		EventID:     res.EventID,
		Outcome:     string(res.Outcome),
		ReplayCount: res.ReplayCount,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}

	entries, err := s.store.AuditLog(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read audit log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}

	resp := AuditResponse{Items: make([]AuditView, 0, len(entries))}
	for _, e := range entries {
		resp.Items = append(resp.Items, auditView(e))
	}
	respondJSON(w, http.StatusOK, resp)
}

// parseLimit reads ?limit=, writing a 400 when it is not a positive integer.
func (s *Server) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
