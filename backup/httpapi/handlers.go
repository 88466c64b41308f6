package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaybackup/engine/backup/agentproto"
	"github.com/relaybackup/engine/backup/events"
	"github.com/relaybackup/engine/backup/offline"
	"github.com/relaybackup/engine/backup/scheduler"
	"github.com/relaybackup/engine/backup/store"
)

type handlers struct {
	deps Deps
}

// longPollTimeout bounds how long GET .../events holds a connection
// open waiting for a new event before returning an empty page (§6
// "SSE-style long poll").
const longPollTimeout = 25 * time.Second

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := h.deps.Runs.GetRun(r.Context(), runID)
	if err != nil {
		if err == store.ErrNotFound {
			jsonError(w, "run not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handlers) getRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	afterSeq := int64(0)
	if v := r.URL.Query().Get("after_seq"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			jsonError(w, "invalid after_seq", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}

	if h.deps.Bus == nil {
		writeJSON(w, http.StatusOK, []events.Event{})
		return
	}

	backfill, err := h.deps.Bus.ResyncSince(r.Context(), runID, afterSeq)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(backfill) > 0 {
		writeJSON(w, http.StatusOK, backfill)
		return
	}

	ch, cancel := h.deps.Bus.Subscribe(runID)
	defer cancel()

	ctx, stop := context.WithTimeout(r.Context(), longPollTimeout)
	defer stop()

	select {
	case sig, ok := <-ch:
		if !ok {
			writeJSON(w, http.StatusOK, []events.Event{})
			return
		}
		if sig.Lagged {
			resynced, err := h.deps.Bus.ResyncSince(r.Context(), runID, afterSeq)
			if err != nil {
				jsonError(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, resynced)
			return
		}
		writeJSON(w, http.StatusOK, []events.Event{*sig.Event})
	case <-ctx.Done():
		writeJSON(w, http.StatusOK, []events.Event{})
	}
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.deps.Jobs.ListActiveJobs(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handlers) enqueueRun(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.deps.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if err == store.ErrNotFound {
			jsonError(w, "job not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	run, err := scheduler.Enqueue(r.Context(), h.deps.Runs, job, job.TargetSnapshot(), time.Now().UTC())
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (h *handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	if h.deps.Registry == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Registry.ConnectedAgentIDs())
}

var agentUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (h *handlers) wsAgent(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if h.deps.Tokens == nil || token == "" {
		jsonError(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	agentID, err := h.deps.Tokens.Verify(token)
	if err != nil {
		jsonError(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := agentUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Log.WithError(err).Warn("agent websocket upgrade failed")
		return
	}

	var conn *agentproto.Conn
	conn = agentproto.NewConn(r.Context(), ws, func(env agentproto.Envelope) {
		h.handleAgentMessage(agentID, conn, env)
	})
	h.deps.Registry.Register(agentID, conn)
}

func (h *handlers) handleAgentMessage(agentID string, conn *agentproto.Conn, env agentproto.Envelope) {
	switch env.Type {
	case agentproto.TypeRunEvent:
		var evt agentproto.RunEvent
		if err := env.Decode(&evt); err != nil {
			return
		}
		if h.deps.Bus != nil {
			_, _ = h.deps.Bus.AppendAndBroadcast(context.Background(), evt.RunID, events.Level(evt.Level), evt.Kind, evt.Message, evt.Fields)
		}
	case agentproto.TypeTaskResult:
		var result agentproto.TaskResult
		if err := env.Decode(&result); err != nil {
			return
		}
		status := store.RunStatus(result.Status)
		_ = h.deps.Runs.FinishRun(context.Background(), result.RunID, status, result.Summary, result.Error, nil)
	case agentproto.TypePing:
		_ = conn.SendTyped(agentproto.TypePong, agentproto.Pong{})
	}
}

func (h *handlers) offlineIngest(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	token := bearerToken(r)
	if h.deps.Tokens == nil || token == "" {
		jsonError(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	verifiedAgentID, err := h.deps.Tokens.Verify(token)
	if err != nil || verifiedAgentID != agentID {
		jsonError(w, "invalid token", http.StatusUnauthorized)
		return
	}

	var payload offline.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		jsonError(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if len(payload.Run.Events) > offline.MaxEvents {
		jsonError(w, "too many events", http.StatusBadRequest)
		return
	}

	if _, err := h.deps.Runs.GetRun(r.Context(), payload.Run.ID); err == nil {
		// Already ingested; re-POST is a no-op (§6 "idempotent on run.id").
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_ingested"})
		return
	}

	if _, err := h.deps.Runs.CreateRun(r.Context(), store.Run{
		ID:        payload.Run.ID,
		JobID:     payload.Run.JobID,
		Status:    store.RunRunning,
		StartedAt: payload.Run.StartedAt,
	}); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if h.deps.Bus != nil {
		for _, evt := range payload.Run.Events {
			_, _ = h.deps.Bus.AppendAndBroadcast(r.Context(), payload.Run.ID, events.Level(evt.Level), evt.Kind, evt.Message, evt.Fields)
		}
	}

	if err := h.deps.Runs.FinishRun(r.Context(), payload.Run.ID, store.RunStatus(payload.Run.Status), payload.Run.Summary, payload.Run.Error, nil); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ingested"})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
