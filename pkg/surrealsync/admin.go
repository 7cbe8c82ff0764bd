package surrealsync

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/surrealdb/surrealsync/pkg/bus"
	"github.com/surrealdb/surrealsync/pkg/bus/changetracking"
	"github.com/surrealdb/surrealsync/pkg/deadletter"
	"github.com/surrealdb/surrealsync/pkg/record"
	"github.com/surrealdb/surrealsync/pkg/syncerr"
	"github.com/surrealdb/surrealsync/pkg/syncworker"
)

// router builds the admin API.
func (a *App) router() *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", a.handleHealth).Methods("GET")
	api.HandleFunc("/stats", a.handleStats).Methods("GET")

	api.HandleFunc("/checkpoints", a.handleListCheckpoints).Methods("GET")
	api.HandleFunc("/checkpoints/{entity}", a.handleGetCheckpoint).Methods("GET")
	api.HandleFunc("/checkpoints/{entity}", a.handleResetCheckpoint).Methods("DELETE")

	api.HandleFunc("/deadletters", a.handleListDeadLetters).Methods("GET")
	api.HandleFunc("/deadletters/{id}", a.handleGetDeadLetter).Methods("GET")
	api.HandleFunc("/deadletters/{id}", a.handleDeleteDeadLetter).Methods("DELETE")
	api.HandleFunc("/deadletters/{id}/replay", a.handleReplayDeadLetter).Methods("POST")

	api.HandleFunc("/changes", a.handlePublishChange).Methods("POST")

	router.HandleFunc("/health", a.handleHealth).Methods("GET")
	return router
}

// respondJSON sends payload as JSON with the given status.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_, _ = w.Write(response)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps not found to 404 and anything else to 500.
func respondStoreError(w http.ResponseWriter, err error) {
	if syncerr.IsNotFound(err) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"bus":    a.config.Bus,
		"roots":  a.links.Roots(),
		"time":   time.Now().Unix(),
	})
}

type statsResponse struct {
	Sync     *syncworker.Stats     `json:"sync,omitempty"`
	Changes  *changetracking.Stats `json:"changes,omitempty"`
	Backfill backfillStatus        `json:"backfill"`
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse

	a.mu.Lock()
	if a.syncer != nil {
		stats := a.syncer.Stats()
		resp.Sync = &stats
	}
	resp.Backfill = a.backfill
	a.mu.Unlock()

	if a.changes != nil {
		stats, err := a.changes.Stats(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Changes = stats
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *App) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := a.checkpoints.List(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cps)
}

func (a *App) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := a.checkpoints.Get(r.Context(), mux.Vars(r)["entity"])
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cp)
}

// handleResetCheckpoint forgets an entity's progress so its next backfill
// starts from the first key. A backfill already running for the entity
// restarts after its current batch.
func (a *App) handleResetCheckpoint(w http.ResponseWriter, r *http.Request) {
	entity := mux.Vars(r)["entity"]
	if !a.links.IsRoot(entity) {
		respondError(w, http.StatusNotFound, entity+" is not a root entity")
		return
	}
	if err := a.checkpoints.Clear(r.Context(), entity); err != nil {
		respondStoreError(w, err)
		return
	}
	a.log.Info().Str("entity", entity).Msg("Checkpoint reset")
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := a.deadLetters.List(r.Context(), limit)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func deadLetterID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid dead letter ID")
		return uuid.Nil, false
	}
	return id, true
}

func (a *App) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := deadLetterID(w, r)
	if !ok {
		return
	}
	e, err := a.deadLetters.Get(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (a *App) handleDeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := deadLetterID(w, r)
	if !ok {
		return
	}
	if err := a.deadLetters.Remove(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReplayDeadLetter publishes a parked event again. The sync worker
// re-reads relational truth, so replaying a stale event is safe.
func (a *App) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := deadLetterID(w, r)
	if !ok {
		return
	}
	e, err := deadletter.Replay(r.Context(), a.deadLetters, a.bus, id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	a.log.Info().Str("id", id.String()).Stringer("event", e.Event).Msg("Replayed dead letter")
	respondJSON(w, http.StatusAccepted, e)
}

type changeRequest struct {
	Entity    string `json:"entity"`
	RecordID  any    `json:"record_id"`
	Operation string `json:"operation"`
}

// handlePublishChange lets writers outside this process report a committed
// change. It goes through the hook registry like an in-process commit.
func (a *App) handlePublishChange(w http.ResponseWriter, r *http.Request) {
	var req changeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	op, err := bus.ParseOperation(req.Operation)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Entity == "" || req.RecordID == nil {
		respondError(w, http.StatusBadRequest, "entity and record_id are required")
		return
	}
	if _, ok := a.links.Entity(req.Entity); !ok {
		respondError(w, http.StatusBadRequest, "unknown entity "+req.Entity)
		return
	}

	ev := bus.ChangeEvent{
		Entity:     req.Entity,
		RecordID:   record.NormalizeKey(req.RecordID),
		Operation:  op,
		OccurredAt: time.Now().UTC(),
	}
	failed := a.hooks.Emit(r.Context(), ev)
	respondJSON(w, http.StatusAccepted, map[string]any{
		"event":  ev,
		"failed": failed,
	})
}
