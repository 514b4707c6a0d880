package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/nidhogg/agora/internal/crew"
	"github.com/nidhogg/agora/internal/hub"
	"github.com/nidhogg/agora/internal/pipeline"
	"github.com/nidhogg/agora/internal/router"
	"github.com/nidhogg/agora/internal/store"
	"github.com/nidhogg/agora/internal/task"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	hub        *hub.Hub
	roster     *crew.Roster
	machine    *task.Machine
	dispatcher *router.Dispatcher
	orch       *pipeline.Orchestrator
	store      *store.Store
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

// NewHandler creates a new API handler. store and orch may be nil; the
// routes backed by them then answer 503.
func NewHandler(
	h *hub.Hub,
	roster *crew.Roster,
	machine *task.Machine,
	dispatcher *router.Dispatcher,
	orch *pipeline.Orchestrator,
	st *store.Store,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		hub:        h,
		roster:     roster,
		machine:    machine,
		dispatcher: dispatcher,
		orch:       orch,
		store:      st,
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/ws/{agentID}", h.serveWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.registerAgent)
		r.Get("/agents/{id}", h.getAgent)
		r.Get("/agents/{id}/tasks", h.agentTasks)

		r.Post("/tasks", h.createTask)
		r.Get("/tasks/pending", h.pendingTasks)
		r.Get("/tasks/overdue", h.overdueTasks)
		r.Get("/tasks/{id}", h.getTask)
		r.Put("/tasks/{id}", h.updateTask)
		r.Get("/tasks/{id}/assignments", h.taskAssignments)
		r.Post("/tasks/{id}/assign", h.assignTask)
		r.Post("/tasks/{id}/complete", h.completeTask)

		r.Get("/messages", h.listMessages)

		r.Get("/memory", h.listMemories)
		r.Get("/memory/{key}", h.getMemory)
		r.Put("/memory/{key}", h.setMemory)

		r.Post("/projects", h.startProject)
		r.Get("/projects", h.listProjects)
		r.Get("/projects/{id}", h.getProject)
		r.Get("/cooldowns", h.listCooldowns)
	})

	return r
}

// serveWS upgrades the connection and runs the dispatch loop until the
// agent disconnects.
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent id is required"})
		return
	}
	if !h.roster.Known(agentID) {
		// First contact over the socket registers a bare identity.
		h.roster.Register(&crew.Agent{ID: agentID, Name: agentID})
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("agent", agentID), zap.Error(err))
		return
	}
	h.dispatcher.Serve(r.Context(), agentID, hub.NewWSConn(ws))
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": h.hub.Count(),
	})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.roster.List())
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var a crew.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if a.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}
	if a.Role != "" && !a.Role.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown role"})
		return
	}
	h.roster.Register(&a)
	if h.store != nil {
		if err := h.store.SaveAgent(r.Context(), &a); err != nil {
			h.logger.Warn("agent persist failed", zap.String("agent", a.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, ok := h.roster.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) agentTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.roster.Known(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, h.machine.ByAgent(id))
}

type taskCreateRequest struct {
	CreatorID    string         `json:"creator_id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Priority     int            `json:"priority"`
	Requirements map[string]any `json:"requirements"`
	DueDate      *time.Time     `json:"due_date"`
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title is required"})
		return
	}
	t := h.machine.Create(r.Context(), &task.Task{
		CreatorID:    req.CreatorID,
		Title:        req.Title,
		Description:  req.Description,
		Priority:     req.Priority,
		Requirements: req.Requirements,
		DueDate:      req.DueDate,
	})
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) pendingTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.machine.Pending())
}

func (h *Handler) overdueTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.machine.Overdue(time.Now()))
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := h.machine.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) updateTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var u task.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	t, err := h.machine.Update(r.Context(), id, u)
	if err != nil {
		writeJSON(w, taskErrStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) taskAssignments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.machine.Get(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, h.machine.Assignments(id))
}

type assignRequest struct {
	AgentID string `json:"agent_id"`
}

func (h *Handler) assignTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id is required"})
		return
	}
	a, err := h.machine.Assign(r.Context(), id, req.AgentID)
	if err != nil {
		writeJSON(w, taskErrStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

type completeRequest struct {
	AgentID string         `json:"agent_id"`
	Result  map[string]any `json:"result"`
}

func (h *Handler) completeTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	t, err := h.machine.Complete(r.Context(), id, req.AgentID, req.Result)
	if err != nil {
		writeJSON(w, taskErrStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "message store not configured"})
		return
	}
	msgs, err := h.store.ListMessages(r.Context(), r.URL.Query().Get("sender"), 0)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) listMemories(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "memory store not configured"})
		return
	}
	mems, err := h.store.ListMemories(r.Context(), r.URL.Query().Get("created_by"), 0)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, mems)
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "memory store not configured"})
		return
	}
	key := chi.URLParam(r, "key")
	m, err := h.store.GetMemory(r.Context(), key)
	if errors.Is(err, store.ErrMemoryNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "memory not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type memorySetRequest struct {
	Value         string              `json:"value"`
	CreatedBy     string              `json:"created_by"`
	AccessControl map[string][]string `json:"access_control"`
}

func (h *Handler) setMemory(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "memory store not configured"})
		return
	}
	key := chi.URLParam(r, "key")
	var req memorySetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	m, err := h.store.SetMemory(r.Context(), key, req.Value, req.CreatedBy, req.AccessControl)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type projectStartRequest struct {
	ID           string `json:"id"`
	Requirements string `json:"requirements"`
}

func (h *Handler) startProject(w http.ResponseWriter, r *http.Request) {
	if h.orch == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "orchestrator not configured"})
		return
	}
	var req projectStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.ID == "" || req.Requirements == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id and requirements are required"})
		return
	}
	p, err := h.orch.StartProject(r.Context(), req.ID, req.Requirements)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) listProjects(w http.ResponseWriter, r *http.Request) {
	if h.orch == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "orchestrator not configured"})
		return
	}
	writeJSON(w, http.StatusOK, h.orch.Projects())
}

func (h *Handler) getProject(w http.ResponseWriter, r *http.Request) {
	if h.orch == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "orchestrator not configured"})
		return
	}
	p, ok := h.orch.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "project not found"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) listCooldowns(w http.ResponseWriter, r *http.Request) {
	if h.orch == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "orchestrator not configured"})
		return
	}
	writeJSON(w, http.StatusOK, h.orch.Cooldowns())
}

func taskErrStatus(err error) int {
	switch {
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, task.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrAssignmentConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
