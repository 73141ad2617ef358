package api

import (
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ctrlplane/gateway/internal/gateway/agents"
	"github.com/ctrlplane/gateway/internal/gateway/artifacts"
	"github.com/ctrlplane/gateway/internal/gateway/commandqueue"
	"github.com/ctrlplane/gateway/internal/gateway/eventlog"
	"github.com/ctrlplane/gateway/internal/gateway/hub"
	"github.com/ctrlplane/gateway/internal/gateway/runs"
	"github.com/ctrlplane/gateway/internal/platform/apierr"
	"github.com/ctrlplane/gateway/internal/platform/logger"
	"github.com/ctrlplane/gateway/internal/store"
	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

// Handler wires the gateway's HTTP surface to C2-C6 and C5's fanout hub.
type Handler struct {
	runs      *runs.Manager
	events    *eventlog.Log
	commands  *commandqueue.Queue
	agents    *agents.Registry
	hub       *hub.Hub
	artifacts *artifacts.Store
	states    store.RunStateRepository
	logger    *logger.Logger
}

// NewHandler builds a Handler over the gateway's core components.
func NewHandler(r *runs.Manager, ev *eventlog.Log, cq *commandqueue.Queue, ar *agents.Registry, h *hub.Hub, af *artifacts.Store, states store.RunStateRepository, log *logger.Logger) *Handler {
	return &Handler{
		runs:      r,
		events:    ev,
		commands:  cq,
		agents:    ar,
		hub:       h,
		artifacts: af,
		states:    states,
		logger:    log.WithFields(zap.String("component", "gateway-api")),
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := apierr.GetHTTPStatus(err)
	if ae, ok := apierr.As(err); ok {
		c.JSON(status, gin.H{"error": gin.H{"code": ae.Code, "message": ae.Message}})
		return
	}
	h.logger.Error("unhandled handler error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "internal", "message": err.Error()}})
}

// checkCapability verifies the run-scoped X-Capability-Token header (set by
// the signing middleware into gin context) matches run's token. C1's
// signature middleware only proves envelope integrity; this is the
// capability check it defers to the handler (per its doc comment).
func (h *Handler) checkCapability(c *gin.Context, run *v1.Run) bool {
	token := c.GetString("capability_token")
	if token == "" || token != run.CapabilityToken {
		h.fail(c, apierr.CapabilityMismatch("capability token does not match run"))
		return false
	}
	return true
}

func (h *Handler) broadcastRun(run *v1.Run) {
	h.hub.Broadcast(hub.RunTopic(run.ID), "run_updated", run)
	h.hub.Broadcast(hub.AllTopic(), "run_updated", run)
}

// --- UI routes ---

// CreateRun handles POST /api/runs.
func (h *Handler) CreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apierr.Validation(err.Error()))
		return
	}

	run, err := h.runs.Create(c.Request.Context(), runs.CreateRequest{
		WorkerType:  req.WorkerType,
		Command:     req.Command,
		Model:       req.Model,
		Integration: req.Integration,
		Provider:    req.Provider,
		Autonomous:  req.Autonomous,
		WorkingDir:  req.WorkingDir,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	h.broadcastRun(run)
	c.JSON(http.StatusCreated, run)
}

// ListRuns handles GET /api/runs.
func (h *Handler) ListRuns(c *gin.Context) {
	filter := v1.RunFilter{
		Status:     v1.RunStatus(c.Query("status")),
		WorkerType: v1.WorkerType(c.Query("workerType")),
		ClientID:   c.Query("clientId"),
		Search:     c.Query("search"),
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(c.Query("offset")); err == nil {
		filter.Offset = offset
	}

	list, err := h.runs.List(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": list, "total": len(list)})
}

// GetRun handles GET /api/runs/:id.
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetRunEvents handles GET /api/runs/:id/events?after=&limit=.
func (h *Handler) GetRunEvents(c *gin.Context) {
	runID := c.Param("id")
	var afterID int64
	if v, err := strconv.ParseInt(c.Query("after"), 10, 64); err == nil {
		afterID = v
	}
	limit := 0
	if v, err := strconv.Atoi(c.Query("limit")); err == nil {
		limit = v
	}

	evs, err := h.events.Read(c.Request.Context(), runID, afterID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

// GetRunState handles GET /api/runs/:id/state.
func (h *Handler) GetRunState(c *gin.Context) {
	state, err := h.states.GetRunState(c.Request.Context(), c.Param("id"))
	if err == store.ErrNotFound {
		h.fail(c, apierr.NotFound("run state", c.Param("id")))
		return
	}
	if err != nil {
		h.fail(c, apierr.Internal("failed to load run state", err))
		return
	}
	c.JSON(http.StatusOK, state)
}

// EnqueueCommand handles POST /api/runs/:id/command.
func (h *Handler) EnqueueCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apierr.Validation(err.Error()))
		return
	}
	cmd, err := h.commands.Enqueue(c.Request.Context(), c.Param("id"), req.Command)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.hub.Broadcast(hub.RunTopic(cmd.RunID), "command_queued", cmd)
	c.JSON(http.StatusAccepted, cmd)
}

// SendInput handles POST /api/runs/:id/input.
func (h *Handler) SendInput(c *gin.Context) {
	var req InputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apierr.Validation(err.Error()))
		return
	}

	text := req.Input
	if req.Escape {
		text = "\x03" + text
	}
	cmd, err := h.commands.Enqueue(c.Request.Context(), c.Param("id"), v1.VerbInputPrefix+text)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.hub.Broadcast(hub.RunTopic(cmd.RunID), "command_queued", cmd)
	c.JSON(http.StatusAccepted, cmd)
}

func (h *Handler) enqueueMagicVerb(c *gin.Context, verb string) {
	cmd, err := h.commands.Enqueue(c.Request.Context(), c.Param("id"), verb)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.hub.Broadcast(hub.RunTopic(cmd.RunID), "command_queued", cmd)
	c.JSON(http.StatusAccepted, cmd)
}

// Escape handles POST /api/runs/:id/escape.
func (h *Handler) Escape(c *gin.Context) { h.enqueueMagicVerb(c, v1.VerbEscape) }

// Stop handles POST /api/runs/:id/stop.
func (h *Handler) Stop(c *gin.Context) { h.enqueueMagicVerb(c, v1.VerbStop) }

// Halt handles POST /api/runs/:id/halt.
func (h *Handler) Halt(c *gin.Context) { h.enqueueMagicVerb(c, v1.VerbHalt) }

// Restart handles POST /api/runs/:id/restart.
func (h *Handler) Restart(c *gin.Context) {
	var req RestartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = RestartRunRequest{}
	}

	run, err := h.runs.Restart(c.Request.Context(), c.Param("id"), runs.RestartRequest{
		Command:    req.Command,
		WorkingDir: req.WorkingDir,
		Resume:     req.Resume,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.broadcastRun(run)
	c.JSON(http.StatusCreated, run)
}

// DeleteRun handles DELETE /api/runs/:id.
func (h *Handler) DeleteRun(c *gin.Context) {
	runID := c.Param("id")
	if err := h.runs.Delete(c.Request.Context(), runID); err != nil {
		h.fail(c, err)
		return
	}
	h.hub.Broadcast(hub.RunTopic(runID), "run_deleted", gin.H{"id": runID})
	h.hub.Broadcast(hub.AllTopic(), "run_deleted", gin.H{"id": runID})
	c.JSON(http.StatusOK, gin.H{"message": "run deleted", "id": runID})
}

// --- Agent (connect-back) routes ---

// RegisterAgent handles POST /api/clients/register.
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apierr.Validation(err.Error()))
		return
	}

	agent := &v1.Agent{
		ID:           req.AgentID,
		Label:        req.Label,
		Version:      req.Version,
		Capabilities: req.Capabilities,
	}
	if err := h.agents.Register(c.Request.Context(), agent); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// HeartbeatAgent handles POST /api/clients/heartbeat.
func (h *Handler) HeartbeatAgent(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apierr.Validation(err.Error()))
		return
	}
	if err := h.agents.Heartbeat(c.Request.Context(), req.AgentID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ClaimRun handles POST /api/runs/claim.
func (h *Handler) ClaimRun(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apierr.Validation(err.Error()))
		return
	}

	run, err := h.runs.Claim(c.Request.Context(), req.AgentID, req.SupportedTypes)
	if err != nil {
		h.fail(c, err)
		return
	}
	if run == nil {
		c.JSON(http.StatusOK, gin.H{"run": nil})
		return
	}
	h.broadcastRun(run)
	c.JSON(http.StatusOK, gin.H{"run": run})
}

// IngestEvent handles POST /api/ingest/event (run-scoped).
func (h *Handler) IngestEvent(c *gin.Context) {
	runID := c.Param("id")
	run, err := h.runs.Get(c.Request.Context(), runID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !h.checkCapability(c, run) {
		return
	}

	var req IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apierr.Validation(err.Error()))
		return
	}

	ev, err := h.events.Append(c.Request.Context(), runID, req.Type, req.Data, req.SenderSeq)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.applyMarkerTransition(c, run, req)

	h.hub.Broadcast(hub.RunTopic(runID), "event", ev)
	h.hub.Broadcast(hub.AllTopic(), "event", ev)
	c.JSON(http.StatusOK, gin.H{"ok": true, "eventId": ev.ID})
}

// applyMarkerTransition drives the run state machine off marker:started and
// marker:finished events (§9's decision: the scenario in §8 is authoritative
// over the Data Model paragraph — claim does not itself start a run).
func (h *Handler) applyMarkerTransition(c *gin.Context, run *v1.Run, req IngestEventRequest) {
	if req.Type != v1.EventMarker {
		return
	}
	marker := parseMarker(req.Data)
	switch marker.event {
	case "started":
		if err := h.runs.MarkStarted(c.Request.Context(), run.ID); err == nil {
			if updated, getErr := h.runs.Get(c.Request.Context(), run.ID); getErr == nil {
				h.broadcastRun(updated)
			}
		}
	case "finished":
		if err := h.runs.MarkFinished(c.Request.Context(), run.ID, marker.exitCode); err == nil {
			if updated, getErr := h.runs.Get(c.Request.Context(), run.ID); getErr == nil {
				h.broadcastRun(updated)
			}
		}
	}
}

// PollCommands handles GET /api/runs/:id/commands (run-scoped).
func (h *Handler) PollCommands(c *gin.Context) {
	runID := c.Param("id")
	run, err := h.runs.Get(c.Request.Context(), runID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !h.checkCapability(c, run) {
		return
	}

	cmds, err := h.commands.Poll(c.Request.Context(), runID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": cmds})
}

// AckCommand handles POST /api/runs/:id/commands/:cmdId/ack (run-scoped).
func (h *Handler) AckCommand(c *gin.Context) {
	runID := c.Param("id")
	run, err := h.runs.Get(c.Request.Context(), runID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !h.checkCapability(c, run) {
		return
	}

	var req AckCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = AckCommandRequest{}
	}

	if err := h.commands.Ack(c.Request.Context(), runID, c.Param("cmdId"), req.Result, req.Error); err != nil {
		h.fail(c, err)
		return
	}
	h.hub.Broadcast(hub.RunTopic(runID), "command_completed", gin.H{"commandId": c.Param("cmdId")})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// PutRunState handles POST /api/runs/:id/state (run-scoped).
func (h *Handler) PutRunState(c *gin.Context) {
	runID := c.Param("id")
	run, err := h.runs.Get(c.Request.Context(), runID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !h.checkCapability(c, run) {
		return
	}

	var req PutRunStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apierr.Validation(err.Error()))
		return
	}

	state := &v1.RunState{
		RunID:      runID,
		Sequence:   req.Sequence,
		WorkingDir: req.WorkingDir,
		WorkerType: req.WorkerType,
		Model:      req.Model,
	}
	if err := h.states.PutRunState(c.Request.Context(), state); err != nil {
		h.fail(c, apierr.Internal("failed to persist run state", err))
		return
	}
	h.hub.Broadcast(hub.RunTopic(runID), "state_updated", state)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// UploadArtifact handles the run-scoped multipart artifact upload endpoint.
func (h *Handler) UploadArtifact(c *gin.Context) {
	runID := c.Param("id")
	run, err := h.runs.Get(c.Request.Context(), runID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !h.checkCapability(c, run) {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		h.fail(c, apierr.Validation("missing file part"))
		return
	}

	var f multipart.File
	f, err = fileHeader.Open()
	if err != nil {
		h.fail(c, apierr.Internal("failed to open upload", err))
		return
	}
	defer f.Close()

	path, err := h.artifacts.Save(runID, fileHeader.Filename, f)
	if err != nil {
		h.fail(c, apierr.Internal("failed to store artifact", err))
		return
	}

	h.hub.Broadcast(hub.RunTopic(runID), "artifact_uploaded", gin.H{"filename": fileHeader.Filename})
	c.JSON(http.StatusOK, gin.H{"ok": true, "path": path})
}

// ListArtifacts handles GET /api/runs/:id/artifacts.
func (h *Handler) ListArtifacts(c *gin.Context) {
	runID := c.Param("id")
	names, err := h.artifacts.List(runID)
	if err != nil {
		h.fail(c, apierr.Internal("failed to list artifacts", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": names})
}

// ListAgents handles GET /api/clients.
func (h *Handler) ListAgents(c *gin.Context) {
	list, err := h.agents.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": list})
}
