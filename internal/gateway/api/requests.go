package api

import v1 "github.com/ctrlplane/gateway/pkg/api/v1"

// CreateRunRequest is the UI's POST /api/runs body.
type CreateRunRequest struct {
	WorkerType  v1.WorkerType `json:"workerType" binding:"required"`
	Command     string        `json:"command"`
	Model       string        `json:"model"`
	Integration string        `json:"integration"`
	Provider    string        `json:"provider"`
	Autonomous  bool          `json:"autonomous"`
	WorkingDir  string        `json:"workingDir" binding:"required"`
}

// RestartRunRequest is the UI's POST /api/runs/:id/restart body.
type RestartRunRequest struct {
	Command    string `json:"command"`
	WorkingDir string `json:"workingDir"`
	Resume     bool   `json:"resume"`
}

// CommandRequest is the UI's POST /api/runs/:id/command body.
type CommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// InputRequest is the UI's POST /api/runs/:id/input body.
type InputRequest struct {
	Input  string `json:"input" binding:"required"`
	Escape bool   `json:"escape"`
}

// RegisterAgentRequest is an agent host's POST /api/clients/register body.
type RegisterAgentRequest struct {
	AgentID      string   `json:"agentId" binding:"required"`
	Label        string   `json:"label"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// HeartbeatRequest is an agent host's POST /api/clients/heartbeat body.
type HeartbeatRequest struct {
	AgentID string `json:"agentId" binding:"required"`
}

// ClaimRequest is an agent host's POST /api/runs/claim body.
type ClaimRequest struct {
	AgentID        string          `json:"agentId" binding:"required"`
	SupportedTypes []v1.WorkerType `json:"supportedTypes" binding:"required"`
}

// IngestEventRequest is the agent worker driver's POST /api/ingest/event body.
type IngestEventRequest struct {
	Type      v1.EventType `json:"type" binding:"required"`
	Data      string       `json:"data"`
	SenderSeq *int64       `json:"sequence"`
}

// AckCommandRequest is the agent worker driver's
// POST /api/runs/:id/commands/:cmdId/ack body.
type AckCommandRequest struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

// PutRunStateRequest is the agent worker driver's POST /api/runs/:id/state body.
type PutRunStateRequest struct {
	WorkingDir string        `json:"workingDir"`
	Sequence   int64         `json:"lastSequence"`
	WorkerType v1.WorkerType `json:"workerType"`
	Model      string        `json:"model"`
}
