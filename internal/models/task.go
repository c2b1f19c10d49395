package models

import (
	"encoding/json"
	"time"
)

// AgentTask is the unit of work published to an analyzer service. The JSON
// shape is a wire contract shared with the agents.
type AgentTask struct {
	TaskID     string          `json:"task_id"`
	IncidentID string          `json:"incident_id"`
	Capability Capability      `json:"capability"`
	Payload    json.RawMessage `json:"payload"`
	IssuedAt   time.Time       `json:"issued_at"`
	Attempt    int             `json:"attempt"`
}

// AgentResponse is an analyzer's answer to a task, received on the
// orchestrator_response subject. Result stays opaque to the coordinator.
type AgentResponse struct {
	TaskID     string          `json:"task_id"`
	IncidentID string          `json:"incident_id"`
	Capability Capability      `json:"capability"`
	Result     json.RawMessage `json:"result,omitempty"`
	ReceivedAt time.Time       `json:"received_at,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
}
