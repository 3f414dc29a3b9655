package events

import (
	"time"
)

// Type identifies an event kind on the outbound stream.
type Type string

const (
	// Session lifecycle
	TypeSessionCreated Type = "session.created"
	TypeSessionUpdated Type = "session.updated"
	TypeSessionDeleted Type = "session.deleted"

	// Run lifecycle
	TypeRunStarted   Type = "run.started"
	TypeRunPaused    Type = "run.paused"
	TypeRunResumed   Type = "run.resumed"
	TypeRunCompleted Type = "run.completed"
	TypeRunCancelled Type = "run.cancelled"
	TypeRunFailed    Type = "run.failed"
	TypeRunExhausted Type = "run.exhausted"

	// Conversation content
	TypeMessageAppended Type = "message.appended"
	TypeToolCallStarted Type = "tool.call.started"
	TypeToolCallResult  Type = "tool.call.result"

	// Approval flow
	TypeApprovalRequested Type = "approval.requested"
	TypeApprovalResolved  Type = "approval.resolved"

	// Infrastructure status
	TypeProviderStatus Type = "provider.status"
	TypeServerStatus   Type = "server.status"
	TypeWorkspaceLost  Type = "workspace.lost"
	TypeError          Type = "error"
)

// Event is one entry on the outbound stream. Events for the same session
// are delivered to each subscriber in publish order.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// ApprovalRequest asks the client to confirm or deny a dangerous tool call.
type ApprovalRequest struct {
	ApprovalID string         `json:"approval_id"`
	RunID      string         `json:"run_id"`
	ToolName   string         `json:"tool_name"`
	Args       map[string]any `json:"args,omitempty"`
	Risk       string         `json:"risk"`
}

// ToolCallInfo describes a tool invocation on the stream.
type ToolCallInfo struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
	Content  string `json:"content,omitempty"`
	Success  bool   `json:"success"`
	Cached   bool   `json:"cached,omitempty"`
}

// ServerStatusInfo reports an external server state transition.
type ServerStatusInfo struct {
	ServerID string `json:"server_id"`
	State    string `json:"state"`
}

// ProviderStatusInfo reports a provider selection or cooldown change.
type ProviderStatusInfo struct {
	Provider string `json:"provider"`
	Status   string `json:"status"`
	Detail   string `json:"detail,omitempty"`
}
