package models

import (
	"encoding/json"
	"time"
)

// ── Sessions & Messages ──────────────────────────────────────

// Session is one conversation between a user and an agent. The session
// outlives any individual client stream: a client may disconnect and
// reattach while the session keeps accumulating messages.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	OrgID     string    `json:"org_id"`
	AgentID   string    `json:"agent_id"`
	RuntimeID string    `json:"runtime_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is one entry in a session's append-only log.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// ── Stream Events ────────────────────────────────────────────

// Event kinds pushed over a client stream. The execution plane may emit
// arbitrary kinds; these are the ones the relay itself produces or
// interprets.
const (
	EventKindHeartbeat = "heartbeat"
	EventKindDelta     = "delta"
	EventKindToolCall  = "tool_call"
	EventKindComplete  = "complete"
	EventKindError     = "error"
)

// BufferedEvent is one unit of output retained by the event buffer.
// Seq is scoped per session, starts at 1, and is strictly increasing.
type BufferedEvent struct {
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	At        time.Time       `json:"at"`
}

// ── Execution Plane Wire Types ───────────────────────────────

// ExecutionMode tags which backend produced an execution outcome.
type ExecutionMode string

const (
	// ModeRemote is the primary path: the user's remote execution worker.
	ModeRemote ExecutionMode = "remote"
	// ModeEmbedded is the fallback path: a direct in-process LLM call,
	// used while the circuit is open.
	ModeEmbedded ExecutionMode = "embedded"
)

// AgentConfig is the agent configuration shipped in a start_session frame.
type AgentConfig struct {
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Model        string  `json:"model,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
}

// ToolServer describes an external tool server available to the agent.
type ToolServer struct {
	Name      string            `json:"name"`
	Endpoint  string            `json:"endpoint"`
	Transport string            `json:"transport,omitempty"` // http, stdio, sse
	Headers   map[string]string `json:"headers,omitempty"`
}

// SkillRef is one entry of the skill index shipped to the worker.
type SkillRef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Path        string `json:"path,omitempty"`
}

// StartSession tells the execution plane to provision conversation state
// for a session before the first user message arrives.
type StartSession struct {
	SessionID   string       `json:"session_id"`
	RuntimeID   string       `json:"runtime_id"`
	AgentID     string       `json:"agent_id"`
	Agent       AgentConfig  `json:"agent"`
	ToolServers []ToolServer `json:"tool_servers,omitempty"`
	Skills      []SkillRef   `json:"skills,omitempty"`
}

// UserMessage hands one user turn to the execution plane. History is
// trimmed to the configured truncation length before sending.
type UserMessage struct {
	SessionID string            `json:"session_id"`
	Text      string            `json:"text"`
	History   []Message         `json:"history,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Cancel asks the execution plane to stop an in-flight turn. Best effort;
// the relay never waits for an acknowledgment.
type Cancel struct {
	SessionID string `json:"session_id"`
}

// ── Execution Outcomes & Circuit State ───────────────────────

// ExecutionOutcome is one sample fed to the health monitor, created once
// per completed (or failed) execution-plane invocation.
type ExecutionOutcome struct {
	SessionID string        `json:"session_id"`
	OrgID     string        `json:"org_id"`
	Mode      ExecutionMode `json:"mode"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	LatencyMs int64         `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthMetrics summarizes outcomes for one execution mode within a window.
type HealthMetrics struct {
	Total        int     `json:"total"`
	Success      int     `json:"success"`
	Error        int     `json:"error"`
	Timeout      int     `json:"timeout"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	ErrorRate    float64 `json:"error_rate"`
	TimeoutRate  float64 `json:"timeout_rate"`
}

// CircuitState is the health monitor's externally visible state.
// Reason is empty while fallback is disabled.
type CircuitState struct {
	FallbackEnabled bool   `json:"fallback_enabled"`
	Reason          string `json:"reason,omitempty"`
}

// ── Worker Readiness ─────────────────────────────────────────

type ReadinessStatus string

const (
	WorkerProvisioning ReadinessStatus = "provisioning"
	WorkerStarting     ReadinessStatus = "starting"
	WorkerReady        ReadinessStatus = "ready"
	WorkerFailed       ReadinessStatus = "failed"
	WorkerTerminated   ReadinessStatus = "terminated"
)

// Terminal reports whether the status can no longer progress to ready.
func (s ReadinessStatus) Terminal() bool {
	return s == WorkerFailed || s == WorkerTerminated
}

// ReadinessState is the per-(user, org) execution-worker status as last
// reported by the provisioning subsystem. The relay only polls and
// interprets it; it never mutates worker state itself.
type ReadinessState struct {
	Ready        bool            `json:"ready"`
	Status       ReadinessStatus `json:"status"`
	RetryAfterMs int64           `json:"retry_after_ms,omitempty"`
	Detail       string          `json:"detail,omitempty"`
}

// ProvisionHints carries optional placement hints passed through to the
// provisioning subsystem when a worker has to be created on demand.
type ProvisionHints struct {
	Region    string `json:"region,omitempty"`
	RuntimeID string `json:"runtime_id,omitempty"`
}
