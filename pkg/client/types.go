package client

import "github.com/hyperengineering/engrammar/internal/types"

// Request types understood by the daemon.
const (
	TypeSearch         = "search"
	TypeToolContext    = "tool_context"
	TypePinned         = "pinned"
	TypePing           = "ping"
	TypeRunMaintenance = "run_maintenance"
	TypeShutdown       = "shutdown"
)

// Request is the single envelope for all daemon calls: one JSON record per
// connection, newline-framed. Fields irrelevant to a type are omitted.
type Request struct {
	Type string `json:"type"`

	// search
	Query          string   `json:"query,omitempty"`
	TopK           int      `json:"top_k,omitempty"`
	CategoryFilter string   `json:"category_filter,omitempty"`
	TagFilter      []string `json:"tag_filter,omitempty"`
	Session        string   `json:"session,omitempty"`
	HookEvent      string   `json:"hook_event,omitempty"`

	// tool_context
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`

	// run_maintenance
	EvaluateLimit int `json:"evaluate_limit,omitempty"`
}

// Maintenance task states returned by run_maintenance.
const (
	TaskStarted        = "started"
	TaskAlreadyRunning = "already_running"
)

// Response is the single envelope for all daemon replies.
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	Results []types.SearchResult `json:"results,omitempty"`
	Engrams []types.Engram       `json:"engrams,omitempty"`

	// ping
	Uptime string `json:"uptime,omitempty"`
	Idle   string `json:"idle,omitempty"`

	// run_maintenance
	Maintenance map[string]string `json:"maintenance,omitempty"`
}

// OK reports a successful reply.
func (r *Response) OK() bool {
	return r.Status == "ok"
}
