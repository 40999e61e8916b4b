package models

import "time"

// ExtEndpoint is an external HTTP route a module contributes, proxied by the
// engine under /ext/{module}/{method}.
type ExtEndpoint struct {
	MethodName  string   `toml:"method_name" json:"method_name"`
	RPCEndpoint string   `toml:"rpc_endpoint" json:"rpc_endpoint"`
	HTTPMethods []string `toml:"http_methods" json:"http_methods"`
	Description string   `toml:"description,omitempty" json:"description,omitempty"`
}

// Module is an installed sibling service contributing tools, a dashboard,
// and/or ext endpoints while enabled.
type Module struct {
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Version      string        `json:"version"`
	Command      string        `json:"command,omitempty"`
	DefaultPort  int           `json:"default_port"`
	HasTools     bool          `json:"has_tools"`
	HasDashboard bool          `json:"has_dashboard"`
	SkillContent string        `json:"skill_content,omitempty"`
	ExtEndpoints []ExtEndpoint `json:"ext_endpoints,omitempty"`
	InstalledAt  time.Time     `json:"installed_at"`
	Enabled      bool          `json:"enabled"`
}

// SubAgentStatus enumerates the lifecycle of a spawned sub-agent run.
type SubAgentStatus string

const (
	SubAgentPending   SubAgentStatus = "Pending"
	SubAgentRunning   SubAgentStatus = "Running"
	SubAgentCompleted SubAgentStatus = "Completed"
	SubAgentFailed    SubAgentStatus = "Failed"
	SubAgentTimedOut  SubAgentStatus = "TimedOut"
	SubAgentCancelled SubAgentStatus = "Cancelled"
)

// MaxSubAgentDepth is the hard ceiling on sub-agent nesting (spec invariant 7).
const MaxSubAgentDepth = 3

// SubAgent is a bounded child dispatcher run spawned by the Sub-Agent Manager.
type SubAgent struct {
	ID             string         `json:"id"`
	ParentID       string         `json:"parent_id,omitempty"`
	Depth          int            `json:"depth"`
	Label          string         `json:"label"`
	Task           string         `json:"task"`
	AgentSubtype   string         `json:"agent_subtype,omitempty"`
	ReadOnly       bool           `json:"read_only"`
	TimeoutSecs    int            `json:"timeout_secs"`
	Status         SubAgentStatus `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Result         string         `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	LastActivityAt time.Time      `json:"last_activity_at"`
}
