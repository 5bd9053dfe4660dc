package models

// SystemSummary is the operator-facing snapshot of one workspace. Counts
// come from the read models; PolicyMode and KillSwitch reflect the live
// gate configuration.
type SystemSummary struct {
	WorkspaceID      string           `json:"workspace_id"`
	Events           int64            `json:"events"`
	Rooms            int64            `json:"rooms"`
	Threads          int64            `json:"threads"`
	Messages         int64            `json:"messages"`
	RunsByStatus     map[string]int64 `json:"runs_by_status"`
	QueueDepth       int64            `json:"queue_depth"`
	PendingApprovals int64            `json:"pending_approvals"`
	PolicyMode       string           `json:"policy_mode"`
	KillSwitch       bool             `json:"kill_switch"`
}

// HealthStatus is the readiness payload.
type HealthStatus struct {
	Status     string `json:"status"`
	Database   string `json:"database"`
	QueueDepth int64  `json:"queue_depth"`
	Version    string `json:"version"`
}
