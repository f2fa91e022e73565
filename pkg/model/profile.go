package model

import "time"

// RepositoryProfile describes repository topology and the acting user.
type RepositoryProfile struct {
	Topology         Topology          `json:"topology"`
	RemoteConfigured bool              `json:"remote_configured"`
	CurrentUser      string            `json:"current_user"`
	LowConfidence    bool              `json:"low_confidence"`
	Source           string            `json:"source"`
	Remotes          map[string]string `json:"remotes,omitempty"`
	HostCLI          bool              `json:"host_cli"`
	HostAuth         bool              `json:"host_auth"`
	DetectedAt       time.Time         `json:"detected_at"`
}
