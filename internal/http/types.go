package http

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status    string           `json:"status"` // "ok" or "degraded"
	Version   string           `json:"version,omitempty"`
	Framework *FrameworkStatus `json:"framework,omitempty"`
	Registry  *RegistryCounts  `json:"registry,omitempty"`
	Sessions  *SessionCounts   `json:"sessions,omitempty"`
}

// FrameworkStatus mirrors the framework decision state.
type FrameworkStatus struct {
	Active        string `json:"active"`
	Enabled       bool   `json:"enabled"`
	GatesEnabled  bool   `json:"gates_enabled"`
	AdminOverride string `json:"admin_override,omitempty"`
	Phase         string `json:"phase"`
}

// RegistryCounts contains the size of the loaded registry.
type RegistryCounts struct {
	Prompts       int `json:"prompts"`
	Gates         int `json:"gates"`
	Methodologies int `json:"methodologies"`
}

// SessionCounts contains stored chain run counts.
type SessionCounts struct {
	Total   int            `json:"total"`             // -1 when the store could not be read
	ByState map[string]int `json:"by_state,omitempty"` // keyed by chain state
	Corrupt int            `json:"corrupt"`
}
