package status

// PluginInfo describes one backend plugin.
type PluginInfo struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Version      string   `json:"version"`
	Status       string   `json:"status"`
	Healthy      bool     `json:"healthy"`
	VRAMUsageGB  float64  `json:"vram_usage_gb"`
	Dependencies []string `json:"dependencies"`
}

// Health is the service-wide health report.
type Health struct {
	Status  string                `json:"status"` // healthy or degraded
	Plugins map[string]PluginInfo `json:"plugins"`
	VRAM    map[string]any        `json:"vram,omitempty"`
}

// Healthy reports whether the service considers itself fully healthy.
func (h Health) Healthy() bool {
	return h.Status == "healthy"
}
