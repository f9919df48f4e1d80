package config

// ServerConfig configures ringdownd's network surface: the telephony
// WebSocket and managed-AV HTTP endpoints share one listener (per
// SPEC_FULL.md's Open Question #2, they are separate mux entries on the
// same port rather than separate servers); metrics gets its own port so
// scraping never competes with call traffic.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}
