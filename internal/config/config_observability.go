package config

// LoggingConfig controls the observability.Logger wrapping log/slog.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error, default info
	Format string `yaml:"format"` // json | text, default json
}

// TracingConfig controls the OpenTelemetry trace provider wrapping each
// turn and tool invocation.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	SamplingRatio  float64 `yaml:"sampling_ratio"`
}
