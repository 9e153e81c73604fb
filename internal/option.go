package internal

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config  *Config
	mcpMode bool
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithMCPMode runs the application as a stdio MCP server instead of
// the HTTP server. Logging goes to stderr so stdout stays clean for
// the MCP transport.
func WithMCPMode(enabled bool) Option {
	return func(a *application) {
		a.mcpMode = enabled
	}
}
