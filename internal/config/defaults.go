package config

// Default timeout and reporting values.
const (
	DefaultConnectMs  = 5000
	DefaultInvokeMs   = 15000
	DefaultShutdownMs = 3000
	DefaultStreamMs   = 30000

	DefaultOutputDir = "./reports"
)
