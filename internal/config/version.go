package config

// Version is reported by the CLI and the health endpoint.
const Version = "0.1.0"
