// Package logging provides structured logging for the update server.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same handler, level and default fields.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting service", "port", 3000)
//	logger.Error("failed to connect", "error", err)
//
// # Security
//
// Device secrets authenticate devices. Never log one in full; use Secret:
//
//	logger.Warn("unknown device", "secret", logging.Secret(secret))
package logging
