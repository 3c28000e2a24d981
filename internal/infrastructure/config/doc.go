// Package config handles loading and validating the update server configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Filling unset environment variables from a dotenv file
//   - Overriding with ESPMANAGER_* environment variables
//   - Validation of required fields
//
// Security Considerations:
//   - Broker credentials and the InfluxDB token should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(config.Options{Path: "configs/config.yaml"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.API.Port)
package config
