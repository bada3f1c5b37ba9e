// Package config defines configuration structures for the glacier CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (GLACIER_ prefix)
//   - YAML configuration file
//
// Flags override the environment, which overrides the file, which
// overrides Default.
//
// # File format
//
//	vault_url: s3://my-bucket?region=eu-west-1
//	part_size: 8MiB
//	workers: 40
//	retry:
//	  attempts: 10
//	  backoff: 1s
//	  max_backoff: 30s
//	poll:
//	  interval: 15m
//	  min_interval: 1s
//	  timeout: 12h
//	retrieval:
//	  tier: Standard
//	  chunk_size: 32MiB
//	  workers: 4
//	inventory:
//	  format: JSON
package config
