// Package config loads the service configuration.
//
// Configuration is read from a YAML file over built-in defaults, then
// TEAMCLOUD_* environment variables override individual settings, and the
// result is validated with struct tags plus a few cross-section rules.
//
// # Usage Example
//
//	cfg, err := config.Load("teamcloud.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
//
// # Example file
//
//	server:
//	  address: ":8080"
//	  base_url: https://teamcloud.example.com
//	store:
//	  path: /var/lib/teamcloud/teamcloud.db
//	locks:
//	  backend: redis
//	redis:
//	  address: redis:6379
//	  lifecycle_channel: teamcloud:lifecycle
//	callback:
//	  host_url: https://teamcloud.example.com
//	  key_source: local
//	catalog:
//	  path: /etc/teamcloud/catalog
//	  watch: true
//	policy:
//	  paths: [/etc/teamcloud/policies]
//	telemetry:
//	  log_level: info
//	  log_format: json
//
// Durations use Go syntax ("30s", "30m").
package config
